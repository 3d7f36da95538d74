package rules

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/fieldmesh/comsrv/internal/calc"
)

// Result is one rule evaluation's outcome: every node's result keyed by
// node id, which nodes failed, and the rule's overall output (the last
// completed Action node's result, spec.md §4.8 step 5).
type Result struct {
	RuleID      string
	NodeResults map[string]calc.Value
	Failed      []string
	Output      calc.Value
	HasOutput   bool
}

// Execute resets all node state and runs the graph to completion:
// ready-set seeded from nodes with no incoming edges, each round executes
// every ready node, and a pending node becomes ready once every upstream
// node has completed and every incoming edge guard (if any) evaluates true
// (spec.md §4.8 steps 1-4). A node that errors is marked Failed and never
// unblocks its downstream neighbors. Grounded on rules_engine.rs's
// execute_rule_graph.
func (g *Graph) Execute(ctx context.Context, ec *ExecutionContext, log *logrus.Entry) Result {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	for _, n := range g.nodes {
		n.state = statePending
		n.hasResult = false
		n.result = calc.Value{}
	}

	completed := make(map[int]bool, len(g.nodes))
	var order []int

	ready := g.rootNodes()
	for len(ready) > 0 {
		for _, idx := range ready {
			n := g.nodes[idx]
			n.state = stateRunning
			result, err := execNode(ctx, ec, n)
			if err != nil {
				n.state = stateFailed
				log.WithError(err).WithField("node", n.def.ID).Warn("rules: node execution failed")
				continue
			}
			n.result = result
			n.hasResult = true
			n.state = stateCompleted
			completed[idx] = true
			order = append(order, idx)
			ec.SetVariable(n.def.ID, result)
		}
		ready = g.nextReady(ec, completed)
	}

	return g.buildResult(order, completed)
}

// rootNodes returns every node index with no incoming edges.
func (g *Graph) rootNodes() []int {
	var roots []int
	for i := range g.nodes {
		if len(g.incoming[i]) == 0 {
			roots = append(roots, i)
		}
	}
	return roots
}

// nextReady finds every still-Pending node whose upstream nodes have all
// completed and whose incoming edge guards (if any) currently evaluate
// true.
func (g *Graph) nextReady(ec *ExecutionContext, completed map[int]bool) []int {
	var next []int
	for i, n := range g.nodes {
		if n.state != statePending {
			continue
		}
		canRun := true
		for _, eidx := range g.incoming[i] {
			e := g.edges[eidx]
			if !completed[e.from] {
				canRun = false
				break
			}
			if e.guard == "" {
				continue
			}
			ok, err := ec.EvaluateExpression(e.guard)
			if err != nil || !ok {
				canRun = false
				break
			}
		}
		if canRun {
			next = append(next, i)
		}
	}
	return next
}

func (g *Graph) buildResult(order []int, completed map[int]bool) Result {
	res := Result{RuleID: g.id, NodeResults: make(map[string]calc.Value, len(g.nodes))}
	for _, n := range g.nodes {
		if n.hasResult {
			res.NodeResults[n.def.ID] = n.result
		}
		if n.state == stateFailed {
			res.Failed = append(res.Failed, n.def.ID)
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		idx := order[i]
		n := g.nodes[idx]
		if n.def.Type == NodeAction && completed[idx] {
			res.Output = n.result
			res.HasOutput = true
			break
		}
	}
	return res
}
