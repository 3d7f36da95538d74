// Package rules implements the DAG rule engine (spec.md §4.8, C9): rules are
// graphs of typed nodes (Input/Condition/Transform/Aggregate/Action)
// executed in topological order, with edges optionally guarded by a calc
// expression. Grounded on
// original_source/services/modsrv/src/rules_engine.rs's build_rule_graph /
// execute_rule_graph / execute_node shape (petgraph DiGraph + toposort,
// ready-set propagation by completed-incoming-plus-guard), reimplemented
// over a plain adjacency list since the module doesn't carry a graph
// library and the rule sizes here don't warrant one.
package rules

import (
	"fmt"

	"github.com/fieldmesh/comsrv/internal/calc"
)

// NodeType is the behavior a rule node executes (spec.md §4.8).
type NodeType string

const (
	NodeInput     NodeType = "input"
	NodeCondition NodeType = "condition"
	NodeTransform NodeType = "transform"
	NodeAggregate NodeType = "aggregate"
	NodeAction    NodeType = "action"
)

func (t NodeType) valid() bool {
	switch t {
	case NodeInput, NodeCondition, NodeTransform, NodeAggregate, NodeAction:
		return true
	default:
		return false
	}
}

// NodeDef is a node as authored in a rule definition.
type NodeDef struct {
	ID     string
	Type   NodeType
	Config map[string]any
}

// EdgeDef connects two nodes. Guard, when non-empty, is a calc expression
// evaluated against the accumulated node-result variables; the edge only
// fires when the guard evaluates true (spec.md §4.8 step 4).
type EdgeDef struct {
	From  string
	To    string
	Guard string
}

// Definition is a complete rule: its node set and edge set, as loaded from
// the rule catalog.
type Definition struct {
	ID    string
	Nodes []NodeDef
	Edges []EdgeDef
}

type nodeState int

const (
	statePending nodeState = iota
	stateRunning
	stateCompleted
	stateFailed
)

type runtimeNode struct {
	def       NodeDef
	state     nodeState
	result    calc.Value
	hasResult bool
}

type edge struct {
	from, to int
	guard    string
}

// Graph is a built, cycle-checked runtime rule, ready to execute repeatedly.
type Graph struct {
	id       string
	def      Definition
	nodes    []*runtimeNode
	index    map[string]int
	edges    []edge
	incoming map[int][]int // node index -> edge indices directed into it
	outgoing map[int][]int // node index -> edge indices directed out of it
}

// Build constructs a Graph from a Definition, rejecting duplicate node ids,
// edges referencing unknown nodes, and cyclic graphs (spec.md §4.8: "cycles
// are rejected at load time").
func Build(def Definition) (*Graph, error) {
	g := &Graph{
		id:       def.ID,
		def:      def,
		index:    make(map[string]int, len(def.Nodes)),
		incoming: make(map[int][]int),
		outgoing: make(map[int][]int),
	}
	for _, n := range def.Nodes {
		if !n.Type.valid() {
			return nil, fmt.Errorf("rules: node %q has unknown type %q", n.ID, n.Type)
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, fmt.Errorf("rules: duplicate node id %q", n.ID)
		}
		g.index[n.ID] = len(g.nodes)
		g.nodes = append(g.nodes, &runtimeNode{def: n})
	}
	for _, e := range def.Edges {
		from, ok := g.index[e.From]
		if !ok {
			return nil, fmt.Errorf("rules: edge references unknown node %q", e.From)
		}
		to, ok := g.index[e.To]
		if !ok {
			return nil, fmt.Errorf("rules: edge references unknown node %q", e.To)
		}
		idx := len(g.edges)
		g.edges = append(g.edges, edge{from: from, to: to, guard: e.Guard})
		g.outgoing[from] = append(g.outgoing[from], idx)
		g.incoming[to] = append(g.incoming[to], idx)
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm; any node left unvisited once the
// frontier is empty sits on a cycle.
func (g *Graph) checkAcyclic() error {
	indeg := make([]int, len(g.nodes))
	for i := range g.nodes {
		indeg[i] = len(g.incoming[i])
	}
	var queue []int
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, eidx := range g.outgoing[n] {
			to := g.edges[eidx].to
			indeg[to]--
			if indeg[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if visited != len(g.nodes) {
		return fmt.Errorf("rules: cycle detected in rule %q", g.id)
	}
	return nil
}
