package rules

import (
	"context"
	"fmt"

	"github.com/fieldmesh/comsrv/internal/calc"
	"github.com/fieldmesh/comsrv/internal/model"
)

// RTDB is the read surface rule nodes need out of the real-time store:
// a channel point, an instance-bucket point, and glob matching against
// instance names for aggregate inputs (spec.md §6.1's inst:{id}:name key,
// §4.8's aggregate "pattern" inputs). Grounded on
// original_source/services/modsrv/src/rules_engine.rs's
// ExecutionContext::get_device_parameter, generalized from a single
// device-parameter lookup to the channel/instance key-space this module
// actually stores values under.
type RTDB interface {
	ReadChannelPoint(ctx context.Context, channelID uint16, kind model.Kind, pointID uint32) (float64, bool, error)
	ReadInstancePoint(ctx context.Context, instanceID int64, kind model.Kind, pointIdx int32) (float64, bool, error)
	MatchInstances(ctx context.Context, namePattern string) ([]int64, error)
}

// ActionDispatcher sends an Action node's resolved command onward, through
// the same ingress/driver path a real command source would use (spec.md
// §4.8 Action node: "dispatches a control/adjust command through the
// standard ingress pipeline").
type ActionDispatcher interface {
	Dispatch(ctx context.Context, channelID uint16, pointID uint32, value float64) (commandID string, err error)
}

// ExecutionContext is the per-run state threaded through node execution:
// accumulated node-result variables (keyed by node id, per spec.md §4.8
// step 2: "each completed node's result is bound into the expression
// variable space under its own node id") plus the RTDB/dispatcher a node
// body may need.
type ExecutionContext struct {
	rtdb       RTDB
	dispatcher ActionDispatcher
	vars       calc.Vars
	regex      *calc.RegexCache
}

func NewExecutionContext(rtdb RTDB, dispatcher ActionDispatcher) *ExecutionContext {
	return &ExecutionContext{rtdb: rtdb, dispatcher: dispatcher, vars: calc.Vars{}, regex: calc.NewRegexCache()}
}

// SetVariable binds a node id (or any external name) to its computed value.
func (c *ExecutionContext) SetVariable(name string, v calc.Value) { c.vars[name] = v }

func (c *ExecutionContext) GetVariable(name string) (calc.Value, bool) {
	v, ok := c.vars[name]
	return v, ok
}

// EvaluateExpression runs a calc expression against the context's current
// variables and requires the result to be boolean, for use by Condition
// node bodies and edge guards.
func (c *ExecutionContext) EvaluateExpression(expr string) (bool, error) {
	v, err := calc.EvalWithCache(expr, c.vars, c.regex)
	if err != nil {
		return false, err
	}
	if !v.IsBool() {
		return false, fmt.Errorf("rules: expression %q did not evaluate to a boolean", expr)
	}
	return v.Bool, nil
}

// ResolveValue evaluates expr against the context's variables without
// requiring a particular result type, for use by Transform/Input node
// bodies that expect a number.
func (c *ExecutionContext) ResolveValue(expr string) (calc.Value, error) {
	return calc.EvalWithCache(expr, c.vars, c.regex)
}
