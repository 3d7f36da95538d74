package rules

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/fieldmesh/comsrv/internal/calc"
	"github.com/fieldmesh/comsrv/internal/model"
)

func configString(cfg map[string]any, key string) (string, error) {
	v, ok := cfg[key]
	if !ok {
		return "", fmt.Errorf("rules: missing config field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("rules: config field %q is not a string", key)
	}
	return s, nil
}

func configFloat(cfg map[string]any, key string, def float64) float64 {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

func configUint16(cfg map[string]any, key string) (uint16, error) {
	v, ok := cfg[key]
	if !ok {
		return 0, fmt.Errorf("rules: missing config field %q", key)
	}
	switch n := v.(type) {
	case float64:
		return uint16(n), nil
	case int:
		return uint16(n), nil
	default:
		return 0, fmt.Errorf("rules: config field %q is not numeric", key)
	}
}

func configUint32(cfg map[string]any, key string) (uint32, error) {
	v, ok := cfg[key]
	if !ok {
		return 0, fmt.Errorf("rules: missing config field %q", key)
	}
	switch n := v.(type) {
	case float64:
		return uint32(n), nil
	case int:
		return uint32(n), nil
	default:
		return 0, fmt.Errorf("rules: config field %q is not numeric", key)
	}
}

func configStringSlice(cfg map[string]any, key string) ([]string, error) {
	v, ok := cfg[key]
	if !ok {
		return nil, fmt.Errorf("rules: missing config field %q", key)
	}
	raw, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss, nil
		}
		return nil, fmt.Errorf("rules: config field %q is not a list", key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("rules: config field %q contains a non-string entry", key)
		}
		out = append(out, s)
	}
	return out, nil
}

// parseChannelRef parses "{channel}:{T|S|C|A}:{point}" (spec.md §6.1's
// channel key-space, minus the value/ts/raw suffixes).
func parseChannelRef(s string) (channelID uint16, kind model.Kind, pointID uint32, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, "", 0, false
	}
	ch, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, "", 0, false
	}
	k := model.Kind(parts[1])
	if !k.Valid() {
		return 0, "", 0, false
	}
	pid, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return 0, "", 0, false
	}
	return uint16(ch), k, uint32(pid), true
}

// parseInstanceRef parses "inst:{id}:{M|A}:{idx}" (spec.md §6.1's
// instance-bucket key-space). M/A here select the instance's
// measurement/adjustment bucket, not a channel Kind, but the two buckets
// line up with Telemetry/Adjust for read purposes.
func parseInstanceRef(s string) (instanceID int64, kind model.Kind, pointIdx int32, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != "inst" {
		return 0, "", 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", 0, false
	}
	switch parts[2] {
	case "M":
		kind = model.KindTelemetry
	case "A":
		kind = model.KindAdjust
	default:
		return 0, "", 0, false
	}
	idx, err := strconv.ParseInt(parts[3], 10, 32)
	if err != nil {
		return 0, "", 0, false
	}
	return id, kind, int32(idx), true
}

// parseAggregateRef parses "fn(pattern:M|A:idx)" where fn is one of
// sum|avg|max|min|count and pattern is a shell glob matched against
// instance names (spec.md §4.8 Input node aggregate form).
func parseAggregateRef(s string) (fn, pattern string, kind model.Kind, pointIdx int32, ok bool) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return "", "", "", 0, false
	}
	fn = s[:open]
	switch fn {
	case "sum", "avg", "max", "min", "count":
	default:
		return "", "", "", 0, false
	}
	inner := s[open+1 : len(s)-1]
	parts := strings.Split(inner, ":")
	if len(parts) != 3 {
		return "", "", "", 0, false
	}
	switch parts[1] {
	case "M":
		kind = model.KindTelemetry
	case "A":
		kind = model.KindAdjust
	default:
		return "", "", "", 0, false
	}
	idx, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return "", "", "", 0, false
	}
	return fn, parts[0], kind, int32(idx), true
}

// resolveInput evaluates an Input node's "source" config field: a channel
// point ref, an instance point ref, an aggregate expression over matching
// instances, or (falling through) a context variable name (spec.md §4.8).
func resolveInput(ctx context.Context, ec *ExecutionContext, source string) (calc.Value, error) {
	if ch, kind, pid, ok := parseChannelRef(source); ok {
		if ec.rtdb == nil {
			return calc.Value{}, fmt.Errorf("rules: no RTDB configured for channel input %q", source)
		}
		v, found, err := ec.rtdb.ReadChannelPoint(ctx, ch, kind, pid)
		if err != nil {
			return calc.Value{}, err
		}
		if !found {
			return calc.Value{}, fmt.Errorf("rules: no value for channel point %q", source)
		}
		return calc.Number(v), nil
	}
	if inst, kind, idx, ok := parseInstanceRef(source); ok {
		if ec.rtdb == nil {
			return calc.Value{}, fmt.Errorf("rules: no RTDB configured for instance input %q", source)
		}
		v, found, err := ec.rtdb.ReadInstancePoint(ctx, inst, kind, idx)
		if err != nil {
			return calc.Value{}, err
		}
		if !found {
			return calc.Value{}, fmt.Errorf("rules: no value for instance point %q", source)
		}
		return calc.Number(v), nil
	}
	if fn, pattern, kind, idx, ok := parseAggregateRef(source); ok {
		return evalAggregateRef(ctx, ec, fn, pattern, kind, idx)
	}
	if v, ok := ec.GetVariable(source); ok {
		return v, nil
	}
	return calc.Value{}, fmt.Errorf("rules: unresolvable input source %q", source)
}

func evalAggregateRef(ctx context.Context, ec *ExecutionContext, fn, pattern string, kind model.Kind, idx int32) (calc.Value, error) {
	if ec.rtdb == nil {
		return calc.Value{}, fmt.Errorf("rules: no RTDB configured for aggregate input")
	}
	ids, err := ec.rtdb.MatchInstances(ctx, pattern)
	if err != nil {
		return calc.Value{}, err
	}
	var values []float64
	for _, id := range ids {
		v, found, err := ec.rtdb.ReadInstancePoint(ctx, id, kind, idx)
		if err != nil {
			return calc.Value{}, err
		}
		if found {
			values = append(values, v)
		}
	}
	return aggregate(fn, values)
}

func aggregate(fn string, values []float64) (calc.Value, error) {
	switch fn {
	case "count":
		return calc.Number(float64(len(values))), nil
	case "sum":
		return calc.Number(sum(values)), nil
	case "avg":
		if len(values) == 0 {
			return calc.Number(0), nil
		}
		return calc.Number(sum(values) / float64(len(values))), nil
	case "max":
		if len(values) == 0 {
			return calc.Number(0), nil
		}
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return calc.Number(m), nil
	case "min":
		if len(values) == 0 {
			return calc.Number(0), nil
		}
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return calc.Number(m), nil
	default:
		return calc.Value{}, fmt.Errorf("rules: unsupported aggregation %q", fn)
	}
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

// matchGlob reports whether name matches a shell glob pattern
// (inst:*:name, spec.md §4.8's instance aggregate matching).
func matchGlob(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// execNode runs one node body (spec.md §4.8 node behaviors), grounded on
// rules_engine.rs's execute_node match arms.
func execNode(ctx context.Context, ec *ExecutionContext, n *runtimeNode) (calc.Value, error) {
	cfg := n.def.Config
	switch n.def.Type {
	case NodeInput:
		source, err := configString(cfg, "source")
		if err != nil {
			return calc.Value{}, err
		}
		return resolveInput(ctx, ec, source)

	case NodeCondition:
		expr, err := configString(cfg, "expression")
		if err != nil {
			return calc.Value{}, err
		}
		ok, err := ec.EvaluateExpression(expr)
		if err != nil {
			return calc.Value{}, err
		}
		return calc.Bool(ok), nil

	case NodeTransform:
		return execTransform(ec, cfg)

	case NodeAggregate:
		return execAggregateNode(ec, cfg)

	case NodeAction:
		return execAction(ctx, ec, cfg)

	default:
		return calc.Value{}, fmt.Errorf("rules: unknown node type %q", n.def.Type)
	}
}

func execTransform(ec *ExecutionContext, cfg map[string]any) (calc.Value, error) {
	transformType, err := configString(cfg, "transform_type")
	if err != nil {
		return calc.Value{}, err
	}
	input, _ := cfg["input"].(map[string]any)
	valueExpr, err := configString(input, "value_expr")
	if err != nil {
		return calc.Value{}, err
	}
	value, err := ec.ResolveValue(valueExpr)
	if err != nil {
		return calc.Value{}, err
	}
	if !value.IsNumber() {
		return calc.Value{}, fmt.Errorf("rules: transform input %q is not numeric", valueExpr)
	}
	switch transformType {
	case "scale":
		factor := configFloat(input, "factor", 1.0)
		return calc.Number(value.Num * factor), nil
	case "threshold":
		if _, ok := input["threshold"]; !ok {
			return calc.Value{}, fmt.Errorf("rules: threshold transform missing \"threshold\"")
		}
		threshold := configFloat(input, "threshold", 0)
		return calc.Bool(value.Num >= threshold), nil
	default:
		return calc.Value{}, fmt.Errorf("rules: unsupported transform type %q", transformType)
	}
}

func execAggregateNode(ec *ExecutionContext, cfg map[string]any) (calc.Value, error) {
	aggType, err := configString(cfg, "aggregation_type")
	if err != nil {
		return calc.Value{}, err
	}
	inputs, err := configStringSlice(cfg, "inputs")
	if err != nil {
		return calc.Value{}, err
	}
	var vals []calc.Value
	for _, name := range inputs {
		if v, ok := ec.GetVariable(name); ok {
			vals = append(vals, v)
		}
	}
	switch aggType {
	case "and":
		result := true
		for _, v := range vals {
			if !v.IsBool() || !v.Bool {
				result = false
				break
			}
		}
		return calc.Bool(result && len(vals) > 0), nil
	case "or":
		result := false
		for _, v := range vals {
			if v.IsBool() && v.Bool {
				result = true
				break
			}
		}
		return calc.Bool(result), nil
	default:
		var nums []float64
		for _, v := range vals {
			if v.IsNumber() {
				nums = append(nums, v.Num)
			}
		}
		return aggregate(aggType, nums)
	}
}

func execAction(ctx context.Context, ec *ExecutionContext, cfg map[string]any) (calc.Value, error) {
	operation, err := configString(cfg, "operation")
	if err != nil {
		return calc.Value{}, err
	}
	if operation == "custom" {
		return execCustomAction(ctx, ec, cfg)
	}
	if ec.dispatcher == nil {
		return calc.Value{}, fmt.Errorf("rules: no action dispatcher configured")
	}
	channelID, err := configUint16(cfg, "channel_id")
	if err != nil {
		return calc.Value{}, err
	}
	pointID, err := configUint32(cfg, "point_id")
	if err != nil {
		return calc.Value{}, err
	}
	valueExpr, err := configString(cfg, "value_expr")
	if err != nil {
		return calc.Value{}, err
	}
	value, err := ec.ResolveValue(valueExpr)
	if err != nil {
		return calc.Value{}, err
	}
	if !value.IsNumber() {
		return calc.Value{}, fmt.Errorf("rules: action value_expr %q is not numeric", valueExpr)
	}
	commandID, err := ec.dispatcher.Dispatch(ctx, channelID, pointID, value.Num)
	if err != nil {
		return calc.Value{}, err
	}
	return calc.String(fmt.Sprintf(`{"command_id":%q,"status":"queued"}`, commandID)), nil
}

func execCustomAction(ctx context.Context, ec *ExecutionContext, cfg map[string]any) (calc.Value, error) {
	name, err := configString(cfg, "action")
	if err != nil {
		return calc.Value{}, err
	}
	fn, ok := lookupAction(name)
	if !ok {
		return calc.Value{}, fmt.Errorf("rules: unregistered custom action %q", name)
	}
	parameters, _ := cfg["parameters"].(map[string]any)
	return fn(ctx, ec, parameters)
}
