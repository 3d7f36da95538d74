package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/fieldmesh/comsrv/internal/calc"
)

// ActionFunc is a named custom action body, registered ahead of time and
// invoked by name from an Action node whose "operation" config is "custom"
// (spec.md §9 Open Question 3: the Custom action type is a dispatch
// mechanism, not a predefined behavior). Grounded on the teacher's
// registry.go RegisterBuilder pattern (name -> constructor map, panic on
// duplicate registration, lookup failure surfaced as a normal error at call
// time rather than at registration time).
type ActionFunc func(ctx context.Context, ec *ExecutionContext, parameters map[string]any) (calc.Value, error)

var (
	customActionsMu sync.RWMutex
	customActions   = map[string]ActionFunc{}
)

// RegisterAction adds a named custom action. It panics on duplicate
// registration, matching the teacher's fail-fast builder registry.
func RegisterAction(name string, fn ActionFunc) {
	customActionsMu.Lock()
	defer customActionsMu.Unlock()
	if _, dup := customActions[name]; dup {
		panic(fmt.Sprintf("rules: action %q already registered", name))
	}
	customActions[name] = fn
}

func lookupAction(name string) (ActionFunc, bool) {
	customActionsMu.RLock()
	defer customActionsMu.RUnlock()
	fn, ok := customActions[name]
	return fn, ok
}
