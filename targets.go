package castle

import (
	"slices"

	"github.com/fortressi/castle/set"
)

// TargetHierarchy maps grouping targets to their sub-targets. Names that are
// not keys are leaves: lifecycle phases or "type[:scope]" target ids.
type TargetHierarchy map[string][]string

// Lifecycle phases.
const (
	PhaseInit         = "init"
	PhaseSetup        = "setup"
	PhaseStart        = "start"
	PhaseDaemonStatus = "daemonStatus"
	PhaseSaveLogs     = "saveLogs"
	PhaseStop         = "stop"
	PhaseDestroy      = "destroy"
)

// DefaultTargets is the grouping of the castle command line.
var DefaultTargets = TargetHierarchy{
	"up":     {PhaseInit, PhaseSetup, PhaseStart},
	"status": {PhaseDaemonStatus},
	"down":   {PhaseSaveLogs, PhaseStop, PhaseDestroy},
}

// Expand resolves names into leaf targets, transitively and without
// duplicates, in first-seen order.
func (h TargetHierarchy) Expand(names []string) ([]string, error) {
	leaves := &set.Set[string]{}
	var walk func(name string, path []string) error
	walk = func(name string, path []string) error {
		if slices.Contains(path, name) {
			return validationErrorf("target %q includes itself", name)
		}
		children, ok := h[name]
		if !ok {
			leaves.Insert(name)
			return nil
		}
		path = append(path, name)
		for _, child := range children {
			if err := walk(child, path); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range names {
		if name == "" {
			return nil, NewValidationError("empty target name")
		}
		if err := walk(name, nil); err != nil {
			return nil, err
		}
	}
	return leaves.Items(), nil
}

// Phases returns the leaves reachable from any grouping target.
func (h TargetHierarchy) Phases() *set.Set[string] {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	phases := &set.Set[string]{}
	leaves, _ := h.Expand(keys)
	for _, l := range leaves {
		phases.Insert(l)
	}
	return phases
}

// selectActions returns the registered actions selected by the leaf targets.
// A leaf is either a lifecycle phase or a target id naming a registered type.
func selectActions(leaves []string, h TargetHierarchy, registry *ActionRegistry) ([]Action, error) {
	phases := h.Phases()
	all := registry.Actions()
	for _, a := range all {
		for _, p := range a.Phases() {
			phases.Insert(p)
		}
	}

	selected := &set.Set[ActionID]{}
	for _, leaf := range leaves {
		if phases.Contains(leaf) {
			for _, a := range all {
				if slices.Contains(a.Phases(), leaf) {
					selected.Insert(a.ID())
				}
			}
			continue
		}
		target, err := ParseTargetID(leaf)
		if err != nil {
			return nil, err
		}
		if !registry.HasType(target.Type) {
			return nil, validationErrorf("unknown target %q", leaf)
		}
		for _, a := range registry.Match(target) {
			selected.Insert(a.ID())
		}
	}

	out := make([]Action, 0, selected.Len())
	for _, id := range selected.Items() {
		a, _ := registry.Get(id)
		out = append(out, a)
	}
	return out, nil
}
