package castle

import (
	"slices"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// ActionRegistry is the name-keyed table of action types and the action
// instances defined for one run.
//
// Types form a closed set registered up front by the role variants. An
// instance can only be registered for a known type, so a dependency naming a
// type nobody registered is detectable before anything runs, even when the
// current cluster defines no instance of it.
type ActionRegistry struct {
	types   *xsync.MapOf[string, struct{}]
	actions *xsync.MapOf[ActionID, Action]
}

// NewActionRegistry creates a new ActionRegistry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{
		types:   xsync.NewMapOf[string, struct{}](),
		actions: xsync.NewMapOf[ActionID, Action](),
	}
}

// RegisterType declares an action type. Declaring a type twice is harmless.
func (r *ActionRegistry) RegisterType(typ string) error {
	if typ == "" || strings.Contains(typ, ":") {
		return validationErrorf("invalid action type %q", typ)
	}
	r.types.Store(typ, struct{}{})
	return nil
}

// HasType reports whether typ was registered.
func (r *ActionRegistry) HasType(typ string) bool {
	_, ok := r.types.Load(typ)
	return ok
}

// Register adds an action instance to the registry.
func (r *ActionRegistry) Register(action Action) error {
	id := action.ID()
	if !r.HasType(id.Type) {
		return validationErrorf("action %s has unregistered type %q", id, id.Type)
	}
	if _, loaded := r.actions.LoadOrStore(id, action); loaded {
		return validationErrorf("action %s already registered", id)
	}
	return nil
}

// Get retrieves an action by its ID.
func (r *ActionRegistry) Get(id ActionID) (Action, bool) {
	return r.actions.Load(id)
}

// Match returns the registered actions selected by target, ordered by ID.
func (r *ActionRegistry) Match(target TargetID) []Action {
	var out []Action
	r.actions.Range(func(id ActionID, a Action) bool {
		if target.Matches(id) {
			out = append(out, a)
		}
		return true
	})
	sortActions(out)
	return out
}

// Actions returns every registered action, ordered by ID.
func (r *ActionRegistry) Actions() []Action {
	out := make([]Action, 0, r.actions.Size())
	r.actions.Range(func(_ ActionID, a Action) bool {
		out = append(out, a)
		return true
	})
	sortActions(out)
	return out
}

func sortActions(actions []Action) {
	slices.SortFunc(actions, func(a, b Action) int {
		return compareActionIDs(a.ID(), b.ID())
	})
}

func compareActionIDs(a, b ActionID) int {
	if c := strings.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return strings.Compare(a.Scope, b.Scope)
}
