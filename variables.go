package castle

import (
	"cmp"
	"slices"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// Priorities of the standard provider tiers. Higher priorities win.
const (
	PriorityBuiltin = 0
	PriorityRole    = 100
	PriorityConfig  = 1000
)

// DynamicVariableProvider computes the value of a named variable from the
// current cluster and node state.
type DynamicVariableProvider interface {
	Priority() int
	Calculate(cluster *Cluster, node *Node) (string, error)
}

type providerFunc struct {
	priority int
	fn       func(cluster *Cluster, node *Node) (string, error)
}

func (p providerFunc) Priority() int { return p.priority }

func (p providerFunc) Calculate(cluster *Cluster, node *Node) (string, error) {
	return p.fn(cluster, node)
}

// NewProvider returns a DynamicVariableProvider backed by fn.
func NewProvider(priority int, fn func(cluster *Cluster, node *Node) (string, error)) DynamicVariableProvider {
	return providerFunc{priority: priority, fn: fn}
}

// ConstantProvider returns a provider that always yields value.
func ConstantProvider(priority int, value string) DynamicVariableProvider {
	return NewProvider(priority, func(*Cluster, *Node) (string, error) {
		return value, nil
	})
}

// VariableRegistry maps variable names to the providers registered for them.
// Provider lists are kept sorted by descending priority.
type VariableRegistry struct {
	providers *xsync.MapOf[string, []DynamicVariableProvider]
}

// NewVariableRegistry creates an empty VariableRegistry.
func NewVariableRegistry() *VariableRegistry {
	return &VariableRegistry{
		providers: xsync.NewMapOf[string, []DynamicVariableProvider](),
	}
}

// Register adds a provider for name. Two providers for the same name must
// not share a priority.
func (r *VariableRegistry) Register(name string, provider DynamicVariableProvider) error {
	if name == "" {
		return NewValidationError("empty dynamic variable name")
	}
	var err error
	r.providers.Compute(name, func(old []DynamicVariableProvider, _ bool) ([]DynamicVariableProvider, bool) {
		for _, p := range old {
			if p.Priority() == provider.Priority() {
				err = validationErrorf("dynamic variable %q already has a provider with priority %d",
					name, provider.Priority())
				return old, false
			}
		}
		next := append(slices.Clone(old), provider)
		slices.SortStableFunc(next, func(a, b DynamicVariableProvider) int {
			return cmp.Compare(b.Priority(), a.Priority())
		})
		return next, false
	})
	return err
}

// Resolve calculates name using its highest-priority provider. Values are
// not cached: every call invokes the provider again.
func (r *VariableRegistry) Resolve(name string, cluster *Cluster, node *Node) (string, error) {
	providers, ok := r.providers.Load(name)
	if !ok || len(providers) == 0 {
		return "", &UnresolvedVariableError{Name: name}
	}
	return providers[0].Calculate(cluster, node)
}

// Names returns every variable name with at least one provider, sorted.
func (r *VariableRegistry) Names() []string {
	var names []string
	r.providers.Range(func(name string, _ []DynamicVariableProvider) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// Expand replaces every %{name} in template with the resolved variable.
// "%%" produces a literal percent sign.
func (r *VariableRegistry) Expand(template string, cluster *Cluster, node *Node) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' || i+1 == len(template) {
			sb.WriteByte(c)
			continue
		}
		switch template[i+1] {
		case '%':
			sb.WriteByte('%')
			i++
		case '{':
			end := strings.IndexByte(template[i+2:], '}')
			if end < 0 {
				return "", validationErrorf("unterminated variable reference in %q", template)
			}
			name := template[i+2 : i+2+end]
			value, err := r.Resolve(name, cluster, node)
			if err != nil {
				return "", err
			}
			sb.WriteString(value)
			i += end + 2
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}

// ExpandAll expands every element of args.
func (r *VariableRegistry) ExpandAll(args []string, cluster *Cluster, node *Node) ([]string, error) {
	out := make([]string, len(args))
	for i, arg := range args {
		v, err := r.Expand(arg, cluster, node)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
