package castle

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"
)

// Role is a decoded role definition from the cluster spec.
type Role interface {
	// Actions returns the actions the role contributes when it is defined
	// under roleName in cluster.
	Actions(roleName string, cluster *Cluster) []Action
}

// NodeInitializer is implemented by roles that decide how their nodes are
// reached. InitNode runs once per node when the cluster is built.
type NodeInitializer interface {
	InitNode(node *Node) error
}

// VariableSource is implemented by roles that provide dynamic variables.
type VariableSource interface {
	RegisterVariables(roleName string, vars *VariableRegistry) error
}

// RoleValidator is implemented by roles whose definition refers to other
// roles. ValidateRole runs once when the cluster is built.
type RoleValidator interface {
	ValidateRole(roleName string, cluster *Cluster) error
}

// RoleFactory decodes the JSON definition of one role type.
type RoleFactory func(raw json.RawMessage) (Role, error)

type roleType struct {
	factory     RoleFactory
	actionTypes []string
}

// RoleRegistry is the closed table of role variants, keyed by the "type"
// field of a role definition.
type RoleRegistry struct {
	types *xsync.MapOf[string, roleType]
}

// NewRoleRegistry creates an empty RoleRegistry.
func NewRoleRegistry() *RoleRegistry {
	return &RoleRegistry{types: xsync.NewMapOf[string, roleType]()}
}

// Register adds a role variant and the action types its roles produce.
func (r *RoleRegistry) Register(typ string, factory RoleFactory, actionTypes ...string) error {
	if _, loaded := r.types.LoadOrStore(typ, roleType{factory: factory, actionTypes: slices.Clone(actionTypes)}); loaded {
		return validationErrorf("role type %q already registered", typ)
	}
	return nil
}

// ActionTypes returns every action type produced by a registered variant.
func (r *RoleRegistry) ActionTypes() []string {
	var out []string
	r.types.Range(func(_ string, rt roleType) bool {
		out = append(out, rt.actionTypes...)
		return true
	})
	slices.Sort(out)
	return slices.Compact(out)
}

// Decode builds a Role from its JSON definition.
func (r *RoleRegistry) Decode(raw json.RawMessage) (Role, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("decode role: %w", err)
	}
	if header.Type == "" {
		return nil, NewValidationError("role definition has no type")
	}
	rt, ok := r.types.Load(header.Type)
	if !ok {
		return nil, validationErrorf("unknown role type %q", header.Type)
	}
	role, err := rt.factory(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s role: %w", header.Type, err)
	}
	return role, nil
}
