package castle

import (
	"context"
	"slices"
)

// Action is one provisioning or operational step. An action is defined once
// per ActionID and executed once for every node it applies to.
type Action interface {
	ID() ActionID
	// Dependencies lists what must succeed before this action may run on a
	// node, in declaration order.
	Dependencies() []Dependency
	// Phases names the lifecycle targets (init, setup, start, ...) that
	// select this action.
	Phases() []string
	AppliesTo(node *Node) bool
	// Run performs the action on node. It is invoked at most once per node
	// per run.
	Run(ctx context.Context, cluster *Cluster, node *Node) error
}

// Dependency is a declared prerequisite of an action.
type Dependency struct {
	Target TargetID
	// SameNode restricts the dependency to units on the dependent unit's own
	// node. Otherwise every matching unit on every node must succeed first.
	SameNode bool
}

// After returns a cluster-wide dependency on target.
func After(target TargetID) Dependency {
	return Dependency{Target: target}
}

// AfterOnNode returns a dependency on target restricted to the same node.
func AfterOnNode(target TargetID) Dependency {
	return Dependency{Target: target, SameNode: true}
}

func (d Dependency) String() string {
	if d.SameNode {
		return d.Target.String() + "@node"
	}
	return d.Target.String()
}

// NodeSelector decides which nodes an action applies to.
type NodeSelector func(node *Node) bool

// OnNodes selects nodes by explicit name.
func OnNodes(names ...string) NodeSelector {
	names = slices.Clone(names)
	return func(node *Node) bool {
		return slices.Contains(names, node.Name())
	}
}

// OnRole selects the nodes carrying role.
func OnRole(role string) NodeSelector {
	return func(node *Node) bool {
		return node.HasRole(role)
	}
}

// OnAllNodes selects every node.
func OnAllNodes() NodeSelector {
	return func(*Node) bool { return true }
}
