package castle

import (
	"context"
	"fmt"
	"slices"
)

// RunFunc is the behaviour of an ActionFunc.
type RunFunc func(ctx context.Context, cluster *Cluster, node *Node) error

// ActionFunc is an implementation of Action that uses an ordinary function.
type ActionFunc struct {
	id           ActionID
	dependencies []Dependency
	phases       []string
	selector     NodeSelector
	run          RunFunc
}

// ActionOption configures an ActionFunc.
type ActionOption func(*ActionFunc)

// WithDependencies appends dependencies to the action.
func WithDependencies(deps ...Dependency) ActionOption {
	return func(a *ActionFunc) {
		a.dependencies = append(a.dependencies, deps...)
	}
}

// WithPhases sets the lifecycle targets that select the action.
func WithPhases(phases ...string) ActionOption {
	return func(a *ActionFunc) {
		a.phases = append(a.phases, phases...)
	}
}

// NewActionFunc constructs an ActionFunc. The selector decides which nodes
// the action applies to; a nil selector applies it to every node.
func NewActionFunc(id ActionID, selector NodeSelector, run RunFunc, opts ...ActionOption) *ActionFunc {
	if selector == nil {
		selector = OnAllNodes()
	}
	a := &ActionFunc{
		id:       id,
		selector: selector,
		run:      run,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ActionFunc) ID() ActionID {
	return a.id
}

func (a *ActionFunc) Dependencies() []Dependency {
	return slices.Clone(a.dependencies)
}

func (a *ActionFunc) Phases() []string {
	return slices.Clone(a.phases)
}

func (a *ActionFunc) AppliesTo(node *Node) bool {
	return a.selector(node)
}

// Run implements the Action interface for ActionFunc.
func (a *ActionFunc) Run(ctx context.Context, cluster *Cluster, node *Node) error {
	return a.run(ctx, cluster, node)
}

// String implements the fmt.Stringer interface for ActionFunc.
func (a *ActionFunc) String() string {
	return fmt.Sprintf("ActionFunc[%s]", a.id)
}
