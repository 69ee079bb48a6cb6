package castle

import (
	"errors"
	"fmt"

	"github.com/fortressi/castle/dag"
)

// unit is one (action, node) pairing of a plan.
type unit struct {
	id     UnitID
	action Action
	node   *Node
	gid    int64

	// indices into plan.units
	deps       []int
	dependents []int
}

// plan is the validated unit graph of one run.
type plan struct {
	units []*unit
	index map[UnitID]int
	byGID map[int64]int
	graph *dag.Graph
}

// planBuilder materializes the units selected by a set of targets together
// with every unit they transitively depend on.
type planBuilder struct {
	cluster  *Cluster
	registry *ActionRegistry
	plan     *plan
	queue    []int
}

func buildPlan(cluster *Cluster, targets []string, registry *ActionRegistry, hierarchy TargetHierarchy) (*plan, error) {
	if len(targets) == 0 {
		return nil, NewValidationError("no targets requested")
	}
	leaves, err := hierarchy.Expand(targets)
	if err != nil {
		return nil, err
	}
	selected, err := selectActions(leaves, hierarchy, registry)
	if err != nil {
		return nil, err
	}

	b := &planBuilder{
		cluster:  cluster,
		registry: registry,
		plan: &plan{
			index: make(map[UnitID]int),
			byGID: make(map[int64]int),
			graph: dag.New("castle"),
		},
	}
	for _, action := range selected {
		for _, node := range cluster.Nodes() {
			if action.AppliesTo(node) {
				b.addUnit(action, node)
			}
		}
	}
	for len(b.queue) > 0 {
		i := b.queue[0]
		b.queue = b.queue[1:]
		if err := b.resolveDependencies(i); err != nil {
			return nil, err
		}
	}

	if _, err := b.plan.graph.Sort(); err != nil {
		var cycle *dag.CycleError
		if errors.As(err, &cycle) {
			return nil, NewValidationError(cycle.Error())
		}
		return nil, err
	}
	return b.plan, nil
}

// addUnit adds the unit for (action, node) unless it exists, and returns
// its index.
func (b *planBuilder) addUnit(action Action, node *Node) int {
	id := UnitID{Action: action.ID(), Node: node.Name()}
	if i, ok := b.plan.index[id]; ok {
		return i
	}
	gnode := b.plan.graph.AddLabeled(id.String())
	u := &unit{id: id, action: action, node: node, gid: gnode.ID()}
	i := len(b.plan.units)
	b.plan.units = append(b.plan.units, u)
	b.plan.index[id] = i
	b.plan.byGID[u.gid] = i
	b.queue = append(b.queue, i)
	return i
}

func (b *planBuilder) resolveDependencies(i int) error {
	u := b.plan.units[i]
	for _, dep := range u.action.Dependencies() {
		if !b.registry.HasType(dep.Target.Type) {
			return validationErrorf("%s depends on %s: no action type %q is registered",
				u.action.ID(), dep, dep.Target.Type)
		}
		nodes := b.cluster.Nodes()
		if dep.SameNode {
			nodes = []*Node{u.node}
		}
		for _, action := range b.registry.Match(dep.Target) {
			for _, node := range nodes {
				if !action.AppliesTo(node) {
					continue
				}
				j := b.addUnit(action, node)
				if err := b.connect(j, i); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// connect records that unit to depends on unit from.
func (b *planBuilder) connect(from, to int) error {
	f, t := b.plan.units[from], b.plan.units[to]
	if b.plan.graph.HasEdgeFromTo(f.gid, t.gid) {
		return nil
	}
	if err := b.plan.graph.Connect(f.gid, t.gid); err != nil {
		var cycle *dag.CycleError
		if errors.As(err, &cycle) {
			return NewValidationError(cycle.Error())
		}
		return fmt.Errorf("connect %s -> %s: %w", f.id, t.id, err)
	}
	f.dependents = append(f.dependents, to)
	t.deps = append(t.deps, from)
	return nil
}

// ids returns the unit ids in plan order.
func (p *plan) ids() []UnitID {
	out := make([]UnitID, len(p.units))
	for i, u := range p.units {
		out[i] = u.id
	}
	return out
}
