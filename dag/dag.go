// Package dag is a labelled directed graph with cycle reporting and
// Graphviz export.
package dag

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type Graph struct {
	*simple.DirectedGraph
	name  string
	attrs encoding.Attributes
}

func New(name string) *Graph {
	return &Graph{DirectedGraph: simple.NewDirectedGraph(), name: name}
}

// NewNode returns a node that is not yet part of the graph.
func (g *Graph) NewNode() *Node {
	return &Node{Node: g.DirectedGraph.NewNode()}
}

// AddLabeled adds a node carrying label and returns it.
func (g *Graph) AddLabeled(label string) *Node {
	n := g.NewNode()
	n.label = label
	_ = n.SetAttribute(encoding.Attribute{Key: "label", Value: label})
	g.AddNode(n)
	return n
}

// Connect adds the edge from -> to. Self loops are rejected.
func (g *Graph) Connect(from, to int64) error {
	if from == to {
		return &CycleError{Cycles: [][]string{{g.Label(from), g.Label(from)}}}
	}
	f, t := g.Node(from), g.Node(to)
	if f == nil || t == nil {
		return fmt.Errorf("connect %d -> %d: node does not exist", from, to)
	}
	g.SetEdge(g.NewEdge(f, t))
	return nil
}

// Label returns the label of node id, or its numeric id.
func (g *Graph) Label(id int64) string {
	if n, ok := g.Node(id).(*Node); ok && n.label != "" {
		return n.label
	}
	return fmt.Sprint(id)
}

func (g *Graph) Attributers() (encoding.Attributer, encoding.Attributer, encoding.Attributer) {
	return &Graph{}, &Node{}, &edge{}
}

func (g *Graph) Attributes() []encoding.Attribute {
	return g.attrs.Attributes()
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

// CycleError lists the cycles that make a graph unorderable, by label.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		parts[i] = strings.Join(c, " -> ")
	}
	return "dependency cycle: " + strings.Join(parts, "; ")
}

// Sort returns node ids in a topological order, breaking ties by id. A graph
// with cycles yields a *CycleError.
func (g *Graph) Sort() ([]int64, error) {
	sorted, err := topo.SortStabilized(g.DirectedGraph, func(nodes []graph.Node) {
		slices.SortFunc(nodes, func(a, b graph.Node) int {
			return cmp.Compare(a.ID(), b.ID())
		})
	})
	if err != nil {
		var unorderable topo.Unorderable
		if !errors.As(err, &unorderable) {
			return nil, err
		}
		cerr := &CycleError{}
		for _, component := range unorderable {
			cerr.Cycles = append(cerr.Cycles, g.cycleIn(component))
		}
		return nil, cerr
	}
	order := make([]int64, len(sorted))
	for i, n := range sorted {
		order[i] = n.ID()
	}
	return order, nil
}

// cycleIn walks a strongly connected component from its lowest id until a
// node repeats, returning the labels of the loop that closes.
func (g *Graph) cycleIn(component []graph.Node) []string {
	members := make(map[int64]bool, len(component))
	start := component[0].ID()
	for _, n := range component {
		members[n.ID()] = true
		start = min(start, n.ID())
	}
	var path []int64
	seen := map[int64]int{}
	cur := start
	for {
		if i, ok := seen[cur]; ok {
			labels := make([]string, 0, len(path)-i+1)
			for _, id := range path[i:] {
				labels = append(labels, g.Label(id))
			}
			return append(labels, g.Label(cur))
		}
		seen[cur] = len(path)
		path = append(path, cur)
		for _, next := range g.Successors(cur) {
			if members[next] {
				cur = next
				break
			}
		}
	}
}

// Successors returns the ids of the nodes id points to, ascending.
func (g *Graph) Successors(id int64) []int64 {
	return sortedIDs(g.DirectedGraph.From(id))
}

// Predecessors returns the ids of the nodes pointing to id, ascending.
func (g *Graph) Predecessors(id int64) []int64 {
	return sortedIDs(g.DirectedGraph.To(id))
}

func sortedIDs(it graph.Nodes) []int64 {
	var ids []int64
	for it.Next() {
		ids = append(ids, it.Node().ID())
	}
	slices.Sort(ids)
	return ids
}

type Node struct {
	graph.Node
	label string
	attrs encoding.Attributes
}

func (n *Node) Label() string {
	return n.label
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot() (string, error) {
	data, err := dot.Marshal(g, g.name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export DAG to DOT format: %v", err)
	}
	return string(data), nil
}

func (g *Graph) NewEdge(from, to graph.Node) graph.Edge {
	return &edge{Edge: g.DirectedGraph.NewEdge(from, to)}
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}
