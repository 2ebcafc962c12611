// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstep

import (
	"container/heap"
	"crypto/sha256"
	"fmt"
)

// A Step declares a single named node of a pipeline. Steps are the
// input to NewGraph; they reference their dependencies by name.
type Step struct {
	// Name uniquely identifies the step within its pipeline.
	Name string
	// Type is the registered module type run by the step.
	Type string
	// Config is the step's configuration: a map with string keys or
	// a struct. It is normalized when the graph is built.
	Config interface{}
	// Deps names the steps whose artifacts are inputs to this step,
	// in the order in which they are passed to the module.
	Deps []string
	// Requirements overrides the module's default requirements.
	Requirements Requirements
	// Backend selects the executor for this step.
	Backend string
	// Retriable, if non-nil, overrides the module's retriable flag.
	Retriable *bool
}

// A Node is a step in a built pipeline graph.
type Node struct {
	// Name is the step's name.
	Name string
	// Spec is the step's spec, including its fingerprint.
	Spec *Spec

	index      int
	deps       []*Node
	dependents []*Node
}

// Index returns the node's position in its graph's topological order.
func (n *Node) Index() int { return n.index }

// Deps returns the node's dependencies in declared order.
func (n *Node) Deps() []*Node { return n.deps }

// Dependents returns the nodes that directly depend on n.
func (n *Node) Dependents() []*Node { return n.dependents }

// Fingerprint returns the node's fingerprint.
func (n *Node) Fingerprint() Fingerprint { return n.Spec.Fingerprint() }

func (n *Node) String() string {
	return fmt.Sprintf("%s %s", n.Name, n.Spec)
}

// A Graph is an immutable, validated pipeline graph. Its nodes are
// kept in a deterministic topological order: every node appears
// after all of its dependencies.
type Graph struct {
	nodes  []*Node
	byName map[string]*Node
	hash   Fingerprint
}

// NewGraph validates the provided steps and builds a graph from them.
// A *GraphError is returned for empty or duplicate names, undeclared
// dependencies, and dependency cycles; a *ConfigError is returned for
// unknown module types and invalid configurations. NewGraph never has
// side effects, so a failure here precedes any job submission.
func NewGraph(steps []Step) (*Graph, error) {
	if len(steps) == 0 {
		return nil, &GraphError{Kind: ErrInvalid, Msg: "pipeline has no steps"}
	}
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return nil, &GraphError{Kind: ErrInvalid, Msg: fmt.Sprintf("step %d has no name", i)}
		}
		if _, ok := index[step.Name]; ok {
			return nil, &GraphError{Kind: ErrDuplicate, Msg: fmt.Sprintf("step %s declared twice", step.Name)}
		}
		index[step.Name] = i
	}
	var (
		indeg    = make([]int, len(steps))
		outgoing = make([][]int, len(steps))
	)
	for i, step := range steps {
		seen := make(map[string]bool, len(step.Deps))
		for _, dep := range step.Deps {
			j, ok := index[dep]
			if !ok {
				return nil, &GraphError{Kind: ErrMissingDep, Msg: fmt.Sprintf("step %s depends on undeclared step %s", step.Name, dep)}
			}
			if j == i {
				return nil, cycleError([]string{step.Name, step.Name})
			}
			if seen[dep] {
				return nil, &GraphError{Kind: ErrInvalid, Msg: fmt.Sprintf("step %s lists dependency %s twice", step.Name, dep)}
			}
			seen[dep] = true
			indeg[i]++
			outgoing[j] = append(outgoing[j], i)
		}
	}
	order := topoOrder(indeg, outgoing)
	if len(order) != len(steps) {
		return nil, cycleError(findCycle(steps, outgoing))
	}

	g := &Graph{
		nodes:  make([]*Node, len(order)),
		byName: make(map[string]*Node, len(order)),
	}
	h := sha256.New()
	for k, i := range order {
		step := steps[i]
		n := &Node{Name: step.Name, index: k}
		depSpecs := make([]*Spec, len(step.Deps))
		for j, dep := range step.Deps {
			// Dependencies precede n in topological order.
			d := g.byName[dep]
			n.deps = append(n.deps, d)
			d.dependents = append(d.dependents, n)
			depSpecs[j] = d.Spec
		}
		opts := []SpecOption{WithRequirements(step.Requirements), WithBackend(step.Backend)}
		if step.Retriable != nil {
			opts = append(opts, WithRetriable(*step.Retriable))
		}
		spec, err := NewSpec(step.Type, step.Config, depSpecs, opts...)
		if err != nil {
			if e, ok := err.(*ConfigError); ok {
				e.Step = step.Name
			}
			return nil, err
		}
		n.Spec = spec
		g.nodes[k] = n
		g.byName[n.Name] = n
		writeField(h, []byte(n.Name))
		fp := spec.Fingerprint()
		h.Write(fp[:])
	}
	h.Sum(g.hash[:0])
	return g, nil
}

// Nodes returns the graph's nodes in topological order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node with the provided name, or nil.
func (g *Graph) Node(name string) *Node { return g.byName[name] }

// Hash returns a digest of the graph's node names and fingerprints.
// Two graphs with equal hashes describe the same computation under the
// same names.
func (g *Graph) Hash() Fingerprint { return g.hash }

// Downstream returns the transitive dependents of n, in topological
// order.
func (g *Graph) Downstream(n *Node) []*Node {
	mark := make([]bool, len(g.nodes))
	var walk func(*Node)
	walk = func(n *Node) {
		for _, d := range n.dependents {
			if !mark[d.index] {
				mark[d.index] = true
				walk(d)
			}
		}
	}
	walk(n)
	var down []*Node
	for i, marked := range mark {
		if marked {
			down = append(down, g.nodes[i])
		}
	}
	return down
}

type indexHeap []int

func (h indexHeap) Len() int            { return len(h) }
func (h indexHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// topoOrder returns a topological order of the declared steps using
// Kahn's algorithm. Ties are broken by declaration order so that the
// result is deterministic. The returned order is short if the graph
// contains a cycle.
func topoOrder(indeg []int, outgoing [][]int) []int {
	indeg = append([]int(nil), indeg...)
	ready := new(indexHeap)
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	order := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, i)
		for _, j := range outgoing[i] {
			indeg[j]--
			if indeg[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}
	return order
}

// findCycle returns the names along one dependency cycle, in
// dependency order, beginning and ending with the same step.
func findCycle(steps []Step, outgoing [][]int) []string {
	const (
		white = iota
		gray
		black
	)
	var (
		color  = make([]int, len(steps))
		parent = make([]int, len(steps))
		cycle  []int
	)
	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = gray
		for _, v := range outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if visit(v) {
					return true
				}
			case gray:
				// Edge u -> v closes the cycle v -> ... -> u -> v.
				for w := u; w != v; w = parent[w] {
					cycle = append(cycle, w)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range steps {
		if color[i] == white && visit(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}
	// cycle holds u, parent(u), ..., v; reverse it to follow edges.
	path := make([]string, 0, len(cycle)+1)
	for i := len(cycle) - 1; i >= 0; i-- {
		path = append(path, steps[cycle[i]].Name)
	}
	return append(path, path[0])
}
