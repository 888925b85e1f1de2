// Package nodes defines the processing nodes weirdion exposes to a
// node-graph host and the table that registers them.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownNode is returned when a node name is not registered.
var ErrUnknownNode = errors.New("unknown node")

// Port describes one node input or output.
type Port struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Default  any      `json:"default,omitempty"`
	Options  []string `json:"options,omitempty"`
	Optional bool     `json:"optional,omitempty"`
	Tooltip  string   `json:"tooltip,omitempty"`
}

// Output is one named value produced by a node run, in declaration order.
type Output struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Node is a unit of work the host can place in a graph.
type Node interface {
	Name() string
	DisplayName() string
	Category() string
	Inputs(ctx context.Context) []Port
	Outputs() []Port
	Run(ctx context.Context, in Inputs) ([]Output, error)
}

// Info is the JSON description of a registered node.
type Info struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
	Inputs      []Port `json:"inputs"`
	Outputs     []Port `json:"outputs"`
}

// Registry maps node names to nodes. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

// NewRegistry returns a registry holding every built-in node, wired to deps.
func NewRegistry(deps Deps) (*Registry, error) {
	r := &Registry{nodes: make(map[string]Node)}
	for _, n := range builtins(deps) {
		if err := r.Register(n); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds n. A second node with the same name is rejected.
func (r *Registry) Register(n Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[n.Name()]; ok {
		return fmt.Errorf("node %q already registered", n.Name())
	}
	r.nodes[n.Name()] = n
	return nil
}

// Get returns the node registered under name.
func (r *Registry) Get(name string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}
	return n, nil
}

// List returns the registered nodes sorted by name.
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Describe returns Info for every registered node, sorted by name.
func (r *Registry) Describe(ctx context.Context) []Info {
	nodes := r.List()
	infos := make([]Info, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, Info{
			Name:        n.Name(),
			DisplayName: n.DisplayName(),
			Category:    n.Category(),
			Inputs:      n.Inputs(ctx),
			Outputs:     n.Outputs(),
		})
	}
	return infos
}

// ClassMappings returns a copy of the name to node table.
func (r *Registry) ClassMappings() map[string]Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Node, len(r.nodes))
	for name, n := range r.nodes {
		out[name] = n
	}
	return out
}

// DisplayNames returns a copy of the name to display name table.
func (r *Registry) DisplayNames() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.nodes))
	for name, n := range r.nodes {
		out[name] = n.DisplayName()
	}
	return out
}

// Run looks up name and runs it with in.
func (r *Registry) Run(ctx context.Context, name string, in Inputs) ([]Output, error) {
	n, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return n.Run(ctx, in)
}
