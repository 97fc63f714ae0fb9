// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package intercept records the intermediate values flowing through a module.Tree, without changing its results.
//
// An Interceptor splices a recording Layer in place of each module addressed by the given paths. Calling the
// Interceptor runs the tree as before, and each Layer keeps an independent copy of the last output of its module.
// Reduce swaps the original modules back, restoring the tree:
//
//	interceptor, err := intercept.New(tree, "linear1", "hidden_layers/1")
//	...
//	y, err := interceptor.Call(x)              // Same result as tree.Forward(x).
//	outputs := interceptor.ReadAll()           // Recordings by path.
//	hidden, _ := outputs.Get("linear1")
//	tree, err = interceptor.Reduce()           // Original modules back in place.
//
// Proxies (Layer, Interceptor) forward attribute access to the module they wrap, except for the members they own.
package intercept

import (
	"slices"

	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Members owned by an Interceptor.
const (
	MemberPaths  = "paths"
	MemberLayers = "layers"
)

// ErrAlreadyReduced is returned by Reduce when called a second time.
var ErrAlreadyReduced = errors.New("interceptor already reduced")

// Interceptor instruments the modules of a tree at the given paths with recording Layers.
//
// It wraps the root module: attributes not owned by the Interceptor are forwarded to the original root module.
type Interceptor struct {
	*Proxy

	tree   *module.Tree
	paths  []string
	layers map[string]*Layer
	ids    map[string]module.NodeID
}

var (
	_ module.Module        = (*Interceptor)(nil)
	_ module.Attributer    = (*Interceptor)(nil)
	_ module.Parameterized = (*Interceptor)(nil)
)

// Config for a new Interceptor, created with Build.
type Config struct {
	tree   *module.Tree
	paths  []string
	detach bool
}

// Build an Interceptor configuration for the tree and paths.
// Call Config.Done to create the Interceptor.
//
// Recordings are detached by default.
func Build(tree *module.Tree, paths ...string) *Config {
	return &Config{
		tree:   tree,
		paths:  slices.Clone(paths),
		detach: true,
	}
}

// Detach sets whether recordings are detached from gradient computation. Default is true.
func (c *Config) Detach(detach bool) *Config {
	c.detach = detach
	return c
}

// Done creates the Interceptor and splices its layers into the tree.
//
// All paths are resolved before the tree is changed: if any fails to resolve, it returns an error wrapping
// module.ErrPathResolution and the tree is left untouched.
//
// Repeated paths are instrumented once: Interceptor.Paths lists each path once, in order of first occurrence,
// and the layer created for the last occurrence is the one spliced.
func (c *Config) Done() (*Interceptor, error) {
	if c.tree == nil {
		return nil, errors.New("intercept.Build(): tree cannot be nil")
	}
	ids := make(map[string]module.NodeID, len(c.paths))
	var paths []string
	for _, path := range c.paths {
		id, err := c.tree.Resolve(path)
		if err != nil {
			return nil, errors.WithMessagef(err, "intercept: failed to instrument path %q", path)
		}
		if _, found := ids[path]; !found {
			paths = append(paths, path)
		}
		ids[path] = id
	}

	i := &Interceptor{
		Proxy:  NewProxy(c.tree.Module(c.tree.Root())),
		tree:   c.tree,
		paths:  paths,
		layers: make(map[string]*Layer, len(paths)),
		ids:    ids,
	}
	i.Own(MemberPaths, func() any { return i.Paths() }, nil)
	i.Own(MemberLayers, func() any { return i.Layers() }, nil)

	for _, path := range c.paths {
		i.layers[path] = NewLayer(c.tree.Module(ids[path]), c.detach)
	}
	for _, path := range paths {
		c.tree.Swap(ids[path], i.layers[path])
	}
	klog.V(1).Infof("intercept: instrumented %d paths of %s: %q", len(paths), module.TypeName(i.wrapped), paths)
	return i, nil
}

// New creates an Interceptor with default configuration, see Build.
func New(tree *module.Tree, paths ...string) (*Interceptor, error) {
	return Build(tree, paths...).Done()
}

// Tree returns the instrumented tree.
func (i *Interceptor) Tree() *module.Tree { return i.tree }

// Paths returns the instrumented paths, in order of first occurrence.
func (i *Interceptor) Paths() []string { return slices.Clone(i.paths) }

// Layer returns the recording layer for the path, or nil if the path is not instrumented.
func (i *Interceptor) Layer(path string) *Layer { return i.layers[path] }

// Layers returns a copy of the path to Layer mapping.
func (i *Interceptor) Layers() map[string]*Layer {
	layers := make(map[string]*Layer, len(i.layers))
	for path, l := range i.layers {
		layers[path] = l
	}
	return layers
}

// Forward implements module.Module: it runs the instrumented tree with the inputs.
// The scope is ignored, the Interceptor always runs its own tree.
func (i *Interceptor) Forward(_ *module.Scope, inputs ...module.Value) (module.Value, error) {
	return i.Call(inputs...)
}

// Call runs the instrumented tree with the inputs, and returns its output unchanged.
// Each layer records the output of its module as a side effect.
//
// After Reduce it logs a warning and runs the restored tree.
func (i *Interceptor) Call(inputs ...module.Value) (module.Value, error) {
	i.checkReduced("intercept.Interceptor")
	return i.tree.Forward(inputs...)
}

// ReadAll returns the last recording of every instrumented path, in Paths order.
// Paths with no recording map to nil.
func (i *Interceptor) ReadAll() *Outputs {
	outputs := NewOutputs()
	for _, path := range i.paths {
		outputs.Set(path, i.layers[path].Read())
	}
	return outputs
}

// ClearAll drops the recordings of all layers.
func (i *Interceptor) ClearAll() {
	for _, l := range i.layers {
		l.Clear()
	}
}

// Reduce removes the instrumentation: every layer is swapped back for the module it wraps, and the
// interceptor and its layers are marked as reduced. It returns the restored tree.
//
// It returns ErrAlreadyReduced if called more than once.
func (i *Interceptor) Reduce() (*module.Tree, error) {
	if i.state == Reduced {
		return nil, ErrAlreadyReduced
	}
	for _, path := range slices.Backward(i.paths) {
		id := i.ids[path]
		l := i.layers[path]
		if current := i.tree.Module(id); current != module.Module(l) {
			klog.Warningf("intercept: module at %q was replaced by %s since it was instrumented, restoring the original anyway",
				path, module.TypeName(current))
		}
		i.tree.Swap(id, l.Reduce())
	}
	i.reduce()
	klog.V(1).Infof("intercept: reduced %d paths of %s", len(i.paths), module.TypeName(i.wrapped))
	return i.tree, nil
}
