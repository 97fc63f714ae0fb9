// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PathSeparator joins the names of the nodes in a path.
// Node names cannot contain it.
const PathSeparator = "/"

// NodeID is the index of a node in the Tree arena.
type NodeID int

// InvalidNodeID is returned where there is no node, e.g.: the parent of the root.
const InvalidNodeID NodeID = -1

// Tree is the arena holding the modules of a model and their parent/children structure.
//
// The structure (names, parents and children) is immutable once added: only the module stored in
// a node can be replaced, see Swap.
//
// A Tree is not safe for concurrent use.
type Tree struct {
	nodes    []Module
	names    []string
	parents  []NodeID
	children [][]NodeID
	training bool
}

// NewTree creates a Tree with the given root module. Trees start in training mode.
//
// It panics if root is nil.
func NewTree(root Module) *Tree {
	if root == nil {
		exceptions.Panicf("module.NewTree(nil): root module cannot be nil")
	}
	return &Tree{
		nodes:    []Module{root},
		names:    []string{""},
		parents:  []NodeID{InvalidNodeID},
		children: [][]NodeID{nil},
		training: true,
	}
}

// Root returns the NodeID of the root.
func (t *Tree) Root() NodeID { return 0 }

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// Valid returns whether id is a node of the tree.
func (t *Tree) Valid(id NodeID) bool {
	return id >= 0 && int(id) < len(t.nodes)
}

func (t *Tree) assertValid(id NodeID) {
	if !t.Valid(id) {
		exceptions.Panicf("invalid NodeID %d for Tree with %d nodes", id, len(t.nodes))
	}
}

// AddChild adds a module as the last child of parent, with the given name.
//
// The name must be non-empty, can't contain PathSeparator and must be unique among the parent's children.
func (t *Tree) AddChild(parent NodeID, name string, m Module) (NodeID, error) {
	if !t.Valid(parent) {
		return InvalidNodeID, errors.Errorf("AddChild(%d, %q): invalid parent NodeID", parent, name)
	}
	if m == nil {
		return InvalidNodeID, errors.Errorf("AddChild(%q, %q): module cannot be nil", t.Path(parent), name)
	}
	if name == "" || strings.Contains(name, PathSeparator) {
		return InvalidNodeID, errors.Errorf("AddChild(%q, %q): invalid child name, it must be non-empty and can't contain %q",
			t.Path(parent), name, PathSeparator)
	}
	if _, found := t.Child(parent, name); found {
		return InvalidNodeID, errors.Wrapf(ErrDuplicateChild, "AddChild(%q, %q)", t.Path(parent), name)
	}
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, m)
	t.names = append(t.names, name)
	t.parents = append(t.parents, parent)
	t.children = append(t.children, nil)
	t.children[parent] = append(t.children[parent], id)
	return id, nil
}

// MustAddChild is like AddChild, but panics on error.
func (t *Tree) MustAddChild(parent NodeID, name string, m Module) NodeID {
	id, err := t.AddChild(parent, name, m)
	if err != nil {
		panic(err)
	}
	return id
}

// Module returns the module currently stored at the node.
func (t *Tree) Module(id NodeID) Module {
	t.assertValid(id)
	return t.nodes[id]
}

// Swap replaces the module stored at the node, and returns the previous one.
// The node keeps its name, parent and children.
//
// It panics if id is invalid or m is nil.
func (t *Tree) Swap(id NodeID, m Module) Module {
	t.assertValid(id)
	if m == nil {
		exceptions.Panicf("Tree.Swap(%q): module cannot be nil", t.Path(id))
	}
	previous := t.nodes[id]
	t.nodes[id] = m
	klog.V(2).Infof("module.Tree: node %q swapped %s -> %s", t.Path(id), TypeName(previous), TypeName(m))
	return previous
}

// Children returns the ids of the children of the node, in the order they were added.
func (t *Tree) Children(id NodeID) []NodeID {
	t.assertValid(id)
	return slices.Clone(t.children[id])
}

// Child returns the id of the child of the node with the given name.
func (t *Tree) Child(id NodeID, name string) (NodeID, bool) {
	t.assertValid(id)
	for _, childID := range t.children[id] {
		if t.names[childID] == name {
			return childID, true
		}
	}
	return InvalidNodeID, false
}

// Name returns the name of the node within its parent. The root's name is "".
func (t *Tree) Name(id NodeID) string {
	t.assertValid(id)
	return t.names[id]
}

// Parent returns the parent of the node, or InvalidNodeID for the root.
func (t *Tree) Parent(id NodeID) NodeID {
	t.assertValid(id)
	return t.parents[id]
}

// Path returns the path from the root to the node. The root's path is "".
func (t *Tree) Path(id NodeID) string {
	t.assertValid(id)
	var parts []string
	for ; id != t.Root(); id = t.parents[id] {
		parts = append(parts, t.names[id])
	}
	slices.Reverse(parts)
	return strings.Join(parts, PathSeparator)
}

// Resolve the path to a NodeID. The empty path resolves to the root.
//
// It returns an error wrapping ErrPathResolution if any component of the path is not found.
func (t *Tree) Resolve(path string) (NodeID, error) {
	id := t.Root()
	if path == "" {
		return id, nil
	}
	for _, name := range strings.Split(path, PathSeparator) {
		childID, found := t.Child(id, name)
		if !found {
			return InvalidNodeID, errors.Wrapf(ErrPathResolution, "%s (%q) has no child %q, while resolving path %q",
				TypeName(Unwrap(t.nodes[id])), t.Path(id), name, path)
		}
		id = childID
	}
	return id, nil
}

// ResolveParent resolves the path's parent node and returns it along with the last name in the path.
//
// The root has no parent: resolving the parent of "" returns an error wrapping ErrPathResolution,
// as does any path whose parent doesn't exist.
func (t *Tree) ResolveParent(path string) (parent NodeID, name string, err error) {
	if path == "" {
		return InvalidNodeID, "", errors.Wrapf(ErrPathResolution, "the root (path \"\") has no parent")
	}
	parentPath := ""
	name = path
	if idx := strings.LastIndex(path, PathSeparator); idx >= 0 {
		parentPath, name = path[:idx], path[idx+1:]
	}
	parent, err = t.Resolve(parentPath)
	if err != nil {
		return InvalidNodeID, "", err
	}
	return parent, name, nil
}

// Walk visits every node in depth-first pre-order (a node before its children, children in order).
// If fn returns an error, the walk stops and the error is returned.
func (t *Tree) Walk(fn func(id NodeID, path string, m Module) error) error {
	return t.walk(t.Root(), fn)
}

func (t *Tree) walk(id NodeID, fn func(id NodeID, path string, m Module) error) error {
	if err := fn(id, t.Path(id), t.nodes[id]); err != nil {
		return err
	}
	for _, childID := range t.children[id] {
		if err := t.walk(childID, fn); err != nil {
			return err
		}
	}
	return nil
}

// SetTraining sets the tree in training (true) or evaluation mode. Modules can read it with Scope.Training.
func (t *Tree) SetTraining(training bool) { t.training = training }

// Training returns whether the tree is in training mode.
func (t *Tree) Training() bool { return t.training }

// Forward calls the root module with the given inputs.
func (t *Tree) Forward(inputs ...Value) (Value, error) {
	return t.Call(t.Root(), inputs...)
}

// Call calls the module stored at the node with the given inputs.
//
// Panics raised while computing the node (e.g.: shape mismatches in kernels) are returned as errors.
func (t *Tree) Call(id NodeID, inputs ...Value) (output Value, err error) {
	t.assertValid(id)
	m := t.nodes[id]
	scope := &Scope{tree: t, id: id}
	var callErr error
	err = exceptions.TryCatch[error](func() {
		output, callErr = m.Forward(scope, inputs...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "calling %s at %q", TypeName(m), t.Path(id))
	}
	if callErr != nil {
		return nil, callErr
	}
	return output, nil
}

// Scope is given to a module when it is called. It gives access to the module's children.
type Scope struct {
	tree *Tree
	id   NodeID
}

// Tree returns the tree of the node being called.
func (s *Scope) Tree() *Tree { return s.tree }

// ID returns the NodeID of the node being called.
func (s *Scope) ID() NodeID { return s.id }

// Path returns the path of the node being called.
func (s *Scope) Path() string { return s.tree.Path(s.id) }

// Training returns whether the tree is in training mode.
func (s *Scope) Training() bool { return s.tree.training }

// NumChildren returns the number of children of the node being called.
func (s *Scope) NumChildren() int { return len(s.tree.children[s.id]) }

// ChildNames returns the names of the children of the node being called, in order.
func (s *Scope) ChildNames() []string {
	names := make([]string, 0, len(s.tree.children[s.id]))
	for _, childID := range s.tree.children[s.id] {
		names = append(names, s.tree.names[childID])
	}
	return names
}

// Call the child with the given name.
func (s *Scope) Call(name string, inputs ...Value) (Value, error) {
	childID, found := s.tree.Child(s.id, name)
	if !found {
		return nil, errors.Wrapf(ErrPathResolution, "%q has no child %q", s.Path(), name)
	}
	return s.tree.Call(childID, inputs...)
}

// CallAt calls the i-th child.
func (s *Scope) CallAt(i int, inputs ...Value) (Value, error) {
	children := s.tree.children[s.id]
	if i < 0 || i >= len(children) {
		return nil, errors.Errorf("%q has %d children, can't call child #%d", s.Path(), len(children), i)
	}
	return s.tree.Call(children[i], inputs...)
}
