// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package module defines the computation-node model used by the probing packages.
//
// A Module computes outputs from inputs. Composite modules don't hold their children as fields:
// all modules of a model live in an arena, the Tree, and are addressed by NodeID. A module reaches
// its children through the Scope it is given when called:
//
//	type MLP struct{}
//
//	func (MLP) Forward(scope *module.Scope, inputs ...module.Value) (module.Value, error) {
//		x, err := scope.Call("linear1", inputs...)
//		if err != nil {
//			return nil, err
//		}
//		return scope.Call("linear2", x)
//	}
//
//	tree := module.NewTree(MLP{})
//	tree.MustAddChild(tree.Root(), "linear1", nn.NewLinear(4, 8, 0))
//	tree.MustAddChild(tree.Root(), "linear2", nn.NewLinear(8, 2, 1))
//	y, err := tree.Forward(module.FromTensor(x))
//
// Modules are addressed by paths: the names of the children from the root joined by PathSeparator.
// The root has the empty path "".
//
// Because children are resolved by NodeID at call time, swapping the module stored at a NodeID
// (Tree.Swap) re-routes every call to that node, which is how instrumentation is spliced in and out.
package module

import (
	"reflect"

	"github.com/gomlx/probing/types/tensors"
	"github.com/pkg/errors"
)

// Module is a node of computation.
//
// Forward is called with the Scope of the node in the Tree, which gives access to the node's children.
type Module interface {
	Forward(scope *Scope, inputs ...Value) (Value, error)
}

// Attributer is implemented by modules that expose named attributes (hyperparameters, weights, or
// any user-defined state) that can be read and set by name.
type Attributer interface {
	// Attr returns the attribute value and whether it exists.
	Attr(name string) (any, bool)

	// SetAttr sets the attribute value.
	SetAttr(name string, value any) error
}

// Parameterized is implemented by modules holding parameters (weights). The keys are the parameter names,
// local to the module.
type Parameterized interface {
	Parameters() map[string]*tensors.Tensor
}

var (
	// ErrPathResolution is returned (wrapped) when a path doesn't resolve to a node of the Tree.
	ErrPathResolution = errors.New("path resolution failed")

	// ErrNoAttribute is returned (wrapped) when reading or setting an attribute that doesn't exist.
	ErrNoAttribute = errors.New("no such attribute")

	// ErrDuplicateChild is returned (wrapped) when adding a child with a name already in use by a sibling.
	ErrDuplicateChild = errors.New("duplicate child name")
)

// AttrAs returns the attribute converted to type T.
// It returns an error wrapping ErrNoAttribute if m doesn't have it, or an error if it is of a different type.
func AttrAs[T any](m Module, name string) (T, error) {
	var zero T
	attributer, ok := m.(Attributer)
	if !ok {
		return zero, errors.Wrapf(ErrNoAttribute, "module %s has no attributes, can't read %q", TypeName(m), name)
	}
	v, found := attributer.Attr(name)
	if !found {
		return zero, errors.Wrapf(ErrNoAttribute, "module %s has no attribute %q", TypeName(m), name)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, errors.Errorf("module %s attribute %q is of type %T, not %T", TypeName(m), name, v, zero)
	}
	return typed, nil
}

// Wrapper is implemented by modules that stand in for another module in a Tree, like recording layers.
type Wrapper interface {
	Wrapped() Module
}

// Unwrap returns the innermost module wrapped by m, or m itself if it doesn't implement Wrapper.
func Unwrap(m Module) Module {
	for {
		w, ok := m.(Wrapper)
		if !ok {
			return m
		}
		inner := w.Wrapped()
		if inner == nil {
			return m
		}
		m = inner
	}
}

// TypeName returns the name of the concrete type of the module, without package or pointer decoration.
// E.g.: "Linear" for a *nn.Linear.
func TypeName(m Module) string {
	if m == nil {
		return "<nil>"
	}
	t := reflect.TypeOf(m)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}
