// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/gomlx/probing/pkg/nest"
	"github.com/gomlx/probing/types/tensors"
	"github.com/pkg/errors"
)

// Activation is a module that applies an element-wise activation to every tensor of its input.
type Activation struct {
	Type ActivationType
}

// ReLU returns an Activation module for ActivationRelu.
func ReLU() *Activation { return &Activation{Type: ActivationRelu} }

// Forward implements module.Module.
func (a *Activation) Forward(_ *module.Scope, inputs ...module.Value) (module.Value, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("Activation(%s) takes 1 input, %d given", a.Type, len(inputs))
	}
	return nest.Transform(inputs[0], func(x *tensors.Tensor) (*tensors.Tensor, error) {
		return ApplyActivation(x, a.Type), nil
	})
}

// Identity is a module that returns its input unchanged. With more than one input, it returns them
// as a sequence.
type Identity struct{}

// Forward implements module.Module.
func (Identity) Forward(_ *module.Scope, inputs ...module.Value) (module.Value, error) {
	switch len(inputs) {
	case 0:
		return nil, errors.New("Identity requires at least 1 input")
	case 1:
		return inputs[0], nil
	}
	return nest.Slice(inputs...), nil
}

// Sequential calls its children in order, feeding the output of each one as the input of the next.
// The first child receives all the inputs. With no children, it behaves like Identity.
type Sequential struct{}

// Forward implements module.Module.
func (Sequential) Forward(scope *module.Scope, inputs ...module.Value) (module.Value, error) {
	if scope.NumChildren() == 0 {
		return Identity{}.Forward(scope, inputs...)
	}
	x, err := scope.CallAt(0, inputs...)
	if err != nil {
		return nil, err
	}
	for ii := 1; ii < scope.NumChildren(); ii++ {
		x, err = scope.CallAt(ii, x)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Parallel calls each of its children with the same inputs, and returns a mapping of the child's name to its output.
type Parallel struct{}

// Forward implements module.Module.
func (Parallel) Forward(scope *module.Scope, inputs ...module.Value) (module.Value, error) {
	results := make(map[string]module.Value, scope.NumChildren())
	for _, name := range scope.ChildNames() {
		out, err := scope.Call(name, inputs...)
		if err != nil {
			return nil, err
		}
		results[name] = out
	}
	return nest.Map(results), nil
}

// Fork calls each of its children with the same inputs, and returns the sequence of their outputs, in order.
type Fork struct{}

// Forward implements module.Module.
func (Fork) Forward(scope *module.Scope, inputs ...module.Value) (module.Value, error) {
	results := make([]module.Value, scope.NumChildren())
	for ii := range results {
		var err error
		results[ii], err = scope.CallAt(ii, inputs...)
		if err != nil {
			return nil, err
		}
	}
	return nest.Slice(results...), nil
}

// Func adapts a function to a module.
type Func func(scope *module.Scope, inputs ...module.Value) (module.Value, error)

// Forward implements module.Module.
func (fn Func) Forward(scope *module.Scope, inputs ...module.Value) (module.Value, error) {
	return fn(scope, inputs...)
}
