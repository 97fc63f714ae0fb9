// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package testmodel builds the small feed-forward model used by the tests of the probing packages:
//
//	linear1 -> relu -> [hidden_layers] -> linear2
//
// where hidden_layers is a Sequential of nHidden (Linear, ReLU) pairs, present only if nHidden > 0.
package testmodel

import (
	"fmt"

	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/gomlx/probing/pkg/ml/nn"
	"github.com/pkg/errors"
)

// Model is the root module of the test model. It has a "dummy_attribute" attribute, initialized to 0.
type Model struct {
	module.Attributes
	nHidden int
}

// Forward implements module.Module.
func (m *Model) Forward(scope *module.Scope, inputs ...module.Value) (module.Value, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("testmodel.Model takes 1 input, %d given", len(inputs))
	}
	x, err := scope.Call("linear1", inputs[0])
	if err != nil {
		return nil, err
	}
	x, err = scope.Call("relu", x)
	if err != nil {
		return nil, err
	}
	if m.nHidden > 0 {
		x, err = scope.Call("hidden_layers", x)
		if err != nil {
			return nil, err
		}
	}
	return scope.Call("linear2", x)
}

// DummyMethod returns 0.
func (m *Model) DummyMethod() int { return 0 }

// New builds a test model tree. Weights are initialized deterministically from seed.
func New(inputSize, hiddenSize, outputSize, nHidden int, seed uint64) *module.Tree {
	root := &Model{nHidden: nHidden}
	if err := root.SetAttr("dummy_attribute", 0); err != nil {
		panic(err)
	}
	tree := module.NewTree(root)
	tree.MustAddChild(tree.Root(), "linear1", nn.NewLinear(inputSize, hiddenSize, seed))
	tree.MustAddChild(tree.Root(), "relu", nn.ReLU())
	if nHidden > 0 {
		hidden := tree.MustAddChild(tree.Root(), "hidden_layers", nn.Sequential{})
		for ii := range nHidden {
			tree.MustAddChild(hidden, fmt.Sprintf("%d", 2*ii), nn.NewLinear(hiddenSize, hiddenSize, seed+uint64(ii)+2))
			tree.MustAddChild(hidden, fmt.Sprintf("%d", 2*ii+1), nn.ReLU())
		}
	}
	tree.MustAddChild(tree.Root(), "linear2", nn.NewLinear(hiddenSize, outputSize, seed+1))
	return tree
}
