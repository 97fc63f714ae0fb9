// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/gomlx/probing/types/tensors"
	"github.com/pkg/errors"
)

// Linear is a module that applies LinearTransform with its weight and (optional) bias.
//
// It exposes the attributes "in_features", "out_features", "weight" and "bias", plus any attribute set
// with SetAttr.
type Linear struct {
	module.Attributes

	weight *tensors.Tensor // [out_features, in_features]
	bias   *tensors.Tensor // [out_features] or nil.
}

var (
	_ module.Module        = (*Linear)(nil)
	_ module.Attributer    = (*Linear)(nil)
	_ module.Parameterized = (*Linear)(nil)
)

// NewLinear creates a Float32 Linear module with weights and bias initialized from
// U(-1/sqrt(inFeatures), 1/sqrt(inFeatures)), using a random number generator seeded with seed.
//
// The parameters require gradients.
func NewLinear(inFeatures, outFeatures int, seed uint64) *Linear {
	rng := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	limit := 1.0
	if inFeatures > 0 {
		limit = 1.0 / math.Sqrt(float64(inFeatures))
	}
	uniform := func(n int) []float32 {
		values := make([]float32, n)
		for ii := range values {
			values[ii] = float32((rng.Float64()*2 - 1) * limit)
		}
		return values
	}
	weight := tensors.FromFlatDataAndDimensions(uniform(outFeatures*inFeatures), outFeatures, inFeatures)
	bias := tensors.FromFlatDataAndDimensions(uniform(outFeatures), outFeatures)
	return &Linear{
		weight: weight.SetRequiresGrad(true),
		bias:   bias.SetRequiresGrad(true),
	}
}

// NewLinearFromWeights creates a Linear module with the given weight (shape [out_features, in_features]) and
// bias (shape [out_features], or nil for no bias). The tensors are used as is, not copied.
func NewLinearFromWeights(weight, bias *tensors.Tensor) (*Linear, error) {
	l := &Linear{}
	if err := l.setWeight(weight); err != nil {
		return nil, err
	}
	if err := l.setBias(bias); err != nil {
		return nil, err
	}
	return l, nil
}

// InFeatures returns the number of input features.
func (l *Linear) InFeatures() int { return l.weight.Shape().Dim(1) }

// OutFeatures returns the number of output features.
func (l *Linear) OutFeatures() int { return l.weight.Shape().Dim(0) }

// Weight returns the weight tensor, shaped [out_features, in_features].
func (l *Linear) Weight() *tensors.Tensor { return l.weight }

// Bias returns the bias tensor, or nil if there is no bias.
func (l *Linear) Bias() *tensors.Tensor { return l.bias }

// Forward implements module.Module. It takes one single-tensor input.
func (l *Linear) Forward(_ *module.Scope, inputs ...module.Value) (module.Value, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("Linear takes 1 input, %d given", len(inputs))
	}
	x, err := module.AsTensor(inputs[0])
	if err != nil {
		return nil, errors.WithMessage(err, "Linear input")
	}
	return module.FromTensor(LinearTransform(x, l.weight, l.bias)), nil
}

// Parameters implements module.Parameterized.
func (l *Linear) Parameters() map[string]*tensors.Tensor {
	params := map[string]*tensors.Tensor{"weight": l.weight}
	if l.bias != nil {
		params["bias"] = l.bias
	}
	return params
}

// Attr implements module.Attributer.
func (l *Linear) Attr(name string) (any, bool) {
	switch name {
	case "in_features":
		return l.InFeatures(), true
	case "out_features":
		return l.OutFeatures(), true
	case "weight":
		return l.weight, true
	case "bias":
		return l.bias, true
	}
	return l.Attributes.Attr(name)
}

// SetAttr implements module.Attributer. "weight" and "bias" must be tensors of compatible shapes,
// and "in_features"/"out_features" are read-only.
func (l *Linear) SetAttr(name string, value any) error {
	switch name {
	case "in_features", "out_features":
		return errors.Errorf("Linear attribute %q is read-only", name)
	case "weight", "bias":
		t, ok := value.(*tensors.Tensor)
		if !ok && value != nil {
			return errors.Errorf("Linear attribute %q must be a *tensors.Tensor, got %T", name, value)
		}
		if name == "weight" {
			return l.setWeight(t)
		}
		return l.setBias(t)
	}
	return l.Attributes.SetAttr(name, value)
}

func (l *Linear) setWeight(weight *tensors.Tensor) error {
	if !weight.Ok() || weight.Rank() != 2 {
		return errors.New("Linear weight must be a valid tensor of rank 2")
	}
	if l.weight != nil && !l.weight.Shape().Equal(weight.Shape()) {
		return errors.Errorf("Linear weight shape %s can't be replaced by shape %s", l.weight.Shape(), weight.Shape())
	}
	l.weight = weight
	return nil
}

func (l *Linear) setBias(bias *tensors.Tensor) error {
	if bias == nil {
		l.bias = nil
		return nil
	}
	if !bias.Ok() {
		return errors.New("Linear bias must be a valid tensor")
	}
	if err := bias.Shape().CheckDims(l.OutFeatures()); err != nil || bias.DType() != l.weight.DType() {
		return errors.Errorf("Linear bias shape %s incompatible with weight shape %s", bias.Shape(), l.weight.Shape())
	}
	l.bias = bias
	return nil
}
