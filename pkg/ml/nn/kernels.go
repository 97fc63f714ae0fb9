// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/probing/types/shapes"
	"github.com/gomlx/probing/types/tensors"
	"golang.org/x/exp/constraints"
)

// LinearTransform performs a linear transformation: y = x @ weight^T + bias.
//
// x has shape [..., in_features], weight has shape [out_features, in_features]. bias is optional (nil means no
// bias) with shape [out_features]. The result has shape [..., out_features].
//
// All must be of the same float dtype (Float32 or Float64). It panics otherwise.
// The result requires gradients if any of the operands does.
func LinearTransform(x, weight, bias *tensors.Tensor) *tensors.Tensor {
	if weight.Rank() != 2 {
		exceptions.Panicf("nn.LinearTransform: weight must have rank 2 [out_features, in_features], got %s", weight.Shape())
	}
	outFeatures, inFeatures := weight.Shape().Dim(0), weight.Shape().Dim(1)
	if x.Rank() < 1 || x.Shape().Dim(-1) != inFeatures {
		exceptions.Panicf("nn.LinearTransform: x shape %s incompatible with weight shape %s", x.Shape(), weight.Shape())
	}
	if x.DType() != weight.DType() {
		exceptions.Panicf("nn.LinearTransform: x dtype %s doesn't match weight dtype %s", x.DType(), weight.DType())
	}
	if bias != nil {
		if err := bias.Shape().CheckDims(outFeatures); err != nil || bias.DType() != weight.DType() {
			exceptions.Panicf("nn.LinearTransform: bias shape %s incompatible with weight shape %s", bias.Shape(), weight.Shape())
		}
	}
	outDims := append([]int(nil), x.Shape().Dimensions...)
	outDims[len(outDims)-1] = outFeatures
	y := tensors.FromShape(shapes.Make(x.DType(), outDims...))
	rows := x.Size() / max(inFeatures, 1)
	if inFeatures == 0 {
		rows = y.Size() / max(outFeatures, 1)
	}

	switch x.DType() {
	case dtypes.Float32:
		linearKernel[float32](x, weight, bias, y, rows, inFeatures, outFeatures)
	case dtypes.Float64:
		linearKernel[float64](x, weight, bias, y, rows, inFeatures, outFeatures)
	default:
		exceptions.Panicf("nn.LinearTransform: dtype %s not supported, only Float32 and Float64", x.DType())
	}
	requiresGrad := x.RequiresGrad() || weight.RequiresGrad() || (bias != nil && bias.RequiresGrad())
	return y.SetRequiresGrad(requiresGrad)
}

// float is the set of dtypes the kernels support.
type float interface {
	constraints.Float
	dtypes.Supported
}

func linearKernel[T float](x, weight, bias, y *tensors.Tensor, rows, inFeatures, outFeatures int) {
	tensors.ConstFlatData(x, func(xFlat []T) {
		tensors.ConstFlatData(weight, func(wFlat []T) {
			tensors.MutableFlatData(y, func(yFlat []T) {
				for row := range rows {
					xRow := xFlat[row*inFeatures : (row+1)*inFeatures]
					yRow := yFlat[row*outFeatures : (row+1)*outFeatures]
					for out := range outFeatures {
						wRow := wFlat[out*inFeatures : (out+1)*inFeatures]
						var sum T
						for ii, xValue := range xRow {
							sum += xValue * wRow[ii]
						}
						yRow[out] = sum
					}
				}
			})
		})
	})
	if bias == nil {
		return
	}
	tensors.ConstFlatData(bias, func(bFlat []T) {
		tensors.MutableFlatData(y, func(yFlat []T) {
			for ii := range yFlat {
				yFlat[ii] += bFlat[ii%outFeatures]
			}
		})
	})
}

// ActivationType selects an element-wise activation function.
type ActivationType int

const (
	ActivationNone ActivationType = iota
	ActivationRelu
	ActivationTanh
	ActivationSigmoid
	ActivationGelu
	ActivationSilu
)

// String implements fmt.Stringer.
func (a ActivationType) String() string {
	switch a {
	case ActivationNone:
		return "none"
	case ActivationRelu:
		return "relu"
	case ActivationTanh:
		return "tanh"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationGelu:
		return "gelu"
	case ActivationSilu:
		return "silu"
	}
	return "unknown"
}

// ApplyActivation returns a new tensor with the activation applied element-wise to x.
// For ActivationNone it returns x itself.
//
// It panics if x is not a Float32 or Float64 tensor, or for unknown activation types.
func ApplyActivation(x *tensors.Tensor, activation ActivationType) *tensors.Tensor {
	if activation == ActivationNone {
		return x
	}
	y := x.Clone()
	switch y.DType() {
	case dtypes.Float32:
		tensors.MutableFlatData(y, func(flat []float32) { activationKernel(flat, activation) })
	case dtypes.Float64:
		tensors.MutableFlatData(y, func(flat []float64) { activationKernel(flat, activation) })
	default:
		exceptions.Panicf("nn.ApplyActivation(%s): dtype %s not supported, only Float32 and Float64", activation, y.DType())
	}
	return y
}

func activationKernel[T float](flat []T, activation ActivationType) {
	var fn func(x float64) float64
	switch activation {
	case ActivationRelu:
		fn = func(x float64) float64 { return max(x, 0) }
	case ActivationTanh:
		fn = math.Tanh
	case ActivationSigmoid:
		fn = sigmoid
	case ActivationGelu:
		// Approximate GELU: x * 0.5 * (1 + tanh(sqrt(2/pi) * (x + 0.044715*x^3)))
		sqrt2ByPi := math.Sqrt(2.0 / math.Pi)
		fn = func(x float64) float64 {
			return x * 0.5 * (1 + math.Tanh(sqrt2ByPi*(x+0.044715*x*x*x)))
		}
	case ActivationSilu:
		fn = func(x float64) float64 { return x * sigmoid(x) }
	default:
		exceptions.Panicf("nn.ApplyActivation: unsupported activation type %d", activation)
	}
	for ii, v := range flat {
		flat[ii] = T(fn(float64(v)))
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
