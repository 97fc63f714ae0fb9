// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/probing/types/shapes"
	"github.com/x448/float16"
)

// Index returns a copy of the i-th element of the tensor along its first axis (axis 0): the resulting
// tensor has rank one smaller. A negative index counts from the end.
//
// The result is on the same device, and it does not require gradients.
// It panics for scalars or if the index is out of range.
func (t *Tensor) Index(i int) *Tensor {
	t.AssertValid()
	if t.Rank() == 0 {
		exceptions.Panicf("Tensor.Index(%d) called on scalar tensor %s", i, t.shape)
	}
	dim := t.shape.Dimensions[0]
	if i < 0 {
		i += dim
	}
	if i < 0 || i >= dim {
		exceptions.Panicf("Tensor.Index(%d) out of range for shape %s", i, t.shape)
	}
	result := t.sliceAxis0(i, i+1, t.shape.DropAxis0())
	return result
}

// Slice returns a copy of the elements [start, end) of the tensor along its first axis (axis 0).
// The rank is preserved.
//
// It panics for scalars or if the range is invalid.
func (t *Tensor) Slice(start, end int) *Tensor {
	t.AssertValid()
	if t.Rank() == 0 {
		exceptions.Panicf("Tensor.Slice(%d, %d) called on scalar tensor %s", start, end, t.shape)
	}
	dim := t.shape.Dimensions[0]
	if start < 0 || end > dim || start > end {
		exceptions.Panicf("Tensor.Slice(%d, %d) out of range for shape %s", start, end, t.shape)
	}
	newShape := t.shape.Clone()
	newShape.Dimensions[0] = end - start
	return t.sliceAxis0(start, end, newShape)
}

func (t *Tensor) sliceAxis0(start, end int, newShape shapes.Shape) *Tensor {
	elementSize := t.shape.DropAxis0().Size()
	var result *Tensor
	t.ConstFlatData(func(flat any) {
		subV := reflect.ValueOf(flat).Slice(start*elementSize, end*elementSize)
		result = newTensor(newShape, copyFlat(subV.Interface()))
	})
	result.device = t.device
	return result
}

// Concatenate the tensors along their first axis (axis 0). All tensors must have the same dtype and
// the same dimensions on the other axes. The result is on the device of the first tensor.
//
// It panics if no tensors are given or if the shapes are not compatible.
func Concatenate(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		exceptions.Panicf("Concatenate() requires at least one tensor")
	}
	first := ts[0]
	first.AssertValid()
	if first.Rank() == 0 {
		exceptions.Panicf("Concatenate() cannot concatenate scalars")
	}
	elementShape := first.shape.DropAxis0()
	total := 0
	for ii, t := range ts {
		t.AssertValid()
		if t.Rank() == 0 || !t.shape.DropAxis0().Equal(elementShape) {
			exceptions.Panicf("Concatenate(): tensor #%d has shape %s, incompatible with tensor #0 shape %s", ii, t.shape, first.shape)
		}
		total += t.shape.Dimensions[0]
	}
	newShape := first.shape.Clone()
	newShape.Dimensions[0] = total
	result := FromShape(newShape)
	result.device = first.device
	result.MutableFlatData(func(dst any) {
		dstV := reflect.ValueOf(dst)
		pos := 0
		for _, t := range ts {
			t.ConstFlatData(func(src any) {
				srcV := reflect.ValueOf(src)
				reflect.Copy(dstV.Slice(pos, pos+srcV.Len()), srcV)
				pos += srcV.Len()
			})
		}
	})
	return result
}

// AssignFrom copies the values of src into t. Both must have the same shape.
// Detached views of t see the new values.
//
// It panics if the shapes differ.
func (t *Tensor) AssignFrom(src *Tensor) {
	t.AssertValid()
	src.AssertValid()
	if !t.shape.Equal(src.shape) {
		exceptions.Panicf("Tensor.AssignFrom(): shape %s can't be assigned to tensor of shape %s", src.shape, t.shape)
	}
	if t.storage == src.storage {
		return
	}
	src.ConstFlatData(func(srcFlat any) {
		t.MutableFlatData(func(dstFlat any) {
			reflect.Copy(reflect.ValueOf(dstFlat), reflect.ValueOf(srcFlat))
		})
	})
}

// ToFloat64s returns a copy of the values of the tensor converted to float64.
// Booleans are converted to 0 and 1.
//
// It panics for complex dtypes.
func ToFloat64s(t *Tensor) []float64 {
	var values []float64
	t.ConstFlatData(func(flat any) {
		values = make([]float64, t.Size())
		switch typed := flat.(type) {
		case []float16.Float16:
			for ii, v := range typed {
				values[ii] = float64(v.Float32())
			}
		case []bfloat16.BFloat16:
			for ii, v := range typed {
				values[ii] = float64(v.Float32())
			}
		case []bool:
			for ii, v := range typed {
				if v {
					values[ii] = 1
				}
			}
		default:
			if t.DType() == dtypes.Complex64 || t.DType() == dtypes.Complex128 {
				exceptions.Panicf("ToFloat64s() not supported for dtype %s", t.DType())
			}
			flatV := reflect.ValueOf(flat)
			float64Type := reflect.TypeFor[float64]()
			for ii := range values {
				values[ii] = flatV.Index(ii).Convert(float64Type).Float()
			}
		}
	})
	return values
}

// Equal checks weather t == otherTensor: same shape and values. The device and the
// RequiresGrad flag are not compared.
// If they are the same pointer they are considered equal.
// If either are invalid (nil) it panics.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	equal := true
	t.ConstFlatData(func(flat0 any) {
		if t.storage == otherTensor.storage {
			return
		}
		otherTensor.ConstFlatData(func(flat1 any) {
			equal = reflect.DeepEqual(flat0, flat1)
		})
	})
	return equal
}

// InDelta checks weather Abs(t - otherTensor) <= delta for every element.
// If the shapes are different it returns false.
// If either are invalid (nil) it panics. It also panics for complex dtypes.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	if t.shape.IsZeroSize() {
		return true
	}
	values0, values1 := ToFloat64s(t), ToFloat64s(otherTensor)
	for ii, v0 := range values0 {
		v1 := values1[ii]
		if math.IsNaN(v0) && math.IsNaN(v1) {
			continue
		}
		if math.Abs(v0-v1) > delta {
			return false
		}
	}
	return true
}
