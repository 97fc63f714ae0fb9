// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/probing/types/shapes"
	"github.com/pkg/errors"
)

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	size := shape.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size)
	return newTensor(shape.Clone(), flatV.Interface())
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// Even scalar values have a flattened data representation of one element.
// It locks the Tensor storage until accessFn returns.
//
// This provides accessFn with the actual Tensor data (not a copy), it should not be changed.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.AssertValid()
	t.storage.mu.Lock()
	defer t.storage.mu.Unlock()
	accessFn(t.storage.flat)
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data. The contents of the slice can
// be changed until accessFn returns. Detached views of the tensor see the changes.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.AssertValid()
	t.storage.mu.Lock()
	defer t.storage.mu.Unlock()
	accessFn(t.storage.flat)
}

// ConstFlatData is the "generics" version of Tensor.ConstFlatData.
//
// It panics if T doesn't match the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	assertGenericsType[T](t, "ConstFlatData")
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData is the "generics" version of Tensor.MutableFlatData.
//
// It panics if T doesn't match the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	assertGenericsType[T](t, "MutableFlatData")
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

func assertGenericsType[T dtypes.Supported](t *Tensor, fnName string) {
	t.AssertValid()
	if reflect.TypeFor[T]() != t.shape.DType.GoType() {
		var v T
		exceptions.Panicf("%s[%T] is incompatible with Tensor's dtype %s -- expected Go type %s",
			fnName, v, t.shape.DType, t.shape.DType.GoType())
	}
}

// CopyFlatData returns a copy of the flat data of the Tensor.
//
// It will panic if the given generic type doesn't match the DType of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	return flatCopy
}

// ToScalar returns the scalar value of the Tensor.
//
// It will panic if the given generic type doesn't match the DType of the tensor, or if the tensor is not a scalar.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.IsScalar() {
		exceptions.Panicf("ToScalar[%T] called on non-scalar tensor %s", *new(T), t.shape)
	}
	var v T
	ConstFlatData(t, func(flat []T) {
		v = flat[0]
	})
	return v
}

// FromScalar creates a tensor with the given scalar.
// The DType is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
// The DType is inferred from the `data` type.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d", shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	t.MutableFlatData(func(flat any) {
		if flatT, ok := flat.([]T); ok {
			copy(flatT, data)
			return
		}
		// Go's `int` is stored with the platform's sized integer dtype.
		flatV := reflect.ValueOf(flat)
		goType := dtype.GoType()
		for ii, v := range data {
			flatV.Index(ii).Set(reflect.ValueOf(v).Convert(goType))
		}
	})
	return t
}

// MultiDimensionSlice lists the Go types a Tensor can be converted to/from. There are no recursions in
// generics' constraint definitions, so we enumerate up to 4 levels of slices; the implementation works
// with any arbitrary number, see FromAnyValue.
type MultiDimensionSlice interface {
	bool | float32 | float64 | int | int32 | int64 | uint8 | uint32 | uint64 |
		[]bool | []float32 | []float64 | []int | []int32 | []int64 | []uint8 | []uint32 | []uint64 |
		[][]bool | [][]float32 | [][]float64 | [][]int | [][]int32 | [][]int64 | [][]uint8 | [][]uint32 | [][]uint64 |
		[][][]bool | [][][]float32 | [][][]float64 | [][][]int | [][][]int32 | [][][]int64 | [][][]uint8 | [][][]uint32 | [][][]uint64 |
		[][][][]bool | [][][][]float32 | [][][][]float64 | [][][][]int | [][][][]int32 | [][][][]int64 | [][][][]uint8 | [][][][]uint32 | [][][][]uint64
}

// FromValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
//
// It panics if the shape is not regular.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	return FromAnyValue(value)
}

// FromAnyValue is a non-generic version of FromValue.
// If the input is a tensor already, it is simply returned.
//
// It panics with an error if `value` type is unsupported or the shape is not regular.
func FromAnyValue(value any) *Tensor {
	if valueT, ok := value.(*Tensor); ok {
		return valueT
	}
	shape, err := shapeForValue(value)
	if err != nil {
		panic(errors.Wrapf(err, "cannot create shape from %T", value))
	}
	t := FromShape(shape)
	t.MutableFlatData(func(flatAny any) {
		flatV := reflect.ValueOf(flatAny)
		pos := 0
		copyValuesRecursively(flatV, reflect.ValueOf(value), &pos)
	})
	return t
}

// copyValuesRecursively copies the leaves of a multi-dimension slice to the flat slice, converting
// the Go type if needed (Go's `int` is stored as the platform's sized integer).
func copyValuesRecursively(flatV, v reflect.Value, pos *int) {
	if v.Kind() == reflect.Slice {
		for ii := range v.Len() {
			copyValuesRecursively(flatV, v.Index(ii), pos)
		}
		return
	}
	elem := flatV.Index(*pos)
	elem.Set(v.Convert(elem.Type()))
	*pos++
}

func shapeForValue(v any) (shape shapes.Shape, err error) {
	err = shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	switch t.Kind() {
	case reflect.Slice:
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		if v.Len() == 0 {
			return errors.Errorf("value with empty slice not valid for Tensor conversion: %T -- use FromShape for tensors with zero-sized axes", v.Interface())
		}
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return errors.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}
	case reflect.Pointer:
		return errors.Errorf("cannot convert Pointer (%s) to a concrete value for tensors", t)
	default:
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %s to a value concrete tensor type (maybe type not supported yet?)", t)
		}
	}
	return nil
}

// Value returns a multidimensional slice (except if shape is a scalar) containing a copy of the values stored
// in the tensor.
// This is expensive, and usually only used for smaller tensors in tests and to print results.
func (t *Tensor) Value() any {
	var mdSlice any
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		if t.shape.IsScalar() {
			mdSlice = flatV.Index(0).Interface()
			return
		}
		flatCopyV := reflect.ValueOf(copyFlat(flat))
		mdSlice = sliceOfSlices(flatCopyV, t.shape.Dimensions).Interface()
	})
	return mdSlice
}

// sliceOfSlices returns a multidimensional slice with the given dimensions pointing to the data in flatV.
func sliceOfSlices(flatV reflect.Value, dimensions []int) reflect.Value {
	if len(dimensions) <= 1 {
		return flatV
	}
	resultT := flatV.Type()
	for range dimensions[1:] {
		resultT = reflect.SliceOf(resultT)
	}
	result := reflect.MakeSlice(resultT, dimensions[0], dimensions[0])
	stride := flatV.Len()
	if dimensions[0] > 0 {
		stride /= dimensions[0]
	}
	for ii := range dimensions[0] {
		sub := flatV.Slice(ii*stride, (ii+1)*stride)
		result.Index(ii).Set(sliceOfSlices(sub, dimensions[1:]))
	}
	return result
}

// copyFlat returns a new slice with a copy of the given flat slice.
func copyFlat(flat any) any {
	flatV := reflect.ValueOf(flat)
	size := flatV.Len()
	copyV := reflect.MakeSlice(flatV.Type(), size, size)
	reflect.Copy(copyV, flatV)
	return copyV.Interface()
}

// MaxSizeForString is the largest tensor whose values are printed by String.
var MaxSizeForString = 500

// String converts to string, if not too large.
func (t *Tensor) String() string {
	if !t.Ok() {
		return "<invalid tensor>"
	}
	if t.Size() > MaxSizeForString {
		return fmt.Sprintf("%s@%s: (%d values)", t.shape, t.device, t.Size())
	}
	return fmt.Sprintf("%s@%s: %v", t.shape, t.device, t.Value())
}
