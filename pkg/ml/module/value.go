// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/probing/pkg/nest"
	"github.com/gomlx/probing/types/tensors"
	"github.com/pkg/errors"
)

// Value is what flows between modules: a single tensor, an ordered sequence of values or a keyed
// mapping of values, arbitrarily nested.
type Value = *nest.Nest[*tensors.Tensor]

// FromTensor returns a Value holding a single tensor.
func FromTensor(t *tensors.Tensor) Value {
	return nest.Value(t)
}

// FromTensors returns a Value holding a sequence of tensors.
func FromTensors(ts ...*tensors.Tensor) Value {
	return nest.SliceOf(ts...)
}

// AsTensor returns the tensor held by a single-tensor Value.
func AsTensor(v Value) (*tensors.Tensor, error) {
	if !v.IsValue() {
		return nil, errors.Errorf("expected a single tensor value, got a %s", v.Type())
	}
	if v.Value() == nil {
		return nil, errors.New("value holds a nil tensor")
	}
	return v.Value(), nil
}

// mapTensors applies fn to every tensor of the value, converting panics to errors.
func mapTensors(v Value, fnName string, fn func(t *tensors.Tensor) *tensors.Tensor) (Value, error) {
	var result Value
	err := exceptions.TryCatch[error](func() {
		var err error
		result, err = nest.Transform(v, func(t *tensors.Tensor) (*tensors.Tensor, error) {
			if t == nil {
				return nil, errors.New("value holds a nil tensor")
			}
			return fn(t), nil
		})
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s()", fnName)
	}
	return result, nil
}

// CloneValue returns an independent copy of the value: every tensor is cloned, and sequences and mappings are
// copied element by element. If detach is true, tensors are detached before being cloned, so the copy doesn't
// take part in gradient computation.
func CloneValue(v Value, detach bool) (Value, error) {
	return mapTensors(v, "CloneValue", func(t *tensors.Tensor) *tensors.Tensor {
		if detach {
			return t.Detach().Clone()
		}
		return t.Clone()
	})
}

// DetachValue returns the value with every tensor detached. Detached tensors share storage with the original.
func DetachValue(v Value) (Value, error) {
	return mapTensors(v, "DetachValue", (*tensors.Tensor).Detach)
}

// ValueToDevice moves every tensor of the value to the given device.
func ValueToDevice(v Value, device string) (Value, error) {
	return mapTensors(v, "ValueToDevice", func(t *tensors.Tensor) *tensors.Tensor {
		return t.OnDevice(device)
	})
}

// ValueToHost moves every tensor of the value to the host.
func ValueToHost(v Value) (Value, error) {
	return mapTensors(v, "ValueToHost", (*tensors.Tensor).ToHost)
}

// ValueAt returns the i-th sample of a batched value: every tensor is indexed on its first axis.
func ValueAt(v Value, i int) (Value, error) {
	return mapTensors(v, "ValueAt", func(t *tensors.Tensor) *tensors.Tensor {
		return t.Index(i)
	})
}

// ValueSlice returns the samples [start, end) of a batched value.
func ValueSlice(v Value, start, end int) (Value, error) {
	return mapTensors(v, "ValueSlice", func(t *tensors.Tensor) *tensors.Tensor {
		return t.Slice(start, end)
	})
}

// BatchSize returns the dimension of the first axis of the tensors of the value.
// It returns an error if the value has no tensors, if any of them is a scalar, or if they disagree.
func BatchSize(v Value) (int, error) {
	batchSize := -1
	err := v.EnumerateWithPath(func(path string, t *tensors.Tensor) error {
		if t == nil || t.Rank() == 0 {
			return errors.Errorf("value element %q is not batched (nil or scalar)", path)
		}
		dim := t.Shape().Dim(0)
		if batchSize >= 0 && dim != batchSize {
			return errors.Errorf("value element %q has batch size %d, but previous elements have %d", path, dim, batchSize)
		}
		batchSize = dim
		return nil
	})
	if err != nil {
		return 0, err
	}
	if batchSize < 0 {
		return 0, errors.New("value has no tensors, can't find the batch size")
	}
	return batchSize, nil
}

// ConcatenateValues concatenates the batched values along the first axis. All values must have the same
// structure.
func ConcatenateValues(values ...Value) (Value, error) {
	if len(values) == 0 {
		return nil, errors.New("ConcatenateValues() requires at least one value")
	}
	flats := make([][]*tensors.Tensor, len(values))
	for ii, v := range values {
		flats[ii] = v.Flatten()
		if ii > 0 && !sameStructure(values[0], v) {
			return nil, errors.Errorf("ConcatenateValues(): value #%d has a different structure than value #0", ii)
		}
	}
	concatenated := make([]*tensors.Tensor, len(flats[0]))
	err := exceptions.TryCatch[error](func() {
		for jj := range concatenated {
			parts := make([]*tensors.Tensor, len(values))
			for ii := range values {
				parts[ii] = flats[ii][jj]
			}
			concatenated[jj] = tensors.Concatenate(parts...)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "ConcatenateValues()")
	}
	return nest.Unflatten(values[0], concatenated), nil
}

// valuePaths returns the enumeration paths of the value.
func valuePaths(v Value) []string {
	var paths []string
	_ = v.EnumerateWithPath(func(path string, _ *tensors.Tensor) error {
		paths = append(paths, path)
		return nil
	})
	return paths
}

func sameStructure(v0, v1 Value) bool {
	p0, p1 := valuePaths(v0), valuePaths(v1)
	if len(p0) != len(p1) {
		return false
	}
	for ii := range p0 {
		if p0[ii] != p1[ii] {
			return false
		}
	}
	return true
}

// ValueInDelta returns whether both values have the same structure, and their tensors have the same shapes
// and values within delta.
func ValueInDelta(v0, v1 Value, delta float64) bool {
	if v0.Type() != v1.Type() || !sameStructure(v0, v1) {
		return false
	}
	flat0, flat1 := v0.Flatten(), v1.Flatten()
	for ii := range flat0 {
		if flat0[ii] == nil || flat1[ii] == nil {
			if flat0[ii] != flat1[ii] {
				return false
			}
			continue
		}
		if !flat0[ii].InDelta(flat1[ii], delta) {
			return false
		}
	}
	return true
}

// ValueEqual returns whether both values have the same structure and their tensors are equal.
func ValueEqual(v0, v1 Value) bool {
	return ValueInDelta(v0, v1, 0)
}
