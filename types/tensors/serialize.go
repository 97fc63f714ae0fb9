// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/gob"
	"os"
	"reflect"

	"github.com/gomlx/probing/types/shapes"
	"github.com/pkg/errors"
)

// GobSerialize Tensor in binary format: its shape followed by the flat values.
//
// The device and the RequiresGrad flag are not serialized: deserialized tensors are always on the host.
//
// It returns an error for I/O errors.
// It panics for invalid tensors.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	t.AssertValid()
	err = t.shape.GobSerialize(encoder)
	if err != nil {
		return
	}
	t.ConstFlatData(func(flat any) {
		err = encoder.Encode(flat)
		if err != nil {
			err = errors.Wrapf(err, "failed to write tensor data")
		}
	})
	return
}

// GobDeserialize a Tensor from the reader. The tensor is created on the HostDevice.
func GobDeserialize(decoder *gob.Decoder) (t *Tensor, err error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor shape data")
		return
	}
	if !shape.Ok() {
		err = errors.Errorf("deserialized invalid Tensor shape %s", shape)
		return
	}
	flatPtrV := reflect.New(reflect.SliceOf(shape.DType.GoType()))
	err = decoder.Decode(flatPtrV.Interface())
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor data")
		return
	}
	flatV := flatPtrV.Elem()
	if flatV.Len() != shape.Size() {
		// gob decodes empty slices as nil.
		if shape.Size() != 0 {
			err = errors.Errorf("deserialized Tensor data has %d elements, but shape %s requires %d", flatV.Len(), shape, shape.Size())
			return
		}
		flatV = reflect.MakeSlice(flatV.Type(), 0, 0)
	}
	t = newTensor(shape, flatV.Interface())
	return
}

// Save the tensor to the given file path.
//
// It returns an error for I/O errors.
// It may panic if the tensor is invalid (`nil` or already finalized).
func (t *Tensor) Save(filePath string) (err error) {
	t.AssertValid()
	var f *os.File
	f, err = os.Create(filePath)
	if err != nil {
		err = errors.Wrapf(err, "creating %q to save tensor", filePath)
		return
	}
	enc := gob.NewEncoder(f)
	err = t.GobSerialize(enc)
	if err != nil {
		_ = f.Close()
		err = errors.WithMessagef(err, "saving Tensor to %q", filePath)
		return
	}
	err = f.Close()
	if err != nil {
		err = errors.Wrapf(err, "close file %q, where tensor was saved", filePath)
	}
	return
}

// Load a tensor from the file path given.
func Load(filePath string) (t *Tensor, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		err = errors.Wrapf(err, "opening %q to load Tensor", filePath)
		return
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	t, err = GobDeserialize(dec)
	if err != nil {
		err = errors.WithMessagef(err, "loading Tensor from %q", filePath)
	}
	return
}
