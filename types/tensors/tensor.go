// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a host-resident Tensor: a shape, a flat storage of values, the name
// of the device it is associated with and whether it takes part in gradient computation.
//
// The probing packages treat tensors as opaque values: the only operations they need are
// Clone, Detach, OnDevice/ToHost and the axis-0 indexing used to split batches into samples.
//
// Storage is shared between a tensor and its detached views (see Tensor.Detach), exactly like
// a detached view shares memory with its source. Tensor.Clone always allocates new storage.
package tensors

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/probing/types/shapes"
	"github.com/pkg/errors"
)

// HostDevice is the name of the device that represents the host memory.
// Tensors are created on the host by default.
const HostDevice = "host"

// Tensor represents a multidimensional array of values of a DType.
//
// Methods that access the data lock the storage while doing so.
type Tensor struct {
	shape        shapes.Shape
	device       string
	requiresGrad bool
	storage      *storage
}

// storage is the flat data of one or more tensors (a tensor and its detached views).
type storage struct {
	mu   sync.Mutex
	flat any // Slice of the Go type for the dtype of the shape.
}

func newTensor(shape shapes.Shape, flat any) *Tensor {
	return &Tensor{
		shape:   shape,
		device:  HostDevice,
		storage: &storage{flat: flat},
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor's values.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Device returns the name of the device the tensor is associated with.
func (t *Tensor) Device() string { return t.device }

// IsHost returns whether the tensor is on the HostDevice.
func (t *Tensor) IsHost() bool { return t.device == HostDevice }

// RequiresGrad returns whether the tensor takes part in gradient computation.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// SetRequiresGrad marks the tensor as taking part in gradient computation or not.
// It returns the tensor itself, so it can be chained.
func (t *Tensor) SetRequiresGrad(requiresGrad bool) *Tensor {
	t.requiresGrad = requiresGrad
	return t
}

// Ok returns whether the tensor is valid.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.storage != nil && t.storage.flat != nil
}

// AssertValid panics if the tensor is nil, has an invalid shape or was finalized.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if !t.shape.Ok() {
		panic(errors.New("Tensor shape is invalid"))
	}
	if t.storage == nil || t.storage.flat == nil {
		panic(errors.New("Tensor has no storage, was it finalized?"))
	}
}

// SharesStorage returns whether t and other point to the same underlying data.
// A tensor shares storage with its detached views, but never with its clones.
func (t *Tensor) SharesStorage(other *Tensor) bool {
	return t != nil && other != nil && t.storage == other.storage
}

// Clone returns a deep copy of the tensor: new storage with a copy of the values, on the same device
// and with the same RequiresGrad flag.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	var clone *Tensor
	t.ConstFlatData(func(flat any) {
		clone = newTensor(t.shape.Clone(), copyFlat(flat))
	})
	clone.device = t.device
	clone.requiresGrad = t.requiresGrad
	return clone
}

// Detach returns a view of the tensor that shares its storage but doesn't take part in
// gradient computation.
func (t *Tensor) Detach() *Tensor {
	t.AssertValid()
	return &Tensor{
		shape:   t.shape,
		device:  t.device,
		storage: t.storage,
	}
}

// OnDevice returns the tensor associated with the given device.
//
// If the tensor is already on the device, it returns the tensor itself. Otherwise, it returns a copy
// of the tensor with the new device, keeping the RequiresGrad flag.
//
// It panics if device is empty.
func (t *Tensor) OnDevice(device string) *Tensor {
	t.AssertValid()
	if device == "" {
		exceptions.Panicf("Tensor.OnDevice(): device name cannot be empty")
	}
	if device == t.device {
		return t
	}
	moved := t.Clone()
	moved.device = device
	return moved
}

// ToHost is an alias to OnDevice(HostDevice).
func (t *Tensor) ToHost() *Tensor {
	return t.OnDevice(HostDevice)
}

// FinalizeAll releases the storage of the tensor. Detached views of the tensor become
// invalid as well.
func (t *Tensor) FinalizeAll() {
	if t == nil || t.storage == nil {
		return
	}
	t.storage.mu.Lock()
	t.storage.flat = nil
	t.storage.mu.Unlock()
	t.shape = shapes.Invalid()
}
