// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"encoding/gob"
	"path"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/probing/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	require.Equal(t, HostDevice, tensor.Device())
	require.False(t, tensor.RequiresGrad())
	require.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, CopyFlatData[float32](tensor))

	scalar := FromScalar(7.0)
	require.True(t, scalar.IsScalar())
	require.Equal(t, 7.0, ToScalar[float64](scalar))

	// Go's int is converted to the sized integer of the platform.
	ints := FromValue([]int{1, 2, 3})
	require.Equal(t, 3, ints.Size())
	require.Equal(t, []float64{1, 2, 3}, ToFloat64s(ints))
	require.Equal(t, []float64{4, 5}, ToFloat64s(FromFlatDataAndDimensions([]int{4, 5}, 2)))

	require.Panics(t, func() { _ = FromValue([][]float32{{1, 2}, {3}}) })
	require.Panics(t, func() { _ = FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2) })
	require.Panics(t, func() { _ = CopyFlatData[float64](tensor) })
}

func TestCloneAndDetach(t *testing.T) {
	original := FromValue([]float32{1, 2, 3}).SetRequiresGrad(true)

	clone := original.Clone()
	require.True(t, clone.Equal(original))
	require.False(t, clone.SharesStorage(original))
	require.True(t, clone.RequiresGrad())

	detached := original.Detach()
	require.True(t, detached.SharesStorage(original))
	require.False(t, detached.RequiresGrad())
	require.True(t, original.RequiresGrad(), "Detach must not change the source tensor")

	MutableFlatData(original, func(flat []float32) { flat[0] = 10 })
	assert.Equal(t, []float32{10, 2, 3}, detached.Value(), "detached view shares storage")
	assert.Equal(t, []float32{1, 2, 3}, clone.Value(), "clone is independent")

	// Detach then clone gives an independent copy that doesn't require gradients.
	independent := original.Detach().Clone()
	require.False(t, independent.SharesStorage(original))
	require.False(t, independent.RequiresGrad())
}

func TestOnDevice(t *testing.T) {
	host := FromValue([]float64{1, 2})
	require.Same(t, host, host.ToHost())

	onAccel := host.OnDevice("accelerator:0")
	require.Equal(t, "accelerator:0", onAccel.Device())
	require.False(t, onAccel.IsHost())
	require.False(t, onAccel.SharesStorage(host))
	require.True(t, onAccel.Equal(host))

	back := onAccel.ToHost()
	require.True(t, back.IsHost())
	require.Equal(t, []float64{1, 2}, back.Value())
	require.Panics(t, func() { _ = host.OnDevice("") })
}

func TestIndexAndSlice(t *testing.T) {
	batch := FromValue([][]int32{{1, 2}, {3, 4}, {5, 6}})
	row := batch.Index(1)
	require.Equal(t, []int32{3, 4}, row.Value())
	require.Equal(t, []int32{5, 6}, batch.Index(-1).Value())
	require.False(t, row.SharesStorage(batch))

	sub := batch.Slice(1, 3)
	require.Equal(t, [][]int32{{3, 4}, {5, 6}}, sub.Value())
	empty := batch.Slice(2, 2)
	require.Equal(t, 0, empty.Shape().Dim(0))

	require.Equal(t, int32(2), ToScalar[int32](FromValue([]int32{1, 2}).Index(1)))
	require.Panics(t, func() { _ = batch.Index(3) })
	require.Panics(t, func() { _ = batch.Slice(2, 1) })
	require.Panics(t, func() { _ = FromScalar(1.0).Index(0) })

	all := Concatenate(batch.Slice(0, 1), batch.Slice(1, 3))
	require.True(t, all.Equal(batch))
	require.Panics(t, func() { _ = Concatenate(batch, FromValue([]int32{1})) })
}

func TestEqualAndInDelta(t *testing.T) {
	a := FromValue([]float32{1, 2, 3})
	b := FromValue([]float32{1, 2, 3.000001})
	require.False(t, a.Equal(b))
	require.True(t, a.InDelta(b, 1e-5))
	require.False(t, a.InDelta(FromValue([]float32{1, 2}), 1e-5))
	require.True(t, a.Equal(a.Detach()))

	h0 := FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(1.5)}, 2)
	h1 := FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(1.5)}, 2)
	require.True(t, h0.InDelta(h1, 1e-3))
	require.Equal(t, []float64{0.5, 1.5}, ToFloat64s(h0))
}

func TestSerialize(t *testing.T) {
	buf := &bytes.Buffer{}
	enc := gob.NewEncoder(buf)
	want := []*Tensor{
		FromValue([][]float32{{1, 2}, {3, 4}}),
		FromScalar(int64(3)),
		FromValue([]bool{true, false}).OnDevice("accelerator:1"),
	}
	for _, tensor := range want {
		require.NoError(t, tensor.GobSerialize(enc))
	}
	dec := gob.NewDecoder(buf)
	for _, w := range want {
		got, err := GobDeserialize(dec)
		require.NoError(t, err)
		require.True(t, w.Equal(got))
		require.True(t, got.IsHost())
	}

	filePath := path.Join(t.TempDir(), "tensor.bin")
	require.NoError(t, want[0].Save(filePath))
	loaded, err := Load(filePath)
	require.NoError(t, err)
	require.True(t, want[0].Equal(loaded))
	_, err = Load(path.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}
