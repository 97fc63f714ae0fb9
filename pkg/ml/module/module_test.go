// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"path"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/probing/pkg/nest"
	"github.com/gomlx/probing/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scale multiplies its float32 input by factor.
type scale struct {
	Attributes
	factor float32
	weight *tensors.Tensor
}

func newScale(factor float32) *scale {
	s := &scale{factor: factor, weight: tensors.FromValue([]float32{factor})}
	must.M(s.SetAttr("factor", factor))
	return s
}

func (s *scale) Forward(_ *Scope, inputs ...Value) (Value, error) {
	x, err := AsTensor(inputs[0])
	if err != nil {
		return nil, err
	}
	out := x.Clone()
	tensors.MutableFlatData(out, func(flat []float32) {
		for ii := range flat {
			flat[ii] *= s.factor
		}
	})
	return FromTensor(out), nil
}

func (s *scale) Parameters() map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{"weight": s.weight}
}

// chain calls its children in order.
type chain struct{}

func (chain) Forward(scope *Scope, inputs ...Value) (Value, error) {
	var err error
	x := inputs[0]
	for ii := range scope.NumChildren() {
		x, err = scope.CallAt(ii, x)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}

type panicky struct{}

func (panicky) Forward(_ *Scope, _ ...Value) (Value, error) {
	exceptions.Panicf("kernel failure")
	return nil, nil
}

func buildTree() *Tree {
	tree := NewTree(chain{})
	tree.MustAddChild(tree.Root(), "double", newScale(2))
	inner := tree.MustAddChild(tree.Root(), "inner", chain{})
	tree.MustAddChild(inner, "triple", newScale(3))
	return tree
}

func TestTreeStructure(t *testing.T) {
	tree := buildTree()
	require.Equal(t, 4, tree.Len())

	id, err := tree.Resolve("inner/triple")
	require.NoError(t, err)
	require.Equal(t, "inner/triple", tree.Path(id))
	require.Equal(t, "triple", tree.Name(id))
	require.Equal(t, "inner", tree.Path(tree.Parent(id)))

	root, err := tree.Resolve("")
	require.NoError(t, err)
	require.Equal(t, tree.Root(), root)
	require.Equal(t, InvalidNodeID, tree.Parent(root))

	_, err = tree.Resolve("inner/missing")
	require.ErrorIs(t, err, ErrPathResolution)
	require.ErrorContains(t, err, "missing")
	_, err = tree.Resolve("double/triple")
	require.ErrorIs(t, err, ErrPathResolution)

	parent, name, err := tree.ResolveParent("inner/triple")
	require.NoError(t, err)
	require.Equal(t, "inner", tree.Path(parent))
	require.Equal(t, "triple", name)
	parent, name, err = tree.ResolveParent("double")
	require.NoError(t, err)
	require.Equal(t, tree.Root(), parent)
	require.Equal(t, "double", name)
	_, _, err = tree.ResolveParent("")
	require.ErrorIs(t, err, ErrPathResolution)
	_, _, err = tree.ResolveParent("nope/x")
	require.ErrorIs(t, err, ErrPathResolution)

	_, err = tree.AddChild(tree.Root(), "double", newScale(1))
	require.ErrorIs(t, err, ErrDuplicateChild)
	_, err = tree.AddChild(tree.Root(), "a/b", newScale(1))
	require.Error(t, err)
	_, err = tree.AddChild(tree.Root(), "", newScale(1))
	require.Error(t, err)
	_, err = tree.AddChild(NodeID(100), "x", newScale(1))
	require.Error(t, err)

	var paths []string
	require.NoError(t, tree.Walk(func(_ NodeID, path string, _ Module) error {
		paths = append(paths, path)
		return nil
	}))
	require.Equal(t, []string{"", "double", "inner", "inner/triple"}, paths)
}

func TestForwardAndSwap(t *testing.T) {
	tree := buildTree()
	x := FromTensor(tensors.FromValue([]float32{1, 2}))
	y, err := tree.Forward(x)
	require.NoError(t, err)
	require.Equal(t, []float32{6, 12}, y.Value().Value())

	id := must.M1(tree.Resolve("inner/triple"))
	previous := tree.Swap(id, newScale(10))
	require.Equal(t, float32(3), previous.(*scale).factor)
	y, err = tree.Forward(x)
	require.NoError(t, err)
	require.Equal(t, []float32{20, 40}, y.Value().Value())

	tree.Swap(id, previous)
	y, err = tree.Forward(x)
	require.NoError(t, err)
	require.Equal(t, []float32{6, 12}, y.Value().Value())

	require.Panics(t, func() { tree.Swap(id, nil) })
}

// wrapper stands in for another module, forwarding calls to it.
type wrapper struct {
	inner Module
}

func (w *wrapper) Forward(scope *Scope, inputs ...Value) (Value, error) {
	return w.inner.Forward(scope, inputs...)
}

func (w *wrapper) Wrapped() Module { return w.inner }

func TestResolveThroughWrapper(t *testing.T) {
	tree := buildTree()
	id := must.M1(tree.Resolve("inner/triple"))
	inner := &wrapper{inner: tree.Module(id)}
	tree.Swap(id, &wrapper{inner: inner})
	require.Same(t, inner.inner, Unwrap(tree.Module(id)))

	_, err := tree.Resolve("inner/triple/x")
	require.ErrorIs(t, err, ErrPathResolution)
	require.ErrorContains(t, err, `scale ("inner/triple") has no child "x"`)
	require.NotContains(t, err.Error(), "wrapper")
}

func TestCallRecoversPanics(t *testing.T) {
	tree := buildTree()
	inner := must.M1(tree.Resolve("inner"))
	tree.MustAddChild(inner, "broken", panicky{})
	_, err := tree.Forward(FromTensor(tensors.FromValue([]float32{1})))
	require.Error(t, err)
	require.ErrorContains(t, err, "kernel failure")
	require.ErrorContains(t, err, "inner/broken")
}

func TestScope(t *testing.T) {
	tree := buildTree()
	var names []string
	var training bool
	tree.Swap(tree.Root(), moduleFunc(func(scope *Scope, inputs ...Value) (Value, error) {
		names = scope.ChildNames()
		training = scope.Training()
		if _, err := scope.Call("missing", inputs...); !errors.Is(err, ErrPathResolution) {
			return nil, errors.Errorf("expected ErrPathResolution, got %v", err)
		}
		if _, err := scope.CallAt(5, inputs...); err == nil {
			return nil, errors.New("expected error calling child #5")
		}
		return scope.Call("double", inputs...)
	}))
	tree.SetTraining(false)
	y, err := tree.Forward(FromTensor(tensors.FromValue([]float32{1})))
	require.NoError(t, err)
	require.Equal(t, []float32{2}, y.Value().Value())
	require.Equal(t, []string{"double", "inner"}, names)
	require.False(t, training)
}

type moduleFunc func(scope *Scope, inputs ...Value) (Value, error)

func (fn moduleFunc) Forward(scope *Scope, inputs ...Value) (Value, error) {
	return fn(scope, inputs...)
}

func TestAttributes(t *testing.T) {
	s := newScale(2)
	v, found := s.Attr("factor")
	require.True(t, found)
	require.Equal(t, float32(2), v)
	_, found = s.Attr("missing")
	require.False(t, found)

	require.NoError(t, s.SetAttr("dummy_attribute", 1))
	require.NoError(t, s.SetAttr("dummy_attribute", 2))
	require.Equal(t, []string{"factor", "dummy_attribute"}, s.AttrNames())
	require.Equal(t, 2, must.M1(AttrAs[int](s, "dummy_attribute")))
	require.Error(t, s.SetAttr("", 1))

	_, err := AttrAs[string](s, "dummy_attribute")
	require.Error(t, err)
	_, err = AttrAs[int](s, "missing")
	require.ErrorIs(t, err, ErrNoAttribute)
	_, err = AttrAs[int](chain{}, "anything")
	require.ErrorIs(t, err, ErrNoAttribute)

	require.Equal(t, "scale", TypeName(s))
	require.Equal(t, "chain", TypeName(chain{}))
}

func TestParameters(t *testing.T) {
	tree := buildTree()
	params := Parameters(tree)
	require.Len(t, params, 2)
	assert.Equal(t, "double/weight", params[0].Path)
	assert.Equal(t, "inner/triple/weight", params[1].Path)

	filePath := path.Join(t.TempDir(), "params.bin")
	require.NoError(t, SaveParameters(tree, filePath))

	other := buildTree()
	tensors.MutableFlatData(Parameters(other)[0].Value, func(flat []float32) { flat[0] = -1 })
	require.NoError(t, LoadParameters(other, filePath))
	require.Equal(t, []float32{2}, Parameters(other)[0].Value.Value())

	// A tree with a different structure can't load the parameters.
	different := NewTree(chain{})
	different.MustAddChild(different.Root(), "double", newScale(2))
	require.Error(t, LoadParameters(different, filePath))
	require.Error(t, LoadParameters(other, path.Join(t.TempDir(), "missing.bin")))
}

func TestValues(t *testing.T) {
	x := tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}}).SetRequiresGrad(true)
	y := tensors.FromValue([]int32{7, 8, 9})
	v := nest.Slice(FromTensor(x), nest.Map(map[string]Value{"y": FromTensor(y)}))

	clone := must.M1(CloneValue(v, true))
	require.True(t, ValueEqual(v, clone))
	cloneX := clone.Slice()[0].Value()
	require.False(t, cloneX.SharesStorage(x))
	require.False(t, cloneX.RequiresGrad())
	require.True(t, must.M1(CloneValue(v, false)).Slice()[0].Value().RequiresGrad())

	detached := must.M1(DetachValue(v))
	require.True(t, detached.Slice()[0].Value().SharesStorage(x))

	require.Equal(t, 3, must.M1(BatchSize(v)))
	sample := must.M1(ValueAt(v, 1))
	require.Equal(t, []float32{3, 4}, sample.Slice()[0].Value().Value())
	require.Equal(t, int32(8), sample.Slice()[1].Map()["y"].Value().Value())
	_, err := ValueAt(v, 3)
	require.Error(t, err)

	part0 := must.M1(ValueSlice(v, 0, 1))
	part1 := must.M1(ValueSlice(v, 1, 3))
	require.True(t, ValueEqual(v, must.M1(ConcatenateValues(part0, part1))))
	_, err = ConcatenateValues(part0, FromTensor(x))
	require.Error(t, err)

	onDevice := must.M1(ValueToDevice(v, "accelerator:0"))
	require.Equal(t, "accelerator:0", onDevice.Slice()[0].Value().Device())
	back := must.M1(ValueToHost(onDevice))
	require.True(t, back.Slice()[0].Value().IsHost())

	_, err = BatchSize(FromTensor(tensors.FromScalar(1.0)))
	require.Error(t, err)
	_, err = BatchSize(FromTensors(x, tensors.FromValue([]float32{1})))
	require.Error(t, err)
	require.False(t, ValueEqual(v, FromTensor(x)))
}
