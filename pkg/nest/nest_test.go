// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nest

import (
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertEnumeration[T any](t *testing.T, n *Nest[T], expectedPaths []string, expectedValues []T) {
	var paths []string
	var values []T
	err := n.EnumerateWithPath(func(path string, value T) error {
		paths = append(paths, path)
		values = append(values, value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, expectedPaths, paths)
	assert.Equal(t, expectedValues, values)
}

func TestValue(t *testing.T) {
	n := Value(7)
	assert.True(t, n.IsValue())
	assert.Equal(t, 7, n.Value())
	assert.Equal(t, 1, n.Len())
	assert.Panics(t, func() { n.Slice() })
	assert.Panics(t, func() { n.Map() })
	assertEnumeration(t, n, []string{":"}, []int{7})
	assert.Equal(t, []int{7}, n.Flatten())
}

func TestMap(t *testing.T) {
	n := MapOf(map[string]int{"b": 20, "a": 10})
	assert.True(t, n.IsMap())
	assert.False(t, n.IsValue())
	assert.False(t, n.IsSlice())
	assert.Equal(t, 20, n.Map()["b"].Value())
	assert.Equal(t, []string{"a", "b"}, n.Keys())
	assert.Panics(t, func() { n.Value() })
	assertEnumeration(t, n, []string{">a:", ">b:"}, []int{10, 20})
	assert.Equal(t, []int{10, 20}, n.Flatten())
	n2 := Unflatten(n, []float32{10.0, 20.0})
	assert.Equal(t, float32(20), n2.Map()["b"].Value())
}

func TestSlice(t *testing.T) {
	n := SliceOf(10, 20)
	assert.True(t, n.IsSlice())
	assert.Equal(t, 2, n.Len())
	assert.Equal(t, 20, n.Slice()[1].Value())
	assertEnumeration(t, n, []string{"[0]:", "[1]:"}, []int{10, 20})
	assert.True(t, Slice[int]().IsEmpty())
	assert.False(t, n.IsEmpty())
}

func TestRecursive(t *testing.T) {
	n := Slice(
		Value(1),
		Map(map[string]*Nest[int]{
			"y": SliceOf(3, 4),
			"x": Value(2),
		}),
	)
	assertEnumeration(t, n,
		[]string{"[0]:", "[1]>x:", "[1]>y[0]:", "[1]>y[1]:"},
		[]int{1, 2, 3, 4})

	strs, err := Transform(n, func(v int) (string, error) { return strconv.Itoa(v * 10), nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "20", "30", "40"}, strs.Flatten())
	assert.Equal(t, "30", strs.Slice()[1].Map()["y"].Slice()[0].Value())

	_, err = Transform(n, func(v int) (int, error) {
		if v == 3 {
			return 0, errors.New("boom")
		}
		return v, nil
	})
	require.ErrorContains(t, err, "boom")

	back := Unflatten(n, []int{5, 6, 7, 8})
	assert.Equal(t, []int{5, 6, 7, 8}, back.Flatten())
	assert.Panics(t, func() { _ = Unflatten(n, []int{1, 2}) })
	assert.Panics(t, func() { _ = Unflatten(n, []int{1, 2, 3, 4, 5}) })
}

func TestInvalid(t *testing.T) {
	var n *Nest[int]
	assert.Equal(t, InvalidNest, n.Type())
	assert.True(t, n.IsEmpty())
	assert.Nil(t, n.Flatten())
	assert.Error(t, n.EnumerateWithPath(func(string, int) error { return nil }))
	_, err := Transform(n, func(v int) (int, error) { return v, nil })
	assert.Error(t, err)
}
