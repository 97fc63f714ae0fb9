// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nest implements the Nest generic container: a recursive "sum type" (a union) of a value T,
// an ordered slice of nests or a map of string to nests.
//
// It is used to represent the inputs and outputs of modules, which can be a single tensor, a
// sequence of values or a keyed mapping of values, arbitrarily nested.
//
// Enumeration is deterministic: slices in order, maps in sorted key order. Paths to elements are
// composed as "[index]" for slice elements and ">key" for map entries, terminated by ":" at the
// value. So the value at index 1 of the map entry "a" has the path ">a[1]:".
package nest

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Nest is a recursive container. It is only one of a value, a slice or a map, and accessing the wrong
// variant panics. The zero value (and nil) is an invalid Nest.
type Nest[T any] struct {
	nestType  Type
	value     T
	slice     []*Nest[T]
	stringMap map[string]*Nest[T]
}

// Type of Nest.
type Type uint8

const (
	InvalidNest Type = iota
	ValueNest
	SliceNest
	MapNest
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case InvalidNest:
		return "InvalidNest"
	case ValueNest:
		return "ValueNest"
	case SliceNest:
		return "SliceNest"
	case MapNest:
		return "MapNest"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Value creates a new Nest that contains the given value.
func Value[T any](value T) *Nest[T] {
	return &Nest[T]{
		nestType: ValueNest,
		value:    value,
	}
}

// Slice creates a new Nest that is a slice of the given nests -- the exact same slice, it is not copied.
func Slice[T any](elements ...*Nest[T]) *Nest[T] {
	return &Nest[T]{
		nestType: SliceNest,
		slice:    elements,
	}
}

// SliceOf creates a new Nest that is a slice of values.
func SliceOf[T any](values ...T) *Nest[T] {
	elements := make([]*Nest[T], len(values))
	for ii, v := range values {
		elements[ii] = Value(v)
	}
	return Slice(elements...)
}

// Map creates a new Nest with the given map of nests -- it is not copied, it's the same underlying map.
func Map[T any](stringMap map[string]*Nest[T]) *Nest[T] {
	if stringMap == nil {
		stringMap = make(map[string]*Nest[T])
	}
	return &Nest[T]{
		nestType:  MapNest,
		stringMap: stringMap,
	}
}

// MapOf creates a new Nest that is a map of values.
func MapOf[T any](values map[string]T) *Nest[T] {
	stringMap := make(map[string]*Nest[T], len(values))
	for key, v := range values {
		stringMap[key] = Value(v)
	}
	return Map(stringMap)
}

// Type returns the variant of the Nest. A nil Nest is an InvalidNest.
func (n *Nest[T]) Type() Type {
	if n == nil {
		return InvalidNest
	}
	return n.nestType
}

// IsValue returns whether the Nest holds a single value.
func (n *Nest[T]) IsValue() bool { return n.Type() == ValueNest }

// IsSlice returns whether the Nest is storing a slice.
func (n *Nest[T]) IsSlice() bool { return n.Type() == SliceNest }

// IsMap returns whether the Nest is storing a map.
func (n *Nest[T]) IsMap() bool { return n.Type() == MapNest }

// Value returns the value stored in the Nest. It panics if the Nest is not a ValueNest.
func (n *Nest[T]) Value() T {
	if n.Type() != ValueNest {
		var t T
		exceptions.Panicf("Nest[T=%T].Value() called, but the Nest is a container of type %s", t, n.Type())
	}
	return n.value
}

// Slice returns the slice contained in the Nest. It panics if the Nest is not of SliceNest type.
func (n *Nest[T]) Slice() []*Nest[T] {
	if n.Type() != SliceNest {
		var t T
		exceptions.Panicf("Nest[T=%T].Slice() called, but the Nest is a container of type %s", t, n.Type())
	}
	return n.slice
}

// Map returns a reference to the underlying map. It panics if the Nest is not of MapNest type.
func (n *Nest[T]) Map() map[string]*Nest[T] {
	if n.Type() != MapNest {
		var t T
		exceptions.Panicf("Nest[T=%T].Map() called, but the Nest is a container of type %s", t, n.Type())
	}
	return n.stringMap
}

// Keys returns the sorted keys of a MapNest. It panics if the Nest is not of MapNest type.
func (n *Nest[T]) Keys() []string {
	return slices.Sorted(maps.Keys(n.Map()))
}

// Len returns the number of direct elements: 1 for a value, the length of the slice or map,
// and 0 for an invalid Nest.
func (n *Nest[T]) Len() int {
	switch n.Type() {
	case ValueNest:
		return 1
	case SliceNest:
		return len(n.slice)
	case MapNest:
		return len(n.stringMap)
	}
	return 0
}

// IsEmpty returns whether the Nest has no values: invalid, or a slice or map with no values in
// any of its elements.
func (n *Nest[T]) IsEmpty() bool {
	switch n.Type() {
	case ValueNest:
		return false
	case SliceNest:
		for _, e := range n.slice {
			if !e.IsEmpty() {
				return false
			}
		}
	case MapNest:
		for _, e := range n.stringMap {
			if !e.IsEmpty() {
				return false
			}
		}
	}
	return true
}

// Enumerate all values stored in a Nest, in a deterministic order and call `fn` for each value. If fn returns an error,
// Enumerate will exit immediately and return the corresponding error.
func (n *Nest[T]) Enumerate(fn func(value T) error) error {
	return n.EnumerateWithPath(func(_ string, value T) error {
		return fn(value)
	})
}

// EnumerateWithPath all values stored in a Nest, in a deterministic order and call `fn` with the path to the element and
// the corresponding value. If fn returns an error, Enumerate will exit immediately and return the corresponding error.
func (n *Nest[T]) EnumerateWithPath(fn func(path string, value T) error) error {
	if n.Type() == InvalidNest {
		var t T
		return errors.Errorf("Nest[%T].EnumerateWithPath() of InvalidNest", t)
	}
	return n.enumerate("", fn)
}

func (n *Nest[T]) enumerate(prefix string, fn func(path string, value T) error) error {
	switch n.Type() {
	case ValueNest:
		return fn(prefix+":", n.value)
	case SliceNest:
		for ii, e := range n.slice {
			if err := e.enumerate(fmt.Sprintf("%s[%d]", prefix, ii), fn); err != nil {
				return err
			}
		}
		return nil
	case MapNest:
		// Range on sorted keys, to make it deterministic.
		for _, key := range n.Keys() {
			if err := n.stringMap[key].enumerate(fmt.Sprintf("%s>%s", prefix, key), fn); err != nil {
				return err
			}
		}
		return nil
	}
	var t T
	return errors.Errorf("Nest[%T] has an invalid element at %q", t, prefix)
}

// Flatten converts the Nest to a newly allocated slice of its values, in a deterministic order.
//
// If the Nest is of an invalid type, it returns nil.
func (n *Nest[T]) Flatten() []T {
	if n.Type() == InvalidNest {
		return nil
	}
	var flat []T
	_ = n.Enumerate(func(value T) error {
		flat = append(flat, value)
		return nil
	})
	return flat
}

// Unflatten will create a Nest[T2], using the given flatten values, and the structure of nestShape.
//
// It panics if the number of values doesn't match the number of values in nestShape.
func Unflatten[T1, T2 any](nestShape *Nest[T1], flatValues []T2) *Nest[T2] {
	idx := 0
	result, err := Transform(nestShape, func(_ T1) (T2, error) {
		if idx >= len(flatValues) {
			var zero T2
			return zero, errors.Errorf("not enough flat values (%d) to unflatten", len(flatValues))
		}
		v := flatValues[idx]
		idx++
		return v, nil
	})
	if err != nil {
		panic(errors.WithMessagef(err, "nest.Unflatten()"))
	}
	if idx != len(flatValues) {
		exceptions.Panicf("nest.Unflatten(): %d flat values given, but the nest has only %d values", len(flatValues), idx)
	}
	return result
}

// Transform creates a Nest[T2] with the same structure as n, with each value converted by fn.
// Values are visited in the deterministic enumeration order. The first error returned by fn is returned.
func Transform[T1, T2 any](n *Nest[T1], fn func(value T1) (T2, error)) (*Nest[T2], error) {
	switch n.Type() {
	case ValueNest:
		v, err := fn(n.value)
		if err != nil {
			return nil, err
		}
		return Value(v), nil
	case SliceNest:
		elements := make([]*Nest[T2], len(n.slice))
		for ii, e := range n.slice {
			var err error
			elements[ii], err = Transform(e, fn)
			if err != nil {
				return nil, err
			}
		}
		return Slice(elements...), nil
	case MapNest:
		stringMap := make(map[string]*Nest[T2], len(n.stringMap))
		for _, key := range n.Keys() {
			e, err := Transform(n.stringMap[key], fn)
			if err != nil {
				return nil, err
			}
			stringMap[key] = e
		}
		return Map(stringMap), nil
	}
	var t T1
	return nil, errors.Errorf("nest.Transform() of invalid Nest[%T]", t)
}

// String implements fmt.Stringer.
func (n *Nest[T]) String() string {
	switch n.Type() {
	case ValueNest:
		return fmt.Sprintf("%v", n.value)
	case SliceNest:
		parts := make([]string, len(n.slice))
		for ii, e := range n.slice {
			parts[ii] = e.String()
		}
		return fmt.Sprintf("%v", parts)
	case MapNest:
		s := "{"
		for ii, key := range n.Keys() {
			if ii > 0 {
				s += ", "
			}
			s += fmt.Sprintf("%q: %s", key, n.stringMap[key])
		}
		return s + "}"
	}
	return "<invalid nest>"
}
