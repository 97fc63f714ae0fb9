// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/gomlx/probing/pkg/nest"
	"github.com/gomlx/probing/types/tensors"
	"github.com/pkg/errors"
)

// Outputs is an ordered mapping of paths to values.
type Outputs struct {
	paths  []string
	values map[string]module.Value
}

// NewOutputs returns an empty Outputs.
func NewOutputs() *Outputs {
	return &Outputs{values: make(map[string]module.Value)}
}

// Set the value for the path. New paths are appended to the order, existing paths keep their position.
func (o *Outputs) Set(path string, value module.Value) {
	if _, found := o.values[path]; !found {
		o.paths = append(o.paths, path)
	}
	o.values[path] = value
}

// Get returns the value for the path, and whether the path is present. The value may be nil.
func (o *Outputs) Get(path string) (module.Value, bool) {
	v, found := o.values[path]
	return v, found
}

// Tensor returns the value for the path as a single tensor.
// It returns an error if the path is not present, or if its value is not a single tensor.
func (o *Outputs) Tensor(path string) (*tensors.Tensor, error) {
	v, found := o.values[path]
	if !found {
		return nil, errors.Errorf("no output for path %q", path)
	}
	t, err := module.AsTensor(v)
	if err != nil {
		return nil, errors.WithMessagef(err, "output for path %q", path)
	}
	return t, nil
}

// Paths in order.
func (o *Outputs) Paths() []string { return slices.Clone(o.paths) }

// Len returns the number of paths.
func (o *Outputs) Len() int { return len(o.paths) }

// All iterates over the paths and values in order.
func (o *Outputs) All() iter.Seq2[string, module.Value] {
	return func(yield func(string, module.Value) bool) {
		for _, path := range o.paths {
			if !yield(path, o.values[path]) {
				return
			}
		}
	}
}

// Nest returns the outputs as a keyed mapping Value. Paths with a nil value are omitted.
func (o *Outputs) Nest() module.Value {
	m := make(map[string]module.Value, len(o.paths))
	for _, path := range o.paths {
		if v := o.values[path]; v != nil {
			m[path] = v
		}
	}
	return nest.Map(m)
}

// String implements fmt.Stringer.
func (o *Outputs) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for ii, path := range o.paths {
		if ii > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q: %s", path, describeValue(o.values[path]))
	}
	sb.WriteString("}")
	return sb.String()
}

// describeValue returns the shapes of the value's tensors, without their contents.
func describeValue(v module.Value) string {
	if v == nil {
		return "<nil>"
	}
	shapes, err := nest.Transform(v, func(t *tensors.Tensor) (string, error) {
		if t == nil {
			return "<nil>", nil
		}
		return t.Shape().String(), nil
	})
	if err != nil {
		return "<invalid>"
	}
	return shapes.String()
}
