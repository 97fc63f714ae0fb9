// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"encoding/gob"
	"maps"
	"os"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/probing/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Parameter is a named parameter of a Tree. Path is the path of the module joined with
// the parameter's local name.
type Parameter struct {
	Path  string
	Value *tensors.Tensor
}

// Parameters returns all parameters of the modules of the tree that implement Parameterized.
//
// Modules are visited in depth-first pre-order, and the parameters of each module in sorted order of their names.
func Parameters(tree *Tree) []Parameter {
	var params []Parameter
	_ = tree.Walk(func(_ NodeID, path string, m Module) error {
		p, ok := m.(Parameterized)
		if !ok {
			return nil
		}
		local := p.Parameters()
		for _, name := range slices.Sorted(maps.Keys(local)) {
			fullPath := name
			if path != "" {
				fullPath = path + PathSeparator + name
			}
			params = append(params, Parameter{Path: fullPath, Value: local[name]})
		}
		return nil
	})
	return params
}

// SaveParameters writes the parameters of the tree to filePath, using gob encoding.
func SaveParameters(tree *Tree, filePath string) (err error) {
	params := Parameters(tree)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save parameters", filePath)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "closing %q", filePath)
		}
	}()
	enc := gob.NewEncoder(f)
	if err = enc.Encode(len(params)); err != nil {
		return errors.Wrapf(err, "saving parameters to %q", filePath)
	}
	for _, p := range params {
		if err = enc.Encode(p.Path); err != nil {
			return errors.Wrapf(err, "saving parameter %q to %q", p.Path, filePath)
		}
		if err = p.Value.GobSerialize(enc); err != nil {
			return errors.WithMessagef(err, "saving parameter %q to %q", p.Path, filePath)
		}
	}
	klog.V(1).Infof("saved %d parameters to %q", len(params), filePath)
	return nil
}

// LoadParameters reads parameters saved with SaveParameters, and copies their values into the
// parameters of the tree.
//
// Every parameter of the tree must be present in the file with the same shape, and the file can't
// have unknown parameters.
func LoadParameters(tree *Tree, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "opening %q to load parameters", filePath)
	}
	defer func() { _ = f.Close() }()

	params := Parameters(tree)
	byPath := make(map[string]*tensors.Tensor, len(params))
	for _, p := range params {
		byPath[p.Path] = p.Value
	}
	dec := gob.NewDecoder(f)
	var count int
	if err = dec.Decode(&count); err != nil {
		return errors.Wrapf(err, "loading parameters from %q", filePath)
	}
	if count != len(params) {
		return errors.Errorf("file %q has %d parameters, but the tree has %d", filePath, count, len(params))
	}
	for range count {
		var path string
		if err = dec.Decode(&path); err != nil {
			return errors.Wrapf(err, "loading parameters from %q", filePath)
		}
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return errors.WithMessagef(err, "loading parameter %q from %q", path, filePath)
		}
		target, found := byPath[path]
		if !found {
			return errors.Errorf("file %q has parameter %q, unknown to the tree", filePath, path)
		}
		err = exceptions.TryCatch[error](func() { target.AssignFrom(value) })
		if err != nil {
			return errors.WithMessagef(err, "loading parameter %q from %q", path, filePath)
		}
	}
	return nil
}
