// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"slices"

	"github.com/pkg/errors"
)

// Attributes is an ordered bag of named attributes that implements Attributer.
// It can be embedded in a module to give it dynamic attributes.
//
// The zero value is ready to use.
type Attributes struct {
	names  []string
	values map[string]any
}

var _ Attributer = (*Attributes)(nil)

// Attr implements Attributer.
func (a *Attributes) Attr(name string) (any, bool) {
	v, found := a.values[name]
	return v, found
}

// SetAttr implements Attributer. It creates the attribute if it doesn't exist yet.
func (a *Attributes) SetAttr(name string, value any) error {
	if name == "" {
		return errors.New("attribute name cannot be empty")
	}
	if a.values == nil {
		a.values = make(map[string]any)
	}
	if _, found := a.values[name]; !found {
		a.names = append(a.names, name)
	}
	a.values[name] = value
	return nil
}

// AttrNames returns the names of the attributes, in the order they were first set.
func (a *Attributes) AttrNames() []string {
	return slices.Clone(a.names)
}
