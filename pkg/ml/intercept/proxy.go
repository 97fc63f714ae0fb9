// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/gomlx/probing/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of a proxy: instrumentation is Active until the proxy is reduced. Reduced is terminal.
type State int

const (
	Active State = iota
	Reduced
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Reduced:
		return "Reduced"
	}
	return "Unknown"
}

// member is an attribute owned by the proxy itself. A nil set makes it read-only.
type member struct {
	get func() any
	set func(value any) error
}

// Proxy wraps exactly one module, and stands in for it.
//
// Attribute access (module.Attributer) is resolved against the members the proxy owns, declared with Own;
// any other attribute is read from or written to the wrapped module.
//
// Parameters are forwarded to the wrapped module, so a proxy is transparent for parameter checkpoints.
type Proxy struct {
	wrapped            module.Module
	memberNames        []string
	members            map[string]member
	state              State
	postReductionCalls int
}

// NewProxy creates a Proxy wrapping the given module. It panics if wrapped is nil.
func NewProxy(wrapped module.Module) *Proxy {
	if wrapped == nil {
		exceptions.Panicf("intercept.NewProxy(nil): wrapped module cannot be nil")
	}
	return &Proxy{
		wrapped: wrapped,
		members: make(map[string]member),
	}
}

// Own declares a member owned by the proxy: reads and writes of the attribute name go to get and set
// instead of the wrapped module. If set is nil the member is read-only.
//
// It panics if the member was already declared.
func (p *Proxy) Own(name string, get func() any, set func(value any) error) {
	if _, found := p.members[name]; found {
		exceptions.Panicf("intercept.Proxy: member %q declared twice", name)
	}
	p.memberNames = append(p.memberNames, name)
	p.members[name] = member{get: get, set: set}
}

// Members returns the names of the members owned by the proxy, in the order they were declared.
func (p *Proxy) Members() []string {
	return slices.Clone(p.memberNames)
}

// Wrapped returns the wrapped module.
func (p *Proxy) Wrapped() module.Module { return p.wrapped }

// State returns whether the proxy is Active or Reduced.
func (p *Proxy) State() State { return p.state }

// PostReductionCalls returns the number of times the proxy was invoked after being reduced.
func (p *Proxy) PostReductionCalls() int { return p.postReductionCalls }

// Attr implements module.Attributer.
// Members owned by the proxy are read from the proxy, everything else from the wrapped module.
func (p *Proxy) Attr(name string) (any, bool) {
	if m, found := p.members[name]; found {
		return m.get(), true
	}
	if attributer, ok := p.wrapped.(module.Attributer); ok {
		return attributer.Attr(name)
	}
	return nil, false
}

// SetAttr implements module.Attributer.
// Members owned by the proxy are set on the proxy, everything else on the wrapped module.
func (p *Proxy) SetAttr(name string, value any) error {
	if m, found := p.members[name]; found {
		if m.set == nil {
			return errors.Errorf("proxy member %q is read-only", name)
		}
		return m.set(value)
	}
	if attributer, ok := p.wrapped.(module.Attributer); ok {
		return attributer.SetAttr(name, value)
	}
	return errors.Wrapf(module.ErrNoAttribute, "can't set %q: wrapped module %s has no attributes", name, module.TypeName(p.wrapped))
}

// Parameters implements module.Parameterized, returning the parameters of the wrapped module.
func (p *Proxy) Parameters() map[string]*tensors.Tensor {
	if parameterized, ok := p.wrapped.(module.Parameterized); ok {
		return parameterized.Parameters()
	}
	return nil
}

// reduce moves the proxy to the terminal Reduced state and returns the wrapped module.
func (p *Proxy) reduce() module.Module {
	p.state = Reduced
	return p.wrapped
}

// checkReduced logs a warning and counts the call if the proxy was already reduced.
// The caller still forwards the call: post-reduction use is never an error.
func (p *Proxy) checkReduced(what string) {
	if p.state != Reduced {
		return
	}
	p.postReductionCalls++
	klog.Warningf("%s wrapping %s was invoked after being reduced: instrumentation inactive", what, module.TypeName(p.wrapped))
}
