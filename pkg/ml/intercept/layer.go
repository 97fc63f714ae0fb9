// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"bytes"
	"encoding/gob"

	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Members owned by a Layer.
const (
	MemberCapturedOutput = "captured_output"
	MemberDetach         = "detach"
)

// Layer wraps a module and records an independent copy of its output every time it is called.
//
// The output itself is returned unchanged to the caller. The recorded copy shares no storage with it,
// and if the layer was created with detach, the copy doesn't take part in gradient computation.
type Layer struct {
	*Proxy

	detach   bool
	captured module.Value
}

var (
	_ module.Module        = (*Layer)(nil)
	_ module.Attributer    = (*Layer)(nil)
	_ module.Parameterized = (*Layer)(nil)
)

// NewLayer creates a recording Layer wrapping the given module.
func NewLayer(wrapped module.Module, detach bool) *Layer {
	l := &Layer{
		Proxy:  NewProxy(wrapped),
		detach: detach,
	}
	l.Own(MemberCapturedOutput, func() any { return l.captured }, func(value any) error {
		if value == nil {
			l.captured = nil
			return nil
		}
		v, ok := value.(module.Value)
		if !ok {
			return errors.Errorf("member %q must be a module.Value, got %T", MemberCapturedOutput, value)
		}
		l.captured = v
		return nil
	})
	l.Own(MemberDetach, func() any { return l.detach }, nil)
	return l
}

// Forward calls the wrapped module and records a copy of its output.
//
// If the wrapped module fails, the error is returned and the previous recording is kept.
// After the layer is reduced it logs a warning on every call, and keeps forwarding and recording.
func (l *Layer) Forward(scope *module.Scope, inputs ...module.Value) (module.Value, error) {
	l.checkReduced("intercept.Layer")
	output, err := l.wrapped.Forward(scope, inputs...)
	if err != nil {
		return nil, err
	}
	if output == nil {
		l.captured = nil
		return nil, nil
	}
	captured, err := module.CloneValue(output, l.detach)
	if err != nil {
		return nil, errors.WithMessagef(err, "recording output of %s", module.TypeName(l.wrapped))
	}
	l.captured = captured
	if klog.V(2).Enabled() {
		klog.Infof("intercept.Layer: recorded output of %s: %s", module.TypeName(l.wrapped), describeValue(captured))
	}
	return output, nil
}

// Detach returns whether recorded outputs are detached from gradient computation.
func (l *Layer) Detach() bool { return l.detach }

// Read returns the last recorded output, or nil if nothing was recorded since creation or the last Clear.
func (l *Layer) Read() module.Value { return l.captured }

// Clear drops the recorded output.
func (l *Layer) Clear() { l.captured = nil }

// Reduce marks the layer as reduced and returns the wrapped module.
// The layer keeps working if called afterward, but logs a warning on each call.
func (l *Layer) Reduce() module.Module {
	return l.reduce()
}

// layerState is the serialized state of a Layer: the recording is never part of it.
type layerState struct {
	Detach bool
	State  State
}

// GobEncode implements gob.GobEncoder. It encodes the layer configuration and state, but not the
// recorded output nor the wrapped module (which is saved with module.SaveParameters).
func (l *Layer) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(layerState{Detach: l.detach, State: l.state}); err != nil {
		return nil, errors.Wrap(err, "encoding intercept.Layer")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder. The decoded layer has no recorded output.
// The layer must have been created with NewLayer, since the wrapped module is not serialized.
func (l *Layer) GobDecode(data []byte) error {
	var s layerState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrap(err, "decoding intercept.Layer")
	}
	if l.Proxy == nil {
		return errors.New("intercept.Layer must be created with NewLayer before decoding")
	}
	l.detach = s.Detach
	l.state = s.State
	l.captured = nil
	return nil
}
