// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"encoding/gob"

	"github.com/gomlx/probing/pkg/nest"
	"github.com/gomlx/probing/types/tensors"
	"github.com/pkg/errors"
)

// GobSerializeValue writes the value to the encoder, recursively. A nil value is serialized as well,
// and deserializes to nil.
//
// As with tensors.Tensor.GobSerialize, devices and RequiresGrad flags are not serialized.
func GobSerializeValue(encoder *gob.Encoder, v Value) error {
	nestType := v.Type()
	if err := encoder.Encode(nestType); err != nil {
		return errors.Wrap(err, "failed to write value type")
	}
	switch nestType {
	case nest.InvalidNest:
		return nil
	case nest.ValueNest:
		t := v.Value()
		if t == nil {
			return errors.New("can't serialize a value holding a nil tensor")
		}
		return t.GobSerialize(encoder)
	case nest.SliceNest:
		elements := v.Slice()
		if err := encoder.Encode(len(elements)); err != nil {
			return errors.Wrap(err, "failed to write value length")
		}
		for ii, element := range elements {
			if err := GobSerializeValue(encoder, element); err != nil {
				return errors.WithMessagef(err, "element #%d", ii)
			}
		}
	case nest.MapNest:
		keys := v.Keys()
		if err := encoder.Encode(len(keys)); err != nil {
			return errors.Wrap(err, "failed to write value length")
		}
		m := v.Map()
		for _, key := range keys {
			if err := encoder.Encode(key); err != nil {
				return errors.Wrap(err, "failed to write value key")
			}
			if err := GobSerializeValue(encoder, m[key]); err != nil {
				return errors.WithMessagef(err, "element %q", key)
			}
		}
	}
	return nil
}

// GobDeserializeValue reads a value written by GobSerializeValue. Tensors are created on the host.
func GobDeserializeValue(decoder *gob.Decoder) (Value, error) {
	var nestType nest.Type
	if err := decoder.Decode(&nestType); err != nil {
		return nil, errors.Wrap(err, "failed to read value type")
	}
	switch nestType {
	case nest.InvalidNest:
		return nil, nil
	case nest.ValueNest:
		t, err := tensors.GobDeserialize(decoder)
		if err != nil {
			return nil, err
		}
		return nest.Value(t), nil
	case nest.SliceNest:
		var length int
		if err := decoder.Decode(&length); err != nil {
			return nil, errors.Wrap(err, "failed to read value length")
		}
		elements := make([]Value, length)
		for ii := range elements {
			element, err := GobDeserializeValue(decoder)
			if err != nil {
				return nil, errors.WithMessagef(err, "element #%d", ii)
			}
			elements[ii] = element
		}
		return nest.Slice(elements...), nil
	case nest.MapNest:
		var length int
		if err := decoder.Decode(&length); err != nil {
			return nil, errors.Wrap(err, "failed to read value length")
		}
		m := make(map[string]Value, length)
		for range length {
			var key string
			if err := decoder.Decode(&key); err != nil {
				return nil, errors.Wrap(err, "failed to read value key")
			}
			element, err := GobDeserializeValue(decoder)
			if err != nil {
				return nil, errors.WithMessagef(err, "element %q", key)
			}
			m[key] = element
		}
		return nest.Map(m), nil
	}
	return nil, errors.Errorf("invalid value type %s", nestType)
}
