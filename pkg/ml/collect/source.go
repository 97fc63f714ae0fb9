// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collect

import (
	"io"

	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/pkg/errors"
)

// BatchSource yields the batches fed to the tree by Run.
type BatchSource interface {
	// Name of the source, used for logging.
	Name() string

	// Reset restarts the source from its first batch.
	Reset()

	// Yield returns the next batch of inputs and their labels (labels may be nil).
	// It returns io.EOF when there are no more batches.
	Yield() (inputs, labels module.Value, err error)
}

// InMemorySource yields batches sliced from values held in memory.
type InMemorySource struct {
	name           string
	inputs, labels module.Value
	numSamples     int
	batchSize      int
	next           int
}

var _ BatchSource = (*InMemorySource)(nil)

// NewInMemorySource creates a BatchSource that yields batches of batchSize samples taken, in order, from the first
// axis of every tensor of inputs and labels. labels can be nil. The last batch may be smaller.
func NewInMemorySource(name string, inputs, labels module.Value, batchSize int) (*InMemorySource, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("collect.NewInMemorySource(%q): batchSize must be > 0, got %d", name, batchSize)
	}
	numSamples, err := module.BatchSize(inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "collect.NewInMemorySource(%q): inputs", name)
	}
	if labels != nil {
		numLabels, err := module.BatchSize(labels)
		if err != nil {
			return nil, errors.WithMessagef(err, "collect.NewInMemorySource(%q): labels", name)
		}
		if numLabels != numSamples {
			return nil, errors.Errorf("collect.NewInMemorySource(%q): %d inputs but %d labels", name, numSamples, numLabels)
		}
	}
	return &InMemorySource{
		name:       name,
		inputs:     inputs,
		labels:     labels,
		numSamples: numSamples,
		batchSize:  batchSize,
	}, nil
}

// Name implements BatchSource.
func (s *InMemorySource) Name() string { return s.name }

// Reset implements BatchSource.
func (s *InMemorySource) Reset() { s.next = 0 }

// NumSamples returns the number of samples in the source.
func (s *InMemorySource) NumSamples() int { return s.numSamples }

// Yield implements BatchSource.
func (s *InMemorySource) Yield() (inputs, labels module.Value, err error) {
	if s.next >= s.numSamples {
		return nil, nil, io.EOF
	}
	start := s.next
	end := min(start+s.batchSize, s.numSamples)
	inputs, err = module.ValueSlice(s.inputs, start, end)
	if err != nil {
		return nil, nil, err
	}
	if s.labels != nil {
		labels, err = module.ValueSlice(s.labels, start, end)
		if err != nil {
			return nil, nil, err
		}
	}
	s.next = end
	return inputs, labels, nil
}
