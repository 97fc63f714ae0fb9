// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collect

import (
	"fmt"
	"path/filepath"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/probing/pkg/ml/intercept"
	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/gomlx/probing/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrMissingField is returned by Open when a requested field was not saved in the dataset.
var ErrMissingField = errors.New("field not saved in dataset")

// Field is an optional field saved along with the recordings.
type Field int

const (
	FieldInput Field = iota
	FieldTarget
	FieldPrediction
)

// String implements fmt.Stringer.
func (f Field) String() string {
	switch f {
	case FieldInput:
		return "input"
	case FieldTarget:
		return "target"
	case FieldPrediction:
		return "prediction"
	}
	return fmt.Sprintf("Field(%d)", int(f))
}

// Record holds the recordings of a batch or of a single sample, and the optional fields requested.
// Fields not requested (or not saved) are nil.
type Record struct {
	// Index of the batch or of the sample.
	Index int

	// Outputs recorded, by path.
	Outputs *intercept.Outputs

	Input, Target, Prediction module.Value
}

// Dataset reads a dataset directory created by Run.
//
// It keeps the last batch read in memory, so reading samples in order only loads each batch file once.
// It's not safe for concurrent use.
type Dataset struct {
	path     string
	manifest *Manifest
	fields   map[Field]bool

	cachedBatch *Record
}

// Open the dataset saved at datasetPath. fields lists the optional fields to read along with the recordings:
// if any of them was not saved, it returns an error wrapping ErrMissingField.
func Open(datasetPath string, fields ...Field) (*Dataset, error) {
	manifest, err := LoadManifest(datasetPath)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{
		path:     datasetPath,
		manifest: manifest,
		fields:   make(map[Field]bool, len(fields)),
	}
	for _, field := range fields {
		var saved bool
		switch field {
		case FieldInput:
			saved = manifest.HasInput
		case FieldTarget:
			saved = manifest.HasTarget
		case FieldPrediction:
			saved = manifest.HasPrediction
		default:
			return nil, errors.Errorf("collect.Open(%q): unknown field %s", datasetPath, field)
		}
		if !saved {
			return nil, errors.Wrapf(ErrMissingField, "collect.Open(%q): %s was requested", datasetPath, field)
		}
		ds.fields[field] = true
	}
	return ds, nil
}

// Path of the dataset directory.
func (ds *Dataset) Path() string { return ds.path }

// Name of the dataset.
func (ds *Dataset) Name() string { return ds.manifest.DatasetName }

// Len returns the number of samples.
func (ds *Dataset) Len() int { return ds.manifest.NumSamples }

// NumBatches returns the number of batch files.
func (ds *Dataset) NumBatches() int { return ds.manifest.NumBatches }

// Manifest returns a copy of the dataset manifest.
func (ds *Dataset) Manifest() Manifest {
	m := *ds.manifest
	m.Paths = append([]string(nil), ds.manifest.Paths...)
	return m
}

// Batch reads the batch with the given index.
func (ds *Dataset) Batch(batchIndex int) (*Record, error) {
	if batchIndex < 0 || batchIndex >= ds.manifest.NumBatches {
		return nil, errors.Errorf("batch index %d out of range for dataset %q with %d batches",
			batchIndex, ds.Name(), ds.manifest.NumBatches)
	}
	if ds.cachedBatch != nil && ds.cachedBatch.Index == batchIndex {
		return ds.cachedBatch, nil
	}
	batchPath := filepath.Join(ds.path, BatchFileName(batchIndex))
	batch, err := readBatch(batchPath)
	if err != nil {
		return nil, err
	}
	if batch.Index != batchIndex {
		return nil, errors.Errorf("batch file %q holds batch #%d", batchPath, batch.Index)
	}
	for field, present := range map[Field]bool{
		FieldInput: batch.Input != nil, FieldTarget: batch.Target != nil, FieldPrediction: batch.Prediction != nil,
	} {
		if ds.fields[field] && !present {
			return nil, errors.Wrapf(ErrMissingField, "batch file %q: %s", batchPath, field)
		}
	}
	if !ds.fields[FieldInput] {
		batch.Input = nil
	}
	if !ds.fields[FieldTarget] {
		batch.Target = nil
	}
	if !ds.fields[FieldPrediction] {
		batch.Prediction = nil
	}
	klog.V(2).Infof("collect: loaded batch #%d of %q", batchIndex, ds.Name())
	ds.cachedBatch = batch
	return batch, nil
}

// Sample reads the sample with the given index: every recorded tensor (and requested field) indexed
// at the sample's position in its batch.
//
// Samples are mapped to batches with a fixed stride of Manifest.SamplesPerBatch samples per batch.
func (ds *Dataset) Sample(index int) (*Record, error) {
	if index < 0 || index >= ds.Len() {
		return nil, errors.Errorf("sample index %d out of range for dataset %q with %d samples", index, ds.Name(), ds.Len())
	}
	stride := ds.manifest.SamplesPerBatch()
	batch, err := ds.Batch(index / stride)
	if err != nil {
		return nil, err
	}
	offset := index % stride
	sample := &Record{Index: index, Outputs: intercept.NewOutputs()}
	for path, value := range batch.Outputs.All() {
		element, err := module.ValueAt(value, offset)
		if err != nil {
			return nil, errors.WithMessagef(err, "sample #%d, path %q", index, path)
		}
		sample.Outputs.Set(path, element)
	}
	for _, field := range []struct {
		from module.Value
		to   *module.Value
	}{
		{batch.Input, &sample.Input},
		{batch.Target, &sample.Target},
		{batch.Prediction, &sample.Prediction},
	} {
		if field.from == nil {
			continue
		}
		if *field.to, err = module.ValueAt(field.from, offset); err != nil {
			return nil, errors.WithMessagef(err, "sample #%d", index)
		}
	}
	return sample, nil
}

// Tensor concatenates the tensor recorded at path across all batches.
// It returns an error if the recording at path is not a single tensor.
func (ds *Dataset) Tensor(path string) (*tensors.Tensor, error) {
	parts := make([]*tensors.Tensor, 0, ds.NumBatches())
	for batchIndex := range ds.NumBatches() {
		batch, err := ds.Batch(batchIndex)
		if err != nil {
			return nil, err
		}
		t, err := batch.Outputs.Tensor(path)
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q, batch #%d", ds.Name(), batchIndex)
		}
		parts = append(parts, t)
	}
	if len(parts) == 0 {
		return nil, errors.Errorf("dataset %q has no batches", ds.Name())
	}
	var result *tensors.Tensor
	err := exceptions.TryCatch[error](func() { result = tensors.Concatenate(parts...) })
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q, path %q", ds.Name(), path)
	}
	return result, nil
}

// DataFrame returns the tensor recorded at path, across all samples, as a dataframe with one row per sample.
// The recording must be a single tensor of rank 1 (one column named path) or rank 2 (columns named "path[j]").
func (ds *Dataset) DataFrame(path string) (dataframe.DataFrame, error) {
	t, err := ds.Tensor(path)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	numRows := t.Shape().Dim(0)
	var numCols int
	switch t.Rank() {
	case 1:
		numCols = 1
	case 2:
		numCols = t.Shape().Dim(1)
	default:
		return dataframe.DataFrame{}, errors.Errorf("DataFrame(%q): recording must have rank 1 or 2, got shape %s",
			path, t.Shape())
	}
	var values []float64
	err = exceptions.TryCatch[error](func() { values = tensors.ToFloat64s(t) })
	if err != nil {
		return dataframe.DataFrame{}, errors.WithMessagef(err, "DataFrame(%q)", path)
	}
	columns := make([]series.Series, numCols)
	for col := range numCols {
		name := path
		if t.Rank() == 2 {
			name = fmt.Sprintf("%s[%d]", path, col)
		}
		colValues := make([]float64, numRows)
		for row := range numRows {
			colValues[row] = values[row*numCols+col]
		}
		columns[col] = series.New(colValues, series.Float, name)
	}
	return dataframe.New(columns...), nil
}
