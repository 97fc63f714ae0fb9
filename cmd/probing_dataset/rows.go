// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/probing/pkg/ml/collect"
	"github.com/gomlx/probing/types/tensors"
)

// summaryRows returns the (key, value) rows describing the manifest of the dataset.
func summaryRows(ds *collect.Dataset) [][]string {
	m := ds.Manifest()
	var fields []string
	for _, f := range []struct {
		name    string
		present bool
	}{{"input", m.HasInput}, {"target", m.HasTarget}, {"prediction", m.HasPrediction}} {
		if f.present {
			fields = append(fields, f.name)
		}
	}
	saved := "none"
	if len(fields) > 0 {
		saved = strings.Join(fields, ", ")
	}
	return [][]string{
		{"dataset", ds.Path()},
		{"name", m.DatasetName},
		{"id", m.DatasetID},
		{"module", m.ModuleName},
		{"# paths", humanize.Comma(int64(len(m.Paths)))},
		{"# batches", humanize.Comma(int64(m.NumBatches))},
		{"# samples", humanize.Comma(int64(m.NumSamples))},
		{"samples per batch", humanize.Comma(int64(m.SamplesPerBatch()))},
		{"saved fields", saved},
	}
}

// pathRows returns one row per tensor recorded in the first batch: path, element within the recorded value,
// per-sample shape and per-sample size in bytes.
func pathRows(ds *collect.Dataset) ([][]string, error) {
	if ds.NumBatches() == 0 {
		return nil, nil
	}
	batch, err := ds.Batch(0)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	for path, value := range batch.Outputs.All() {
		if value == nil {
			rows = append(rows, []string{fmt.Sprintf("%q", path), "", "<none>", ""})
			continue
		}
		err = value.EnumerateWithPath(func(element string, t *tensors.Tensor) error {
			shape := t.Shape().DropAxis0()
			rows = append(rows, []string{
				fmt.Sprintf("%q", path), element, shape.String(), humanize.Bytes(uint64(shape.Memory())),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}
