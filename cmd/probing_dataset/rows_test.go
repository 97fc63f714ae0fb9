// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/probing/internal/testmodel"
	"github.com/gomlx/probing/pkg/ml/collect"
	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/gomlx/probing/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestRows(t *testing.T) {
	tree := testmodel.New(3, 5, 2, 0, 1)
	x := module.FromTensor(tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}))
	source := must.M1(collect.NewInMemorySource("rows", x, nil, 2))
	datasetPath := must.M1(collect.Build(tree, "linear1", "linear2").
		Dir(t.TempDir()).Name("rows").SavePrediction(true).Run(source))
	ds := must.M1(collect.Open(datasetPath))

	summary := summaryRows(ds)
	byKey := make(map[string]string, len(summary))
	for _, row := range summary {
		require.Len(t, row, 2)
		byKey[row[0]] = row[1]
	}
	require.Equal(t, "rows", byKey["name"])
	require.Equal(t, "Model", byKey["module"])
	require.Equal(t, "2", byKey["# batches"])
	require.Equal(t, "3", byKey["# samples"])
	require.Equal(t, "prediction", byKey["saved fields"])

	rows := must.M1(pathRows(ds))
	require.Equal(t, [][]string{
		{`"linear1"`, ":", "(Float32)[5]", "20 B"},
		{`"linear2"`, ":", "(Float32)[2]", "8 B"},
	}, rows)
}
