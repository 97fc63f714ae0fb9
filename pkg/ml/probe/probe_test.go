// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package probe

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/probing/internal/testmodel"
	"github.com/gomlx/probing/pkg/ml/intercept"
	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/gomlx/probing/pkg/ml/nn"
	"github.com/gomlx/probing/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	inputSize  = 3
	hiddenSize = 5
	outputSize = 2
	decimal5   = 1e-5
)

func inputBatch() module.Value {
	return module.FromTensor(tensors.FromValue([][]float32{
		{0.1, -0.2, 0.3},
		{1.0, 0.5, -1.5},
		{-0.7, 0.2, 0.9},
	}))
}

func TestIdentityProbes(t *testing.T) {
	tree := testmodel.New(inputSize, hiddenSize, outputSize, 1, 11)
	x := inputBatch()
	want := must.M1(tree.Forward(x))
	linear1 := tree.Module(must.M1(tree.Resolve("linear1"))).(*nn.Linear)

	prober := must.M1(Build(tree).AddIdentity("linear1").AddIdentity("hidden_layers/1").Done())
	main, probeOutputs := must.M2(prober.CallWithProbes(x))
	require.True(t, module.ValueEqual(want, main))
	require.Equal(t, []string{"linear1", "hidden_layers/1"}, probeOutputs.Paths())

	hidden := nn.LinearTransform(must.M1(module.AsTensor(x)), linear1.Weight(), linear1.Bias())
	got := must.M1(probeOutputs.Tensor("linear1"))
	require.True(t, hidden.InDelta(got, decimal5))
	hl1 := must.M1(probeOutputs.Tensor("hidden_layers/1"))
	require.NoError(t, hl1.Shape().CheckDims(3, hiddenSize))

	// Recordings are cleared once the probes ran, probe outputs are kept.
	for path, v := range prober.ReadAll().All() {
		assert.Nilf(t, v, "recording at %q not cleared", path)
	}
	require.Same(t, probeOutputs, prober.ReadProbeOutputs())
	v, found := prober.Attr(MemberProbeOutputs)
	require.True(t, found)
	require.Same(t, probeOutputs, v)
	prober.ClearProbeOutputs()
	require.Nil(t, prober.ReadProbeOutputs())
}

func TestCallReturnBoth(t *testing.T) {
	tree := testmodel.New(inputSize, hiddenSize, outputSize, 0, 5)
	x := inputBatch()
	want := must.M1(tree.Forward(x))

	prober := must.M1(New(tree, []string{"relu", "linear1"}, nil, true))
	require.True(t, prober.ReturnBoth())
	out := must.M1(prober.Call(x))
	require.True(t, out.IsSlice())
	require.Equal(t, 2, out.Len())
	require.True(t, module.ValueEqual(want, out.Slice()[0]))
	probes := out.Slice()[1]
	require.True(t, probes.IsMap())
	require.Equal(t, []string{"linear1", "relu"}, probes.Keys())

	// Switching return_both through the attribute.
	require.NoError(t, prober.SetAttr(MemberReturnBoth, false))
	require.False(t, prober.ReturnBoth())
	out = must.M1(prober.Call(x))
	require.True(t, module.ValueEqual(want, out))
	require.Error(t, prober.SetAttr(MemberReturnBoth, "yes"))

	// Read-only members.
	require.Error(t, prober.SetAttr(MemberProbes, nil))
	require.Error(t, prober.SetAttr(MemberProbeOutputs, nil))

	// Attributes not owned by the prober reach the original root module.
	dummy, found := prober.Attr("dummy_attribute")
	require.True(t, found)
	require.Equal(t, 0, dummy)
}

func TestLinearProbe(t *testing.T) {
	tree := testmodel.New(inputSize, hiddenSize, outputSize, 0, 3)
	const numClasses = 4
	classifier := module.NewTree(nn.NewLinear(hiddenSize, numClasses, 17))
	prober := must.M1(New(tree, []string{"relu"}, map[string]*module.Tree{"relu": classifier}, false))
	require.Same(t, classifier, prober.Probe("relu"))

	_, probeOutputs := must.M2(prober.CallWithProbes(inputBatch()))
	logits := must.M1(probeOutputs.Tensor("relu"))
	require.NoError(t, logits.Shape().CheckDims(3, numClasses))
	// The probe's own weights still take part in gradient computation.
	require.True(t, logits.RequiresGrad())

	params := prober.ProbeParameters()
	require.Len(t, params, 2)
	require.Equal(t, "probes/relu/bias", params[0].Path)
	require.Equal(t, "probes/relu/weight", params[1].Path)
	require.NoError(t, params[1].Value.Shape().CheckDims(numClasses, hiddenSize))

	// Probes given for paths not listed are rejected.
	_, err := New(testmodel.New(inputSize, hiddenSize, outputSize, 0, 3), []string{"linear1"},
		map[string]*module.Tree{"relu": classifier}, true)
	require.Error(t, err)
}

func TestProbeOutputsAcrossCalls(t *testing.T) {
	tree := testmodel.New(inputSize, hiddenSize, outputSize, 0, 21)
	x2 := module.FromTensor(tensors.FromValue([][]float32{{2, 0, -1}}))
	want := must.M1(tree.Forward(x2))
	prober := must.M1(Build(tree).AddIdentity("linear2").Done())
	_, first := must.M2(prober.CallWithProbes(inputBatch()))
	firstLogits := must.M1(first.Tensor("linear2")).Clone()

	_, second := must.M2(prober.CallWithProbes(x2))
	require.True(t, must.M1(first.Tensor("linear2")).Equal(firstLogits))
	require.NoError(t, firstLogits.Shape().CheckDims(3, outputSize))

	latest := must.M1(prober.ReadProbeOutputs().Tensor("linear2"))
	require.Same(t, second, prober.ReadProbeOutputs())
	require.NoError(t, latest.Shape().CheckDims(1, outputSize))
	require.True(t, latest.InDelta(must.M1(module.AsTensor(want)), decimal5))
}

func TestInvalidPath(t *testing.T) {
	tree := testmodel.New(inputSize, hiddenSize, outputSize, 0, 3)
	_, err := Build(tree).AddIdentity("linear1").AddIdentity("nonexistent").Done()
	require.ErrorIs(t, err, module.ErrPathResolution)
	_, isLinear := tree.Module(must.M1(tree.Resolve("linear1"))).(*nn.Linear)
	require.True(t, isLinear, "tree must be left untouched")
}

func TestReducedProber(t *testing.T) {
	tree := testmodel.New(inputSize, hiddenSize, outputSize, 0, 9)
	x := inputBatch()
	want := must.M1(tree.Forward(x))
	prober := must.M1(Build(tree).AddIdentity("linear1").Done())
	_ = must.M1(prober.Reduce())

	main, probeOutputs := must.M2(prober.CallWithProbes(x))
	require.True(t, module.ValueEqual(want, main))
	require.Zero(t, probeOutputs.Len())
	require.Equal(t, intercept.Reduced, prober.State())
	require.Positive(t, prober.PostReductionCalls())
}

func TestProberGob(t *testing.T) {
	tree := testmodel.New(inputSize, hiddenSize, outputSize, 0, 9)
	prober := must.M1(Build(tree).AddIdentity("linear1").ReturnBoth(false).Done())
	_ = must.M1(prober.Call(inputBatch()))
	require.NotNil(t, prober.ReadProbeOutputs())

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(prober))

	other := must.M1(Build(testmodel.New(inputSize, hiddenSize, outputSize, 0, 9)).AddIdentity("linear1").Done())
	_ = must.M1(other.Call(inputBatch()))
	require.NoError(t, gob.NewDecoder(&buf).Decode(other))
	require.False(t, other.ReturnBoth())
	require.Nil(t, other.ReadProbeOutputs())
}
