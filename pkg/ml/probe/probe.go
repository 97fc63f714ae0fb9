// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package probe feeds intermediate values of a module.Tree into probes: small models (e.g. linear classifiers)
// trained or evaluated on the representations computed at a given path.
//
// A Prober is an intercept.Interceptor that, after running the main tree, calls each path's probe with the
// value recorded at that path. Recordings are cleared after the probes run, and the probe outputs are kept
// until the next call:
//
//	prober, err := probe.Build(tree).
//		Add("hidden_layers/1", classifierTree).
//		AddIdentity("linear1").
//		Done()
//	main, probeOutputs, err := prober.CallWithProbes(x)
package probe

import (
	"bytes"
	"encoding/gob"
	"maps"
	"slices"

	"github.com/gomlx/probing/pkg/ml/intercept"
	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/gomlx/probing/pkg/ml/nn"
	"github.com/gomlx/probing/pkg/nest"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Members owned by a Prober, besides the ones owned by its intercept.Interceptor.
const (
	MemberProbes       = "probes"
	MemberReturnBoth   = "return_both"
	MemberProbeOutputs = "probe_outputs"
)

// ProbesScope is the prefix of the paths of the probes' parameters returned by Prober.ProbeParameters.
const ProbesScope = "probes"

// Prober runs probes on the values recorded at instrumented paths of a tree.
type Prober struct {
	*intercept.Interceptor

	probes       map[string]*module.Tree
	returnBoth   bool
	probeOutputs *intercept.Outputs
}

var _ module.Module = (*Prober)(nil)

// Config for a new Prober, created with Build.
type Config struct {
	tree       *module.Tree
	paths      []string
	probes     map[string]*module.Tree
	returnBoth bool
	detach     bool
}

// Build a Prober configuration for the tree.
// Add probes with Config.Add or Config.AddIdentity, and call Config.Done to create the Prober.
//
// By default, Prober.Call returns both the main output and the probe outputs, and recordings are detached.
func Build(tree *module.Tree) *Config {
	return &Config{
		tree:       tree,
		probes:     make(map[string]*module.Tree),
		returnBoth: true,
		detach:     true,
	}
}

// Add a probe for the path. A nil probe is replaced by an identity probe, which exposes the recorded value as is.
// Adding a probe to the same path twice replaces the previous one.
func (c *Config) Add(path string, probe *module.Tree) *Config {
	if _, found := c.probes[path]; !found {
		c.paths = append(c.paths, path)
	}
	c.probes[path] = probe
	return c
}

// AddIdentity adds an identity probe for the path: the probe output is the recorded value itself.
func (c *Config) AddIdentity(path string) *Config {
	return c.Add(path, nil)
}

// ReturnBoth sets whether Prober.Call returns the probe outputs along with the main output. Default is true.
func (c *Config) ReturnBoth(returnBoth bool) *Config {
	c.returnBoth = returnBoth
	return c
}

// Detach sets whether the recordings fed to the probes are detached from gradient computation. Default is true.
func (c *Config) Detach(detach bool) *Config {
	c.detach = detach
	return c
}

// Done creates the Prober, instrumenting the tree at the paths of the probes.
//
// As with intercept.Config.Done, if any path fails to resolve the tree is left untouched.
func (c *Config) Done() (*Prober, error) {
	interceptor, err := intercept.Build(c.tree, c.paths...).Detach(c.detach).Done()
	if err != nil {
		return nil, errors.WithMessage(err, "probe: failed to create Prober")
	}
	p := &Prober{
		Interceptor: interceptor,
		probes:      make(map[string]*module.Tree, len(c.probes)),
		returnBoth:  c.returnBoth,
	}
	for path, probe := range c.probes {
		if probe == nil {
			probe = module.NewTree(nn.Identity{})
		}
		p.probes[path] = probe
	}
	p.Own(MemberProbes, func() any { return maps.Clone(p.probes) }, nil)
	p.Own(MemberReturnBoth, func() any { return p.returnBoth }, func(value any) error {
		returnBoth, ok := value.(bool)
		if !ok {
			return errors.Errorf("member %q must be a bool, got %T", MemberReturnBoth, value)
		}
		p.returnBoth = returnBoth
		return nil
	})
	p.Own(MemberProbeOutputs, func() any { return p.probeOutputs }, nil)
	return p, nil
}

// New creates a Prober for the given paths, in order. probes maps paths to probe trees: paths without
// a probe, or with a nil one, get an identity probe.
func New(tree *module.Tree, paths []string, probes map[string]*module.Tree, returnBoth bool) (*Prober, error) {
	c := Build(tree).ReturnBoth(returnBoth)
	for _, path := range paths {
		c.Add(path, probes[path])
	}
	for _, path := range slices.Sorted(maps.Keys(probes)) {
		if !slices.Contains(paths, path) {
			return nil, errors.Errorf("probe.New(): probe given for path %q, which is not in the list of paths %q", path, paths)
		}
	}
	return c.Done()
}

// Probe returns the probe tree for the path, or nil if the path is not probed.
func (p *Prober) Probe(path string) *module.Tree { return p.probes[path] }

// ReturnBoth returns whether Call returns the probe outputs along with the main output.
func (p *Prober) ReturnBoth() bool { return p.returnBoth }

// Forward implements module.Module, see Call.
func (p *Prober) Forward(_ *module.Scope, inputs ...module.Value) (module.Value, error) {
	return p.Call(inputs...)
}

// Call runs the main tree and the probes.
//
// If the Prober was configured with ReturnBoth (the default), it returns a sequence with two elements: the main
// output and a mapping of path to probe output. Otherwise, it returns only the main output.
func (p *Prober) Call(inputs ...module.Value) (module.Value, error) {
	main, probeOutputs, err := p.CallWithProbes(inputs...)
	if err != nil {
		return nil, err
	}
	if !p.returnBoth {
		return main, nil
	}
	return nest.Slice(main, probeOutputs.Nest()), nil
}

// CallWithProbes runs the main tree, then each probe with the value recorded at its path, in path order.
// Recordings are cleared once the probes ran, and the probe outputs are kept until the next call
// (see ReadProbeOutputs).
//
// After the Prober is reduced, only the main tree runs, and the returned probe outputs are empty.
func (p *Prober) CallWithProbes(inputs ...module.Value) (main module.Value, probeOutputs *intercept.Outputs, err error) {
	main, err = p.Interceptor.Call(inputs...)
	if err != nil {
		p.ClearAll()
		return nil, nil, err
	}
	probeOutputs = intercept.NewOutputs()
	if p.State() == intercept.Reduced {
		return main, probeOutputs, nil
	}
	defer p.ClearAll()
	for path, recorded := range p.ReadAll().All() {
		if recorded == nil {
			return nil, nil, errors.Errorf("probe: nothing was recorded at %q, was the module called?", path)
		}
		out, err := p.probes[path].Forward(recorded)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "probe at %q", path)
		}
		probeOutputs.Set(path, out)
	}
	p.probeOutputs = probeOutputs
	if klog.V(2).Enabled() {
		klog.Infof("probe: outputs %s", probeOutputs)
	}
	return main, probeOutputs, nil
}

// ReadProbeOutputs returns the probe outputs of the last call, or nil.
func (p *Prober) ReadProbeOutputs() *intercept.Outputs { return p.probeOutputs }

// ClearProbeOutputs drops the probe outputs of the last call.
func (p *Prober) ClearProbeOutputs() { p.probeOutputs = nil }

// ProbeParameters returns the parameters of all probes, with paths prefixed by ProbesScope and the probed path.
// E.g.: the "weight" of the probe at "linear1" is returned as "probes/linear1/weight".
func (p *Prober) ProbeParameters() []module.Parameter {
	var params []module.Parameter
	for _, path := range p.Paths() {
		prefix := ProbesScope
		if path != "" {
			prefix += module.PathSeparator + path
		}
		for _, param := range module.Parameters(p.probes[path]) {
			param.Path = prefix + module.PathSeparator + param.Path
			params = append(params, param)
		}
	}
	return params
}

// proberState is the serialized state of a Prober: the probe outputs are never part of it.
type proberState struct {
	Paths      []string
	ReturnBoth bool
	State      intercept.State
}

// GobEncode implements gob.GobEncoder. It encodes the prober configuration and state, but not the probe outputs
// nor the trees (use module.SaveParameters for those).
func (p *Prober) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	s := proberState{Paths: p.Paths(), ReturnBoth: p.returnBoth, State: p.State()}
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, errors.Wrap(err, "encoding probe.Prober")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder. It restores the configuration of a Prober created for the same paths,
// and drops its probe outputs.
func (p *Prober) GobDecode(data []byte) error {
	var s proberState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrap(err, "decoding probe.Prober")
	}
	if p.Interceptor == nil {
		return errors.New("probe.Prober must be created with Build or New before decoding")
	}
	if !slices.Equal(s.Paths, p.Paths()) {
		return errors.Errorf("probe.Prober: decoded paths %q don't match the prober's paths %q", s.Paths, p.Paths())
	}
	if s.State == intercept.Reduced && p.State() != intercept.Reduced {
		if _, err := p.Reduce(); err != nil {
			return err
		}
	}
	p.returnBoth = s.ReturnBoth
	p.probeOutputs = nil
	return nil
}
