// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collect runs a module.Tree over a source of batches and saves the values recorded at the given paths
// to a dataset directory, which can later be read with Open.
//
// A dataset directory holds one file per batch (named "<batch_index>.batch", gzip'ed gob) and a manifest file
// "info.json". Example:
//
//	datasetPath, err := collect.Build(tree, "linear1", "hidden_layers/1").
//		Dir("~/work/probing").
//		SaveTarget(true).
//		Run(source)
//	...
//	ds, err := collect.Open(datasetPath, collect.FieldTarget)
//	sample, err := ds.Sample(17)
package collect

import (
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/probing/pkg/ml/intercept"
	"github.com/gomlx/probing/pkg/ml/module"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// NameTimeFormat is the time.Format layout used for the dataset name, if none is given.
	NameTimeFormat = "2006-01-02-15-04-05.000000"
)

const (
	// ManifestFileName is the name of the manifest file in the dataset directory.
	ManifestFileName = "info.json"

	// BatchFileExt is the extension of the batch files in the dataset directory.
	BatchFileExt = ".batch"
)

// BatchFileName returns the name of the file that holds the batch with the given index.
func BatchFileName(batchIndex int) string {
	return fmt.Sprintf("%d%s", batchIndex, BatchFileExt)
}

// Config of a collection run, created with Build. Call Config.Run to collect the dataset.
type Config struct {
	tree  *module.Tree
	paths []string
	err   error

	dir, name, device                     string
	saveInput, saveTarget, savePrediction bool
	progressBar                           bool
}

// Build a configuration to collect the values recorded at paths of the tree.
// By default, the dataset is saved under the current directory, named after the current time, and only the
// recordings are saved.
func Build(tree *module.Tree, paths ...string) *Config {
	return &Config{
		tree:  tree,
		paths: paths,
		dir:   ".",
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir where the dataset directory is created. A leading "~/" is replaced by the user's home directory.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	return c
}

// Name of the dataset, which is also the name of its directory. It can't contain path separators.
func (c *Config) Name(name string) *Config {
	if strings.ContainsAny(name, `/\`) {
		c.setError(errors.Errorf("collect: dataset name %q can't contain path separators", name))
		return c
	}
	c.name = name
	return c
}

// Device where the tree is executed: inputs are moved to it before each call.
// The default is to leave the inputs where the source created them.
func (c *Config) Device(device string) *Config {
	c.device = device
	return c
}

// SaveInput configures whether the inputs of each batch are saved along with the recordings.
func (c *Config) SaveInput(save bool) *Config {
	c.saveInput = save
	return c
}

// SaveTarget configures whether the labels of each batch are saved along with the recordings.
func (c *Config) SaveTarget(save bool) *Config {
	c.saveTarget = save
	return c
}

// SavePrediction configures whether the output of the tree for each batch is saved along with the recordings.
func (c *Config) SavePrediction(save bool) *Config {
	c.savePrediction = save
	return c
}

// ProgressBar configures whether a progress bar is displayed while collecting.
func (c *Config) ProgressBar(show bool) *Config {
	c.progressBar = show
	return c
}

// yamlConfig is the YAML representation of a Config. Absent fields leave the configuration unchanged.
type yamlConfig struct {
	Dir            *string  `yaml:"dir"`
	Name           *string  `yaml:"name"`
	Device         *string  `yaml:"device"`
	SaveInput      *bool    `yaml:"save_input"`
	SaveTarget     *bool    `yaml:"save_target"`
	SavePrediction *bool    `yaml:"save_prediction"`
	ProgressBar    *bool    `yaml:"progress_bar"`
	Paths          []string `yaml:"paths"`
}

// FromYAML sets the configuration from a YAML document, with the keys dir, name, device, save_input, save_target,
// save_prediction, progress_bar and paths. Paths listed in the document are appended to the paths given to Build.
//
// Errors are reported by Run.
func (c *Config) FromYAML(data []byte) *Config {
	var yc yamlConfig
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&yc); err != nil && err != io.EOF {
		c.setError(errors.Wrap(err, "collect: failed to parse YAML configuration"))
		return c
	}
	if yc.Dir != nil {
		c.Dir(*yc.Dir)
	}
	if yc.Name != nil {
		c.Name(*yc.Name)
	}
	if yc.Device != nil {
		c.Device(*yc.Device)
	}
	if yc.SaveInput != nil {
		c.SaveInput(*yc.SaveInput)
	}
	if yc.SaveTarget != nil {
		c.SaveTarget(*yc.SaveTarget)
	}
	if yc.SavePrediction != nil {
		c.SavePrediction(*yc.SavePrediction)
	}
	if yc.ProgressBar != nil {
		c.ProgressBar(*yc.ProgressBar)
	}
	c.paths = append(c.paths, yc.Paths...)
	return c
}

// Collect is a shortcut for Build(tree, paths...).Dir(dir).Run(source).
func Collect(tree *module.Tree, paths []string, source BatchSource, dir string) (string, error) {
	return Build(tree, paths...).Dir(dir).Run(source)
}

// Run the tree over all batches of the source, and save the values recorded at the configured paths.
// It returns the path to the dataset directory.
//
// The tree is run in evaluation mode (its training flag is restored at the end), and instrumented with
// detached recordings. The instrumentation is removed when Run returns, also on errors.
//
// All batches except the last must have the same number of samples, and the last one can't be so small as to
// change the number of samples per batch computed from the totals (see Dataset.Sample).
func (c *Config) Run(source BatchSource) (datasetPath string, err error) {
	if c.err != nil {
		return "", c.err
	}
	if c.tree == nil {
		return "", errors.New("collect.Run(): tree cannot be nil")
	}
	if source == nil {
		return "", errors.New("collect.Run(): source cannot be nil")
	}
	dir, err := expandHome(c.dir)
	if err != nil {
		return "", err
	}
	name := c.name
	if name == "" {
		name = time.Now().Format(NameTimeFormat)
	}
	datasetPath = filepath.Join(dir, name)
	_, statErr := os.Stat(datasetPath)
	createdDir := os.IsNotExist(statErr)
	if err = os.MkdirAll(datasetPath, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "collect: failed to create dataset directory %q", datasetPath)
	}
	var batchFiles []string
	defer func(path string) {
		if err != nil {
			removeIncomplete(path, createdDir, batchFiles)
		}
	}(datasetPath)

	training := c.tree.Training()
	c.tree.SetTraining(false)
	defer c.tree.SetTraining(training)

	interceptor, err := intercept.Build(c.tree, c.paths...).Detach(true).Done()
	if err != nil {
		return "", errors.WithMessage(err, "collect")
	}
	defer func() {
		if _, reduceErr := interceptor.Reduce(); reduceErr != nil && err == nil {
			err = reduceErr
		}
	}()

	var bar *progressbar.ProgressBar
	if c.progressBar {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription(fmt.Sprintf("Collecting %q: ", name)),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		defer func() { _ = bar.Finish() }()
	}

	var batchSizes []int
	var totalBytes uint64
	source.Reset()
	for batchIndex := 0; ; batchIndex++ {
		var inputs, labels module.Value
		inputs, labels, err = source.Yield()
		if err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			return "", errors.WithMessagef(err, "collect: reading batch #%d from %q", batchIndex, source.Name())
		}
		var batchSize int
		batchSize, err = module.BatchSize(inputs)
		if err != nil {
			return "", errors.WithMessagef(err, "collect: batch #%d from %q", batchIndex, source.Name())
		}
		var batch *Record
		batch, err = c.runBatch(interceptor, batchIndex, inputs, labels)
		if err != nil {
			return "", err
		}
		var n uint64
		batchPath := filepath.Join(datasetPath, BatchFileName(batchIndex))
		batchFiles = append(batchFiles, batchPath)
		n, err = writeBatch(batchPath, batch)
		if err != nil {
			return "", err
		}
		batchSizes = append(batchSizes, batchSize)
		totalBytes += n
		klog.V(1).Infof("collect: saved batch #%d with %d samples (%s)", batchIndex, batchSize, humanize.Bytes(n))
		if bar != nil {
			_ = bar.Add(1)
		}
	}

	manifest := &Manifest{
		DatasetName:   name,
		DatasetID:     uuid.NewString(),
		NumBatches:    len(batchSizes),
		HasInput:      c.saveInput,
		HasTarget:     c.saveTarget,
		HasPrediction: c.savePrediction,
		ModuleName:    module.TypeName(interceptor.Wrapped()),
		Paths:         interceptor.Paths(),
	}
	for _, size := range batchSizes {
		manifest.NumSamples += size
	}
	if err = checkBatchSizes(batchSizes, manifest.SamplesPerBatch()); err != nil {
		return "", err
	}
	if err = manifest.Save(datasetPath); err != nil {
		return "", err
	}
	klog.V(1).Infof("collect: dataset %q saved to %q: %d batches, %s samples, %s",
		name, datasetPath, manifest.NumBatches, humanize.Comma(int64(manifest.NumSamples)), humanize.Bytes(totalBytes))
	return datasetPath, nil
}

// runBatch calls the instrumented tree on the batch, and returns what is to be saved, moved to the host.
func (c *Config) runBatch(interceptor *intercept.Interceptor, batchIndex int, inputs, labels module.Value) (*Record, error) {
	defer interceptor.ClearAll()
	deviceInputs := inputs
	if c.device != "" {
		var err error
		deviceInputs, err = module.ValueToDevice(inputs, c.device)
		if err != nil {
			return nil, errors.WithMessagef(err, "collect: batch #%d", batchIndex)
		}
	}
	prediction, err := interceptor.Call(deviceInputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "collect: batch #%d", batchIndex)
	}

	batch := &Record{Index: batchIndex, Outputs: intercept.NewOutputs()}
	for path, recorded := range interceptor.ReadAll().All() {
		if recorded == nil {
			return nil, errors.Errorf("collect: batch #%d: nothing recorded at %q, is the module at this path called?",
				batchIndex, path)
		}
		hostValue, err := module.ValueToHost(recorded)
		if err != nil {
			return nil, errors.WithMessagef(err, "collect: batch #%d, path %q", batchIndex, path)
		}
		batch.Outputs.Set(path, hostValue)
	}
	if c.saveInput {
		if batch.Input, err = module.ValueToHost(inputs); err != nil {
			return nil, errors.WithMessagef(err, "collect: batch #%d input", batchIndex)
		}
	}
	if c.saveTarget {
		if labels == nil {
			return nil, errors.Errorf("collect: batch #%d has no labels, but SaveTarget is set", batchIndex)
		}
		if batch.Target, err = module.ValueToHost(labels); err != nil {
			return nil, errors.WithMessagef(err, "collect: batch #%d target", batchIndex)
		}
	}
	if c.savePrediction {
		if prediction, err = module.DetachValue(prediction); err == nil {
			prediction, err = module.ValueToHost(prediction)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "collect: batch #%d prediction", batchIndex)
		}
		batch.Prediction = prediction
	}
	return batch, nil
}

// removeIncomplete removes what a failed Run wrote: the whole dataset directory if Run created it,
// otherwise only the batch files.
func removeIncomplete(datasetPath string, createdDir bool, batchFiles []string) {
	if createdDir {
		if err := os.RemoveAll(datasetPath); err != nil {
			klog.Warningf("collect: failed to remove incomplete dataset %q: %+v", datasetPath, err)
		}
		return
	}
	for _, batchPath := range batchFiles {
		if err := os.Remove(batchPath); err != nil && !os.IsNotExist(err) {
			klog.Warningf("collect: failed to remove incomplete batch file %q: %+v", batchPath, err)
		}
	}
}

// checkBatchSizes verifies that every batch holds samplesPerBatch samples, except the last, which may hold fewer.
func checkBatchSizes(batchSizes []int, samplesPerBatch int) error {
	for ii, size := range batchSizes {
		last := ii == len(batchSizes)-1
		if size == samplesPerBatch || (last && size < samplesPerBatch) {
			continue
		}
		return errors.Errorf("collect: batch #%d has %d samples, but the dataset layout requires %d samples per batch "+
			"(all batches but the last must have the same size, and the last can't be much smaller)",
			ii, size, samplesPerBatch)
	}
	return nil
}

// batchHeader is the first gob record of a batch file. It's followed by one value per path, and then by
// the optional input, target and prediction values, in this order, when present.
type batchHeader struct {
	Index                              int
	Paths                              []string
	HasInput, HasTarget, HasPrediction bool
}

// writeBatch saves the batch to filePath, and returns the number of bytes written.
func writeBatch(filePath string, batch *Record) (n uint64, err error) {
	f, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "collect: failed to create batch file %q", filePath)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "collect: failed to close batch file %q", filePath)
		}
	}()

	zw := gzip.NewWriter(f)
	enc := gob.NewEncoder(zw)
	header := batchHeader{
		Index:         batch.Index,
		Paths:         batch.Outputs.Paths(),
		HasInput:      batch.Input != nil,
		HasTarget:     batch.Target != nil,
		HasPrediction: batch.Prediction != nil,
	}
	if err = enc.Encode(header); err != nil {
		return 0, errors.Wrapf(err, "collect: failed to write header of batch file %q", filePath)
	}
	for path, value := range batch.Outputs.All() {
		if err = module.GobSerializeValue(enc, value); err != nil {
			return 0, errors.WithMessagef(err, "collect: writing path %q to batch file %q", path, filePath)
		}
	}
	for _, value := range []module.Value{batch.Input, batch.Target, batch.Prediction} {
		if value == nil {
			continue
		}
		if err = module.GobSerializeValue(enc, value); err != nil {
			return 0, errors.WithMessagef(err, "collect: writing batch file %q", filePath)
		}
	}
	if err = zw.Close(); err != nil {
		return 0, errors.Wrapf(err, "collect: failed to flush batch file %q", filePath)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "collect: failed to stat batch file %q", filePath)
	}
	return uint64(info.Size()), nil
}

// readBatch loads a batch file written by writeBatch.
func readBatch(filePath string) (*Record, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "collect: failed to open batch file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "collect: failed to read batch file %q", filePath)
	}
	dec := gob.NewDecoder(zr)
	var header batchHeader
	if err = dec.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "collect: failed to read header of batch file %q", filePath)
	}
	batch := &Record{Index: header.Index, Outputs: intercept.NewOutputs()}
	for _, path := range header.Paths {
		value, err := module.GobDeserializeValue(dec)
		if err != nil {
			return nil, errors.WithMessagef(err, "collect: reading path %q from batch file %q", path, filePath)
		}
		batch.Outputs.Set(path, value)
	}
	for _, field := range []struct {
		present bool
		value   *module.Value
	}{
		{header.HasInput, &batch.Input},
		{header.HasTarget, &batch.Target},
		{header.HasPrediction, &batch.Prediction},
	} {
		if !field.present {
			continue
		}
		if *field.value, err = module.GobDeserializeValue(dec); err != nil {
			return nil, errors.WithMessagef(err, "collect: reading batch file %q", filePath)
		}
	}
	return batch, nil
}

// expandHome replaces a leading "~" in dir by the user's home directory.
func expandHome(dir string) (string, error) {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "collect: failed to find home directory to expand %q", dir)
	}
	return filepath.Join(home, dir[1:]), nil
}

// Manifest of a collected dataset, saved as JSON in the ManifestFileName file of the dataset directory.
type Manifest struct {
	DatasetName   string   `json:"dataset_name"`
	DatasetID     string   `json:"dataset_id"`
	NumBatches    int      `json:"n_chunk"`
	NumSamples    int      `json:"n_sample"`
	HasInput      bool     `json:"has_input"`
	HasTarget     bool     `json:"has_target"`
	HasPrediction bool     `json:"has_prediction"`
	ModuleName    string   `json:"module_name"`
	Paths         []string `json:"paths"`
}

// SamplesPerBatch is the number of samples in every batch but the last: the ceiling of NumSamples/NumBatches.
func (m *Manifest) SamplesPerBatch() int {
	if m.NumBatches == 0 {
		return 0
	}
	return (m.NumSamples + m.NumBatches - 1) / m.NumBatches
}

// Save the manifest in the dataset directory.
func (m *Manifest) Save(datasetPath string) error {
	manifestPath := filepath.Join(datasetPath, ManifestFileName)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "collect: failed to encode manifest")
	}
	if err = os.WriteFile(manifestPath, data, 0660); err != nil {
		return errors.Wrapf(err, "collect: failed to write manifest %q", manifestPath)
	}
	return nil
}

// LoadManifest reads the manifest of the dataset directory.
func LoadManifest(datasetPath string) (*Manifest, error) {
	manifestPath := filepath.Join(datasetPath, ManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "collect: failed to read manifest %q", manifestPath)
	}
	m := &Manifest{}
	if err = json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(err, "collect: malformed manifest %q", manifestPath)
	}
	if m.NumBatches < 0 || m.NumSamples < 0 || (m.NumSamples > 0 && m.NumBatches == 0) {
		return nil, errors.Errorf("collect: manifest %q has invalid counts: n_chunk=%d, n_sample=%d",
			manifestPath, m.NumBatches, m.NumSamples)
	}
	return m, nil
}
