// Package checkpoints implements saving and loading of training artifacts:
// model weights, optimizer state and EMA weights, plus the small metadata
// files written next to them (states, model info, train results).
//
// A state dict is an ordered list of named raw buffers, which is all the
// callback layer needs to know about a model: the tensor math lives in the
// training framework underneath. Each artifact is stored as a pair of files,
// a JSON metadata file describing the entries and a raw ".bin" file with the
// concatenated buffer contents.
//
// The main object is the Handler, created by calling Build, followed by the
// configuration options and finally Config.Done:
//
//	handler, err := checkpoints.Build(saveDir).Keep(3).Done()
package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// DType identifies the element type of a state dict entry.
type DType string

// Element types supported in state dict entries.
const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
)

// Size returns the size in bytes of one element, or 0 for an unknown DType.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8:
		return 1
	}
	return 0
}

// Entry is one named buffer of a state dict.
type Entry struct {
	Name string
	Dims []int
	DType
	Data []byte
}

// NumElements returns the product of the entry dimensions. Scalars (no
// dimensions) have one element.
func (e Entry) NumElements() int {
	n := 1
	for _, dim := range e.Dims {
		n *= dim
	}
	return n
}

// StateDict is an ordered collection of named buffers: the weights of a
// model, the slots of an optimizer, or the EMA copy of the weights.
type StateDict []Entry

// Get returns the entry with the given name, or false if absent.
func (sd StateDict) Get(name string) (Entry, bool) {
	for _, entry := range sd {
		if entry.Name == name {
			return entry, true
		}
	}
	return Entry{}, false
}

// NumBytes is the total payload size of the state dict.
func (sd StateDict) NumBytes() int {
	var total int
	for _, entry := range sd {
		total += len(entry.Data)
	}
	return total
}

// FromFloat32s builds an Entry from a float32 slice, serialized
// little-endian. It panics if dims are given and don't multiply to
// len(values).
func FromFloat32s(name string, dims []int, values []float32) Entry {
	if dims != nil {
		n := 1
		for _, dim := range dims {
			n *= dim
		}
		if n != len(values) {
			exceptions.Panicf("FromFloat32s(%q): dims %v hold %d elements, got %d values",
				name, dims, n, len(values))
		}
	}
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return Entry{Name: name, Dims: dims, DType: Float32, Data: data}
}

// Float32s decodes the entry payload as little-endian float32 values.
func (e Entry) Float32s() ([]float32, error) {
	if e.DType != Float32 {
		return nil, errors.Errorf("entry %q has dtype %s, not %s", e.Name, e.DType, Float32)
	}
	if len(e.Data)%4 != 0 {
		return nil, errors.Errorf("entry %q payload has %d bytes, not a multiple of 4", e.Name, len(e.Data))
	}
	values := make([]float32, len(e.Data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(e.Data[4*i:]))
	}
	return values, nil
}

// Artifact suffixes. Each artifact is a "<base><suffix>.json" metadata file
// plus a "<base><suffix>.bin" data file.
const (
	ParamsSuffix    = ".params"
	OptimizerSuffix = ".opt"
	EMASuffix       = ".ema"
	StudentSuffix   = ".student"

	jsonNameSuffix = ".json"
	varDataSuffix  = ".bin"
)

// serializedStateDict is how artifact metadata is read and written.
type serializedStateDict struct {
	// Epoch and Iter the artifact was saved at, when known.
	Epoch int `json:",omitempty"`
	Iter  int `json:",omitempty"`

	// Entries maps each buffer to its position in the data file.
	Entries []serializedEntry
}

type serializedEntry struct {
	Name  string
	Dims  []int
	DType DType

	// Pos, Length in bytes in the data file.
	Pos, Length int
}

// SaveStateDict writes the state dict as a metadata/data file pair named
// "<dir>/<base>.json" and "<dir>/<base>.bin". Epoch and iter are recorded in
// the metadata (pass 0 when not meaningful).
func SaveStateDict(sd StateDict, dir, base string, epoch, iter int) error {
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create artifact directory %q", dir)
	}
	dataFileName := filepath.Join(dir, base+varDataSuffix)
	dataFile, err := os.Create(dataFileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create artifact data file %q", dataFileName)
	}
	serialized := serializedStateDict{
		Epoch:   epoch,
		Iter:    iter,
		Entries: make([]serializedEntry, 0, len(sd)),
	}
	pos := 0
	for _, entry := range sd {
		n, err := dataFile.Write(entry.Data)
		if err != nil {
			_ = dataFile.Close()
			return errors.Wrapf(err, "failed to write entry %q to %q", entry.Name, dataFileName)
		}
		if n != len(entry.Data) {
			_ = dataFile.Close()
			return errors.Errorf("failed to write entry %q to %q: %d bytes requested, %d written",
				entry.Name, dataFileName, len(entry.Data), n)
		}
		serialized.Entries = append(serialized.Entries, serializedEntry{
			Name:   entry.Name,
			Dims:   entry.Dims,
			DType:  entry.DType,
			Pos:    pos,
			Length: len(entry.Data),
		})
		pos += len(entry.Data)
	}
	if err = dataFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close artifact data file %q", dataFileName)
	}

	jsonFileName := filepath.Join(dir, base+jsonNameSuffix)
	jsonFile, err := os.Create(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create artifact metadata file %q", jsonFileName)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&serialized); err != nil {
		_ = jsonFile.Close()
		return errors.Wrapf(err, "failed to write artifact metadata file %q", jsonFileName)
	}
	return errors.Wrapf(jsonFile.Close(), "failed to close artifact metadata file %q", jsonFileName)
}

// LoadStateDict reads back an artifact written by SaveStateDict. It returns
// the state dict and the epoch/iter recorded in the metadata.
func LoadStateDict(dir, base string) (sd StateDict, epoch, iter int, err error) {
	jsonFileName := filepath.Join(dir, base+jsonNameSuffix)
	jsonFile, err := os.Open(jsonFileName)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "failed to open artifact metadata file %q", jsonFileName)
	}
	var serialized serializedStateDict
	dec := json.NewDecoder(jsonFile)
	if err = dec.Decode(&serialized); err != nil {
		_ = jsonFile.Close()
		return nil, 0, 0, errors.Wrapf(err, "failed to decode artifact metadata file %q", jsonFileName)
	}
	_ = jsonFile.Close()

	dataFileName := filepath.Join(dir, base+varDataSuffix)
	data, err := os.ReadFile(dataFileName)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "failed to read artifact data file %q", dataFileName)
	}
	sd = make(StateDict, 0, len(serialized.Entries))
	for _, entry := range serialized.Entries {
		if entry.Pos < 0 || entry.Pos+entry.Length > len(data) {
			return nil, 0, 0, errors.Errorf(
				"artifact %q entry %q points at bytes [%d, %d) but data file has only %d bytes",
				base, entry.Name, entry.Pos, entry.Pos+entry.Length, len(data))
		}
		sd = append(sd, Entry{
			Name:  entry.Name,
			Dims:  entry.Dims,
			DType: entry.DType,
			Data:  data[entry.Pos : entry.Pos+entry.Length],
		})
	}
	return sd, serialized.Epoch, serialized.Iter, nil
}

// Config for the checkpoints Handler to be created. Created with Build and
// configured with the various methods; call Done to get the Handler.
type Config struct {
	err error

	dir           string
	keep          int
	uniformOutput bool
}

// Build starts the configuration of a Handler rooted at the given save
// directory, creating it if needed.
func Build(dir string) *Config {
	c := &Config{keep: -1}
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.err = errors.Wrapf(err, "failed to os.Stat(%q)", dir)
		return c
	}
	if err == nil && !fi.IsDir() {
		c.err = errors.Errorf("save directory %q exists but is a normal file", dir)
		return c
	}
	if err != nil {
		if err = os.MkdirAll(dir, DirPermMode); err != nil {
			c.err = errors.Wrapf(err, "trying to create save directory %q", dir)
		}
	}
	return c
}

// Keep configures the number of numbered snapshot checkpoints to keep. Named
// checkpoints (best_model, model_final, last_epoch) are never pruned. If set
// to -1, the default, no snapshot is ever erased.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// UniformOutput configures each save to go into its own subdirectory of the
// save dir, with model_info and train_results metadata maintained alongside.
func (c *Config) UniformOutput() *Config {
	c.uniformOutput = true
	return c
}

// Done creates a Handler with the current configuration.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("save directory for checkpoints not configured or empty")
	}
	return &Handler{config: c}, nil
}

// MustDone constructs the Handler, panicking on error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "failed to create checkpoints.Handler"))
	}
	return h
}

// Handler saves and loads checkpoints under a save directory. See the package
// documentation for an example.
type Handler struct {
	config *Config
}

// Dir returns the save directory the Handler is configured to. It returns ""
// if the Handler is nil.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// UniformOutput reports whether per-save subdirectories are in use.
func (h *Handler) UniformOutput() bool { return h.config.uniformOutput }

// SaveDirFor returns the directory the files of the named save go into: the
// save dir itself, or a per-save subdirectory in uniform-output mode.
func (h *Handler) SaveDirFor(name string) string {
	if h.config.uniformOutput {
		return filepath.Join(h.config.dir, name)
	}
	return h.config.dir
}

// SaveModel writes the model weights and optimizer state under the given save
// name. An optional EMA state dict is written alongside them.
func (h *Handler) SaveModel(model, optimizer StateDict, name string, epoch int, ema StateDict) error {
	dir := h.SaveDirFor(name)
	if err := SaveStateDict(model, dir, name+ParamsSuffix, epoch, 0); err != nil {
		return errors.WithMessagef(err, "saving model weights for %q", name)
	}
	if optimizer != nil {
		if err := SaveStateDict(optimizer, dir, name+OptimizerSuffix, epoch, 0); err != nil {
			return errors.WithMessagef(err, "saving optimizer state for %q", name)
		}
	}
	if ema != nil {
		if err := SaveStateDict(ema, dir, name+EMASuffix, epoch, 0); err != nil {
			return errors.WithMessagef(err, "saving EMA weights for %q", name)
		}
	}
	return h.pruneSnapshots()
}

// SaveSemiModel writes the teacher weights as the main artifact and the
// student weights alongside, the layout used by semi-supervised training
// where the (EMA) teacher is the better model.
func (h *Handler) SaveSemiModel(teacher, student, optimizer StateDict, name string, epoch, iter int) error {
	dir := h.SaveDirFor(name)
	if err := SaveStateDict(teacher, dir, name+ParamsSuffix, epoch, iter); err != nil {
		return errors.WithMessagef(err, "saving teacher weights for %q", name)
	}
	if err := SaveStateDict(student, dir, name+StudentSuffix, epoch, iter); err != nil {
		return errors.WithMessagef(err, "saving student weights for %q", name)
	}
	if optimizer != nil {
		if err := SaveStateDict(optimizer, dir, name+OptimizerSuffix, epoch, iter); err != nil {
			return errors.WithMessagef(err, "saving optimizer state for %q", name)
		}
	}
	return h.pruneSnapshots()
}

// LoadModel reads back the model weights of the named save. The optimizer and
// EMA artifacts, when present, are returned too (nil otherwise).
func (h *Handler) LoadModel(name string) (model, optimizer, ema StateDict, epoch int, err error) {
	dir := h.SaveDirFor(name)
	model, epoch, _, err = LoadStateDict(dir, name+ParamsSuffix)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	if fileExists(filepath.Join(dir, name+OptimizerSuffix+jsonNameSuffix)) {
		optimizer, _, _, err = LoadStateDict(dir, name+OptimizerSuffix)
		if err != nil {
			return nil, nil, nil, 0, err
		}
	}
	if fileExists(filepath.Join(dir, name+EMASuffix+jsonNameSuffix)) {
		ema, _, _, err = LoadStateDict(dir, name+EMASuffix)
		if err != nil {
			return nil, nil, nil, 0, err
		}
	}
	return model, optimizer, ema, epoch, nil
}

// ListSnapshots returns the numbered snapshot names present in the save
// directory, in increasing epoch order. Named saves are not included.
func (h *Handler) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing snapshots in %q", h.config.dir)
	}
	var epochs []int
	for _, entry := range entries {
		name := entry.Name()
		if h.config.uniformOutput {
			if !entry.IsDir() {
				continue
			}
		} else {
			suffix := ParamsSuffix + jsonNameSuffix
			if entry.IsDir() || len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
				continue
			}
			name = name[:len(name)-len(suffix)]
		}
		epoch, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	sort.Ints(epochs)
	names := make([]string, len(epochs))
	for i, epoch := range epochs {
		names[i] = strconv.Itoa(epoch)
	}
	return names, nil
}

// pruneSnapshots removes the oldest numbered snapshots beyond the configured
// Keep count.
func (h *Handler) pruneSnapshots() error {
	if h.config.keep < 0 {
		return nil
	}
	names, err := h.ListSnapshots()
	if err != nil {
		return errors.WithMessage(err, "failed to list saved snapshots")
	}
	if len(names) <= h.config.keep {
		return nil
	}
	for _, name := range names[:len(names)-h.config.keep] {
		if h.config.uniformOutput {
			if err = os.RemoveAll(filepath.Join(h.config.dir, name)); err != nil {
				return errors.Wrapf(err, "failed to remove excess snapshot %q", name)
			}
			continue
		}
		for _, suffix := range []string{ParamsSuffix, OptimizerSuffix, EMASuffix, StudentSuffix} {
			for _, ext := range []string{jsonNameSuffix, varDataSuffix} {
				fileName := filepath.Join(h.config.dir, name+suffix+ext)
				if err = os.Remove(fileName); err != nil && !os.IsNotExist(err) {
					return errors.Wrapf(err, "failed to remove excess snapshot file %q", fileName)
				}
			}
		}
		statesFile := filepath.Join(h.config.dir, name+StatesSuffix)
		if err = os.Remove(statesFile); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove excess snapshot file %q", statesFile)
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
