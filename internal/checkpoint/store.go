// Package checkpoint persists model parameters, optimiser state and the run
// configuration record under <log_dir>/<model_name>/models.
package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"depthforge/internal/optim"
	"depthforge/internal/tensor"
)

// ErrNoOptimizerState is returned by LoadOptimizer when the folder has no
// optimiser file. Callers continue with fresh state.
var ErrNoOptimizerState = errors.New("checkpoint: no optimizer state")

const (
	optionsFile   = "opt.json"
	optimizerName = "adam"
	ext           = ".ckpt"
)

// Entry is one stored tensor.
type Entry struct {
	Name  string
	Shape []int
	Data  []float64
}

// File is the decoded content of one component file.
type File struct {
	Meta    map[string]string
	Entries []Entry
}

type optimizerFile struct {
	State          optim.State
	SchedulerCount int
}

// RunRecord is the human-readable configuration written once per run.
type RunRecord struct {
	RunID   string `json:"run_id"`
	Options any    `json:"options"`
}

// Store reads and writes checkpoints below Root.
type Store struct {
	Root string
}

// NewStore returns a store for <logDir>/<modelName>/models.
func NewStore(logDir, modelName string) *Store {
	return &Store{Root: filepath.Join(logDir, modelName, "models")}
}

// WeightsDir returns the folder holding weights saved after epoch.
func (s *Store) WeightsDir(epoch int) string {
	return filepath.Join(s.Root, fmt.Sprintf("weights_%d", epoch))
}

// SaveOptions writes opt.json with a fresh run id and returns the id.
func (s *Store) SaveOptions(options any) (string, error) {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create %s: %w", s.Root, err)
	}
	rec := RunRecord{RunID: uuid.NewString(), Options: options}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("checkpoint: encode options: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.Root, optionsFile), data, 0o644); err != nil {
		return "", fmt.Errorf("checkpoint: write options: %w", err)
	}
	return rec.RunID, nil
}

// SaveWeights writes params for component into the epoch folder.
func (s *Store) SaveWeights(epoch int, component string, params []*tensor.Tensor, meta map[string]string) error {
	f := File{Meta: meta}
	for _, p := range params {
		f.Entries = append(f.Entries, Entry{Name: p.Name, Shape: p.Shape(), Data: append([]float64(nil), p.Data...)})
	}
	return writeFile(filepath.Join(s.WeightsDir(epoch), component+ext), f)
}

// LoadWeights applies the stored tensors of component in dir to params.
// Only names present on both sides with identical shapes are copied; the
// rest is ignored. A missing file is an error.
func LoadWeights(dir, component string, params []*tensor.Tensor) (applied int, meta map[string]string, err error) {
	var f File
	if err := readFile(filepath.Join(dir, component+ext), &f); err != nil {
		return 0, nil, err
	}
	byName := make(map[string]*tensor.Tensor, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	for _, e := range f.Entries {
		p, ok := byName[e.Name]
		if !ok || !sameShape(p.Shape(), e.Shape) || len(e.Data) != p.Len() {
			continue
		}
		copy(p.Data, e.Data)
		applied++
	}
	return applied, f.Meta, nil
}

// SaveOptimizer writes the optimiser and scheduler state into the epoch folder.
func (s *Store) SaveOptimizer(epoch int, state optim.State, schedulerCount int) error {
	return writeFile(filepath.Join(s.WeightsDir(epoch), optimizerName+ext), optimizerFile{State: state, SchedulerCount: schedulerCount})
}

// LoadOptimizer reads the optimiser state from dir.
func LoadOptimizer(dir string) (optim.State, int, error) {
	var f optimizerFile
	err := readFile(filepath.Join(dir, optimizerName+ext), &f)
	if errors.Is(err, os.ErrNotExist) {
		return optim.State{}, 0, ErrNoOptimizerState
	}
	if err != nil {
		return optim.State{}, 0, err
	}
	return f.State, f.SchedulerCount, nil
}

func writeFile(path string, v any) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()
	enc, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("checkpoint: zstd writer: %w", err)
	}
	if err := gob.NewEncoder(enc).Encode(v); err != nil {
		enc.Close()
		return fmt.Errorf("checkpoint: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("checkpoint: flush %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("checkpoint: close %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func readFile(path string, v any) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer in.Close()
	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("checkpoint: zstd reader: %w", err)
	}
	defer dec.Close()
	if err := gob.NewDecoder(dec).Decode(v); err != nil {
		return fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return nil
}

// Options reads the run record written by SaveOptions.
func (s *Store) Options() (RunRecord, error) {
	var rec RunRecord
	data, err := os.ReadFile(filepath.Join(s.Root, optionsFile))
	if err != nil {
		return rec, fmt.Errorf("checkpoint: read options: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("checkpoint: parse options: %w", err)
	}
	return rec, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
