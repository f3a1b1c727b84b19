// Package ensemble implements the multi-range classifier ensemble: an
// ordered, non-overlapping list of (start_slot, end_slot) ranges each
// backed by its own single-range classifier, dispatched by a record's
// slot.
package ensemble

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/rawblock/clientprint/internal/classifier"
	"github.com/rawblock/clientprint/internal/graffiti"
	"github.com/rawblock/clientprint/internal/modelfile"
	"github.com/rawblock/clientprint/internal/training"
	"github.com/rawblock/clientprint/pkg/models"
)

// Entry is one (start_slot, end_slot, model) triple. The highest-slot entry
// in an Ensemble is treated as open-ended: any slot at or above its Start
// is routed to it even if it exceeds End.
type Entry struct {
	Start uint64
	End   uint64
	Model *classifier.Model
}

// Ensemble holds entries sorted ascending by Start, verified non-overlapping
// at construction time. It is immutable after New returns; ranges are never
// added or swapped at runtime.
type Ensemble struct {
	entries []Entry
}

// NoClassifierForSlotError is returned when a record's slot precedes every
// known range.
type NoClassifierForSlotError struct {
	Slot uint64
}

func (e *NoClassifierForSlotError) Error() string {
	return fmt.Sprintf("ensemble: no classifier covers slot %d", e.Slot)
}

// New builds an Ensemble from entries, sorting them by Start and rejecting
// overlapping ranges.
func New(entries []Entry) (*Ensemble, error) {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start <= sorted[i-1].End {
			return nil, fmt.Errorf("ensemble: overlapping ranges [%d,%d] and [%d,%d]",
				sorted[i-1].Start, sorted[i-1].End, sorted[i].Start, sorted[i].End)
		}
	}

	return &Ensemble{entries: sorted}, nil
}

// Classify routes r to the single-range classifier whose range contains
// r.Meta.Slot and runs it. The final (highest-Start) entry is open-ended:
// it applies to any slot at or beyond its Start even past its End.
func (e *Ensemble) Classify(r *models.RewardRecord) (models.ClassifyResult, error) {
	m, err := e.modelFor(r.Meta.Slot)
	if err != nil {
		return models.ClassifyResult{}, err
	}
	return m.Classify(r), nil
}

// EnabledClients returns the union of every member model's enabled-client
// list, in closed-set order, deduplicated. Callers use this to
// pre-populate store-level aggregate queries without needing to know how
// many ranges the ensemble has.
func (e *Ensemble) EnabledClients() []models.ClientLabel {
	seen := make(map[models.ClientLabel]bool)
	for _, entry := range e.entries {
		for _, c := range entry.Model.EnabledClients {
			seen[c] = true
		}
	}
	var out []models.ClientLabel
	for _, c := range models.ClosedSet {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out
}

func (e *Ensemble) modelFor(slot uint64) (*classifier.Model, error) {
	if len(e.entries) == 0 {
		return nil, &NoClassifierForSlotError{Slot: slot}
	}
	if slot < e.entries[0].Start {
		return nil, &NoClassifierForSlotError{Slot: slot}
	}

	last := e.entries[len(e.entries)-1]
	if slot >= last.Start {
		// Open-ended: the highest range always claims slots at or beyond
		// its own Start, even past its nominal End.
		return last.Model, nil
	}
	for _, entry := range e.entries {
		if slot >= entry.Start && slot <= entry.End {
			return entry.Model, nil
		}
	}
	return nil, &NoClassifierForSlotError{Slot: slot}
}

// dirPattern matches the "slot_<start>_to_<end>" directory naming
// convention used both for raw training-data ranges and for pre-built
// per-range model directories.
var dirPattern = regexp.MustCompile(`^slot_(\d+)_to_(\d+)$`)

// LoadDir builds an Ensemble from a directory whose immediate
// subdirectories are named "slot_<start>_to_<end>", each containing a
// model file named modelFileName (as written by internal/modelfile).
func LoadDir(dir, modelFileName string) (*Ensemble, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ensemble: read dir %s: %w", dir, err)
	}

	var built []Entry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		matches := dirPattern.FindStringSubmatch(e.Name())
		if matches == nil {
			continue
		}
		start, err := strconv.ParseUint(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ensemble: bad start slot in %q: %w", e.Name(), err)
		}
		end, err := strconv.ParseUint(matches[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ensemble: bad end slot in %q: %w", e.Name(), err)
		}

		modelPath := filepath.Join(dir, e.Name(), modelFileName)
		m, err := modelfile.LoadFile(modelPath)
		if err != nil {
			return nil, fmt.Errorf("ensemble: load model for range %s: %w", e.Name(), err)
		}

		built = append(built, Entry{Start: start, End: end, Model: m})
	}

	if len(built) == 0 {
		return nil, fmt.Errorf("ensemble: no slot_<start>_to_<end> subdirectories found under %s", dir)
	}

	return New(built)
}

// manifestEntry is one mapping from a model directory to the slot range it
// covers, as written in an ensemble manifest file.
type manifestEntry struct {
	Dir   string `yaml:"dir"`
	Start uint64 `yaml:"start_slot"`
	End   uint64 `yaml:"end_slot"`
}

// manifest is the top-level shape of an ensemble manifest: an ordered list
// of ranges, each naming the model directory (relative to the manifest's
// own directory) that backs it. This is an alternative to LoadDir's
// "slot_<start>_to_<end>" directory-name convention, for operators who
// want to pin ranges explicitly rather than relying on naming discipline.
type manifest struct {
	Ranges []manifestEntry `yaml:"ranges"`
}

// LoadManifest builds an Ensemble from a YAML manifest file rather than by
// parsing directory names (contrast LoadDir). Each entry's dir is resolved
// relative to the manifest file's own directory and must contain a model
// file named modelFileName.
func LoadManifest(manifestPath, modelFileName string) (*Ensemble, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("ensemble: read manifest %s: %w", manifestPath, err)
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("ensemble: parse manifest %s: %w", manifestPath, err)
	}
	if len(m.Ranges) == 0 {
		return nil, fmt.Errorf("ensemble: manifest %s declares no ranges", manifestPath)
	}

	base := filepath.Dir(manifestPath)
	built := make([]Entry, 0, len(m.Ranges))
	for _, re := range m.Ranges {
		if re.Dir == "" {
			return nil, fmt.Errorf("ensemble: manifest %s: range [%d,%d] has no dir", manifestPath, re.Start, re.End)
		}
		modelPath := filepath.Join(base, re.Dir, modelFileName)
		model, err := modelfile.LoadFile(modelPath)
		if err != nil {
			return nil, fmt.Errorf("ensemble: manifest %s: load model for range [%d,%d]: %w", manifestPath, re.Start, re.End, err)
		}
		built = append(built, Entry{Start: re.Start, End: re.End, Model: model})
	}

	return New(built)
}

// TrainedRange couples one slot range with the training result and built
// model backing it, so callers that train (rather than load) an ensemble can
// also cross-validate or serialize each range's matrix.
type TrainedRange struct {
	Start  uint64
	End    uint64
	Dir    string
	Result *training.Result
	Model  *classifier.Model
}

// TrainDir builds one single-range classifier per "slot_<start>_to_<end>"
// subdirectory of dataDir, loading each range's labeled reward records
// through internal/training. When dataDir has
// no such subdirectories it is treated as one open-ended range starting at
// slot 0, for operators with an unsplit training set.
func TrainDir(dataDir string, cfg training.Config, matcher *graffiti.Matcher) ([]TrainedRange, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("ensemble: read data dir %s: %w", dataDir, err)
	}

	var ranges []TrainedRange
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		matches := dirPattern.FindStringSubmatch(e.Name())
		if matches == nil {
			continue
		}
		start, err := strconv.ParseUint(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ensemble: bad start slot in %q: %w", e.Name(), err)
		}
		end, err := strconv.ParseUint(matches[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ensemble: bad end slot in %q: %w", e.Name(), err)
		}
		ranges = append(ranges, TrainedRange{Start: start, End: end, Dir: filepath.Join(dataDir, e.Name())})
	}
	if len(ranges) == 0 {
		ranges = append(ranges, TrainedRange{Start: 0, End: ^uint64(0), Dir: dataDir})
	}

	for i := range ranges {
		res, err := training.Load(ranges[i].Dir, cfg)
		if err != nil {
			return nil, fmt.Errorf("ensemble: train range [%d,%d]: %w", ranges[i].Start, ranges[i].End, err)
		}
		ranges[i].Result = res
		ranges[i].Model = &classifier.Model{
			FeatureNames:   cfg.FeatureNames,
			Matrix:         res.Matrix,
			EnabledClients: res.EnabledClients,
			GraffitiOnly:   res.GraffitiOnly,
			Graffiti:       matcher,
		}
	}
	return ranges, nil
}

// FromTrained assembles an Ensemble from TrainDir's output.
func FromTrained(ranges []TrainedRange) (*Ensemble, error) {
	entries := make([]Entry, 0, len(ranges))
	for _, r := range ranges {
		entries = append(entries, Entry{Start: r.Start, End: r.End, Model: r.Model})
	}
	return New(entries)
}

// Single wraps a lone classifier.Model as a one-entry, open-ended ensemble
// spanning every slot from 0 upward. Used when an operator has not split
// training data into multiple epoch ranges.
func Single(m *classifier.Model) (*Ensemble, error) {
	return New([]Entry{{Start: 0, End: ^uint64(0), Model: m}})
}
