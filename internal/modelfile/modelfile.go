// Package modelfile implements the on-disk serialization format for a built
// single-range classifier: a small header (version, k, weighting, feature
// names, client labels, thresholds) followed by a dense N×F matrix of
// little-endian float64 and an N-entry uint16 label vector. The layout is
// explicit and self-describing rather than a generic object-graph
// encoding, so files stay portable and inspectable.
package modelfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/rawblock/clientprint/internal/classifier"
	"github.com/rawblock/clientprint/internal/graffiti"
	"github.com/rawblock/clientprint/internal/knn"
	"github.com/rawblock/clientprint/pkg/models"
)

// magic identifies a clientprint model file; version allows the layout to
// evolve without breaking readers of older files outright (an unrecognized
// version is a hard error, not a silent fallback).
const (
	magic          = "CPMODEL1"
	formatVersion  = 1
	weightDistance = "distance"
)

// Save writes m to w in the format described in the package doc comment.
// graffitiPath is recorded so a loader can re-open the same graffiti
// pattern table the model was built against.
func Save(w io.Writer, m *classifier.Model, graffitiPath string) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(magic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(formatVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(knn.K)); err != nil {
		return err
	}
	if err := writeString(bw, weightDistance); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, classifier.Confidence); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, classifier.MinGuess); err != nil {
		return err
	}
	if err := writeString(bw, graffitiPath); err != nil {
		return err
	}

	if err := binary.Write(bw, binary.LittleEndian, uint32(len(m.FeatureNames))); err != nil {
		return err
	}
	for _, name := range m.FeatureNames {
		if err := writeString(bw, name); err != nil {
			return err
		}
	}

	if err := binary.Write(bw, binary.LittleEndian, uint32(len(m.EnabledClients))); err != nil {
		return err
	}
	for _, c := range m.EnabledClients {
		if err := writeString(bw, string(c)); err != nil {
			return err
		}
	}

	graffitiOnly := sortedGraffitiOnly(m.GraffitiOnly)
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(graffitiOnly))); err != nil {
		return err
	}
	for _, c := range graffitiOnly {
		if err := writeString(bw, string(c)); err != nil {
			return err
		}
	}

	rows, labels := m.Matrix.Export()
	n := len(rows)
	f := len(m.FeatureNames)
	if err := binary.Write(bw, binary.LittleEndian, uint32(n)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(f)); err != nil {
		return err
	}
	for _, row := range rows {
		if len(row) != f {
			return fmt.Errorf("modelfile: row width %d does not match feature count %d", len(row), f)
		}
		if err := binary.Write(bw, binary.LittleEndian, row); err != nil {
			return err
		}
	}
	for _, label := range labels {
		idx := models.IndexInClosedSet(label)
		if idx < 0 {
			return fmt.Errorf("modelfile: label %q is not in the closed set", label)
		}
		if err := binary.Write(bw, binary.LittleEndian, uint16(idx)); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// SaveFile creates (or truncates) path and writes m to it.
func SaveFile(path string, m *classifier.Model, graffitiPath string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("modelfile: create %s: %w", path, err)
	}
	defer f.Close()
	return Save(f, m, graffitiPath)
}

// Load reads a model previously written by Save, recompiling its graffiti
// matcher from the recorded path.
func Load(r io.Reader) (*classifier.Model, error) {
	br := bufio.NewReader(r)

	buf := make([]byte, len(magic))
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("modelfile: read magic: %w", err)
	}
	if string(buf) != magic {
		return nil, fmt.Errorf("modelfile: bad magic %q", buf)
	}

	var version uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, fmt.Errorf("modelfile: unsupported version %d", version)
	}

	var k uint32
	if err := binary.Read(br, binary.LittleEndian, &k); err != nil {
		return nil, err
	}
	if _, err := readString(br); err != nil { // weighting scheme, fixed to "distance"
		return nil, err
	}
	var confidence, minGuess float64
	if err := binary.Read(br, binary.LittleEndian, &confidence); err != nil {
		return nil, err
	}
	if err := binary.Read(br, binary.LittleEndian, &minGuess); err != nil {
		return nil, err
	}
	graffitiPath, err := readString(br)
	if err != nil {
		return nil, err
	}

	featureCount, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	featureNames := make([]string, featureCount)
	for i := range featureNames {
		if featureNames[i], err = readString(br); err != nil {
			return nil, err
		}
	}

	enabledCount, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	enabled := make([]models.ClientLabel, enabledCount)
	for i := range enabled {
		s, err := readString(br)
		if err != nil {
			return nil, err
		}
		enabled[i] = models.ClientLabel(s)
	}

	graffitiOnlyCount, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	graffitiOnly := make(map[models.ClientLabel]bool, graffitiOnlyCount)
	for i := uint32(0); i < graffitiOnlyCount; i++ {
		s, err := readString(br)
		if err != nil {
			return nil, err
		}
		graffitiOnly[models.ClientLabel(s)] = true
	}

	n, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	f, err := readUint32(br)
	if err != nil {
		return nil, err
	}
	if int(f) != len(featureNames) {
		return nil, fmt.Errorf("modelfile: matrix width %d does not match %d feature names", f, len(featureNames))
	}

	rows := make([][]float64, n)
	for i := range rows {
		row := make([]float64, f)
		if err := binary.Read(br, binary.LittleEndian, row); err != nil {
			return nil, fmt.Errorf("modelfile: read row %d: %w", i, err)
		}
		rows[i] = row
	}

	labels := make([]models.ClientLabel, n)
	for i := range labels {
		var idx uint16
		if err := binary.Read(br, binary.LittleEndian, &idx); err != nil {
			return nil, fmt.Errorf("modelfile: read label %d: %w", i, err)
		}
		if int(idx) >= len(models.ClosedSet) {
			return nil, fmt.Errorf("modelfile: label index %d out of range", idx)
		}
		labels[i] = models.ClosedSet[idx]
	}

	matcher, err := graffiti.LoadFile(graffitiPath)
	if err != nil {
		return nil, fmt.Errorf("modelfile: reload graffiti config %s: %w", graffitiPath, err)
	}

	return &classifier.Model{
		FeatureNames:   featureNames,
		Matrix:         knn.NewMatrix(rows, labels),
		EnabledClients: enabled,
		GraffitiOnly:   graffitiOnly,
		Graffiti:       matcher,
	}, nil
}

// LoadFile opens path and loads a model from it.
func LoadFile(path string) (*classifier.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("modelfile: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// sortedGraffitiOnly returns the graffiti-only set in closed-set order so
// the serialized file is deterministic byte-for-byte across runs.
func sortedGraffitiOnly(set map[models.ClientLabel]bool) []models.ClientLabel {
	var out []models.ClientLabel
	for _, c := range models.ClosedSet {
		if set[c] {
			out = append(out, c)
		}
	}
	return out
}
