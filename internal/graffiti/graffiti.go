// Package graffiti matches a block's free-text graffiti field against a
// configuration-driven table of per-client regular expressions. The table
// is loaded once at startup from YAML and never mutated afterward.
package graffiti

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/rawblock/clientprint/pkg/models"
)

// rawConfig is the on-disk YAML shape: client label -> ordered list of ERE
// patterns, anchored at the start of the graffiti string.
type rawConfig map[string][]string

// Matcher holds compiled per-client regex lists in a fixed evaluation
// order, so that matching is deterministic regardless of Go's randomized
// map iteration.
type Matcher struct {
	order    []models.ClientLabel
	patterns map[models.ClientLabel][]*regexp.Regexp
}

// LoadFile reads a YAML graffiti pattern table from path and compiles it.
// The evaluation order of clients follows the closed set order; any client
// named in the file but outside the closed set is ignored.
func LoadFile(path string) (*Matcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graffiti: read config %s: %w", path, err)
	}
	return Load(data)
}

// Load compiles a graffiti pattern table from raw YAML bytes.
func Load(data []byte) (*Matcher, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("graffiti: parse config: %w", err)
	}

	m := &Matcher{patterns: make(map[models.ClientLabel][]*regexp.Regexp)}
	for _, client := range models.ClosedSet {
		patterns, ok := raw[string(client)]
		if !ok {
			continue
		}
		compiled := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("graffiti: client %s pattern %q: %w", client, p, err)
			}
			compiled = append(compiled, re)
		}
		m.order = append(m.order, client)
		m.patterns[client] = compiled
	}
	return m, nil
}

// Match returns the client label whose pattern list contains a regex
// matching graffiti anchored at position 0, or nil if no client matches.
// The closed-set order is the tie-break when multiple clients could
// plausibly match: the first client (in closed-set order) with a matching
// pattern wins.
func (m *Matcher) Match(graffitiText string) *models.ClientLabel {
	for _, client := range m.order {
		for _, re := range m.patterns[client] {
			loc := re.FindStringIndex(graffitiText)
			if loc != nil && loc[0] == 0 {
				c := client
				return &c
			}
		}
	}
	return nil
}

// MatchRecord is a convenience wrapper over Match for a full reward record.
func (m *Matcher) MatchRecord(r *models.RewardRecord) *models.ClientLabel {
	return m.Match(r.Meta.Graffiti)
}
