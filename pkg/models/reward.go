// Package models holds the wire and persisted data shapes shared across the
// classifier, store, ingest, and API packages.
package models

// ClientLabel is one of the closed set of consensus-layer client
// implementations this service recognizes, plus the two reserved
// output-only labels Uncertain and Unknown.
type ClientLabel string

const (
	Lighthouse ClientLabel = "Lighthouse"
	Lodestar   ClientLabel = "Lodestar"
	Nimbus     ClientLabel = "Nimbus"
	Other      ClientLabel = "Other"
	Prysm      ClientLabel = "Prysm"
	Teku       ClientLabel = "Teku"

	Uncertain ClientLabel = "Uncertain"
	Unknown   ClientLabel = "Unknown"
)

// ClosedSet is the stable, ordered list of trainable client labels. Order is
// both the training label space and the column order of any probability
// vector; callers must never depend on map iteration order instead.
var ClosedSet = []ClientLabel{Lighthouse, Lodestar, Nimbus, Other, Prysm, Teku}

// IndexInClosedSet returns the position of label in ClosedSet, or -1 if it
// is not a member (e.g. Uncertain/Unknown, which are output-only).
func IndexInClosedSet(label ClientLabel) int {
	for i, c := range ClosedSet {
		if c == label {
			return i
		}
	}
	return -1
}

// AttestationDescriptor is one entry of attestation_rewards.attestations.
type AttestationDescriptor struct {
	Slot            uint64 `json:"slot"`
	CommitteeIndex  uint64 `json:"committee_index"`
	BeaconBlockRoot string `json:"beacon_block_root"`
}

// AttestationRewards carries the total reward and the per-attestation
// breakdown of a block reward record.
type AttestationRewards struct {
	Total                 int64                   `json:"total"`
	PerAttestationRewards []map[string]int64      `json:"per_attestation_rewards"`
	Attestations          []AttestationDescriptor `json:"attestations,omitempty"`
}

// BlockMeta carries the slot/proposer/graffiti identity of a block.
type BlockMeta struct {
	Slot          uint64 `json:"slot"`
	ParentSlot    uint64 `json:"parent_slot"`
	ProposerIndex uint64 `json:"proposer_index"`
	Graffiti      string `json:"graffiti"`
}

// RewardRecord is a block reward record as consumed from the upstream beacon
// node, whether via the SSE event stream or the historical backfill
// endpoint. This is the sole input to the feature extractor and the
// graffiti matcher.
type RewardRecord struct {
	BlockRoot          string             `json:"block_root"`
	Meta               BlockMeta          `json:"meta"`
	AttestationRewards AttestationRewards `json:"attestation_rewards"`
}

// Valid reports whether r carries the fields required to be classified and
// stored. Slot/parent_slot ordering is not checked here: slot 1 is the one
// block whose slot may legitimately not exceed its parent's.
func (r *RewardRecord) Valid() bool {
	if r == nil {
		return false
	}
	if r.BlockRoot == "" {
		return false
	}
	if r.AttestationRewards.PerAttestationRewards == nil {
		return false
	}
	return true
}

// ClassifyResult is the output of the single-range classifier.
type ClassifyResult struct {
	Label          ClientLabel
	MultiLabel     string
	ProbabilityMap map[ClientLabel]float64
	GraffitiGuess  *ClientLabel
}

// BlockRow is one persisted row of the block store. Uniqueness is on
// (Slot, ProposerIndex).
type BlockRow struct {
	Slot            uint64                  `json:"slot"`
	ParentSlot      uint64                  `json:"parent_slot"`
	ProposerIndex   uint64                  `json:"proposer_index"`
	BestGuessSingle ClientLabel             `json:"best_guess_single"`
	BestGuessMulti  string                  `json:"best_guess_multi"`
	Probabilities   map[ClientLabel]float64 `json:"probabilities"`
	GraffitiGuess   *ClientLabel            `json:"graffiti_guess"`
}

// SyncGap is an inclusive, closed slot range with no persisted block.
type SyncGap struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// ConfusionCounts are the four confusion-matrix cells for a single client
// against graffiti ground truth.
type ConfusionCounts struct {
	TruePositive  int `json:"true_pos"`
	TrueNegative  int `json:"true_neg"`
	FalsePositive int `json:"false_pos"`
	FalseNegative int `json:"false_neg"`
}
