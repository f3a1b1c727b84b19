// Package features is a registry of named pure functions, each mapping a
// reward record to a single 64-bit float. Feature names are stable strings;
// the set selected at model-build time is baked into the model file header.
package features

import (
	"fmt"
	"math"
	"sort"

	"github.com/rawblock/clientprint/pkg/models"
)

// Altair fork base reward constant used to normalize total reward.
const altairRewardBase = 30_000_000

// TargetCommitteeSize is the nominal attestation committee size used to
// compute per-attestation density features.
const TargetCommitteeSize = 128

// Func computes one named feature from a reward record.
type Func func(r *models.RewardRecord) float64

// DefaultFeatures is the feature set baked into models built without an
// explicit override.
var DefaultFeatures = []string{
	"percent_redundant_boost",
	"difflib_rewards",
	"difflib_slot",
	"difflib_slot_rev",
}

// Registry maps every known feature name, default or auxiliary, to its
// implementation. Auxiliary features are used only during cross-validation
// experiments, never baked into a production model by default.
var Registry = map[string]Func{
	"percent_redundant_boost": PercentRedundantBoost,
	"difflib_rewards":         DifflibRewards,
	"difflib_slot":            DifflibSlot,
	"difflib_slot_rev":        DifflibSlotRev,

	"total_reward":             TotalReward,
	"total_reward_norm":        TotalRewardNorm,
	"percent_redundant":        PercentRedundant,
	"percent_pairwise_ordered": PercentPairwiseOrdered,
	"reward_per_attestation":   scaleByNumAttestations(TotalReward),
	"norm_reward_per_slot":     scaleByNumSlots(TotalRewardNorm),
	"num_single_bit":           NumSingleBit,
	"percent_single_bit":       PercentSingleBit,
	"median_density":           MedianDensity,
	"spearman_rewards":         SpearmanRewards,
}

// Vector builds the feature vector for r in the given, fixed order.
func Vector(r *models.RewardRecord, names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		fn, ok := Registry[name]
		if !ok {
			panic(fmt.Sprintf("features: unknown feature %q", name))
		}
		out[i] = fn(r)
	}
	return out
}

// safeDiv returns x/y, or 0.0 when y is zero, never NaN or Inf.
func safeDiv(x, y float64) float64 {
	if y == 0 {
		return 0.0
	}
	return x / y
}

func rewardSums(r *models.RewardRecord) []int64 {
	sums := make([]int64, len(r.AttestationRewards.PerAttestationRewards))
	for i, m := range r.AttestationRewards.PerAttestationRewards {
		var s int64
		for _, v := range m {
			s += v
		}
		sums[i] = s
	}
	return sums
}

// numSlotsFromParent is slot - parent_slot; slot 1 is the sole exempt case
// where slot is not necessarily greater than parent_slot.
func numSlotsFromParent(r *models.RewardRecord) uint64 {
	if r.Meta.Slot <= r.Meta.ParentSlot {
		return 0
	}
	return r.Meta.Slot - r.Meta.ParentSlot
}

// PercentRedundantBoost is the default feature: the fraction of
// per-attestation reward maps that are empty (fully redundant), boosted by
// 0.2 and clamped to 1.0 — except that an exact-zero ratio is left at zero,
// so a client that truly never produces redundant attestations is
// distinguishable from one that produces very few.
func PercentRedundantBoost(r *models.RewardRecord) float64 {
	maps := r.AttestationRewards.PerAttestationRewards
	if len(maps) == 0 {
		return 0.0
	}
	redundant := 0
	for _, m := range maps {
		if len(m) == 0 {
			redundant++
		}
	}
	ratio := safeDiv(float64(redundant), float64(len(maps)))
	if ratio == 0 {
		return 0.0
	}
	return math.Min(1.0, ratio+0.2)
}

// PercentRedundant is the unboosted version of PercentRedundantBoost, kept
// as an auxiliary feature for cross-validation experiments.
func PercentRedundant(r *models.RewardRecord) float64 {
	maps := r.AttestationRewards.PerAttestationRewards
	if len(maps) == 0 {
		return 0.0
	}
	redundant := 0
	for _, m := range maps {
		if len(m) == 0 {
			redundant++
		}
	}
	return safeDiv(float64(redundant), float64(len(maps)))
}

// DifflibRewards is the Ratcliff/Obershelp similarity between the sequence
// of per-attestation reward sums and that same sequence sorted descending.
func DifflibRewards(r *models.RewardRecord) float64 {
	sums := rewardSums(r)
	a := tokensFromInt64(sums)
	sorted := append([]int64(nil), sums...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	b := tokensFromInt64(sorted)
	return ratcliffObershelp(a, b)
}

// attToken renders one attestation-descriptor-plus-reward tuple as a single
// comparable token for the sequence matcher.
func attToken(a models.AttestationDescriptor, rewardSum int64) string {
	return fmt.Sprintf("%d|%d|%s|%d", a.Slot, a.CommitteeIndex, a.BeaconBlockRoot, rewardSum)
}

func slotTuples(r *models.RewardRecord) []models.AttestationDescriptor {
	return r.AttestationRewards.Attestations
}

// DifflibSlot is the Ratcliff/Obershelp similarity between the sequence of
// (slot, committee_index, beacon_block_root, reward_sum) tuples and that
// same sequence sorted ascending by slot.
func DifflibSlot(r *models.RewardRecord) float64 {
	return difflibSlotOrdered(r, true)
}

// DifflibSlotRev is DifflibSlot but sorted descending by slot.
func DifflibSlotRev(r *models.RewardRecord) float64 {
	return difflibSlotOrdered(r, false)
}

func difflibSlotOrdered(r *models.RewardRecord, ascending bool) float64 {
	atts := slotTuples(r)
	sums := rewardSums(r)
	n := len(atts)
	if n == 0 || n != len(sums) {
		return 0.0
	}

	type pair struct {
		att   models.AttestationDescriptor
		sum   int64
		index int
	}
	pairs := make([]pair, n)
	for i := range atts {
		pairs[i] = pair{atts[i], sums[i], i}
	}

	a := make([]string, n)
	for i, p := range pairs {
		a[i] = attToken(p.att, p.sum)
	}

	sorted := append([]pair(nil), pairs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if ascending {
			return sorted[i].att.Slot < sorted[j].att.Slot
		}
		return sorted[i].att.Slot > sorted[j].att.Slot
	})
	b := make([]string, n)
	for i, p := range sorted {
		b[i] = attToken(p.att, p.sum)
	}

	return ratcliffObershelp(a, b)
}

func tokensFromInt64(xs []int64) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = fmt.Sprintf("%d", x)
	}
	return out
}

// TotalReward is attestation_rewards.total as a float.
func TotalReward(r *models.RewardRecord) float64 {
	return float64(r.AttestationRewards.Total)
}

// TotalRewardNorm is TotalReward normalized by the Altair base reward.
func TotalRewardNorm(r *models.RewardRecord) float64 {
	return safeDiv(TotalReward(r), altairRewardBase)
}

// PercentPairwiseOrdered counts adjacent pairs of reward sums already in
// non-increasing order, plus one, normalized by the number of
// attestations.
func PercentPairwiseOrdered(r *models.RewardRecord) float64 {
	sums := rewardSums(r)
	if len(sums) == 0 {
		return 0.0
	}
	ordered := 1
	for i := 0; i+1 < len(sums); i++ {
		if sums[i] >= sums[i+1] {
			ordered++
		}
	}
	return safeDiv(float64(ordered), float64(len(sums)))
}

// NumSingleBit counts per-attestation reward maps containing exactly one
// validator (a "single-bit" attestation).
func NumSingleBit(r *models.RewardRecord) float64 {
	count := 0
	for _, m := range r.AttestationRewards.PerAttestationRewards {
		if len(m) == 1 {
			count++
		}
	}
	return float64(count)
}

// PercentSingleBit is NumSingleBit normalized by the attestation count.
func PercentSingleBit(r *models.RewardRecord) float64 {
	maps := r.AttestationRewards.PerAttestationRewards
	return safeDiv(NumSingleBit(r), float64(len(maps)))
}

// MedianDensity is the median, across attestations, of each attestation's
// reward-map size divided by TargetCommitteeSize. Empty input yields 0.0.
func MedianDensity(r *models.RewardRecord) float64 {
	maps := r.AttestationRewards.PerAttestationRewards
	if len(maps) == 0 {
		return 0.0
	}
	densities := make([]float64, len(maps))
	for i, m := range maps {
		densities[i] = float64(len(m)) / float64(TargetCommitteeSize)
	}
	sort.Float64s(densities)
	n := len(densities)
	if n%2 == 1 {
		return densities[n/2]
	}
	return (densities[n/2-1] + densities[n/2]) / 2.0
}

func scaleByNumAttestations(f Func) Func {
	return func(r *models.RewardRecord) float64 {
		n := len(r.AttestationRewards.PerAttestationRewards)
		return safeDiv(f(r), float64(n))
	}
}

func scaleByNumSlots(f Func) Func {
	return func(r *models.RewardRecord) float64 {
		return safeDiv(f(r), float64(numSlotsFromParent(r)))
	}
}

// SpearmanRewards is an auxiliary feature: the Spearman rank correlation
// between the sequence of per-attestation reward sums and that same
// sequence sorted descending (see DifflibRewards for the same comparison
// under Ratcliff/Obershelp instead). Reachable via Vector/Registry under
// the name "spearman_rewards" for cross-validation experiments.
func SpearmanRewards(r *models.RewardRecord) float64 {
	return SpearmanConstant(rewardSums(r))
}

// SpearmanConstant reports the Spearman rank correlation between a
// sequence and its sorted-descending counterpart; a constant input (all
// ties) yields 1.0 rather than the NaN a naive implementation would
// produce.
func SpearmanConstant(xs []int64) float64 {
	n := len(xs)
	if n < 2 {
		return 1.0
	}
	sorted := append([]int64(nil), xs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	rankOf := func(seq []int64) []float64 {
		type idxVal struct {
			v   int64
			idx int
		}
		iv := make([]idxVal, len(seq))
		for i, v := range seq {
			iv[i] = idxVal{v, i}
		}
		sort.SliceStable(iv, func(i, j int) bool { return iv[i].v < iv[j].v })
		ranks := make([]float64, len(seq))
		i := 0
		for i < len(iv) {
			j := i
			for j+1 < len(iv) && iv[j+1].v == iv[i].v {
				j++
			}
			avgRank := float64(i+j)/2.0 + 1
			for k := i; k <= j; k++ {
				ranks[iv[k].idx] = avgRank
			}
			i = j + 1
		}
		return ranks
	}

	rx := rankOf(xs)
	ry := rankOf(sorted)

	var meanX, meanY float64
	for i := range rx {
		meanX += rx[i]
		meanY += ry[i]
	}
	meanX /= float64(n)
	meanY /= float64(n)

	var cov, varX, varY float64
	for i := range rx {
		dx := rx[i] - meanX
		dy := ry[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 1.0
	}
	return cov / math.Sqrt(varX*varY)
}
