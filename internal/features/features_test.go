package features

import (
	"math"
	"testing"

	"github.com/rawblock/clientprint/pkg/models"
)

func recordWithRewards(sums []int64) *models.RewardRecord {
	maps := make([]map[string]int64, len(sums))
	for i, s := range sums {
		if s == 0 {
			maps[i] = map[string]int64{}
			continue
		}
		maps[i] = map[string]int64{"1": s}
	}
	return &models.RewardRecord{
		AttestationRewards: models.AttestationRewards{
			PerAttestationRewards: maps,
		},
	}
}

func TestPercentRedundantBoost(t *testing.T) {
	tests := []struct {
		name string
		sums []int64
		want float64
	}{
		{"no redundant", []int64{10, 20, 30}, 0.0},
		{"empty record", []int64{}, 0.0},
		{"all redundant", []int64{0, 0}, 1.0},
		{"one of four", []int64{0, 5, 6, 7}, 0.45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PercentRedundantBoost(recordWithRewards(tt.sums))
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestDifflibRewardsSortedIsOne(t *testing.T) {
	r := recordWithRewards([]int64{30, 20, 10})
	got := DifflibRewards(r)
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("already-sorted sequence should have ratio 1.0, got %v", got)
	}
}

func TestRatcliffObershelpSymmetry(t *testing.T) {
	cases := [][2][]string{
		{{"a", "b", "c"}, {"c", "b", "a"}},
		{{"x"}, {"y", "z"}},
		{{}, {"1", "2", "3"}},
		{{"1", "2"}, {"1", "2"}},
	}
	for _, c := range cases {
		ab := ratcliffObershelp(c[0], c[1])
		ba := ratcliffObershelp(c[1], c[0])
		if math.Abs(ab-ba) > 1e-9 {
			t.Errorf("ratcliffObershelp(%v, %v)=%v != ratcliffObershelp(%v, %v)=%v", c[0], c[1], ab, c[1], c[0], ba)
		}
	}
}

func TestSafeDivByZero(t *testing.T) {
	if got := safeDiv(5, 0); got != 0.0 {
		t.Errorf("safeDiv(5,0) = %v, want 0.0", got)
	}
}

func TestMedianDensityEmpty(t *testing.T) {
	r := recordWithRewards(nil)
	if got := MedianDensity(r); got != 0.0 {
		t.Errorf("MedianDensity of empty record = %v, want 0.0", got)
	}
}

func TestSpearmanConstantSequence(t *testing.T) {
	got := SpearmanConstant([]int64{5, 5, 5, 5})
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Spearman of constant sequence = %v, want 1.0", got)
	}
}

func TestVectorDefaultFeatures(t *testing.T) {
	r := recordWithRewards([]int64{10, 20, 30})
	v := Vector(r, DefaultFeatures)
	if len(v) != len(DefaultFeatures) {
		t.Fatalf("got %d features, want %d", len(v), len(DefaultFeatures))
	}
}
