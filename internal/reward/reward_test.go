package reward

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/contrib-evaluator/internal/types"
)

func scored(scores ...float64) []Scored {
	out := make([]Scored, len(scores))
	for i, s := range scores {
		out[i] = Scored{ContributionID: uuid.New(), UserID: "u", Score: s}
	}
	return out
}

func amounts(rewards []types.Reward) []int {
	out := make([]int, len(rewards))
	for i, r := range rewards {
		out[i] = r.Reward
	}
	return out
}

func TestCompute_Scenarios(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		pool   int
		want   []int
	}{
		{name: "proportional", scores: []float64{20, 30}, pool: 100, want: []int{40, 60}},
		{name: "all zero splits evenly", scores: []float64{0, 0}, pool: 90, want: []int{45, 45}},
		{name: "remainder to last", scores: []float64{1, 1, 1}, pool: 10, want: []int{3, 3, 4}},
		{name: "empty", scores: nil, pool: 100, want: []int{}},
		{name: "zero pool", scores: []float64{1}, pool: 0, want: []int{}},
		{name: "negative pool", scores: []float64{1}, pool: -5, want: []int{}},
		{name: "half rounds away from zero", scores: []float64{1, 1}, pool: 5, want: []int{3, 2}},
		{name: "single entry takes all", scores: []float64{7.3}, pool: 37, want: []int{37}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(scored(tt.scores...), tt.pool, nil)
			assert.Equal(t, tt.want, amounts(got))
		})
	}
}

func TestCompute_CarriesIdentity(t *testing.T) {
	entries := []Scored{
		{ContributionID: uuid.New(), UserID: "u1", Score: 2.5},
		{ContributionID: uuid.New(), UserID: "u2", Score: 7.5},
	}
	got := Compute(entries, 1000, nil)
	require.Len(t, got, 2)
	assert.Equal(t, entries[0].ContributionID, got[0].ContributionID)
	assert.Equal(t, "u2", got[1].UserID)
	assert.Equal(t, 7.5, got[1].Score)
	assert.Equal(t, []int{250, 750}, amounts(got))
}

func TestCompute_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(20)
		scores := make([]float64, n)
		for j := range scores {
			if rng.Intn(4) > 0 {
				scores[j] = rng.Float64() * 9
			}
		}
		pool := 1 + rng.Intn(10000)

		sum := 0
		for _, r := range Compute(scored(scores...), pool, nil) {
			sum += r.Reward
		}
		require.Equal(t, pool, sum, "scores=%v pool=%d", scores, pool)
	}
}

func TestFromContributions(t *testing.T) {
	evaluated := types.Contribution{ID: uuid.New(), UserID: "u1", Evaluation: &types.Evaluation{GlobalScore: 4}}
	pending := types.Contribution{ID: uuid.New(), UserID: "u2"}

	got := FromContributions([]types.Contribution{evaluated, pending})
	require.Len(t, got, 1)
	assert.Equal(t, evaluated.ID, got[0].ContributionID)
	assert.Equal(t, 4.0, got[0].Score)
}
