// Package reward splits a challenge's reward pool across evaluated
// contributions in proportion to their global scores.
package reward

import (
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// Scored is an evaluated contribution entering the allocation
type Scored struct {
	ContributionID uuid.UUID
	UserID         string
	Score          float64
}

// FromContributions converts evaluated contributions, skipping unevaluated ones
func FromContributions(contributions []types.Contribution) []Scored {
	var out []Scored
	for _, c := range contributions {
		if c.Evaluation == nil {
			continue
		}
		out = append(out, Scored{ContributionID: c.ID, UserID: c.UserID, Score: c.Evaluation.GlobalScore})
	}
	return out
}

// Compute allocates pool across entries. Each reward is round(pool·score/Σscore),
// or round(pool/n) when every score is zero; the rounding difference is added
// to the last entry so the rewards sum to pool exactly. Returns an empty slice
// for no entries or a non-positive pool.
func Compute(entries []Scored, pool int, logger *zap.Logger) []types.Reward {
	logger = logging.OrNop(logger)
	if len(entries) == 0 {
		logger.Info("no evaluated contributions, nothing to reward")
		return []types.Reward{}
	}
	if pool <= 0 {
		logger.Warn("invalid reward pool, nothing to reward", zap.Int("pool", pool))
		return []types.Reward{}
	}

	total := 0.0
	for _, e := range entries {
		if e.Score > 0 {
			total += e.Score
		}
	}

	rewards := make([]types.Reward, len(entries))
	distributed := 0
	for i, e := range entries {
		var share float64
		if total == 0 {
			share = float64(pool) / float64(len(entries))
		} else {
			share = float64(pool) * math.Max(e.Score, 0) / total
		}
		r := int(math.Round(share))
		rewards[i] = types.Reward{ContributionID: e.ContributionID, UserID: e.UserID, Score: e.Score, Reward: r}
		distributed += r
	}

	if diff := pool - distributed; diff != 0 {
		rewards[len(rewards)-1].Reward += diff
		logger.Debug("rounding remainder applied to last contribution", zap.Int("difference", diff))
	}
	return rewards
}
