// Package snapshot aggregates the files touched by a contribution's commits
// into a single deduplicated view and materializes it for evaluation.
package snapshot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/connector"
	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// ResolveFunc returns the connector that serves a commit sha.
// connector.Resolver.Resolve satisfies it.
type ResolveFunc func(sha string) (connector.Facade, bool)

// Aggregator builds snapshots from commit contents
type Aggregator struct {
	logger *zap.Logger
}

// NewAggregator creates an aggregator
func NewAggregator(logger *zap.Logger) *Aggregator {
	return &Aggregator{logger: logging.OrNop(logger)}
}

// Build fetches every commit in shas (expected oldest first) and folds their
// modified files into one snapshot. A later commit overwrites the entry of an
// earlier one for the same path.
//
// Returns nil, nil when no files were touched. An unresolvable sha fails the
// whole aggregation with ErrNoConnector; connector failures are returned as is,
// and a commit served without content is a *connector.Error.
func (a *Aggregator) Build(ctx context.Context, resolve ResolveFunc, shas []string) (*types.SnapshotInfo, error) {
	ordered := dedupe(shas)

	facades := make([]connector.Facade, len(ordered))
	for i, sha := range ordered {
		f, ok := resolve(sha)
		if !ok || f == nil {
			a.logger.Warn("commit has no connector, skipping snapshot",
				zap.String(logging.FieldSha, sha))
			return nil, fmt.Errorf("%w: %s", ErrNoConnector, sha)
		}
		facades[i] = f
	}

	files := make(map[string]types.SnapshotFile)
	for i, sha := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := facades[i].FetchItemContent(ctx, sha)
		if err != nil {
			return nil, err
		}
		if content == nil {
			return nil, &connector.Error{Sha: sha, Message: "connector returned no content"}
		}
		for _, f := range content.Files {
			files[f.Path] = types.SnapshotFile{
				Path:       f.Path,
				Status:     f.Status,
				Content:    f.Content,
				LastSeenIn: sha,
			}
		}
	}

	if len(files) == 0 {
		a.logger.Info("snapshot has no files", zap.Strings("shas", ordered))
		return nil, nil
	}

	return &types.SnapshotInfo{CommitShas: ordered, ModifiedFiles: files}, nil
}

// dedupe removes repeated shas, keeping the first occurrence
func dedupe(shas []string) []string {
	seen := make(map[string]bool, len(shas))
	out := make([]string, 0, len(shas))
	for _, s := range shas {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
