package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// fileExport is the on-disk format read by FileFacade
type fileExport struct {
	Commits []exportedCommit `json:"commits"`
}

type exportedCommit struct {
	Item
	Files []ModifiedFile `json:"files"`
}

// FileFacade serves commits from a JSON export:
//
//	{"commits": [{"sha": "...", "message": "...", "author": "...", "date": "RFC3339",
//	              "files": [{"path": "...", "status": "modified", "content": "..."}]}]}
type FileFacade struct {
	commits []exportedCommit
	bySha   map[string]int
}

// LoadFileFacade reads an export file
func LoadFileFacade(path string) (*FileFacade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit export %s: %w", path, err)
	}
	return ParseFileFacade(data)
}

// ParseFileFacade builds a facade from export content
func ParseFileFacade(data []byte) (*FileFacade, error) {
	var export fileExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse commit export: %w", err)
	}

	f := &FileFacade{commits: export.Commits, bySha: make(map[string]int, len(export.Commits))}
	sort.SliceStable(f.commits, func(i, j int) bool {
		return f.commits[i].Date.Before(f.commits[j].Date)
	})
	for i, c := range f.commits {
		if c.Sha == "" {
			return nil, fmt.Errorf("commit export entry %d has no sha", i)
		}
		f.bySha[c.Sha] = i
	}
	return f, nil
}

// FetchItems returns commits in [Since, Until], oldest first
func (f *FileFacade) FetchItems(ctx context.Context, opts FetchOptions) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var items []Item
	for _, c := range f.commits {
		if inWindow(c.Date, opts.Since, opts.Until) {
			items = append(items, c.Item)
		}
	}
	if opts.MaxCommits > 0 && len(items) > opts.MaxCommits {
		items = items[len(items)-opts.MaxCommits:]
	}
	return items, nil
}

// FetchItemContent returns the files of one commit
func (f *FileFacade) FetchItemContent(ctx context.Context, sha string) (*ItemContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i, ok := f.bySha[sha]
	if !ok {
		return nil, &Error{Sha: sha, Message: "commit not found in export"}
	}
	files := make([]ModifiedFile, len(f.commits[i].Files))
	copy(files, f.commits[i].Files)
	return &ItemContent{Sha: sha, Files: files}, nil
}

func inWindow(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since) {
		return false
	}
	if !until.IsZero() && t.After(until) {
		return false
	}
	return true
}
