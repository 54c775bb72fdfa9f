// Package connector defines the contract between the pipeline and external
// sources of activity (code hosts, model hubs, meeting-note exports).
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FetchOptions bounds a commit listing
type FetchOptions struct {
	Since      time.Time
	Until      time.Time
	MaxCommits int // 0 means unbounded; otherwise the most recent are kept
}

// Item is one commit
type Item struct {
	Sha         string    `json:"sha"`
	Message     string    `json:"message"`
	Author      string    `json:"author"`
	AuthorEmail string    `json:"authorEmail,omitempty"`
	Date        time.Time `json:"date"`
}

// ModifiedFile is a file touched by a commit
type ModifiedFile struct {
	Path    string `json:"path"`
	Status  string `json:"status"` // added, modified, removed, renamed
	Content string `json:"content,omitempty"`
}

// ItemContent is the file-level content of one commit
type ItemContent struct {
	Sha   string         `json:"sha"`
	Files []ModifiedFile `json:"files"`
}

// Facade lists commits and fetches their contents from one source
type Facade interface {
	FetchItems(ctx context.Context, opts FetchOptions) ([]Item, error)
	FetchItemContent(ctx context.Context, sha string) (*ItemContent, error)
}

// Error is a failure reported by a connector
type Error struct {
	Sha     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connector error for %s: %s: %v", e.Sha, e.Message, e.Cause)
	}
	return fmt.Sprintf("connector error for %s: %s", e.Sha, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Resolver maps commit shas to the facade that can serve their content.
// It is safe for concurrent use.
type Resolver struct {
	mu    sync.RWMutex
	bySha map[string]Facade
}

// NewResolver creates an empty resolver
func NewResolver() *Resolver {
	return &Resolver{bySha: make(map[string]Facade)}
}

// Register records that sha is served by f
func (r *Resolver) Register(sha string, f Facade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySha[sha] = f
}

// Resolve returns the facade registered for sha
func (r *Resolver) Resolve(sha string) (Facade, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.bySha[sha]
	return f, ok
}

// Len returns the number of registered shas
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySha)
}

// Registry holds the facade configured for each linked repo
type Registry struct {
	mu      sync.RWMutex
	facades map[string]Facade
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{facades: make(map[string]Facade)}
}

// Register binds a facade to a linked repo ID
func (r *Registry) Register(repoID string, f Facade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facades[repoID] = f
}

// Get returns the facade of a linked repo
func (r *Registry) Get(repoID string) (Facade, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.facades[repoID]
	return f, ok
}
