package types

import "time"

// ChallengeStatus constants
const (
	ChallengeOpen   = "open"
	ChallengeClosed = "closed"
)

// Challenge is a time-boxed competition with a fixed reward pool
type Challenge struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RewardPool  int       `json:"reward_pool"`
	RoadmapText string    `json:"roadmap_text"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// SourceKind distinguishes code repositories from document-only sources
type SourceKind string

// SourceKind constants
const (
	SourceCode     SourceKind = "code"
	SourceDocument SourceKind = "document"
)

// LinkedRepo is an external source linked to a challenge
type LinkedRepo struct {
	ID          string     `json:"id"`
	ChallengeID string     `json:"challenge_id"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Kind        SourceKind `json:"kind"`
}

// TeamMember is a participant of a challenge
type TeamMember struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	GitHandle string `json:"gitHandle,omitempty"`
	GitEmail  string `json:"gitEmail,omitempty"`
	Role      string `json:"role,omitempty"`
}

// OpenTask is a task of the challenge backlog. Tasks form a tree stored as an
// arena: ParentIndex is the index of the parent task in the same slice, or -1.
type OpenTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssigneeID  string `json:"assigneeId,omitempty"`
	ParentIndex int    `json:"-"`
	ParentID    string `json:"parentId,omitempty"`
}

// Commit is a commit as shown to the identify stage
type Commit struct {
	Sha     string    `json:"sha"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	RepoID  string    `json:"repoId"`
}

// IdentifyContext is everything the identify stage needs to propose contributions
type IdentifyContext struct {
	ChallengeID string       `json:"challengeId"`
	Window      Window       `json:"window"`
	SyncPreview string       `json:"syncPreview"`
	Commits     []Commit     `json:"commits"`
	Team        []TeamMember `json:"team"`
	Roadmap     string       `json:"roadmap"`
	OpenTasks   []OpenTask   `json:"openTasks"`
}
