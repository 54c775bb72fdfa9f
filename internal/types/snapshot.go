package types

// SnapshotFile is one file of an aggregated snapshot
type SnapshotFile struct {
	Path    string `json:"path"`
	Status  string `json:"status,omitempty"`
	Content string `json:"content"`
	// LastSeenIn is the sha of the last commit that touched the file
	LastSeenIn string `json:"last_seen_in"`
}

// SnapshotInfo is the deduplicated file set representing all commits of one contribution
type SnapshotInfo struct {
	CommitShas    []string                `json:"commit_shas"`
	ModifiedFiles map[string]SnapshotFile `json:"modified_files"`
}
