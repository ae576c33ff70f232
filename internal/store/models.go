package store

import "time"

// Deployment statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusDryRun    = "dry-run"
)

// Deployment records one run of the pipeline
type Deployment struct {
	ID           int64
	RunID        string // uuid of the run
	DeployID     string // ziploy_id of the target
	Method       string // "HTTP" or "SSH"
	Origin       string
	ProjectDir   string
	ArchiveID    string // sha256 of the archive
	ArchiveSize  int64
	ChunkSize    int64
	TotalChunks  int
	ChunksSent   int
	FilesPacked  int
	Extracted    bool
	Destination  string
	StartTime    time.Time
	EndTime      time.Time
	Status       string
	ErrorMessage string
}

// DeploymentChunk records the delivery of one chunk
type DeploymentChunk struct {
	ID           int64
	DeploymentID int64
	Seq          int
	Name         string
	Size         int64
	SHA256       string
	StatusCode   int    // HTTP status, 0 over SSH
	Response     string // acknowledgment body, truncated
	DurationMS   int64
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
}
