package models

import "time"

// Document is a single text file loaded from a repository working copy.
type Document struct {
	RepoID   string `json:"repo_id"`
	Path     string `json:"path"`
	FileName string `json:"file_name"`
	Content  string `json:"-"`
}

// Chunk is the unit of embedding and retrieval.
type Chunk struct {
	ID          string    `json:"id"`
	RepoID      string    `json:"repo_id"`
	FilePath    string    `json:"file_path"`
	FileName    string    `json:"file_name"`
	Language    string    `json:"language"`
	Seq         int       `json:"seq"`
	LineStart   int       `json:"line_start"`
	LineEnd     int       `json:"line_end"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// RepositoryInfo summarizes the live chunks of one repository.
type RepositoryInfo struct {
	RepoID     string    `json:"repo_id"`
	Chunks     int       `json:"chunks"`
	LastActive time.Time `json:"last_active"`
}

// Outcome is the terminal state of an ingestion request.
type Outcome string

const (
	OutcomeAlreadyIndexed Outcome = "already-indexed"
	OutcomeIngested       Outcome = "ingested"
	OutcomeFailed         Outcome = "failed"
)

type IngestResult struct {
	RepoID   string        `json:"repo_id"`
	Outcome  Outcome       `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Files    int           `json:"files"`
	Chunks   int           `json:"chunks"`
	Duration time.Duration `json:"duration"`
}

// Status renders the outcome as "already-indexed", "ingested" or "failed:<reason>".
func (r IngestResult) Status() string {
	if r.Outcome == OutcomeFailed {
		return string(OutcomeFailed) + ":" + r.Reason
	}
	return string(r.Outcome)
}

// Answer is a generated reply plus the file names it was grounded on.
type Answer struct {
	Text    string   `json:"answer"`
	Sources []string `json:"sources"`
}
