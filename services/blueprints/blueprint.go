package blueprints

import (
	"time"

	"github.com/google/uuid"
)

// Status is a blueprint lifecycle state.
type Status string

const (
	StatusNew     Status = "new"
	StatusSyncing Status = "syncing" // in-memory only, never persisted
	StatusTesting Status = "testing"
	StatusReady   Status = "ready"
	StatusBroken  Status = "broken"
)

// Statuses lists the persisted blueprint statuses in lifecycle order.
var Statuses = []Status{StatusNew, StatusTesting, StatusReady, StatusBroken}

// ProjectStatuses lists the states of projects built from blueprints.
var ProjectStatuses = []string{"new", "building", "built", "broken"}

// Blueprint is a publishing template backed by a remote repository.
type Blueprint struct {
	ID          uuid.UUID      `json:"id"`
	Slug        string         `json:"slug"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	RepoURL     string         `json:"repo_url"`
	Config      map[string]any `json:"config"`
	Type        string         `json:"type"`
	Version     string         `json:"version"`
	Status      Status         `json:"status"`
	ThumbURL    string         `json:"thumb_url"`
	Tags        []Tag          `json:"tags"`
	Themes      []Theme        `json:"themes"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Tag labels blueprints.
type Tag struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
	Slug  string    `json:"slug"`
}

// Theme is a visual theme a blueprint supports.
type Theme struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
	Slug  string    `json:"slug"`
}
