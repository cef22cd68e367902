// Package storage is the interface to the platform's relational store. The
// pipeline only needs simple keyed create/read/update calls for users and
// capsules; everything heavier lives with the rest of the platform.
package storage

import (
	"context"
	"time"
)

// CapsuleStatus is the publication state of a capsule.
type CapsuleStatus string

const (
	CapsuleDraft     CapsuleStatus = "draft"
	CapsulePublished CapsuleStatus = "published"
)

// User is a platform account, looked up at admission to resolve ownership.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Plan        string    `json:"plan"`
	CreatedAt   time.Time `json:"created_at"`
}

// Capsule is one generated lesson unit. Completed generation jobs persist
// their content here as a draft.
type Capsule struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	Title        string        `json:"title"`
	Language     string        `json:"language"`
	Difficulty   string        `json:"difficulty"`
	Content      string        `json:"content"`
	QualityScore float64       `json:"quality_score"`
	Status       CapsuleStatus `json:"status"`
	JobID        string        `json:"job_id"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Store is the persistence interface for users and capsules.
type Store interface {
	// CreateUser inserts a new user. The ID field must be set by the caller.
	CreateUser(ctx context.Context, u *User) error

	// GetUser returns a user by ID.
	GetUser(ctx context.Context, id string) (*User, error)

	// CreateCapsule inserts a new capsule. The ID field must be set by the caller.
	CreateCapsule(ctx context.Context, c *Capsule) error

	// GetCapsule returns a capsule by ID.
	GetCapsule(ctx context.Context, id string) (*Capsule, error)

	// ListCapsulesByOwner returns an owner's capsules, newest first.
	ListCapsulesByOwner(ctx context.Context, ownerID string, limit int) ([]Capsule, error)

	// UpdateCapsule updates mutable fields (title, content, status, score).
	UpdateCapsule(ctx context.Context, c *Capsule) error

	// Close releases resources.
	Close() error
}
