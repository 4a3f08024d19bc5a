// Package review records the human approval gate in front of artifact
// delivery and notifies reviewers when new content is waiting.
package review

import (
	"context"
	"time"

	"hookline/pkg/artifact"
)

// Status of a review request.
type Status string

const (
	Pending  Status = "pending"
	Approved Status = "approved"
	Rejected Status = "rejected"
	// Discarded requests lost their artifact when the attack ended.
	Discarded Status = "discarded"
)

// Request asks a human to approve an artifact.
type Request struct {
	ID         string        `json:"id"`
	ArtifactID string        `json:"artifact_id"`
	AttackID   string        `json:"attack_id"`
	ContentID  string        `json:"content_id"`
	Kind       artifact.Kind `json:"kind"`
	Excerpt    string        `json:"excerpt"`
	Status     Status        `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// ForArtifact builds a pending request for a.
func ForArtifact(a *artifact.Artifact) *Request {
	return &Request{
		ArtifactID: a.ID,
		AttackID:   a.AttackID,
		ContentID:  a.Content.ID,
		Kind:       a.Content.Kind,
		Excerpt:    a.Excerpt(),
		Status:     Pending,
	}
}

// Store is the contract for review persistence.
type Store interface {
	Create(ctx context.Context, r *Request) (*Request, error)
	// Resolve closes the pending request of an artifact.
	Resolve(ctx context.Context, artifactID string, approved bool, at time.Time) (*Request, error)
	// Discard closes every pending request of an attack.
	Discard(ctx context.Context, attackID string, at time.Time) (int, error)
	Get(ctx context.Context, id string) (*Request, error)
	Pending(ctx context.Context) ([]Request, error)
	Recent(ctx context.Context, limit int) ([]Request, error)
	PendingCount(ctx context.Context) (int, error)
	EnsureTable(ctx context.Context) error
}

// Notifier tells reviewers about a new request.
type Notifier interface {
	Notify(ctx context.Context, r Request) error
}
