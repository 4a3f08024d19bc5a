package objective

import (
	"context"
	"strings"
	"time"

	"hookline/internal/apperr"
)

// Goal is the outcome that counts as success for an objective.
type Goal string

const (
	GoalCredentials Goal = "CREDENTIALS"
	GoalLinkClick   Goal = "TARGET_CLICKED_ON_LINK"
)

// Valid reports whether g is a known goal.
func (g Goal) Valid() bool {
	return g == GoalCredentials || g == GoalLinkClick
}

// Status moves forward only: CREATED -> ONGOING -> EXPIRED.
type Status string

const (
	Created Status = "CREATED"
	Ongoing Status = "ONGOING"
	Expired Status = "EXPIRED"
)

// Objective is a campaign against a set of targets inside one organization.
type Objective struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	BeginsAt  time.Time `json:"begins_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Goal      Goal      `json:"goal"`
	Targets   []string  `json:"targets"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InWindow reports whether now falls strictly inside the objective's window.
func (o *Objective) InWindow(now time.Time) bool {
	return o.BeginsAt.Before(now) && o.ExpiresAt.After(now)
}

// Patch holds the mutable fields of an objective. Nil fields are left unchanged.
type Patch struct {
	BeginsAt  *time.Time `json:"begins_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Targets   []string   `json:"targets,omitempty"`
}

// Apply returns a copy of o with p applied.
func (p Patch) Apply(o Objective) Objective {
	if p.BeginsAt != nil {
		o.BeginsAt = *p.BeginsAt
	}
	if p.ExpiresAt != nil {
		o.ExpiresAt = *p.ExpiresAt
	}
	if p.Targets != nil {
		o.Targets = NormalizeTargets(p.Targets)
	}
	return o
}

// NormalizeTargets lower-cases and trims addresses.
func NormalizeTargets(targets []string) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, strings.ToLower(strings.TrimSpace(t)))
	}
	return out
}

// Validate checks goal, org, date order and target uniqueness.
func (o *Objective) Validate() error {
	const op = "objective.validate"
	if o.OrgID == "" {
		return apperr.New(op, apperr.CategoryValidation, "org_id is required")
	}
	if !o.Goal.Valid() {
		return apperr.New(op, apperr.CategoryValidation, "unknown goal %q", o.Goal)
	}
	if o.BeginsAt.IsZero() || o.ExpiresAt.IsZero() {
		return apperr.New(op, apperr.CategoryValidation, "begins_at and expires_at are required")
	}
	if o.BeginsAt.After(o.ExpiresAt) {
		return apperr.New(op, apperr.CategoryValidation, "begins_at must not be after expires_at")
	}
	if len(o.Targets) == 0 {
		return apperr.New(op, apperr.CategoryValidation, "at least one target is required")
	}
	seen := make(map[string]bool, len(o.Targets))
	for _, t := range o.Targets {
		if t == "" || !strings.Contains(t, "@") {
			return apperr.New(op, apperr.CategoryValidation, "invalid target address %q", t)
		}
		if seen[t] {
			return apperr.New(op, apperr.CategoryTargetNotUnique, "target %s is listed more than once", t).
				WithData(map[string]any{"target": t})
		}
		seen[t] = true
	}
	return nil
}

// Store is the contract for objective persistence.
type Store interface {
	Create(ctx context.Context, o *Objective) (*Objective, error)
	Get(ctx context.Context, id string) (*Objective, error)
	// Lock reads an objective and holds its row until the surrounding transaction ends.
	Lock(ctx context.Context, id string) (*Objective, error)
	Update(ctx context.Context, o *Objective) (*Objective, error)
	SetStatus(ctx context.Context, id string, status Status) error
	// PromoteStarted moves every in-window, non-expired objective to ONGOING and
	// returns all objectives inside their window.
	PromoteStarted(ctx context.Context, now time.Time) ([]Objective, error)
	// DueForExpiry returns non-expired objectives whose ExpiresAt is at or before now.
	DueForExpiry(ctx context.Context, now time.Time) ([]Objective, error)
	ByStatus(ctx context.Context, status Status) ([]Objective, error)
	List(ctx context.Context, orgID string, limit int) ([]Objective, error)
	EnsureTable(ctx context.Context) error
}
