package attack

import (
	"context"
	"time"
)

// Status of an attack. FAILED and SUCCESS are end states.
type Status string

const (
	WaitingForData Status = "WAITING_FOR_DATA"
	Ongoing        Status = "ONGOING"
	Failed         Status = "FAILED"
	Success        Status = "SUCCESS"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == Failed || s == Success
}

// Attack pursues one objective against one target address.
// At most one non-terminal attack exists per (Target, OrgID).
type Attack struct {
	ID          string    `json:"id"`
	ObjectiveID string    `json:"objective_id"`
	OrgID       string    `json:"org_id"`
	Target      string    `json:"target"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Pair identifies a target inside an organization.
type Pair struct {
	Target string
	OrgID  string
}

// Pair returns the (target, org) pair of a.
func (a *Attack) Pair() Pair {
	return Pair{Target: a.Target, OrgID: a.OrgID}
}

// CreateResult reports the outcome of a batch insert. Claimed lists targets
// skipped because another non-terminal attack already holds them.
type CreateResult struct {
	Created []Attack
	Claimed []string
}

// Store is the contract for attack persistence.
type Store interface {
	// Insert creates WAITING_FOR_DATA attacks, skipping targets that already
	// have a non-terminal attack in the same org.
	Insert(ctx context.Context, objectiveID, orgID string, targets []string) (CreateResult, error)
	Get(ctx context.Context, id string) (*Attack, error)
	// Lock reads an attack and holds its row until the surrounding transaction ends.
	Lock(ctx context.Context, id string) (*Attack, error)
	ByObjective(ctx context.Context, objectiveID string) ([]Attack, error)
	// Active returns every non-terminal attack.
	Active(ctx context.Context) ([]Attack, error)
	// LockActiveByObjective returns and locks the non-terminal attacks of an objective.
	LockActiveByObjective(ctx context.Context, objectiveID string) ([]Attack, error)
	// LatestTerminal returns the most recently created terminal attack for the pair.
	LatestTerminal(ctx context.Context, p Pair) (*Attack, error)
	SetStatus(ctx context.Context, id string, status Status) error
	CountByStatus(ctx context.Context) (map[Status]int, error)
	EnsureTable(ctx context.Context) error
}
