// Package memstore is an in-process store.Runner. It backs the test suites and
// `--ephemeral` local runs. Transactions hold a single mutex and restore a
// snapshot on error, so they are serialisable.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookline/internal/apperr"
	"hookline/pkg/artifact"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/outcome"
	"hookline/pkg/review"
	"hookline/pkg/store"
)

type state struct {
	objectives map[string]objective.Objective
	attacks    map[string]attack.Attack
	artifacts  map[string]artifact.Artifact
	reviews    map[string]review.Request
	outcomes   []outcome.Entry

	// insertion order, which doubles as creation order
	objectiveOrder []string
	attackOrder    []string
	artifactOrder  []string
	reviewOrder    []string
}

func newState() *state {
	return &state{
		objectives: make(map[string]objective.Objective),
		attacks:    make(map[string]attack.Attack),
		artifacts:  make(map[string]artifact.Artifact),
		reviews:    make(map[string]review.Request),
	}
}

func (s *state) clone() *state {
	c := &state{
		objectives:     make(map[string]objective.Objective, len(s.objectives)),
		attacks:        make(map[string]attack.Attack, len(s.attacks)),
		artifacts:      make(map[string]artifact.Artifact, len(s.artifacts)),
		reviews:        make(map[string]review.Request, len(s.reviews)),
		outcomes:       slices.Clone(s.outcomes),
		objectiveOrder: slices.Clone(s.objectiveOrder),
		attackOrder:    slices.Clone(s.attackOrder),
		artifactOrder:  slices.Clone(s.artifactOrder),
		reviewOrder:    slices.Clone(s.reviewOrder),
	}
	for k, v := range s.objectives {
		v.Targets = slices.Clone(v.Targets)
		c.objectives[k] = v
	}
	for k, v := range s.attacks {
		c.attacks[k] = v
	}
	for k, v := range s.artifacts {
		c.artifacts[k] = copyArtifact(v)
	}
	for k, v := range s.reviews {
		c.reviews[k] = v
	}
	return c
}

func copyArtifact(a artifact.Artifact) artifact.Artifact {
	a.Tokens = slices.Clone(a.Tokens)
	if a.Content.Email != nil {
		e := *a.Content.Email
		e.Recipients = slices.Clone(e.Recipients)
		a.Content.Email = &e
	}
	return a
}

// Memory is the in-process Runner.
type Memory struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// Option configures a Memory.
type Option func(*Memory)

// WithClock sets the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// New creates an empty Memory.
func New(opts ...Option) *Memory {
	m := &Memory{st: newState(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stores returns stores that lock per call.
func (m *Memory) Stores() store.Set {
	return m.set(false)
}

// InTx runs fn holding the store lock, restoring the previous state if fn
// fails or panics.
func (m *Memory) InTx(ctx context.Context, fn func(store.Set) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.st.clone()
	defer func() {
		if r := recover(); r != nil {
			m.st = snap
			panic(r)
		}
	}()
	if err := fn(m.set(true)); err != nil {
		m.st = snap
		return err
	}
	return nil
}

func (m *Memory) set(inTx bool) store.Set {
	return store.Set{
		Objectives: &objectives{m: m, inTx: inTx},
		Attacks:    &attacks{m: m, inTx: inTx},
		Artifacts:  &artifacts{m: m, inTx: inTx},
		Outcomes:   &outcomes{m: m, inTx: inTx},
		Reviews:    &reviews{m: m, inTx: inTx},
	}
}

func (m *Memory) with(inTx bool, fn func(st *state)) {
	if !inTx {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	fn(m.st)
}

func (m *Memory) stamp() time.Time {
	return m.now().Truncate(time.Microsecond)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// --- objectives ---

type objectives struct {
	m    *Memory
	inTx bool
}

func (s *objectives) Create(_ context.Context, o *objective.Objective) (*objective.Objective, error) {
	s.m.with(s.inTx, func(st *state) {
		now := s.m.stamp()
		o.ID = newID()
		o.CreatedAt, o.UpdatedAt = now, now
		if o.Status == "" {
			o.Status = objective.Created
		}
		o.Targets = objective.NormalizeTargets(o.Targets)
		cp := *o
		cp.Targets = slices.Clone(o.Targets)
		st.objectives[o.ID] = cp
		st.objectiveOrder = append(st.objectiveOrder, o.ID)
	})
	return o, nil
}

func (s *objectives) Get(_ context.Context, id string) (*objective.Objective, error) {
	var out *objective.Objective
	s.m.with(s.inTx, func(st *state) {
		if o, ok := st.objectives[id]; ok {
			o.Targets = slices.Clone(o.Targets)
			out = &o
		}
	})
	if out == nil {
		return nil, apperr.NotFound("objective", id)
	}
	return out, nil
}

func (s *objectives) Lock(ctx context.Context, id string) (*objective.Objective, error) {
	return s.Get(ctx, id)
}

func (s *objectives) Update(_ context.Context, o *objective.Objective) (*objective.Objective, error) {
	var found bool
	s.m.with(s.inTx, func(st *state) {
		cur, ok := st.objectives[o.ID]
		if !ok {
			return
		}
		found = true
		o.UpdatedAt = s.m.stamp()
		cur.BeginsAt, cur.ExpiresAt, cur.UpdatedAt = o.BeginsAt, o.ExpiresAt, o.UpdatedAt
		cur.Targets = slices.Clone(o.Targets)
		st.objectives[o.ID] = cur
	})
	if !found {
		return nil, apperr.NotFound("objective", o.ID)
	}
	return o, nil
}

func (s *objectives) SetStatus(_ context.Context, id string, status objective.Status) error {
	var found bool
	s.m.with(s.inTx, func(st *state) {
		if o, ok := st.objectives[id]; ok {
			found = true
			o.Status = status
			o.UpdatedAt = s.m.stamp()
			st.objectives[id] = o
		}
	})
	if !found {
		return apperr.NotFound("objective", id)
	}
	return nil
}

func (s *objectives) PromoteStarted(_ context.Context, now time.Time) ([]objective.Objective, error) {
	var out []objective.Objective
	s.m.with(s.inTx, func(st *state) {
		for _, id := range st.objectiveOrder {
			o, ok := st.objectives[id]
			if !ok || o.Status == objective.Expired || !o.InWindow(now) {
				continue
			}
			if o.Status == objective.Created {
				o.Status = objective.Ongoing
				o.UpdatedAt = now
				st.objectives[id] = o
			}
			o.Targets = slices.Clone(o.Targets)
			out = append(out, o)
		}
	})
	return out, nil
}

func (s *objectives) DueForExpiry(_ context.Context, now time.Time) ([]objective.Objective, error) {
	var out []objective.Objective
	s.m.with(s.inTx, func(st *state) {
		out = s.filter(st, func(o objective.Objective) bool {
			return o.Status != objective.Expired && !o.ExpiresAt.After(now)
		})
	})
	slices.SortStableFunc(out, func(a, b objective.Objective) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return out, nil
}

func (s *objectives) ByStatus(_ context.Context, status objective.Status) ([]objective.Objective, error) {
	var out []objective.Objective
	s.m.with(s.inTx, func(st *state) {
		out = s.filter(st, func(o objective.Objective) bool { return o.Status == status })
	})
	return out, nil
}

func (s *objectives) List(_ context.Context, orgID string, limit int) ([]objective.Objective, error) {
	var out []objective.Objective
	s.m.with(s.inTx, func(st *state) {
		out = s.filter(st, func(o objective.Objective) bool { return orgID == "" || o.OrgID == orgID })
	})
	slices.Reverse(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *objectives) EnsureTable(context.Context) error { return nil }

func (s *objectives) filter(st *state, keep func(objective.Objective) bool) []objective.Objective {
	var out []objective.Objective
	for _, id := range st.objectiveOrder {
		if o, ok := st.objectives[id]; ok && keep(o) {
			o.Targets = slices.Clone(o.Targets)
			out = append(out, o)
		}
	}
	return out
}

// --- attacks ---

type attacks struct {
	m    *Memory
	inTx bool
}

func (s *attacks) Insert(_ context.Context, objectiveID, orgID string, targets []string) (attack.CreateResult, error) {
	var res attack.CreateResult
	s.m.with(s.inTx, func(st *state) {
		now := s.m.stamp()
		seen := make(map[string]bool, len(targets))
		for _, target := range targets {
			if seen[target] {
				continue
			}
			seen[target] = true
			if s.activeFor(st, target, orgID) {
				res.Claimed = append(res.Claimed, target)
				continue
			}
			a := attack.Attack{
				ID:          newID(),
				ObjectiveID: objectiveID,
				OrgID:       orgID,
				Target:      target,
				Status:      attack.WaitingForData,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			st.attacks[a.ID] = a
			st.attackOrder = append(st.attackOrder, a.ID)
			res.Created = append(res.Created, a)
		}
	})
	return res, nil
}

func (s *attacks) activeFor(st *state, target, orgID string) bool {
	for _, a := range st.attacks {
		if a.Target == target && a.OrgID == orgID && !a.Status.Terminal() {
			return true
		}
	}
	return false
}

func (s *attacks) Get(_ context.Context, id string) (*attack.Attack, error) {
	var out *attack.Attack
	s.m.with(s.inTx, func(st *state) {
		if a, ok := st.attacks[id]; ok {
			out = &a
		}
	})
	if out == nil {
		return nil, apperr.NotFound("attack", id)
	}
	return out, nil
}

func (s *attacks) Lock(ctx context.Context, id string) (*attack.Attack, error) {
	return s.Get(ctx, id)
}

func (s *attacks) ByObjective(_ context.Context, objectiveID string) ([]attack.Attack, error) {
	var out []attack.Attack
	s.m.with(s.inTx, func(st *state) {
		out = s.filter(st, func(a attack.Attack) bool { return a.ObjectiveID == objectiveID })
	})
	return out, nil
}

func (s *attacks) Active(_ context.Context) ([]attack.Attack, error) {
	var out []attack.Attack
	s.m.with(s.inTx, func(st *state) {
		out = s.filter(st, func(a attack.Attack) bool { return !a.Status.Terminal() })
	})
	return out, nil
}

func (s *attacks) LockActiveByObjective(_ context.Context, objectiveID string) ([]attack.Attack, error) {
	var out []attack.Attack
	s.m.with(s.inTx, func(st *state) {
		out = s.filter(st, func(a attack.Attack) bool { return a.ObjectiveID == objectiveID && !a.Status.Terminal() })
	})
	return out, nil
}

func (s *attacks) LatestTerminal(_ context.Context, p attack.Pair) (*attack.Attack, error) {
	var out *attack.Attack
	s.m.with(s.inTx, func(st *state) {
		matches := s.filter(st, func(a attack.Attack) bool {
			return a.Target == p.Target && a.OrgID == p.OrgID && a.Status.Terminal()
		})
		if len(matches) > 0 {
			out = &matches[len(matches)-1]
		}
	})
	if out == nil {
		return nil, apperr.NotFound("attack", p.Target)
	}
	return out, nil
}

func (s *attacks) SetStatus(_ context.Context, id string, status attack.Status) error {
	var err error
	s.m.with(s.inTx, func(st *state) {
		a, ok := st.attacks[id]
		if !ok {
			err = apperr.NotFound("attack", id)
			return
		}
		if a.Status.Terminal() && !status.Terminal() && s.activeFor(st, a.Target, a.OrgID) {
			err = fmt.Errorf("set attack %s status: duplicate active attack for %s", id, a.Target)
			return
		}
		a.Status = status
		a.UpdatedAt = s.m.stamp()
		st.attacks[id] = a
	})
	return err
}

func (s *attacks) CountByStatus(_ context.Context) (map[attack.Status]int, error) {
	counts := make(map[attack.Status]int)
	s.m.with(s.inTx, func(st *state) {
		for _, a := range st.attacks {
			counts[a.Status]++
		}
	})
	return counts, nil
}

func (s *attacks) EnsureTable(context.Context) error { return nil }

func (s *attacks) filter(st *state, keep func(attack.Attack) bool) []attack.Attack {
	var out []attack.Attack
	for _, id := range st.attackOrder {
		if a, ok := st.attacks[id]; ok && keep(a) {
			out = append(out, a)
		}
	}
	return out
}

// --- artifacts ---

type artifacts struct {
	m    *Memory
	inTx bool
}

func (s *artifacts) Create(_ context.Context, a *artifact.Artifact) (*artifact.Artifact, error) {
	if a.Content.Kind != artifact.KindEmail {
		return nil, fmt.Errorf("unknown content kind %q", a.Content.Kind)
	}
	if a.Content.Email == nil {
		return nil, fmt.Errorf("email content has no email payload")
	}
	var err error
	s.m.with(s.inTx, func(st *state) {
		for _, t := range a.Tokens {
			if s.tokenTaken(st, t.Value) {
				err = fmt.Errorf("insert %s token: duplicate value", t.Kind)
				return
			}
		}
		now := s.m.stamp()
		a.ID = newID()
		if a.Content.ID == "" {
			a.Content.ID = newID()
		}
		if a.Status == "" {
			a.Status = artifact.UnderReview
		}
		if a.Content.Params == nil {
			a.Content.Params = map[string]any{}
		}
		a.CreatedAt = now
		for i := range a.Tokens {
			a.Tokens[i].ArtifactID = a.ID
			a.Tokens[i].CreatedAt = now
		}
		st.artifacts[a.ID] = copyArtifact(*a)
		st.artifactOrder = append(st.artifactOrder, a.ID)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *artifacts) tokenTaken(st *state, value string) bool {
	for _, a := range st.artifacts {
		for _, t := range a.Tokens {
			if t.Value == value {
				return true
			}
		}
	}
	return false
}

func (s *artifacts) Get(_ context.Context, id string) (*artifact.Artifact, error) {
	var out *artifact.Artifact
	s.m.with(s.inTx, func(st *state) {
		if a, ok := st.artifacts[id]; ok {
			cp := copyArtifact(a)
			out = &cp
		}
	})
	if out == nil {
		return nil, apperr.NotFound("artifact", id)
	}
	return out, nil
}

func (s *artifacts) Lock(ctx context.Context, id string) (*artifact.Artifact, error) {
	return s.Get(ctx, id)
}

func (s *artifacts) ByContent(_ context.Context, contentID string) (*artifact.Artifact, error) {
	var out *artifact.Artifact
	s.m.with(s.inTx, func(st *state) {
		for _, a := range st.artifacts {
			if a.Content.ID == contentID {
				cp := copyArtifact(a)
				out = &cp
				return
			}
		}
	})
	if out == nil {
		return nil, apperr.NotFound("artifact", contentID)
	}
	return out, nil
}

func (s *artifacts) ByAttack(_ context.Context, attackID string) ([]artifact.Artifact, error) {
	var out []artifact.Artifact
	s.m.with(s.inTx, func(st *state) {
		for _, id := range st.artifactOrder {
			if a, ok := st.artifacts[id]; ok && a.AttackID == attackID {
				out = append(out, copyArtifact(a))
			}
		}
	})
	return out, nil
}

func (s *artifacts) LockToken(_ context.Context, kind artifact.TokenKind, value string) (*artifact.Token, error) {
	var out *artifact.Token
	s.m.with(s.inTx, func(st *state) {
		for _, a := range st.artifacts {
			for _, t := range a.Tokens {
				if t.Kind == kind && t.Value == value {
					out = &t
					return
				}
			}
		}
	})
	if out == nil {
		return nil, apperr.NotFound("token", string(kind))
	}
	return out, nil
}

func (s *artifacts) ConsumeToken(_ context.Context, tokenID string, at time.Time) error {
	s.m.with(s.inTx, func(st *state) {
		for id, a := range st.artifacts {
			for i := range a.Tokens {
				if a.Tokens[i].ID == tokenID && a.Tokens[i].ConsumedAt == nil {
					a = copyArtifact(a)
					a.Tokens[i].ConsumedAt = &at
					st.artifacts[id] = a
					return
				}
			}
		}
	})
	return nil
}

func (s *artifacts) MarkOpened(_ context.Context, contentID string, at time.Time) error {
	s.m.with(s.inTx, func(st *state) {
		for id, a := range st.artifacts {
			if a.Content.ID == contentID && a.Content.Email != nil && a.Content.Email.OpenedAt == nil {
				a = copyArtifact(a)
				a.Content.Email.OpenedAt = &at
				st.artifacts[id] = a
				return
			}
		}
	})
	return nil
}

func (s *artifacts) MarkDelivered(_ context.Context, id string, at time.Time) error {
	var err error
	s.m.with(s.inTx, func(st *state) {
		a, ok := st.artifacts[id]
		if !ok || a.DeliveredAt != nil {
			err = fmt.Errorf("mark delivered %s: already delivered or missing", id)
			return
		}
		a.DeliveredAt = &at
		st.artifacts[id] = a
	})
	return err
}

func (s *artifacts) SetStatus(_ context.Context, id string, status artifact.Status) error {
	var found bool
	s.m.with(s.inTx, func(st *state) {
		if a, ok := st.artifacts[id]; ok {
			found = true
			a.Status = status
			st.artifacts[id] = a
		}
	})
	if !found {
		return apperr.NotFound("artifact", id)
	}
	return nil
}

func (s *artifacts) UpdateEmail(_ context.Context, id, subject, body string) error {
	var found bool
	s.m.with(s.inTx, func(st *state) {
		a, ok := st.artifacts[id]
		if !ok {
			return
		}
		found = true
		a = copyArtifact(a)
		a.Content.Body = body
		if a.Content.Email != nil {
			a.Content.Email.Subject = subject
		}
		st.artifacts[id] = a
	})
	if !found {
		return apperr.NotFound("artifact", id)
	}
	return nil
}

func (s *artifacts) Delete(_ context.Context, id string) error {
	s.m.with(s.inTx, func(st *state) {
		delete(st.artifacts, id)
	})
	return nil
}

func (s *artifacts) DeleteUndelivered(_ context.Context, attackID string) (int, error) {
	n := 0
	s.m.with(s.inTx, func(st *state) {
		for id, a := range st.artifacts {
			if a.AttackID == attackID && a.DeliveredAt == nil {
				delete(st.artifacts, id)
				n++
			}
		}
	})
	return n, nil
}

func (s *artifacts) EnsureTable(context.Context) error { return nil }

// --- outcomes ---

type outcomes struct {
	m    *Memory
	inTx bool
}

func (s *outcomes) Append(_ context.Context, attackID string, t outcome.Type, payload map[string]any, at time.Time) (*outcome.Entry, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	e := &outcome.Entry{
		ID:        newID(),
		AttackID:  attackID,
		Type:      t,
		Payload:   payload,
		CreatedAt: at.Truncate(time.Microsecond),
	}
	var err error
	s.m.with(s.inTx, func(st *state) {
		prev := ""
		for i := len(st.outcomes) - 1; i >= 0; i-- {
			if st.outcomes[i].AttackID == attackID {
				prev = st.outcomes[i].Hash
				break
			}
		}
		if err = outcome.Seal(e, prev); err != nil {
			return
		}
		st.outcomes = append(st.outcomes, *e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *outcomes) ByAttack(_ context.Context, attackID string, limit int) ([]outcome.Entry, error) {
	var out []outcome.Entry
	s.m.with(s.inTx, func(st *state) {
		for _, e := range st.outcomes {
			if e.AttackID == attackID && len(out) < limit {
				out = append(out, e)
			}
		}
	})
	return out, nil
}

func (s *outcomes) Latest(ctx context.Context, attackID string) (*outcome.Entry, error) {
	var out *outcome.Entry
	s.m.with(s.inTx, func(st *state) {
		for i := len(st.outcomes) - 1; i >= 0; i-- {
			if st.outcomes[i].AttackID == attackID {
				e := st.outcomes[i]
				out = &e
				return
			}
		}
	})
	if out == nil {
		return nil, apperr.NotFound("outcome", attackID)
	}
	return out, nil
}

func (s *outcomes) Recent(_ context.Context, limit int) ([]outcome.Entry, error) {
	var out []outcome.Entry
	s.m.with(s.inTx, func(st *state) {
		for i := len(st.outcomes) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, st.outcomes[i])
		}
	})
	return out, nil
}

func (s *outcomes) Since(_ context.Context, afterID string, limit int) ([]outcome.Entry, error) {
	var out []outcome.Entry
	s.m.with(s.inTx, func(st *state) {
		idx := slices.IndexFunc(st.outcomes, func(e outcome.Entry) bool { return e.ID == afterID })
		if idx < 0 {
			return
		}
		for _, e := range st.outcomes[idx+1:] {
			if len(out) == limit {
				break
			}
			out = append(out, e)
		}
	})
	return out, nil
}

func (s *outcomes) VerifyChain(ctx context.Context, attackID string) error {
	entries, _ := s.ByAttack(ctx, attackID, int(^uint(0)>>1))
	return outcome.Verify(entries)
}

func (s *outcomes) EnsureTable(context.Context) error { return nil }

// --- reviews ---

type reviews struct {
	m    *Memory
	inTx bool
}

func (s *reviews) Create(_ context.Context, r *review.Request) (*review.Request, error) {
	s.m.with(s.inTx, func(st *state) {
		r.ID = newID()
		r.CreatedAt = s.m.stamp()
		r.Status = review.Pending
		st.reviews[r.ID] = *r
		st.reviewOrder = append(st.reviewOrder, r.ID)
	})
	return r, nil
}

func (s *reviews) Resolve(_ context.Context, artifactID string, approved bool, at time.Time) (*review.Request, error) {
	var out *review.Request
	s.m.with(s.inTx, func(st *state) {
		for _, id := range st.reviewOrder {
			r := st.reviews[id]
			if r.ArtifactID != artifactID || r.Status != review.Pending {
				continue
			}
			r.Status = review.Rejected
			if approved {
				r.Status = review.Approved
			}
			r.ResolvedAt = &at
			st.reviews[id] = r
			out = &r
			return
		}
	})
	if out == nil {
		return nil, apperr.NotFound("pending review for artifact", artifactID)
	}
	return out, nil
}

func (s *reviews) Discard(_ context.Context, attackID string, at time.Time) (int, error) {
	n := 0
	s.m.with(s.inTx, func(st *state) {
		for _, id := range st.reviewOrder {
			r := st.reviews[id]
			if r.AttackID != attackID || r.Status != review.Pending {
				continue
			}
			r.Status = review.Discarded
			r.ResolvedAt = &at
			st.reviews[id] = r
			n++
		}
	})
	return n, nil
}

func (s *reviews) Get(_ context.Context, id string) (*review.Request, error) {
	var out *review.Request
	s.m.with(s.inTx, func(st *state) {
		if r, ok := st.reviews[id]; ok {
			out = &r
		}
	})
	if out == nil {
		return nil, apperr.NotFound("review", id)
	}
	return out, nil
}

func (s *reviews) Pending(_ context.Context) ([]review.Request, error) {
	var out []review.Request
	s.m.with(s.inTx, func(st *state) {
		for _, id := range st.reviewOrder {
			if r := st.reviews[id]; r.Status == review.Pending {
				out = append(out, r)
			}
		}
	})
	return out, nil
}

func (s *reviews) Recent(_ context.Context, limit int) ([]review.Request, error) {
	var out []review.Request
	s.m.with(s.inTx, func(st *state) {
		for i := len(st.reviewOrder) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, st.reviews[st.reviewOrder[i]])
		}
	})
	return out, nil
}

func (s *reviews) PendingCount(ctx context.Context) (int, error) {
	p, _ := s.Pending(ctx)
	return len(p), nil
}

func (s *reviews) EnsureTable(context.Context) error { return nil }
