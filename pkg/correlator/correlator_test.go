package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hookline/internal/apperr"
	"hookline/internal/memstore"
	"hookline/pkg/artifact"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/outcome"
	"hookline/pkg/store"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	mem    *memstore.Memory
	c      *Correlator
	attack attack.Attack
	email  *artifact.Artifact
}

func setup(t *testing.T, goal objective.Goal, delivered bool) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := memstore.New(memstore.WithClock(func() time.Time { return now }))
	s := mem.Stores()

	o, err := s.Objectives.Create(ctx, &objective.Objective{
		OrgID: "org-1", Goal: goal, Status: objective.Ongoing,
		BeginsAt: now.Add(-time.Hour), ExpiresAt: now.Add(24 * time.Hour),
		Targets: []string{"ana@acme.test"},
	})
	require.NoError(t, err)
	res, err := s.Attacks.Insert(ctx, o.ID, o.OrgID, o.Targets)
	require.NoError(t, err)
	atk := res.Created[0]
	require.NoError(t, s.Attacks.SetStatus(ctx, atk.ID, attack.Ongoing))
	atk.Status = attack.Ongoing

	a, err := s.Artifacts.Create(ctx, &artifact.Artifact{
		AttackID: atk.ID,
		Status:   artifact.Approved,
		Content: artifact.Content{
			Kind:  artifact.KindEmail,
			Body:  "Hi Ana, click here",
			Email: &artifact.Email{Subject: "s", Sender: "it@relay.test", Recipients: []string{"ana@acme.test"}},
		},
		Tokens: []artifact.Token{artifact.NewToken(artifact.TokenLink), artifact.NewToken(artifact.TokenCredentials)},
	})
	require.NoError(t, err)
	if delivered {
		require.NoError(t, s.Artifacts.MarkDelivered(ctx, a.ID, now))
	}
	return &fixture{mem: mem, c: New(mem, zap.NewNop(), WithClock(func() time.Time { return now })), attack: atk, email: a}
}

func (f *fixture) status(t *testing.T) attack.Status {
	t.Helper()
	a, err := f.mem.Stores().Attacks.Get(context.Background(), f.attack.ID)
	require.NoError(t, err)
	return a.Status
}

func (f *fixture) entries(t *testing.T) []outcome.Type {
	t.Helper()
	es, err := f.mem.Stores().Outcomes.ByAttack(context.Background(), f.attack.ID, 100)
	require.NoError(t, err)
	var out []outcome.Type
	for _, e := range es {
		out = append(out, e.Type)
	}
	return out
}

func TestLinkClickCompletesLinkObjective(t *testing.T) {
	f := setup(t, objective.GoalLinkClick, true)
	ctx := context.Background()
	// A second, undelivered draft must go away with the attack.
	_, err := f.mem.Stores().Artifacts.Create(ctx, &artifact.Artifact{
		AttackID: f.attack.ID,
		Content: artifact.Content{
			Kind: artifact.KindEmail, Body: "draft",
			Email: &artifact.Email{Recipients: []string{"ana@acme.test"}},
		},
	})
	require.NoError(t, err)

	res, err := f.c.Consume(ctx, f.email.Token(artifact.TokenLink).Value)

	require.NoError(t, err)
	assert.Equal(t, Result{AttackID: f.attack.ID, Recorded: outcome.LinkClicked, Succeeded: true}, res)
	assert.Equal(t, attack.Success, f.status(t))
	assert.Equal(t, []outcome.Type{outcome.LinkClicked}, f.entries(t))

	arts, err := f.mem.Stores().Artifacts.ByAttack(ctx, f.attack.ID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, f.email.ID, arts[0].ID)
	assert.NotNil(t, arts[0].Token(artifact.TokenLink).ConsumedAt)

	entries, err := f.mem.Stores().Outcomes.ByAttack(ctx, f.attack.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": f.email.ID, "type": "email", "excerpt": "Hi Ana, click here"}, entries[0].Payload["artifact"])
}

func TestTokenIsConsumedOnce(t *testing.T) {
	f := setup(t, objective.GoalCredentials, true)
	ctx := context.Background()
	link := f.email.Token(artifact.TokenLink).Value

	_, err := f.c.Consume(ctx, link)
	require.NoError(t, err)
	res, err := f.c.Consume(ctx, link)
	require.NoError(t, err)

	assert.Equal(t, Result{}, res)
	assert.Equal(t, []outcome.Type{outcome.LinkClicked}, f.entries(t))
	assert.Equal(t, attack.Ongoing, f.status(t), "a click does not complete a credentials objective")
}

func TestCredentialsCompleteCredentialsObjective(t *testing.T) {
	f := setup(t, objective.GoalCredentials, true)
	ctx := context.Background()

	_, err := f.c.Consume(ctx, f.email.Token(artifact.TokenLink).Value)
	require.NoError(t, err)
	res, err := f.c.Consume(ctx, f.email.Token(artifact.TokenCredentials).Value)
	require.NoError(t, err)

	assert.True(t, res.Succeeded)
	assert.Equal(t, attack.Success, f.status(t))
	assert.Equal(t, []outcome.Type{outcome.LinkClicked, outcome.CredentialsSubmitted}, f.entries(t))
	require.NoError(t, f.mem.Stores().Outcomes.VerifyChain(ctx, f.attack.ID))
}

func TestCredentialsOnLinkObjectiveOnlyRecords(t *testing.T) {
	f := setup(t, objective.GoalLinkClick, true)

	res, err := f.c.Consume(context.Background(), f.email.Token(artifact.TokenCredentials).Value)

	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, outcome.CredentialsSubmitted, res.Recorded)
	assert.Equal(t, attack.Ongoing, f.status(t))
}

func TestUnknownOrStaleTokensAreIgnored(t *testing.T) {
	f := setup(t, objective.GoalLinkClick, true)
	ctx := context.Background()

	res, err := f.c.Consume(ctx, "0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	res, err = f.c.Consume(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	require.NoError(t, f.mem.InTx(ctx, func(tx store.Set) error {
		a, err := tx.Attacks.Lock(ctx, f.attack.ID)
		if err != nil {
			return err
		}
		_, err = store.CloseAttack(ctx, tx, a, attack.Failed)
		return err
	}))
	res, err = f.c.Consume(ctx, f.email.Token(artifact.TokenLink).Value)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, attack.Failed, f.status(t))
	assert.Empty(t, f.entries(t))
}

func TestRecordOpen(t *testing.T) {
	f := setup(t, objective.GoalLinkClick, true)
	ctx := context.Background()

	res, err := f.c.RecordOpen(ctx, f.email.Content.ID)
	require.NoError(t, err)
	assert.Equal(t, outcome.EmailOpened, res.Recorded)

	res, err = f.c.RecordOpen(ctx, f.email.Content.ID)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "only the first open is recorded")

	assert.Equal(t, attack.Ongoing, f.status(t))
	assert.Equal(t, []outcome.Type{outcome.EmailOpened}, f.entries(t))
	got, err := f.mem.Stores().Artifacts.Get(ctx, f.email.ID)
	require.NoError(t, err)
	assert.Equal(t, now, *got.Content.Email.OpenedAt)

	_, err = f.c.RecordOpen(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecordOpenBeforeDelivery(t *testing.T) {
	f := setup(t, objective.GoalLinkClick, false)

	_, err := f.c.RecordOpen(context.Background(), f.email.Content.ID)

	assert.ErrorIs(t, err, apperr.ErrNotDelivered)
	assert.Empty(t, f.entries(t))
}
