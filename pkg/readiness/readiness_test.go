package readiness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookline/internal/memstore"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/outcome"
	"hookline/pkg/profile"
)

const day = 24 * time.Hour

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

func minimalProfile() *profile.Snapshot {
	return &profile.Snapshot{Individual: profile.Individual{
		FirstName: strp("Ana"),
		Emails:    []profile.Handle{{Value: "ana@acme.test"}},
	}}
}

func richProfile() *profile.Snapshot {
	p := minimalProfile()
	p.RoleTitle = strp("Controller")
	p.Peers = []profile.Individual{{FirstName: strp("Ben")}}
	p.Organization.Industry = strp("Manufacturing")
	return p
}

func TestRemainingPercent(t *testing.T) {
	tests := []struct {
		name    string
		total   time.Duration
		elapsed time.Duration
		want    int
	}{
		{"sawtooth inside long objective", 40 * day, 10 * day, 66},
		{"start of first window", 90 * day, 0, 100},
		{"resets at window boundary", 90 * day, 30 * day, 100},
		{"late in second window", 90 * day, 57 * day, 10},
		{"final window counts down to expiry", 40 * day, 20 * day, 66},
		{"final window near expiry", 30 * day, 24 * day, 20},
		{"short objective", 10 * day, 0, 33},
		{"expired", 30 * day, 31 * day, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RemainingPercent(t0, t0.Add(tt.total), t0.Add(tt.elapsed), DefaultWindow)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemainingPercentNonIncreasingWithinWindow(t *testing.T) {
	begins, expires := t0, t0.Add(120*day)
	prev := 101
	for h := 0; h < 30*24; h += 7 {
		got := RemainingPercent(begins, expires, begins.Add(time.Duration(h)*time.Hour), DefaultWindow)
		assert.LessOrEqual(t, got, prev)
		prev = got
	}
	assert.Equal(t, 100, RemainingPercent(begins, expires, begins.Add(30*day), DefaultWindow))
}

func TestCombinators(t *testing.T) {
	yes := func(Context) bool { return true }
	no := func(Context) bool { return false }

	assert.True(t, AllOf()(Context{}))
	assert.False(t, AnyOf()(Context{}))
	assert.True(t, AllOf(yes, yes)(Context{}))
	assert.False(t, AllOf(yes, no)(Context{}))
	assert.True(t, AnyOf(no, yes)(Context{}))
	assert.True(t, AllOf(AnyOf(no, yes), yes)(Context{}))
}

func TestEmptyProfileNeverReady(t *testing.T) {
	for _, goal := range []objective.Goal{objective.GoalLinkClick, objective.GoalCredentials} {
		req := ForGoal(goal, DefaultCooldown)
		for pct := 0; pct <= 100; pct += 5 {
			c := Context{
				Objective:        &objective.Objective{Goal: goal},
				Profile:          &profile.Snapshot{},
				RemainingPercent: pct,
				Now:              t0,
			}
			assert.False(t, req.Met(c), "goal %s at %d%%", goal, pct)
		}
	}
}

func TestGraduatedRequirements(t *testing.T) {
	withRole := minimalProfile()
	withRole.RoleTitle = strp("Controller")
	withPeers := minimalProfile()
	withPeers.Peers = []profile.Individual{{FirstName: strp("Ben")}}

	tests := []struct {
		name    string
		goal    objective.Goal
		profile *profile.Snapshot
		pct     int
		want    bool
	}{
		{"link minimal late", objective.GoalLinkClick, minimalProfile(), 20, true},
		{"link minimal early", objective.GoalLinkClick, minimalProfile(), 80, false},
		{"link role at 40", objective.GoalLinkClick, withRole, 40, true},
		{"link peers only at 40", objective.GoalLinkClick, withPeers, 40, false},
		{"link rich early", objective.GoalLinkClick, richProfile(), 100, true},
		{"creds peers at 40", objective.GoalCredentials, withPeers, 40, true},
		{"creds role only at 40", objective.GoalCredentials, withRole, 40, false},
		{"creds minimal at 25", objective.GoalCredentials, minimalProfile(), 25, false},
		{"creds rich early", objective.GoalCredentials, richProfile(), 99, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Context{
				Objective:        &objective.Objective{Goal: tt.goal},
				Profile:          tt.profile,
				RemainingPercent: tt.pct,
				Now:              t0,
			}
			assert.Equal(t, tt.want, ForGoal(tt.goal, DefaultCooldown).Met(c))
		})
	}
}

func TestCooldownBlocksRecentInteraction(t *testing.T) {
	recent := t0.Add(-2 * day)
	old := t0.Add(-8 * day)
	c := Context{
		Objective:        &objective.Objective{Goal: objective.GoalLinkClick},
		Profile:          richProfile(),
		RemainingPercent: 10,
		Now:              t0,
	}

	c.LastInteraction = &recent
	assert.False(t, LinkClick(DefaultCooldown).Met(c))

	c.LastInteraction = &old
	assert.True(t, LinkClick(DefaultCooldown).Met(c))
}

func TestMismatchedGoalPanics(t *testing.T) {
	c := Context{Objective: &objective.Objective{Goal: objective.GoalCredentials}, Profile: richProfile()}
	assert.Panics(t, func() { LinkClick(DefaultCooldown).Met(c) })
}

func TestLastInteraction(t *testing.T) {
	ctx := context.Background()
	now := t0
	m := memstore.New(memstore.WithClock(func() time.Time { return now }))
	s := m.Stores()
	pair := attack.Pair{Target: "ana@acme.test", OrgID: "org"}

	last, err := LastInteraction(ctx, s.Attacks, s.Outcomes, pair)
	require.NoError(t, err)
	assert.Nil(t, last, "never attacked")

	res, err := s.Attacks.Insert(ctx, "obj-1", "org", []string{pair.Target})
	require.NoError(t, err)
	atk := res.Created[0]

	last, err = LastInteraction(ctx, s.Attacks, s.Outcomes, pair)
	require.NoError(t, err)
	assert.Nil(t, last, "active attacks do not count")

	now = t0.Add(day)
	require.NoError(t, s.Attacks.SetStatus(ctx, atk.ID, attack.Failed))
	last, err = LastInteraction(ctx, s.Attacks, s.Outcomes, pair)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, t0.Add(day), *last, "falls back to the attack's last update")

	_, err = s.Outcomes.Append(ctx, atk.ID, outcome.EmailSent, nil, t0.Add(3*day))
	require.NoError(t, err)
	last, err = LastInteraction(ctx, s.Attacks, s.Outcomes, pair)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*day), *last)
}

func TestEvaluatorReady(t *testing.T) {
	ctx := context.Background()
	m := memstore.New()
	s := m.Stores()
	e := &Evaluator{Attacks: s.Attacks, Outcomes: s.Outcomes, Window: DefaultWindow, Cooldown: DefaultCooldown}

	obj := &objective.Objective{ID: "obj", OrgID: "org", Goal: objective.GoalLinkClick, BeginsAt: t0, ExpiresAt: t0.Add(30 * day)}
	atk := &attack.Attack{ID: "atk", ObjectiveID: "obj", OrgID: "org", Target: "ana@acme.test"}

	ready, err := e.Ready(ctx, obj, atk, minimalProfile(), t0.Add(6*day))
	require.NoError(t, err)
	assert.False(t, ready, "80% left needs a richer profile")

	ready, err = e.Ready(ctx, obj, atk, minimalProfile(), t0.Add(24*day))
	require.NoError(t, err)
	assert.True(t, ready, "20% left needs only name and address")

	ready, err = e.Ready(ctx, obj, atk, nil, t0.Add(24*day))
	require.NoError(t, err)
	assert.False(t, ready, "absent profile")
}
