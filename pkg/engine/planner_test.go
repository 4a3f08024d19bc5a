package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookline/internal/apperr"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
)

// rawObjective stores an objective without creating its attacks.
func (h *harness) rawObjective(orgID string, targets ...string) objective.Objective {
	h.t.Helper()
	o, err := h.mem.Stores().Objectives.Create(context.Background(), &objective.Objective{
		OrgID:     orgID,
		Goal:      objective.GoalLinkClick,
		BeginsAt:  h.now.Add(-time.Hour),
		ExpiresAt: h.now.Add(30 * day),
		Targets:   targets,
	})
	require.NoError(h.t, err)
	return *o
}

func eligibleOf(objs ...objective.Objective) []Eligible {
	var out []Eligible
	for _, o := range objs {
		for _, t := range o.Targets {
			out = append(out, Eligible{Objective: o, Target: t})
		}
	}
	return out
}

// byObjective maps objective ID to the targets planned for it.
func byObjective(created []attack.Attack) map[string][]string {
	out := map[string][]string{}
	for _, a := range created {
		out[a.ObjectiveID] = append(out[a.ObjectiveID], a.Target)
	}
	return out
}

func TestPlanFirstObjectiveWinsSharedTarget(t *testing.T) {
	h := newHarness(t)
	first := h.rawObjective(org, "ana@acme.test", "ben@acme.test")
	second := h.rawObjective(org, "ben@acme.test", "cy@acme.test")

	created, err := h.eng.plan(context.Background(), eligibleOf(first, second))

	require.NoError(t, err)
	want := map[string][]string{
		first.ID:  {"ana@acme.test", "ben@acme.test"},
		second.ID: {"cy@acme.test"},
	}
	if diff := cmp.Diff(want, byObjective(created)); diff != "" {
		t.Errorf("planned attacks mismatch (-want +got):\n%s", diff)
	}
	for _, a := range created {
		assert.Equal(t, attack.WaitingForData, a.Status)
	}
}

func TestPlanSkipsBusyTargetsAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	busy := h.rawObjective(org, "ana@acme.test")
	_, err := h.mem.Stores().Attacks.Insert(ctx, busy.ID, org, busy.Targets)
	require.NoError(t, err)
	o := h.rawObjective(org, "ana@acme.test", "ben@acme.test")

	created, err := h.eng.plan(ctx, eligibleOf(o))
	require.NoError(t, err)
	if diff := cmp.Diff(map[string][]string{o.ID: {"ben@acme.test"}}, byObjective(created)); diff != "" {
		t.Errorf("planned attacks mismatch (-want +got):\n%s", diff)
	}

	again, err := h.eng.plan(ctx, eligibleOf(o))
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPlanSameAddressInDifferentOrgs(t *testing.T) {
	h := newHarness(t)
	a := h.rawObjective("org-a", "ana@acme.test")
	b := h.rawObjective("org-b", "ana@acme.test")

	created, err := h.eng.plan(context.Background(), eligibleOf(a, b))

	require.NoError(t, err)
	assert.Len(t, created, 2)
}

func TestPlanReplansAfterTerminalAttack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.rawObjective(org, "ana@acme.test")
	created, err := h.eng.plan(ctx, eligibleOf(o))
	require.NoError(t, err)
	require.Len(t, created, 1)

	require.NoError(t, h.mem.Stores().Attacks.SetStatus(ctx, created[0].ID, attack.Failed))
	next := h.rawObjective(org, "ana@acme.test")
	created, err = h.eng.plan(ctx, eligibleOf(next))
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, next.ID, created[0].ObjectiveID)
}

func TestOneActiveAttackPerTargetAcrossTicks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.objective(objective.GoalLinkClick, -time.Hour, 30*day, "ana@acme.test")
	second := h.objective(objective.GoalCredentials, -time.Hour, 30*day, "ana@acme.test")

	for range 3 {
		h.tick()
	}

	active, err := h.mem.Stores().Attacks.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ObjectiveID)
	assert.Empty(t, h.attacks(second.ID))
}

func TestCreateObjectiveValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.eng.CreateObjective(ctx, objective.Objective{
		OrgID: org, Goal: objective.GoalLinkClick,
		BeginsAt: h.now.Add(day), ExpiresAt: h.now,
		Targets: []string{"ana@acme.test"},
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, _, err = h.eng.CreateObjective(ctx, objective.Objective{
		OrgID: org, Goal: objective.GoalLinkClick,
		BeginsAt: h.now, ExpiresAt: h.now.Add(day),
		Targets: []string{"Ana@acme.test", "ana@ACME.test "},
	})
	assert.ErrorIs(t, err, apperr.ErrTargetNotUnique)

	o, res, err := h.eng.CreateObjective(ctx, objective.Objective{
		OrgID: org, Goal: objective.GoalLinkClick,
		BeginsAt: h.now, ExpiresAt: h.now.Add(day),
		Targets: []string{" Ana@Acme.test"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ana@acme.test"}, o.Targets)
	assert.Equal(t, objective.Created, o.Status)
	require.Len(t, res.Created, 1)

	_, res, err = h.eng.CreateObjective(ctx, objective.Objective{
		OrgID: org, Goal: objective.GoalCredentials,
		BeginsAt: h.now, ExpiresAt: h.now.Add(day),
		Targets: []string{"ana@acme.test", "ben@acme.test"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ana@acme.test"}, res.Claimed)
	assert.Len(t, res.Created, 1)
}

func TestUpdateObjective(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.objective(objective.GoalLinkClick, -time.Hour, 30*day, "ana@acme.test", "ben@acme.test")
	h.profiles["ben@acme.test"] = fullProfile("ben@acme.test")
	h.tick()

	_, err := h.eng.UpdateObjective(ctx, o.ID, objective.Patch{Targets: []string{"ben@acme.test", "cy@acme.test"}})
	require.NoError(t, err)

	status := map[string]attack.Status{}
	for _, a := range h.attacks(o.ID) {
		status[a.Target] = a.Status
	}
	if diff := cmp.Diff(map[string]attack.Status{
		"ana@acme.test": attack.Failed,
		"ben@acme.test": attack.Ongoing,
		"cy@acme.test":  attack.WaitingForData,
	}, status); diff != "" {
		t.Errorf("attack states mismatch (-want +got):\n%s", diff)
	}

	begins := h.now
	_, err = h.eng.UpdateObjective(ctx, o.ID, objective.Patch{BeginsAt: &begins})
	assert.ErrorIs(t, err, apperr.ErrValidation, "a started objective keeps its start")

	past := h.now.Add(-time.Minute)
	updated, err := h.eng.UpdateObjective(ctx, o.ID, objective.Patch{ExpiresAt: &past})
	require.NoError(t, err)
	assert.Equal(t, objective.Expired, updated.Status)
	for _, a := range h.attacks(o.ID) {
		assert.True(t, a.Status.Terminal(), "attack on %s", a.Target)
	}

	later := h.now.Add(day)
	_, err = h.eng.UpdateObjective(ctx, o.ID, objective.Patch{ExpiresAt: &later})
	assert.ErrorIs(t, err, apperr.ErrObjectiveExpired)
	_, err = h.eng.UpdateObjective(ctx, "missing", objective.Patch{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
