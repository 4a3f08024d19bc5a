package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"hookline/pkg/artifact"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/outcome"
	"hookline/pkg/review"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "hookline",
			"POSTGRES_PASSWORD": "hookline",
			"POSTGRES_DB":       "hookline",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgres://hookline:hookline@%s:%s/hookline?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, EnsureSchema(ctx, NewPgRunner(pool).Stores()))
	return pool
}

func createObjective(t *testing.T, s Set, targets ...string) *objective.Objective {
	t.Helper()
	now := time.Now()
	o, err := s.Objectives.Create(context.Background(), &objective.Objective{
		OrgID:     "org-1",
		BeginsAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(30 * 24 * time.Hour),
		Goal:      objective.GoalLinkClick,
		Targets:   targets,
	})
	require.NoError(t, err)
	return o
}

func TestPgConcurrentInsertKeepsOneActiveAttack(t *testing.T) {
	pool := startPostgres(t)
	runner := NewPgRunner(pool)
	ctx := context.Background()

	var objs []*objective.Objective
	for range 8 {
		objs = append(objs, createObjective(t, runner.Stores(), "ana@acme.test"))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, claimed := 0, 0
	for _, o := range objs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runner.InTx(ctx, func(s Set) error {
				res, err := s.Attacks.Insert(ctx, o.ID, o.OrgID, o.Targets)
				if err != nil {
					return err
				}
				mu.Lock()
				created += len(res.Created)
				claimed += len(res.Claimed)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 7, claimed)
	active, err := runner.Stores().Attacks.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestPgCloseAttackRemovesUndeliveredArtifacts(t *testing.T) {
	pool := startPostgres(t)
	runner := NewPgRunner(pool)
	ctx := context.Background()

	o := createObjective(t, runner.Stores(), "ben@acme.test")
	res, err := runner.Stores().Attacks.Insert(ctx, o.ID, o.OrgID, o.Targets)
	require.NoError(t, err)
	atk := res.Created[0]

	newEmail := func() *artifact.Artifact {
		return &artifact.Artifact{
			AttackID: atk.ID,
			Content: artifact.Content{
				Kind:  artifact.KindEmail,
				Body:  "Hi Ben, see [link_for_user]",
				Email: &artifact.Email{Subject: "Quick one", Sender: "x@acme.test", Recipients: []string{"ben@acme.test"}, IsHTML: true},
			},
			Tokens: []artifact.Token{artifact.NewToken(artifact.TokenLink)},
		}
	}
	delivered, err := runner.Stores().Artifacts.Create(ctx, newEmail())
	require.NoError(t, err)
	pending, err := runner.Stores().Artifacts.Create(ctx, newEmail())
	require.NoError(t, err)
	_, err = runner.Stores().Reviews.Create(ctx, review.ForArtifact(pending))
	require.NoError(t, err)
	require.NoError(t, runner.Stores().Artifacts.MarkDelivered(ctx, delivered.ID, time.Now()))
	_, err = runner.Stores().Outcomes.Append(ctx, atk.ID, outcome.EmailSent, outcome.ArtifactPayload(delivered), time.Now())
	require.NoError(t, err)

	err = runner.InTx(ctx, func(s Set) error {
		a, err := s.Attacks.Lock(ctx, atk.ID)
		if err != nil {
			return err
		}
		_, err = CloseAttack(ctx, s, a, attack.Success)
		return err
	})
	require.NoError(t, err)

	arts, err := runner.Stores().Artifacts.ByAttack(ctx, atk.ID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, delivered.ID, arts[0].ID)
	_, err = runner.Stores().Artifacts.Get(ctx, pending.ID)
	assert.Error(t, err)

	got, err := runner.Stores().Attacks.Get(ctx, atk.ID)
	require.NoError(t, err)
	assert.Equal(t, attack.Success, got.Status)
	assert.NoError(t, runner.Stores().Outcomes.VerifyChain(ctx, atk.ID))

	queue, err := runner.Stores().Reviews.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)
}
