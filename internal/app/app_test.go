package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hookline/internal/config"
	"hookline/internal/memstore"
)

func TestOpenStoreEphemeral(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Ephemeral = true

	runner, closeStore, err := OpenStore(context.Background(), cfg, zap.NewNop())

	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &memstore.Memory{}, runner)
}

func TestWaitForSchemaRetriesUntilReady(t *testing.T) {
	calls := 0
	err := WaitForSchema(context.Background(), zap.NewNop(), 3, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("relation \"attacks\" does not exist")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWaitForSchemaStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitForSchema(ctx, zap.NewNop(), 30, func(context.Context) error {
		return errors.New("not yet")
	})

	assert.ErrorIs(t, err, context.Canceled)
}
