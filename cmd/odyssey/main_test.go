package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/app"
	"github.com/odyssey-erp/fulfillment/internal/inventory"
	_ "github.com/odyssey-erp/fulfillment/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}

func TestOpenMemoryBackend(t *testing.T) {
	cfg := &app.Config{StorageDriver: app.DriverMemory, MemoryWarehouses: []int64{1}, MemoryProducts: []int64{5}}
	be, err := openBackend(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer be.close()
	require.Nil(t, be.ready)

	_, err = be.repo.GetBalance(context.Background(), 1, 5)
	require.ErrorIs(t, err, inventory.ErrBalanceNotFound)
}
