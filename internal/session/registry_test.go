package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/hui-federation/internal/store/storetest"
)

func TestRegisterIsIdempotent(t *testing.T) {
	st := storetest.NewMemoryStore()
	r := New(st, time.Minute)

	first, err := r.Register(context.Background(), "store-1", "Corner Shop", "10.0.0.1")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	second, err := r.Register(context.Background(), "store-1", "Corner Shop", "10.0.0.2")
	require.NoError(t, err)

	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, "10.0.0.2", second.IP)
}

func TestHeartbeatUnknownStoreFails(t *testing.T) {
	st := storetest.NewMemoryStore()
	r := New(st, time.Minute)
	err := r.Heartbeat(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestSweepMarksStaleStoresInactive(t *testing.T) {
	st := storetest.NewMemoryStore()
	r := New(st, 10*time.Millisecond)

	_, err := r.Register(context.Background(), "store-1", "Corner Shop", "10.0.0.1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Sweep(context.Background()))

	active := r.ActiveStores()
	assert.Empty(t, active)

	s, ok := r.Get("store-1")
	require.True(t, ok)
	assert.Equal(t, "inactive", string(s.ConnectionStatus))
}

func TestHeartbeatRevivesInactiveStore(t *testing.T) {
	st := storetest.NewMemoryStore()
	r := New(st, 10*time.Millisecond)

	_, err := r.Register(context.Background(), "store-1", "Corner Shop", "10.0.0.1")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Sweep(context.Background()))
	require.Empty(t, r.ActiveStores())

	require.NoError(t, r.Heartbeat(context.Background(), "store-1"))
	assert.Len(t, r.ActiveStores(), 1)
}

func TestActiveStoresReflectsOnlyActive(t *testing.T) {
	st := storetest.NewMemoryStore()
	r := New(st, time.Hour)

	_, err := r.Register(context.Background(), "store-1", "A", "10.0.0.1")
	require.NoError(t, err)
	_, err = r.Register(context.Background(), "store-2", "B", "10.0.0.2")
	require.NoError(t, err)

	active := r.ActiveStores()
	assert.Len(t, active, 2)
}
