package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/hui-federation/internal/mining"
	"github.com/rawblock/hui-federation/internal/store/storetest"
	"github.com/rawblock/hui-federation/pkg/models"
)

func seedStoreWithTransactions(t *testing.T, st *storetest.MemoryStore, storeID string) {
	t.Helper()
	txs := []models.Transaction{
		{ID: 1, StoreID: storeID, Items: []int64{1, 2}, Quantities: []float64{1, 1}, UnitUtilities: []float64{10, 10}},
		{ID: 2, StoreID: storeID, Items: []int64{1, 2}, Quantities: []float64{1, 1}, UnitUtilities: []float64{10, 10}},
	}
	_, err := st.InsertTransactions(context.Background(), storeID, txs)
	require.NoError(t, err)
}

func TestPoolSubmitRunsJobToCompletion(t *testing.T) {
	st := storetest.NewMemoryStore()
	seedStoreWithTransactions(t, st, "store-1")

	p := New(st, 2, time.Hour, mining.CacheSizes{}, nil)
	job, err := p.Submit(context.Background(), "store-1", models.MiningParams{MinUtility: 1})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	var final models.MiningJob
	for time.Now().Before(deadline) {
		got, ok, err := st.GetMiningJob(context.Background(), job.ID)
		require.NoError(t, err)
		require.True(t, ok)
		if got.Status == models.JobCompleted || got.Status == models.JobFailed {
			final = got
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(t, models.JobCompleted, final.Status)
	assert.Greater(t, final.PatternsFound, 0)

	patterns, err := st.ListLocalPatterns(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, patterns, final.PatternsFound)
}

func TestReapStaleMarksOrphanedJobsFailed(t *testing.T) {
	st := storetest.NewMemoryStore()
	started := time.Now().Add(-time.Hour)
	job := models.MiningJob{ID: "orphan-1", StoreID: "store-1", Status: models.JobRunning, StartedAt: &started, CreatedAt: started}
	require.NoError(t, st.CreateMiningJob(context.Background(), job))

	p := New(st, 1, time.Minute, mining.CacheSizes{}, nil)
	n, err := p.ReapStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok, err := st.GetMiningJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.JobFailed, got.Status)
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeBroadcaster) Broadcast(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, data)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestPoolBroadcastsJobCompletedEvent(t *testing.T) {
	st := storetest.NewMemoryStore()
	seedStoreWithTransactions(t, st, "store-1")

	hub := &fakeBroadcaster{}
	p := New(st, 2, time.Hour, mining.CacheSizes{}, hub)
	_, err := p.Submit(context.Background(), "store-1", models.MiningParams{MinUtility: 1})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, hub.count())
}
