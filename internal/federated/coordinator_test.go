package federated

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/hui-federation/internal/session"
	"github.com/rawblock/hui-federation/internal/store/storetest"
	"github.com/rawblock/hui-federation/pkg/models"
)

func registerActiveStore(t *testing.T, reg *session.Registry, id string) {
	t.Helper()
	_, err := reg.Register(context.Background(), id, id, "10.0.0.1")
	require.NoError(t, err)
}

// seedEligiblePattern creates a completed mining job for storeID with
// one local pattern attached, matching the shape ListEligibleLocalPatterns
// expects (a completed job, an unattributed pattern).
func seedEligiblePattern(t *testing.T, st *storetest.MemoryStore, storeID string, items []int64, utility, support float64) {
	t.Helper()
	job := models.MiningJob{ID: storeID + "-job", StoreID: storeID, Status: models.JobRunning, CreatedAt: time.Now()}
	require.NoError(t, st.CreateMiningJob(context.Background(), job))

	job.Status = models.JobCompleted
	pattern := models.LocalPattern{
		JobID:     job.ID,
		StoreID:   storeID,
		Items:     items,
		Utility:   utility,
		Support:   support,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.CompleteJobWithPatterns(context.Background(), job, []models.LocalPattern{pattern}))

	tx := models.Transaction{ID: 1, StoreID: storeID, Items: []int64{1, 2}, Quantities: []float64{1, 1}, UnitUtilities: []float64{1, 1}}
	_, err := st.InsertTransactions(context.Background(), storeID, []models.Transaction{tx, tx})
	require.NoError(t, err)
}

func TestStartRoundFailsBelowMinClients(t *testing.T) {
	st := storetest.NewMemoryStore()
	reg := session.New(st, time.Hour)
	registerActiveStore(t, reg, "store-1")

	coord := New(st, reg, 1.0, 10.0)
	_, err := coord.StartRound(context.Background(), 2, 0)
	assert.Error(t, err)
}

func TestStartRoundRejectsOverBudgetEpsilon(t *testing.T) {
	st := storetest.NewMemoryStore()
	reg := session.New(st, time.Hour)
	registerActiveStore(t, reg, "store-1")

	coord := New(st, reg, 1.0, 1.0)
	_, err := coord.StartRound(context.Background(), 1, 5.0)
	assert.Error(t, err)
}

func TestAggregateWeightedSupport(t *testing.T) {
	weights := map[string]float64{"a": 10, "b": 30}
	patterns := []models.LocalPattern{
		{ID: "p1", StoreID: "a", Items: []int64{1, 2}, Utility: 5, Support: 0.5},
		{ID: "p2", StoreID: "b", Items: []int64{2, 1}, Utility: 7, Support: 0.2},
	}
	groups := aggregate(patterns, weights)
	require.Len(t, groups, 1)
	for _, g := range groups {
		assert.InDelta(t, 12.0, g.utilitySum, 1e-9)
		wantSupport := (0.5*10 + 0.2*30) / 40
		got := g.weightedSupport / g.totalWeight
		assert.InDelta(t, wantSupport, got, 1e-9)
		assert.Len(t, g.stores, 2)
	}
}

func TestCanonicalKeyIgnoresOrder(t *testing.T) {
	assert.Equal(t, canonicalKey([]int64{3, 1, 2}), canonicalKey([]int64{1, 2, 3}))
}

func TestStartRoundCommitsGlobalPatternsAndAttributesLocalPatterns(t *testing.T) {
	st := storetest.NewMemoryStore()
	reg := session.New(st, time.Hour)
	registerActiveStore(t, reg, "store-1")
	registerActiveStore(t, reg, "store-2")

	seedEligiblePattern(t, st, "store-1", []int64{1, 2}, 10, 0.5)
	seedEligiblePattern(t, st, "store-2", []int64{2, 1}, 6, 0.5)

	coord := New(st, reg, 1.0, 10.0)
	round, err := coord.StartRound(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, models.RoundCompleted, round.Status)
	assert.Equal(t, 2, round.ParticipatingClients)
	assert.Equal(t, 1, round.PatternsAggregated)

	patterns, err := st.GetRoundPatterns(context.Background(), round.ID)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.InDelta(t, 16.0, patterns[0].AggregatedUtility, 1e-9)
	assert.Equal(t, 2, patterns[0].ContributingStores)

	eligibleAfter, err := st.ListEligibleLocalPatterns(context.Background(), []string{"store-1", "store-2"})
	require.NoError(t, err)
	assert.Empty(t, eligibleAfter, "consumed local patterns must be attributed to the round")
}

func TestRoundsAreStrictlyIncreasing(t *testing.T) {
	st := storetest.NewMemoryStore()
	n1, err := st.NextRoundNumber(context.Background())
	require.NoError(t, err)
	n2, err := st.NextRoundNumber(context.Background())
	require.NoError(t, err)
	assert.Greater(t, n2, n1)
}
