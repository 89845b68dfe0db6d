package mining

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/hui-federation/pkg/models"
)

func tx(id int64, items []int64, qty, util []float64) models.Transaction {
	return models.Transaction{ID: id, StoreID: "s1", Items: items, Quantities: qty, UnitUtilities: util}
}

func itemsKey(r Result) string {
	items := append([]int64(nil), r.Items...)
	sort.Slice(items, func(a, b int) bool { return items[a] < items[b] })
	return suffixKey(items)
}

// scenarioTransactions builds five items (a,b,c,d,e) across five
// transactions with a planted high-utility itemset {a,c} and a
// low-utility distractor {e}.
func scenarioTransactions() []models.Transaction {
	return []models.Transaction{
		tx(1, []int64{1, 2, 3}, []float64{1, 1, 1}, []float64{5, 1, 3}),
		tx(2, []int64{1, 3, 4}, []float64{2, 1, 1}, []float64{5, 3, 1}),
		tx(3, []int64{2, 3}, []float64{1, 2}, []float64{1, 3}),
		tx(4, []int64{1, 2, 3, 4}, []float64{1, 1, 1, 1}, []float64{5, 1, 3, 1}),
		tx(5, []int64{5}, []float64{1}, []float64{1}),
	}
}

func TestMineFindsPlantedHighUtilityItemset(t *testing.T) {
	txs := scenarioTransactions()
	results, err := Mine(context.Background(), txs, models.MiningParams{MinUtility: 10}, CacheSizes{})
	require.NoError(t, err)

	found := false
	for _, r := range results {
		if itemsKey(r) == suffixKey([]int64{1, 3}) {
			found = true
			assert.InDelta(t, 8.0+13.0+8.0, r.Utility, 1e-9)
		}
	}
	assert.True(t, found, "expected {1,3} among results: %+v", results)
}

func TestMineRespectsMinUtilityThreshold(t *testing.T) {
	txs := scenarioTransactions()
	results, err := Mine(context.Background(), txs, models.MiningParams{MinUtility: 1000}, CacheSizes{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMineNoDuplicateItemsets(t *testing.T) {
	txs := scenarioTransactions()
	results, err := Mine(context.Background(), txs, models.MiningParams{MinUtility: 2}, CacheSizes{})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, r := range results {
		k := itemsKey(r)
		require.False(t, seen[k], "duplicate itemset emitted: %v", r.Items)
		seen[k] = true
	}
}

func TestMineExactUtilityMatchesBruteForce(t *testing.T) {
	txs := scenarioTransactions()
	results, err := Mine(context.Background(), txs, models.MiningParams{MinUtility: 2}, CacheSizes{})
	require.NoError(t, err)

	for _, r := range results {
		var want float64
		for _, tr := range txs {
			present := true
			for _, item := range r.Items {
				hasItem := false
				for _, it := range tr.Items {
					if it == item {
						hasItem = true
						break
					}
				}
				if !hasItem {
					present = false
					break
				}
			}
			if !present {
				continue
			}
			for _, item := range r.Items {
				want += tr.ItemUtility(item)
			}
		}
		assert.InDelta(t, want, r.Utility, 1e-9, "mismatched utility for %v", r.Items)
	}
}

func TestMineRespectsMaxPatternLength(t *testing.T) {
	txs := scenarioTransactions()
	results, err := Mine(context.Background(), txs, models.MiningParams{MinUtility: 0.01, MaxPatternLength: 1}, CacheSizes{})
	require.NoError(t, err)
	for _, r := range results {
		assert.LessOrEqual(t, len(r.Items), 1)
	}
}

func TestMineRespectsMinSupport(t *testing.T) {
	txs := scenarioTransactions()
	results, err := Mine(context.Background(), txs, models.MiningParams{MinUtility: 0.01, MinSupport: 0.9}, CacheSizes{})
	require.NoError(t, err)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Support, 0.9)
	}
}

func TestMineEmptyTransactionsYieldsNoResults(t *testing.T) {
	results, err := Mine(context.Background(), nil, models.MiningParams{MinUtility: 1}, CacheSizes{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMineNegativeMinUtilityRejected(t *testing.T) {
	_, err := Mine(context.Background(), scenarioTransactions(), models.MiningParams{MinUtility: -1}, CacheSizes{})
	assert.Error(t, err)
}

func TestMineIsDeterministicAcrossRuns(t *testing.T) {
	txs := scenarioTransactions()
	first, err := Mine(context.Background(), txs, models.MiningParams{MinUtility: 2}, CacheSizes{})
	require.NoError(t, err)
	second, err := Mine(context.Background(), txs, models.MiningParams{MinUtility: 2}, CacheSizes{})
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Items, second[i].Items)
		assert.InDelta(t, first[i].Utility, second[i].Utility, 1e-9)
	}
}

func TestMineCancelledContextStopsEarly(t *testing.T) {
	txs := scenarioTransactions()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Mine(ctx, txs, models.MiningParams{MinUtility: 0.01}, CacheSizes{})
	assert.ErrorIs(t, err, context.Canceled)
}
