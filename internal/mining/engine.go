// Package mining implements the UP-Growth high-utility itemset miner:
// a two-pass TWU-pruned UP-Tree build followed by a pseudo-projection-
// based recursive mining pass that never materializes a conditional
// tree.
package mining

import (
	"context"
	"fmt"
	"sort"

	"github.com/rawblock/hui-federation/internal/apierr"
	"github.com/rawblock/hui-federation/pkg/models"
)

// Result is one emitted high-utility itemset.
type Result struct {
	Items   []int64
	Utility float64
	Support float64
}

// CacheSizes configures the three LRU caches a Mine call constructs.
// Zero values fall back to package defaults so callers that don't care
// about tuning can leave them unset.
type CacheSizes struct {
	Patterns    int
	Bounds      int
	Projections int
}

const (
	defaultPatternCacheSize    = 4096
	defaultBoundCacheSize      = 4096
	defaultProjectionCacheSize = 1024
)

func (c CacheSizes) withDefaults() CacheSizes {
	if c.Patterns <= 0 {
		c.Patterns = defaultPatternCacheSize
	}
	if c.Bounds <= 0 {
		c.Bounds = defaultBoundCacheSize
	}
	if c.Projections <= 0 {
		c.Projections = defaultProjectionCacheSize
	}
	return c
}

// itemRank carries an item's fixed position in the global TWU-descending
// order established in pass 1.
type itemRank struct {
	item int64
	twu  float64
	rank int
}

// Mine runs the full three-pass algorithm over txs and returns every
// itemset whose exact utility meets params.MinUtility (and, if set,
// params.MinSupport and params.MaxPatternLength). Context cancellation
// is checked between top-level suffix expansions so a long-running job
// can be aborted between candidate items without corrupting partial
// results (the caller discards the partial slice on a cancellation
// error).
func Mine(ctx context.Context, txs []models.Transaction, params models.MiningParams, sizes CacheSizes) ([]Result, error) {
	if params.MinUtility < 0 {
		return nil, apierr.Validation("min_utility", "negative_min_utility", "min_utility must be non-negative")
	}
	if len(txs) == 0 {
		return nil, nil
	}

	sizes = sizes.withDefaults()

	twu := computeTWU(txs)
	order, rankOf := buildGlobalOrder(twu, params.MinUtility)
	if len(order) == 0 {
		return nil, nil
	}

	tree := newUPTree()
	for idx, tx := range txs {
		filtered := filterAndSortByRank(tx, rankOf)
		if len(filtered) == 0 {
			continue
		}
		items := make([]int64, len(filtered))
		residual := make([]float64, len(filtered))
		var running float64
		for k, it := range filtered {
			running += it.utility
			items[k] = it.item
			residual[k] = running
		}
		tree.insert(idx, items, residual)
	}

	caches, err := newCaches(sizes.Patterns, sizes.Bounds, sizes.Projections)
	if err != nil {
		return nil, fmt.Errorf("constructing mining caches: %w", err)
	}

	m := &miner{
		txs:     txs,
		params:  params,
		rankOf:  rankOf,
		tree:    tree,
		caches:  caches,
		results: make([]Result, 0, 64),
	}

	for i := len(order) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return m.results, err
		}
		alpha := order[i].item
		base := tree.conditionalBase(alpha)
		m.mineSuffix([]int64{alpha}, base, i)
	}

	sort.Slice(m.results, func(a, b int) bool {
		if m.results[a].Utility != m.results[b].Utility {
			return m.results[a].Utility > m.results[b].Utility
		}
		return suffixKey(m.results[a].Items) < suffixKey(m.results[b].Items)
	})

	return m.results, nil
}

type miner struct {
	txs     []models.Transaction
	params  models.MiningParams
	rankOf  map[int64]int
	tree    *upTree
	caches  *caches
	results []Result
}

type rankedItemUtility struct {
	item    int64
	utility float64
}

func computeTWU(txs []models.Transaction) map[int64]float64 {
	twu := make(map[int64]float64)
	for _, tx := range txs {
		tu := tx.Utility()
		seen := make(map[int64]struct{}, len(tx.Items))
		for _, item := range tx.Items {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			twu[item] += tu
		}
	}
	return twu
}

// buildGlobalOrder filters items to I* (TWU >= minUtility, the
// standard UP-Growth TWU-pruning bound since utility never exceeds
// transaction-weighted utility) and fixes the TWU-descending,
// item-ascending-tiebreak order used throughout passes 2 and 3.
func buildGlobalOrder(twu map[int64]float64, minUtility float64) ([]itemRank, map[int64]int) {
	items := make([]int64, 0, len(twu))
	for item, u := range twu {
		if u >= minUtility {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(a, b int) bool {
		if twu[items[a]] != twu[items[b]] {
			return twu[items[a]] > twu[items[b]]
		}
		return items[a] < items[b]
	})
	order := make([]itemRank, len(items))
	rankOf := make(map[int64]int, len(items))
	for i, item := range items {
		order[i] = itemRank{item: item, twu: twu[item], rank: i}
		rankOf[item] = i
	}
	return order, rankOf
}

// filterAndSortByRank restricts a transaction's items to I* (those
// surviving TWU pruning) and sorts the survivors into the global order.
func filterAndSortByRank(tx models.Transaction, rankOf map[int64]int) []rankedItemUtility {
	out := make([]rankedItemUtility, 0, len(tx.Items))
	for _, item := range tx.Items {
		if _, ok := rankOf[item]; ok {
			out = append(out, rankedItemUtility{item: item, utility: tx.ItemUtility(item)})
		}
	}
	sort.Slice(out, func(a, b int) bool { return rankOf[out[a].item] < rankOf[out[b].item] })
	return out
}

// mineSuffix is the pass-3 recursion. suffix is ordered
// most-recently-added-item-last (emitted Results carry its items sorted
// ascending), but only its set membership and the maxRank bound matter
// for correctness. proj holds
// the (possibly narrowed) conditional pattern base for suffix; maxRank
// bounds which ancestor items may still extend it — only items with
// rank strictly less than maxRank, guaranteeing each itemset is
// produced by exactly one recursion path (its unique highest-rank
// member is always the first item chosen, at the top-level loop).
func (m *miner) mineSuffix(suffix []int64, proj projection, maxRank int) {
	key := suffixKey(suffix)

	utility, support := m.exactUtilityAndSupport(suffix, proj.distinctTxRefs())
	if utility >= m.params.MinUtility &&
		(m.params.MinSupport <= 0 || support >= m.params.MinSupport) &&
		(m.params.MaxPatternLength <= 0 || len(suffix) <= m.params.MaxPatternLength) {
		if m.caches.markEmitted(key) {
			items := append([]int64(nil), suffix...)
			sort.Slice(items, func(a, b int) bool { return items[a] < items[b] })
			m.results = append(m.results, Result{Items: items, Utility: utility, Support: support})
		}
	}

	// Sound early termination: no extension of suffix can have exact
	// utility exceeding the prefix-sum bound accumulated over its
	// surviving conditional-pattern-base entries.
	bound, ok := m.caches.getBound(key)
	if !ok {
		bound = proj.utilitySum()
		m.caches.putBound(key, bound)
	}
	if bound < m.params.MinUtility {
		return
	}
	if m.params.MaxPatternLength > 0 && len(suffix) >= m.params.MaxPatternLength {
		return
	}

	local := proj.localTWU()
	candidates := make([]int64, 0, len(local))
	for item, itemBound := range local {
		if m.rankOf[item] >= maxRank {
			continue
		}
		if itemBound < m.params.MinUtility {
			continue
		}
		candidates = append(candidates, item)
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a] < candidates[b] })

	for _, beta := range candidates {
		betaRank := m.rankOf[beta]
		var narrowed projection
		if cached, ok := m.caches.getProjection(m.tree.generation, key, beta); ok {
			narrowed = cached
		} else {
			narrowed = proj.narrow(beta)
			m.caches.putProjection(m.tree.generation, key, beta, narrowed)
		}
		nextSuffix := append(append([]int64(nil), suffix...), beta)
		m.mineSuffix(nextSuffix, narrowed, betaRank)
	}
}

// exactUtilityAndSupport recomputes, directly from the original
// transaction data referenced by txRefs, the true utility and support
// of suffix. This is what makes emission decisions sound regardless of
// how loose the DGN/TWU pruning bounds are: the bounds only decide
// what to keep exploring, never what to emit.
func (m *miner) exactUtilityAndSupport(suffix []int64, txRefs []int) (utility float64, support float64) {
	if len(m.txs) == 0 {
		return 0, 0
	}
	count := 0
	for _, idx := range txRefs {
		tx := m.txs[idx]
		var u float64
		for _, item := range suffix {
			u += tx.ItemUtility(item)
		}
		utility += u
		count++
	}
	support = float64(count) / float64(len(m.txs))
	return utility, support
}
