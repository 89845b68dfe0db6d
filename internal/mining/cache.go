package mining

import (
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// caches bundles the three bounded LRU caches a single Mine call uses.
// Sizes are configuration knobs (internal/config), not constants, so a
// deployment can trade memory for hit rate.
//
// None of these caches affects correctness: a bounds or projection
// miss simply recomputes from proj, and a patterns miss only means the
// itemset is emitted (its utility/support are always computed directly
// from txRefs before the patterns cache is consulted).
type caches struct {
	// patterns guards against re-emitting the same itemset twice. Keyed
	// on the canonical sorted-item string. The rank-based ancestor-only
	// recursion already guarantees each itemset has exactly one
	// generating path, so a hit here would indicate a bug elsewhere.
	patterns *lru.Cache[string, struct{}]

	// bounds memoizes a suffix's projection-utility upper bound, keyed
	// on the same canonical sorted-item string as patterns. Like
	// patterns, the one-generating-path invariant means a suffix is
	// only ever priced once per Mine call, so this never records a
	// real hit today; it is wired the same way the projection cache
	// is so both are ready if mineSuffix ever gains a second caller
	// that revisits a suffix (a resumed or incremental job, say).
	bounds *lru.Cache[string, float64]

	// projections memoizes narrow() results keyed by (generation,
	// suffix, item) so repeated descents into a popular candidate
	// don't re-scan the parent projection's entries. Each entry records
	// the tree's generation and a mismatch is treated as a cache miss.
	// The generation is never changed after the tree is built, and
	// every Mine call builds its own tree and its own caches, so in
	// practice entries are only ever read against the tree they came
	// from.
	projections *lru.Cache[string, cachedProjection]
}

type cachedProjection struct {
	generation int64
	value      projection
}

func newCaches(patternSize, boundSize, projectionSize int) (*caches, error) {
	p, err := lru.New[string, struct{}](patternSize)
	if err != nil {
		return nil, err
	}
	b, err := lru.New[string, float64](boundSize)
	if err != nil {
		return nil, err
	}
	pr, err := lru.New[string, cachedProjection](projectionSize)
	if err != nil {
		return nil, err
	}
	return &caches{patterns: p, bounds: b, projections: pr}, nil
}

// suffixKey canonicalizes a suffix (built most-recent-item-last by
// the recursion) into a stable cache key by joining a sorted copy of
// its items, so the key depends only on the item set.
func suffixKey(suffix []int64) string {
	sorted := append([]int64(nil), suffix...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
	var sb strings.Builder
	for i, item := range sorted {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(item, 10))
	}
	return sb.String()
}

func (c *caches) markEmitted(key string) bool {
	if _, ok := c.patterns.Get(key); ok {
		return false
	}
	c.patterns.Add(key, struct{}{})
	return true
}

func (c *caches) getBound(suffixK string) (float64, bool) {
	return c.bounds.Get(suffixK)
}

func (c *caches) putBound(suffixK string, bound float64) {
	c.bounds.Add(suffixK, bound)
}

func (c *caches) getProjection(generation int64, suffixK string, item int64) (projection, bool) {
	v, ok := c.projections.Get(suffixK + "|" + strconv.FormatInt(item, 10))
	if !ok || v.generation != generation {
		return projection{}, false
	}
	return v.value, true
}

func (c *caches) putProjection(generation int64, suffixK string, item int64, p projection) {
	c.projections.Add(suffixK+"|"+strconv.FormatInt(item, 10), cachedProjection{generation: generation, value: p})
}
