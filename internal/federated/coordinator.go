// Package federated implements the round coordinator: it opens
// federated rounds, collects eligible local patterns, aggregates them
// into global patterns, optionally privatizes the aggregate with
// Laplace differential-privacy noise, and commits the result in one
// transaction. The noise generator draws a cryptographically-seeded,
// persisted, reproducible per-round seed rather than an ephemeral one.
package federated

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"math/big"
	gorand "math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rawblock/hui-federation/internal/apierr"
	"github.com/rawblock/hui-federation/internal/session"
	"github.com/rawblock/hui-federation/internal/store"
	"github.com/rawblock/hui-federation/pkg/models"
)

// Coordinator owns the FederatedRound lifecycle. It is the sole writer
// of FederatedRound and GlobalPattern rows.
type Coordinator struct {
	st          store.Store
	registry    *session.Registry
	sensitivity float64
	budgetCap   float64
}

// New constructs a Coordinator. sensitivity is the declared global
// sensitivity Δ used in the Laplace scale Δ/ε; budgetCap is the
// cumulative epsilon ceiling across all completed rounds.
func New(st store.Store, registry *session.Registry, sensitivity, budgetCap float64) *Coordinator {
	return &Coordinator{st: st, registry: registry, sensitivity: sensitivity, budgetCap: budgetCap}
}

// aggregateGroup accumulates the per-group sums needed for the
// weighted-average aggregation formulae.
type aggregateGroup struct {
	items           []int64
	utilitySum      float64
	weightedSupport float64
	totalWeight     float64
	stores          map[string]struct{}
	patternIDs      []string
}

// StartRound runs the full round protocol synchronously: open, collect,
// aggregate, privatize, commit. On success it returns the completed
// round and a nil error. Every failure returns a non-nil *apierr.Error:
// privacy_budget_exhausted and insufficient_clients are conflict errors
// (insufficient_clients also returns the round, now marked failed);
// persistence failures are transient errors with a zero round.
func (c *Coordinator) StartRound(ctx context.Context, minClientsRequired int, epsilon float64) (models.FederatedRound, error) {
	if minClientsRequired <= 0 {
		minClientsRequired = 1
	}

	if epsilon > 0 {
		consumed, err := c.st.SumConsumedEpsilon(ctx)
		if err != nil {
			return models.FederatedRound{}, apierr.Transient("budget_check_failed", "failed to read consumed privacy budget", err)
		}
		if consumed+epsilon > c.budgetCap {
			return models.FederatedRound{}, apierr.Conflict("privacy_budget_exhausted", "round would exceed the cumulative privacy budget cap")
		}
	}

	roundNumber, err := c.st.NextRoundNumber(ctx)
	if err != nil {
		return models.FederatedRound{}, apierr.Transient("round_number_failed", "failed to assign round number", err)
	}

	seed, err := cryptoSeed()
	if err != nil {
		return models.FederatedRound{}, apierr.Fatal("seed_generation_failed", "failed to generate noise seed", err)
	}

	round := models.FederatedRound{
		ID:                 uuid.NewString(),
		RoundNumber:        roundNumber,
		Status:             models.RoundRunning,
		MinClientsRequired: minClientsRequired,
		PrivacyBudget:      epsilon,
		NoiseSeed:          seed,
		StartedAt:          time.Now(),
	}
	if err := c.st.CreateRunningRound(ctx, round); err != nil {
		return models.FederatedRound{}, apierr.Transient("round_create_failed", "failed to persist round", err)
	}

	active := c.registry.ActiveStores()
	eligible, err := c.st.ListEligibleLocalPatterns(ctx, active)
	if err != nil {
		c.failRound(ctx, round.ID, "collection_error")
		return models.FederatedRound{}, apierr.Transient("collect_failed", "failed to collect eligible patterns", err)
	}

	contributing := make(map[string]struct{})
	for _, p := range eligible {
		contributing[p.StoreID] = struct{}{}
	}
	if len(contributing) < minClientsRequired {
		if err := c.failRound(ctx, round.ID, "insufficient_clients"); err != nil {
			log.Printf("[federated] failed to record insufficient_clients failure for round %s: %v", round.ID, err)
		}
		round.Status = models.RoundFailed
		round.FailureReason = "insufficient_clients"
		return round, apierr.Conflict("insufficient_clients", "fewer than the required number of active stores contributed patterns")
	}

	weights, err := c.storeWeights(ctx, contributing)
	if err != nil {
		c.failRound(ctx, round.ID, "weight_lookup_error")
		return models.FederatedRound{}, apierr.Transient("weight_lookup_failed", "failed to compute store transaction weights", err)
	}

	groups := aggregate(eligible, weights)

	var rng *gorand.Rand
	if epsilon > 0 {
		rng = gorand.New(gorand.NewSource(seed))
	}

	patterns := make([]models.GlobalPattern, 0, len(groups))
	for _, g := range sortedGroups(groups) {
		utility := g.utilitySum
		if epsilon > 0 {
			laplace := distuv.Laplace{Mu: 0, Scale: c.sensitivity / epsilon, Src: rng}
			utility = math.Max(0, utility+laplace.Rand())
			if utility <= 0 {
				continue
			}
		}
		support := 0.0
		if g.totalWeight > 0 {
			support = g.weightedSupport / g.totalWeight
		}
		patterns = append(patterns, models.GlobalPattern{
			ID:                 uuid.NewString(),
			RoundID:            round.ID,
			Items:              g.items,
			AggregatedUtility:  utility,
			GlobalSupport:      support,
			ContributingStores: len(g.stores),
		})
	}

	attributed := make([]string, 0, len(eligible))
	for _, p := range eligible {
		attributed = append(attributed, p.ID)
	}

	now := time.Now()
	round.Status = models.RoundCompleted
	round.CompletedAt = &now
	round.ParticipatingClients = len(contributing)
	round.PatternsAggregated = len(patterns)

	if err := c.st.CommitRound(ctx, round, patterns, attributed); err != nil {
		return models.FederatedRound{}, apierr.Transient("round_commit_failed", "failed to commit round", err)
	}

	for storeID := range contributing {
		if err := c.registry.MarkRoundParticipated(ctx, storeID, roundNumber); err != nil {
			log.Printf("[federated] failed to record participation for store %s in round %d: %v", storeID, roundNumber, err)
		}
	}

	return round, nil
}

func (c *Coordinator) failRound(ctx context.Context, roundID, reason string) error {
	return c.st.FailRound(ctx, roundID, reason)
}

// storeWeights returns |D_k| (total transaction count) for every
// contributing store — the weight the weighted-average global_support
// formula requires.
func (c *Coordinator) storeWeights(ctx context.Context, stores map[string]struct{}) (map[string]float64, error) {
	weights := make(map[string]float64, len(stores))
	for storeID := range stores {
		txs, err := c.st.ListTransactions(ctx, storeID, 0)
		if err != nil {
			return nil, fmt.Errorf("counting transactions for store %s: %w", storeID, err)
		}
		weights[storeID] = float64(len(txs))
	}
	return weights, nil
}

func aggregate(patterns []models.LocalPattern, weights map[string]float64) map[string]*aggregateGroup {
	groups := make(map[string]*aggregateGroup)
	for _, p := range patterns {
		key := canonicalKey(p.Items)
		g, ok := groups[key]
		if !ok {
			g = &aggregateGroup{items: append([]int64(nil), p.Items...), stores: make(map[string]struct{})}
			groups[key] = g
		}
		weight := weights[p.StoreID]
		g.utilitySum += p.Utility
		g.weightedSupport += p.Support * weight
		g.totalWeight += weight
		g.stores[p.StoreID] = struct{}{}
		g.patternIDs = append(g.patternIDs, p.ID)
	}
	return groups
}

// sortedGroups fixes a deterministic emission order so the noise draw
// sequence (and therefore the committed result) is reproducible from
// the persisted seed alone, independent of map iteration order.
func sortedGroups(groups map[string]*aggregateGroup) []*aggregateGroup {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*aggregateGroup, len(keys))
	for i, k := range keys {
		out[i] = groups[k]
	}
	return out
}

func canonicalKey(items []int64) string {
	sorted := append([]int64(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sb strings.Builder
	for i, item := range sorted {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(item, 10))
	}
	return sb.String()
}

// cryptoSeed draws a cryptographically random int64 to seed the
// per-round deterministic RNG, in the same crypto/rand idiom the
// teacher uses for cryptoRandFloat64 rather than an unseeded
// math/rand source.
func cryptoSeed() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(0).SetUint64(1<<63-1))
	if err != nil {
		var b [8]byte
		if _, ferr := rand.Read(b[:]); ferr != nil {
			return 0, err
		}
		return int64(binary.BigEndian.Uint64(b[:]) >> 1), nil
	}
	return n.Int64(), nil
}
