// Package storetest provides an in-memory store.Store implementation
// used only by package tests across mining/worker/federated/session —
// it is test tooling, not a deployable backend. It follows the same
// mutex-guarded map-of-structs idiom the session registry and the
// upstream investigation case manager use, so the fixture reads like
// the rest of this codebase rather than a bespoke test double.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/hui-federation/internal/apierr"
	"github.com/rawblock/hui-federation/internal/store"
	"github.com/rawblock/hui-federation/pkg/models"
)

// MemoryStore implements store.Store entirely in memory.
type MemoryStore struct {
	mu sync.Mutex

	sessions     map[string]models.StoreSession
	transactions map[string][]models.Transaction
	jobs         map[string]models.MiningJob
	patterns     map[string]models.LocalPattern
	rounds       map[string]models.FederatedRound
	globals      map[string]models.GlobalPattern
	nextRound    int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]models.StoreSession),
		transactions: make(map[string][]models.Transaction),
		jobs:         make(map[string]models.MiningJob),
		patterns:     make(map[string]models.LocalPattern),
		rounds:       make(map[string]models.FederatedRound),
		globals:      make(map[string]models.GlobalPattern),
	}
}

var _ store.Store = (*MemoryStore)(nil)

func (m *MemoryStore) UpsertStoreSession(_ context.Context, s models.StoreSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) GetStoreSession(_ context.Context, id string) (models.StoreSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *MemoryStore) ListStoreSessions(_ context.Context) ([]models.StoreSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.StoreSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) MarkStoresInactive(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok {
			s.ConnectionStatus = models.StatusInactive
			m.sessions[id] = s
		}
	}
	return nil
}

func (m *MemoryStore) SetLastRoundParticipated(_ context.Context, storeID string, roundNumber int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[storeID]; ok {
		s.LastRoundParticipated = roundNumber
		m.sessions[storeID] = s
	}
	return nil
}

func (m *MemoryStore) InsertTransactions(_ context.Context, storeID string, txs []models.Transaction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[storeID] = append(m.transactions[storeID], txs...)
	return len(txs), nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, storeID string, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.transactions[storeID]
	sorted := append([]models.Transaction(nil), all...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TransactionDate.Before(sorted[j].TransactionDate) })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

func (m *MemoryStore) CreateMiningJob(_ context.Context, job models.MiningJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) GetMiningJob(_ context.Context, id string) (models.MiningJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok, nil
}

func (m *MemoryStore) TransitionJobStatus(_ context.Context, id string, from, to models.JobStatus, mutate func(*models.MiningJob)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, apierr.Precondition("unknown_job", "mining job does not exist")
	}
	if job.Status != from {
		return false, nil
	}
	job.Status = to
	if mutate != nil {
		mutate(&job)
	}
	m.jobs[id] = job
	return true, nil
}

func (m *MemoryStore) ListStaleRunningJobs(_ context.Context, olderThan time.Time) ([]models.MiningJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MiningJob
	for _, j := range m.jobs {
		if j.Status == models.JobRunning && j.StartedAt != nil && j.StartedAt.Before(olderThan) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListJobsForStore(_ context.Context, storeID string, limit int) ([]models.MiningJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MiningJob
	for _, j := range m.jobs {
		if j.StoreID == storeID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CompleteJobWithPatterns(_ context.Context, job models.MiningJob, patterns []models.LocalPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.jobs[job.ID]
	if !ok || existing.Status != models.JobRunning {
		return apierr.Conflict("job_not_running", "job is not in running state")
	}
	m.jobs[job.ID] = job
	for _, p := range patterns {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		m.patterns[p.ID] = p
	}
	return nil
}

func (m *MemoryStore) FailJob(_ context.Context, jobID, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return apierr.Precondition("unknown_job", "mining job does not exist")
	}
	job.Status = models.JobFailed
	job.ErrorMessage = errMessage
	now := time.Now()
	job.CompletedAt = &now
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryStore) ListLocalPatterns(_ context.Context, jobID string) ([]models.LocalPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LocalPattern
	for _, p := range m.patterns {
		if p.JobID == jobID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) NextRoundNumber(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRound++
	return m.nextRound, nil
}

func (m *MemoryStore) CreateRunningRound(_ context.Context, round models.FederatedRound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if round.ID == "" {
		round.ID = uuid.NewString()
	}
	m.rounds[round.ID] = round
	return nil
}

func (m *MemoryStore) ListEligibleLocalPatterns(_ context.Context, activeStoreIDs []string) ([]models.LocalPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(map[string]struct{}, len(activeStoreIDs))
	for _, id := range activeStoreIDs {
		active[id] = struct{}{}
	}
	var out []models.LocalPattern
	for _, p := range m.patterns {
		if p.RoundID != nil {
			continue
		}
		if _, ok := active[p.StoreID]; !ok {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CommitRound(_ context.Context, round models.FederatedRound, patterns []models.GlobalPattern, attributedPatternIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rounds[round.ID]
	if !ok || existing.Status != models.RoundRunning {
		return apierr.Conflict("round_not_running", "round is not in running state")
	}
	m.rounds[round.ID] = round
	for _, p := range patterns {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		m.globals[p.ID] = p
	}
	for _, id := range attributedPatternIDs {
		if p, ok := m.patterns[id]; ok {
			roundID := round.ID
			p.RoundID = &roundID
			m.patterns[id] = p
		}
	}
	return nil
}

func (m *MemoryStore) FailRound(_ context.Context, roundID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	round, ok := m.rounds[roundID]
	if !ok {
		return apierr.Precondition("unknown_round", "round does not exist")
	}
	round.Status = models.RoundFailed
	round.FailureReason = reason
	now := time.Now()
	round.CompletedAt = &now
	m.rounds[roundID] = round
	return nil
}

func (m *MemoryStore) ListRounds(_ context.Context) ([]models.FederatedRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.FederatedRound, 0, len(m.rounds))
	for _, r := range m.rounds {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundNumber < out[j].RoundNumber })
	return out, nil
}

func (m *MemoryStore) GetRound(_ context.Context, id string) (models.FederatedRound, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	return r, ok, nil
}

func (m *MemoryStore) GetRoundPatterns(_ context.Context, roundID string) ([]models.GlobalPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.GlobalPattern
	for _, p := range m.globals {
		if p.RoundID == roundID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) SumConsumedEpsilon(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, r := range m.rounds {
		if r.Status == models.RoundCompleted {
			sum += r.PrivacyBudget
		}
	}
	return sum, nil
}

func (m *MemoryStore) ReapStaleRunningRounds(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, r := range m.rounds {
		if r.Status == models.RoundRunning {
			r.Status = models.RoundFailed
			r.FailureReason = "reaped at startup"
			now := time.Now()
			r.CompletedAt = &now
			m.rounds[id] = r
			count++
		}
	}
	return count, nil
}
