// Package session implements the store registry and liveness tracking:
// idempotent registration, heartbeats, and a periodic sweep that marks
// stores inactive once their heartbeat goes silent. The registry is
// the in-memory authoritative source of truth (mirrored to persistence
// on every mutation) that the federated coordinator consults for
// ActiveStores().
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/hui-federation/internal/apierr"
	"github.com/rawblock/hui-federation/internal/store"
	"github.com/rawblock/hui-federation/pkg/models"
)

// Registry tracks every store that has registered with the
// coordinator. It mirrors each mutation to the Store so a restart can
// rebuild ActiveStores() from persistence, while serving reads from
// the in-memory map to avoid a database round trip on every
// coordinator decision.
type Registry struct {
	st      store.Store
	timeout time.Duration

	mu       sync.RWMutex
	sessions map[string]models.StoreSession
}

// New constructs a Registry. inactiveTimeout is the heartbeat staleness
// window (HEARTBEAT_INACTIVE_TIMEOUT).
func New(st store.Store, inactiveTimeout time.Duration) *Registry {
	return &Registry{st: st, timeout: inactiveTimeout, sessions: make(map[string]models.StoreSession)}
}

// Load rebuilds the in-memory map from persistence at startup.
func (r *Registry) Load(ctx context.Context) error {
	sessions, err := r.st.ListStoreSessions(ctx)
	if err != nil {
		return fmt.Errorf("loading store sessions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sessions {
		r.sessions[s.ID] = s
	}
	return nil
}

// Register is idempotent: registering an existing ID again replaces
// Name and IP and refreshes LastSeen and ConnectionStatus, keeping
// RegisteredAt and LastRoundParticipated, so registration is always
// safe to retry.
func (r *Registry) Register(ctx context.Context, id, name, ip string) (models.StoreSession, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()

	r.mu.Lock()
	existing, ok := r.sessions[id]
	r.mu.Unlock()

	session := models.StoreSession{
		ID:               id,
		Name:             name,
		IP:               ip,
		ConnectionStatus: models.StatusActive,
		LastSeen:         now,
		RegisteredAt:     now,
	}
	if ok {
		session.RegisteredAt = existing.RegisteredAt
		session.LastRoundParticipated = existing.LastRoundParticipated
	}

	if err := r.st.UpsertStoreSession(ctx, session); err != nil {
		return models.StoreSession{}, apierr.Transient("store_registration_failed", "failed to persist store registration", err)
	}

	r.mu.Lock()
	r.sessions[id] = session
	r.mu.Unlock()

	return session, nil
}

// Heartbeat refreshes LastSeen and flips ConnectionStatus back to
// active if the store had been swept to inactive.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return apierr.Precondition("unknown_store", "store has not registered")
	}
	session.LastSeen = time.Now()
	session.ConnectionStatus = models.StatusActive
	r.sessions[id] = session
	r.mu.Unlock()

	if err := r.st.UpsertStoreSession(ctx, session); err != nil {
		return apierr.Transient("heartbeat_persist_failed", "failed to persist heartbeat", err)
	}
	return nil
}

// Get returns one store's session snapshot.
func (r *Registry) Get(id string) (models.StoreSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every known store, sorted by RegisteredAt would be nice
// but callers that need a fixed order should sort the result —
// iteration order over the map is intentionally left unspecified here.
func (r *Registry) List() []models.StoreSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.StoreSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveStores returns the IDs of every store currently considered
// active — the input the federated coordinator uses to decide round
// eligibility.
func (r *Registry) ActiveStores() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, s := range r.sessions {
		if s.ConnectionStatus == models.StatusActive {
			out = append(out, id)
		}
	}
	return out
}

// MarkRoundParticipated records that a store contributed to roundNumber.
// The value is informational: round eligibility is decided by which of
// the store's local patterns are still unattributed to a round.
func (r *Registry) MarkRoundParticipated(ctx context.Context, storeID string, roundNumber int64) error {
	r.mu.Lock()
	session, ok := r.sessions[storeID]
	if ok {
		session.LastRoundParticipated = roundNumber
		r.sessions[storeID] = session
	}
	r.mu.Unlock()

	if err := r.st.SetLastRoundParticipated(ctx, storeID, roundNumber); err != nil {
		return fmt.Errorf("recording round participation for store %s: %w", storeID, err)
	}
	return nil
}

// Sweep marks every store whose LastSeen predates now-timeout as
// inactive, both in memory and in persistence. It is invoked on a
// fixed cadence by a cron schedule in cmd/server.
func (r *Registry) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.timeout)

	r.mu.Lock()
	var stale []string
	for id, s := range r.sessions {
		if s.ConnectionStatus == models.StatusActive && s.LastSeen.Before(cutoff) {
			s.ConnectionStatus = models.StatusInactive
			r.sessions[id] = s
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	if err := r.st.MarkStoresInactive(ctx, stale); err != nil {
		return fmt.Errorf("marking %d stores inactive: %w", len(stale), err)
	}
	log.Printf("[session] swept %d stores to inactive (silent since before %s)", len(stale), cutoff.Format(time.RFC3339))
	return nil
}
