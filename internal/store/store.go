// Package store defines the narrow persistence contract the core
// consumes: single-writer serializable status transitions, ordered
// transaction iteration, and crash-consistent multi-row transactions.
// PostgresStore is the only production implementation (storetest
// provides an in-memory one for package tests); the interface exists
// so the mining/worker/federated/session packages never import pgx
// directly.
package store

import (
	"context"
	"time"

	"github.com/rawblock/hui-federation/pkg/models"
)

// Store is the full persistence surface. An implementation may back
// this with an embedded engine or an external database — the core
// assumes nothing beyond the properties documented on each method.
type Store interface {
	// Sessions (owned by internal/session).
	UpsertStoreSession(ctx context.Context, s models.StoreSession) error
	GetStoreSession(ctx context.Context, id string) (models.StoreSession, bool, error)
	ListStoreSessions(ctx context.Context) ([]models.StoreSession, error)
	MarkStoresInactive(ctx context.Context, ids []string) error
	SetLastRoundParticipated(ctx context.Context, storeID string, roundNumber int64) error

	// Transactions. ListTransactions iterates in (store_id,
	// transaction_date) order; a non-positive limit returns every row.
	InsertTransactions(ctx context.Context, storeID string, txs []models.Transaction) (int, error)
	ListTransactions(ctx context.Context, storeID string, limit int) ([]models.Transaction, error)

	// Mining jobs (owned by internal/worker). TransitionJobStatus is a
	// compare-and-set: it only applies mutate and commits the new
	// status if the row's current status equals from.
	CreateMiningJob(ctx context.Context, job models.MiningJob) error
	GetMiningJob(ctx context.Context, id string) (models.MiningJob, bool, error)
	TransitionJobStatus(ctx context.Context, id string, from, to models.JobStatus, mutate func(*models.MiningJob)) (bool, error)
	ListStaleRunningJobs(ctx context.Context, olderThan time.Time) ([]models.MiningJob, error)
	ListJobsForStore(ctx context.Context, storeID string, limit int) ([]models.MiningJob, error)

	// CompleteJobWithPatterns is a one-transaction write: pattern writes
	// and the terminal job update commit together, so no partial write
	// is ever observable.
	CompleteJobWithPatterns(ctx context.Context, job models.MiningJob, patterns []models.LocalPattern) error
	FailJob(ctx context.Context, jobID, errMessage string) error
	ListLocalPatterns(ctx context.Context, jobID string) ([]models.LocalPattern, error)

	// Federated rounds (owned by internal/federated).
	NextRoundNumber(ctx context.Context) (int64, error)
	CreateRunningRound(ctx context.Context, round models.FederatedRound) error
	// ListEligibleLocalPatterns returns completed-job patterns from the
	// given active stores that have not yet been attributed to a round.
	ListEligibleLocalPatterns(ctx context.Context, activeStoreIDs []string) ([]models.LocalPattern, error)
	// CommitRound writes every GlobalPattern row, attributes the
	// consumed LocalPattern rows to the round, and transitions the
	// round to completed — all in one transaction.
	CommitRound(ctx context.Context, round models.FederatedRound, patterns []models.GlobalPattern, attributedPatternIDs []string) error
	FailRound(ctx context.Context, roundID, reason string) error
	ListRounds(ctx context.Context) ([]models.FederatedRound, error)
	GetRound(ctx context.Context, id string) (models.FederatedRound, bool, error)
	GetRoundPatterns(ctx context.Context, roundID string) ([]models.GlobalPattern, error)
	SumConsumedEpsilon(ctx context.Context) (float64, error)
	ReapStaleRunningRounds(ctx context.Context) (int, error)
}
