package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/hui-federation/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the production Store implementation, backed by a pgx
// connection pool (pgxpool.New + Ping at connect time, a small set of
// hand-written SQL methods, every multi-row write wrapped in an
// explicit transaction).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema applies the embedded schema. Embedding rather than
// reading a relative path at runtime makes schema application
// independent of the process's working directory.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPool() *pgxpool.Pool { return s.pool }

// ─── Store sessions ──────────────────────────────────────────────

func (s *PostgresStore) UpsertStoreSession(ctx context.Context, st models.StoreSession) error {
	const sql = `
		INSERT INTO store_sessions (id, name, ip, connection_status, last_seen, registered_at, last_round_participated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			ip = EXCLUDED.ip,
			connection_status = EXCLUDED.connection_status,
			last_seen = EXCLUDED.last_seen`
	_, err := s.pool.Exec(ctx, sql, st.ID, st.Name, st.IP, string(st.ConnectionStatus), st.LastSeen, st.RegisteredAt, st.LastRoundParticipated)
	return err
}

func (s *PostgresStore) GetStoreSession(ctx context.Context, id string) (models.StoreSession, bool, error) {
	const sql = `SELECT id, name, ip, connection_status, last_seen, registered_at, last_round_participated FROM store_sessions WHERE id = $1`
	var st models.StoreSession
	var status string
	err := s.pool.QueryRow(ctx, sql, id).Scan(&st.ID, &st.Name, &st.IP, &status, &st.LastSeen, &st.RegisteredAt, &st.LastRoundParticipated)
	if err == pgx.ErrNoRows {
		return models.StoreSession{}, false, nil
	}
	if err != nil {
		return models.StoreSession{}, false, err
	}
	st.ConnectionStatus = models.ConnectionStatus(status)
	return st, true, nil
}

func (s *PostgresStore) ListStoreSessions(ctx context.Context) ([]models.StoreSession, error) {
	const sql = `SELECT id, name, ip, connection_status, last_seen, registered_at, last_round_participated FROM store_sessions ORDER BY registered_at ASC`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StoreSession
	for rows.Next() {
		var st models.StoreSession
		var status string
		if err := rows.Scan(&st.ID, &st.Name, &st.IP, &status, &st.LastSeen, &st.RegisteredAt, &st.LastRoundParticipated); err != nil {
			return nil, err
		}
		st.ConnectionStatus = models.ConnectionStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkStoresInactive(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const sql = `UPDATE store_sessions SET connection_status = 'inactive' WHERE id = ANY($1)`
	_, err := s.pool.Exec(ctx, sql, ids)
	return err
}

func (s *PostgresStore) SetLastRoundParticipated(ctx context.Context, storeID string, roundNumber int64) error {
	const sql = `UPDATE store_sessions SET last_round_participated = $1 WHERE id = $2`
	_, err := s.pool.Exec(ctx, sql, roundNumber, storeID)
	return err
}

// ─── Transactions ─────────────────────────────────────────────────

func (s *PostgresStore) InsertTransactions(ctx context.Context, storeID string, txs []models.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sql = `INSERT INTO transactions (store_id, transaction_date, items, quantities, unit_utilities) VALUES ($1, $2, $3, $4, $5)`
	for _, t := range txs {
		date := t.TransactionDate
		if date.IsZero() {
			date = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, sql, storeID, date, t.Items, t.Quantities, t.UnitUtilities); err != nil {
			return 0, fmt.Errorf("failed to insert transaction: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(txs), nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, storeID string, limit int) ([]models.Transaction, error) {
	// A non-positive limit means no limit: LIMIT NULL returns every row.
	var lim any
	if limit > 0 {
		lim = limit
	}
	const sql = `
		SELECT id, store_id, transaction_date, items, quantities, unit_utilities
		FROM transactions WHERE store_id = $1
		ORDER BY store_id ASC, transaction_date ASC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, sql, storeID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.StoreID, &t.TransactionDate, &t.Items, &t.Quantities, &t.UnitUtilities); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ─── Mining jobs ──────────────────────────────────────────────────

func (s *PostgresStore) CreateMiningJob(ctx context.Context, job models.MiningJob) error {
	const sql = `
		INSERT INTO mining_jobs (id, store_id, min_utility, min_support, max_pattern_length, use_pruning, batch_size, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, sql, job.ID, job.StoreID, job.Params.MinUtility, job.Params.MinSupport,
		job.Params.MaxPatternLength, job.Params.UsePruning, job.Params.BatchSize, string(job.Status), job.CreatedAt)
	return err
}

func scanJob(row pgx.Row) (models.MiningJob, error) {
	var j models.MiningJob
	var status string
	err := row.Scan(&j.ID, &j.StoreID, &j.Params.MinUtility, &j.Params.MinSupport, &j.Params.MaxPatternLength,
		&j.Params.UsePruning, &j.Params.BatchSize, &status, &j.Cancelled, &j.StartedAt, &j.CompletedAt,
		&j.ErrorMessage, &j.PatternsFound, &j.ExecutionTimeSeconds, &j.CreatedAt)
	j.Status = models.JobStatus(status)
	return j, err
}

const jobColumns = `id, store_id, min_utility, min_support, max_pattern_length, use_pruning, batch_size,
	status, cancelled, started_at, completed_at, error_message, patterns_found, execution_time_seconds, created_at`

func (s *PostgresStore) GetMiningJob(ctx context.Context, id string) (models.MiningJob, bool, error) {
	sql := `SELECT ` + jobColumns + ` FROM mining_jobs WHERE id = $1`
	j, err := scanJob(s.pool.QueryRow(ctx, sql, id))
	if err == pgx.ErrNoRows {
		return models.MiningJob{}, false, nil
	}
	if err != nil {
		return models.MiningJob{}, false, err
	}
	return j, true, nil
}

// TransitionJobStatus implements a compare-and-set state transition:
// SELECT ... FOR UPDATE locks the job row for the transaction and the
// status is compared against from before the UPDATE, so two concurrent
// transition attempts can never both succeed.
func (s *PostgresStore) TransitionJobStatus(ctx context.Context, id string, from, to models.JobStatus, mutate func(*models.MiningJob)) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sql := `SELECT ` + jobColumns + ` FROM mining_jobs WHERE id = $1 FOR UPDATE`
	job, err := scanJob(tx.QueryRow(ctx, sql, id))
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.Status != from {
		return false, nil
	}
	if mutate != nil {
		mutate(&job)
	}
	job.Status = to

	const upd = `
		UPDATE mining_jobs SET status = $1, started_at = $2, completed_at = $3, error_message = $4,
			patterns_found = $5, execution_time_seconds = $6, cancelled = $7
		WHERE id = $8`
	if _, err := tx.Exec(ctx, upd, string(job.Status), job.StartedAt, job.CompletedAt, job.ErrorMessage,
		job.PatternsFound, job.ExecutionTimeSeconds, job.Cancelled, id); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) ListStaleRunningJobs(ctx context.Context, olderThan time.Time) ([]models.MiningJob, error) {
	sql := `SELECT ` + jobColumns + ` FROM mining_jobs WHERE status = 'running' AND started_at < $1`
	rows, err := s.pool.Query(ctx, sql, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.MiningJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListJobsForStore(ctx context.Context, storeID string, limit int) ([]models.MiningJob, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := `SELECT ` + jobColumns + ` FROM mining_jobs WHERE store_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, sql, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.MiningJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CompleteJobWithPatterns is a single-transaction write: the terminal
// job update and every LocalPattern insert commit together, or neither
// is observable.
func (s *PostgresStore) CompleteJobWithPatterns(ctx context.Context, job models.MiningJob, patterns []models.LocalPattern) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const updJob = `
		UPDATE mining_jobs SET status = $1, completed_at = $2, patterns_found = $3, execution_time_seconds = $4
		WHERE id = $5 AND status = 'running'`
	tag, err := tx.Exec(ctx, updJob, string(models.JobCompleted), job.CompletedAt, job.PatternsFound, job.ExecutionTimeSeconds, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s was not in running state", job.ID)
	}

	const insPattern = `
		INSERT INTO local_patterns (id, job_id, store_id, items, utility, support, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, p := range patterns {
		if _, err := tx.Exec(ctx, insPattern, p.ID, p.JobID, p.StoreID, p.Items, p.Utility, p.Support, p.Confidence, p.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert local pattern: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, errMessage string) error {
	const sql = `UPDATE mining_jobs SET status = 'failed', error_message = $1, completed_at = now() WHERE id = $2`
	_, err := s.pool.Exec(ctx, sql, errMessage, jobID)
	return err
}

func (s *PostgresStore) ListLocalPatterns(ctx context.Context, jobID string) ([]models.LocalPattern, error) {
	const sql = `SELECT id, job_id, store_id, items, utility, support, confidence, round_id, created_at FROM local_patterns WHERE job_id = $1 ORDER BY utility DESC`
	rows, err := s.pool.Query(ctx, sql, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LocalPattern
	for rows.Next() {
		var p models.LocalPattern
		if err := rows.Scan(&p.ID, &p.JobID, &p.StoreID, &p.Items, &p.Utility, &p.Support, &p.Confidence, &p.RoundID, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Federated rounds ─────────────────────────────────────────────

func (s *PostgresStore) NextRoundNumber(ctx context.Context) (int64, error) {
	const sql = `SELECT COALESCE(MAX(round_number), 0) + 1 FROM federated_rounds`
	var n int64
	err := s.pool.QueryRow(ctx, sql).Scan(&n)
	return n, err
}

func (s *PostgresStore) CreateRunningRound(ctx context.Context, r models.FederatedRound) error {
	const sql = `
		INSERT INTO federated_rounds (id, round_number, status, min_clients_required, privacy_budget, noise_seed, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, sql, r.ID, r.RoundNumber, string(models.RoundRunning), r.MinClientsRequired, r.PrivacyBudget, r.NoiseSeed, r.StartedAt)
	return err
}

func (s *PostgresStore) ListEligibleLocalPatterns(ctx context.Context, activeStoreIDs []string) ([]models.LocalPattern, error) {
	if len(activeStoreIDs) == 0 {
		return nil, nil
	}
	const sql = `
		SELECT lp.id, lp.job_id, lp.store_id, lp.items, lp.utility, lp.support, lp.confidence, lp.round_id, lp.created_at
		FROM local_patterns lp
		JOIN mining_jobs mj ON mj.id = lp.job_id
		WHERE lp.round_id IS NULL AND mj.status = 'completed' AND lp.store_id = ANY($1)`
	rows, err := s.pool.Query(ctx, sql, activeStoreIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LocalPattern
	for rows.Next() {
		var p models.LocalPattern
		if err := rows.Scan(&p.ID, &p.JobID, &p.StoreID, &p.Items, &p.Utility, &p.Support, &p.Confidence, &p.RoundID, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CommitRound is the round's single commit transaction: global pattern
// rows, pattern attribution, and the round's terminal status all land
// together.
func (s *PostgresStore) CommitRound(ctx context.Context, r models.FederatedRound, patterns []models.GlobalPattern, attributedPatternIDs []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insGP = `
		INSERT INTO global_patterns (id, round_id, items, aggregated_utility, global_support, contributing_stores)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, p := range patterns {
		if _, err := tx.Exec(ctx, insGP, p.ID, p.RoundID, p.Items, p.AggregatedUtility, p.GlobalSupport, p.ContributingStores); err != nil {
			return fmt.Errorf("failed to insert global pattern: %w", err)
		}
	}

	if len(attributedPatternIDs) > 0 {
		const attr = `UPDATE local_patterns SET round_id = $1 WHERE id = ANY($2)`
		if _, err := tx.Exec(ctx, attr, r.ID, attributedPatternIDs); err != nil {
			return fmt.Errorf("failed to attribute local patterns: %w", err)
		}
	}

	const updRound = `
		UPDATE federated_rounds SET status = $1, completed_at = $2, participating_clients = $3, patterns_aggregated = $4
		WHERE id = $5 AND status = 'running'`
	tag, err := tx.Exec(ctx, updRound, string(models.RoundCompleted), r.CompletedAt, r.ParticipatingClients, r.PatternsAggregated, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update round: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("round %s was not in running state", r.ID)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) FailRound(ctx context.Context, roundID, reason string) error {
	const sql = `UPDATE federated_rounds SET status = 'failed', failure_reason = $1, completed_at = now() WHERE id = $2 AND status = 'running'`
	_, err := s.pool.Exec(ctx, sql, reason, roundID)
	return err
}

const roundColumns = `id, round_number, status, failure_reason, min_clients_required, privacy_budget, noise_seed, started_at, completed_at, participating_clients, patterns_aggregated`

func scanRound(row pgx.Row) (models.FederatedRound, error) {
	var r models.FederatedRound
	var status string
	err := row.Scan(&r.ID, &r.RoundNumber, &status, &r.FailureReason, &r.MinClientsRequired, &r.PrivacyBudget,
		&r.NoiseSeed, &r.StartedAt, &r.CompletedAt, &r.ParticipatingClients, &r.PatternsAggregated)
	r.Status = models.RoundStatus(status)
	return r, err
}

func (s *PostgresStore) ListRounds(ctx context.Context) ([]models.FederatedRound, error) {
	sql := `SELECT ` + roundColumns + ` FROM federated_rounds ORDER BY round_number ASC`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.FederatedRound
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRound(ctx context.Context, id string) (models.FederatedRound, bool, error) {
	sql := `SELECT ` + roundColumns + ` FROM federated_rounds WHERE id = $1`
	r, err := scanRound(s.pool.QueryRow(ctx, sql, id))
	if err == pgx.ErrNoRows {
		return models.FederatedRound{}, false, nil
	}
	if err != nil {
		return models.FederatedRound{}, false, err
	}
	return r, true, nil
}

func (s *PostgresStore) GetRoundPatterns(ctx context.Context, roundID string) ([]models.GlobalPattern, error) {
	const sql = `SELECT id, round_id, items, aggregated_utility, global_support, contributing_stores FROM global_patterns WHERE round_id = $1 ORDER BY aggregated_utility DESC`
	rows, err := s.pool.Query(ctx, sql, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.GlobalPattern
	for rows.Next() {
		var p models.GlobalPattern
		if err := rows.Scan(&p.ID, &p.RoundID, &p.Items, &p.AggregatedUtility, &p.GlobalSupport, &p.ContributingStores); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SumConsumedEpsilon(ctx context.Context) (float64, error) {
	const sql = `SELECT COALESCE(SUM(privacy_budget), 0) FROM federated_rounds WHERE status = 'completed'`
	var sum float64
	err := s.pool.QueryRow(ctx, sql).Scan(&sum)
	return sum, err
}

// ReapStaleRunningRounds implements the startup reconciliation sweep:
// on process crash, any round left running is reaped to failed.
func (s *PostgresStore) ReapStaleRunningRounds(ctx context.Context) (int, error) {
	const sql = `UPDATE federated_rounds SET status = 'failed', failure_reason = 'reaped_on_startup', completed_at = now() WHERE status = 'running'`
	tag, err := s.pool.Exec(ctx, sql)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

var _ Store = (*PostgresStore)(nil)
