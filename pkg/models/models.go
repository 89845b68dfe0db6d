// Package models holds the wire/storage representation of every
// domain entity the mining, federated and session layers operate on.
package models

import "time"

// Transaction is an immutable, ordered sequence of (item, quantity)
// pairs with a per-item unit utility. Once persisted it is never
// mutated.
type Transaction struct {
	ID              int64     `json:"id"`
	StoreID         string    `json:"storeId"`
	TransactionDate time.Time `json:"transactionDate"`
	Items           []int64   `json:"items"`
	Quantities      []float64 `json:"quantities"`
	UnitUtilities   []float64 `json:"unitUtilities"`
}

// Utility returns TU(T), the transaction utility: the sum of internal
// utilities u(i,T) = q(i,T) * p(i) over every item in the transaction.
func (t Transaction) Utility() float64 {
	var sum float64
	for i := range t.Items {
		sum += t.Quantities[i] * t.UnitUtilities[i]
	}
	return sum
}

// ItemUtility returns the internal utility of a single item within
// this transaction, or 0 if the item does not appear in it.
func (t Transaction) ItemUtility(item int64) float64 {
	for i, it := range t.Items {
		if it == item {
			return t.Quantities[i] * t.UnitUtilities[i]
		}
	}
	return 0
}

// Validate checks the upload payload invariants from the wire
// contract: equal-length arrays, strictly positive quantities and
// utilities.
func (t Transaction) Validate() error {
	n := len(t.Items)
	if n == 0 {
		return ErrEmptyTransaction
	}
	if len(t.Quantities) != n || len(t.UnitUtilities) != n {
		return ErrMismatchedArrayLengths
	}
	for i := 0; i < n; i++ {
		if t.Quantities[i] <= 0 || !isFinite(t.Quantities[i]) {
			return ErrNonPositiveQuantity
		}
		if t.UnitUtilities[i] <= 0 || !isFinite(t.UnitUtilities[i]) {
			return ErrNonPositiveUtility
		}
	}
	return nil
}

func isFinite(f float64) bool {
	return f == f && f < 1e308 && f > -1e308
}

// JobStatus is the MiningJob state machine's set of states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// MiningParams bundles the tunables accepted on /api/mining/start.
type MiningParams struct {
	MinUtility       float64 `json:"minUtility"`
	MinSupport       float64 `json:"minSupport,omitempty"`
	MaxPatternLength int     `json:"maxPatternLength,omitempty"`
	UsePruning       bool    `json:"usePruning"`
	BatchSize        int     `json:"batchSize,omitempty"`
}

// MiningJob is exclusively owned by the worker executing it.
type MiningJob struct {
	ID                   string       `json:"id"`
	StoreID              string       `json:"storeId"`
	Params               MiningParams `json:"params"`
	Status               JobStatus    `json:"status"`
	Cancelled            bool         `json:"cancelled"`
	StartedAt            *time.Time   `json:"startedAt,omitempty"`
	CompletedAt          *time.Time   `json:"completedAt,omitempty"`
	ErrorMessage         string       `json:"errorMessage,omitempty"`
	PatternsFound        int          `json:"patternsFound"`
	ExecutionTimeSeconds float64      `json:"executionTimeSeconds,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
}

// LocalPattern is a single itemset mined by one store, written once.
type LocalPattern struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	StoreID    string    `json:"storeId"`
	Items      []int64   `json:"items"` // sorted ascending
	Utility    float64   `json:"utility"`
	Support    float64   `json:"support"`
	Confidence float64   `json:"confidence,omitempty"` // informational only, no correctness invariant depends on it
	RoundID    *string   `json:"roundId,omitempty"`    // set once attributed to a round
	CreatedAt  time.Time `json:"createdAt"`
}

// RoundStatus is the FederatedRound state machine's set of states.
type RoundStatus string

const (
	RoundPending   RoundStatus = "pending"
	RoundRunning   RoundStatus = "running"
	RoundCompleted RoundStatus = "completed"
	RoundFailed    RoundStatus = "failed"
)

// FederatedRound is exclusively owned by the coordinator.
type FederatedRound struct {
	ID                   string      `json:"id"`
	RoundNumber          int64       `json:"roundNumber"`
	Status               RoundStatus `json:"status"`
	FailureReason        string      `json:"failureReason,omitempty"`
	MinClientsRequired   int         `json:"minClientsRequired"`
	PrivacyBudget        float64     `json:"privacyBudget"` // epsilon for this round
	NoiseSeed            int64       `json:"noiseSeed"`
	StartedAt            time.Time   `json:"startedAt"`
	CompletedAt          *time.Time  `json:"completedAt,omitempty"`
	ParticipatingClients int         `json:"participatingClients"`
	PatternsAggregated   int         `json:"patternsAggregated"`
}

// GlobalPattern is written once per (round_id, items) by the coordinator.
type GlobalPattern struct {
	ID                 string  `json:"id"`
	RoundID            string  `json:"roundId"`
	Items              []int64 `json:"items"`
	AggregatedUtility  float64 `json:"aggregatedUtility"`
	GlobalSupport      float64 `json:"globalSupport"`
	ContributingStores int     `json:"contributingStores"`
}

// ConnectionStatus is the derived projection of a store's last_seen.
type ConnectionStatus string

const (
	StatusActive   ConnectionStatus = "active"
	StatusInactive ConnectionStatus = "inactive"
)

// StoreSession tracks one retail store's registration and liveness.
type StoreSession struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	IP               string           `json:"ip"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	LastSeen         time.Time        `json:"lastSeen"`
	RegisteredAt     time.Time        `json:"registeredAt"`
	// LastRoundParticipated records the last round the store
	// contributed to. Eligibility is not read from it: a store takes
	// part in a round when it has local patterns from completed jobs
	// that no earlier round has consumed.
	LastRoundParticipated int64 `json:"lastRoundParticipated"`
}
