package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/hui-federation/internal/apierr"
	"github.com/rawblock/hui-federation/pkg/models"
)

// writeError renders the apierr taxonomy onto the wire: every failure
// response carries a machine-readable "error" code and a "timestamp".
func writeError(c *gin.Context, err error) {
	e := apierr.Wrap(err)
	c.JSON(e.Status(), gin.H{
		"error":     e.Code,
		"message":   e.Message,
		"field":     e.Field,
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "operational",
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) handleRegisterStore(c *gin.Context) {
	var req struct {
		StoreID   string `json:"store_id"`
		StoreName string `json:"store_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation("body", "invalid_body", "expected {store_id, store_name}"))
		return
	}

	session, err := h.registry.Register(c.Request.Context(), req.StoreID, req.StoreName, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "active",
		"store_id":   session.ID,
		"store_name": session.Name,
		"timestamp":  time.Now().UTC(),
	})
}

func (h *Handler) handleHeartbeat(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Heartbeat(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active", "timestamp": time.Now().UTC()})
}

func (h *Handler) handleListStores(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stores": h.registry.List(), "timestamp": time.Now().UTC()})
}

func (h *Handler) handleUploadTransactions(c *gin.Context) {
	storeID := c.Param("store_id")

	var payload []struct {
		Items         []int64   `json:"items"`
		Quantities    []float64 `json:"quantities"`
		UnitUtilities []float64 `json:"unit_utilities"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, apierr.Validation("body", "invalid_body", "expected an array of {items, quantities, unit_utilities}"))
		return
	}

	txs := make([]models.Transaction, 0, len(payload))
	for _, p := range payload {
		tx := models.Transaction{
			StoreID:         storeID,
			TransactionDate: time.Now(),
			Items:           p.Items,
			Quantities:      p.Quantities,
			UnitUtilities:   p.UnitUtilities,
		}
		if err := tx.Validate(); err != nil {
			writeError(c, apierr.Validation("items", "invalid_transaction", err.Error()))
			return
		}
		txs = append(txs, tx)
	}

	count, err := h.st.InsertTransactions(c.Request.Context(), storeID, txs)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count, "timestamp": time.Now().UTC()})
}

func (h *Handler) handleListTransactions(c *gin.Context) {
	storeID := c.Param("store_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	txs, err := h.st.ListTransactions(c.Request.Context(), storeID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "timestamp": time.Now().UTC()})
}

func (h *Handler) handleStartMining(c *gin.Context) {
	var req struct {
		StoreID          string  `json:"store_id"`
		MinUtility       float64 `json:"min_utility"`
		MinSupport       float64 `json:"min_support,omitempty"`
		MaxPatternLength int     `json:"max_pattern_length,omitempty"`
		UsePruning       *bool   `json:"use_pruning,omitempty"`
		BatchSize        int     `json:"batch_size,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation("body", "invalid_body", "expected {store_id, min_utility, ...}"))
		return
	}
	if req.StoreID == "" {
		writeError(c, apierr.Validation("store_id", "missing_store_id", "store_id is required"))
		return
	}

	usePruning := true
	if req.UsePruning != nil {
		usePruning = *req.UsePruning
	}

	params := models.MiningParams{
		MinUtility:       req.MinUtility,
		MinSupport:       req.MinSupport,
		MaxPatternLength: req.MaxPatternLength,
		UsePruning:       usePruning,
		BatchSize:        req.BatchSize,
	}

	job, err := h.pool.Submit(c.Request.Context(), req.StoreID, params)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "status": "started", "timestamp": time.Now().UTC()})
}

func (h *Handler) handleMiningStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	job, ok, err := h.st.GetMiningJob(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		writeError(c, apierr.Precondition("unknown_job", "mining job does not exist"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "timestamp": time.Now().UTC()})
}

func (h *Handler) handleMiningResults(c *gin.Context) {
	jobID := c.Param("job_id")
	patterns, err := h.st.ListLocalPatterns(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": patterns, "timestamp": time.Now().UTC()})
}

func (h *Handler) handleStartRound(c *gin.Context) {
	var req struct {
		MinClients    int     `json:"min_clients,omitempty"`
		PrivacyBudget float64 `json:"privacy_budget,omitempty"`
	}
	_ = c.ShouldBindJSON(&req)

	minClients := req.MinClients
	if minClients <= 0 {
		minClients = h.minClientsDefault
	}
	epsilon := req.PrivacyBudget
	if epsilon == 0 {
		epsilon = h.privacyEpsDefault
	}

	round, err := h.coord.StartRound(c.Request.Context(), minClients, epsilon)
	if err != nil {
		writeError(c, err)
		return
	}

	if h.hub != nil {
		h.hub.Broadcast([]byte(`{"type":"round_completed","round_id":"` + round.ID + `"}`))
	}

	c.JSON(http.StatusOK, gin.H{
		"round_id":     round.ID,
		"round_number": round.RoundNumber,
		"status":       "started",
		"timestamp":    time.Now().UTC(),
	})
}

func (h *Handler) handleListRounds(c *gin.Context) {
	rounds, err := h.st.ListRounds(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rounds": rounds, "timestamp": time.Now().UTC()})
}

func (h *Handler) handleRoundPatterns(c *gin.Context) {
	roundID := c.Param("id")
	patterns, err := h.st.GetRoundPatterns(c.Request.Context(), roundID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": patterns, "timestamp": time.Now().UTC()})
}
