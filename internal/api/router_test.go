package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/hui-federation/internal/federated"
	"github.com/rawblock/hui-federation/internal/mining"
	"github.com/rawblock/hui-federation/internal/session"
	"github.com/rawblock/hui-federation/internal/store/storetest"
	"github.com/rawblock/hui-federation/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter() *gin.Engine {
	st := storetest.NewMemoryStore()
	reg := session.New(st, time.Hour)
	hub := NewHub()
	go hub.Run()
	pool := worker.New(st, 2, time.Hour, mining.CacheSizes{}, hub)
	coord := federated.New(st, reg, 1.0, 10.0)

	return SetupRouter(st, reg, pool, coord, hub, Config{MinClientsRequired: 1})
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestRouter()
	rec := doJSON(r, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterAndHeartbeat(t *testing.T) {
	r := newTestRouter()

	rec := doJSON(r, http.MethodPost, "/api/stores/register", map[string]string{"store_id": "store-1", "store_name": "Corner Shop"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "active", resp["status"])

	rec = doJSON(r, http.MethodPost, "/api/stores/store-1/heartbeat", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHeartbeatUnknownStoreReturns4xx(t *testing.T) {
	r := newTestRouter()
	rec := doJSON(r, http.MethodPost, "/api/stores/ghost/heartbeat", nil)
	assert.True(t, rec.Code >= 400 && rec.Code < 500)
}

func TestUploadTransactionsRejectsMismatchedArrays(t *testing.T) {
	r := newTestRouter()
	doJSON(r, http.MethodPost, "/api/stores/register", map[string]string{"store_id": "store-1", "store_name": "A"})

	payload := []map[string]any{{"items": []int64{1, 2}, "quantities": []float64{1}, "unit_utilities": []float64{1, 1}}}
	rec := doJSON(r, http.MethodPost, "/api/transactions/upload/store-1", payload)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadAndMineEndToEnd(t *testing.T) {
	r := newTestRouter()
	doJSON(r, http.MethodPost, "/api/stores/register", map[string]string{"store_id": "store-1", "store_name": "A"})

	payload := []map[string]any{
		{"items": []int64{1, 2}, "quantities": []float64{1, 1}, "unit_utilities": []float64{10, 10}},
		{"items": []int64{1, 2}, "quantities": []float64{1, 1}, "unit_utilities": []float64{10, 10}},
	}
	rec := doJSON(r, http.MethodPost, "/api/transactions/upload/store-1", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(r, http.MethodPost, "/api/mining/start", map[string]any{"store_id": "store-1", "min_utility": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID, _ := resp["job_id"].(string)
	require.NotEmpty(t, jobID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec = doJSON(r, http.MethodGet, "/api/mining/status/"+jobID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var statusResp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statusResp))
		job, _ := statusResp["job"].(map[string]any)
		if job["status"] == "completed" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = doJSON(r, http.MethodGet, "/api/mining/results/"+jobID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartRoundEndpointInsufficientClients(t *testing.T) {
	r := newTestRouter()
	rec := doJSON(r, http.MethodPost, "/api/federated/start-round", map[string]any{"min_clients": 5})
	assert.Equal(t, http.StatusConflict, rec.Code)
}
