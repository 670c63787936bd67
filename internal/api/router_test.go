package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actionguard/actionguard/internal/db/models"
	"github.com/actionguard/actionguard/internal/engine"
	"github.com/actionguard/actionguard/internal/middleware"
	"github.com/actionguard/actionguard/internal/store"
	"github.com/actionguard/actionguard/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// noAdvisor reports the advisory service as unavailable.
type noAdvisor struct{}

func (noAdvisor) Recommend(context.Context, *engine.ActionRequest) (string, bool) {
	return "", false
}

func newTestRouter(t *testing.T) (*gin.Engine, *memory.Store) {
	t.Helper()
	st := memory.New()
	eng := engine.New(st, st, memory.NewIdempotency(), noAdvisor{})
	router := NewRouter(Deps{Engine: eng, Policies: st, Events: st, DB: nil})
	return router, st
}

func doJSON(router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func seedPolicy(t *testing.T, st *memory.Store, p *models.Policy) {
	t.Helper()
	_, err := st.CreateFirstVersion(context.Background(), p)
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestRequestIDHeader(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	w = doJSON(router, http.MethodGet, "/health", nil, map[string]string{
		middleware.RequestIDHeader: "upstream-id",
	})
	assert.Equal(t, "upstream-id", w.Header().Get(middleware.RequestIDHeader))
}

func TestProcessActionValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/actions", map[string]string{
		"user_id": "user-1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/actions", map[string]string{
		"action_type": "deploy",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessActionDefaultReject(t *testing.T) {
	router, st := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/actions", map[string]interface{}{
		"action_type": "delete_file",
		"user_id":     "user-1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp engine.ActionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "reject", resp.Decision)
	assert.NotEmpty(t, resp.DecisionID)
	assert.False(t, resp.AIAvailable)

	event, err := st.Get(context.Background(), resp.DecisionID)
	require.NoError(t, err)
	require.NotNil(t, event, "every processed action must leave an event")
}

func TestProcessActionPolicyMatch(t *testing.T) {
	router, st := newTestRouter(t)
	seedPolicy(t, st, &models.Policy{
		PolicyID: "allow-reads", Priority: 10,
		Conditions: []models.PolicyCondition{
			{Field: "action_type", Operator: models.OperatorEquals, Value: "read_file"},
		},
		Decision: models.DecisionApprove, Reason: "reads are safe",
	})

	w := doJSON(router, http.MethodPost, "/api/v1/actions", map[string]interface{}{
		"action_type": "read_file",
		"user_id":     "user-1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp engine.ActionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "approve", resp.Decision)
	require.NotNil(t, resp.Trace.TriggeredPolicy)
	assert.Equal(t, "allow-reads", resp.Trace.TriggeredPolicy.ID)
}

func TestProcessActionIdempotencyReplay(t *testing.T) {
	router, st := newTestRouter(t)

	body := map[string]interface{}{"action_type": "deploy", "user_id": "user-1"}
	headers := map[string]string{"X-Idempotency-Key": "req-1"}

	first := doJSON(router, http.MethodPost, "/api/v1/actions", body, headers)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get("X-Idempotency-Hit"))

	second := doJSON(router, http.MethodPost, "/api/v1/actions", body, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Hit"))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	_, total, err := st.List(context.Background(), store.EventFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSimulateRecordsNothing(t *testing.T) {
	router, st := newTestRouter(t)
	seedPolicy(t, st, &models.Policy{
		PolicyID: "deny-deploys", Priority: 10,
		Conditions: []models.PolicyCondition{
			{Field: "action_type", Operator: models.OperatorEquals, Value: "deploy"},
		},
		Decision: models.DecisionReject, Reason: "deploys frozen",
	})

	w := doJSON(router, http.MethodPost, "/api/v1/actions/simulate", map[string]interface{}{
		"action_type": "deploy",
		"user_id":     "user-1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Decision  string `json:"decision"`
		Reason    string `json:"reason"`
		Simulated bool   `json:"simulated"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "reject", resp.Decision)
	assert.Equal(t, "deploys frozen", resp.Reason)
	assert.True(t, resp.Simulated)

	_, total, err := st.List(context.Background(), store.EventFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total, "simulation must not touch the event log")
}

func TestCreatePolicy(t *testing.T) {
	router, _ := newTestRouter(t)

	body := map[string]interface{}{
		"policy_id": "block-prod-deletes",
		"priority":  100,
		"decision":  "reject",
		"reason":    "blocked",
		"conditions": []map[string]string{
			{"field": "action_type", "operator": "equals", "value": "delete_file"},
		},
	}

	w := doJSON(router, http.MethodPost, "/api/v1/policies", body, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Policy
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, 1, created.Version)
	assert.True(t, created.IsActive)

	w = doJSON(router, http.MethodPost, "/api/v1/policies", body, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreatePolicyValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing policy_id", map[string]interface{}{"decision": "reject"}},
		{"invalid decision", map[string]interface{}{"policy_id": "p", "decision": "maybe"}},
		{"unknown operator", map[string]interface{}{
			"policy_id": "p", "decision": "approve",
			"conditions": []map[string]string{{"field": "f", "operator": "regex", "value": "x"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPost, "/api/v1/policies", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCreatePolicyVersion(t *testing.T) {
	router, st := newTestRouter(t)
	seedPolicy(t, st, &models.Policy{
		PolicyID: "deploys", Priority: 10,
		Decision: models.DecisionReject, Reason: "frozen",
	})

	w := doJSON(router, http.MethodPost, "/api/v1/policies/deploys/versions", map[string]interface{}{
		"priority": 10,
		"decision": "approve",
		"reason":   "freeze lifted",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Policy
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, 2, created.Version)

	w = doJSON(router, http.MethodPost, "/api/v1/policies/missing/versions", map[string]interface{}{
		"decision": "approve",
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListPoliciesAndHistory(t *testing.T) {
	router, st := newTestRouter(t)
	seedPolicy(t, st, &models.Policy{
		PolicyID: "p1", Priority: 10, Decision: models.DecisionApprove, Reason: "r",
	})

	w := doJSON(router, http.MethodGet, "/api/v1/policies", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Policies []*models.Policy `json:"policies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	assert.Len(t, listResp.Policies, 1)

	w = doJSON(router, http.MethodGet, "/api/v1/policies/p1/history", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/policies/missing/history", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAndGetEvents(t *testing.T) {
	router, _ := newTestRouter(t)

	for i := 0; i < 3; i++ {
		user := "user-1"
		if i == 2 {
			user = "user-2"
		}
		w := doJSON(router, http.MethodPost, "/api/v1/actions", map[string]interface{}{
			"action_type": "deploy",
			"user_id":     user,
		}, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(router, http.MethodGet, "/api/v1/events?user_id=user-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Events []*models.Event `json:"events"`
		Total  int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	assert.Equal(t, 2, listResp.Total)
	require.Len(t, listResp.Events, 2)

	w = doJSON(router, http.MethodGet, fmt.Sprintf("/api/v1/events/%s", listResp.Events[0].ID), nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/events/unknown-id", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/actions", map[string]interface{}{
		"action_type": "deploy", "user_id": "user-1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats models.DecisionStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalActions)
	assert.Equal(t, 1, stats.RejectedCount)
	assert.InDelta(t, 1.0, stats.RejectRate, 0.0001)
}
