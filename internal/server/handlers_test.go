package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfin/meridian/internal/engine"
	"github.com/meridianfin/meridian/internal/executor"
	"github.com/meridianfin/meridian/internal/marketdata"
	"github.com/meridianfin/meridian/internal/provider"
	"github.com/meridianfin/meridian/internal/step"
	"github.com/meridianfin/meridian/internal/store"
	_ "github.com/meridianfin/meridian/internal/testhelper"
	"github.com/meridianfin/meridian/pkg/api"
	"github.com/meridianfin/meridian/pkg/events"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	providers := provider.NewRegistry(0, 0)
	require.NoError(t, providers.Register(provider.NewMockProvider("mock")))

	eng := engine.New(&engine.Config{
		Retry: engine.RetryPolicy{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond},
	}, store.NewMemoryStore(), step.NewLibrary(), executor.NewRegistry(providers, marketdata.NewMockSource()))
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	return New(DefaultConfig(), eng)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func onboardingDefinition() map[string]interface{} {
	return map[string]interface{}{
		"id":   "onboarding",
		"name": "Account Onboarding",
		"steps": []map[string]interface{}{
			{
				"id":   "collect",
				"name": "Collect",
				"kind": "AUTOMATED",
				"config": map[string]interface{}{
					"operation": "set_values",
					"params":    map[string]interface{}{"values": map[string]interface{}{"stage": "collected"}},
				},
			},
		},
		"entry_points": []string{"collect"},
		"exit_points":  []string{"collect"},
	}
}

func decisionDefinition() map[string]interface{} {
	return map[string]interface{}{
		"id":   "risk-profile",
		"name": "Risk Profile",
		"steps": []map[string]interface{}{
			{
				"id":   "decide",
				"name": "Decide",
				"kind": "DECISION",
				"config": map[string]interface{}{
					"inputType": "single",
					"options":   []string{"conservative", "balanced"},
				},
			},
		},
		"entry_points": []string{"decide"},
		"exit_points":  []string{"decide"},
	}
}

func registerAndStart(t *testing.T, router http.Handler, def map[string]interface{}) string {
	t.Helper()
	rec := doJSON(t, router, "POST", "/api/v1/workflows", def)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, router, "POST", "/api/v1/executions", map[string]interface{}{
		"workflow_id":  def["id"],
		"principal_id": "advisor-7",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started struct {
		ExecutionID string `json:"execution_id"`
	}
	decode(t, rec, &started)
	require.NotEmpty(t, started.ExecutionID)
	return started.ExecutionID
}

func waitForStatus(t *testing.T, router http.Handler, executionID string, want api.ExecutionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := doJSON(t, router, "GET", "/api/v1/executions/"+executionID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var status api.ExecutionStatus
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.Status == want
	}, 5*time.Second, 10*time.Millisecond, "execution never reached %s", want)
}

func TestRegisterWorkflowEndpoint(t *testing.T) {
	router := testServer(t).Router()

	rec := doJSON(t, router, "POST", "/api/v1/workflows", onboardingDefinition())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	}
	decode(t, rec, &created)
	assert.Equal(t, "onboarding", created.ID)
	assert.Equal(t, 1, created.Version)

	// re-registration bumps the version
	rec = doJSON(t, router, "POST", "/api/v1/workflows", onboardingDefinition())
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &created)
	assert.Equal(t, 2, created.Version)
}

func TestRegisterWorkflowRejectsInvalidDefinition(t *testing.T) {
	router := testServer(t).Router()

	def := onboardingDefinition()
	def["entry_points"] = []string{"missing"}

	rec := doJSON(t, router, "POST", "/api/v1/workflows", def)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr api.Error
	decode(t, rec, &apiErr)
	assert.NotEmpty(t, apiErr.Code)
}

func TestGetAndListWorkflows(t *testing.T) {
	router := testServer(t).Router()
	doJSON(t, router, "POST", "/api/v1/workflows", onboardingDefinition())
	doJSON(t, router, "POST", "/api/v1/workflows", onboardingDefinition())

	rec := doJSON(t, router, "GET", "/api/v1/workflows/onboarding", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var def struct {
		Version int `json:"version"`
	}
	decode(t, rec, &def)
	assert.Equal(t, 2, def.Version, "no version param means latest")

	rec = doJSON(t, router, "GET", "/api/v1/workflows/onboarding?version=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &def)
	assert.Equal(t, 1, def.Version)

	rec = doJSON(t, router, "GET", "/api/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, "GET", "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Workflows []json.RawMessage `json:"workflows"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Workflows, 1)
}

func TestStartExecutionValidation(t *testing.T) {
	router := testServer(t).Router()

	rec := doJSON(t, router, "POST", "/api/v1/executions", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "workflow_id is required")

	rec = doJSON(t, router, "POST", "/api/v1/executions", map[string]interface{}{
		"workflow_id": "missing",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutionLifecycleOverHTTP(t *testing.T) {
	router := testServer(t).Router()
	execID := registerAndStart(t, router, onboardingDefinition())

	waitForStatus(t, router, execID, api.ExecutionCompleted)

	rec := doJSON(t, router, "GET", "/api/v1/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status api.ExecutionStatus
	decode(t, rec, &status)
	assert.Equal(t, "advisor-7", status.PrincipalID)
	assert.NotNil(t, status.CompletedAt)

	rec = doJSON(t, router, "GET", "/api/v1/executions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProvideStepInputEndpoint(t *testing.T) {
	router := testServer(t).Router()
	execID := registerAndStart(t, router, decisionDefinition())

	waitForStatus(t, router, execID, api.ExecutionPaused)

	path := fmt.Sprintf("/api/v1/executions/%s/steps/decide/input", execID)

	rec := doJSON(t, router, "POST", path, map[string]interface{}{
		"input": map[string]interface{}{"data": map[string]interface{}{"chosen": "reckless"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown option is rejected")

	rec = doJSON(t, router, "POST", path, map[string]interface{}{
		"input": map[string]interface{}{"data": map[string]interface{}{"chosen": "balanced"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	waitForStatus(t, router, execID, api.ExecutionCompleted)
}

func TestPauseResumeCancelEndpoints(t *testing.T) {
	router := testServer(t).Router()
	execID := registerAndStart(t, router, decisionDefinition())
	waitForStatus(t, router, execID, api.ExecutionPaused)

	rec := doJSON(t, router, "POST", fmt.Sprintf("/api/v1/executions/%s/pause", execID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "POST", fmt.Sprintf("/api/v1/executions/%s/cancel", execID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	waitForStatus(t, router, execID, api.ExecutionCancelled)

	// terminal executions reject further control verbs
	rec = doJSON(t, router, "POST", fmt.Sprintf("/api/v1/executions/%s/resume", execID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListExecutionsEndpoint(t *testing.T) {
	router := testServer(t).Router()
	execID := registerAndStart(t, router, onboardingDefinition())
	waitForStatus(t, router, execID, api.ExecutionCompleted)

	rec := doJSON(t, router, "GET", "/api/v1/executions?principal_id=advisor-7&status=COMPLETED", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Executions []api.ExecutionStatus `json:"executions"`
		Offset     int                   `json:"offset"`
		Limit      int                   `json:"limit"`
	}
	decode(t, rec, &page)
	require.Len(t, page.Executions, 1)
	assert.Equal(t, execID, page.Executions[0].ExecutionID)
	assert.Equal(t, 50, page.Limit)

	rec = doJSON(t, router, "GET", "/api/v1/executions?principal_id=nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &page)
	assert.Empty(t, page.Executions)

	rec = doJSON(t, router, "GET", "/api/v1/executions?limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &page)
	assert.Equal(t, 1, page.Limit)
	assert.Equal(t, 1, page.Offset)
}

func TestStreamExecutionEndpoint(t *testing.T) {
	router := testServer(t).Router()
	execID := registerAndStart(t, router, onboardingDefinition())

	// subscribe only after the execution finished: everything below is
	// replayed history, including the version-0 events from before the
	// first context commit
	waitForStatus(t, router, execID, api.ExecutionCompleted)

	ts := httptest.NewServer(router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/api/v1/executions/%s/stream", execID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	sawRunning := false
	sawCompleted := false
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var event events.StreamEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		assert.Equal(t, execID, event.ExecutionID)
		if event.Kind == events.EventStatusChanged && event.Status == api.ExecutionRunning {
			sawRunning = true
		}
		if event.Kind == events.EventStepCompleted {
			sawCompleted = true
		}
		if event.Kind == events.EventStatusChanged && event.Status.Terminal() {
			assert.Equal(t, api.ExecutionCompleted, event.Status)
			break
		}
	}
	assert.True(t, sawRunning, "replay should include the version-0 RUNNING transition")
	assert.True(t, sawCompleted, "stream should carry step completion events")
}

func TestStreamRejectsBadCursor(t *testing.T) {
	router := testServer(t).Router()
	execID := registerAndStart(t, router, onboardingDefinition())

	rec := doJSON(t, router, "GET",
		fmt.Sprintf("/api/v1/executions/%s/stream?from_version=abc", execID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, "GET",
		fmt.Sprintf("/api/v1/executions/%s/stream?from_version=-2", execID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router := testServer(t).Router()

	rec := doJSON(t, router, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string `json:"status"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "healthy", body.Status)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		code   api.Code
		status int
	}{
		{api.CodeNotFound, http.StatusNotFound},
		{api.CodeVersionConflict, http.StatusConflict},
		{api.CodeTerminalState, http.StatusConflict},
		{api.CodeValidationFailed, http.StatusBadRequest},
		{api.CodeCyclicDependencies, http.StatusBadRequest},
		{api.CodeRateLimited, http.StatusTooManyRequests},
		{api.CodeTimeout, http.StatusGatewayTimeout},
		{api.CodeTransient, http.StatusServiceUnavailable},
		{api.CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, httpStatus(tc.code), string(tc.code))
	}
}
