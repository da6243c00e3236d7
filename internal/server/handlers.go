package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meridianfin/meridian/internal/engine"
	"github.com/meridianfin/meridian/internal/store"
	"github.com/meridianfin/meridian/internal/workflow"
	"github.com/meridianfin/meridian/pkg/api"
	"github.com/meridianfin/meridian/pkg/events"
)

// startExecutionRequest mirrors the StartExecution wire shape.
type startExecutionRequest struct {
	WorkflowID     string `json:"workflow_id"`
	Version        int    `json:"version,omitempty"`
	PrincipalID    string `json:"principal_id"`
	SessionID      string `json:"session_id"`
	InitialContext struct {
		Data map[string]interface{} `json:"data"`
	} `json:"initial_context"`
	Options struct {
		MaxParallelism int `json:"max_parallelism,omitempty"`
	} `json:"options,omitempty"`
}

type startExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
}

type registerWorkflowResponse struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

type provideStepInputRequest struct {
	Input struct {
		Data map[string]interface{} `json:"data"`
	} `json:"input"`
}

func (s *Server) registerWorkflow(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, api.E(api.CodeValidationFailed, "invalid definition body: %v", err))
		return
	}
	id, version, err := s.engine.RegisterWorkflow(r.Context(), &def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerWorkflowResponse{ID: id, Version: version})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, api.E(api.CodeValidationFailed, "invalid version %q", raw))
			return
		}
		version = v
	}
	def, err := s.engine.GetWorkflow(r.Context(), id, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.engine.ListWorkflows(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": summaries})
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, api.E(api.CodeValidationFailed, "invalid request body: %v", err))
		return
	}
	if req.WorkflowID == "" {
		writeError(w, api.E(api.CodeValidationFailed, "workflow_id is required"))
		return
	}

	executionID, err := s.engine.StartExecution(r.Context(), &engine.StartRequest{
		WorkflowID:      req.WorkflowID,
		WorkflowVersion: req.Version,
		PrincipalID:     req.PrincipalID,
		SessionID:       req.SessionID,
		InitialContext:  req.InitialContext.Data,
		MaxParallelism:  req.Options.MaxParallelism,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startExecutionResponse{ExecutionID: executionID})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		PrincipalID: q.Get("principal_id"),
		WorkflowID:  q.Get("workflow_id"),
	}
	for _, raw := range q["status"] {
		filter.Statuses = append(filter.Statuses, api.ExecutionState(raw))
	}
	if raw := q.Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			filter.Offset = v
		}
	}
	filter.Limit = 50
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 500 {
			filter.Limit = v
		}
	}

	executions, err := s.engine.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"offset":     filter.Offset,
		"limit":      filter.Limit,
	})
}

func (s *Server) provideStepInput(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req provideStepInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, api.E(api.CodeValidationFailed, "invalid request body: %v", err))
		return
	}
	if err := s.engine.ProvideStepInput(r.Context(), vars["id"], vars["stepId"], req.Input.Data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) pauseExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Pause(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumeExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// streamExecution upgrades to a websocket and pumps the execution's
// event stream from the requested version cursor. The stream closes
// after the terminal STATUS_CHANGED event.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]

	// Replay delivers events with Version > from_version. Events emitted
	// before the first context commit carry version 0, so the default
	// cursor is -1: no cursor means the full history.
	fromVersion := int64(-1)
	if raw := r.URL.Query().Get("from_version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < -1 {
			writeError(w, api.E(api.CodeValidationFailed, "invalid from_version %q", raw))
			return
		}
		fromVersion = v
	}

	ch, cancel, err := s.engine.Stream(r.Context(), executionID, fromVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	// Detect client disconnect.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			if event.Kind == events.EventStatusChanged && event.Status.Terminal() {
				return
			}
		case <-clientGone:
			return
		}
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError renders a typed error as the wire ErrorEnvelope with a
// matching HTTP status.
func writeError(w http.ResponseWriter, err error) {
	apiErr := api.AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(apiErr.Code))
	if encErr := json.NewEncoder(w).Encode(apiErr); encErr != nil {
		log.Error().Err(encErr).Msg("Failed to encode error response")
	}
}

func httpStatus(code api.Code) int {
	switch code {
	case api.CodeNotFound:
		return http.StatusNotFound
	case api.CodeVersionConflict, api.CodeTerminalState:
		return http.StatusConflict
	case api.CodeValidationFailed, api.CodeCyclicDependencies, api.CodeUnreachableStep,
		api.CodeDuplicateStepID, api.CodeInvalidEntryExit, api.CodeUnknownStepKind,
		api.CodeIncompatibleStepConfig, api.CodeAIResponseInvalid:
		return http.StatusBadRequest
	case api.CodeRateLimited:
		return http.StatusTooManyRequests
	case api.CodeTimeout:
		return http.StatusGatewayTimeout
	case api.CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
