// Package httpapi is the thin REST gateway of §6: "informative, not
// core", built on the standard library net/http.ServeMux exactly as the
// teacher's startHTTPServer does for its metrics/health endpoints, but
// generalized here to the full CRUD + lifecycle surface since the
// gRPC/protobuf transport the teacher otherwise uses cannot be
// regenerated from anything in the retrieval pack (see DESIGN.md).
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/etlengine/internal/dag"
	"github.com/flowforge/etlengine/internal/engine"
	"github.com/flowforge/etlengine/internal/enginerr"
	"github.com/flowforge/etlengine/internal/models"
	"github.com/flowforge/etlengine/internal/repo"
)

// Server wires the Engine and Repository behind a bearer-token gate.
type Server struct {
	mux        *http.ServeMux
	eng        *engine.Engine
	repository repo.Repository
	token      string
	logger     *zap.Logger
	version    string
}

// NewServer builds the ServeMux with every route of §6. token, when
// non-empty, is the single shared-secret bearer token §6 names as the
// thin authorization gate; an empty token disables the check (local dev).
func NewServer(eng *engine.Engine, repository repo.Repository, token, version string, logger *zap.Logger) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		eng:        eng,
		repository: repository,
		token:      token,
		logger:     logger.With(zap.String("component", "httpapi")),
		version:    version,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.withAuth(s.mux) }

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/workflows", s.handleWorkflows)
	s.mux.HandleFunc("/api/workflows/", s.handleWorkflowSubroutes)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "etlengine",
		"version":   s.version,
		"timestamp": time.Now(),
	})
}

// handleWorkflows serves GET (list) and POST (create/save) on
// /api/workflows.
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		skip, take := paginationParams(r)
		workflows, err := s.repository.ListWorkflows(ctx, skip, take)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	case http.MethodPost:
		var def models.WorkflowDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := dag.Validate(&def); err != nil {
			writeEngineError(w, err)
			return
		}
		saved, err := s.repository.SaveWorkflow(ctx, &def)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleWorkflowSubroutes dispatches the path-parameterized routes under
// /api/workflows/...: {id}, {id}/execute, {id}/history, {id}/versions,
// and executions/{id}[/cancel|pause|resume].
func (s *Server) handleWorkflowSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/workflows/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	ctx := r.Context()

	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if parts[0] == "executions" {
		s.handleExecutions(w, r, parts[1:])
		return
	}

	workflowID := parts[0]
	switch {
	case len(parts) == 1:
		s.handleWorkflowByID(w, r, workflowID)
	case len(parts) == 2 && parts[1] == "execute" && r.Method == http.MethodPost:
		s.handleExecute(w, r, workflowID)
	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		limit := limitParam(r, 50)
		history, err := s.eng.GetExecutionHistory(ctx, workflowID, limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	case len(parts) == 2 && parts[1] == "versions" && r.Method == http.MethodGet:
		versions, err := s.repository.GetWorkflowVersions(ctx, workflowID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, versions)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		var version *int
		if v := r.URL.Query().Get("version"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				version = &n
			}
		}
		def, err := s.repository.GetWorkflow(ctx, id, version)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
	case http.MethodDelete:
		// The spec names CRUD on definitions; deletion is not a durable
		// concept for a versioned, append-only definition history, so this
		// is reported as not implemented rather than silently accepted.
		writeError(w, http.StatusNotImplemented, "workflow definitions are versioned and not deleted")
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request, workflowID string) {
	var body struct {
		Parameters map[string]interface{} `json:"parameters"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	exec, err := s.eng.ExecuteWorkflow(r.Context(), workflowID, body.Parameters, "Manual")
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request, parts []string) {
	ctx := r.Context()
	if len(parts) == 0 || parts[0] == "" {
		limit := limitParam(r, 50)
		execs, err := s.repository.GetRecentExecutions(ctx, limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, execs)
		return
	}

	executionID := parts[0]
	if len(parts) == 1 {
		exec, err := s.eng.GetExecutionStatus(ctx, executionID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exec)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var ok bool
	switch parts[1] {
	case "cancel":
		ok = s.eng.CancelExecution(ctx, executionID)
	case "pause":
		ok = s.eng.PauseExecution(ctx, executionID)
	case "resume":
		ok = s.eng.ResumeExecution(ctx, executionID)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "operation not valid for the execution's current state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func paginationParams(r *http.Request) (skip, take int) {
	skip, _ = strconv.Atoi(r.URL.Query().Get("skip"))
	take, err := strconv.Atoi(r.URL.Query().Get("take"))
	if err != nil || take <= 0 {
		take = 50
	}
	return skip, take
}

func limitParam(r *http.Request, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case enginerr.Is(err, enginerr.NotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case enginerr.Is(err, enginerr.ConfigurationError):
		writeError(w, http.StatusBadRequest, err.Error())
	case enginerr.Is(err, enginerr.ResourceExhausted):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
