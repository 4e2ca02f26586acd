package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"montage/api/internal/comments"
	"montage/api/internal/domain"
	"montage/api/internal/search"
	"montage/api/internal/workflow"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)
	r.Use(s.cors)

	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Get("/assets/{asset}/workflows", s.handleListWorkflows)
		r.Get("/assets/{asset}/comments", s.handleListComments)
		r.Get("/assets/{asset}/comments/search", s.handleSearchComments)
		r.Get("/assets/{asset}/presence", s.handlePresence)
		r.Get("/assets/{asset}/locks", s.handleLocks)
		r.Get("/assets/{asset}/history", s.handleHistory)
		r.Get("/assets/{asset}/history/entries", s.handleHistoryEntries)

		r.Group(func(r chi.Router) {
			r.Use(requireIdentity)
			r.Post("/workflows", s.handleCreateWorkflow)
			r.Post("/workflows/{id}/advance", s.handleAdvanceWorkflow)
			r.Post("/assets/{asset}/comments", s.handleAddComment)
			r.Post("/comments/{id}/resolve", s.handleResolveComment)
		})
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ready(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AssetID string               `json:"asset_id"`
		Steps   []workflow.StepInput `json:"steps"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	actor := actorFrom(r.Context())
	instance, err := s.service.workflows.Create(r.Context(), body.AssetID, actor.ID, body.Steps)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

func (s *HTTPServer) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	instance, err := s.service.workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *HTTPServer) handleAdvanceWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action  string `json:"action"`
		Comment string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	instance, err := s.service.workflows.Advance(r.Context(), workflow.AdvanceInput{
		WorkflowID: chi.URLParam(r, "id"),
		Actor:      actorFrom(r.Context()),
		Action:     workflow.Action(strings.TrimSpace(body.Action)),
		Comment:    body.Comment,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *HTTPServer) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.workflows.List(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": items})
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.comments.List(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": items})
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var body comments.AddInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	body.AssetID = chi.URLParam(r, "asset")
	body.IdentityID = actorFrom(r.Context()).ID
	comment, err := s.service.comments.Add(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleResolveComment(w http.ResponseWriter, r *http.Request) {
	comment, err := s.service.comments.Resolve(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *HTTPServer) handleSearchComments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	includeResolved, _ := strconv.ParseBool(query.Get("include_resolved"))
	response, err := s.service.comments.Search(r.Context(), search.Query{
		Text:            strings.TrimSpace(query.Get("q")),
		AssetID:         chi.URLParam(r, "asset"),
		IncludeResolved: includeResolved,
		Limit:           queryInt(query.Get("limit"), 20),
		Offset:          queryInt(query.Get("offset"), 0),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"online": s.service.presence.Online(r.Context(), chi.URLParam(r, "asset"))})
}

func (s *HTTPServer) handleLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"locks": s.service.editing.Locks(chi.URLParam(r, "asset"))})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.service.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"commits": []any{}})
		return
	}
	query := r.URL.Query()
	commits, err := s.service.history.History(chi.URLParam(r, "asset"), query.Get("section"), queryInt(query.Get("limit"), 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleHistoryEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	section := strings.TrimSpace(query.Get("section"))
	if section == "" {
		writeError(w, http.StatusUnprocessableEntity, string(domain.CodeValidation), "section is required", nil)
		return
	}
	if s.service.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}
	entries, err := s.service.history.Entries(chi.URLParam(r, "asset"), section, query.Get("rev"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

type actorKey struct{}

// requireIdentity reads the host-supplied identity headers. No credential is
// checked here.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Identity-Id"))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "IDENTITY_REQUIRED", "X-Identity-Id header is required", nil)
			return
		}
		actor := workflow.Actor{ID: id, Role: strings.TrimSpace(r.Header.Get("X-Identity-Role"))}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) workflow.Actor {
	actor, _ := ctx.Value(actorKey{}).(workflow.Actor)
	return actor
}

type requestIDKey struct{}

func (s *HTTPServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))
	})
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(writer, r)
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.InfoContext(r.Context(), "request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

func (s *HTTPServer) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.ErrorContext(r.Context(), "panic recovered", "error", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", s.corsOrigin)
		header.Set("Access-Control-Allow-Headers", "Content-Type, X-Identity-Id, X-Identity-Role, X-Identity-Name, X-Request-ID")
		header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		header.Set("Cache-Control", "no-store")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		status = domainErr.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return status, string(domainErr.Code), domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, string(domain.CodeNotFound), "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
