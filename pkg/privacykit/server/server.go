// Package server exposes the middleware over HTTP: record writes through the
// queue, consent management, audit queries and the data-subject rights
// workflows.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/privacykit/privacykit/pkg/privacykit"
	"github.com/privacykit/privacykit/pkg/privacykit/config"
)

// Server wires the stack's components into an HTTP API.
type Server struct {
	stack  *config.Stack
	logger *slog.Logger
}

// New creates an HTTP server over a built stack.
func New(stack *config.Stack, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{stack: stack, logger: logger}
}

// Routes sets up the HTTP routes.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/records/{table}", func(r chi.Router) {
			r.Post("/", s.handleCreateRecord)
			r.Get("/{id}", s.handleReadRecord)
			r.Patch("/{id}", s.handleUpdateRecord)
			r.Delete("/{id}", s.handleDeleteRecord)
		})
		r.Post("/queue/flush", s.handleFlushQueue)

		r.Route("/consents/{userID}", func(r chi.Router) {
			r.Get("/", s.handleConsentStatus)
			r.Post("/grant", s.handleGrantConsent)
			r.Post("/revoke", s.handleRevokeConsent)
			r.Get("/history/{purposeID}", s.handleConsentHistory)
		})

		r.Get("/audit", s.handleAuditLogs)
		r.Get("/audit/users/{userID}", s.handleUserAuditTrail)

		r.Route("/rights/{userID}", func(r chi.Router) {
			r.Post("/export", s.handleExport)
			r.Post("/delete", s.handleDelete)
			r.Post("/anonymize", s.handleAnonymize)
			r.Post("/portability", s.handlePortability)
			r.Post("/rectify", s.handleRectify)
			r.Post("/restrict", s.handleRestrict)
			r.Post("/object", s.handleObject)
		})
	})

	return r
}

type errResponse struct {
	Error string `json:"error"`
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, privacykit.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, privacykit.ErrConsentRequired):
		status = http.StatusForbidden
	case errors.Is(err, privacykit.ErrConfig), errors.Is(err, privacykit.ErrUnknownPurpose):
		status = http.StatusBadRequest
	case errors.Is(err, privacykit.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, privacykit.ErrQueueClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
	}
	render.Status(r, status)
	render.JSON(w, r, errResponse{Error: err.Error()})
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	var data privacykit.Record
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		s.renderError(w, r, errors.Join(privacykit.ErrConfig, err))
		return
	}
	pending, err := s.stack.Queue.EnqueueCreate(r.Context(), table, data)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	rec, err := pending.Wait(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rec)
}

func (s *Server) handleReadRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")
	rec, err := s.stack.Backend.Read(r.Context(), table, id)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	rec, err = s.stack.Encryption.ProcessEntityFromStorage(r.Context(), table, rec)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, rec)
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")
	var data privacykit.Record
	if err := render.DecodeJSON(r.Body, &data); err != nil {
		s.renderError(w, r, errors.Join(privacykit.ErrConfig, err))
		return
	}
	pending, err := s.stack.Queue.EnqueueUpdate(r.Context(), table, id, data)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	rec, err := pending.Wait(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")
	pending, err := s.stack.Queue.EnqueueDelete(r.Context(), table, id)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if _, err := pending.Wait(r.Context()); err != nil {
		s.renderError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

func (s *Server) handleFlushQueue(w http.ResponseWriter, r *http.Request) {
	result := s.stack.Queue.ForceFlush(r.Context())
	render.JSON(w, r, result)
}

type consentChangeRequest struct {
	Purposes []string       `json:"purposes"`
	Source   string         `json:"source,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleGrantConsent(w http.ResponseWriter, r *http.Request) {
	s.handleConsentChange(w, r, true)
}

func (s *Server) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	s.handleConsentChange(w, r, false)
}

func (s *Server) handleConsentChange(w http.ResponseWriter, r *http.Request, grant bool) {
	userID := chi.URLParam(r, "userID")
	var req consentChangeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.renderError(w, r, errors.Join(privacykit.ErrConfig, err))
		return
	}
	opts := privacykit.ConsentOptions{
		Source:   req.Source,
		Reason:   req.Reason,
		Metadata: req.Metadata,
	}
	var err error
	if grant {
		err = s.stack.Consent.GrantConsent(r.Context(), userID, req.Purposes, opts)
	} else {
		err = s.stack.Consent.RevokeConsent(r.Context(), userID, req.Purposes, opts)
	}
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	status, err := s.stack.Consent.GetConsentStatus(r.Context(), userID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, status)
}

func (s *Server) handleConsentStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	status, err := s.stack.Consent.GetConsentStatus(r.Context(), userID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, status)
}

func (s *Server) handleConsentHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	purposeID := chi.URLParam(r, "purposeID")
	history, err := s.stack.Consent.GetConsentHistory(r.Context(), userID, purposeID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, history)
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter := privacykit.AuditFilter{
		UserID:   r.URL.Query().Get("userId"),
		Action:   r.URL.Query().Get("action"),
		Resource: r.URL.Query().Get("resource"),
	}
	logs, err := s.stack.Audit.GetAuditLogs(r.Context(), filter)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, logs)
}

func (s *Server) handleUserAuditTrail(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	trail, err := s.stack.Audit.GetUserAuditTrail(r.Context(), userID, 100)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, trail)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var opts privacykit.ExportOptions
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &opts); err != nil {
			s.renderError(w, r, errors.Join(privacykit.ErrConfig, err))
			return
		}
	}
	result, err := s.stack.Rights.ExportUserData(r.Context(), userID, opts)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var opts privacykit.DeleteOptions
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &opts); err != nil {
			s.renderError(w, r, errors.Join(privacykit.ErrConfig, err))
			return
		}
	}
	result, err := s.stack.Rights.DeleteUserData(r.Context(), userID, opts)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	result, err := s.stack.Rights.AnonymizeUserData(r.Context(), userID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

func (s *Server) handlePortability(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	format := privacykit.PortabilityFormat(r.URL.Query().Get("format"))
	result, err := s.stack.Rights.CreatePortabilityRequest(r.Context(), userID, format)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	switch result.Format {
	case privacykit.FormatXML:
		w.Header().Set("Content-Type", "application/xml")
	case privacykit.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(result.Payload)
}

func (s *Server) handleRectify(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var updates []privacykit.RectificationUpdate
	if err := render.DecodeJSON(r.Body, &updates); err != nil {
		s.renderError(w, r, errors.Join(privacykit.ErrConfig, err))
		return
	}
	result, err := s.stack.Rights.RectifyUserData(r.Context(), userID, updates)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

func (s *Server) handleRestrict(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req privacykit.RestrictionRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.renderError(w, r, errors.Join(privacykit.ErrConfig, err))
		return
	}
	if err := s.stack.Rights.RestrictProcessing(r.Context(), userID, req); err != nil {
		s.renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{"restricted": true})
}

type objectionRequest struct {
	Purpose string `json:"purpose"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req objectionRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.renderError(w, r, errors.Join(privacykit.ErrConfig, err))
		return
	}
	if err := s.stack.Rights.ObjectToProcessing(r.Context(), userID, req.Purpose, req.Reason); err != nil {
		s.renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{"objected": true})
}
