// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package server provides the admin HTTP server of an MSH node.
//
// AS4 traffic is served by the receive flow; this server is for operators
// and orchestration:
//
// # Health
//
//   - GET /health - Liveness check
//   - GET /ready  - Readiness check, pings the store
//
// # Operator API (bearer token when configured)
//
//   - GET  /api/messages/{table}?ebmsId={id}  - Find a row by ebMS message id
//   - GET  /api/messages/{table}/{id}         - Get a message row
//   - GET  /api/messages/{table}/{id}/retry   - Get the retry record of a row
//   - GET  /api/exceptions/{table}?limit={n}  - List exception rows, newest first
//   - POST /api/submissions                   - Submit a user message
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sirosfoundation/go-msh/internal/as4"
	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxRequestBody   = 32 << 20
)

// Submitter queues outbound user messages
type Submitter interface {
	Submit(ctx context.Context, sub *as4.Submission) (*storage.MessageRow, error)
}

// Server is the admin HTTP server
type Server struct {
	config    config.AdminConfig
	logger    *slog.Logger
	httpSrv   *http.Server
	store     storage.Store
	submitter Submitter
}

// New creates the admin server. A nil submitter disables POST /api/submissions.
func New(cfg config.AdminConfig, store storage.Store, submitter Submitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		logger:    logger,
		store:     store,
		submitter: submitter,
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.withAuth)
		r.Get("/messages/{table}", s.handleFindMessage)
		r.Get("/messages/{table}/{id}", s.handleGetMessage)
		r.Get("/messages/{table}/{id}/retry", s.handleGetRetry)
		r.Get("/exceptions/{table}", s.handleListExceptions)
		r.Post("/submissions", s.handleSubmit)
	})
	return r
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting admin server", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="msh"`)
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.jsonError(w, "database not ready", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// Message handlers

// MessageView is the API form of a message row; the wire body is left out.
type MessageView struct {
	ID             string    `json:"id"`
	EbmsMessageID  string    `json:"ebmsMessageId"`
	RefToMessageID string    `json:"refToMessageId,omitempty"`
	PModeID        string    `json:"pmode,omitempty"`
	Mpc            string    `json:"mpc,omitempty"`
	Operation      string    `json:"operation"`
	ContentType    string    `json:"contentType"`
	BodySize       int       `json:"bodySize"`
	InsertedAt     time.Time `json:"insertedAt"`
	ModifiedAt     time.Time `json:"modifiedAt"`
}

func viewOf(row *storage.MessageRow) MessageView {
	return MessageView{
		ID:             row.ID,
		EbmsMessageID:  row.EbmsMessageID,
		RefToMessageID: row.RefToMessageID,
		PModeID:        row.PModeID,
		Mpc:            row.Mpc,
		Operation:      string(row.Operation),
		ContentType:    row.ContentType,
		BodySize:       len(row.Body),
		InsertedAt:     row.InsertedAt,
		ModifiedAt:     row.ModifiedAt,
	}
}

func (s *Server) messageTable(w http.ResponseWriter, r *http.Request) (storage.Table, bool) {
	table, err := storage.ParseTable(chi.URLParam(r, "table"))
	if err != nil || !table.IsMessageTable() {
		s.jsonError(w, "unknown message table", http.StatusBadRequest)
		return "", false
	}
	return table, true
}

func (s *Server) handleFindMessage(w http.ResponseWriter, r *http.Request) {
	table, ok := s.messageTable(w, r)
	if !ok {
		return
	}
	ebmsID := r.URL.Query().Get("ebmsId")
	if ebmsID == "" {
		s.jsonError(w, "ebmsId is required", http.StatusBadRequest)
		return
	}
	row, err := s.store.FindMessage(r.Context(), table, ebmsID)
	if err != nil {
		s.storeError(w, "find message", err)
		return
	}
	s.jsonResponse(w, viewOf(row), http.StatusOK)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	table, ok := s.messageTable(w, r)
	if !ok {
		return
	}
	row, err := s.store.GetMessage(r.Context(), table, chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, "get message", err)
		return
	}
	s.jsonResponse(w, viewOf(row), http.StatusOK)
}

// RetryView is the API form of a retry record.
type RetryView struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	CurrentRetry int       `json:"currentRetry"`
	MaxRetry     int       `json:"maxRetry"`
	Interval     string    `json:"interval"`
	LastAttempt  time.Time `json:"lastAttempt,omitempty"`
	NotBefore    time.Time `json:"notBefore"`
}

func (s *Server) handleGetRetry(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.messageTable(w, r); !ok {
		return
	}
	rec, err := s.store.FindRetryRecord(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, reliability.ErrRecordNotFound) {
		s.jsonError(w, "retry record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.storeError(w, "get retry record", err)
		return
	}
	s.jsonResponse(w, RetryView{
		ID:           rec.ID,
		Kind:         string(rec.Kind),
		Status:       string(rec.Status),
		CurrentRetry: rec.CurrentRetry,
		MaxRetry:     rec.MaxRetry,
		Interval:     rec.Interval.String(),
		LastAttempt:  rec.LastAttempt,
		NotBefore:    rec.NotBefore,
	}, http.StatusOK)
}

func (s *Server) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	table, err := storage.ParseTable(chi.URLParam(r, "table"))
	if err != nil || !table.IsExceptionTable() {
		s.jsonError(w, "unknown exception table", http.StatusBadRequest)
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}
	rows, err := s.store.ListExceptions(r.Context(), table, limit)
	if err != nil {
		s.storeError(w, "list exceptions", err)
		return
	}
	if rows == nil {
		rows = []*storage.ExceptionRow{}
	}
	s.jsonResponse(w, map[string]interface{}{
		"exceptions": rows,
		"limit":      limit,
	}, http.StatusOK)
}

// Submission handler

// SubmitRequest is the body of POST /api/submissions
type SubmitRequest struct {
	PMode          string            `json:"pmode"`
	ConversationID string            `json:"conversationId,omitempty"`
	RefToMessageID string            `json:"refToMessageId,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
	Payloads       []PayloadRequest  `json:"payloads"`
}

// PayloadRequest is one payload of a SubmitRequest; Data is base64 in JSON
type PayloadRequest struct {
	ContentID   string            `json:"contentId,omitempty"`
	ContentType string            `json:"contentType"`
	Data        []byte            `json:"data"`
	Properties  map[string]string `json:"properties,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		s.jsonError(w, "submissions are disabled", http.StatusNotImplemented)
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PMode == "" {
		s.jsonError(w, "pmode is required", http.StatusBadRequest)
		return
	}

	sub := &as4.Submission{
		PModeID:        req.PMode,
		ConversationID: req.ConversationID,
		RefToMessageID: req.RefToMessageID,
		Properties:     req.Properties,
	}
	for _, p := range req.Payloads {
		sub.Payloads = append(sub.Payloads, as4.Payload{
			ContentID:   p.ContentID,
			ContentType: p.ContentType,
			Data:        p.Data,
			Properties:  p.Properties,
		})
	}

	row, err := s.submitter.Submit(r.Context(), sub)
	switch {
	case errors.Is(err, as4.ErrUnknownPMode):
		s.jsonError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("submission failed", "pmode", req.PMode, "error", err)
		s.jsonError(w, "submission failed", http.StatusUnprocessableEntity)
		return
	}
	s.jsonResponse(w, viewOf(row), http.StatusAccepted)
}

// Helper functions

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.jsonError(w, "not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidArgument):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("store request failed", "op", op, "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
