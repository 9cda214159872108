// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultMaxBodySize    = 32 << 20
	httpShutdownTimeout   = 30 * time.Second
	httpReadHeaderTimeout = 10 * time.Second
)

// HTTPReceiver accepts pushed messages on an HTTP endpoint.
//
// Settings:
//
//	Url                listen URL, e.g. http://0.0.0.0:8080/msh (required)
//	RequestsPerSecond  admission rate, 0 for unlimited (default 0)
//	Burst              admission burst (default RequestsPerSecond, at least 1)
//	MaxBodySize        largest accepted request in bytes (default 32 MiB)
type HTTPReceiver struct {
	opts   options
	logger *slog.Logger

	addr    string
	path    string
	maxBody int64
	limiter *rate.Limiter

	mu      sync.Mutex
	state   State
	handler MessageHandler
	stop    chan struct{}
	stopped bool
}

// NewHTTPReceiver creates an unconfigured HTTPReceiver.
func NewHTTPReceiver(opts ...Option) *HTTPReceiver {
	o := buildOptions(opts)
	return &HTTPReceiver{opts: o, logger: o.logger, stop: make(chan struct{})}
}

// Configure implements Receiver.
func (r *HTTPReceiver) Configure(settings Settings) error {
	raw, err := settings.Required("Url")
	if err != nil {
		return err
	}
	u, err := url.Parse(raw.Value)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: invalid Url %q", ErrConfiguration, raw.Value)
	}
	if u.Scheme != "http" {
		return fmt.Errorf("%w: Url scheme %q is not supported, terminate TLS in front", ErrConfiguration, u.Scheme)
	}
	rps, err := settings.Float("RequestsPerSecond", 0)
	if err != nil {
		return err
	}
	burst, err := settings.Int("Burst", int(rps))
	if err != nil {
		return err
	}
	maxBody, err := settings.Int("MaxBodySize", defaultMaxBodySize)
	if err != nil {
		return err
	}
	if rps < 0 || maxBody <= 0 {
		return fmt.Errorf("%w: RequestsPerSecond and MaxBodySize must not be negative", ErrConfiguration)
	}

	r.addr = u.Host
	r.path = u.Path
	if r.path == "" {
		r.path = "/"
	}
	r.maxBody = int64(maxBody)
	if rps > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
	r.logger = r.opts.logger.With("receiver", "http", "url", raw.Value)
	return nil
}

// Handler returns the HTTP handler serving the configured path. It is what
// StartReceiving serves and can be mounted elsewhere.
func (r *HTTPReceiver) Handler(handler MessageHandler) http.Handler {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	if r.limiter != nil {
		router.Use(r.admit)
	}
	router.Post(r.path, r.serveMessage)
	router.Get(r.path, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "MSH endpoint is up\n")
	})
	return router
}

func (r *HTTPReceiver) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *HTTPReceiver) serveMessage(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty request", http.StatusBadRequest)
		return
	}

	id := middleware.GetReqID(req.Context())
	if id == "" {
		id = uuid.New().String()
	}
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()

	res, err := handler(req.Context(), &ReceivedMessage{
		ID:          id,
		ContentType: req.Header.Get("Content-Type"),
		Body:        body,
		Origin:      req.RemoteAddr,
		Metadata:    map[string]string{"path": req.URL.Path},
	})
	if err != nil {
		r.logger.Error("failed to process request", "request_id", id, "error", err)
		http.Error(w, "message processing failed", http.StatusInternalServerError)
		return
	}
	switch {
	case res.Requeue:
		w.Header().Set("Retry-After", "5")
		http.Error(w, "try again later", http.StatusServiceUnavailable)
	case len(res.Body) > 0:
		w.Header().Set("Content-Type", res.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Body)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// StartReceiving implements Receiver. It serves until ctx is cancelled or
// StopReceiving is called, then drains in-flight requests.
func (r *HTTPReceiver) StartReceiving(ctx context.Context, handler MessageHandler) error {
	if r.addr == "" {
		return fmt.Errorf("%w: receiver is not configured", ErrConfiguration)
	}
	if handler == nil {
		return fmt.Errorf("%w: message handler is required", ErrConfiguration)
	}
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.addr, err)
	}
	srv := &http.Server{
		Handler:           r.Handler(handler),
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}

	r.setState(StatePolling)
	defer r.setState(StateStopped)
	r.logger.Info("listening", "addr", ln.Addr().String(), "path", r.path)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-r.stop:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to drain http receiver: %w", err)
	}
	return nil
}

// StopReceiving implements Receiver.
func (r *HTTPReceiver) StopReceiving() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		r.stopped = true
		close(r.stop)
	}
}

// State returns Polling while serving.
func (r *HTTPReceiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *HTTPReceiver) setState(s State) {
	r.mu.Lock()
	r.state = s
	hook := r.opts.stateHook
	r.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}
