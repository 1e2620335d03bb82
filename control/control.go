/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package control exposes a running call controller over local HTTP: a
// status snapshot, the user call actions and the prometheus metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tejzpr/roomcall-go-sdk/chatsdk"
	"github.com/tejzpr/roomcall-go-sdk/negotiation"
	"github.com/tejzpr/roomcall-go-sdk/voicecall"
)

// CallController is the subset of *voicecall.Controller served here.
type CallController interface {
	Initiate(ctx context.Context) error
	Accept(ctx context.Context) error
	Decline(ctx context.Context) error
	End(ctx context.Context) error
	ToggleMute() (bool, error)
	Snapshot() voicecall.Snapshot
}

// Handler serves the control API.
type Handler struct {
	ctrl     CallController
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// NewHandler creates a handler. A nil gatherer serves the default registry.
func NewHandler(ctrl CallController, gatherer prometheus.Gatherer, logger *zerolog.Logger) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Handler{
		ctrl:     ctrl,
		gatherer: gatherer,
		logger:   l.With().Str("module", "control").Logger(),
	}
}

// NewRouter returns the chi router for the control API.
func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/status", h.status)
	r.Post("/call", h.action(h.ctrl.Initiate))
	r.Post("/accept", h.action(h.ctrl.Accept))
	r.Post("/decline", h.action(h.ctrl.Decline))
	r.Post("/end", h.action(h.ctrl.End))
	r.Post("/mute", h.mute)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *Handler) action(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
	}
}

func (h *Handler) mute(w http.ResponseWriter, r *http.Request) {
	muted, err := h.ctrl.ToggleMute()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, voicecall.ErrCallActive), errors.Is(err, voicecall.ErrInvalidState), chatsdk.IsConflict(err):
		status = http.StatusConflict
	case errors.Is(err, voicecall.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case chatsdk.IsNotFound(err):
		status = http.StatusNotFound
	case chatsdk.IsForbidden(err), chatsdk.IsAuthError(err):
		status = http.StatusForbidden
	case negotiation.IsMediaAccess(err):
		status = http.StatusFailedDependency
	}
	h.logger.Warn().Err(err).Int("status", status).Msg("control action failed")
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the control API until its context is done.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a server on addr.
func NewServer(addr string, h *Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h.NewRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: h.logger,
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("control API listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
