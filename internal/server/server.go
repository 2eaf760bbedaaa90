// Package server is the file-serving gateway. It issues signed URLs to
// authenticated callers, streams files to holders of a valid signed URL, and
// keeps the deprecated /uploads/... route alive behind a configurable mode.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dharsanguruparan/securefiles/internal/auth"
	"github.com/dharsanguruparan/securefiles/internal/config"
	"github.com/dharsanguruparan/securefiles/internal/signedurl"
	"github.com/dharsanguruparan/securefiles/internal/storage"
	"github.com/dharsanguruparan/securefiles/internal/tracking"
)

const (
	msgExpired      = "link expired, request a new link"
	msgDenied       = "access denied"
	msgNotFound     = "file not found"
	msgUnauthorized = "authentication required"

	maxJSONBody  = 1 << 20
	maxBatchSize = 100
	// maxCacheAge caps Cache-Control max-age on served files, in seconds.
	maxCacheAge = 300
)

// Server hosts the gateway's HTTP handlers.
type Server struct {
	cfg     *config.Config
	signer  *signedurl.Service
	auth    *auth.Authenticator
	store   storage.Store
	tracker tracking.Tracker
	log     *slog.Logger

	handler http.Handler
	once    sync.Once
}

// New creates a configured server.
func New(cfg *config.Config, signer *signedurl.Service, authn *auth.Authenticator, store storage.Store, tracker tracking.Tracker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		signer:  signer,
		auth:    authn,
		store:   store,
		tracker: tracker,
		log:     log,
	}
}

// Handler returns the fully wrapped gateway handler.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		s.handler = chain(s.routes(),
			s.requestLogger,
			s.cors,
			s.auth.Middleware,
		)
	})
	return s.handler
}

// Serve launches the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	s.log.Info("gateway listening", "addr", s.cfg.Address, "legacy_mode", s.cfg.LegacyMode)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /files/signed-url", auth.RequireAuth(s.handleSignedURL))
	mux.HandleFunc("POST /files/signed-urls", auth.RequireAuth(s.handleSignedURLs))
	mux.HandleFunc("POST /files/upload", auth.RequireAuth(s.handleUpload))
	mux.HandleFunc("GET /files/secure/{token}", s.handleSecureFile)
	mux.HandleFunc("DELETE /files/{scope}/{ownerId}/{filename}", auth.RequireAuth(s.handleDelete))
	mux.HandleFunc("GET /uploads/{tenantId}/{scope}/{ownerId}/{filename}", s.handleLegacyFile)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode response", "err", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	return json.NewDecoder(r.Body).Decode(dst)
}
