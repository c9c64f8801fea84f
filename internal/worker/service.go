// Package worker provides the HTTP worker that exposes campaigns, sessions
// and pipeline runs to local clients.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/loremonger/internal/config"
	"github.com/thebtf/loremonger/internal/credentials"
	gormdb "github.com/thebtf/loremonger/internal/db/gorm"
	"github.com/thebtf/loremonger/internal/pipeline"
	"github.com/thebtf/loremonger/internal/progress"
	"github.com/thebtf/loremonger/internal/worker/sse"
	"github.com/thebtf/loremonger/pkg/models"
)

// maxUploadMemory is the multipart memory threshold; larger parts spill to disk.
const maxUploadMemory = 32 << 20

// Runner is the part of the pipeline orchestrator the worker drives.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Reserve(sessionID string) (string, error)
	Release(sessionID, token string)
	Running(sessionID string) bool
	State(sessionID string) pipeline.State
	Progress(sessionID string) *progress.Log
	ProgressPath(sessionID string) string
	Observe(fn func(models.ProgressEntry))
}

// Deps bundles what the worker serves.
type Deps struct {
	Store        *gormdb.Store
	Campaigns    *gormdb.CampaignStore
	Sessions     *gormdb.SessionStore
	Orchestrator Runner
	Credentials  *credentials.Cache
	// SessionDir maps a session ID to its artifact directory; config.SessionDir when nil.
	SessionDir func(sessionID string) string
}

// Service is the worker HTTP service.
type Service struct {
	version        string
	config         *config.Config
	store          *gormdb.Store
	campaignStore  *gormdb.CampaignStore
	sessionStore   *gormdb.SessionStore
	orchestrator   Runner
	credentials    *credentials.Cache
	sseBroadcaster *sse.Broadcaster
	uploadDir      string
	sessionDir     func(sessionID string) string

	router *chi.Mux
	server *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	ready     atomic.Bool
	startTime time.Time
}

// NewService wires the routes and subscribes the SSE broadcaster to pipeline progress.
func NewService(version string, cfg *config.Config, deps Deps) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	sessionDir := deps.SessionDir
	if sessionDir == nil {
		sessionDir = config.SessionDir
	}
	s := &Service{
		version:        version,
		config:         cfg,
		store:          deps.Store,
		campaignStore:  deps.Campaigns,
		sessionStore:   deps.Sessions,
		orchestrator:   deps.Orchestrator,
		credentials:    deps.Credentials,
		sseBroadcaster: sse.NewBroadcaster(),
		uploadDir:      cfg.ScratchPath(),
		sessionDir:     sessionDir,
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}
	s.orchestrator.Observe(s.publishProgress)
	s.setupRoutes()
	return s
}

func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/ready", s.handleReady)
	s.router.Get("/api/version", s.handleVersion)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Get("/api/events", s.sseBroadcaster.HandleSSE)

		r.Route("/api/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Post("/", s.handleCreateCampaign)
			r.Get("/{id}", s.handleGetCampaign)
			r.Patch("/{id}", s.handleUpdateCampaign)
			r.Delete("/{id}", s.handleDeleteCampaign)
			r.Get("/{id}/players", s.handleListPlayers)
			r.Post("/{id}/players", s.handleAddPlayer)
			r.Patch("/{id}/players/{playerID}", s.handleUpdatePlayer)
			r.Delete("/{id}/players/{playerID}", s.handleRemovePlayer)
			r.Get("/{id}/sessions", s.handleListSessions)
			r.Post("/{id}/sessions", s.handleCreateSession)
		})

		r.Route("/api/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Patch("/", s.handleRenameSession)
			r.Delete("/", s.handleDeleteSession)
			r.Post("/process", s.handleProcess)
			r.Get("/progress", s.handleProgress)
		})

		r.Post("/api/credentials/invalidate", s.handleInvalidateCredentials)
	})
}

// Handler returns the root HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port until Shutdown is called.
func (s *Service) Start() error {
	if err := os.MkdirAll(s.uploadDir, 0750); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	port := config.GetWorkerPort()
	s.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)

	log.Info().Int("port", port).Str("version", s.version).Msg("Worker listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight runs.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Shutdown deadline reached with pipeline runs still active")
	}
	s.cancel()
	return err
}

func (s *Service) publishProgress(e models.ProgressEntry) {
	s.sseBroadcaster.Broadcast(sse.Event{Type: "progress", SessionID: e.SessionID, Data: e})
}

// requireReady rejects requests until the service has started.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service not ready")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	}
	resp := map[string]interface{}{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.store != nil {
		if err := s.store.Ping(); err != nil {
			resp["database"] = err.Error()
		} else {
			resp["database"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
