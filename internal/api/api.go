// Package api provides HTTP handlers and the main API server logic for CoachPipe.
//
// It exposes the client event stream, the reply endpoint, unacknowledged-prompt
// refetch, prompt cancellation, and engine statistics. Run assembles the whole
// engine around the server: store, presence broker, hub, delivery sinks,
// detector, admission gate, synthesizer, dispatcher, response handler, and the
// cron jobs that drive detection, expiration, and reconciliation.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/CoachPipe/internal/channel"
	"github.com/BTreeMap/CoachPipe/internal/detector"
	"github.com/BTreeMap/CoachPipe/internal/dispatch"
	"github.com/BTreeMap/CoachPipe/internal/engine"
	"github.com/BTreeMap/CoachPipe/internal/gate"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/lockfile"
	"github.com/BTreeMap/CoachPipe/internal/registry"
	"github.com/BTreeMap/CoachPipe/internal/response"
	"github.com/BTreeMap/CoachPipe/internal/scheduler"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/synth"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultAddr is the default API listen address.
	DefaultAddr = ":8080"
	// DefaultRequestTimeout bounds handler execution. The WebSocket endpoint
	// is mounted outside it.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultScheduledJobTimeout bounds one run of a periodic job.
	DefaultScheduledJobTimeout = 4 * time.Minute
	// DefaultDetectionCron runs the detection cycle every five minutes.
	DefaultDetectionCron = "*/5 * * * *"

	// expirationCron sweeps expired prompts every ten minutes.
	expirationCron = "*/10 * * * *"
	// reconcileCron re-offers due and stale prompts every minute.
	reconcileCron = "* * * * *"
	// presenceCron refreshes connection presence entries every 30 seconds,
	// well inside the presence TTL.
	presenceCron = "*/30 * * * * *"
)

// Opts holds configuration options for the API server and its collaborators.
type Opts struct {
	Addr            string
	SnapshotBaseURL string
	RecordsBaseURL  string
	RedisURL        string
	StateDir        string
	DetectionCron   string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr overrides the API listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSnapshotBaseURL points the detector at the habit system's snapshot API.
func WithSnapshotBaseURL(url string) Option {
	return func(o *Opts) { o.SnapshotBaseURL = url }
}

// WithRecordsBaseURL points reply side effects at the habit system's write
// API. Falls back to the snapshot base URL when unset.
func WithRecordsBaseURL(url string) Option {
	return func(o *Opts) { o.RecordsBaseURL = url }
}

// WithRedisURL selects the Redis broker for cross-process event fan-out.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithStateDir sets the directory guarded by the single-instance lock.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithDetectionCron overrides the detection cycle schedule.
func WithDetectionCron(expr string) Option {
	return func(o *Opts) { o.DetectionCron = expr }
}

// Server carries the handler dependencies for the HTTP endpoints.
type Server struct {
	st          store.Store
	hub         *registry.Hub
	respHandler *response.Handler
	eng         *engine.Engine
	addr        string
}

// NewServer creates an API server over the given collaborators.
func NewServer(st store.Store, hub *registry.Hub, respHandler *response.Handler, eng *engine.Engine, addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{st: st, hub: hub, respHandler: respHandler, eng: eng, addr: addr}
}

// Handler returns the assembled route tree so callers can mount or serve it
// themselves.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// routes assembles the router. Authentication happens upstream; handlers
// trust the user identifiers they receive.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		// Event stream connections are long-lived and stay outside the timeout.
		r.Get("/events", s.hub.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(DefaultRequestTimeout))
			r.Post("/replies", s.replyHandler)
			r.Get("/users/{userID}/prompts/unacknowledged", s.unacknowledgedHandler)
			r.Post("/prompts/{promptID}/cancel", s.cancelHandler)
			r.Get("/stats", s.statsHandler)
		})
	})

	r.Get("/health", s.healthHandler)

	return r
}

// Run wires the full coaching engine and serves the API until the process
// receives an interrupt. It owns construction and teardown of every component.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.DetectionCron == "" {
		cfg.DetectionCron = DefaultDetectionCron
	}
	if cfg.RecordsBaseURL == "" {
		cfg.RecordsBaseURL = cfg.SnapshotBaseURL
	}

	if cfg.StateDir != "" {
		lock, err := lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("failed to acquire state directory lock: %w", err)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("Run: failed to release state directory lock", "error", err)
			}
		}()
	}

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	broker, err := buildBroker(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	defer broker.Close()

	hub := registry.NewHub(broker)
	defer hub.Close()

	det, syn := buildIntelligence(cfg, genaiOpts)

	dispatcher := dispatch.NewDispatcher(st, buildSinks(hub))
	eng := engine.NewEngine(st, det, gate.NewController(st), syn, dispatcher)

	respOpts := []response.Option{
		response.WithFollowUpScheduler(eng),
		response.WithNotifier(hub),
	}
	if cfg.RecordsBaseURL != "" {
		respOpts = append(respOpts, response.WithSideEffects(response.NewHTTPSideEffects(cfg.RecordsBaseURL)))
	}
	respHandler := response.NewHandler(st, respOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// Requeue prompts orphaned by a previous crash before new work starts.
	if err := eng.Recover(ctx); err != nil {
		slog.Warn("Run: startup recovery incomplete", "error", err)
	}

	// Reconnecting users release their parked prompts.
	go func() {
		for {
			select {
			case userID := <-hub.ConnectSignals():
				dispatcher.Resume(ctx, userID)
			case <-ctx.Done():
				return
			}
		}
	}()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduleJobs(sched, cfg.DetectionCron, eng, dispatcher, hub); err != nil {
		return err
	}

	server := NewServer(st, hub, respHandler, eng, cfg.Addr)
	httpServer := &http.Server{Addr: server.addr, Handler: server.routes()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", server.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Run: HTTP shutdown incomplete", "error", err)
	}
	return nil
}

// buildStore selects the storage backend from the configured DSN. No DSN
// means the in-memory store.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Info("Run: no database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	case store.IsPostgresDSN(cfg.DSN):
		slog.Debug("Run: configuring PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(storeOpts...)
	default:
		slog.Debug("Run: configuring SQLite store", "db_path", cfg.DSN)
		return store.NewSQLiteStore(storeOpts...)
	}
}

// buildBroker selects Redis when configured, otherwise an in-process bus.
func buildBroker(cfg Opts) (registry.Broker, error) {
	if cfg.RedisURL != "" {
		slog.Debug("Run: configuring Redis broker")
		return registry.NewRedisBroker(cfg.RedisURL)
	}
	slog.Info("Run: no Redis URL provided, event fan-out stays in-process")
	return registry.NewMemoryBus().NewBroker(), nil
}

// buildSinks assembles the delivery channels. Push is always present; SMS and
// email join when their credentials are set in the environment and the
// channel is not explicitly switched off.
func buildSinks(hub *registry.Hub) []channel.Sink {
	sinks := []channel.Sink{channel.NewPushSink(hub)}

	if os.Getenv("TWILIO_ACCOUNT_SID") != "" && util.ParseBoolEnv("COACHPIPE_SMS_ENABLED", true) {
		sms, err := channel.NewSMSSink()
		if err != nil {
			slog.Warn("Run: SMS channel disabled", "error", err)
		} else {
			sinks = append(sinks, sms)
			slog.Info("Run: SMS channel enabled")
		}
	}
	if os.Getenv("SMTP_HOST") != "" && util.ParseBoolEnv("COACHPIPE_EMAIL_ENABLED", true) {
		email, err := channel.NewEmailSink()
		if err != nil {
			slog.Warn("Run: email channel disabled", "error", err)
		} else {
			sinks = append(sinks, email)
			slog.Info("Run: email channel enabled")
		}
	}
	return sinks
}

// buildIntelligence constructs the detector and synthesizer, with GenAI
// behind both when a key is configured and deterministic fallbacks otherwise.
func buildIntelligence(cfg Opts, genaiOpts []genai.Option) (*detector.Detector, synth.Synthesizer) {
	var source detector.SnapshotSource
	if cfg.SnapshotBaseURL != "" {
		source = detector.NewHTTPSnapshotSource(cfg.SnapshotBaseURL)
	} else {
		slog.Warn("Run: no snapshot base URL configured, detection has no activity data")
		source = detector.NewStaticSnapshotSource()
	}

	gaClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Warn("Run: GenAI unavailable, using static synthesis", "error", err)
		return detector.NewDetector(source), synth.NewStaticSynthesizer()
	}

	det := detector.NewDetector(source, detector.WithHeuristic(detector.NewGenAIHeuristic(gaClient)))
	return det, synth.NewGenAISynthesizer(gaClient)
}

// scheduleJobs registers the periodic work: detection cycle, expiration
// sweep, dispatcher reconciliation, and presence refresh.
func scheduleJobs(sched *scheduler.Scheduler, detectionCron string, eng *engine.Engine, dispatcher *dispatch.Dispatcher, hub *registry.Hub) error {
	if err := sched.AddJob(detectionCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultScheduledJobTimeout)
		defer cancel()
		eng.RunCycle(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule detection cycle: %w", err)
	}
	if err := sched.AddJob(expirationCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultScheduledJobTimeout)
		defer cancel()
		eng.RunExpirationSweep(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule expiration sweep: %w", err)
	}
	if err := sched.AddJob(reconcileCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultScheduledJobTimeout)
		defer cancel()
		if err := dispatcher.Reconcile(ctx); err != nil {
			slog.Error("Run: dispatcher reconcile failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule dispatcher reconcile: %w", err)
	}
	if err := sched.AddJob(presenceCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		hub.RefreshPresences(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule presence refresh: %w", err)
	}
	return nil
}
