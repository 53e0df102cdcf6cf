// Package app wires the chat engine, its transport and the HTTP surface
// into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"huddle/internal/api"
	"huddle/internal/cache"
	"huddle/internal/clock"
	"huddle/internal/config"
	"huddle/internal/database"
	"huddle/internal/envelope"
	"huddle/internal/group"
	"huddle/internal/hub"
	"huddle/internal/logging"
	"huddle/internal/offline"
	"huddle/internal/presence"
	"huddle/internal/router"
	"huddle/internal/sanitize"
	"huddle/internal/scheduler"
	"huddle/internal/session"
	"huddle/internal/telemetry"
	"huddle/internal/websocket"
)

// Application owns every long-lived component.
// FUNCTIONAL DISCOVERY: construction order is store → groups → engine →
// transport → HTTP; Shutdown releases them in reverse.
type Application struct {
	cfg        *config.Config
	store      *database.BreakerStore
	scheduler  *scheduler.Scheduler
	router     *router.Router
	registry   *websocket.Registry
	hub        *hub.Hub
	telemetry  *telemetry.Prometheus
	handler    http.Handler
	http       *httpService
	supervisor *suture.Supervisor
	log        zerolog.Logger
}

// New builds the application. A nil cfg means defaults.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logging.Component("app")

	durable, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	store := database.NewBreakerStore(durable, cfg.Breaker)

	clk := clock.Real{}
	tel := telemetry.NewPrometheus()
	san := sanitize.New()
	sched := scheduler.New(clk)

	groups := group.NewManager(store, tel, clk, san)
	if err := groups.Load(ctx); err != nil {
		sched.Stop()
		_ = store.Close()
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}

	sessions := session.NewRegistry(clk, san, session.Options{
		Admins:       cfg.Chat.Admins,
		TombstoneTTL: cfg.Chat.TombstoneTTL,
	})
	registry := websocket.NewRegistry()

	r := router.New(router.Deps{
		Sessions: sessions,
		Groups:   groups,
		Cache:    cache.New(cfg.Chat.CacheCapacity, tel),
		Limiter:  router.NewRateLimiter(cfg.RateLimits.Limits(), clk),
		Offline:  offline.New(clk, cfg.Chat.OfflineTTL, cfg.Chat.OfflineMax),
		Presence: presence.New(presence.Config{
			TypingTimeout: cfg.Chat.TypingTimeout,
			AwayAfter:     cfg.Chat.AwayAfter,
			ReadRetention: cfg.Chat.ReadRetention,
		}, sched, sessions, nil),
		Scheduler: sched,
		Codec:     envelope.NewCodec(envelope.WithIterations(cfg.Encryption.KDFIterations)),
		Sanitizer: san,
		Store:     store,
		Transport: registry,
		Telemetry: tel,
		Clock:     clk,
	}, router.Config{
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		PageSize:         cfg.Chat.PageSize,
		SearchLimit:      cfg.Chat.SearchLimit,
		SystemMessages:   cfg.Chat.SystemMessages,
	})

	h := hub.New(r)
	ws := websocket.NewHandler(registry, h, tel, cfg.WebSocket)
	handler := api.NewServer(api.Deps{
		Store:       store,
		Stats:       r,
		Connections: registry,
		Metrics:     tel.Handler(),
		WebSocket:   ws,
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	a := &Application{
		cfg:       cfg,
		store:     store,
		scheduler: sched,
		router:    r,
		registry:  registry,
		hub:       h,
		telemetry: tel,
		handler:   handler,
		http:      newHTTPService(server, cfg.HTTP.ShutdownTimeout, log),
		log:       log,
	}
	a.supervisor = a.buildSupervisor()
	return a, nil
}

func (a *Application) buildSupervisor() *suture.Supervisor {
	sup := suture.New("huddle", suture.Spec{
		EventHook: func(e suture.Event) {
			a.log.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          a.cfg.HTTP.ShutdownTimeout,
	})
	sup.Add(&maintenanceService{
		target:     a.router,
		interval:   a.cfg.Chat.SweepInterval,
		bucketIdle: a.cfg.Chat.BucketIdle,
	})
	sup.Add(a.http)
	return sup
}

// Run serves until ctx is cancelled, then releases every resource.
func (a *Application) Run(ctx context.Context) error {
	a.log.Info().Str("addr", a.cfg.HTTP.Addr()).Msg("starting huddle")

	err := a.supervisor.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if report, rerr := a.supervisor.UnstoppedServiceReport(); rerr == nil {
		for _, svc := range report {
			a.log.Warn().Str("service", svc.Name).Msg("service failed to stop")
		}
	}
	return errors.Join(err, a.Shutdown())
}

// Shutdown stops timers and closes the store. Safe to call after Run.
func (a *Application) Shutdown() error {
	a.scheduler.Stop()
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	a.log.Info().Msg("huddle stopped")
	return nil
}

// Handler is the full HTTP surface, for embedding or tests.
func (a *Application) Handler() http.Handler { return a.handler }

// Router exposes the engine.
func (a *Application) Router() *router.Router { return a.router }

// Addr is the bound HTTP address once Run has started listening.
func (a *Application) Addr() string { return a.http.Addr() }
