package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"streambridge/pkg/bus"
	"streambridge/pkg/channel"
	"streambridge/pkg/channel/telegram"
	"streambridge/pkg/config"
	"streambridge/pkg/dispatch"
	"streambridge/pkg/engine"
	"streambridge/pkg/metrics"
	"streambridge/pkg/provider"
	"streambridge/pkg/retrieval"
	"streambridge/pkg/store"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	healthCheckInterval = 30 * time.Second
	shutdownTimeout     = 15 * time.Second
	eventBuffer         = 256
)

var errBusClosed = errors.New("message bus is closed")

// Ingress is a channel adapter that can also receive pushed webhook payloads.
type Ingress interface {
	channel.Adapter
	HandleWebhook(ctx context.Context, payload []byte) error
	Running() (bus.IngressMode, bool)
}

// HealthChecker reports whether the model backend is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the already constructed parts of a gateway. Setup runs once before ingress starts;
// Closers run after the engine has shut down.
type Deps struct {
	Ingress Ingress
	Engine  *engine.Engine
	Bus     *bus.MessageBus
	Health  HealthChecker
	Metrics *metrics.Metrics
	Setup   func(context.Context) error
	Closers []func()
}

type Service struct {
	cfg     *config.Config
	mode    bus.IngressMode
	log     *slog.Logger
	ingress Ingress
	engine  *engine.Engine
	bus     *bus.MessageBus
	health  HealthChecker
	metrics *metrics.Metrics
	setup   func(context.Context) error
	closers []func()

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
}

// NewService wires the Telegram bot, model provider, retrieval backend, history store and
// delivery engine described by cfg.
func NewService(ctx context.Context, cfg *config.Config, mode bus.IngressMode, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	bot, err := telegram.NewBot(cfg.Telegram)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.NewAdapter(cfg.Telegram, bot, log)
	if err != nil {
		return nil, err
	}

	client, err := provider.New(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}
	retriever, err := retrieval.New(cfg.Retrieval)
	if err != nil {
		return nil, fmt.Errorf("initialize retrieval: %w", err)
	}
	history, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	dispatcher := dispatch.New(telegram.NewPlatform(bot), dispatch.Options{
		MaxRetries:     cfg.Dispatch.MaxRetries,
		RetryDelay:     cfg.Dispatch.RetryDelay(),
		DefaultBackoff: cfg.Dispatch.DefaultBackoff(),
		RatePerSecond:  cfg.Dispatch.GlobalRatePerSecond,
		Burst:          cfg.Dispatch.GlobalBurst,
		Logger:         log,
	})

	messageBus := bus.NewMessageBus()
	opts := engine.OptionsFromConfig(cfg)
	opts.Logger = log
	eng, err := engine.New(engine.Deps{
		Model:     client,
		Outbound:  dispatcher,
		Retriever: retriever,
		History:   history,
		Events:    messageBus,
	}, opts)
	if err != nil {
		history.Close()
		return nil, err
	}

	commands := make([]telegram.Command, 0, len(engine.Commands))
	for _, command := range engine.Commands {
		commands = append(commands, telegram.Command{Name: command.Name, Description: command.Description})
	}

	return newService(cfg, mode, Deps{
		Ingress: adapter,
		Engine:  eng,
		Bus:     messageBus,
		Health:  client,
		Setup: func(ctx context.Context) error {
			return telegram.Register(ctx, bot, cfg.Telegram, mode, commands, log)
		},
		Closers: []func(){history.Close},
	}, log)
}

func newService(cfg *config.Config, mode bus.IngressMode, deps Deps, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if mode != bus.ModeWebhook && mode != bus.ModePolling {
		return nil, fmt.Errorf("%w: %q", channel.ErrInvalidMode, mode)
	}
	if deps.Ingress == nil || deps.Engine == nil || deps.Bus == nil || deps.Health == nil {
		return nil, errors.New("gateway requires ingress, engine, bus and health checker")
	}
	if log == nil {
		log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	eng := deps.Engine
	deps.Metrics.TrackSessions(
		func() float64 { return float64(eng.Stats().Sessions) },
		func() float64 { return float64(eng.Stats().Generating) },
	)

	return &Service{
		cfg:     cfg,
		mode:    mode,
		log:     log.With("component", "gateway.service"),
		ingress: deps.Ingress,
		engine:  deps.Engine,
		bus:     deps.Bus,
		health:  deps.Health,
		metrics: deps.Metrics,
		setup:   deps.Setup,
		closers: deps.Closers,
	}, nil
}

// Run serves until ctx is done or a component fails, then drains live generations.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.shutdown()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkProviderHealth(ctx); err != nil {
		s.log.Warn("Provider is not reachable yet", "error", err)
	}

	if s.setup != nil {
		if err := s.setup(ctx); err != nil {
			return err
		}
	}

	sweeper, err := s.newSweeper()
	if err != nil {
		return err
	}

	events, unsubscribe := s.bus.SubscribeEvents(ctx, eventBuffer)
	defer unsubscribe()

	addr := s.address()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.metrics.Observe(groupCtx, events, s.log)
		return nil
	})
	group.Go(func() error {
		s.bus.Route(groupCtx, func(msg bus.IncomingMessage) error {
			return s.engine.Handle(groupCtx, msg)
		}, s.routeFailed)
		return nil
	})
	group.Go(func() error {
		if err := s.ingress.Start(groupCtx, s.mode, s.enqueue(groupCtx)); err != nil {
			return fmt.Errorf("run %s ingress: %w", s.ingress.Name(), err)
		}
		return nil
	})
	group.Go(func() error {
		s.log.Info("Gateway server started", "address", addr, "mode", string(s.mode))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("start gateway server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	})
	group.Go(func() error {
		s.watchProvider(groupCtx)
		return nil
	})
	if sweeper != nil {
		sweeper.Start()
		group.Go(func() error {
			<-groupCtx.Done()
			<-sweeper.Stop().Done()
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// enqueue is the ingress handler: it hands messages to the bus and never blocks on the engine.
func (s *Service) enqueue(ctx context.Context) bus.MessageHandler {
	return func(msg bus.IncomingMessage) error {
		if !s.bus.PublishInbound(ctx, msg) {
			return errBusClosed
		}
		return nil
	}
}

func (s *Service) routeFailed(msg bus.IncomingMessage, err error) {
	s.log.Warn("Failed to handle message", "chat_id", int64(msg.ChatID), "update_id", msg.UpdateID, "error", err)
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.engine.Close(ctx); err != nil {
		s.log.Warn("Generations did not finish before shutdown", "error", err)
	}
	s.bus.Close()
	for _, closeFn := range s.closers {
		closeFn()
	}
	s.log.Info("Gateway stopped")
}

// newSweeper schedules idle session eviction. It is nil when sessions.idle_ttl_minutes is 0.
func (s *Service) newSweeper() (*cron.Cron, error) {
	ttl := s.cfg.Sessions.IdleTTL()
	if ttl <= 0 {
		return nil, nil
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(s.cfg.Sessions.SweepSchedule, func() { s.sweepIdle(ttl) }); err != nil {
		return nil, fmt.Errorf("schedule idle sweep %q: %w", s.cfg.Sessions.SweepSchedule, err)
	}
	return sweeper, nil
}

func (s *Service) sweepIdle(ttl time.Duration) int {
	evicted := s.engine.EvictIdle(ttl)
	if evicted > 0 {
		s.log.Info("Evicted idle sessions", "count", evicted, "idle_ttl", ttl)
	}
	return evicted
}

func (s *Service) address() string {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	return host + ":" + strconv.Itoa(port)
}

func (s *Service) watchProvider(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkProviderHealth(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("Provider health check failed", "error", err)
			}
		}
	}
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.health.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) isReady() bool {
	if _, running := s.ingress.Running(); !running {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.providerLastOKAt.IsZero() {
		return false
	}

	return s.providerLastErr == ""
}
