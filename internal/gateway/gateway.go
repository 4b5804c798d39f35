package gateway

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

	"github.com/stellarlinkco/chatfight/internal/bus"
	"github.com/stellarlinkco/chatfight/internal/challenge"
	"github.com/stellarlinkco/chatfight/internal/channel"
	"github.com/stellarlinkco/chatfight/internal/command"
	"github.com/stellarlinkco/chatfight/internal/config"
	"github.com/stellarlinkco/chatfight/internal/cron"
	"github.com/stellarlinkco/chatfight/internal/dispatch"
	"github.com/stellarlinkco/chatfight/internal/logging"
	"github.com/stellarlinkco/chatfight/internal/metrics"
	"github.com/stellarlinkco/chatfight/internal/pipeline"
	"github.com/stellarlinkco/chatfight/internal/state"
	"github.com/stellarlinkco/chatfight/internal/vision"
)

// AnalyzerFactory creates the vision analyzer.
type AnalyzerFactory func(cfg config.VisionConfig) (pipeline.Analyzer, error)

// StoreFactory opens the state store.
type StoreFactory func(ctx context.Context, cfg config.StoreConfig) (state.Store, error)

// transport is the chat connection the pipeline and commands talk through.
type transport interface {
	channel.Channel
	pipeline.Fetcher
	pipeline.Replier
	command.Messenger
}

// Options for creating a Gateway
type Options struct {
	BotFactory         channel.BotFactory
	UserSessionFactory channel.UserSessionFactory
	AnalyzerFactory AnalyzerFactory
	StoreFactory    StoreFactory
	HTTPClient      *http.Client
	Logger          *slog.Logger
	SignalChan      chan os.Signal // for testing signal handling
}

// DefaultAnalyzerFactory builds a vision client for the configured provider.
func DefaultAnalyzerFactory(cfg config.VisionConfig) (pipeline.Analyzer, error) {
	client, err := vision.New(cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Gateway owns every long-lived component of the responder.
type Gateway struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *bus.MessageBus
	channel    transport
	store      state.Store
	state      *state.Manager
	pipeline   *pipeline.Pipeline
	dispatcher *dispatch.Dispatcher
	commands   *command.Handler
	cron       *cron.Service
	metrics    *metrics.Metrics
	server     *metrics.Server
	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.AnalyzerFactory == nil {
		opts.AnalyzerFactory = DefaultAnalyzerFactory
	}
	if opts.StoreFactory == nil {
		opts.StoreFactory = state.NewStore
	}

	logger := logging.OrDiscard(opts.Logger)
	g := &Gateway{
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		metrics:    metrics.New(),
		signalChan: opts.SignalChan,
	}

	store, err := opts.StoreFactory(ctx, cfg.Store)
	if err != nil {
		if errors.Is(err, state.ErrInvalidStore) {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		// start from defaults and keep trying on every save
		g.logger.Warn("state store unreachable, will retry on next save", "driver", cfg.Store.Driver, "error", err)
		factory, storeCfg := opts.StoreFactory, cfg.Store
		store = state.NewLazyStore(func(ctx context.Context) (state.Store, error) {
			return factory(ctx, storeCfg)
		}, logger)
	}
	g.store = store
	g.state = state.Open(ctx, store, logger)

	downloadDir := cfg.Maintenance.DownloadDir
	if downloadDir == "" {
		downloadDir = config.DefaultDownloadDir()
	}
	ch, err := newTransport(cfg.Telegram, downloadDir, g.bus, logger, opts)
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("create telegram channel: %w", err)
	}
	g.channel = ch
	if len(cfg.Telegram.AdminIDs) == 0 {
		if cfg.Telegram.Mode == config.TelegramModeBot {
			g.logger.Warn("no admin ids configured, commands are disabled in bot mode")
		} else {
			g.logger.Warn("no admin ids configured, only the logged in account can run commands")
		}
	}

	var analyzer pipeline.Analyzer
	if a, err := opts.AnalyzerFactory(cfg.Vision); err != nil {
		g.logger.Warn("vision analyzer unavailable, challenges will not be answered", "error", err)
	} else {
		analyzer = a
	}

	classifier := challenge.Classifier{GameBotID: cfg.Game.BotID, GroupID: cfg.Game.GroupID}
	g.pipeline = pipeline.New(pipeline.Options{
		Classifier: classifier,
		Fetcher:    ch,
		Replier:    ch,
		Analyzer:   analyzer,
		State:      g.state,
		Timeout:    time.Duration(cfg.Vision.Timeout) * time.Second,
		Observer:   g.metrics,
		Logger:     logger,
	})
	g.commands = command.New(ch, g.state, cfg.Telegram.AdminIDs, logger)
	g.dispatcher = dispatch.New(dispatch.Options{
		Classifier: classifier,
		Handler:    g.pipeline,
		Commands:   g.commands,
		Errors:     g.state,
		Observer:   g.metrics,
		Logger:     logger,
	})

	g.cron = cron.NewService(logger)
	if err := g.registerJobs(downloadDir); err != nil {
		g.closeStore()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		g.metrics.WatchState(g.state)
		g.server = metrics.NewServer(cfg.Metrics.Addr, metrics.NewRouter(g.metrics, g.state), logger)
	}

	return g, nil
}

// newTransport connects as a user account by default. A bot token only sees
// messages from humans, so bot mode cannot answer the game bot's challenges.
func newTransport(cfg config.TelegramConfig, downloadDir string, b *bus.MessageBus, logger *slog.Logger, opts Options) (transport, error) {
	switch cfg.Mode {
	case config.TelegramModeBot:
		ch, err := channel.NewTelegramChannelWithFactory(cfg, downloadDir, b, logger, opts.BotFactory)
		if err != nil {
			return nil, err
		}
		if opts.HTTPClient != nil {
			ch.SetHTTPClient(opts.HTTPClient)
		}
		return ch, nil
	case config.TelegramModeUser, "":
		ch, err := channel.NewUserChannel(cfg, downloadDir, b, logger, opts.UserSessionFactory)
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("unknown telegram mode %q", cfg.Mode)
	}
}

func (g *Gateway) registerJobs(downloadDir string) error {
	m := g.cfg.Maintenance

	maxAge, err := time.ParseDuration(m.SweepMaxAge)
	if err != nil || maxAge <= 0 {
		g.logger.Warn("invalid sweep max age, using default", "value", m.SweepMaxAge)
		maxAge, _ = time.ParseDuration(config.DefaultSweepMaxAge)
	}
	schedule := m.SweepSchedule
	if schedule == "" {
		schedule = config.DefaultSweepSchedule
	}
	if err := g.cron.AddJob(cron.Job{
		Name:     cron.SweepJobName,
		Schedule: schedule,
		Run:      cron.SweepDownloads(downloadDir, maxAge, nil),
	}); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}

	if m.ReportSchedule != "" {
		if err := g.cron.AddJob(cron.Job{
			Name:     cron.ReportJobName,
			Schedule: m.ReportSchedule,
			Run:      cron.ReportStats(g.state),
		}); err != nil {
			return fmt.Errorf("register report job: %w", err)
		}
	}
	return nil
}

// State exposes the module state manager.
func (g *Gateway) State() *state.Manager {
	return g.state
}

// Run starts every component and blocks until a signal arrives or ctx is
// done, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channel.Start(ctx); err != nil {
		g.closeStore()
		return fmt.Errorf("start telegram: %w", err)
	}

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start failed", "error", err)
	}

	if g.server != nil {
		if err := g.server.Start(); err != nil {
			g.logger.Warn("metrics server failed to start", "error", err)
			g.server = nil
		}
	}

	loopDone := make(chan struct{})
	go func() {
		g.dispatcher.Run(ctx, g.bus.Inbound)
		close(loopDone)
	}()

	g.logger.Info("running",
		"group_id", g.cfg.Game.GroupID,
		"bot_id", g.cfg.Game.BotID,
		"enabled", g.state.Enabled(),
		"store", g.cfg.Store.Driver,
		"mode", g.cfg.Telegram.Mode,
	)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	cancel()
	<-loopDone
	return g.Shutdown()
}

// Shutdown stops intake, waits for in-flight executions and flushes state.
func (g *Gateway) Shutdown() error {
	if g.channel != nil {
		g.channel.Stop()
	}
	if g.cron != nil {
		g.cron.Stop()
	}
	if g.dispatcher != nil {
		g.dispatcher.Wait()
	}

	var errs []error
	if g.state != nil && g.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := g.state.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
		cancel()
	}
	if err := g.closeStore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *Gateway) closeStore() error {
	if g.store == nil {
		return nil
	}
	store := g.store
	g.store = nil
	if err := store.Close(); err != nil {
		return fmt.Errorf("close state store: %w", err)
	}
	return nil
}
