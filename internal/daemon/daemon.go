package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/webagent/internal/config"
	"github.com/harun/webagent/internal/logger"
	"github.com/harun/webagent/internal/metrics"
	"github.com/harun/webagent/internal/tracing"
	"github.com/harun/webagent/pkg/agent"
	"github.com/harun/webagent/pkg/bridge"
	"github.com/harun/webagent/pkg/browser"
)

// Daemon represents the webagent service
type Daemon struct {
	config    *config.Config
	loader    *config.Loader
	logger    *logger.Logger
	userAgent string
	handlers  map[string]browser.Handler

	// Execution context, one of the two is set
	profile  *browser.ProfileContext
	executor *browser.Executor
	bridge   *bridge.Server

	// Control loop
	source     agent.ConfigSource
	watcher    *config.Watcher
	tokens     *agent.TokenProvider
	server     *agent.ServerClient
	dispatcher *agent.Dispatcher
	loop       *agent.Loop

	// Observability
	metrics       *metrics.Metrics
	metricsServer *metrics.Server

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option configures a Daemon
type Option func(*Daemon)

// WithLoader enables live reload of the control server base URL from the loader's file
func WithLoader(loader *config.Loader) Option {
	return func(d *Daemon) {
		d.loader = loader
	}
}

// WithUserAgent sets the User-Agent sent to the control server
func WithUserAgent(ua string) Option {
	return func(d *Daemon) {
		d.userAgent = ua
	}
}

// WithBrowserHandler adds or replaces the browser handler for a command type.
// It has no effect in bridge mode, where the executor owns command handling.
func WithBrowserHandler(commandType string, handler browser.Handler) Option {
	return func(d *Daemon) {
		if d.handlers == nil {
			d.handlers = make(map[string]browser.Handler)
		}
		d.handlers[commandType] = handler
	}
}

// Status represents daemon status
type Status struct {
	Running      bool          `json:"running"`
	Uptime       time.Duration `json:"uptime"`
	StartTime    time.Time     `json:"start_time,omitempty"`
	BaseURL      string        `json:"base_url"`
	Executor     string        `json:"executor"`
	Cycles       uint64        `json:"cycles"`
	DroppedTicks uint64        `json:"dropped_ticks"`
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:    cfg,
		logger:    log,
		userAgent: agent.DefaultUserAgent,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := tracing.InitOpenTelemetry("webagent"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	d.metrics = metrics.NewMetrics()

	if err := d.initializeExecutionContext(); err != nil {
		cancel()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize execution context: %w", err)
	}

	d.initializeLoop()
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeExecutionContext builds the surface commands are dispatched to
func (d *Daemon) initializeExecutionContext() error {
	switch d.config.Executor.Mode {
	case config.ExecutorBridge:
		d.bridge = bridge.NewServer(bridge.Config{
			Listen:       d.config.Bridge.Listen,
			Path:         d.config.Bridge.Path,
			SharedSecret: d.config.Bridge.SharedSecret,
			Logger:       d.logger.GetZerolog(),
		})
		if err := d.metrics.RegisterGauge("bridge_peers", "Connected bridge executors", func() float64 {
			return float64(len(d.bridge.Peers()))
		}); err != nil {
			return err
		}
		d.logger.Info().Str("listen", d.config.Bridge.Listen).Msg("Bridge execution context initialized")

	case config.ExecutorBrowser:
		bc := d.config.Browser
		profile := browser.Profile{
			Name:        bc.Profile,
			CDPPort:     bc.CDPPort,
			CDPUrl:      bc.CDPURL,
			Headless:    bc.Headless,
			NoSandbox:   bc.NoSandbox,
			AttachOnly:  bc.AttachOnly,
			UserDataDir: bc.UserDataDir,
			ChromePath:  bc.ChromePath,
		}
		if err := browser.ValidateProfileConfig(&profile); err != nil {
			return err
		}

		d.profile = browser.NewProfileContext(profile, bc.ElementTimeout, d.logger.Component("browser"))
		executor, err := browser.NewExecutor(d.profile, browser.SecurityConfig{
			AllowFileUrls:      bc.AllowFileURLs,
			AllowLocalhostUrls: bc.AllowLocalhostURLs,
			AllowedDomains:     bc.AllowedDomains,
			BlockedDomains:     bc.BlockedDomains,
		}, d.logger.Component("browser"))
		if err != nil {
			return err
		}
		for commandType, handler := range d.handlers {
			executor.Register(commandType, handler)
		}
		d.executor = executor
		d.logger.Info().Str("profile", profile.Name).Bool("attach_only", profile.AttachOnly).Msg("Browser execution context initialized")

	default:
		return fmt.Errorf("unknown executor mode: %s", d.config.Executor.Mode)
	}
	return nil
}

// initializeLoop wires the token provider, server client and dispatcher into the loop
func (d *Daemon) initializeLoop() {
	client := agent.NewHTTPClient(agent.ClientConfig{
		Timeout:            d.config.HTTP.Timeout,
		InsecureSkipVerify: d.config.HTTP.InsecureSkipVerify,
	})

	static := agent.StaticCookies(d.config.Server.Cookies)
	var (
		credentials agent.Credentials = static
		selector    agent.TargetSelector
		channel     agent.Channel
	)
	if d.executor != nil {
		credentials = agent.FirstCredentials{d.executor, static}
		selector, channel = d.executor, d.executor
	} else {
		selector, channel = d.bridge, d.bridge
	}

	d.source = config.NewStatic(d.config.Server.BaseURL)
	if d.loader != nil {
		d.watcher = config.NewWatcher(d.loader, d.config, d.logger.Component("config"))
		d.source = d.watcher
	}

	d.tokens = agent.NewTokenProvider(client, credentials, d.userAgent)
	d.server = agent.NewServerClient(client, d.userAgent)
	d.dispatcher = agent.NewDispatcher(selector, channel, d.config.Dispatch.Timeout,
		d.logger.Component("dispatcher"), agent.WithDispatchRecorder(d.metrics))
	d.loop = agent.NewLoop(
		agent.LoopConfig{
			Interval:      d.config.Poll.Interval,
			Schedule:      d.config.Poll.Schedule,
			ReportTimeout: d.config.HTTP.Timeout,
		},
		d.source, d.tokens, d.server, d.dispatcher,
		d.logger.Component("control-loop"),
		agent.WithRecorder(d.metrics),
	)
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Str("base_url", d.source.BaseURL()).Msg("Starting webagent daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.markStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.config.Metrics.Enabled {
		srv, err := metrics.NewServer(d.config.Metrics.Listen, d.metrics, d.logger.GetZerolog())
		if err != nil {
			d.abortStart()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		d.metricsServer = srv
	}

	if d.bridge != nil {
		if err := d.bridge.Start(); err != nil {
			d.abortStart()
			return fmt.Errorf("failed to start bridge: %w", err)
		}
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch config file, base URL changes need a restart")
			d.watcher = nil
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.loop.Run(d.ctx); err != nil {
			logger.Error().Err(err).Msg("Control loop stopped")
		}
	}()

	logger.Info().Msg("Daemon started")
	return nil
}

// abortStart releases what a failed Start already acquired
func (d *Daemon) abortStart() {
	if d.metricsServer != nil {
		_ = d.metricsServer.Shutdown(context.Background())
		d.metricsServer = nil
	}
	_ = d.lifecycle.Stop()
	d.markStopped()
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon. The in-flight cycle, if any, completes first.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping webagent daemon")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	// a fetched command is still dispatched and reported
	timeout := d.config.Dispatch.Timeout + d.config.HTTP.Timeout + 5*time.Second
	select {
	case <-done:
		logger.Info().Msg("Control loop stopped")
	case <-time.After(timeout):
		logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for control loop to stop")
	}

	if d.watcher != nil {
		d.watcher.Stop()
	}

	var errs []error
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.bridge != nil {
		if err := d.bridge.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	if d.profile != nil {
		if err := d.profile.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop browser")
		}
	}

	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown metrics server: %w", err))
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		errs = append(errs, err)
	}

	d.shutdownTracing()

	logger.Info().
		Uint64("cycles", d.loop.Cycles()).
		Uint64("dropped_ticks", d.loop.Dropped()).
		Msg("Daemon stopped")

	return errors.Join(errs...)
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// RunOnce runs a single cycle without starting the schedule. In bridge mode the
// bridge is started first and the cycle only runs once an executor connects
// within peerWait, so no command is fetched with nowhere to run it.
func (d *Daemon) RunOnce(ctx context.Context, peerWait time.Duration) (agent.CycleReport, error) {
	if d.bridge != nil {
		if err := d.bridge.Start(); err != nil {
			return agent.CycleReport{}, fmt.Errorf("failed to start bridge: %w", err)
		}

		d.logger.Info().
			Str("addr", d.bridge.Addr()).
			Dur("wait", peerWait).
			Msg("Waiting for an executor to connect")

		waitCtx, cancel := context.WithTimeout(ctx, peerWait)
		defer cancel()
		if err := d.bridge.WaitForPeer(waitCtx); err != nil {
			return agent.CycleReport{}, fmt.Errorf("no executor connected within %s: %w", peerWait, err)
		}
	}
	return d.loop.RunCycle(ctx), nil
}

// Close releases resources held by a daemon that was never started
func (d *Daemon) Close() error {
	d.cancel()
	if d.bridge != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.bridge.Stop(shutdownCtx); err != nil {
			return err
		}
	}
	if d.profile != nil {
		if err := d.profile.Stop(); err != nil {
			return err
		}
	}
	d.shutdownTracing()
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:      d.running,
		BaseURL:      d.source.BaseURL(),
		Executor:     d.config.Executor.Mode,
		Cycles:       d.loop.Cycles(),
		DroppedTicks: d.loop.Dropped(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetMetrics returns the metrics registry
func (d *Daemon) GetMetrics() *metrics.Metrics {
	return d.metrics
}

// GetBridge returns the bridge server, nil in browser mode
func (d *Daemon) GetBridge() *bridge.Server {
	return d.bridge
}

// GetLoop returns the control loop
func (d *Daemon) GetLoop() *agent.Loop {
	return d.loop
}
