package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/relia/internal/config"
	"github.com/harun/relia/internal/logger"
	"github.com/harun/relia/internal/observability"
	"github.com/harun/relia/internal/tracing"
	"github.com/harun/relia/pkg/eventbus"
	"github.com/harun/relia/pkg/gateway"
	"github.com/rs/zerolog"
)

// Daemon represents the Relia daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	bus           *eventbus.Bus
	gatewayServer *gateway.Server
	configWatcher *config.Watcher
	lifecycle     *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
		}
	}

	bus, err := eventbus.New(eventbus.Config{
		Logger:          log.GetZerolog(),
		InitialBackoff:  cfg.Delivery.InitialBackoff(),
		MaxBackoff:      cfg.Delivery.MaxBackoff(),
		MaxRetries:      cfg.Delivery.MaxRetries,
		FailureBuffer:   cfg.Delivery.FailureBuffer,
		DedupWindow:     cfg.Delivery.DedupWindow,
		IdleTimeout:     cfg.Delivery.IdleTimeout(),
		JanitorSchedule: cfg.Delivery.JanitorSchedule,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	d.bus = bus

	server, err := gateway.NewServer(gateway.Config{
		Port:            cfg.Gateway.Port,
		SharedSecret:    cfg.Gateway.SharedSecret,
		FramesPerMinute: cfg.Gateway.FramesPerMinute,
		MaxInFlight:     cfg.Gateway.MaxInFlight,
		Bus:             bus,
		Logger:          log.GetZerolog(),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Starting Relia daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	log.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.drainFailures()
	}()

	log.Info().Msg("Daemon started successfully")

	return nil
}

// WatchConfig starts hot-reloading the configuration file. Log level and
// gateway rate limits change in place; everything else needs a restart.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	watcher, err := config.NewWatcher(loader, d.logger.GetZerolog(), d.applyConfigReload)
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	d.configWatcher = watcher
	return nil
}

func (d *Daemon) applyConfigReload(cfg *config.Config) {
	log := d.logger.GetZerolog()

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
		log.Info().Str("level", cfg.Logging.Level).Msg("Log level updated")
	}

	d.gatewayServer.UpdateRateLimits(cfg.Gateway.FramesPerMinute, cfg.Gateway.MaxInFlight)

	d.mu.Lock()
	d.config = cfg
	d.mu.Unlock()
}

// drainFailures logs envelopes the bus has given up on. Without a consumer
// the failure channel would fill and the tracker would drop notifications.
func (d *Daemon) drainFailures() {
	failures := d.bus.Failures()
	for {
		select {
		case <-d.ctx.Done():
			return
		case failure, ok := <-failures:
			if !ok {
				return
			}

			d.logger.Error().
				Str("event_id", failure.Envelope.EventID).
				Str("session_id", failure.Envelope.SessionID).
				Uint64("sequence", failure.Envelope.Sequence).
				Err(failure.Reason).
				Msg("Event delivery abandoned")

			observability.RecordDeliveryAudit(d.ctx, "delivery.abandoned",
				failure.Envelope.SessionID, "failed", map[string]interface{}{
					"event_id": failure.Envelope.EventID,
					"sequence": failure.Envelope.Sequence,
					"reason":   failure.Reason.Error(),
				})
		}
	}
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Stopping Relia daemon")

	if d.configWatcher != nil {
		if err := d.configWatcher.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop config watcher")
		}
		d.configWatcher = nil
	}

	if err := d.gatewayServer.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.bus.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close event bus")
	}

	d.cancel()
	d.wg.Wait()

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shut down tracing")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	log.Info().Msg("Daemon stopped")

	return nil
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  int
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Sessions = len(d.bus.Sessions())
	}

	return status
}

// Wait blocks until the daemon receives SIGINT or SIGTERM, then stops it
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetBus returns the event bus
func (d *Daemon) GetBus() *eventbus.Bus {
	return d.bus
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}
