package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pinchtab/pinchtab/internal/adapter/instanceclient"
	"github.com/pinchtab/pinchtab/internal/config"
	"github.com/pinchtab/pinchtab/internal/events"
	"github.com/pinchtab/pinchtab/internal/logging"
	"github.com/pinchtab/pinchtab/internal/policy"
	"github.com/pinchtab/pinchtab/internal/profiles"
	"github.com/pinchtab/pinchtab/internal/registry"
	"github.com/pinchtab/pinchtab/internal/repository"
	"github.com/pinchtab/pinchtab/internal/service"
	"github.com/pinchtab/pinchtab/internal/supervisor"
	httpserver "github.com/pinchtab/pinchtab/internal/transport/http"
	"github.com/pinchtab/pinchtab/internal/transport/ws"
)

type serveOptions struct {
	port       int
	bind       string
	autoLaunch bool
	headed     bool
	logLevel   string
}

func newServeCmd(root *rootOptions, version string) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configFile)
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, version)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.port, "port", 0, "Port to listen on")
	f.StringVar(&opts.bind, "bind", "", "Address to bind")
	f.BoolVar(&opts.autoLaunch, "auto-launch", false, "Launch the default profile at startup")
	f.BoolVar(&opts.headed, "headed", false, "Launch the default profile with a visible window")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	return cmd
}

// apply overrides config values with flags that were set explicitly.
func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port = o.port
	}
	if f.Changed("bind") {
		cfg.Bind = o.bind
	}
	if f.Changed("auto-launch") {
		cfg.AutoLaunch = o.autoLaunch
	}
	if f.Changed("headed") {
		cfg.DefaultHeaded = o.headed
	}
	if f.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
}

func supervisorTimings(cfg *config.Config) supervisor.Timings {
	t := supervisor.DefaultTimings()
	t.HealthPollInterval = cfg.HealthPollInterval
	t.StartupTimeout = cfg.StartupTimeout
	t.StopGracePeriod = cfg.StopGracePeriod
	t.TermGracePeriod = cfg.TermGracePeriod
	t.KillGracePeriod = cfg.KillGracePeriod
	return t
}

func runServe(ctx context.Context, cfg *config.Config, version string) error {
	logging.Configure(cfg.LogLevel, cfg.LogFormat)
	log := logging.NewLogger("serve")

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	profileManager, err := profiles.NewManager(cfg.ProfilesDir, db)
	if err != nil {
		return fmt.Errorf("failed to initialize profiles: %w", err)
	}
	if found, err := profileManager.Discover(ctx); err != nil {
		log.WithError(err).Warn("profile discovery failed")
	} else if len(found) > 0 {
		log.WithField("count", len(found)).Info("discovered profiles")
	}

	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	sup := supervisor.New(&supervisor.LocalRunner{}, supervisorTimings(cfg), cfg.LogBufferBytes)
	client := instanceclient.NewClient(cfg.ChildAuthToken)
	bus := events.NewBus(cfg.SSEBufferSize)
	defer bus.Close()
	tracker := events.NewTracker(bus, events.TrackerConfig{
		BufferSize:        cfg.ActivityBufferSize,
		IdleTimeout:       cfg.AgentIdleTimeout,
		DisconnectTimeout: cfg.AgentDisconnectTimeout,
	})

	svc := service.New(db, profileManager, registry.New(), sup, client, bus, tracker, cfg, policyEngine)
	relay := ws.NewServer(ws.Config{
		FrameBuffer: cfg.RelayFrameBuffer,
		PingPeriod:  cfg.RelayPingPeriod,
		WriteWait:   cfg.RelayWriteWait,
	}, client)
	defer relay.Close()
	svc.OnInstanceEnded(relay.CloseInstance)

	if err := svc.Reconcile(ctx); err != nil {
		log.WithError(err).Warn("failed to reconcile previous instances")
	}
	if cfg.AutoLaunch {
		if err := svc.AutoLaunch(ctx); err != nil {
			log.WithError(err).Error("auto-launch failed")
		}
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitorsDone := make(chan struct{})
	go func() {
		defer close(monitorsDone)
		_ = svc.Run(runCtx)
	}()

	e := httpserver.NewServer(svc, relay, httpserver.Options{Version: version, KeepAlive: cfg.SSEKeepAlive})
	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr()).Info("orchestrator listening")
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case <-runCtx.Done():
	case listenErr = <-serveErr:
	}
	stop()
	log.Info("shutting down orchestrator")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := shutdown(shutdownCtx, log, svc, e, bus.Close, relay.Close); err != nil {
		log.WithError(err).Warn("failed to shutdown http server gracefully")
	}
	<-monitorsDone

	log.Info("orchestrator stopped")
	return listenErr
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops all instances, ends the dashboard and screencast streams and
// then drains the HTTP server. An open stream only returns once its source is
// closed.
func shutdown(ctx context.Context, log *logrus.Entry, svc, server shutdowner, closeStreams ...func()) error {
	if err := svc.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("instances did not stop in time")
	}
	for _, closeFn := range closeStreams {
		closeFn()
	}
	return server.Shutdown(ctx)
}
