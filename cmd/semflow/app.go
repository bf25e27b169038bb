package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360/semflow/config"
	"github.com/c360/semflow/credentials"
	flowengine "github.com/c360/semflow/engine"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/flowstore"
	"github.com/c360/semflow/health"
	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/natsclient"
	"github.com/c360/semflow/nodes"
	"github.com/c360/semflow/pkg/tlsutil"
	"github.com/c360/semflow/registry"
	"github.com/c360/semflow/service"
)

// app owns every long-lived part of the process
type app struct {
	cfg     *config.SafeConfig
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	monitor *health.Monitor
	bus     *events.Bus

	nats     *natsclient.Client
	storage  flowstore.Storage
	settings registry.Settings
	registry *registry.Registry
	engine   *flowengine.Engine
	bridge   *events.NATSBridge
	server   *service.Server
}

// newApp builds the runtime from cfg. On error everything built so far is
// released.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:     config.NewSafeConfig(cfg),
		logger:  logger,
		metrics: metric.NewMetricsRegistry(),
		monitor: health.NewMonitor(health.WithLogger(logger)),
		bus:     events.NewBus(logger),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if cfg.NeedsNATS() {
		if err := a.connectNATS(ctx, cfg.NATS); err != nil {
			return nil, err
		}
	}
	if err := a.openStorage(ctx, cfg.Storage); err != nil {
		return nil, err
	}

	a.registry = registry.New(
		registry.WithLogger(logger),
		registry.WithEvents(a.bus),
		registry.WithSettings(a.settings),
	)
	for _, m := range cfg.Modules {
		if err := a.registry.AddModule(registry.Module{Name: m.Name, Version: m.Version, Enabled: m.Enabled}); err != nil {
			return nil, fmt.Errorf("declare module %s: %w", m.Name, err)
		}
	}

	httpClient, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	deps := nodes.Deps{HTTPClient: httpClient}
	if a.nats != nil {
		deps.NATS = a.nats
	}
	if err := nodes.Register(a.registry, deps); err != nil {
		return nil, fmt.Errorf("register core nodes: %w", err)
	}
	if err := a.registry.LoadSettings(ctx); err != nil {
		return nil, fmt.Errorf("load module settings: %w", err)
	}

	a.engine, err = flowengine.New(flowengine.Options{
		Registry:     a.registry,
		Storage:      a.storage,
		Credentials:  credentials.NewCrypto(cfg.Runtime.CredentialSecret),
		Bus:          a.bus,
		Logger:       logger,
		Metrics:      a.metrics,
		Health:       a.monitor,
		CloseTimeout: cfg.Runtime.NodeCloseTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	if cfg.Events.Bridge {
		a.bridge, err = events.NewNATSBridge(a.bus, a.nats, events.NATSBridgeConfig{
			Prefix: cfg.Events.SubjectPrefix,
			Events: cfg.Events.Events,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create events bridge: %w", err)
		}
	}

	serverTLS, err := tlsutil.ServerConfig(cfg.Security.TLS.Server)
	if err != nil {
		return nil, err
	}
	a.server, err = service.New(service.Options{
		Engine:   a.engine,
		Registry: a.registry,
		Config:   a.cfg,
		Health:   a.monitor,
		Metrics:  a.metrics,
		NATS:     a.nats,
		TLS:      serverTLS,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create admin server: %w", err)
	}
	return a, nil
}

func (a *app) connectNATS(ctx context.Context, cfg config.NATSConfig) error {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(a.logger),
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithMetrics(a.metrics),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				a.monitor.UpdateHealthy("nats", "connected")
			} else {
				a.monitor.UpdateUnhealthy("nats", "disconnected")
			}
		}),
	}
	switch {
	case cfg.CredsFile != "":
		opts = append(opts, natsclient.WithCredsFile(cfg.CredsFile))
	case cfg.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	a.logger.Info("Connecting to NATS", "urls", cfg.URLs)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	a.nats = client
	return nil
}

func (a *app) openStorage(ctx context.Context, cfg config.StorageConfig) error {
	switch cfg.Mode {
	case config.StorageModeFile:
		var opts []flowstore.FileOption
		if cfg.PrettyPrint {
			opts = append(opts, flowstore.WithPrettyPrint())
		}
		if cfg.CredentialsPath != "" {
			opts = append(opts, flowstore.WithCredentialsFile(cfg.CredentialsPath))
		}
		store, err := flowstore.NewFileStore(cfg.Path, opts...)
		if err != nil {
			return err
		}
		settingsPath := cfg.SettingsPath
		if settingsPath == "" {
			settingsPath = filepath.Join(filepath.Dir(cfg.Path), ".config.runtime.json")
		}
		settings, err := flowstore.NewFileSettings(settingsPath)
		if err != nil {
			return err
		}
		a.storage, a.settings = store, settings
		a.logger.Info("Using file storage", "flows", store.Path(), "settings", settingsPath)

	case config.StorageModeKV:
		kv, err := flowstore.OpenBucket(ctx, a.nats, cfg.Bucket.Name, uint8(cfg.Bucket.History))
		if err != nil {
			return fmt.Errorf("open flows bucket: %w", err)
		}
		a.storage, a.settings = flowstore.NewKVStore(kv), flowstore.NewKVSettings(kv)
		a.logger.Info("Using NATS KV storage", "bucket", cfg.Bucket.Name)

	default:
		a.storage = flowstore.NewMemoryStore(flowstore.Document{})
		a.settings = registry.NewMemorySettings()
		a.logger.Warn("Using in-memory storage; deployed flows are lost on exit")
	}
	return nil
}

func newHTTPClient(cfg *config.Config) (*http.Client, error) {
	tlsCfg, err := tlsutil.ClientConfig(cfg.Security.TLS.Client)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return &http.Client{Timeout: nodes.DefaultHTTPTimeout, Transport: transport}, nil
}

// start serves the admin API, then loads the stored flows after the
// configured delay. Undecryptable credentials leave the flows stopped and
// the admin API up so a new deploy can fix them.
func (a *app) start(ctx context.Context) error {
	if a.bridge != nil {
		a.bridge.Start()
	}
	if err := a.server.Start(ctx); err != nil {
		return err
	}

	if delay := a.cfg.Get().Runtime.FlowsStartDelay; delay > 0 {
		a.logger.Info("Delaying flow start", "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}

	if err := a.engine.Load(ctx); err != nil {
		if stderrors.Is(err, errors.ErrCredentialDecrypt) {
			a.logger.Error("Flows not started: credentials could not be decrypted", "error", err)
			return nil
		}
		return fmt.Errorf("load flows: %w", err)
	}
	st := a.engine.State()
	a.logger.Info("Flows loaded", "state", st.State, "rev", st.Rev, "flows", len(st.Flows), "missing_types", st.MissingTypes)
	return nil
}

// shutdown stops the flows, then the admin API, then releases the rest
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	var errs []error
	if err := a.engine.StopFlows(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop flows: %w", err))
	}
	remaining := time.Until(start.Add(timeout))
	if remaining < time.Second {
		remaining = time.Second
	}
	if err := a.server.Stop(remaining); err != nil {
		errs = append(errs, err)
	}
	a.close(ctx)
	a.logger.Info("Shutdown complete", "duration_ms", time.Since(start).Milliseconds())
	return stderrors.Join(errs...)
}

// close releases everything newApp built, in reverse order
func (a *app) close(ctx context.Context) {
	if a.bridge != nil {
		a.bridge.Stop()
	}
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			a.logger.Warn("Engine close failed", "error", err)
		}
	}
	if a.registry != nil {
		_ = a.registry.Close()
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
	}
}
