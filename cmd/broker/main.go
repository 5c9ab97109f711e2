// Command broker starts a standalone MQTT 3.1/3.1.1/5.0 broker, wiring
// config, storage, session, dispatcher, authgate and the protocol engine
// together and binding whichever transports the config enables.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/flowmq/core/authgate"
	"github.com/flowmq/core/broker"
	"github.com/flowmq/core/config"
	"github.com/flowmq/core/dispatcher"
	"github.com/flowmq/core/hook"
	"github.com/flowmq/core/listener"
	"github.com/flowmq/core/metrics"
	"github.com/flowmq/core/mqttlog"
	"github.com/flowmq/core/session"
	storepkg "github.com/flowmq/core/store"
	"github.com/flowmq/core/types/message"
)

// prometheusRegistry backs the Prometheus emitter and the metrics HTTP
// handler; kept as one shared registry so both see the same series.
var prometheusRegistry = prometheus.NewRegistry()

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to built-in config.Default())")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("broker: failed to load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	emitter := newEmitter(cfg)

	retainedBackend, err := newMessageStore(cfg)
	if err != nil {
		log.Error("broker: failed to open retained message store", "error", err)
		os.Exit(1)
	}
	defer retainedBackend.Close()
	retained := dispatcher.NewRetainedStore(retainedBackend)
	stopRetainedSweep := retained.StartExpirySweep(context.Background(), cfg.Mqtt.SessionExpiryCheckInterval)
	defer stopRetainedSweep()

	sessionStore, err := newSessionStore(cfg)
	if err != nil {
		log.Error("broker: failed to open session store", "error", err)
		os.Exit(1)
	}
	defer sessionStore.Close()

	gate := authgate.New()
	if err := wireHooks(gate); err != nil {
		log.Error("broker: failed to register auth hooks", "error", err)
		os.Exit(1)
	}

	dispatch := dispatcher.New(dispatcher.Config{
		MaxQueueMessages:  cfg.Mqtt.MaxQueueMessages,
		QueueQoS0Messages: cfg.Mqtt.QueueQoS0Messages,
	}, retained, emitter)

	// session.NewManager needs a WillPublisher at construction, but the
	// only WillPublisher is broker.Engine, which needs the already-built
	// *session.Manager. WillAdapter breaks the cycle: build it empty,
	// hand it to the manager, then fill it in once Engine exists.
	willAdapter := &broker.WillAdapter{}

	sessions := session.NewManager(session.ManagerConfig{
		Store:               sessionStore,
		ExpiryCheckInterval: cfg.Mqtt.SessionExpiryCheckInterval,
		WillPublisher:       willAdapter,
		Log:                 log,
		Emitter:             emitter,
	})
	defer sessions.Close()

	engine := broker.New(cfg, sessions, dispatch, gate, log, emitter)
	willAdapter.SetEngine(engine)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)

	listeners, closers, shutdown, err := startListeners(cfg, engine, emitter)
	if err != nil {
		log.Error("broker: failed to start listeners", "error", err)
		os.Exit(1)
	}
	for _, l := range listeners {
		log.Info("broker: listening", "addr", l)
	}

	if cfg.Metrics.Enabled {
		startMetricsServer(group, gctx, cfg, log)
	}

	group.Go(func() error {
		<-gctx.Done()
		log.Info("broker: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdown.Shutdown(shutdownCtx); err != nil {
			log.Error("broker: graceful shutdown did not finish cleanly", "error", err)
		}
		for _, c := range closers {
			_ = c()
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("broker: exited with error", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) mqttlog.Logger {
	if cfg.Logging.Backend == "zap" {
		return mqttlog.NewZapLogger(mqttlog.ZapOptions{
			Level:      cfg.Logging.Level,
			FilePath:   cfg.Logging.FilePath,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
	}

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.Logging.Level))
	return mqttlog.NewSlogLogger(level, os.Stdout)
}

func newEmitter(cfg *config.Config) metrics.Emitter {
	if !cfg.Metrics.Enabled {
		return metrics.Noop{}
	}
	return metrics.NewPrometheus(prometheusRegistry)
}

// newMessageStore opens the retained-message backend per config.Storage.
func newMessageStore(cfg *config.Config) (storepkg.Store[*message.Message], error) {
	switch cfg.Storage.Backend {
	case "pebble":
		return storepkg.NewPebbleStore[*message.Message](storepkg.PebbleStoreConfig{
			Path:   cfg.Storage.Path,
			Prefix: "retained:",
		})
	case "redis":
		return storepkg.NewRedisStore[*message.Message](storepkg.RedisStoreConfig{
			Addr:     cfg.Storage.Addr,
			Password: cfg.Storage.Password,
			DB:       cfg.Storage.DB,
			Prefix:   "retained:",
		})
	default:
		return storepkg.NewMemoryStore[*message.Message](), nil
	}
}

// newSessionStore opens the session-persistence backend per config.Storage,
// using session's own store variants (distinct structs from the generic
// store package, tailored to Session's on-disk shape).
func newSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Storage.Backend {
	case "pebble":
		return session.NewPebbleStore(session.PebbleStoreConfig{
			Path: cfg.Storage.Path + "/sessions",
		})
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Addr:     cfg.Storage.Addr,
			Password: cfg.Storage.Password,
			DB:       cfg.Storage.DB,
		})
	default:
		return session.NewMemoryStore(), nil
	}
}

// wireHooks registers the default anonymous-auth hook; deployments wanting
// credential checking or rate limiting add hook.NewBasicAuthHook /
// hook.NewRateLimitHook here or swap in their own hook.Hook.
func wireHooks(gate *authgate.Gate) error {
	return gate.Use(hook.NewAnonymousAuthHook(true))
}

// startListeners binds every transport enabled in cfg.Listen, routing
// accepted connections into engine.HandleConnection. Listener.Start and
// WebSocketListener.Start each spawn their own accept-loop goroutine and
// return immediately, so there is nothing for an errgroup.Go closure to
// block on here the way golang-io-mqtt's ListenAndServe calls do; instead
// each Start error is surfaced synchronously at startup. Shutdown is
// coordinated in two stages: the returned *listener.GracefulShutdown first
// drains every pooled connection (asking MQTT5 clients to process a
// DISCONNECT via engine.DisconnectHandler), then the returned closers tear
// the listeners themselves down.
func startListeners(cfg *config.Config, engine *broker.Engine, emitter metrics.Emitter) ([]string, []func() error, *listener.GracefulShutdown, error) {
	var addrs []string
	var closers []func() error

	pool, err := listener.NewPool(listener.DefaultPoolConfig())
	if err != nil {
		return nil, nil, nil, err
	}

	if cfg.Listen.TCP != "" {
		lc := listener.DefaultListenerConfig(cfg.Listen.TCP)
		lc.Emitter = emitter
		l, err := listener.NewListener(lc, pool)
		if err != nil {
			return nil, nil, nil, err
		}
		l.OnConnection(engine.HandleConnection)
		if err := l.Start(); err != nil {
			return nil, nil, nil, err
		}
		addrs = append(addrs, "tcp://"+cfg.Listen.TCP)
		closers = append(closers, l.Close)
	}

	if cfg.Listen.TLS != "" {
		tc := listener.DefaultTLSConfig()
		tc.CertFile = cfg.Listen.CertFile
		tc.KeyFile = cfg.Listen.KeyFile
		tlsConfig, err := tc.Build()
		if err != nil {
			return nil, nil, nil, err
		}
		lc := listener.DefaultListenerConfig(cfg.Listen.TLS)
		lc.TLSConfig = tlsConfig
		lc.Emitter = emitter
		l, err := listener.NewListener(lc, pool)
		if err != nil {
			return nil, nil, nil, err
		}
		l.OnConnection(engine.HandleConnection)
		if err := l.Start(); err != nil {
			return nil, nil, nil, err
		}
		addrs = append(addrs, "tls://"+cfg.Listen.TLS)
		closers = append(closers, l.Close)
	}

	if cfg.Listen.WebSocket != "" {
		wc := listener.DefaultWebSocketListenerConfig(cfg.Listen.WebSocket)
		wc.Emitter = emitter
		wl, err := listener.NewWebSocketListener(wc, pool)
		if err != nil {
			return nil, nil, nil, err
		}
		wl.OnConnection(engine.HandleConnection)
		if err := wl.Start(); err != nil {
			return nil, nil, nil, err
		}
		addrs = append(addrs, "ws://"+cfg.Listen.WebSocket+"/mqtt")
		closers = append(closers, wl.Close)
	}

	dm := listener.NewDisconnectManager(5 * time.Second)
	dm.OnDisconnect(engine.DisconnectHandler())
	shutdown := listener.NewGracefulShutdown(pool, dm, 10*time.Second)

	return addrs, closers, shutdown, nil
}

// startMetricsServer mounts the Prometheus handler on its own HTTP server
// and registers it with group so a listen failure aborts the broker the
// same way a transport-listener failure does.
func startMetricsServer(group *errgroup.Group, ctx context.Context, cfg *config.Config, log mqttlog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.MetricsPath, metrics.Handler(prometheusRegistry))
	srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}

	group.Go(func() error {
		log.Info("broker: serving metrics", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.MetricsPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
}
