package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/exchange-stream/internal/auth"
	"github.com/rickgao/exchange-stream/internal/config"
	"github.com/rickgao/exchange-stream/internal/connection"
	"github.com/rickgao/exchange-stream/internal/database"
	"github.com/rickgao/exchange-stream/internal/integrity"
	"github.com/rickgao/exchange-stream/internal/metrics"
	"github.com/rickgao/exchange-stream/internal/router"
	"github.com/rickgao/exchange-stream/internal/version"
	"github.com/rickgao/exchange-stream/internal/writer"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "configs/streamd.local.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting streamd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("streamd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("streamd stopped")
}

// run wires the pipeline and blocks until ctx is canceled or the connection
// gives up.
func run(ctx context.Context, cfg *config.StreamConfig, logger *slog.Logger) error {
	m := metrics.New()
	dispatcher := router.NewDispatcher(cfg.Router.DispatcherConfig(), logger)

	sinks := integrity.MultiSink{m, dispatcher}
	protocolHooks := []func(*router.ProtocolError){m.ProtocolError}

	// Optional diagnostics archive
	var archive *writer.DiagnosticWriter
	var ping func(context.Context) error
	if cfg.Archive.Enabled {
		logger.Info("connecting to archive database",
			"host", cfg.Archive.Database.Host,
			"port", cfg.Archive.Database.Port,
			"database", cfg.Archive.Database.Name,
		)
		p, err := database.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			return err
		}
		defer p.Close()
		ping = p.Ping

		archive = writer.NewDiagnosticWriter(writer.WriterConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			BufferSize:    cfg.Archive.BufferSize,
		}, cfg.Instance.ID, p, logger)
		if err := archive.EnsureSchema(ctx); err != nil {
			return err
		}
		sinks = append(sinks, archive)
		protocolHooks = append(protocolHooks, archive.ProtocolError)
	}

	set := integrity.NewSet(cfg.Integrity.QueueConfig(), dispatcher, sinks, logger)

	headers, err := handshakeHeaders(cfg, logger)
	if err != nil {
		return err
	}
	mgr := connection.NewManager(cfg.Connection.ManagerConfig(), logger,
		connection.WithObserver(m),
		connection.WithHeaders(headers),
	)

	rtr := router.NewRouter(mgr.Messages(), set, logger,
		router.WithProtocolErrorHook(func(pe *router.ProtocolError) {
			for _, hook := range protocolHooks {
				hook(pe)
			}
		}),
	)

	// Registered subscriptions are sent once connected and replayed after
	// every reconnect.
	for _, sub := range cfg.Subscriptions {
		if _, err := mgr.Subscribe(ctx, sub.Channel, sub.Params); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.Channel, err)
		}
	}

	// Start consumers before the connection so nothing backs up
	if archive != nil {
		if err := archive.Start(ctx); err != nil {
			return err
		}
	}
	if err := set.Start(ctx); err != nil {
		return err
	}
	if err := rtr.Start(ctx); err != nil {
		return err
	}

	handler := newStatusHandler(statusSources{
		manager:    mgr,
		queues:     set,
		router:     rtr,
		dispatcher: dispatcher,
		archive:    archive,
		ping:       ping,
	}, m.Handler(), cfg.Metrics.Path)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := mgr.Connect(gctx); err != nil {
			// A reconnect is already scheduled
			logger.Warn("initial connect failed", "error", err)
		}
		select {
		case <-gctx.Done():
			return nil
		case err := <-mgr.Errors():
			return err
		}
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		errs = append(errs, server.Shutdown(shutdownCtx))
		errs = append(errs, mgr.Stop(shutdownCtx))
		errs = append(errs, rtr.Stop(shutdownCtx))
		errs = append(errs, set.Stop(shutdownCtx))
		dispatcher.Close()
		if archive != nil {
			errs = append(errs, archive.Stop(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// handshakeHeaders returns the handshake header source, signed when auth is
// configured. A fresh signature is produced for every reconnect.
func handshakeHeaders(cfg *config.StreamConfig, logger *slog.Logger) (connection.HeaderFunc, error) {
	if !cfg.Auth.Enabled() {
		logger.Info("auth disabled, connecting without signed headers")
		return withUserAgent(func() (http.Header, error) { return http.Header{}, nil }), nil
	}

	creds, err := auth.LoadCredentials(cfg.Auth.APIKey, cfg.Auth.PrivateKeyPath, cfg.Auth.HeaderNames())
	if err != nil {
		return nil, err
	}
	sign, err := creds.HandshakeSigner(cfg.Connection.URL)
	if err != nil {
		return nil, err
	}
	logger.Info("signed handshakes enabled", "key_id", creds.KeyID)
	return withUserAgent(sign), nil
}

// withUserAgent adds the client's User-Agent to every handshake.
func withUserAgent(next func() (http.Header, error)) connection.HeaderFunc {
	return func() (http.Header, error) {
		h, err := next()
		if err != nil {
			return nil, err
		}
		h.Set("User-Agent", version.UserAgent())
		return h, nil
	}
}

// newLogger builds the slog handler selected in config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
