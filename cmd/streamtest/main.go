// streamtest connects to a stream endpoint and prints every dispatched
// envelope to the console.
//
// Usage:
//
//	go run ./cmd/streamtest --url wss://feed.example.com/ws --channel prices --channel news
//	go run ./cmd/streamtest --config configs/streamd.local.yaml --verbose
//
// Flags override the config file. Signed handshakes are used when the config
// sets auth.api_key.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/exchange-stream/internal/auth"
	"github.com/rickgao/exchange-stream/internal/config"
	"github.com/rickgao/exchange-stream/internal/connection"
	"github.com/rickgao/exchange-stream/internal/integrity"
	"github.com/rickgao/exchange-stream/internal/router"
	"github.com/rickgao/exchange-stream/internal/version"
)

// channelList collects repeated --channel flags.
type channelList []string

func (c *channelList) String() string { return strings.Join(*c, ",") }

func (c *channelList) Set(v string) error {
	*c = append(*c, v)
	return nil
}

func main() {
	configPath := flag.String("config", "", "optional path to config file")
	url := flag.String("url", "", "WebSocket URL, overrides connection.url")
	verbose := flag.Bool("verbose", false, "print full payloads")
	var channels channelList
	flag.Var(&channels, "channel", "channel to subscribe to (repeatable)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := loadConfig(*configPath, *url, channels)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []connection.Option
	if cfg.Auth.Enabled() {
		creds, err := auth.LoadCredentials(cfg.Auth.APIKey, cfg.Auth.PrivateKeyPath, cfg.Auth.HeaderNames())
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		sign, err := creds.HandshakeSigner(cfg.Connection.URL)
		if err != nil {
			logger.Error("failed to build handshake signer", "error", err)
			os.Exit(1)
		}
		opts = append(opts, connection.WithHeaders(sign))
		logger.Info("using API credentials", "key_id", creds.KeyID)
	}

	mgr := connection.NewManager(cfg.Connection.ManagerConfig(), logger, opts...)
	dispatcher := router.NewDispatcher(cfg.Router.DispatcherConfig(), logger)
	sinks := integrity.MultiSink{dispatcher, integrity.SinkFunc(printDiagnostic)}
	set := integrity.NewSet(cfg.Integrity.QueueConfig(), dispatcher, sinks, logger)
	rtr := router.NewRouter(mgr.Messages(), set, logger,
		router.WithProtocolErrorHook(func(pe *router.ProtocolError) {
			fmt.Printf("[PROTOCOL] %v bytes=%d\n", pe.Err, len(pe.Data))
		}),
	)

	for _, sub := range cfg.Subscriptions {
		if _, err := mgr.Subscribe(ctx, sub.Channel, sub.Params); err != nil {
			logger.Error("failed to subscribe", "channel", sub.Channel, "error", err)
			os.Exit(1)
		}
	}

	set.Start(ctx)
	rtr.Start(ctx)

	logger.Info("connecting", "url", cfg.Connection.URL, "version", version.Version)
	if err := mgr.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, retrying in background", "error", err)
	}

	go printEnvelopes(ctx, dispatcher.Stream(router.AllCategories), *verbose)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				connStats := mgr.Stats()
				routerStats := rtr.Stats()
				setStats := set.Stats()
				logger.Info("stats",
					"state", connStats.State,
					"reconnects", connStats.Reconnects,
					"subscriptions", connStats.Subscriptions,
					"router_received", routerStats.MessagesReceived,
					"router_routed", routerStats.MessagesRouted,
					"duplicates", routerStats.Duplicates,
					"protocol_errors", routerStats.ProtocolErrors,
					"pending", setStats.Pending,
					"dispatched", setStats.Dispatched,
					"failed", setStats.Failed,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	select {
	case <-ctx.Done():
	case err := <-mgr.Errors():
		logger.Error("connection gave up", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down...")
	mgr.Stop(shutdownCtx)
	rtr.Stop(shutdownCtx)
	set.Stop(shutdownCtx)
	dispatcher.Close()

	logger.Info("shutdown complete")
}

// loadConfig reads the config file when given and applies flag overrides.
func loadConfig(path, url string, channels []string) (*config.StreamConfig, error) {
	cfg := config.Defaults()
	if path != "" {
		loaded, err := config.LoadWithDefaults(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cfg.Instance.ID == "" {
		cfg.Instance.ID = "streamtest"
	}
	if url != "" {
		cfg.Connection.URL = url
	}
	if len(channels) > 0 {
		cfg.Subscriptions = cfg.Subscriptions[:0]
		for _, ch := range channels {
			cfg.Subscriptions = append(cfg.Subscriptions, config.SubscriptionConfig{Channel: ch})
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func printEnvelopes(ctx context.Context, stream *router.GrowableBuffer[integrity.Envelope], verbose bool) {
	for {
		env, ok := stream.ReceiveContext(ctx)
		if !ok {
			return
		}

		seq := "-"
		if env.Sequenced {
			seq = fmt.Sprint(env.Sequence)
		}

		if verbose {
			fmt.Printf("[%s] id=%s seq=%s priority=%s retries=%d payload=%s\n",
				strings.ToUpper(env.Category), env.ID, seq, env.Priority, env.Retries, env.Payload)
		} else {
			fmt.Printf("[%s] id=%s seq=%s priority=%s bytes=%d\n",
				strings.ToUpper(env.Category), env.ID, seq, env.Priority, len(env.Payload))
		}
	}
}

func printDiagnostic(d integrity.Diagnostic) {
	switch d.Kind {
	case integrity.KindDuplicate, integrity.KindRetry:
		return
	}
	fmt.Printf("[INTEGRITY %s] category=%s id=%s count=%d err=%v\n",
		strings.ToUpper(string(d.Kind)), d.Category, d.Envelope.ID, d.Count, d.Err)
}
