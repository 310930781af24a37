package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/mqkit"
	"github.com/glimte/mqkit/config"
	"github.com/glimte/mqkit/health"
	"github.com/glimte/mqkit/interceptors"
	"github.com/glimte/mqkit/messaging"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globals struct {
	configPath string
	url        string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "mqkit-rpc",
		Short: "Exercise mqkit RPC and publish/consume against a broker",
		Long: `mqkit-rpc runs an echo RPC server or a client that keeps calling it, and can
publish or consume plain queue messages through the reconnecting client.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVarP(&g.url, "url", "u", "", "Broker URL, overrides mq.url")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd(g), newCallCmd(g), newPublishCmd(g), newConsumeCmd(g))
	return rootCmd
}

// setup loads configuration and builds the logger shared by every command.
// The log level follows log.level, including reloads of a watched file,
// unless --verbose pins it to debug.
func (g *globals) setup() (*config.Config, *slog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.Load(g.configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = config.New()
	}
	if g.url != "" {
		cfg.Set(config.KeyURL, g.url)
	}

	settings := cfg.Settings()
	if err := settings.Validate(); err != nil {
		return nil, nil, err
	}

	level := new(slog.LevelVar)
	g.applyLevel(level, settings)
	cfg.OnChange(func(s config.Settings) {
		g.applyLevel(level, s)
	})

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

func (g *globals) applyLevel(level *slog.LevelVar, s config.Settings) {
	if g.verbose {
		level.Set(slog.LevelDebug)
		return
	}
	if l, err := s.Level(); err == nil {
		level.Set(l)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	return ctx, cancel
}

func newServeCmd(g *globals) *cobra.Command {
	var (
		queue      string
		healthAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an RPC server that echoes every request",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			metrics := interceptors.NewSimpleMetricsCollector()
			handler := interceptors.NewChain(logger).
				Add(interceptors.NewLoggingInterceptor(logger)).
				Add(interceptors.NewMetricsInterceptor(metrics)).
				Then(echo(logger))

			server, err := mqkit.NewRPCServer("", queue, handler, mqkit.FromConfig(cfg), mqkit.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to create rpc server: %w", err)
			}

			if healthAddr != "" {
				registry := health.NewRegistry()
				registry.SetMetadata("version", version)
				registry.Register(health.NewConnectionChecker(server.Conn))
				registry.Register(health.NewRPCServerChecker(server))
				registry.Register(health.NewRuntimeChecker(500, 1000))
				registry.Register(health.NewCheckerFunc("rpc_requests", func(ctx context.Context) health.CheckResult {
					details := make(map[string]interface{})
					for name, m := range metrics.Snapshot() {
						details[name] = m
					}
					return health.CheckResult{Name: "rpc_requests", Status: health.StatusHealthy, Details: details, Timestamp: time.Now()}
				}))

				srv := &http.Server{Addr: healthAddr, Handler: health.Mux(registry, 5*time.Second)}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health endpoint failed", "addr", healthAddr, "error", err)
					}
				}()
				defer srv.Shutdown(context.Background())
				logger.Info("health endpoint listening", "addr", healthAddr)
			}

			logger.Info("serving rpc requests, press Ctrl+C to stop", "queue", queue)
			<-ctx.Done()

			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			return server.Close(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "server_queue", "Request queue")
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve health checks on this address, e.g. :8080")
	return cmd
}

func echo(logger *slog.Logger) messaging.RPCHandler {
	return func(ctx context.Context, msg messaging.Delivery, r messaging.Responder) {
		logger.Debug("echoing rpc request", "correlationId", msg.CorrelationID, "body", string(msg.Body))
		if err := r.Respond(msg.Body); err != nil {
			logger.Error("failed to respond", "correlationId", msg.CorrelationID, "error", err)
		}
	}
}

func newCallCmd(g *globals) *cobra.Command {
	var (
		queue    string
		interval time.Duration
		count    int
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call an RPC repeatedly with random JSON payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := mqkit.NewRPCClient("", mqkit.FromConfig(cfg), mqkit.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to create rpc client: %w", err)
			}
			defer client.Close(context.Background())

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for sent := 0; count <= 0 || sent < count; sent++ {
				payload := map[string]interface{}{
					"boolean": true,
					"array":   []interface{}{},
					"object":  map[string]interface{}{},
					"random":  rand.Intn(40000),
				}

				reply, err := client.Publish(ctx, queue, payload, 0)
				switch {
				case err == nil:
					logger.Info("got rpc reply", "correlationId", reply.CorrelationID, "body", string(reply.Body))
				case ctx.Err() != nil:
					return nil
				default:
					logger.Error("rpc call failed", "queue", queue, "error", err)
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "server_queue", "Request queue")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 750*time.Millisecond, "Delay between calls")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Number of calls, 0 runs until interrupted")
	return cmd
}

func newPublishCmd(g *globals) *cobra.Command {
	var (
		queue   string
		message string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one message to a queue, waiting for the broker if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := mqkit.NewClient("", mqkit.FromConfig(cfg), mqkit.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close(context.Background())

			done := make(chan struct{})
			err = client.Publish(func(ctx context.Context, ch messaging.Channel) error {
				if _, err := ch.QueueDeclare(queue, messaging.QueueOptions{Durable: true}); err != nil {
					return err
				}
				if err := ch.Publish(ctx, "", queue, messaging.Publishing{Body: []byte(message), Persistent: true}); err != nil {
					return err
				}
				close(done)
				return nil
			})
			if err != nil {
				return err
			}

			select {
			case <-done:
				logger.Info("published", "queue", queue)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "mqkit.messages", "Target queue")
	cmd.Flags().StringVarP(&message, "message", "m", "{}", "Message body")
	return cmd
}

func newConsumeCmd(g *globals) *cobra.Command {
	var queue string

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Print messages from a queue, resubscribing after every reconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := mqkit.NewClient("", mqkit.FromConfig(cfg), mqkit.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close(context.Background())

			err = client.Consume(func(ctx context.Context, ch messaging.Channel) error {
				if _, err := ch.QueueDeclare(queue, messaging.QueueOptions{Durable: true}); err != nil {
					return err
				}
				deliveries, err := ch.Consume(queue, messaging.ConsumeOptions{})
				if err != nil {
					return err
				}
				go func() {
					for d := range deliveries {
						logger.Info("received", "queue", queue, "body", string(d.Body))
						if err := d.Ack(); err != nil {
							logger.Error("ack failed", "error", err)
						}
					}
				}()
				return nil
			})
			if err != nil {
				return err
			}

			logger.Info("consuming, press Ctrl+C to stop", "queue", queue)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "mqkit.messages", "Source queue")
	return cmd
}
