// Grooved is the groove attribution daemon.
//
// It consumes outcome events from NATS JetStream, attributes each outcome to
// the learnings that were in play, and serves the query and admin API.
//
// Configuration is read from ~/.config/groove/config.yaml (or -config) and
// GROOVE_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	grooved
//
//	# Point at a different broker
//	GROOVE_STREAM_URL=nats://nats:4222 grooved -config /etc/groove/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/run-vibes/groove/internal/attribution"
	"github.com/run-vibes/groove/internal/config"
	"github.com/run-vibes/groove/internal/embeddings"
	apihttp "github.com/run-vibes/groove/internal/http"
	"github.com/run-vibes/groove/internal/learningstore"
	"github.com/run-vibes/groove/internal/logging"
	"github.com/run-vibes/groove/internal/secrets"
	"github.com/run-vibes/groove/internal/stream"
	"github.com/run-vibes/groove/internal/telemetry"
	"github.com/run-vibes/groove/internal/transcript"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/groove/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  grooved [-config path]   Start the attribution daemon\n")
			fmt.Fprintf(os.Stderr, "  grooved version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("grooved: %v", err)
	}
}

func printVersion() {
	fmt.Printf("grooved\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until ctx is cancelled or a component
// fails:
//  1. Loads and validates configuration
//  2. Initializes logging and telemetry
//  3. Opens the learning store and connects to JetStream
//  4. Builds the embedding provider and transcript source
//  5. Starts the consumer, the HTTP API, store GC and the config watcher
func run(ctx context.Context, configPath string) error {
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		configPath = p
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(&cfg.Logging, global.GetLoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, &cfg.Telemetry, zl.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			zl.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	logger.Info(ctx, "starting grooved",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("http_addr", cfg.HTTP.Addr))

	deps, err := initDependencies(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	reg, err := attribution.NewThresholdRegistry(cfg.Thresholds)
	if err != nil {
		return err
	}
	ablation := attribution.NewManager(deps.store, deps.store,
		attribution.NewLockedRandom(nil, uint64(time.Now().UnixNano())))

	consumer, err := attribution.NewConsumer(cfg.Consumer, attribution.Dependencies{
		Store:       deps.store,
		Transcripts: deps.transcripts,
		Detector:    attribution.NewSemanticDetector(deps.embedder),
		Ablation:    ablation,
		Thresholds:  reg,
		Publisher:   deps.stream.Publisher(),
		Tuner:       attribution.NewSimilarityTuner(reg, zl.Named("tuner")),
		Logger:      zl.Named("attribution"),
		Metrics:     attribution.NewMetrics(),
		Tracer:      tel.Tracer("github.com/run-vibes/groove/internal/attribution"),
	})
	if err != nil {
		return err
	}
	src, err := deps.stream.OutcomeSource(ctx)
	if err != nil {
		return err
	}

	query := attribution.NewQueryService(deps.store, ablation, reg)
	srv, err := apihttp.NewServer(query, logger.Named("http"), apihttp.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout.Duration(),
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout.Duration(),
		AdminToken:      cfg.HTTP.AdminToken.Value(),
	},
		apihttp.WithReplayer(consumer),
		apihttp.WithHealthCheck("stream", func(context.Context) error { return deps.stream.Healthy() }),
		apihttp.WithHealthCheck("telemetry", func(context.Context) error {
			if tel.Health().Degraded {
				return errors.New("telemetry exporters degraded")
			}
			return nil
		}),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx, src)
	})
	g.Go(func() error {
		deps.store.RunGC(gctx)
		return nil
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		cl := zl.Named("config")
		if err := config.Watch(gctx, configPath, config.ApplyThresholds(reg, cl), cl); err != nil {
			// Hot reload is optional; the daemon keeps its startup config.
			cl.Warn("config watcher disabled", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info(context.Background(), "grooved stopped")
	return err
}

// dependencies holds the infrastructure the daemon owns.
type dependencies struct {
	store       *learningstore.BadgerStore
	stream      *stream.Client
	embedder    attribution.Embedder
	provider    embeddings.Provider
	transcripts attribution.TranscriptSource
	logger      *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.stream != nil {
		if err := d.stream.Close(); err != nil {
			d.logger.Warn("closing nats connection", zap.Error(err))
		}
	}
	if d.provider != nil {
		if err := d.provider.Close(); err != nil {
			d.logger.Warn("closing embedding provider", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing learning store", zap.Error(err))
		}
	}
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	d := &dependencies{logger: logger}

	storeOpts := cfg.Store
	storeOpts.Logger = logger.Named("store")
	store, err := learningstore.Open(storeOpts)
	if err != nil {
		return nil, err
	}
	d.store = store

	client, err := stream.Connect(ctx, cfg.Stream, logger.Named("stream"))
	if err != nil {
		d.Close()
		return nil, err
	}
	d.stream = client

	provider, err := embeddings.NewProvider(cfg.Embeddings.ProviderConfig(), logger.Named("embeddings"))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	if provider != nil {
		d.provider = provider
		d.embedder = provider
		logger.Info("embedding provider initialized",
			zap.String("provider", cfg.Embeddings.Provider),
			zap.String("model", cfg.Embeddings.Model),
			zap.Int("dimension", provider.Dimension()))
	} else {
		logger.Info("embeddings disabled, activation detection is keyword-only")
	}

	if cfg.Transcripts.Dir != "" {
		var opts []transcript.Option
		if cfg.Transcripts.Redaction.Enabled {
			r, err := secrets.NewRedactor(cfg.Transcripts.Redaction)
			if err != nil {
				d.Close()
				return nil, fmt.Errorf("failed to create transcript redactor: %w", err)
			}
			opts = append(opts, transcript.WithRedactor(r))
		}
		src, err := transcript.NewFileSource(cfg.Transcripts.Dir, logger.Named("transcript"), opts...)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.transcripts = src
	}
	return d, nil
}
