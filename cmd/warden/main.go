package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/warden/internal/anthropic"
	"github.com/MikeSquared-Agency/warden/internal/api"
	"github.com/MikeSquared-Agency/warden/internal/config"
	"github.com/MikeSquared-Agency/warden/internal/conversation"
	"github.com/MikeSquared-Agency/warden/internal/dynamo"
	"github.com/MikeSquared-Agency/warden/internal/governor"
	"github.com/MikeSquared-Agency/warden/internal/hermes"
	"github.com/MikeSquared-Agency/warden/internal/ingest"
	"github.com/MikeSquared-Agency/warden/internal/litestore"
	"github.com/MikeSquared-Agency/warden/internal/llm"
	"github.com/MikeSquared-Agency/warden/internal/openai"
	"github.com/MikeSquared-Agency/warden/internal/paramstore"
	"github.com/MikeSquared-Agency/warden/internal/prompt"
	"github.com/MikeSquared-Agency/warden/internal/quota"
	"github.com/MikeSquared-Agency/warden/internal/store"
)

func main() {
	limits := pflag.String("limits", "", "YAML limiter definitions (overrides WARDEN_LIMITS_FILE)")
	migrate := pflag.Bool("migrate", true, "apply the database schema on startup (postgres backend)")
	ingestDir := pflag.String("ingest", "", "load reference documents from this directory into the document index and exit")
	ingestState := pflag.String("ingest-state", ".warden-ingest.json", "state file used to skip unchanged documents")
	dryRun := pflag.Bool("dry-run", false, "with --ingest, chunk documents without uploading them")
	pflag.Parse()

	cfg, err := config.Load()
	setupLogging(cfg.LogLevel)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *limits != "" {
		if err := cfg.LoadLimits(*limits); err != nil {
			slog.Error("failed to load limits", "error", err)
			os.Exit(1)
		}
	}

	if *ingestDir != "" {
		ingestCfg := ingest.Config{Dir: *ingestDir, StatePath: *ingestState, DryRun: *dryRun}
		if err := runIngest(ingestCfg, cfg, *migrate); err != nil {
			slog.Error("ingest failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, *migrate); err != nil {
		slog.Error("warden stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("warden stopped")
}

func run(cfg config.Config, migrate bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	logger.Info("warden starting", "port", cfg.Port, "backend", cfg.CacheBackend, "provider", cfg.Provider)

	loader := &awsLoader{region: cfg.AWSRegion}
	if err := resolveSecrets(ctx, &cfg, loader); err != nil {
		return err
	}

	b, err := openBackends(ctx, cfg, loader, migrate, logger)
	if err != nil {
		return err
	}
	defer b.close()

	// NATS/Hermes is optional; without it governance events are dropped.
	var events hermes.Publisher = hermes.Discard{}
	if cfg.NatsURL != "" {
		hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer hermesClient.Close()
		events = hermesClient
		b.checks = append(b.checks, api.Check{Name: "nats", Fn: func(context.Context) error {
			if !hermesClient.Connected() {
				return errors.New("disconnected")
			}
			return nil
		}})
		logger.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		logger.Warn("NATS not configured, governance events are discarded")
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	logger.Info("LLM provider ready", "provider", cfg.Provider, "model", cfg.Model)

	assembler, err := prompt.NewAssembler(prompt.EstimateTokens, cfg.Policy())
	if err != nil {
		return fmt.Errorf("context assembler: %w", err)
	}

	gov, err := governor.New(governor.Deps{
		Cache:     b.cache,
		Ledger:    b.ledger,
		Assembler: assembler,
		Counter:   prompt.EstimateTokens,
		Provider:  provider,
		Retriever: b.retriever,
		Events:    events,
		Logger:    logger,
	}, governor.Config{
		Model:           cfg.Model,
		Window:          cfg.Window(),
		SystemPrompt:    cfg.SystemPrompt,
		Limiters:        cfg.Limiters,
		Reservation:     cfg.QuotaReservation,
		TopK:            cfg.TopK,
		BackendRetries:  cfg.BackendRetries,
		UpstreamRetries: cfg.UpstreamRetries,
		Backoff:         governor.DefaultBackoff(),
		RequestTimeout:  cfg.RequestTimeout,
	})
	if err != nil {
		return err
	}

	scheduler := quota.NewScheduler(b.ledger, cfg.Limiters, cfg.QuotaTick, events, logger)
	srv := api.NewServer(cfg.Port, api.Auth{Token: cfg.APIToken, JWTSecret: cfg.JWTSecret}, gov, logger, b.checks...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Announce registration
	if err := events.Publish(hermes.SubjectRegistered, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"port":      cfg.Port,
		"backend":   cfg.CacheBackend,
		"limiters":  len(cfg.Limiters),
	}); err != nil {
		logger.Warn("failed to publish registration", "error", err)
	}
	logger.Info("warden ready", "port", cfg.Port, "limiters", len(cfg.Limiters))

	return g.Wait()
}

// runIngest fills the index the server would retrieve from: Postgres when
// DATABASE_URL is set, otherwise the sqlite store.
func runIngest(ic ingest.Config, cfg config.Config, migrate bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := &awsLoader{region: cfg.AWSRegion}
	return ingestInto(ctx, ic, cfg, migrate, func(ctx context.Context, cfg *config.Config) error {
		return resolveSecrets(ctx, cfg, loader)
	})
}

func ingestInto(ctx context.Context, ic ingest.Config, cfg config.Config, migrate bool, resolve func(context.Context, *config.Config) error) error {
	if err := resolve(ctx, &cfg); err != nil {
		return err
	}

	var sink ingest.Sink
	switch {
	case cfg.DatabaseURL != "":
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if migrate {
			if err := db.Migrate(ctx); err != nil {
				return err
			}
		}
		sink = db.Documents()
	case cfg.CacheBackend == config.BackendSQLite:
		lite, err := litestore.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer lite.Close()
		sink = lite.Documents()
	default:
		return errors.New("--ingest needs DATABASE_URL or WARDEN_CACHE_BACKEND=sqlite")
	}
	_, err := ingest.NewRunner(ic, sink, slog.Default()).Run(ctx)
	return err
}

// awsLoader loads the shared AWS configuration once, on first use.
type awsLoader struct {
	region string
	cfg    *aws.Config
}

func (l *awsLoader) load(ctx context.Context) (aws.Config, error) {
	if l.cfg != nil {
		return *l.cfg, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if l.region != "" {
		opts = append(opts, awsconfig.WithRegion(l.region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	l.cfg = &cfg
	return cfg, nil
}

// resolveSecrets replaces every "ssm:" reference in the configuration with
// the parameter's value.
func resolveSecrets(ctx context.Context, cfg *config.Config, loader *awsLoader) error {
	fields := []*string{&cfg.AnthropicAPIKey, &cfg.OpenAIAPIKey, &cfg.APIToken, &cfg.JWTSecret, &cfg.NatsToken, &cfg.SystemPrompt, &cfg.DatabaseURL}
	var resolver *paramstore.Resolver
	for _, f := range fields {
		if !paramstore.IsRef(*f) {
			continue
		}
		if resolver == nil {
			awsCfg, err := loader.load(ctx)
			if err != nil {
				return err
			}
			client, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return err
			}
			resolver = paramstore.NewResolver(client)
		}
		v, err := resolver.Resolve(ctx, *f)
		if err != nil {
			return fmt.Errorf("resolve secret: %w", err)
		}
		*f = v
	}
	return nil
}

type backends struct {
	cache     conversation.Cache
	ledger    quota.Ledger
	retriever governor.Retriever
	checks    []api.Check
	closers   []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg config.Config, loader *awsLoader, migrate bool, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	// Postgres holds the shared ledger and document index whenever it is
	// configured, and the transcripts for the postgres backend.
	var db *store.Store
	if cfg.DatabaseURL != "" {
		var err error
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if migrate {
			if err := db.Migrate(ctx); err != nil {
				b.close()
				return nil, err
			}
		}
		b.ledger = db.Ledger(cfg.Limiters)
		b.retriever = db.Documents()
		b.checks = append(b.checks, api.Check{Name: "database", Fn: db.Ping})
		logger.Info("database connected")
	}

	switch cfg.CacheBackend {
	case config.BackendPostgres:
		b.cache = db.Transcripts(cfg.CacheMaxEntries, logger)
	case config.BackendSQLite:
		lite, err := litestore.Open(cfg.SQLitePath)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { lite.Close() })
		b.cache = lite.Transcripts(cfg.CacheMaxEntries)
		if b.ledger == nil {
			b.ledger = lite.Ledger(cfg.Limiters)
		}
		if b.retriever == nil {
			b.retriever = lite.Documents()
		}
		logger.Info("sqlite store opened", "path", cfg.SQLitePath)
	case config.BackendDynamoDB:
		awsCfg, err := loader.load(ctx)
		if err != nil {
			b.close()
			return nil, err
		}
		client := awsdynamodb.NewFromConfig(awsCfg)
		transcripts, err := dynamo.New(client, cfg.DynamoTable, cfg.DynamoTTL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.cache = transcripts
		if b.ledger == nil {
			ledger, err := dynamo.NewLedger(client, cfg.DynamoTable, cfg.Limiters)
			if err != nil {
				b.close()
				return nil, err
			}
			b.ledger = ledger
		}
		logger.Info("dynamodb transcripts ready", "table", cfg.DynamoTable)
	default:
		cache, err := conversation.NewMemoryCache(cfg.CacheMaxEntries)
		if err != nil {
			b.close()
			return nil, err
		}
		b.cache = cache
	}

	if b.ledger == nil {
		logger.Warn("no shared quota store configured, using the in-process ledger")
		b.ledger = quota.NewMemoryLedger(cfg.Limiters)
	}
	return b, nil
}

func newProvider(cfg config.Config) (llm.Provider, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		var opts []openai.Option
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		if cfg.AzureDeployment != "" {
			opts = append(opts, openai.WithAzureDeployment(cfg.AzureDeployment, cfg.AzureAPIVersion))
		}
		client, err := openai.NewClient(cfg.OpenAIAPIKey, cfg.Model, opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required")
		}
		return anthropic.NewClient(cfg.AnthropicAPIKey, cfg.Model), nil
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
