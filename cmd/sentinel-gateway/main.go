package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/davidahmann/sentinel/internal/advisor"
	"github.com/davidahmann/sentinel/internal/api"
	"github.com/davidahmann/sentinel/internal/auth"
	"github.com/davidahmann/sentinel/internal/config"
	"github.com/davidahmann/sentinel/internal/gate"
	"github.com/davidahmann/sentinel/internal/incident"
	"github.com/davidahmann/sentinel/internal/ledger"
	"github.com/davidahmann/sentinel/internal/ledger/pgstore"
	"github.com/davidahmann/sentinel/internal/ledger/sqlstore"
	"github.com/davidahmann/sentinel/internal/lock"
	"github.com/davidahmann/sentinel/internal/policy"
	"github.com/davidahmann/sentinel/internal/target"
	"github.com/davidahmann/sentinel/internal/telemetry"
)

const gateIdentity = "sentinel-gate"

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string
type listenFn func(*http.Server) error

// serverFactory builds the HTTP server and returns a cleanup that stops
// background work and closes the journal.
type serverFactory func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*http.Server, func(), error)

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("sentinel-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to sentinel config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := firstNonEmpty(*configPath, getenv("SENTINEL_CONFIG_PATH"))

	cfg := defaultConfig()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyEnv(&cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, cleanup, err := factory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	logger.Info("sentinel-gateway listening", "addr", cfg.ListenAddr, "target", cfg.Target.ID, "execution_mode", cfg.Mode())
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func defaultConfig() config.Config {
	return config.Config{
		ListenAddr: ":8080",
		PolicyPath: "policies/sentinel.yaml",
		Target: config.TargetConfig{
			ID:                  "default",
			Owner:               "operator",
			AuthorizedSubmitter: "sentinel-workflow",
		},
	}
}

func applyEnv(cfg *config.Config, getenv envFn) {
	cfg.ListenAddr = firstNonEmpty(getenv("SENTINEL_LISTEN_ADDR"), cfg.ListenAddr)
	cfg.PolicyPath = firstNonEmpty(getenv("SENTINEL_POLICY_PATH"), cfg.PolicyPath)
	cfg.ExecutionMode = firstNonEmpty(getenv("SENTINEL_EXECUTION_MODE"), cfg.ExecutionMode)
	cfg.Target.ID = firstNonEmpty(getenv("SENTINEL_TARGET_ID"), cfg.Target.ID)
	cfg.Target.Owner = firstNonEmpty(getenv("SENTINEL_TARGET_OWNER"), cfg.Target.Owner)
	cfg.Target.AuthorizedSubmitter = firstNonEmpty(getenv("SENTINEL_AUTHORIZED_SUBMITTER"), cfg.Target.AuthorizedSubmitter)
	cfg.DB.Driver = firstNonEmpty(getenv("SENTINEL_DB_DRIVER"), cfg.DB.Driver)
	cfg.DB.DSN = firstNonEmpty(getenv("SENTINEL_DB_DSN"), cfg.DB.DSN)
	cfg.Redis.Addr = firstNonEmpty(getenv("SENTINEL_REDIS_ADDR"), cfg.Redis.Addr)
	cfg.Incidents.Dir = firstNonEmpty(getenv("SENTINEL_INCIDENTS_DIR"), cfg.Incidents.Dir)
	cfg.Auth.DevToken = firstNonEmpty(getenv("SENTINEL_DEV_TOKEN"), cfg.Auth.DevToken)
	cfg.Auth.JWTSecret = firstNonEmpty(getenv("SENTINEL_JWT_SECRET"), cfg.Auth.JWTSecret)
	cfg.Log.Level = firstNonEmpty(getenv("SENTINEL_LOG_LEVEL"), cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(getenv("SENTINEL_LOG_FORMAT"), cfg.Log.Format)
}

func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func newServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*http.Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*http.Server, func(), error) {
		cleanup()
		return nil, nil, err
	}

	loaded, err := policy.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return fail(fmt.Errorf("load policy: %w", err))
	}

	store, closeStore, err := openStore(cfg.DB)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	locker, closeLocker := newLocker(cfg)
	closers = append(closers, closeLocker)

	sink, err := newSink(ctx, cfg.Incidents)
	if err != nil {
		return fail(err)
	}

	provider := sdkmetric.NewMeterProvider()
	closers = append(closers, func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := telemetry.New(provider.Meter(telemetry.InstrumentationName))
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}

	g := &gate.Gate{
		Store:     store,
		Locker:    locker,
		Submitter: cfg.Target.AuthorizedSubmitter,
		Identity:  gateIdentity,
		Logger:    logger.With("component", "gate"),
		Metrics:   metrics,
	}
	if _, err := g.EnsureTarget(ctx, cfg.Target.ID, cfg.Target.Owner, target.Mode(cfg.Target.InitialMode)); err != nil {
		return fail(fmt.Errorf("register target: %w", err))
	}

	svc, err := api.NewEvaluateService(api.NewEvaluateServiceInput{
		Policy:   loaded,
		Gate:     g,
		Store:    store,
		Advisor:  advisor.RulesAdvisor{},
		Sink:     sink,
		Mode:     cfg.Mode(),
		TargetID: cfg.Target.ID,
		Logger:   logger.With("component", "evaluate"),
		Metrics:  metrics,
	})
	if err != nil {
		return fail(err)
	}

	validator, err := api.NewSubmissionValidator()
	if err != nil {
		return fail(err)
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	closers = append(closers, stopWorker)
	go incident.RunOutboxWorker(workerCtx, store, sink, 5*time.Second, logger.With("component", "incident-outbox"))

	h := &api.Handler{
		Auth: &auth.MultiAuthenticator{
			DevToken:   cfg.Auth.DevToken,
			DevSubject: cfg.Target.AuthorizedSubmitter,
			JWT:        auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience),
		},
		Service:   svc,
		Validator: validator,
	}

	var opts api.RouterOptions
	if cfg.RateLimit.RPS > 0 {
		opts.RateLimiter = api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h, opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server, cleanup, nil
}

func openStore(cfg config.DBConfig) (ledger.Store, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := ledger.Migrate(s.DB(), ledger.DBPostgres); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return ledger.NewInMemoryStore(), func() {}, nil
	}
}

func newLocker(cfg config.Config) (lock.Locker, func()) {
	if cfg.Redis.Addr == "" {
		return lock.NewKeyedMutex(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return lock.NewRedis(client, cfg.LockTTL()), func() { _ = client.Close() }
}

func newSink(ctx context.Context, cfg config.IncidentsConfig) (incident.Sink, error) {
	if cfg.S3Bucket != "" {
		sink, err := incident.NewS3Sink(ctx, incident.S3Config{
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
			Region: cfg.S3Region,
		})
		if err != nil {
			return nil, fmt.Errorf("incident sink: %w", err)
		}
		return sink, nil
	}
	return incident.FileSink{Dir: firstNonEmpty(cfg.Dir, "incidents")}, nil
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
