// Command controlplane is the central service that compiles Capsules
// into ExecutablePlans, preflight-simulates them, executes them under
// approval gating and capability-scoped tokens, and seals every
// terminal outcome into a signed receipt chain. It serves the `/v1`
// HTTP surface implemented by internal/httpapi.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr/funcr"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/anumate/controlplane/internal/approvals"
	"github.com/anumate/controlplane/internal/auditlog"
	"github.com/anumate/controlplane/internal/captoken"
	"github.com/anumate/controlplane/internal/config"
	"github.com/anumate/controlplane/internal/crypto"
	"github.com/anumate/controlplane/internal/eventbus"
	"github.com/anumate/controlplane/internal/httpapi"
	"github.com/anumate/controlplane/internal/metrics"
	"github.com/anumate/controlplane/internal/migration"
	"github.com/anumate/controlplane/internal/notify"
	"github.com/anumate/controlplane/internal/orchestrator"
	"github.com/anumate/controlplane/internal/plancompiler"
	"github.com/anumate/controlplane/internal/preflight"
	"github.com/anumate/controlplane/internal/receipts"
	"github.com/anumate/controlplane/internal/telemetry"
	"github.com/anumate/controlplane/internal/tenant"
	"github.com/anumate/controlplane/internal/toolproto"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file (env vars still take precedence)")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("control plane exited with error", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	httpapi.Version = version
	httpapi.Commit = commit

	keys, err := loadOrGenerateKeyPair(cfg)
	if err != nil {
		return fmt.Errorf("signing keys: %w", err)
	}

	db, driverName, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	logger.Info("database opened", zap.String("driver", driverName))

	if err := migration.EnsureVersion(db, 1); err != nil {
		return fmt.Errorf("ensure schema version: %w", err)
	}

	guard, err := newReplayGuard(ctx, cfg, db)
	if err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	issuer := captoken.NewIssuer(keys, guard)

	receiptStore, err := newReceiptStore(cfg, db, keys)
	if err != nil {
		return fmt.Errorf("receipts store: %w", err)
	}
	if err := receiptStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("receipts schema: %w", err)
	}

	auditStore, err := auditlog.NewStore(db, 1000)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer auditStore.Close()
	go auditStore.PurgeLoop(ctx, 90*24*time.Hour, time.Hour)

	eventStore := eventbus.NewStore(db)
	if err := eventStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("event bus schema: %w", err)
	}
	bus := eventbus.NewBus(cfg.EventBus.BufferSize, eventStore, "controlplane")

	quotas := tenant.NewQuotaEnforcer(funcr.New(func(prefix, args string) {
		logger.Sugar().Infof("%s %s", prefix, args)
	}, funcr.Options{}))

	approvalsBridge := approvals.NewBridge(0)
	approvalsBridge.OnEscalate(escalationNotifier(logger))

	var wormSink receipts.WORMSink
	if cfg.ReceiptsWORMDir != "" {
		sink, err := receipts.NewFileWORMSink(cfg.ReceiptsWORMDir)
		if err != nil {
			return fmt.Errorf("receipts worm sink: %w", err)
		}
		wormSink = sink
	}
	sched := newBackgroundScheduler(cfg, approvalsBridge, quotas, receiptStore, wormSink, logger)
	go func() {
		<-ctx.Done()
		<-sched.Stop().Done()
	}()

	invoker, err := newInvoker(cfg)
	if err != nil {
		return fmt.Errorf("tool invoker: %w", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Tokens:      issuer,
		Approvals:   approvalsBridge,
		Invoker:     invoker,
		Retry:       toolproto.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay},
		Bus:         bus,
		Receipts:    receiptStore,
		Quotas:      quotas,
		ApprovalTTL: cfg.Approval.DefaultDeadline,
	})

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	go serveMetrics(cfg, logger)

	server := httpapi.New(httpapi.Deps{
		Config:       cfg,
		Tokens:       issuer,
		PlanCompiler: plancompiler.NewCompiler(nil),
		PlanCache:    plancompiler.NewCache(),
		Simulator:    preflight.NewSimulator(preflight.NewMockToolRegistry()),
		Orchestrator: orch,
		Approvals:    approvalsBridge,
		Receipts:     receiptStore,
		Audit:        auditStore,
		Quotas:       quotas,
		Bus:          bus,
		Logger:       logger,
	})

	logger.Info("starting control plane",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.Bool("demo_fallback", cfg.Orchestrator.EnableDemoFallback),
	)
	return server.Run(ctx)
}

// loadOrGenerateKeyPair loads the Ed25519 signing key from SigningKeyRef
// when set. Only the file:// scheme is wired — a passphrase-sealed key
// file via crypto.SealKeyPair/OpenKeyPair, the passphrase supplied out
// of band through ANUMATE_SIGNING_KEY_PASSPHRASE rather than the config
// file. No KMS backend exists; any other scheme is rejected rather than
// silently falling back to an ephemeral key.
func loadOrGenerateKeyPair(cfg config.Config) (crypto.KeyPair, error) {
	if cfg.SigningKeyRef == "" {
		return crypto.GenerateKeyPair()
	}

	path, ok := strings.CutPrefix(cfg.SigningKeyRef, "file://")
	if !ok {
		return crypto.KeyPair{}, fmt.Errorf("signing_key_ref %q: only the file:// scheme is wired; no KMS backend exists", cfg.SigningKeyRef)
	}

	passphrase := os.Getenv("ANUMATE_SIGNING_KEY_PASSPHRASE")
	if passphrase == "" {
		return crypto.KeyPair{}, fmt.Errorf("signing_key_ref %q requires ANUMATE_SIGNING_KEY_PASSPHRASE to be set", cfg.SigningKeyRef)
	}

	if _, err := os.Stat(path); err == nil {
		return crypto.OpenKeyPair(path, passphrase)
	} else if !os.IsNotExist(err) {
		return crypto.KeyPair{}, fmt.Errorf("stat signing key file: %w", err)
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return crypto.KeyPair{}, err
	}
	if err := crypto.SealKeyPair(path, kp, passphrase); err != nil {
		return crypto.KeyPair{}, fmt.Errorf("seal new signing key: %w", err)
	}
	return kp, nil
}

// openDatabase opens Postgres when DatabaseURL is set, else a local
// SQLite file under DataDir — the same DataDir-vs-DatabaseURL split
// config.Config.HasDatabase documents for every durable store.
func openDatabase(cfg config.Config) (*sql.DB, string, error) {
	if cfg.HasDatabase() {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		return db, "pgx", err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, "", fmt.Errorf("create data dir: %w", err)
	}
	dbPath := cfg.DataDir + "/controlplane.db"
	db, err := sql.Open("sqlite", dbPath)
	return db, "sqlite", err
}

// newReceiptStore opens the receipts store's own backend when
// ReceiptsMySQLURL is set, independent of the primary database driven by
// DatabaseURL/DataDir, so an operator can keep receipts on MySQL while
// everything else stays on Postgres or SQLite.
func newReceiptStore(cfg config.Config, db *sql.DB, keys crypto.KeyPair) (*receipts.Store, error) {
	if cfg.ReceiptsMySQLURL != "" {
		return receipts.NewMySQLStore(cfg.ReceiptsMySQLURL, keys)
	}
	return receipts.NewStore(db, keys), nil
}

func newReplayGuard(ctx context.Context, cfg config.Config, db *sql.DB) (captoken.ReplayGuard, error) {
	if cfg.HasDatabase() {
		guard := captoken.NewPostgresReplayGuard(db)
		if err := guard.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return guard, nil
	}
	return captoken.NewMemoryReplayGuard(), nil
}

// newInvoker picks the real MCP tool-call client in production and the
// demo fallback only when explicitly enabled, so a disconnected tool
// runtime never silently no-ops outside test/demo use.
func newInvoker(cfg config.Config) (toolproto.Invoker, error) {
	if cfg.Orchestrator.EnableDemoFallback {
		return toolproto.NewDemoFallbackInvoker(), nil
	}
	endpoint := os.Getenv("ANUMATE_TOOL_RUNTIME_URL")
	if endpoint == "" {
		return nil, fmt.Errorf("ANUMATE_TOOL_RUNTIME_URL is required when orchestrator.enable_demo_fallback is false")
	}
	return toolproto.NewClient(endpoint, nil), nil
}

// escalationNotifier builds the channel set from env vars and returns a
// callback suitable for approvals.Bridge.OnEscalate. Channels with no
// configuration are simply omitted from every SeverityRoute, so running
// with none configured leaves escalation notification a no-op rather
// than an error.
func escalationNotifier(logger *zap.Logger) func(*approvals.Request) {
	var channels []notify.Channel
	if url := os.Getenv("ANUMATE_NOTIFY_SLACK_WEBHOOK"); url != "" {
		channels = append(channels, notify.NewSlackChannel(url, os.Getenv("ANUMATE_NOTIFY_SLACK_CHANNEL")))
	}
	if url := os.Getenv("ANUMATE_NOTIFY_WEBHOOK_URL"); url != "" {
		channels = append(channels, notify.NewWebhookChannel(url, nil))
	}
	if len(channels) == 0 {
		return func(*approvals.Request) {}
	}

	router := notify.NewRouter(
		notify.SeverityRoute{Critical: channels, Warning: channels},
		notify.NewRateLimiter(30),
		funcr.New(func(prefix, args string) {
			logger.Sugar().Infof("%s %s", prefix, args)
		}, funcr.Options{}),
	)

	return func(req *approvals.Request) {
		severity := "warning"
		if req.RiskLevel == "critical" || req.RiskLevel == "high" {
			severity = "critical"
		}
		router.Notify(context.Background(), notify.Message{
			TenantID:   req.TenantID,
			RunID:      req.RunID,
			ApprovalID: req.ID,
			Severity:   severity,
			Title:      "approval escalated",
			Body:       req.Reason,
			Timestamp:  time.Now().UTC(),
		})
	}
}

// newBackgroundScheduler wires the approval-deadline sweep, the hourly
// and daily quota reset, and (when wormSink is set) the receipt export
// batch onto one robfig/cron scheduler, in place of three hand-rolled
// ticker loops. These are fixed-interval jobs rather than the
// wall-clock cron expressions jobs/scheduler.go parses against a
// per-row anchor, so each is registered with cron's "@every"/"@hourly"
// spec rather than a crontab string — the scheduler engine itself, not
// ParseStandard's one-shot "is this due" check, is what fits a
// long-running process with several independent recurring jobs.
func newBackgroundScheduler(cfg config.Config, bridge *approvals.Bridge, quotas *tenant.QuotaEnforcer, receiptStore *receipts.Store, wormSink receipts.WORMSink, logger *zap.Logger) *cron.Cron {
	interval := cfg.Approval.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), bridge.SweepExpired); err != nil {
		logger.Sugar().Warnf("schedule approval sweep: %v", err)
	}
	if _, err := c.AddFunc("@hourly", quotas.ResetHourlyUsage); err != nil {
		logger.Sugar().Warnf("schedule hourly quota reset: %v", err)
	}
	if _, err := c.AddFunc("@midnight", quotas.ResetDailyUsage); err != nil {
		logger.Sugar().Warnf("schedule daily quota reset: %v", err)
	}

	if wormSink != nil {
		watermark := &receiptWatermark{}
		job := func() {
			next, n, err := receiptStore.ExportBatch(context.Background(), wormSink, "", watermark.get())
			if err != nil {
				logger.Sugar().Warnf("receipt worm export: %v", err)
				return
			}
			if n > 0 {
				watermark.set(next)
				logger.Sugar().Infof("receipt worm export: wrote %d receipts", n)
			}
		}
		if _, err := c.AddFunc("@every 5m", job); err != nil {
			logger.Sugar().Warnf("schedule receipt worm export: %v", err)
		}
	}

	c.Start()
	return c
}

// receiptWatermark tracks the last successfully exported receipt's
// created_at across scheduler runs, guarded for cron's job goroutine.
type receiptWatermark struct {
	mu sync.Mutex
	at time.Time
}

func (w *receiptWatermark) get() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.at
}

func (w *receiptWatermark) set(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.at = t
}

func serveMetrics(cfg config.Config, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	addr := os.Getenv("ANUMATE_METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err), zap.String("addr", addr))
	}
}
