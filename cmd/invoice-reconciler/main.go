package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/zombor/invoice-reconciler/internal/capture"
	"github.com/zombor/invoice-reconciler/internal/ledger"
	"github.com/zombor/invoice-reconciler/internal/metrics"
	"github.com/zombor/invoice-reconciler/internal/reconcile"
	"github.com/zombor/invoice-reconciler/internal/scanning"
	"github.com/zombor/invoice-reconciler/internal/server"
	"github.com/zombor/invoice-reconciler/internal/storage"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	defaults := reconcile.DefaultRetryPolicy()
	fs := ff.NewFlagSet("invoice-reconciler")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "invoice-reconciler.db", "Database file path")
		storagePath   = fs.StringLong("storage", "./invoices", "Storage directory path")
		gcsBucket     = fs.StringLong("gcs-bucket", "", "Store captures in this GCS bucket instead of --storage")
		scannerType   = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "qwen2-vl:7b", "Ollama vision model name")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		owner         = fs.StringLong("owner", "default", "Owner whose capture queue this process syncs")
		syncInterval  = fs.DurationLong("sync-interval", reconcile.DefaultSyncInterval, "How often to try draining the capture queue")
		probeURL      = fs.StringLong("probe-url", "", "URL whose reachability gates syncing (always online when empty)")
		redisAddr     = fs.StringLong("redis-addr", "", "Redis address for cross-process document locks (in-process when empty)")
		lockTTL       = fs.DurationLong("lock-ttl", 2*time.Minute, "Expiry of a Redis document lock, refreshed while held")
		batchLimit    = fs.IntLong("batch-limit", 4, "Documents reconciled at once by a batch import")
		retryAttempts = fs.IntLong("retry-max-attempts", defaults.MaxAttempts, "Consecutive failing drains before sync is reported stuck")
		retryBase     = fs.DurationLong("retry-base-delay", defaults.BaseDelay, "Back-off after the first failing drain")
		retryMult     = fs.Float64Long("retry-multiplier", defaults.Multiplier, "Back-off growth per failing drain")
		retryMax      = fs.DurationLong("retry-max-delay", defaults.MaxDelay, "Longest back-off between drains")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_RECONCILER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...")
	db, err := reconcile.OpenDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	corrections, err := ledger.NewBoltLedger(db)
	if err != nil {
		slog.Error("Failed to initialize correction ledger", "error", err)
		os.Exit(1)
	}
	invoices, err := reconcile.NewBoltInvoices(db)
	if err != nil {
		slog.Error("Failed to initialize invoice store", "error", err)
		os.Exit(1)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	queue, err := capture.NewQueue(db, capture.WithObserver(m))
	if err != nil {
		slog.Error("Failed to initialize capture queue", "error", err)
		os.Exit(1)
	}

	// Initialize storage
	var store storage.Storage
	if *gcsBucket != "" {
		slog.Info("Initializing GCS storage...", "bucket", *gcsBucket)
		gcs, err := storage.NewGCS(ctx, *gcsBucket)
		if err != nil {
			slog.Error("Failed to initialize GCS storage", "error", err)
			os.Exit(1)
		}
		defer gcs.Close()
		store = gcs
	} else {
		slog.Info("Initializing storage...", "path", *storagePath)
		store, err = storage.NewLocalStorage(*storagePath)
		if err != nil {
			slog.Error("Failed to initialize storage", "error", err)
			os.Exit(1)
		}
	}

	// Initialize scanner based on type
	var scanner scanning.Scanner
	switch *scannerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		scanner, err = scanning.NewGemini(ctx, apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		scanner, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer scanner.Close()

	var locker reconcile.Locker = reconcile.NewKeyedMutex()
	if *redisAddr != "" {
		slog.Info("Using Redis document locks", "address", *redisAddr)
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		locker = reconcile.NewRedisLocker(client, *lockTTL)
	}

	orchestrator := reconcile.New(corrections, invoices, store, scanner,
		reconcile.WithLocker(locker),
		reconcile.WithObserver(m),
		reconcile.WithBatchLimit(*batchLimit),
	)

	var connectivity reconcile.Connectivity = reconcile.AlwaysOnline{}
	if *probeURL != "" {
		connectivity = reconcile.NewHTTPProbe(*probeURL)
	}
	syncer := reconcile.NewSyncer(queue, orchestrator, *owner,
		reconcile.WithInterval(*syncInterval),
		reconcile.WithConnectivity(connectivity),
		reconcile.WithStuckObserver(m),
		reconcile.WithRetryPolicy(reconcile.RetryPolicy{
			MaxAttempts: *retryAttempts,
			BaseDelay:   *retryBase,
			Multiplier:  *retryMult,
			MaxDelay:    *retryMax,
		}),
	)
	go syncer.Run(ctx)

	// Initialize server
	basicAuth := server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	srv := server.NewServer(server.Dependencies{
		Reconciler: orchestrator,
		Queue:      queue,
		Files:      store,
		OwnerID:    *owner,
	}, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := srv.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	<-ctx.Done()
	slog.Info("Shutting down...")
}
