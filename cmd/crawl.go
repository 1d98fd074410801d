package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	gpubsub "cloud.google.com/go/pubsub/v2"
	gstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cookiescope/consent-crawler/internal/api"
	"github.com/cookiescope/consent-crawler/internal/browser"
	"github.com/cookiescope/consent-crawler/internal/cmp"
	"github.com/cookiescope/consent-crawler/internal/config"
	"github.com/cookiescope/consent-crawler/internal/consent"
	"github.com/cookiescope/consent-crawler/internal/logging"
	"github.com/cookiescope/consent-crawler/internal/orchestrator"
	"github.com/cookiescope/consent-crawler/internal/publisher"
	pubsubpub "github.com/cookiescope/consent-crawler/internal/publisher/pubsub"
	"github.com/cookiescope/consent-crawler/internal/storage"
	"github.com/cookiescope/consent-crawler/internal/storage/gcs"
	"github.com/cookiescope/consent-crawler/internal/storage/local"
	"github.com/cookiescope/consent-crawler/internal/storage/postgres"
	"github.com/cookiescope/consent-crawler/internal/visit"
)

// newCrawlCmd creates the 'crawl' subcommand. Targets come from a file of
// URLs, one per line, or from a single --url flag.
func newCrawlCmd() *cobra.Command {
	var (
		singleURL string
		retryOut  string
		dumpPages bool
	)
	cmd := &cobra.Command{
		Use:   "crawl [targets-file]",
		Short: "Crawls targets and records their consent disclosures",
		Long: `Visits each target with a pooled headless browser, detects the site's
CMP, scrapes its declared cookie table, and collects the cookies the
browser observed. Every target yields exactly one result.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), args, singleURL, retryOut, dumpPages)
		},
	}
	cmd.Flags().StringVar(&singleURL, "url", "", "crawl a single URL instead of a targets file")
	cmd.Flags().StringVar(&retryOut, "retry-out", "", "file to write transport-failed targets to")
	cmd.Flags().BoolVar(&dumpPages, "dump-pages", false, "persist page source snapshots to the configured storage backend")
	return cmd
}

func runCrawl(ctx context.Context, args []string, singleURL, retryOut string, dumpPages bool) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	targets, err := loadTargets(args, singleURL)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("no targets to crawl")
	}
	visits := make([]consent.Visit, 0, len(targets))
	for _, target := range targets {
		visits = append(visits, consent.Visit{ID: uuid.NewString(), TargetURL: target})
	}
	logger.Info("starting crawl",
		zap.Int("targets", len(visits)),
		zap.Int("workers", cfg.Crawl.Workers),
		zap.Duration("visit_timeout", cfg.VisitTimeout()),
	)

	dumps, err := buildDumpStore(ctx, cfg, dumpPages)
	if err != nil {
		return err
	}

	memSink := orchestrator.NewMemorySink()
	sink, closeSinks, err := buildSink(ctx, cfg, memSink, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	browserCfg := browser.Config{
		Headless:          cfg.Browser.Headless,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: cfg.NavTimeout(),
		SettleSeconds:     cfg.Browser.SettleSeconds,
		WaitForEvents:     cfg.Browser.WaitForEvents,
	}
	runnerCfg := visit.Config{
		NumSubpages: cfg.Crawl.NumSubpages,
		DumpPages:   dumpPages && dumps != nil,
	}

	// Verify Chrome is runnable before committing the whole pool to it.
	warmup, err := browser.NewSession(ctx, browserCfg, logger)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	if version, versionErr := warmup.Version(ctx); versionErr != nil {
		logger.Warn("browser version unavailable", zap.Error(versionErr))
	} else {
		logger.Info("browser ready", zap.String("version", version))
	}
	warmup.Close()

	sessions := func(ctx context.Context, logger *zap.Logger) (orchestrator.BrowserSession, error) {
		return browser.NewSession(ctx, browserCfg, logger)
	}
	runners := func(session orchestrator.BrowserSession, logger *zap.Logger) orchestrator.VisitRunner {
		return visit.NewRunner(runnerCfg, session, cmp.NewCoordinator(logger), dumps, logger)
	}

	orch := orchestrator.New(orchestrator.Config{
		Workers:      cfg.Crawl.Workers,
		VisitTimeout: cfg.VisitTimeout(),
	}, sessions, runners, sink, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sweeper := orchestrator.NewSweeper(cfg.SweepInterval(), 4*cfg.VisitTimeout(), logger)
	go sweeper.Run(runCtx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(orch, memSink, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Warn("status server stopped", zap.Error(serveErr))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("status server shutdown failed", zap.Error(shutdownErr))
		}
	}()

	if err := orch.Run(runCtx, visits); err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}

	completed, total := orch.Progress()
	logger.Info("crawl finished",
		zap.Int64("completed", completed),
		zap.Int64("total", total),
		zap.Int("retryable", len(orch.RetryList())),
	)

	if retryOut != "" {
		if err := writeRetryList(retryOut, orch.RetryList()); err != nil {
			return fmt.Errorf("write retry list: %w", err)
		}
	}
	return nil
}

// loadTargets reads one URL per line, skipping blanks and '#' comments.
func loadTargets(args []string, singleURL string) ([]string, error) {
	if singleURL != "" {
		return []string{singleURL}, nil
	}
	if len(args) == 0 {
		return nil, errors.New("a targets file or --url is required")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("open targets file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var targets []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return targets, nil
}

func writeRetryList(path string, targets []string) error {
	var sb strings.Builder
	for _, t := range targets {
		sb.WriteString(t)
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o600)
}

// buildDumpStore wires the configured storage backend into the visit
// runner's dump surface. Returns nil when dumps are disabled.
func buildDumpStore(ctx context.Context, cfg config.Config, dumpPages bool) (visit.DumpStore, error) {
	if !dumpPages {
		return nil, nil
	}
	var store storage.BlobStore
	switch cfg.Storage.Backend {
	case "", "none":
		return nil, errors.New("--dump-pages requires storage.backend local or gcs")
	case "local":
		localStore, err := local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		store = localStore
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		gcsStore, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		store = gcsStore
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	return storage.NewPageDumper(store, cfg.Storage.Prefix), nil
}

// buildSink assembles the result fanout: always the in-memory sink, plus
// Postgres and Pub/Sub when configured.
func buildSink(ctx context.Context, cfg config.Config, memSink *orchestrator.MemorySink, logger *zap.Logger) (orchestrator.ResultSink, func(), error) {
	sinks := []orchestrator.ResultSink{memSink}
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Database.DSN != "" {
		store, err := postgres.NewResultStore(ctx, postgres.ResultStoreConfig{
			DSN:      cfg.Database.DSN,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("init result store: %w", err)
		}
		closers = append(closers, store.Close)
		sinks = append(sinks, store)
	}

	if cfg.PubSub.ProjectID != "" {
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("init pubsub client: %w", err)
		}
		closers = append(closers, func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("close pubsub client failed", zap.Error(closeErr))
			}
		})
		sinks = append(sinks, publisher.NewEventSink(pubsubpub.New(client.Publisher(cfg.PubSub.TopicName))))
	}

	if len(sinks) == 1 {
		return memSink, closeAll, nil
	}
	return orchestrator.NewFanoutSink(sinks...), closeAll, nil
}
