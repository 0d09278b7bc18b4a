package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/crucible-data/refinery/internal/backup"
	"github.com/crucible-data/refinery/internal/changelog"
	"github.com/crucible-data/refinery/internal/duckdb"
	"github.com/crucible-data/refinery/internal/httpserver"
	"github.com/crucible-data/refinery/internal/metrics"
	"github.com/crucible-data/refinery/internal/model"
	"github.com/crucible-data/refinery/internal/scheduler"
	"github.com/crucible-data/refinery/internal/stage"
	"github.com/crucible-data/refinery/internal/tcpserver"
	"github.com/crucible-data/refinery/internal/transform"
	"golang.org/x/sync/errgroup"
)

// meteredAppender bumps the raw-append counter around the store appender.
type meteredAppender struct {
	store *duckdb.Store
	m     *metrics.Metrics
}

func (a *meteredAppender) AppendRawBatch(ctx context.Context, records []*model.RawRecord) (int, error) {
	n, err := a.store.AppendRawBatch(ctx, records)
	if err == nil {
		a.m.RawAppended(n)
	}
	return n, err
}

// runServer starts ingestion, the transform scheduler, and the HTTP API.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A crash mid-run leaves a task run in running state; fail it so the
	// next tick retries from the unchanged offset.
	if _, err := store.RecoverStaleRuns(ctx); err != nil {
		return fmt.Errorf("failed to recover stale task runs: %w", err)
	}

	m := metrics.New()
	feed := changelog.New(store)

	projection, err := transform.LoadProjection(cfg.ProjectionPath)
	if err != nil {
		return fmt.Errorf("failed to load projection: %w", err)
	}

	task := transform.NewTask(cfg.ConsumerID, feed, store, projection, m)
	sched := scheduler.New(task, feed, scheduler.Config{
		TickInterval: cfg.TickInterval,
		RunTimeout:   cfg.RunTimeout,
	})
	sched.Start(ctx)
	defer sched.Stop()

	appender := &meteredAppender{store: store, m: m}

	// Append buffer for streamed (TCP) rows; stage files commit per file.
	appendBuffer := duckdb.NewAppendBuffer(appender, duckdb.AppendBufferConfig{
		BatchSize:      cfg.AppendBatchSize,
		FlushInterval:  cfg.AppendFlushInterval,
		FlushQueueSize: cfg.AppendFlushQueue,
		OnAppend:       func(int) { sched.Notify() },
	})
	defer appendBuffer.Stop()

	watcher, err := stage.NewWatcher(appender, sched, stage.Config{
		SpoolDir:       cfg.SpoolDir,
		RescanInterval: cfg.StageRescanInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize stage watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stage watcher: %w", err)
	}
	defer watcher.Stop()

	var puller *stage.S3Puller
	if strings.TrimSpace(cfg.StageS3URL) != "" {
		puller, err = stage.NewS3Puller(cfg.SpoolDir, stage.S3Config{
			BucketURL:    cfg.StageS3URL,
			Endpoint:     cfg.StageS3Endpoint,
			Region:       cfg.StageS3Region,
			AccessKey:    cfg.StageS3AccessKey,
			SecretKey:    cfg.StageS3SecretKey,
			SessionToken: cfg.StageS3SessionToken,
			UseSSL:       cfg.StageS3UseSSL,
			PullInterval: cfg.StageS3PullInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize s3 stage: %w", err)
		}
		puller.Start(ctx)
		defer puller.Stop()
	}

	var tcpSrv *tcpserver.Server
	if cfg.TCPEnabled {
		tcpSrv = tcpserver.NewServer(cfg.TCPAddr, appendBuffer)
		if err := tcpSrv.Start(); err != nil {
			return fmt.Errorf("failed to start TCP ingest: %w", err)
		}
		defer tcpSrv.Stop()
	}

	if cfg.APIEnabled {
		stateFn := func(consumerID string) string {
			if consumerID == cfg.ConsumerID {
				return sched.State()
			}
			return ""
		}
		apiServer := httpserver.NewServer(cfg.APIAddr, feed, store, stateFn, m.Handler())
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	backupManager, err := backup.NewManager(store, backup.Config{
		Enabled:        cfg.BackupEnabled,
		Interval:       cfg.BackupInterval,
		LocalDir:       cfg.BackupLocalDir,
		KeepLast:       cfg.BackupKeepLast,
		BucketURL:      cfg.BackupBucketURL,
		S3Endpoint:     cfg.BackupS3Endpoint,
		S3Region:       cfg.BackupS3Region,
		S3AccessKey:    cfg.BackupS3AccessKey,
		S3SecretKey:    cfg.BackupS3SecretKey,
		S3SessionToken: cfg.BackupS3SessionToken,
		S3UseSSL:       cfg.BackupS3UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize backups: %w", err)
	}
	if backupManager != nil {
		defer backupManager.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now - not at boot.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg)

	g, gctx := errgroup.WithContext(ctx)

	// Pending-lag gauge refresh.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				offset, oerr := feed.Offset(gctx, cfg.ConsumerID)
				if oerr != nil {
					continue
				}
				watermark, werr := store.MaxSequence(gctx)
				if werr != nil {
					continue
				}
				if lag := watermark - offset; lag >= 0 {
					m.SetPendingLag(cfg.ConsumerID, lag)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}

	cancel()
	signal.Stop(sigCh)
	return nil
}

func configureRuntimeLogger() func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	home, err := os.UserHomeDir()
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "refinery")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "refinery.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	var lines []string
	lines = append(lines, "")
	lines = append(lines, cyan.Bold(true).Render("    REFINERY")+"  "+dim.Render("v"+version))
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Ingest"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Stage Spool    %s", check, cyan.Render(shortenPath(cfg.SpoolDir))))
	if strings.TrimSpace(cfg.StageS3URL) != "" {
		lines = append(lines, fmt.Sprintf("    %s  S3 Stage       %s", check, cyan.Render(cfg.StageS3URL)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  S3 Stage       %s", dot, dim.Render("disabled")))
	}
	if cfg.TCPEnabled {
		lines = append(lines, fmt.Sprintf("    %s  TCP Ingest     %s", check, cyan.Render(cfg.TCPAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  TCP Ingest     %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Transform"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Consumer       %s", check, dim.Render(cfg.ConsumerID)))
	lines = append(lines, fmt.Sprintf("    %s  Cadence        %s", check, dim.Render(cfg.TickInterval.String())))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Surface"))
	lines = append(lines, "")
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Storage        %s", check, dim.Render(shortenPath(cfg.DBPath))))
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
