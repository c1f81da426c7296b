package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nijaru/yt-audit/analyzer"
	"github.com/nijaru/yt-audit/assemblyai"
	"github.com/nijaru/yt-audit/config"
	"github.com/nijaru/yt-audit/db"
	apperrors "github.com/nijaru/yt-audit/errors"
	"github.com/nijaru/yt-audit/fetcher"
	"github.com/nijaru/yt-audit/handlers"
	"github.com/nijaru/yt-audit/logger"
	"github.com/nijaru/yt-audit/middleware"
	"github.com/nijaru/yt-audit/report"
	"github.com/nijaru/yt-audit/session"
	"github.com/nijaru/yt-audit/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func main() {
	printURL := flag.String("report", "", "print the stored report for a video URL and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	if err := cfg.EnsureDirs(); err != nil {
		logrus.WithError(err).Fatal("Failed to create directories")
	}

	logFile, err := logger.Setup(logger.Options{
		Dir:    cfg.LogDir,
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize logger")
	}
	defer logFile.Close()

	if err := db.InitializeDB(cfg.DBPath); err != nil {
		logrus.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.DB.Close()

	var archiver *storage.Archiver
	if cfg.Archive.Enabled() {
		archiver, err = storage.NewArchiver(context.Background(), cfg.Archive)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to initialize report archive")
		}
	}

	if *printURL != "" {
		if err := printReport(context.Background(), archiver, *printURL); err != nil {
			logrus.WithError(err).Fatal("Failed to print report")
		}
		return
	}

	client := assemblyai.NewClient(cfg.AssemblyAI)
	service := analyzer.New(
		fetcher.New(cfg.DownloadDir, fetcher.YTDLP{}),
		client,
		assemblyai.NewPoller(client, cfg.AssemblyAI.Poll),
	)
	service.SaveFunc = db.SaveReport
	if archiver != nil {
		service.Archiver = archiver
	}

	sessions := session.NewStore(service)
	h := handlers.New(cfg, sessions, service)
	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateLimitInterval)

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: middleware.Chain(h.Routes(),
			middleware.RequestID,
			middleware.Logging,
			middleware.Recovery,
			limiter.Middleware,
		),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pruneSessions(ctx, sessions, cfg.SessionIdleTimeout)

	go func() {
		logrus.WithField("addr", server.Addr).Info("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server shutdown failed")
	}
	sessions.Close(shutdownCtx)
	logrus.Info("Server stopped")
}

func pruneSessions(ctx context.Context, sessions *session.Store, maxIdle time.Duration) {
	ticker := time.NewTicker(maxIdle / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.Prune(maxIdle)
		}
	}
}

// printReport writes the stored report for videoURL to stdout, falling back
// to the archive when the local history has no row for it.
func printReport(ctx context.Context, archiver *storage.Archiver, videoURL string) error {
	saved, err := db.GetReport(ctx, videoURL)
	if apperrors.IsNotFound(err) && archiver != nil {
		archived, archiveErr := archiver.Fetch(ctx, videoURL)
		if archiveErr != nil {
			return errors.Wrap(archiveErr, "report not in history")
		}
		return archived.Report.WriteText(os.Stdout)
	}
	if err != nil {
		return err
	}

	r := &report.Report{Video: saved.Video(), Summary: saved.Summary}
	if len(saved.Payload) > 0 {
		t, err := assemblyai.ParseTranscript(saved.Payload)
		if err != nil {
			return err
		}
		r = report.Build(saved.Video(), t)
	}
	return r.WriteText(os.Stdout)
}
