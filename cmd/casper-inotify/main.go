// Command casper-inotify is the filesystem event supervisor daemon. It loads
// a YAML configuration file, registers a kernel watch per rule, and spawns
// the configured command under the configured user whenever matching events
// occur. It shuts down gracefully on SIGTERM or SIGINT.
//
// It is intended to run as root so that commands can be executed as
// arbitrary users; run unprivileged, it can only spawn as the invoking user.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/RackSec/srslog"
	"github.com/golang-jwt/jwt/v5"

	"github.com/casper2020/casper-inotify/internal/audit"
	"github.com/casper2020/casper-inotify/internal/clock"
	"github.com/casper2020/casper-inotify/internal/config"
	"github.com/casper2020/casper-inotify/internal/daemon"
	"github.com/casper2020/casper-inotify/internal/eventlog"
	"github.com/casper2020/casper-inotify/internal/journal"
	"github.com/casper2020/casper-inotify/internal/metrics"
	"github.com/casper2020/casper-inotify/internal/spawn"
	"github.com/casper2020/casper-inotify/internal/status"
)

// syslogTag identifies the daemon's lines in the platform syslog.
const syslogTag = "casper-inotify"

func main() {
	configPath := flag.String("config", "/etc/casper-inotify/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "casper-inotify: %v\n", err)
		os.Exit(1)
	}

	level, err := eventlog.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "casper-inotify: %v\n", err)
		os.Exit(1)
	}
	sink, err := eventlog.Open(cfg.Log.Path, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "casper-inotify: %v\n", err)
		os.Exit(1)
	}
	defer sink.Close()
	logger := sink.Logger
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Int("directories", len(cfg.Directories)),
		slog.Int("files", len(cfg.Files)),
		slog.String("log_level", cfg.Log.Level),
	)

	// Hostname resolution is fatal: every event record embeds it.
	clk, err := clock.New()
	if err != nil {
		logger.Error("cannot resolve host identity", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("daemon identity",
		slog.String("hostname", clk.Hostname()),
		slog.Int("pid", clk.PID()),
	)

	// Spawn outcomes go to the platform syslog under the cron facility. A
	// missing syslog daemon is tolerated; outcomes still reach the event log.
	var sys spawn.Syslogger
	if w, err := srslog.New(srslog.LOG_CRON|srslog.LOG_NOTICE, syslogTag); err != nil {
		logger.Warn("platform syslog unavailable", slog.Any("error", err))
	} else {
		sys = w
		defer w.Close()
	}

	var opts []daemon.Option

	var jrnl *journal.Journal
	if cfg.Journal.Path != "" {
		jrnl, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			logger.Error("cannot open dispatch journal", slog.Any("error", err))
			os.Exit(1)
		}
		defer jrnl.Close()
		opts = append(opts, daemon.WithJournal(jrnl))
		logger.Info("dispatch journal opened",
			slog.String("path", cfg.Journal.Path),
			slog.Int("rows", int(jrnl.Count())),
		)
	}

	if cfg.Audit.Path != "" {
		adt, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			logger.Error("cannot open spawn audit log", slog.Any("error", err))
			os.Exit(1)
		}
		defer adt.Close()
		opts = append(opts, daemon.WithAudit(adt))
		logger.Info("spawn audit log opened", slog.String("path", cfg.Audit.Path))
	}

	m := metrics.New()

	d, err := daemon.New(cfg, logger, clk, spawn.New(logger, sys), m, opts...)
	if err != nil {
		logger.Error("failed to initialise dispatch engine", slog.Any("error", err))
		os.Exit(1)
	}
	d.Start()

	statusCtx, statusCancel := context.WithCancel(context.Background())
	defer statusCancel()
	if cfg.Status.Addr != "" {
		handler, err := statusHandler(cfg, d, jrnl, m)
		if err != nil {
			logger.Error("failed to configure status API", slog.Any("error", err))
			os.Exit(1)
		}
		go func() {
			logger.Info("status API listening", slog.String("addr", cfg.Status.Addr))
			if err := status.Serve(statusCtx, cfg.Status.Addr, handler); err != nil {
				logger.Error("status API error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	d.Stop()
	statusCancel()
	logger.Info("casper-inotify exited cleanly")
}

// statusHandler builds the status API router, loading the RS256 public key
// when token authentication is configured.
func statusHandler(cfg *config.Config, d *daemon.Daemon, jrnl *journal.Journal, m *metrics.Metrics) (http.Handler, error) {
	var pubKey *rsa.PublicKey
	if cfg.Status.JWTPublicKey != "" {
		pem, err := os.ReadFile(cfg.Status.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		pubKey, err = jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
	}
	srv := status.NewServer(d.Table(), jrnl)
	return status.NewRouter(srv, m, pubKey), nil
}
