package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/tapledger/internal/attendance"
	"github.com/dukerupert/tapledger/internal/backup"
	"github.com/dukerupert/tapledger/internal/config"
	"github.com/dukerupert/tapledger/internal/database"
	"github.com/dukerupert/tapledger/internal/email"
	"github.com/dukerupert/tapledger/internal/logging"
	"github.com/dukerupert/tapledger/internal/middleware"
	"github.com/dukerupert/tapledger/internal/push"
	"github.com/dukerupert/tapledger/internal/server"
	"github.com/dukerupert/tapledger/internal/store"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-token":
			os.Exit(hashToken(os.Args[2:]))
		case "generate-vapid":
			os.Exit(generateVAPID())
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "backup":
			os.Exit(runBackup(cfg, logger))
		case "restore":
			os.Exit(runRestore(cfg, logger, os.Args[2:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
			os.Exit(2)
		}
	}

	loc, err := cfg.Location()
	if err != nil {
		slog.Error("invalid timezone", "error", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	for _, w := range cfg.Warnings() {
		slog.Warn(w)
	}

	var pushSvc *push.Service
	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		pushSvc = push.NewService(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber)
	} else {
		slog.Info("VAPID keys not set, push notifications are disabled")
	}

	var mailer push.Mailer
	if mc := email.NewClient(cfg.PostmarkToken, cfg.DigestEmailFrom, cfg.DigestEmailTo); mc.Configured() {
		mailer = mc
	}

	srv := server.New(db, server.Config{
		Policy:         attendance.NewDayPolicy(loc, attendance.SystemClock()),
		DedupPrecision: cfg.DedupPrecision,
		AdminTokenHash: cfg.AdminTokenHash,
		OriginPatterns: cfg.WSOrigins,
		Push:           pushSvc,
		Mailer:         mailer,
		DigestHour:     cfg.DigestHour,
		Backup:         backupConfig(cfg),
	}, logger)
	if !srv.Backups().Enabled() {
		slog.Info("backup storage not configured, scheduled backups are disabled")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	srv.Start(context.Background())

	go func() {
		slog.Info("tapledger starting", "addr", httpServer.Addr, "timezone", cfg.Timezone, "db", cfg.DBPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	srv.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// hashToken prints the bcrypt hash to use as TAPLEDGER_ADMIN_TOKEN_HASH.
func hashToken(args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: tapledger hash-token <token>")
		return 2
	}
	hash, err := middleware.HashToken(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash token: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

// generateVAPID prints a fresh key pair for TAPLEDGER_VAPID_PUBLIC_KEY and
// TAPLEDGER_VAPID_PRIVATE_KEY.
func generateVAPID() int {
	pub, priv, err := push.GenerateVAPIDKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate keys: %v\n", err)
		return 1
	}
	fmt.Printf("TAPLEDGER_VAPID_PUBLIC_KEY=%s\n", pub)
	fmt.Printf("TAPLEDGER_VAPID_PRIVATE_KEY=%s\n", priv)
	return 0
}

func backupConfig(cfg config.Config) backup.Config {
	return backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.Backup.S3Endpoint,
			Bucket:    cfg.Backup.S3Bucket,
			Region:    cfg.Backup.S3Region,
			AccessKey: cfg.Backup.S3AccessKey,
			SecretKey: cfg.Backup.S3SecretKey,
		},
		Passphrase: cfg.Backup.Passphrase,
		Prefix:     cfg.Backup.Prefix,
		Keep:       cfg.Backup.Keep,
		Interval:   cfg.Backup.Interval,
	}
}

// runBackup takes one snapshot and prunes old ones.
func runBackup(cfg config.Config, logger *slog.Logger) int {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
		return 1
	}
	defer db.Close()

	m := backup.NewManager(backupConfig(cfg), db, store.NewBackupStore(db), logger)
	ctx := context.Background()
	b, err := m.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	if err := m.Prune(ctx); err != nil {
		slog.Warn("prune backups", "error", err)
	}
	fmt.Println(b.ObjectKey)
	return 0
}

// runRestore replaces the database file with a stored snapshot. The server
// must be stopped first.
func runRestore(cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: tapledger restore <key> [path]")
		return 2
	}
	dst := cfg.DBPath
	if len(args) == 2 {
		dst = args[1]
	}

	m := backup.NewManager(backupConfig(cfg), nil, nil, logger)
	if err := m.Restore(context.Background(), args[0], dst); err != nil {
		fmt.Fprintf(os.Stderr, "restore: %v\n", err)
		return 1
	}
	return 0
}
