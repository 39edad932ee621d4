package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/tapledger/internal/attendance"
	"github.com/dukerupert/tapledger/internal/backup"
	"github.com/dukerupert/tapledger/internal/handler"
	"github.com/dukerupert/tapledger/internal/middleware"
	"github.com/dukerupert/tapledger/internal/push"
	"github.com/dukerupert/tapledger/internal/store"
	ws "github.com/dukerupert/tapledger/internal/websocket"
)

// Admin corrections are limited per client IP.
const (
	adminRateLimit  = 10
	adminRateWindow = time.Minute

	rateLimitCleanupInterval = 10 * time.Minute
)

// Config holds the options that shape request handling.
type Config struct {
	Policy         attendance.DayPolicy
	DedupPrecision time.Duration
	AdminTokenHash string
	OriginPatterns []string

	// Push is nil when VAPID keys are not configured.
	Push *push.Service
	// Mailer must be a nil interface when e-mail digests are disabled.
	Mailer     push.Mailer
	DigestHour int
	Backup     backup.Config
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	ingestH     *handler.IngestHandler
	attendanceH *handler.AttendanceHandler
	workerH     *handler.WorkerHandler
	pushH       *handler.PushHandler
	backupH     *handler.BackupHandler
	rateLimiter *middleware.RateLimiter
	scheduler   *push.Scheduler
	backups     *backup.Manager
	cfg         Config
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	workerStore := store.NewWorkerStore(db)
	attendanceStore := store.NewAttendanceStore(db)

	resolver := attendance.NewResolver(workerStore)
	engine := attendance.NewEngine(attendanceStore, resolver, cfg.Policy, cfg.DedupPrecision, logger.With("component", "engine"))
	corrector := attendance.NewCorrector(resolver, attendanceStore, logger.With("component", "correction"))

	pushStore := store.NewPushStore(db)
	scheduler := push.NewScheduler(cfg.Push, pushStore, attendanceStore, cfg.Policy, cfg.DigestHour, cfg.Mailer, logger.With("component", "digest"))
	backups := backup.NewManager(cfg.Backup, db, store.NewBackupStore(db), logger.With("component", "backup"))

	return &Server{
		db:          db,
		hub:         hub,
		ingestH:     handler.NewIngestHandler(engine, hub, logger.With("component", "ingest")),
		attendanceH: handler.NewAttendanceHandler(attendanceStore, corrector, cfg.Policy, hub, logger.With("component", "attendance")),
		workerH:     handler.NewWorkerHandler(workerStore, logger.With("component", "worker")),
		pushH:       handler.NewPushHandler(pushStore, cfg.Push, scheduler, cfg.Policy, logger.With("component", "push")),
		backupH:     handler.NewBackupHandler(backups, logger.With("component", "backup")),
		rateLimiter: middleware.NewRateLimiter(),
		scheduler:   scheduler,
		backups:     backups,
		cfg:         cfg,
		logger:      logger,
	}
}

// Start launches background jobs: the pending check-out digest, scheduled
// backups and rate limiter cleanup. Stop must be called to end them.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.scheduler.Start(ctx)
	s.backups.Start(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(rateLimitCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.rateLimiter.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends background jobs and waits for in-flight work.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	s.scheduler.Stop()
	s.backups.Stop()
}

// Backups returns the backup manager for one-shot snapshots and restores.
func (s *Server) Backups() *backup.Manager {
	return s.backups
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Ingestion
	mux.HandleFunc("POST /api/rfid/events", s.ingestH.Tap)

	// Ledger queries
	mux.HandleFunc("GET /api/attendance", s.attendanceH.ListByDate)
	mux.HandleFunc("GET /api/attendance/today", s.attendanceH.Today)
	mux.HandleFunc("GET /api/attendance/summary", s.attendanceH.Summary)
	mux.HandleFunc("GET /api/attendance/realtime", s.attendanceH.Realtime)
	mux.HandleFunc("GET /api/attendance/cards/{card_id}", s.attendanceH.ListByCard)
	mux.HandleFunc("GET /api/workers/cards/{card_id}", s.workerH.GetByCard)

	// Corrections
	mux.Handle("DELETE /api/attendance/cards/{card_id}", s.adminOnly(http.HandlerFunc(s.attendanceH.Clear)))

	// Push notifications
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	mux.Handle("POST /api/push/subscriptions", s.adminOnly(http.HandlerFunc(s.pushH.Subscribe)))
	mux.Handle("GET /api/push/subscriptions", s.adminOnly(http.HandlerFunc(s.pushH.ListSubscriptions)))
	mux.Handle("DELETE /api/push/subscriptions/{id}", s.adminOnly(http.HandlerFunc(s.pushH.Unsubscribe)))
	mux.Handle("POST /api/push/test", s.adminOnly(http.HandlerFunc(s.pushH.TestNotification)))
	mux.Handle("POST /api/push/digest", s.adminOnly(http.HandlerFunc(s.pushH.SendDigest)))

	// Backups
	mux.Handle("GET /api/backups", s.adminOnly(http.HandlerFunc(s.backupH.List)))
	mux.Handle("POST /api/backups", s.adminOnly(http.HandlerFunc(s.backupH.Run)))

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.OriginPatterns, s.logger.With("component", "websocket")))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) adminOnly(h http.Handler) http.Handler {
	limit := middleware.RateLimit(s.rateLimiter, adminRateLimit, adminRateWindow)
	return limit(middleware.RequireAdminToken(s.cfg.AdminTokenHash)(h))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
