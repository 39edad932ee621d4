package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/tapledger/internal/model"
	"github.com/dukerupert/tapledger/internal/store"
)

// ErrDisabled is returned when object storage or the passphrase is not configured.
var ErrDisabled = errors.New("backups are not configured")

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) configured() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Config holds backup manager configuration.
type Config struct {
	S3         S3Config
	Passphrase string
	// Prefix is prepended to every object key.
	Prefix string
	// Keep is the number of completed snapshots retained by Prune; zero keeps all.
	Keep int
	// Interval between scheduled snapshots; zero disables the schedule.
	Interval time.Duration
}

// Manager takes encrypted snapshots of the ledger database and stores them
// in S3-compatible object storage.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	db      *sql.DB
	records *store.BackupStore
	client  s3Client
	logger  *slog.Logger
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a backup manager. Without complete S3 credentials and
// a passphrase the manager is disabled and Run returns ErrDisabled.
func NewManager(cfg Config, db *sql.DB, records *store.BackupStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		db:      db,
		records: records,
		logger:  logger,
		now:     time.Now,
	}
	if cfg.S3.configured() && cfg.Passphrase != "" {
		m.client = newS3Client(cfg.S3)
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether snapshots can be taken.
func (m *Manager) Enabled() bool {
	return m.client != nil
}

// List returns recent backup records, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]model.Backup, error) {
	return m.records.List(ctx, limit)
}

// Run takes a snapshot, encrypts it and uploads it. Concurrent calls are
// serialized.
func (m *Manager) Run(ctx context.Context) (*model.Backup, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	started := m.now().UTC()
	key := m.cfg.Prefix + "ledger-" + started.Format("20060102T150405.000Z") + ".db.enc"

	record, err := m.records.Create(ctx, key, started)
	if err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}

	size, err := m.upload(ctx, key)
	if err != nil {
		if markErr := m.records.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
			m.logger.Error("record failed backup", "id", record.ID, "error", markErr)
		}
		m.logger.Error("backup failed", "key", key, "error", err)
		return nil, err
	}

	if err := m.records.MarkCompleted(ctx, record.ID, size, m.now()); err != nil {
		return nil, err
	}
	m.logger.Info("backup completed", "key", key, "size_bytes", size, "duration", m.now().Sub(started))
	return m.records.GetByID(ctx, record.ID)
}

func (m *Manager) upload(ctx context.Context, key string) (int64, error) {
	data, err := m.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	sealed, err := Seal(data, m.cfg.Passphrase)
	if err != nil {
		return 0, fmt.Errorf("encrypt: %w", err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return 0, fmt.Errorf("upload to s3: %w", err)
	}
	return int64(len(sealed)), nil
}

// snapshot returns a consistent copy of the database. VACUUM INTO works for
// WAL and in-memory databases alike and never blocks writers for long.
func (m *Manager) snapshot(ctx context.Context) ([]byte, error) {
	f, err := os.CreateTemp("", "tapledger-snapshot-*.db")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	f.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(path)
	defer os.Remove(path)

	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return nil, fmt.Errorf("vacuum into snapshot: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Restore downloads the snapshot stored under key, decrypts and validates
// it, and writes it to dst. The service must not be running against dst.
func (m *Manager) Restore(ctx context.Context, key, dst string) error {
	if !m.Enabled() {
		return ErrDisabled
	}

	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	sealed, err := io.ReadAll(result.Body)
	if err != nil {
		return fmt.Errorf("read download: %w", err)
	}
	data, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("decrypt backup: %w", err)
	}

	tmp := dst + ".restore"
	defer os.Remove(tmp)
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write restored file: %w", err)
	}
	if err := validate(ctx, tmp); err != nil {
		return err
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	os.Remove(dst + "-wal")
	os.Remove(dst + "-shm")

	m.logger.Info("backup restored", "key", key, "path", dst)
	return nil
}

// validate checks that path is an intact SQLite database holding a ledger.
func validate(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attendance_days").Scan(&n); err != nil {
		return fmt.Errorf("restored db has no ledger: %w", err)
	}
	return nil
}

// Prune deletes completed snapshots beyond the newest Keep. Objects that
// cannot be deleted keep their records so a later run retries them.
func (m *Manager) Prune(ctx context.Context) error {
	if !m.Enabled() || m.cfg.Keep <= 0 {
		return nil
	}

	expired, err := m.records.ListExpired(ctx, m.cfg.Keep)
	if err != nil {
		return err
	}
	for _, b := range expired {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(b.ObjectKey),
		}); err != nil {
			m.logger.Warn("delete expired backup", "key", b.ObjectKey, "error", err)
			continue
		}
		if err := m.records.Delete(ctx, b.ID); err != nil {
			return err
		}
		m.logger.Info("backup pruned", "key", b.ObjectKey)
	}
	return nil
}

// Start begins the scheduled backup loop. It is a no-op when the manager is
// disabled or no interval is configured.
func (m *Manager) Start(ctx context.Context) {
	if !m.Enabled() || m.cfg.Interval <= 0 {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Run(ctx); err != nil {
					continue
				}
				if err := m.Prune(ctx); err != nil {
					m.logger.Error("prune backups", "error", err)
				}
			}
		}
	}()
}

// Stop ends the scheduled loop and waits for an in-flight run to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}
