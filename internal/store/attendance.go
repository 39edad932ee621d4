package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dukerupert/tapledger/internal/model"
)

// ErrConflict is returned when a write lost a race against a concurrent
// writer for the same (card id, date) key. The caller re-reads and retries.
var ErrConflict = errors.New("conflicting attendance write")

// Ledger is the per-key access the reconciliation engine needs. It is
// implemented by AttendanceStore both inside and outside a transaction.
type Ledger interface {
	FindOne(ctx context.Context, cardID, date string) (*model.AttendanceDay, error)
	Insert(ctx context.Context, day *model.AttendanceDay) error
	Update(ctx context.Context, day *model.AttendanceDay, prevTapCount int) error
	MarkSeen(ctx context.Context, fingerprint, cardID, date string) (bool, error)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type AttendanceStore struct {
	db *sql.DB
	q  queryer
}

func NewAttendanceStore(db *sql.DB) *AttendanceStore {
	return &AttendanceStore{db: db, q: db}
}

// InTx runs fn against a Ledger bound to a single transaction. The
// transaction commits only if fn returns nil.
func (s *AttendanceStore) InTx(ctx context.Context, fn func(Ledger) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&AttendanceStore{db: s.db, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func scanAttendanceDay(scanner interface{ Scan(...any) error }, extra ...any) (*model.AttendanceDay, error) {
	var d model.AttendanceDay
	var checkIn, checkOut sql.NullString
	var checkedIn int

	dest := []any{
		&d.ID, &d.CardID, &d.DisplayName, &d.DeviceID, &d.EventKind, &d.AttendanceDate,
		&checkIn, &checkOut, &d.FirstTapAt, &d.LastTapAt, &d.TapCount, &checkedIn,
		&d.CreatedAt, &d.UpdatedAt,
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	d.IsCheckedIn = checkedIn != 0
	if checkIn.Valid {
		d.CheckInTime = &checkIn.String
	}
	if checkOut.Valid {
		d.CheckOutTime = &checkOut.String
	}
	return &d, nil
}

const attendanceCols = `id, card_id, display_name, device_id, event_kind, attendance_date,
	check_in_time, check_out_time, first_tap_at, last_tap_at, tap_count, is_checked_in,
	created_at, updated_at`

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// FindOne returns the row for (cardID, date), or nil if there is none.
func (s *AttendanceStore) FindOne(ctx context.Context, cardID, date string) (*model.AttendanceDay, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+attendanceCols+` FROM attendance_days WHERE card_id = ? AND attendance_date = ?`,
		cardID, date,
	)
	d, err := scanAttendanceDay(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find attendance day: %w", err)
	}
	return d, nil
}

// Insert creates a new row and sets day.ID. It returns ErrConflict if a row
// for the same (card id, date) already exists.
func (s *AttendanceStore) Insert(ctx context.Context, day *model.AttendanceDay) error {
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO attendance_days (card_id, display_name, device_id, event_kind, attendance_date,
			check_in_time, check_out_time, first_tap_at, last_tap_at, tap_count, is_checked_in,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (card_id, attendance_date) DO NOTHING`,
		day.CardID, day.DisplayName, day.DeviceID, day.EventKind, day.AttendanceDate,
		nullString(day.CheckInTime), nullString(day.CheckOutTime),
		day.FirstTapAt.UTC(), day.LastTapAt.UTC(), day.TapCount, boolInt(day.IsCheckedIn),
		day.CreatedAt.UTC(), day.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert attendance day: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	day.ID = id
	return nil
}

// Update writes the mutable fields of day, provided the stored tap count is
// still prevTapCount. Otherwise it returns ErrConflict.
func (s *AttendanceStore) Update(ctx context.Context, day *model.AttendanceDay, prevTapCount int) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE attendance_days
		 SET check_in_time = ?, check_out_time = ?, first_tap_at = ?, last_tap_at = ?,
		     tap_count = ?, is_checked_in = ?, updated_at = ?
		 WHERE id = ? AND tap_count = ?`,
		nullString(day.CheckInTime), nullString(day.CheckOutTime), day.FirstTapAt.UTC(), day.LastTapAt.UTC(),
		day.TapCount, boolInt(day.IsCheckedIn), day.UpdatedAt.UTC(),
		day.ID, prevTapCount,
	)
	if err != nil {
		return fmt.Errorf("update attendance day: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkSeen records an event fingerprint. It reports false if the
// fingerprint was already recorded.
func (s *AttendanceStore) MarkSeen(ctx context.Context, fingerprint, cardID, date string) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`INSERT INTO tap_fingerprints (fingerprint, card_id, attendance_date) VALUES (?, ?, ?)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, cardID, date,
	)
	if err != nil {
		return false, fmt.Errorf("insert fingerprint: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteWhere removes every row (and recorded fingerprint) for
// (cardID, date) and returns the number of ledger rows deleted.
func (s *AttendanceStore) DeleteWhere(ctx context.Context, cardID, date string) (int64, error) {
	var deleted int64
	err := s.InTx(ctx, func(l Ledger) error {
		tx := l.(*AttendanceStore)
		if _, err := tx.q.ExecContext(ctx,
			`DELETE FROM tap_fingerprints WHERE card_id = ? AND attendance_date = ?`, cardID, date,
		); err != nil {
			return fmt.Errorf("delete fingerprints: %w", err)
		}
		result, err := tx.q.ExecContext(ctx,
			`DELETE FROM attendance_days WHERE card_id = ? AND attendance_date = ?`, cardID, date,
		)
		if err != nil {
			return fmt.Errorf("delete attendance days: %w", err)
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *AttendanceStore) list(ctx context.Context, query string, args ...any) ([]model.AttendanceDay, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attendance days: %w", err)
	}
	defer rows.Close()

	var days []model.AttendanceDay
	for rows.Next() {
		d, err := scanAttendanceDay(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendance day: %w", err)
		}
		days = append(days, *d)
	}
	return days, rows.Err()
}

// ListByDate returns all rows for one attendance date, earliest first tap first.
func (s *AttendanceStore) ListByDate(ctx context.Context, date string) ([]model.AttendanceDay, error) {
	return s.list(ctx,
		`SELECT `+attendanceCols+` FROM attendance_days
		 WHERE attendance_date = ? ORDER BY first_tap_at ASC, id ASC`,
		date,
	)
}

// ListByCard returns the rows for one card ordered by date. from and to are
// inclusive "2006-01-02" bounds; an empty bound is open.
func (s *AttendanceStore) ListByCard(ctx context.Context, cardID, from, to string) ([]model.AttendanceDay, error) {
	where, args := dateRange(from, to)
	where = append([]string{"card_id = ?"}, where...)
	args = append([]any{cardID}, args...)
	return s.list(ctx,
		`SELECT `+attendanceCols+` FROM attendance_days
		 WHERE `+strings.Join(where, " AND ")+` ORDER BY attendance_date ASC`,
		args...,
	)
}

// ListRange returns every row whose date falls within the inclusive range.
func (s *AttendanceStore) ListRange(ctx context.Context, from, to string) ([]model.AttendanceDay, error) {
	where, args := dateRange(from, to)
	query := `SELECT ` + attendanceCols + ` FROM attendance_days`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	return s.list(ctx, query+` ORDER BY attendance_date ASC, first_tap_at ASC`, args...)
}

func dateRange(from, to string) ([]string, []any) {
	var where []string
	var args []any
	if from != "" {
		where = append(where, "attendance_date >= ?")
		args = append(args, from)
	}
	if to != "" {
		where = append(where, "attendance_date <= ?")
		args = append(args, to)
	}
	return where, args
}

// ListRealtime returns the rows for date joined with the worker directory,
// most recent tap first.
func (s *AttendanceStore) ListRealtime(ctx context.Context, date string) ([]model.LiveAttendance, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT a.id, a.card_id, a.display_name, a.device_id, a.event_kind, a.attendance_date,
			a.check_in_time, a.check_out_time, a.first_tap_at, a.last_tap_at, a.tap_count,
			a.is_checked_in, a.created_at, a.updated_at,
			w.id, COALESCE(w.name, ''), COALESCE(w.active, 0)
		 FROM attendance_days a
		 LEFT JOIN workers w ON UPPER(REPLACE(w.card_id, ' ', '')) = a.card_id
		 WHERE a.attendance_date = ?
		 ORDER BY a.last_tap_at DESC, a.id DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query realtime attendance: %w", err)
	}
	defer rows.Close()

	var live []model.LiveAttendance
	for rows.Next() {
		var workerID sql.NullInt64
		var workerName string
		var workerActive int
		d, err := scanAttendanceDay(rows, &workerID, &workerName, &workerActive)
		if err != nil {
			return nil, fmt.Errorf("scan realtime attendance: %w", err)
		}
		la := model.LiveAttendance{
			AttendanceDay: *d,
			WorkerName:    workerName,
			WorkerActive:  workerActive != 0,
		}
		if workerID.Valid {
			la.WorkerID = &workerID.Int64
		}
		live = append(live, la)
	}
	return live, rows.Err()
}
