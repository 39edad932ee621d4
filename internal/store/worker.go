package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/tapledger/internal/model"
)

type WorkerStore struct {
	db *sql.DB
}

func NewWorkerStore(db *sql.DB) *WorkerStore {
	return &WorkerStore{db: db}
}

func scanWorker(scanner interface{ Scan(...any) error }) (*model.Worker, error) {
	var w model.Worker
	var cardID sql.NullString
	var active int

	err := scanner.Scan(&w.ID, &w.Name, &cardID, &active, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}

	w.Active = active != 0
	if cardID.Valid {
		w.CardID = &cardID.String
	}
	return &w, nil
}

const workerCols = `id, name, card_id, active, created_at, updated_at`

// cardKey is the normalized form of workers.card_id, matching
// model.NormalizeCardID for space-separated ids. Rows written by other
// directory tools may carry lowercase or spaced card ids.
const cardKey = `UPPER(REPLACE(card_id, ' ', ''))`

// Create adds a worker to the directory, storing the card id normalized.
// The directory is owned elsewhere; this exists for seeding.
func (s *WorkerStore) Create(ctx context.Context, name string, cardID *string, active bool) (*model.Worker, error) {
	var card sql.NullString
	if cardID != nil {
		card = sql.NullString{String: model.NormalizeCardID(*cardID), Valid: true}
	}
	var a int
	if active {
		a = 1
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (name, card_id, active) VALUES (?, ?, ?)`,
		name, card, a,
	)
	if err != nil {
		return nil, fmt.Errorf("insert worker: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *WorkerStore) GetByID(ctx context.Context, id int64) (*model.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerCols+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// GetByCardID returns the worker holding cardID regardless of active flag,
// or nil if none does. Card ids match after normalization.
func (s *WorkerStore) GetByCardID(ctx context.Context, cardID string) (*model.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerCols+` FROM workers WHERE `+cardKey+` = ?`, model.NormalizeCardID(cardID))
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker by card: %w", err)
	}
	return w, nil
}

// GetActiveByCardID is GetByCardID restricted to active workers.
func (s *WorkerStore) GetActiveByCardID(ctx context.Context, cardID string) (*model.Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workerCols+` FROM workers WHERE `+cardKey+` = ? AND active = 1`, model.NormalizeCardID(cardID))
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active worker by card: %w", err)
	}
	return w, nil
}

func (s *WorkerStore) SetActive(ctx context.Context, id int64, active bool) error {
	var a int
	if active {
		a = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET active = ? WHERE id = ?`, a, id)
	if err != nil {
		return fmt.Errorf("set worker active: %w", err)
	}
	return nil
}
