package attendance

import (
	"context"
	"fmt"
	"log/slog"
)

// Remover deletes ledger rows for a key.
type Remover interface {
	DeleteWhere(ctx context.Context, cardID, date string) (int64, error)
}

// Corrector performs administrative removal of ledger rows.
type Corrector struct {
	resolver *Resolver
	store    Remover
	logger   *slog.Logger
}

func NewCorrector(resolver *Resolver, st Remover, logger *slog.Logger) *Corrector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Corrector{resolver: resolver, store: st, logger: logger}
}

// Clear deletes the rows for cardID on date and returns how many were
// deleted. It fails with ErrNotFound when no active worker holds the card;
// deleting nothing is not an error.
func (c *Corrector) Clear(ctx context.Context, cardID, date string) (int64, error) {
	cardID = NormalizeCardID(cardID)
	if _, err := ParseDate(date); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}

	w, err := c.resolver.Worker(ctx, cardID)
	if err != nil {
		return 0, err
	}

	n, err := c.store.DeleteWhere(ctx, cardID, date)
	if err != nil {
		return 0, fmt.Errorf("clear card %s on %s: %w", cardID, date, err)
	}

	c.logger.Info("attendance cleared",
		"worker_id", w.ID,
		"card_id", cardID,
		"date", date,
		"deleted", n,
	)
	return n, nil
}
