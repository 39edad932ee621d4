package attendance

import (
	"context"
	"fmt"

	"github.com/dukerupert/tapledger/internal/model"
)

// Directory is the read side of the worker directory.
type Directory interface {
	GetActiveByCardID(ctx context.Context, cardID string) (*model.Worker, error)
}

// Resolver maps card ids to worker identities.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the display name of the active worker holding cardID, or
// hint unchanged when the card is not mapped. Directory failures are
// returned, not masked.
func (r *Resolver) Resolve(ctx context.Context, cardID, hint string) (string, error) {
	w, err := r.dir.GetActiveByCardID(ctx, cardID)
	if err != nil {
		return "", fmt.Errorf("resolve card %s: %w", cardID, err)
	}
	if w == nil {
		return hint, nil
	}
	return w.Name, nil
}

// Worker returns the active worker holding cardID, or ErrNotFound.
func (r *Resolver) Worker(ctx context.Context, cardID string) (*model.Worker, error) {
	w, err := r.dir.GetActiveByCardID(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("resolve card %s: %w", cardID, err)
	}
	if w == nil {
		return nil, fmt.Errorf("no active worker for card %s: %w", cardID, ErrNotFound)
	}
	return w, nil
}
