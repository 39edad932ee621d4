package model

import (
	"strings"
	"time"
)

// Worker is an entry in the worker directory. CardID is nil for workers
// without an issued badge.
type Worker struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CardID    *string   `json:"card_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeCardID canonicalises a card id: surrounding and embedded
// whitespace is removed and hex digits are upper-cased. Ledger rows and
// directory lookups both use this form.
func NormalizeCardID(cardID string) string {
	return strings.ToUpper(strings.Join(strings.Fields(cardID), ""))
}
