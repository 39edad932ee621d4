package attendance

import "errors"

var (
	// ErrNotFound is returned when no active worker maps to a card id.
	ErrNotFound = errors.New("not found")

	// ErrMalformedEvent is returned for events that cannot be attributed
	// to a card and a day. The ledger is not touched.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrInvalidDate is returned for dates not in "2006-01-02" form.
	ErrInvalidDate = errors.New("invalid date")
)
