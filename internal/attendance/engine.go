package attendance

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/dukerupert/tapledger/internal/model"
	"github.com/dukerupert/tapledger/internal/store"
)

// Action is the effect a tap had on the day's record.
type Action string

const (
	ActionCheckIn  Action = "check_in"
	ActionCheckOut Action = "check_out"
	ActionIgnored  Action = "ignored"
)

// maxAttempts bounds the re-read-and-retry loop on write conflicts.
const maxAttempts = 5

// Result describes the outcome of reconciling one tap.
type Result struct {
	Action      Action               `json:"action"`
	WorkerLabel string               `json:"worker_label"`
	Date        string               `json:"attendance_date"`
	TimeOfDay   string               `json:"time_of_day"`
	Duplicate   bool                 `json:"duplicate"`
	Day         *model.AttendanceDay `json:"record"`
}

// LedgerStore runs ledger work atomically.
type LedgerStore interface {
	InTx(ctx context.Context, fn func(store.Ledger) error) error
}

// IdentityResolver maps a card id to a display label.
type IdentityResolver interface {
	Resolve(ctx context.Context, cardID, hint string) (string, error)
}

// Engine applies the tap-parity state machine to the daily ledger.
type Engine struct {
	store     LedgerStore
	resolver  IdentityResolver
	policy    DayPolicy
	precision time.Duration
	logger    *slog.Logger
}

// NewEngine creates an Engine. precision is the granularity at which two
// events with the same card and device are considered the same delivery;
// zero compares exact timestamps.
func NewEngine(st LedgerStore, resolver IdentityResolver, policy DayPolicy, precision time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		resolver:  resolver,
		policy:    policy,
		precision: precision,
		logger:    logger,
	}
}

// Policy returns the day policy the engine attributes taps with.
func (e *Engine) Policy() DayPolicy {
	return e.policy
}

// NormalizeCardID canonicalises a device-reported card id. See
// model.NormalizeCardID.
func NormalizeCardID(cardID string) string {
	return model.NormalizeCardID(cardID)
}

// Fingerprint identifies one physical tap across redeliveries.
func Fingerprint(ev model.TapEvent, precision time.Duration) string {
	ts := ev.Timestamp.UTC()
	if precision > 0 {
		ts = ts.Truncate(precision)
	}
	sum := blake2b.Sum256([]byte(ev.CardID + "\x00" + ev.DeviceID + "\x00" + ts.Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// Reconcile records ev in the ledger and reports what it did. Replaying an
// event that was already applied leaves the ledger unchanged.
func (e *Engine) Reconcile(ctx context.Context, ev model.TapEvent) (Result, error) {
	ev.CardID = NormalizeCardID(ev.CardID)
	if ev.CardID == "" {
		return Result{}, fmt.Errorf("%w: missing card id", ErrMalformedEvent)
	}
	if ev.Timestamp.IsZero() {
		return Result{}, fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	if ev.Kind == "" {
		ev.Kind = model.DefaultEventKind
	}

	date, timeOfDay := e.policy.Split(ev.Timestamp)
	label, err := e.resolver.Resolve(ctx, ev.CardID, ev.NameHint)
	if err != nil {
		return Result{}, err
	}
	fp := Fingerprint(ev, e.precision)

	var res Result
	for attempt := 1; ; attempt++ {
		res = Result{WorkerLabel: label, Date: date, TimeOfDay: timeOfDay}
		err = e.store.InTx(ctx, func(l store.Ledger) error {
			return e.apply(ctx, l, ev, fp, &res)
		})
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		if attempt == maxAttempts {
			return Result{}, fmt.Errorf("reconcile card %s on %s after %d attempts: %w", ev.CardID, date, attempt, err)
		}
		e.logger.Debug("write conflict, retrying", "card_id", ev.CardID, "date", date, "attempt", attempt)
	}
	if err != nil {
		return Result{}, fmt.Errorf("reconcile card %s on %s: %w", ev.CardID, date, err)
	}

	e.logger.Info("tap reconciled",
		"card_id", ev.CardID,
		"device_id", ev.DeviceID,
		"date", date,
		"time", timeOfDay,
		"action", res.Action,
		"duplicate", res.Duplicate,
	)
	return res, nil
}

func (e *Engine) apply(ctx context.Context, l store.Ledger, ev model.TapEvent, fp string, res *Result) error {
	fresh, err := l.MarkSeen(ctx, fp, ev.CardID, res.Date)
	if err != nil {
		return err
	}
	existing, err := l.FindOne(ctx, ev.CardID, res.Date)
	if err != nil {
		return err
	}

	if !fresh {
		res.Action = ActionIgnored
		res.Duplicate = true
		res.Day = existing
		return nil
	}

	now := e.policy.now()
	timeOfDay := res.TimeOfDay

	if existing == nil {
		day := &model.AttendanceDay{
			CardID:         ev.CardID,
			DisplayName:    res.WorkerLabel,
			DeviceID:       ev.DeviceID,
			EventKind:      ev.Kind,
			AttendanceDate: res.Date,
			CheckInTime:    &timeOfDay,
			FirstTapAt:     ev.Timestamp,
			LastTapAt:      ev.Timestamp,
			TapCount:       1,
			IsCheckedIn:    true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := l.Insert(ctx, day); err != nil {
			return err
		}
		res.Action = ActionCheckIn
		res.Day = day
		return nil
	}

	day := *existing
	prev := day.TapCount
	day.TapCount++
	day.IsCheckedIn = day.TapCount%2 == 1
	day.UpdatedAt = now

	switch {
	case day.TapCount == 2 && ev.Timestamp.Before(day.FirstTapAt):
		// The check-out tap was delivered first; swap so check-in precedes check-out.
		day.CheckOutTime = day.CheckInTime
		day.CheckInTime = &timeOfDay
		day.FirstTapAt = ev.Timestamp
		res.Action = ActionCheckOut
	case day.TapCount == 2:
		day.CheckOutTime = &timeOfDay
		day.LastTapAt = ev.Timestamp
		res.Action = ActionCheckOut
	default:
		if ev.Timestamp.After(day.LastTapAt) {
			day.LastTapAt = ev.Timestamp
		}
		res.Action = ActionIgnored
	}

	if err := l.Update(ctx, &day, prev); err != nil {
		return err
	}
	res.Day = &day
	return nil
}
