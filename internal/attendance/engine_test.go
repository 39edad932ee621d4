package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/tapledger/internal/database"
	"github.com/dukerupert/tapledger/internal/model"
	"github.com/dukerupert/tapledger/internal/store"
)

var fixedNow = time.Date(2025, 10, 23, 12, 0, 0, 0, time.UTC)

func testPolicy() DayPolicy {
	return NewDayPolicy(nil, ClockFunc(func() time.Time { return fixedNow }))
}

func setupEngine(t *testing.T) (*Engine, *store.AttendanceStore, *store.WorkerStore) {
	t.Helper()
	return setupEngineAt(t, ":memory:")
}

// setupEngineAt opens the ledger at path. A file path gives the pool several
// connections, so concurrent writers really contend.
func setupEngineAt(t *testing.T, path string) (*Engine, *store.AttendanceStore, *store.WorkerStore) {
	t.Helper()
	db, err := database.Open(path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	as := store.NewAttendanceStore(db)
	ws := store.NewWorkerStore(db)
	engine := NewEngine(as, NewResolver(ws), testPolicy(), time.Second, slog.Default())
	return engine, as, ws
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func tap(t *testing.T, card, ts string) model.TapEvent {
	return model.TapEvent{
		DeviceID:  "gate-1",
		Timestamp: mustTime(t, ts),
		CardID:    card,
		NameHint:  "Device Label",
	}
}

func TestReconcileScenarios(t *testing.T) {
	engine, as, ws := setupEngine(t)
	ctx := context.Background()
	card := "57664B63"
	if _, err := ws.Create(ctx, "Asha Rao", &card, true); err != nil {
		t.Fatalf("create worker: %v", err)
	}

	// A: first tap checks in.
	res, err := engine.Reconcile(ctx, tap(t, card, "2025-10-23T09:00:00+05:30"))
	if err != nil {
		t.Fatalf("scenario A: %v", err)
	}
	if res.Action != ActionCheckIn {
		t.Errorf("A action = %q, want %q", res.Action, ActionCheckIn)
	}
	if res.WorkerLabel != "Asha Rao" {
		t.Errorf("A label = %q, want %q", res.WorkerLabel, "Asha Rao")
	}
	if res.Date != "2025-10-23" || res.TimeOfDay != "09:00:00" {
		t.Errorf("A date/time = %s %s, want 2025-10-23 09:00:00", res.Date, res.TimeOfDay)
	}
	day, _ := as.FindOne(ctx, card, "2025-10-23")
	if day == nil {
		t.Fatal("A: expected row")
	}
	if day.TapCount != 1 || !day.IsCheckedIn {
		t.Errorf("A tap_count = %d checked_in = %v, want 1 true", day.TapCount, day.IsCheckedIn)
	}
	if day.CheckInTime == nil || *day.CheckInTime != "09:00:00" {
		t.Errorf("A check_in_time = %v, want 09:00:00", day.CheckInTime)
	}
	if day.CheckOutTime != nil {
		t.Errorf("A check_out_time = %v, want nil", *day.CheckOutTime)
	}
	if day.DisplayName != "Asha Rao" || day.DeviceID != "gate-1" || day.EventKind != "tap" {
		t.Errorf("A snapshot = %q %q %q", day.DisplayName, day.DeviceID, day.EventKind)
	}
	rowID := day.ID

	// B: second tap checks out.
	res, err = engine.Reconcile(ctx, tap(t, card, "2025-10-23T17:30:00+05:30"))
	if err != nil {
		t.Fatalf("scenario B: %v", err)
	}
	if res.Action != ActionCheckOut {
		t.Errorf("B action = %q, want %q", res.Action, ActionCheckOut)
	}
	day, _ = as.FindOne(ctx, card, "2025-10-23")
	if day.ID != rowID {
		t.Errorf("B row id = %d, want same row %d", day.ID, rowID)
	}
	if day.TapCount != 2 || day.IsCheckedIn {
		t.Errorf("B tap_count = %d checked_in = %v, want 2 false", day.TapCount, day.IsCheckedIn)
	}
	if day.CheckOutTime == nil || *day.CheckOutTime != "17:30:00" {
		t.Errorf("B check_out_time = %v, want 17:30:00", day.CheckOutTime)
	}
	lastB := day.LastTapAt

	// C: third tap is recorded but ignored.
	res, err = engine.Reconcile(ctx, tap(t, card, "2025-10-23T18:05:00+05:30"))
	if err != nil {
		t.Fatalf("scenario C: %v", err)
	}
	if res.Action != ActionIgnored || res.Duplicate {
		t.Errorf("C action = %q duplicate = %v, want ignored false", res.Action, res.Duplicate)
	}
	day, _ = as.FindOne(ctx, card, "2025-10-23")
	if day.TapCount != 3 {
		t.Errorf("C tap_count = %d, want 3", day.TapCount)
	}
	if !day.LastTapAt.After(lastB) {
		t.Errorf("C last_tap_at = %v, want after %v", day.LastTapAt, lastB)
	}
	if *day.CheckInTime != "09:00:00" || *day.CheckOutTime != "17:30:00" {
		t.Errorf("C times = %s %s, want unchanged", *day.CheckInTime, *day.CheckOutTime)
	}

	// D: correction removes the row.
	corrector := NewCorrector(NewResolver(ws), as, slog.Default())
	n, err := corrector.Clear(ctx, card, "2025-10-23")
	if err != nil {
		t.Fatalf("scenario D: %v", err)
	}
	if n != 1 {
		t.Errorf("D deleted = %d, want 1", n)
	}
	rows, err := as.ListByCard(ctx, card, "2025-10-23", "2025-10-23")
	if err != nil {
		t.Fatalf("D list: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("D rows = %d, want 0", len(rows))
	}
}

func TestReconcileParity(t *testing.T) {
	for n := 1; n <= 6; n++ {
		t.Run(fmt.Sprintf("taps=%d", n), func(t *testing.T) {
			engine, as, _ := setupEngine(t)
			ctx := context.Background()
			start := mustTime(t, "2025-10-23T08:00:00+05:30")

			for i := 0; i < n; i++ {
				ev := model.TapEvent{DeviceID: "gate-1", CardID: "AB12", Timestamp: start.Add(time.Duration(i) * time.Hour)}
				if _, err := engine.Reconcile(ctx, ev); err != nil {
					t.Fatalf("tap %d: %v", i+1, err)
				}
			}

			day, err := as.FindOne(ctx, "AB12", "2025-10-23")
			if err != nil || day == nil {
				t.Fatalf("find: %v %v", day, err)
			}
			if day.TapCount != n {
				t.Errorf("tap_count = %d, want %d", day.TapCount, n)
			}
			if day.IsCheckedIn != (n%2 == 1) {
				t.Errorf("checked_in = %v, want %v", day.IsCheckedIn, n%2 == 1)
			}
			if day.CheckInTime == nil {
				t.Error("check_in_time should be set")
			}
			if (day.CheckOutTime != nil) != (n >= 2) {
				t.Errorf("check_out_time set = %v, want %v", day.CheckOutTime != nil, n >= 2)
			}
		})
	}
}

func TestReconcileReplayIsIdempotent(t *testing.T) {
	engine, as, _ := setupEngine(t)
	ctx := context.Background()
	ev := tap(t, "57664B63", "2025-10-23T09:00:00+05:30")

	first, err := engine.Reconcile(ctx, ev)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Redelivery within the fingerprint precision is the same tap.
	replay := ev
	replay.Timestamp = ev.Timestamp.Add(300 * time.Millisecond)
	second, err := engine.Reconcile(ctx, replay)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if first.Duplicate {
		t.Error("first delivery flagged as duplicate")
	}
	if !second.Duplicate || second.Action != ActionIgnored {
		t.Errorf("redelivery action = %q duplicate = %v, want ignored true", second.Action, second.Duplicate)
	}
	if second.Day == nil || second.Day.TapCount != 1 {
		t.Errorf("redelivery record = %+v, want tap_count 1", second.Day)
	}

	day, _ := as.FindOne(ctx, "57664B63", "2025-10-23")
	if day.TapCount != 1 {
		t.Errorf("tap_count = %d, want 1", day.TapCount)
	}
}

func TestReconcileReplayAfterLaterTap(t *testing.T) {
	engine, as, _ := setupEngine(t)
	ctx := context.Background()
	in := tap(t, "57664B63", "2025-10-23T09:00:00+05:30")
	out := tap(t, "57664B63", "2025-10-23T17:30:00+05:30")

	for _, ev := range []model.TapEvent{in, out, in, out} {
		if _, err := engine.Reconcile(ctx, ev); err != nil {
			t.Fatalf("reconcile: %v", err)
		}
	}

	day, _ := as.FindOne(ctx, "57664B63", "2025-10-23")
	if day.TapCount != 2 {
		t.Errorf("tap_count = %d, want 2", day.TapCount)
	}
}

func TestReconcileOutOfOrderPair(t *testing.T) {
	engine, as, _ := setupEngine(t)
	ctx := context.Background()

	if _, err := engine.Reconcile(ctx, tap(t, "57664B63", "2025-10-23T17:30:00+05:30")); err != nil {
		t.Fatalf("late tap: %v", err)
	}
	res, err := engine.Reconcile(ctx, tap(t, "57664B63", "2025-10-23T09:00:00+05:30"))
	if err != nil {
		t.Fatalf("early tap: %v", err)
	}
	if res.Action != ActionCheckOut {
		t.Errorf("action = %q, want %q", res.Action, ActionCheckOut)
	}

	day, _ := as.FindOne(ctx, "57664B63", "2025-10-23")
	if *day.CheckInTime != "09:00:00" || *day.CheckOutTime != "17:30:00" {
		t.Errorf("times = %s %s, want 09:00:00 17:30:00", *day.CheckInTime, *day.CheckOutTime)
	}
	if !day.FirstTapAt.Before(day.LastTapAt) {
		t.Errorf("first_tap_at %v should precede last_tap_at %v", day.FirstTapAt, day.LastTapAt)
	}
}

func TestReconcileDateFromEventNotClock(t *testing.T) {
	engine, as, _ := setupEngine(t)
	ctx := context.Background()

	// The clock says 2025-10-23 but the tap happened late on the 20th.
	res, err := engine.Reconcile(ctx, tap(t, "57664B63", "2025-10-20T23:45:10+05:30"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Date != "2025-10-20" || res.TimeOfDay != "23:45:10" {
		t.Errorf("date/time = %s %s, want 2025-10-20 23:45:10", res.Date, res.TimeOfDay)
	}
	if day, _ := as.FindOne(ctx, "57664B63", "2025-10-20"); day == nil {
		t.Error("expected row on the event's date")
	}
}

func TestReconcileConfiguredTimezone(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	loc := time.FixedZone("UTC+8", 8*3600)
	engine := NewEngine(store.NewAttendanceStore(db), NewResolver(store.NewWorkerStore(db)),
		NewDayPolicy(loc, ClockFunc(func() time.Time { return fixedNow })), time.Second, slog.Default())

	res, err := engine.Reconcile(context.Background(), tap(t, "57664B63", "2025-10-23T20:30:00+05:30"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Date != "2025-10-23" || res.TimeOfDay != "23:00:00" {
		t.Errorf("date/time = %s %s, want 2025-10-23 23:00:00", res.Date, res.TimeOfDay)
	}
}

func TestReconcileUnmappedCardUsesHint(t *testing.T) {
	engine, as, _ := setupEngine(t)
	ctx := context.Background()

	ev := tap(t, " 57 66 4b 63 ", "2025-10-23T09:00:00+05:30")
	ev.NameHint = "Visitor 12"
	res, err := engine.Reconcile(ctx, ev)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.WorkerLabel != "Visitor 12" {
		t.Errorf("label = %q, want %q", res.WorkerLabel, "Visitor 12")
	}
	day, _ := as.FindOne(ctx, "57664B63", "2025-10-23")
	if day == nil {
		t.Fatal("expected row under the normalized card id")
	}
	if day.DisplayName != "Visitor 12" {
		t.Errorf("display_name = %q, want %q", day.DisplayName, "Visitor 12")
	}
}

func TestReconcileMalformed(t *testing.T) {
	engine, as, _ := setupEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   model.TapEvent
	}{
		{"missing card", model.TapEvent{DeviceID: "gate-1", Timestamp: fixedNow}},
		{"blank card", model.TapEvent{DeviceID: "gate-1", CardID: "   ", Timestamp: fixedNow}},
		{"missing timestamp", model.TapEvent{DeviceID: "gate-1", CardID: "57664B63"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Reconcile(ctx, tt.ev)
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("err = %v, want ErrMalformedEvent", err)
			}
		})
	}

	rows, _ := as.ListRange(ctx, "", "")
	if len(rows) != 0 {
		t.Errorf("ledger has %d rows after malformed events, want 0", len(rows))
	}
}

func TestReconcileConcurrentFirstTaps(t *testing.T) {
	engine, as, _ := setupEngine(t)
	checkConcurrentFirstTaps(t, engine, as, 8)
}

func TestReconcileConcurrentFirstTapsFileDB(t *testing.T) {
	engine, as, _ := setupEngineAt(t, filepath.Join(t.TempDir(), "ledger.db"))
	checkConcurrentFirstTaps(t, engine, as, 30)
}

func checkConcurrentFirstTaps(t *testing.T, engine *Engine, as *store.AttendanceStore, m int) {
	t.Helper()
	ctx := context.Background()
	start := mustTime(t, "2025-10-23T09:00:00+05:30")

	var wg sync.WaitGroup
	results := make(chan Result, m)
	errs := make(chan error, m)
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Reconcile(ctx, model.TapEvent{
				DeviceID:  fmt.Sprintf("gate-%d", i),
				CardID:    "57664B63",
				Timestamp: start.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("reconcile: %v", err)
	}
	checkIns := 0
	for res := range results {
		if res.Action == ActionCheckIn {
			checkIns++
		}
	}
	if checkIns != 1 {
		t.Errorf("check_in results = %d, want 1", checkIns)
	}

	rows, _ := as.ListByDate(ctx, "2025-10-23")
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].TapCount != m {
		t.Errorf("tap_count = %d, want %d", rows[0].TapCount, m)
	}
}

func TestReconcileConcurrentDuplicates(t *testing.T) {
	engine, as, _ := setupEngine(t)
	ctx := context.Background()
	ev := tap(t, "57664B63", "2025-10-23T09:00:00+05:30")
	const m = 6

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.Reconcile(ctx, ev)
			if err != nil {
				t.Errorf("reconcile: %v", err)
				return
			}
			if !res.Duplicate {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("non-duplicate deliveries = %d, want 1", fresh)
	}
	day, _ := as.FindOne(ctx, "57664B63", "2025-10-23")
	if day == nil || day.TapCount != 1 {
		t.Errorf("record = %+v, want tap_count 1", day)
	}
}

// fakeLedger is an in-memory LedgerStore. InTx rolls back fingerprints when
// fn fails; Insert and Update only mutate on success.
type fakeLedger struct {
	mu          sync.Mutex
	rows        map[string]model.AttendanceDay
	seen        map[string]bool
	beforeWrite func(f *fakeLedger)
	updateErr   error
	alwaysRace  bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]model.AttendanceDay{}, seen: map[string]bool{}}
}

func (f *fakeLedger) InTx(ctx context.Context, fn func(store.Ledger) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := make(map[string]bool, len(f.seen))
	for k, v := range f.seen {
		saved[k] = v
	}
	if err := fn(f); err != nil {
		f.seen = saved
		return err
	}
	return nil
}

func (f *fakeLedger) FindOne(ctx context.Context, cardID, date string) (*model.AttendanceDay, error) {
	if f.alwaysRace {
		return nil, nil
	}
	d, ok := f.rows[cardID+"/"+date]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (f *fakeLedger) Insert(ctx context.Context, day *model.AttendanceDay) error {
	if f.beforeWrite != nil {
		hook := f.beforeWrite
		f.beforeWrite = nil
		hook(f)
	}
	key := day.CardID + "/" + day.AttendanceDate
	if _, ok := f.rows[key]; ok || f.alwaysRace {
		return store.ErrConflict
	}
	day.ID = int64(len(f.rows) + 1)
	f.rows[key] = *day
	return nil
}

func (f *fakeLedger) Update(ctx context.Context, day *model.AttendanceDay, prev int) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	key := day.CardID + "/" + day.AttendanceDate
	if f.rows[key].TapCount != prev {
		return store.ErrConflict
	}
	f.rows[key] = *day
	return nil
}

func (f *fakeLedger) MarkSeen(ctx context.Context, fingerprint, cardID, date string) (bool, error) {
	if f.seen[fingerprint] {
		return false, nil
	}
	f.seen[fingerprint] = true
	return true, nil
}

type staticResolver struct {
	label string
	err   error
}

func (r staticResolver) Resolve(ctx context.Context, cardID, hint string) (string, error) {
	return r.label, r.err
}

func TestReconcileLosesCreateRaceThenUpdates(t *testing.T) {
	fake := newFakeLedger()
	checkIn := "08:59:00"
	fake.beforeWrite = func(f *fakeLedger) {
		// Another writer creates the row between our read and our insert.
		f.rows["57664B63/2025-10-23"] = model.AttendanceDay{
			ID: 99, CardID: "57664B63", AttendanceDate: "2025-10-23",
			CheckInTime: &checkIn, TapCount: 1, IsCheckedIn: true,
			FirstTapAt: mustTime(t, "2025-10-23T08:59:00+05:30"),
			LastTapAt:  mustTime(t, "2025-10-23T08:59:00+05:30"),
		}
	}
	engine := NewEngine(fake, staticResolver{label: "Asha"}, testPolicy(), time.Second, slog.Default())

	res, err := engine.Reconcile(context.Background(), tap(t, "57664B63", "2025-10-23T09:00:00+05:30"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Action != ActionCheckOut {
		t.Errorf("action = %q, want %q", res.Action, ActionCheckOut)
	}
	if got := fake.rows["57664B63/2025-10-23"]; got.ID != 99 || got.TapCount != 2 {
		t.Errorf("row = id %d tap_count %d, want id 99 tap_count 2", got.ID, got.TapCount)
	}
}

func TestReconcileGivesUpAfterRepeatedConflicts(t *testing.T) {
	fake := newFakeLedger()
	fake.alwaysRace = true
	engine := NewEngine(fake, staticResolver{label: "Asha"}, testPolicy(), time.Second, slog.Default())

	_, err := engine.Reconcile(context.Background(), tap(t, "57664B63", "2025-10-23T09:00:00+05:30"))
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestReconcileStoreFailureIsAtomic(t *testing.T) {
	fake := newFakeLedger()
	engine := NewEngine(fake, staticResolver{label: "Asha"}, testPolicy(), time.Second, slog.Default())
	ctx := context.Background()

	if _, err := engine.Reconcile(ctx, tap(t, "57664B63", "2025-10-23T09:00:00+05:30")); err != nil {
		t.Fatalf("first tap: %v", err)
	}

	diskFull := errors.New("disk full")
	fake.updateErr = diskFull
	second := tap(t, "57664B63", "2025-10-23T17:30:00+05:30")
	if _, err := engine.Reconcile(ctx, second); !errors.Is(err, diskFull) {
		t.Fatalf("err = %v, want disk full", err)
	}
	if got := fake.rows["57664B63/2025-10-23"]; got.TapCount != 1 {
		t.Errorf("tap_count = %d, want 1 after failed write", got.TapCount)
	}

	// The failed attempt left no fingerprint, so redelivery is applied.
	fake.updateErr = nil
	res, err := engine.Reconcile(ctx, second)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Duplicate || res.Action != ActionCheckOut {
		t.Errorf("redelivery action = %q duplicate = %v, want check_out false", res.Action, res.Duplicate)
	}
}

func TestReconcileResolverFailurePropagates(t *testing.T) {
	fake := newFakeLedger()
	lookupErr := errors.New("directory unavailable")
	engine := NewEngine(fake, staticResolver{err: lookupErr}, testPolicy(), time.Second, slog.Default())

	_, err := engine.Reconcile(context.Background(), tap(t, "57664B63", "2025-10-23T09:00:00+05:30"))
	if !errors.Is(err, lookupErr) {
		t.Fatalf("err = %v, want directory unavailable", err)
	}
	if len(fake.rows) != 0 || len(fake.seen) != 0 {
		t.Error("ledger touched despite resolver failure")
	}
}

func TestFingerprint(t *testing.T) {
	base := model.TapEvent{DeviceID: "gate-1", CardID: "57664B63", Timestamp: mustTime(t, "2025-10-23T09:00:00+05:30")}

	sameInstant := base
	sameInstant.Timestamp = base.Timestamp.UTC()
	if Fingerprint(base, time.Second) != Fingerprint(sameInstant, time.Second) {
		t.Error("same instant in another zone should fingerprint equal")
	}

	otherDevice := base
	otherDevice.DeviceID = "gate-2"
	if Fingerprint(base, time.Second) == Fingerprint(otherDevice, time.Second) {
		t.Error("different device should fingerprint differently")
	}

	later := base
	later.Timestamp = base.Timestamp.Add(400 * time.Millisecond)
	if Fingerprint(base, time.Second) != Fingerprint(later, time.Second) {
		t.Error("timestamps within precision should fingerprint equal")
	}
	if Fingerprint(base, 0) == Fingerprint(later, 0) {
		t.Error("zero precision should compare exact timestamps")
	}
}

func TestNormalizeCardID(t *testing.T) {
	tests := map[string]string{
		"57664b63":      "57664B63",
		" 57 66 4B 63 ": "57664B63",
		"":              "",
		"\t":            "",
	}
	for in, want := range tests {
		if got := NormalizeCardID(in); got != want {
			t.Errorf("NormalizeCardID(%q) = %q, want %q", in, got, want)
		}
	}
}
