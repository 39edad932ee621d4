package model

import "time"

// DefaultEventKind is used when a device does not report an event type.
const DefaultEventKind = "tap"

// TapEvent is one badge presentation as reported by a field device.
type TapEvent struct {
	DeviceID  string
	Timestamp time.Time
	Kind      string
	CardID    string
	NameHint  string
}

// AttendanceDay is the ledger row for one (card id, attendance date) key.
// CheckInTime and CheckOutTime are "15:04:05" time-of-day strings.
type AttendanceDay struct {
	ID             int64     `json:"id"`
	CardID         string    `json:"card_id"`
	DisplayName    string    `json:"display_name"`
	DeviceID       string    `json:"device_id"`
	EventKind      string    `json:"event_kind"`
	AttendanceDate string    `json:"attendance_date"`
	CheckInTime    *string   `json:"check_in_time"`
	CheckOutTime   *string   `json:"check_out_time"`
	FirstTapAt     time.Time `json:"first_tap_at"`
	LastTapAt      time.Time `json:"last_tap_at"`
	TapCount       int       `json:"tap_count"`
	IsCheckedIn    bool      `json:"is_checked_in"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LiveAttendance is a ledger row joined with the worker directory.
// WorkerID is nil when the card is not mapped to any worker.
type LiveAttendance struct {
	AttendanceDay
	WorkerID     *int64 `json:"worker_id"`
	WorkerName   string `json:"worker_name"`
	WorkerActive bool   `json:"worker_active"`
}

// Summary holds the attendance counts for one date.
type Summary struct {
	Date            string `json:"date"`
	Total           int    `json:"total"`
	CheckedIn       int    `json:"checked_in"`
	CheckedOut      int    `json:"checked_out"`
	PendingCheckout int    `json:"pending_checkout"`
}
