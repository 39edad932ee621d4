package attendance

import "time"

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// DayPolicy attributes instants to calendar dates.
//
// With a nil Location an event is attributed using the offset it carries,
// so a tap at 23:30+05:30 belongs to that local date. With a Location set,
// every event is first converted into that zone. "Today" always uses
// Location, falling back to UTC.
type DayPolicy struct {
	Location *time.Location
	Clock    Clock
}

// NewDayPolicy returns a policy using loc (may be nil) and clock.
func NewDayPolicy(loc *time.Location, clock Clock) DayPolicy {
	if clock == nil {
		clock = SystemClock()
	}
	return DayPolicy{Location: loc, Clock: clock}
}

// Split returns the attendance date and time of day for ts.
func (p DayPolicy) Split(ts time.Time) (date, timeOfDay string) {
	if p.Location != nil {
		ts = ts.In(p.Location)
	}
	return ts.Format(DateLayout), ts.Format(TimeLayout)
}

// Today returns the current attendance date.
func (p DayPolicy) Today() string {
	return p.LocalNow().Format(DateLayout)
}

// LocalNow returns the current time in Location, or UTC when none is set.
func (p DayPolicy) LocalNow() time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	return p.now().In(loc)
}

func (p DayPolicy) now() time.Time {
	if p.Clock == nil {
		return time.Now()
	}
	return p.Clock.Now()
}

// ParseDate validates a "2006-01-02" date string.
func ParseDate(s string) (string, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", err
	}
	return t.Format(DateLayout), nil
}
