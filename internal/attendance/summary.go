package attendance

import (
	"sort"

	"github.com/dukerupert/tapledger/internal/model"
)

// IsPendingCheckout reports whether d is checked in and has never recorded
// a check-out.
func IsPendingCheckout(d model.AttendanceDay) bool {
	return d.IsCheckedIn && d.CheckOutTime == nil
}

// Summarize counts the rows for one date. Rows for other dates are not
// filtered out; callers pass a single day's rows.
func Summarize(date string, days []model.AttendanceDay) model.Summary {
	s := model.Summary{Date: date}
	for _, d := range days {
		s.Total++
		if d.IsCheckedIn {
			s.CheckedIn++
			if IsPendingCheckout(d) {
				s.PendingCheckout++
			}
		} else {
			s.CheckedOut++
		}
	}
	return s
}

// SummarizeRange groups rows by attendance date and returns one summary per
// date present, in ascending date order.
func SummarizeRange(days []model.AttendanceDay) []model.Summary {
	byDate := make(map[string][]model.AttendanceDay)
	for _, d := range days {
		byDate[d.AttendanceDate] = append(byDate[d.AttendanceDate], d)
	}

	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	summaries := make([]model.Summary, 0, len(dates))
	for _, date := range dates {
		summaries = append(summaries, Summarize(date, byDate[date]))
	}
	return summaries
}
