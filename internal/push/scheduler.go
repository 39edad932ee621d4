package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/tapledger/internal/attendance"
	"github.com/dukerupert/tapledger/internal/model"
	"github.com/dukerupert/tapledger/internal/store"
)

const (
	// digestNames caps the names listed in a push body; email lists everyone.
	digestNames     = 5
	sentRetention   = 30 * 24 * time.Hour
	defaultInterval = time.Minute
)

// Mailer delivers the digest by email.
type Mailer interface {
	SendDigest(ctx context.Context, subject, textBody string) error
}

// DayLister reads one attendance date from the ledger.
type DayLister interface {
	ListByDate(ctx context.Context, date string) ([]model.AttendanceDay, error)
}

// Scheduler sends a daily digest of workers who checked in but have not
// checked out, once the configured local hour has passed.
type Scheduler struct {
	service  *Service
	subs     *store.PushStore
	ledger   DayLister
	policy   attendance.DayPolicy
	mailer   Mailer
	hour     int
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a digest scheduler. service and mailer may each be
// nil or unconfigured; the digest goes to whichever channels are available.
func NewScheduler(svc *Service, subs *store.PushStore, ledger DayLister, policy attendance.DayPolicy, hour int, mailer Mailer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		service:  svc,
		subs:     subs,
		ledger:   ledger,
		policy:   policy,
		mailer:   mailer,
		hour:     hour,
		interval: defaultInterval,
		logger:   logger,
	}
}

// Enabled reports whether any delivery channel is configured.
func (s *Scheduler) Enabled() bool {
	return s.service.Configured() || s.mailer != nil
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.policy.LocalNow()
	if now.Hour() < s.hour {
		return
	}
	date := now.Format(attendance.DateLayout)
	if _, err := s.RunDigest(ctx, date); err != nil {
		s.logger.Error("pending checkout digest", "date", date, "error", err)
		return
	}
	if err := s.subs.CleanupSent(ctx, now.Add(-sentRetention)); err != nil {
		s.logger.Warn("cleanup sent notifications", "error", err)
	}
}

// RunDigest sends the pending check-out digest for date and returns how many
// workers it listed. Nothing is sent when nobody is pending, and each date's
// digest is sent at most once.
func (s *Scheduler) RunDigest(ctx context.Context, date string) (int, error) {
	days, err := s.ledger.ListByDate(ctx, date)
	if err != nil {
		return 0, err
	}
	var pending []model.AttendanceDay
	for _, d := range days {
		if attendance.IsPendingCheckout(d) {
			pending = append(pending, d)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	claimed, err := s.subs.ClaimSent(ctx, model.NotifTypePendingCheckout, date)
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, nil
	}

	var errs []error
	if s.service.Configured() {
		if err := s.pushDigest(ctx, date, pending); err != nil {
			errs = append(errs, err)
		}
	}
	if s.mailer != nil {
		subject := fmt.Sprintf("Pending check-outs for %s", date)
		if err := s.mailer.SendDigest(ctx, subject, digestText(date, pending)); err != nil {
			errs = append(errs, fmt.Errorf("mail digest: %w", err))
		}
	}

	s.logger.Info("pending checkout digest sent", "date", date, "pending", len(pending), "errors", len(errs))
	return len(pending), errors.Join(errs...)
}

func (s *Scheduler) pushDigest(ctx context.Context, date string, pending []model.AttendanceDay) error {
	subs, err := s.subs.List(ctx)
	if err != nil {
		return err
	}

	payload := Payload{
		Title: "Pending check-outs",
		Body:  digestBody(date, pending),
		URL:   "/api/attendance?date=" + date,
		Tag:   "pending-checkout-" + date,
	}
	for _, sub := range subs {
		if err := s.service.Send(ctx, &sub, payload); err != nil {
			if errors.Is(err, ErrExpired) {
				if err := s.subs.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
					s.logger.Warn("delete expired subscription", "id", sub.ID, "error", err)
				}
				continue
			}
			s.logger.Warn("send digest push", "id", sub.ID, "error", err)
		}
	}
	return nil
}

func label(d model.AttendanceDay) string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.CardID
}

func digestBody(date string, pending []model.AttendanceDay) string {
	names := make([]string, 0, digestNames)
	for i, d := range pending {
		if i == digestNames {
			break
		}
		names = append(names, label(d))
	}
	body := fmt.Sprintf("%d still checked in on %s: %s", len(pending), date, strings.Join(names, ", "))
	if extra := len(pending) - len(names); extra > 0 {
		body += fmt.Sprintf(" and %d more", extra)
	}
	return body
}

func digestText(date string, pending []model.AttendanceDay) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d workers checked in on %s have not checked out:\n\n", len(pending), date)
	for _, d := range pending {
		in := ""
		if d.CheckInTime != nil {
			in = *d.CheckInTime
		}
		fmt.Fprintf(&b, "%s (%s) in at %s, %d tap(s)\n", label(d), d.CardID, in, d.TapCount)
	}
	return b.String()
}
