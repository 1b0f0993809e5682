package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// ArchiveScheduler runs the cold-storage archiver on a cron schedule. Each
// run exports orders, fills, and candles older than the retention window
// to S3.
type ArchiveScheduler struct {
	archiver      domain.Archiver
	retentionDays int
	cronExpr      string
	logger        *slog.Logger
}

// NewArchiveScheduler builds the scheduler. cronExpr uses the standard
// 5-field format; "0 3 1 * *" runs at 03:00 on the 1st of every month.
func NewArchiveScheduler(archiver domain.Archiver, retentionDays int, cronExpr string, logger *slog.Logger) *ArchiveScheduler {
	return &ArchiveScheduler{
		archiver:      archiver,
		retentionDays: retentionDays,
		cronExpr:      cronExpr,
		logger:        logger.With(slog.String("component", "archive_scheduler")),
	}
}

// RunOnce executes a single archive pass against the retention cutoff.
func (s *ArchiveScheduler) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	s.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", s.retentionDays),
	)

	orders, err := s.archiver.ArchiveOrders(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving orders before %v: %w", cutoff, err)
	}
	fills, err := s.archiver.ArchiveFills(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving fills before %v: %w", cutoff, err)
	}
	candles, err := s.archiver.ArchiveCandles(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving candles before %v: %w", cutoff, err)
	}

	s.logger.Info("archive run complete",
		slog.Int64("orders", orders),
		slog.Int64("fills", fills),
		slog.Int64("candles", candles),
	)
	return nil
}

// Run sleeps until each cron trigger and executes a pass, until the
// context is cancelled.
func (s *ArchiveScheduler) Run(ctx context.Context) error {
	s.logger.Info("archive cron started", slog.String("cron", s.cronExpr))

	for {
		next, err := nextCronTime(s.cronExpr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", s.cronExpr, err)
		}

		timer := time.NewTimer(time.Until(next))
		s.logger.Info("archive waiting for next trigger", slog.Time("next_run", next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("archive run failed", slog.Any("error", err))
			}
		}
	}
}

// cronField is one parsed cron field.
type cronField struct {
	wildcard bool
	values   []int
}

func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single field ("0", "*", "1,15").
func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	minute, err := parseCronField(fields[0])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing minute field: %w", err)
	}
	hour, err := parseCronField(fields[1])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing hour field: %w", err)
	}
	dayOfMonth, err := parseCronField(fields[2])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing month field: %w", err)
	}
	dayOfWeek, err := parseCronField(fields[4])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-week field: %w", err)
	}

	return parsedCron{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
	}, nil
}

// nextCronTime finds the first minute after 'after' matching the
// expression, searching up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
