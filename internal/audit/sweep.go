// Package audit periodically checks the history ledger for items that hold
// more than one open entry.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/stagetrack/internal/observability"
	"github.com/pitabwire/stagetrack/model"
)

// Source is the part of the workflow store the sweep reads.
type Source interface {
	FindLedgerAnomalies(ctx context.Context) ([]model.LedgerAnomaly, error)
	LongestOpenEntries(ctx context.Context, organizationID string, limit int) ([]model.HistoryEntry, error)
}

// Recorder receives sweep results.
type Recorder interface {
	RecordAudit(anomalies int, longestOpen time.Duration)
	RecordAuditFailure()
}

type nopRecorder struct{}

func (nopRecorder) RecordAudit(int, time.Duration) {}
func (nopRecorder) RecordAuditFailure()            {}

// Report summarizes one sweep.
type Report struct {
	Anomalies   []model.LedgerAnomaly
	LongestOpen time.Duration
	FinishedAt  time.Time
}

// Sweeper runs the ledger audit on a cron schedule.
type Sweeper struct {
	source   Source
	recorder Recorder
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	last    *Report
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(s *Sweeper) { s.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithTimeout bounds a single sweep.
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSweeper creates a sweeper over source. The schedule uses the standard
// five-field cron syntax or descriptors such as "@every 5m".
func NewSweeper(source Source, schedule string, opts ...Option) (*Sweeper, error) {
	s := &Sweeper{
		source:   source,
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		timeout:  time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(schedule, s.runScheduled); err != nil {
		return nil, fmt.Errorf("audit: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("audit: sweeper already running")
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("ledger audit scheduled", zap.Time("next_run", s.nextRun()))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("ledger audit still running at shutdown")
	}
}

// LastReport returns the most recent sweep result, or nil before the first.
func (s *Sweeper) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.Run(ctx); err != nil {
		s.logger.Error("ledger audit failed", zap.Error(err))
	}
}

// Run performs one sweep. Every anomaly is logged as a data-integrity alert.
func (s *Sweeper) Run(ctx context.Context) (report *Report, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanAudit)
	defer func() { observability.EndSpanWithError(span, err) }()

	anomalies, err := s.source.FindLedgerAnomalies(ctx)
	if err != nil {
		s.recorder.RecordAuditFailure()
		return nil, fmt.Errorf("audit: finding anomalies: %w", err)
	}
	oldest, err := s.source.LongestOpenEntries(ctx, "", 1)
	if err != nil {
		s.recorder.RecordAuditFailure()
		return nil, fmt.Errorf("audit: finding open entries: %w", err)
	}
	span.SetAttributes(observability.AttrAnomalies.Int(len(anomalies)))

	now := s.now()
	report = &Report{Anomalies: anomalies, FinishedAt: now}
	if len(oldest) > 0 {
		report.LongestOpen = now.Sub(oldest[0].EnteredAt)
	}

	for _, a := range anomalies {
		s.logger.Error("item holds more than one open history entry",
			zap.String("alert", "data_integrity"),
			zap.String("organization_id", a.OrganizationID),
			zap.String("item_id", a.ItemID),
			zap.Int("open_entries", a.OpenEntries),
		)
	}
	s.recorder.RecordAudit(len(anomalies), report.LongestOpen)
	s.logger.Info("ledger audit finished",
		zap.Int("anomalies", len(anomalies)),
		zap.Duration("longest_open", report.LongestOpen),
	)

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

func (s *Sweeper) nextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
