// Package scheduler decides when each patient's weekly review starts.
//
// Coaching sessions reported by the extraction service set a patient's next
// review one interval after the session, pinned to the review hour. An hourly
// tick starts the opener for every patient due in the current hour and, once
// a day, asks the extraction service to process new session notes.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/internal/agent"
	"github.com/IvaBojic/GoalGuardian/internal/config"
	"github.com/IvaBojic/GoalGuardian/internal/dispatch"
	"github.com/IvaBojic/GoalGuardian/internal/metrics"
	"github.com/IvaBojic/GoalGuardian/internal/store"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Router starts an agent's stage without waiting for it.
type Router interface {
	RouteNext(ctx context.Context, patientID models.PatientID, turn int, target models.AgentName)
}

// Ingester triggers batch extraction of new coaching session notes.
type Ingester interface {
	Trigger(ctx context.Context) error
}

// Submitter runs a task in the background, e.g. a *dispatch.Pool.
type Submitter interface {
	Submit(t dispatch.Task) error
}

// dateLayouts are tried in order when parsing a session date. Layouts without
// a zone are read in the review timezone.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

const ingestKey = "\x00ingest"

// Scheduler owns the review schedule.
type Scheduler struct {
	schedule store.ScheduleStore
	router   Router
	ingester Ingester
	wf       config.WorkflowConfig
	loc      *time.Location
	metrics  *metrics.Metrics
	now      func() time.Time

	background    Submitter
	ingestTimeout time.Duration

	mu    sync.Mutex
	fired map[string]time.Time

	cron gocron.Scheduler
}

// TickReport summarizes one evaluation of the schedule.
type TickReport struct {
	Triggered []models.PatientID
	Ingested  bool
	IngestErr error
}

// New creates a scheduler. ingester and m may be nil.
func New(schedule store.ScheduleStore, router Router, ingester Ingester, wf config.WorkflowConfig, m *metrics.Metrics) (*Scheduler, error) {
	loc := wf.Location()
	cron, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{
		schedule: schedule,
		router:   router,
		ingester: ingester,
		wf:       wf,
		loc:      loc,
		metrics:  m,
		now:      time.Now,
		fired:    make(map[string]time.Time),
		cron:     cron,
	}, nil
}

// IngestInBackground makes Tick hand batch ingestion to sub instead of
// waiting for it. Each run is bounded by timeout.
func (s *Scheduler) IngestInBackground(sub Submitter, timeout time.Duration) {
	s.background = sub
	s.ingestTimeout = timeout
}

// ── Ingestion ───────────────────────────────────────────────

// IngestSessions schedules the next review of every patient in the batch.
// Any invalid entry rejects the whole batch and nothing is stored.
func (s *Scheduler) IngestSessions(ctx context.Context, sessions []models.SessionEntry) ([]models.ReviewEntry, error) {
	entries := make([]models.ReviewEntry, 0, len(sessions))
	for i, sess := range sessions {
		patientID := sess.Patient()
		if patientID == "" {
			return nil, &agent.ValidationError{Field: fmt.Sprintf("sessions[%d].patient_id", i), Reason: "required"}
		}
		date, err := s.parseDate(sess.Date)
		if err != nil {
			return nil, &agent.ValidationError{Field: fmt.Sprintf("sessions[%d].date", i), Reason: err.Error()}
		}
		entries = append(entries, models.ReviewEntry{PatientID: patientID, NextReviewTime: s.NextReview(date)})
	}

	if err := s.schedule.Put(ctx, entries); err != nil {
		return nil, fmt.Errorf("store review schedule: %w", err)
	}
	log.Info().Int("patients", len(entries)).Msg("Review schedule updated")
	return entries, nil
}

// NextReview returns the review slot one interval after a session.
func (s *Scheduler) NextReview(sessionDate time.Time) time.Time {
	d := sessionDate.In(s.loc).Add(s.wf.ReviewInterval)
	return time.Date(d.Year(), d.Month(), d.Day(), s.wf.ReviewHour, 0, 0, 0, s.loc)
}

func (s *Scheduler) parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("required")
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, s.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

// ── Tick ────────────────────────────────────────────────────

// Tick starts the reviews due in now's hour and, at the ingest hour, triggers
// batch ingestion. Each patient fires at most once per hour no matter how
// often Tick runs. A failure for one patient never blocks the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) TickReport {
	now = now.In(s.loc)
	var report TickReport

	entries, err := s.schedule.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load review schedule")
	}
	for _, e := range entries {
		if !sameHour(e.NextReviewTime.In(s.loc), now) || !s.markFired(e.PatientID, now) {
			continue
		}
		log.Info().Str("patient_id", e.PatientID).Time("review_time", e.NextReviewTime).Msg("Starting weekly review")
		s.router.RouteNext(ctx, e.PatientID, s.wf.OpenerStartTurn, models.AgentOpener)
		report.Triggered = append(report.Triggered, e.PatientID)
		if s.metrics != nil {
			s.metrics.ReviewsTriggered.Inc()
		}
	}

	if s.ingester != nil && now.Hour() == s.wf.IngestHour && s.markFired(ingestKey, now) {
		report.Ingested = true
		if s.background == nil {
			report.IngestErr = s.ingest(ctx)
		} else if err := s.background.Submit(dispatch.Task{Name: "ingest", Timeout: s.ingestTimeout, Run: s.ingest}); err != nil {
			report.IngestErr = err
			s.countIngest(err)
			log.Warn().Err(err).Msg("Batch ingestion not queued")
		}
	}

	s.prune(now)
	return report
}

func sameHour(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay() && a.Hour() == b.Hour()
}

func (s *Scheduler) ingest(ctx context.Context) error {
	err := s.ingester.Trigger(ctx)
	s.countIngest(err)
	if err != nil {
		log.Warn().Err(err).Msg("Batch ingestion failed")
	}
	return err
}

func (s *Scheduler) countIngest(err error) {
	if s.metrics != nil {
		s.metrics.IngestRuns.WithLabelValues(metrics.Outcome(err)).Inc()
	}
}

// markFired records key for now's wall-clock hour in the review timezone,
// which need not start on a UTC hour boundary.
func (s *Scheduler) markFired(key string, now time.Time) bool {
	local := now.In(s.loc)
	hour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, s.loc)
	k := key + "@" + local.Format("2006-01-02T15")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fired[k]; ok {
		return false
	}
	s.fired[k] = hour
	return true
}

func (s *Scheduler) prune(now time.Time) {
	cutoff := now.Add(-2 * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.fired {
		if at.Before(cutoff) {
			delete(s.fired, k)
		}
	}
}

// ── Lifecycle ───────────────────────────────────────────────

// Start registers the tick job and starts the cron scheduler. Overlapping
// ticks are skipped rather than queued.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.CronJob(s.wf.TickCron, false),
		gocron.NewTask(func() {
			report := s.Tick(ctx, s.now())
			log.Debug().Int("triggered", len(report.Triggered)).Bool("ingested", report.Ingested).Msg("Scheduler tick")
		}),
		gocron.WithName("review-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register tick job: %w", err)
	}
	s.cron.Start()
	log.Info().Str("cron", s.wf.TickCron).Str("timezone", s.loc.String()).Msg("Scheduler started")
	return nil
}

// Stop shuts the cron scheduler down, waiting for a running tick.
func (s *Scheduler) Stop() error {
	log.Info().Msg("Stopping scheduler")
	return s.cron.Shutdown()
}

// Entries lists the current schedule.
func (s *Scheduler) Entries(ctx context.Context) ([]models.ReviewEntry, error) {
	return s.schedule.List(ctx)
}
