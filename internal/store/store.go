// Package store provides the persistence interfaces and implementations for
// GoalGuardian: per-agent conversation records, the review schedule and the
// append-only summary log. Two backends exist: JSON collection files (the
// default) and SQLite.
package store

import (
	"context"
	"fmt"

	"github.com/IvaBojic/GoalGuardian/internal/config"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Record domains. Each agent owns one domain; the gateway keeps the shared
// transcript in its own.
const (
	DomainOpener     = "opener"
	DomainGoalReview = "goal-review"
	DomainCloser     = "closer"
	DomainTranscript = "transcript"
)

// Backend is the primary storage interface. All services depend on it so the
// JSON-file and SQLite implementations can be swapped by configuration.
type Backend interface {
	// Records returns the record store of one domain.
	Records(domain string) RecordStore
	Schedule() ScheduleStore
	Summaries() SummaryStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Record Store ────────────────────────────────────────────

// RecordStore keeps at most one ConversationRecord per patient.
type RecordStore interface {
	// Get returns *ErrNotFound when the patient has no record.
	Get(ctx context.Context, patientID models.PatientID) (*models.ConversationRecord, error)
	// Merge applies the present fields of the patch, inserting when absent,
	// and returns the stored result.
	Merge(ctx context.Context, patch models.RecordPatch) (*models.ConversationRecord, error)
	List(ctx context.Context) ([]models.ConversationRecord, error)
}

// ── Schedule Store ──────────────────────────────────────────

// ScheduleStore keeps one next-review slot per patient. Put is last-write-wins.
type ScheduleStore interface {
	Put(ctx context.Context, entries []models.ReviewEntry) error
	Get(ctx context.Context, patientID models.PatientID) (*models.ReviewEntry, error)
	List(ctx context.Context) ([]models.ReviewEntry, error)
}

// ── Summary Store ───────────────────────────────────────────

// SummaryStore is append-only.
type SummaryStore interface {
	Append(ctx context.Context, rec models.SummaryRecord) error
	ListByPatient(ctx context.Context, patientID models.PatientID) ([]models.SummaryRecord, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// Open builds the backend selected by cfg.Driver.
func Open(cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case "", "file":
		fs, err := NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "sqlite":
		s, err := NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
