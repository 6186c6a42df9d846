package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// SQLiteStore implements Backend on a single SQLite database. Records are kept
// as JSON documents keyed by (domain, patient_id).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	// mu serializes read-modify-write merges to prevent SQLITE_BUSY.
	mu sync.Mutex
}

// NewSQLite opens (or creates) the database at dbPath and applies the schema.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	log.Info().Str("path", dbPath).Msg("SQLite store ready")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversation_records (
		domain TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		record_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (domain, patient_id)
	);

	CREATE TABLE IF NOT EXISTS review_schedule (
		patient_id TEXT PRIMARY KEY,
		next_review_time INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_review_schedule_time ON review_schedule(next_review_time);

	CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		chat_history_json TEXT NOT NULL,
		summary TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_patient ON summaries(patient_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SetClock overrides the timestamp source used for UpdatedAt.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

func (s *SQLiteStore) Records(domain string) RecordStore {
	return &sqliteRecords{s: s, domain: domain}
}

func (s *SQLiteStore) Schedule() ScheduleStore { return &sqliteSchedule{s: s} }

func (s *SQLiteStore) Summaries() SummaryStore { return &sqliteSummaries{s: s} }

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ── records ─────────────────────────────────────────────────

type sqliteRecords struct {
	s      *SQLiteStore
	domain string
}

// load reads one record inside q. A row whose JSON no longer decodes is
// treated as absent.
func (r *sqliteRecords) load(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, patientID models.PatientID) (*models.ConversationRecord, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT record_json FROM conversation_records WHERE domain = ? AND patient_id = ?`,
		r.domain, patientID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query %s record: %w", r.domain, err)
	}
	var rec models.ConversationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		log.Warn().Err(err).Str("domain", r.domain).Str("patient_id", patientID).
			Msg("Malformed record row, treating as absent")
		return nil, nil
	}
	return &rec, nil
}

func (r *sqliteRecords) Get(ctx context.Context, patientID models.PatientID) (*models.ConversationRecord, error) {
	rec, err := r.load(ctx, r.s.db, patientID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &ErrNotFound{Entity: r.domain + " record", Key: patientID}
	}
	return rec, nil
}

func (r *sqliteRecords) Merge(ctx context.Context, patch models.RecordPatch) (*models.ConversationRecord, error) {
	if patch.PatientID == "" {
		return nil, fmt.Errorf("merge %s record: patient id is required", r.domain)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rec, err := r.load(ctx, tx, patch.PatientID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &models.ConversationRecord{PatientID: patch.PatientID}
	}
	patch.Apply(rec, r.s.now())

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal %s record: %w", r.domain, err)
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO conversation_records (domain, patient_id, record_json, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(domain, patient_id) DO UPDATE SET
		record_json = excluded.record_json,
		updated_at = excluded.updated_at`,
		r.domain, rec.PatientID, string(data), rec.UpdatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("upsert %s record: %w", r.domain, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}
	return rec, nil
}

func (r *sqliteRecords) List(ctx context.Context) ([]models.ConversationRecord, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT patient_id, record_json FROM conversation_records WHERE domain = ? ORDER BY patient_id`, r.domain)
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", r.domain, err)
	}
	defer rows.Close()

	out := []models.ConversationRecord{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", r.domain, err)
		}
		var rec models.ConversationRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Warn().Err(err).Str("domain", r.domain).Str("patient_id", id).Msg("Skipping malformed record row")
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ── schedule ────────────────────────────────────────────────

type sqliteSchedule struct {
	s *SQLiteStore
}

func (sc *sqliteSchedule) Put(ctx context.Context, entries []models.ReviewEntry) error {
	sc.s.mu.Lock()
	defer sc.s.mu.Unlock()

	tx, err := sc.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schedule put: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO review_schedule (patient_id, next_review_time) VALUES (?, ?)
		ON CONFLICT(patient_id) DO UPDATE SET next_review_time = excluded.next_review_time`,
			e.PatientID, e.NextReviewTime.Unix())
		if err != nil {
			return fmt.Errorf("upsert review entry %s: %w", e.PatientID, err)
		}
	}
	return tx.Commit()
}

func (sc *sqliteSchedule) Get(ctx context.Context, patientID models.PatientID) (*models.ReviewEntry, error) {
	var ts int64
	err := sc.s.db.QueryRowContext(ctx,
		`SELECT next_review_time FROM review_schedule WHERE patient_id = ?`, patientID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "review entry", Key: patientID}
	}
	if err != nil {
		return nil, fmt.Errorf("query review entry: %w", err)
	}
	return &models.ReviewEntry{PatientID: patientID, NextReviewTime: time.Unix(ts, 0).UTC()}, nil
}

func (sc *sqliteSchedule) List(ctx context.Context) ([]models.ReviewEntry, error) {
	rows, err := sc.s.db.QueryContext(ctx,
		`SELECT patient_id, next_review_time FROM review_schedule ORDER BY next_review_time, patient_id`)
	if err != nil {
		return nil, fmt.Errorf("list review schedule: %w", err)
	}
	defer rows.Close()

	out := []models.ReviewEntry{}
	for rows.Next() {
		var e models.ReviewEntry
		var ts int64
		if err := rows.Scan(&e.PatientID, &ts); err != nil {
			return nil, fmt.Errorf("scan review entry: %w", err)
		}
		e.NextReviewTime = time.Unix(ts, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── summaries ───────────────────────────────────────────────

type sqliteSummaries struct {
	s *SQLiteStore
}

func (ss *sqliteSummaries) Append(ctx context.Context, rec models.SummaryRecord) error {
	history, err := json.Marshal(rec.ChatHistory)
	if err != nil {
		return fmt.Errorf("marshal summary history: %w", err)
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	_, err = ss.s.db.ExecContext(ctx, `
	INSERT INTO summaries (id, patient_id, chat_history_json, summary, created_at)
	VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.PatientID, string(history), rec.Summary, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

func (ss *sqliteSummaries) ListByPatient(ctx context.Context, patientID models.PatientID) ([]models.SummaryRecord, error) {
	rows, err := ss.s.db.QueryContext(ctx, `
	SELECT id, patient_id, chat_history_json, summary, created_at
	FROM summaries WHERE patient_id = ? ORDER BY created_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	out := []models.SummaryRecord{}
	for rows.Next() {
		var rec models.SummaryRecord
		var raw string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.PatientID, &raw, &rec.Summary, &created); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &rec.ChatHistory); err != nil {
			log.Warn().Err(err).Str("id", rec.ID).Msg("Malformed summary history")
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
