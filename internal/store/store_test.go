package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/IvaBojic/GoalGuardian/internal/config"
	"github.com/IvaBojic/GoalGuardian/internal/store"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// backends returns a fresh instance of every store implementation.
func backends(t *testing.T) map[string]store.Backend {
	t.Helper()
	dir := t.TempDir()

	fs, err := store.NewFileStore(filepath.Join(dir, "files"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	sq, err := store.NewSQLite(filepath.Join(dir, "db", "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]store.Backend{"file": fs, "sqlite": sq}
}

func msg(role models.Role, content string) models.ChatMessage {
	return models.ChatMessage{Role: role, Content: content}
}

// ─── Records ─────────────────────────────────────────────────

func TestMerge_StampsUpdatedAtFromClock(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
			b.(interface{ SetClock(func() time.Time) }).SetClock(func() time.Time { return now })
			rs := b.Records(store.DomainCloser)

			if _, err := rs.Merge(ctx, models.RecordPatch{PatientID: "p1", TurnIndex: models.IntPtr(13)}); err != nil {
				t.Fatal(err)
			}
			now = now.Add(90 * time.Minute)
			if _, err := rs.Merge(ctx, models.RecordPatch{PatientID: "p1", TurnIndex: models.IntPtr(14)}); err != nil {
				t.Fatal(err)
			}

			got, err := rs.Get(ctx, "p1")
			if err != nil {
				t.Fatal(err)
			}
			if want := time.Date(2025, 3, 10, 10, 30, 0, 0, time.UTC); !got.UpdatedAt.Equal(want) {
				t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, want)
			}
		})
	}
}

func TestMerge_InsertThenGet(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rs := b.Records(store.DomainOpener)

			_, err := rs.Merge(ctx, models.RecordPatch{
				PatientID:   "p1",
				TurnIndex:   models.IntPtr(1),
				Status:      models.StatusPtr(models.RecordActive),
				ChatHistory: []models.ChatMessage{msg(models.RoleAssistant, "Hello")},
			})
			if err != nil {
				t.Fatalf("Merge() error = %v", err)
			}

			got, err := rs.Get(ctx, "p1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.TurnIndex != 1 || got.Status != models.RecordActive {
				t.Errorf("Get() = turn %d status %q, want 1 active", got.TurnIndex, got.Status)
			}
			if len(got.ChatHistory) != 1 || got.ChatHistory[0].Content != "Hello" {
				t.Errorf("ChatHistory = %+v", got.ChatHistory)
			}
		})
	}
}

func TestMerge_OnlyPresentFieldsOverwrite(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rs := b.Records(store.DomainGoalReview)

			rs.Merge(ctx, models.RecordPatch{
				PatientID:    "p1",
				TurnIndex:    models.IntPtr(7),
				SelectedGoal: models.StringPtr("walk daily"),
				SmartGoals:   []string{"walk daily", "sleep 8h"},
				ChatHistory:  []models.ChatMessage{msg(models.RoleAssistant, "a")},
			})
			got, err := rs.Merge(ctx, models.RecordPatch{PatientID: "p1", TurnIndex: models.IntPtr(8)})
			if err != nil {
				t.Fatalf("Merge() error = %v", err)
			}
			if got.TurnIndex != 8 {
				t.Errorf("TurnIndex = %d, want 8", got.TurnIndex)
			}
			if got.SelectedGoal != "walk daily" {
				t.Errorf("SelectedGoal = %q, absent field must be preserved", got.SelectedGoal)
			}
			if len(got.SmartGoals) != 2 || len(got.ChatHistory) != 1 {
				t.Errorf("absent slices must be preserved: %+v", got)
			}
		})
	}
}

func TestMerge_HistoryReplaceAndAppend(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rs := b.Records(store.DomainTranscript)

			rs.Merge(ctx, models.RecordPatch{
				PatientID:   "p1",
				ChatHistory: []models.ChatMessage{msg(models.RoleAssistant, "one"), msg(models.RoleUser, "two")},
			})
			got, _ := rs.Merge(ctx, models.RecordPatch{
				PatientID:     "p1",
				TurnIndex:     models.IntPtr(3),
				AppendHistory: []models.ChatMessage{msg(models.RoleAssistant, "three")},
			})
			if len(got.ChatHistory) != 3 || got.ChatHistory[2].Content != "three" {
				t.Fatalf("append: ChatHistory = %+v", got.ChatHistory)
			}

			got, _ = rs.Merge(ctx, models.RecordPatch{
				PatientID:   "p1",
				ChatHistory: []models.ChatMessage{msg(models.RoleAssistant, "fresh")},
			})
			if len(got.ChatHistory) != 1 || got.ChatHistory[0].Content != "fresh" {
				t.Errorf("replace: ChatHistory = %+v", got.ChatHistory)
			}
			if got.TurnIndex != 3 {
				t.Errorf("TurnIndex = %d, want 3", got.TurnIndex)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Records(store.DomainCloser).Get(context.Background(), "ghost")
			var nf *store.ErrNotFound
			if !errors.As(err, &nf) {
				t.Fatalf("Get() error = %v, want *ErrNotFound", err)
			}
		})
	}
}

func TestRecords_DomainsAreIsolated(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b.Records(store.DomainOpener).Merge(ctx, models.RecordPatch{PatientID: "p1", TurnIndex: models.IntPtr(5)})

			if _, err := b.Records(store.DomainCloser).Get(ctx, "p1"); err == nil {
				t.Error("closer domain must not see the opener record")
			}
			list, err := b.Records(store.DomainOpener).List(ctx)
			if err != nil || len(list) != 1 {
				t.Errorf("List() = %d records, err %v", len(list), err)
			}
		})
	}
}

func TestMerge_ConcurrentPatientsAllPersist(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rs := b.Records(store.DomainOpener)

			var wg sync.WaitGroup
			ids := []string{"a", "b", "c", "d", "e", "f"}
			for _, id := range ids {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					if _, err := rs.Merge(ctx, models.RecordPatch{PatientID: id, TurnIndex: models.IntPtr(1)}); err != nil {
						t.Errorf("Merge(%s) error = %v", id, err)
					}
				}(id)
			}
			wg.Wait()

			list, _ := rs.List(ctx)
			if len(list) != len(ids) {
				t.Errorf("List() = %d records, want %d (lost update)", len(list), len(ids))
			}
		})
	}
}

func TestFileStore_CorruptCollectionIsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "opener_records.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	fs, err := store.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	rs := fs.Records(store.DomainOpener)

	list, err := rs.List(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("List() = %v, %v; want empty, nil", list, err)
	}
	if _, err := rs.Merge(ctx, models.RecordPatch{PatientID: "p1", TurnIndex: models.IntPtr(1)}); err != nil {
		t.Fatalf("Merge() over corrupt file error = %v", err)
	}
	if _, err := rs.Get(ctx, "p1"); err != nil {
		t.Errorf("Get() after recovery error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "opener_records.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file should be renamed away")
	}
}

// ─── Schedule ────────────────────────────────────────────────

func TestSchedule_PutIsLastWriteWins(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sc := b.Schedule()
			first := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
			second := first.Add(7 * 24 * time.Hour)

			sc.Put(ctx, []models.ReviewEntry{{PatientID: "p1", NextReviewTime: first}, {PatientID: "p2", NextReviewTime: first}})
			if err := sc.Put(ctx, []models.ReviewEntry{{PatientID: "p1", NextReviewTime: second}}); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			got, err := sc.Get(ctx, "p1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !got.NextReviewTime.Equal(second) {
				t.Errorf("NextReviewTime = %v, want %v", got.NextReviewTime, second)
			}
			list, _ := sc.List(ctx)
			if len(list) != 2 {
				t.Errorf("List() = %d entries, want 2", len(list))
			}
		})
	}
}

// ─── Summaries ───────────────────────────────────────────────

func TestSummaries_AppendOnly(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ss := b.Summaries()
			base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

			for i, text := range []string{"week one", "week two"} {
				err := ss.Append(ctx, models.SummaryRecord{
					ID:          text,
					PatientID:   "p1",
					ChatHistory: []models.ChatMessage{msg(models.RoleUser, text)},
					Summary:     text,
					CreatedAt:   base.Add(time.Duration(i) * time.Hour),
				})
				if err != nil {
					t.Fatalf("Append() error = %v", err)
				}
			}
			ss.Append(ctx, models.SummaryRecord{ID: "other", PatientID: "p2", Summary: "x", CreatedAt: base})

			got, err := ss.ListByPatient(ctx, "p1")
			if err != nil {
				t.Fatalf("ListByPatient() error = %v", err)
			}
			if len(got) != 2 || got[0].Summary != "week one" || got[1].Summary != "week two" {
				t.Errorf("ListByPatient() = %+v", got)
			}
			if len(got[0].ChatHistory) != 1 {
				t.Errorf("summary history not persisted: %+v", got[0])
			}
		})
	}
}

func TestOpen_SelectsDriver(t *testing.T) {
	dir := t.TempDir()
	b, err := store.Open(config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "x.db")})
	if err != nil {
		t.Fatalf("Open(sqlite) error = %v", err)
	}
	defer b.Close()
	if _, ok := b.(*store.SQLiteStore); !ok {
		t.Errorf("Open(sqlite) = %T", b)
	}
	if _, err := store.Open(config.StoreConfig{Driver: "bogus"}); err == nil {
		t.Error("Open(bogus) should fail")
	}
}
