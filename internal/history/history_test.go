package history_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slightlynybbled/bootygo/internal/history"
)

// openMemStore opens an in-memory Store and registers t.Cleanup to close it.
func openMemStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(":memory:")
	if err != nil {
		t.Fatalf("history.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeRecord(id string, started time.Time, outcome history.Outcome) history.SessionRecord {
	return history.SessionRecord{
		ID:         id,
		HexFile:    "/firmware/app.hex",
		Port:       "/dev/ttyUSB0",
		BaudRate:   115200,
		Erase:      true,
		Load:       true,
		Verify:     true,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Outcome:    outcome,
	}
}

func TestNew_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	s, err := history.Open(path)
	if err != nil {
		t.Fatalf("history.Open(%q): %v", path, err)
	}
	_ = s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file %q not created: %v", path, err)
	}
}

// A record written by Record must be retrievable via Recent.
func TestRecordAndRecent_RoundTrip(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	rec := makeRecord("session-1", time.Now().UTC().Truncate(time.Millisecond), history.OutcomeOK)
	if err := s.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(Recent) = %d, want 1", len(got))
	}
	if got[0].ID != rec.ID || got[0].Outcome != history.OutcomeOK {
		t.Errorf("Recent[0] = %+v", got[0])
	}
	if !got[0].Erase || !got[0].Load || !got[0].Verify {
		t.Errorf("Recent[0] phase flags = %+v, want all true", got[0])
	}
	if !got[0].StartedAt.Equal(rec.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got[0].StartedAt, rec.StartedAt)
	}
}

func TestRecent_MostRecentFirst(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	oldest := makeRecord("session-old", base, history.OutcomeOK)
	middle := makeRecord("session-mid", base.Add(time.Minute), history.OutcomeMismatch)
	newest := makeRecord("session-new", base.Add(2*time.Minute), history.OutcomeError)
	newest.ErrorMsg = "transport closed"

	for _, r := range []history.SessionRecord{oldest, middle, newest} {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record(%s): %v", r.ID, err)
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(Recent) = %d, want 3", len(got))
	}
	wantOrder := []string{"session-new", "session-mid", "session-old"}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("Recent[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}
	if got[0].ErrorMsg != "transport closed" {
		t.Errorf("Recent[0].ErrorMsg = %q", got[0].ErrorMsg)
	}
}

func TestRecent_LimitsResults(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		r := makeRecord("session-"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), history.OutcomeOK)
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Recent) = %d, want 2", len(got))
	}
}

func TestRecent_ZeroOrNegativeReturnsNil(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	got, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent(0): %v", err)
	}
	if got != nil {
		t.Errorf("Recent(0) = %v, want nil", got)
	}

	got, err = s.Recent(ctx, -1)
	if err != nil {
		t.Fatalf("Recent(-1): %v", err)
	}
	if got != nil {
		t.Errorf("Recent(-1) = %v, want nil", got)
	}
}

func TestRecord_ReplaceExistingID(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	rec := makeRecord("session-1", base, history.OutcomeError)
	rec.ErrorMsg = "identify timeout"
	if err := s.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	rec.Outcome = history.OutcomeOK
	rec.ErrorMsg = ""
	if err := s.Record(ctx, rec); err != nil {
		t.Fatalf("Record (replace): %v", err)
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(Recent) = %d, want 1 (replace, not append)", len(got))
	}
	if got[0].Outcome != history.OutcomeOK || got[0].ErrorMsg != "" {
		t.Errorf("Recent[0] = %+v, want replaced record", got[0])
	}
}
