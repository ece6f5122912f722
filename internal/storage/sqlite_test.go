package storage

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the migration is not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_calls_call_date", "idx_calls_archived", "idx_calls_transcript"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestInsertCallIfAbsent(t *testing.T) {
	s := openTestStore(t)

	date := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	inserted, err := s.InsertCallIfAbsent("1001", date, []byte(`{"communication_id":1001}`))
	if err != nil {
		t.Fatalf("InsertCallIfAbsent: %v", err)
	}
	if !inserted {
		t.Error("first insert should report inserted")
	}

	// Conflict is ignored: metadata and call_date are first-write-wins.
	inserted, err = s.InsertCallIfAbsent("1001", date.Add(time.Hour), []byte(`{"other":true}`))
	if err != nil {
		t.Fatalf("second InsertCallIfAbsent: %v", err)
	}
	if inserted {
		t.Error("second insert should report already-present")
	}

	rec, err := s.GetCall("1001")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if !rec.CallDate.Equal(date) {
		t.Errorf("call_date overwritten: got %v, want %v", rec.CallDate, date)
	}
	if string(rec.Metadata) != `{"communication_id":1001}` {
		t.Errorf("metadata overwritten: %s", rec.Metadata)
	}
}

func TestGetCallNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetCall("missing"); err != ErrNotFound {
		t.Errorf("GetCall(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpdateCallPaths(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.InsertCallIfAbsent("2001", time.Now().UTC(), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := s.UpdateCallPaths("2001", PathUpdate{
		ClientAudioPath: strPtr("result/client_2001.wav"),
		StaffAudioPath:  strPtr("result/staff_2001.wav"),
	})
	if err != nil {
		t.Fatalf("UpdateCallPaths: %v", err)
	}

	rec, err := s.GetCall("2001")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if rec.ClientAudioPath != "result/client_2001.wav" || rec.StaffAudioPath != "result/staff_2001.wav" {
		t.Errorf("paths not set: %+v", rec)
	}
	if rec.TranscriptPath != "" {
		t.Errorf("transcript_path unexpectedly set: %q", rec.TranscriptPath)
	}

	// Partial update leaves the other fields alone.
	if err := s.UpdateCallPaths("2001", PathUpdate{TranscriptPath: strPtr("result/transcribed_call2001_x")}); err != nil {
		t.Fatalf("UpdateCallPaths transcript: %v", err)
	}
	rec, _ = s.GetCall("2001")
	if rec.ClientAudioPath != "result/client_2001.wav" {
		t.Errorf("client path clobbered: %q", rec.ClientAudioPath)
	}
	if rec.TranscriptPath != "result/transcribed_call2001_x" {
		t.Errorf("transcript path = %q", rec.TranscriptPath)
	}
}

func TestUpdateCallPathsUnknownID(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateCallPaths("nope", PathUpdate{TranscriptPath: strPtr("x")})
	if err != ErrNotFound {
		t.Errorf("UpdateCallPaths(nope) = %v, want ErrNotFound", err)
	}
}

// TestTranscriptPathMonotonic verifies the store-level guarantee: a real
// transcript path can replace unset or NO_WAV, but nothing replaces a real
// path.
func TestTranscriptPathMonotonic(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.InsertCallIfAbsent("3001", time.Now().UTC(), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// unset -> NO_WAV
	if err := s.UpdateCallPaths("3001", PathUpdate{TranscriptPath: strPtr(TranscriptNoWav)}); err != nil {
		t.Fatalf("set NO_WAV: %v", err)
	}
	rec, _ := s.GetCall("3001")
	if rec.TranscriptPath != TranscriptNoWav {
		t.Fatalf("transcript = %q, want NO_WAV", rec.TranscriptPath)
	}

	// NO_WAV -> real path (healing is allowed)
	if err := s.UpdateCallPaths("3001", PathUpdate{TranscriptPath: strPtr("result/real")}); err != nil {
		t.Fatalf("set real path: %v", err)
	}
	rec, _ = s.GetCall("3001")
	if rec.TranscriptPath != "result/real" {
		t.Fatalf("transcript = %q, want result/real", rec.TranscriptPath)
	}

	// real path -> NO_WAV is refused
	if err := s.UpdateCallPaths("3001", PathUpdate{TranscriptPath: strPtr(TranscriptNoWav)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ = s.GetCall("3001")
	if rec.TranscriptPath != "result/real" {
		t.Errorf("real transcript overwritten with %q", rec.TranscriptPath)
	}

	// real path -> another real path is also refused
	if err := s.UpdateCallPaths("3001", PathUpdate{TranscriptPath: strPtr("result/other")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ = s.GetCall("3001")
	if rec.TranscriptPath != "result/real" {
		t.Errorf("real transcript replaced with %q", rec.TranscriptPath)
	}
}

func TestProcessedIDs(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	for _, c := range []struct{ id, transcript string }{
		{"10", "result/transcribed_call10_x"},
		{"11", TranscriptNoWav},
		{"12", ""},
	} {
		if _, err := s.InsertCallIfAbsent(c.id, now, nil); err != nil {
			t.Fatalf("insert %s: %v", c.id, err)
		}
		if c.transcript != "" {
			if err := s.UpdateCallPaths(c.id, PathUpdate{TranscriptPath: strPtr(c.transcript)}); err != nil {
				t.Fatalf("update %s: %v", c.id, err)
			}
		}
	}

	ids, err := s.ProcessedIDs()
	if err != nil {
		t.Fatalf("ProcessedIDs: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("ProcessedIDs = %v, want just 10", ids)
	}
	if _, ok := ids["10"]; !ok {
		t.Errorf("ProcessedIDs missing 10: %v", ids)
	}
}

func TestCallsOlderThanAndMarkArchived(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	if _, err := s.InsertCallIfAbsent("old", now.AddDate(0, 0, -10), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertCallIfAbsent("fresh", now, nil); err != nil {
		t.Fatal(err)
	}

	old, err := s.CallsOlderThan(7)
	if err != nil {
		t.Fatalf("CallsOlderThan: %v", err)
	}
	if len(old) != 1 || old[0].CommunicationID != "old" {
		t.Fatalf("CallsOlderThan = %+v, want [old]", old)
	}

	if err := s.MarkArchived("old", "archive/call_old.tar.gz"); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}

	rec, _ := s.GetCall("old")
	if !rec.IsArchived || rec.ArchivePath != "archive/call_old.tar.gz" || rec.ArchiveDate == nil {
		t.Errorf("archive fields not set: %+v", rec)
	}

	// Archived records drop out of the sweep selection.
	old, err = s.CallsOlderThan(7)
	if err != nil {
		t.Fatalf("CallsOlderThan: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("archived record still selected: %+v", old)
	}

	if err := s.MarkArchived("missing", "x"); err != ErrNotFound {
		t.Errorf("MarkArchived(missing) = %v, want ErrNotFound", err)
	}
}

func TestCallsBetween(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		if _, err := s.InsertCallIfAbsent(id, base.AddDate(0, 0, i*10), nil); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.CallsBetween(base.AddDate(0, 0, 5), base.AddDate(0, 0, 15))
	if err != nil {
		t.Fatalf("CallsBetween: %v", err)
	}
	if len(got) != 1 || got[0].CommunicationID != "b" {
		t.Errorf("CallsBetween = %+v, want [b]", got)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	for _, id := range []string{"1", "2", "3"} {
		if _, err := s.InsertCallIfAbsent(id, now, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkArchived("1", "archive/1.tar.gz"); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 3 || st.Archived != 1 || st.Active != 2 {
		t.Errorf("Stats = %+v, want {3 1 2}", st)
	}
}
