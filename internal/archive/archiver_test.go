package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"callscribe/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCall(t *testing.T, store *storage.Store, resultDir, id string, age time.Duration) storage.CallRecord {
	t.Helper()
	callDate := time.Now().UTC().Add(-age)
	if _, err := store.InsertCallIfAbsent(id, callDate, nil); err != nil {
		t.Fatal(err)
	}

	folder := "transcribed_call" + id + "_20250101_000000"
	dir := filepath.Join(resultDir, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"client_transcript.json", "staff_transcript.json", "dialog.txt"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("data for "+id), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	clientWav := filepath.Join(resultDir, "client_"+id+".wav")
	staffWav := filepath.Join(resultDir, "staff_"+id+".wav")
	for _, f := range []string{clientWav, staffWav} {
		if err := os.WriteFile(f, []byte("RIFF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.UpdateCallPaths(id, storage.PathUpdate{
		ClientAudioPath: &clientWav,
		StaffAudioPath:  &staffWav,
		TranscriptPath:  &folder,
	}); err != nil {
		t.Fatal(err)
	}
	rec, err := store.GetCall(id)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

// readBundle returns the entry names of a tar.gz file.
func readBundle(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gr)

	entries := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			t.Fatal(err)
		}
		entries[hdr.Name] = buf.Bytes()
	}
	return entries
}

func TestArchiveOlderThan(t *testing.T) {
	store := newTestStore(t)
	resultDir := t.TempDir()
	archiveDir := t.TempDir()
	rec := seedCall(t, store, resultDir, "1001", 10*24*time.Hour)

	a := NewArchiver(store, resultDir, archiveDir, nil)
	rep, err := a.ArchiveOlderThan(7)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if rep.Archived != 1 || len(rep.Failed) != 0 {
		t.Fatalf("report = %+v, want 1 archived", rep)
	}

	got, err := store.GetCall("1001")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsArchived || got.ArchivePath == "" {
		t.Errorf("record not marked archived: %+v", got)
	}

	entries := readBundle(t, got.ArchivePath)
	for _, want := range []string{
		"transcribed_call1001_20250101_000000/dialog.txt",
		"client_1001.wav",
		"staff_1001.wav",
	} {
		if _, ok := entries[want]; !ok {
			t.Errorf("bundle missing %s (has %d entries)", want, len(entries))
		}
	}

	if _, err := os.Stat(filepath.Join(resultDir, rec.TranscriptPath)); !os.IsNotExist(err) {
		t.Error("transcript folder not removed after archiving")
	}
	if _, err := os.Stat(rec.ClientAudioPath); !os.IsNotExist(err) {
		t.Error("client audio not removed after archiving")
	}

	// Second pass finds nothing left to do.
	rep, err = a.ArchiveOlderThan(7)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Archived != 0 {
		t.Errorf("second pass archived %d calls", rep.Archived)
	}
}

func TestArchiveSkipsRecentCalls(t *testing.T) {
	store := newTestStore(t)
	resultDir := t.TempDir()
	seedCall(t, store, resultDir, "2002", 2*24*time.Hour)

	a := NewArchiver(store, resultDir, t.TempDir(), nil)
	rep, err := a.ArchiveOlderThan(7)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Archived != 0 {
		t.Errorf("archived %d recent calls", rep.Archived)
	}
	rec, _ := store.GetCall("2002")
	if rec.IsArchived {
		t.Error("recent call marked archived")
	}
}

type failingMarkStore struct {
	*storage.Store
	failID string
}

func (s *failingMarkStore) MarkArchived(id, archivePath string) error {
	if id == s.failID {
		return errors.New("mark failed")
	}
	return s.Store.MarkArchived(id, archivePath)
}

func TestArchiveFailureDoesNotAbortPass(t *testing.T) {
	store := newTestStore(t)
	resultDir := t.TempDir()
	seedCall(t, store, resultDir, "3001", 20*24*time.Hour)
	seedCall(t, store, resultDir, "3002", 10*24*time.Hour)

	a := NewArchiver(&failingMarkStore{Store: store, failID: "3001"}, resultDir, t.TempDir(), nil)
	rep, err := a.ArchiveOlderThan(7)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Archived != 1 {
		t.Errorf("archived = %d, want 1", rep.Archived)
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != "3001" {
		t.Errorf("failed = %v, want [3001]", rep.Failed)
	}
	rec, _ := store.GetCall("3002")
	if !rec.IsArchived {
		t.Error("healthy record should still be archived")
	}
}

func TestWorkerRunOnce(t *testing.T) {
	store := newTestStore(t)
	resultDir := t.TempDir()
	seedCall(t, store, resultDir, "4001", 10*24*time.Hour)

	w := NewWorker(NewArchiver(store, resultDir, t.TempDir(), nil), 7, time.Hour)
	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	rec, _ := store.GetCall("4001")
	if !rec.IsArchived {
		t.Error("worker pass did not archive the old call")
	}
}
