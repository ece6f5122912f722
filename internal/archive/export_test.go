package archive

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"callscribe/internal/storage"
)

func TestAnalysisExport(t *testing.T) {
	store := newTestStore(t)
	resultDir := t.TempDir()
	seedCall(t, store, resultDir, "5001", 24*time.Hour)

	noWav := storage.TranscriptNoWav
	if _, err := store.InsertCallIfAbsent("5002", time.Now().UTC().Add(-24*time.Hour), nil); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateCallPaths("5002", storage.PathUpdate{TranscriptPath: &noWav}); err != nil {
		t.Fatal(err)
	}

	e := NewExporter(store, resultDir, t.TempDir(), nil)
	from := time.Now().UTC().Add(-48 * time.Hour)
	till := time.Now().UTC()

	path, err := e.AnalysisExport(from, till, false)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "analysis_export_") {
		t.Errorf("unexpected bundle name %q", path)
	}

	entries := readBundle(t, path)
	for _, want := range []string{
		"calls/5001/dialog.txt",
		"calls/5001/client_transcript.json",
		"calls/5001/staff_transcript.json",
		"summary.xlsx",
	} {
		if _, ok := entries[want]; !ok {
			t.Errorf("bundle missing %s", want)
		}
	}
	if _, ok := entries["calls/5001/client_5001.wav"]; ok {
		t.Error("audio included despite include_audio=false")
	}

	x, err := excelize.OpenReader(bytes.NewReader(entries["summary.xlsx"]))
	if err != nil {
		t.Fatalf("open summary: %v", err)
	}
	defer x.Close()
	rows, err := x.GetRows(x.GetSheetName(0))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("summary rows = %d, want header + 2 calls", len(rows))
	}
	statuses := map[string]string{}
	for _, row := range rows[1:] {
		if len(row) >= 3 {
			statuses[row[0]] = row[2]
		}
	}
	if statuses["5001"] != "processed" {
		t.Errorf("status for 5001 = %q", statuses["5001"])
	}
	if statuses["5002"] != "no_audio" {
		t.Errorf("status for 5002 = %q", statuses["5002"])
	}
}

func TestAnalysisExportWithAudio(t *testing.T) {
	store := newTestStore(t)
	resultDir := t.TempDir()
	seedCall(t, store, resultDir, "6001", 24*time.Hour)

	e := NewExporter(store, resultDir, t.TempDir(), nil)
	path, err := e.AnalysisExport(time.Now().UTC().Add(-48*time.Hour), time.Now().UTC(), true)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	entries := readBundle(t, path)
	for _, want := range []string{"calls/6001/client_6001.wav", "calls/6001/staff_6001.wav"} {
		if _, ok := entries[want]; !ok {
			t.Errorf("bundle missing %s", want)
		}
	}
}

func TestAnalysisExportRangeFilter(t *testing.T) {
	store := newTestStore(t)
	resultDir := t.TempDir()
	seedCall(t, store, resultDir, "7001", 24*time.Hour)
	seedCall(t, store, resultDir, "7002", 30*24*time.Hour)

	e := NewExporter(store, resultDir, t.TempDir(), nil)
	path, err := e.AnalysisExport(time.Now().UTC().Add(-48*time.Hour), time.Now().UTC(), false)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	entries := readBundle(t, path)
	if _, ok := entries["calls/7001/dialog.txt"]; !ok {
		t.Error("in-range call missing from bundle")
	}
	if _, ok := entries["calls/7002/dialog.txt"]; ok {
		t.Error("out-of-range call included in bundle")
	}
}
