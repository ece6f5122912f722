package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"callscribe/internal/storage"
)

// ExportStore is the slice of the call store the exporter needs.
type ExportStore interface {
	CallsBetween(from, till time.Time) ([]storage.CallRecord, error)
}

// Exporter builds analysis bundles: every call in a date range packaged as
// one tar.gz with the transcripts, optionally the audio, and a summary
// spreadsheet.
type Exporter struct {
	store     ExportStore
	resultDir string
	exportDir string
	log       *slog.Logger
}

func NewExporter(store ExportStore, resultDir, exportDir string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, resultDir: resultDir, exportDir: exportDir, log: logger}
}

// AnalysisExport writes the bundle and returns its path. The range is
// inclusive on both ends. An empty range still produces a bundle with just
// the summary sheet.
func (e *Exporter) AnalysisExport(from, till time.Time, includeAudio bool) (string, error) {
	records, err := e.store.CallsBetween(from, till)
	if err != nil {
		return "", fmt.Errorf("listing calls: %w", err)
	}

	if err := os.MkdirAll(e.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("creating export dir: %w", err)
	}

	name := fmt.Sprintf("analysis_export_%s_%s_%s.tar.gz",
		from.Format("20060102"), till.Format("20060102"), uuid.New().String()[:8])
	dest := filepath.Join(e.exportDir, name)

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	for _, rec := range records {
		if err := e.addCall(tw, rec, includeAudio); err != nil {
			e.log.Warn("skipping call in export", "communication_id", rec.CommunicationID, "error", err)
		}
	}

	if err := addSummarySheet(tw, records); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("writing summary sheet: %w", err)
	}

	if err := tw.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	if err := gw.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}

	e.log.Info("analysis export written", "path", dest, "calls", len(records), "include_audio", includeAudio)
	return dest, nil
}

// addCall packages one call under calls/<id>/ in the tarball. Archived calls
// and NO_WAV calls have no transcript folder on disk; they only appear in the
// summary sheet.
func (e *Exporter) addCall(tw *tar.Writer, rec storage.CallRecord, includeAudio bool) error {
	if rec.TranscriptPath == "" || rec.TranscriptPath == storage.TranscriptNoWav || rec.IsArchived {
		return nil
	}

	folder := filepath.Join(e.resultDir, rec.TranscriptPath)
	entries, err := os.ReadDir(folder)
	if err != nil {
		return fmt.Errorf("reading transcript folder: %w", err)
	}
	prefix := "calls/" + rec.CommunicationID + "/"
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addFileAs(tw, filepath.Join(folder, entry.Name()), prefix+entry.Name()); err != nil {
			return err
		}
	}

	if !includeAudio {
		return nil
	}
	for _, p := range []string{rec.ClientAudioPath, rec.StaffAudioPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := addFileAs(tw, p, prefix+filepath.Base(p)); err != nil {
			return err
		}
	}
	return nil
}

// addSummarySheet builds summary.xlsx in memory and streams it into the tar.
func addSummarySheet(tw *tar.Writer, records []storage.CallRecord) error {
	x := excelize.NewFile()
	defer x.Close()

	sheet := x.GetSheetName(0)
	headers := []string{"Communication ID", "Call Date", "Status", "Transcript Folder", "Archived"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := x.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}

	for row, rec := range records {
		status := "processed"
		switch {
		case rec.TranscriptPath == storage.TranscriptNoWav:
			status = "no_audio"
		case rec.TranscriptPath == "":
			status = "pending"
		}
		values := []any{
			rec.CommunicationID,
			rec.CallDate.Format("2006-01-02 15:04:05"),
			status,
			rec.TranscriptPath,
			rec.IsArchived,
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return err
			}
			if err := x.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	buf, err := x.WriteToBuffer()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    "summary.xlsx",
		Mode:    0o644,
		Size:    int64(buf.Len()),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, buf)
	return err
}

func addFileAs(tw *tar.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}
