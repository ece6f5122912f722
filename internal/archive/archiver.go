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

	"callscribe/internal/storage"
)

// Store is the slice of the call store the archiver needs.
type Store interface {
	CallsOlderThan(days int) ([]storage.CallRecord, error)
	MarkArchived(id, archivePath string) error
}

// Archiver bundles the on-disk artifacts of old calls into per-call tar.gz
// files and flips the archive flag in the store.
type Archiver struct {
	store      Store
	resultDir  string
	archiveDir string
	log        *slog.Logger
	now        func() time.Time
}

func NewArchiver(store Store, resultDir, archiveDir string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:      store,
		resultDir:  resultDir,
		archiveDir: archiveDir,
		log:        logger,
		now:        time.Now,
	}
}

// Report summarizes one archiving pass.
type Report struct {
	Archived int      `json:"archived"`
	Failed   []string `json:"failed,omitempty"`
}

// ArchiveOlderThan packages every unarchived call older than the given number
// of days. A failure on one call is logged and reported but does not stop the
// pass; the record stays unarchived and is retried next time.
func (a *Archiver) ArchiveOlderThan(days int) (Report, error) {
	records, err := a.store.CallsOlderThan(days)
	if err != nil {
		return Report{}, fmt.Errorf("listing calls to archive: %w", err)
	}
	if len(records) == 0 {
		return Report{}, nil
	}

	if err := os.MkdirAll(a.archiveDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("creating archive dir: %w", err)
	}

	var rep Report
	for _, rec := range records {
		bundle, err := a.archiveCall(rec)
		if err != nil {
			a.log.Error("archiving call failed", "communication_id", rec.CommunicationID, "error", err)
			rep.Failed = append(rep.Failed, rec.CommunicationID)
			continue
		}
		if err := a.store.MarkArchived(rec.CommunicationID, bundle); err != nil {
			a.log.Error("marking call archived failed", "communication_id", rec.CommunicationID, "error", err)
			rep.Failed = append(rep.Failed, rec.CommunicationID)
			continue
		}
		a.log.Info("call archived", "communication_id", rec.CommunicationID, "bundle", bundle)
		rep.Archived++
	}
	return rep, nil
}

// archiveCall writes one bundle and removes the originals it packaged.
// A call with no artifacts on disk still gets an (empty) bundle so the
// record can be marked archived and leave the active set.
func (a *Archiver) archiveCall(rec storage.CallRecord) (string, error) {
	name := fmt.Sprintf("call_%s_%s.tar.gz", rec.CommunicationID, a.now().UTC().Format("20060102"))
	bundle := filepath.Join(a.archiveDir, name)

	sources := a.artifacts(rec)
	if err := writeBundle(bundle, sources); err != nil {
		os.Remove(bundle)
		return "", err
	}

	for _, src := range sources {
		if err := os.RemoveAll(src); err != nil {
			a.log.Warn("removing archived artifact failed", "path", src, "error", err)
		}
	}
	return bundle, nil
}

// artifacts lists the call's on-disk paths that exist: the transcript folder
// and both audio files.
func (a *Archiver) artifacts(rec storage.CallRecord) []string {
	var paths []string
	if rec.TranscriptPath != "" && rec.TranscriptPath != storage.TranscriptNoWav {
		paths = append(paths, filepath.Join(a.resultDir, rec.TranscriptPath))
	}
	for _, p := range []string{rec.ClientAudioPath, rec.StaffAudioPath} {
		if p != "" {
			paths = append(paths, p)
		}
	}

	existing := paths[:0]
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	return existing
}

// writeBundle creates a tar.gz at dest containing each source file or
// directory under its base name.
func writeBundle(dest string, sources []string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	for _, src := range sources {
		if err := addToTar(tw, src); err != nil {
			return fmt.Errorf("adding %s: %w", src, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return f.Close()
}

func addToTar(tw *tar.Writer, src string) error {
	base := filepath.Dir(src)
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}
