package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrInsufficientTracks is returned when a call does not carry the two
// channel recordings the pipeline requires.
var ErrInsufficientTracks = errors.New("two audio tracks are required")

// TrackDownloader streams one channel recording to a local file.
type TrackDownloader interface {
	DownloadTrack(ctx context.Context, commID, trackID, dest string) error
}

// Fetcher materializes the two channel recordings of a call under the shared
// result directory.
type Fetcher struct {
	downloader TrackDownloader
	resultDir  string
	log        *slog.Logger
}

func NewFetcher(downloader TrackDownloader, resultDir string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{downloader: downloader, resultDir: resultDir, log: logger}
}

// Paths returns the deterministic per-call file locations: index 0 of the
// track list is the client channel, index 1 the staff channel.
func (f *Fetcher) Paths(commID string) (clientPath, staffPath string) {
	return filepath.Join(f.resultDir, "client_"+commID+".wav"),
		filepath.Join(f.resultDir, "staff_"+commID+".wav")
}

// Fetch downloads both channels. A channel already present on disk with
// nonzero size is skipped, so re-entry after a crash or duplicate webhook is
// free. A failure on one channel does not stop the other; the call succeeds
// only if both files end up nonzero.
func (f *Fetcher) Fetch(ctx context.Context, commID string, trackIDs []string) error {
	if len(trackIDs) < 2 {
		f.log.Warn("call lacks two audio tracks", "communication_id", commID, "tracks", trackIDs)
		return ErrInsufficientTracks
	}

	if err := os.MkdirAll(f.resultDir, 0o755); err != nil {
		return fmt.Errorf("creating result directory: %w", err)
	}

	clientPath, staffPath := f.Paths(commID)
	channels := []struct {
		name    string
		trackID string
		dest    string
	}{
		{"client", trackIDs[0], clientPath},
		{"staff", trackIDs[1], staffPath},
	}

	var errs []error
	for _, ch := range channels {
		if fileNonEmpty(ch.dest) {
			f.log.Info("channel already downloaded, skipping",
				"communication_id", commID, "channel", ch.name, "path", ch.dest)
			continue
		}

		if err := f.downloader.DownloadTrack(ctx, commID, ch.trackID, ch.dest); err != nil {
			f.log.Error("channel download failed",
				"communication_id", commID, "channel", ch.name, "track_id", ch.trackID, "error", err)
			errs = append(errs, fmt.Errorf("%s channel: %w", ch.name, err))
			continue
		}
		f.log.Info("channel downloaded", "communication_id", commID, "channel", ch.name, "path", ch.dest)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	// Success requires both files present with nonzero size.
	for _, ch := range channels {
		if !fileNonEmpty(ch.dest) {
			return fmt.Errorf("%s channel file missing or empty after download: %s", ch.name, ch.dest)
		}
	}
	return nil
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
