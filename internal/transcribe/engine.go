package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Artifact names inside a per-call transcription folder. A folder counts as
// complete only when all three are present; an interrupted run leaves the
// dialog file missing and the call is re-attempted.
const (
	ClientTranscriptFile = "client_transcript.json"
	StaffTranscriptFile  = "staff_transcript.json"
	DialogFile           = "dialog.txt"
)

const folderPrefix = "transcribed_call"

// ChannelTranscriber is the per-file speech-to-text call.
type ChannelTranscriber interface {
	Transcribe(ctx context.Context, audioPath string) (*Transcript, error)
}

// Engine turns a call's two channel recordings into a persisted transcript
// folder. It is idempotent per call: a complete prior folder short-circuits
// without touching the API.
type Engine struct {
	client    ChannelTranscriber
	resultDir string
	log       *slog.Logger
	now       func() time.Time
}

func NewEngine(client ChannelTranscriber, resultDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{client: client, resultDir: resultDir, log: logger, now: time.Now}
}

// TranscribeCall transcribes both channels and writes the artifact folder
// under the result dir, returning the folder name. Both inputs must exist.
// If either API call fails, nothing is persisted as complete and the error
// is returned.
func (e *Engine) TranscribeCall(ctx context.Context, commID, clientPath, staffPath string) (string, error) {
	for _, p := range []string{clientPath, staffPath} {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("missing audio file for call %s: %s", commID, p)
		}
	}

	if existing, ok := e.existingComplete(commID); ok {
		e.log.Info("complete transcription already exists, skipping",
			"communication_id", commID, "folder", existing)
		return existing, nil
	}

	name := fmt.Sprintf("%s%s_%s", folderPrefix, commID, e.now().Format("20060102_150405"))
	folder := filepath.Join(e.resultDir, name)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("creating transcription folder: %w", err)
	}

	e.log.Info("transcribing call", "communication_id", commID,
		"client", filepath.Base(clientPath), "staff", filepath.Base(staffPath))

	var clientTr, staffTr *Transcript
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tr, err := e.client.Transcribe(gCtx, clientPath)
		if err != nil {
			return fmt.Errorf("client channel: %w", err)
		}
		clientTr = tr
		return nil
	})
	g.Go(func() error {
		tr, err := e.client.Transcribe(gCtx, staffPath)
		if err != nil {
			return fmt.Errorf("staff channel: %w", err)
		}
		staffTr = tr
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("transcribing call %s: %w", commID, err)
	}

	if err := os.WriteFile(filepath.Join(folder, ClientTranscriptFile), clientTr.Raw, 0o644); err != nil {
		return "", fmt.Errorf("writing client transcript: %w", err)
	}
	if err := os.WriteFile(filepath.Join(folder, StaffTranscriptFile), staffTr.Raw, 0o644); err != nil {
		return "", fmt.Errorf("writing staff transcript: %w", err)
	}

	dialog := FormatDialog(MergeTranscripts(clientTr, staffTr))
	if err := os.WriteFile(filepath.Join(folder, DialogFile), []byte(dialog), 0o644); err != nil {
		return "", fmt.Errorf("writing dialog: %w", err)
	}

	e.log.Info("transcription saved", "communication_id", commID, "folder", name)
	return name, nil
}

// existingComplete scans the result dir for a prior folder of this call that
// holds the full artifact set. The store's transcript path is the
// authoritative "done" signal; this scan is a secondary guard against
// re-billing when the store update was lost mid-run.
func (e *Engine) existingComplete(commID string) (string, bool) {
	entries, err := os.ReadDir(e.resultDir)
	if err != nil {
		return "", false
	}

	prefix := folderPrefix + commID + "_"
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		if folderComplete(filepath.Join(e.resultDir, entry.Name())) {
			return entry.Name(), true
		}
		e.log.Info("incomplete transcription folder found, will retranscribe",
			"communication_id", commID, "folder", entry.Name())
	}
	return "", false
}

func folderComplete(folder string) bool {
	for _, name := range []string{ClientTranscriptFile, StaffTranscriptFile, DialogFile} {
		if info, err := os.Stat(filepath.Join(folder, name)); err != nil || info.IsDir() {
			return false
		}
	}
	return true
}
