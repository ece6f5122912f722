package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"callscribe/internal/storage"
	"callscribe/internal/uis"
)

// Locator finds one call in the upstream report batch. The batch is returned
// whenever one was fetched, even on ErrCallNotFound, so the sweep can reuse it.
type Locator interface {
	FindCall(ctx context.Context, commID string) (*uis.Call, *uis.Batch, error)
}

// Fetcher materializes both channel recordings for a call.
type Fetcher interface {
	Fetch(ctx context.Context, commID string, trackIDs []string) error
	Paths(commID string) (clientPath, staffPath string)
}

// Transcriber produces the transcript folder for a call.
type Transcriber interface {
	TranscribeCall(ctx context.Context, commID, clientPath, staffPath string) (string, error)
}

// RecordStore is the slice of the call store the orchestrator needs.
type RecordStore interface {
	InsertCallIfAbsent(id string, callDate time.Time, metadata []byte) (bool, error)
	UpdateCallPaths(id string, upd storage.PathUpdate) error
	GetCall(id string) (storage.CallRecord, error)
	ProcessedIDs() (map[string]struct{}, error)
}

// Orchestrator drives one call through locate, fetch, and transcribe, and
// reconciles the rest of the batch it saw along the way.
type Orchestrator struct {
	locator     Locator
	fetcher     Fetcher
	transcriber Transcriber
	store       RecordStore

	resultDir      string
	locateAttempts int
	locateDelay    time.Duration

	sleep func(time.Duration)
	now   func() time.Time
	log   *slog.Logger
}

// Options configures an Orchestrator. Zero values fall back to the
// production defaults (2 locate attempts, 2s delay).
type Options struct {
	ResultDir      string
	LocateAttempts int
	LocateDelay    time.Duration
	Logger         *slog.Logger
}

func NewOrchestrator(locator Locator, fetcher Fetcher, transcriber Transcriber, store RecordStore, opts Options) *Orchestrator {
	if opts.LocateAttempts <= 0 {
		opts.LocateAttempts = 2
	}
	if opts.LocateDelay <= 0 {
		opts.LocateDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		locator:        locator,
		fetcher:        fetcher,
		transcriber:    transcriber,
		store:          store,
		resultDir:      opts.ResultDir,
		locateAttempts: opts.LocateAttempts,
		locateDelay:    opts.LocateDelay,
		sleep:          time.Sleep,
		now:            time.Now,
		log:            opts.Logger,
	}
}

// HandleNotification is the webhook entry point. A call whose record already
// carries any transcript path, the NO_WAV sentinel included, returns the
// stored state immediately, without any network activity, so duplicate
// deliveries are free. NO_WAV calls are only re-attempted by the sweep.
func (o *Orchestrator) HandleNotification(ctx context.Context, commID string) Result {
	if rec, err := o.store.GetCall(commID); err == nil && rec.TranscriptPath != "" {
		if rec.TranscriptPath == storage.TranscriptNoWav {
			o.log.Info("call already marked NO_WAV", "communication_id", commID)
			return Result{Outcome: OutcomeNoAudio, Message: "call was already marked as having no audio (NO_WAV)", Record: &rec}
		}
		o.log.Info("call already processed", "communication_id", commID, "transcript", rec.TranscriptPath)
		return Result{Outcome: OutcomeAlreadyProcessed, Message: "call was already processed", Record: &rec}
	}
	return o.process(ctx, commID, true)
}

// process runs the locate -> fetch -> transcribe sequence. Only the locate
// phase retries: a call can lag in upstream reporting, so not-found (or found
// with an empty track list) is retried up to the attempt ceiling with a fixed
// delay. Download and transcription failures surface immediately.
func (o *Orchestrator) process(ctx context.Context, commID string, sweep bool) Result {
	started := o.now()

	var call *uis.Call
	var batch *uis.Batch
	for attempt := 1; attempt <= o.locateAttempts; attempt++ {
		c, b, err := o.locator.FindCall(ctx, commID)
		if b != nil {
			batch = b
		}
		if err != nil && err != uis.ErrCallNotFound {
			o.log.Warn("locate failed", "communication_id", commID, "attempt", attempt, "error", err)
		}
		if c != nil && len(c.WavCallRecords) > 0 {
			call = c
			break
		}
		if attempt < o.locateAttempts {
			o.log.Warn("call not located or has no audio tracks, retrying",
				"communication_id", commID, "attempt", attempt)
			o.sleep(o.locateDelay)
		}
	}

	if call == nil {
		res := o.markNoWav(commID)
		if sweep && batch != nil {
			o.reconcile(ctx, batch, commID)
		}
		return res
	}

	if _, err := o.store.InsertCallIfAbsent(commID, o.now().UTC(), call.Raw); err != nil {
		return o.failure(commID, OutcomeStoreFailed, fmt.Sprintf("recording call: %v", err))
	}

	tracks := call.TrackIDs()
	if len(tracks) < 2 {
		o.log.Warn("call has a single audio track, cannot transcribe", "communication_id", commID)
		return o.failure(commID, OutcomeInsufficientTracks, "call does not have two audio tracks")
	}

	if err := o.fetcher.Fetch(ctx, commID, tracks); err != nil {
		return o.failure(commID, OutcomeDownloadFailed, fmt.Sprintf("downloading audio: %v", err))
	}

	clientPath, staffPath := o.fetcher.Paths(commID)
	if err := o.store.UpdateCallPaths(commID, storage.PathUpdate{
		ClientAudioPath: &clientPath,
		StaffAudioPath:  &staffPath,
	}); err != nil {
		return o.failure(commID, OutcomeStoreFailed, fmt.Sprintf("recording audio paths: %v", err))
	}

	folder, err := o.transcriber.TranscribeCall(ctx, commID, clientPath, staffPath)
	if err != nil {
		return o.failure(commID, OutcomeTranscribeFailed, fmt.Sprintf("transcribing: %v", err))
	}

	if err := o.store.UpdateCallPaths(commID, storage.PathUpdate{TranscriptPath: &folder}); err != nil {
		return o.failure(commID, OutcomeStoreFailed, fmt.Sprintf("recording transcript path: %v", err))
	}

	o.log.Info("call processed", "communication_id", commID,
		"transcript", folder, "elapsed", o.now().Sub(started))

	if sweep && batch != nil {
		o.reconcile(ctx, batch, commID)
	}

	rec, err := o.store.GetCall(commID)
	res := Result{Outcome: OutcomeProcessed, Message: "call transcribed"}
	if err == nil {
		res.Record = &rec
	}
	return res
}

// markNoWav records the terminal no-audio outcome: the sentinel transcript
// path plus a human-readable marker folder. Both writes are safe to repeat.
func (o *Orchestrator) markNoWav(commID string) Result {
	o.log.Error("no call data or audio tracks after all attempts, marking NO_WAV",
		"communication_id", commID, "attempts", o.locateAttempts)

	if _, err := o.store.InsertCallIfAbsent(commID, o.now().UTC(), nil); err != nil {
		return o.failure(commID, OutcomeStoreFailed, fmt.Sprintf("recording call: %v", err))
	}
	noWav := storage.TranscriptNoWav
	if err := o.store.UpdateCallPaths(commID, storage.PathUpdate{TranscriptPath: &noWav}); err != nil {
		return o.failure(commID, OutcomeStoreFailed, fmt.Sprintf("marking NO_WAV: %v", err))
	}

	if err := o.writeNoWavMarker(commID); err != nil {
		o.log.Warn("writing NO_WAV marker failed", "communication_id", commID, "error", err)
	}

	return o.failure(commID, OutcomeNoAudio, "no audio recordings available for transcription (NO_WAV)")
}

func (o *Orchestrator) writeNoWavMarker(commID string) error {
	folder := filepath.Join(o.resultDir, folderPrefix+commID+"_NO_WAV")
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return err
	}
	info := fmt.Sprintf("Call %s: no audio recordings (wav_call_records) available for transcription, or the call was not found in the upstream API.\n", commID)
	return os.WriteFile(filepath.Join(folder, "info.txt"), []byte(info), 0o644)
}

const folderPrefix = "transcribed_call"

// reconcile runs every not-yet-processed call of the batch through the
// pipeline. Siblings skip the webhook's terminal-state short-circuit, so a
// NO_WAV record whose audio appeared late gets another chance here. Each
// sibling gets a fresh locate budget, but sweeps never nest: a sibling's own
// failure cannot trigger another pass over the batch. The originating call is
// excluded; its outcome is already decided.
func (o *Orchestrator) reconcile(ctx context.Context, batch *uis.Batch, originID string) {
	processed, err := o.store.ProcessedIDs()
	if err != nil {
		o.log.Error("reconciliation: listing processed calls failed", "error", err)
		return
	}

	var pending []string
	for _, id := range batch.IDs() {
		if id == "" || id == originID {
			continue
		}
		if _, done := processed[id]; done {
			continue
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		return
	}

	o.log.Info("reconciliation sweep: found unprocessed calls in batch",
		"count", len(pending), "ids", pending)

	for _, id := range pending {
		if ctx.Err() != nil {
			return
		}
		o.log.Info("reconciliation sweep: processing call", "communication_id", id)
		res := o.process(ctx, id, false)
		if !res.OK() {
			o.log.Warn("reconciliation sweep: call failed",
				"communication_id", id, "outcome", res.Outcome, "message", res.Message)
		}
	}
}

// failure builds a structured failure result carrying the last known record
// snapshot when one exists.
func (o *Orchestrator) failure(commID string, outcome Outcome, message string) Result {
	res := Result{Outcome: outcome, Message: message}
	if rec, err := o.store.GetCall(commID); err == nil {
		res.Record = &rec
	}
	return res
}
