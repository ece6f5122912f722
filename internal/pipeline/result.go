package pipeline

import "callscribe/internal/storage"

// Outcome classifies how handling a notification ended.
type Outcome string

const (
	OutcomeProcessed          Outcome = "processed"
	OutcomeAlreadyProcessed   Outcome = "already_processed"
	OutcomeNoAudio            Outcome = "no_audio"
	OutcomeInsufficientTracks Outcome = "insufficient_tracks"
	OutcomeDownloadFailed     Outcome = "download_failed"
	OutcomeTranscribeFailed   Outcome = "transcribe_failed"
	OutcomeStoreFailed        Outcome = "store_failed"
)

// Result is what a notification handler reports back to the caller.
type Result struct {
	Outcome Outcome
	Message string
	Record  *storage.CallRecord
}

// OK reports whether the call ended up with a usable transcript.
func (r Result) OK() bool {
	return r.Outcome == OutcomeProcessed || r.Outcome == OutcomeAlreadyProcessed
}
