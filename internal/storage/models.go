package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TranscriptNoWav is the sentinel transcript path recorded when a call is
// confirmed to have no usable audio. Such calls are terminal for automatic
// retries but are not counted as processed.
const TranscriptNoWav = "NO_WAV"

// CallRecord is the persistent state of one notified call, keyed by the
// upstream communication ID. Records are never deleted; archiving only flips
// status fields.
type CallRecord struct {
	CommunicationID string          `json:"communication_id"`
	CallDate        time.Time       `json:"call_date"`
	ClientAudioPath string          `json:"client_audio_path,omitempty"`
	StaffAudioPath  string          `json:"staff_audio_path,omitempty"`
	TranscriptPath  string          `json:"transcript_path,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	IsArchived      bool            `json:"is_archived"`
	ArchivePath     string          `json:"archive_path,omitempty"`
	ArchiveDate     *time.Time      `json:"archive_date,omitempty"`
}

// Processed reports whether the call has a real transcript. NO_WAV is a
// terminal outcome, not a transcript.
func (r CallRecord) Processed() bool {
	return r.TranscriptPath != "" && r.TranscriptPath != TranscriptNoWav
}

// PathUpdate names the record fields a pipeline step may set. Nil fields are
// left untouched.
type PathUpdate struct {
	ClientAudioPath *string
	StaffAudioPath  *string
	TranscriptPath  *string
}

// CallStats is the aggregate returned by the stats endpoint.
type CallStats struct {
	Total    int `json:"total_calls"`
	Archived int `json:"archived_calls"`
	Active   int `json:"active_calls"`
}
