package uis

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCallNotFound is returned by FindCall when the batch does not contain the
// requested communication ID.
var ErrCallNotFound = errors.New("call not found in batch")

// ID tolerates upstream identifiers arriving as JSON numbers or strings.
// All comparisons happen on the string form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identifier is neither string nor number: %s", data)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Call is one payload from the upstream calls report. Raw holds the original
// JSON so the full upstream snapshot can be persisted as record metadata.
type Call struct {
	CommunicationID ID   `json:"communication_id"`
	WavCallRecords  []ID `json:"wav_call_records"`

	Raw json.RawMessage `json:"-"`
}

func (c *Call) UnmarshalJSON(data []byte) error {
	type alias Call
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Call(a)
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// TrackIDs returns the audio track identifiers as strings.
func (c *Call) TrackIDs() []string {
	out := make([]string, 0, len(c.WavCallRecords))
	for _, id := range c.WavCallRecords {
		out = append(out, id.String())
	}
	return out
}

// Batch is one calls-report response. It is kept around after a lookup so the
// reconciliation sweep can reuse it instead of re-querying.
type Batch struct {
	Calls []Call
}

// IDs lists every communication ID present in the batch.
func (b *Batch) IDs() []string {
	out := make([]string, 0, len(b.Calls))
	for _, c := range b.Calls {
		out = append(out, c.CommunicationID.String())
	}
	return out
}
