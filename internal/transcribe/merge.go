package transcribe

import (
	"fmt"
	"sort"
	"strings"
)

// Speaker labels for the two channels of a call.
const (
	SpeakerClient = "client"
	SpeakerStaff  = "staff"
)

// DialogLine is one speaker-tagged line of the merged dialog.
type DialogLine struct {
	Start   float64
	Speaker string
	Text    string
}

// MergeTranscripts interleaves the two channel transcripts into one dialog
// ordered by start offset. The sort is stable, so segments with the same
// offset keep their original per-channel order.
func MergeTranscripts(client, staff *Transcript) []DialogLine {
	var lines []DialogLine

	if client != nil {
		for _, seg := range client.Segments {
			lines = append(lines, DialogLine{Start: seg.Start, Speaker: SpeakerClient, Text: strings.TrimSpace(seg.Text)})
		}
	}
	if staff != nil {
		for _, seg := range staff.Segments {
			lines = append(lines, DialogLine{Start: seg.Start, Speaker: SpeakerStaff, Text: strings.TrimSpace(seg.Text)})
		}
	}

	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Start < lines[j].Start
	})
	return lines
}

// FormatDialog renders the merged dialog, one "[mm:ss.ff] speaker: text" line
// per segment.
func FormatDialog(lines []DialogLine) string {
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "[%s] %s: %s\n", formatTimestamp(l.Start), l.Speaker, l.Text)
	}
	return b.String()
}

func formatTimestamp(seconds float64) string {
	minutes := int(seconds) / 60
	rest := seconds - float64(minutes*60)
	return fmt.Sprintf("%02d:%05.2f", minutes, rest)
}
