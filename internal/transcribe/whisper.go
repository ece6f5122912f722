package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Segment is one timed fragment of a channel transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the decoded verbose response for one audio file. Raw keeps
// the exact upstream JSON so it can be persisted as an artifact unmodified.
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`

	Raw json.RawMessage `json:"-"`
}

// WhisperOptions configures a WhisperClient.
type WhisperOptions struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	// Optional outbound proxy for the transcription API. Constructed into
	// this client only; nothing global is mutated.
	ProxyURL string

	HTTPClient *http.Client
}

// WhisperClient calls the speech-to-text API once per audio file.
type WhisperClient struct {
	opts WhisperOptions
	http *http.Client
}

func NewWhisperClient(opts WhisperOptions) (*WhisperClient, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.Model == "" {
		opts.Model = "whisper-1"
	}
	if opts.HTTPClient == nil {
		transport := http.DefaultTransport
		if opts.ProxyURL != "" {
			proxyURL, err := url.Parse(opts.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("parsing proxy URL: %w", err)
			}
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
		opts.HTTPClient = &http.Client{
			Timeout:   5 * time.Minute,
			Transport: transport,
		}
	}
	return &WhisperClient{opts: opts, http: opts.HTTPClient}, nil
}

// Transcribe uploads one audio file and returns its timed transcript.
func (c *WhisperClient) Transcribe(ctx context.Context, audioPath string) (*Transcript, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("opening audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("model", c.opts.Model); err != nil {
		return nil, err
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, err
	}
	if c.opts.Language != "" {
		if err := mw.WriteField("language", c.opts.Language); err != nil {
			return nil, err
		}
	}

	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("reading audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(c.opts.BaseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("transcription API: HTTP %d: %s", resp.StatusCode, data)
	}

	var tr Transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("decoding transcription response: %w", err)
	}
	tr.Raw = data
	return &tr, nil
}
