package uis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options configures a Client.
type Options struct {
	DataAPIURL  string
	MediaURL    string
	AccessToken string

	// Widened window and larger page used when searching for one call,
	// since a recent call may be reporting-delayed.
	LookbackMinutes       int
	SearchLookbackMinutes int
	BatchLimit            int
	SearchLimit           int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the upstream call-tracking data API (JSON-RPC 2.0) and its
// media download endpoint.
type Client struct {
	opts Options
	http *http.Client
	log  *slog.Logger
	now  func() time.Time
}

func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LookbackMinutes <= 0 {
		opts.LookbackMinutes = 1440
	}
	if opts.SearchLookbackMinutes <= 0 {
		opts.SearchLookbackMinutes = 120
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 1000
	}
	return &Client{
		opts: opts,
		http: opts.HTTPClient,
		log:  opts.Logger,
		now:  time.Now,
	}
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	AccessToken string `json:"access_token"`
	DateFrom    string `json:"date_from"`
	DateTill    string `json:"date_till"`
	Limit       int    `json:"limit"`
	Offset      int    `json:"offset"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type reportResponse struct {
	Result struct {
		Data []Call `json:"data"`
	} `json:"result"`
	Error *rpcError `json:"error,omitempty"`
}

const reportTimeLayout = "2006-01-02 15:04:05"

// CallsReport fetches the batch of calls in [now-lookback, now].
func (c *Client) CallsReport(ctx context.Context, lookback time.Duration, limit int) (*Batch, error) {
	till := c.now()
	from := till.Add(-lookback)

	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "get.calls_report",
		Params: rpcParams{
			AccessToken: c.opts.AccessToken,
			DateFrom:    from.Format(reportTimeLayout),
			DateTill:    till.Format(reportTimeLayout),
			Limit:       limit,
			Offset:      0,
		},
	}

	var resp reportResponse
	if err := c.postJSON(ctx, c.opts.DataAPIURL, payload, &resp); err != nil {
		return nil, fmt.Errorf("calls report: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("calls report: upstream error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	return &Batch{Calls: resp.Result.Data}, nil
}

// FindCall fetches the widened search batch and scans it for commID. The
// batch is returned in all cases so callers can reconcile its siblings; when
// the call is absent the error is ErrCallNotFound and the IDs seen are logged
// for diagnostics.
func (c *Client) FindCall(ctx context.Context, commID string) (*Call, *Batch, error) {
	lookback := time.Duration(c.opts.SearchLookbackMinutes) * time.Minute
	batch, err := c.CallsReport(ctx, lookback, c.opts.SearchLimit)
	if err != nil {
		return nil, nil, err
	}

	for i := range batch.Calls {
		if batch.Calls[i].CommunicationID.String() == commID {
			return &batch.Calls[i], batch, nil
		}
	}

	c.log.Warn("call not found in report batch",
		"communication_id", commID,
		"batch_size", len(batch.Calls),
		"seen_ids", strings.Join(batch.IDs(), ","))
	return nil, batch, ErrCallNotFound
}

// FindCallWithRetry calls FindCall up to attempts times, sleeping delay
// between failures and short-circuiting on the first hit.
func (c *Client) FindCallWithRetry(ctx context.Context, commID string, attempts int, delay time.Duration) (*Call, *Batch, error) {
	var lastBatch *Batch
	for attempt := 1; attempt <= attempts; attempt++ {
		call, batch, err := c.FindCall(ctx, commID)
		if batch != nil {
			lastBatch = batch
		}
		if err == nil {
			c.log.Info("call located", "communication_id", commID, "attempt", attempt)
			return call, batch, nil
		}
		if err != ErrCallNotFound {
			return nil, lastBatch, err
		}
		if attempt < attempts {
			c.log.Info("call not found, waiting before retry",
				"communication_id", commID, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, lastBatch, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, lastBatch, ErrCallNotFound
}

// DownloadTrack streams one channel recording to dest. A non-2xx status or an
// empty body is a failure; the partial file is removed on error so a later
// retry does not mistake it for a finished download.
func (c *Client) DownloadTrack(ctx context.Context, commID, trackID, dest string) error {
	url := fmt.Sprintf("%s/system/media/wav/%s/%s/", strings.TrimRight(c.opts.MediaURL, "/"), commID, trackID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("downloading track %s: %w", trackID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("downloading track %s: HTTP %d", trackID, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if n == 0 {
		os.Remove(dest)
		return fmt.Errorf("downloading track %s: empty body", trackID)
	}

	c.log.Debug("track downloaded", "communication_id", commID, "track_id", trackID, "bytes", n)
	return nil
}

// postJSON sends a JSON-RPC request with bounded exponential retry on
// transport errors and 5xx responses.
func (c *Client) postJSON(ctx context.Context, url string, payload, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second

	var lastErr error
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			lastErr = fmt.Errorf("reading response: %w", err)
			return lastErr
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
			return lastErr
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
			return backoff.Permanent(lastErr)
		}
		if err := json.Unmarshal(data, target); err != nil {
			lastErr = fmt.Errorf("decoding response: %w", err)
			return backoff.Permanent(lastErr)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
