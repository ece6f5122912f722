package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"callscribe/internal/archive"
	"callscribe/internal/pipeline"
	"callscribe/internal/storage"
	"callscribe/internal/uis"
)

const maxWebhookBodySize = 1 << 20 // 1MB

const dateLayout = "2006-01-02"

// NotificationHandler runs a call through the processing pipeline.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, commID string) pipeline.Result
}

// CallStore is the slice of the record store the HTTP layer reads from.
type CallStore interface {
	GetCall(id string) (storage.CallRecord, error)
	Stats() (storage.CallStats, error)
}

// OldCallArchiver triggers an archiving pass on demand.
type OldCallArchiver interface {
	ArchiveOlderThan(days int) (archive.Report, error)
}

// AnalysisExporter builds an analysis bundle for a date range.
type AnalysisExporter interface {
	AnalysisExport(from, till time.Time, includeAudio bool) (string, error)
}

type AppDeps struct {
	Pipeline    NotificationHandler
	Store       CallStore
	Archiver    OldCallArchiver
	Exporter    AnalysisExporter
	AdminToken  string
	ArchiveDays int
}

// NewAppHandler builds the HTTP surface: the webhook and read endpoints the
// telephony platform calls, plus a bearer-authed admin group for archiving,
// exports, and stats.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/webhook/call", handleWebhook(deps))
	r.Get("/call/{comm_id}", handleGetCall(deps))

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.AdminToken))
		r.Post("/archive/old-calls", handleArchiveOldCalls(deps))
		r.Get("/export/analysis/{date_from}/{date_till}", handleAnalysisExport(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type webhookRequest struct {
	CommunicationID uis.ID `json:"communication_id"`
}

func handleWebhook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
		defer r.Body.Close()

		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		commID := string(req.CommunicationID)
		if !validCommunicationID(commID) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "communication_id must be a non-empty numeric string")
			return
		}

		res := deps.Pipeline.HandleNotification(r.Context(), commID)
		writeResult(w, commID, res)
	}
}

// writeResult maps a pipeline outcome to an HTTP status. Terminal outcomes,
// including NO_WAV, answer 200 so the sender does not redeliver; transient
// upstream failures answer 502 so it does.
func writeResult(w http.ResponseWriter, commID string, res pipeline.Result) {
	status := http.StatusOK
	switch res.Outcome {
	case pipeline.OutcomeProcessed, pipeline.OutcomeAlreadyProcessed, pipeline.OutcomeNoAudio:
		status = http.StatusOK
	case pipeline.OutcomeInsufficientTracks:
		status = http.StatusUnprocessableEntity
	case pipeline.OutcomeDownloadFailed, pipeline.OutcomeTranscribeFailed:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}

	body := map[string]any{
		"communication_id": commID,
		"status":           res.Outcome,
		"message":          res.Message,
	}
	if res.Record != nil {
		body["call"] = res.Record
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// validCommunicationID accepts only non-empty all-digit strings, matching the
// upstream ID format.
func validCommunicationID(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func handleGetCall(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "comm_id")
		if !validCommunicationID(id) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "communication_id must be a non-empty numeric string")
			return
		}

		rec, err := deps.Store.GetCall(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "call not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get call: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	}
}

func handleArchiveOldCalls(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := deps.ArchiveDays
		if s := r.URL.Query().Get("days"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "days must be a positive integer")
				return
			}
			days = v
		}

		rep, err := deps.Archiver.ArchiveOlderThan(days)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "archiving failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rep)
	}
}

func handleAnalysisExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := time.Parse(dateLayout, chi.URLParam(r, "date_from"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "date_from must be YYYY-MM-DD")
			return
		}
		till, err := time.Parse(dateLayout, chi.URLParam(r, "date_till"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "date_till must be YYYY-MM-DD")
			return
		}
		if till.Before(from) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "date_till must not precede date_from")
			return
		}
		// Inclusive upper bound: the whole last day.
		till = till.Add(24*time.Hour - time.Second)

		includeAudio := r.URL.Query().Get("include_audio") == "true"

		path, err := deps.Exporter.AnalysisExport(from, till, includeAudio)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "export failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
		http.ServeFile(w, r, path)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read stats: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
