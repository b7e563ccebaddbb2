package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"usage_sink/internal/ingest"
	"usage_sink/internal/queue"
	"usage_sink/internal/usage"
	"usage_sink/internal/utils"
)

// maxBodyBytes caps a single usage report
const maxBodyBytes = 1 << 20

// UsageRequest is the body of POST /v1/usage
type UsageRequest struct {
	Stats    map[string]any `json:"stats"`
	Metadata map[string]any `json:"metadata"`
}

// UsageResponse is returned for accepted reports
type UsageResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

// handleUsage accepts one usage report. By default the report is queued for
// the ingest worker (202); with ?sync=true it is recorded before responding
// (201) and the request_id is returned.
func (d *Dependencies) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req UsageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()

	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
		requestID, err := d.Sink.Record(ctx, req.Stats, req.Metadata)
		if err != nil {
			utils.RespondWithError(w, statusForRecordError(err), err.Error())
			return
		}
		_ = utils.RespondWithJSON(w, http.StatusCreated, UsageResponse{Status: "recorded", RequestID: requestID})
		return
	}

	if err := d.Worker.Enqueue(ctx, req.Stats, req.Metadata); err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			utils.RespondWithError(w, http.StatusServiceUnavailable, "usage queue closed")
			return
		}
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to queue usage report")
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusAccepted, UsageResponse{Status: "queued"})
}

func statusForRecordError(err error) int {
	var sinkErr *usage.SinkError
	if errors.As(err, &sinkErr) && sinkErr.Stage != usage.StagePersist {
		return http.StatusBadRequest
	}
	if ingest.IsRetryable(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleHealth reports whether the persistence backend is reachable
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.Health != nil {
		if err := d.Health.Health(r.Context()); err != nil {
			utils.RespondWithError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleQueueStats returns the number of pending events
func (d *Dependencies) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	length, err := d.Worker.GetQueueLength(r.Context())
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]int{"pending": length})
}

// handleDeadLetters lists dead letters, oldest first. ?limit=N bounds the result.
func (d *Dependencies) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	items, err := d.Worker.ListDeadLetters(r.Context(), limit)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []queue.DeadLetterItem{}
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, items)
}

// handleRetryDeadLetter moves the dead letter ?id=... back onto the queue
func (d *Dependencies) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "missing 'id' parameter")
		return
	}

	if err := d.Worker.RetryDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		utils.RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusAccepted, UsageResponse{Status: "requeued"})
}
