package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// UsageEvent is the unit carried by the ingest queue: one completed LLM
// request as reported by the surrounding request-handling system.
type UsageEvent struct {
	Stats      map[string]any `json:"stats"`
	Metadata   map[string]any `json:"metadata"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// DecodeUsageEvent decodes a JSON event, keeping numbers as json.Number so
// costs are not forced through float64.
func DecodeUsageEvent(data []byte) (*UsageEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var evt UsageEvent
	if err := dec.Decode(&evt); err != nil {
		return nil, err
	}
	return &evt, nil
}
