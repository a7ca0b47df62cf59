// Package queue is the durable work queue between ingest and the delivery
// workers. It sits on Redis: a pending list, a processing set, a dead-letter
// set, a bounded results ring and a counters hash.
package queue

import (
	"time"

	"github.com/telemetrygate/telemetrygate/inventory"
	"github.com/telemetrygate/telemetrygate/normalize"
)

// Job statuses
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job is one unit of delivery work
type Job struct {
	ID                string                      `json:"id"`
	Message           map[string]any              `json:"message"`
	Normalized        *normalize.CanonicalMessage `json:"normalized,omitempty"`
	GatewayID         string                      `json:"gateway_id"`
	Tenant            *inventory.Tenant           `json:"tenant,omitempty"`
	FlowID            string                      `json:"flow_id,omitempty"`
	TemplateName      string                      `json:"template_name,omitempty"`
	Status            string                      `json:"status"`
	CreatedAt         time.Time                   `json:"created_at"`
	ProcessingStarted *time.Time                  `json:"processing_started,omitempty"`
	CompletedAt       *time.Time                  `json:"completed_at,omitempty"`
	FailedAt          *time.Time                  `json:"failed_at,omitempty"`
	RetryCount        int                         `json:"retry_count"`
	Error             string                      `json:"error,omitempty"`
	Result            map[string]any              `json:"result,omitempty"`
	ProcessingTimeMS  int64                       `json:"processing_time_ms,omitempty"`
}

// Stats is a snapshot of the queue counters and structure sizes
type Stats struct {
	Pending           int64   `json:"pending"`
	Processing        int64   `json:"processing"`
	Failed            int64   `json:"failed"`
	Results           int64   `json:"results"`
	TotalEnqueued     int64   `json:"total_enqueued"`
	TotalProcessed    int64   `json:"total_processed"`
	TotalFailed       int64   `json:"total_failed"`
	ProcessingTimeAvg float64 `json:"processing_time_avg_ms"`
}
