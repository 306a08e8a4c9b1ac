// Package telemetry turns engine events into a bounded, batched, replayable
// stream. A single Bridge owns batching and fan-out; transports (SSE, stdout,
// tests) subscribe to it.
package telemetry

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every envelope.
const SchemaVersion = 1

// EventType identifies an engine event.
type EventType string

// Lifecycle, phase, progress, url-level, and operational event types.
const (
	EventCrawlStarted   EventType = "crawl:started"
	EventCrawlPaused    EventType = "crawl:paused"
	EventCrawlResumed   EventType = "crawl:resumed"
	EventCrawlStopped   EventType = "crawl:stopped"
	EventCrawlCompleted EventType = "crawl:completed"
	EventCrawlFailed    EventType = "crawl:failed"

	EventPhaseChanged EventType = "crawl:phase:changed"
	EventProgress     EventType = "crawl:progress"

	EventURLVisited EventType = "crawl:url:visited"
	EventURLQueued  EventType = "crawl:url:queued"
	EventURLError   EventType = "crawl:url:error"
	EventURLSkipped EventType = "crawl:url:skipped"
	EventURLBatch   EventType = "crawl:url:batch"

	EventQueueDropped EventType = "crawl:queue:dropped"
	EventRateLimited  EventType = "crawl:rate:limited"
	EventStalled      EventType = "crawl:stalled"

	EventCheckpointSaved    EventType = "crawl:checkpoint:saved"
	EventCheckpointRestored EventType = "crawl:checkpoint:restored"

	EventMetrics EventType = "crawl:metrics"
)

// Phase is an engine lifecycle phase reported via EventPhaseChanged.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhasePlanning     Phase = "planning"
	PhaseDiscovering  Phase = "discovering"
	PhaseCrawling     Phase = "crawling"
	PhaseProcessing   Phase = "processing"
	PhaseFinalizing   Phase = "finalizing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhasePaused       Phase = "paused"
	PhaseStopped      Phase = "stopped"
)

// Severity grades an event.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Envelope is the wire form of every event. One envelope per SSE frame.
type Envelope struct {
	SchemaVersion int            `json:"schemaVersion"`
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Topic         string         `json:"topic"`
	Tags          []string       `json:"tags,omitempty"`
	TimestampMs   int64          `json:"timestampMs"`
	JobID         string         `json:"jobId"`
	CrawlType     string         `json:"crawlType"`
	Severity      Severity       `json:"severity"`
	Message       string         `json:"message,omitempty"`
	Source        string         `json:"source"`
	Data          map[string]any `json:"data,omitempty"`

	// seq orders envelopes within a job after batching; not serialized.
	seq int64
}

// Topic derives the envelope topic from the event type: the segment after
// the "crawl:" prefix ("url", "phase", "progress", ...).
func topicOf(t EventType) string {
	parts := strings.Split(string(t), ":")
	if len(parts) >= 2 {
		return parts[1]
	}
	return parts[0]
}

func newEnvelope(t EventType, jobID, crawlType, source string, sev Severity, msg string, data map[string]any) Envelope {
	return Envelope{
		SchemaVersion: SchemaVersion,
		ID:            uuid.NewString(),
		Type:          t,
		Topic:         topicOf(t),
		TimestampMs:   time.Now().UnixMilli(),
		JobID:         jobID,
		CrawlType:     crawlType,
		Severity:      sev,
		Message:       msg,
		Source:        source,
		Data:          data,
	}
}

// URLEvent is one url-level observation before batching.
type URLEvent struct {
	Type       EventType      `json:"type"`
	URL        string         `json:"url"`
	Host       string         `json:"host,omitempty"`
	HTTPStatus int            `json:"httpStatus,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}
