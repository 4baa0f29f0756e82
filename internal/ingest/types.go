package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	DefaultMaxMessageBytes = 1_000_000
	DefaultMaxBatchBytes   = 2_500_000
)

type EventType string

const (
	EventTraceCreate      EventType = "trace-create"
	EventSpanCreate       EventType = "span-create"
	EventSpanUpdate       EventType = "span-update"
	EventGenerationCreate EventType = "generation-create"
	EventGenerationUpdate EventType = "generation-update"
	EventEventCreate      EventType = "event-create"
	EventScoreCreate      EventType = "score-create"
	EventSDKLog           EventType = "sdk-log"
)

// EventTypes lists every type in declaration order.
var EventTypes = []EventType{
	EventTraceCreate,
	EventSpanCreate,
	EventSpanUpdate,
	EventGenerationCreate,
	EventGenerationUpdate,
	EventEventCreate,
	EventScoreCreate,
	EventSDKLog,
}

func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Item is one queued ingestion event. It is immutable once enqueued; the
// attempt counter is retry bookkeeping and never leaves the process.
type Item struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp string      `json:"timestamp"`
	Body      any         `json:"body"`
	Callback  func(error) `json:"-"`

	attempts int
	raw      []byte
}

type itemJSON struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
	Body      any       `json:"body"`
}

func NewItem(eventType EventType, body any, now time.Time) *Item {
	return &Item{
		ID:        NewID(),
		Type:      eventType,
		Timestamp: FormatTimestamp(now),
		Body:      body,
	}
}

// FormatTimestamp renders t as an ISO8601 UTC string with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Encode serializes the item once and caches the bytes used for size
// accounting and for the wire payload.
func (it *Item) Encode() error {
	raw, err := json.Marshal(itemJSON{ID: it.ID, Type: it.Type, Timestamp: it.Timestamp, Body: it.Body})
	if err != nil {
		return fmt.Errorf("encode %s item %s: %w", it.Type, it.ID, err)
	}
	it.raw = raw
	return nil
}

func (it *Item) MarshalJSON() ([]byte, error) {
	if it.raw != nil {
		return it.raw, nil
	}
	return json.Marshal(itemJSON{ID: it.ID, Type: it.Type, Timestamp: it.Timestamp, Body: it.Body})
}

// Raw returns the cached serialization, or nil before Encode.
func (it *Item) Raw() []byte {
	return it.raw
}

// Size is the serialized size in bytes; zero until Encode succeeds.
func (it *Item) Size() int {
	return len(it.raw)
}

func (it *Item) Attempts() int {
	return it.attempts
}

func (it *Item) MarkAttempt() {
	it.attempts++
}

// Done invokes the callback, if any. A nil error means delivered.
func (it *Item) Done(err error) {
	if it.Callback != nil {
		it.Callback(err)
	}
}

type ObservationLevel string

const (
	LevelDebug   ObservationLevel = "DEBUG"
	LevelDefault ObservationLevel = "DEFAULT"
	LevelWarning ObservationLevel = "WARNING"
	LevelError   ObservationLevel = "ERROR"
)

type TraceBody struct {
	ID          string     `json:"id"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Name        string     `json:"name,omitempty"`
	UserID      string     `json:"userId,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	Input       any        `json:"input,omitempty"`
	Output      any        `json:"output,omitempty"`
	Metadata    any        `json:"metadata,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Release     string     `json:"release,omitempty"`
	Version     string     `json:"version,omitempty"`
	Public      bool       `json:"public,omitempty"`
	Environment string     `json:"environment,omitempty"`
}

// ObservationBody is shared by spans, generations and events. The
// generation fields stay empty for the other two.
type ObservationBody struct {
	ID                  string           `json:"id"`
	TraceID             string           `json:"traceId,omitempty"`
	ParentObservationID string           `json:"parentObservationId,omitempty"`
	Name                string           `json:"name,omitempty"`
	StartTime           *time.Time       `json:"startTime,omitempty"`
	EndTime             *time.Time       `json:"endTime,omitempty"`
	CompletionStartTime *time.Time       `json:"completionStartTime,omitempty"`
	Input               any              `json:"input,omitempty"`
	Output              any              `json:"output,omitempty"`
	Metadata            any              `json:"metadata,omitempty"`
	Level               ObservationLevel `json:"level,omitempty"`
	StatusMessage       string           `json:"statusMessage,omitempty"`
	Version             string           `json:"version,omitempty"`
	Environment         string           `json:"environment,omitempty"`

	Model           string         `json:"model,omitempty"`
	ModelParameters map[string]any `json:"modelParameters,omitempty"`
	Usage           *Usage         `json:"usage,omitempty"`
	PromptName      string         `json:"promptName,omitempty"`
	PromptVersion   int            `json:"promptVersion,omitempty"`
}

type Usage struct {
	Input      int     `json:"input,omitempty"`
	Output     int     `json:"output,omitempty"`
	Total      int     `json:"total,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	InputCost  float64 `json:"inputCost,omitempty"`
	OutputCost float64 `json:"outputCost,omitempty"`
	TotalCost  float64 `json:"totalCost,omitempty"`
}

type ScoreBody struct {
	ID            string `json:"id"`
	TraceID       string `json:"traceId"`
	ObservationID string `json:"observationId,omitempty"`
	Name          string `json:"name"`
	Value         any    `json:"value"`
	DataType      string `json:"dataType,omitempty"`
	Comment       string `json:"comment,omitempty"`
	ConfigID      string `json:"configId,omitempty"`
	Metadata      any    `json:"metadata,omitempty"`
	Environment   string `json:"environment,omitempty"`
}

type SDKLogBody struct {
	Log any `json:"log"`
}

// TraceIDOf returns the trace a body belongs to, or "" when it has none.
func TraceIDOf(body any) string {
	switch b := body.(type) {
	case *TraceBody:
		return b.ID
	case *ObservationBody:
		return b.TraceID
	case *ScoreBody:
		return b.TraceID
	}
	return ""
}
