package llmtrace

import (
	"github.com/kon-rad/llmtrace/internal/eventbus"
	"github.com/kon-rad/llmtrace/internal/ingest"
	"github.com/kon-rad/llmtrace/internal/pipeline"
	"github.com/kon-rad/llmtrace/internal/prompts"
	"github.com/kon-rad/llmtrace/internal/store"
)

type (
	Item            = ingest.Item
	EventType       = ingest.EventType
	TraceBody       = ingest.TraceBody
	ObservationBody = ingest.ObservationBody
	ScoreBody       = ingest.ScoreBody
	Usage           = ingest.Usage
	Level           = ingest.ObservationLevel
	MaskFunc        = ingest.MaskFunc

	EventName = eventbus.Name
	Handler   = eventbus.Handler

	Prompt              = prompts.Prompt
	PromptType          = prompts.Type
	ChatMessage         = prompts.ChatMessage
	CreatePromptRequest = prompts.CreateRequest

	Store    = store.Store
	Property = store.Property

	Stats = pipeline.Stats
)

const (
	TraceCreate      = ingest.EventTraceCreate
	SpanCreate       = ingest.EventSpanCreate
	SpanUpdate       = ingest.EventSpanUpdate
	GenerationCreate = ingest.EventGenerationCreate
	GenerationUpdate = ingest.EventGenerationUpdate
	EventCreate      = ingest.EventEventCreate
	ScoreCreate      = ingest.EventScoreCreate
	SDKLog           = ingest.EventSDKLog

	LevelDebug   = ingest.LevelDebug
	LevelDefault = ingest.LevelDefault
	LevelWarning = ingest.LevelWarning
	LevelError   = ingest.LevelError

	PromptText = prompts.TypeText
	PromptChat = prompts.TypeChat

	// EventAll subscribes to every bus notification.
	EventAll   = eventbus.Wildcard
	EventFlush = eventbus.Flush
	EventError = eventbus.Error
)

// EventFor is the bus name notified when an item of type t is enqueued.
func EventFor(t EventType) EventName {
	return eventbus.ForType(t)
}

var (
	ErrClosed         = pipeline.ErrClosed
	ErrPromptNotFound = prompts.ErrNotFound
	ErrPromptNetwork  = prompts.ErrNetwork
)
