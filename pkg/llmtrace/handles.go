package llmtrace

import (
	"github.com/kon-rad/llmtrace/internal/ingest"
)

// TraceClient is the handle returned by Trace. Children created through it
// reference the trace id.
type TraceClient struct {
	client *Client
	id     string
}

func (t *TraceClient) ID() string { return t.id }

// Trace queues a trace-create event and returns its handle. An empty ID is
// filled in.
func (c *Client) Trace(body TraceBody) *TraceClient {
	if body.ID == "" {
		body.ID = ingest.NewID()
	}
	c.stampTrace(&body)
	c.Enqueue(ingest.EventTraceCreate, &body, nil)
	return &TraceClient{client: c, id: body.ID}
}

// Update upserts the trace. Only the fields set in body change.
func (t *TraceClient) Update(body TraceBody) *TraceClient {
	body.ID = t.id
	t.client.Enqueue(ingest.EventTraceCreate, &body, nil)
	return t
}

func (t *TraceClient) Span(body ObservationBody) *SpanClient {
	return t.client.span(t.id, "", body)
}

func (t *TraceClient) Event(body ObservationBody) *EventClient {
	return t.client.event(t.id, "", body)
}

func (t *TraceClient) Generation(body ObservationBody) *GenerationClient {
	return t.client.generation(t.id, "", body)
}

// Score attaches a score to the trace.
func (t *TraceClient) Score(body ScoreBody) *TraceClient {
	body.TraceID = t.id
	body.ObservationID = ""
	t.client.Score(body)
	return t
}

// observation holds what every observation handle shares: its id and the
// trace it belongs to.
type observation struct {
	client  *Client
	id      string
	traceID string
}

func (o *observation) ID() string { return o.id }

func (o *observation) TraceID() string { return o.traceID }

// Span creates a child span of this observation.
func (o *observation) Span(body ObservationBody) *SpanClient {
	return o.client.span(o.traceID, o.id, body)
}

func (o *observation) Event(body ObservationBody) *EventClient {
	return o.client.event(o.traceID, o.id, body)
}

func (o *observation) Generation(body ObservationBody) *GenerationClient {
	return o.client.generation(o.traceID, o.id, body)
}

// Score attaches a score to this observation.
func (o *observation) Score(body ScoreBody) {
	body.TraceID = o.traceID
	body.ObservationID = o.id
	o.client.Score(body)
}

func (o *observation) update(eventType EventType, body ObservationBody) {
	body.ID = o.id
	body.TraceID = o.traceID
	o.client.Enqueue(eventType, &body, nil)
}

type SpanClient struct {
	observation
}

func (s *SpanClient) Update(body ObservationBody) *SpanClient {
	s.update(ingest.EventSpanUpdate, body)
	return s
}

// End records the end time, now unless body sets one, along with any other
// fields in body.
func (s *SpanClient) End(body ObservationBody) *SpanClient {
	s.client.stampEnd(&body)
	s.update(ingest.EventSpanUpdate, body)
	return s
}

type GenerationClient struct {
	observation
}

func (g *GenerationClient) Update(body ObservationBody) *GenerationClient {
	g.update(ingest.EventGenerationUpdate, body)
	return g
}

func (g *GenerationClient) End(body ObservationBody) *GenerationClient {
	g.client.stampEnd(&body)
	g.update(ingest.EventGenerationUpdate, body)
	return g
}

// EventClient is the handle of a point-in-time event. Events cannot be
// updated but can have children.
type EventClient struct {
	observation
}

// Span starts an observation outside any existing trace handle. A missing
// TraceID gets a fresh id, which the ingestion API turns into an implicit
// trace.
func (c *Client) Span(body ObservationBody) *SpanClient {
	return c.span(body.TraceID, body.ParentObservationID, body)
}

func (c *Client) Event(body ObservationBody) *EventClient {
	return c.event(body.TraceID, body.ParentObservationID, body)
}

func (c *Client) Generation(body ObservationBody) *GenerationClient {
	return c.generation(body.TraceID, body.ParentObservationID, body)
}

// Score queues a score-create event. An empty ID is filled in.
func (c *Client) Score(body ScoreBody) {
	if body.ID == "" {
		body.ID = ingest.NewID()
	}
	if body.Environment == "" {
		body.Environment = c.cfg.Environment
	}
	c.Enqueue(ingest.EventScoreCreate, &body, nil)
}

func (c *Client) span(traceID, parentID string, body ObservationBody) *SpanClient {
	o := c.createObservation(ingest.EventSpanCreate, traceID, parentID, body)
	return &SpanClient{observation: o}
}

func (c *Client) event(traceID, parentID string, body ObservationBody) *EventClient {
	o := c.createObservation(ingest.EventEventCreate, traceID, parentID, body)
	return &EventClient{observation: o}
}

func (c *Client) generation(traceID, parentID string, body ObservationBody) *GenerationClient {
	o := c.createObservation(ingest.EventGenerationCreate, traceID, parentID, body)
	return &GenerationClient{observation: o}
}

func (c *Client) createObservation(eventType EventType, traceID, parentID string, body ObservationBody) observation {
	if body.ID == "" {
		body.ID = ingest.NewID()
	}
	if traceID == "" {
		traceID = ingest.NewID()
	}
	body.TraceID = traceID
	body.ParentObservationID = parentID
	if body.Environment == "" {
		body.Environment = c.cfg.Environment
	}
	c.Enqueue(eventType, &body, nil)
	return observation{client: c, id: body.ID, traceID: traceID}
}

func (c *Client) stampTrace(body *TraceBody) {
	if body.Release == "" {
		body.Release = c.cfg.Release
	}
	if body.Environment == "" {
		body.Environment = c.cfg.Environment
	}
}

func (c *Client) stampEnd(body *ObservationBody) {
	if body.EndTime == nil {
		now := c.clock.Now().UTC()
		body.EndTime = &now
	}
}
