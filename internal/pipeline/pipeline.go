// Package pipeline schedules flushes of the event queue and reconciles
// delivery results with it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kon-rad/llmtrace/internal/clock"
	"github.com/kon-rad/llmtrace/internal/eventbus"
	"github.com/kon-rad/llmtrace/internal/ingest"
	"github.com/kon-rad/llmtrace/internal/push"
)

// ErrClosed is returned by Enqueue once shutdown has started. The item is
// discarded.
var ErrClosed = errors.New("pipeline is shut down")

type State int32

const (
	StateIdle State = iota
	StateTimerArmed
	StateFlushing
	StateShuttingDown
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTimerArmed:
		return "timer-armed"
	case StateFlushing:
		return "flush-in-progress"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutDown:
		return "shut-down"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Sender delivers one batch. *push.Pusher and *push.LocalExporter satisfy it.
type Sender interface {
	Send(ctx context.Context, items []*ingest.Item) (push.Result, error)
}

type Options struct {
	FlushAt         int
	FlushInterval   time.Duration
	MaxMessageBytes int
	MaxBatchBytes   int
	// MaxItemRetries bounds how often an item rejected inside a 207 response
	// is requeued before it is dropped.
	MaxItemRetries int
	Clock          clock.Clock
	Logger         *slog.Logger
}

type Stats struct {
	Queued               int
	Delivered            int64
	DroppedOversized     int64
	DroppedFailed        int64
	DroppedAfterShutdown int64
}

type Pipeline struct {
	opts   Options
	queue  *ingest.Queue
	sender Sender
	bus    *eventbus.Bus
	clock  clock.Clock
	logger *slog.Logger

	state   atomic.Int32
	flushMu sync.Mutex
	// gate orders Enqueue against the move to shutting-down: an Enqueue
	// either completes before shutdown starts or sees ErrClosed.
	gate sync.RWMutex

	trigger    chan struct{}
	stop       chan struct{}
	loopDone   chan struct{}
	loopCtx    context.Context
	loopCancel context.CancelFunc
	startOnce  sync.Once
	started    atomic.Bool

	shutdownOnce sync.Once
	shutdownDone chan struct{}

	delivered            atomic.Int64
	droppedOversized     atomic.Int64
	droppedFailed        atomic.Int64
	droppedAfterShutdown atomic.Int64
}

func New(queue *ingest.Queue, sender Sender, bus *eventbus.Bus, opts Options) *Pipeline {
	if opts.FlushAt < 1 {
		opts.FlushAt = 1
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = ingest.DefaultMaxMessageBytes
	}
	if opts.MaxBatchBytes <= 0 {
		opts.MaxBatchBytes = ingest.DefaultMaxBatchBytes
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	return &Pipeline{
		opts:         opts,
		queue:        queue,
		sender:       sender,
		bus:          bus,
		clock:        opts.Clock,
		logger:       opts.Logger,
		trigger:      make(chan struct{}, 1),
		stop:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		loopCtx:      loopCtx,
		loopCancel:   loopCancel,
		shutdownDone: make(chan struct{}),
	}
}

// Start launches the scheduler goroutine. It is safe to call more than once.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		if p.State() >= StateShuttingDown {
			return
		}
		p.started.Store(true)
		go p.loop()
	})
}

func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Queued:               p.queue.Len(),
		Delivered:            p.delivered.Load(),
		DroppedOversized:     p.droppedOversized.Load(),
		DroppedFailed:        p.droppedFailed.Load(),
		DroppedAfterShutdown: p.droppedAfterShutdown.Load(),
	}
}

// Enqueue queues it, notifies subscribers of its type and wakes the
// scheduler when the queue reaches the flush threshold. It never performs
// network I/O on the caller's goroutine.
func (p *Pipeline) Enqueue(ctx context.Context, it *ingest.Item) error {
	n, err := p.admit(ctx, it)
	if err != nil {
		return err
	}
	p.logger.Debug("event enqueued", "type", string(it.Type), "id", it.ID, "queue_length", n)
	p.bus.Emit(eventbus.ForType(it.Type), it)

	if n >= p.opts.FlushAt {
		select {
		case p.trigger <- struct{}{}:
		default:
		}
	}
	return nil
}

// admit queues it unless shutdown has started. Handlers run outside the
// gate so they may call back into the pipeline.
func (p *Pipeline) admit(ctx context.Context, it *ingest.Item) (int, error) {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.State() >= StateShuttingDown {
		p.droppedAfterShutdown.Add(1)
		p.logger.Debug("dropping event captured after shutdown", "type", string(it.Type), "id", it.ID)
		return 0, ErrClosed
	}
	return p.queue.Enqueue(ctx, it)
}

// Flush sends everything currently queued and returns the delivered items,
// or nil when nothing was delivered. Items rejected by a 207 wait for the
// next cycle. After shutdown starts it does nothing.
func (p *Pipeline) Flush(ctx context.Context) []*ingest.Item {
	if p.State() >= StateShuttingDown {
		return nil
	}
	delivered, _ := p.flush(ctx, 1)
	return delivered
}

// Shutdown stops the scheduler, drains the queue until it is empty, a batch
// fails outright or no further progress is possible, then closes the event
// bus. Items still queued after an outright failure are dropped. It returns
// a non-nil error only when ctx ends first.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	first := false
	p.shutdownOnce.Do(func() {
		first = true
	})
	if !first {
		select {
		case <-p.shutdownDone:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for shutdown: %w", ctx.Err())
		}
	}
	defer close(p.shutdownDone)

	p.gate.Lock()
	p.state.Store(int32(StateShuttingDown))
	p.gate.Unlock()
	p.logger.Debug("shutting down", "queue_length", p.queue.Len())

	var joined error
	if err := p.stopLoop(ctx); err != nil {
		joined = errors.Join(joined, err)
	}

	for joined == nil && p.queue.Len() > 0 {
		before := p.queue.Len()
		delivered, failed := p.flush(ctx, 1)
		if ctx.Err() != nil {
			joined = errors.Join(joined, fmt.Errorf("final flush: %w", ctx.Err()))
			break
		}
		if failed {
			p.dropRemaining(ctx)
			break
		}
		if len(delivered) == 0 && p.queue.Len() >= before {
			p.logger.Warn("final flush made no progress", "queue_length", p.queue.Len())
			break
		}
	}

	p.bus.Close()
	p.loopCancel()
	p.state.Store(int32(StateShutDown))
	return joined
}

func (p *Pipeline) stopLoop(ctx context.Context) error {
	close(p.stop)
	if !p.started.Load() {
		return nil
	}
	select {
	case <-p.loopDone:
		return nil
	case <-ctx.Done():
		p.loopCancel()
		<-p.loopDone
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

func (p *Pipeline) loop() {
	defer close(p.loopDone)

	var tick <-chan time.Time
	if p.opts.FlushInterval > 0 {
		p.state.CompareAndSwap(int32(StateIdle), int32(StateTimerArmed))
		ticker := p.clock.NewTicker(p.opts.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-p.stop:
			return
		case <-tick:
			p.flush(p.loopCtx, 1)
		case <-p.trigger:
			p.flush(p.loopCtx, p.opts.FlushAt)
		}
	}
}

// flush sends batches while at least minQueued items are queued. It stops
// early when a batch fails outright, reported as failed, or when the front
// of the queue is an item this call already sent.
func (p *Pipeline) flush(ctx context.Context, minQueued int) (delivered []*ingest.Item, failed bool) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	restore := p.markFlushing()
	defer restore()

	if minQueued < 1 {
		minQueued = 1
	}
	attempted := make(map[*ingest.Item]struct{})
	for ctx.Err() == nil && p.queue.Len() >= minQueued {
		if front := p.queue.Peek(); front != nil {
			if _, seen := attempted[front]; seen {
				break
			}
		}
		batch, dropped := p.queue.Drain(ctx, p.opts.FlushAt, p.opts.MaxMessageBytes, p.opts.MaxBatchBytes)
		p.reportOversized(dropped)
		if len(batch) == 0 {
			if len(dropped) > 0 {
				continue
			}
			p.logger.Warn("batch budget too small for the next event", "queue_length", p.queue.Len(), "max_batch_bytes", p.opts.MaxBatchBytes)
			break
		}
		for _, it := range batch {
			attempted[it] = struct{}{}
		}

		sent, ok := p.deliver(ctx, batch)
		delivered = append(delivered, sent...)
		if !ok {
			failed = true
			break
		}
	}
	if len(delivered) == 0 {
		return nil, failed
	}
	return delivered, failed
}

// dropRemaining empties the queue once delivery has failed during shutdown.
func (p *Pipeline) dropRemaining(ctx context.Context) {
	rest := p.queue.Clear(ctx)
	if len(rest) == 0 {
		return
	}
	p.droppedFailed.Add(int64(len(rest)))
	p.logger.Error("dropping queued events after failed final delivery", "count", len(rest))
	err := fmt.Errorf("%w: dropped at shutdown after a failed delivery", push.ErrDelivery)
	for _, it := range rest {
		it.Done(err)
	}
}

func (p *Pipeline) markFlushing() func() {
	for {
		cur := p.state.Load()
		if State(cur) >= StateShuttingDown {
			return func() {}
		}
		if p.state.CompareAndSwap(cur, int32(StateFlushing)) {
			return func() {
				p.state.CompareAndSwap(int32(StateFlushing), cur)
			}
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context, batch []*ingest.Item) ([]*ingest.Item, bool) {
	p.logger.Debug("flushing batch", "batch_size", len(batch), "queue_length", p.queue.Len())

	res, err := p.sender.Send(ctx, batch)
	if err != nil {
		p.droppedFailed.Add(int64(len(batch)))
		p.logger.Error("dropping batch after failed delivery", "batch_size", len(batch), "error", err)
		for _, it := range batch {
			it.Done(err)
		}
		p.bus.Emit(eventbus.Error, err)
		return nil, false
	}

	for _, it := range res.Delivered {
		it.Done(nil)
	}
	p.delivered.Add(int64(len(res.Delivered)))

	var requeue []*ingest.Item
	for _, it := range res.Failed {
		it.MarkAttempt()
		if it.Attempts() > p.opts.MaxItemRetries {
			p.droppedFailed.Add(1)
			reason := res.Errors[it.ID]
			p.logger.Warn("dropping event rejected by ingestion", "id", it.ID, "type", string(it.Type), "attempts", it.Attempts(), "reason", reason)
			it.Done(fmt.Errorf("%w: event %s rejected: %s", push.ErrDelivery, it.ID, reason))
			continue
		}
		requeue = append(requeue, it)
	}
	if len(requeue) > 0 {
		p.logger.Debug("requeueing rejected events", "count", len(requeue))
		p.queue.Requeue(ctx, requeue)
	}

	if len(res.Delivered) > 0 {
		p.bus.Emit(eventbus.Flush, res.Delivered)
	}
	return res.Delivered, true
}

func (p *Pipeline) reportOversized(dropped []*ingest.Item) {
	for _, it := range dropped {
		p.droppedOversized.Add(1)
		p.logger.Warn("dropping oversized event", "id", it.ID, "type", string(it.Type), "size", it.Size(), "max_message_bytes", p.opts.MaxMessageBytes)
		it.Done(fmt.Errorf("event %s is %d bytes, over the %d byte limit", it.ID, it.Size(), p.opts.MaxMessageBytes))
	}
}
