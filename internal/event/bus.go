package event

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/metrics"
)

// Config sizes the bus. Zero values are replaced by DefaultConfig values.
type Config struct {
	QueueSize      int
	HistorySize    int
	DeadLetterSize int
	MaxRetries     int
}

// DefaultConfig returns the default bus sizing.
func DefaultConfig() Config {
	return Config{
		QueueSize:      1000,
		HistorySize:    1000,
		DeadLetterSize: 1000,
		MaxRetries:     3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.DeadLetterSize <= 0 {
		c.DeadLetterSize = d.DeadLetterSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures and dead letters.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics sets the sink for queue traffic metrics.
func WithMetrics(s metrics.Sink) Option {
	return func(b *Bus) {
		b.metrics = metrics.OrNop(s)
	}
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// subscriber is a registered Handler plus its counters.
type subscriber struct {
	Handler
	seq       uint64
	exact     []string
	patterns  []glob.Glob
	processed atomic.Int64
	failed    atomic.Int64
}

func (s *subscriber) accepts(e Event) bool {
	if e.Priority < s.MinPriority {
		return false
	}
	return len(s.Types) == 0 || s.matchesType(e.Type)
}

func (s *subscriber) matchesType(eventType string) bool {
	if slices.Contains(s.exact, eventType) {
		return true
	}
	for _, g := range s.patterns {
		if g.Match(eventType) {
			return true
		}
	}
	return false
}

// isPattern reports whether an entry of Handler.Types is a glob.
func isPattern(eventType string) bool {
	return strings.ContainsAny(eventType, "*?[{")
}

// Bus is an asynchronous publish/subscribe dispatcher with a bounded FIFO
// queue, a single consumer goroutine, per-handler redelivery, and a
// dead-letter queue.
//
// Publish never blocks: a full queue fails fast with a QueueFullError.
// Handlers are invoked in isolation; their errors and panics never reach the
// publisher.
type Bus struct {
	cfg     Config
	logger  *logging.Logger
	metrics metrics.Sink
	now     func() time.Time

	queue chan Event

	mu        sync.RWMutex
	handlers  map[string]*subscriber
	byType    map[string][]*subscriber
	patterned []*subscriber
	catchAll  []*subscriber
	seq       uint64

	// recMu guards history and deadLetters, and orders history with the queue.
	recMu       sync.Mutex
	history     []Event
	histNext    int
	histFull    bool
	deadLetters []DeadLetter

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	published    atomic.Int64
	rejected     atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// NewBus creates a bus. Call Start to begin dispatching.
func NewBus(cfg Config, opts ...Option) *Bus {
	cfg = cfg.withDefaults()
	idle := make(chan struct{})
	close(idle)

	b := &Bus{
		cfg:      cfg,
		logger:   logging.NopLogger(),
		metrics:  metrics.Nop{},
		now:      time.Now,
		queue:    make(chan Event, cfg.QueueSize),
		handlers: make(map[string]*subscriber),
		byType:   make(map[string][]*subscriber),
		history:  make([]Event, cfg.HistorySize),
		idle:     idle,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithComponent("eventbus")
	return b
}

// Subscribe registers h. Handler names are unique.
func (b *Bus) Subscribe(h Handler) error {
	if h.Name == "" {
		return errors.NewValidationError("handler name is required").WithField("name")
	}
	if h.Fn == nil {
		return errors.NewValidationError("handler function is required").WithField("fn").WithValue(h.Name)
	}

	sub := &subscriber{Handler: h}
	sub.Types = slices.Clone(h.Types)
	for _, t := range sub.Types {
		if !isPattern(t) {
			sub.exact = append(sub.exact, t)
			continue
		}
		// Segments are dot separated, so "stage.*" does not match "stage.a.b"
		g, err := glob.Compile(t, '.')
		if err != nil {
			return errors.NewValidationError("invalid event type pattern").WithField("types").WithValue(t).WithCause(err)
		}
		sub.patterns = append(sub.patterns, g)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[h.Name]; exists {
		return fmt.Errorf("handler %q: %w", h.Name, errors.ErrAlreadyExists)
	}

	b.seq++
	sub.seq = b.seq
	b.handlers[h.Name] = sub

	if len(sub.Types) == 0 {
		b.catchAll = append(b.catchAll, sub)
		return nil
	}
	for _, t := range sub.exact {
		b.byType[t] = append(b.byType[t], sub)
	}
	if len(sub.patterns) > 0 {
		b.patterned = append(b.patterned, sub)
	}
	return nil
}

// Unsubscribe removes the named handler.
// Returns true if the handler was found and removed.
func (b *Bus) Unsubscribe(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.handlers[name]
	if !ok {
		return false
	}
	delete(b.handlers, name)

	remove := func(subs []*subscriber) []*subscriber {
		return slices.DeleteFunc(subs, func(s *subscriber) bool { return s == sub })
	}
	if len(sub.Types) == 0 {
		b.catchAll = remove(b.catchAll)
	}
	if len(sub.patterns) > 0 {
		b.patterned = remove(b.patterned)
	}
	for _, t := range sub.exact {
		b.byType[t] = remove(b.byType[t])
		if len(b.byType[t]) == 0 {
			delete(b.byType, t)
		}
	}
	return true
}

// HandlerCount returns the number of registered handlers.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Publish enqueues e and returns its ID. A missing ID or timestamp is filled
// in, and a negative MaxRetries takes the bus default. A full queue returns
// a QueueFullError and the event is not recorded.
func (b *Bus) Publish(e Event) (string, error) {
	if e.Type == "" {
		return "", errors.NewValidationError("event type is required").WithField("type")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	if e.MaxRetries < 0 {
		e.MaxRetries = b.cfg.MaxRetries
	}

	if err := b.enqueue(e.clone()); err != nil {
		b.rejected.Add(1)
		b.metrics.Count(metrics.EventsRejected, 1, metrics.Tags{"type": e.Type})
		return "", err
	}
	b.published.Add(1)
	b.metrics.Count(metrics.EventsPublished, 1, metrics.Tags{"type": e.Type})
	return e.ID, nil
}

// enqueue performs the non-blocking send and appends to history on success.
func (b *Bus) enqueue(e Event) error {
	b.addPending(1)

	b.recMu.Lock()
	defer b.recMu.Unlock()

	select {
	case b.queue <- e:
		b.history[b.histNext] = e
		b.histNext = (b.histNext + 1) % len(b.history)
		if b.histNext == 0 {
			b.histFull = true
		}
		return nil
	default:
		b.addPending(-1)
		return errors.NewQueueFullError(cap(b.queue), e.ID, e.Type)
	}
}

func (b *Bus) addPending(delta int) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if b.pending == 0 && delta > 0 {
		b.idle = make(chan struct{})
	}
	b.pending += delta
	if b.pending == 0 {
		close(b.idle)
	}
}

// Start launches the consumer goroutine. The loop exits when ctx is done or
// Stop is called.
func (b *Bus) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.done != nil {
		return fmt.Errorf("event bus: %w", errors.ErrAlreadyExists)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx, b.done)
	return nil
}

// Stop ends the consumer loop and waits for it to exit. Events still queued
// stay queued and are dispatched if the bus is started again.
func (b *Bus) Stop() {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Bus) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			b.metrics.Gauge(metrics.QueueDepth, float64(len(b.queue)), nil)
			b.dispatch(ctx, e)
			b.addPending(-1)
		}
	}
}

// WaitIdle blocks until every enqueued delivery has been dispatched,
// including redeliveries, or ctx is done. It only returns early while a
// consumer is running.
func (b *Bus) WaitIdle(ctx context.Context) error {
	for {
		b.pendingMu.Lock()
		if b.pending == 0 {
			b.pendingMu.Unlock()
			return nil
		}
		idle := b.idle
		b.pendingMu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch delivers e to each applicable handler in turn.
func (b *Bus) dispatch(ctx context.Context, e Event) {
	for _, sub := range b.applicable(e) {
		err := b.safeCall(ctx, sub, e)
		if err == nil {
			sub.processed.Add(1)
			b.delivered.Add(1)
			continue
		}

		sub.failed.Add(1)
		b.failed.Add(1)
		b.metrics.Count(metrics.EventsFailed, 1, metrics.Tags{"handler": sub.Name, "type": e.Type})

		if e.RetryCount < e.MaxRetries {
			retry := e.clone()
			retry.RetryCount++
			retry.Target = sub.Name
			qerr := b.enqueue(retry)
			if qerr == nil {
				b.retried.Add(1)
				b.logger.Debug("handler failed, redelivery scheduled",
					"handler", sub.Name, "event_id", e.ID, "event_type", e.Type,
					"retry_count", retry.RetryCount, "error", err.Error())
				continue
			}
			err = fmt.Errorf("%w (redelivery rejected: %v)", err, qerr)
		}
		b.deadLetter(e, sub.Name, err)
	}
}

// applicable returns the handlers for e: type-indexed plus catch-all,
// filtered by priority, ordered by descending threshold then registration.
// A targeted event only reaches its target.
func (b *Bus) applicable(e Event) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e.Target != "" {
		sub, ok := b.handlers[e.Target]
		if !ok || !sub.accepts(e) {
			return nil
		}
		return []*subscriber{sub}
	}

	exact := b.byType[e.Type]
	candidates := make([]*subscriber, 0, len(exact)+len(b.patterned)+len(b.catchAll))
	candidates = append(candidates, exact...)
	for _, sub := range b.patterned {
		if !slices.Contains(exact, sub) && sub.matchesType(e.Type) {
			candidates = append(candidates, sub)
		}
	}
	candidates = append(candidates, b.catchAll...)

	out := candidates[:0]
	for _, sub := range candidates {
		if e.Priority >= sub.MinPriority {
			out = append(out, sub)
		}
	}
	slices.SortStableFunc(out, func(x, y *subscriber) int {
		if c := cmp.Compare(y.MinPriority, x.MinPriority); c != 0 {
			return c
		}
		return cmp.Compare(x.seq, y.seq)
	})
	return out
}

// safeCall invokes a handler and converts a panic into a HandlerError, so
// one misbehaving handler cannot stall delivery to the others.
func (b *Bus) safeCall(ctx context.Context, sub *subscriber, e Event) error {
	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = sub.Fn(ctx, e)
	})
	if rec := catcher.Recovered(); rec != nil {
		b.logger.Error("event handler panicked",
			"handler", sub.Name, "event_type", e.Type, "panic", fmt.Sprint(rec.Value), "stack", string(rec.Stack))
		return errors.NewHandlerError(sub.Name, e.ID, e.Type, rec.AsError()).WithPanic()
	}
	if err != nil {
		return errors.NewHandlerError(sub.Name, e.ID, e.Type, err)
	}
	return nil
}

func (b *Bus) deadLetter(e Event, handler string, cause error) {
	b.recMu.Lock()
	if len(b.deadLetters) >= b.cfg.DeadLetterSize {
		dropped := b.deadLetters[0]
		b.deadLetters = slices.Delete(b.deadLetters, 0, 1)
		b.logger.Warn("dead-letter queue full, dropping oldest entry",
			"event_id", dropped.Event.ID, "handler", dropped.Handler)
	}
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Event:   e.clone(),
		Handler: handler,
		Error:   cause.Error(),
		At:      b.now(),
	})
	b.recMu.Unlock()

	b.deadLettered.Add(1)
	b.metrics.Count(metrics.EventsDeadLetter, 1, metrics.Tags{"handler": handler, "type": e.Type})
	b.logger.Warn("event dead-lettered",
		"handler", handler, "event_id", e.ID, "event_type", e.Type,
		"retry_count", e.RetryCount, "error", cause.Error())
}

// Replay republishes a recorded event to every applicable handler with its
// retry count reset. The newest history entry wins; the dead-letter queue is
// consulted when history no longer holds the event. A successful replay
// removes the event from the dead-letter queue.
func (b *Bus) Replay(id string) (string, error) {
	e, ok := b.lookup(id)
	if !ok {
		return "", fmt.Errorf("replay %s: %w", id, errors.ErrEventNotFound)
	}
	e.RetryCount = 0
	e.Target = ""

	if err := b.enqueue(e); err != nil {
		b.rejected.Add(1)
		return "", err
	}
	b.published.Add(1)

	b.recMu.Lock()
	b.deadLetters = slices.DeleteFunc(b.deadLetters, func(d DeadLetter) bool { return d.Event.ID == id })
	b.recMu.Unlock()
	return id, nil
}

func (b *Bus) lookup(id string) (Event, bool) {
	b.recMu.Lock()
	defer b.recMu.Unlock()

	hist := b.historyLocked()
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].ID == id {
			return hist[i].clone(), true
		}
	}
	for i := len(b.deadLetters) - 1; i >= 0; i-- {
		if b.deadLetters[i].Event.ID == id {
			return b.deadLetters[i].Event.clone(), true
		}
	}
	return Event{}, false
}

// historyLocked returns history oldest first. Caller holds recMu.
func (b *Bus) historyLocked() []Event {
	if !b.histFull {
		return slices.Clone(b.history[:b.histNext])
	}
	out := make([]Event, 0, len(b.history))
	out = append(out, b.history[b.histNext:]...)
	out = append(out, b.history[:b.histNext]...)
	return out
}

// History returns up to limit of the most recent enqueued events, oldest
// first. A non-positive limit returns everything retained. Redeliveries
// appear as separate entries with their incremented retry count.
func (b *Bus) History(limit int) []Event {
	b.recMu.Lock()
	hist := b.historyLocked()
	b.recMu.Unlock()

	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	return hist
}

// DeadLetters returns a copy of the dead-letter queue, oldest first.
func (b *Bus) DeadLetters() []DeadLetter {
	b.recMu.Lock()
	defer b.recMu.Unlock()
	return slices.Clone(b.deadLetters)
}

// ClearDeadLetters empties the dead-letter queue and returns how many
// entries were removed.
func (b *Bus) ClearDeadLetters() int {
	b.recMu.Lock()
	defer b.recMu.Unlock()
	n := len(b.deadLetters)
	b.deadLetters = nil
	return n
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	handlers := make(map[string]HandlerStats, len(b.handlers))
	for name, sub := range b.handlers {
		handlers[name] = HandlerStats{
			Processed: sub.processed.Load(),
			Failed:    sub.failed.Load(),
		}
	}
	b.mu.RUnlock()

	return Stats{
		Published:     b.published.Load(),
		Rejected:      b.rejected.Load(),
		Delivered:     b.delivered.Load(),
		Failed:        b.failed.Load(),
		Retried:       b.retried.Load(),
		DeadLettered:  b.deadLettered.Load(),
		QueueDepth:    len(b.queue),
		QueueCapacity: cap(b.queue),
		Handlers:      handlers,
	}
}
