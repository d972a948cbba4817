// Package event provides the asynchronous publish/subscribe bus that carries
// pipeline lifecycle events between the orchestrator, the state manager, and
// any observers.
//
// # Main Types
//
//   - [Event]: a typed unit of traffic with priority, correlation ID, and
//     redelivery counters
//   - [Handler]: a named subscriber with a type filter and a minimum priority
//   - [Bus]: the dispatcher
//
// # Delivery Semantics
//
// [Bus.Publish] never blocks. The queue is bounded at construction; when it
// is full Publish fails immediately with errors.QueueFullError, which is the
// only backpressure signal producers receive.
//
// A single consumer goroutine (see [Bus.Start]) dequeues events in FIFO
// order. For each event the applicable handlers are the handlers subscribed
// to its type plus catch-all handlers, filtered by
// event.Priority >= handler.MinPriority, and sorted by descending threshold.
// Priority is a filter only; it never reorders the queue, so one handler
// sees the events of one type in publish order.
//
// Handlers run in isolation. When a handler returns an error or panics and
// the event still has redeliveries left, a copy with RetryCount+1 is
// re-enqueued targeted at that handler alone. Once MaxRetries redeliveries
// have failed, the event lands in the dead-letter queue. [Bus.Replay]
// republishes an event from history or the dead-letter queue with its retry
// count reset.
//
// # Usage
//
//	bus := event.NewBus(event.DefaultConfig(), event.WithLogger(logger))
//	_ = bus.Subscribe(event.Handler{
//	    Name:  "audit",
//	    Types: []string{event.TypeStageFailed},
//	    Fn: func(ctx context.Context, e event.Event) error {
//	        return audit.Record(ctx, e)
//	    },
//	})
//	_ = bus.Start(ctx)
//	defer bus.Stop()
//
//	id, err := bus.Publish(event.New(event.TypeStageFailed, "orchestrator", data))
//
// # Thread Safety
//
// All Bus methods are safe for concurrent use.
package event
