package breaker

import (
	"slices"
	"time"

	"github.com/dskow/guardpost/internal/metrics"
)

// Change describes one state transition delivered to listeners.
type Change struct {
	Name string
	From State
	To   State
	At   time.Time
}

// notifyBuffer bounds the queue between transitions and the notifier
// goroutine. Transitions never wait on listeners; overflow drops.
const notifyBuffer = 16

// OnStateChange registers fn to run on every state transition. Listeners
// run on the breaker's notifier goroutine, so a slow or panicking
// listener never blocks callers or corrupts breaker state.
func (b *Breaker) OnStateChange(fn func(Change)) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Close stops the notifier goroutine. Queued notifications are dropped.
func (b *Breaker) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// enqueue hands a change to the notifier without blocking the caller;
// when the queue is full the change is dropped and counted.
func (b *Breaker) enqueue(ch Change) {
	select {
	case b.notifyCh <- ch:
	default:
		metrics.BreakerNotifyDrops.WithLabelValues(b.name).Inc()
		b.logger.Warn("state change notification dropped",
			"breaker", b.name,
			"from", ch.From.String(),
			"to", ch.To.String(),
		)
	}
}

func (b *Breaker) dispatch() {
	for {
		select {
		case ch := <-b.notifyCh:
			b.listenerMu.Lock()
			listeners := slices.Clone(b.listeners)
			b.listenerMu.Unlock()
			for _, fn := range listeners {
				b.invoke(fn, ch)
			}
		case <-b.done:
			return
		}
	}
}

// invoke runs one listener, containing any panic to that listener.
func (b *Breaker) invoke(fn func(Change), ch Change) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("state change listener panicked",
				"breaker", b.name,
				"panic", r,
			)
		}
	}()
	fn(ch)
}
