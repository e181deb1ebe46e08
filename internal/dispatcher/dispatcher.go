// Package dispatcher consumes the raw feed stream, normalizes frames,
// applies ticks to the quote store and fans out quote changes.
package dispatcher

import (
	"context"
	"log"
	"sync"

	"github.com/deepterminal/deepterminal/errs"
	"github.com/deepterminal/deepterminal/internal/quotestore"
	"github.com/deepterminal/deepterminal/internal/schema"
	"github.com/deepterminal/deepterminal/internal/telemetry"
)

const defaultSubscriberBuffer = 64

// QuoteHook runs synchronously on the consumer goroutine for every accepted
// quote change, before buffered fan-out. The position book recompute hangs
// off this hook so unrealized P&L is never more than one tick behind.
type QuoteHook func(schema.Quote)

// OrderEventHook receives normalized broker order events from the feed.
type OrderEventHook func(schema.OrderEvent)

// Dispatcher is the single consumer of the market-data feed. Malformed
// frames and stale ticks are counted and dropped; nothing on the data path
// interrupts the pipeline.
type Dispatcher struct {
	quotes  *quotestore.Store
	metrics *telemetry.EngineMetrics
	logger  *log.Logger

	onQuote QuoteHook
	onOrder OrderEventHook
	buffer  int

	mu   sync.RWMutex
	subs map[string]*subscription
}

type subscription struct {
	id string
	ch chan schema.Quote
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithQuoteHook installs the synchronous quote-change hook.
func WithQuoteHook(hook QuoteHook) Option {
	return func(d *Dispatcher) { d.onQuote = hook }
}

// WithOrderEventHook installs the broker order event hook.
func WithOrderEventHook(hook OrderEventHook) Option {
	return func(d *Dispatcher) { d.onOrder = hook }
}

// WithSubscriberBuffer sizes each subscriber's bounded buffer.
func WithSubscriberBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.buffer = n
		}
	}
}

// New constructs a dispatcher writing into the given quote store.
func New(quotes *quotestore.Store, metrics *telemetry.EngineMetrics, logger *log.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	d := &Dispatcher{
		quotes:  quotes,
		metrics: metrics,
		logger:  logger,
		buffer:  defaultSubscriberBuffer,
		subs:    make(map[string]*subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Subscribe registers a buffered quote-change subscriber. A subscriber that
// falls behind loses its oldest events, never blocking ingestion. The
// returned cancel function closes the channel.
func (d *Dispatcher) Subscribe(id string) (<-chan schema.Quote, func()) {
	sub := &subscription{id: id, ch: make(chan schema.Quote, d.buffer)}

	d.mu.Lock()
	d.subs[id] = sub
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		stored, ok := d.subs[id]
		if ok && stored == sub {
			delete(d.subs, id)
		}
		d.mu.Unlock()
		if ok && stored == sub {
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Run consumes raw frames until the stream closes or the context ends.
func (d *Dispatcher) Run(ctx context.Context, frames <-chan schema.RawFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-frames:
			if !ok {
				return
			}
			d.process(ctx, raw)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, raw schema.RawFrame) {
	result, err := decodeFrame(raw)
	if err != nil {
		d.metrics.MalformedFrame(ctx)
		d.logger.Printf("dispatcher: dropped malformed frame: %v", err)
		return
	}

	switch {
	case result.tick != nil:
		d.applyTick(ctx, *result.tick)
	case result.order != nil:
		if d.onOrder != nil {
			d.onOrder(*result.order)
		}
	}
}

func (d *Dispatcher) applyTick(ctx context.Context, tick schema.Tick) {
	changed, err := d.quotes.Update(tick)
	if err != nil {
		if errs.Is(err, errs.CodeStale) {
			d.metrics.StaleTick(ctx, tick.Instrument.Key())
			return
		}
		d.metrics.MalformedFrame(ctx)
		d.logger.Printf("dispatcher: dropped tick: %v", err)
		return
	}
	d.metrics.TickApplied(ctx, tick.Instrument.Key())
	if !changed {
		// Heartbeat: sequence advanced, prices did not. No downstream work.
		return
	}

	quote, ok := d.quotes.Get(tick.Instrument)
	if !ok {
		return
	}
	if d.onQuote != nil {
		d.onQuote(quote)
	}
	d.fanout(ctx, quote)
}

// fanout delivers the quote to every subscriber without blocking: on a full
// buffer the oldest event is discarded and counted.
func (d *Dispatcher) fanout(ctx context.Context, quote schema.Quote) {
	// Sends stay under the read lock so an unsubscribe cannot close a
	// channel mid-delivery; every send below is non-blocking.
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, sub := range d.subs {
		select {
		case sub.ch <- quote:
			continue
		default:
		}
		select {
		case <-sub.ch:
			d.metrics.FanoutDrop(ctx, sub.id)
		default:
		}
		select {
		case sub.ch <- quote:
		default:
			d.metrics.FanoutDrop(ctx, sub.id)
		}
	}
}
