package engine

import (
	"errors"

	constantproduct "github.com/defistate/defistate-amm-go/protocols/constantproduct"
	"github.com/ethereum/go-ethereum/event"
)

// DefaultEventBufferSize is the number of records buffered per subscriber when
// Config.EventBufferSize is zero.
const DefaultEventBufferSize = 1024

// ErrSubscriberTooSlow is reported on a subscription's Err channel when its buffer filled
// up and the pool dropped it.
var ErrSubscriberTooSlow = errors.New("event subscriber fell behind and was dropped")

// subscriber is one consumer of the pool's records. The pool fills buf without blocking;
// a forwarding goroutine drains it into the consumer's channel.
type subscriber struct {
	buf     chan constantproduct.Record
	dropped chan struct{} // closed by publish when buf overflows
}

// publish hands rec to every subscriber without blocking. MUST be called with p.mu held,
// which keeps records in sequence order.
func (p *Pool) publish(rec constantproduct.Record) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	for s := range p.subs {
		select {
		case s.buf <- rec:
		default:
			delete(p.subs, s)
			p.metrics.droppedSubscribers.Inc()
			p.logger.Warn("Dropping slow event subscriber", "pool", p.name, "seq", rec.Seq, "buffer", cap(s.buf))
			close(s.dropped)
		}
	}
}

func (p *Pool) unsubscribe(s *subscriber) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	delete(p.subs, s)
}

// SubscribeEvents delivers every committed Record to ch in sequence order. Writers never
// wait on subscribers: one that falls more than the configured buffer behind is dropped and
// its subscription fails with ErrSubscriberTooSlow.
func (p *Pool) SubscribeEvents(ch chan<- constantproduct.Record) event.Subscription {
	return p.subscribe(ch, p.eventBufferSize)
}

func (p *Pool) subscribe(ch chan<- constantproduct.Record, bufferSize uint) event.Subscription {
	s := &subscriber{
		buf:     make(chan constantproduct.Record, bufferSize),
		dropped: make(chan struct{}),
	}
	p.subMu.Lock()
	p.subs[s] = struct{}{}
	p.subMu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer p.unsubscribe(s)
		for {
			select {
			case rec := <-s.buf:
				select {
				case ch <- rec:
				case <-s.dropped:
					return ErrSubscriberTooSlow
				case <-quit:
					return nil
				}
			case <-s.dropped:
				return ErrSubscriberTooSlow
			case <-quit:
				return nil
			}
		}
	})
}

// Subscribe subscribes ch and returns a view taken after the subscription started. Records
// with Seq <= view.Seq are already reflected in the view and may be skipped by the caller.
func (p *Pool) Subscribe(ch chan<- constantproduct.Record) (constantproduct.PoolView, event.Subscription) {
	sub := p.SubscribeEvents(ch)
	return p.View(), sub
}
