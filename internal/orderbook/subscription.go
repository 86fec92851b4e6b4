package orderbook

import (
	"sync"

	"github.com/rs/zerolog"

	"consolidated_book/internal/infra/metrics"
)

// Handler receives formatted snapshots. Rows are shared between subscribers
// and must not be modified.
type Handler func(rows []Row)

type subscriber struct {
	id      uint64
	handler Handler
	queue   chan []Row
	done    chan struct{}
	logger  zerolog.Logger
}

func newSubscriber(id uint64, symbol string, handler Handler, queueSize int, logger zerolog.Logger) *subscriber {
	return &subscriber{
		id:      id,
		handler: handler,
		queue:   make(chan []Row, queueSize),
		done:    make(chan struct{}),
		logger:  logger.With().Str("symbol", symbol).Uint64("subscriber", id).Logger(),
	}
}

// enqueue never blocks. A full queue loses its oldest snapshot; the newest
// one carries the full state anyway. Callers hold the symbol lock, so there is
// a single producer per subscriber.
func (s *subscriber) enqueue(rows []Row) {
	for {
		select {
		case s.queue <- rows:
			return
		default:
		}
		select {
		case <-s.queue:
			metrics.SnapshotsDropped.Inc()
		default:
		}
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case rows := <-s.queue:
			s.deliver(rows)
		}
	}
}

func (s *subscriber) deliver(rows []Row) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SubscriberFaults.Inc()
			s.logger.Error().Interface("panic", r).Msg("subscriber handler failed")
		}
	}()
	s.handler(rows)
	metrics.SnapshotsDelivered.Inc()
}

func (s *subscriber) stop() {
	close(s.done)
}

// Subscription is the handle returned by Subscribe. Unsubscribe removes exactly
// this registration and is safe to call more than once.
type Subscription struct {
	agg    *Aggregator
	symbol string
	sub    *subscriber
	once   sync.Once
}

func (s *Subscription) Symbol() string { return s.symbol }

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.agg.unsubscribe(s.symbol, s.sub)
	})
}

// Subscribe registers handler for every future snapshot of symbol. When the
// symbol already has content the handler is invoked once with the current
// snapshot before Subscribe returns.
func (a *Aggregator) Subscribe(symbol string, handler Handler) *Subscription {
	sub := newSubscriber(a.nextSubID.Add(1), symbol, handler, a.queueSize, a.logger)

	st := a.lockState(symbol)
	var initial []Row
	if st.view != nil {
		if rows := st.view.FormattedRows(a.depth); hasContent(rows) {
			initial = rows
		}
	}
	st.subs = append(st.subs, sub)
	st.mu.Unlock()
	metrics.SubscribersActive.Inc()

	// Snapshots queued between unlock and here wait for run, so the initial
	// one is always observed first.
	if initial != nil {
		sub.deliver(initial)
	}
	go sub.run()

	a.logger.Debug().Str("symbol", symbol).Uint64("subscriber", sub.id).Msg("subscribed")
	return &Subscription{agg: a, symbol: symbol, sub: sub}
}

func (a *Aggregator) unsubscribe(symbol string, sub *subscriber) {
	st := a.state(symbol, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	removed := false
	for i, s := range st.subs {
		if s == sub {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			removed = true
			break
		}
	}
	if len(st.subs) == 0 {
		st.subs = nil
		a.dropIdleLocked(st)
	}
	st.mu.Unlock()
	if !removed {
		return
	}
	sub.stop()
	metrics.SubscribersActive.Dec()
	a.logger.Debug().Str("symbol", symbol).Uint64("subscriber", sub.id).Msg("unsubscribed")
}

// notifyLocked computes the snapshot once and queues it to every subscriber
// in subscription order. Callers hold st.mu.
func (a *Aggregator) notifyLocked(st *symbolState) {
	if len(st.subs) == 0 || st.view == nil {
		return
	}
	rows := st.view.FormattedRows(a.depth)
	for _, sub := range st.subs {
		sub.enqueue(rows)
	}
}
