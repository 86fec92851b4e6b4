package orderbook

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"consolidated_book/internal/infra/metrics"
)

const (
	DefaultDepth     = 5
	defaultQueueSize = 16
)

// Aggregator owns every SourceBook and ConsolidatedView, routes events to them
// and fans formatted snapshots out to per-symbol subscribers.
type Aggregator struct {
	depth     int
	queueSize int
	logger    zerolog.Logger

	mu            sync.RWMutex
	symbols       map[string]*symbolState
	sourceSymbols map[string]map[string]struct{}

	nextSubID atomic.Uint64
}

// NewAggregator builds an empty aggregator. depth is the number of rows pushed
// to subscribers and queueSize bounds each subscriber's pending snapshots;
// non-positive values fall back to defaults.
func NewAggregator(depth, queueSize int, logger zerolog.Logger) *Aggregator {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Aggregator{
		depth:         depth,
		queueSize:     queueSize,
		logger:        logger.With().Str("component", "aggregator").Logger(),
		symbols:       make(map[string]*symbolState),
		sourceSymbols: make(map[string]map[string]struct{}),
	}
}

func (a *Aggregator) Depth() int { return a.depth }

// Ingest dispatches any event variant.
func (a *Aggregator) Ingest(ev Event) error {
	switch e := ev.(type) {
	case TopOfBook:
		return a.IngestTopOfBook(e)
	case OrderEvent:
		return a.IngestOrderEvent(e)
	case nil:
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	default:
		return fmt.Errorf("%w: unsupported event %T", ErrMalformedEvent, ev)
	}
}

// IngestTopOfBook replaces the source's book for the symbol, creating the
// book and view on first sight, and notifies subscribers.
func (a *Aggregator) IngestTopOfBook(ev TopOfBook) error {
	if err := ev.Validate(); err != nil {
		return a.rejected(ev, err)
	}
	st := a.lockState(ev.Symbol)
	defer st.mu.Unlock()

	book := a.bookLocked(st, ev.Source, true)
	if err := book.ApplyTopOfBook(ev.BidPrice, ev.BidQty, ev.OfferPrice, ev.OfferQty); err != nil {
		return a.rejected(ev, err)
	}
	a.applied(ev)
	a.notifyLocked(st)
	return nil
}

// IngestOrderEvent applies a new, cancel or modify event. Cancel and modify
// without a symbol are resolved from the source's books; events that cannot
// be resolved are dropped without error.
func (a *Aggregator) IngestOrderEvent(ev OrderEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if err := ev.Validate(); err != nil {
		return a.rejected(ev, err)
	}
	switch e := ev.(type) {
	case NewOrder:
		return a.ingestNew(e)
	case CancelOrder:
		return a.ingestExisting(e, e.Symbol, func(book *SourceBook) (bool, error) {
			return book.ApplyCancelOrder(e.OrderID), nil
		})
	case ModifyOrder:
		return a.ingestExisting(e, e.Symbol, func(book *SourceBook) (bool, error) {
			return book.ApplyModifyOrder(e.OrderID, e.NewQuantity)
		})
	default:
		return a.rejected(ev, fmt.Errorf("%w: unsupported order event %T", ErrMalformedEvent, ev))
	}
}

func (a *Aggregator) ingestNew(ev NewOrder) error {
	st := a.lockState(ev.Symbol)
	defer st.mu.Unlock()

	book := a.bookLocked(st, ev.Source, true)
	if err := book.ApplyNewOrder(ev.OrderID, ev.Side, ev.Price, ev.Quantity); err != nil {
		return a.rejected(ev, err)
	}
	a.applied(ev)
	a.notifyLocked(st)
	return nil
}

func (a *Aggregator) ingestExisting(ev OrderEvent, symbol string, apply func(*SourceBook) (bool, error)) error {
	if symbol == "" {
		symbol = a.resolveSymbol(ev.SourceID(), ev.ID())
		if symbol == "" {
			a.dropped(ev, "order not found on source")
			return nil
		}
	}
	st := a.state(symbol, false)
	if st == nil {
		a.dropped(ev, "unknown symbol")
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	book := a.bookLocked(st, ev.SourceID(), false)
	if book == nil {
		a.dropped(ev, "unknown source book")
		return nil
	}
	changed, err := apply(book)
	if err != nil {
		return a.rejected(ev, err)
	}
	if !changed {
		a.dropped(ev, "unknown order id")
		return nil
	}
	a.applied(ev)
	a.notifyLocked(st)
	return nil
}

// Snapshot returns depth formatted rows for symbol, or no rows when the
// symbol has no view.
func (a *Aggregator) Snapshot(symbol string, depth int) []Row {
	st := a.state(symbol, false)
	if st == nil {
		return []Row{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.view == nil {
		return []Row{}
	}
	return st.view.FormattedRows(depth)
}

// Close stops delivery to every subscriber.
func (a *Aggregator) Close() {
	for _, st := range a.states() {
		st.mu.Lock()
		subs := st.subs
		st.subs = nil
		st.mu.Unlock()
		for _, sub := range subs {
			sub.stop()
			metrics.SubscribersActive.Dec()
		}
	}
}

func (a *Aggregator) applied(ev Event) {
	metrics.EventsTotal.WithLabelValues(string(ev.Type()), metrics.OutcomeApplied).Inc()
}

func (a *Aggregator) dropped(ev OrderEvent, reason string) {
	metrics.EventsTotal.WithLabelValues(string(ev.Type()), metrics.OutcomeDropped).Inc()
	a.logger.Debug().
		Str("type", string(ev.Type())).
		Str("source", ev.SourceID()).
		Str("order", ev.ID()).
		Str("reason", reason).
		Msg("event dropped")
}

func (a *Aggregator) rejected(ev Event, err error) error {
	metrics.EventsTotal.WithLabelValues(string(ev.Type()), metrics.OutcomeRejected).Inc()
	lvl := a.logger.Warn()
	if errors.Is(err, ErrDuplicateOrder) {
		lvl = a.logger.Info()
	}
	lvl.Err(err).Str("type", string(ev.Type())).Str("source", ev.SourceID()).Msg("event rejected")
	return err
}
