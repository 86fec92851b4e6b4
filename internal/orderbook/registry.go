package orderbook

import (
	"sort"
	"sync"
)

// symbolState is the unit of serialization: its mutex guards the source books,
// the view and the subscriber list of one symbol. A removed state is no longer
// in the registry and must not be mutated.
type symbolState struct {
	mu      sync.Mutex
	symbol  string
	books   map[string]*SourceBook
	view    *ConsolidatedView
	subs    []*subscriber
	removed bool
}

// SymbolHealth summarizes one symbol for the health endpoint.
type SymbolHealth struct {
	Symbol      string         `json:"symbol"`
	Sources     []string       `json:"sources"`
	Orders      map[string]int `json:"orders"`
	Subscribers int            `json:"subscribers"`
}

// state returns the symbol's state, creating it when create is set.
func (a *Aggregator) state(symbol string, create bool) *symbolState {
	a.mu.RLock()
	st, ok := a.symbols[symbol]
	a.mu.RUnlock()
	if ok || !create {
		return st
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.symbols[symbol]; ok {
		return st
	}
	st = &symbolState{
		symbol: symbol,
		books:  make(map[string]*SourceBook),
	}
	a.symbols[symbol] = st
	return st
}

// lockState returns the symbol's state locked, creating it if needed. A state
// dropped by dropIdleLocked between lookup and lock is looked up again.
func (a *Aggregator) lockState(symbol string) *symbolState {
	for {
		st := a.state(symbol, true)
		st.mu.Lock()
		if !st.removed {
			return st
		}
		st.mu.Unlock()
	}
}

// dropIdleLocked removes a state that has neither a view nor subscribers from
// the registry. Callers hold st.mu.
func (a *Aggregator) dropIdleLocked(st *symbolState) {
	if st.removed || st.view != nil || len(st.books) > 0 || len(st.subs) > 0 {
		return
	}
	st.removed = true
	a.mu.Lock()
	if a.symbols[st.symbol] == st {
		delete(a.symbols, st.symbol)
	}
	a.mu.Unlock()
}

// bookLocked resolves the source's book under st.mu, lazily creating the book
// and the symbol's view when create is set.
func (a *Aggregator) bookLocked(st *symbolState, sourceID string, create bool) *SourceBook {
	if book, ok := st.books[sourceID]; ok || !create {
		return book
	}
	book := NewSourceBook(sourceID, st.symbol)
	st.books[sourceID] = book
	if st.view == nil {
		st.view = NewConsolidatedView(st.symbol)
	}
	st.view.RegisterSource(sourceID, book)

	a.mu.Lock()
	syms, ok := a.sourceSymbols[sourceID]
	if !ok {
		syms = make(map[string]struct{})
		a.sourceSymbols[sourceID] = syms
	}
	syms[st.symbol] = struct{}{}
	a.mu.Unlock()

	a.logger.Debug().Str("source", sourceID).Str("symbol", st.symbol).Msg("source book registered")
	return book
}

// resolveSymbol scans the source's books for the order id. It returns "" when
// no book of this source holds the order.
func (a *Aggregator) resolveSymbol(sourceID, orderID string) string {
	a.mu.RLock()
	candidates := make([]string, 0, len(a.sourceSymbols[sourceID]))
	for sym := range a.sourceSymbols[sourceID] {
		candidates = append(candidates, sym)
	}
	a.mu.RUnlock()
	sort.Strings(candidates)

	for _, sym := range candidates {
		st := a.state(sym, false)
		if st == nil {
			continue
		}
		st.mu.Lock()
		book := st.books[sourceID]
		found := book != nil && book.HasOrder(orderID)
		st.mu.Unlock()
		if found {
			return sym
		}
	}
	return ""
}

// UnregisterSource removes the source's book for symbol from the registry and
// from the view. The view itself stays. It reports whether a book was removed.
func (a *Aggregator) UnregisterSource(sourceID, symbol string) bool {
	st := a.state(symbol, false)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.books[sourceID]; !ok {
		return false
	}
	delete(st.books, sourceID)
	st.view.UnregisterSource(sourceID)

	a.mu.Lock()
	if syms, ok := a.sourceSymbols[sourceID]; ok {
		delete(syms, symbol)
		if len(syms) == 0 {
			delete(a.sourceSymbols, sourceID)
		}
	}
	a.mu.Unlock()

	a.logger.Info().Str("source", sourceID).Str("symbol", symbol).Msg("source book unregistered")
	a.notifyLocked(st)
	return true
}

// KnownSymbols returns, sorted, every symbol that has a consolidated view.
func (a *Aggregator) KnownSymbols() []string {
	out := make([]string, 0)
	for _, st := range a.states() {
		st.mu.Lock()
		if st.view != nil {
			out = append(out, st.symbol)
		}
		st.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

func (a *Aggregator) Health() []SymbolHealth {
	reports := make([]SymbolHealth, 0)
	for _, st := range a.states() {
		st.mu.Lock()
		if st.view == nil && len(st.subs) == 0 {
			st.mu.Unlock()
			continue
		}
		h := SymbolHealth{
			Symbol:      st.symbol,
			Sources:     []string{},
			Orders:      make(map[string]int, len(st.books)),
			Subscribers: len(st.subs),
		}
		if st.view != nil {
			h.Sources = st.view.Sources()
		}
		for id, book := range st.books {
			h.Orders[id] = book.OrderCount()
		}
		st.mu.Unlock()
		reports = append(reports, h)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Symbol < reports[j].Symbol })
	return reports
}

func (a *Aggregator) states() []*symbolState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*symbolState, 0, len(a.symbols))
	for _, st := range a.symbols {
		out = append(out, st)
	}
	return out
}
