package orderbook

import (
	"fmt"
	"sort"
)

// Level is one price point and the aggregate quantity resting there.
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// Order is the book's record of a resting order, kept so cancel and modify
// events can be reversed without price or side on the wire.
type Order struct {
	ID       string  `json:"orderId"`
	SourceID string  `json:"source"`
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// SourceBook holds one source's bids and offers for one symbol.
// It is not safe for concurrent use; the Aggregator serializes access per symbol.
type SourceBook struct {
	sourceID string
	symbol   string
	bids     map[float64]float64
	offers   map[float64]float64
	orders   map[string]*Order
}

func NewSourceBook(sourceID, symbol string) *SourceBook {
	return &SourceBook{
		sourceID: sourceID,
		symbol:   symbol,
		bids:     make(map[float64]float64),
		offers:   make(map[float64]float64),
		orders:   make(map[string]*Order),
	}
}

func (b *SourceBook) SourceID() string { return b.sourceID }
func (b *SourceBook) Symbol() string   { return b.symbol }

// ApplyTopOfBook replaces both sides. A side is kept only when price and
// quantity are both present and positive; anything else clears it.
func (b *SourceBook) ApplyTopOfBook(bidPrice, bidQty, offerPrice, offerQty *float64) error {
	for _, v := range []*float64{bidPrice, bidQty, offerPrice, offerQty} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: negative top of book value %v", ErrMalformedEvent, *v)
		}
	}
	clear(b.bids)
	clear(b.offers)
	if present(bidPrice) && present(bidQty) {
		b.bids[*bidPrice] = *bidQty
	}
	if present(offerPrice) && present(offerQty) {
		b.offers[*offerPrice] = *offerQty
	}
	return nil
}

func present(v *float64) bool {
	return v != nil && *v > 0
}

// ApplyNewOrder indexes the order and adds its quantity to the level.
func (b *SourceBook) ApplyNewOrder(orderID string, side Side, price, qty float64) error {
	if err := validateOrder(side, price, qty); err != nil {
		return err
	}
	if _, ok := b.orders[orderID]; ok {
		return fmt.Errorf("%w: %s on %s/%s", ErrDuplicateOrder, orderID, b.sourceID, b.symbol)
	}
	b.orders[orderID] = &Order{
		ID:       orderID,
		SourceID: b.sourceID,
		Symbol:   b.symbol,
		Side:     side,
		Price:    price,
		Quantity: qty,
	}
	b.levels(side)[price] += qty
	return nil
}

// ApplyCancelOrder reverses an order's contribution. Unknown ids are ignored
// and report false.
func (b *SourceBook) ApplyCancelOrder(orderID string) bool {
	ord, ok := b.orders[orderID]
	if !ok {
		return false
	}
	adjustLevel(b.levels(ord.Side), ord.Price, -ord.Quantity)
	delete(b.orders, orderID)
	return true
}

// ApplyModifyOrder moves the order's level by the quantity delta. Price and
// side are unchanged. Unknown ids are ignored and report false.
func (b *SourceBook) ApplyModifyOrder(orderID string, newQty float64) (bool, error) {
	if newQty < 0 {
		return false, fmt.Errorf("%w: negative quantity %v", ErrMalformedEvent, newQty)
	}
	ord, ok := b.orders[orderID]
	if !ok {
		return false, nil
	}
	adjustLevel(b.levels(ord.Side), ord.Price, newQty-ord.Quantity)
	ord.Quantity = newQty
	return true, nil
}

// adjustLevel applies delta at price and drops the level at or below zero.
func adjustLevel(levels map[float64]float64, price, delta float64) {
	qty := levels[price] + delta
	if qty <= 0 {
		delete(levels, price)
		return
	}
	levels[price] = qty
}

func (b *SourceBook) levels(side Side) map[float64]float64 {
	if side == SideBid {
		return b.bids
	}
	return b.offers
}

func (b *SourceBook) BestBid() (Level, bool) {
	best, ok := Level{}, false
	for price, qty := range b.bids {
		if !ok || price > best.Price {
			best, ok = Level{Price: price, Qty: qty}, true
		}
	}
	return best, ok
}

func (b *SourceBook) BestOffer() (Level, bool) {
	best, ok := Level{}, false
	for price, qty := range b.offers {
		if !ok || price < best.Price {
			best, ok = Level{Price: price, Qty: qty}, true
		}
	}
	return best, ok
}

// SortedBids returns the bid ladder, highest price first.
func (b *SourceBook) SortedBids() []Level {
	out := collect(b.bids)
	sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	return out
}

// SortedOffers returns the offer ladder, lowest price first.
func (b *SourceBook) SortedOffers() []Level {
	out := collect(b.offers)
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

func collect(levels map[float64]float64) []Level {
	out := make([]Level, 0, len(levels))
	for price, qty := range levels {
		out = append(out, Level{Price: price, Qty: qty})
	}
	return out
}

func (b *SourceBook) HasOrder(orderID string) bool {
	_, ok := b.orders[orderID]
	return ok
}

// Order returns a copy of the indexed order.
func (b *SourceBook) Order(orderID string) (Order, bool) {
	ord, ok := b.orders[orderID]
	if !ok {
		return Order{}, false
	}
	return *ord, true
}

func (b *SourceBook) OrderCount() int { return len(b.orders) }
