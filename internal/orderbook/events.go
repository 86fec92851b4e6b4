package orderbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrMissingSymbol  = errors.New("missing symbol")
)

// Side is the book side an order rests on.
type Side string

const (
	SideBid   Side = "BID"
	SideOffer Side = "OFFER"
)

// ParseSide accepts BID/BUY and OFFER/SELL/ASK in any case.
func ParseSide(raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BID", "BUY":
		return SideBid, nil
	case "OFFER", "SELL", "ASK":
		return SideOffer, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrMalformedEvent, raw)
	}
}

func (s Side) valid() bool {
	return s == SideBid || s == SideOffer
}

// EventType tags the wire envelope.
type EventType string

const (
	EventTopOfBook   EventType = "TOP_OF_BOOK"
	EventNewOrder    EventType = "NEW_ORDER"
	EventCancelOrder EventType = "CANCEL_ORDER"
	EventModifyOrder EventType = "MODIFY_ORDER"
)

// Event is one of TopOfBook, NewOrder, CancelOrder or ModifyOrder.
type Event interface {
	Type() EventType
	SourceID() string
	Validate() error
}

// OrderEvent is the subset of events keyed by an order id.
type OrderEvent interface {
	Event
	ID() string
}

// TopOfBook replaces a source's book with at most one level per side.
type TopOfBook struct {
	Source     string
	Symbol     string
	BidPrice   *float64
	BidQty     *float64
	OfferPrice *float64
	OfferQty   *float64
}

func (e TopOfBook) Type() EventType  { return EventTopOfBook }
func (e TopOfBook) SourceID() string { return e.Source }

func (e TopOfBook) Validate() error {
	if e.Source == "" {
		return fmt.Errorf("%w: top of book without source", ErrMalformedEvent)
	}
	if e.Symbol == "" {
		return fmt.Errorf("%w: top of book without symbol", ErrMalformedEvent)
	}
	for name, v := range map[string]*float64{
		"bid price": e.BidPrice, "bid qty": e.BidQty,
		"offer price": e.OfferPrice, "offer qty": e.OfferQty,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: negative %s %v", ErrMalformedEvent, name, *v)
		}
	}
	return nil
}

type NewOrder struct {
	Source   string
	Symbol   string
	OrderID  string
	Side     Side
	Price    float64
	Quantity float64
}

func (e NewOrder) Type() EventType  { return EventNewOrder }
func (e NewOrder) SourceID() string { return e.Source }
func (e NewOrder) ID() string       { return e.OrderID }

func (e NewOrder) Validate() error {
	if e.Source == "" || e.OrderID == "" {
		return fmt.Errorf("%w: new order needs source and order id", ErrMalformedEvent)
	}
	if e.Symbol == "" {
		return fmt.Errorf("new order %s: %w", e.OrderID, ErrMissingSymbol)
	}
	return validateOrder(e.Side, e.Price, e.Quantity)
}

// CancelOrder may omit Symbol; the aggregator resolves it from the order id.
type CancelOrder struct {
	Source  string
	Symbol  string
	OrderID string
}

func (e CancelOrder) Type() EventType  { return EventCancelOrder }
func (e CancelOrder) SourceID() string { return e.Source }
func (e CancelOrder) ID() string       { return e.OrderID }

func (e CancelOrder) Validate() error {
	if e.Source == "" || e.OrderID == "" {
		return fmt.Errorf("%w: cancel needs source and order id", ErrMalformedEvent)
	}
	return nil
}

// ModifyOrder may omit Symbol; price and side never change.
type ModifyOrder struct {
	Source      string
	Symbol      string
	OrderID     string
	NewQuantity float64
}

func (e ModifyOrder) Type() EventType  { return EventModifyOrder }
func (e ModifyOrder) SourceID() string { return e.Source }
func (e ModifyOrder) ID() string       { return e.OrderID }

func (e ModifyOrder) Validate() error {
	if e.Source == "" || e.OrderID == "" {
		return fmt.Errorf("%w: modify needs source and order id", ErrMalformedEvent)
	}
	if e.NewQuantity < 0 {
		return fmt.Errorf("%w: negative quantity %v", ErrMalformedEvent, e.NewQuantity)
	}
	return nil
}

func validateOrder(side Side, price, qty float64) error {
	if !side.valid() {
		return fmt.Errorf("%w: unknown side %q", ErrMalformedEvent, side)
	}
	if price <= 0 {
		return fmt.Errorf("%w: non-positive price %v", ErrMalformedEvent, price)
	}
	if qty <= 0 {
		return fmt.Errorf("%w: non-positive quantity %v", ErrMalformedEvent, qty)
	}
	return nil
}

// Envelope is the JSON shape events travel in over HTTP and upstream feeds.
type Envelope struct {
	Type           EventType `json:"type"`
	Source         string    `json:"source,omitempty"`
	Symbol         string    `json:"symbol,omitempty"`
	OrderID        string    `json:"orderId,omitempty"`
	Side           string    `json:"side,omitempty"`
	Price          *float64  `json:"price,omitempty"`
	Quantity       *float64  `json:"quantity,omitempty"`
	NewQuantity    *float64  `json:"newQuantity,omitempty"`
	BestBidPrice   *float64  `json:"bestBidPrice,omitempty"`
	BestBidQty     *float64  `json:"bestBidQty,omitempty"`
	BestOfferPrice *float64  `json:"bestOfferPrice,omitempty"`
	BestOfferQty   *float64  `json:"bestOfferQty,omitempty"`
}

// Decode parses and validates a single JSON envelope.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return env.Event()
}

// Event converts the envelope into its strict variant and validates it.
func (env Envelope) Event() (Event, error) {
	var ev Event
	switch EventType(strings.ToUpper(string(env.Type))) {
	case EventTopOfBook:
		ev = TopOfBook{
			Source:     env.Source,
			Symbol:     env.Symbol,
			BidPrice:   env.BestBidPrice,
			BidQty:     env.BestBidQty,
			OfferPrice: env.BestOfferPrice,
			OfferQty:   env.BestOfferQty,
		}
	case EventNewOrder:
		side, err := ParseSide(env.Side)
		if err != nil {
			return nil, err
		}
		if env.Price == nil || env.Quantity == nil {
			return nil, fmt.Errorf("%w: new order needs price and quantity", ErrMalformedEvent)
		}
		ev = NewOrder{
			Source:   env.Source,
			Symbol:   env.Symbol,
			OrderID:  env.OrderID,
			Side:     side,
			Price:    *env.Price,
			Quantity: *env.Quantity,
		}
	case EventCancelOrder:
		ev = CancelOrder{Source: env.Source, Symbol: env.Symbol, OrderID: env.OrderID}
	case EventModifyOrder:
		qty := env.NewQuantity
		if qty == nil {
			qty = env.Quantity
		}
		if qty == nil {
			return nil, fmt.Errorf("%w: modify needs newQuantity", ErrMalformedEvent)
		}
		ev = ModifyOrder{Source: env.Source, Symbol: env.Symbol, OrderID: env.OrderID, NewQuantity: *qty}
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, env.Type)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}
