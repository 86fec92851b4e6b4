package feed

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"consolidated_book/internal/orderbook"
)

// Ingester accepts normalized events; *orderbook.Aggregator satisfies it.
type Ingester interface {
	Ingest(ev orderbook.Event) error
}

type SimulatorConfig struct {
	Symbols    []string
	Sources    []string
	Interval   time.Duration
	SeedOrders int
	// RandSeed fixes the generator; zero seeds from the clock.
	RandSeed int64
}

type simOrder struct {
	source   string
	symbol   string
	quantity float64
}

// Simulator generates synthetic multi-venue activity. Top-of-book updates fire
// every interval, new orders every 2 intervals and a modify or cancel of a
// live order every 3 intervals. It is not safe for concurrent use; Run owns it.
type Simulator struct {
	ing        Ingester
	symbols    []string
	sources    []string
	interval   time.Duration
	seedOrders int
	rng        *rand.Rand
	logger     zerolog.Logger

	nextID int
	orders map[string]*simOrder
	ids    []string
	index  map[string]int
}

func NewSimulator(ing Ingester, cfg SimulatorConfig, logger zerolog.Logger) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	seed := cfg.RandSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		ing:        ing,
		symbols:    cfg.Symbols,
		sources:    cfg.Sources,
		interval:   cfg.Interval,
		seedOrders: cfg.SeedOrders,
		rng:        rand.New(rand.NewSource(seed)),
		logger:     logger.With().Str("component", "simulator").Logger(),
		orders:     make(map[string]*simOrder),
		index:      make(map[string]int),
	}
}

func (s *Simulator) Symbols() []string { return append([]string(nil), s.symbols...) }

// Run seeds every source and symbol, then ticks until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	if len(s.symbols) == 0 || len(s.sources) == 0 {
		return fmt.Errorf("simulator needs at least one symbol and one source")
	}
	s.seed()
	s.logger.Info().
		Int("symbols", len(s.symbols)).
		Int("sources", len(s.sources)).
		Dur("interval", s.interval).
		Msg("market data simulation started")

	tob := time.NewTicker(s.interval)
	defer tob.Stop()
	newOrders := time.NewTicker(2 * s.interval)
	defer newOrders.Stop()
	modCancel := time.NewTicker(3 * s.interval)
	defer modCancel.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("market data simulation stopped")
			return nil
		case <-tob.C:
			s.topOfBook(s.pick(s.sources), s.pick(s.symbols))
		case <-newOrders.C:
			s.newOrder(s.pick(s.sources), s.pick(s.symbols))
		case <-modCancel.C:
			s.modifyOrCancel()
		}
	}
}

func (s *Simulator) seed() {
	for _, source := range s.sources {
		for _, symbol := range s.symbols {
			s.topOfBook(source, symbol)
			for i := 0; i < s.seedOrders; i++ {
				s.newOrder(source, symbol)
			}
		}
	}
}

func (s *Simulator) topOfBook(source, symbol string) {
	base := s.basePrice(symbol)
	bid := cents(base * (0.99 + s.rng.Float64()*0.005))
	offer := cents(base * (1.005 + s.rng.Float64()*0.005))
	bidQty := s.size()
	offerQty := s.size()
	s.ingest(orderbook.TopOfBook{
		Source:     source,
		Symbol:     symbol,
		BidPrice:   &bid,
		BidQty:     &bidQty,
		OfferPrice: &offer,
		OfferQty:   &offerQty,
	})
}

func (s *Simulator) newOrder(source, symbol string) {
	base := s.basePrice(symbol)
	side := orderbook.SideBid
	price := base * (0.98 + s.rng.Float64()*0.015)
	if s.rng.Float64() > 0.5 {
		side = orderbook.SideOffer
		price = base * (1.005 + s.rng.Float64()*0.015)
	}
	s.nextID++
	id := fmt.Sprintf("SIM%d", s.nextID)
	qty := s.size()
	if s.ingest(orderbook.NewOrder{
		Source:   source,
		Symbol:   symbol,
		OrderID:  id,
		Side:     side,
		Price:    cents(price),
		Quantity: qty,
	}) {
		s.track(id, &simOrder{source: source, symbol: symbol, quantity: qty})
	}
}

// modifyOrCancel picks a live order; 70% of the time it resizes it to between
// half and one and a half times its quantity, otherwise it cancels it.
func (s *Simulator) modifyOrCancel() {
	if len(s.ids) == 0 {
		return
	}
	id := s.ids[s.rng.Intn(len(s.ids))]
	ord := s.orders[id]
	if s.rng.Float64() > 0.3 {
		qty := math.Max(1, math.Floor(ord.quantity*(0.5+s.rng.Float64())))
		if s.ingest(orderbook.ModifyOrder{Source: ord.source, Symbol: ord.symbol, OrderID: id, NewQuantity: qty}) {
			ord.quantity = qty
		}
		return
	}
	s.ingest(orderbook.CancelOrder{Source: ord.source, Symbol: ord.symbol, OrderID: id})
	s.untrack(id)
}

func (s *Simulator) ingest(ev orderbook.Event) bool {
	if err := s.ing.Ingest(ev); err != nil {
		s.logger.Warn().Err(err).Str("type", string(ev.Type())).Msg("simulated event rejected")
		return false
	}
	return true
}

func (s *Simulator) track(id string, ord *simOrder) {
	s.orders[id] = ord
	s.index[id] = len(s.ids)
	s.ids = append(s.ids, id)
}

func (s *Simulator) untrack(id string) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	last := len(s.ids) - 1
	s.ids[i] = s.ids[last]
	s.index[s.ids[i]] = i
	s.ids = s.ids[:last]
	delete(s.index, id)
	delete(s.orders, id)
}

func (s *Simulator) basePrice(symbol string) float64 {
	r := s.rng.Float64()
	switch symbol {
	case "AAPL":
		return 150 + r*10
	case "MSFT":
		return 300 + r*15
	case "AMZN":
		return 3000 + r*150
	case "GOOGL":
		return 2500 + r*125
	case "FB":
		return 250 + r*12.5
	default:
		return 100 + r*10
	}
}

// size is a whole quantity in [100, 1100).
func (s *Simulator) size() float64 {
	return float64(s.rng.Intn(1000) + 100)
}

func (s *Simulator) pick(items []string) string {
	return items[s.rng.Intn(len(items))]
}

func cents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
