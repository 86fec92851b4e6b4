package orderbook

import (
	"sort"
	"time"

	"consolidated_book/internal/infra/metrics"
)

// Row is one rank of a formatted snapshot. Bid and offer at the same index are
// paired by position only; nil marks a side with fewer levels than the depth.
type Row struct {
	Level      int      `json:"level"`
	BidPrice   *float64 `json:"bidPrice"`
	BidQty     *float64 `json:"bidQty"`
	OfferPrice *float64 `json:"offerPrice"`
	OfferQty   *float64 `json:"offerQty"`
}

// ConsolidatedView merges every registered SourceBook of one symbol. It holds
// references only; the Aggregator owns the books.
type ConsolidatedView struct {
	symbol  string
	sources map[string]*SourceBook
}

func NewConsolidatedView(symbol string) *ConsolidatedView {
	return &ConsolidatedView{
		symbol:  symbol,
		sources: make(map[string]*SourceBook),
	}
}

func (v *ConsolidatedView) Symbol() string { return v.symbol }

func (v *ConsolidatedView) RegisterSource(sourceID string, book *SourceBook) {
	v.sources[sourceID] = book
}

func (v *ConsolidatedView) UnregisterSource(sourceID string) {
	delete(v.sources, sourceID)
}

// Sources returns the registered source ids in lexical order.
func (v *ConsolidatedView) Sources() []string {
	out := make([]string, 0, len(v.sources))
	for id := range v.sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TopLevels sums quantities at equal prices across sources and returns at
// most n levels per side. It is recomputed on every call.
func (v *ConsolidatedView) TopLevels(n int) (bids, offers []Level) {
	start := time.Now()
	defer func() { metrics.ConsolidationSeconds.Observe(time.Since(start).Seconds()) }()

	bidQty := make(map[float64]float64)
	offerQty := make(map[float64]float64)
	for _, book := range v.sources {
		for _, lvl := range book.SortedBids() {
			bidQty[lvl.Price] += lvl.Qty
		}
		for _, lvl := range book.SortedOffers() {
			offerQty[lvl.Price] += lvl.Qty
		}
	}
	bids = collect(bidQty)
	offers = collect(offerQty)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(offers, func(i, j int) bool { return offers[i].Price < offers[j].Price })
	return truncate(bids, n), truncate(offers, n)
}

func truncate(levels []Level, n int) []Level {
	if n < 0 {
		n = 0
	}
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}

// FormattedRows zips the top n bids and offers by rank into exactly n rows.
func (v *ConsolidatedView) FormattedRows(n int) []Row {
	if n <= 0 {
		return []Row{}
	}
	bids, offers := v.TopLevels(n)
	rows := make([]Row, n)
	for i := range rows {
		rows[i].Level = i
		if i < len(bids) {
			rows[i].BidPrice = ptr(bids[i].Price)
			rows[i].BidQty = ptr(bids[i].Qty)
		}
		if i < len(offers) {
			rows[i].OfferPrice = ptr(offers[i].Price)
			rows[i].OfferQty = ptr(offers[i].Qty)
		}
	}
	return rows
}

func ptr(v float64) *float64 { return &v }

// hasContent reports whether any row carries a price.
func hasContent(rows []Row) bool {
	for _, r := range rows {
		if r.BidPrice != nil || r.OfferPrice != nil {
			return true
		}
	}
	return false
}
