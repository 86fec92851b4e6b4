package orderbook

import (
	"errors"
	"testing"
)

func TestParseSide(t *testing.T) {
	cases := map[string]Side{
		"BID": SideBid, "buy": SideBid, " Buy ": SideBid,
		"OFFER": SideOffer, "sell": SideOffer, "ask": SideOffer,
	}
	for raw, want := range cases {
		got, err := ParseSide(raw)
		if err != nil || got != want {
			t.Fatalf("ParseSide(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := ParseSide("HOLD"); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestDecodeVariants(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"NEW_ORDER","source":"NYSE","symbol":"AAPL","orderId":"1","side":"BUY","price":150.25,"quantity":100}`))
	if err != nil {
		t.Fatal(err)
	}
	no, ok := ev.(NewOrder)
	if !ok || no.Side != SideBid || no.Price != 150.25 || no.Quantity != 100 || no.Symbol != "AAPL" {
		t.Fatalf("unexpected new order %+v", ev)
	}

	ev, err = Decode([]byte(`{"type":"cancel_order","source":"NYSE","orderId":"1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := ev.(CancelOrder); !ok || c.Symbol != "" || c.OrderID != "1" {
		t.Fatalf("unexpected cancel %+v", ev)
	}

	ev, err = Decode([]byte(`{"type":"MODIFY_ORDER","source":"NYSE","orderId":"1","quantity":25}`))
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := ev.(ModifyOrder); !ok || m.NewQuantity != 25 {
		t.Fatalf("modify should fall back to quantity, got %+v", ev)
	}

	ev, err = Decode([]byte(`{"type":"TOP_OF_BOOK","source":"IEX","symbol":"MSFT","bestBidPrice":300.1,"bestBidQty":10}`))
	if err != nil {
		t.Fatal(err)
	}
	tob, ok := ev.(TopOfBook)
	if !ok || tob.BidPrice == nil || *tob.BidPrice != 300.1 || tob.OfferPrice != nil {
		t.Fatalf("unexpected top of book %+v", ev)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{"garbage", `{`, ErrMalformedEvent},
		{"unknown type", `{"type":"TRADE","source":"X"}`, ErrMalformedEvent},
		{"bad side", `{"type":"NEW_ORDER","source":"X","symbol":"A","orderId":"1","side":"UP","price":1,"quantity":1}`, ErrMalformedEvent},
		{"no price", `{"type":"NEW_ORDER","source":"X","symbol":"A","orderId":"1","side":"BID","quantity":1}`, ErrMalformedEvent},
		{"no symbol", `{"type":"NEW_ORDER","source":"X","orderId":"1","side":"BID","price":1,"quantity":1}`, ErrMissingSymbol},
		{"no source", `{"type":"CANCEL_ORDER","orderId":"1"}`, ErrMalformedEvent},
		{"modify without qty", `{"type":"MODIFY_ORDER","source":"X","orderId":"1"}`, ErrMalformedEvent},
		{"negative top", `{"type":"TOP_OF_BOOK","source":"X","symbol":"A","bestOfferQty":-1}`, ErrMalformedEvent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.body)); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
