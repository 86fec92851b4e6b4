package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"consolidated_book/internal/infra/metrics"
	"consolidated_book/internal/orderbook"
)

func newTestServer(t *testing.T) (*httptest.Server, *Server, *orderbook.Aggregator) {
	t.Helper()
	logger := zerolog.Nop()
	agg := orderbook.NewAggregator(5, 16, logger)
	srv := New(agg, logger, Options{CORSOrigin: "*", Registry: metrics.Init(logger)})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		agg.Close()
	})
	return ts, srv, agg
}

func f(v float64) *float64 { return &v }

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func getRows(t *testing.T, url string) []orderbook.Row {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	var rows []orderbook.Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestSymbolsAndBook(t *testing.T) {
	ts, _, agg := newTestServer(t)
	_ = agg.Ingest(orderbook.NewOrder{Source: "NYSE", Symbol: "AAPL", OrderID: "1", Side: orderbook.SideBid, Price: 150, Quantity: 10})
	_ = agg.Ingest(orderbook.NewOrder{Source: "IEX", Symbol: "AAPL", OrderID: "2", Side: orderbook.SideBid, Price: 150, Quantity: 5})

	resp, err := http.Get(ts.URL + "/api/symbols")
	if err != nil {
		t.Fatal(err)
	}
	var symbols []string
	_ = json.NewDecoder(resp.Body).Decode(&symbols)
	resp.Body.Close()
	if len(symbols) != 1 || symbols[0] != "AAPL" {
		t.Fatalf("unexpected symbols %v", symbols)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing request id")
	}

	rows := getRows(t, ts.URL+"/api/book/AAPL?depth=2")
	if len(rows) != 2 || *rows[0].BidQty != 15 {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if rows := getRows(t, ts.URL+"/api/book/AAPL"); len(rows) != 5 {
		t.Fatalf("expected default depth 5, got %d", len(rows))
	}
	if rows := getRows(t, ts.URL+"/api/book/NOPE"); len(rows) != 0 {
		t.Fatalf("expected no rows for unknown symbol, got %+v", rows)
	}
}

func TestBookDepthBounds(t *testing.T) {
	ts, _, agg := newTestServer(t)
	if err := agg.Ingest(orderbook.NewOrder{Source: "NYSE", Symbol: "AAPL", OrderID: "1", Side: orderbook.SideBid, Price: 150, Quantity: 10}); err != nil {
		t.Fatal(err)
	}

	if rows := getRows(t, ts.URL+"/api/book/AAPL?depth=50"); len(rows) != 50 {
		t.Fatalf("expected 50 rows at the maximum depth, got %d", len(rows))
	}
	for _, depth := range []string{"51", "2000000000", "0", "-3", "abc"} {
		resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/book/AAPL?depth="+depth, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("depth=%s: expected 400, got %d", depth, resp.StatusCode)
		}
		if body["error"] == nil {
			t.Fatalf("depth=%s: missing error body", depth)
		}
	}

	logger := zerolog.Nop()
	small := httptest.NewServer(New(agg, logger, Options{MaxDepth: 8}).Handler())
	defer small.Close()
	if rows := getRows(t, small.URL+"/api/book/AAPL?depth=8"); len(rows) != 8 {
		t.Fatalf("expected 8 rows, got %d", len(rows))
	}
	if resp, _ := doJSON(t, http.MethodGet, small.URL+"/api/book/AAPL?depth=9", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 above configured max, got %d", resp.StatusCode)
	}
}

func TestOrderLifecycle(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/order", map[string]any{
		"symbol": "MSFT", "exchange": "NASDAQ", "side": "BUY", "price": 310.5, "quantity": 100,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", resp.StatusCode, body)
	}
	orderID, _ := body["orderId"].(string)
	if !strings.HasPrefix(orderID, "ORD-") {
		t.Fatalf("unexpected order id %q", orderID)
	}
	rows := getRows(t, ts.URL+"/api/book/MSFT")
	if *rows[0].BidPrice != 310.5 || *rows[0].BidQty != 100 {
		t.Fatalf("order not on book: %+v", rows[0])
	}

	resp, body = doJSON(t, http.MethodPut, ts.URL+"/api/order/"+orderID, map[string]any{"exchange": "NASDAQ", "quantity": 40})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("modify: %d %v", resp.StatusCode, body)
	}
	if rows := getRows(t, ts.URL+"/api/book/MSFT"); *rows[0].BidQty != 40 {
		t.Fatalf("modify not applied: %+v", rows[0])
	}

	resp, body = doJSON(t, http.MethodDelete, ts.URL+"/api/order/"+orderID+"?exchange=NASDAQ", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %v", resp.StatusCode, body)
	}
	if rows := getRows(t, ts.URL+"/api/book/MSFT"); rows[0].BidPrice != nil {
		t.Fatalf("cancel not applied: %+v", rows[0])
	}
}

func TestOrderValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing fields", http.MethodPost, "/api/order", map[string]any{"symbol": "AAPL"}, http.StatusBadRequest},
		{"bad side", http.MethodPost, "/api/order", map[string]any{"symbol": "AAPL", "exchange": "NYSE", "side": "HOLD", "price": 1, "quantity": 1}, http.StatusBadRequest},
		{"zero price", http.MethodPost, "/api/order", map[string]any{"symbol": "AAPL", "exchange": "NYSE", "side": "SELL", "price": 0, "quantity": 1}, http.StatusBadRequest},
		{"modify without quantity", http.MethodPut, "/api/order/x", map[string]any{"exchange": "NYSE"}, http.StatusBadRequest},
		{"cancel without exchange", http.MethodDelete, "/api/order/x", nil, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/order", "nope", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, tc.method, ts.URL+tc.path, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d %v", tc.want, resp.StatusCode, body)
			}
		})
	}
}

func TestPostEvent(t *testing.T) {
	ts, _, agg := newTestServer(t)
	post := func(body string) int {
		resp, err := http.Post(ts.URL+"/api/events", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	ev := `{"type":"NEW_ORDER","source":"ARCA","symbol":"FB","orderId":"o1","side":"SELL","price":251.1,"quantity":30}`
	if code := post(ev); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if code := post(ev); code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", code)
	}
	if code := post(`{"type":"NEW_ORDER","source":"ARCA","orderId":"o2","side":"SELL","price":1,"quantity":1}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 on missing symbol, got %d", code)
	}
	if code := post(`{"type":"CANCEL_ORDER","source":"ARCA","orderId":"o1"}`); code != http.StatusAccepted {
		t.Fatalf("expected 202 on cancel, got %d", code)
	}
	if rows := agg.Snapshot("FB", 1); rows[0].OfferPrice != nil {
		t.Fatalf("cancel without symbol not applied: %+v", rows[0])
	}
}

func TestUnregisterSourceRoute(t *testing.T) {
	ts, _, agg := newTestServer(t)
	_ = agg.Ingest(orderbook.TopOfBook{Source: "BATS", Symbol: "AMZN", BidPrice: f(3000), BidQty: f(2)})

	resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/api/sources/BATS/AMZN", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/sources/BATS/AMZN", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthReadyAndMetrics(t *testing.T) {
	ts, srv, agg := newTestServer(t)
	_ = agg.Ingest(orderbook.TopOfBook{Source: "NYSE", Symbol: "AAPL", BidPrice: f(1), BidQty: f(1)})

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.StatusCode)
	}
	srv.SetReady(true)
	resp, _ = http.Get(ts.URL + "/readyz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	symbols, _ := body["symbols"].([]any)
	if len(symbols) != 1 {
		t.Fatalf("unexpected health %v", body)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(raw), "book_events_total") {
		t.Fatalf("metrics output missing book_events_total")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/order", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "DELETE") {
		t.Fatalf("unexpected allow methods %q", resp.Header.Get("Access-Control-Allow-Methods"))
	}
}

func readEvent(t *testing.T, rd *bufio.Reader) (string, bookUpdate) {
	t.Helper()
	var name string
	var upd bookUpdate
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &upd); err != nil {
				t.Fatalf("decode event: %v", err)
			}
		case line == "" && name != "":
			return name, upd
		}
	}
}

func TestBookStream(t *testing.T) {
	ts, _, agg := newTestServer(t)
	_ = agg.Ingest(orderbook.NewOrder{Source: "NYSE", Symbol: "GOOGL", OrderID: "1", Side: orderbook.SideOffer, Price: 2500, Quantity: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream/book?symbol=GOOGL", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	rd := bufio.NewReader(resp.Body)

	name, upd := readEvent(t, rd)
	if name != "book_update" || upd.Symbol != "GOOGL" || *upd.Data[0].OfferQty != 3 {
		t.Fatalf("unexpected initial event %s %+v", name, upd)
	}

	_ = agg.Ingest(orderbook.ModifyOrder{Source: "NYSE", Symbol: "GOOGL", OrderID: "1", NewQuantity: 9})
	_, upd = readEvent(t, rd)
	if *upd.Data[0].OfferQty != 9 {
		t.Fatalf("expected 9 after modify, got %+v", upd.Data[0])
	}
}

func TestBookStreamRequiresSymbol(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/stream/book")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

type wsMessage struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Data   json.RawMessage `json:"data"`
}

func TestWebSocketProtocol(t *testing.T) {
	ts, _, agg := newTestServer(t)
	_ = agg.Ingest(orderbook.NewOrder{Source: "NYSE", Symbol: "AAPL", OrderID: "1", Side: orderbook.SideBid, Price: 150, Quantity: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() wsMessage {
		t.Helper()
		var msg wsMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}
	write := func(v any) {
		t.Helper()
		if err := wsjson.Write(ctx, conn, v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	write(map[string]string{"type": "get_symbols"})
	msg := read()
	var symbols []string
	_ = json.Unmarshal(msg.Data, &symbols)
	if msg.Type != "symbols" || len(symbols) != 1 || symbols[0] != "AAPL" {
		t.Fatalf("unexpected symbols message %+v", msg)
	}

	write(map[string]string{"type": "subscribe", "symbol": "AAPL"})
	write(map[string]string{"type": "subscribe", "symbol": "MSFT"})
	msg = read()
	var rows []orderbook.Row
	_ = json.Unmarshal(msg.Data, &rows)
	if msg.Type != "book_update" || msg.Symbol != "AAPL" || len(rows) != 5 || *rows[0].BidQty != 10 {
		t.Fatalf("unexpected initial book %+v", msg)
	}

	waitSubscribers(t, agg, "MSFT", 1)
	_ = agg.Ingest(orderbook.NewOrder{Source: "IEX", Symbol: "AAPL", OrderID: "2", Side: orderbook.SideBid, Price: 150, Quantity: 5})
	msg = read()
	_ = json.Unmarshal(msg.Data, &rows)
	if msg.Symbol != "AAPL" || *rows[0].BidQty != 15 {
		t.Fatalf("unexpected update %+v", msg)
	}

	write(map[string]string{"type": "unsubscribe", "symbol": "AAPL"})
	waitSubscribers(t, agg, "AAPL", 0)
	_ = agg.Ingest(orderbook.CancelOrder{Source: "IEX", Symbol: "AAPL", OrderID: "2"})

	// MSFT stays subscribed
	_ = agg.Ingest(orderbook.TopOfBook{Source: "NYSE", Symbol: "MSFT", BidPrice: f(300), BidQty: f(1)})
	msg = read()
	if msg.Symbol != "MSFT" {
		t.Fatalf("expected MSFT update after unsubscribing AAPL, got %+v", msg)
	}

	write(map[string]string{"type": "bogus"})
	if msg := read(); msg.Type != "error" {
		t.Fatalf("expected error message, got %+v", msg)
	}
}

func TestWebSocketCloseReleasesSubscriptions(t *testing.T) {
	ts, _, agg := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = wsjson.Write(ctx, conn, map[string]string{"type": "subscribe", "symbol": "AAPL"})
	_ = wsjson.Write(ctx, conn, map[string]string{"type": "subscribe", "symbol": "MSFT"})
	waitSubscribers(t, agg, "MSFT", 1)
	conn.Close(websocket.StatusNormalClosure, "bye")

	waitSubscribers(t, agg, "AAPL", 0)
	waitSubscribers(t, agg, "MSFT", 0)
}

func waitSubscribers(t *testing.T, agg *orderbook.Aggregator, symbol string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := 0
		for _, h := range agg.Health() {
			if h.Symbol == symbol {
				got = h.Subscribers
			}
		}
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never reached %d subscribers", symbol, want)
}
