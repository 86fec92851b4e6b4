package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"consolidated_book/internal/orderbook"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsOutboundSize = 64
)

// bookUpdate is pushed on both the SSE stream and the WebSocket.
type bookUpdate struct {
	Type   string          `json:"type,omitempty"`
	Symbol string          `json:"symbol"`
	Data   []orderbook.Row `json:"data"`
}

type symbolsMessage struct {
	Type string   `json:"type"`
	Data []string `json:"data"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type clientMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

func (s *Server) handleBookStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error().Str("writer", fmt.Sprintf("%T", w)).Msg("/stream/book flusher unsupported")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	ch := make(chan []orderbook.Row, 1)
	sub := s.agg.Subscribe(symbol, func(rows []orderbook.Row) {
		select {
		case ch <- rows:
		case <-ctx.Done():
		}
	})
	defer sub.Unsubscribe()

	for {
		select {
		case rows := <-ch:
			data, err := json.Marshal(bookUpdate{Symbol: symbol, Data: rows})
			if err != nil {
				continue
			}
			w.Write([]byte("event: book_update\n"))
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// wsSession is one WebSocket client with at most one subscription per symbol.
type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	out  chan any

	mu   sync.Mutex
	subs map[string]*orderbook.Subscription
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cors),
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &wsSession{
		srv:  s,
		conn: conn,
		out:  make(chan any, wsOutboundSize),
		subs: make(map[string]*orderbook.Subscription),
	}
	defer sess.releaseAll()

	go sess.writeLoop(ctx, cancel)
	s.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				s.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket client disconnected")
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket read error")
			return
		}
		sess.handle(ctx, msg)
	}
}

func (ws *wsSession) handle(ctx context.Context, msg clientMessage) {
	symbol := strings.TrimSpace(msg.Symbol)
	switch strings.ToLower(msg.Type) {
	case "subscribe":
		if symbol == "" {
			ws.send(ctx, errorMessage{Type: "error", Error: "symbol is required"})
			return
		}
		ws.subscribe(ctx, symbol)
	case "unsubscribe":
		ws.unsubscribe(symbol)
	case "get_symbols":
		ws.send(ctx, symbolsMessage{Type: "symbols", Data: ws.srv.agg.KnownSymbols()})
	default:
		ws.send(ctx, errorMessage{Type: "error", Error: "unknown message type " + msg.Type})
	}
}

func (ws *wsSession) subscribe(ctx context.Context, symbol string) {
	ws.mu.Lock()
	_, exists := ws.subs[symbol]
	ws.mu.Unlock()
	if exists {
		return
	}
	sub := ws.srv.agg.Subscribe(symbol, func(rows []orderbook.Row) {
		ws.send(ctx, bookUpdate{Type: "book_update", Symbol: symbol, Data: rows})
	})
	ws.mu.Lock()
	ws.subs[symbol] = sub
	ws.mu.Unlock()
}

// unsubscribe releases only the named symbol's registration.
func (ws *wsSession) unsubscribe(symbol string) {
	ws.mu.Lock()
	sub, ok := ws.subs[symbol]
	delete(ws.subs, symbol)
	ws.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

func (ws *wsSession) releaseAll() {
	ws.mu.Lock()
	subs := ws.subs
	ws.subs = map[string]*orderbook.Subscription{}
	ws.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// send blocks until the writer takes msg or the session ends, leaving
// backpressure to the aggregator's per-subscriber queue.
func (ws *wsSession) send(ctx context.Context, msg any) {
	select {
	case ws.out <- msg:
	case <-ctx.Done():
	}
}

func (ws *wsSession) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ws.out:
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, ws.conn, msg)
			wcancel()
			if err != nil {
				ws.srv.logger.Warn().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func originPatterns(cors string) []string {
	if cors == "" || cors == "*" {
		return []string{"*"}
	}
	host := cors
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return []string{strings.TrimSuffix(host, "/")}
}
