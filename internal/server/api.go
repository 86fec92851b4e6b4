package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"consolidated_book/internal/orderbook"
)

const maxBodyBytes = 1 << 20

type orderRequest struct {
	Symbol   string   `json:"symbol"`
	Exchange string   `json:"exchange"`
	Side     string   `json:"side"`
	Price    *float64 `json:"price"`
	Quantity *float64 `json:"quantity"`
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.KnownSymbols())
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.PathValue("symbol"))
	depth, err := parseDepth(r, s.agg.Depth(), s.maxDepth)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.agg.Snapshot(symbol, depth))
}

func (s *Server) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Symbol == "" || req.Exchange == "" || req.Side == "" || req.Price == nil || req.Quantity == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "missing required fields",
			"required": []string{"symbol", "exchange", "side", "price", "quantity"},
		})
		return
	}
	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return
	}
	ev := orderbook.NewOrder{
		Source:   req.Exchange,
		Symbol:   req.Symbol,
		OrderID:  "ORD-" + uuid.NewString(),
		Side:     side,
		Price:    *req.Price,
		Quantity: *req.Quantity,
	}
	if err := s.agg.Ingest(ev); err != nil {
		writeError(w, ingestStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "order created",
		"orderId": ev.OrderID,
		"details": map[string]any{
			"symbol":   ev.Symbol,
			"exchange": ev.Source,
			"side":     ev.Side,
			"price":    ev.Price,
			"quantity": ev.Quantity,
		},
	})
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Exchange == "" || req.Quantity == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "missing required fields",
			"required": []string{"exchange", "quantity"},
		})
		return
	}
	orderID := r.PathValue("orderId")
	ev := orderbook.ModifyOrder{Source: req.Exchange, Symbol: req.Symbol, OrderID: orderID, NewQuantity: *req.Quantity}
	if err := s.agg.Ingest(ev); err != nil {
		writeError(w, ingestStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "order modified",
		"orderId":     orderID,
		"newQuantity": ev.NewQuantity,
	})
}

// handleCancelOrder reads exchange and symbol from the body or, for clients
// that cannot send a DELETE body, from the query string.
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	q := r.URL.Query()
	if req.Exchange == "" {
		req.Exchange = q.Get("exchange")
	}
	if req.Symbol == "" {
		req.Symbol = q.Get("symbol")
	}
	if req.Exchange == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "missing required fields",
			"required": []string{"exchange"},
		})
		return
	}
	orderID := r.PathValue("orderId")
	ev := orderbook.CancelOrder{Source: req.Exchange, Symbol: req.Symbol, OrderID: orderID}
	if err := s.agg.Ingest(ev); err != nil {
		writeError(w, ingestStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "order canceled",
		"orderId": orderID,
	})
}

// handleEvent accepts one wire envelope in the upstream feed format.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	ev, err := orderbook.Decode(body)
	if err != nil {
		writeError(w, ingestStatus(err), err.Error())
		return
	}
	if err := s.agg.Ingest(ev); err != nil {
		writeError(w, ingestStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"type": string(ev.Type())})
}

func (s *Server) handleUnregisterSource(w http.ResponseWriter, r *http.Request) {
	source, symbol := r.PathValue("source"), r.PathValue("symbol")
	if !s.agg.UnregisterSource(source, symbol) {
		writeError(w, http.StatusNotFound, "no book for "+source+"/"+symbol)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody reports whether the handler should continue. An empty body is
// accepted only when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (allowEmpty && err == io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
	return false
}

// parseDepth reads the optional depth query parameter, which must lie in
// [1, limit].
func parseDepth(r *http.Request, def, limit int) (int, error) {
	raw := r.URL.Query().Get("depth")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("depth must be a positive integer, got %q", raw)
	}
	if v > limit {
		return 0, fmt.Errorf("depth %d exceeds the maximum of %d", v, limit)
	}
	return v, nil
}
