package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"consolidated_book/internal/infra/metrics"
	"consolidated_book/internal/orderbook"
)

const (
	minBackoff   = 500 * time.Millisecond
	maxBackoff   = 5 * time.Second
	maxFrameSize = 1 << 20
)

// Client consumes wire envelopes from one upstream WebSocket venue. Envelopes
// without a source are attributed to the configured one. A frame may hold a
// single envelope or a JSON array of them.
type Client struct {
	source string
	url    string
	ing    Ingester
	logger zerolog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewClient(source, url string, ing Ingester, logger zerolog.Logger) *Client {
	return &Client{
		source:     source,
		url:        url,
		ing:        ing,
		logger:     logger.With().Str("component", "feed").Str("source", source).Logger(),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Run keeps the connection alive until ctx is done, backing off
// exponentially with jitter between attempts.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		connected, err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("url", c.url).Msg("feed disconnected")
		}
		if connected {
			backoff = c.minBackoff
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(addJitter(backoff)):
		}
		metrics.FeedReconnects.WithLabelValues(c.source).Inc()
		if backoff < c.maxBackoff {
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}
	}
}

// consume dials once and reads until the stream ends. connected reports
// whether the dial succeeded.
func (c *Client) consume(ctx context.Context) (connected bool, err error) {
	ws, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	ws.SetReadLimit(maxFrameSize)
	defer ws.Close(websocket.StatusNormalClosure, "shutdown")
	c.logger.Info().Str("url", c.url).Msg("feed connected")

	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			c.logger.Debug().Int("type", int(msgType)).Msg("non-text frame skipped")
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var envs []orderbook.Envelope
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &envs); err != nil {
			c.logger.Warn().Err(err).Msg("unmarshal batch")
			return
		}
	} else {
		var env orderbook.Envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			c.logger.Warn().Err(err).Msg("unmarshal envelope")
			return
		}
		envs = append(envs, env)
	}
	for _, env := range envs {
		if env.Source == "" {
			env.Source = c.source
		}
		ev, err := env.Event()
		if err == nil {
			err = c.ing.Ingest(ev)
		}
		if err != nil {
			lvl := c.logger.Warn()
			if errors.Is(err, orderbook.ErrDuplicateOrder) {
				lvl = c.logger.Debug()
			}
			lvl.Err(err).Str("type", string(env.Type)).Msg("upstream event not applied")
		}
	}
}

func addJitter(d time.Duration) time.Duration {
	jitter := time.Duration((rand.Float64() - 0.5) * float64(200*time.Millisecond))
	return d + jitter
}
