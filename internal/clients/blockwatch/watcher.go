// Package blockwatch subscribes to newHeads over a chain's WebSocket endpoint
// and signals each new block, which drives invalidation of block-sensitive
// cache entries.
package blockwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	dialTimeout = 30 * time.Second

	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 2 * time.Minute
)

// Watcher maintains a newHeads subscription for one chain. On every head it
// invokes onNewHead with the chain ID and block number; on disconnect it
// reconnects with exponential backoff until stopped.
type Watcher struct {
	chainID   int
	url       string
	onNewHead func(chainID int, blockNumber uint64)
	log       zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool
	stop    chan struct{}
}

// NewWatcher creates a watcher for the given chain's WebSocket endpoint.
func NewWatcher(chainID int, url string, onNewHead func(chainID int, blockNumber uint64), log zerolog.Logger) *Watcher {
	return &Watcher{
		chainID:   chainID,
		url:       url,
		onNewHead: onNewHead,
		log: log.With().
			Str("component", "blockwatch").
			Int("chain_id", chainID).
			Logger(),
		stop: make(chan struct{}),
	}
}

// Start runs the subscribe/read/reconnect loop in the background.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop closes the connection and ends the reconnect loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stop)
	conn := w.conn
	w.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

func (w *Watcher) run(ctx context.Context) {
	delay := baseReconnectDelay

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := w.watch(ctx)
		if err == nil || w.isStopped() || ctx.Err() != nil {
			return
		}

		w.log.Warn().
			Err(err).
			Dur("retry_in", delay).
			Msg("Block subscription dropped, reconnecting")

		select {
		case <-time.After(delay):
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// watch dials, subscribes and reads heads until the connection drops.
func (w *Watcher) watch(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, w.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing %s: %w", w.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.conn = conn
	w.mu.Unlock()

	if err := w.subscribe(ctx, conn); err != nil {
		return err
	}

	w.log.Info().Msg("Subscribed to new heads")

	for {
		var msg subscriptionMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if w.isStopped() {
				return nil
			}
			return fmt.Errorf("reading subscription message: %w", err)
		}

		if msg.Method != "eth_subscription" || msg.Params == nil {
			continue
		}

		number := parseHexUint(msg.Params.Result.Number)
		w.log.Debug().Uint64("block", number).Msg("New head")
		w.onNewHead(w.chainID, number)
	}
}

func (w *Watcher) subscribe(ctx context.Context, conn *websocket.Conn) error {
	sub := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
	}
	if err := wsjson.Write(ctx, conn, sub); err != nil {
		return fmt.Errorf("sending subscribe request: %w", err)
	}

	var ack struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		return fmt.Errorf("reading subscribe response: %w", err)
	}
	if ack.Error != nil {
		return fmt.Errorf("subscribe rejected: %d %s", ack.Error.Code, ack.Error.Message)
	}
	return nil
}

func (w *Watcher) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

type subscriptionMessage struct {
	Method string `json:"method"`
	Params *struct {
		Result struct {
			Number string `json:"number"`
		} `json:"result"`
	} `json:"params"`
}

// parseHexUint decodes an 0x-prefixed hex quantity, returning 0 on malformed
// input. Head numbers are informational here; invalidation does not depend
// on them.
func parseHexUint(s string) uint64 {
	if len(s) < 3 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return 0
	}
	var n uint64
	for _, c := range s[2:] {
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return 0
		}
		n = n<<4 | d
	}
	return n
}
