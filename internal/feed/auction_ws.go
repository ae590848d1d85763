// Package feed streams auction lifecycle events over WebSocket. Events
// are hints only: the consumer re-reads chain state before acting, so a
// dropped or duplicated message can never cause a wrong decision.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/afplabs/liquidator/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// Event is one auction lifecycle notification.
type Event struct {
	Kind      string `json:"event"`
	AccountID string `json:"account"`
	Block     uint64 `json:"block"`
}

// EventHandler is called for each auction event received.
type EventHandler func(ctx context.Context, ev Event)

// AuctionFeed subscribes to auction events on the indexer's WebSocket
// endpoint and invokes the handler for each one. It reconnects with
// exponential backoff on disconnect.
type AuctionFeed struct {
	wsURL   string
	handler EventHandler
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewAuctionFeed creates a feed for the given WebSocket URL.
func NewAuctionFeed(wsURL string, handler EventHandler, logger *slog.Logger) *AuctionFeed {
	return &AuctionFeed{
		wsURL:   wsURL,
		handler: handler,
		logger:  logger.With(slog.String("component", "auction_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects and dispatches events until ctx is cancelled or Close is
// called. Reconnects with exponential backoff on disconnect.
func (f *AuctionFeed) Run(ctx context.Context) error {
	if f.wsURL == "" {
		f.logger.Info("no feed URL configured, exiting")
		return nil
	}

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("auction feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runConnection dials, subscribes, and reads until the connection drops.
func (f *AuctionFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sub := map[string]any{
		"type":   "subscribe",
		"topics": []string{"auction_started", "auction_bid", "auction_resolved", "auction_expired"},
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("auction feed subscribed", slog.String("url", f.wsURL))

	// Close the socket when the context ends so ReadMessage unblocks.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		case <-readDone:
			return
		}
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		conn.Close()
	}()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-f.done:
				return nil
			default:
			}
			return fmt.Errorf("feed: read: %w", domain.ErrWSDisconnect)
		}
		f.dispatch(ctx, raw)
	}
}

// dispatch parses one message and hands it to the handler. Unparseable
// or unrecognized messages are dropped.
func (f *AuctionFeed) dispatch(ctx context.Context, raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	if ev.Kind == "" || ev.AccountID == "" {
		return
	}
	if f.handler != nil {
		f.handler(ctx, ev)
	}
}

// Close stops the feed.
func (f *AuctionFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
