package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"pennyperfect/internal/model"
	"pennyperfect/internal/pricing"
)

const (
	minBackoff = time.Second
	maxBackoff = 16 * time.Second
)

// EventStream relays storefront session and order events from a websocket feed.
type EventStream struct {
	logger *slog.Logger
	url    string
	dialer *websocket.Dialer
}

// NewEventStream creates a new EventStream for the given websocket URL.
func NewEventStream(logger *slog.Logger, url string) *EventStream {
	return &EventStream{logger: logger, url: url, dialer: websocket.DefaultDialer}
}

// streamMessage is the wire format of the event feed.
type streamMessage struct {
	Event      string    `json:"event"`
	Shop       string    `json:"shop"`
	TotalPrice string    `json:"total_price,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StartStream connects to the feed and pushes parsed events to eventChan until
// ctx is cancelled, reconnecting with exponential backoff.
func (s *EventStream) StartStream(ctx context.Context, eventChan chan<- model.StoreEvent) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			s.logger.Info("EventStream: context cancelled, shutting down")
			return nil
		}

		s.logger.Info("EventStream: connecting to WebSocket", "url", s.url, "backoff", backoff)
		c, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Error("EventStream: WebSocket connection failed", "error", err)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		// Reset backoff on successful connection
		backoff = minBackoff

		subscription := map[string]any{
			"event":  "subscribe",
			"topics": []model.EventType{model.EventSessionStart, model.EventOrderPaid},
		}
		if err := c.WriteJSON(subscription); err != nil {
			s.logger.Error("EventStream: failed to send subscription", "error", err)
			c.Close()
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		s.logger.Info("EventStream: subscription sent successfully")

		if done := s.readLoop(ctx, c, eventChan); done {
			return nil
		}
	}
}

// readLoop forwards messages until the connection fails (false) or ctx ends (true).
func (s *EventStream) readLoop(ctx context.Context, c *websocket.Conn, eventChan chan<- model.StoreEvent) bool {
	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	defer c.Close()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("EventStream: context cancelled, closing connection")
				return true
			}
			s.logger.Error("EventStream: failed to read message", "error", err)
			return false
		}

		ev, ok, err := parseEvent(message)
		if err != nil {
			s.logger.Warn("EventStream: failed to parse message", "error", err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case eventChan <- ev:
			s.logger.Debug("EventStream: relayed event", "type", ev.Type, "shop", ev.ShopDomain)
		case <-ctx.Done():
			s.logger.Info("EventStream: context cancelled while sending event")
			return true
		}
	}
}

// parseEvent decodes one feed message. ok is false for control messages.
func parseEvent(message []byte) (model.StoreEvent, bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return model.StoreEvent{}, false, err
	}

	ev := model.StoreEvent{
		Type:       model.EventType(msg.Event),
		ShopDomain: msg.Shop,
		OccurredAt: msg.OccurredAt,
	}
	switch ev.Type {
	case model.EventSessionStart:
	case model.EventOrderPaid:
		cents, err := pricing.ParsePrice(msg.TotalPrice)
		if err != nil {
			return model.StoreEvent{}, false, fmt.Errorf("order total_price %q: %w", msg.TotalPrice, err)
		}
		ev.RevenueCents = cents
	default:
		return model.StoreEvent{}, false, nil
	}

	if ev.ShopDomain == "" {
		return model.StoreEvent{}, false, fmt.Errorf("%s event without shop", ev.Type)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev, true, nil
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
