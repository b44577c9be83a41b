package commerce

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pennyperfect/internal/model"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		want    model.StoreEvent
		ok      bool
		wantErr bool
	}{
		{
			name: "session",
			msg:  `{"event":"session_start","shop":"a.myshopify.com","occurred_at":"2026-03-01T10:00:00Z"}`,
			want: model.StoreEvent{Type: model.EventSessionStart, ShopDomain: "a.myshopify.com",
				OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
			ok: true,
		},
		{
			name: "order",
			msg:  `{"event":"order_paid","shop":"a.myshopify.com","total_price":"1,024.50","occurred_at":"2026-03-01T10:00:00Z"}`,
			want: model.StoreEvent{Type: model.EventOrderPaid, ShopDomain: "a.myshopify.com", RevenueCents: 102450,
				OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
			ok: true,
		},
		{name: "control message", msg: `{"event":"subscriptionStatus"}`},
		{name: "bad price", msg: `{"event":"order_paid","shop":"a","total_price":"n/a"}`, wantErr: true},
		{name: "missing shop", msg: `{"event":"session_start"}`, wantErr: true},
		{name: "not json", msg: `[`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := parseEvent([]byte(tt.msg))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestEventStream_RelaysEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		var sub map[string]any
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub

		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscriptionStatus"}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"session_start","shop":"a.myshopify.com"}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event":"order_paid","shop":"a.myshopify.com","total_price":"24.95"}`))

		// Hold the connection until the client goes away.
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewEventStream(discardLogger(), url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan model.StoreEvent, 4)
	done := make(chan error, 1)
	go func() { done <- stream.StartStream(ctx, events) }()

	sub := <-subscribed
	assert.Equal(t, "subscribe", sub["event"])

	first := <-events
	assert.Equal(t, model.EventSessionStart, first.Type)
	assert.False(t, first.OccurredAt.IsZero())

	second := <-events
	assert.Equal(t, model.EventOrderPaid, second.Type)
	assert.Equal(t, int64(2495), second.RevenueCents)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestNextBackoff(t *testing.T) {
	d := minBackoff
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
	}
	assert.Equal(t, maxBackoff, d)
}
