package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentvault/rentvault/internal/logging"
)

func TestSubscriptionMatches(t *testing.T) {
	escrow := &Event{Type: EventEscrow, Accounts: []string{"GTENANT", "GLANDLORD"}}
	payment := &Event{Type: EventPayment, Accounts: []string{"GOTHER"}}

	tests := []struct {
		name string
		sub  Subscription
		e    *Event
		want bool
	}{
		{"empty matches all", Subscription{}, escrow, true},
		{"type match", Subscription{Types: []EventType{EventEscrow}}, escrow, true},
		{"type miss", Subscription{Types: []EventType{EventDispute}}, escrow, false},
		{"account match", Subscription{Accounts: []string{"GLANDLORD"}}, escrow, true},
		{"account miss", Subscription{Accounts: []string{"GTENANT"}}, payment, false},
		{"both must hold", Subscription{Types: []EventType{EventPayment}, Accounts: []string{"GTENANT"}}, escrow, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.matches(tt.e))
		})
	}
}

func TestPublish_DropsWhenQueueFull(t *testing.T) {
	h := NewHub(nil, logging.Discard())
	for range cap(h.events) + 5 {
		h.Publish(Event{Type: EventPayment, ID: "tx_1"})
	}
	assert.Len(t, h.events, cap(h.events))
	e := <-h.events
	assert.False(t, e.Timestamp.IsZero())
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard.Publish(Event{Type: EventAnchor}) })
}

func startHub(t *testing.T, origins []string) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewHub(origins, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStream_FiltersByAccountAndType(t *testing.T) {
	h, srv := startHub(t, nil)
	conn := dial(t, srv, "?accounts=GTENANT&types=escrow")
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)

	h.Publish(Event{Type: EventEscrow, ID: "esc_other", Status: "ACTIVE", Accounts: []string{"GSOMEONE"}})
	h.Publish(Event{Type: EventPayment, ID: "tx_1", Status: "COMPLETED", Accounts: []string{"GTENANT"}})
	h.Publish(Event{Type: EventEscrow, ID: "esc_1", Status: "RELEASED", Accounts: []string{"GTENANT", "GLANDLORD"}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, EventEscrow, got.Type)
	assert.Equal(t, "esc_1", got.ID)
	assert.Equal(t, "RELEASED", got.Status)
}

func TestStream_Disconnect(t *testing.T) {
	h, srv := startHub(t, nil)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStream_RejectsForeignOrigin(t *testing.T) {
	_, srv := startHub(t, []string{"https://app.rentvault.test"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"

	hdr := http.Header{"Origin": []string{"https://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	hdr = http.Header{"Origin": []string{"https://app.rentvault.test"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}
