package position

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/perp-engine/internal/model"
)

func TestSubscriberWants(t *testing.T) {
	all := &subscriber{}
	one := &subscriber{owner: "aa"}

	if !all.wants("aa") || !all.wants("") {
		t.Error("unfiltered subscriber should receive everything")
	}
	if !one.wants("aa") {
		t.Error("expected own events")
	}
	if one.wants("bb") {
		t.Error("expected other owners to be filtered")
	}
	if !one.wants("") {
		t.Error("expected price events")
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, h *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		got := len(h.subs)
		h.mu.RUnlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers", n)
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWSHubFiltersByOwner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub()
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	alice := model.Pubkey{0xa1}.String()
	bob := model.Pubkey{0xb0}.String()

	everyone := dial(t, srv, "")
	mine := dial(t, srv, "?owner="+alice)
	waitForSubscribers(t, hub, 2)

	hub.Broadcast(WSMessage{Type: "position_opened", Owner: bob, Position: bob + ":0"})
	hub.Broadcast(WSMessage{Type: "position_opened", Owner: alice, Position: alice + ":0"})
	hub.Broadcast(WSMessage{Type: "price_updated", FeedID: "BTC"})

	if msg := readMessage(t, everyone); msg.Owner != bob {
		t.Errorf("expected bob's event first, got %+v", msg)
	}
	if msg := readMessage(t, everyone); msg.Owner != alice {
		t.Errorf("expected alice's event, got %+v", msg)
	}

	if msg := readMessage(t, mine); msg.Owner != alice || msg.Position != alice+":0" {
		t.Errorf("expected only alice's event, got %+v", msg)
	}
	if msg := readMessage(t, mine); msg.Type != "price_updated" || msg.FeedID != "BTC" {
		t.Errorf("expected price event, got %+v", msg)
	}
}

func TestHandleWSRejectsBadOwner(t *testing.T) {
	hub := NewWSHub()
	req := httptest.NewRequest("GET", "/ws?owner=nothex", nil)
	w := httptest.NewRecorder()

	hub.HandleWS(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["kind"] != "invalid_args" {
		t.Errorf("expected invalid_args, got %q", body["kind"])
	}
}
