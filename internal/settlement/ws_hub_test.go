package settlement_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carpadi/trade-engine/internal/model"
	"github.com/carpadi/trade-engine/internal/settlement"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial failed: %v", err)
	}
	return conn
}

// awaitEvent rebroadcasts until the client reads a message; registration
// runs through the hub's channel so the first broadcast can race it.
func awaitEvent(t *testing.T, hub *settlement.EventHub, conn *websocket.Conn, ev model.Event) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		hub.Broadcast(ev)
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, data, err := conn.ReadMessage(); err == nil {
			return data
		}
	}
	t.Fatal("no broadcast received before deadline")
	return nil
}

func TestEventHub_BroadcastsToClients(t *testing.T) {
	hub := settlement.NewEventHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	data := awaitEvent(t, hub, conn, model.Event{
		Type:    model.EventTradeCompleted,
		TradeID: "t1",
		At:      time.Now().UTC(),
	})

	var got model.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid broadcast payload: %v", err)
	}
	if got.Type != model.EventTradeCompleted || got.TradeID != "t1" {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestEventHub_SurvivesDeadClients(t *testing.T) {
	hub := settlement.NewEventHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	dead := dialHub(t, srv)
	dead.Close()

	// Broadcasting into the dead connection must not wedge the hub loop.
	for i := 0; i < 5; i++ {
		hub.Broadcast(model.Event{Type: model.EventTradeClosed, TradeID: "t1", At: time.Now().UTC()})
		time.Sleep(10 * time.Millisecond)
	}

	// A fresh client still receives events.
	live := dialHub(t, srv)
	defer live.Close()
	awaitEvent(t, hub, live, model.Event{
		Type:    model.EventTradeClosed,
		TradeID: "t2",
		At:      time.Now().UTC(),
	})
}
