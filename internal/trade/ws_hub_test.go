package trade_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openpredict/market-engine/internal/trade"
)

func dialWS(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	return conn
}

func TestWSHub_BroadcastSurvivesClientDisconnect(t *testing.T) {
	hub := trade.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	stayer := dialWS(t, srv.URL)
	defer stayer.Close()

	// A second client drops its connection; broadcasting must evict it
	// without disturbing the remaining client.
	leaver := dialWS(t, srv.URL)
	leaver.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				hub.Broadcast(trade.WSMessage{
					Type:     "price_update",
					MarketID: "m1",
					Price:    "0.52",
				})
			}
		}
	}()

	stayer.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got trade.WSMessage
	if err := stayer.ReadJSON(&got); err != nil {
		t.Fatalf("surviving client received no broadcast: %v", err)
	}
	if got.Type != "price_update" || got.MarketID != "m1" {
		t.Errorf("unexpected message: %+v", got)
	}
}
