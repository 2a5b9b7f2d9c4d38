package probe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lighterprobe/config"
	"lighterprobe/internal/stream"
	"lighterprobe/models"
)

func testConfig(apiURL string) *config.Config {
	return &config.Config{
		Probe: config.ProbeConfig{
			Name:             "test",
			Version:          "1",
			HandshakeTimeout: config.Duration(2 * time.Second),
			SubscribeTimeout: config.Duration(2 * time.Second),
		},
		Venue: config.VenueConfig{APIURL: apiURL, PriceScale: 100},
	}
}

func newVenueServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeSuccess(t *testing.T) {
	srv := newVenueServer(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]string{"type": "connected"})
		time.Sleep(300 * time.Millisecond)
	})

	p := New(testConfig(srv.URL))
	conn, connectTime, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	defer conn.Close()
	if connectTime <= 0 {
		t.Errorf("connect time not captured")
	}
}

func TestProbeGeoBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	p := New(testConfig(srv.URL))
	_, _, err := p.Probe(context.Background())
	if err == nil {
		t.Fatalf("expected block error")
	}
	var blockErr *stream.BlockError
	if !errors.As(err, &blockErr) || blockErr.Verdict != models.BlockGeo {
		t.Fatalf("error = %v, want geo_blocked", err)
	}
}

func TestReadOrderbook(t *testing.T) {
	book := map[string]interface{}{
		"type":    "subscribed/order_book",
		"channel": "order_book/0",
		"order_book": map[string]interface{}{
			"bids": []map[string]string{{"price": "1998.00", "size": "1"}, {"price": "1999.00", "size": "2"}},
			"asks": []map[string]string{{"price": "2001.00", "size": "1"}, {"price": "2000.00", "size": "2"}},
		},
	}

	srv := newVenueServer(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]string{"type": "connected"})

		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		var sub map[string]string
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		if sub["type"] != "subscribe" || sub["channel"] != "order_book/0" {
			t.Errorf("unexpected subscribe frame: %v", sub)
			return
		}

		// Interleave a keepalive ping before the snapshot
		_ = c.WriteJSON(map[string]string{"type": "ping"})
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		var pong map[string]string
		if err := c.ReadJSON(&pong); err != nil || pong["type"] != "pong" {
			t.Errorf("ping not answered: %v %v", pong, err)
			return
		}

		_ = c.WriteJSON(book)
		time.Sleep(200 * time.Millisecond)
	})

	p := New(testConfig(srv.URL))
	conn, _, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	defer conn.Close()

	snap, err := p.ReadOrderbook(conn, 0, 2*time.Second)
	if err != nil {
		t.Fatalf("read orderbook failed: %v", err)
	}
	if snap.BestBid != 1999.00 {
		t.Errorf("best bid = %v, want 1999.00", snap.BestBid)
	}
	if snap.BestAsk != 2000.00 {
		t.Errorf("best ask = %v, want 2000.00", snap.BestAsk)
	}
	if snap.SubscribeMs <= 0 {
		t.Errorf("subscribe time not captured")
	}
}

func TestReadOrderbookEmptyBook(t *testing.T) {
	srv := newVenueServer(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]string{"type": "connected"})
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		var sub map[string]string
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		raw, _ := json.Marshal(map[string]interface{}{
			"type":       "subscribed/order_book",
			"order_book": map[string]interface{}{"bids": []interface{}{}, "asks": []interface{}{}},
		})
		_ = c.WriteMessage(websocket.TextMessage, raw)
		time.Sleep(200 * time.Millisecond)
	})

	p := New(testConfig(srv.URL))
	conn, _, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	defer conn.Close()

	snap, err := p.ReadOrderbook(conn, 0, 2*time.Second)
	if err != nil {
		t.Fatalf("read orderbook failed: %v", err)
	}
	if snap.BestBid != 0 || snap.BestAsk != 0 {
		t.Errorf("empty book must reduce to zero prices, got %v/%v", snap.BestBid, snap.BestAsk)
	}
}

func TestReadOrderbookTimeout(t *testing.T) {
	srv := newVenueServer(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]string{"type": "connected"})
		time.Sleep(2 * time.Second)
	})

	p := New(testConfig(srv.URL))
	conn, _, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	defer conn.Close()

	if _, err := p.ReadOrderbook(conn, 0, 300*time.Millisecond); err == nil {
		t.Fatalf("expected timeout error")
	}
}
