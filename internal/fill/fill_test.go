package fill

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lighterprobe/config"
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
		Venue: config.VenueConfig{APIURL: apiURL, AccountIndex: 7},
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

// readSubscribe consumes one subscribe request and returns its channel.
func readSubscribe(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	var sub map[string]string
	if err := c.ReadJSON(&sub); err != nil {
		t.Errorf("read subscribe: %v", err)
		return ""
	}
	if sub["type"] != "subscribe" {
		t.Errorf("unexpected request type %q", sub["type"])
	}
	return sub["channel"]
}

func TestStartPrimaryChannel(t *testing.T) {
	srv := newVenueServer(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]string{"type": "connected"})
		ch := readSubscribe(t, c)
		if !strings.HasPrefix(ch, "account_trades/") {
			t.Errorf("first subscribe channel = %q", ch)
		}
		_ = c.WriteJSON(map[string]string{"type": "subscribed/account_trades", "channel": ch})
		time.Sleep(200 * time.Millisecond)
	})

	l := New(testConfig(srv.URL), 7)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Close()

	if l.State() != StateReady {
		t.Errorf("state = %s, want ready", l.State())
	}
	if l.UsedFallback() {
		t.Errorf("fallback must not be used when primary succeeds")
	}
}

func TestStartFallsBackOnce(t *testing.T) {
	srv := newVenueServer(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]string{"type": "connected"})

		first := readSubscribe(t, c)
		_ = c.WriteJSON(map[string]string{"type": "error", "error": "unknown channel " + first})

		second := readSubscribe(t, c)
		if !strings.HasPrefix(second, "account_all/") {
			t.Errorf("fallback channel = %q", second)
		}
		_ = c.WriteJSON(map[string]string{"type": "subscribed/account_all", "channel": second})
		time.Sleep(200 * time.Millisecond)
	})

	l := New(testConfig(srv.URL), 7)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Close()

	if !l.UsedFallback() {
		t.Errorf("fallback not recorded")
	}
	if l.State() != StateReady {
		t.Errorf("state = %s, want ready", l.State())
	}
}

func TestStartBothChannelsRejected(t *testing.T) {
	srv := newVenueServer(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]string{"type": "connected"})
		for i := 0; i < 2; i++ {
			ch := readSubscribe(t, c)
			_ = c.WriteJSON(map[string]string{"type": "error", "error": "unknown channel " + ch})
		}
		time.Sleep(200 * time.Millisecond)
	})

	l := New(testConfig(srv.URL), 7)
	if err := l.Start(context.Background()); err == nil {
		t.Fatalf("expected subscribe failure")
	}
	if l.State() != StateClosed {
		t.Errorf("state = %s, want closed", l.State())
	}
}

func startReady(t *testing.T, push func(*websocket.Conn)) *Listener {
	t.Helper()
	srv := newVenueServer(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]string{"type": "connected"})
		ch := readSubscribe(t, c)
		_ = c.WriteJSON(map[string]string{"type": "subscribed/account_trades", "channel": ch})
		push(c)
		time.Sleep(300 * time.Millisecond)
	})

	l := New(testConfig(srv.URL), 7)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func TestAwaitFillMatchesClientID(t *testing.T) {
	l := startReady(t, func(c *websocket.Conn) {
		// An unrelated trade first, then the one we are waiting for.
		_ = c.WriteJSON(map[string]interface{}{
			"type": "update/account_trades",
			"trades": []map[string]interface{}{
				{"trade_id": 1, "ask_account_id": 99, "ask_client_id": 555, "size": "10", "price": "2000.00"},
			},
		})
		_ = c.WriteJSON(map[string]interface{}{
			"type": "update/account_trades",
			"trades": []map[string]interface{}{
				{"trade_id": 2, "ask_account_id": 7, "ask_client_id": 42, "size": "10", "price": "1999.50"},
			},
		})
	})

	tr, err := l.AwaitFill(42, models.SideSell, 2*time.Second)
	if err != nil {
		t.Fatalf("await fill: %v", err)
	}
	if tr.TradeID != 2 {
		t.Errorf("matched trade %d, want 2", tr.TradeID)
	}
	if l.State() != StateReady {
		t.Errorf("state = %s, want ready", l.State())
	}
}

func TestAwaitFillFallsBackToAccountIdentity(t *testing.T) {
	l := startReady(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]interface{}{
			"type": "update/account_all",
			"trades": []map[string]interface{}{
				{"trade_id": 9, "bid_account_id": 7, "ask_account_id": 3, "size": "10", "price": "2001.00"},
			},
		})
	})

	tr, err := l.AwaitFill(123456, models.SideBuy, 2*time.Second)
	if err != nil {
		t.Fatalf("await fill: %v", err)
	}
	if tr.TradeID != 9 {
		t.Errorf("matched trade %d, want 9", tr.TradeID)
	}
}

func TestAwaitFillAnswersPings(t *testing.T) {
	l := startReady(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]string{"type": "ping"})
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		var pong map[string]string
		if err := c.ReadJSON(&pong); err != nil || pong["type"] != "pong" {
			t.Errorf("ping not answered: %v %v", pong, err)
			return
		}
		_ = c.WriteJSON(map[string]interface{}{
			"type": "update/account_trades",
			"trades": []map[string]interface{}{
				{"trade_id": 4, "bid_account_id": 7, "bid_client_id": 11, "size": "10", "price": "2000.00"},
			},
		})
	})

	if _, err := l.AwaitFill(11, models.SideBuy, 2*time.Second); err != nil {
		t.Fatalf("await fill: %v", err)
	}
}

func TestAwaitFillTimeout(t *testing.T) {
	l := startReady(t, func(c *websocket.Conn) {})

	_, err := l.AwaitFill(42, models.SideBuy, 200*time.Millisecond)
	if !errors.Is(err, ErrNoFill) {
		t.Fatalf("error = %v, want ErrNoFill", err)
	}
}

// A timed-out wait must not consume the connection: the next order's fill
// has to remain observable on the same listener.
func TestAwaitFillReusableAfterTimeout(t *testing.T) {
	l := startReady(t, func(c *websocket.Conn) {
		time.Sleep(400 * time.Millisecond)
		_ = c.WriteJSON(map[string]interface{}{
			"type": "update/account_trades",
			"trades": []map[string]interface{}{
				{"trade_id": 6, "ask_account_id": 7, "ask_client_id": 77, "size": "10", "price": "1998.00"},
			},
		})
		time.Sleep(2 * time.Second)
	})

	if _, err := l.AwaitFill(33, models.SideBuy, 150*time.Millisecond); !errors.Is(err, ErrNoFill) {
		t.Fatalf("first wait: error = %v, want ErrNoFill", err)
	}
	if l.State() != StateReady {
		t.Fatalf("state after timeout = %s, want ready", l.State())
	}

	tr, err := l.AwaitFill(77, models.SideSell, 2*time.Second)
	if err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if tr.TradeID != 6 {
		t.Errorf("matched trade %d, want 6", tr.TradeID)
	}
}

func TestAwaitFillRequiresReadyState(t *testing.T) {
	l := New(testConfig("http://127.0.0.1:0"), 7)
	if _, err := l.AwaitFill(1, models.SideBuy, time.Second); err == nil {
		t.Fatalf("expected state error")
	}
}
