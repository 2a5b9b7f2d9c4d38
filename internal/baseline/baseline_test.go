package baseline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lighterprobe/config"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		min     float64
		median  float64
		max     float64
	}{
		{"single", []float64{5}, 5, 5, 5},
		{"odd", []float64{9, 1, 5}, 1, 5, 9},
		{"even takes lower middle", []float64{4, 1, 3, 2}, 1, 2, 4},
		{"negative offsets allowed", []float64{-2, 3, 1}, -2, 1, 3},
	}
	for _, tt := range tests {
		min, median, max := summarize(tt.samples)
		if min != tt.min || median != tt.median || max != tt.max {
			t.Errorf("%s: got %v/%v/%v, want %v/%v/%v",
				tt.name, min, median, max, tt.min, tt.median, tt.max)
		}
	}
}

// newReferenceVenue fakes the reference venue: a server-time REST endpoint
// plus a bookTicker stream pushing events frames.
func newReferenceVenue(t *testing.T, events int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
			return
		}
		if strings.Contains(r.URL.Path, "@bookTicker") {
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close()
			for i := 0; i < events; i++ {
				msg := fmt.Sprintf(`{"e":"bookTicker","E":%d,"s":"BTCUSDT","b":"50000.00","a":"50000.10"}`,
					time.Now().UnixMilli())
				if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
			time.Sleep(200 * time.Millisecond)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server, samples int) config.BaselineConfig {
	return config.BaselineConfig{
		Enabled: true,
		WSURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		RestURL: srv.URL,
		Symbol:  "btcusdt",
		Samples: samples,
		Timeout: config.Duration(2 * time.Second),
	}
}

func TestRunCollectsSamples(t *testing.T) {
	srv := newReferenceVenue(t, 10)

	stats := New(testConfig(srv, 5)).Run(context.Background())
	if stats.Err != "" {
		t.Fatalf("unexpected baseline error: %s", stats.Err)
	}
	if stats.Samples != 5 {
		t.Errorf("samples = %d, want 5", stats.Samples)
	}
	if stats.ConnectMs <= 0 {
		t.Errorf("connect time not captured")
	}
	if stats.MinMs > stats.MedianMs || stats.MedianMs > stats.MaxMs {
		t.Errorf("stats not ordered: %v/%v/%v", stats.MinMs, stats.MedianMs, stats.MaxMs)
	}
}

func TestRunPartialCollection(t *testing.T) {
	// Server pushes fewer events than requested and closes; the partial
	// sample still counts.
	srv := newReferenceVenue(t, 3)

	stats := New(testConfig(srv, 50)).Run(context.Background())
	if stats.Samples != 3 {
		t.Errorf("samples = %d, want 3", stats.Samples)
	}
	if stats.Err != "" {
		t.Errorf("partial collection must not be an error, got %s", stats.Err)
	}
}

func TestRunNoSamplesIsFailure(t *testing.T) {
	srv := newReferenceVenue(t, 0)

	cfg := testConfig(srv, 5)
	cfg.Timeout = config.Duration(300 * time.Millisecond)
	stats := New(cfg).Run(context.Background())
	if stats.Samples != 0 {
		t.Fatalf("samples = %d, want 0", stats.Samples)
	}
	if stats.Err == "" {
		t.Errorf("zero samples must set the error")
	}
}

func TestRunConnectFailure(t *testing.T) {
	srv := newReferenceVenue(t, 0)
	cfg := testConfig(srv, 5)
	srv.Close()

	stats := New(cfg).Run(context.Background())
	if stats.Err == "" {
		t.Errorf("expected connect error")
	}
	if stats.Samples != 0 {
		t.Errorf("samples = %d, want 0", stats.Samples)
	}
}
