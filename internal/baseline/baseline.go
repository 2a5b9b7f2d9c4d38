package baseline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"

	"lighterprobe/config"
	"lighterprobe/logger"
	"lighterprobe/models"
)

// Sampler measures round-trip and one-way latency against a reference
// venue so venue-specific latency can be separated from the network path.
// All failures are soft: the run proceeds without a baseline.
type Sampler struct {
	cfg config.BaselineConfig
	log *logger.Log
}

func New(cfg config.BaselineConfig) *Sampler {
	return &Sampler{cfg: cfg, log: logger.GetLogger()}
}

// bookTickerEvent is the subset of the reference venue's bookTicker
// payload the sampler reads.
type bookTickerEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
}

// Run collects the baseline sample. Partial collections are reported as-is;
// only a sample count of zero marks the baseline as failed.
func (s *Sampler) Run(ctx context.Context) *models.BaselineStats {
	log := s.log.WithComponent("baseline")
	stats := &models.BaselineStats{}

	offset, err := s.clockOffset(ctx)
	if err != nil {
		log.WithError(err).Warn("clock offset estimation failed, samples will be uncorrected")
	} else {
		stats.ClockOffset = offset
		log.WithFields(logger.Fields{"offset_ms": offset.Milliseconds()}).Debug("clock offset estimated")
	}

	streamURL := fmt.Sprintf("%s/%s@bookTicker",
		strings.TrimSuffix(s.cfg.WSURL, "/"), strings.ToLower(s.cfg.Symbol))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	start := time.Now()
	ws, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		stats.Err = fmt.Sprintf("baseline connect: %v", err)
		log.WithError(err).Warn("baseline websocket connect failed")
		return stats
	}
	defer ws.Close()
	stats.ConnectMs = msSince(start)

	deadline := time.Now().Add(s.cfg.Timeout.Std())

	// Protocol-level ping; the pong handler fires inside ReadMessage.
	var pongAt time.Time
	ws.SetPongHandler(func(string) error {
		pongAt = time.Now()
		return nil
	})
	pingSent := time.Now()
	if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(3*time.Second)); err != nil {
		log.WithError(err).Warn("baseline ping failed")
	}

	offsetMs := float64(stats.ClockOffset.Milliseconds())
	samples := make([]float64, 0, s.cfg.Samples)
	for len(samples) < s.cfg.Samples && time.Now().Before(deadline) {
		if err := ws.SetReadDeadline(deadline); err != nil {
			break
		}
		_, data, err := ws.ReadMessage()
		recv := time.Now()
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"collected": len(samples),
			}).Warn("baseline stream ended early")
			break
		}

		var ev bookTickerEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.EventTime == 0 {
			continue
		}
		// One-way delay: local receive time in server clock terms minus
		// the server-side event time.
		delta := float64(recv.UnixMilli()) + offsetMs - float64(ev.EventTime)
		samples = append(samples, delta)
	}

	if !pongAt.IsZero() {
		stats.PingRTTMs = float64(pongAt.Sub(pingSent).Nanoseconds()) / 1e6
	}

	stats.Samples = len(samples)
	if len(samples) == 0 {
		if stats.Err == "" {
			stats.Err = "no baseline samples collected"
		}
		return stats
	}
	stats.MinMs, stats.MedianMs, stats.MaxMs = summarize(samples)

	log.WithFields(logger.Fields{
		"samples":   stats.Samples,
		"min_ms":    stats.MinMs,
		"median_ms": stats.MedianMs,
		"max_ms":    stats.MaxMs,
		"rtt_ms":    stats.PingRTTMs,
	}).Info("baseline sample complete")
	return stats
}

// clockOffset estimates server time minus local time via the reference
// venue's server-time endpoint.
func (s *Sampler) clockOffset(ctx context.Context) (time.Duration, error) {
	client := futures.NewClient("", "")
	if s.cfg.RestURL != "" {
		client.BaseURL = strings.TrimSuffix(s.cfg.RestURL, "/")
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	before := time.Now()
	serverTime, err := client.NewServerTimeService().Do(reqCtx)
	rtt := time.Since(before)
	if err != nil {
		return 0, fmt.Errorf("server time query: %w", err)
	}

	// Assume the response arrived mid-flight.
	local := before.Add(rtt / 2).UnixMilli()
	return time.Duration(serverTime-local) * time.Millisecond, nil
}

// summarize reduces the sample set to min, median and max. The median of
// an even-sized set is the lower of the two middle values; sub-millisecond
// interpolation adds nothing at network timescales.
func summarize(samples []float64) (min, median, max float64) {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	return sorted[0], sorted[(len(sorted)-1)/2], sorted[len(sorted)-1]
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / 1e6
}
