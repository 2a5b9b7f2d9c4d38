package probe

import (
	"context"
	"fmt"
	"time"

	"lighterprobe/config"
	"lighterprobe/internal/stream"
	"lighterprobe/logger"
	"lighterprobe/models"
)

// Prober detects hard network blocks against the venue and reads the
// initial order book snapshot the taker test prices off.
type Prober struct {
	cfg *config.Config
	log *logger.Log
}

func New(cfg *config.Config) *Prober {
	return &Prober{cfg: cfg, log: logger.GetLogger()}
}

// Snapshot is the reduced order book: best bid and best ask plus the time
// the subscription took. A zero price means that side of the book was
// empty; dependent tests must treat it as no valid market data.
type Snapshot struct {
	BestBid     float64
	BestAsk     float64
	SubscribeMs float64
}

// Probe attempts the venue handshake bounded by the configured timeout.
// On failure the returned error is a *stream.BlockError whose verdict
// tells the caller to abort the run. On success the stream has already
// consumed the connection-acknowledgment frame.
func (p *Prober) Probe(ctx context.Context) (*stream.Conn, time.Duration, error) {
	log := p.log.WithComponent("prober")
	wsURL := p.cfg.Venue.WSURL()

	start := time.Now()
	conn, err := stream.Dial(ctx, wsURL, p.cfg.Probe.HandshakeTimeout.Std())
	connectTime := time.Since(start)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"url": wsURL}).Warn("websocket connect failed")
		return nil, connectTime, err
	}

	log.WithFields(logger.Fields{
		"url":        wsURL,
		"connect_ms": connectTime.Milliseconds(),
	}).Info("websocket connected")

	if err := conn.DrainHello(5 * time.Second); err != nil {
		// A missing hello is a soft warning; the link itself is up.
		log.WithError(err).Warn("no connected frame received")
	}

	return conn, connectTime, nil
}

// ReadOrderbook subscribes to the market's order book channel and consumes
// frames until the snapshot arrives or the timeout elapses. Keepalive pings
// are answered transparently.
func (p *Prober) ReadOrderbook(conn *stream.Conn, marketID int64, timeout time.Duration) (Snapshot, error) {
	log := p.log.WithComponent("prober")
	channel := fmt.Sprintf("order_book/%d", marketID)

	subStart := time.Now()
	if err := conn.WriteJSON(models.SubscribeFrame(channel)); err != nil {
		return Snapshot{}, fmt.Errorf("send subscribe: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		frame, err := conn.ReadFrame(deadline)
		if err != nil {
			return Snapshot{}, fmt.Errorf("orderbook subscribe: %w", err)
		}

		switch frame.Kind {
		case models.FramePing:
			if err := conn.Pong(); err != nil {
				return Snapshot{}, fmt.Errorf("answer ping: %w", err)
			}
		case models.FrameSubscribed:
			if frame.Book == nil {
				log.WithFields(logger.Fields{"type": frame.Type}).Warn("subscribed frame without book payload")
				continue
			}
			snap := Snapshot{
				BestBid:     frame.Book.BestBid(),
				BestAsk:     frame.Book.BestAsk(),
				SubscribeMs: float64(time.Since(subStart).Nanoseconds()) / 1e6,
			}
			log.WithFields(logger.Fields{
				"best_bid":     snap.BestBid,
				"best_ask":     snap.BestAsk,
				"subscribe_ms": snap.SubscribeMs,
			}).Info("orderbook snapshot received")
			return snap, nil
		case models.FrameSubscribeError:
			return Snapshot{}, fmt.Errorf("orderbook subscribe rejected: %s", frame.Err)
		default:
			// connected duplicates, unrelated updates: skip
		}
	}
}
