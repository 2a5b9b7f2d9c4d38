package fill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lighterprobe/config"
	"lighterprobe/internal/stream"
	"lighterprobe/logger"
	"lighterprobe/models"
)

// ErrNoFill marks an await that ran out of time without a correlated trade.
// The order may still have filled; only the observation is missing.
var ErrNoFill = errors.New("no correlated fill observed")

// frameBuffer bounds the frames held between awaits. Fills that land in the
// gap between an ack and the next AwaitFill call wait here.
const frameBuffer = 64

// State tracks the listener through its lifecycle. A wait moves Ready to
// Listening and back; only Close is terminal.
type State int

const (
	StateConnecting State = iota
	StateAwaitingHello
	StateSubscribing
	StateFallbackSubscribing
	StateReady
	StateListening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateSubscribing:
		return "subscribing"
	case StateFallbackSubscribing:
		return "fallback_subscribing"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Listener owns the second websocket connection and watches the account's
// trade channel for fills. Orders are sent on a separate connection so a
// slow fill stream never delays an order write.
type Listener struct {
	cfg          *config.Config
	log          *logger.Log
	accountIndex int64

	conn         *stream.Conn
	state        State
	usedFallback bool

	// frames is fed by the reader goroutine once the listener is ready.
	// Waiting with a timer instead of a read deadline keeps the connection
	// usable after a timed-out wait, so the SELL leg can still observe its
	// fill after the BUY leg observed none.
	frames  chan models.Frame
	readErr error
}

func New(cfg *config.Config, accountIndex int64) *Listener {
	return &Listener{
		cfg:          cfg,
		log:          logger.GetLogger(),
		accountIndex: accountIndex,
		state:        StateConnecting,
		frames:       make(chan models.Frame, frameBuffer),
	}
}

func (l *Listener) State() State { return l.state }

func (l *Listener) UsedFallback() bool { return l.usedFallback }

func (l *Listener) primaryChannel() string {
	return fmt.Sprintf("account_trades/%d", l.accountIndex)
}

func (l *Listener) fallbackChannel() string {
	return fmt.Sprintf("account_all/%d", l.accountIndex)
}

// Start connects, consumes the hello frame and subscribes to the account
// trade channel. If the primary channel is rejected it retries exactly once
// on the coarser account-wide channel before giving up. On success a reader
// goroutine takes over the connection until Close.
func (l *Listener) Start(ctx context.Context) error {
	log := l.log.WithComponent("fill")

	conn, err := stream.Dial(ctx, l.cfg.Venue.WSURL(), l.cfg.Probe.HandshakeTimeout.Std())
	if err != nil {
		l.state = StateClosed
		return fmt.Errorf("fill listener connect: %w", err)
	}
	l.conn = conn

	l.state = StateAwaitingHello
	if err := conn.DrainHello(5 * time.Second); err != nil {
		log.WithError(err).Warn("fill listener got no connected frame")
	}

	l.state = StateSubscribing
	if err := l.subscribe(l.primaryChannel()); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"channel": l.primaryChannel(),
		}).Warn("primary trade channel rejected, trying fallback")

		l.state = StateFallbackSubscribing
		l.usedFallback = true
		if err := l.subscribe(l.fallbackChannel()); err != nil {
			l.Close()
			return fmt.Errorf("fill listener subscribe: %w", err)
		}
	}

	l.state = StateReady
	go l.readLoop(conn)
	log.WithFields(logger.Fields{
		"account_index": l.accountIndex,
		"fallback":      l.usedFallback,
	}).Info("fill listener ready")
	return nil
}

func (l *Listener) subscribe(channel string) error {
	if err := l.conn.WriteJSON(models.SubscribeFrame(channel)); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	deadline := time.Now().Add(l.cfg.Probe.SubscribeTimeout.Std())
	for {
		frame, err := l.conn.ReadFrame(deadline)
		if err != nil {
			return fmt.Errorf("await subscribe ack: %w", err)
		}
		switch frame.Kind {
		case models.FramePing:
			if err := l.conn.Pong(); err != nil {
				return fmt.Errorf("answer ping: %w", err)
			}
		case models.FrameSubscribed:
			return nil
		case models.FrameSubscribeError:
			return fmt.Errorf("channel %s rejected: %s", channel, frame.Err)
		default:
			// unrelated frames are skipped
		}
	}
}

// readLoop drains the connection, answers keepalive pings and buffers
// everything else for AwaitFill. It exits when the connection dies; the
// channel close hands the read error to the next waiter.
func (l *Listener) readLoop(conn *stream.Conn) {
	log := l.log.WithComponent("fill")
	for {
		frame, err := conn.ReadFrame(time.Time{})
		if err != nil {
			l.readErr = err
			close(l.frames)
			return
		}
		if frame.Kind == models.FramePing {
			if err := conn.Pong(); err != nil {
				l.readErr = fmt.Errorf("answer ping: %w", err)
				close(l.frames)
				return
			}
			continue
		}
		select {
		case l.frames <- frame:
		default:
			log.WithFields(logger.Fields{"type": frame.Type}).Warn("fill stream backlog full, frame dropped")
		}
	}
}

// AwaitFill blocks until a trade correlated to the given order arrives or
// the timeout elapses. A timeout returns ErrNoFill and leaves the listener
// ready for the next order; the caller reports an absent duration rather
// than failing the run.
func (l *Listener) AwaitFill(clientOrderID int64, side models.Side, timeout time.Duration) (*models.Trade, error) {
	if l.state != StateReady && l.state != StateListening {
		return nil, fmt.Errorf("fill listener not ready (state %s)", l.state)
	}
	l.state = StateListening
	defer func() {
		if l.state == StateListening {
			l.state = StateReady
		}
	}()
	log := l.log.WithComponent("fill")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case frame, ok := <-l.frames:
			if !ok {
				l.state = StateClosed
				return nil, fmt.Errorf("fill stream read: %w", l.readErr)
			}
			if frame.Kind != models.FrameUpdate && frame.Kind != models.FrameSubscribed {
				continue
			}
			for i := range frame.Trades {
				tr := frame.Trades[i]
				if !tr.MatchesOrder(side, clientOrderID, l.accountIndex) {
					continue
				}
				log.WithFields(logger.Fields{
					"client_order_id": clientOrderID,
					"trade_id":        tr.TradeID,
					"size":            tr.Size,
					"price":           tr.Price,
				}).Info("fill correlated")
				return &tr, nil
			}
		case <-timer.C:
			return nil, ErrNoFill
		}
	}
}

// Close tears the connection down, which also stops the reader goroutine.
// Safe to call more than once.
func (l *Listener) Close() {
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.state = StateClosed
}
