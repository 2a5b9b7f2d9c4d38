package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lighterprobe/config"
	"lighterprobe/internal/signer"
	"lighterprobe/internal/stream"
	"lighterprobe/logger"
	"lighterprobe/models"
)

// ErrAckTimeout marks an order whose synchronous response never arrived.
// The order may still be live on the venue, which is why the caller runs
// the emergency cleanup path.
var ErrAckTimeout = errors.New("order ack timed out")

// ErrSigning marks a local signing failure. Nothing reached the wire, so
// the caller may retry immediately.
var ErrSigning = errors.New("order signing failed")

// RejectionError is a venue-refused order. Distinct from transport errors
// so the retry policy can tell them apart.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected: %s", e.Reason)
}

// WorstPrice converts a book price into the price-scaled marketable limit:
// a BUY pays up to best ask plus slippage, a SELL accepts down to best bid
// minus slippage. Truncation keeps the bound inside the tolerance on both
// sides. Values that are an integer in exact arithmetic must survive the
// float round trip (2000 * 1.005 * 100 is exactly 201000, not 200999), so
// anything within epsilon of an integer snaps to it before the floor.
func WorstPrice(side models.Side, bookPrice, slippage float64, scale int64) int64 {
	px := bookPrice * (1 + slippage)
	if side == models.SideSell {
		px = bookPrice * (1 - slippage)
	}
	scaled := px * float64(scale)
	if nearest := math.Round(scaled); math.Abs(scaled-nearest) < 1e-6 {
		return int64(nearest)
	}
	return int64(math.Floor(scaled))
}

// Dispatcher signs orders and sends them on the order connection, capturing
// the timestamp ledger as each stage completes. It owns the connection's
// read side while an ack is pending.
type Dispatcher struct {
	cfg     *config.Config
	log     *logger.Log
	signer  *signer.Signer
	conn    *stream.Conn
	limiter *rate.Limiter
}

func New(cfg *config.Config, sgn *signer.Signer, conn *stream.Conn) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		log:     logger.GetLogger(),
		signer:  sgn,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(cfg.Order.RatePerSecond), cfg.Order.RateBurst),
	}
}

type sendTxRequest struct {
	Type string     `json:"type"`
	Data sendTxData `json:"data"`
}

type sendTxData struct {
	ID     string `json:"id"`
	TxType uint8  `json:"tx_type"`
	TxInfo string `json:"tx_info"`
}

// SignAndSend runs one order through sign, send and ack. The returned
// ledger always carries every instant that was reached, even on failure,
// so partial latencies stay reportable. A venue refusal comes back as
// *RejectionError, a missing response as ErrAckTimeout.
func (d *Dispatcher) SignAndSend(ctx context.Context, intent models.OrderIntent) (models.TimestampLedger, models.VenueAck, error) {
	log := d.log.WithComponent("dispatch")
	var ledger models.TimestampLedger

	// Rate limiting happens before the first timestamp so waiting for a
	// token never shows up as signing latency.
	if err := d.limiter.Wait(ctx); err != nil {
		return ledger, models.VenueAck{}, fmt.Errorf("rate limit wait: %w", err)
	}

	ledger.Signal = time.Now()
	txType, txInfo, err := d.signer.SignCreateOrder(signer.OrderParams{
		MarketIndex:      intent.MarketID,
		ClientOrderIndex: intent.ClientOrderID,
		BaseAmount:       intent.BaseAmount,
		Price:            intent.WorstPrice,
		IsAsk:            intent.Side.IsAsk(),
		OrderType:        signer.OrderTypeMarket,
		TimeInForce:      signer.TimeInForceIOC,
		OrderExpiry:      signer.DefaultIOCExpiry,
	})
	if err != nil {
		return ledger, models.VenueAck{}, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	ledger.Signed = time.Now()

	req := sendTxRequest{
		Type: "jsonapi/sendtx",
		Data: sendTxData{
			ID:     "req_" + uuid.NewString(),
			TxType: txType,
			TxInfo: string(txInfo),
		},
	}
	if err := d.conn.WriteJSON(req); err != nil {
		return ledger, models.VenueAck{}, fmt.Errorf("send order: %w", err)
	}
	ledger.Sent = time.Now()

	log.WithFields(logger.Fields{
		"side":            intent.Side.String(),
		"client_order_id": intent.ClientOrderID,
		"base_amount":     intent.BaseAmount,
		"worst_price":     intent.WorstPrice,
		"request_id":      req.Data.ID,
	}).Info("order sent")

	ack, err := d.awaitAck()
	if err != nil {
		return ledger, models.VenueAck{}, err
	}
	ledger.Acked = time.Now()

	if ack.Rejected() {
		log.WithFields(logger.Fields{
			"client_order_id": intent.ClientOrderID,
			"reason":          ack.Reason,
		}).Warn("order rejected by venue")
		return ledger, ack, &RejectionError{Reason: ack.Reason}
	}

	log.WithFields(logger.Fields{
		"client_order_id": intent.ClientOrderID,
		"send_to_ack_ms":  float64(ledger.SendToAck().Nanoseconds()) / 1e6,
	}).Info("order acked")
	return ledger, ack, nil
}

// awaitAck reads frames until the sendtx response arrives. Keepalive pings
// are answered; unrelated frames are skipped.
func (d *Dispatcher) awaitAck() (models.VenueAck, error) {
	deadline := time.Now().Add(d.cfg.Order.AckTimeout.Std())
	for {
		frame, err := d.conn.ReadFrame(deadline)
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return models.VenueAck{}, ErrAckTimeout
			}
			return models.VenueAck{}, fmt.Errorf("await ack: %w", err)
		}

		switch frame.Kind {
		case models.FramePing:
			if err := d.conn.Pong(); err != nil {
				return models.VenueAck{}, fmt.Errorf("answer ping: %w", err)
			}
		case models.FrameUnknown:
			if strings.HasPrefix(frame.Type, "jsonapi") {
				return models.ParseAck(frame.Raw)
			}
		default:
			// book updates and other stream noise
		}
	}
}
