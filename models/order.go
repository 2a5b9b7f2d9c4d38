package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Side is the taker direction of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// IsAsk reports the venue's wire representation of the side.
func (s Side) IsAsk() bool {
	return s == SideSell
}

// OrderIntent is an immutable description of one order the probe wants
// to place. Sizes are integer base units; WorstPrice is price-scaled.
type OrderIntent struct {
	MarketID      int64
	Side          Side
	BaseAmount    int64
	WorstPrice    int64
	ClientOrderID int64
}

// NewClientOrderID derives a locally unique order identity from the wall
// clock, reduced to the venue's 31-bit identity space.
func NewClientOrderID(now time.Time) int64 {
	return now.UnixMilli() % (1 << 31)
}

// TimestampLedger holds the ordered monotonic instants captured for one
// order. Filled stays zero when the fill wait timed out; everything else
// is always set once the order was dispatched.
type TimestampLedger struct {
	Signal time.Time
	Signed time.Time
	Sent   time.Time
	Acked  time.Time
	Filled time.Time
}

// HasFill reports whether a fill was correlated for this order.
func (l TimestampLedger) HasFill() bool {
	return !l.Filled.IsZero()
}

// Signing is the time spent inside the signer.
func (l TimestampLedger) Signing() time.Duration {
	return l.Signed.Sub(l.Signal)
}

// SendToAck is the round trip from signed payload to synchronous response.
func (l TimestampLedger) SendToAck() time.Duration {
	return l.Acked.Sub(l.Signed)
}

// AckToFill is the gap between the synchronous ack and the correlated
// fill notification; ok is false when no fill arrived.
func (l TimestampLedger) AckToFill() (time.Duration, bool) {
	if !l.HasFill() {
		return 0, false
	}
	return l.Filled.Sub(l.Acked), true
}

// SignalToFill is the full signal-to-fill latency; ok is false when no
// fill arrived.
func (l TimestampLedger) SignalToFill() (time.Duration, bool) {
	if !l.HasFill() {
		return 0, false
	}
	return l.Filled.Sub(l.Signal), true
}

// Validate enforces the ledger ordering invariant. A violation is a
// defect in the capture logic, never a valid reading, so callers must
// surface it rather than clamp it.
func (l TimestampLedger) Validate() error {
	if l.Signed.Before(l.Signal) {
		return fmt.Errorf("timestamp defect: signed %v before signal %v", l.Signed, l.Signal)
	}
	if !l.Sent.IsZero() && l.Sent.Before(l.Signed) {
		return fmt.Errorf("timestamp defect: sent %v before signed %v", l.Sent, l.Signed)
	}
	if !l.Acked.IsZero() {
		ref := l.Signed
		if !l.Sent.IsZero() {
			ref = l.Sent
		}
		if l.Acked.Before(ref) {
			return fmt.Errorf("timestamp defect: acked %v before %v", l.Acked, ref)
		}
	}
	if l.HasFill() && l.Filled.Before(l.Acked) {
		return fmt.Errorf("timestamp defect: filled %v before acked %v", l.Filled, l.Acked)
	}
	return nil
}

// VenueAck is the decoded synchronous response to a sent order. The venue
// reports rejection as an error string either at the top level or nested
// under the data field; transport-level success is not order success.
type VenueAck struct {
	Raw    json.RawMessage
	Reason string
}

// Rejected reports whether the venue refused the order.
func (a VenueAck) Rejected() bool {
	return a.Reason != ""
}

type ackEnvelope struct {
	Error string `json:"error"`
	Data  struct {
		Error string `json:"error"`
	} `json:"data"`
}

// ParseAck decodes a raw order response.
func ParseAck(data []byte) (VenueAck, error) {
	var env ackEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return VenueAck{}, fmt.Errorf("decode ack: %w", err)
	}
	reason := env.Error
	if reason == "" {
		reason = env.Data.Error
	}
	return VenueAck{Raw: json.RawMessage(data), Reason: reason}, nil
}
