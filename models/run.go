package models

import (
	"time"
)

// BlockVerdict classifies why a handshake against the venue failed.
type BlockVerdict string

const (
	BlockNone         BlockVerdict = ""
	BlockGeo          BlockVerdict = "geo_blocked"
	BlockGeoSuspected BlockVerdict = "geo_blocked_suspected"
	BlockRejected     BlockVerdict = "rejected"
	BlockNetwork      BlockVerdict = "network_blocked"
	BlockUnknown      BlockVerdict = "unknown"
)

// LegResult records one order attempt (BUY or SELL) and its ledger.
type LegResult struct {
	Side          Side
	BaseAmount    int64
	ClientOrderID int64
	Ledger        TimestampLedger
	Err           string
}

// Completed reports whether the leg got an accepted ack.
func (r *LegResult) Completed() bool {
	return r != nil && r.Err == "" && !r.Ledger.Acked.IsZero()
}

// BaselineStats summarises the reference-venue latency sample.
type BaselineStats struct {
	ConnectMs   float64
	PingRTTMs   float64
	ClockOffset time.Duration
	Samples     int
	MinMs       float64
	MedianMs    float64
	MaxMs       float64
	Err         string
}

// MeasurementRun is the root aggregate for one probe execution. It is
// created at process start, mutated only by the pipeline that owns it,
// read once for reporting and then discarded.
type MeasurementRun struct {
	Label     string
	StartedAt time.Time

	Block          BlockVerdict
	BlockDetail    string
	WSConnectMs    float64
	OrderbookSubMs float64
	BestBid        float64
	BestAsk        float64

	PreflightOK bool
	BalanceUSDC float64
	HasBalance  bool
	Position    string

	Baseline *BaselineStats

	Buy  *LegResult
	Sell *LegResult

	TakerError string

	CleanupPosition string
	CleanupBalance  float64
	HasCleanup      bool
}

// NewMeasurementRun creates the aggregate for one execution.
func NewMeasurementRun(label string) *MeasurementRun {
	return &MeasurementRun{
		Label:     label,
		StartedAt: time.Now().UTC(),
		Position:  "UNKNOWN",
	}
}

// Blocked reports whether connectivity probing classified a hard block.
func (m *MeasurementRun) Blocked() bool {
	return m.Block != BlockNone
}

// AverageSignalToFill averages the BUY and SELL signal-to-fill latencies.
// It is only defined when both legs produced a correlated fill; averaging
// a missing component would fabricate a reading.
func (m *MeasurementRun) AverageSignalToFill() (time.Duration, bool) {
	if m.Buy == nil || m.Sell == nil {
		return 0, false
	}
	buy, ok := m.Buy.Ledger.SignalToFill()
	if !ok {
		return 0, false
	}
	sell, ok := m.Sell.Ledger.SignalToFill()
	if !ok {
		return 0, false
	}
	return (buy + sell) / 2, true
}

// ExitCode maps the run outcome onto the process exit status.
// 0 success, 1 blocked, 2 pre-flight credential failure, 3 measurement
// failure (no valid market data or failed legs). A taker error outranks
// the pre-flight flag: a run aborted on empty market data never evaluated
// credentials at all.
func (m *MeasurementRun) ExitCode() int {
	if m.Blocked() {
		return 1
	}
	if m.TakerError != "" {
		return 3
	}
	if !m.PreflightOK {
		return 2
	}
	if m.BestBid <= 0 || m.BestAsk <= 0 {
		return 3
	}
	return 0
}
