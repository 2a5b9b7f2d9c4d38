package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"lighterprobe/config"
	"lighterprobe/logger"
	"lighterprobe/models"
)

// Reporter renders the run for humans and machines: a summary on stdout,
// an optional JSONL append for trending across runs, and an optional S3
// upload of the same record.
type Reporter struct {
	cfg *config.Config
	log *logger.Log
}

func New(cfg *config.Config) *Reporter {
	return &Reporter{cfg: cfg, log: logger.GetLogger()}
}

func fmtMs(d time.Duration) string {
	return fmt.Sprintf("%.1fms", float64(d.Nanoseconds())/1e6)
}

// WriteSummary renders the human-readable report.
func (r *Reporter) WriteSummary(w io.Writer, run *models.MeasurementRun) {
	line := "============================================================"
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, " %s run", r.cfg.Probe.Name)
	if run.Label != "" {
		fmt.Fprintf(w, "  [%s]", run.Label)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, " started %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintln(w, line)

	if run.Blocked() {
		fmt.Fprintf(w, "connectivity: %s\n", run.Block)
		if run.BlockDetail != "" {
			fmt.Fprintf(w, "  detail: %s\n", run.BlockDetail)
		}
		fmt.Fprintf(w, "exit code: %d\n", run.ExitCode())
		return
	}

	fmt.Fprintln(w, "connectivity: ok")
	fmt.Fprintf(w, "  ws connect:          %.1fms\n", run.WSConnectMs)
	if run.OrderbookSubMs > 0 {
		fmt.Fprintf(w, "  orderbook subscribe: %.1fms\n", run.OrderbookSubMs)
	}
	if run.BestBid > 0 || run.BestAsk > 0 {
		fmt.Fprintf(w, "  book: bid %.2f / ask %.2f\n", run.BestBid, run.BestAsk)
	} else {
		fmt.Fprintln(w, "  book: no valid market data")
	}

	if b := run.Baseline; b != nil {
		fmt.Fprintln(w, "baseline (reference venue):")
		if b.Err != "" {
			fmt.Fprintf(w, "  failed: %s\n", b.Err)
		} else {
			fmt.Fprintf(w, "  connect: %.1fms  ping rtt: %.1fms\n", b.ConnectMs, b.PingRTTMs)
			fmt.Fprintf(w, "  one-way (%d samples): min %.1fms  median %.1fms  max %.1fms\n",
				b.Samples, b.MinMs, b.MedianMs, b.MaxMs)
			fmt.Fprintf(w, "  clock offset: %dms\n", b.ClockOffset.Milliseconds())
		}
	}

	if run.HasBalance {
		fmt.Fprintf(w, "pre-flight: balance %.2f USDC, position %s\n", run.BalanceUSDC, run.Position)
	}

	writeLeg(w, run.Buy)
	writeLeg(w, run.Sell)

	if avg, ok := run.AverageSignalToFill(); ok {
		fmt.Fprintf(w, "average signal-to-fill: %s\n", fmtMs(avg))
	}
	if run.TakerError != "" {
		fmt.Fprintf(w, "taker test failed: %s\n", run.TakerError)
	}
	if run.HasCleanup {
		fmt.Fprintf(w, "post-run: position %s, balance %.2f USDC\n", run.CleanupPosition, run.CleanupBalance)
	}
	fmt.Fprintf(w, "exit code: %d\n", run.ExitCode())
}

func writeLeg(w io.Writer, leg *models.LegResult) {
	if leg == nil {
		return
	}
	fmt.Fprintf(w, "%s leg (size %d, client id %d):\n", leg.Side, leg.BaseAmount, leg.ClientOrderID)
	if leg.Err != "" {
		fmt.Fprintf(w, "  failed: %s\n", leg.Err)
	}
	l := leg.Ledger
	if l.Signed.IsZero() {
		return
	}
	fmt.Fprintf(w, "  signing:        %s\n", fmtMs(l.Signing()))
	if !l.Acked.IsZero() {
		fmt.Fprintf(w, "  send-to-ack:    %s\n", fmtMs(l.SendToAck()))
	}
	if d, ok := l.AckToFill(); ok {
		fmt.Fprintf(w, "  ack-to-fill:    %s\n", fmtMs(d))
	} else if !l.Acked.IsZero() {
		fmt.Fprintln(w, "  ack-to-fill:    no fill observed")
	}
	if d, ok := l.SignalToFill(); ok {
		fmt.Fprintf(w, "  signal-to-fill: %s\n", fmtMs(d))
	}
}

// legRecord is the machine form of one leg. Durations are milliseconds;
// nil means the stage was never reached.
type legRecord struct {
	Side          string   `json:"side"`
	BaseAmount    int64    `json:"base_amount"`
	ClientOrderID int64    `json:"client_order_id"`
	SigningMs     *float64 `json:"signing_ms,omitempty"`
	SendToAckMs   *float64 `json:"send_to_ack_ms,omitempty"`
	AckToFillMs   *float64 `json:"ack_to_fill_ms,omitempty"`
	SignalToFill  *float64 `json:"signal_to_fill_ms,omitempty"`
	Err           string   `json:"error,omitempty"`
}

type runRecord struct {
	Label          string     `json:"label,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	Block          string     `json:"block,omitempty"`
	BlockDetail    string     `json:"block_detail,omitempty"`
	WSConnectMs    float64    `json:"ws_connect_ms,omitempty"`
	OrderbookSubMs float64    `json:"orderbook_subscribe_ms,omitempty"`
	BestBid        float64    `json:"best_bid,omitempty"`
	BestAsk        float64    `json:"best_ask,omitempty"`
	BalanceUSDC    float64    `json:"balance_usdc,omitempty"`
	Position       string     `json:"position,omitempty"`
	BaselineMinMs  float64    `json:"baseline_min_ms,omitempty"`
	BaselineMedMs  float64    `json:"baseline_median_ms,omitempty"`
	BaselineMaxMs  float64    `json:"baseline_max_ms,omitempty"`
	Buy            *legRecord `json:"buy,omitempty"`
	Sell           *legRecord `json:"sell,omitempty"`
	AvgSigToFillMs *float64   `json:"avg_signal_to_fill_ms,omitempty"`
	TakerError     string     `json:"taker_error,omitempty"`
	ExitCode       int        `json:"exit_code"`
}

func msPtr(d time.Duration) *float64 {
	v := float64(d.Nanoseconds()) / 1e6
	return &v
}

func buildLegRecord(leg *models.LegResult) *legRecord {
	if leg == nil {
		return nil
	}
	rec := &legRecord{
		Side:          leg.Side.String(),
		BaseAmount:    leg.BaseAmount,
		ClientOrderID: leg.ClientOrderID,
		Err:           leg.Err,
	}
	l := leg.Ledger
	if !l.Signed.IsZero() {
		rec.SigningMs = msPtr(l.Signing())
	}
	if !l.Acked.IsZero() {
		rec.SendToAckMs = msPtr(l.SendToAck())
	}
	if d, ok := l.AckToFill(); ok {
		rec.AckToFillMs = msPtr(d)
	}
	if d, ok := l.SignalToFill(); ok {
		rec.SignalToFill = msPtr(d)
	}
	return rec
}

func buildRecord(run *models.MeasurementRun) runRecord {
	rec := runRecord{
		Label:          run.Label,
		StartedAt:      run.StartedAt,
		Block:          string(run.Block),
		BlockDetail:    run.BlockDetail,
		WSConnectMs:    run.WSConnectMs,
		OrderbookSubMs: run.OrderbookSubMs,
		BestBid:        run.BestBid,
		BestAsk:        run.BestAsk,
		BalanceUSDC:    run.BalanceUSDC,
		Position:       run.Position,
		Buy:            buildLegRecord(run.Buy),
		Sell:           buildLegRecord(run.Sell),
		TakerError:     run.TakerError,
		ExitCode:       run.ExitCode(),
	}
	if b := run.Baseline; b != nil && b.Err == "" {
		rec.BaselineMinMs = b.MinMs
		rec.BaselineMedMs = b.MedianMs
		rec.BaselineMaxMs = b.MaxMs
	}
	if avg, ok := run.AverageSignalToFill(); ok {
		rec.AvgSigToFillMs = msPtr(avg)
	}
	return rec
}

// AppendJSONL appends one record line to the configured output file.
// A missing configuration is a no-op.
func (r *Reporter) AppendJSONL(run *models.MeasurementRun) error {
	path := r.cfg.Report.OutFile
	if path == "" {
		return nil
	}

	line, err := json.Marshal(buildRecord(run))
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	r.log.WithComponent("report").WithFields(logger.Fields{"file": path}).Debug("run record appended")
	return nil
}
