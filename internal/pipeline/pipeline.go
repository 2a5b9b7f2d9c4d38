package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lighterprobe/config"
	"lighterprobe/internal/account"
	"lighterprobe/internal/baseline"
	"lighterprobe/internal/dispatch"
	"lighterprobe/internal/fill"
	"lighterprobe/internal/probe"
	"lighterprobe/internal/signer"
	"lighterprobe/internal/stream"
	"lighterprobe/logger"
	"lighterprobe/models"
)

// Pipeline drives one measurement run end to end: baseline sample, block
// probe, pre-flight checks, the two-leg taker test and post-run
// verification. It owns both websocket connections and closes them on
// every exit path.
type Pipeline struct {
	cfg *config.Config
	log *logger.Log

	// cancelSigner is published once pre-flight passes so the interrupt
	// handler can issue a cancel-all from its own goroutine.
	mu           sync.Mutex
	cancelSigner *signer.Signer

	lastOrderID int64
}

func New(cfg *config.Config) *Pipeline {
	return &Pipeline{cfg: cfg, log: logger.GetLogger()}
}

// Execute runs the full measurement. It always returns a run aggregate;
// partial failures are recorded on it rather than returned.
func (p *Pipeline) Execute(ctx context.Context) *models.MeasurementRun {
	log := p.log.WithComponent("pipeline")
	run := models.NewMeasurementRun(p.cfg.Report.Label)

	if p.cfg.Baseline.Enabled {
		run.Baseline = baseline.New(p.cfg.Baseline).Run(ctx)
	}

	prober := probe.New(p.cfg)
	probeConn, connectTime, err := prober.Probe(ctx)
	run.WSConnectMs = float64(connectTime.Nanoseconds()) / 1e6
	if err != nil {
		p.recordBlock(run, err)
		return run
	}
	defer probeConn.Close()

	snap, err := prober.ReadOrderbook(probeConn, p.cfg.Venue.MarketID, p.cfg.Probe.SubscribeTimeout.Std())
	if err != nil {
		run.TakerError = fmt.Sprintf("orderbook read failed: %v", err)
		return run
	}
	run.OrderbookSubMs = snap.SubscribeMs
	run.BestBid = snap.BestBid
	run.BestAsk = snap.BestAsk
	if snap.BestBid <= 0 || snap.BestAsk <= 0 {
		run.TakerError = "no valid market data"
		log.Warn("order book is empty, aborting taker test")
		return run
	}

	// The probe connection carries an order_book subscription, so it is
	// done once the snapshot is in hand. Orders get their own connection:
	// book updates interleaving with an ack read would pollute the
	// send-to-ack measurement.
	probeConn.Close()

	sgn, ok := p.preflight(ctx, run)
	if !ok {
		return run
	}
	p.mu.Lock()
	p.cancelSigner = sgn
	p.mu.Unlock()

	// The fill listener is best effort: without it the run degrades to
	// ack-only latencies instead of failing.
	listener := fill.New(p.cfg, p.cfg.Venue.AccountIndex)
	if err := listener.Start(ctx); err != nil {
		log.WithError(err).Warn("fill listener unavailable, continuing ack-only")
		listener = nil
	}
	if listener != nil {
		defer listener.Close()
	}

	orderConn, err := stream.Dial(ctx, p.cfg.Venue.WSURL(), p.cfg.Probe.HandshakeTimeout.Std())
	if err != nil {
		run.TakerError = fmt.Sprintf("order stream connect failed: %v", err)
		return run
	}
	defer orderConn.Close()
	if err := orderConn.DrainHello(5 * time.Second); err != nil {
		log.WithError(err).Warn("order stream got no connected frame")
	}

	d := dispatch.New(p.cfg, sgn, orderConn)
	needCancel := p.takerTest(ctx, run, d, listener, snap)
	if needCancel {
		cancelCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Order.EmergencyCancel.Std())
		p.cancelAllOrders(cancelCtx)
		cancel()
	}

	p.verifyCleanup(ctx, run)
	return run
}

func (p *Pipeline) recordBlock(run *models.MeasurementRun, err error) {
	var blockErr *stream.BlockError
	if errors.As(err, &blockErr) {
		run.Block = blockErr.Verdict
		run.BlockDetail = blockErr.Detail
		if blockErr.Status != 0 {
			run.BlockDetail = fmt.Sprintf("HTTP %d: %s", blockErr.Status, blockErr.Detail)
		}
	} else {
		run.Block = models.BlockUnknown
		run.BlockDetail = err.Error()
	}
	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"verdict": string(run.Block),
		"detail":  run.BlockDetail,
	}).Error("venue unreachable")
}

// preflight validates credentials and balance before any order is risked.
func (p *Pipeline) preflight(ctx context.Context, run *models.MeasurementRun) (*signer.Signer, bool) {
	log := p.log.WithComponent("pipeline")

	sgn, err := signer.New(p.cfg.Venue.PrivateKey, p.cfg.Venue.AccountIndex, p.cfg.Venue.APIKeyIndex)
	if err != nil {
		log.WithError(err).Error("signer setup failed")
		return nil, false
	}
	if err := sgn.Check(); err != nil {
		log.WithError(err).Error("signer check failed")
		return nil, false
	}

	snap, err := account.New(p.cfg.Venue.APIURL).Fetch(ctx, p.cfg.Venue.AccountIndex)
	if err != nil {
		log.WithError(err).Error("account query failed")
		return nil, false
	}
	run.BalanceUSDC = snap.BalanceUSDC
	run.HasBalance = true
	run.Position = snap.PositionFor(p.cfg.Venue.MarketID)

	if snap.BalanceUSDC < p.cfg.Order.MinBalanceUSDC {
		log.WithFields(logger.Fields{
			"balance_usdc": snap.BalanceUSDC,
			"required":     p.cfg.Order.MinBalanceUSDC,
		}).Error("balance below minimum, refusing to trade")
		return nil, false
	}
	if run.Position != "FLAT" {
		log.WithFields(logger.Fields{"position": run.Position}).Warn("pre-existing position on test market")
	}

	run.PreflightOK = true
	log.WithFields(logger.Fields{
		"balance_usdc": snap.BalanceUSDC,
		"position":     run.Position,
	}).Info("pre-flight checks passed")
	return sgn, true
}

// takerTest places the BUY and SELL legs. The SELL leg always runs, even
// after a failed BUY, so any partial position gets flattened. The returned
// flag requests an emergency cancel-all when an ack never arrived.
func (p *Pipeline) takerTest(ctx context.Context, run *models.MeasurementRun, d *dispatch.Dispatcher, listener *fill.Listener, snap probe.Snapshot) bool {
	log := p.log.WithComponent("pipeline")
	needCancel := false

	buyPrice := dispatch.WorstPrice(models.SideBuy, snap.BestAsk, p.cfg.Order.Slippage, p.cfg.Venue.PriceScale)
	leg, err := p.runLeg(ctx, d, listener, models.OrderIntent{
		MarketID:      p.cfg.Venue.MarketID,
		Side:          models.SideBuy,
		BaseAmount:    p.cfg.Order.TestSize,
		WorstPrice:    buyPrice,
		ClientOrderID: p.nextOrderID(),
	})

	if err != nil && retryableBuy(err) {
		// One retry at the fallback size; some venues refuse the minimum.
		log.WithError(err).WithFields(logger.Fields{
			"fallback_size": p.cfg.Order.FallbackSize,
		}).Warn("buy failed, retrying at fallback size")
		leg, err = p.runLeg(ctx, d, listener, models.OrderIntent{
			MarketID:      p.cfg.Venue.MarketID,
			Side:          models.SideBuy,
			BaseAmount:    p.cfg.Order.FallbackSize,
			WorstPrice:    buyPrice,
			ClientOrderID: p.nextOrderID(),
		})
	}
	run.Buy = leg
	if errors.Is(err, dispatch.ErrAckTimeout) {
		needCancel = true
	}

	// Flatten whatever may have been bought. A failed BUY can still have
	// partially filled, so the SELL is attempted regardless.
	sellSize := p.cfg.Order.TestSize
	if run.Buy.Completed() {
		sellSize = run.Buy.BaseAmount
	}
	sellPrice := dispatch.WorstPrice(models.SideSell, snap.BestBid, p.cfg.Order.Slippage, p.cfg.Venue.PriceScale)

	for attempt := 1; attempt <= p.cfg.Order.SellAttempts; attempt++ {
		leg, err = p.runLeg(ctx, d, listener, models.OrderIntent{
			MarketID:      p.cfg.Venue.MarketID,
			Side:          models.SideSell,
			BaseAmount:    sellSize,
			WorstPrice:    sellPrice,
			ClientOrderID: p.nextOrderID(),
		})
		if err == nil {
			break
		}
		if errors.Is(err, dispatch.ErrAckTimeout) {
			needCancel = true
		}
		if attempt == p.cfg.Order.SellAttempts {
			break
		}
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
		}).Warn("sell failed, backing off")
		select {
		case <-ctx.Done():
			attempt = p.cfg.Order.SellAttempts
		case <-time.After(p.cfg.Order.SellBackoff.Std()):
		}
	}
	run.Sell = leg

	switch {
	case !run.Buy.Completed() && !run.Sell.Completed():
		run.TakerError = "both legs failed"
	case !run.Buy.Completed():
		run.TakerError = fmt.Sprintf("buy leg failed: %s", run.Buy.Err)
	case !run.Sell.Completed():
		run.TakerError = fmt.Sprintf("sell leg failed: %s", run.Sell.Err)
	}
	return needCancel
}

// retryableBuy reports whether a first-attempt BUY failure warrants the
// single fallback-size retry. Venue rejections and local signing failures
// qualify; a timed-out ack does not, because the original order may still
// be live and a re-send would double the exposure. That case goes through
// cancel-all instead.
func retryableBuy(err error) bool {
	var rej *dispatch.RejectionError
	return errors.As(err, &rej) || errors.Is(err, dispatch.ErrSigning)
}

// runLeg sends one order and waits for its fill. A fill timeout leaves
// Filled zero and is not an error; a ledger ordering violation is recorded
// on the leg because a defective reading must not pass as data.
func (p *Pipeline) runLeg(ctx context.Context, d *dispatch.Dispatcher, listener *fill.Listener, intent models.OrderIntent) (*models.LegResult, error) {
	log := p.log.WithComponent("pipeline")
	leg := &models.LegResult{
		Side:          intent.Side,
		BaseAmount:    intent.BaseAmount,
		ClientOrderID: intent.ClientOrderID,
	}

	ledger, _, err := d.SignAndSend(ctx, intent)
	leg.Ledger = ledger
	if err != nil {
		leg.Err = err.Error()
		return leg, err
	}

	if listener != nil {
		_, fillErr := listener.AwaitFill(intent.ClientOrderID, intent.Side, p.cfg.Order.FillTimeout.Std())
		switch {
		case fillErr == nil:
			leg.Ledger.Filled = time.Now()
		case errors.Is(fillErr, fill.ErrNoFill):
			log.WithFields(logger.Fields{
				"side":            intent.Side.String(),
				"client_order_id": intent.ClientOrderID,
			}).Warn("no fill observed within timeout")
		default:
			log.WithError(fillErr).Warn("fill stream failed, continuing ack-only")
		}
	}

	if verr := leg.Ledger.Validate(); verr != nil {
		leg.Err = verr.Error()
		log.WithError(verr).Error("timestamp ledger rejected")
		return leg, verr
	}
	return leg, nil
}

// nextOrderID derives a fresh client order identity, strictly increasing
// within the run even when two orders land in the same millisecond.
func (p *Pipeline) nextOrderID() int64 {
	id := models.NewClientOrderID(time.Now())
	if id <= p.lastOrderID {
		id = p.lastOrderID + 1
	}
	p.lastOrderID = id
	return id
}

// verifyCleanup re-reads the account after the test so the report can show
// whether the position actually went flat.
func (p *Pipeline) verifyCleanup(ctx context.Context, run *models.MeasurementRun) {
	snap, err := account.New(p.cfg.Venue.APIURL).Fetch(ctx, p.cfg.Venue.AccountIndex)
	if err != nil {
		p.log.WithComponent("pipeline").WithError(err).Warn("post-run account query failed")
		return
	}
	run.CleanupPosition = snap.PositionFor(p.cfg.Venue.MarketID)
	run.CleanupBalance = snap.BalanceUSDC
	run.HasCleanup = true

	if run.CleanupPosition != "FLAT" {
		p.log.WithComponent("pipeline").WithFields(logger.Fields{
			"position": run.CleanupPosition,
		}).Warn("position not flat after taker test")
	}
}

// cancelAllOrders submits a signed cancel-all over REST. The websockets may
// be dead by the time this runs, so it goes through the HTTP endpoint.
func (p *Pipeline) cancelAllOrders(ctx context.Context) {
	log := p.log.WithComponent("pipeline")

	p.mu.Lock()
	sgn := p.cancelSigner
	p.mu.Unlock()
	if sgn == nil {
		return
	}

	_, txInfo, err := sgn.SignCancelAll(signer.CancelAllTIFImmediate, time.Now().UnixMilli())
	if err != nil {
		log.WithError(err).Warn("cancel-all signing failed")
		return
	}
	if err := account.New(p.cfg.Venue.APIURL).SendTx(ctx, signer.TxTypeCancelAllOrders, txInfo); err != nil {
		log.WithError(err).Warn("emergency cancel-all failed")
		return
	}
	log.Info("cancel-all submitted")
}

// EmergencyCancel cancels all resting orders if the run got far enough to
// have credentials. Called on interrupt; bounded by the caller's ctx.
func (p *Pipeline) EmergencyCancel(ctx context.Context) {
	p.cancelAllOrders(ctx)
}
