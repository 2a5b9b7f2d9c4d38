package report

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lighterprobe/config"
	"lighterprobe/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Probe: config.ProbeConfig{Name: "lighterprobe", Version: "1"},
	}
}

func completedRun() *models.MeasurementRun {
	base := time.Now()
	leg := func(side models.Side, id int64) *models.LegResult {
		return &models.LegResult{
			Side:          side,
			BaseAmount:    10,
			ClientOrderID: id,
			Ledger: models.TimestampLedger{
				Signal: base,
				Signed: base.Add(2 * time.Millisecond),
				Sent:   base.Add(3 * time.Millisecond),
				Acked:  base.Add(50 * time.Millisecond),
				Filled: base.Add(120 * time.Millisecond),
			},
		}
	}
	run := models.NewMeasurementRun("syd-1")
	run.PreflightOK = true
	run.HasBalance = true
	run.BalanceUSDC = 104.37
	run.Position = "FLAT"
	run.WSConnectMs = 130.5
	run.OrderbookSubMs = 22.1
	run.BestBid = 1999.00
	run.BestAsk = 2000.00
	run.Buy = leg(models.SideBuy, 100)
	run.Sell = leg(models.SideSell, 101)
	run.Baseline = &models.BaselineStats{
		ConnectMs: 80, PingRTTMs: 40, Samples: 20,
		MinMs: 35, MedianMs: 42, MaxMs: 90,
	}
	return run
}

func TestWriteSummaryFullRun(t *testing.T) {
	var sb strings.Builder
	New(testConfig()).WriteSummary(&sb, completedRun())
	out := sb.String()

	for _, want := range []string{
		"lighterprobe run",
		"[syd-1]",
		"connectivity: ok",
		"bid 1999.00 / ask 2000.00",
		"BUY leg (size 10, client id 100)",
		"SELL leg (size 10, client id 101)",
		"signal-to-fill:",
		"average signal-to-fill:",
		"exit code: 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q\n%s", want, out)
		}
	}
}

func TestWriteSummaryBlockedRun(t *testing.T) {
	run := models.NewMeasurementRun("")
	run.Block = models.BlockGeo
	run.BlockDetail = "HTTP 403"

	var sb strings.Builder
	New(testConfig()).WriteSummary(&sb, run)
	out := sb.String()

	if !strings.Contains(out, "connectivity: geo_blocked") {
		t.Errorf("blocked summary missing verdict\n%s", out)
	}
	if !strings.Contains(out, "exit code: 1") {
		t.Errorf("blocked summary missing exit code\n%s", out)
	}
	// A blocked run never reached the taker test.
	if strings.Contains(out, "leg (") {
		t.Errorf("blocked summary must not render legs\n%s", out)
	}
}

func TestWriteSummaryNoFill(t *testing.T) {
	run := completedRun()
	run.Buy.Ledger.Filled = time.Time{}
	run.Sell = nil

	var sb strings.Builder
	New(testConfig()).WriteSummary(&sb, run)
	out := sb.String()

	if !strings.Contains(out, "no fill observed") {
		t.Errorf("summary must report the absent fill\n%s", out)
	}
	if strings.Contains(out, "average signal-to-fill:") {
		t.Errorf("average must not render with a missing leg\n%s", out)
	}
}

func TestBuildRecordOmitsMissingDurations(t *testing.T) {
	run := completedRun()
	run.Buy.Ledger.Filled = time.Time{}

	rec := buildRecord(run)
	if rec.Buy.AckToFillMs != nil || rec.Buy.SignalToFill != nil {
		t.Errorf("fill durations present without a fill: %+v", rec.Buy)
	}
	if rec.Buy.SendToAckMs == nil {
		t.Errorf("send-to-ack missing despite ack")
	}
	if rec.AvgSigToFillMs != nil {
		t.Errorf("average present with one unfilled leg")
	}
	if rec.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", rec.ExitCode)
	}
}

func TestAppendJSONL(t *testing.T) {
	cfg := testConfig()
	cfg.Report.OutFile = filepath.Join(t.TempDir(), "runs.jsonl")
	r := New(cfg)

	if err := r.AppendJSONL(completedRun()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := r.AppendJSONL(completedRun()); err != nil {
		t.Fatalf("second append: %v", err)
	}

	f, err := os.Open(cfg.Report.OutFile)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec runRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines+1, err)
		}
		if rec.Label != "syd-1" {
			t.Errorf("line %d label = %q", lines+1, rec.Label)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

func TestAppendJSONLDisabled(t *testing.T) {
	if err := New(testConfig()).AppendJSONL(completedRun()); err != nil {
		t.Fatalf("disabled append must be a no-op, got %v", err)
	}
}

func TestS3Key(t *testing.T) {
	run := models.NewMeasurementRun("syd-1")
	run.StartedAt = time.Date(2026, 8, 31, 12, 30, 45, 0, time.UTC)

	key := s3Key("latency-runs", run)
	if key != "latency-runs/2026/08/31/123045-syd-1.json" {
		t.Errorf("key = %q", key)
	}

	run.Label = ""
	if key := s3Key("", run); key != "2026/08/31/123045.json" {
		t.Errorf("unlabelled key = %q", key)
	}
}
