package metrics

import (
	"context"
	"testing"
	"time"

	"lighterprobe/config"
	"lighterprobe/models"
)

func fullLeg(side models.Side, base time.Time) *models.LegResult {
	return &models.LegResult{
		Side: side,
		Ledger: models.TimestampLedger{
			Signal: base,
			Signed: base.Add(2 * time.Millisecond),
			Sent:   base.Add(3 * time.Millisecond),
			Acked:  base.Add(50 * time.Millisecond),
			Filled: base.Add(120 * time.Millisecond),
		},
	}
}

func TestDisabledPublisherIsInert(t *testing.T) {
	p := NewPublisher(context.Background(), config.CloudWatchConfig{Enabled: false}, "test")
	if p.Enabled() {
		t.Fatalf("disabled config must not enable the publisher")
	}
	// Must not panic without a client.
	p.PublishRun(context.Background(), models.NewMeasurementRun("test"))
}

func TestBuildDataFullRun(t *testing.T) {
	base := time.Now()
	run := models.NewMeasurementRun("test")
	run.WSConnectMs = 120.5
	run.OrderbookSubMs = 30.2
	run.Buy = fullLeg(models.SideBuy, base)
	run.Sell = fullLeg(models.SideSell, base.Add(time.Second))

	p := &Publisher{namespace: "Test", label: "test"}
	data := p.buildData(run)

	// 2 connection stages + 4 per leg + the cross-leg average.
	if len(data) != 11 {
		t.Fatalf("datapoints = %d, want 11", len(data))
	}
	names := map[string]int{}
	for _, d := range data {
		names[*d.MetricName]++
	}
	if names["SignalToFill"] != 2 {
		t.Errorf("SignalToFill count = %d, want 2", names["SignalToFill"])
	}
	if names["AverageSignalToFill"] != 1 {
		t.Errorf("AverageSignalToFill count = %d, want 1", names["AverageSignalToFill"])
	}
}

func TestBuildDataSkipsMissingStages(t *testing.T) {
	base := time.Now()
	run := models.NewMeasurementRun("test")
	leg := fullLeg(models.SideBuy, base)
	leg.Ledger.Filled = time.Time{} // fill wait timed out
	run.Buy = leg

	p := &Publisher{namespace: "Test", label: "test"}
	data := p.buildData(run)

	for _, d := range data {
		if *d.MetricName == "AckToFill" || *d.MetricName == "SignalToFill" {
			t.Errorf("fill-dependent metric %s emitted without a fill", *d.MetricName)
		}
	}
}

func TestBuildDataEmptyRun(t *testing.T) {
	p := &Publisher{namespace: "Test", label: "test"}
	if data := p.buildData(models.NewMeasurementRun("test")); len(data) != 0 {
		t.Fatalf("empty run produced %d datapoints", len(data))
	}
}
