package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"lighterprobe/config"
	"lighterprobe/logger"
	"lighterprobe/models"
)

// Publisher pushes the run's latency readings to CloudWatch. Publishing is
// strictly best effort: a disabled or misconfigured publisher becomes a
// no-op and never fails the run.
type Publisher struct {
	client    *cloudwatch.Client
	namespace string
	label     string
	log       *logger.Log
}

// NewPublisher builds the publisher. When CloudWatch is disabled or the
// AWS configuration cannot be loaded, the returned publisher is inert.
func NewPublisher(ctx context.Context, cfg config.CloudWatchConfig, label string) *Publisher {
	log := logger.GetLogger()
	p := &Publisher{namespace: cfg.Namespace, label: label, log: log}
	if !cfg.Enabled {
		return p
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithComponent("cloudwatch").WithError(err).
			Warn("failed to load AWS configuration; metrics disabled")
		return p
	}

	p.client = cloudwatch.NewFromConfig(awsCfg)
	log.WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    awsCfg.Region,
		"namespace": p.namespace,
	}).Info("initialized CloudWatch client")
	return p
}

// Enabled reports whether the publisher will actually publish.
func (p *Publisher) Enabled() bool {
	return p != nil && p.client != nil
}

// PublishRun emits every latency stage the run captured as one
// PutMetricData call. Missing stages (no fill, failed leg) are skipped.
func (p *Publisher) PublishRun(ctx context.Context, run *models.MeasurementRun) {
	if !p.Enabled() {
		return
	}
	log := p.log.WithComponent("cloudwatch")

	data := p.buildData(run)
	if len(data) == 0 {
		log.Debug("no metric data to publish")
		return
	}

	if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}
	log.WithFields(logger.Fields{"datapoints": len(data)}).Debug("published metrics to CloudWatch")
}

// buildData flattens the run's captured stages into metric datums.
func (p *Publisher) buildData(run *models.MeasurementRun) []cwtypes.MetricDatum {
	data := []cwtypes.MetricDatum{}
	add := func(name, side string, ms float64) {
		dims := []cwtypes.Dimension{
			{Name: aws.String("label"), Value: aws.String(p.label)},
		}
		if side != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String("side"), Value: aws.String(side)})
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: dims,
			Unit:       cwtypes.StandardUnitMilliseconds,
			Value:      aws.Float64(ms),
		})
	}

	if run.WSConnectMs > 0 {
		add("WSConnect", "", run.WSConnectMs)
	}
	if run.OrderbookSubMs > 0 {
		add("OrderbookSubscribe", "", run.OrderbookSubMs)
	}
	for _, leg := range []*models.LegResult{run.Buy, run.Sell} {
		if leg == nil || leg.Ledger.Signed.IsZero() {
			continue
		}
		side := leg.Side.String()
		add("Signing", side, ms(leg.Ledger.Signing()))
		if !leg.Ledger.Acked.IsZero() {
			add("SendToAck", side, ms(leg.Ledger.SendToAck()))
		}
		if d, ok := leg.Ledger.AckToFill(); ok {
			add("AckToFill", side, ms(d))
		}
		if d, ok := leg.Ledger.SignalToFill(); ok {
			add("SignalToFill", side, ms(d))
		}
	}
	if avg, ok := run.AverageSignalToFill(); ok {
		add("AverageSignalToFill", "", ms(avg))
	}
	return data
}

func ms(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
