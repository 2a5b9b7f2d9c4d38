package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lighterprobe/config"
	"lighterprobe/internal/metrics"
	"lighterprobe/internal/pipeline"
	"lighterprobe/internal/report"
	"lighterprobe/logger"
)

const interruptExitCode = 130

// watchInterrupts reacts to delivery on sigs: the first signal cancels the
// run and triggers the bounded cleanup, a second one calls exit without
// waiting for a cleanup still in flight. The returned channel closes on the
// first signal.
func watchInterrupts(sigs <-chan os.Signal, cancelRun func(), cleanup func(context.Context), cleanupTimeout time.Duration, exit func(int), log *logger.Log) <-chan struct{} {
	interrupted := make(chan struct{})
	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		log.WithFields(logger.Fields{"signal": sig.String()}).Warn("interrupt received, cancelling orders")
		close(interrupted)
		cancelRun()

		go func() {
			if _, ok := <-sigs; ok {
				log.Warn("second interrupt, exiting immediately")
				exit(interruptExitCode)
			}
		}()

		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cleanupTimeout)
		cleanup(cleanupCtx)
		cleanupCancel()
	}()
	return interrupted
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	label := flag.String("label", "", "Label recorded with this run (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *label != "" {
		cfg.Report.Label = *label
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Probe.Name,
		"version": cfg.Probe.Version,
		"venue":   cfg.Venue.APIURL,
		"market":  cfg.Venue.MarketID,
	}).Info("starting lighterprobe")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := pipeline.New(cfg)

	// First interrupt: cancel the run and flatten best-effort. A second
	// interrupt exits immediately.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	interrupted := watchInterrupts(sigChan, cancel, p.EmergencyCancel, cfg.Order.EmergencyCancel.Std(), os.Exit, log)

	run := p.Execute(ctx)

	reporter := report.New(cfg)
	reporter.WriteSummary(os.Stdout, run)
	if err := reporter.AppendJSONL(run); err != nil {
		log.WithError(err).Warn("failed to append run record")
	}

	uploadCtx, uploadCancel := context.WithTimeout(context.Background(), time.Minute)
	if err := reporter.Upload(uploadCtx, run); err != nil {
		log.WithError(err).Warn("failed to upload run record")
	}
	publisher := metrics.NewPublisher(uploadCtx, cfg.Metrics.CloudWatch, cfg.Report.Label)
	publisher.PublishRun(uploadCtx, run)
	uploadCancel()

	select {
	case <-interrupted:
		log.Info("lighterprobe interrupted")
		os.Exit(interruptExitCode)
	default:
	}

	log.WithFields(logger.Fields{"exit_code": run.ExitCode()}).Info("lighterprobe finished")
	os.Exit(run.ExitCode())
}
