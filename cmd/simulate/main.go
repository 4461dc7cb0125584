package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trust-scorer/internal/config"
	"trust-scorer/internal/features"
	"trust-scorer/internal/simulate"
	"trust-scorer/internal/util"
)

func main() {
	cfg := config.LoadConfig()
	logger, err := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic(err)
	}
	defer util.Sync()

	defaultEndpoint := os.Getenv("SCORER_URL")
	if defaultEndpoint == "" {
		defaultEndpoint = "http://localhost:5000/predict"
	}

	var opts simulate.Options
	flag.StringVar(&opts.Endpoint, "endpoint", defaultEndpoint, "Scoring endpoint to send events to")
	flag.IntVar(&opts.Events, "events", 200, "Number of login events to send")
	flag.IntVar(&opts.Concurrency, "concurrency", 5, "Number of concurrent requests")
	flag.Float64Var(&opts.AnomalyRate, "anomaly-rate", 0.2, "Fraction of events that are anomalies (0.0 - 1.0)")
	flag.StringVar(&opts.Variant, "variant", features.VariantRisk, "Feature variant the scorer was trained on")
	flag.Uint64Var(&opts.Seed, "seed", 123, "Random seed (0 picks one)")
	timeout := flag.Duration("timeout", 10*time.Second, "Per-request timeout")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	tally, err := simulate.New(&http.Client{Timeout: *timeout}, logger).Run(ctx, opts)
	if err != nil {
		logger.Error("Simulation failed", util.ErrorField(err))
		util.Sync()
		os.Exit(1)
	}

	logger.Info("Simulation complete",
		util.String("endpoint", opts.Endpoint),
		util.Int("sent", tally.Sent),
		util.Int("legitimate", tally.Legitimate),
		util.Int("suspicious", tally.Suspicious),
		util.Int("anomalous_sent", tally.Anomalous),
		util.Int("detected", tally.Detected),
		util.Int("false_alarms", tally.FalseAlarms),
		util.Int("rate_limited", tally.RateLimited),
		util.Int("errors", tally.Errors),
		util.Duration("duration", time.Since(start)),
	)
}
