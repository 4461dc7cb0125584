package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"trust-scorer/internal/config"
	"trust-scorer/internal/features"
	"trust-scorer/internal/trainer"
	"trust-scorer/internal/util"
)

func main() {
	cfg := config.LoadConfig()
	logger, err := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic(err)
	}
	defer util.Sync()

	opts := trainer.DefaultOptions()
	opts.OutPath = cfg.Model.Path

	flag.StringVar(&opts.Variant, "variant", opts.Variant, "Feature variant to train ("+strings.Join(features.VariantNames(), ", ")+")")
	flag.IntVar(&opts.Samples, "samples", opts.Samples, "Number of synthetic login events to generate")
	flag.Float64Var(&opts.DataContamination, "data-contamination", opts.DataContamination, "Anomalous share of generated events")
	flag.Float64Var(&opts.ModelContamination, "contamination", opts.ModelContamination, "Anomaly share assumed by the isolation forest")
	flag.Uint64Var(&opts.Seed, "seed", opts.Seed, "Random seed")
	flag.IntVar(&opts.Trees, "trees", opts.Trees, "Number of trees")
	flag.Float64Var(&opts.TestFraction, "test-fraction", opts.TestFraction, "Held-out share for supervised variants")
	flag.StringVar(&opts.OutPath, "out", opts.OutPath, "Artifact output path")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := trainer.New(nil, logger).Run(ctx, opts)
	if err != nil {
		logger.Error("Training failed", util.ErrorField(err))
		util.Sync()
		os.Exit(1)
	}

	logger.Info("Training complete",
		util.String("model_id", report.ModelID),
		util.String("variant", report.Variant),
		util.String("kind", string(report.Kind)),
		util.String("path", report.Path),
		util.Int("samples", report.Samples),
		util.Int("train_rows", report.TrainRows),
		util.Duration("duration", report.Duration),
	)
	if report.TestAccuracy != nil {
		logger.Info("Held-out accuracy", util.Float64("accuracy", *report.TestAccuracy))
	}
	for _, c := range report.Checks {
		logger.Info("Smoke test result",
			util.String("sample", c.Name),
			util.Int("expected", c.Expected),
			util.Int("predicted", c.Got),
			util.Bool("passed", c.Passed),
		)
	}
}
