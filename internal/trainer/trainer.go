package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trust-scorer/internal/artifact"
	"trust-scorer/internal/bucketing"
	"trust-scorer/internal/dataset"
	"trust-scorer/internal/features"
	"trust-scorer/internal/forest"
	"trust-scorer/internal/model"
	"trust-scorer/internal/util"
)

var ErrUnknownVariant = errors.New("unknown variant")

// Options control one training run.
type Options struct {
	Variant string
	Samples int
	// DataContamination is the anomalous share of generated rows;
	// ModelContamination is the share the isolation forest assumes.
	DataContamination  float64
	ModelContamination float64
	Seed               uint64
	Trees              int
	TestFraction       float64
	OutPath            string
}

func DefaultOptions() Options {
	return Options{
		Variant:            features.VariantRisk,
		Samples:            5000,
		DataContamination:  0.05,
		ModelContamination: forest.DefaultContamination,
		Seed:               forest.DefaultSeed,
		Trees:              forest.DefaultTrees,
		TestFraction:       0.2,
		OutPath:            "models/trust_model.json",
	}
}

// SmokeCheck is the prediction for one known sample after fitting.
type SmokeCheck struct {
	Name     string
	Expected int
	Got      int
	Score    *float64
	Passed   bool
}

type Report struct {
	ModelID      string
	Variant      string
	Kind         model.Kind
	Path         string
	Samples      int
	TrainRows    int
	TestAccuracy *float64
	Checks       []SmokeCheck
	Duration     time.Duration
}

type Trainer struct {
	bucketer *bucketing.BucketingManager
	logger   *zap.Logger
}

func New(bucketer *bucketing.BucketingManager, logger *zap.Logger) *Trainer {
	if bucketer == nil {
		bucketer = bucketing.NewBucketingManager()
	}
	if logger == nil {
		logger = util.Get()
	}
	return &Trainer{bucketer: bucketer, logger: logger}
}

// Run generates data, fits the variant's estimator, checks it against the
// known fixtures and writes the artifact. Failed checks are reported, they
// do not prevent saving.
func (t *Trainer) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	variant, ok := features.LookupVariant(opts.Variant)
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownVariant, opts.Variant, features.VariantNames())
	}
	schema, err := features.NewSchema(variant.Specs, t.bucketer)
	if err != nil {
		return nil, err
	}

	t.logger.Info("Starting model training",
		util.String("variant", variant.Name),
		util.String("kind", string(variant.Kind)),
		util.Int("samples", opts.Samples),
		util.Int("trees", opts.Trees),
	)

	var (
		est    model.Estimator
		ds     *dataset.Dataset
		report = &Report{Variant: variant.Name, Kind: variant.Kind, Path: opts.OutPath, Samples: opts.Samples}
		info   = artifact.TrainingInfo{Seed: opts.Seed, Trees: opts.Trees}
	)

	switch variant.Kind {
	case model.KindIsolationForest:
		ds, err = dataset.GenerateRisk(opts.Samples, opts.DataContamination, opts.Seed)
		if err != nil {
			return nil, err
		}
		f := forest.NewIsolationForest(opts.Seed)
		f.Trees = opts.Trees
		f.Contamination = opts.ModelContamination
		if err := f.Fit(ctx, ds.Rows); err != nil {
			return nil, fmt.Errorf("failed to fit isolation forest: %w", err)
		}
		est = f
		report.TrainRows = ds.Len()
		info.Contamination = opts.ModelContamination

	case model.KindRandomForest:
		ds, err = dataset.GenerateBehavior(opts.Samples, opts.Seed, t.bucketer)
		if err != nil {
			return nil, err
		}
		train, test, err := dataset.Split(ds, opts.TestFraction, opts.Seed)
		if err != nil {
			return nil, err
		}
		f := forest.NewRandomForest(opts.Seed)
		f.Trees = opts.Trees
		if err := f.Fit(ctx, train.Rows, train.Labels); err != nil {
			return nil, fmt.Errorf("failed to fit random forest: %w", err)
		}
		est = f
		acc := accuracy(f, test)
		report.TestAccuracy = &acc
		report.TrainRows = train.Len()
		info.TestAccuracy = &acc

	default:
		return nil, fmt.Errorf("%w: variant %q has unsupported kind %q", ErrUnknownVariant, variant.Name, variant.Kind)
	}

	info.Samples = ds.Len()
	info.Normal = ds.Normal
	info.Anomalous = ds.Anomalous

	a, err := artifact.New(variant.Name, schema, est, info)
	if err != nil {
		return nil, err
	}
	if err := artifact.Save(opts.OutPath, a); err != nil {
		return nil, err
	}
	report.ModelID = a.ModelID.String()

	t.logger.Info("Model trained and saved",
		util.String("model_id", report.ModelID),
		util.String("path", opts.OutPath),
		util.Int("train_rows", report.TrainRows),
	)

	report.Checks = t.smokeTest(variant, schema, est)
	report.Duration = time.Since(start)
	return report, nil
}

// smokeTest scores the variant's known legitimate and known suspicious
// payloads, assembled the same way the scorer assembles requests.
func (t *Trainer) smokeTest(v features.Variant, schema *features.Schema, est model.Estimator) []SmokeCheck {
	suspiciousClass := model.ClassSuspicious
	if v.Kind == model.KindIsolationForest {
		suspiciousClass = model.ClassAnomaly
	}

	fixtures := []struct {
		name     string
		expected int
		payload  map[string]any
	}{
		{"legitimate sample", model.ClassLegitimate, v.KnownLegitimate},
		{"suspicious sample", suspiciousClass, v.KnownSuspicious},
	}

	checks := make([]SmokeCheck, 0, len(fixtures))
	for _, f := range fixtures {
		row, err := schema.Assemble(f.payload)
		if err != nil {
			t.logger.Error("Smoke test fixture does not match schema", util.String("sample", f.name), util.ErrorField(err))
			checks = append(checks, SmokeCheck{Name: f.name, Expected: f.expected})
			continue
		}
		checks = append(checks, t.check(f.name, f.expected, est, row))
	}
	return checks
}

func (t *Trainer) check(name string, expected int, est model.Estimator, row []float64) SmokeCheck {
	c := SmokeCheck{Name: name, Expected: expected}
	out, err := est.Evaluate(row)
	if err != nil {
		t.logger.Error("Smoke test evaluation failed", util.String("sample", name), util.ErrorField(err))
		return c
	}
	c.Got = out.Class
	c.Score = out.Score
	c.Passed = out.Class == expected

	fields := []zap.Field{
		util.String("sample", name),
		util.Int("expected", expected),
		util.Int("predicted", out.Class),
	}
	if out.Score != nil {
		fields = append(fields, util.Float64("decision", *out.Score))
	}
	if c.Passed {
		t.logger.Info("Model smoke test", fields...)
	} else {
		t.logger.Warn("Model smoke test mismatch", fields...)
	}
	return c
}

func accuracy(est model.Estimator, ds *dataset.Dataset) float64 {
	if ds.Len() == 0 {
		return 0
	}
	correct := 0
	for i, row := range ds.Rows {
		out, err := est.Evaluate(row)
		if err == nil && out.Class == ds.Labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(ds.Len())
}
