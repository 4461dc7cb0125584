package service

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"trust-scorer/internal/features"
	"trust-scorer/internal/model"
)

// countingEstimator returns a fixed outcome and counts how often it runs.
type countingEstimator struct {
	kind  model.Kind
	width int
	out   model.Outcome
	err   error
	panic bool
	calls int
}

func (e *countingEstimator) Kind() model.Kind { return e.kind }
func (e *countingEstimator) Width() int       { return e.width }

func (e *countingEstimator) Evaluate(row []float64) (model.Outcome, error) {
	e.calls++
	if e.panic {
		panic("corrupt tree")
	}
	return e.out, e.err
}

func score(v float64) *float64 { return &v }

func newService(t *testing.T, variant string, est *countingEstimator) *ScoringService {
	t.Helper()
	v, ok := features.LookupVariant(variant)
	if !ok {
		t.Fatalf("unknown variant %q", variant)
	}
	schema, err := features.NewSchema(v.Specs, nil)
	if err != nil {
		t.Fatal(err)
	}
	est.width = schema.Width()
	return NewScoringServiceWithEstimator(est, schema, variant, zap.NewNop())
}

func riskPayload() map[string]any {
	v, _ := features.LookupVariant(features.VariantRisk)
	out := make(map[string]any, len(v.KnownSuspicious))
	for k, val := range v.KnownSuspicious {
		out[k] = val
	}
	return out
}

func TestScoreIsolationForestSuspicious(t *testing.T) {
	est := &countingEstimator{kind: model.KindIsolationForest, out: model.Outcome{Class: model.ClassAnomaly, Score: score(-0.6)}}
	svc := newService(t, features.VariantRisk, est)

	v, err := svc.Score(context.Background(), riskPayload())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if v.Prediction != model.LabelSuspicious || v.Status != model.StatusSuspicious || v.Message != model.MessageDenied {
		t.Fatalf("verdict = %+v", v)
	}
	if *v.Confidence != 0.5 {
		t.Fatalf("confidence = %v, want 0.5", *v.Confidence)
	}
	if *v.AnomalyScore != -0.6 {
		t.Fatalf("anomaly score = %v", *v.AnomalyScore)
	}
	if v.Probabilities != nil {
		t.Fatal("isolation forest verdict should not carry probabilities")
	}
}

func TestScoreIsolationForestLegitimate(t *testing.T) {
	est := &countingEstimator{kind: model.KindIsolationForest, out: model.Outcome{Class: model.ClassLegitimate, Score: score(0.08)}}
	svc := newService(t, features.VariantRisk, est)

	v, err := svc.Score(context.Background(), riskPayload())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if v.Prediction != model.LabelLegitimate || v.Status != model.StatusSuccess || v.Message != model.MessageGranted {
		t.Fatalf("verdict = %+v", v)
	}
	if *v.Confidence != 0.99 {
		t.Fatalf("confidence = %v, want 0.99", *v.Confidence)
	}
}

func TestConfidenceMapping(t *testing.T) {
	tests := []struct {
		name  string
		fn    func(float64) float64
		score float64
		want  float64
	}{
		{"legit positive score", LegitimateConfidence, 0.2, 0.99},
		{"legit slightly negative", LegitimateConfidence, -0.4, 0.8},
		{"legit negative", LegitimateConfidence, -0.6, 0.7},
		{"legit floor", LegitimateConfidence, -3, 0.5},
		{"suspicious floor", SuspiciousConfidence, -0.6, 0.5},
		{"suspicious mid", SuspiciousConfidence, -1.4, 0.7},
		{"suspicious ceiling", SuspiciousConfidence, -5, 0.99},
		{"suspicious positive score", SuspiciousConfidence, 0.1, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.score); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreRandomForest(t *testing.T) {
	v, _ := features.LookupVariant(features.VariantBehavior)

	tests := []struct {
		name       string
		out        model.Outcome
		prediction model.Label
		confidence float64
	}{
		{
			name:       "suspicious",
			out:        model.Outcome{Class: model.ClassSuspicious, Probabilities: map[int]float64{0: 0.873, 1: 0.127}},
			prediction: model.LabelSuspicious,
			confidence: 0.87,
		},
		{
			name:       "legitimate",
			out:        model.Outcome{Class: model.ClassLegitimate, Probabilities: map[int]float64{0: 0.04, 1: 0.96}},
			prediction: model.LabelLegitimate,
			confidence: 0.96,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := &countingEstimator{kind: model.KindRandomForest, out: tt.out}
			svc := newService(t, features.VariantBehavior, est)
			verdict, err := svc.Score(context.Background(), v.KnownSuspicious)
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if verdict.Prediction != tt.prediction || *verdict.Confidence != tt.confidence {
				t.Fatalf("verdict = %+v confidence %v", verdict, *verdict.Confidence)
			}
			if verdict.Probabilities == nil || verdict.AnomalyScore != nil {
				t.Fatalf("random forest verdict fields = %+v", verdict)
			}
			sum := verdict.Probabilities.Legitimate + verdict.Probabilities.Suspicious
			if sum < 0.99 || sum > 1.01 {
				t.Fatalf("probabilities sum to %v", sum)
			}
		})
	}
}

func TestScoreMissingFieldsNeverReachesModel(t *testing.T) {
	est := &countingEstimator{kind: model.KindIsolationForest, out: model.Outcome{Class: model.ClassLegitimate, Score: score(0.1)}}
	svc := newService(t, features.VariantRisk, est)

	payload := riskPayload()
	delete(payload, "historical_risk_score")
	payload["device_is_consistent"] = nil

	_, err := svc.Score(context.Background(), payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("want ErrInvalidPayload, got %v", err)
	}
	var missing *features.MissingFieldsError
	if !errors.As(err, &missing) {
		t.Fatalf("error does not carry missing fields: %v", err)
	}
	if want := []string{"historical_risk_score", "device_is_consistent"}; !reflect.DeepEqual(missing.Fields, want) {
		t.Fatalf("missing = %v, want %v", missing.Fields, want)
	}
	if est.calls != 0 {
		t.Fatalf("estimator called %d times on invalid payload", est.calls)
	}
}

func TestScoreInferenceFailures(t *testing.T) {
	tests := []struct {
		name    string
		est     *countingEstimator
		payload func() map[string]any
	}{
		{
			name:    "non numeric value",
			est:     &countingEstimator{kind: model.KindIsolationForest},
			payload: func() map[string]any { p := riskPayload(); p["geo_deviation_km"] = "far"; return p },
		},
		{
			name:    "estimator error",
			est:     &countingEstimator{kind: model.KindIsolationForest, err: errors.New("boom")},
			payload: riskPayload,
		},
		{
			name:    "estimator panic",
			est:     &countingEstimator{kind: model.KindIsolationForest, panic: true},
			payload: riskPayload,
		},
		{
			name:    "missing decision score",
			est:     &countingEstimator{kind: model.KindIsolationForest, out: model.Outcome{Class: model.ClassAnomaly}},
			payload: riskPayload,
		},
		{
			name:    "unexpected class",
			est:     &countingEstimator{kind: model.KindIsolationForest, out: model.Outcome{Class: 7, Score: score(0)}},
			payload: riskPayload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(t, features.VariantRisk, tt.est)
			v, err := svc.Score(context.Background(), tt.payload())
			if !errors.Is(err, ErrInferenceFailure) {
				t.Fatalf("want ErrInferenceFailure, got %v", err)
			}
			if v != nil {
				t.Fatalf("verdict returned alongside error: %+v", v)
			}
		})
	}
}

func TestScoreIsIdempotent(t *testing.T) {
	est := &countingEstimator{kind: model.KindIsolationForest, out: model.Outcome{Class: model.ClassAnomaly, Score: score(-1.3)}}
	svc := newService(t, features.VariantRisk, est)

	first, err := svc.Score(context.Background(), riskPayload())
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Score(context.Background(), riskPayload())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("verdicts differ: %+v vs %+v", first, second)
	}
}

func TestUnavailableService(t *testing.T) {
	svc := NewScoringService(nil, errors.New("open models/trust_model.json: no such file"), zap.NewNop())

	if _, err := svc.Score(context.Background(), riskPayload()); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("want ErrModelUnavailable, got %v", err)
	}
	st := svc.Status()
	if st.ModelLoaded || st.ModelID != "" || len(st.Features) != 0 {
		t.Fatalf("status = %+v", st)
	}
	if svc.RequiredFields() != nil {
		t.Fatal("unavailable service should not list fields")
	}
}
