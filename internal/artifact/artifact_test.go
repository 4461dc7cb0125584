package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"trust-scorer/internal/dataset"
	"trust-scorer/internal/features"
	"trust-scorer/internal/forest"
	"trust-scorer/internal/model"
)

func fittedRiskArtifact(t *testing.T) *Artifact {
	t.Helper()
	ds, err := dataset.GenerateRisk(400, 0.1, 42)
	if err != nil {
		t.Fatal(err)
	}
	f := forest.NewIsolationForest(42)
	f.Trees = 20
	if err := f.Fit(context.Background(), ds.Rows); err != nil {
		t.Fatal(err)
	}
	v, _ := features.LookupVariant(features.VariantRisk)
	schema, err := features.NewSchema(v.Specs, nil)
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(features.VariantRisk, schema, f, TrainingInfo{Samples: ds.Len(), Trees: f.Trees, Seed: 42})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := fittedRiskArtifact(t)
	path := filepath.Join(t.TempDir(), "nested", "model.json")

	if err := Save(path, a); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// overwrite must succeed without versioning
	if err := Save(path, a); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	loaded, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ModelID != a.ModelID || loaded.Kind != model.KindIsolationForest {
		t.Fatalf("header changed: %+v", loaded)
	}
	if !loaded.Schema().Equal(a.Schema()) {
		t.Fatalf("schema changed: %v", loaded.Schema().Names())
	}

	v, _ := features.LookupVariant(features.VariantRisk)
	row, err := loaded.Schema().Assemble(v.KnownSuspicious)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := a.Estimator().Evaluate(row)
	got, err := loaded.Estimator().Evaluate(row)
	if err != nil {
		t.Fatal(err)
	}
	if *got.Score != *want.Score || got.Class != want.Class {
		t.Fatalf("loaded model disagrees: %+v vs %+v", got, want)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestDecodeAcceptsReindentedFile(t *testing.T) {
	a := fittedRiskArtifact(t)
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data, nil); err != nil {
		t.Fatalf("indented artifact rejected: %v", err)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Artifact)
	}{
		{"checksum", func(a *Artifact) { a.Checksum = "deadbeef" }},
		{"version", func(a *Artifact) { a.FormatVersion = 99 }},
		{"feature order", func(a *Artifact) {
			a.Features[0], a.Features[1] = a.Features[1], a.Features[0]
		}},
		{"dropped feature", func(a *Artifact) {
			a.Features = a.Features[:3]
			a.Variant = "custom"
		}},
		{"unknown kind", func(a *Artifact) {
			a.Kind = "svm"
			a.Variant = "custom"
		}},
		{"variant kind", func(a *Artifact) { a.Kind = model.KindRandomForest }},
		{"no features", func(a *Artifact) {
			a.Features = nil
			a.Variant = "custom"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := fittedRiskArtifact(t)
			tt.mutate(a)
			data, err := json.Marshal(a)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := Decode(data, nil); !errors.Is(err, ErrInvalidArtifact) {
				t.Fatalf("want ErrInvalidArtifact, got %v", err)
			}
		})
	}
}

func TestLoadMissingAndGarbage(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "absent.json"), nil); !errors.Is(err, ErrInvalidArtifact) {
		t.Fatalf("missing file: %v", err)
	}

	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(garbage, nil); !errors.Is(err, ErrInvalidArtifact) {
		t.Fatalf("garbage file: %v", err)
	}
}

func TestNewRejectsWidthMismatch(t *testing.T) {
	f := forest.NewIsolationForest(1)
	f.Trees = 5
	if err := f.Fit(context.Background(), [][]float64{{1, 2}, {2, 3}, {3, 4}}); err != nil {
		t.Fatal(err)
	}
	v, _ := features.LookupVariant(features.VariantRisk)
	schema, _ := features.NewSchema(v.Specs, nil)
	if _, err := New(features.VariantRisk, schema, f, TrainingInfo{}); !errors.Is(err, ErrInvalidArtifact) {
		t.Fatalf("want ErrInvalidArtifact, got %v", err)
	}
}
