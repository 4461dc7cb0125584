// Package artifact persists a fitted estimator together with the ordered
// feature contract it was trained on.
package artifact

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"trust-scorer/internal/bucketing"
	"trust-scorer/internal/features"
	"trust-scorer/internal/forest"
	"trust-scorer/internal/model"
)

const FormatVersion = 1

var ErrInvalidArtifact = errors.New("invalid model artifact")

// TrainingInfo records how the estimator was produced.
type TrainingInfo struct {
	Samples       int      `json:"samples"`
	Normal        int      `json:"normal"`
	Anomalous     int      `json:"anomalous"`
	Contamination float64  `json:"contamination"`
	Seed          uint64   `json:"seed"`
	Trees         int      `json:"trees"`
	TestAccuracy  *float64 `json:"test_accuracy,omitempty"`
}

type Artifact struct {
	FormatVersion int             `json:"format_version"`
	ModelID       uuid.UUID       `json:"model_id"`
	Kind          model.Kind      `json:"kind"`
	Variant       string          `json:"variant"`
	Features      []features.Spec `json:"features"`
	CreatedAt     time.Time       `json:"created_at"`
	Training      TrainingInfo    `json:"training"`
	Checksum      string          `json:"checksum"`
	Model         json.RawMessage `json:"model"`

	estimator model.Estimator
	schema    *features.Schema
}

// New wraps a fitted estimator into an artifact with a fresh model id.
func New(variant string, schema *features.Schema, est model.Estimator, info TrainingInfo) (*Artifact, error) {
	if est.Width() != schema.Width() {
		return nil, fmt.Errorf("%w: estimator has %d features, schema has %d", ErrInvalidArtifact, est.Width(), schema.Width())
	}
	payload, err := json.Marshal(est)
	if err != nil {
		return nil, fmt.Errorf("failed to encode estimator: %w", err)
	}
	sum, err := checksum(payload)
	if err != nil {
		return nil, err
	}

	return &Artifact{
		FormatVersion: FormatVersion,
		ModelID:       uuid.New(),
		Kind:          est.Kind(),
		Variant:       variant,
		Features:      schema.Specs(),
		CreatedAt:     time.Now().UTC(),
		Training:      info,
		Checksum:      sum,
		Model:         payload,
		estimator:     est,
		schema:        schema,
	}, nil
}

func (a *Artifact) Estimator() model.Estimator { return a.estimator }

func (a *Artifact) Schema() *features.Schema { return a.schema }

// Save writes the artifact to path, replacing any previous file atomically.
func Save(path string, a *Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

// Load reads and validates the artifact at path.
func Load(path string, bucketer *bucketing.BucketingManager) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	return Decode(data, bucketer)
}

// Decode parses an artifact, verifies its checksum and rebuilds the
// estimator and feature schema.
func Decode(data []byte, bucketer *bucketing.BucketingManager) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: malformed json: %v", ErrInvalidArtifact, err)
	}
	if a.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrInvalidArtifact, a.FormatVersion)
	}
	if len(a.Model) == 0 {
		return nil, fmt.Errorf("%w: no model payload", ErrInvalidArtifact)
	}

	sum, err := checksum(a.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if sum != a.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidArtifact)
	}

	schema, err := features.NewSchema(a.Features, bucketer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if v, ok := features.LookupVariant(a.Variant); ok {
		registered, err := features.NewSchema(v.Specs, bucketer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
		}
		if !schema.Equal(registered) {
			return nil, fmt.Errorf("%w: features %v do not match variant %q order %v",
				ErrInvalidArtifact, schema.Names(), a.Variant, registered.Names())
		}
		if v.Kind != a.Kind {
			return nil, fmt.Errorf("%w: variant %q expects %s, artifact holds %s", ErrInvalidArtifact, a.Variant, v.Kind, a.Kind)
		}
	}

	est, err := decodeEstimator(a.Kind, a.Model)
	if err != nil {
		return nil, err
	}
	if est.Width() != schema.Width() {
		return nil, fmt.Errorf("%w: estimator expects %d features, artifact lists %d", ErrInvalidArtifact, est.Width(), schema.Width())
	}

	a.estimator = est
	a.schema = schema
	return &a, nil
}

func decodeEstimator(kind model.Kind, payload []byte) (model.Estimator, error) {
	switch kind {
	case model.KindIsolationForest:
		var f forest.IsolationForest
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("%w: isolation forest: %v", ErrInvalidArtifact, err)
		}
		if len(f.Estimators) == 0 {
			return nil, fmt.Errorf("%w: isolation forest has no trees", ErrInvalidArtifact)
		}
		return &f, nil
	case model.KindRandomForest:
		var f forest.RandomForest
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("%w: random forest: %v", ErrInvalidArtifact, err)
		}
		if len(f.Estimators) == 0 {
			return nil, fmt.Errorf("%w: random forest has no trees", ErrInvalidArtifact)
		}
		for _, c := range f.Classes {
			if c != model.ClassLegitimate && c != model.ClassSuspicious {
				return nil, fmt.Errorf("%w: random forest class %d is not 0 or 1", ErrInvalidArtifact, c)
			}
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: unknown model kind %q", ErrInvalidArtifact, kind)
	}
}

// checksum hashes the compact form of payload so re-indenting the file does
// not invalidate it.
func checksum(payload []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return "", fmt.Errorf("model payload is not valid json: %w", err)
	}
	sum := blake2b.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}
