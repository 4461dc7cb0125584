package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"trust-scorer/internal/bucketing"
)

type Encoding string

const (
	// EncodingNumeric reads a number (or bool, or numeric string) from the payload.
	EncodingNumeric Encoding = "numeric"
	// EncodingMurmur3Bucket hashes a string payload value into [0, Buckets).
	EncodingMurmur3Bucket Encoding = "murmur3_bucket"
)

var (
	ErrInvalidSchema = errors.New("invalid feature schema")
	ErrConversion    = errors.New("feature conversion failed")
)

// Spec describes one column of the feature vector.
type Spec struct {
	Name     string   `json:"name"`
	Source   string   `json:"source,omitempty"`
	Encoding Encoding `json:"encoding"`
	Buckets  int      `json:"buckets,omitempty"`
}

// Key is the payload key the column is read from.
func (s Spec) Key() string {
	if s.Source != "" {
		return s.Source
	}
	return s.Name
}

// MissingFieldsError lists required payload keys that were absent or null.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

// Schema is the ordered feature contract shared by trainer and scorer.
type Schema struct {
	specs    []Spec
	bucketer *bucketing.BucketingManager
}

// NewSchema validates specs and returns a schema that assembles rows in the
// given column order.
func NewSchema(specs []Spec, bucketer *bucketing.BucketingManager) (*Schema, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no features", ErrInvalidSchema)
	}
	seen := make(map[string]struct{}, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: feature %d has no name", ErrInvalidSchema, i)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate feature %q", ErrInvalidSchema, s.Name)
		}
		seen[s.Name] = struct{}{}

		switch s.Encoding {
		case EncodingNumeric:
		case EncodingMurmur3Bucket:
			if s.Buckets < 2 {
				return nil, fmt.Errorf("%w: feature %q needs at least 2 buckets", ErrInvalidSchema, s.Name)
			}
		default:
			return nil, fmt.Errorf("%w: feature %q has unknown encoding %q", ErrInvalidSchema, s.Name, s.Encoding)
		}
	}
	if bucketer == nil {
		bucketer = bucketing.NewBucketingManager()
	}

	out := make([]Spec, len(specs))
	copy(out, specs)
	return &Schema{specs: out, bucketer: bucketer}, nil
}

func (s *Schema) Width() int {
	return len(s.specs)
}

// Names returns the column order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.specs))
	for i, spec := range s.specs {
		names[i] = spec.Name
	}
	return names
}

func (s *Schema) Specs() []Spec {
	out := make([]Spec, len(s.specs))
	copy(out, s.specs)
	return out
}

// RequiredKeys returns the payload keys a request must carry, in column order.
func (s *Schema) RequiredKeys() []string {
	keys := make([]string, 0, len(s.specs))
	seen := make(map[string]struct{}, len(s.specs))
	for _, spec := range s.specs {
		k := spec.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// Equal reports whether both schemas describe the same columns in the same order.
func (s *Schema) Equal(other *Schema) bool {
	if other == nil || len(s.specs) != len(other.specs) {
		return false
	}
	for i := range s.specs {
		if s.specs[i] != other.specs[i] {
			return false
		}
	}
	return true
}

// Assemble builds the single-row feature vector for payload. Missing or null
// keys yield a *MissingFieldsError listing all of them; values that cannot be
// converted yield an error wrapping ErrConversion.
func (s *Schema) Assemble(payload map[string]any) ([]float64, error) {
	var missing []string
	for _, key := range s.RequiredKeys() {
		v, ok := payload[key]
		if !ok || v == nil {
			missing = append(missing, key)
			continue
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" && s.hashesKey(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingFieldsError{Fields: missing}
	}

	row := make([]float64, len(s.specs))
	for i, spec := range s.specs {
		v := payload[spec.Key()]
		switch spec.Encoding {
		case EncodingNumeric:
			f, err := toFloat(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrConversion, spec.Key(), err)
			}
			row[i] = f
		case EncodingMurmur3Bucket:
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s: expected string, got %T", ErrConversion, spec.Key(), v)
			}
			row[i] = float64(s.bucketer.GetIPBucket(str, spec.Buckets))
		}
	}
	return row, nil
}

func (s *Schema) hashesKey(key string) bool {
	for _, spec := range s.specs {
		if spec.Key() == key && spec.Encoding == EncodingMurmur3Bucket {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("could not convert %q to float", n.String())
		}
		f = parsed
	case bool:
		if n {
			f = 1
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("could not convert string to float: %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value must be finite, got %v", f)
	}
	return f, nil
}
