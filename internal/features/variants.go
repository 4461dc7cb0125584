package features

import (
	"sort"

	"trust-scorer/internal/model"
)

const (
	VariantRisk     = "risk"
	VariantBehavior = "behavior"

	// IPBuckets is the bucket count of the hashed client IP column.
	IPBuckets = 1024
)

// Descriptive payload keys that are accepted but never scored directly.
const (
	FieldUserID    = "user_id"
	FieldSessionID = "session_id"
	FieldIP        = "ip"
)

// Variant is a named feature contract together with the estimator trained on it.
type Variant struct {
	Name  string
	Kind  model.Kind
	Specs []Spec
	// KnownSuspicious is a payload the fitted model is expected to reject.
	KnownSuspicious map[string]any
	// KnownLegitimate is a payload the fitted model is expected to accept; the
	// trainer scores both fixtures after fitting.
	KnownLegitimate map[string]any
}

var variants = map[string]Variant{
	VariantRisk: {
		Name: VariantRisk,
		Kind: model.KindIsolationForest,
		Specs: []Spec{
			{Name: "geo_deviation_km", Encoding: EncodingNumeric},
			{Name: "historical_risk_score", Encoding: EncodingNumeric},
			{Name: "login_time_is_abnormal", Encoding: EncodingNumeric}, // 1 = abnormal (e.g. 3am)
			{Name: "device_is_consistent", Encoding: EncodingNumeric},   // 0 = new device
		},
		KnownSuspicious: map[string]any{
			"geo_deviation_km":       10000.0,
			"historical_risk_score":  0.1,
			"login_time_is_abnormal": 1,
			"device_is_consistent":   0,
		},
		KnownLegitimate: map[string]any{
			"geo_deviation_km":       5.0,
			"historical_risk_score":  0.9,
			"login_time_is_abnormal": 0,
			"device_is_consistent":   1,
		},
	},
	VariantBehavior: {
		Name: VariantBehavior,
		Kind: model.KindRandomForest,
		Specs: []Spec{
			{Name: "typing_speed", Encoding: EncodingNumeric},
			{Name: "mouse_movement", Encoding: EncodingNumeric},
			{Name: "login_time_diff", Encoding: EncodingNumeric},
			{Name: "location_change", Encoding: EncodingNumeric},
			{Name: "ip_bucket", Source: FieldIP, Encoding: EncodingMurmur3Bucket, Buckets: IPBuckets},
		},
		KnownSuspicious: map[string]any{
			"typing_speed":    10.0,
			"mouse_movement":  1.0,
			"login_time_diff": 3.0,
			"location_change": 1,
			"ip":              "203.0.113.7",
		},
		KnownLegitimate: map[string]any{
			"typing_speed":    52.0,
			"mouse_movement":  0.45,
			"login_time_diff": 2.5,
			"location_change": 0,
			"ip":              "198.51.100.20",
		},
	},
}

// LookupVariant returns the registered variant called name.
func LookupVariant(name string) (Variant, bool) {
	v, ok := variants[name]
	return v, ok
}

// VariantNames lists registered variants in sorted order.
func VariantNames() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Names returns the variant's column order.
func (v Variant) Names() []string {
	names := make([]string, len(v.Specs))
	for i, s := range v.Specs {
		names[i] = s.Name
	}
	return names
}
