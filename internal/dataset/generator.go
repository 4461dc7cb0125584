// Package dataset synthesizes the login datasets the trainer fits on.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/brianvoe/gofakeit/v7"

	"trust-scorer/internal/bucketing"
	"trust-scorer/internal/features"
)

var ErrInvalidParams = errors.New("invalid generation parameters")

// Labels stored with generated rows.
const (
	LabelAnomalous  = 0
	LabelLegitimate = 1
)

// Dataset is a row-major feature table. Rows follow generation order.
type Dataset struct {
	Variant  string
	Features []string
	Rows     [][]float64
	Labels   []int
	// IPs holds the raw address behind each hashed ip_bucket value (behavior only).
	IPs []string

	Normal    int
	Anomalous int
}

func (d *Dataset) Len() int { return len(d.Rows) }

// Column returns a copy of feature name's values.
func (d *Dataset) Column(name string) ([]float64, error) {
	for i, f := range d.Features {
		if f == name {
			out := make([]float64, len(d.Rows))
			for r, row := range d.Rows {
				out[r] = row[i]
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("unknown column %q", name)
}

// sampler pairs a seeded faker (uniform and categorical draws, addresses)
// with a seeded PCG stream for normal draws. Seed 0 lets gofakeit pick a
// random seed.
type sampler struct {
	faker *gofakeit.Faker
	rng   *rand.Rand
}

func newSampler(seed uint64) *sampler {
	return &sampler{
		faker: gofakeit.New(seed),
		rng:   rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)),
	}
}

func (s *sampler) normal(mean, sd float64) float64 {
	return mean + sd*s.rng.NormFloat64()
}

func (s *sampler) uniform(lo, hi float64) float64 {
	return s.faker.Float64Range(lo, hi)
}

func (s *sampler) choice(values []int) float64 {
	return float64(s.faker.RandomInt(values))
}

func (s *sampler) bernoulli(p float64) bool {
	return s.faker.Float64Range(0, 1) < p
}

// GenerateRisk builds the geo/risk/time/device table: int(n*(1-c)) normal rows
// followed by int(n*c) anomalous rows, not shuffled.
func GenerateRisk(n int, contamination float64, seed uint64) (*Dataset, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: sample count must be positive, got %d", ErrInvalidParams, n)
	}
	if contamination < 0 || contamination > 0.5 {
		return nil, fmt.Errorf("%w: contamination must be in [0, 0.5], got %v", ErrInvalidParams, contamination)
	}

	v, _ := features.LookupVariant(features.VariantRisk)
	nNormal := int(float64(n) * (1 - contamination))
	nAnomaly := int(float64(n) * contamination)
	s := newSampler(seed)

	ds := &Dataset{
		Variant:   features.VariantRisk,
		Features:  v.Names(),
		Rows:      make([][]float64, 0, nNormal+nAnomaly),
		Labels:    make([]int, 0, nNormal+nAnomaly),
		Normal:    nNormal,
		Anomalous: nAnomaly,
	}

	for i := 0; i < nNormal; i++ {
		ds.Rows = append(ds.Rows, []float64{
			math.Max(0, s.normal(10, 20)), // low deviation, never negative
			s.uniform(0.7, 1.0),
			s.choice([]int{0, 0, 0, 1}), // mostly normal time
			s.choice([]int{1, 1, 1, 0}), // mostly known device
		})
		ds.Labels = append(ds.Labels, LabelLegitimate)
	}
	for i := 0; i < nAnomaly; i++ {
		ds.Rows = append(ds.Rows, []float64{
			s.uniform(1000, 15000),
			s.uniform(0.01, 0.4),
			s.choice([]int{1, 1, 1, 0}),
			s.choice([]int{0, 0, 1}),
		})
		ds.Labels = append(ds.Labels, LabelAnomalous)
	}
	return ds, nil
}

// GenerateBehavior builds the typing/mouse/login-gap/location/IP table with
// about 90% legitimate rows. Illegitimate rows draw typing speed and mouse
// movement from narrow bot-like ranges.
func GenerateBehavior(n int, seed uint64, bucketer *bucketing.BucketingManager) (*Dataset, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: sample count must be positive, got %d", ErrInvalidParams, n)
	}
	if bucketer == nil {
		bucketer = bucketing.NewBucketingManager()
	}

	v, _ := features.LookupVariant(features.VariantBehavior)
	s := newSampler(seed)
	ds := &Dataset{
		Variant:  features.VariantBehavior,
		Features: v.Names(),
		Rows:     make([][]float64, 0, n),
		Labels:   make([]int, 0, n),
		IPs:      make([]string, 0, n),
	}

	for i := 0; i < n; i++ {
		legit := s.bernoulli(0.9)

		typing := s.normal(50, 10)
		mouse := s.normal(0.5, 0.2)
		if !legit {
			typing = s.uniform(5, 20)
			mouse = s.uniform(0.8, 1.2)
		}
		gap := s.uniform(1, 5)
		location := 0.0
		if s.bernoulli(0.05) {
			location = 1
		}
		ip := s.faker.IPv4Address()

		ds.Rows = append(ds.Rows, []float64{
			typing,
			mouse,
			gap,
			location,
			float64(bucketer.GetIPBucket(ip, features.IPBuckets)),
		})
		ds.IPs = append(ds.IPs, ip)
		if legit {
			ds.Labels = append(ds.Labels, LabelLegitimate)
			ds.Normal++
		} else {
			ds.Labels = append(ds.Labels, LabelAnomalous)
			ds.Anomalous++
		}
	}
	return ds, nil
}

// Split shuffles row indices with seed and returns train and test subsets;
// the test set holds ceil(n*testFraction) rows.
func Split(ds *Dataset, testFraction float64, seed uint64) (*Dataset, *Dataset, error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("%w: test fraction must be in (0, 1), got %v", ErrInvalidParams, testFraction)
	}
	n := ds.Len()
	nTest := int(math.Ceil(float64(n) * testFraction))
	if nTest == 0 || nTest >= n {
		return nil, nil, fmt.Errorf("%w: cannot split %d rows with test fraction %v", ErrInvalidParams, n, testFraction)
	}

	perm := rand.New(rand.NewPCG(seed, seed)).Perm(n)
	test := ds.subset(perm[:nTest])
	train := ds.subset(perm[nTest:])
	return train, test, nil
}

func (d *Dataset) subset(idx []int) *Dataset {
	out := &Dataset{
		Variant:  d.Variant,
		Features: d.Features,
		Rows:     make([][]float64, len(idx)),
		Labels:   make([]int, len(idx)),
	}
	if d.IPs != nil {
		out.IPs = make([]string, len(idx))
	}
	for i, j := range idx {
		out.Rows[i] = d.Rows[j]
		out.Labels[i] = d.Labels[j]
		if d.IPs != nil {
			out.IPs[i] = d.IPs[j]
		}
		if d.Labels[j] == LabelAnomalous {
			out.Anomalous++
		} else {
			out.Normal++
		}
	}
	return out
}
