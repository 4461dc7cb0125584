package forest

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"trust-scorer/internal/model"
)

const (
	DefaultMaxSamples    = 256
	DefaultContamination = 0.1
	// autoOffset is the decision offset used when no contamination is given.
	autoOffset = -0.5
)

// IsolationForest scores rows by how quickly random axis-aligned splits
// isolate them. Decision values below zero are anomalies.
type IsolationForest struct {
	Trees         int     `json:"n_estimators"`
	MaxSamples    int     `json:"max_samples"`
	Contamination float64 `json:"contamination"`
	Seed          uint64  `json:"seed"`

	NFeatures  int       `json:"n_features"`
	SampleSize int       `json:"sample_size"`
	Offset     float64   `json:"offset"`
	Estimators []isoTree `json:"estimators"`
}

type isoTree struct {
	Nodes []isoNode `json:"nodes"`
}

// isoNode is a leaf when Feature < 0; Size is the number of training samples
// that reached it.
type isoNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int32   `json:"l,omitempty"`
	Right     int32   `json:"r,omitempty"`
	Size      int     `json:"n,omitempty"`
}

// NewIsolationForest returns an unfitted forest with the default
// hyperparameters: 100 trees, 256 samples per tree, contamination 0.1.
func NewIsolationForest(seed uint64) *IsolationForest {
	return &IsolationForest{
		Trees:         DefaultTrees,
		MaxSamples:    DefaultMaxSamples,
		Contamination: DefaultContamination,
		Seed:          seed,
	}
}

func (f *IsolationForest) Kind() model.Kind { return model.KindIsolationForest }

func (f *IsolationForest) Width() int { return f.NFeatures }

// Fit grows the trees on rows and calibrates Offset so that roughly
// Contamination of the training rows get a negative decision value.
func (f *IsolationForest) Fit(ctx context.Context, rows [][]float64) error {
	width, err := checkRows(rows)
	if err != nil {
		return err
	}
	if f.Trees <= 0 {
		f.Trees = DefaultTrees
	}
	if f.Contamination < 0 || f.Contamination > 0.5 {
		return fmt.Errorf("contamination must be in [0, 0.5], got %v", f.Contamination)
	}

	n := len(rows)
	psi := f.MaxSamples
	if psi <= 0 {
		psi = DefaultMaxSamples
	}
	if psi > n {
		psi = n
	}
	heightLimit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	trees := make([]isoTree, f.Trees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fitParallelism())
	for i := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := newTreeRNG(f.Seed, i)
			idx := rng.Perm(n)[:psi]
			b := &isoBuilder{rows: rows, width: width, limit: heightLimit, rng: rng}
			b.build(idx, 0)
			trees[i] = isoTree{Nodes: b.nodes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.Estimators = trees
	f.NFeatures = width
	f.SampleSize = psi

	if f.Contamination == 0 {
		f.Offset = autoOffset
		return nil
	}
	scores := make([]float64, n)
	for i, r := range rows {
		scores[i] = f.scoreSample(r)
	}
	f.Offset = percentile(scores, 100*f.Contamination)
	return nil
}

// ScoreSample returns the raw anomaly score in [-1, 0); lower is more anomalous.
func (f *IsolationForest) ScoreSample(row []float64) (float64, error) {
	if err := f.ready(row); err != nil {
		return 0, err
	}
	return f.scoreSample(row), nil
}

// Decision returns ScoreSample shifted by the calibrated offset.
func (f *IsolationForest) Decision(row []float64) (float64, error) {
	s, err := f.ScoreSample(row)
	if err != nil {
		return 0, err
	}
	return s - f.Offset, nil
}

// Predict returns 1 for inliers and -1 for anomalies.
func (f *IsolationForest) Predict(row []float64) (int, error) {
	d, err := f.Decision(row)
	if err != nil {
		return 0, err
	}
	return classForDecision(d), nil
}

func (f *IsolationForest) Evaluate(row []float64) (model.Outcome, error) {
	d, err := f.Decision(row)
	if err != nil {
		return model.Outcome{}, err
	}
	return model.Outcome{Class: classForDecision(d), Score: &d}, nil
}

func classForDecision(d float64) int {
	if d < 0 {
		return model.ClassAnomaly
	}
	return model.ClassLegitimate
}

func (f *IsolationForest) ready(row []float64) error {
	if len(f.Estimators) == 0 {
		return ErrNotFitted
	}
	return checkRow(row, f.NFeatures)
}

func (f *IsolationForest) scoreSample(row []float64) float64 {
	var total float64
	for i := range f.Estimators {
		total += f.Estimators[i].pathLength(row)
	}
	mean := total / float64(len(f.Estimators))
	norm := averagePathLength(f.SampleSize)
	if norm == 0 {
		return -1
	}
	return -math.Pow(2, -mean/norm)
}

func (t *isoTree) pathLength(row []float64) float64 {
	i, depth := int32(0), 0
	for {
		node := t.Nodes[i]
		if node.Feature < 0 {
			return float64(depth) + averagePathLength(node.Size)
		}
		if row[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
		depth++
	}
}

type isoBuilder struct {
	rows  [][]float64
	width int
	limit int
	rng   *rand.Rand
	nodes []isoNode
}

func (b *isoBuilder) build(idx []int, depth int) int32 {
	self := int32(len(b.nodes))
	b.nodes = append(b.nodes, isoNode{Feature: -1, Size: len(idx)})
	if depth >= b.limit || len(idx) <= 1 {
		return self
	}

	feature, lo, hi := -1, 0.0, 0.0
	for _, f := range b.rng.Perm(b.width) {
		l, h := b.span(idx, f)
		if h > l {
			feature, lo, hi = f, l, h
			break
		}
	}
	if feature < 0 {
		// all remaining samples are identical
		return self
	}

	threshold := lo + b.rng.Float64()*(hi-lo)
	if threshold >= hi {
		threshold = lo
	}

	split := partition(idx, func(i int) bool { return b.rows[i][feature] <= threshold })
	left := b.build(idx[:split], depth+1)
	right := b.build(idx[split:], depth+1)
	b.nodes[self] = isoNode{Feature: feature, Threshold: threshold, Left: left, Right: right}
	return self
}

func (b *isoBuilder) span(idx []int, feature int) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		v := b.rows[i][feature]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// partition reorders idx so entries satisfying left come first and returns
// their count.
func partition(idx []int, left func(int) bool) int {
	j := 0
	for i := range idx {
		if left(idx[i]) {
			idx[i], idx[j] = idx[j], idx[i]
			j++
		}
	}
	return j
}
