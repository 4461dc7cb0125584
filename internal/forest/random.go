package forest

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"golang.org/x/sync/errgroup"

	"trust-scorer/internal/model"
)

const DefaultMinSamplesSplit = 2

// RandomForest is a bagged ensemble of CART trees split on Gini impurity.
type RandomForest struct {
	Trees           int    `json:"n_estimators"`
	MaxFeatures     int    `json:"max_features"`
	MinSamplesSplit int    `json:"min_samples_split"`
	MaxDepth        int    `json:"max_depth,omitempty"`
	Seed            uint64 `json:"seed"`

	Classes    []int      `json:"classes"`
	NFeatures  int        `json:"n_features"`
	Estimators []cartTree `json:"estimators"`
}

type cartTree struct {
	Nodes []cartNode `json:"nodes"`
}

// cartNode is a leaf when Feature < 0; Value holds the class distribution in
// Classes order.
type cartNode struct {
	Feature   int       `json:"f"`
	Threshold float64   `json:"t,omitempty"`
	Left      int32     `json:"l,omitempty"`
	Right     int32     `json:"r,omitempty"`
	Value     []float64 `json:"v,omitempty"`
}

// NewRandomForest returns an unfitted classifier: 100 trees, sqrt(p) features
// per split, fully grown.
func NewRandomForest(seed uint64) *RandomForest {
	return &RandomForest{
		Trees:           DefaultTrees,
		MinSamplesSplit: DefaultMinSamplesSplit,
		Seed:            seed,
	}
}

func (f *RandomForest) Kind() model.Kind { return model.KindRandomForest }

func (f *RandomForest) Width() int { return f.NFeatures }

// Fit trains on rows with one integer class label per row.
func (f *RandomForest) Fit(ctx context.Context, rows [][]float64, labels []int) error {
	width, err := checkRows(rows)
	if err != nil {
		return err
	}
	if len(labels) != len(rows) {
		return fmt.Errorf("%w: %d labels for %d rows", ErrLabelMismatch, len(labels), len(rows))
	}
	if f.Trees <= 0 {
		f.Trees = DefaultTrees
	}
	if f.MinSamplesSplit < 2 {
		f.MinSamplesSplit = DefaultMinSamplesSplit
	}

	classes := uniqueSorted(labels)
	position := make(map[int]int, len(classes))
	for i, c := range classes {
		position[c] = i
	}
	encoded := make([]int, len(labels))
	for i, l := range labels {
		encoded[i] = position[l]
	}

	mtry := f.MaxFeatures
	if mtry <= 0 || mtry > width {
		mtry = max(1, int(math.Sqrt(float64(width))))
	}

	n := len(rows)
	trees := make([]cartTree, f.Trees)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fitParallelism())
	for i := range trees {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := newTreeRNG(f.Seed, i)
			idx := make([]int, n)
			for j := range idx {
				idx[j] = rng.IntN(n)
			}
			b := &cartBuilder{
				rows:     rows,
				labels:   encoded,
				classes:  len(classes),
				width:    width,
				mtry:     mtry,
				minSplit: f.MinSamplesSplit,
				maxDepth: f.MaxDepth,
				rng:      rng,
			}
			b.build(idx, 0)
			trees[i] = cartTree{Nodes: b.nodes}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.Classes = classes
	f.NFeatures = width
	f.Estimators = trees
	return nil
}

// PredictProba returns the mean leaf distribution, in Classes order.
func (f *RandomForest) PredictProba(row []float64) ([]float64, error) {
	if len(f.Estimators) == 0 {
		return nil, ErrNotFitted
	}
	if err := checkRow(row, f.NFeatures); err != nil {
		return nil, err
	}
	proba := make([]float64, len(f.Classes))
	for i := range f.Estimators {
		for c, p := range f.Estimators[i].leaf(row) {
			proba[c] += p
		}
	}
	for c := range proba {
		proba[c] /= float64(len(f.Estimators))
	}
	return proba, nil
}

// Predict returns the most probable class; ties go to the smaller label.
func (f *RandomForest) Predict(row []float64) (int, error) {
	proba, err := f.PredictProba(row)
	if err != nil {
		return 0, err
	}
	return f.Classes[argmax(proba)], nil
}

func (f *RandomForest) Evaluate(row []float64) (model.Outcome, error) {
	proba, err := f.PredictProba(row)
	if err != nil {
		return model.Outcome{}, err
	}
	out := model.Outcome{
		Class:         f.Classes[argmax(proba)],
		Probabilities: make(map[int]float64, len(proba)),
	}
	for i, p := range proba {
		out.Probabilities[f.Classes[i]] = p
	}
	return out, nil
}

func (t *cartTree) leaf(row []float64) []float64 {
	i := int32(0)
	for {
		node := &t.Nodes[i]
		if node.Feature < 0 {
			return node.Value
		}
		if row[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
	}
}

type cartBuilder struct {
	rows     [][]float64
	labels   []int
	classes  int
	width    int
	mtry     int
	minSplit int
	maxDepth int
	rng      *rand.Rand
	nodes    []cartNode
}

type splitCandidate struct {
	feature   int
	threshold float64
	impurity  float64
}

func (b *cartBuilder) build(idx []int, depth int) int32 {
	self := int32(len(b.nodes))
	counts := b.counts(idx)
	b.nodes = append(b.nodes, cartNode{Feature: -1, Value: distribution(counts, len(idx))})

	if len(idx) < b.minSplit || isPure(counts) || (b.maxDepth > 0 && depth >= b.maxDepth) {
		return self
	}

	best, ok := b.bestSplit(idx)
	if !ok {
		return self
	}

	split := partition(idx, func(i int) bool { return b.rows[i][best.feature] <= best.threshold })
	if split == 0 || split == len(idx) {
		return self
	}
	left := b.build(idx[:split], depth+1)
	right := b.build(idx[split:], depth+1)
	b.nodes[self] = cartNode{Feature: best.feature, Threshold: best.threshold, Left: left, Right: right}
	return self
}

// bestSplit draws features in random order and keeps searching past mtry
// until at least one valid split was found.
func (b *cartBuilder) bestSplit(idx []int) (splitCandidate, bool) {
	best := splitCandidate{impurity: math.Inf(1)}
	found := false
	visited := 0

	sorted := make([]int, len(idx))
	for _, feature := range b.rng.Perm(b.width) {
		if visited >= b.mtry && found {
			break
		}
		visited++

		copy(sorted, idx)
		sort.Slice(sorted, func(i, j int) bool {
			return b.rows[sorted[i]][feature] < b.rows[sorted[j]][feature]
		})
		if c, ok := b.scanFeature(sorted, feature); ok && c.impurity < best.impurity {
			best = c
			found = true
		}
	}
	return best, found
}

// scanFeature sweeps thresholds between consecutive distinct values and
// returns the one with the lowest weighted Gini impurity.
func (b *cartBuilder) scanFeature(sorted []int, feature int) (splitCandidate, bool) {
	n := len(sorted)
	right := b.counts(sorted)
	left := make([]float64, b.classes)

	best := splitCandidate{feature: feature, impurity: math.Inf(1)}
	found := false
	for i := 1; i < n; i++ {
		c := b.labels[sorted[i-1]]
		left[c]++
		right[c]--

		prev := b.rows[sorted[i-1]][feature]
		cur := b.rows[sorted[i]][feature]
		if cur <= prev {
			continue
		}

		impurity := weightedGini(left, float64(i)) + weightedGini(right, float64(n-i))
		if impurity < best.impurity {
			threshold := prev + (cur-prev)/2
			if threshold >= cur {
				threshold = prev
			}
			best.threshold = threshold
			best.impurity = impurity
			found = true
		}
	}
	return best, found
}

func (b *cartBuilder) counts(idx []int) []float64 {
	counts := make([]float64, b.classes)
	for _, i := range idx {
		counts[b.labels[i]]++
	}
	return counts
}

// weightedGini is n * gini(counts).
func weightedGini(counts []float64, n float64) float64 {
	if n == 0 {
		return 0
	}
	var sq float64
	for _, c := range counts {
		sq += c * c
	}
	return n - sq/n
}

func distribution(counts []float64, n int) []float64 {
	out := make([]float64, len(counts))
	if n == 0 {
		return out
	}
	for i, c := range counts {
		out[i] = c / float64(n)
	}
	return out
}

func isPure(counts []float64) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}

func uniqueSorted(labels []int) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, l := range labels {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	sort.Ints(out)
	return out
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
