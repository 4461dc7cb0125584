// Package forest implements the tree ensembles the trainer fits and the
// scorer evaluates: an isolation forest for unlabeled anomaly detection and a
// random forest classifier for labeled data. Fitted ensembles are immutable
// and safe for concurrent evaluation.
package forest

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
)

var (
	ErrNotFitted     = errors.New("estimator is not fitted")
	ErrEmptyData     = errors.New("no training rows")
	ErrWidthMismatch = errors.New("feature width mismatch")
	ErrLabelMismatch = errors.New("label count does not match row count")
)

const (
	DefaultTrees = 100
	// DefaultSeed is shared with the trainer's split and data generation.
	DefaultSeed uint64 = 42

	eulerGamma = 0.5772156649015329
)

// newTreeRNG derives an independent stream per tree so results do not depend
// on goroutine scheduling.
func newTreeRNG(seed uint64, tree int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(tree)+0x9e3779b97f4a7c15))
}

func fitParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// checkRows verifies rows is non-empty and rectangular and returns its width.
func checkRows(rows [][]float64) (int, error) {
	if len(rows) == 0 {
		return 0, ErrEmptyData
	}
	width := len(rows[0])
	if width == 0 {
		return 0, fmt.Errorf("%w: rows have no columns", ErrWidthMismatch)
	}
	for i, r := range rows {
		if len(r) != width {
			return 0, fmt.Errorf("%w: row %d has %d columns, want %d", ErrWidthMismatch, i, len(r), width)
		}
	}
	return width, nil
}

func checkRow(row []float64, width int) error {
	if width == 0 {
		return ErrNotFitted
	}
	if len(row) != width {
		return fmt.Errorf("%w: got %d features, model expects %d", ErrWidthMismatch, len(row), width)
	}
	return nil
}

// averagePathLength is c(n), the mean path length of an unsuccessful search
// in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile matches numpy's default linear interpolation.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
