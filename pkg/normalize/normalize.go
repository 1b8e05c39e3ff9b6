// Package normalize clips outlier intensities of MRI slices and rescales
// each slice to zero mean and unit variance.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrDegenerateSlice is returned when a slice has zero variance after clipping
var ErrDegenerateSlice = errors.New("degenerate slice: zero variance")

// Policy selects what happens to a zero-variance slice
type Policy int

const (
	// Fail aborts normalization with ErrDegenerateSlice
	Fail Policy = iota
	// PassThrough returns an unchanged copy of the slice
	PassThrough
)

// ParsePolicy maps a config string onto a Policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail":
		return Fail, nil
	case "passthrough":
		return PassThrough, nil
	}
	return Fail, fmt.Errorf("unknown zero variance policy %q", s)
}

// Statistics provides the numeric primitives used by the normalization.
type Statistics interface {
	// Percentile returns the p-th percentile (0-100) of x. x is not modified.
	Percentile(x []float64, p float64) float64
	// MeanStdDev returns the mean and population standard deviation of x.
	MeanStdDev(x []float64) (mean, std float64)
}

// DefaultStatistics implements Statistics with the same conventions as numpy:
// linear interpolation between closest ranks and population moments.
type DefaultStatistics struct{}

// Percentile interpolates between the two closest ranks at (n-1)*p/100.
// gonum's stat.Quantile kinds interpolate on the empirical CDF instead and
// disagree with np.percentile on small inputs.
func (DefaultStatistics) Percentile(x []float64, p float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(x))
	copy(sorted, x)
	sort.Float64s(sorted)

	h := float64(len(sorted)-1) * p / 100
	lo := int(math.Floor(h))
	hi := int(math.Ceil(h))
	return sorted[lo] + (h-float64(lo))*(sorted[hi]-sorted[lo])
}

// MeanStdDev returns the population moments from gonum/stat, matching np.std
func (DefaultStatistics) MeanStdDev(x []float64) (float64, float64) {
	mean, variance := stat.PopMeanVariance(x, nil)
	return mean, math.Sqrt(variance)
}

// Options controls slice normalization
type Options struct {
	// Lower and Upper are the clipping percentiles in [0, 100]
	Lower, Upper float64

	// ZeroVariance decides how constant slices are handled
	ZeroVariance Policy

	// Stats computes percentiles and moments; nil means DefaultStatistics
	Stats Statistics
}

// DefaultOptions clips at the 1st and 99th percentile and fails on constant slices
func DefaultOptions() Options {
	return Options{
		Lower:        1,
		Upper:        99,
		ZeroVariance: Fail,
		Stats:        DefaultStatistics{},
	}
}

// Slices normalizes every slice independently and returns a new collection.
// The input matrices are never modified.
func Slices(slices []*mat.Dense, opts Options) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(slices))
	for i, s := range slices {
		n, err := Slice(s, opts)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

// Slice clips one slice to its percentile window, then subtracts the mean
// and divides by the standard deviation of the clipped values.
func Slice(m *mat.Dense, opts Options) (*mat.Dense, error) {
	if opts.Stats == nil {
		opts.Stats = DefaultStatistics{}
	}
	if opts.Lower < 0 || opts.Upper > 100 || opts.Lower > opts.Upper {
		return nil, fmt.Errorf("invalid percentile window [%g, %g]", opts.Lower, opts.Upper)
	}

	if m.IsEmpty() {
		return &mat.Dense{}, nil
	}

	rows, cols := m.Dims()
	ints := Flatten(m)

	Clip(ints, opts.Stats.Percentile(ints, opts.Lower), opts.Stats.Percentile(ints, opts.Upper))

	mean, std := opts.Stats.MeanStdDev(ints)
	if std == 0 || math.IsNaN(std) {
		if opts.ZeroVariance == PassThrough {
			return mat.DenseCopyOf(m), nil
		}
		return nil, ErrDegenerateSlice
	}

	for i := range ints {
		ints[i] = (ints[i] - mean) / std
	}
	return mat.NewDense(rows, cols, ints), nil
}

// Flatten copies a matrix into a new row-major slice
func Flatten(m mat.Matrix) []float64 {
	rows, cols := m.Dims()
	flat := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			flat = append(flat, m.At(r, c))
		}
	}
	return flat
}

// Clip bounds every value of x to [lo, hi] in place
func Clip(x []float64, lo, hi float64) {
	for i, v := range x {
		if v > hi {
			x[i] = hi
		} else if v < lo {
			x[i] = lo
		}
	}
}
