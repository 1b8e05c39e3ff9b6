// Package filter provides named 2D transforms that can be applied to a
// single MRI slice before it is previewed.
package filter

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"brainslices/pkg/normalize"
)

// Params holds named numeric transform parameters
type Params map[string]float64

// get returns p[key] or def when the key is absent
func (p Params) get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Transform maps a slice to a new slice. The input must not be modified.
type Transform func(m *mat.Dense, p Params) (*mat.Dense, error)

var registry = map[string]Transform{
	"identity":  Identity,
	"clip":      Clip,
	"zscore":    ZScore,
	"median":    Median,
	"edges":     Edges,
	"threshold": Threshold,
}

// Lookup returns the transform registered under name
func Lookup(name string) (Transform, error) {
	t, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q (have %v)", name, Names())
	}
	return t, nil
}

// Names lists the registered transforms in sorted order
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identity returns a copy of m
func Identity(m *mat.Dense, _ Params) (*mat.Dense, error) {
	return mat.DenseCopyOf(m), nil
}

// Clip bounds intensities to the "lower" and "upper" percentiles (default 1 and 99)
func Clip(m *mat.Dense, p Params) (*mat.Dense, error) {
	lo, hi := p.get("lower", 1), p.get("upper", 99)
	if lo < 0 || hi > 100 || lo > hi {
		return nil, fmt.Errorf("invalid percentile window [%g, %g]", lo, hi)
	}
	rows, cols := m.Dims()
	values := normalize.Flatten(m)
	stats := normalize.DefaultStatistics{}
	normalize.Clip(values, stats.Percentile(values, lo), stats.Percentile(values, hi))
	return mat.NewDense(rows, cols, values), nil
}

// ZScore applies the dataset normalization to one slice. A constant slice is
// returned unchanged so that previews never fail on background slices.
func ZScore(m *mat.Dense, p Params) (*mat.Dense, error) {
	opts := normalize.DefaultOptions()
	opts.Lower, opts.Upper = p.get("lower", opts.Lower), p.get("upper", opts.Upper)
	opts.ZeroVariance = normalize.PassThrough
	return normalize.Slice(m, opts)
}

// Median replaces every pixel with the median of its "size" x "size"
// neighbourhood (default 3, must be odd). Borders use the available pixels.
func Median(m *mat.Dense, p Params) (*mat.Dense, error) {
	size := int(p.get("size", 3))
	if size < 1 || size%2 == 0 {
		return nil, fmt.Errorf("median window must be a positive odd size, got %d", size)
	}
	half := size / 2
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	window := make([]float64, 0, size*size)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			window = window[:0]
			for dr := -half; dr <= half; dr++ {
				for dc := -half; dc <= half; dc++ {
					rr, cc := r+dr, c+dc
					if rr >= 0 && rr < rows && cc >= 0 && cc < cols {
						window = append(window, m.At(rr, cc))
					}
				}
			}
			out.Set(r, c, median(window))
		}
	}
	return out, nil
}

// median calculates the median value of a slice of float64 values
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// Edges computes the Sobel gradient magnitude, scaled so the strongest
// edge is 1. Border pixels replicate their nearest neighbour.
func Edges(m *mat.Dense, _ Params) (*mat.Dense, error) {
	rows, cols := m.Dims()
	at := func(r, c int) float64 {
		r = clampInt(r, 0, rows-1)
		c = clampInt(c, 0, cols-1)
		return m.At(r, c)
	}

	mag := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			gx := (at(r-1, c+1) + 2*at(r, c+1) + at(r+1, c+1)) -
				(at(r-1, c-1) + 2*at(r, c-1) + at(r+1, c-1))
			gy := (at(r+1, c-1) + 2*at(r+1, c) + at(r+1, c+1)) -
				(at(r-1, c-1) + 2*at(r-1, c) + at(r-1, c+1))
			mag[r*cols+c] = math.Hypot(gx, gy)
		}
	}

	if maxEdge := floats.Max(mag); maxEdge > 0 {
		floats.Scale(1/maxEdge, mag)
	}
	return mat.NewDense(rows, cols, mag), nil
}

// Threshold marks pixels whose edge strength exceeds "level" (default 0.5) with 1
func Threshold(m *mat.Dense, p Params) (*mat.Dense, error) {
	level := p.get("level", 0.5)
	if level < 0 || level > 1 {
		return nil, fmt.Errorf("threshold level %g outside [0, 1]", level)
	}
	edges, err := Edges(m, p)
	if err != nil {
		return nil, err
	}
	edges.Apply(func(_, _ int, v float64) float64 {
		if v > level {
			return 1
		}
		return 0
	}, edges)
	return edges, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
