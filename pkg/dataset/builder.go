// Package dataset turns paired MRI scan and ground-truth volumes into flat
// collections of 2D slices and splits them into train and test partitions.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"brainslices/internal/models"
	"brainslices/pkg/container"
	"brainslices/pkg/discovery"
	"brainslices/pkg/filter"
	"brainslices/pkg/visualization"
	"brainslices/pkg/volume"
)

var (
	// ErrNoSubjects is returned when the source yields no paired subjects
	ErrNoSubjects = errors.New("no paired subjects found")
	// ErrShapeMismatch is returned when a scan and its ground truth differ in size
	ErrShapeMismatch = errors.New("scan and ground truth shapes differ")
	// ErrIndexOutOfRange is returned for preview indices outside the dataset
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrInvalidParams is returned by Process for unusable parameters
	ErrInvalidParams = errors.New("invalid dataset parameters")
	// ErrNotProcessed is returned when results are requested before Process
	ErrNotProcessed = errors.New("dataset has not been processed")
)

// PairSource yields subjects that have both a scan of a sequence and a
// ground truth mask. *catalog.Catalog implements it.
type PairSource interface {
	Pairs(ctx context.Context, sequence string, limit int) ([]models.Subject, error)
}

// Params holds the dataset construction parameters
type Params struct {
	// Sequence is the pulse sequence to load (t1, t1c, t2, flair; case-insensitive)
	Sequence string

	// TestSize is the fraction of slices placed in the test partition, in [0, 1)
	TestSize float64

	// Limit caps the number of subjects; 0 loads all of them
	Limit int

	// Seed fixes the permutation; 0 derives one from the clock
	Seed int64

	// Verbose logs progress for every subject
	Verbose bool
}

// DefaultParams returns the parameters used when nothing is configured
func DefaultParams() Params {
	return Params{Sequence: "t2", TestSize: 0.2}
}

// Builder reads paired volumes, unstacks them into slices and splits them
type Builder struct {
	params Params
	source PairSource
	reader volume.Reader

	seed     int64
	subjects []models.Subject
	depths   []int
	offsets  []int
	slices   []*mat.Dense
	labels   []*mat.Dense
	index    []models.SliceRef
	split    *models.Split
}

// NewBuilder creates a builder. Nothing is read until Process is called.
func NewBuilder(params Params, source PairSource, reader volume.Reader) *Builder {
	return &Builder{
		params: params,
		source: source,
		reader: reader,
	}
}

func (b *Builder) validate() error {
	seq, err := discovery.CanonicalSequence(b.params.Sequence)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if seq == discovery.GroundTruth {
		return fmt.Errorf("%w: ground truth is not a scan sequence", ErrInvalidParams)
	}
	b.params.Sequence = seq
	if b.params.TestSize < 0 || b.params.TestSize >= 1 || math.IsNaN(b.params.TestSize) {
		return fmt.Errorf("%w: test size %g outside [0, 1)", ErrInvalidParams, b.params.TestSize)
	}
	if b.params.Limit < 0 {
		return fmt.Errorf("%w: limit %d is negative", ErrInvalidParams, b.params.Limit)
	}
	return nil
}

// Process builds the slice and label collections, then splits them
func (b *Builder) Process(ctx context.Context) error {
	if err := b.validate(); err != nil {
		return err
	}

	b.logf("Step 1: Loading %s scans and ground truth...", b.params.Sequence)
	if err := b.buildSlices(ctx); err != nil {
		return fmt.Errorf("failed to build slices: %w", err)
	}

	b.logf("Step 2: Splitting %d slices (test size %.2f)...", len(b.slices), b.params.TestSize)
	b.splitSlices()
	b.logf("Split done: %d train, %d test (seed %d)", len(b.split.TrainX), len(b.split.TestX), b.seed)
	return nil
}

// buildSlices reads every subject in order and appends its planes
func (b *Builder) buildSlices(ctx context.Context) error {
	subjects, err := b.source.Pairs(ctx, b.params.Sequence, b.params.Limit)
	if err != nil {
		return err
	}
	if len(subjects) == 0 {
		return ErrNoSubjects
	}

	b.subjects = subjects
	b.depths = make([]int, 0, len(subjects))
	b.offsets = make([]int, 0, len(subjects))
	b.slices, b.labels, b.index = nil, nil, nil

	for i, s := range subjects {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.logf("  [%d/%d] %s", i+1, len(subjects), s.Name)

		scan, err := b.reader.Read(s.ScanPath)
		if err != nil {
			return fmt.Errorf("subject %s: %w", s.Name, err)
		}
		truth, err := b.reader.Read(s.TruthPath)
		if err != nil {
			return fmt.Errorf("subject %s: %w", s.Name, err)
		}
		if !scan.SameShape(truth) {
			return fmt.Errorf("subject %s: scan %dx%dx%d, truth %dx%dx%d: %w", s.Name,
				scan.Width, scan.Height, scan.Depth, truth.Width, truth.Height, truth.Depth, ErrShapeMismatch)
		}

		b.offsets = append(b.offsets, len(b.slices))
		b.depths = append(b.depths, scan.Depth)
		for z := 0; z < scan.Depth; z++ {
			b.slices = append(b.slices, scan.Plane(z))
			b.labels = append(b.labels, truth.Plane(z))
			b.index = append(b.index, models.SliceRef{Subject: s.Name, SubjectIndex: i, Depth: z})
		}
	}
	return nil
}

// splitSlices shuffles slice indices and moves the first ceil(f*n) to test
func (b *Builder) splitSlices() {
	b.seed = b.params.Seed
	if b.seed == 0 {
		b.seed = time.Now().UnixNano()
	}
	n := len(b.slices)
	perm := rand.New(rand.NewSource(b.seed)).Perm(n)
	nTest := TestCount(b.params.TestSize, n)

	split := &models.Split{}
	for i, idx := range perm {
		if i < nTest {
			split.TestX = append(split.TestX, b.slices[idx])
			split.TestY = append(split.TestY, b.labels[idx])
		} else {
			split.TrainX = append(split.TrainX, b.slices[idx])
			split.TrainY = append(split.TrainY, b.labels[idx])
		}
	}
	b.split = split
}

// TestCount returns the number of test samples for n slices: ceil(f*n)
func TestCount(testSize float64, n int) int {
	nTest := int(math.Ceil(testSize * float64(n)))
	if nTest > n {
		nTest = n
	}
	return nTest
}

// Preview applies t to a copy of one slice and renders the result to outPath.
// scan indexes subjects in build order, slice is the depth within that subject.
func (b *Builder) Preview(t filter.Transform, params filter.Params, scan, slice int, outPath string) error {
	if b.split == nil {
		return ErrNotProcessed
	}
	if scan < 0 || scan >= len(b.subjects) {
		return fmt.Errorf("scan %d of %d: %w", scan, len(b.subjects), ErrIndexOutOfRange)
	}
	if slice < 0 || slice >= b.depths[scan] {
		return fmt.Errorf("slice %d of %d: %w", slice, b.depths[scan], ErrIndexOutOfRange)
	}

	src := mat.DenseCopyOf(b.slices[b.offsets[scan]+slice])
	out, err := t(src, params)
	if err != nil {
		return fmt.Errorf("failed to transform slice: %w", err)
	}

	title := fmt.Sprintf("%s %s slice %d", b.subjects[scan].Name, b.params.Sequence, slice)
	if err := visualization.RenderMatrix(out, title, outPath); err != nil {
		return err
	}
	b.logf("Preview written to %s", outPath)
	return nil
}

// Save writes the split to a container at path, replacing any existing file
func (b *Builder) Save(path string) error {
	if b.split == nil {
		return ErrNotProcessed
	}
	if err := container.Save(path, b.split); err != nil {
		return fmt.Errorf("failed to save container: %w", err)
	}
	b.logf("Container written to %s", path)
	return nil
}

// Slices returns the scan slices in subject then depth order
func (b *Builder) Slices() []*mat.Dense { return b.slices }

// Labels returns the ground truth slices aligned with Slices
func (b *Builder) Labels() []*mat.Dense { return b.labels }

// Index returns the provenance of every slice
func (b *Builder) Index() []models.SliceRef { return b.index }

// Split returns the train/test partition, or nil before Process
func (b *Builder) Split() *models.Split { return b.split }

// Subjects returns the subjects in build order
func (b *Builder) Subjects() []models.Subject { return b.subjects }

// Seed returns the seed that produced the split
func (b *Builder) Seed() int64 { return b.seed }

// Sequence returns the canonical sequence name after Process has validated it
func (b *Builder) Sequence() string { return b.params.Sequence }

func (b *Builder) logf(format string, args ...interface{}) {
	if b.params.Verbose {
		log.Printf(format, args...)
	}
}
