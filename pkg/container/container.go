// Package container persists a train/test split of MRI slices as an NPZ
// archive (a zip of .npy arrays) that numpy.load can open directly.
//
// Each partition is stored as an (N, H*W) float64 matrix, one flattened
// slice per row, and the slice geometry as the int64 array slice_shape
// holding [H, W]. In numpy: f["X_train"].reshape(-1, *f["slice_shape"]).
package container

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/sbinet/npyio"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"

	"brainslices/internal/models"
)

// Array names inside the container
const (
	TrainX     = "X_train"
	TrainY     = "Y_train"
	TestX      = "X_test"
	TestY      = "Y_test"
	SliceShape = "slice_shape"
)

var (
	// ErrMissingArray is returned when one of the named arrays is absent
	ErrMissingArray = errors.New("container is missing a named array")
	// ErrShapeMismatch is returned when slices of different sizes are stacked
	ErrShapeMismatch = errors.New("slices do not share one shape")
	// ErrFormat is returned for archives whose arrays cannot be decoded
	ErrFormat = errors.New("malformed container array")
)

// maxDeflateRatio bounds how far a deflated entry can expand
const maxDeflateRatio = 2048

// rename moves the finished archive into place
var rename = os.Rename

type array struct {
	name   string
	slices []*mat.Dense
}

func partitions(split *models.Split) []array {
	return []array{
		{TrainX, split.TrainX},
		{TrainY, split.TrainY},
		{TestX, split.TestX},
		{TestY, split.TestY},
	}
}

// Save writes the split to path, replacing any existing file. The archive is
// assembled in a temporary file in the same directory and renamed into place
// only once it is complete.
func Save(path string, split *models.Split) (err error) {
	arrays := partitions(split)
	rows, cols, err := commonShape(arrays)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	// CreateTemp uses 0600; the container is meant to be shared
	if err = tmp.Chmod(0644); err != nil {
		return fmt.Errorf("failed to set container mode: %w", err)
	}

	zw := npz.NewWriter(tmp)
	if err = zw.Write(SliceShape+".npy", []int64{int64(rows), int64(cols)}); err != nil {
		return fmt.Errorf("failed to write %s: %w", SliceShape, err)
	}
	for _, a := range arrays {
		if err = zw.Write(a.name+".npy", stack(a.slices, rows*cols)); err != nil {
			return fmt.Errorf("failed to write %s: %w", a.name, err)
		}
	}
	if err = zw.Close(); err != nil {
		return fmt.Errorf("failed to finish container: %w", err)
	}
	if err = tmp.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("failed to close container: %w", err)
	}
	if err = rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move container into place: %w", err)
	}
	return nil
}

// stack flattens slices into the rows of one matrix. An empty partition
// becomes a zero-length vector since a matrix needs at least one row.
func stack(slices []*mat.Dense, size int) interface{} {
	if len(slices) == 0 || size == 0 {
		return []float64{}
	}
	data := make([]float64, 0, len(slices)*size)
	for _, s := range slices {
		rows, cols := s.Dims()
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				data = append(data, s.At(r, c))
			}
		}
	}
	return mat.NewDense(len(slices), size, data)
}

// commonShape returns the rows and columns shared by every slice
func commonShape(arrays []array) (int, int, error) {
	rows, cols := -1, -1
	for _, a := range arrays {
		for i, s := range a.slices {
			r, c := s.Dims()
			if rows < 0 {
				rows, cols = r, c
				continue
			}
			if r != rows || c != cols {
				return 0, 0, fmt.Errorf("%s[%d] is %dx%d, expected %dx%d: %w", a.name, i, r, c, rows, cols, ErrShapeMismatch)
			}
		}
	}
	if rows < 0 {
		return 0, 0, nil
	}
	return rows, cols, nil
}

// Load reads the container at path and returns the training slices, testing
// slices, training labels and testing labels, in that order.
func Load(path string) (trainX, testX, trainY, testY []*mat.Dense, err error) {
	split, err := LoadSplit(path)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return split.TrainX, split.TestX, split.TrainY, split.TestY, nil
}

// LoadSplit reads the container at path into a Split
func LoadSplit(path string) (*models.Split, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	zr, err := zip.NewReader(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	size := uint64(info.Size())

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[strings.TrimSuffix(f.Name, ".npy")] = f
	}
	lookup := func(name string) (*zip.File, error) {
		f, ok := files[name]
		if !ok {
			return nil, fmt.Errorf("%s: %s: %w", path, name, ErrMissingArray)
		}
		return f, nil
	}

	f, err := lookup(SliceShape)
	if err != nil {
		return nil, err
	}
	rows, cols, err := readSliceShape(f, size)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", path, SliceShape, err)
	}

	split := &models.Split{}
	targets := []struct {
		name string
		dst  *[]*mat.Dense
	}{
		{TrainX, &split.TrainX},
		{TrainY, &split.TrainY},
		{TestX, &split.TestX},
		{TestY, &split.TestY},
	}
	for _, t := range targets {
		f, err := lookup(t.name)
		if err != nil {
			return nil, err
		}
		slices, err := readStack(f, size, rows, cols)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, t.name, err)
		}
		*t.dst = slices
	}
	return split, nil
}

// openArray opens one archive entry and checks that the shape in its header
// fits in the bytes the entry can really hold before anything is allocated.
// archiveSize is the size of the whole container file.
func openArray(f *zip.File, archiveSize uint64, descr string) (*npyio.Reader, func() error, error) {
	limit, err := entryLimit(f, archiveSize)
	if err != nil {
		return nil, nil, err
	}
	rc, err := f.Open()
	if err != nil {
		return nil, nil, err
	}
	r, err := npyio.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("%v: %w", err, ErrFormat)
	}

	h := r.Header.Descr
	if h.Type != descr || h.Fortran {
		rc.Close()
		return nil, nil, fmt.Errorf("dtype %q (fortran %v), want %q: %w", h.Type, h.Fortran, descr, ErrFormat)
	}
	n, ok := elements(h.Shape)
	if !ok || n > limit/8 {
		rc.Close()
		return nil, nil, fmt.Errorf("shape %v does not fit in %d bytes: %w", h.Shape, limit, ErrFormat)
	}
	return r, rc.Close, nil
}

// entryLimit returns the most bytes f can decompress to
func entryLimit(f *zip.File, archiveSize uint64) (uint64, error) {
	if f.CompressedSize64 > archiveSize {
		return 0, fmt.Errorf("%s claims %d compressed bytes in a %d byte archive: %w",
			f.Name, f.CompressedSize64, archiveSize, ErrFormat)
	}
	limit := f.UncompressedSize64
	switch f.Method {
	case zip.Store:
		limit = f.CompressedSize64
	case zip.Deflate:
		if bound := f.CompressedSize64*maxDeflateRatio + 1024; limit > bound {
			limit = bound
		}
	}
	return limit, nil
}

// elements returns the product of shape, or false on a negative
// dimension or overflow
func elements(shape []int) (uint64, bool) {
	n := uint64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 {
			return 0, false
		}
		n = lo
	}
	return n, true
}

func readSliceShape(f *zip.File, archiveSize uint64) (int, int, error) {
	r, closer, err := openArray(f, archiveSize, "<i8")
	if err != nil {
		return 0, 0, err
	}
	defer closer()

	if len(r.Header.Descr.Shape) != 1 || r.Header.Descr.Shape[0] != 2 {
		return 0, 0, fmt.Errorf("shape %v is not (2,): %w", r.Header.Descr.Shape, ErrFormat)
	}
	var dims []int64
	if err := r.Read(&dims); err != nil {
		return 0, 0, fmt.Errorf("%v: %w", err, ErrFormat)
	}
	rows, cols := dims[0], dims[1]
	if rows < 0 || cols < 0 || rows > math.MaxInt32 || cols > math.MaxInt32 {
		return 0, 0, fmt.Errorf("slice shape %v: %w", dims, ErrFormat)
	}
	return int(rows), int(cols), nil
}

// readStack decodes an (N, rows*cols) matrix into N slices
func readStack(f *zip.File, archiveSize uint64, rows, cols int) ([]*mat.Dense, error) {
	r, closer, err := openArray(f, archiveSize, "<f8")
	if err != nil {
		return nil, err
	}
	defer closer()

	shape := r.Header.Descr.Shape
	switch {
	case len(shape) == 1 && shape[0] == 0:
		return []*mat.Dense{}, nil
	case len(shape) == 2 && shape[1] == rows*cols && rows > 0 && cols > 0:
	default:
		return nil, fmt.Errorf("shape %v is not (N, %d): %w", shape, rows*cols, ErrFormat)
	}

	var data []float64
	if err := r.Read(&data); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrFormat)
	}
	n, size := shape[0], rows*cols
	if len(data) != n*size {
		return nil, fmt.Errorf("read %d values, want %d: %w", len(data), n*size, ErrFormat)
	}

	slices := make([]*mat.Dense, n)
	for i := range slices {
		slices[i] = mat.NewDense(rows, cols, data[i*size:(i+1)*size:(i+1)*size])
	}
	return slices, nil
}
