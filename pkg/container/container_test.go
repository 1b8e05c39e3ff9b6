package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zip"
	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"brainslices/internal/models"
)

func createSlices(n, rows, cols int, offset float64, label bool) []*mat.Dense {
	out := make([]*mat.Dense, n)
	for i := range out {
		m := mat.NewDense(rows, cols, nil)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				if label {
					m.Set(r, c, float64((i+r+c)%5))
				} else {
					m.Set(r, c, offset+float64(i*rows*cols+r*cols+c)/7)
				}
			}
		}
		out[i] = m
	}
	return out
}

func createSplit() *models.Split {
	return &models.Split{
		TrainX: createSlices(4, 3, 5, -2.5, false),
		TrainY: createSlices(4, 3, 5, 0, true),
		TestX:  createSlices(2, 3, 5, 100, false),
		TestY:  createSlices(2, 3, 5, 0, true),
	}
}

func rawData(slices []*mat.Dense) [][]float64 {
	out := make([][]float64, len(slices))
	for i, s := range slices {
		out[i] = s.RawMatrix().Data
	}
	return out
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brats.npz")
	want := createSplit()
	require.NoError(t, Save(path, want))

	trainX, testX, trainY, testY, err := Load(path)
	require.NoError(t, err)

	for _, tc := range []struct {
		name      string
		want, got []*mat.Dense
	}{
		{TrainX, want.TrainX, trainX},
		{TestX, want.TestX, testX},
		{TrainY, want.TrainY, trainY},
		{TestY, want.TestY, testY},
	} {
		if diff := cmp.Diff(rawData(tc.want), rawData(tc.got)); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", tc.name, diff)
		}
		for i := range tc.got {
			r, c := tc.got[i].Dims()
			assert.Equal(t, []int{3, 5}, []int{r, c})
		}
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brats.npz")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))

	require.NoError(t, Save(path, createSplit()))
	split, err := LoadSplit(path)
	require.NoError(t, err)
	assert.Equal(t, 6, split.Len())

	// no temporary files are left next to the container
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSaveShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.npz")
	split := createSplit()
	split.TestX[1] = mat.NewDense(4, 4, nil)

	err := Save(path, split)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSaveEmptyPartition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train_only.npz")
	split := createSplit()
	split.TestX, split.TestY = nil, nil
	require.NoError(t, Save(path, split))

	trainX, testX, _, testY, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, trainX, 4)
	assert.Empty(t, testX)
	assert.Empty(t, testY)
}

func TestLoadMissingFile(t *testing.T) {
	_, _, _, _, err := Load(filepath.Join(t.TempDir(), "missing.npz"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

// npyEntry hand-assembles a version 1.0 .npy stream with an arbitrary header
func npyEntry(descr string, fortran bool, shape string, data []byte) []byte {
	order := "False"
	if fortran {
		order = "True"
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': %s, 'shape': %s, }", descr, order, shape)
	for (10+len(dict)+1)%64 != 0 {
		dict += " "
	}
	dict += "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY\x01\x00")
	binary.Write(&buf, binary.LittleEndian, uint16(len(dict)))
	buf.WriteString(dict)
	buf.Write(data)
	return buf.Bytes()
}

func float64Bytes(values ...float64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, values)
	return buf.Bytes()
}

// writeArchive stores entries uncompressed under their names
func writeArchive(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	file, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(file)
	for name, data := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, file.Close())
}

// validEntries is a well-formed container with one 2x2 training slice
func validEntries() map[string][]byte {
	shape := new(bytes.Buffer)
	binary.Write(shape, binary.LittleEndian, []int64{2, 2})
	return map[string][]byte{
		SliceShape + ".npy": npyEntry("<i8", false, "(2,)", shape.Bytes()),
		TrainX + ".npy":     npyEntry("<f8", false, "(1, 4)", float64Bytes(1, 2, 3, 4)),
		TrainY + ".npy":     npyEntry("<f8", false, "(1, 4)", float64Bytes(0, 1, 1, 0)),
		TestX + ".npy":      npyEntry("<f8", false, "(0,)", nil),
		TestY + ".npy":      npyEntry("<f8", false, "(0,)", nil),
	}
}

func TestLoadHandWrittenArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manual.npz")
	writeArchive(t, path, validEntries())

	trainX, testX, trainY, testY, err := Load(path)
	require.NoError(t, err)
	require.Len(t, trainX, 1)
	assert.Equal(t, []float64{1, 2, 3, 4}, trainX[0].RawMatrix().Data)
	assert.Equal(t, []float64{0, 1, 1, 0}, trainY[0].RawMatrix().Data)
	assert.Empty(t, testX)
	assert.Empty(t, testY)
}

func TestLoadMissingArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.npz")
	entries := validEntries()
	delete(entries, TestY+".npy")
	writeArchive(t, path, entries)

	_, _, _, _, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingArray))
	assert.Contains(t, err.Error(), TestY)
}

func TestLoadRejectsOversizedShapes(t *testing.T) {
	testCases := []struct {
		name  string
		shape string
	}{
		// the element count wraps to zero in 64 bits
		{"overflow", "(1099511627776, 1048576, 1048576)"},
		{"more than the entry holds", "(1073741824, 4)"},
		{"negative", "(-1, 4)"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "huge.npz")
			entries := validEntries()
			entries[TrainX+".npy"] = npyEntry("<f8", false, tc.shape, float64Bytes(1, 2, 3, 4))
			writeArchive(t, path, entries)

			_, _, _, _, err := Load(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFormat), "got %v", err)
		})
	}
}

func TestLoadRejectsOversizedSliceShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shape.npz")
	entries := validEntries()
	entries[SliceShape+".npy"] = npyEntry("<i8", false, "(4611686018427387904,)", nil)
	writeArchive(t, path, entries)

	_, _, _, _, err := Load(path)
	assert.True(t, errors.Is(err, ErrFormat), "got %v", err)
}

func TestLoadRejectsForeignLayout(t *testing.T) {
	testCases := []struct {
		name  string
		entry []byte
	}{
		{"int32 values", npyEntry("<i4", false, "(1, 4)", make([]byte, 16))},
		{"fortran order", npyEntry("<f8", true, "(1, 4)", float64Bytes(1, 2, 3, 4))},
		{"wrong slice size", npyEntry("<f8", false, "(1, 3)", float64Bytes(1, 2, 3))},
		{"three dimensions", npyEntry("<f8", false, "(1, 2, 2)", float64Bytes(1, 2, 3, 4))},
		{"not npy", []byte("plain text")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "foreign.npz")
			entries := validEntries()
			entries[TrainX+".npy"] = tc.entry
			writeArchive(t, path, entries)

			_, _, _, _, err := Load(path)
			assert.True(t, errors.Is(err, ErrFormat), "got %v", err)
		})
	}
}

func TestLoadNotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.npz")
	require.NoError(t, os.WriteFile(path, []byte("not a zip archive"), 0644))

	_, _, _, _, err := Load(path)
	assert.Error(t, err)
}

func TestSaveLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.npz")
	require.NoError(t, Save(path, createSplit()))

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	shapes := map[string][]int{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		r, err := npyio.NewReader(rc)
		require.NoError(t, err)
		shapes[f.Name] = r.Header.Descr.Shape
		rc.Close()
	}

	want := map[string][]int{
		"slice_shape.npy": {2},
		"X_train.npy":     {4, 15},
		"Y_train.npy":     {4, 15},
		"X_test.npy":      {2, 15},
		"Y_test.npy":      {2, 15},
	}
	if diff := cmp.Diff(want, shapes); diff != "" {
		t.Errorf("array shapes mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.npz")
	require.NoError(t, Save(path, createSplit()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestFailedSaveKeepsExistingContainer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brats.npz")
	require.NoError(t, Save(path, createSplit()))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	rename = func(string, string) error { return errors.New("no space left on device") }
	t.Cleanup(func() { rename = os.Rename })

	smaller := createSplit()
	smaller.TestX, smaller.TestY = nil, nil
	require.Error(t, Save(path, smaller))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// the half-written temporary file is removed
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	split, err := LoadSplit(path)
	require.NoError(t, err)
	assert.Equal(t, 6, split.Len())
}
