// Package volume decodes 3D MRI volumes from MetaImage and NIfTI-1 files.
package volume

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"path/filepath"
	"strings"

	"brainslices/internal/models"
)

var (
	// ErrUnsupported is returned for file formats or element types the readers cannot decode
	ErrUnsupported = errors.New("unsupported volume format")
	// ErrBadSize is returned when the dimensions in a header do not fit the stored data
	ErrBadSize = errors.New("volume dimensions do not fit the stored data")
)

// MaxVoxels caps the number of voxels in a decoded volume (2 GiB of float64)
const MaxVoxels = 1 << 28

// maxInflation bounds how far zlib or gzip data can expand
const maxInflation = 2048

// Reader decodes the volume stored at a path
type Reader interface {
	Read(path string) (*models.Volume, error)
}

// FileReader picks a decoder from the file extension
type FileReader struct{}

// Read decodes a .mha, .mhd, .nii or .nii.gz file
func (FileReader) Read(path string) (*models.Volume, error) {
	switch Format(path) {
	case "metaimage":
		return ReadMetaImage(path)
	case "nifti":
		return ReadNIfTI(path)
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnsupported)
}

// Format names the decoder for a path, or "" when none applies
func Format(path string) string {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".mha"), strings.HasSuffix(name, ".mhd"):
		return "metaimage"
	case strings.HasSuffix(name, ".nii"), strings.HasSuffix(name, ".nii.gz"):
		return "nifti"
	}
	return ""
}

// elementType describes how a voxel is laid out on disk
type elementType struct {
	size   int
	decode func(b []byte, order binary.ByteOrder) float64
}

var (
	uint8Type   = elementType{1, func(b []byte, _ binary.ByteOrder) float64 { return float64(b[0]) }}
	int8Type    = elementType{1, func(b []byte, _ binary.ByteOrder) float64 { return float64(int8(b[0])) }}
	uint16Type  = elementType{2, func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint16(b)) }}
	int16Type   = elementType{2, func(b []byte, o binary.ByteOrder) float64 { return float64(int16(o.Uint16(b))) }}
	uint32Type  = elementType{4, func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint32(b)) }}
	int32Type   = elementType{4, func(b []byte, o binary.ByteOrder) float64 { return float64(int32(o.Uint32(b))) }}
	uint64Type  = elementType{8, func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint64(b)) }}
	int64Type   = elementType{8, func(b []byte, o binary.ByteOrder) float64 { return float64(int64(o.Uint64(b))) }}
	float32Type = elementType{4, func(b []byte, o binary.ByteOrder) float64 { return float64(math.Float32frombits(o.Uint32(b))) }}
	float64Type = elementType{8, func(b []byte, o binary.ByteOrder) float64 { return math.Float64frombits(o.Uint64(b)) }}
)

// checkSize verifies that dims hold at most MaxVoxels voxels and that
// stored bytes on disk (inflated when compressed) can supply all of them
func checkSize(dims []int, et elementType, stored int64, compressed bool) error {
	n := uint64(1)
	for _, d := range dims {
		if d <= 0 {
			return fmt.Errorf("dimensions %v: %w", dims, ErrBadSize)
		}
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 || lo > MaxVoxels {
			return fmt.Errorf("dimensions %v exceed %d voxels: %w", dims, MaxVoxels, ErrBadSize)
		}
		n = lo
	}

	if stored < 0 {
		stored = 0
	}
	limit := uint64(stored)
	if compressed {
		limit *= maxInflation
	}
	if need := n * uint64(et.size); need > limit {
		return fmt.Errorf("dimensions %v need %d bytes, %d stored: %w", dims, need, stored, ErrBadSize)
	}
	return nil
}

// readVoxels fills vol.Data from r, one element at a time
func readVoxels(r io.Reader, vol *models.Volume, et elementType, order binary.ByteOrder) error {
	buf := make([]byte, et.size*vol.Width)
	row := 0
	for i := 0; i < len(vol.Data); i += vol.Width {
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("reading voxel row %d: %w", row, err)
		}
		for x := 0; x < vol.Width; x++ {
			vol.Data[i+x] = et.decode(buf[x*et.size:(x+1)*et.size], order)
		}
		row++
	}
	return nil
}
