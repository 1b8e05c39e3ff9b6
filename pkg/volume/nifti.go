package volume

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"brainslices/internal/models"
)

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352
)

var niftiDataTypes = map[int16]elementType{
	2:    uint8Type,
	4:    int16Type,
	8:    int32Type,
	16:   float32Type,
	64:   float64Type,
	256:  int8Type,
	512:  uint16Type,
	768:  uint32Type,
	1024: int64Type,
	1280: uint64Type,
}

// ReadNIfTI decodes a single-file NIfTI-1 volume, gzipped when the name
// ends in .gz. scl_slope and scl_inter are applied to every voxel.
func ReadNIfTI(path string) (*models.Volume, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	gzipped := strings.HasSuffix(strings.ToLower(path), ".gz")

	var r io.Reader = bufio.NewReader(file)
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	hdr := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("%s: reading header: %w", path, err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(hdr[0:4]) == niftiHeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(hdr[0:4]) == niftiHeaderSize:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%s: not a NIfTI-1 header: %w", path, ErrUnsupported)
	}
	if string(hdr[344:347]) != "n+1" {
		return nil, fmt.Errorf("%s: magic %q: %w", path, hdr[344:347], ErrUnsupported)
	}

	var dim [8]int
	for i := range dim {
		dim[i] = int(int16(order.Uint16(hdr[40+2*i:])))
	}
	ndims := dim[0]
	if ndims < 2 || ndims > 7 {
		return nil, fmt.Errorf("%s: %d dimensions: %w", path, ndims, ErrUnsupported)
	}
	for i := 4; i <= ndims; i++ {
		if dim[i] > 1 {
			return nil, fmt.Errorf("%s: dimension %d has size %d: %w", path, i, dim[i], ErrUnsupported)
		}
	}
	dims := []int{dim[1], dim[2]}
	if ndims >= 3 {
		dims = append(dims, dim[3])
	}

	datatype := int16(order.Uint16(hdr[70:]))
	et, ok := niftiDataTypes[datatype]
	if !ok {
		return nil, fmt.Errorf("%s: datatype %d: %w", path, datatype, ErrUnsupported)
	}

	spacing := make([]float64, 3)
	for i := range spacing {
		spacing[i] = float64(math.Float32frombits(order.Uint32(hdr[80+4*i:])))
	}

	voxOffset := int64(math.Float32frombits(order.Uint32(hdr[108:])))
	stored := info.Size()
	if !gzipped {
		stored -= max(voxOffset, niftiHeaderSize)
	}
	if err := checkSize(dims, et, stored, gzipped); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if voxOffset > niftiHeaderSize {
		if _, err := io.CopyN(io.Discard, r, voxOffset-niftiHeaderSize); err != nil {
			return nil, fmt.Errorf("%s: skipping to voxel data: %w", path, err)
		}
	}

	vol := newVolume(dims, spacing)
	if err := readVoxels(r, vol, et, order); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slope := float64(math.Float32frombits(order.Uint32(hdr[112:])))
	inter := float64(math.Float32frombits(order.Uint32(hdr[116:])))
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i, v := range vol.Data {
			vol.Data[i] = v*slope + inter
		}
	}
	return vol, nil
}

// WriteNIfTI stores vol as a float64 NIfTI-1 file, gzipped when path ends in .gz
func WriteNIfTI(path string, vol *models.Volume) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(file)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	le := binary.LittleEndian
	hdr := make([]byte, niftiVoxOffset)
	le.PutUint32(hdr[0:], niftiHeaderSize)
	dims := []int16{3, int16(vol.Width), int16(vol.Height), int16(vol.Depth), 1, 1, 1, 1}
	for i, d := range dims {
		le.PutUint16(hdr[40+2*i:], uint16(d))
	}
	le.PutUint16(hdr[70:], 64)
	le.PutUint16(hdr[72:], 64)
	pixdim := []float64{1, vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z, 1, 1, 1, 1}
	for i, p := range pixdim {
		le.PutUint32(hdr[76+4*i:], math.Float32bits(float32(p)))
	}
	le.PutUint32(hdr[108:], math.Float32bits(niftiVoxOffset))
	le.PutUint32(hdr[112:], math.Float32bits(1))
	copy(hdr[344:], "n+1\x00")

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for _, v := range vol.Data {
		le.PutUint64(buf, math.Float64bits(v))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}
