package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"brainslices/internal/models"
)

var metaElementTypes = map[string]elementType{
	"MET_UCHAR":      uint8Type,
	"MET_CHAR":       int8Type,
	"MET_USHORT":     uint16Type,
	"MET_SHORT":      int16Type,
	"MET_UINT":       uint32Type,
	"MET_INT":        int32Type,
	"MET_ULONG":      uint32Type,
	"MET_LONG":       int32Type,
	"MET_ULONG_LONG": uint64Type,
	"MET_LONG_LONG":  int64Type,
	"MET_FLOAT":      float32Type,
	"MET_DOUBLE":     float64Type,
}

// metaHeader holds the MetaImage keys the reader understands
type metaHeader struct {
	dims       []int
	spacing    []float64
	element    string
	bigEndian  bool
	compressed bool
	channels   int
	dataFile   string
}

// ReadMetaImage decodes a MetaImage volume (.mha with LOCAL data, or
// .mhd pointing at a detached raw file). zlib-compressed data is supported.
func ReadMetaImage(path string) (*models.Volume, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	br := bufio.NewReader(file)
	hdr, err := parseMetaHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	et, ok := metaElementTypes[hdr.element]
	if !ok {
		return nil, fmt.Errorf("%s: element type %q: %w", path, hdr.element, ErrUnsupported)
	}
	if hdr.channels > 1 {
		return nil, fmt.Errorf("%s: %d channels: %w", path, hdr.channels, ErrUnsupported)
	}

	var data io.Reader = br
	stored, err := remaining(file, br)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !strings.EqualFold(hdr.dataFile, "LOCAL") {
		if strings.EqualFold(hdr.dataFile, "LIST") || strings.Contains(hdr.dataFile, "%") {
			return nil, fmt.Errorf("%s: data file %q: %w", path, hdr.dataFile, ErrUnsupported)
		}
		raw, err := os.Open(filepath.Join(filepath.Dir(path), hdr.dataFile))
		if err != nil {
			return nil, fmt.Errorf("%s: opening data file: %w", path, err)
		}
		defer raw.Close()
		info, err := raw.Stat()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		stored = info.Size()
		data = bufio.NewReader(raw)
	}
	if err := checkSize(hdr.dims, et, stored, hdr.compressed); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if hdr.compressed {
		zr, err := zlib.NewReader(data)
		if err != nil {
			return nil, fmt.Errorf("%s: opening compressed data: %w", path, err)
		}
		defer zr.Close()
		data = zr
	}

	vol := newVolume(hdr.dims, hdr.spacing)
	var order binary.ByteOrder = binary.LittleEndian
	if hdr.bigEndian {
		order = binary.BigEndian
	}
	if err := readVoxels(data, vol, et, order); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

// remaining returns the bytes of file not yet consumed through br
func remaining(file *os.File, br *bufio.Reader) (int64, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	pos, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return info.Size() - (pos - int64(br.Buffered())), nil
}

func parseMetaHeader(br *bufio.Reader) (*metaHeader, error) {
	hdr := &metaHeader{channels: 1}
	ndims := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, fmt.Errorf("header ended before ElementDataFile: %w", ErrUnsupported)
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "NDims":
			if ndims, err = strconv.Atoi(value); err != nil {
				return nil, fmt.Errorf("bad NDims %q", value)
			}
		case "DimSize":
			if hdr.dims, err = parseInts(value); err != nil {
				return nil, fmt.Errorf("bad DimSize %q", value)
			}
		case "ElementSpacing", "ElementSize":
			if hdr.spacing, err = parseFloats(value); err != nil {
				return nil, fmt.Errorf("bad %s %q", key, value)
			}
		case "ElementType":
			hdr.element = value
		case "ElementNumberOfChannels":
			if hdr.channels, err = strconv.Atoi(value); err != nil {
				return nil, fmt.Errorf("bad ElementNumberOfChannels %q", value)
			}
		case "BinaryDataByteOrderMSB", "ElementByteOrderMSB", "ByteOrderMSB":
			hdr.bigEndian = strings.EqualFold(value, "true")
		case "CompressedData":
			hdr.compressed = strings.EqualFold(value, "true")
		case "ElementDataFile":
			hdr.dataFile = value
			if ndims != 0 && ndims != len(hdr.dims) {
				return nil, fmt.Errorf("NDims %d does not match DimSize %v", ndims, hdr.dims)
			}
			if len(hdr.dims) < 2 || len(hdr.dims) > 3 {
				return nil, fmt.Errorf("%d dimensions: %w", len(hdr.dims), ErrUnsupported)
			}
			return hdr, nil
		}
	}
}

// newVolume allocates a volume from 2 or 3 dimension sizes
func newVolume(dims []int, spacing []float64) *models.Volume {
	depth := 1
	if len(dims) > 2 {
		depth = dims[2]
	}
	vol := models.NewVolume(dims[0], dims[1], depth)
	if len(spacing) > 0 {
		vol.VoxelSize.X = spacing[0]
	}
	if len(spacing) > 1 {
		vol.VoxelSize.Y = spacing[1]
	}
	if len(spacing) > 2 {
		vol.VoxelSize.Z = spacing[2]
	}
	return vol
}

func parseInts(s string) ([]int, error) {
	fields := strings.Fields(s)
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("bad size %q", f)
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// WriteMetaImage stores vol as MET_DOUBLE little-endian voxels. A .mhd path
// gets a detached .raw data file next to it; anything else is written as a
// single .mha file. compress deflates the voxel data with zlib.
func WriteMetaImage(path string, vol *models.Volume, compress bool) (err error) {
	var payload bytes.Buffer
	var w io.Writer = &payload
	var zw *zlib.Writer
	if compress {
		zw = zlib.NewWriter(&payload)
		w = zw
	}
	buf := make([]byte, 8)
	for _, v := range vol.Data {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}

	dataFile := "LOCAL"
	detached := strings.EqualFold(filepath.Ext(path), ".mhd")
	if detached {
		dataFile = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".raw"
		if err := os.WriteFile(filepath.Join(filepath.Dir(path), dataFile), payload.Bytes(), 0644); err != nil {
			return err
		}
	}

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
	fmt.Fprintf(bw, "ObjectType = Image\n")
	fmt.Fprintf(bw, "NDims = 3\n")
	fmt.Fprintf(bw, "BinaryData = True\n")
	fmt.Fprintf(bw, "BinaryDataByteOrderMSB = False\n")
	fmt.Fprintf(bw, "CompressedData = %s\n", metaBool(compress))
	if compress {
		fmt.Fprintf(bw, "CompressedDataSize = %d\n", payload.Len())
	}
	fmt.Fprintf(bw, "ElementSpacing = %g %g %g\n", vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z)
	fmt.Fprintf(bw, "DimSize = %d %d %d\n", vol.Width, vol.Height, vol.Depth)
	fmt.Fprintf(bw, "ElementType = MET_DOUBLE\n")
	fmt.Fprintf(bw, "ElementDataFile = %s\n", dataFile)
	if !detached {
		if _, err := bw.Write(payload.Bytes()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func metaBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
