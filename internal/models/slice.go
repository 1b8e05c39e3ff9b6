package models

import (
	"gonum.org/v1/gonum/mat"
)

// Volume represents a 3D MRI volume (scan or ground-truth mask)
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	// (x fastest, then y, then z)
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the number of slices in the volume
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zeroed volume of the given dimensions
func NewVolume(width, height, depth int) *Volume {
	v := &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 1
	return v
}

// At returns the voxel value at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[z*v.Width*v.Height+y*v.Width+x]
}

// Set stores a voxel value at (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[z*v.Width*v.Height+y*v.Width+x] = value
}

// SameShape reports whether two volumes have identical dimensions
func (v *Volume) SameShape(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Plane returns a copy of the 2D slice at depth z as a Height x Width matrix.
func (v *Volume) Plane(z int) *mat.Dense {
	size := v.Width * v.Height
	data := make([]float64, size)
	copy(data, v.Data[z*size:(z+1)*size])
	return mat.NewDense(v.Height, v.Width, data)
}

// Subject pairs one subject's scan for a pulse sequence with its ground truth
type Subject struct {
	// Name identifies the subject, e.g. "HGG/brats_2013_pat0001_1"
	Name string

	// ScanPath is the volume for the requested pulse sequence
	ScanPath string

	// TruthPath is the voxel-aligned segmentation mask
	TruthPath string
}

// SliceRef records where a flattened slice came from
type SliceRef struct {
	Subject      string
	SubjectIndex int
	Depth        int
}

// Split holds the four parallel train/test collections
type Split struct {
	TrainX []*mat.Dense
	TrainY []*mat.Dense
	TestX  []*mat.Dense
	TestY  []*mat.Dense
}

// Len returns the total number of slices across both partitions
func (s *Split) Len() int {
	return len(s.TrainX) + len(s.TestX)
}
