package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"brainslices/internal/models"
	"brainslices/pkg/config"
	"brainslices/pkg/container"
	"brainslices/pkg/normalize"
	"brainslices/pkg/volume"
)

// writeDataset lays out subjects with a T2 scan and an OT mask each
func writeDataset(t *testing.T, subjects ...string) string {
	t.Helper()
	root := t.TempDir()
	for i, name := range subjects {
		scan := models.NewVolume(6, 5, 4)
		truth := models.NewVolume(6, 5, 4)
		for j := range scan.Data {
			scan.Data[j] = float64((i+1)*j%37 + j)
			truth.Data[j] = float64(j % 3)
		}
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, volume.WriteMetaImage(filepath.Join(dir, "VSD.Brain.XX.O.MR_T2.1.mha"), scan, false))
		require.NoError(t, volume.WriteMetaImage(filepath.Join(dir, "VSD.Brain_3more.XX.O.OT.1.mha"), truth, false))
	}
	// a subject without ground truth is reported and skipped
	orphan := filepath.Join(root, "LGG", "orphan")
	require.NoError(t, os.MkdirAll(orphan, 0755))
	require.NoError(t, volume.WriteMetaImage(filepath.Join(orphan, "VSD.Brain.XX.O.MR_T2.9.mha"), models.NewVolume(6, 5, 4), false))
	return root
}

func testConfig(t *testing.T, root string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Data.Root = root
	cfg.Dataset.Seed = 3
	cfg.Output.Container = filepath.Join(t.TempDir(), "out", "slices.npz")
	cfg.Output.Verbose = false
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Output.Container), 0755))
	return cfg
}

func TestRun(t *testing.T) {
	root := writeDataset(t, "HGG/pat1", "HGG/pat2")
	cfg := testConfig(t, root)
	cfg.Normalization.Enabled = true
	cfg.Preview.Enabled = true
	cfg.Preview.Transform = "zscore"
	cfg.Preview.Scan, cfg.Preview.Slice = 1, 2
	cfg.Preview.Path = filepath.Join(t.TempDir(), "preview.png")
	slicesDir := filepath.Join(t.TempDir(), "slices")

	require.NoError(t, run(context.Background(), cfg, true, slicesDir))

	trainX, testX, trainY, testY, err := container.Load(cfg.Output.Container)
	require.NoError(t, err)
	// 2 subjects x 4 slices, ceil(0.2 * 8) = 2 in test
	assert.Len(t, testX, 2)
	assert.Len(t, testY, 2)
	assert.Len(t, trainX, 6)
	assert.Len(t, trainY, 6)

	// normalized slices have zero mean
	assert.InDelta(t, 0, mat.Sum(trainX[0])/30, 1e-9)

	assert.FileExists(t, cfg.Preview.Path)
	assert.FileExists(t, filepath.Join(slicesDir, "HGG", "pat2", "slice_z_003.jpg"))
}

func TestRunQuietWhenNotVerbose(t *testing.T) {
	var logged bytes.Buffer
	log.SetOutput(&logged)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	cfg := testConfig(t, writeDataset(t, "HGG/pat1"))
	require.NoError(t, run(context.Background(), cfg, false, ""))
	// only the unpaired-subject warning is printed
	assert.NotContains(t, logged.String(), "Recorded build")
	assert.Contains(t, logged.String(), "LGG/orphan")

	logged.Reset()
	cfg.Output.Verbose = true
	require.NoError(t, run(context.Background(), cfg, false, ""))
	assert.Contains(t, logged.String(), "Recorded build")
}

func TestRunPreviewOutOfRange(t *testing.T) {
	cfg := testConfig(t, writeDataset(t, "HGG/pat1"))
	cfg.Preview.Enabled = true
	cfg.Preview.Scan = 5
	cfg.Preview.Path = filepath.Join(t.TempDir(), "preview.png")

	err := run(context.Background(), cfg, false, "")
	assert.Error(t, err)
	assert.NoFileExists(t, cfg.Output.Container)
}

func TestRunEmptyRoot(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	assert.Error(t, run(context.Background(), cfg, false, ""))
}

func TestNormalizeSplitKeepsLabels(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	y := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	split := &models.Split{TrainX: []*mat.Dense{x}, TrainY: []*mat.Dense{y}}

	cfg := config.DefaultConfig()
	out, err := normalizeSplit(split, cfg)
	require.NoError(t, err)
	assert.Same(t, y, out.TrainY[0])
	assert.NotSame(t, x, out.TrainX[0])
	assert.Equal(t, 1.0, x.At(0, 0))

	flat := models.Split{TrainX: []*mat.Dense{mat.NewDense(2, 2, nil)}, TrainY: []*mat.Dense{y}}
	_, err = normalizeSplit(&flat, cfg)
	assert.True(t, errors.Is(err, normalize.ErrDegenerateSlice))
}
