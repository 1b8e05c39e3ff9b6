package discovery

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touch creates an empty file and its parent directories
func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, nil, 0644))
}

// createBrats2015Tree lays out two subjects the way BRATS2015_Training does
func createBrats2015Tree(t *testing.T) string {
	root := t.TempDir()
	for _, pat := range []string{"brats_2013_pat0002_1", "brats_2013_pat0001_1"} {
		base := filepath.Join(root, "HGG", pat)
		touch(t, filepath.Join(base, "VSD.Brain.XX.O.MR_T2.1001", "VSD.Brain.XX.O.MR_T2.1001.mha"))
		touch(t, filepath.Join(base, "VSD.Brain.XX.O.MR_T1c.1002", "VSD.Brain.XX.O.MR_T1c.1002.mha"))
		touch(t, filepath.Join(base, "VSD.Brain.XX.O.MR_Flair.1003", "VSD.Brain.XX.O.MR_Flair.1003.mha"))
		touch(t, filepath.Join(base, "VSD.Brain_3more.XX.O.OT.1004", "VSD.Brain_3more.XX.O.OT.1004.mha"))
	}
	touch(t, filepath.Join(root, "HGG", "README.txt"))
	return root
}

func TestDetectSequence(t *testing.T) {
	testCases := []struct {
		name     string
		expected string
	}{
		{"VSD.Brain.XX.O.MR_T2.54515.mha", "t2"},
		{"VSD.Brain.XX.O.MR_T1.54512.mha", "t1"},
		{"VSD.Brain.XX.O.MR_T1c.54514.mha", "t1c"},
		{"VSD.Brain.XX.O.MR_Flair.54518.mha", "flair"},
		{"VSD.Brain_3more.XX.O.OT.54517.mha", "gt"},
		{"Brats18_2013_2_1_t1ce.nii.gz", "t1c"},
		{"Brats18_2013_2_1_seg.nii.gz", "gt"},
		{"Brats18_2013_2_1_flair.nii.gz", "flair"},
		{"brats_2013_pat0001_1", ""},
		{"HGG", ""},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, DetectSequence(tc.name), tc.name)
	}
}

func TestCanonicalSequence(t *testing.T) {
	seq, err := CanonicalSequence("T2")
	require.NoError(t, err)
	assert.Equal(t, "t2", seq)

	seq, err = CanonicalSequence(" T1ce ")
	require.NoError(t, err)
	assert.Equal(t, "t1c", seq)

	_, err = CanonicalSequence("dwi")
	assert.True(t, errors.Is(err, ErrUnknownSequence))
}

func TestDiscoverBrats2015(t *testing.T) {
	root := createBrats2015Tree(t)

	files, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, files, 8)

	var got []File
	for _, f := range files {
		if f.Sequence == "t2" || f.Sequence == GroundTruth {
			rel, err := filepath.Rel(root, f.Path)
			require.NoError(t, err)
			got = append(got, File{Subject: f.Subject, Sequence: f.Sequence, Path: filepath.ToSlash(rel)})
		}
	}

	want := []File{
		{"HGG/brats_2013_pat0001_1", "gt", "HGG/brats_2013_pat0001_1/VSD.Brain_3more.XX.O.OT.1004/VSD.Brain_3more.XX.O.OT.1004.mha"},
		{"HGG/brats_2013_pat0001_1", "t2", "HGG/brats_2013_pat0001_1/VSD.Brain.XX.O.MR_T2.1001/VSD.Brain.XX.O.MR_T2.1001.mha"},
		{"HGG/brats_2013_pat0002_1", "gt", "HGG/brats_2013_pat0002_1/VSD.Brain_3more.XX.O.OT.1004/VSD.Brain_3more.XX.O.OT.1004.mha"},
		{"HGG/brats_2013_pat0002_1", "t2", "HGG/brats_2013_pat0002_1/VSD.Brain.XX.O.MR_T2.1001/VSD.Brain.XX.O.MR_T2.1001.mha"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("discovered files mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoverFlatLayout(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "LGG", "Brats18_TCIA10_103_1", "Brats18_TCIA10_103_1_t2.nii.gz"))
	touch(t, filepath.Join(root, "LGG", "Brats18_TCIA10_103_1", "Brats18_TCIA10_103_1_seg.nii.gz"))

	files, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.Equal(t, "LGG/Brats18_TCIA10_103_1", f.Subject)
	}
}

func TestPathListLimit(t *testing.T) {
	root := createBrats2015Tree(t)

	scans, err := PathList(root, "T2", 1)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Contains(t, scans[0], "brats_2013_pat0001_1")

	truths, err := PathList(root, "gt", 0)
	require.NoError(t, err)
	assert.Len(t, truths, 2)

	_, err = PathList(root, "pd", 0)
	assert.Error(t, err)
}

func TestDiscoverMissingRoot(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
