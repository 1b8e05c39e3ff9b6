// Package discovery walks a BraTS-style dataset directory and classifies
// every volume file by subject and pulse sequence.
package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"brainslices/pkg/volume"
)

// GroundTruth is the sequence name given to segmentation masks
const GroundTruth = "gt"

// ErrUnknownSequence is returned for pulse sequence names that are not recognised
var ErrUnknownSequence = errors.New("unknown pulse sequence")

// sequenceTokens maps filename tokens onto canonical sequence names.
// BraTS 2013-2015 names files like VSD.Brain.XX.O.MR_T2.54515.mha and
// VSD.Brain_3more.XX.O.OT.54517.mha; later releases use Brats18_..._t2.nii.gz
// and Brats18_..._seg.nii.gz.
var sequenceTokens = map[string]string{
	"t1":    "t1",
	"t1c":   "t1c",
	"t1ce":  "t1c",
	"t1gd":  "t1c",
	"t2":    "t2",
	"flair": "flair",
	"ot":    GroundTruth,
	"seg":   GroundTruth,
	"gt":    GroundTruth,
}

// File is one classified volume on disk
type File struct {
	Subject  string
	Sequence string
	Path     string
}

// CanonicalSequence maps a user supplied sequence name (any case, common
// aliases) onto the name used by the catalog.
func CanonicalSequence(name string) (string, error) {
	seq, ok := sequenceTokens[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("%q: %w", name, ErrUnknownSequence)
	}
	return seq, nil
}

// DetectSequence returns the sequence encoded in a file or directory name,
// or "" when the name carries none.
func DetectSequence(name string) string {
	tokens := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		if seq, ok := sequenceTokens[tok]; ok {
			return seq
		}
	}
	return ""
}

// Discover walks root and returns every recognised volume, sorted by
// subject then sequence.
func Discover(root string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || volume.Format(path) == "" {
			return nil
		}
		seq := DetectSequence(d.Name())
		if seq == "" {
			return nil
		}
		subject, err := subjectOf(root, path)
		if err != nil {
			return err
		}
		files = append(files, File{Subject: subject, Sequence: seq, Path: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Subject != files[j].Subject {
			return files[i].Subject < files[j].Subject
		}
		if files[i].Sequence != files[j].Sequence {
			return files[i].Sequence < files[j].Sequence
		}
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// PathList returns the paths of one sequence ordered by subject, truncated
// to limit entries when limit > 0.
func PathList(root, sequence string, limit int) ([]string, error) {
	seq, err := CanonicalSequence(sequence)
	if err != nil {
		return nil, err
	}
	files, err := Discover(root)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, f := range files {
		if f.Sequence != seq {
			continue
		}
		paths = append(paths, f.Path)
		if limit > 0 && len(paths) == limit {
			break
		}
	}
	return paths, nil
}

// subjectOf climbs from the file towards root, skipping directories that
// are themselves named after a sequence, and returns the first remaining
// directory relative to root.
func subjectOf(root, path string) (string, error) {
	dir := filepath.Dir(path)
	for {
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return "", err
		}
		if rel == "." || DetectSequence(filepath.Base(dir)) == "" {
			return filepath.ToSlash(rel), nil
		}
		dir = filepath.Dir(dir)
	}
}
