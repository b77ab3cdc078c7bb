// Package dataset implements the dataset-preparation utilities: building
// image/annotation list files, splitting them into train/test sets, renaming
// raw captures into a sequential layout, and copying images per split.
//
// List files are line-oriented, one sample per line:
//
//	<image path> <annotation path>
//
// the format consumed by VOC-style detection readers.
package dataset

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pair is one dataset sample: an image and its annotation file.
type Pair struct {
	Image      string
	Annotation string
}

// BuildPairList pairs every image in imagesDir with its annotation in
// annotationsDir, mapping the image extension to ".xml". Images without a
// matching annotation file are kept (the reader decides how to handle them)
// but logged as warnings. Pairs are returned sorted by image name.
func BuildPairList(imagesDir, annotationsDir string) ([]Pair, error) {
	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images directory %q", imagesDir)
	}
	pairs := make([]Pair, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		annotation := filepath.Join(annotationsDir, strings.TrimSuffix(name, ext)+".xml")
		if !FileExists(annotation) {
			klog.Warningf("image %q has no annotation file %q", name, annotation)
		}
		pairs = append(pairs, Pair{
			Image:      filepath.Join(imagesDir, name),
			Annotation: annotation,
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Image < pairs[j].Image })
	return pairs, nil
}

// Shuffle reorders pairs in place, deterministically for a given seed.
func Shuffle(pairs []Pair, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(pairs), func(i, j int) {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	})
}

// WriteSplits writes the first ratio portion of pairs to trainvalPath and the
// remainder to testPath.
func WriteSplits(pairs []Pair, ratio float64, trainvalPath, testPath string) error {
	if ratio < 0 || ratio > 1 {
		return errors.Errorf("split ratio must be in [0, 1], got %g", ratio)
	}
	cut := int(ratio * float64(len(pairs)))
	if err := writeList(pairs[:cut], trainvalPath); err != nil {
		return err
	}
	return writeList(pairs[cut:], testPath)
}

func writeList(pairs []Pair, filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create list file %q", filePath)
	}
	w := bufio.NewWriter(f)
	for _, pair := range pairs {
		if _, err = fmt.Fprintf(w, "%s %s\n", pair.Image, pair.Annotation); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to write list file %q", filePath)
		}
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to flush list file %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close list file %q", filePath)
}

// ReadList parses a list file back into pairs. Backslash path separators (as
// produced by Windows-authored lists) are normalized to slashes. Blank lines
// are skipped; a line without an annotation column yields a Pair with an
// empty Annotation.
func ReadList(filePath string) ([]Pair, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open list file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var pairs []Pair
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		pair := Pair{Image: normalizePath(fields[0])}
		if len(fields) > 1 {
			pair.Annotation = normalizePath(fields[1])
		}
		pairs = append(pairs, pair)
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read list file %q", filePath)
	}
	return pairs, nil
}

func normalizePath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
