package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TransferRaw renames every file in rawDir into destDir as
// "<index>.jpg", with index counting up from startIndex in the sorted order
// of the original names. It returns the new file names.
//
// This is how freshly collected captures are folded into an existing numbered
// image directory without colliding with the images already there.
func TransferRaw(rawDir, destDir string, startIndex int) ([]string, error) {
	entries, err := os.ReadDir(rawDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list raw images directory %q", rawDir)
	}
	if err = os.MkdirAll(destDir, 0770); err != nil {
		return nil, errors.Wrapf(err, "failed to create destination directory %q", destDir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	renamed := make([]string, 0, len(names))
	index := startIndex
	for _, name := range names {
		newName := fmt.Sprintf("%d.jpg", index)
		oldPath := filepath.Join(rawDir, name)
		newPath := filepath.Join(destDir, newName)
		if FileExists(newPath) {
			return renamed, errors.Errorf("destination %q already exists, refusing to overwrite", newPath)
		}
		if err = os.Rename(oldPath, newPath); err != nil {
			return renamed, errors.Wrapf(err, "failed to rename %q to %q", oldPath, newPath)
		}
		klog.V(1).Infof("renamed %q -> %q", name, newName)
		renamed = append(renamed, newName)
		index++
	}
	return renamed, nil
}
