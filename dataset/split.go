package dataset

import (
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// SplitImages copies the image of every line of a list file into destDir,
// flattening the paths to their base names. Image paths in the list are
// resolved relative to listRoot when they are not absolute. When showProgress
// is set, a progress bar over the file count is displayed.
//
// This converts a VOC-style list layout into the flat per-split image
// directories a COCO-style dataset expects.
func SplitImages(listPath, listRoot, destDir string, showProgress bool) error {
	pairs, err := ReadList(listPath)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(destDir, 0770); err != nil {
		return errors.Wrapf(err, "failed to create split directory %q", destDir)
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(pairs),
			progressbar.OptionSetDescription("copying"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
	}
	for _, pair := range pairs {
		src := pair.Image
		if !filepath.IsAbs(src) {
			src = filepath.Join(listRoot, src)
		}
		dst := filepath.Join(destDir, path.Base(pair.Image))
		if err = copyFile(src, dst); err != nil {
			return errors.WithMessagef(err, "splitting list %q", listPath)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return nil
}
