package dataset

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeImages creates n fake numbered jpg files plus matching xml annotations.
func makeImages(t *testing.T, root string, n int) (imagesDir, annotationsDir string) {
	t.Helper()
	imagesDir = filepath.Join(root, "images")
	annotationsDir = filepath.Join(root, "annotations")
	must.M(os.MkdirAll(imagesDir, 0770))
	must.M(os.MkdirAll(annotationsDir, 0770))
	for i := 0; i < n; i++ {
		name := filepath.Join(imagesDir, strconv.Itoa(i)+".jpg")
		must.M(os.WriteFile(name, []byte("jpg"), 0660))
		must.M(os.WriteFile(filepath.Join(annotationsDir, strconv.Itoa(i)+".xml"), []byte("<annotation/>"), 0660))
	}
	return
}

func TestBuildPairListAndSplits(t *testing.T) {
	root := t.TempDir()
	imagesDir, annotationsDir := makeImages(t, root, 10)

	pairs, err := BuildPairList(imagesDir, annotationsDir)
	require.NoError(t, err)
	require.Len(t, pairs, 10)
	assert.Equal(t, filepath.Join(imagesDir, "0.jpg"), pairs[0].Image)
	assert.Equal(t, filepath.Join(annotationsDir, "0.xml"), pairs[0].Annotation)

	// Shuffling with the same seed is deterministic.
	shuffled := append([]Pair(nil), pairs...)
	Shuffle(shuffled, 100)
	again := append([]Pair(nil), pairs...)
	Shuffle(again, 100)
	assert.Equal(t, shuffled, again)

	trainvalPath := filepath.Join(root, "trainval.txt")
	testPath := filepath.Join(root, "test.txt")
	require.NoError(t, WriteSplits(shuffled, 0.9, trainvalPath, testPath))

	trainval, err := ReadList(trainvalPath)
	require.NoError(t, err)
	test, err := ReadList(testPath)
	require.NoError(t, err)
	assert.Len(t, trainval, 9)
	assert.Len(t, test, 1)

	// No sample lost or duplicated across the splits.
	seen := make(map[string]bool)
	for _, pair := range append(trainval, test...) {
		assert.False(t, seen[pair.Image], "duplicated %q", pair.Image)
		seen[pair.Image] = true
	}
	assert.Len(t, seen, 10)
}

func TestWriteSplitsBadRatio(t *testing.T) {
	err := WriteSplits(nil, 1.5, "a", "b")
	require.Error(t, err)
}

func TestReadListBackslashes(t *testing.T) {
	listPath := filepath.Join(t.TempDir(), "trainval.txt")
	content := `fireOrigin\images\600.jpg fireOrigin\annotations\600.xml

fireOrigin/images/601.jpg
`
	require.NoError(t, os.WriteFile(listPath, []byte(content), 0660))

	pairs, err := ReadList(listPath)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "fireOrigin/images/600.jpg", pairs[0].Image)
	assert.Equal(t, "fireOrigin/annotations/600.xml", pairs[0].Annotation)
	assert.Equal(t, "fireOrigin/images/601.jpg", pairs[1].Image)
	assert.Empty(t, pairs[1].Annotation)
}

func TestTransferRaw(t *testing.T) {
	root := t.TempDir()
	rawDir := filepath.Join(root, "rawImg")
	destDir := filepath.Join(root, "fireOrigin", "images")
	must.M(os.MkdirAll(rawDir, 0770))
	for _, name := range []string{"IMG_0042.jpeg", "IMG_0007.jpeg", "capture.png"} {
		must.M(os.WriteFile(filepath.Join(rawDir, name), []byte(name), 0660))
	}

	renamed, err := TransferRaw(rawDir, destDir, 600)
	require.NoError(t, err)
	assert.Equal(t, []string{"600.jpg", "601.jpg", "602.jpg"}, renamed)

	// Renaming follows sorted source order, so IMG_0007.jpeg becomes 600.jpg.
	data, err := os.ReadFile(filepath.Join(destDir, "600.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "IMG_0007.jpeg", string(data))

	entries, err := os.ReadDir(rawDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "raw directory is drained")
}

func TestTransferRawRefusesOverwrite(t *testing.T) {
	root := t.TempDir()
	rawDir := filepath.Join(root, "raw")
	destDir := filepath.Join(root, "images")
	must.M(os.MkdirAll(rawDir, 0770))
	must.M(os.MkdirAll(destDir, 0770))
	must.M(os.WriteFile(filepath.Join(rawDir, "a.png"), []byte("a"), 0660))
	must.M(os.WriteFile(filepath.Join(destDir, "600.jpg"), []byte("existing"), 0660))

	_, err := TransferRaw(rawDir, destDir, 600)
	require.Error(t, err)
}

func TestSplitImages(t *testing.T) {
	root := t.TempDir()
	imagesDir, annotationsDir := makeImages(t, root, 4)
	pairs := must.M1(BuildPairList(imagesDir, annotationsDir))

	listPath := filepath.Join(root, "trainval.txt")
	require.NoError(t, WriteSplits(pairs, 1.0, listPath, filepath.Join(root, "test.txt")))

	destDir := filepath.Join(root, "train_fire")
	require.NoError(t, SplitImages(listPath, root, destDir, false))

	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.True(t, FileExists(filepath.Join(destDir, "0.jpg")))
}
