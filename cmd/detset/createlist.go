package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/firedet/detrain/dataset"
)

var (
	flagImagesDir      string
	flagAnnotationsDir string
	flagRatio          float64
	flagSeed           int64
)

var createListCmd = &cobra.Command{
	Use:   "create-list <dataset_dir>",
	Short: "Build shuffled trainval.txt and test.txt lists from a VOC-style dataset",
	Long: `create-list pairs every image under the images directory with its XML
annotation, shuffles the pairs with a fixed seed so the split is reproducible,
and writes the first ratio of them to trainval.txt and the rest to test.txt,
both inside the dataset directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		datasetDir := dataset.ReplaceTildeInDir(args[0])
		pairs, err := dataset.BuildPairList(
			filepath.Join(datasetDir, flagImagesDir),
			filepath.Join(datasetDir, flagAnnotationsDir))
		if err != nil {
			return err
		}
		dataset.Shuffle(pairs, flagSeed)
		trainvalPath := filepath.Join(datasetDir, "trainval.txt")
		testPath := filepath.Join(datasetDir, "test.txt")
		if err = dataset.WriteSplits(pairs, flagRatio, trainvalPath, testPath); err != nil {
			return err
		}
		klog.Infof("%d pairs split into %q and %q (ratio %g)",
			len(pairs), trainvalPath, testPath, flagRatio)
		return nil
	},
}

func init() {
	createListCmd.Flags().StringVar(&flagImagesDir, "images", "JPEGImages",
		"Images subdirectory within the dataset directory.")
	createListCmd.Flags().StringVar(&flagAnnotationsDir, "annotations", "Annotations",
		"Annotations subdirectory within the dataset directory.")
	createListCmd.Flags().Float64Var(&flagRatio, "ratio", 0.9,
		"Fraction of the pairs going to trainval.txt, the rest goes to test.txt.")
	createListCmd.Flags().Int64Var(&flagSeed, "seed", 0,
		"Seed of the shuffle, fixed so the split is reproducible.")
	rootCmd.AddCommand(createListCmd)
}
