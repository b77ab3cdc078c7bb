package main

import (
	"github.com/spf13/cobra"

	"github.com/firedet/detrain/dataset"
)

var flagListRoot string

var splitImagesCmd = &cobra.Command{
	Use:   "split-images <list_file> <dest_dir>",
	Short: "Copy the images named in a list file into a separate directory",
	Long: `split-images reads a trainval.txt or test.txt list and copies every
image it names into the destination directory, so a subset of the dataset can
be packaged on its own. Paths in the list are resolved against --root.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dataset.SplitImages(
			dataset.ReplaceTildeInDir(args[0]),
			dataset.ReplaceTildeInDir(flagListRoot),
			dataset.ReplaceTildeInDir(args[1]),
			true)
	},
}

func init() {
	splitImagesCmd.Flags().StringVar(&flagListRoot, "root", ".",
		"Directory the list's image paths are relative to.")
	rootCmd.AddCommand(splitImagesCmd)
}
