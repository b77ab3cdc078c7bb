package main

import (
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/firedet/detrain/dataset"
)

var flagStartIndex int

var transferRawCmd = &cobra.Command{
	Use:   "transfer-raw <raw_dir> <dest_dir>",
	Short: "Rename raw camera images into sequentially numbered jpg files",
	Long: `transfer-raw walks the raw directory in sorted order and copies every
image into the destination directory as "<n>.jpg", numbering from the start
index. Existing destination files are never overwritten.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		renamed, err := dataset.TransferRaw(
			dataset.ReplaceTildeInDir(args[0]),
			dataset.ReplaceTildeInDir(args[1]),
			flagStartIndex)
		if err != nil {
			return err
		}
		klog.Infof("transferred %d images into %q", len(renamed), args[1])
		return nil
	},
}

func init() {
	transferRawCmd.Flags().IntVar(&flagStartIndex, "start", 600,
		"Index of the first renamed image.")
	rootCmd.AddCommand(transferRawCmd)
}
