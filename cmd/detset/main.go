// detset prepares VOC-style detection datasets: it builds the image and
// annotation pair lists, splits them into trainval/test sets, renames raw
// camera dumps into sequentially numbered images, and copies the images of a
// list into a separate directory.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var rootCmd = &cobra.Command{
	Use:           "detset",
	Short:         "Prepare VOC-style detection datasets",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	klog.InitFlags(nil)
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}
