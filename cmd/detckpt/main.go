// detckpt inspects a training save directory: the saved models, their
// evaluation states, the train_results.json record and the training curves.
//
// Usage:
//
//	detckpt -summary -states <save_dir>
//	detckpt -metrics -metrics_types=loss <save_dir>
package main

import (
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", false, "Display a summary of each save: weight entries, parameters and bytes.")
	flagStates  = flag.Bool("states", false, "Lists the evaluation states recorded for each save.")
	flagResults = flag.Bool("results", false, "Displays the train_results.json record of the run.")
	flagMetrics = flag.Bool("metrics", false, "Lists the training curves collected in the plot points file.")

	flagMetricsNames = flag.String("metrics_names", "", "Comma-separated list of metric names to include in the metrics report.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separated list of metric types to include in the metrics report.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing save directory to read from. See 'detckpt -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'detckpt -help'.")
		os.Exit(1)
	}
	if !*flagSummary && !*flagStates && !*flagResults && !*flagMetrics {
		fmt.Println("Nothing to report: select at least one of -summary, -states, -results or -metrics.")
		os.Exit(1)
	}
	report(args[0])
}

func report(saveDir string) {
	if *flagSummary {
		summary(saveDir)
	}
	if *flagStates {
		states(saveDir)
	}
	if *flagResults {
		trainResults(saveDir)
	}
	if *flagMetrics {
		metrics(saveDir)
	}
}
