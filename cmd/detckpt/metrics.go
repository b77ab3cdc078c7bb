package main

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/firedet/detrain/plots"
)

func metrics(saveDir string) {
	trainingMetricsPath := path.Join(saveDir, plots.TrainingPlotFileName)
	points := must.M1(plots.LoadPoints(trainingMetricsPath))
	if len(points) == 0 {
		klog.Errorf("No metrics found in %q", trainingMetricsPath)
	}
	fmt.Println(titleStyle.Render("Metrics"))

	metricsNames := splitToSet(*flagMetricsNames)
	metricsTypes := splitToSet(*flagMetricsTypes)
	metricsUsed := make(map[string]bool)
	for _, point := range points {
		if metricsNames != nil || metricsTypes != nil {
			if !metricsNames[point.MetricName] && !metricsTypes[point.MetricType] {
				continue
			}
		}
		metricsUsed[point.MetricName] = true
	}

	// Map metric name to position in row, starting from 1 (position 0 is
	// for the step). The user-given order wins, the rest is alphabetical.
	metricsOrder := make(map[string]int)
	nextPos := 1
	if *flagMetricsNames != "" {
		for _, name := range strings.Split(*flagMetricsNames, ",") {
			if metricsUsed[name] {
				metricsOrder[name] = nextPos
				nextPos++
			}
		}
	}
	remaining := make([]string, 0, len(metricsUsed))
	for name := range metricsUsed {
		if _, found := metricsOrder[name]; !found {
			remaining = append(remaining, name)
		}
	}
	slices.Sort(remaining)
	for _, name := range remaining {
		metricsOrder[name] = nextPos
		nextPos++
	}

	table := newPlainTable(true)
	header := make([]string, 1+len(metricsUsed))
	header[0] = "Step"
	for name, idx := range metricsOrder {
		header[idx] = name
	}
	table.Row(header...)

	currentStep := int64(-1)
	var currentRow []string
	for _, point := range points {
		step := int64(point.Step)
		if step != currentStep {
			if currentStep != -1 {
				table.Row(currentRow...)
			}
			currentStep = step
			currentRow = make([]string, 1+len(metricsUsed))
			currentRow[0] = humanize.Comma(step)
		}
		if idx, found := metricsOrder[point.MetricName]; found {
			currentRow[idx] = fmt.Sprintf("%f", point.Value)
		}
	}
	if currentStep != -1 {
		table.Row(currentRow...)
	}
	fmt.Println(table.Render())
}

func splitToSet(list string) map[string]bool {
	if list == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, name := range strings.Split(list, ",") {
		set[name] = true
	}
	return set
}
