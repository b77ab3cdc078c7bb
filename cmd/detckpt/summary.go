package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"

	"github.com/firedet/detrain/checkpoints"
)

// saveRef locates one save: its name and the directory its artifacts live
// in, which is a per-save subdirectory in uniform-output layouts.
type saveRef struct {
	name string
	dir  string
}

// listSaves scans the save directory for model saves, in both the flat and
// the uniform-output layout.
func listSaves(saveDir string) []saveRef {
	marker := checkpoints.ParamsSuffix + ".json"
	var saves []saveRef
	for _, entry := range must.M1(os.ReadDir(saveDir)) {
		if entry.IsDir() {
			name := entry.Name()
			if fileExists(filepath.Join(saveDir, name, name+marker)) {
				saves = append(saves, saveRef{name: name, dir: filepath.Join(saveDir, name)})
			}
			continue
		}
		if strings.HasSuffix(entry.Name(), marker) {
			name := strings.TrimSuffix(entry.Name(), marker)
			saves = append(saves, saveRef{name: name, dir: saveDir})
		}
	}
	sort.Slice(saves, func(i, j int) bool { return saves[i].name < saves[j].name })
	return saves
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func summary(saveDir string) {
	fmt.Println(titleStyle.Render("Saves"))
	table := newPlainTable(true)
	table.Row("Name", "Epoch", "# entries", "# parameters", "# bytes", "EMA", "Optimizer")
	for _, save := range listSaves(saveDir) {
		model, epoch, _ := must.M3(checkpoints.LoadStateDict(save.dir, save.name+checkpoints.ParamsSuffix))
		numParams := 0
		for _, entry := range model {
			numParams += entry.NumElements()
		}
		table.Row(save.name,
			fmt.Sprintf("%d", epoch),
			humanize.Comma(int64(len(model))),
			humanize.Comma(int64(numParams)),
			humanize.IBytes(uint64(model.NumBytes())),
			yesNo(fileExists(filepath.Join(save.dir, save.name+checkpoints.EMASuffix+".json"))),
			yesNo(fileExists(filepath.Join(save.dir, save.name+checkpoints.OptimizerSuffix+".json"))))
	}
	fmt.Println(table.Render())
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func states(saveDir string) {
	fmt.Println(titleStyle.Render("Evaluation states"))
	table := newPlainTable(true)
	table.Row("Name", "Metric", "Epoch")
	for _, save := range listSaves(saveDir) {
		statesPath := filepath.Join(save.dir, save.name+checkpoints.StatesSuffix)
		f, err := os.Open(statesPath)
		if err != nil {
			continue // Save taken without an eval pass.
		}
		var st checkpoints.States
		must.M(json.NewDecoder(f).Decode(&st))
		must.M(f.Close())
		table.Row(save.name, fmt.Sprintf("%.4f", st.Metric), fmt.Sprintf("%d", st.Epoch))
	}
	fmt.Println(table.Render())
}

func trainResults(saveDir string) {
	handler := must.M1(checkpoints.Build(saveDir).UniformOutput().Done())
	results := must.M1(handler.LoadTrainResults())
	fmt.Println(titleStyle.Render("Train results"))
	table := newPlainTable(false)
	table.Row("run_id", results.RunID)
	table.Row("done", yesNo(results.Done))
	fmt.Println(table.Render())

	table = newPlainTable(true)
	table.Row("Name", "Metric", "Epoch", "Saved at", "EMA")
	for _, info := range results.Models {
		table.Row(info.Name, fmt.Sprintf("%.4f", info.Metric),
			fmt.Sprintf("%d", info.Epoch),
			info.SavedAt.Format("2006-01-02 15:04:05"),
			yesNo(info.WithEMA))
	}
	fmt.Println(table.Render())
}
