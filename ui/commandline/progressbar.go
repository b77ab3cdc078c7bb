// Package commandline implements the rich terminal display of a training
// run: a progress bar over the total number of steps plus an asynchronously
// refreshed table of the smoothed loss meters.
package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/firedet/detrain/engine"
)

// ExtraMetricFn is any function that will give extra values to display along
// the progress bar. It is called at each update of the progress bar and
// should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, but it
// requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display
// of stats.
const maxUpdateFrequency = time.Millisecond * 200

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// ProgressBar is the callback driving the display. Create it with
// NewProgressBar and attach it to the training loop along with the other
// callbacks.
type ProgressBar struct {
	engine.CallbackBase
	trainer engine.Trainer

	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	totalAmount      int

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// NewProgressBar creates the progress bar callback for the trainer.
//
// Optionally, one can provide extraMetrics: functions that are called at
// every update of the progress bar and should return a name (title) and a
// value to be included in the updated print-out.
func NewProgressBar(trainer engine.Trainer, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		trainer:        trainer,
		isFirstOutput:  true,
		extraMetricFns: extraMetrics,
	}
	pBar.termenv = termenv.NewOutput(os.Stdout)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	return pBar
}

func (pBar *ProgressBar) OnTrainBegin(status *engine.Status) error {
	cfg := pBar.trainer.Config()
	pBar.numSteps = cfg.Epoch * pBar.trainer.StepsPerEpoch()
	if pBar.numSteps <= 0 {
		pBar.numSteps = 1000 // Guess for now.
	}
	pBar.lastStepReported = status.IterID
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	// Asynchronously draw updates: this is handy if the training is faster
	// than the terminal, in particular if running on cloud, with a
	// relatively slow network connection.
	go pBar.drawUpdates()
	return nil
}

func (pBar *ProgressBar) OnStepEnd(status *engine.Status) error {
	if status.Mode != engine.ModeTrain || pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	// +1 because the current iteration is finished.
	amount := status.IterID + 1 - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}

	update := progressBarUpdate{
		amount: amount,
		rows: [][2]string{
			{"Global Step", fmt.Sprintf("%s of %s", humanizeInt(status.IterID+1), humanizeInt(pBar.numSteps))},
			{"Epoch", fmt.Sprintf("%d of %d", status.EpochID+1, pBar.trainer.Config().Epoch)},
			{"Median train step duration", FormatDuration(
				time.Duration(status.BatchTime.Median() * float64(time.Second)))},
		},
	}
	for _, name := range status.Meters.Names() {
		update.rows = append(update.rows,
			[2]string{name, fmt.Sprintf("%.4f", status.Meters.Meter(name).Median())})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	pBar.updates <- update

	pBar.totalAmount += amount
	pBar.lastStepReported = status.IterID + 1
	return nil
}

func (pBar *ProgressBar) OnTrainEnd(*engine.Status) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
	return nil
}

func (pBar *ProgressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// For command-line, we clear the previous lines that will be
		// overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := len(update.rows) + 2 + 2
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		// Print update.
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func humanizeInt[I interface {
	uint64 | uint32 | uint16 | uint8 | int64 | int32 | int16 | int8 | int
}](nI I) string {
	n := int(nI)
	str := fmt.Sprintf("%d", n)
	result := make([]byte, 0, len(str)+len(str)/3)
	strLen := len(str)
	for i := strLen - 1; i >= 0; i-- {
		if (strLen-i-1)%3 == 0 && i < strLen-1 {
			result = append([]byte{'_'}, result...)
		}
		result = append([]byte{str[i]}, result...)
	}
	return string(result)
}
