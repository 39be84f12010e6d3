// Command kmon is a read-only debug console: it attaches to a live
// internal/kernel.Kernel and renders the task table, ready queue, and
// virtqueue status on a periodic refresh, off the boot path.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/copland-os/copland/internal/kernel"
)

var (
	app      *tview.Application
	taskList *tview.List
	queueBox *tview.TextView
	logPane  *tview.TextView

	refreshInterval = 500 * time.Millisecond
)

func buildGrid() *tview.Grid {
	taskList = tview.NewList().ShowSecondaryText(true)
	taskList.SetBorder(true).SetTitle("Tasks")

	queueBox = tview.NewTextView().SetChangedFunc(func() { app.Draw() })
	queueBox.SetBorder(true).SetTitle("Virtqueue")

	logPane = tview.NewTextView().SetChangedFunc(func() { app.Draw() })
	logPane.SetBorder(true).SetTitle("Log").SetScrollable(true)

	help := tview.NewTextView()
	help.SetBorder(true)
	help.Write([]byte("Ctrl-C: Quit"))

	return tview.NewGrid().
		SetRows(0, 4).
		SetColumns(0, 0).
		AddItem(taskList, 0, 0, 1, 1, 0, 0, true).
		AddItem(queueBox, 0, 1, 1, 1, 0, 0, false).
		AddItem(logPane, 1, 0, 1, 2, 0, 0, false).
		AddItem(help, 2, 0, 1, 2, 0, 0, false)
}

// refresh repaints the task list and queue pane from a live snapshot,
// the same "walk the tracked set, rewrite pane contents, Draw" shape
// gravwell's jobUpdater uses for its jobs pane.
func refresh(k *kernel.Kernel) {
	cur := k.CurrentTaskID()
	taskList.Clear()
	for _, t := range k.TaskSnapshot() {
		marker := " "
		if t.ID == cur {
			marker = "*"
		}
		taskList.AddItem(fmt.Sprintf("%s task %d: %s", marker, t.ID, t.Name), t.State.String(), 0, nil)
	}
	queueBox.Clear()
	queueBox.Write([]byte(k.QueueSummary()))
	app.Draw()
}

func updater(k *kernel.Kernel, done <-chan struct{}) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			refresh(k)
		}
	}
}

func run(boardPath string) error {
	done := make(chan struct{})
	app = tview.NewApplication()
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC {
			close(done)
			app.Stop()
			return nil
		}
		return event
	})

	grid := buildGrid()

	// Route the kernel's trace log into logPane before Boot runs, the
	// same way gravwell's gui.go wires lg.AddWriter(logPane) before its
	// jobs start producing log lines.
	k := kernel.Instance(boardPath)
	k.Log.SetOutput(logPane)
	k.Boot()
	go k.Idle()

	refresh(k)
	go updater(k, done)

	return app.SetRoot(grid, true).Run()
}

func main() {
	boardPath := flag.String("board", "boards/virt.yaml", "board descriptor YAML path")
	flag.Parse()

	if err := run(*boardPath); err != nil {
		panic(err)
	}
}
