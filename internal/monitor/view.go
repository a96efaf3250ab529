// Package monitor is the terminal status screen: the session headline,
// elapsed time and latest readings on the left, the log on the right, and
// on the hub a command line driving the coordinator.
package monitor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

type View struct {
	app       *tview.Application
	model     *Model
	onCommand func(line string) error
	logger    *log.Logger
	now       func() time.Time

	status  *tview.TextView
	logView *tview.TextView
	input   *tview.InputField
	root    *tview.Flex
}

// NewView lays out the screen. onCommand may be nil, in which case no
// command line is shown.
func NewView(app *tview.Application, model *Model, onCommand func(line string) error, logger *log.Logger) *View {
	if app == nil {
		panic("MonitorView: app cannot be nil")
	}
	if model == nil {
		panic("MonitorView: model cannot be nil")
	}
	if logger == nil {
		panic("MonitorView: logger cannot be nil")
	}
	v := &View{app: app, model: model, onCommand: onCommand, logger: logger, now: time.Now}
	v.build()
	return v
}

func (v *View) build() {
	v.status = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	v.status.SetBorder(true).SetTitle(" wristlink ")

	// No SetChangedFunc(app.Draw): writes after Stop would hang shutdown.
	v.logView = tview.NewTextView().
		SetDynamicColors(false).
		SetScrollable(false)
	v.logView.SetBorder(true).SetTitle(" Logs ")

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(v.status, 0, 1, false)

	if v.onCommand != nil {
		v.input = tview.NewInputField().
			SetLabel("> ").
			SetFieldWidth(0)
		v.input.SetDoneFunc(func(key tcell.Key) {
			if key != tcell.KeyEnter {
				return
			}
			line := v.input.GetText()
			v.input.SetText("")
			v.submit(line)
		})
		v.input.SetBorder(true).SetTitle(" start <name> | sample <logId> <set> | hr | velocity | end ")
		left.AddItem(v.input, 3, 0, true)
	}

	v.root = tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(v.logView, 0, 1, false)

	v.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			v.app.Stop()
			return nil
		}
		if v.input == nil && event.Key() == tcell.KeyRune && event.Rune() == 'q' {
			v.app.Stop()
			return nil
		}
		return event
	})
	v.render()
}

func (v *View) submit(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	v.logger.Printf("Monitor: > %s", line)
	if err := v.onCommand(line); err != nil {
		v.logger.Printf("Monitor: %v", err)
	}
}

// render refreshes both panels from the model. Must run on the UI goroutine
// once the app is running.
func (v *View) render() {
	v.status.SetText(StatusText(v.model.Snapshot(), v.now()))

	_, _, _, height := v.logView.GetInnerRect()
	if height <= 0 {
		height = 50
	}
	v.logView.SetText(strings.Join(v.model.LogTail(height), "\n"))
}

// Run shows the screen until the user quits or ctx is done.
func (v *View) Run(ctx context.Context) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		v.refreshLoop(ctx, stop)
	}()

	v.app.SetRoot(v.root, true)
	if v.input != nil {
		v.app.SetFocus(v.input)
	}
	err := v.app.Run()
	close(stop)
	<-done
	if err != nil {
		return fmt.Errorf("run monitor: %w", err)
	}
	return nil
}

func (v *View) refreshLoop(ctx context.Context, stop <-chan struct{}) {
	changes := make(chan Snapshot, 1)
	lines := make(chan string, 64)
	defer v.model.ListenToChanges(changes)()
	defer v.model.ListenToLogLines(lines)()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			// Queued so it also takes effect if Run has not started yet.
			v.app.QueueUpdate(v.app.Stop)
			return
		case <-changes:
		case <-lines:
		case <-ticker.C:
		}
		select {
		case <-stop:
			return
		default:
			v.app.QueueUpdateDraw(v.render)
		}
	}
}
