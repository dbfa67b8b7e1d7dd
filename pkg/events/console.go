package events

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorDim    = "\033[2m"
)

// ConsoleSink renders events as human-readable progress lines.
type ConsoleSink struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// NewConsoleSink creates a console sink. Color output is enabled only when
// w is a terminal.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &ConsoleSink{w: w, color: color}
}

// Emit writes one progress line for the event.
func (c *ConsoleSink) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case PipelineStarted:
		fmt.Fprintf(c.w, "==> Running pipeline %s\n", ev.Pipeline)
	case PipelineCompleted:
		fmt.Fprintf(c.w, "==> Pipeline %s %s (%s)\n", ev.Pipeline, c.paint(ev.Status), fmtDuration(ev.Duration))
	case StageStarted:
		fmt.Fprintf(c.w, "--> %s\n", ev.Stage)
	case StageCompleted:
		fmt.Fprintf(c.w, "    %s: %s (%s)\n", ev.Stage, c.paint(ev.Status), fmtDuration(ev.Duration))
	case StepCompleted:
		line := fmt.Sprintf("    %s/%s: %s", ev.Stage, ev.Step, c.paint(ev.Status))
		if ev.ExitCode != 0 {
			line += fmt.Sprintf(" (exit %d)", ev.ExitCode)
		}
		fmt.Fprintln(c.w, line)
	case PostActionCompleted:
		line := fmt.Sprintf("    post %s: %s", ev.Step, c.paint(ev.Status))
		if ev.Message != "" {
			line += " - " + ev.Message
		}
		fmt.Fprintln(c.w, line)
	}
}

func (c *ConsoleSink) paint(status string) string {
	if !c.color {
		return status
	}
	switch status {
	case "succeeded":
		return colorGreen + status + colorReset
	case "failed":
		return colorRed + status + colorReset
	case "skipped":
		return colorYellow + status + colorReset
	default:
		return colorDim + status + colorReset
	}
}

func fmtDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
