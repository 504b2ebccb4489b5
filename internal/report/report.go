// Package report prints device lists and acquisition status for the terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/e7canasta/camgrab"
)

// Printer writes human-readable status lines, colored when attached to a terminal.
type Printer struct {
	w     io.Writer
	color bool
}

// New returns a printer for w. Color is enabled only when w is a terminal.
func New(w io.Writer) *Printer {
	enabled := false
	if f, ok := w.(*os.File); ok {
		enabled = term.IsTerminal(int(f.Fd()))
	}
	return &Printer{w: w, color: enabled}
}

// NewPlain returns a printer that never colors its output.
func NewPlain(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) paint(s string, attrs ...color.Attribute) string {
	c := color.New(attrs...)
	if p.color {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s)
}

// Devices prints one "Using device" line per reference, as the array does
// while attaching.
func (p *Printer) Devices(refs []camgrab.DeviceRef) {
	if len(refs) == 0 {
		fmt.Fprintln(p.w, p.paint("No devices found", color.FgYellow))
		return
	}
	for i, ref := range refs {
		model := ref.Model
		if model == "" {
			model = "unknown model"
		}
		fmt.Fprintf(p.w, "%s %s %s %s\n",
			p.paint(fmt.Sprintf("[%d]", i), color.Faint),
			"Using device",
			p.paint(model, color.FgCyan),
			p.paint(fmt.Sprintf("(%s:%s)", ref.Driver, ref.ID), color.Faint),
		)
	}
}

// Handle prints the status line of one device.
func (p *Printer) Handle(s camgrab.HandleStats) {
	p.context(s, 0, 0)
}

// Array prints the state and one status line per context.
func (p *Printer) Array(s camgrab.ArrayStats) {
	state := p.paint(s.State.String(), stateColor(s.State))
	fmt.Fprintf(p.w, "array %s, %d contexts, %d whole-array timeouts\n", state, len(s.Contexts), s.Timeouts)
	for _, c := range s.Contexts {
		p.context(c.HandleStats, c.Stalls, c.LastSlot)
	}
}

func (p *Printer) context(s camgrab.HandleStats, stalls uint64, slot int) {
	status := p.paint("idle", color.Faint)
	if s.Grabbing {
		status = p.paint("grabbing", color.FgGreen)
	}
	if s.Failures > 0 || stalls > 0 {
		status = p.paint("degraded", color.FgYellow)
	}

	age := "never"
	if !s.LastFrameAt.IsZero() {
		age = time.Since(s.LastFrameAt).Truncate(time.Millisecond).String() + " ago"
	}

	fmt.Fprintf(p.w, "  ctx %d %-9s %s frames=%d failures=%d timeouts=%d stalls=%d slot=%02d fps=%.1f last=%s\n",
		s.Context,
		status,
		p.paint(s.Device, color.FgCyan),
		s.Frames,
		s.Failures,
		s.Timeouts,
		stalls,
		slot,
		s.FPS.Mean,
		age,
	)
}

// Error prints err in red.
func (p *Printer) Error(err error) {
	fmt.Fprintln(p.w, p.paint("Error: "+err.Error(), color.FgRed, color.Bold))
}

// Hint prints a faint help line.
func (p *Printer) Hint(format string, args ...any) {
	fmt.Fprintln(p.w, p.paint(fmt.Sprintf(format, args...), color.Faint))
}

func stateColor(s camgrab.ArrayState) color.Attribute {
	switch s {
	case camgrab.ArrayGrabbing:
		return color.FgGreen
	case camgrab.ArrayStopped:
		return color.FgRed
	default:
		return color.FgYellow
	}
}
