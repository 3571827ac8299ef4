// Package status prints the human-facing status lines (calibration prompts,
// countdown, fall report). It is observational only: nothing printed here is
// ever read back.
package status

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Printer displays one line of text.
type Printer interface {
	Println(msg string)
}

// Warner is implemented by printers that render warnings differently.
type Warner interface {
	Warn(msg string)
}

// Warn prints msg as a warning on p.
func Warn(p Printer, msg string) {
	if w, ok := p.(Warner); ok {
		w.Warn(msg)
		return
	}
	p.Println("WARNING: " + msg)
}

// Discard drops every line.
type Discard struct{}

func (Discard) Println(string) {}

var (
	lineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	warnStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
)

// Console writes styled lines to a terminal (or any writer).
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole creates a console printer on w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Println(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, lineStyle.Render(msg))
}

func (c *Console) Warn(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, warnStyle.Render("WARNING: "+msg))
}

// Multi fans lines out to several printers.
type Multi []Printer

func (m Multi) Println(msg string) {
	for _, p := range m {
		p.Println(msg)
	}
}

func (m Multi) Warn(msg string) {
	for _, p := range m {
		Warn(p, msg)
	}
}

// Recorder keeps every line in memory. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *Recorder) Println(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, msg)
}

// Lines returns a copy of the recorded lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}
