// Package progress reports step progress of multi-step checks.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Callback receives progress updates. step names the step just finished.
type Callback func(op string, current, total int, step string)

// Noop discards updates.
func Noop(op string, current, total int, step string) {}

// Progress counts completed steps of one operation.
type Progress struct {
	Op      string
	Total   int
	current int
	cb      Callback
}

// New creates a tracker for total steps. A nil cb discards updates.
func New(op string, total int, cb Callback) *Progress {
	if cb == nil {
		cb = Noop
	}
	return &Progress{Op: op, Total: total, cb: cb}
}

// Step records one finished step.
func (p *Progress) Step(name string) {
	if p.current < p.Total {
		p.current++
	}
	p.cb(p.Op, p.current, p.Total, name)
}

// Current returns the number of finished steps.
func (p *Progress) Current() int {
	return p.current
}

// Terminal draws a single-line progress bar, typically on stderr.
type Terminal struct {
	mu      sync.Mutex
	w       io.Writer
	enabled bool
	lastLen int
}

// NewTerminal creates a bar writing to w. A disabled bar prints nothing.
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	return &Terminal{w: w, enabled: enabled}
}

// Callback returns a Callback that redraws the bar.
func (t *Terminal) Callback() Callback {
	return func(op string, current, total int, step string) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.enabled {
			return
		}
		t.render(op, current, total, step)
	}
}

func (t *Terminal) render(op string, current, total int, step string) {
	if total <= 0 {
		total = 1
	}
	const width = 20
	filled := width * current / total
	line := fmt.Sprintf("%s [%s%s] %d/%d %s",
		op, strings.Repeat("=", filled), strings.Repeat(" ", width-filled), current, total, step)
	pad := ""
	if n := t.lastLen - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprint(t.w, "\r"+line+pad)
	t.lastLen = len(line)
}

// Done clears the bar.
func (t *Terminal) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.lastLen == 0 {
		return
	}
	fmt.Fprint(t.w, "\r"+strings.Repeat(" ", t.lastLen)+"\r")
	t.lastLen = 0
}
