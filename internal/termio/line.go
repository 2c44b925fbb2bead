package termio

import (
	"fmt"
	"io"
	"sync"
)

// clearEOL erases from the cursor to the end of the line.
const clearEOL = "\x1b[K"

// Line prints progress messages. On a terminal, transient updates rewrite
// the current line in place; elsewhere every message gets its own line.
type Line struct {
	mu    sync.Mutex
	w     io.Writer
	tty   bool
	dirty bool
}

// NewLine returns a Line writing to w. tty selects in-place rewriting.
func NewLine(w io.Writer, tty bool) *Line {
	return &Line{w: w, tty: tty}
}

// Update replaces the transient line with msg.
func (l *Line) Update(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.tty {
		fmt.Fprintln(l.w, msg)
		return
	}
	fmt.Fprint(l.w, "\r"+msg+clearEOL)
	l.dirty = true
}

// Println prints msg on a line of its own, keeping it on screen.
func (l *Line) Println(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tty && l.dirty {
		fmt.Fprint(l.w, "\r"+clearEOL)
		l.dirty = false
	}
	fmt.Fprintln(l.w, msg)
}

// Done terminates a pending transient line.
func (l *Line) Done() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tty && l.dirty {
		fmt.Fprintln(l.w)
		l.dirty = false
	}
}
