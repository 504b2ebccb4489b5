package report

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/term"

	"github.com/e7canasta/camgrab"
)

// Exit keys: 'q' and ESC.
const (
	keyQuit   = 'q'
	keyEscape = 27
)

// KeyWatcher turns an exit key press into a cancellation predicate.
type KeyWatcher struct {
	pressed atomic.Bool
	restore func() error
}

// WatchKeys puts in into raw mode when it is a terminal and reads key presses
// in the background. Call Close to restore the terminal.
func WatchKeys(in *os.File) (*KeyWatcher, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("report: stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("report: raw mode: %w", err)
	}
	w := &KeyWatcher{restore: func() error { return term.Restore(fd, oldState) }}
	go w.read(in)
	return w, nil
}

// watchReader reads keys from r without touching the terminal.
func watchReader(r io.Reader) *KeyWatcher {
	w := &KeyWatcher{}
	go w.read(r)
	return w
}

func (w *KeyWatcher) read(r io.Reader) {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if err != nil {
			return
		}
		if n == 1 && (buf[0] == keyQuit || buf[0] == keyEscape) {
			w.pressed.Store(true)
			return
		}
	}
}

// ExitFunc returns a predicate reporting whether an exit key was pressed.
func (w *KeyWatcher) ExitFunc() camgrab.ExitFunc {
	return w.pressed.Load
}

// Close restores the terminal state.
func (w *KeyWatcher) Close() error {
	if w.restore == nil {
		return nil
	}
	return w.restore()
}
