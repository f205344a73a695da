package main

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"
)

// ConsoleHost reads raw stdin and feeds bytes into a ConsoleDevice.
// Only instantiated in main.go for interactive use, never in tests.
type ConsoleHost struct {
	console      *ConsoleDevice
	stopCh       chan struct{}
	done         chan struct{}
	stopped      sync.Once
	fd           int
	nonblockSet  bool
	oldTermState *term.State
	onInterrupt  func()
}

// NewConsoleHost creates a host adapter that reads stdin into the given
// console device.
func NewConsoleHost(console *ConsoleDevice) *ConsoleHost {
	return &ConsoleHost{
		console: console,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OnInterrupt registers a callback fired when Ctrl+C arrives on the raw
// terminal. Raw mode suppresses SIGINT, so without a callback the byte
// would just be queued as guest input.
func (h *ConsoleHost) OnInterrupt(fn func()) {
	h.onInterrupt = fn
}

// Start sets stdin to raw non-blocking mode and begins reading in a
// goroutine. Call Stop() to restore stdin.
func (h *ConsoleHost) Start() error {
	h.fd = int(os.Stdin.Fd())

	// Raw mode disables OS-level echo and line buffering; the guest
	// program decides what to echo.
	oldState, err := term.MakeRaw(h.fd)
	if err != nil {
		close(h.done)
		return fmt.Errorf("setting raw mode: %w", err)
	}
	h.oldTermState = oldState

	if err := syscall.SetNonblock(h.fd, true); err != nil {
		_ = term.Restore(h.fd, h.oldTermState)
		h.oldTermState = nil
		close(h.done)
		return fmt.Errorf("setting nonblocking stdin: %w", err)
	}
	h.nonblockSet = true

	go func() {
		defer close(h.done)
		buf := make([]byte, 1)

		for {
			select {
			case <-h.stopCh:
				return
			default:
			}

			n, err := syscall.Read(h.fd, buf)
			if n > 0 {
				b := buf[0]
				if b == 0x03 && h.onInterrupt != nil {
					h.onInterrupt()
					continue
				}
				// Raw mode sends CR for Enter; the guest expects LF.
				if b == '\r' {
					b = '\n'
				}
				// Terminals send 0x7F (DEL) for Backspace; translate to 0x08 (BS).
				if b == 0x7F {
					b = 0x08
				}
				h.console.EnqueueInput(b)
			}
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if err != nil {
				return
			}
			if n == 0 {
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
	return nil
}

// Stop terminates the stdin reading goroutine and restores stdin.
func (h *ConsoleHost) Stop() {
	h.stopped.Do(func() {
		close(h.stopCh)
	})
	<-h.done
	if h.nonblockSet {
		_ = syscall.SetNonblock(h.fd, false)
		h.nonblockSet = false
	}
	if h.oldTermState != nil {
		_ = term.Restore(h.fd, h.oldTermState)
		h.oldTermState = nil
	}
}

// PrintOutput drains the console output buffer to stdout. Call
// periodically from the driver loop in interactive mode.
func (h *ConsoleHost) PrintOutput() {
	out := h.console.DrainOutput()
	if len(out) > 0 {
		fmt.Print(string(out))
	}
}
