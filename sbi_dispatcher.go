// sbi_dispatcher.go - Supervisor Binary Interface extension dispatcher

/*

Guest code requests services from the machine through SBI calls: an
extension id, a function id and six argument words go in, an error code and
a value word come out. The dispatcher owns the routing table and the timer
compare state; the console queue lives in the console device, which the
dispatcher shares with the memory-mapped console window so both paths see
one queue.

Four extensions are implemented:

    Base (0x10)    - spec/implementation identification and extension
                     probing.
    Timer (0x00)   - arms a 64-bit absolute trigger; the driver polls
                     CheckTimerInterrupt once per scheduling quantum and
                     the pending flag fires exactly once per arming.
    Console (0x01) - putchar through the console output sink, getchar from
                     the shared input queue; getchar never blocks and
                     returns the no-character sentinel on an empty queue.
    Reset (0x08)   - hands a reset type and reason to the injected
                     shutdown/reboot callback. Halting the core is the
                     callback's decision, not the dispatcher's.

A malformed call can never crash the machine: unknown extensions and
functions come back as NOT_SUPPORTED, bad arguments as INVALID_PARAM.

The dispatcher has no locking of its own. It is owned by the single
machine goroutine, the same one that runs the CPU core and polls the
timer.

*/

package main

import (
	"context"
	"log/slog"
)

const (
	SBI_SUCCESS           = int32(0)
	SBI_ERR_FAILED        = int32(-1)
	SBI_ERR_NOT_SUPPORTED = int32(-2)
	SBI_ERR_INVALID_PARAM = int32(-3)

	SBI_EXT_TIMER   = 0x00
	SBI_EXT_CONSOLE = 0x01
	SBI_EXT_SRST    = 0x08
	SBI_EXT_BASE    = 0x10

	SBI_BASE_GET_SPEC_VERSION = 0
	SBI_BASE_GET_IMPL_ID      = 1
	SBI_BASE_GET_IMPL_VERSION = 2
	SBI_BASE_PROBE_EXT        = 3
	SBI_BASE_GET_MVENDORID    = 4
	SBI_BASE_GET_MARCHID      = 5
	SBI_BASE_GET_MIMPID       = 6

	SBI_TIMER_SET = 0

	SBI_CONSOLE_PUTCHAR = 0
	SBI_CONSOLE_GETCHAR = 1

	SBI_SRST_RESET = 0

	SRST_TYPE_SHUTDOWN    = 0
	SRST_TYPE_COLD_REBOOT = 1
	SRST_TYPE_WARM_REBOOT = 2

	// Packed major<<24 | minor for v2.0 of this ABI.
	SBI_SPEC_VERSION = 0x02000000
	SBI_IMPL_ID      = 0xBE32
	SBI_IMPL_VERSION = 0x00010000
	SBI_MVENDORID    = 0
	SBI_MARCHID      = 0xBE32
	SBI_MIMPID       = 1

	// Returned by getchar when no input is queued.
	SBI_NO_CHAR = 0xFFFFFFFF
)

type SBIDispatcher struct {
	console *ConsoleDevice
	onReset func(resetType, reason uint32)

	timerArmed   bool
	timerTrigger uint64

	extensions map[uint32]bool
}

// NewSBIDispatcher wires the dispatcher to its collaborators. onReset may
// be nil, in which case reset requests succeed but have no effect.
func NewSBIDispatcher(console *ConsoleDevice, onReset func(resetType, reason uint32)) *SBIDispatcher {
	return &SBIDispatcher{
		console: console,
		onReset: onReset,
		extensions: map[uint32]bool{
			SBI_EXT_TIMER:   true,
			SBI_EXT_CONSOLE: true,
			SBI_EXT_SRST:    true,
			SBI_EXT_BASE:    true,
		},
	}
}

// Handle routes one SBI call and returns the (error, value) pair.
func (d *SBIDispatcher) Handle(ext, fn uint32, args [6]uint32) (int32, uint32) {
	slog.Log(context.Background(), LevelTrace, "sbi call", "ext", ext, "fn", fn)
	switch ext {
	case SBI_EXT_BASE:
		return d.handleBase(fn, args)
	case SBI_EXT_TIMER:
		return d.handleTimer(fn, args)
	case SBI_EXT_CONSOLE:
		return d.handleConsole(fn, args)
	case SBI_EXT_SRST:
		return d.handleReset(fn, args)
	}
	return SBI_ERR_NOT_SUPPORTED, 0
}

func (d *SBIDispatcher) handleBase(fn uint32, args [6]uint32) (int32, uint32) {
	switch fn {
	case SBI_BASE_GET_SPEC_VERSION:
		return SBI_SUCCESS, SBI_SPEC_VERSION
	case SBI_BASE_GET_IMPL_ID:
		return SBI_SUCCESS, SBI_IMPL_ID
	case SBI_BASE_GET_IMPL_VERSION:
		return SBI_SUCCESS, SBI_IMPL_VERSION
	case SBI_BASE_PROBE_EXT:
		if d.extensions[args[0]] {
			return SBI_SUCCESS, 1
		}
		return SBI_SUCCESS, 0
	case SBI_BASE_GET_MVENDORID:
		return SBI_SUCCESS, SBI_MVENDORID
	case SBI_BASE_GET_MARCHID:
		return SBI_SUCCESS, SBI_MARCHID
	case SBI_BASE_GET_MIMPID:
		return SBI_SUCCESS, SBI_MIMPID
	}
	return SBI_ERR_NOT_SUPPORTED, 0
}

func (d *SBIDispatcher) handleTimer(fn uint32, args [6]uint32) (int32, uint32) {
	if fn != SBI_TIMER_SET {
		return SBI_ERR_NOT_SUPPORTED, 0
	}
	d.timerTrigger = uint64(args[0]) | uint64(args[1])<<32
	d.timerArmed = true
	slog.Debug("timer armed", "trigger", d.timerTrigger)
	return SBI_SUCCESS, 0
}

func (d *SBIDispatcher) handleConsole(fn uint32, args [6]uint32) (int32, uint32) {
	switch fn {
	case SBI_CONSOLE_PUTCHAR:
		d.console.WriteOutput(byte(args[0]))
		return SBI_SUCCESS, 0
	case SBI_CONSOLE_GETCHAR:
		if b, ok := d.console.ReadInput(); ok {
			return SBI_SUCCESS, uint32(b)
		}
		return SBI_SUCCESS, SBI_NO_CHAR
	}
	return SBI_ERR_NOT_SUPPORTED, 0
}

func (d *SBIDispatcher) handleReset(fn uint32, args [6]uint32) (int32, uint32) {
	if fn != SBI_SRST_RESET {
		return SBI_ERR_NOT_SUPPORTED, 0
	}
	if args[0] > SRST_TYPE_WARM_REBOOT {
		return SBI_ERR_INVALID_PARAM, 0
	}
	if d.onReset != nil {
		d.onReset(args[0], args[1])
	}
	return SBI_SUCCESS, 0
}

// CheckTimerInterrupt is the driver's polling contract: it returns true
// exactly once per arming, when now has reached the trigger.
func (d *SBIDispatcher) CheckTimerInterrupt(now uint64) bool {
	if d.timerArmed && now >= d.timerTrigger {
		d.timerArmed = false
		return true
	}
	return false
}

// TimerPending exposes the current arm state for the monitor and tests.
func (d *SBIDispatcher) TimerPending() (bool, uint64) {
	return d.timerArmed, d.timerTrigger
}

// Reset disarms the timer. Console state is reset by the console device.
func (d *SBIDispatcher) Reset() {
	d.timerArmed = false
	d.timerTrigger = 0
}
