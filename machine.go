// machine.go - BrickEngine machine assembly and cooperative scheduler

/*

The Machine owns one of everything: the four-region bus, the BE32 core,
the console device, the framebuffer view and the SBI dispatcher, wired so
that the console is reachable both through its MMIO window and through the
console hypercall extension.

Everything runs on whichever goroutine calls Tick. A tick applies any
staged image swap, honours a pending reboot request, hands the core an
instruction budget and then polls the timer. External callers that want to
interrupt a running tick (the IPC server, the monitor, a signal handler)
set the stop flag, which the core observes between instructions; they
never touch machine state directly while a tick is in flight.

Image loads are all or nothing. A brick that fails validation leaves the
program region, the core and every device exactly as they were. A brick
that validates resets the core to the image entry point with a primed
stack pointer, clears the console queues and disarms the timer, which is
also exactly what a reboot request does, warm reboots keeping the data
region and cold reboots scrubbing it.

*/

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

const DEFAULT_TICK_BUDGET = 10000

type MachineConfig struct {
	FBWidth  int
	FBHeight int

	// Instruction budget per Tick when the caller passes zero.
	TickBudget uint64
}

func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		FBWidth:    FB_DEFAULT_WIDTH,
		FBHeight:   FB_DEFAULT_HEIGHT,
		TickBudget: DEFAULT_TICK_BUDGET,
	}
}

// ResetRequest records the most recent SRST hypercall as seen by the
// machine, for the monitor and the IPC status report.
type ResetRequest struct {
	Type   uint32
	Reason uint32
}

type Machine struct {
	mu sync.Mutex

	bus     *SystemBus
	cpu     *CPU
	console *ConsoleDevice
	sbi     *SBIDispatcher
	fb      *Framebuffer

	cfg MachineConfig

	header *BrickHeader // last successfully loaded image
	image  []byte       // raw bytes of that image, kept for reboot

	pendingLoad []byte // staged by StageLoad, applied between ticks

	rebootPending bool
	rebootCold    bool
	lastReset     *ResetRequest

	timerFires uint64

	stopRequested atomic.Bool
}

func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.TickBudget == 0 {
		cfg.TickBudget = DEFAULT_TICK_BUDGET
	}

	bus := NewSystemBus()
	console := NewConsoleDevice()
	bus.MapIO(CON_OUT, CON_STATUS, console.HandleRead, console.HandleWrite)

	fb, err := NewFramebuffer(bus, cfg.FBWidth, cfg.FBHeight)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	m := &Machine{
		bus:     bus,
		console: console,
		fb:      fb,
		cfg:     cfg,
	}
	m.sbi = NewSBIDispatcher(console, m.handleResetRequest)
	m.cpu = NewCPU(bus, m.sbi)
	return m, nil
}

// handleResetRequest runs inside the core's ECALL dispatch, with the
// machine lock already held by the ticking caller. It must only flag
// state, never re-enter the machine.
func (m *Machine) handleResetRequest(resetType, reason uint32) {
	m.lastReset = &ResetRequest{Type: resetType, Reason: reason}
	switch resetType {
	case SRST_TYPE_SHUTDOWN:
		slog.Info("guest requested shutdown", "reason", reason)
		m.stopRequested.Store(true)
		m.cpu.RequestStop()
	case SRST_TYPE_COLD_REBOOT, SRST_TYPE_WARM_REBOOT:
		slog.Info("guest requested reboot", "type", resetType, "reason", reason)
		m.rebootPending = true
		m.rebootCold = resetType == SRST_TYPE_COLD_REBOOT
		m.cpu.RequestStop()
	}
}

// loadLocked validates and installs an image. Any validation error leaves
// the machine untouched.
func (m *Machine) loadLocked(data []byte) error {
	hdr, err := LoadBrick(m.bus, data)
	if err != nil {
		return err
	}
	m.header = hdr
	m.image = append([]byte(nil), data...)
	m.console.Reset()
	m.sbi.Reset()
	m.cpu.Reset(uint32(hdr.EntryPoint))
	m.stopRequested.Store(false)
	m.rebootPending = false
	slog.Info("brick loaded",
		"instructions", hdr.InstrCount,
		"entry", fmt.Sprintf("0x%08X", hdr.EntryPoint),
		"metadata", hdr.MetadataString())
	return nil
}

// LoadBrickBytes installs a brick image immediately. Use StageLoad when
// another goroutine may be ticking the machine.
func (m *Machine) LoadBrickBytes(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(data)
}

func (m *Machine) LoadBrickFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read brick: %w", err)
	}
	if err := m.LoadBrickBytes(data); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// StageLoad hands the machine an image to swap in at the next tick
// boundary, so an in-flight tick is never interrupted mid instruction.
func (m *Machine) StageLoad(data []byte) {
	m.mu.Lock()
	m.pendingLoad = append([]byte(nil), data...)
	m.mu.Unlock()
	m.cpu.RequestStop()
}

func (m *Machine) rebootLocked() {
	if m.rebootCold {
		m.bus.Reset()
	}
	if m.image == nil {
		m.console.Reset()
		m.sbi.Reset()
		m.cpu.Reset(0)
		return
	}
	if err := m.loadLocked(m.image); err != nil {
		slog.Error("reboot reload failed", "error", err)
	}
}

// Tick runs the core for up to budget instructions (the configured budget
// when zero), applying staged loads and reboot requests first and polling
// the timer after. It returns the number of instructions retired.
func (m *Machine) Tick(budget uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if budget == 0 {
		budget = m.cfg.TickBudget
	}

	if m.pendingLoad != nil {
		data := m.pendingLoad
		m.pendingLoad = nil
		if err := m.loadLocked(data); err != nil {
			slog.Error("staged image rejected", "error", err)
		}
	}
	if m.rebootPending {
		m.rebootPending = false
		m.rebootLocked()
	}
	if m.stopRequested.Load() {
		return 0
	}

	m.cpu.ClearStopRequest()
	executed := m.cpu.Run(budget)

	if m.sbi.CheckTimerInterrupt(m.cpu.Cycles()) {
		m.timerFires++
		slog.Log(context.Background(), LevelTrace, "timer interrupt", "cycle", m.cpu.Cycles())
	}
	return executed
}

// RunToHalt ticks the machine until the core halts, faults or a stop is
// requested, optionally capped at maxCycles total instructions (zero
// means no cap). It returns the number of instructions retired.
func (m *Machine) RunToHalt(maxCycles uint64) uint64 {
	var total uint64
	for {
		budget := m.cfg.TickBudget
		if maxCycles > 0 {
			remaining := maxCycles - total
			if remaining == 0 {
				break
			}
			if budget > remaining {
				budget = remaining
			}
		}
		executed := m.Tick(budget)
		total += executed

		m.mu.Lock()
		done := m.cpu.IsHalted() || m.stopRequested.Load()
		m.mu.Unlock()
		if done {
			break
		}
		if executed == 0 && m.pendingLoadEmpty() {
			break
		}
	}
	return total
}

func (m *Machine) pendingLoadEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLoad == nil && !m.rebootPending
}

// RequestStop stops the machine between instructions. The flag persists
// until the next successful image load or Reset.
func (m *Machine) RequestStop() {
	m.stopRequested.Store(true)
	m.cpu.RequestStop()
}

func (m *Machine) Stopped() bool { return m.stopRequested.Load() }

// Reset performs a cold reboot: every memory region cleared, the loaded
// image reinstalled when one exists.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebootCold = true
	m.rebootLocked()
	m.rebootCold = false
}

// LastResetRequest returns the most recent SRST request, or nil.
func (m *Machine) LastResetRequest() *ResetRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReset
}

// TimerFireCount reports how many timer interrupts have been delivered
// since the machine was built.
func (m *Machine) TimerFireCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timerFires
}

// Header returns the header of the currently loaded image, or nil.
func (m *Machine) Header() *BrickHeader {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

// Console exposes the console device for host frontends.
func (m *Machine) Console() *ConsoleDevice {
	return m.console
}

// CPU exposes the core for the monitor and tests.
func (m *Machine) CPU() *CPU {
	return m.cpu
}

func (m *Machine) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpu.IsHalted()
}

func (m *Machine) Cycles() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpu.Cycles()
}

// CPUFault returns the fault that stopped the core, or nil.
func (m *Machine) CPUFault() *ExecFault {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpu.Fault()
}
