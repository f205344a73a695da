// memory_bus.go - Region-mapped memory bus for BrickEngine

/*

This module implements the memory bus at the heart of BrickEngine's memory
subsystem. Guest-visible storage is not one contiguous block but four fixed,
non-overlapping address windows: program, data, console I/O and framebuffer.
Every byte access must land inside exactly one window or the bus reports a
fault, which the CPU core treats as fatal for the current instruction.

Core Features:

    Four fixed regions: 1MB program at 0x00000000, 1MB data at 0x10000000,
    a 64KB console I/O window at 0x20000000 and a 4MB framebuffer at
    0x30000000.
    Per-byte bounds checking; word operations are little-endian compositions
    of the byte primitives and verify the whole 4-byte range up front so a
    faulting word access leaves no partial write behind.
    Memory-mapped I/O via an I/O region table keyed by page, using a fixed
    page size and page masking; handlers observe individual byte accesses.
    Full reset capability to clear every region.
    Thread-safe access through a read/write mutex so the machine monitor can
    inspect memory while the core is frozen.

Technical Details:

    The SystemBus struct fulfils the MemoryBus interface. Addresses resolve
    by scanning the fixed region table; the offset within a region indexes a
    dedicated byte slice, so the sparse guest address space costs no memory
    for the unused gaps between windows.
    I/O regions are registered with a start and end address plus onRead and
    onWrite callbacks. Page keys are computed with a page mask over a 0x100
    page increment, mirroring the handler granularity of the console window.
    Word values use explicit little-endian byte composition rather than any
    unsafe reinterpretation, so the bus behaves identically on every host
    architecture.

The bus is exclusively owned by one CPU core. Peripheral code never calls
back into the bus from inside an I/O handler.

*/

package main

import "sync"

const (
	PROG_BASE    = 0x00000000
	PROG_SIZE    = 0x00100000
	DATA_BASE    = 0x10000000
	DATA_SIZE    = 0x00100000
	CONSOLE_BASE = 0x20000000
	CONSOLE_SIZE = 0x00010000
	FB_BASE      = 0x30000000
	FB_SIZE      = 0x00400000

	PAGE_SIZE = 0x100
	PAGE_MASK = ^uint32(PAGE_SIZE - 1)
)

type MemoryBus interface {
	/*
		MemoryBus defines the byte and word operations the CPU core
		performs against guest memory. The boolean result reports
		whether the access resolved to a mapped region; false means
		an out-of-bounds access and carries no partial side effects
		for word operations.
	*/

	ReadByte(addr uint32) (byte, bool)
	WriteByte(addr uint32, value byte) bool
	ReadWord(addr uint32) (uint32, bool)
	WriteWord(addr uint32, value uint32) bool
	Reset()
}

type IORegion struct {
	/*
		IORegion represents a memory-mapped I/O range. Each region is
		defined by inclusive start and end addresses plus callbacks
		invoked per byte access. A nil callback leaves that direction
		backed by plain region memory.
	*/
	start   uint32
	end     uint32
	onRead  func(addr uint32) byte
	onWrite func(addr uint32, value byte)
}

type memRegion struct {
	name string
	base uint32
	size uint32
	mem  []byte
}

type SystemBus struct {
	/*
		SystemBus implements MemoryBus over the four fixed windows.
		It owns the backing slices, the I/O handler table and the
		mutex that serialises access between the core and the
		monitor.
	*/

	program memRegion
	data    memRegion
	console memRegion
	fb      memRegion

	regions [4]*memRegion

	mapping map[uint32][]IORegion
	mutex   sync.RWMutex
}

func NewSystemBus() *SystemBus {
	bus := &SystemBus{
		program: memRegion{name: "program", base: PROG_BASE, size: PROG_SIZE, mem: make([]byte, PROG_SIZE)},
		data:    memRegion{name: "data", base: DATA_BASE, size: DATA_SIZE, mem: make([]byte, DATA_SIZE)},
		console: memRegion{name: "console", base: CONSOLE_BASE, size: CONSOLE_SIZE, mem: make([]byte, CONSOLE_SIZE)},
		fb:      memRegion{name: "framebuffer", base: FB_BASE, size: FB_SIZE, mem: make([]byte, FB_SIZE)},
		mapping: make(map[uint32][]IORegion),
	}
	bus.regions = [4]*memRegion{&bus.program, &bus.data, &bus.console, &bus.fb}
	return bus
}

func (bus *SystemBus) resolve(addr uint32) (*memRegion, uint32, bool) {
	for _, r := range bus.regions {
		if addr >= r.base && addr-r.base < r.size {
			return r, addr - r.base, true
		}
	}
	return nil, 0, false
}

// MapIO registers byte-level I/O handlers over [start, end]. Registration
// happens during machine construction, before the core runs.
func (bus *SystemBus) MapIO(start, end uint32, onRead func(addr uint32) byte, onWrite func(addr uint32, value byte)) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()

	region := IORegion{start: start, end: end, onRead: onRead, onWrite: onWrite}
	page := start & PAGE_MASK
	for {
		bus.mapping[page] = append(bus.mapping[page], region)
		next := page + PAGE_SIZE
		if next < page || next > end {
			break
		}
		page = next
	}
}

func (bus *SystemBus) ioLookup(addr uint32) *IORegion {
	regions, ok := bus.mapping[addr&PAGE_MASK]
	if !ok {
		return nil
	}
	for i := range regions {
		if addr >= regions[i].start && addr <= regions[i].end {
			return &regions[i]
		}
	}
	return nil
}

func (bus *SystemBus) ReadByte(addr uint32) (byte, bool) {
	bus.mutex.RLock()
	defer bus.mutex.RUnlock()

	region, off, ok := bus.resolve(addr)
	if !ok {
		return 0, false
	}
	if io := bus.ioLookup(addr); io != nil && io.onRead != nil {
		return io.onRead(addr), true
	}
	return region.mem[off], true
}

func (bus *SystemBus) WriteByte(addr uint32, value byte) bool {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()

	region, off, ok := bus.resolve(addr)
	if !ok {
		return false
	}
	if io := bus.ioLookup(addr); io != nil && io.onWrite != nil {
		io.onWrite(addr, value)
		return true
	}
	region.mem[off] = value
	return true
}

// wordSpan reports whether addr..addr+3 lies inside a single region.
func (bus *SystemBus) wordSpan(addr uint32) bool {
	if addr > 0xFFFFFFFC {
		return false
	}
	first, _, ok := bus.resolve(addr)
	if !ok {
		return false
	}
	last, _, ok := bus.resolve(addr + 3)
	return ok && first == last
}

func (bus *SystemBus) ReadWord(addr uint32) (uint32, bool) {
	bus.mutex.RLock()
	spanOK := bus.wordSpan(addr)
	bus.mutex.RUnlock()
	if !spanOK {
		return 0, false
	}

	var value uint32
	for i := uint32(0); i < 4; i++ {
		b, ok := bus.ReadByte(addr + i)
		if !ok {
			return 0, false
		}
		value |= uint32(b) << (8 * i)
	}
	return value, true
}

func (bus *SystemBus) WriteWord(addr uint32, value uint32) bool {
	bus.mutex.RLock()
	spanOK := bus.wordSpan(addr)
	bus.mutex.RUnlock()
	if !spanOK {
		return false
	}

	for i := uint32(0); i < 4; i++ {
		if !bus.WriteByte(addr+i, byte(value>>(8*i))) {
			return false
		}
	}
	return true
}

func (bus *SystemBus) Reset() {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	for _, r := range bus.regions {
		clear(r.mem)
	}
}

// Direct region accessors for the loader, snapshot store and framebuffer
// view. Callers hold the machine quiescent while using these slices.

func (bus *SystemBus) ProgramBytes() []byte     { return bus.program.mem }
func (bus *SystemBus) DataBytes() []byte        { return bus.data.mem }
func (bus *SystemBus) ConsoleBytes() []byte     { return bus.console.mem }
func (bus *SystemBus) FramebufferBytes() []byte { return bus.fb.mem }
