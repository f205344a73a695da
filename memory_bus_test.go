package main

import (
	"testing"
)

// TestBusRegionBounds verifies that the first and last byte of every
// mapped window are accessible and that addresses outside them are not.
func TestBusRegionBounds(t *testing.T) {
	bus := NewSystemBus()

	edges := []struct {
		name  string
		first uint32
		last  uint32
	}{
		{"program", PROG_BASE, PROG_BASE + PROG_SIZE - 1},
		{"data", DATA_BASE, DATA_BASE + DATA_SIZE - 1},
		{"console", CONSOLE_BASE, CONSOLE_BASE + CONSOLE_SIZE - 1},
		{"framebuffer", FB_BASE, FB_BASE + FB_SIZE - 1},
	}

	for _, e := range edges {
		if _, ok := bus.ReadByte(e.first); !ok {
			t.Fatalf("%s: first byte 0x%08X not readable", e.name, e.first)
		}
		if _, ok := bus.ReadByte(e.last); !ok {
			t.Fatalf("%s: last byte 0x%08X not readable", e.name, e.last)
		}
		if _, ok := bus.ReadByte(e.last + 1); ok {
			t.Fatalf("%s: read past end at 0x%08X should fail", e.name, e.last+1)
		}
	}

	// Gap between data and console windows
	if bus.WriteByte(0x18000000, 0xAA) {
		t.Fatal("write to unmapped 0x18000000 should fail")
	}
	if _, ok := bus.ReadByte(0xFFFFFFFF); ok {
		t.Fatal("read at 0xFFFFFFFF should fail")
	}
}

// TestBusByteRoundTrip verifies byte stores land in the right region and
// read back unchanged.
func TestBusByteRoundTrip(t *testing.T) {
	bus := NewSystemBus()

	addrs := []uint32{PROG_BASE + 0x10, DATA_BASE + 0x10, FB_BASE + 0x10}
	for i, addr := range addrs {
		want := byte(0x40 + i)
		if !bus.WriteByte(addr, want) {
			t.Fatalf("WriteByte(0x%08X) failed", addr)
		}
		got, ok := bus.ReadByte(addr)
		if !ok || got != want {
			t.Fatalf("ReadByte(0x%08X) = 0x%02X, want 0x%02X", addr, got, want)
		}
	}
}

// TestBusWordLittleEndian verifies that word accesses are little-endian
// compositions of the four byte cells.
func TestBusWordLittleEndian(t *testing.T) {
	bus := NewSystemBus()

	if !bus.WriteWord(DATA_BASE+0x20, 0xDDCCBBAA) {
		t.Fatal("WriteWord failed")
	}
	for i, want := range []byte{0xAA, 0xBB, 0xCC, 0xDD} {
		got, ok := bus.ReadByte(DATA_BASE + 0x20 + uint32(i))
		if !ok || got != want {
			t.Fatalf("byte %d = 0x%02X, want 0x%02X", i, got, want)
		}
	}

	// Reverse direction: individual byte stores visible as one word.
	for i, b := range []byte{0x78, 0x56, 0x34, 0x12} {
		bus.WriteByte(PROG_BASE+0x40+uint32(i), b)
	}
	got, ok := bus.ReadWord(PROG_BASE + 0x40)
	if !ok || got != 0x12345678 {
		t.Fatalf("ReadWord = 0x%08X, want 0x12345678", got)
	}
}

// TestBusWordStraddleRejected verifies that a word access crossing the
// end of a region fails without touching memory.
func TestBusWordStraddleRejected(t *testing.T) {
	bus := NewSystemBus()

	addr := uint32(PROG_BASE + PROG_SIZE - 2)
	bus.WriteByte(addr, 0x11)
	bus.WriteByte(addr+1, 0x22)

	if bus.WriteWord(addr, 0xFFFFFFFF) {
		t.Fatalf("WriteWord(0x%08X) across region end should fail", addr)
	}
	if _, ok := bus.ReadWord(addr); ok {
		t.Fatalf("ReadWord(0x%08X) across region end should fail", addr)
	}

	// The rejected write must not have modified the in-bounds bytes.
	if b, _ := bus.ReadByte(addr); b != 0x11 {
		t.Fatalf("byte at 0x%08X = 0x%02X after rejected write, want 0x11", addr, b)
	}
	if b, _ := bus.ReadByte(addr + 1); b != 0x22 {
		t.Fatalf("byte at 0x%08X = 0x%02X after rejected write, want 0x22", addr+1, b)
	}

	// Address-space wraparound is a straddle too.
	if _, ok := bus.ReadWord(0xFFFFFFFE); ok {
		t.Fatal("ReadWord(0xFFFFFFFE) should fail")
	}
}

// TestBusMapIODispatch verifies that byte accesses inside a mapped IO
// window reach the handlers while the rest of the region stays RAM.
func TestBusMapIODispatch(t *testing.T) {
	bus := NewSystemBus()

	var wrote []byte
	bus.MapIO(CONSOLE_BASE, CONSOLE_BASE+2,
		func(addr uint32) byte { return byte(addr & 0xFF) },
		func(addr uint32, value byte) { wrote = append(wrote, value) })

	bus.WriteByte(CONSOLE_BASE, 0x5A)
	if len(wrote) != 1 || wrote[0] != 0x5A {
		t.Fatalf("IO write handler saw %v, want [0x5A]", wrote)
	}

	got, ok := bus.ReadByte(CONSOLE_BASE + 2)
	if !ok || got != 0x02 {
		t.Fatalf("IO read = 0x%02X, want 0x02", got)
	}

	// Past the IO window the console region is ordinary memory.
	bus.WriteByte(CONSOLE_BASE+0x100, 0x77)
	if b, _ := bus.ReadByte(CONSOLE_BASE + 0x100); b != 0x77 {
		t.Fatalf("console RAM byte = 0x%02X, want 0x77", b)
	}
	if len(wrote) != 1 {
		t.Fatalf("RAM write leaked into IO handler: %v", wrote)
	}
}

// TestBusWordThroughIOWindow verifies that a word store over an IO window
// is delivered as four byte writes in ascending address order.
func TestBusWordThroughIOWindow(t *testing.T) {
	bus := NewSystemBus()

	type hit struct {
		addr  uint32
		value byte
	}
	var hits []hit
	bus.MapIO(CONSOLE_BASE, CONSOLE_BASE+0xF,
		nil,
		func(addr uint32, value byte) { hits = append(hits, hit{addr, value}) })

	if !bus.WriteWord(CONSOLE_BASE+4, 0x44332211) {
		t.Fatal("WriteWord over IO window failed")
	}
	if len(hits) != 4 {
		t.Fatalf("IO handler called %d times, want 4", len(hits))
	}
	for i, want := range []byte{0x11, 0x22, 0x33, 0x44} {
		if hits[i].addr != CONSOLE_BASE+4+uint32(i) || hits[i].value != want {
			t.Fatalf("hit %d = {0x%08X, 0x%02X}, want {0x%08X, 0x%02X}",
				i, hits[i].addr, hits[i].value, CONSOLE_BASE+4+uint32(i), want)
		}
	}
}

// TestBusReset verifies Reset clears every region.
func TestBusReset(t *testing.T) {
	bus := NewSystemBus()

	bus.WriteByte(PROG_BASE+1, 0xAA)
	bus.WriteByte(DATA_BASE+1, 0xBB)
	bus.WriteByte(FB_BASE+1, 0xCC)
	bus.Reset()

	for _, addr := range []uint32{PROG_BASE + 1, DATA_BASE + 1, FB_BASE + 1} {
		if b, _ := bus.ReadByte(addr); b != 0 {
			t.Fatalf("byte at 0x%08X = 0x%02X after Reset, want 0", addr, b)
		}
	}
}

// TestBusRegionViews verifies the direct slices share storage with bus
// accesses.
func TestBusRegionViews(t *testing.T) {
	bus := NewSystemBus()

	bus.WriteByte(DATA_BASE+5, 0xEE)
	if got := bus.DataBytes()[5]; got != 0xEE {
		t.Fatalf("DataBytes()[5] = 0x%02X, want 0xEE", got)
	}

	bus.ProgramBytes()[9] = 0x99
	if b, _ := bus.ReadByte(PROG_BASE + 9); b != 0x99 {
		t.Fatalf("bus read after view write = 0x%02X, want 0x99", b)
	}

	if len(bus.FramebufferBytes()) != FB_SIZE {
		t.Fatalf("FramebufferBytes() length %d, want %d", len(bus.FramebufferBytes()), FB_SIZE)
	}
}
