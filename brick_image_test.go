package main

import (
	"encoding/binary"
	"errors"
	"testing"
)

// testBrick builds a small valid image around the given instruction words.
func testBrick(t *testing.T, entry uint32, words ...uint32) []byte {
	t.Helper()
	instr := make([]byte, len(words)*INSTRUCTION_SIZE)
	for i, w := range words {
		binary.LittleEndian.PutUint32(instr[i*INSTRUCTION_SIZE:], w)
	}
	image, err := EncodeBrick(instr, entry, []byte("test"), 0)
	if err != nil {
		t.Fatalf("EncodeBrick failed: %v", err)
	}
	return image
}

// TestBrickEncodeParseRoundTrip verifies that a generated image parses
// back to the same header fields and instruction bytes.
func TestBrickEncodeParseRoundTrip(t *testing.T) {
	image := testBrick(t, 8,
		be32Word(OP_MOV, 1, 0, 0),
		be32Word(OP_NOP, 0, 0, 0),
		be32Word(OP_HALT, 0, 0, 0),
	)

	header, instr, err := ParseBrick(image)
	if err != nil {
		t.Fatalf("ParseBrick failed: %v", err)
	}
	if header.Version != BRICK_VERSION {
		t.Fatalf("version = %d, want %d", header.Version, BRICK_VERSION)
	}
	if header.InstrCount != 3 {
		t.Fatalf("instruction count = %d, want 3", header.InstrCount)
	}
	if header.EntryPoint != 8 {
		t.Fatalf("entry = 0x%X, want 0x8", header.EntryPoint)
	}
	if header.Timestamp == 0 {
		t.Fatal("zero timestamp should have been replaced with the current time")
	}
	if header.MetadataString() != "test" {
		t.Fatalf("metadata = %q, want %q", header.MetadataString(), "test")
	}
	if len(instr) != 12 {
		t.Fatalf("instruction stream length = %d, want 12", len(instr))
	}
	if got := binary.LittleEndian.Uint32(instr); got != be32Word(OP_MOV, 1, 0, 0) {
		t.Fatalf("first instruction = 0x%08X, want 0x%08X", got, be32Word(OP_MOV, 1, 0, 0))
	}
}

// TestBrickValidationFailures corrupts a valid image one way at a time
// and checks each rejection is the distinct documented error.
func TestBrickValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(image []byte) []byte
		wantErr error
	}{
		{
			name:    "truncated header",
			mutate:  func(image []byte) []byte { return image[:BRICK_HEADER_SIZE-1] },
			wantErr: ErrTruncatedHeader,
		},
		{
			name: "bad magic",
			mutate: func(image []byte) []byte {
				image[0] = 'X'
				return image
			},
			wantErr: ErrBadMagic,
		},
		{
			name: "unsupported version",
			mutate: func(image []byte) []byte {
				binary.LittleEndian.PutUint32(image[brickOffVersion:], 3)
				return image
			},
			wantErr: ErrUnsupportedVersion,
		},
		{
			name: "truncated body",
			mutate: func(image []byte) []byte {
				binary.LittleEndian.PutUint64(image[brickOffCount:], 1000)
				return image
			},
			wantErr: ErrTruncatedBody,
		},
		{
			name: "checksum mismatch",
			mutate: func(image []byte) []byte {
				image[BRICK_HEADER_SIZE] ^= 0xFF
				return image
			},
			wantErr: ErrChecksumMismatch,
		},
		{
			name: "invalid entry point",
			mutate: func(image []byte) []byte {
				binary.LittleEndian.PutUint64(image[brickOffEntry:], PROG_SIZE)
				return image
			},
			wantErr: ErrInvalidEntryPoint,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			image := testBrick(t, 0, be32Word(OP_HALT, 0, 0, 0))
			_, _, err := ParseBrick(tc.mutate(image))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ParseBrick error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

// TestBrickValidationPrecedence verifies the fixed check order: an image
// broken in several ways reports the earliest failure.
func TestBrickValidationPrecedence(t *testing.T) {
	image := testBrick(t, 0, be32Word(OP_HALT, 0, 0, 0))

	// Bad magic AND bad version: magic is checked first.
	image[0] = 'X'
	binary.LittleEndian.PutUint32(image[brickOffVersion:], 9)
	if _, _, err := ParseBrick(image); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("error = %v, want bad magic to win", err)
	}

	// Fix the magic: now the version failure surfaces.
	copy(image, "BRCK")
	if _, _, err := ParseBrick(image); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("error = %v, want unsupported version next", err)
	}
}

// TestBrickChecksumUsesLow32Bits verifies the high half of the checksum
// field is ignored, as only the low 32 bits carry the CRC.
func TestBrickChecksumUsesLow32Bits(t *testing.T) {
	image := testBrick(t, 0, be32Word(OP_HALT, 0, 0, 0))
	stored := binary.LittleEndian.Uint64(image[brickOffChecksum:])
	binary.LittleEndian.PutUint64(image[brickOffChecksum:], stored|0xDEADBEEF00000000)

	if _, _, err := ParseBrick(image); err != nil {
		t.Fatalf("high checksum bits should be ignored, got %v", err)
	}
}

// TestBrickOversizedStreamRejected verifies an image whose declared
// stream exceeds the program region is rejected even when well-formed.
func TestBrickOversizedStreamRejected(t *testing.T) {
	count := uint64(PROG_SIZE/INSTRUCTION_SIZE) + 1
	image := make([]byte, BRICK_HEADER_SIZE+count*INSTRUCTION_SIZE)
	copy(image, "BRCK")
	binary.LittleEndian.PutUint32(image[brickOffVersion:], BRICK_VERSION)
	binary.LittleEndian.PutUint64(image[brickOffCount:], count)

	if _, _, err := ParseBrick(image); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("error = %v, want %v", err, ErrImageTooLarge)
	}
}

// TestLoadBrickAllOrNothing verifies a rejected image leaves guest
// memory untouched and an accepted one replaces the program region.
func TestLoadBrickAllOrNothing(t *testing.T) {
	bus := NewSystemBus()
	bus.WriteWord(PROG_BASE, 0x11111111)
	bus.WriteWord(PROG_BASE+4, 0x22222222)

	bad := testBrick(t, 0, be32Word(OP_HALT, 0, 0, 0))
	bad[BRICK_HEADER_SIZE] ^= 0xFF // checksum mismatch
	if _, err := LoadBrick(bus, bad); err == nil {
		t.Fatal("corrupted image should be rejected")
	}
	if w, _ := bus.ReadWord(PROG_BASE); w != 0x11111111 {
		t.Fatalf("program word 0 = 0x%08X after rejected load, want 0x11111111", w)
	}
	if w, _ := bus.ReadWord(PROG_BASE + 4); w != 0x22222222 {
		t.Fatalf("program word 1 = 0x%08X after rejected load, want 0x22222222", w)
	}

	good := testBrick(t, 0, be32Word(OP_NOT, 1, 0, 0))
	header, err := LoadBrick(bus, good)
	if err != nil {
		t.Fatalf("LoadBrick failed: %v", err)
	}
	if header.InstrCount != 1 {
		t.Fatalf("header count = %d, want 1", header.InstrCount)
	}
	if w, _ := bus.ReadWord(PROG_BASE); w != be32Word(OP_NOT, 1, 0, 0) {
		t.Fatalf("program word 0 = 0x%08X, want the loaded instruction", w)
	}
	// Stale bytes beyond the new image are cleared.
	if w, _ := bus.ReadWord(PROG_BASE + 4); w != 0 {
		t.Fatalf("program word 1 = 0x%08X after load, want 0", w)
	}
}

// TestLoadBrickInstallsAtOffsetZero verifies instructions land at the
// start of the program region regardless of the entry point.
func TestLoadBrickInstallsAtOffsetZero(t *testing.T) {
	bus := NewSystemBus()
	image := testBrick(t, 4,
		be32Word(OP_NOP, 0, 0, 0),
		be32Word(OP_HALT, 0, 0, 0),
	)
	header, err := LoadBrick(bus, image)
	if err != nil {
		t.Fatalf("LoadBrick failed: %v", err)
	}
	if header.EntryPoint != 4 {
		t.Fatalf("entry = 0x%X, want 0x4", header.EntryPoint)
	}
	if w, _ := bus.ReadWord(PROG_BASE); w != be32Word(OP_NOP, 0, 0, 0) {
		t.Fatalf("word at offset 0 = 0x%08X, want the first instruction", w)
	}
}

// TestEncodeBrickRejectsRaggedStream verifies the stream length must be
// a whole number of instructions.
func TestEncodeBrickRejectsRaggedStream(t *testing.T) {
	if _, err := EncodeBrick(make([]byte, 6), 0, nil, 0); err == nil {
		t.Fatal("ragged instruction stream should be rejected")
	}
}

// TestEncodeBrickMetadataClamped verifies oversized metadata is cut at
// the block size and short metadata is NUL-padded.
func TestEncodeBrickMetadataClamped(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	image, err := EncodeBrick(make([]byte, 4), 0, long, 0)
	if err != nil {
		t.Fatalf("EncodeBrick failed: %v", err)
	}
	header, _, err := ParseBrick(image)
	if err != nil {
		t.Fatalf("ParseBrick failed: %v", err)
	}
	if got := len(header.MetadataString()); got != BRICK_METADATA_SIZE {
		t.Fatalf("metadata length = %d, want clamped to %d", got, BRICK_METADATA_SIZE)
	}

	image, err = EncodeBrick(make([]byte, 4), 0, []byte("hi"), 0)
	if err != nil {
		t.Fatalf("EncodeBrick failed: %v", err)
	}
	header, _, err = ParseBrick(image)
	if err != nil {
		t.Fatalf("ParseBrick failed: %v", err)
	}
	if header.MetadataString() != "hi" {
		t.Fatalf("metadata = %q, want %q", header.MetadataString(), "hi")
	}
}
