// brick_image.go - Brick program image format: parse, validate, load, encode

/*

A brick is the loadable program image: a 132-byte little-endian header
followed by the instruction stream. The header carries a magic, a format
version, an informational timestamp, the instruction count, the entry
point, 64 bytes of opaque metadata and a checksum whose low 32 bits hold
the CRC32 of the instruction stream.

Validation runs in a fixed order and each failure is distinct: truncated
header, bad magic, unsupported version, truncated body, oversized stream,
checksum mismatch, invalid entry point. Loading is all-or-nothing: every
check passes before a single byte of guest memory changes, so a rejected
image leaves the machine exactly as it was.

The encode path builds well-formed version-2 bricks for the assembler and
for tests; parse and encode round-trip bit-exactly apart from the reserved
padding, which writes as zero and is ignored on read.

*/

package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"
)

const (
	BRICK_HEADER_SIZE   = 132
	BRICK_VERSION       = 2
	BRICK_METADATA_SIZE = 64

	brickOffMagic     = 0x00
	brickOffVersion   = 0x04
	brickOffTimestamp = 0x08
	brickOffCount     = 0x10
	brickOffEntry     = 0x18
	brickOffMetadata  = 0x20
	brickOffChecksum  = 0x60
)

var brickMagic = [4]byte{'B', 'R', 'C', 'K'}

var (
	ErrTruncatedHeader    = errors.New("brick: truncated header")
	ErrBadMagic           = errors.New("brick: bad magic")
	ErrUnsupportedVersion = errors.New("brick: unsupported version")
	ErrTruncatedBody      = errors.New("brick: truncated body")
	ErrChecksumMismatch   = errors.New("brick: checksum mismatch")
	ErrInvalidEntryPoint  = errors.New("brick: entry point outside program region")
	ErrImageTooLarge      = errors.New("brick: instruction stream exceeds program region")
)

type BrickHeader struct {
	Version    uint32
	Timestamp  uint64
	InstrCount uint64
	EntryPoint uint64
	Metadata   [BRICK_METADATA_SIZE]byte
	Checksum   uint64
}

// MetadataString returns the metadata block as text, trimmed at the first
// NUL byte.
func (h *BrickHeader) MetadataString() string {
	for i, b := range h.Metadata {
		if b == 0 {
			return string(h.Metadata[:i])
		}
	}
	return string(h.Metadata[:])
}

// ParseBrick validates an image and returns its header and a view of the
// instruction stream. The input is not copied and not mutated.
func ParseBrick(data []byte) (*BrickHeader, []byte, error) {
	if len(data) < BRICK_HEADER_SIZE {
		return nil, nil, fmt.Errorf("%w: %d bytes, need %d", ErrTruncatedHeader, len(data), BRICK_HEADER_SIZE)
	}
	if [4]byte(data[brickOffMagic:brickOffMagic+4]) != brickMagic {
		return nil, nil, fmt.Errorf("%w: got % X", ErrBadMagic, data[brickOffMagic:brickOffMagic+4])
	}

	h := &BrickHeader{
		Version:    binary.LittleEndian.Uint32(data[brickOffVersion:]),
		Timestamp:  binary.LittleEndian.Uint64(data[brickOffTimestamp:]),
		InstrCount: binary.LittleEndian.Uint64(data[brickOffCount:]),
		EntryPoint: binary.LittleEndian.Uint64(data[brickOffEntry:]),
		Checksum:   binary.LittleEndian.Uint64(data[brickOffChecksum:]),
	}
	copy(h.Metadata[:], data[brickOffMetadata:brickOffMetadata+BRICK_METADATA_SIZE])

	if h.Version != BRICK_VERSION {
		return nil, nil, fmt.Errorf("%w: version %d, support %d", ErrUnsupportedVersion, h.Version, BRICK_VERSION)
	}

	body := uint64(len(data)) - BRICK_HEADER_SIZE
	if h.InstrCount > body/INSTRUCTION_SIZE {
		return nil, nil, fmt.Errorf("%w: %d instructions declared, %d bytes present", ErrTruncatedBody, h.InstrCount, body)
	}
	if h.InstrCount*INSTRUCTION_SIZE > PROG_SIZE {
		return nil, nil, fmt.Errorf("%w: %d instructions", ErrImageTooLarge, h.InstrCount)
	}

	instr := data[BRICK_HEADER_SIZE : BRICK_HEADER_SIZE+h.InstrCount*INSTRUCTION_SIZE]
	if sum := crc32.ChecksumIEEE(instr); sum != uint32(h.Checksum) {
		return nil, nil, fmt.Errorf("%w: computed %08X, stored %08X", ErrChecksumMismatch, sum, uint32(h.Checksum))
	}
	if h.EntryPoint >= PROG_SIZE {
		return nil, nil, fmt.Errorf("%w: entry 0x%X", ErrInvalidEntryPoint, h.EntryPoint)
	}
	return h, instr, nil
}

// LoadBrick validates data and, only if every check passes, clears the
// program region and copies the instruction stream to offset 0. Returns
// the parsed header for the caller to reset the CPU with.
func LoadBrick(bus *SystemBus, data []byte) (*BrickHeader, error) {
	h, instr, err := ParseBrick(data)
	if err != nil {
		return nil, err
	}
	prog := bus.ProgramBytes()
	clear(prog)
	copy(prog, instr)
	return h, nil
}

// EncodeBrick builds a version-2 image around the given instruction
// stream. meta is truncated or zero-padded to the metadata block size; a
// zero timestamp means "now".
func EncodeBrick(instr []byte, entry uint32, meta []byte, timestamp uint64) ([]byte, error) {
	if len(instr)%INSTRUCTION_SIZE != 0 {
		return nil, fmt.Errorf("brick: instruction stream length %d not a multiple of %d", len(instr), INSTRUCTION_SIZE)
	}
	if len(instr) > PROG_SIZE {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(instr))
	}
	if entry >= PROG_SIZE {
		return nil, fmt.Errorf("%w: entry 0x%X", ErrInvalidEntryPoint, entry)
	}
	if timestamp == 0 {
		timestamp = uint64(time.Now().Unix())
	}

	out := make([]byte, BRICK_HEADER_SIZE+len(instr))
	copy(out[brickOffMagic:], brickMagic[:])
	binary.LittleEndian.PutUint32(out[brickOffVersion:], BRICK_VERSION)
	binary.LittleEndian.PutUint64(out[brickOffTimestamp:], timestamp)
	binary.LittleEndian.PutUint64(out[brickOffCount:], uint64(len(instr)/INSTRUCTION_SIZE))
	binary.LittleEndian.PutUint64(out[brickOffEntry:], uint64(entry))
	copy(out[brickOffMetadata:brickOffMetadata+BRICK_METADATA_SIZE], meta)
	binary.LittleEndian.PutUint64(out[brickOffChecksum:], uint64(crc32.ChecksumIEEE(instr)))
	copy(out[BRICK_HEADER_SIZE:], instr)
	return out, nil
}
