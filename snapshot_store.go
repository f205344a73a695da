// snapshot_store.go - persistent machine snapshots on bbolt

/*

Snapshots freeze the whole observable machine: register file, pc, cycle
counter, halt flag and all four memory regions. A snapshot serialises to
a canonical little-endian byte stream, and its identity is the base58
form of the first eight bytes of the stream's BLAKE3 digest, so saving
the same machine state twice always yields the same id.

On disk each snapshot is one bbolt entry holding the zstd-compressed
canonical stream, with a small gob-encoded metadata record in a side
bucket so listing never has to decompress anything.

Timer arming is deliberately not captured. A restored machine comes back
with the timer disarmed, the same as after a fresh image load.

*/

package main

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrSnapshotNotFound is returned when no snapshot has the given id.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("snapshot store closed")

	// ErrCorruptSnapshot is returned when a stored snapshot fails to decode.
	ErrCorruptSnapshot = errors.New("corrupt snapshot record")
)

// Bucket names for bbolt.
var (
	// bucketSnapshots stores compressed snapshot payloads keyed by id.
	bucketSnapshots = []byte("snapshots")

	// bucketSnapMeta stores listing metadata keyed by id.
	bucketSnapMeta = []byte("snapshot_meta")
)

var snapshotMagic = [4]byte{'B', 'S', 'N', 'P'}

const snapshotFormatVersion = 1

// MachineSnapshot is a full copy of machine state at one instant.
type MachineSnapshot struct {
	Label   string
	TakenAt int64 // unix seconds

	PC     uint32
	Cycles uint64
	Halted bool
	Regs   [REG_COUNT]uint32

	Program     []byte
	Data        []byte
	Console     []byte
	Framebuffer []byte
}

// SnapshotInfo is the listing view of a stored snapshot.
type SnapshotInfo struct {
	ID      string
	Label   string
	TakenAt int64
	Cycles  uint64
	PC      uint32
}

// CaptureSnapshot copies the machine's current state. It must not run
// concurrently with Tick on another goroutine unless callers rely on the
// machine lock, which this takes.
func (m *Machine) CaptureSnapshot(label string) *MachineSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &MachineSnapshot{
		Label:       label,
		TakenAt:     time.Now().Unix(),
		PC:          m.cpu.pc,
		Cycles:      m.cpu.cycles,
		Halted:      m.cpu.halted,
		Regs:        m.cpu.regs,
		Program:     append([]byte(nil), m.bus.ProgramBytes()...),
		Data:        append([]byte(nil), m.bus.DataBytes()...),
		Console:     append([]byte(nil), m.bus.ConsoleBytes()...),
		Framebuffer: append([]byte(nil), m.bus.FramebufferBytes()...),
	}
	return snap
}

// RestoreSnapshot overwrites machine state with the snapshot's. The
// fault record is cleared and the timer comes back disarmed.
func (m *Machine) RestoreSnapshot(snap *MachineSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(snap.Program) != PROG_SIZE || len(snap.Data) != DATA_SIZE ||
		len(snap.Console) != CONSOLE_SIZE || len(snap.Framebuffer) != FB_SIZE {
		return fmt.Errorf("%w: region size mismatch", ErrCorruptSnapshot)
	}

	copy(m.bus.ProgramBytes(), snap.Program)
	copy(m.bus.DataBytes(), snap.Data)
	copy(m.bus.ConsoleBytes(), snap.Console)
	copy(m.bus.FramebufferBytes(), snap.Framebuffer)

	m.cpu.regs = snap.Regs
	m.cpu.pc = snap.PC
	m.cpu.cycles = snap.Cycles
	m.cpu.halted = snap.Halted
	m.cpu.fault = nil
	m.cpu.invalidOps = 0
	m.console.Reset()
	m.sbi.Reset()
	m.stopRequested.Store(false)
	return nil
}

// ---------------------------------------------------------------------
// Canonical serialization
// ---------------------------------------------------------------------

func (snap *MachineSnapshot) canonicalBytes() []byte {
	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])

	var scratch [8]byte
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		buf.Write(scratch[:4])
	}
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		buf.Write(scratch[:])
	}
	putBlob := func(b []byte) {
		putU32(uint32(len(b)))
		buf.Write(b)
	}

	putU32(snapshotFormatVersion)
	putU64(uint64(snap.TakenAt))
	putBlob([]byte(snap.Label))
	putU32(snap.PC)
	putU64(snap.Cycles)
	if snap.Halted {
		putU32(1)
	} else {
		putU32(0)
	}
	for _, r := range snap.Regs {
		putU32(r)
	}
	putBlob(snap.Program)
	putBlob(snap.Data)
	putBlob(snap.Console)
	putBlob(snap.Framebuffer)
	return buf.Bytes()
}

func snapshotFromCanonical(raw []byte) (*MachineSnapshot, error) {
	r := bytes.NewReader(raw)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}

	var scratch [8]byte
	getU32 := func() (uint32, error) {
		if _, err := io.ReadFull(r, scratch[:4]); err != nil {
			return 0, fmt.Errorf("%w: truncated", ErrCorruptSnapshot)
		}
		return binary.LittleEndian.Uint32(scratch[:4]), nil
	}
	getU64 := func() (uint64, error) {
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return 0, fmt.Errorf("%w: truncated", ErrCorruptSnapshot)
		}
		return binary.LittleEndian.Uint64(scratch[:]), nil
	}
	getBlob := func() ([]byte, error) {
		n, err := getU32()
		if err != nil {
			return nil, err
		}
		if uint64(n) > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: blob length overruns record", ErrCorruptSnapshot)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("%w: truncated blob", ErrCorruptSnapshot)
		}
		return b, nil
	}

	version, err := getU32()
	if err != nil {
		return nil, err
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}

	snap := &MachineSnapshot{}
	takenAt, err := getU64()
	if err != nil {
		return nil, err
	}
	snap.TakenAt = int64(takenAt)

	label, err := getBlob()
	if err != nil {
		return nil, err
	}
	snap.Label = string(label)

	if snap.PC, err = getU32(); err != nil {
		return nil, err
	}
	if snap.Cycles, err = getU64(); err != nil {
		return nil, err
	}
	halted, err := getU32()
	if err != nil {
		return nil, err
	}
	snap.Halted = halted != 0

	for i := range snap.Regs {
		if snap.Regs[i], err = getU32(); err != nil {
			return nil, err
		}
	}
	if snap.Program, err = getBlob(); err != nil {
		return nil, err
	}
	if snap.Data, err = getBlob(); err != nil {
		return nil, err
	}
	if snap.Console, err = getBlob(); err != nil {
		return nil, err
	}
	if snap.Framebuffer, err = getBlob(); err != nil {
		return nil, err
	}
	return snap, nil
}

// snapshotID derives the deterministic id for a canonical stream.
func snapshotID(canonical []byte) string {
	digest := blake3.Sum256(canonical)
	return base58.Encode(digest[:8])
}

// ---------------------------------------------------------------------
// SnapshotStore
// ---------------------------------------------------------------------

// SnapshotStore persists snapshots in a single bbolt database file.
type SnapshotStore struct {
	mu     sync.Mutex
	db     *bolt.DB
	closed bool
}

// OpenSnapshotStore creates or opens the store at path.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSnapshots, bucketSnapMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}

// Save stores the snapshot and returns its id. Saving identical state is
// idempotent: the same bytes map to the same id and overwrite in place.
func (s *SnapshotStore) Save(snap *MachineSnapshot) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStoreClosed
	}

	canonical := snap.canonicalBytes()
	id := snapshotID(canonical)

	compressed, err := compressZstd(canonical)
	if err != nil {
		return "", fmt.Errorf("compress snapshot: %w", err)
	}

	var metaBuf bytes.Buffer
	info := SnapshotInfo{
		ID:      id,
		Label:   snap.Label,
		TakenAt: snap.TakenAt,
		Cycles:  snap.Cycles,
		PC:      snap.PC,
	}
	if err := gob.NewEncoder(&metaBuf).Encode(&info); err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Put([]byte(id), compressed); err != nil {
			return err
		}
		return tx.Bucket(bucketSnapMeta).Put([]byte(id), metaBuf.Bytes())
	})
	if err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	return id, nil
}

// Load retrieves and decodes the snapshot with the given id.
func (s *SnapshotStore) Load(id string) (*MachineSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var compressed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if v == nil {
			return ErrSnapshotNotFound
		}
		compressed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	canonical, err := decompressZstd(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot %s: %w", id, err)
	}
	if snapshotID(canonical) != id {
		return nil, fmt.Errorf("%w: digest mismatch for %s", ErrCorruptSnapshot, id)
	}
	return snapshotFromCanonical(canonical)
}

// List returns metadata for every stored snapshot, newest first.
func (s *SnapshotStore) List() ([]SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var infos []SnapshotInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapMeta).ForEach(func(k, v []byte) error {
			var info SnapshotInfo
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&info); err != nil {
				return fmt.Errorf("decode metadata for %s: %w", k, err)
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TakenAt > infos[j].TakenAt })
	return infos, nil
}

// Delete removes a snapshot. Deleting an unknown id is an error.
func (s *SnapshotStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSnapshots).Get([]byte(id)) == nil {
			return ErrSnapshotNotFound
		}
		if err := tx.Bucket(bucketSnapshots).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketSnapMeta).Delete([]byte(id))
	})
}

func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
