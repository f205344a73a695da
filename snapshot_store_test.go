package main

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallSnapshot builds a snapshot with fixed fields and tiny regions.
// Region sizes only matter to RestoreSnapshot, not to the store.
func smallSnapshot(label string) *MachineSnapshot {
	snap := &MachineSnapshot{
		Label:       label,
		TakenAt:     1700000000,
		PC:          0x40,
		Cycles:      99,
		Halted:      true,
		Program:     []byte{1, 2, 3, 4},
		Data:        []byte{5, 6},
		Console:     []byte{7},
		Framebuffer: []byte{8, 9, 10},
	}
	snap.Regs[1] = 0xCAFEBABE
	snap.Regs[REG_SP] = STACK_TOP
	return snap
}

func openTestStore(t *testing.T) *SnapshotStore {
	t.Helper()
	store, err := OpenSnapshotStore(filepath.Join(t.TempDir(), "snaps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSnapshotStoreSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	snap := smallSnapshot("roundtrip")

	id, err := store.Save(snap)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, snap.Label, got.Label)
	assert.Equal(t, snap.TakenAt, got.TakenAt)
	assert.Equal(t, snap.PC, got.PC)
	assert.Equal(t, snap.Cycles, got.Cycles)
	assert.Equal(t, snap.Halted, got.Halted)
	assert.Equal(t, snap.Regs, got.Regs)
	assert.Equal(t, snap.Program, got.Program)
	assert.Equal(t, snap.Data, got.Data)
	assert.Equal(t, snap.Console, got.Console)
	assert.Equal(t, snap.Framebuffer, got.Framebuffer)
}

// TestSnapshotIDDeterministic verifies the id is a pure function of the
// snapshot content, across saves and across stores.
func TestSnapshotIDDeterministic(t *testing.T) {
	storeA := openTestStore(t)
	storeB := openTestStore(t)

	idA1, err := storeA.Save(smallSnapshot("same"))
	require.NoError(t, err)
	idA2, err := storeA.Save(smallSnapshot("same"))
	require.NoError(t, err)
	idB, err := storeB.Save(smallSnapshot("same"))
	require.NoError(t, err)

	assert.Equal(t, idA1, idA2, "identical content must produce one id")
	assert.Equal(t, idA1, idB, "the id must not depend on the store")

	// Saving the same content twice keeps a single record.
	infos, err := storeA.List()
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	// Any content change moves the id.
	changed := smallSnapshot("same")
	changed.Regs[2] = 1
	idC, err := storeA.Save(changed)
	require.NoError(t, err)
	assert.NotEqual(t, idA1, idC)
}

func TestSnapshotStoreListNewestFirst(t *testing.T) {
	store := openTestStore(t)

	older := smallSnapshot("older")
	older.TakenAt = 100
	newer := smallSnapshot("newer")
	newer.TakenAt = 200

	_, err := store.Save(older)
	require.NoError(t, err)
	newID, err := store.Save(newer)
	require.NoError(t, err)

	infos, err := store.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "newer", infos[0].Label)
	assert.Equal(t, newID, infos[0].ID)
	assert.Equal(t, "older", infos[1].Label)
	assert.Equal(t, uint64(99), infos[0].Cycles)
}

func TestSnapshotStoreDelete(t *testing.T) {
	store := openTestStore(t)

	id, err := store.Save(smallSnapshot("doomed"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(id))
	_, err = store.Load(id)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.ErrorIs(t, store.Delete(id), ErrSnapshotNotFound)

	infos, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestSnapshotStoreClosed(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.Save(smallSnapshot("late"))
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.Load("nope")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.List()
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Delete("nope"), ErrStoreClosed)
	assert.NoError(t, store.Close(), "closing twice is fine")
}

func TestSnapshotStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snaps.db")
	store, err := OpenSnapshotStore(path)
	require.NoError(t, err)
	id, err := store.Save(smallSnapshot("durable"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenSnapshotStore(path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Label)
}

func TestSnapshotCanonicalDecoderRejectsGarbage(t *testing.T) {
	snap := smallSnapshot("x")
	canonical := snap.canonicalBytes()

	_, err := snapshotFromCanonical(canonical[:10])
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	canonical[0] = 'X'
	_, err = snapshotFromCanonical(canonical)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	_, err = snapshotFromCanonical(nil)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

// TestMachineSnapshotRestore captures mid-run state, lets the machine
// diverge, then rewinds and confirms execution replays identically.
func TestMachineSnapshotRestore(t *testing.T) {
	m, err := NewMachine(DefaultMachineConfig())
	require.NoError(t, err)

	image := testBrick(t, 0,
		be32Word(OP_NOT, 1, 0, 0),
		be32Word(OP_NOT, 2, 0, 0),
		be32Word(OP_HALT, 0, 0, 0),
	)
	require.NoError(t, m.LoadBrickBytes(image))

	// One instruction in: r1 set, r2 not yet.
	m.Tick(1)
	snap := m.CaptureSnapshot("mid-run")
	require.Equal(t, uint64(1), snap.Cycles)

	m.RunToHalt(0)
	require.True(t, m.Halted())
	require.Equal(t, uint64(3), m.Cycles())

	require.NoError(t, m.RestoreSnapshot(snap))
	assert.False(t, m.Halted())
	assert.Equal(t, uint64(1), m.Cycles())
	assert.Equal(t, uint32(0xFFFFFFFF), m.CPU().Reg(1))
	assert.Equal(t, uint32(0), m.CPU().Reg(2))

	// Replay from the restore point reaches the same halt.
	m.RunToHalt(0)
	assert.True(t, m.Halted())
	assert.Equal(t, uint64(3), m.Cycles())
	assert.Equal(t, uint32(0xFFFFFFFF), m.CPU().Reg(2))
}

// TestMachineSnapshotRestoreClearsFaultAndTimer verifies restore drops
// transient conditions that are not part of the captured state.
func TestMachineSnapshotRestoreClearsFaultAndTimer(t *testing.T) {
	m, err := NewMachine(DefaultMachineConfig())
	require.NoError(t, err)
	require.NoError(t, m.LoadBrickBytes(testBrick(t, 0, be32Word(OP_HALT, 0, 0, 0))))

	snap := m.CaptureSnapshot("clean")

	// Manufacture a fault and arm the timer.
	m.CPU().SetPC(DATA_BASE)
	m.CPU().Step()
	require.NotNil(t, m.CPUFault())
	m.sbi.Handle(SBI_EXT_TIMER, SBI_TIMER_SET, [6]uint32{10, 0})

	require.NoError(t, m.RestoreSnapshot(snap))
	assert.Nil(t, m.CPUFault())
	armed, _ := m.sbi.TimerPending()
	assert.False(t, armed, "timer must come back disarmed")
}

func TestMachineSnapshotRestoreRejectsWrongGeometry(t *testing.T) {
	m, err := NewMachine(DefaultMachineConfig())
	require.NoError(t, err)

	bad := smallSnapshot("tiny regions")
	err = m.RestoreSnapshot(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptSnapshot))
}
