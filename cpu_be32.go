// cpu_be32.go - BrickEngine 32-bit CPU core

/*

BE32 is a 32-register little-endian machine with a fixed 4-byte instruction
encoding: opcode, destination register, source register 1, source register
2, one byte each. The core re-fetches and re-decodes on every cycle; there
is no decoded-instruction cache, so self-modifying code in the program
region behaves naturally.

ABI decisions, applied uniformly and relied on by the assembler and tests:

    Register 0 is hardwired zero. Reads return 0, writes are discarded by
    the register-write helper, never special-cased per opcode.
    Register 30 is the return-address stack pointer. Reset primes it to
    STACK_TOP; CALL pushes pc+4 full-descending into the top 64KB of the
    data region and RET pops into pc. Pushing below STACK_FLOOR is a stack
    overflow, popping with an empty or out-of-window stack is an
    underflow; both are fatal faults.
    Opcode 0x13 (ECALL) traps to the SBI dispatcher: extension id in r17,
    function id in r16, arguments in r10-r15; the error code comes back in
    r10 and the value in r11.

Fault handling is asymmetric on purpose. Memory faults and stack faults
halt the core and leave every register, the pc and the cycle counter
readable, with a fault record stating what happened and when. An
unrecognised opcode is logged, counted and skipped as a no-op; execution
continues.

The external driver runs the core through Run(maxCycles), which returns
the number of instructions actually retired. That budget is the only
scheduling mechanism: the core never blocks and never yields mid
instruction.

*/

package main

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

const (
	INSTRUCTION_SIZE = 4
	REG_COUNT        = 32

	REG_ZERO = 0
	REG_SP   = 30

	// ECALL register convention
	REG_SBI_ARG0 = 10
	REG_SBI_ERR  = 10
	REG_SBI_VAL  = 11
	REG_SBI_FN   = 16
	REG_SBI_EXT  = 17

	// Return-address stack: top 64KB of the data region, full-descending.
	STACK_REGION_SIZE = 0x10000
	STACK_TOP         = DATA_BASE + DATA_SIZE
	STACK_FLOOR       = STACK_TOP - STACK_REGION_SIZE

	DIV_ZERO_RESULT = 0xFFFFFFFF
)

const (
	OP_NOP   = 0x00
	OP_MOV   = 0x01
	OP_ADD   = 0x02
	OP_SUB   = 0x03
	OP_MUL   = 0x04
	OP_DIV   = 0x05
	OP_AND   = 0x06
	OP_OR    = 0x07
	OP_XOR   = 0x08
	OP_NOT   = 0x09
	OP_SHL   = 0x0A
	OP_SHR   = 0x0B
	OP_LOAD  = 0x0C
	OP_STORE = 0x0D
	OP_JUMP  = 0x0E
	OP_JZ    = 0x0F
	OP_JNZ   = 0x10
	OP_CALL  = 0x11
	OP_RET   = 0x12
	OP_ECALL = 0x13
	OP_HALT  = 0xFF
)

type FaultKind int

const (
	FaultMemory FaultKind = iota
	FaultStackOverflow
	FaultStackUnderflow
)

func (k FaultKind) String() string {
	switch k {
	case FaultMemory:
		return "memory fault"
	case FaultStackOverflow:
		return "stack overflow"
	case FaultStackUnderflow:
		return "stack underflow"
	}
	return "unknown fault"
}

// ExecFault records a fatal execution fault: what kind, the offending
// address where one exists, the pc of the faulting instruction and the
// cycle count at which the core froze.
type ExecFault struct {
	Kind  FaultKind
	Addr  uint32
	PC    uint32
	Cycle uint64
}

func (f *ExecFault) Error() string {
	return fmt.Sprintf("%s at addr 0x%08X, pc 0x%08X, cycle %d", f.Kind, f.Addr, f.PC, f.Cycle)
}

type CPU struct {
	// Architectural state
	regs   [REG_COUNT]uint32
	pc     uint32
	cycles uint64
	halted bool

	bus MemoryBus
	sbi *SBIDispatcher

	fault *ExecFault

	// Recoverable anomaly bookkeeping
	invalidOps    uint64
	lastInvalidOp byte
	lastInvalidPC uint32

	// External stop request, observed between instructions.
	stopRequested atomic.Bool
}

// NewCPU returns a core with all-zero architectural state. Reset primes
// the stack pointer; a core run without a loaded image executes the zeroed
// program region as a NOP stream.
func NewCPU(bus MemoryBus, sbi *SBIDispatcher) *CPU {
	return &CPU{bus: bus, sbi: sbi}
}

func (c *CPU) getReg(idx byte) uint32 {
	if idx == REG_ZERO {
		return 0
	}
	return c.regs[idx]
}

func (c *CPU) setReg(idx byte, value uint32) {
	if idx == REG_ZERO {
		return
	}
	c.regs[idx] = value
}

// Reset rewinds the core to its initial state with a new entry point:
// registers zeroed, stack pointer primed, cycle counter cleared, fault
// record dropped, core running.
func (c *CPU) Reset(entry uint32) {
	c.regs = [REG_COUNT]uint32{}
	c.regs[REG_SP] = STACK_TOP
	c.pc = entry
	c.cycles = 0
	c.halted = false
	c.fault = nil
	c.invalidOps = 0
	c.lastInvalidOp = 0
	c.lastInvalidPC = 0
	c.stopRequested.Store(false)
}

func (c *CPU) memoryFault(addr, pc uint32) {
	c.fault = &ExecFault{Kind: FaultMemory, Addr: addr, PC: pc, Cycle: c.cycles}
	c.halted = true
	slog.Error("BE32 halted", "fault", c.fault.Kind.String(), "addr", fmt.Sprintf("0x%08X", addr), "pc", fmt.Sprintf("0x%08X", pc), "cycle", c.cycles)
}

func (c *CPU) stackFault(kind FaultKind, sp, pc uint32) {
	c.fault = &ExecFault{Kind: kind, Addr: sp, PC: pc, Cycle: c.cycles}
	c.halted = true
	slog.Error("BE32 halted", "fault", kind.String(), "sp", fmt.Sprintf("0x%08X", sp), "pc", fmt.Sprintf("0x%08X", pc), "cycle", c.cycles)
}

// Step executes one instruction. It returns true when an instruction
// retired and false when the core was already halted or faulted during
// this step; a faulting instruction does not retire.
func (c *CPU) Step() bool {
	if c.halted {
		return false
	}

	instrAddr := c.pc
	if instrAddr >= PROG_SIZE {
		c.memoryFault(instrAddr, instrAddr)
		return false
	}
	word, ok := c.bus.ReadWord(instrAddr)
	if !ok {
		c.memoryFault(instrAddr, instrAddr)
		return false
	}

	opcode := byte(word)
	rd := byte(word>>8) & 0x1F
	rs1 := byte(word>>16) & 0x1F
	rs2 := byte(word>>24) & 0x1F

	branched := false

	switch opcode {
	case OP_NOP:

	case OP_MOV:
		c.setReg(rd, c.getReg(rs1))

	case OP_ADD:
		c.setReg(rd, c.getReg(rs1)+c.getReg(rs2))

	case OP_SUB:
		c.setReg(rd, c.getReg(rs1)-c.getReg(rs2))

	case OP_MUL:
		c.setReg(rd, c.getReg(rs1)*c.getReg(rs2))

	case OP_DIV:
		divisor := c.getReg(rs2)
		if divisor == 0 {
			c.setReg(rd, DIV_ZERO_RESULT)
		} else {
			c.setReg(rd, c.getReg(rs1)/divisor)
		}

	case OP_AND:
		c.setReg(rd, c.getReg(rs1)&c.getReg(rs2))

	case OP_OR:
		c.setReg(rd, c.getReg(rs1)|c.getReg(rs2))

	case OP_XOR:
		c.setReg(rd, c.getReg(rs1)^c.getReg(rs2))

	case OP_NOT:
		c.setReg(rd, ^c.getReg(rs1))

	case OP_SHL:
		c.setReg(rd, c.getReg(rs1)<<(c.getReg(rs2)&31))

	case OP_SHR:
		c.setReg(rd, c.getReg(rs1)>>(c.getReg(rs2)&31))

	case OP_LOAD:
		addr := c.getReg(rs1)
		value, readOK := c.bus.ReadWord(addr)
		if !readOK {
			c.memoryFault(addr, instrAddr)
			return false
		}
		c.setReg(rd, value)

	case OP_STORE:
		addr := c.getReg(rs1)
		if !c.bus.WriteWord(addr, c.getReg(rs2)) {
			c.memoryFault(addr, instrAddr)
			return false
		}

	case OP_JUMP:
		c.pc = c.getReg(rs1)
		branched = true

	case OP_JZ:
		if c.getReg(rs1) == 0 {
			c.pc = c.getReg(rs2)
			branched = true
		}

	case OP_JNZ:
		if c.getReg(rs1) != 0 {
			c.pc = c.getReg(rs2)
			branched = true
		}

	case OP_CALL:
		target := c.getReg(rs1)
		sp := c.getReg(REG_SP)
		if sp < STACK_FLOOR+INSTRUCTION_SIZE || sp > STACK_TOP {
			c.stackFault(FaultStackOverflow, sp, instrAddr)
			return false
		}
		sp -= INSTRUCTION_SIZE
		if !c.bus.WriteWord(sp, instrAddr+INSTRUCTION_SIZE) {
			c.memoryFault(sp, instrAddr)
			return false
		}
		c.setReg(REG_SP, sp)
		c.pc = target
		branched = true

	case OP_RET:
		sp := c.getReg(REG_SP)
		if sp >= STACK_TOP || sp < STACK_FLOOR {
			c.stackFault(FaultStackUnderflow, sp, instrAddr)
			return false
		}
		retAddr, readOK := c.bus.ReadWord(sp)
		if !readOK {
			c.memoryFault(sp, instrAddr)
			return false
		}
		c.setReg(REG_SP, sp+INSTRUCTION_SIZE)
		c.pc = retAddr
		branched = true

	case OP_ECALL:
		var args [6]uint32
		for i := range args {
			args[i] = c.getReg(REG_SBI_ARG0 + byte(i))
		}
		errCode, value := SBI_ERR_NOT_SUPPORTED, uint32(0)
		if c.sbi != nil {
			errCode, value = c.sbi.Handle(c.getReg(REG_SBI_EXT), c.getReg(REG_SBI_FN), args)
		}
		c.setReg(REG_SBI_ERR, uint32(errCode))
		c.setReg(REG_SBI_VAL, value)

	case OP_HALT:
		c.halted = true
		branched = true // pc stays on the HALT instruction

	default:
		c.invalidOps++
		c.lastInvalidOp = opcode
		c.lastInvalidPC = instrAddr
		slog.Warn("invalid opcode", "opcode", opcode, "pc", fmt.Sprintf("0x%08X", instrAddr))
	}

	if !branched {
		c.pc = instrAddr + INSTRUCTION_SIZE
	}
	c.cycles++
	return true
}

// Run executes up to maxCycles instructions, stopping early on halt,
// fault or an external stop request. It returns the number of
// instructions retired.
func (c *CPU) Run(maxCycles uint64) uint64 {
	var executed uint64
	for executed < maxCycles {
		if c.halted || c.stopRequested.Load() {
			break
		}
		if !c.Step() {
			break
		}
		executed++
	}
	return executed
}

// RequestStop asks the core to stop between instructions. The request
// persists until ClearStopRequest or Reset.
func (c *CPU) RequestStop()      { c.stopRequested.Store(true) }
func (c *CPU) ClearStopRequest() { c.stopRequested.Store(false) }

func (c *CPU) PC() uint32        { return c.pc }
func (c *CPU) SetPC(addr uint32) { c.pc = addr }
func (c *CPU) Cycles() uint64    { return c.cycles }
func (c *CPU) IsHalted() bool    { return c.halted }
func (c *CPU) Fault() *ExecFault { return c.fault }

// Reg returns register idx with the zero-register convention applied.
func (c *CPU) Reg(idx int) uint32 {
	if idx <= REG_ZERO || idx >= REG_COUNT {
		return 0
	}
	return c.regs[idx]
}

// WriteReg sets register idx, discarding writes to the zero register.
func (c *CPU) WriteReg(idx int, value uint32) bool {
	if idx < 0 || idx >= REG_COUNT {
		return false
	}
	c.setReg(byte(idx), value)
	return true
}

// InvalidOpcodeCount reports how many unrecognised opcodes were skipped
// since the last reset.
func (c *CPU) InvalidOpcodeCount() uint64 { return c.invalidOps }

// LastInvalidOpcode returns the most recent skipped opcode and its pc.
func (c *CPU) LastInvalidOpcode() (byte, uint32) {
	return c.lastInvalidOp, c.lastInvalidPC
}
