// debug_interface.go - DebuggableCPU interface and supporting types for the monitor

package main

// RegisterInfo describes a single CPU register for display in the monitor.
type RegisterInfo struct {
	Name  string // "PC", "R14", "SP"
	Value uint32
}

// DisassembledLine represents one decoded instruction.
type DisassembledLine struct {
	Address  uint32
	HexBytes string
	Mnemonic string
	IsPC     bool
}

// DebuggableCPU is the surface the monitor drives the core through.
type DebuggableCPU interface {
	CPUName() string

	PC() uint32
	SetPC(addr uint32)
	Cycles() uint64
	IsHalted() bool
	Fault() *ExecFault

	GetRegisters() []RegisterInfo
	GetRegister(name string) (uint32, bool)
	SetRegister(name string, value uint32) bool

	Step() bool
}
