// debug_monitor.go - interactive machine monitor REPL

/*

The monitor is a readline driven debugger over a stopped machine. It
owns no execution thread: step and go commands drive the core inline on
the REPL goroutine, so the machine is always quiescent when the prompt
is showing.

Commands follow the single letter convention of classic machine
monitors. Addresses accept $hex, 0xhex, bare hex and #decimal, and
every address operand may be an expression mixing numbers and register
names, so "d pc-8 8" and "m sp 4" work as expected.

Breakpoints live entirely in the monitor: go single-steps the core and
compares pc against the breakpoint set after every instruction. That is
slower than native execution but keeps the core itself free of debug
hooks.

*/

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
)

// Cap on instructions executed by a single go command, so a runaway
// program cannot wedge the REPL.
const MONITOR_GO_BUDGET = 100_000_000

// MonitorCommand is a parsed command with name and arguments.
type MonitorCommand struct {
	Name string
	Args []string
}

// ParseCommand splits a raw input line into a command name and arguments.
func ParseCommand(input string) MonitorCommand {
	input = strings.TrimSpace(input)
	if input == "" {
		return MonitorCommand{}
	}
	parts := strings.Fields(input)
	return MonitorCommand{
		Name: strings.ToLower(parts[0]),
		Args: parts[1:],
	}
}

// ParseAddress parses a monitor address in various formats:
// $hex, 0xhex, bare hex, #decimal
func ParseAddress(s string) (uint32, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	if strings.HasPrefix(s, "#") {
		v, err := strconv.ParseUint(s[1:], 10, 32)
		return uint32(v), err == nil
	}
	if strings.HasPrefix(s, "$") {
		v, err := strconv.ParseUint(s[1:], 16, 32)
		return uint32(v), err == nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		return uint32(v), err == nil
	}
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err == nil
}

// EvalAddress evaluates <term> [+|- <term>]* where each term is a
// register name or a numeric address.
func EvalAddress(expr string, cpu DebuggableCPU) (uint32, bool) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, false
	}

	var result uint32
	op := byte('+')
	term := strings.Builder{}

	apply := func() bool {
		t := strings.TrimSpace(term.String())
		term.Reset()
		if t == "" {
			return false
		}
		val, ok := uint32(0), false
		if cpu != nil {
			val, ok = cpu.GetRegister(t)
		}
		if !ok {
			val, ok = ParseAddress(t)
		}
		if !ok {
			return false
		}
		if op == '-' {
			result -= val
		} else {
			result += val
		}
		return true
	}

	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		if (ch == '+' || ch == '-') && term.Len() > 0 {
			if !apply() {
				return 0, false
			}
			op = ch
			continue
		}
		term.WriteByte(ch)
	}
	if !apply() {
		return 0, false
	}
	return result, true
}

// DebugMonitor drives a machine interactively.
type DebugMonitor struct {
	machine *Machine
	store   *SnapshotStore // nil when snapshots are unavailable
	out     io.Writer

	breakpoints map[uint32]bool
	lastAddr    uint32 // continuation point for m and d
}

func NewDebugMonitor(machine *Machine, store *SnapshotStore) *DebugMonitor {
	return &DebugMonitor{
		machine:     machine,
		store:       store,
		out:         os.Stdout,
		breakpoints: make(map[uint32]bool),
	}
}

func (dm *DebugMonitor) printf(format string, args ...interface{}) {
	fmt.Fprintf(dm.out, format+"\n", args...)
}

// Run starts the REPL and blocks until the user exits.
func (dm *DebugMonitor) Run() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "be32> ",
		HistoryFile: "/tmp/brickengine_monitor_history.txt",
	})
	if err != nil {
		return fmt.Errorf("start readline: %w", err)
	}
	defer rl.Close()

	dm.printf("BE32 machine monitor. Type ? for help, x to exit.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		if dm.execLine(line) {
			return nil
		}
	}
}

// execLine executes one monitor command line. It returns true when the
// monitor should exit.
func (dm *DebugMonitor) execLine(input string) bool {
	cmd := ParseCommand(input)
	if cmd.Name == "" {
		return false
	}

	switch cmd.Name {
	case "r":
		dm.cmdRegisters(cmd)
	case "d":
		dm.cmdDisassemble(cmd)
	case "m":
		dm.cmdMemoryDump(cmd)
	case "w":
		dm.cmdWriteWord(cmd)
	case "s":
		dm.cmdStep(cmd)
	case "g":
		dm.cmdGo(cmd)
	case "b":
		dm.cmdBreakpointSet(cmd)
	case "bc":
		dm.cmdBreakpointClear(cmd)
	case "bl":
		dm.cmdBreakpointList()
	case "load":
		dm.cmdLoad(cmd)
	case "info":
		dm.cmdInfo()
	case "in":
		dm.cmdInput(cmd, input)
	case "drain":
		dm.cmdDrain()
	case "fb":
		dm.cmdFramebuffer(cmd)
	case "ss":
		dm.cmdSnapshotSave(cmd)
	case "sl":
		dm.cmdSnapshotLoad(cmd)
	case "snaps":
		dm.cmdSnapshotList()
	case "sd":
		dm.cmdSnapshotDelete(cmd)
	case "reset":
		dm.machine.Reset()
		dm.printf("machine reset")
	case "x", "q", "quit", "exit":
		return true
	case "?", "help":
		dm.cmdHelp()
	default:
		dm.printf("Unknown command: %s (? for help)", cmd.Name)
	}
	return false
}

func (dm *DebugMonitor) cmdRegisters(cmd MonitorCommand) {
	cpu := dm.machine.cpu
	if len(cmd.Args) >= 2 {
		name := cmd.Args[0]
		val, ok := EvalAddress(cmd.Args[1], cpu)
		if !ok {
			dm.printf("Invalid value: %s", cmd.Args[1])
			return
		}
		if cpu.SetRegister(name, val) {
			dm.printf("%s = $%08X", strings.ToUpper(name), val)
		} else {
			dm.printf("Unknown register: %s", name)
		}
		return
	}

	regs := cpu.GetRegisters()
	for i := 0; i < len(regs); i += 4 {
		line := ""
		for j := i; j < i+4 && j < len(regs); j++ {
			line += fmt.Sprintf("%-4s $%08X   ", regs[j].Name, regs[j].Value)
		}
		dm.printf("%s", strings.TrimRight(line, " "))
	}
	dm.printf("cycles %d  halted %v  invalid-ops %d", cpu.Cycles(), cpu.IsHalted(), cpu.InvalidOpcodeCount())
	if fault := cpu.Fault(); fault != nil {
		dm.printf("FAULT: %v", fault)
	}
}

func (dm *DebugMonitor) cmdDisassemble(cmd MonitorCommand) {
	cpu := dm.machine.cpu
	addr := cpu.PC()
	count := 16
	if len(cmd.Args) >= 1 {
		v, ok := EvalAddress(cmd.Args[0], cpu)
		if !ok {
			dm.printf("Bad address: %s", cmd.Args[0])
			return
		}
		addr = v
	} else if dm.lastAddr != 0 {
		addr = dm.lastAddr
	}
	if len(cmd.Args) >= 2 {
		if n, err := strconv.Atoi(cmd.Args[1]); err == nil && n > 0 {
			count = n
		}
	}

	lines := disassembleBE32(dm.machine.bus.ReadWord, addr, count, cpu.PC())
	for _, l := range lines {
		marker := "  "
		if l.IsPC {
			marker = "> "
		}
		bp := " "
		if dm.breakpoints[l.Address] {
			bp = "*"
		}
		dm.printf("%s%s$%08X  %s  %s", marker, bp, l.Address, l.HexBytes, l.Mnemonic)
	}
	if len(lines) > 0 {
		dm.lastAddr = lines[len(lines)-1].Address + INSTRUCTION_SIZE
	}
}

func (dm *DebugMonitor) cmdMemoryDump(cmd MonitorCommand) {
	cpu := dm.machine.cpu
	addr := dm.lastAddr
	count := 8 // lines of 16 bytes
	if len(cmd.Args) >= 1 {
		v, ok := EvalAddress(cmd.Args[0], cpu)
		if !ok {
			dm.printf("Bad address: %s", cmd.Args[0])
			return
		}
		addr = v
	}
	if len(cmd.Args) >= 2 {
		if n, err := strconv.Atoi(cmd.Args[1]); err == nil && n > 0 {
			count = n
		}
	}

	for line := 0; line < count; line++ {
		hexPart := strings.Builder{}
		asciiPart := strings.Builder{}
		for i := 0; i < 16; i++ {
			b, ok := dm.machine.bus.ReadByte(addr + uint32(i))
			if !ok {
				hexPart.WriteString("-- ")
				asciiPart.WriteByte('.')
				continue
			}
			fmt.Fprintf(&hexPart, "%02X ", b)
			if b >= 0x20 && b < 0x7F {
				asciiPart.WriteByte(b)
			} else {
				asciiPart.WriteByte('.')
			}
		}
		dm.printf("$%08X  %s %s", addr, hexPart.String(), asciiPart.String())
		addr += 16
	}
	dm.lastAddr = addr
}

func (dm *DebugMonitor) cmdWriteWord(cmd MonitorCommand) {
	if len(cmd.Args) < 2 {
		dm.printf("usage: w <addr> <value>")
		return
	}
	cpu := dm.machine.cpu
	addr, ok := EvalAddress(cmd.Args[0], cpu)
	if !ok {
		dm.printf("Bad address: %s", cmd.Args[0])
		return
	}
	value, ok := EvalAddress(cmd.Args[1], cpu)
	if !ok {
		dm.printf("Bad value: %s", cmd.Args[1])
		return
	}
	if !dm.machine.bus.WriteWord(addr, value) {
		dm.printf("Write failed at $%08X", addr)
		return
	}
	dm.printf("$%08X = $%08X", addr, value)
}

func (dm *DebugMonitor) cmdStep(cmd MonitorCommand) {
	n := 1
	if len(cmd.Args) >= 1 {
		if v, err := strconv.Atoi(cmd.Args[0]); err == nil && v > 0 {
			n = v
		}
	}
	cpu := dm.machine.cpu
	for i := 0; i < n; i++ {
		if !cpu.Step() {
			break
		}
	}
	dm.showCurrentInstruction()
}

func (dm *DebugMonitor) showCurrentInstruction() {
	cpu := dm.machine.cpu
	if fault := cpu.Fault(); fault != nil {
		dm.printf("FAULT: %v", fault)
		return
	}
	if cpu.IsHalted() {
		dm.printf("halted at $%08X, cycle %d", cpu.PC(), cpu.Cycles())
		return
	}
	lines := disassembleBE32(dm.machine.bus.ReadWord, cpu.PC(), 1, cpu.PC())
	if len(lines) == 1 {
		dm.printf("> $%08X  %s  %s", lines[0].Address, lines[0].HexBytes, lines[0].Mnemonic)
	}
}

func (dm *DebugMonitor) cmdGo(cmd MonitorCommand) {
	cpu := dm.machine.cpu
	if len(cmd.Args) >= 1 {
		addr, ok := EvalAddress(cmd.Args[0], cpu)
		if !ok {
			dm.printf("Bad address: %s", cmd.Args[0])
			return
		}
		cpu.SetPC(addr)
	}

	var executed uint64
	for executed < MONITOR_GO_BUDGET {
		if !cpu.Step() {
			break
		}
		executed++
		if dm.breakpoints[cpu.PC()] {
			dm.printf("breakpoint at $%08X after %d instructions", cpu.PC(), executed)
			dm.showCurrentInstruction()
			return
		}
	}
	if executed >= MONITOR_GO_BUDGET {
		dm.printf("stopped after %d instructions (budget)", executed)
	}
	dm.showCurrentInstruction()
}

func (dm *DebugMonitor) cmdBreakpointSet(cmd MonitorCommand) {
	if len(cmd.Args) < 1 {
		dm.printf("usage: b <addr>")
		return
	}
	addr, ok := EvalAddress(cmd.Args[0], dm.machine.cpu)
	if !ok {
		dm.printf("Bad address: %s", cmd.Args[0])
		return
	}
	dm.breakpoints[addr] = true
	dm.printf("breakpoint set at $%08X", addr)
}

func (dm *DebugMonitor) cmdBreakpointClear(cmd MonitorCommand) {
	if len(cmd.Args) < 1 {
		dm.printf("usage: bc <addr>|*")
		return
	}
	if cmd.Args[0] == "*" {
		dm.breakpoints = make(map[uint32]bool)
		dm.printf("all breakpoints cleared")
		return
	}
	addr, ok := EvalAddress(cmd.Args[0], dm.machine.cpu)
	if !ok {
		dm.printf("Bad address: %s", cmd.Args[0])
		return
	}
	delete(dm.breakpoints, addr)
	dm.printf("breakpoint cleared at $%08X", addr)
}

func (dm *DebugMonitor) cmdBreakpointList() {
	if len(dm.breakpoints) == 0 {
		dm.printf("no breakpoints")
		return
	}
	for addr := range dm.breakpoints {
		dm.printf("  $%08X", addr)
	}
}

func (dm *DebugMonitor) cmdLoad(cmd MonitorCommand) {
	if len(cmd.Args) < 1 {
		dm.printf("usage: load <file.brick>")
		return
	}
	if err := dm.machine.LoadBrickFile(cmd.Args[0]); err != nil {
		dm.printf("load failed: %v", err)
		return
	}
	dm.lastAddr = 0
	dm.cmdInfo()
}

func (dm *DebugMonitor) cmdInfo() {
	hdr := dm.machine.Header()
	if hdr == nil {
		dm.printf("no image loaded")
		return
	}
	dm.printf("version      %d", hdr.Version)
	dm.printf("instructions %d", hdr.InstrCount)
	dm.printf("entry        $%08X", uint32(hdr.EntryPoint))
	dm.printf("timestamp    %d", hdr.Timestamp)
	dm.printf("checksum     $%016X", hdr.Checksum)
	if meta := hdr.MetadataString(); meta != "" {
		dm.printf("metadata     %s", meta)
	}
}

// cmdInput feeds everything after the command word to the console input
// queue, with a trailing newline.
func (dm *DebugMonitor) cmdInput(cmd MonitorCommand, rawLine string) {
	if len(cmd.Args) < 1 {
		dm.printf("usage: in <text>")
		return
	}
	trimmed := strings.TrimSpace(rawLine)
	sp := strings.IndexAny(trimmed, " \t")
	text := strings.TrimSpace(trimmed[sp+1:]) + "\n"
	dropped := 0
	for i := 0; i < len(text); i++ {
		if !dm.machine.console.EnqueueInput(text[i]) {
			dropped++
		}
	}
	if dropped > 0 {
		dm.printf("input queue full, %d byte(s) dropped", dropped)
	}
}

func (dm *DebugMonitor) cmdDrain() {
	data := dm.machine.console.DrainOutput()
	if len(data) == 0 {
		dm.printf("no pending output")
		return
	}
	fmt.Fprint(dm.out, string(data))
	if data[len(data)-1] != '\n' {
		fmt.Fprintln(dm.out)
	}
}

func (dm *DebugMonitor) cmdFramebuffer(cmd MonitorCommand) {
	if len(cmd.Args) < 1 {
		dm.printf("usage: fb <file.bmp>")
		return
	}
	if err := dm.machine.fb.WriteBMPFile(cmd.Args[0]); err != nil {
		dm.printf("framebuffer export failed: %v", err)
		return
	}
	dm.printf("framebuffer written to %s", cmd.Args[0])
}

func (dm *DebugMonitor) cmdSnapshotSave(cmd MonitorCommand) {
	if dm.store == nil {
		dm.printf("no snapshot store configured")
		return
	}
	label := ""
	if len(cmd.Args) >= 1 {
		label = strings.Join(cmd.Args, " ")
	}
	snap := dm.machine.CaptureSnapshot(label)
	id, err := dm.store.Save(snap)
	if err != nil {
		dm.printf("snapshot save failed: %v", err)
		return
	}
	dm.printf("snapshot saved: %s", id)
}

func (dm *DebugMonitor) cmdSnapshotLoad(cmd MonitorCommand) {
	if dm.store == nil {
		dm.printf("no snapshot store configured")
		return
	}
	if len(cmd.Args) < 1 {
		dm.printf("usage: sl <id>")
		return
	}
	snap, err := dm.store.Load(cmd.Args[0])
	if err != nil {
		dm.printf("snapshot load failed: %v", err)
		return
	}
	if err := dm.machine.RestoreSnapshot(snap); err != nil {
		dm.printf("snapshot restore failed: %v", err)
		return
	}
	dm.printf("restored %s (pc $%08X, cycle %d)", cmd.Args[0], snap.PC, snap.Cycles)
}

func (dm *DebugMonitor) cmdSnapshotList() {
	if dm.store == nil {
		dm.printf("no snapshot store configured")
		return
	}
	infos, err := dm.store.List()
	if err != nil {
		dm.printf("snapshot list failed: %v", err)
		return
	}
	if len(infos) == 0 {
		dm.printf("no snapshots")
		return
	}
	for _, info := range infos {
		label := info.Label
		if label == "" {
			label = "-"
		}
		dm.printf("%-16s cycle %-12d pc $%08X  %s", info.ID, info.Cycles, info.PC, label)
	}
}

func (dm *DebugMonitor) cmdSnapshotDelete(cmd MonitorCommand) {
	if dm.store == nil {
		dm.printf("no snapshot store configured")
		return
	}
	if len(cmd.Args) < 1 {
		dm.printf("usage: sd <id>")
		return
	}
	if err := dm.store.Delete(cmd.Args[0]); err != nil {
		dm.printf("snapshot delete failed: %v", err)
		return
	}
	dm.printf("deleted %s", cmd.Args[0])
}

func (dm *DebugMonitor) cmdHelp() {
	dm.printf("r [name val]     show registers / set register")
	dm.printf("d [addr] [n]     disassemble")
	dm.printf("m [addr] [n]     memory dump, n lines of 16 bytes")
	dm.printf("w <addr> <val>   write word")
	dm.printf("s [n]            step n instructions")
	dm.printf("g [addr]         run until halt, fault or breakpoint")
	dm.printf("b <addr>         set breakpoint")
	dm.printf("bc <addr>|*      clear breakpoint(s)")
	dm.printf("bl               list breakpoints")
	dm.printf("load <file>      load brick image")
	dm.printf("info             show loaded image header")
	dm.printf("in <text>        queue console input")
	dm.printf("drain            print pending console output")
	dm.printf("fb <file.bmp>    export framebuffer")
	dm.printf("ss [label]       save snapshot")
	dm.printf("sl <id>          restore snapshot")
	dm.printf("snaps            list snapshots")
	dm.printf("sd <id>          delete snapshot")
	dm.printf("reset            cold reset")
	dm.printf("x                exit monitor")
}
