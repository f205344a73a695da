// brick_asm.go - two-pass assembler for BE32 brick images

/*

The assembler turns BE32 source into a complete brick image. The ISA has
no immediate operands, so constants are materialised by the li pseudo-op
as a fixed shift-and-add sequence built from the zero register: NOT gives
all-ones, SUB gives one, and thirty-two shift/add pairs reconstruct any
32-bit value most significant bit first. The expansion always emits the
same number of instructions whether or not the value is known yet, which
is what lets pass one assign every label a final address before pass two
resolves a single symbol.

Registers r28 and r29 belong to the assembler: r28 holds the constant one
inside li, r29 carries branch targets for the label forms of jmp, jz, jnz
and call. Source that names them as operands of those pseudo-ops is
rejected rather than silently miscompiled.

Syntax, one statement per line:

    label:                  ; address of the next instruction
    .equ NAME expr          ; symbolic constant
    .entry label            ; image entry point, default 0
    .meta "text"            ; image metadata, max 64 bytes
    dw expr                 ; raw 4-byte word in the instruction stream
    add r1, r2, r3          ; register forms mirror the disassembler
    load r1, (r2)
    store (r2), r1
    li r1, 0x30000000       ; pseudo, 67 instructions
    jmp loop                ; pseudo, li r29 + register jump
    jz r1, done             ; pseudo when the target is not a register

Comments run from ';' to end of line. Expressions are decimal, hex with
0x, character literals in single quotes, labels and equates, combined
with + and -.

*/

package main

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	ASM_REG_ONE  = 28 // holds constant 1 inside li
	ASM_REG_ADDR = 29 // branch target temp for label-form branches

	// li always expands to this many instructions so that pass one can
	// size code without resolving symbols.
	LI_EXPANSION_WORDS = 3 + 32*2
)

// ---------------------------------------------------------------------
// BrickAssembler
// ---------------------------------------------------------------------

type BrickAssembler struct {
	labels  map[string]uint32
	equates map[string]uint32

	entryExpr string
	entryLine int
	meta      string

	errors []string

	pass       int
	codeOffset uint32
}

func NewBrickAssembler() *BrickAssembler {
	return &BrickAssembler{
		labels:  make(map[string]uint32),
		equates: make(map[string]uint32),
	}
}

func (a *BrickAssembler) addError(line int, format string, args ...interface{}) {
	a.errors = append(a.errors, fmt.Sprintf("line %d: %s", line, fmt.Sprintf(format, args...)))
}

func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == '"' || c == '\'' {
			inQuote = !inQuote
		} else if c == ';' && !inQuote {
			return line[:i]
		}
	}
	return line
}

// ---------------------------------------------------------------------
// Operand parsing
// ---------------------------------------------------------------------

func parseRegister(name string) (byte, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "sp" {
		return REG_SP, true
	}
	if strings.HasPrefix(name, "r") {
		n, err := strconv.Atoi(name[1:])
		if err == nil && n >= 0 && n < REG_COUNT {
			return byte(n), true
		}
	}
	return 0, false
}

// parseIndirect strips one level of (r) parentheses, returning the inner
// register. Plain register names are accepted too.
func parseIndirect(op string) (byte, bool) {
	op = strings.TrimSpace(op)
	if strings.HasPrefix(op, "(") && strings.HasSuffix(op, ")") {
		op = op[1 : len(op)-1]
	}
	return parseRegister(op)
}

func splitOperands(rest string) []string {
	if strings.TrimSpace(rest) == "" {
		return nil
	}
	parts := strings.Split(rest, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// evalExpr resolves an expression of +/- separated terms: numbers,
// character literals, labels and equates.
func (a *BrickAssembler) evalExpr(expr string) (uint32, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("empty expression")
	}

	var total int64
	sign := int64(1)
	term := strings.Builder{}

	flush := func() error {
		s := strings.TrimSpace(term.String())
		term.Reset()
		if s == "" {
			return fmt.Errorf("malformed expression %q", expr)
		}
		v, err := a.evalTerm(s)
		if err != nil {
			return err
		}
		total += sign * int64(v)
		return nil
	}

	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if (c == '+' || c == '-') && term.Len() > 0 {
			if err := flush(); err != nil {
				return 0, err
			}
			if c == '+' {
				sign = 1
			} else {
				sign = -1
			}
			continue
		}
		if c == '-' && term.Len() == 0 {
			sign = -sign
			continue
		}
		term.WriteByte(c)
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return uint32(total), nil
}

func (a *BrickAssembler) evalTerm(s string) (uint32, error) {
	if len(s) >= 3 && s[0] == '\'' && s[len(s)-1] == '\'' {
		inner := s[1 : len(s)-1]
		if len(inner) != 1 {
			return 0, fmt.Errorf("bad character literal %s", s)
		}
		return uint32(inner[0]), nil
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0x") {
		v, err := strconv.ParseUint(lower[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("bad hex literal %s", s)
		}
		return uint32(v), nil
	}
	if c := s[0]; c >= '0' && c <= '9' {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("bad numeric literal %s", s)
		}
		return uint32(v), nil
	}
	key := strings.ToLower(s)
	if v, ok := a.equates[key]; ok {
		return v, nil
	}
	if v, ok := a.labels[key]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("undefined symbol %s", s)
}

// ---------------------------------------------------------------------
// Pseudo-op expansion
// ---------------------------------------------------------------------

// liWords encodes the fixed li sequence for rd = value. Pass one calls it
// with value zero purely for sizing.
func liWords(rd byte, value uint32) []uint32 {
	words := make([]uint32, 0, LI_EXPANSION_WORDS)
	enc := func(op, d, s1, s2 byte) uint32 {
		return uint32(op) | uint32(d)<<8 | uint32(s1)<<16 | uint32(s2)<<24
	}
	// NOT then SUB leaves 1 in the scratch register.
	words = append(words, enc(OP_NOT, ASM_REG_ONE, REG_ZERO, 0))
	words = append(words, enc(OP_SUB, ASM_REG_ONE, REG_ZERO, ASM_REG_ONE))
	words = append(words, enc(OP_MOV, rd, REG_ZERO, 0))
	for bit := 31; bit >= 0; bit-- {
		words = append(words, enc(OP_SHL, rd, rd, ASM_REG_ONE))
		if value&(1<<uint(bit)) != 0 {
			words = append(words, enc(OP_ADD, rd, rd, ASM_REG_ONE))
		} else {
			words = append(words, enc(OP_ADD, rd, rd, REG_ZERO))
		}
	}
	return words
}

// ---------------------------------------------------------------------
// Statement assembly
// ---------------------------------------------------------------------

type asmStatement struct {
	line     int    // 1-based source line
	mnemonic string // lowercased
	operands []string
}

// statementSize returns the number of instruction words a statement
// occupies. It never needs symbol values.
func (a *BrickAssembler) statementSize(st asmStatement) uint32 {
	switch st.mnemonic {
	case "li":
		return LI_EXPANSION_WORDS
	case "jmp", "call":
		if len(st.operands) == 1 {
			if _, isReg := parseRegister(st.operands[0]); isReg {
				return 1
			}
		}
		return LI_EXPANSION_WORDS + 1
	case "jz", "jnz":
		if len(st.operands) == 2 {
			if _, isReg := parseRegister(st.operands[1]); isReg {
				return 1
			}
		}
		return LI_EXPANSION_WORDS + 1
	default:
		return 1
	}
}

func (a *BrickAssembler) wantOperands(st asmStatement, n int) bool {
	if len(st.operands) != n {
		a.addError(st.line, "%s expects %d operand(s), got %d", st.mnemonic, n, len(st.operands))
		return false
	}
	return true
}

func (a *BrickAssembler) reg(st asmStatement, op string) byte {
	r, ok := parseRegister(op)
	if !ok {
		a.addError(st.line, "bad register %q", op)
	}
	return r
}

func encodeWord(op, rd, rs1, rs2 byte) uint32 {
	return uint32(op) | uint32(rd)<<8 | uint32(rs1)<<16 | uint32(rs2)<<24
}

// encodeStatement emits the words for one statement. Symbols resolve
// against the completed pass-one tables.
func (a *BrickAssembler) encodeStatement(st asmStatement) []uint32 {
	threeReg := func(op byte) []uint32 {
		if !a.wantOperands(st, 3) {
			return nil
		}
		return []uint32{encodeWord(op, a.reg(st, st.operands[0]), a.reg(st, st.operands[1]), a.reg(st, st.operands[2]))}
	}
	twoReg := func(op byte) []uint32 {
		if !a.wantOperands(st, 2) {
			return nil
		}
		return []uint32{encodeWord(op, a.reg(st, st.operands[0]), a.reg(st, st.operands[1]), 0)}
	}

	switch st.mnemonic {
	case "nop":
		return []uint32{encodeWord(OP_NOP, 0, 0, 0)}
	case "ret":
		return []uint32{encodeWord(OP_RET, 0, 0, 0)}
	case "ecall":
		return []uint32{encodeWord(OP_ECALL, 0, 0, 0)}
	case "halt":
		return []uint32{encodeWord(OP_HALT, 0, 0, 0)}

	case "mov":
		return twoReg(OP_MOV)
	case "not":
		return twoReg(OP_NOT)

	case "add":
		return threeReg(OP_ADD)
	case "sub":
		return threeReg(OP_SUB)
	case "mul":
		return threeReg(OP_MUL)
	case "div":
		return threeReg(OP_DIV)
	case "and":
		return threeReg(OP_AND)
	case "or":
		return threeReg(OP_OR)
	case "xor":
		return threeReg(OP_XOR)
	case "shl":
		return threeReg(OP_SHL)
	case "shr":
		return threeReg(OP_SHR)

	case "load":
		if !a.wantOperands(st, 2) {
			return nil
		}
		rd := a.reg(st, st.operands[0])
		rs1, ok := parseIndirect(st.operands[1])
		if !ok {
			a.addError(st.line, "bad address operand %q", st.operands[1])
			return nil
		}
		return []uint32{encodeWord(OP_LOAD, rd, rs1, 0)}

	case "store":
		if !a.wantOperands(st, 2) {
			return nil
		}
		rs1, ok := parseIndirect(st.operands[0])
		if !ok {
			a.addError(st.line, "bad address operand %q", st.operands[0])
			return nil
		}
		return []uint32{encodeWord(OP_STORE, 0, rs1, a.reg(st, st.operands[1]))}

	case "jump":
		if !a.wantOperands(st, 1) {
			return nil
		}
		return []uint32{encodeWord(OP_JUMP, 0, a.reg(st, st.operands[0]), 0)}

	case "jmp", "call":
		op := byte(OP_JUMP)
		if st.mnemonic == "call" {
			op = OP_CALL
		}
		if !a.wantOperands(st, 1) {
			return nil
		}
		if r, isReg := parseRegister(st.operands[0]); isReg {
			return []uint32{encodeWord(op, 0, r, 0)}
		}
		target, err := a.evalExpr(st.operands[0])
		if err != nil {
			a.addError(st.line, "%v", err)
			return nil
		}
		words := liWords(ASM_REG_ADDR, target)
		return append(words, encodeWord(op, 0, ASM_REG_ADDR, 0))

	case "jz", "jnz":
		op := byte(OP_JZ)
		if st.mnemonic == "jnz" {
			op = OP_JNZ
		}
		if !a.wantOperands(st, 2) {
			return nil
		}
		cond := a.reg(st, st.operands[0])
		if r, isReg := parseRegister(st.operands[1]); isReg {
			return []uint32{encodeWord(op, 0, cond, r)}
		}
		if cond == ASM_REG_ONE || cond == ASM_REG_ADDR {
			a.addError(st.line, "condition register r%d is reserved in the label form of %s", cond, st.mnemonic)
			return nil
		}
		target, err := a.evalExpr(st.operands[1])
		if err != nil {
			a.addError(st.line, "%v", err)
			return nil
		}
		words := liWords(ASM_REG_ADDR, target)
		return append(words, encodeWord(op, 0, cond, ASM_REG_ADDR))

	case "li":
		if !a.wantOperands(st, 2) {
			return nil
		}
		rd := a.reg(st, st.operands[0])
		if rd == ASM_REG_ONE {
			a.addError(st.line, "r%d is reserved as the li scratch register", ASM_REG_ONE)
			return nil
		}
		value, err := a.evalExpr(st.operands[1])
		if err != nil {
			a.addError(st.line, "%v", err)
			return nil
		}
		return liWords(rd, value)

	case "dw":
		if !a.wantOperands(st, 1) {
			return nil
		}
		value, err := a.evalExpr(st.operands[0])
		if err != nil {
			a.addError(st.line, "%v", err)
			return nil
		}
		return []uint32{value}
	}

	a.addError(st.line, "unknown mnemonic %q", st.mnemonic)
	return nil
}

// ---------------------------------------------------------------------
// Directives and line scanning
// ---------------------------------------------------------------------

// scanLine splits one source line into label and statement parts,
// recording directives as it goes. A nil return means the line emits no
// code.
func (a *BrickAssembler) scanLine(lineNum int, raw string) *asmStatement {
	trimmed := strings.TrimSpace(stripComment(raw))
	if trimmed == "" {
		return nil
	}

	if idx := strings.Index(trimmed, ":"); idx >= 0 && !strings.ContainsAny(trimmed[:idx], " \t") {
		label := strings.ToLower(trimmed[:idx])
		if label == "" {
			a.addError(lineNum, "empty label")
		} else if a.pass == 1 {
			if _, dup := a.labels[label]; dup {
				a.addError(lineNum, "duplicate label %q", label)
			}
			a.labels[label] = a.codeOffset
		}
		trimmed = strings.TrimSpace(trimmed[idx+1:])
		if trimmed == "" {
			return nil
		}
	}

	fields := strings.SplitN(trimmed, " ", 2)
	mnemonic := strings.ToLower(fields[0])
	rest := ""
	if len(fields) > 1 {
		rest = fields[1]
	}

	switch mnemonic {
	case ".equ":
		if a.pass != 1 {
			return nil
		}
		parts := strings.Fields(rest)
		if len(parts) < 2 {
			a.addError(lineNum, ".equ expects a name and a value")
			return nil
		}
		name := strings.ToLower(parts[0])
		value, err := a.evalExpr(strings.Join(parts[1:], " "))
		if err != nil {
			a.addError(lineNum, ".equ %s: %v", parts[0], err)
			return nil
		}
		a.equates[name] = value
		return nil
	case ".entry":
		if a.pass == 1 {
			a.entryExpr = strings.TrimSpace(rest)
			a.entryLine = lineNum
		}
		return nil
	case ".meta":
		if a.pass == 1 {
			text := strings.TrimSpace(rest)
			text = strings.Trim(text, "\"")
			if len(text) > BRICK_METADATA_SIZE {
				a.addError(lineNum, "metadata exceeds %d bytes", BRICK_METADATA_SIZE)
				return nil
			}
			a.meta = text
		}
		return nil
	}

	return &asmStatement{line: lineNum, mnemonic: mnemonic, operands: splitOperands(rest)}
}

// ---------------------------------------------------------------------
// Assemble
// ---------------------------------------------------------------------

// AssembleInstructions assembles source into the raw instruction stream
// plus the resolved entry point and metadata.
func (a *BrickAssembler) AssembleInstructions(source string) ([]byte, uint32, error) {
	a.labels = make(map[string]uint32)
	a.equates = make(map[string]uint32)
	a.errors = nil
	a.entryExpr = ""
	a.meta = ""

	lines := strings.Split(source, "\n")

	// Pass 1: directives, labels, address assignment.
	a.pass = 1
	a.codeOffset = 0
	for i, raw := range lines {
		st := a.scanLine(i+1, raw)
		if st == nil {
			continue
		}
		a.codeOffset += a.statementSize(*st) * INSTRUCTION_SIZE
	}
	if len(a.errors) > 0 {
		return nil, 0, fmt.Errorf("assembly failed:\n  %s", strings.Join(a.errors, "\n  "))
	}

	// Pass 2: encoding with all symbols known.
	a.pass = 2
	a.codeOffset = 0
	var out []byte
	for i, raw := range lines {
		st := a.scanLine(i+1, raw)
		if st == nil {
			continue
		}
		words := a.encodeStatement(*st)
		for _, w := range words {
			out = append(out, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
		}
		a.codeOffset += uint32(len(words)) * INSTRUCTION_SIZE
	}

	var entry uint32
	if a.entryExpr != "" {
		v, err := a.evalExpr(a.entryExpr)
		if err != nil {
			a.addError(a.entryLine, ".entry: %v", err)
		} else {
			entry = v
		}
	}
	if len(a.errors) > 0 {
		return nil, 0, fmt.Errorf("assembly failed:\n  %s", strings.Join(a.errors, "\n  "))
	}
	return out, entry, nil
}

// Assemble assembles source into a complete brick image.
func (a *BrickAssembler) Assemble(source string) ([]byte, error) {
	instr, entry, err := a.AssembleInstructions(source)
	if err != nil {
		return nil, err
	}
	return EncodeBrick(instr, entry, []byte(a.meta), 0)
}
