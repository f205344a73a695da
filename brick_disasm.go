// brick_disasm.go - BE32 disassembler

package main

import "fmt"

var be32OpcodeNames = map[byte]string{
	OP_NOP:   "NOP",
	OP_MOV:   "MOV",
	OP_ADD:   "ADD",
	OP_SUB:   "SUB",
	OP_MUL:   "MUL",
	OP_DIV:   "DIV",
	OP_AND:   "AND",
	OP_OR:    "OR",
	OP_XOR:   "XOR",
	OP_NOT:   "NOT",
	OP_SHL:   "SHL",
	OP_SHR:   "SHR",
	OP_LOAD:  "LOAD",
	OP_STORE: "STORE",
	OP_JUMP:  "JUMP",
	OP_JZ:    "JZ",
	OP_JNZ:   "JNZ",
	OP_CALL:  "CALL",
	OP_RET:   "RET",
	OP_ECALL: "ECALL",
	OP_HALT:  "HALT",
}

func be32RegName(idx byte) string {
	if idx == REG_SP {
		return "SP"
	}
	return fmt.Sprintf("R%d", idx)
}

// disassembleWord decodes a single 4-byte instruction into display form.
func disassembleWord(word uint32) string {
	opcode := byte(word)
	rd := byte(word>>8) & 0x1F
	rs1 := byte(word>>16) & 0x1F
	rs2 := byte(word>>24) & 0x1F

	name, ok := be32OpcodeNames[opcode]
	if !ok {
		return fmt.Sprintf("DB $%02X", opcode)
	}

	switch opcode {
	case OP_NOP, OP_RET, OP_ECALL, OP_HALT:
		return name
	case OP_MOV, OP_NOT:
		return fmt.Sprintf("%s %s, %s", name, be32RegName(rd), be32RegName(rs1))
	case OP_LOAD:
		return fmt.Sprintf("%s %s, (%s)", name, be32RegName(rd), be32RegName(rs1))
	case OP_STORE:
		return fmt.Sprintf("%s (%s), %s", name, be32RegName(rs1), be32RegName(rs2))
	case OP_JUMP, OP_CALL:
		return fmt.Sprintf("%s %s", name, be32RegName(rs1))
	case OP_JZ, OP_JNZ:
		return fmt.Sprintf("%s %s, %s", name, be32RegName(rs1), be32RegName(rs2))
	default:
		return fmt.Sprintf("%s %s, %s, %s", name, be32RegName(rd), be32RegName(rs1), be32RegName(rs2))
	}
}

// disassembleBE32 decodes count instructions starting at addr, reading
// words through readWord and flagging the line occupied by pc. Decoding
// stops at the first unreadable word.
func disassembleBE32(readWord func(addr uint32) (uint32, bool), addr uint32, count int, pc uint32) []DisassembledLine {
	var lines []DisassembledLine
	for i := 0; i < count; i++ {
		word, ok := readWord(addr)
		if !ok {
			break
		}
		lines = append(lines, DisassembledLine{
			Address: addr,
			HexBytes: fmt.Sprintf("%02X %02X %02X %02X",
				byte(word), byte(word>>8), byte(word>>16), byte(word>>24)),
			Mnemonic: disassembleWord(word),
			IsPC:     addr == pc,
		})
		addr += INSTRUCTION_SIZE
	}
	return lines
}
