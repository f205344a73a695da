// debug_cpu_be32.go - DebuggableCPU implementation for the BE32 core

package main

import (
	"strconv"
	"strings"
)

func (c *CPU) CPUName() string { return "BE32" }

func (c *CPU) GetRegisters() []RegisterInfo {
	regs := make([]RegisterInfo, 0, REG_COUNT+1)
	regs = append(regs, RegisterInfo{Name: "PC", Value: c.pc})
	for i := 0; i < REG_COUNT; i++ {
		name := "R" + strconv.Itoa(i)
		if i == REG_SP {
			name = "SP"
		}
		regs = append(regs, RegisterInfo{Name: name, Value: c.getReg(byte(i))})
	}
	return regs
}

// parseRegName accepts "PC", "SP" and "R0".."R31", case-insensitive.
func parseRegName(name string) (int, bool) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	switch upper {
	case "PC":
		return -1, true
	case "SP":
		return REG_SP, true
	}
	if !strings.HasPrefix(upper, "R") {
		return 0, false
	}
	n, err := strconv.Atoi(upper[1:])
	if err != nil || n < 0 || n >= REG_COUNT {
		return 0, false
	}
	return n, true
}

func (c *CPU) GetRegister(name string) (uint32, bool) {
	idx, ok := parseRegName(name)
	if !ok {
		return 0, false
	}
	if idx < 0 {
		return c.pc, true
	}
	return c.getReg(byte(idx)), true
}

func (c *CPU) SetRegister(name string, value uint32) bool {
	idx, ok := parseRegName(name)
	if !ok {
		return false
	}
	if idx < 0 {
		c.pc = value
		return true
	}
	c.setReg(byte(idx), value)
	return true
}
