package compiler

import (
	"basic10/pkg/ic10"
)

// SymbolInfo is the editor-facing view of one declared name.
type SymbolInfo struct {
	Line   int
	Column int
	Kind   SymbolKind
}

// SourceMap links the emitted program back to the BASIC source. Lines are
// 1-based positions in the flattened (post-include) source; Origins maps
// them back to the original file when includes were expanded.
type SourceMap struct {
	// IC10ToBasic holds, per instruction index, the BASIC line it was
	// lowered from (0 for synthetic instructions).
	IC10ToBasic []int
	// BasicToIC10 holds, per BASIC line, the indices of every instruction
	// lowered from it, in program order.
	BasicToIC10 map[int][]int

	Symbols map[string]SymbolInfo
	// VariableRegisters and AliasDevices use the hardware mnemonics
	// ("r0", "d3", "db") so a debugger host can print them verbatim.
	VariableRegisters map[string]string
	AliasDevices      map[string]string

	Origins []SourceRef
}

// BuildSourceMap assembles the map for a finished program. It runs after
// optimization so instruction indices are final.
func BuildSourceMap(prog []ic10.Instruction, syms *SymbolTable, refs []SourceRef) *SourceMap {
	m := &SourceMap{
		IC10ToBasic:       make([]int, len(prog)),
		BasicToIC10:       make(map[int][]int),
		Symbols:           make(map[string]SymbolInfo),
		VariableRegisters: make(map[string]string),
		AliasDevices:      make(map[string]string),
		Origins:           refs,
	}
	for i, in := range prog {
		m.IC10ToBasic[i] = in.SourceLine
		if in.SourceLine > 0 {
			m.BasicToIC10[in.SourceLine] = append(m.BasicToIC10[in.SourceLine], i)
		}
	}
	for _, s := range syms.All() {
		m.Symbols[s.Name] = SymbolInfo{Line: s.Line, Column: s.Column, Kind: s.Kind}
		switch s.Kind {
		case SymVariable:
			m.VariableRegisters[s.Name] = ic10.Reg(s.Register).String()
		case SymAlias:
			if s.Pin < 0 {
				m.AliasDevices[s.Name] = ic10.DB().String()
			} else {
				m.AliasDevices[s.Name] = ic10.Dev(s.Pin).String()
			}
		}
	}
	return m
}

// LineFor returns the BASIC line an instruction came from, or 0 when the
// index is out of range or the instruction is synthetic.
func (m *SourceMap) LineFor(index int) int {
	if index < 0 || index >= len(m.IC10ToBasic) {
		return 0
	}
	return m.IC10ToBasic[index]
}

// InstructionsFor returns the instruction indices lowered from a BASIC
// line, or nil.
func (m *SourceMap) InstructionsFor(line int) []int {
	return m.BasicToIC10[line]
}

// Origin maps a flattened line back to its original file position. Without
// includes the identity mapping is returned.
func (m *SourceMap) Origin(line int) SourceRef {
	if line >= 1 && line <= len(m.Origins) {
		return m.Origins[line-1]
	}
	return SourceRef{File: "<main>", Line: line}
}
