package ic10

import (
	"fmt"
	"strconv"
	"strings"
)

type parsedLine struct {
	lineNo   int
	labels   []string
	mnemonic string
	operands []string
}

// Parse reads IC10 assembly text into an instruction list. Labels are
// resolved in two passes: pass one records every "name:" definition against
// the index of the next real instruction, pass two parses instructions and
// rewrites label operands to absolute indices.
func Parse(text string) ([]Instruction, error) {
	lines := strings.Split(text, "\n")

	parsed := make([]parsedLine, 0, len(lines))
	labels := make(map[string]int)
	index := 0
	for i, raw := range lines {
		p, err := parseLine(raw, i+1)
		if err != nil {
			return nil, err
		}
		for _, lbl := range p.labels {
			key := strings.ToLower(lbl)
			if _, exists := labels[key]; exists {
				return nil, fmt.Errorf("line %d: duplicate label %q", i+1, lbl)
			}
			labels[key] = index
		}
		if p.mnemonic == "" {
			continue
		}
		parsed = append(parsed, p)
		index++
	}

	prog := make([]Instruction, 0, len(parsed))
	for _, p := range parsed {
		op := Opcode(strings.ToLower(p.mnemonic))
		operands := make([]Operand, 0, len(p.operands))
		for _, text := range p.operands {
			operands = append(operands, parseOperand(text, labels))
		}
		if err := Validate(op, operands); err != nil {
			return nil, fmt.Errorf("line %d: %v", p.lineNo, err)
		}
		prog = append(prog, Instruction{Op: op, Operands: operands, SourceLine: p.lineNo})
	}
	if len(prog) > MaxProgramSize {
		return nil, fmt.Errorf("program is %d instructions, limit is %d", len(prog), MaxProgramSize)
	}
	return prog, nil
}

func parseLine(raw string, lineNo int) (parsedLine, error) {
	p := parsedLine{lineNo: lineNo}

	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return p, nil
	}

	// Leading "name:" definitions, possibly followed by an instruction.
	for {
		colon := strings.IndexByte(raw, ':')
		if colon < 0 {
			break
		}
		head := strings.TrimSpace(raw[:colon])
		if head == "" || strings.ContainsAny(head, " \t") {
			return p, fmt.Errorf("line %d: malformed label %q", lineNo, head)
		}
		p.labels = append(p.labels, head)
		raw = strings.TrimSpace(raw[colon+1:])
	}
	if raw == "" {
		return p, nil
	}

	fields := strings.Fields(raw)
	p.mnemonic = fields[0]
	p.operands = fields[1:]
	return p, nil
}

func parseOperand(text string, labels map[string]int) Operand {
	switch text {
	case "sp":
		return SP()
	case "ra":
		return RA()
	case "db":
		return DB()
	}
	if len(text) >= 2 && text[0] == 'r' {
		if n, err := strconv.Atoi(text[1:]); err == nil && n >= 0 && n < NumRegisters {
			return Reg(n)
		}
	}
	if len(text) == 2 && text[0] == 'd' && text[1] >= '0' && text[1] <= '5' {
		return Dev(int(text[1] - '0'))
	}
	if v, err := strconv.ParseFloat(text, 64); err == nil {
		return Imm(v)
	}
	if idx, ok := labels[strings.ToLower(text)]; ok {
		return Imm(float64(idx))
	}
	return Name(text)
}
