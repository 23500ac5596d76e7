package compiler

import (
	"strings"

	"basic10/pkg/ic10"
)

// Optimize rewrites prog per the optimization level and returns the new
// program together with a label table remapped to the new indices. Numeric
// branch targets inside the program are remapped the same way, so the
// result is exactly as if lowering had produced it directly. Passes repeat
// until nothing changes, which also makes Optimize idempotent.
//
// Level 0 returns the input untouched. Level 1 removes unreachable code and
// elides back-to-back duplicate writes. Level 2 additionally drops register
// moves whose destination is never read.
func Optimize(prog []ic10.Instruction, labels map[string]int, level int) ([]ic10.Instruction, map[string]int) {
	if level <= 0 {
		return prog, labels
	}
	for {
		changed := false
		prog, labels, changed = removeUnreachable(prog, labels)
		if c := elideDuplicateWrites(prog, labels); c {
			changed = true
			prog, labels, _ = compact(prog, labels)
		}
		if level >= 2 {
			if c := removeDeadMoves(prog, labels); c {
				changed = true
				prog, labels, _ = compact(prog, labels)
			}
		}
		if !changed {
			return prog, labels
		}
	}
}

// tombstone marks an instruction for removal by the next compact.
const tombstone ic10.Opcode = ""

// removeUnreachable walks the control flow graph from instruction 0 and
// drops everything never visited. Named labels route through the label
// table, so a GOTO-only region stays alive.
func removeUnreachable(prog []ic10.Instruction, labels map[string]int) ([]ic10.Instruction, map[string]int, bool) {
	if len(prog) == 0 {
		return prog, labels, false
	}
	reachable := make([]bool, len(prog))
	work := []int{0}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		if i < 0 || i >= len(prog) || reachable[i] {
			continue
		}
		reachable[i] = true
		in := prog[i]
		if !ic10.IsTerminal(in.Op) {
			work = append(work, i+1)
		}
		if ic10.IsBranch(in.Op) {
			if t, ok := branchTarget(in, labels); ok {
				work = append(work, t)
			}
		}
	}

	any := false
	for i := range prog {
		if !reachable[i] {
			prog[i].Op = tombstone
			any = true
		}
	}
	if !any {
		return prog, labels, false
	}
	prog, labels, _ = compact(prog, labels)
	return prog, labels, true
}

// branchTarget resolves the jump destination of in, through the label table
// when the operand is still symbolic. Register targets have no static
// destination.
func branchTarget(in ic10.Instruction, labels map[string]int) (int, bool) {
	o := in.Operands[len(in.Operands)-1]
	switch o.Kind {
	case ic10.KindImmediate:
		return int(o.Imm), true
	case ic10.KindLabel:
		if t, ok := labels[strings.ToLower(o.Label)]; ok {
			return t, true
		}
	}
	return 0, false
}

// compact deletes tombstoned instructions and remaps every numeric branch
// target and label table entry onto the surviving indices.
func compact(prog []ic10.Instruction, labels map[string]int) ([]ic10.Instruction, map[string]int, bool) {
	newIndex := make([]int, len(prog)+1)
	n := 0
	for i := range prog {
		newIndex[i] = n
		if prog[i].Op != tombstone {
			n++
		}
	}
	newIndex[len(prog)] = n
	if n == len(prog) {
		return prog, labels, false
	}

	out := make([]ic10.Instruction, 0, n)
	for i := range prog {
		if prog[i].Op == tombstone {
			continue
		}
		in := prog[i]
		if ic10.IsBranch(in.Op) {
			last := len(in.Operands) - 1
			if o := in.Operands[last]; o.Kind == ic10.KindImmediate {
				t := int(o.Imm)
				if t < 0 {
					t = 0
				}
				if t > len(prog) {
					t = len(prog)
				}
				in.Operands[last] = ic10.Imm(float64(newIndex[t]))
			}
		}
		out = append(out, in)
	}
	for name, t := range labels {
		if t < 0 {
			t = 0
		}
		if t > len(prog) {
			t = len(prog)
		}
		labels[name] = newIndex[t]
	}
	return out, labels, true
}

// elideDuplicateWrites tombstones the second of two identical consecutive
// writes (move, s, sb) when control cannot enter between them.
func elideDuplicateWrites(prog []ic10.Instruction, labels map[string]int) bool {
	targets := branchTargetSet(prog, labels)
	changed := false
	for i := 1; i < len(prog); i++ {
		if targets[i] {
			continue
		}
		a, b := prog[i-1], prog[i]
		if a.Op != b.Op {
			continue
		}
		switch a.Op {
		case ic10.Move, ic10.S, ic10.Sb:
		default:
			continue
		}
		if sameOperands(a.Operands, b.Operands) {
			prog[i].Op = tombstone
			changed = true
			i++ // the survivor cannot pair with its own duplicate twice
		}
	}
	return changed
}

func sameOperands(a, b []ic10.Operand) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func branchTargetSet(prog []ic10.Instruction, labels map[string]int) []bool {
	targets := make([]bool, len(prog)+1)
	for _, in := range prog {
		if !ic10.IsBranch(in.Op) {
			continue
		}
		if t, ok := branchTarget(in, labels); ok && t >= 0 && t < len(targets) {
			targets[t] = true
		}
	}
	for _, t := range labels {
		if t >= 0 && t < len(targets) {
			targets[t] = true
		}
	}
	return targets
}

// removeDeadMoves tombstones moves into registers that no surviving
// instruction ever reads. Reads are every register operand that is not the
// written destination; sp and ra are always considered live because the
// stack and call instructions use them implicitly.
func removeDeadMoves(prog []ic10.Instruction, labels map[string]int) bool {
	read := make([]bool, 18)
	read[ic10.RegSP] = true
	read[ic10.RegRA] = true
	for _, in := range prog {
		start := 0
		if writesFirstOperand(in.Op) {
			start = 1
		}
		for _, o := range in.Operands[start:] {
			if o.Kind == ic10.KindRegister && o.Reg >= 0 && o.Reg < len(read) {
				read[o.Reg] = true
			}
		}
	}

	targets := branchTargetSet(prog, labels)
	changed := false
	for i, in := range prog {
		if in.Op != ic10.Move || targets[i] {
			continue
		}
		dst := in.Operands[0]
		if dst.Kind == ic10.KindRegister && dst.Reg >= 0 && dst.Reg < len(read) && !read[dst.Reg] {
			prog[i].Op = tombstone
			changed = true
		}
	}
	return changed
}

// writesFirstOperand reports whether Operands[0] is a destination rather
// than a read.
func writesFirstOperand(op ic10.Opcode) bool {
	switch op {
	case ic10.Move, ic10.Add, ic10.Sub, ic10.Mul, ic10.Div, ic10.Mod,
		ic10.Min, ic10.Max, ic10.Atan2,
		ic10.Abs, ic10.Sqrt, ic10.Round, ic10.Floor, ic10.Ceil, ic10.Trunc,
		ic10.Sin, ic10.Cos, ic10.Tan, ic10.Asin, ic10.Acos, ic10.Atan,
		ic10.Exp, ic10.Log, ic10.Rand,
		ic10.And, ic10.Or, ic10.Xor, ic10.Nor, ic10.Sll, ic10.Srl, ic10.Sra,
		ic10.Slt, ic10.Sle, ic10.Sgt, ic10.Sge, ic10.Seq, ic10.Sne,
		ic10.Seqz, ic10.Snez,
		ic10.L, ic10.Lb, ic10.Pop, ic10.Peek, ic10.Get:
		return true
	}
	return false
}
