// Package sim executes IC10 programs against a model of the chip: 16
// general registers plus sp/ra, a 512-value stack, six device pins and a
// batch device pool. One Step is one fetched, decoded and executed
// instruction; the host owns the tick cadence and may stop calling Step
// between any two instructions without corrupting state.
package sim

import (
	"math"
	"math/rand"

	"basic10/pkg/devices"
	"basic10/pkg/ic10"
)

// StackSize is the chip's stack depth.
const StackSize = 512

// Simulator is a single IC10 chip. Faults never surface as errors:
// out-of-range register or device indexing is clamped or ignored and
// arithmetic follows IEEE semantics (divide by zero is Inf, not a panic),
// so one malformed read cannot abort a long-running simulation.
type Simulator struct {
	Registers [18]float64 // 0..15 general, 16 sp, 17 ra
	Stack     [StackSize]float64
	PC        int
	Halted    bool

	Pins [6]*devices.VirtualDevice
	Self *devices.VirtualDevice
	Pool *devices.Pool

	// SleepingFor holds the remaining seconds requested by the last sleep
	// instruction; the host decides how to honor it between steps.
	SleepingFor float64

	program []ic10.Instruction
	rng     *rand.Rand
}

// New creates a simulator over pool (may be nil until devices are wired).
func New(pool *devices.Pool) *Simulator {
	return &Simulator{Pool: pool, rng: rand.New(rand.NewSource(1))}
}

// Load installs a program and resets execution state.
func (s *Simulator) Load(prog []ic10.Instruction) {
	s.program = prog
	s.Reset()
}

// Reset rewinds the machine without discarding the program, pins or pool.
func (s *Simulator) Reset() {
	s.Registers = [18]float64{}
	s.Stack = [StackSize]float64{}
	s.PC = 0
	s.Halted = false
	s.SleepingFor = 0
}

// AttachPin wires a device to pin d0..d5. Out-of-range pins are ignored.
func (s *Simulator) AttachPin(pin int, d *devices.VirtualDevice) {
	if pin >= 0 && pin < len(s.Pins) {
		s.Pins[pin] = d
	}
}

// Step executes exactly one instruction. It reports false once the machine
// is halted (hcf, or the program counter ran off the program).
func (s *Simulator) Step() bool {
	if s.Halted {
		return false
	}
	if s.PC < 0 || s.PC >= len(s.program) {
		s.Halted = true
		return false
	}

	in := s.program[s.PC]
	next := s.PC + 1

	switch in.Op {
	case ic10.Hcf:
		s.Halted = true
		return false

	case ic10.Move:
		s.setReg(in.Operands[0], s.val(in.Operands[1]))

	case ic10.Add:
		s.setReg(in.Operands[0], s.val(in.Operands[1])+s.val(in.Operands[2]))
	case ic10.Sub:
		s.setReg(in.Operands[0], s.val(in.Operands[1])-s.val(in.Operands[2]))
	case ic10.Mul:
		s.setReg(in.Operands[0], s.val(in.Operands[1])*s.val(in.Operands[2]))
	case ic10.Div:
		s.setReg(in.Operands[0], s.val(in.Operands[1])/s.val(in.Operands[2]))
	case ic10.Mod:
		a, b := s.val(in.Operands[1]), s.val(in.Operands[2])
		r := math.Mod(a, b)
		if r < 0 {
			r += math.Abs(b)
		}
		s.setReg(in.Operands[0], r)
	case ic10.Min:
		s.setReg(in.Operands[0], math.Min(s.val(in.Operands[1]), s.val(in.Operands[2])))
	case ic10.Max:
		s.setReg(in.Operands[0], math.Max(s.val(in.Operands[1]), s.val(in.Operands[2])))
	case ic10.Atan2:
		s.setReg(in.Operands[0], math.Atan2(s.val(in.Operands[1]), s.val(in.Operands[2])))

	case ic10.Abs:
		s.setReg(in.Operands[0], math.Abs(s.val(in.Operands[1])))
	case ic10.Sqrt:
		s.setReg(in.Operands[0], math.Sqrt(s.val(in.Operands[1])))
	case ic10.Round:
		s.setReg(in.Operands[0], math.Round(s.val(in.Operands[1])))
	case ic10.Floor:
		s.setReg(in.Operands[0], math.Floor(s.val(in.Operands[1])))
	case ic10.Ceil:
		s.setReg(in.Operands[0], math.Ceil(s.val(in.Operands[1])))
	case ic10.Trunc:
		s.setReg(in.Operands[0], math.Trunc(s.val(in.Operands[1])))
	case ic10.Sin:
		s.setReg(in.Operands[0], math.Sin(s.val(in.Operands[1])))
	case ic10.Cos:
		s.setReg(in.Operands[0], math.Cos(s.val(in.Operands[1])))
	case ic10.Tan:
		s.setReg(in.Operands[0], math.Tan(s.val(in.Operands[1])))
	case ic10.Asin:
		s.setReg(in.Operands[0], math.Asin(s.val(in.Operands[1])))
	case ic10.Acos:
		s.setReg(in.Operands[0], math.Acos(s.val(in.Operands[1])))
	case ic10.Atan:
		s.setReg(in.Operands[0], math.Atan(s.val(in.Operands[1])))
	case ic10.Exp:
		s.setReg(in.Operands[0], math.Exp(s.val(in.Operands[1])))
	case ic10.Log:
		s.setReg(in.Operands[0], math.Log(s.val(in.Operands[1])))
	case ic10.Rand:
		s.setReg(in.Operands[0], s.rng.Float64())

	case ic10.And:
		s.setReg(in.Operands[0], bitop(s.val(in.Operands[1]), s.val(in.Operands[2]), func(a, b int64) int64 { return a & b }))
	case ic10.Or:
		s.setReg(in.Operands[0], bitop(s.val(in.Operands[1]), s.val(in.Operands[2]), func(a, b int64) int64 { return a | b }))
	case ic10.Xor:
		s.setReg(in.Operands[0], bitop(s.val(in.Operands[1]), s.val(in.Operands[2]), func(a, b int64) int64 { return a ^ b }))
	case ic10.Nor:
		s.setReg(in.Operands[0], bitop(s.val(in.Operands[1]), s.val(in.Operands[2]), func(a, b int64) int64 { return ^(a | b) }))
	case ic10.Sll:
		s.setReg(in.Operands[0], bitop(s.val(in.Operands[1]), s.val(in.Operands[2]), func(a, b int64) int64 { return a << uint(b&63) }))
	case ic10.Srl:
		s.setReg(in.Operands[0], bitop(s.val(in.Operands[1]), s.val(in.Operands[2]), func(a, b int64) int64 { return int64(uint64(a) >> uint(b&63)) }))
	case ic10.Sra:
		s.setReg(in.Operands[0], bitop(s.val(in.Operands[1]), s.val(in.Operands[2]), func(a, b int64) int64 { return a >> uint(b&63) }))

	case ic10.Slt:
		s.setReg(in.Operands[0], boolVal(s.val(in.Operands[1]) < s.val(in.Operands[2])))
	case ic10.Sle:
		s.setReg(in.Operands[0], boolVal(s.val(in.Operands[1]) <= s.val(in.Operands[2])))
	case ic10.Sgt:
		s.setReg(in.Operands[0], boolVal(s.val(in.Operands[1]) > s.val(in.Operands[2])))
	case ic10.Sge:
		s.setReg(in.Operands[0], boolVal(s.val(in.Operands[1]) >= s.val(in.Operands[2])))
	case ic10.Seq:
		s.setReg(in.Operands[0], boolVal(s.val(in.Operands[1]) == s.val(in.Operands[2])))
	case ic10.Sne:
		s.setReg(in.Operands[0], boolVal(s.val(in.Operands[1]) != s.val(in.Operands[2])))
	case ic10.Seqz:
		s.setReg(in.Operands[0], boolVal(s.val(in.Operands[1]) == 0))
	case ic10.Snez:
		s.setReg(in.Operands[0], boolVal(s.val(in.Operands[1]) != 0))

	case ic10.J:
		next = s.target(in.Operands[0])
	case ic10.Jal:
		s.Registers[ic10.RegRA] = float64(s.PC + 1)
		next = s.target(in.Operands[0])
	case ic10.Beq:
		if s.val(in.Operands[0]) == s.val(in.Operands[1]) {
			next = s.target(in.Operands[2])
		}
	case ic10.Bne:
		if s.val(in.Operands[0]) != s.val(in.Operands[1]) {
			next = s.target(in.Operands[2])
		}
	case ic10.Blt:
		if s.val(in.Operands[0]) < s.val(in.Operands[1]) {
			next = s.target(in.Operands[2])
		}
	case ic10.Ble:
		if s.val(in.Operands[0]) <= s.val(in.Operands[1]) {
			next = s.target(in.Operands[2])
		}
	case ic10.Bgt:
		if s.val(in.Operands[0]) > s.val(in.Operands[1]) {
			next = s.target(in.Operands[2])
		}
	case ic10.Bge:
		if s.val(in.Operands[0]) >= s.val(in.Operands[1]) {
			next = s.target(in.Operands[2])
		}
	case ic10.Beqz:
		if s.val(in.Operands[0]) == 0 {
			next = s.target(in.Operands[1])
		}
	case ic10.Bnez:
		if s.val(in.Operands[0]) != 0 {
			next = s.target(in.Operands[1])
		}

	case ic10.L:
		s.setReg(in.Operands[0], s.readDevice(in.Operands[1], in.Operands[2].Name))
	case ic10.S:
		s.writeDevice(in.Operands[0], in.Operands[1].Name, s.val(in.Operands[2]))
	case ic10.Lb:
		v := 0.0
		if s.Pool != nil {
			hash := int32(s.val(in.Operands[1]))
			mode := devices.BatchMode(s.val(in.Operands[3]))
			v = s.Pool.BatchRead(hash, in.Operands[2].Name, mode)
		}
		s.setReg(in.Operands[0], v)
	case ic10.Sb:
		if s.Pool != nil {
			hash := int32(s.val(in.Operands[0]))
			s.Pool.BatchWrite(hash, in.Operands[1].Name, s.val(in.Operands[2]))
		}

	case ic10.Push:
		sp := int(s.Registers[ic10.RegSP])
		if sp >= 0 && sp < StackSize {
			s.Stack[sp] = s.val(in.Operands[0])
			s.Registers[ic10.RegSP] = float64(sp + 1)
		}
	case ic10.Pop:
		sp := int(s.Registers[ic10.RegSP]) - 1
		if sp >= 0 && sp < StackSize {
			s.setReg(in.Operands[0], s.Stack[sp])
			s.Registers[ic10.RegSP] = float64(sp)
		}
	case ic10.Peek:
		sp := int(s.Registers[ic10.RegSP]) - 1
		if sp >= 0 && sp < StackSize {
			s.setReg(in.Operands[0], s.Stack[sp])
		}
	case ic10.Get:
		// Random stack access, supported on the housing only.
		addr := int(s.val(in.Operands[2]))
		v := 0.0
		if in.Operands[1].Dev == ic10.DevBatch && addr >= 0 && addr < StackSize {
			v = s.Stack[addr]
		}
		s.setReg(in.Operands[0], v)
	case ic10.Put:
		addr := int(s.val(in.Operands[1]))
		if in.Operands[0].Dev == ic10.DevBatch && addr >= 0 && addr < StackSize {
			s.Stack[addr] = s.val(in.Operands[2])
		}

	case ic10.Yield:
		// The tick ends here; the host resumes with the next Step.
	case ic10.Sleep:
		s.SleepingFor = s.val(in.Operands[0])
	}

	s.PC = next
	if s.PC < 0 || s.PC >= len(s.program) {
		s.Halted = true
	}
	return !s.Halted
}

// Run steps until halt or maxSteps, returning the number of steps taken.
func (s *Simulator) Run(maxSteps int) int {
	steps := 0
	for steps < maxSteps && s.Step() {
		steps++
	}
	return steps
}

// val reads a register or immediate operand. Anything else (an unresolved
// label that survived a failed compile) reads as 0.
func (s *Simulator) val(o ic10.Operand) float64 {
	switch o.Kind {
	case ic10.KindRegister:
		if o.Reg >= 0 && o.Reg < len(s.Registers) {
			return s.Registers[o.Reg]
		}
		return 0
	case ic10.KindImmediate:
		return o.Imm
	}
	return 0
}

// setReg writes a register operand; out-of-range writes are dropped.
func (s *Simulator) setReg(o ic10.Operand, v float64) {
	if o.Kind == ic10.KindRegister && o.Reg >= 0 && o.Reg < len(s.Registers) {
		s.Registers[o.Reg] = v
	}
}

// target resolves a jump operand to a program index. Unresolvable targets
// land past the program, halting on the next fetch.
func (s *Simulator) target(o ic10.Operand) int {
	switch o.Kind {
	case ic10.KindImmediate:
		return int(o.Imm)
	case ic10.KindRegister:
		return int(s.val(o))
	}
	return len(s.program)
}

func (s *Simulator) readDevice(o ic10.Operand, prop string) float64 {
	d := s.pinDevice(o)
	if d == nil {
		return math.NaN()
	}
	return d.Get(prop)
}

func (s *Simulator) writeDevice(o ic10.Operand, prop string, v float64) {
	if d := s.pinDevice(o); d != nil {
		d.Set(prop, v)
	}
}

func (s *Simulator) pinDevice(o ic10.Operand) *devices.VirtualDevice {
	if o.Kind != ic10.KindDevice {
		return nil
	}
	if o.Dev == ic10.DevBatch {
		return s.Self
	}
	if o.Dev >= 0 && o.Dev < len(s.Pins) {
		return s.Pins[o.Dev]
	}
	return nil
}

func bitop(a, b float64, f func(int64, int64) int64) float64 {
	return float64(f(int64(a), int64(b)))
}

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
