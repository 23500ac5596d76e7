// Package ic10 models the IC10 register-machine assembly language: a
// fixed-size program of at most MaxProgramSize instructions operating on 16
// general registers, the sp/ra aliases, six device pins and the batch pin.
package ic10

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxProgramSize is the hard instruction ceiling of an IC10 chip.
const MaxProgramSize = 128

// Register indices. 0..15 are general purpose; SP and RA are addressable
// only through their mnemonics, never by raw index arithmetic.
const (
	NumRegisters = 16
	RegSP        = 16
	RegRA        = 17
)

// DevBatch is the pin index used for db (the housing itself).
const DevBatch = 6

// Opcode is an IC10 mnemonic.
type Opcode string

const (
	Move Opcode = "move"

	Add   Opcode = "add"
	Sub   Opcode = "sub"
	Mul   Opcode = "mul"
	Div   Opcode = "div"
	Mod   Opcode = "mod"
	Min   Opcode = "min"
	Max   Opcode = "max"
	Atan2 Opcode = "atan2"

	Abs   Opcode = "abs"
	Sqrt  Opcode = "sqrt"
	Round Opcode = "round"
	Floor Opcode = "floor"
	Ceil  Opcode = "ceil"
	Trunc Opcode = "trunc"
	Sin   Opcode = "sin"
	Cos   Opcode = "cos"
	Tan   Opcode = "tan"
	Asin  Opcode = "asin"
	Acos  Opcode = "acos"
	Atan  Opcode = "atan"
	Exp   Opcode = "exp"
	Log   Opcode = "log"
	Rand  Opcode = "rand"

	And Opcode = "and"
	Or  Opcode = "or"
	Xor Opcode = "xor"
	Nor Opcode = "nor"
	Sll Opcode = "sll"
	Srl Opcode = "srl"
	Sra Opcode = "sra"

	Slt  Opcode = "slt"
	Sle  Opcode = "sle"
	Sgt  Opcode = "sgt"
	Sge  Opcode = "sge"
	Seq  Opcode = "seq"
	Sne  Opcode = "sne"
	Seqz Opcode = "seqz"
	Snez Opcode = "snez"

	J    Opcode = "j"
	Jal  Opcode = "jal"
	Beq  Opcode = "beq"
	Bne  Opcode = "bne"
	Blt  Opcode = "blt"
	Ble  Opcode = "ble"
	Bgt  Opcode = "bgt"
	Bge  Opcode = "bge"
	Beqz Opcode = "beqz"
	Bnez Opcode = "bnez"

	L  Opcode = "l"
	S  Opcode = "s"
	Lb Opcode = "lb"
	Sb Opcode = "sb"

	Push Opcode = "push"
	Pop  Opcode = "pop"
	Peek Opcode = "peek"
	Get  Opcode = "get"
	Put  Opcode = "put"

	Yield Opcode = "yield"
	Sleep Opcode = "sleep"
	Hcf   Opcode = "hcf"
)

// OperandKind discriminates the Operand union.
type OperandKind int

const (
	KindRegister OperandKind = iota
	KindDevice
	KindImmediate
	KindLabel
	KindName // bare symbol, e.g. a device property
)

// Operand is one instruction argument.
type Operand struct {
	Kind  OperandKind
	Reg   int     // KindRegister: 0..15, RegSP, RegRA
	Dev   int     // KindDevice: 0..5, DevBatch
	Imm   float64 // KindImmediate
	Label string  // KindLabel
	Name  string  // KindName
}

func Reg(n int) Operand     { return Operand{Kind: KindRegister, Reg: n} }
func SP() Operand           { return Operand{Kind: KindRegister, Reg: RegSP} }
func RA() Operand           { return Operand{Kind: KindRegister, Reg: RegRA} }
func Dev(n int) Operand     { return Operand{Kind: KindDevice, Dev: n} }
func DB() Operand           { return Operand{Kind: KindDevice, Dev: DevBatch} }
func Imm(v float64) Operand { return Operand{Kind: KindImmediate, Imm: v} }
func Lbl(name string) Operand {
	return Operand{Kind: KindLabel, Label: name}
}
func Name(name string) Operand { return Operand{Kind: KindName, Name: name} }

func (o Operand) String() string {
	switch o.Kind {
	case KindRegister:
		switch o.Reg {
		case RegSP:
			return "sp"
		case RegRA:
			return "ra"
		default:
			return "r" + strconv.Itoa(o.Reg)
		}
	case KindDevice:
		if o.Dev == DevBatch {
			return "db"
		}
		return "d" + strconv.Itoa(o.Dev)
	case KindImmediate:
		return strconv.FormatFloat(o.Imm, 'g', -1, 64)
	case KindLabel:
		return o.Label
	case KindName:
		return o.Name
	}
	return "?"
}

// Instruction is one emitted IC10 line. SourceLine is the 1-based BASIC
// source line it was lowered from (0 when synthetic).
type Instruction struct {
	Op         Opcode
	Operands   []Operand
	SourceLine int
	Comment    string
}

// operand shape classes. R = register, V = register or immediate,
// D = device pin, N = bare name, T = jump target (immediate, label or
// register, so that "j ra" works).
const (
	classR = 'R'
	classV = 'V'
	classD = 'D'
	classN = 'N'
	classT = 'T'
)

// shapes maps every opcode to its operand classes. An opcode missing from
// this table is not a valid IC10 instruction.
var shapes = map[Opcode]string{
	Move: "RV",

	Add: "RVV", Sub: "RVV", Mul: "RVV", Div: "RVV", Mod: "RVV",
	Min: "RVV", Max: "RVV", Atan2: "RVV",

	Abs: "RV", Sqrt: "RV", Round: "RV", Floor: "RV", Ceil: "RV",
	Trunc: "RV", Sin: "RV", Cos: "RV", Tan: "RV", Asin: "RV",
	Acos: "RV", Atan: "RV", Exp: "RV", Log: "RV",
	Rand: "R",

	And: "RVV", Or: "RVV", Xor: "RVV", Nor: "RVV",
	Sll: "RVV", Srl: "RVV", Sra: "RVV",

	Slt: "RVV", Sle: "RVV", Sgt: "RVV", Sge: "RVV", Seq: "RVV", Sne: "RVV",
	Seqz: "RV", Snez: "RV",

	J: "T", Jal: "T",
	Beq: "VVT", Bne: "VVT", Blt: "VVT", Ble: "VVT", Bgt: "VVT", Bge: "VVT",
	Beqz: "VT", Bnez: "VT",

	L:  "RDN",
	S:  "DNV",
	Lb: "RVNV",
	Sb: "VNV",

	Push: "V", Pop: "R", Peek: "R",
	Get: "RDV", Put: "DVV",

	Yield: "", Sleep: "V", Hcf: "",
}

// Validate checks operand count and kinds against the opcode table.
// Lowering bugs surface here rather than at execution time.
func Validate(op Opcode, operands []Operand) error {
	shape, ok := shapes[op]
	if !ok {
		return fmt.Errorf("unknown opcode %q", op)
	}
	if len(operands) != len(shape) {
		return fmt.Errorf("%s expects %d operands, got %d", op, len(shape), len(operands))
	}
	for i, class := range shape {
		o := operands[i]
		switch class {
		case classR:
			if o.Kind != KindRegister {
				return fmt.Errorf("%s operand %d must be a register, got %s", op, i+1, o)
			}
		case classV:
			if o.Kind != KindRegister && o.Kind != KindImmediate {
				return fmt.Errorf("%s operand %d must be a register or value, got %s", op, i+1, o)
			}
		case classD:
			if o.Kind != KindDevice {
				return fmt.Errorf("%s operand %d must be a device pin, got %s", op, i+1, o)
			}
		case classN:
			if o.Kind != KindName {
				return fmt.Errorf("%s operand %d must be a property name, got %s", op, i+1, o)
			}
		case classT:
			if o.Kind != KindImmediate && o.Kind != KindLabel && o.Kind != KindRegister {
				return fmt.Errorf("%s operand %d must be a jump target, got %s", op, i+1, o)
			}
		}
	}
	return nil
}

// IsBranch reports whether op transfers control (its last operand is a
// jump target).
func IsBranch(op Opcode) bool {
	shape := shapes[op]
	return len(shape) > 0 && shape[len(shape)-1] == classT
}

// IsTerminal reports whether control never falls through op.
func IsTerminal(op Opcode) bool {
	return op == J || op == Hcf
}

// OutputMode selects the text form of a formatted program.
type OutputMode int

const (
	// Readable keeps instruction comments.
	Readable OutputMode = iota
	// Compact strips comments and emits the bare instructions.
	Compact
	// Debug appends the originating BASIC line to every instruction.
	Debug
)

// Format renders one instruction per the output mode.
func (in Instruction) Format(mode OutputMode) string {
	var sb strings.Builder
	sb.WriteString(string(in.Op))
	for _, o := range in.Operands {
		sb.WriteByte(' ')
		sb.WriteString(o.String())
	}
	switch mode {
	case Readable:
		if in.Comment != "" {
			sb.WriteString(" # ")
			sb.WriteString(in.Comment)
		}
	case Debug:
		if in.Comment != "" {
			sb.WriteString(" # ")
			sb.WriteString(in.Comment)
		}
		if in.SourceLine > 0 {
			fmt.Fprintf(&sb, " # bas:%d", in.SourceLine)
		}
	}
	return sb.String()
}

// FormatProgram renders the whole program, one instruction per line.
func FormatProgram(prog []Instruction, mode OutputMode) string {
	var sb strings.Builder
	for _, in := range prog {
		sb.WriteString(in.Format(mode))
		sb.WriteByte('\n')
	}
	return sb.String()
}
