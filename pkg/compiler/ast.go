package compiler

import "fmt"

//  Expression nodes

// Expr is implemented by every node that produces a value.
type Expr interface {
	exprNode()
	String() string
}

// NumberExpr is a numeric literal.
type NumberExpr struct {
	Value float64
}

func (*NumberExpr) exprNode()        {}
func (n *NumberExpr) String() string { return fmt.Sprintf("%g", n.Value) }

// StringExpr is a string literal, valid only as a DEVICE prefab or a
// HASH() argument.
type StringExpr struct {
	Value string
}

func (*StringExpr) exprNode()        {}
func (s *StringExpr) String() string { return fmt.Sprintf("%q", s.Value) }

// IdentExpr is a read of a named variable or constant.
type IdentExpr struct {
	Name string
}

func (*IdentExpr) exprNode()        {}
func (v *IdentExpr) String() string { return v.Name }

// BinaryExpr represents Left Op Right. AND/OR are ordinary binary
// operators: both operands are always evaluated (eager, matching the
// instruction set's and/or register forms).
type BinaryExpr struct {
	Op    TokenKind
	Left  Expr
	Right Expr
}

func (*BinaryExpr) exprNode() {}
func (b *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

// UnaryExpr represents Op Operand (-x, NOT x, ~x).
type UnaryExpr struct {
	Op      TokenKind
	Operand Expr
}

func (*UnaryExpr) exprNode()        {}
func (u *UnaryExpr) String() string { return fmt.Sprintf("(%s %s)", u.Op, u.Operand) }

// CallExpr represents Name(Args): a builtin, a user FUNCTION, or an
// indexed read of a DIM array.
type CallExpr struct {
	Name string
	Args []Expr
}

func (*CallExpr) exprNode() {}
func (c *CallExpr) String() string {
	return fmt.Sprintf("%s(%v)", c.Name, c.Args)
}

// DevicePropExpr represents alias.Property.
type DevicePropExpr struct {
	Device string
	Prop   string
}

func (*DevicePropExpr) exprNode()        {}
func (d *DevicePropExpr) String() string { return d.Device + "." + d.Prop }

//  Statement nodes

// Stmt is implemented by every node that does not produce a value.
type Stmt interface {
	stmtNode()
	Pos() (line, col int)
}

type stmtPos struct {
	Line, Col int
}

func (p stmtPos) Pos() (int, int) { return p.Line, p.Col }

// AssignTargetKind discriminates what an assignment writes to.
type AssignTargetKind int

const (
	TargetVariable AssignTargetKind = iota
	TargetDeviceProp
	TargetArrayElem
)

// AssignTarget is the left side of an assignment.
type AssignTarget struct {
	Kind  AssignTargetKind
	Name  string // variable, alias or array name
	Prop  string // TargetDeviceProp
	Index Expr   // TargetArrayElem
}

// LetStmt is any assignment: LET x = e, x = e, x += e, x++ (desugared to
// += 1), alias.Prop = e, arr(i) = e.
type LetStmt struct {
	stmtPos
	Target AssignTarget
	Op     TokenKind // ASSIGN or a compound operator
	Value  Expr
}

func (*LetStmt) stmtNode() {}

// VarStmt declares a variable, optionally initialized.
type VarStmt struct {
	stmtPos
	Name string
	Init Expr // may be nil (defaults to 0)
}

func (*VarStmt) stmtNode() {}

// DimStmt declares a fixed-size array backed by the chip stack.
type DimStmt struct {
	stmtPos
	Name string
	Size int
}

func (*DimStmt) stmtNode() {}

// ConstStmt declares a named constant: CONST NAME = expr.
type ConstStmt struct {
	stmtPos
	Name  string
	Value Expr // must fold at compile time
}

func (*ConstStmt) stmtNode() {}

// DefineStmt is the IC10-style constant: DEFINE NAME value (no = sign).
type DefineStmt struct {
	stmtPos
	Name  string
	Value Expr
}

func (*DefineStmt) stmtNode() {}

// LabelStmt defines a jump target. Names are unique case-insensitively.
type LabelStmt struct {
	stmtPos
	Name string
}

func (*LabelStmt) stmtNode() {}

// AliasStmt binds a friendly name to a device pin (d0..d5) or THIS (db).
type AliasStmt struct {
	stmtPos
	Name string
	Pin  int // 0..5, or -1 for THIS/db
}

func (*AliasStmt) stmtNode() {}

// DeviceStmt binds a name to every device of a prefab, accessed in batch.
type DeviceStmt struct {
	stmtPos
	Name   string
	Prefab string
}

func (*DeviceStmt) stmtNode() {}

// GotoStmt jumps to a label.
type GotoStmt struct {
	stmtPos
	Target string
}

func (*GotoStmt) stmtNode() {}

// GosubStmt calls a label, to be paired with RETURN.
type GosubStmt struct {
	stmtPos
	Target string
}

func (*GosubStmt) stmtNode() {}

// ReturnStmt returns from a GOSUB, SUB or FUNCTION (with optional value).
type ReturnStmt struct {
	stmtPos
	Value Expr // nil outside FUNCTIONs
}

func (*ReturnStmt) stmtNode() {}

// IfStmt is a conditional. Single-line and block IF both build this exact
// node: the surface syntax is erased by the parser, so code generation
// cannot diverge between the two forms. ELSEIF chains nest as an IfStmt in
// Else.
type IfStmt struct {
	stmtPos
	Cond Expr
	Then []Stmt
	Else []Stmt // may be nil
}

func (*IfStmt) stmtNode() {}

// ForStmt is FOR v = start TO end [STEP s] ... NEXT.
type ForStmt struct {
	stmtPos
	Var   string
	Start Expr
	End   Expr
	Step  Expr // nil means 1
	Body  []Stmt
}

func (*ForStmt) stmtNode() {}

// WhileStmt is WHILE cond ... WEND.
type WhileStmt struct {
	stmtPos
	Cond Expr
	Body []Stmt
}

func (*WhileStmt) stmtNode() {}

// DoLoopStmt is DO ... LOOP UNTIL cond (body always runs at least once).
type DoLoopStmt struct {
	stmtPos
	Body  []Stmt
	Until Expr
}

func (*DoLoopStmt) stmtNode() {}

// BreakStmt exits the innermost loop.
type BreakStmt struct{ stmtPos }

func (*BreakStmt) stmtNode() {}

// ContinueStmt skips to the next iteration of the innermost loop.
type ContinueStmt struct{ stmtPos }

func (*ContinueStmt) stmtNode() {}

// SubStmt defines a parameterless subroutine: SUB name ... END SUB.
type SubStmt struct {
	stmtPos
	Name string
	Body []Stmt
}

func (*SubStmt) stmtNode() {}

// FunctionStmt defines a function with parameters and a return value.
type FunctionStmt struct {
	stmtPos
	Name   string
	Params []string
	Body   []Stmt
}

func (*FunctionStmt) stmtNode() {}

// CallStmt invokes a SUB or FUNCTION for its effects: CALL name, or
// name(args) in statement position.
type CallStmt struct {
	stmtPos
	Name string
	Args []Expr
}

func (*CallStmt) stmtNode() {}

// EndStmt stops the program.
type EndStmt struct{ stmtPos }

func (*EndStmt) stmtNode() {}

// YieldStmt ends the current tick.
type YieldStmt struct{ stmtPos }

func (*YieldStmt) stmtNode() {}

// SleepStmt pauses for a number of seconds.
type SleepStmt struct {
	stmtPos
	Duration Expr
}

func (*SleepStmt) stmtNode() {}

// PushStmt pushes a value onto the chip stack.
type PushStmt struct {
	stmtPos
	Value Expr
}

func (*PushStmt) stmtNode() {}

// PopStmt pops the chip stack into a variable.
type PopStmt struct {
	stmtPos
	Name string
}

func (*PopStmt) stmtNode() {}

// PeekStmt reads the top of the chip stack without removing it.
type PeekStmt struct {
	stmtPos
	Name string
}

func (*PeekStmt) stmtNode() {}

// BatchWriteStmt is BATCHWRITE(hash, Prop, value).
type BatchWriteStmt struct {
	stmtPos
	Hash  Expr
	Prop  string
	Value Expr
}

func (*BatchWriteStmt) stmtNode() {}

// Program is the parsed compilation unit.
type Program struct {
	Statements []Stmt
}
