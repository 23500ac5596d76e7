package compiler

import (
	"reflect"
	"strings"
	"testing"
)

func parseSource(t *testing.T, src string) *Program {
	t.Helper()
	tokens, err := Tokenize(src)
	if err != nil {
		t.Fatalf("Tokenize failed: %v", err)
	}
	prog, err := Parse(tokens, src)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return prog
}

func parseError(t *testing.T, src string) *ParseError {
	t.Helper()
	tokens, err := Tokenize(src)
	if err != nil {
		t.Fatalf("Tokenize failed: %v", err)
	}
	_, err = Parse(tokens, src)
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	return pe
}

// stripPositions zeroes line/column info so single-line and block forms can
// be compared structurally.
func stripPositions(stmts []Stmt) {
	for _, st := range stmts {
		v := reflect.ValueOf(st).Elem()
		if f := v.FieldByName("Line"); f.IsValid() && f.CanSet() {
			f.SetInt(0)
		}
		if f := v.FieldByName("Col"); f.IsValid() && f.CanSet() {
			f.SetInt(0)
		}
		if s, ok := st.(*IfStmt); ok {
			stripPositions(s.Then)
			stripPositions(s.Else)
		}
	}
}

func TestSingleLineAndBlockIfParseIdentically(t *testing.T) {
	single := parseSource(t, "VAR x = 0\nIF x < 5 THEN x = 1 ELSE x = 2")
	block := parseSource(t, "VAR x = 0\nIF x < 5 THEN\nx = 1\nELSE\nx = 2\nENDIF")

	stripPositions(single.Statements)
	stripPositions(block.Statements)

	if !reflect.DeepEqual(single.Statements, block.Statements) {
		t.Errorf("the two IF forms produced different trees:\nsingle: %#v\nblock:  %#v",
			single.Statements[1], block.Statements[1])
	}
}

func TestElseIfNestsInElse(t *testing.T) {
	prog := parseSource(t, `
IF a = 1 THEN
x = 1
ELSEIF a = 2 THEN
x = 2
ELSEIF a = 3 THEN
x = 3
ELSE
x = 4
ENDIF
`)
	outer, ok := prog.Statements[0].(*IfStmt)
	if !ok {
		t.Fatalf("statement is %T, want *IfStmt", prog.Statements[0])
	}
	second, ok := outer.Else[0].(*IfStmt)
	if !ok {
		t.Fatalf("first ELSEIF did not nest, Else[0] is %T", outer.Else[0])
	}
	third, ok := second.Else[0].(*IfStmt)
	if !ok {
		t.Fatalf("second ELSEIF did not nest, Else[0] is %T", second.Else[0])
	}
	if len(third.Else) != 1 {
		t.Errorf("final ELSE has %d statements, want 1", len(third.Else))
	}
}

func TestOperatorPrecedence(t *testing.T) {
	prog := parseSource(t, "x = 1 + 2 * 3")
	let := prog.Statements[0].(*LetStmt)
	add, ok := let.Value.(*BinaryExpr)
	if !ok || add.Op != PLUS {
		t.Fatalf("top of 1+2*3 is %v, want +", let.Value)
	}
	mul, ok := add.Right.(*BinaryExpr)
	if !ok || mul.Op != STAR {
		t.Errorf("right of + is %v, want 2*3", add.Right)
	}
}

func TestPowerBindsTighterThanUnaryMinus(t *testing.T) {
	prog := parseSource(t, "x = -2 ^ 2")
	let := prog.Statements[0].(*LetStmt)
	neg, ok := let.Value.(*UnaryExpr)
	if !ok || neg.Op != MINUS {
		t.Fatalf("-2^2 parsed as %v, want -(2^2)", let.Value)
	}
	if pow, ok := neg.Operand.(*BinaryExpr); !ok || pow.Op != CARET {
		t.Errorf("operand = %v, want 2^2", neg.Operand)
	}
}

func TestPowerIsRightAssociative(t *testing.T) {
	prog := parseSource(t, "x = 2 ^ 3 ^ 2")
	let := prog.Statements[0].(*LetStmt)
	outer := let.Value.(*BinaryExpr)
	inner, ok := outer.Right.(*BinaryExpr)
	if !ok || inner.Op != CARET {
		t.Errorf("2^3^2 = %v, want 2^(3^2)", let.Value)
	}
}

func TestEqualsComparesInExpressionPosition(t *testing.T) {
	prog := parseSource(t, "IF x = 5 THEN y = 1")
	ifst := prog.Statements[0].(*IfStmt)
	cmp, ok := ifst.Cond.(*BinaryExpr)
	if !ok || cmp.Op != EQ {
		t.Errorf("condition = %v, want x == 5", ifst.Cond)
	}
}

func TestAssignmentForms(t *testing.T) {
	prog := parseSource(t, `
LET a = 1
b = 2
c += 3
d++
e--
sensor.Setting = 4
arr(i) = 5
`)
	tests := []struct {
		kind AssignTargetKind
		op   TokenKind
	}{
		{TargetVariable, ASSIGN},
		{TargetVariable, ASSIGN},
		{TargetVariable, PLUS_EQ},
		{TargetVariable, PLUS_EQ},
		{TargetVariable, MIN_EQ},
		{TargetDeviceProp, ASSIGN},
		{TargetArrayElem, ASSIGN},
	}
	for i, want := range tests {
		let, ok := prog.Statements[i].(*LetStmt)
		if !ok {
			t.Fatalf("statement %d is %T, want *LetStmt", i, prog.Statements[i])
		}
		if let.Target.Kind != want.kind || let.Op != want.op {
			t.Errorf("statement %d: kind=%v op=%v, want kind=%v op=%v",
				i, let.Target.Kind, let.Op, want.kind, want.op)
		}
	}
	// d++ desugars to d += 1.
	inc := prog.Statements[3].(*LetStmt)
	if n, ok := inc.Value.(*NumberExpr); !ok || n.Value != 1 {
		t.Errorf("d++ value = %v, want 1", inc.Value)
	}
}

func TestCallStatementVersusArrayAssign(t *testing.T) {
	prog := parseSource(t, "doStep(5)\narr(5) = 1")
	if _, ok := prog.Statements[0].(*CallStmt); !ok {
		t.Errorf("statement 0 is %T, want *CallStmt", prog.Statements[0])
	}
	if _, ok := prog.Statements[1].(*LetStmt); !ok {
		t.Errorf("statement 1 is %T, want *LetStmt", prog.Statements[1])
	}
}

func TestLoops(t *testing.T) {
	prog := parseSource(t, `
FOR i = 1 TO 10 STEP 2
x += i
NEXT i
WHILE x > 0
x -= 1
WEND
DO
x += 1
LOOP UNTIL x = 5
`)
	forst := prog.Statements[0].(*ForStmt)
	if forst.Var != "i" || forst.Step == nil || len(forst.Body) != 1 {
		t.Errorf("FOR parsed as %+v", forst)
	}
	whilest := prog.Statements[1].(*WhileStmt)
	if len(whilest.Body) != 1 {
		t.Errorf("WHILE body has %d statements", len(whilest.Body))
	}
	dost := prog.Statements[2].(*DoLoopStmt)
	if dost.Until == nil || len(dost.Body) != 1 {
		t.Errorf("DO/LOOP parsed as %+v", dost)
	}
}

func TestNextCounterMustMatch(t *testing.T) {
	pe := parseError(t, "FOR i = 1 TO 3\nx = 1\nNEXT j")
	if !strings.Contains(pe.Message, "NEXT j") {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestDeclarations(t *testing.T) {
	prog := parseSource(t, `
ALIAS sensor = d0
ALIAS housing = THIS
DEVICE heaters = "StructureWallHeater"
DIM buf(16)
CONST LIMIT = 10
DEFINE MAXTEMP 300
`)
	alias := prog.Statements[0].(*AliasStmt)
	if alias.Pin != 0 {
		t.Errorf("sensor pin = %d, want 0", alias.Pin)
	}
	this := prog.Statements[1].(*AliasStmt)
	if this.Pin != -1 {
		t.Errorf("THIS pin = %d, want -1", this.Pin)
	}
	dev := prog.Statements[2].(*DeviceStmt)
	if dev.Prefab != "StructureWallHeater" {
		t.Errorf("prefab = %q", dev.Prefab)
	}
	dim := prog.Statements[3].(*DimStmt)
	if dim.Size != 16 {
		t.Errorf("DIM size = %d, want 16", dim.Size)
	}
	if _, ok := prog.Statements[4].(*ConstStmt); !ok {
		t.Errorf("statement 4 is %T", prog.Statements[4])
	}
	if _, ok := prog.Statements[5].(*DefineStmt); !ok {
		t.Errorf("statement 5 is %T", prog.Statements[5])
	}
}

func TestSubAndFunction(t *testing.T) {
	prog := parseSource(t, `
SUB beep
YIELD
END SUB
FUNCTION clamp(v, lo, hi)
RETURN MIN(MAX(v, lo), hi)
END FUNCTION
CALL beep
`)
	sub := prog.Statements[0].(*SubStmt)
	if sub.Name != "beep" || len(sub.Body) != 1 {
		t.Errorf("SUB parsed as %+v", sub)
	}
	fn := prog.Statements[1].(*FunctionStmt)
	if len(fn.Params) != 3 {
		t.Errorf("FUNCTION params = %v", fn.Params)
	}
	ret := fn.Body[0].(*ReturnStmt)
	if ret.Value == nil {
		t.Error("RETURN lost its value")
	}
	call := prog.Statements[2].(*CallStmt)
	if call.Name != "beep" {
		t.Errorf("CALL name = %q", call.Name)
	}
}

func TestLabelsAndJumps(t *testing.T) {
	prog := parseSource(t, "top:\nGOTO top\nGOSUB helper\n10 x = 1\nGOTO 10")
	if lbl, ok := prog.Statements[0].(*LabelStmt); !ok || lbl.Name != "top" {
		t.Errorf("statement 0 = %+v", prog.Statements[0])
	}
	if g, ok := prog.Statements[1].(*GotoStmt); !ok || g.Target != "top" {
		t.Errorf("statement 1 = %+v", prog.Statements[1])
	}
	if g, ok := prog.Statements[2].(*GosubStmt); !ok || g.Target != "helper" {
		t.Errorf("statement 2 = %+v", prog.Statements[2])
	}
	if lbl, ok := prog.Statements[3].(*LabelStmt); !ok || lbl.Name != "10" {
		t.Errorf("statement 3 = %+v", prog.Statements[3])
	}
	if g, ok := prog.Statements[5].(*GotoStmt); !ok || g.Target != "10" {
		t.Errorf("statement 5 = %+v", prog.Statements[5])
	}
}

func TestParseErrorCarriesSourceLine(t *testing.T) {
	pe := parseError(t, "x = 1\ny = = 2")
	if pe.Line != 2 {
		t.Errorf("error line = %d, want 2", pe.Line)
	}
	if !strings.Contains(pe.Error(), "y = = 2") {
		t.Errorf("error does not show the offending line:\n%s", pe.Error())
	}
	if !strings.Contains(pe.Error(), "^") {
		t.Errorf("error does not show a caret:\n%s", pe.Error())
	}
}

func TestUnclosedBlockIsAnError(t *testing.T) {
	pe := parseError(t, "IF x = 1 THEN\ny = 2")
	if !strings.Contains(pe.Message, "end of file") {
		t.Errorf("message = %q", pe.Message)
	}
}
