package compiler

import (
	"fmt"
	"math"
	"strings"

	"basic10/pkg/devices"
	"basic10/pkg/ic10"
)

// Register layout: named variables and parameters allocate upward from r0,
// expression temporaries allocate downward from r14, and r15 carries
// function return values. When the two regions meet, code generation fails.
const (
	retReg  = 15
	tempTop = 14
)

// chipStackSize mirrors the machine's stack depth; DIM arrays allocate
// from the top down so PUSH/POP growing from 0 rarely collides.
const chipStackSize = 512

// codeGen lowers a parsed program to instructions. Conditional and loop
// exits are emitted with a placeholder target and patched to the current
// instruction count once the span they skip is known; only named GOTO and
// GOSUB targets stay symbolic, resolved after optimization.
type codeGen struct {
	opts  Options
	diags *diagnostics
	syms  *SymbolTable
	lines []string

	code       []ic10.Instruction
	labelIndex map[string]int

	nextVar  int // next free variable register, counting up
	tempsUse int // live temporaries, counting down from tempTop
	stackTop int // next free high stack address for DIM

	loops []loopFrame

	curLine int
	curSub  *Symbol // non-nil inside a SUB or FUNCTION body

	hasRoutines bool
	failed      bool
}

type loopFrame struct {
	breakPatches    []int
	continuePatches []int
}

// genError aborts lowering; it is recorded as a diagnostic before being
// returned up the statement walk.
type genError struct{ msg string }

func (e *genError) Error() string { return e.msg }

// Generate lowers prog and returns the instruction stream, the label table
// (label name, lowercased, to instruction index) and the symbol table.
// Semantic problems accumulate as diagnostics and lowering continues;
// code generation faults stop it.
func Generate(prog *Program, opts Options, diags *diagnostics, src string) ([]ic10.Instruction, map[string]int, *SymbolTable) {
	cg := &codeGen{
		opts:       opts,
		diags:      diags,
		syms:       newSymbolTable(),
		lines:      strings.Split(src, "\n"),
		labelIndex: make(map[string]int),
		stackTop:   chipStackSize,
	}

	cg.declareRoutines(prog.Statements)

	for _, st := range prog.Statements {
		switch st.(type) {
		case *SubStmt, *FunctionStmt:
			continue
		}
		if err := cg.genStmt(st); err != nil {
			return cg.code, cg.labelIndex, cg.syms
		}
	}

	if cg.hasRoutines {
		if n := len(cg.code); n == 0 || !ic10.IsTerminal(cg.code[n-1].Op) {
			cg.emit(ic10.Hcf)
		}
		for _, st := range prog.Statements {
			var err error
			switch r := st.(type) {
			case *SubStmt:
				err = cg.genSub(r)
			case *FunctionStmt:
				err = cg.genFunction(r)
			default:
				continue
			}
			if err != nil {
				return cg.code, cg.labelIndex, cg.syms
			}
		}
	}

	return cg.code, cg.labelIndex, cg.syms
}

// declareRoutines registers SUB and FUNCTION names ahead of the main walk
// so forward calls resolve, and allocates parameter registers.
func (cg *codeGen) declareRoutines(stmts []Stmt) {
	for _, st := range stmts {
		switch r := st.(type) {
		case *SubStmt:
			cg.hasRoutines = true
			sym := &Symbol{Name: r.Name, Kind: SymSub, Line: r.Line, Column: r.Col}
			if !cg.syms.Declare(sym) {
				cg.semanticErr(r.Line, r.Col, "%q is already declared", r.Name)
			}
		case *FunctionStmt:
			cg.hasRoutines = true
			sym := &Symbol{Name: r.Name, Kind: SymFunction, Line: r.Line, Column: r.Col, Params: r.Params}
			if !cg.syms.Declare(sym) {
				cg.semanticErr(r.Line, r.Col, "%q is already declared", r.Name)
				continue
			}
			for _, p := range r.Params {
				psym := &Symbol{Name: p, Kind: SymVariable, Line: r.Line, Register: cg.nextVar}
				if cg.syms.Declare(psym) {
					cg.nextVar++
				} else {
					cg.semanticErr(r.Line, r.Col, "parameter %q shadows an existing name", p)
				}
			}
		}
	}
}

//  Emission helpers

func (cg *codeGen) emit(op ic10.Opcode, operands ...ic10.Operand) int {
	if err := ic10.Validate(op, operands); err != nil {
		cg.codegenErr(cg.curLine, 1, "internal: %v", err)
	}
	in := ic10.Instruction{Op: op, Operands: operands, SourceLine: cg.curLine}
	if cg.opts.EmitSourceLineComments && cg.curLine >= 1 && cg.curLine <= len(cg.lines) {
		if len(cg.code) == 0 || cg.code[len(cg.code)-1].SourceLine != cg.curLine {
			in.Comment = strings.TrimSpace(cg.lines[cg.curLine-1])
		}
	}
	cg.code = append(cg.code, in)
	return len(cg.code) - 1
}

// patch points the placeholder branch at `at` to the current instruction
// count, i.e. the next instruction to be emitted.
func (cg *codeGen) patch(at int) {
	cg.patchTo(at, len(cg.code))
}

func (cg *codeGen) patchTo(at, target int) {
	ops := cg.code[at].Operands
	ops[len(ops)-1] = ic10.Imm(float64(target))
}

// placeholder is the branch target emitted before the destination is known.
func placeholder() ic10.Operand { return ic10.Imm(-1) }

func (cg *codeGen) allocTemp() (int, error) {
	reg := tempTop - cg.tempsUse
	if reg < cg.nextVar {
		return 0, cg.codegenErr(cg.curLine, 1, "out of registers: expression too deep for %d live variables", cg.nextVar)
	}
	cg.tempsUse++
	return reg, nil
}

func (cg *codeGen) allocVar(line, col int) (int, error) {
	if cg.nextVar > tempTop-cg.tempsUse {
		return 0, cg.codegenErr(line, col, "out of registers: too many variables")
	}
	reg := cg.nextVar
	cg.nextVar++
	return reg, nil
}

func (cg *codeGen) semanticErr(line, col int, format string, args ...any) {
	cg.diags.add(DiagSemantic, SevError, line, col, format, args...)
}

func (cg *codeGen) codegenErr(line, col int, format string, args ...any) error {
	cg.diags.add(DiagCodeGen, SevError, line, col, format, args...)
	cg.failed = true
	return &genError{msg: fmt.Sprintf(format, args...)}
}

//  Statement lowering

func (cg *codeGen) genStmt(st Stmt) error {
	line, col := st.Pos()
	cg.curLine = line
	mark := cg.tempsUse
	defer func() { cg.tempsUse = mark }()

	switch s := st.(type) {
	case *VarStmt:
		return cg.genVar(s)
	case *LetStmt:
		return cg.genLet(s)
	case *ConstStmt:
		v, ok := cg.fold(s.Value)
		if !ok {
			cg.semanticErr(line, col, "CONST %s requires a constant expression", s.Name)
		}
		if !cg.syms.Declare(&Symbol{Name: s.Name, Kind: SymConstant, Line: line, Column: col, Value: v}) {
			cg.semanticErr(line, col, "%q is already declared", s.Name)
		}
		return nil
	case *DefineStmt:
		v, ok := cg.fold(s.Value)
		if !ok {
			cg.semanticErr(line, col, "DEFINE %s requires a constant expression", s.Name)
		}
		if !cg.syms.Declare(&Symbol{Name: s.Name, Kind: SymConstant, Line: line, Column: col, Value: v}) {
			cg.semanticErr(line, col, "%q is already declared", s.Name)
		}
		return nil
	case *DimStmt:
		return cg.genDim(s)
	case *AliasStmt:
		if !cg.syms.Declare(&Symbol{Name: s.Name, Kind: SymAlias, Line: line, Column: col, Pin: s.Pin}) {
			cg.semanticErr(line, col, "%q is already declared", s.Name)
		}
		return nil
	case *DeviceStmt:
		sym := &Symbol{Name: s.Name, Kind: SymDevice, Line: line, Column: col, Prefab: s.Prefab, Hash: devices.PrefabHash(s.Prefab)}
		if !cg.syms.Declare(sym) {
			cg.semanticErr(line, col, "%q is already declared", s.Name)
		}
		return nil
	case *LabelStmt:
		key := strings.ToLower(s.Name)
		if _, dup := cg.labelIndex[key]; dup {
			cg.semanticErr(line, col, "duplicate label %q", s.Name)
			return nil
		}
		cg.labelIndex[key] = len(cg.code)
		cg.syms.Declare(&Symbol{Name: s.Name, Kind: SymLabel, Line: line, Column: col})
		return nil
	case *GotoStmt:
		cg.emit(ic10.J, ic10.Lbl(strings.ToLower(s.Target)))
		return nil
	case *GosubStmt:
		cg.emit(ic10.Jal, ic10.Lbl(strings.ToLower(s.Target)))
		return nil
	case *ReturnStmt:
		return cg.genReturn(s)
	case *IfStmt:
		return cg.genIf(s)
	case *ForStmt:
		return cg.genFor(s)
	case *WhileStmt:
		return cg.genWhile(s)
	case *DoLoopStmt:
		return cg.genDoLoop(s)
	case *BreakStmt:
		if len(cg.loops) == 0 {
			cg.semanticErr(line, col, "BREAK outside a loop")
			return nil
		}
		at := cg.emit(ic10.J, placeholder())
		top := &cg.loops[len(cg.loops)-1]
		top.breakPatches = append(top.breakPatches, at)
		return nil
	case *ContinueStmt:
		if len(cg.loops) == 0 {
			cg.semanticErr(line, col, "CONTINUE outside a loop")
			return nil
		}
		at := cg.emit(ic10.J, placeholder())
		top := &cg.loops[len(cg.loops)-1]
		top.continuePatches = append(top.continuePatches, at)
		return nil
	case *CallStmt:
		return cg.genCall(s)
	case *EndStmt:
		cg.emit(ic10.Hcf)
		return nil
	case *YieldStmt:
		cg.emit(ic10.Yield)
		return nil
	case *SleepStmt:
		dur, err := cg.genExpr(s.Duration)
		if err != nil {
			return err
		}
		cg.emit(ic10.Sleep, dur)
		return nil
	case *PushStmt:
		val, err := cg.genExpr(s.Value)
		if err != nil {
			return err
		}
		cg.emit(ic10.Push, val)
		return nil
	case *PopStmt:
		reg, err := cg.variableReg(s.Name, line, col)
		if err != nil {
			return err
		}
		cg.emit(ic10.Pop, ic10.Reg(reg))
		return nil
	case *PeekStmt:
		reg, err := cg.variableReg(s.Name, line, col)
		if err != nil {
			return err
		}
		cg.emit(ic10.Peek, ic10.Reg(reg))
		return nil
	case *BatchWriteStmt:
		hash, err := cg.genExpr(s.Hash)
		if err != nil {
			return err
		}
		val, err := cg.genExpr(s.Value)
		if err != nil {
			return err
		}
		cg.emit(ic10.Sb, hash, ic10.Name(s.Prop), val)
		return nil
	}
	return cg.codegenErr(line, col, "internal: unhandled statement %T", st)
}

func (cg *codeGen) genVar(s *VarStmt) error {
	if existing := cg.syms.Lookup(s.Name); existing != nil {
		cg.semanticErr(s.Line, s.Col, "%q is already declared as a %s", s.Name, existing.Kind)
		return nil
	}
	reg, err := cg.allocVar(s.Line, s.Col)
	if err != nil {
		return err
	}
	cg.syms.Declare(&Symbol{Name: s.Name, Kind: SymVariable, Line: s.Line, Column: s.Col, Register: reg})
	if s.Init != nil {
		return cg.genExprInto(reg, s.Init)
	}
	return nil
}

func (cg *codeGen) genDim(s *DimStmt) error {
	if cg.stackTop-s.Size < 0 {
		cg.semanticErr(s.Line, s.Col, "array %q exceeds stack space", s.Name)
		return nil
	}
	cg.stackTop -= s.Size
	sym := &Symbol{Name: s.Name, Kind: SymArray, Line: s.Line, Column: s.Col, Base: cg.stackTop, Size: s.Size}
	if !cg.syms.Declare(sym) {
		cg.semanticErr(s.Line, s.Col, "%q is already declared", s.Name)
	}
	return nil
}

// variableReg resolves a name to its register, declaring it on the fly (with
// a diagnostic) so lowering can continue past an undeclared use.
func (cg *codeGen) variableReg(name string, line, col int) (int, error) {
	sym := cg.syms.Lookup(name)
	if sym == nil {
		cg.semanticErr(line, col, "undeclared variable %q", name)
		reg, err := cg.allocVar(line, col)
		if err != nil {
			return 0, err
		}
		cg.syms.Declare(&Symbol{Name: name, Kind: SymVariable, Line: line, Register: reg})
		return reg, nil
	}
	if sym.Kind != SymVariable {
		cg.semanticErr(line, col, "%q is a %s, not a variable", name, sym.Kind)
		return 0, nil
	}
	return sym.Register, nil
}

func (cg *codeGen) genLet(s *LetStmt) error {
	switch s.Target.Kind {
	case TargetVariable:
		return cg.genAssignVariable(s)
	case TargetDeviceProp:
		return cg.genAssignDeviceProp(s)
	case TargetArrayElem:
		return cg.genAssignArrayElem(s)
	}
	return cg.codegenErr(s.Line, s.Col, "internal: unhandled assignment target")
}

func (cg *codeGen) genAssignVariable(s *LetStmt) error {
	sym := cg.syms.Lookup(s.Target.Name)
	if sym != nil && sym.Kind == SymConstant {
		cg.semanticErr(s.Line, s.Col, "cannot assign to constant %q", s.Target.Name)
		return nil
	}
	reg, err := cg.variableReg(s.Target.Name, s.Line, s.Col)
	if err != nil {
		return err
	}
	if s.Op == ASSIGN {
		return cg.genExprInto(reg, s.Value)
	}
	val, err := cg.genExpr(s.Value)
	if err != nil {
		return err
	}
	cg.emit(compoundOp(s.Op), ic10.Reg(reg), ic10.Reg(reg), val)
	return nil
}

func compoundOp(k TokenKind) ic10.Opcode {
	switch k {
	case PLUS_EQ:
		return ic10.Add
	case MIN_EQ:
		return ic10.Sub
	case MUL_EQ:
		return ic10.Mul
	case DIV_EQ:
		return ic10.Div
	}
	return ic10.Move
}

func (cg *codeGen) genAssignDeviceProp(s *LetStmt) error {
	sym := cg.deviceSymbol(s.Target.Name, s.Line, s.Col)
	if sym == nil {
		return nil
	}

	var val ic10.Operand
	if s.Op == ASSIGN {
		v, err := cg.genExpr(s.Value)
		if err != nil {
			return err
		}
		val = v
	} else {
		// Read, modify, write back.
		tmp, err := cg.allocTemp()
		if err != nil {
			return err
		}
		if err := cg.readDeviceProp(tmp, sym, s.Target.Prop); err != nil {
			return err
		}
		rhs, err := cg.genExpr(s.Value)
		if err != nil {
			return err
		}
		cg.emit(compoundOp(s.Op), ic10.Reg(tmp), ic10.Reg(tmp), rhs)
		val = ic10.Reg(tmp)
	}

	if sym.Kind == SymDevice {
		cg.emit(ic10.Sb, cg.hashOperand(sym), ic10.Name(s.Target.Prop), val)
	} else {
		cg.emit(ic10.S, pinOperand(sym.Pin), ic10.Name(s.Target.Prop), val)
	}
	return nil
}

// deviceSymbol resolves an alias or batch device name. "THIS" is always the
// housing, declared or not.
func (cg *codeGen) deviceSymbol(name string, line, col int) *Symbol {
	if strings.EqualFold(name, "THIS") {
		return &Symbol{Name: "THIS", Kind: SymAlias, Pin: -1}
	}
	sym := cg.syms.Lookup(name)
	if sym == nil {
		cg.semanticErr(line, col, "undeclared device %q", name)
		return nil
	}
	if sym.Kind != SymAlias && sym.Kind != SymDevice {
		cg.semanticErr(line, col, "%q is a %s, not a device", name, sym.Kind)
		return nil
	}
	return sym
}

func pinOperand(pin int) ic10.Operand {
	if pin < 0 {
		return ic10.DB()
	}
	return ic10.Dev(pin)
}

// hashOperand yields the prefab hash of a batch device, inline by default
// or loaded through a register when inline hashes are disabled.
func (cg *codeGen) hashOperand(sym *Symbol) ic10.Operand {
	if cg.opts.UseInlineHashes {
		return ic10.Imm(float64(sym.Hash))
	}
	tmp, err := cg.allocTemp()
	if err != nil {
		return ic10.Imm(float64(sym.Hash))
	}
	at := cg.emit(ic10.Move, ic10.Reg(tmp), ic10.Imm(float64(sym.Hash)))
	cg.code[at].Comment = sym.Prefab
	return ic10.Reg(tmp)
}

func (cg *codeGen) readDeviceProp(dst int, sym *Symbol, prop string) error {
	if sym.Kind == SymDevice {
		cg.emit(ic10.Lb, ic10.Reg(dst), cg.hashOperand(sym), ic10.Name(prop), ic10.Imm(float64(devices.Average)))
	} else {
		cg.emit(ic10.L, ic10.Reg(dst), pinOperand(sym.Pin), ic10.Name(prop))
	}
	return nil
}

func (cg *codeGen) genAssignArrayElem(s *LetStmt) error {
	sym := cg.syms.Lookup(s.Target.Name)
	if sym == nil || sym.Kind != SymArray {
		cg.semanticErr(s.Line, s.Col, "%q is not an array", s.Target.Name)
		return nil
	}
	addr, err := cg.arrayAddr(sym, s.Target.Index, s.Line, s.Col)
	if err != nil {
		return err
	}

	var val ic10.Operand
	if s.Op == ASSIGN {
		val, err = cg.genExpr(s.Value)
		if err != nil {
			return err
		}
	} else {
		tmp, err := cg.allocTemp()
		if err != nil {
			return err
		}
		cg.emit(ic10.Get, ic10.Reg(tmp), ic10.DB(), addr)
		rhs, err := cg.genExpr(s.Value)
		if err != nil {
			return err
		}
		cg.emit(compoundOp(s.Op), ic10.Reg(tmp), ic10.Reg(tmp), rhs)
		val = ic10.Reg(tmp)
	}
	cg.emit(ic10.Put, ic10.DB(), addr, val)
	return nil
}

// arrayAddr computes the stack address of arr(index). Constant indices fold
// to an immediate and are bounds-checked at compile time.
func (cg *codeGen) arrayAddr(sym *Symbol, index Expr, line, col int) (ic10.Operand, error) {
	if v, ok := cg.fold(index); ok {
		i := int(v)
		if i < 0 || i >= sym.Size {
			cg.semanticErr(line, col, "index %d out of range for %s(%d)", i, sym.Name, sym.Size)
			i = 0
		}
		return ic10.Imm(float64(sym.Base + i)), nil
	}
	tmp, err := cg.allocTemp()
	if err != nil {
		return ic10.Operand{}, err
	}
	if err := cg.genExprInto(tmp, index); err != nil {
		return ic10.Operand{}, err
	}
	cg.emit(ic10.Add, ic10.Reg(tmp), ic10.Reg(tmp), ic10.Imm(float64(sym.Base)))
	return ic10.Reg(tmp), nil
}

//  Control flow

// genIf lowers a conditional with a branch-if-false over the THEN body,
// patched once the body length is known. Both surface forms of IF arrive
// here as the same node, so they lower identically.
func (cg *codeGen) genIf(s *IfStmt) error {
	falseJump, err := cg.genBranchFalse(s.Cond)
	if err != nil {
		return err
	}
	for _, st := range s.Then {
		if err := cg.genStmt(st); err != nil {
			return err
		}
	}
	if len(s.Else) == 0 {
		cg.patch(falseJump)
		return nil
	}
	endJump := cg.emit(ic10.J, placeholder())
	cg.patch(falseJump)
	for _, st := range s.Else {
		if err := cg.genStmt(st); err != nil {
			return err
		}
	}
	cg.patch(endJump)
	return nil
}

// genBranchFalse emits a single branch taken when cond is false, with a
// placeholder target, and returns its index for patching. Comparisons
// invert directly into one instruction; any other condition evaluates to a
// value tested against zero.
func (cg *codeGen) genBranchFalse(cond Expr) (int, error) {
	mark := cg.tempsUse
	defer func() { cg.tempsUse = mark }()

	if b, ok := cond.(*BinaryExpr); ok {
		if op, isCmp := invertedBranch(b.Op); isCmp {
			left, err := cg.genExpr(b.Left)
			if err != nil {
				return 0, err
			}
			right, err := cg.genExpr(b.Right)
			if err != nil {
				return 0, err
			}
			return cg.emit(op, left, right, placeholder()), nil
		}
	}
	val, err := cg.genExpr(cond)
	if err != nil {
		return 0, err
	}
	return cg.emit(ic10.Beqz, val, placeholder()), nil
}

// genBranchTrue is the backward-edge counterpart: branch to a known target
// when cond is true.
func (cg *codeGen) genBranchTrue(cond Expr, target int) error {
	mark := cg.tempsUse
	defer func() { cg.tempsUse = mark }()

	if b, ok := cond.(*BinaryExpr); ok {
		if op, isCmp := directBranch(b.Op); isCmp {
			left, err := cg.genExpr(b.Left)
			if err != nil {
				return err
			}
			right, err := cg.genExpr(b.Right)
			if err != nil {
				return err
			}
			cg.emit(op, left, right, ic10.Imm(float64(target)))
			return nil
		}
	}
	val, err := cg.genExpr(cond)
	if err != nil {
		return err
	}
	cg.emit(ic10.Bnez, val, ic10.Imm(float64(target)))
	return nil
}

func invertedBranch(k TokenKind) (ic10.Opcode, bool) {
	switch k {
	case EQ:
		return ic10.Bne, true
	case NEQ:
		return ic10.Beq, true
	case LT:
		return ic10.Bge, true
	case GT:
		return ic10.Ble, true
	case LE:
		return ic10.Bgt, true
	case GE:
		return ic10.Blt, true
	}
	return "", false
}

func directBranch(k TokenKind) (ic10.Opcode, bool) {
	switch k {
	case EQ:
		return ic10.Beq, true
	case NEQ:
		return ic10.Bne, true
	case LT:
		return ic10.Blt, true
	case GT:
		return ic10.Bgt, true
	case LE:
		return ic10.Ble, true
	case GE:
		return ic10.Bge, true
	}
	return "", false
}

func (cg *codeGen) genWhile(s *WhileStmt) error {
	top := len(cg.code)
	exit, err := cg.genBranchFalse(s.Cond)
	if err != nil {
		return err
	}
	cg.loops = append(cg.loops, loopFrame{})
	for _, st := range s.Body {
		if err := cg.genStmt(st); err != nil {
			return err
		}
	}
	frame := cg.loops[len(cg.loops)-1]
	cg.loops = cg.loops[:len(cg.loops)-1]

	cg.emit(ic10.J, ic10.Imm(float64(top)))
	cg.patch(exit)
	for _, at := range frame.breakPatches {
		cg.patch(at)
	}
	for _, at := range frame.continuePatches {
		cg.patchTo(at, top)
	}
	return nil
}

func (cg *codeGen) genDoLoop(s *DoLoopStmt) error {
	top := len(cg.code)
	cg.loops = append(cg.loops, loopFrame{})
	for _, st := range s.Body {
		if err := cg.genStmt(st); err != nil {
			return err
		}
	}
	frame := cg.loops[len(cg.loops)-1]
	cg.loops = cg.loops[:len(cg.loops)-1]

	check := len(cg.code)
	// Loop back while the UNTIL condition is still false.
	exit, err := cg.genBranchFalse(s.Until)
	if err != nil {
		return err
	}
	cg.patchTo(exit, top)
	for _, at := range frame.breakPatches {
		cg.patch(at)
	}
	for _, at := range frame.continuePatches {
		cg.patchTo(at, check)
	}
	return nil
}

func (cg *codeGen) genFor(s *ForStmt) error {
	reg, err := cg.variableRegOrDeclare(s.Var, s.Line, s.Col)
	if err != nil {
		return err
	}
	if err := cg.genExprInto(reg, s.Start); err != nil {
		return err
	}

	step := 1.0
	if s.Step != nil {
		v, ok := cg.fold(s.Step)
		if !ok {
			cg.semanticErr(s.Line, s.Col, "STEP must be a constant expression")
			v = 1
		}
		if v == 0 {
			cg.semanticErr(s.Line, s.Col, "STEP must not be zero")
			v = 1
		}
		step = v
	}

	// A non-constant bound is evaluated once, before the loop, into a
	// register held for the loop's duration.
	var end ic10.Operand
	if v, ok := cg.fold(s.End); ok {
		end = ic10.Imm(v)
	} else {
		tmp, err := cg.allocTemp()
		if err != nil {
			return err
		}
		if err := cg.genExprInto(tmp, s.End); err != nil {
			return err
		}
		end = ic10.Reg(tmp)
	}

	top := len(cg.code)
	exitOp := ic10.Bgt
	if step < 0 {
		exitOp = ic10.Blt
	}
	exit := cg.emit(exitOp, ic10.Reg(reg), end, placeholder())

	cg.loops = append(cg.loops, loopFrame{})
	for _, st := range s.Body {
		if err := cg.genStmt(st); err != nil {
			return err
		}
	}
	frame := cg.loops[len(cg.loops)-1]
	cg.loops = cg.loops[:len(cg.loops)-1]

	stepAt := cg.emit(ic10.Add, ic10.Reg(reg), ic10.Reg(reg), ic10.Imm(step))
	cg.emit(ic10.J, ic10.Imm(float64(top)))
	cg.patch(exit)
	for _, at := range frame.breakPatches {
		cg.patch(at)
	}
	for _, at := range frame.continuePatches {
		cg.patchTo(at, stepAt)
	}
	return nil
}

// variableRegOrDeclare is variableReg without the diagnostic: FOR declares
// its counter implicitly, matching classic BASIC.
func (cg *codeGen) variableRegOrDeclare(name string, line, col int) (int, error) {
	if sym := cg.syms.Lookup(name); sym != nil {
		if sym.Kind != SymVariable {
			cg.semanticErr(line, col, "%q is a %s, not a variable", name, sym.Kind)
			return 0, nil
		}
		return sym.Register, nil
	}
	reg, err := cg.allocVar(line, col)
	if err != nil {
		return 0, err
	}
	cg.syms.Declare(&Symbol{Name: name, Kind: SymVariable, Line: line, Register: reg})
	return reg, nil
}

//  Subroutines and functions

func (cg *codeGen) genSub(s *SubStmt) error {
	return cg.genRoutine(s.Name, nil, s.Body, s.Line, s.Col)
}

func (cg *codeGen) genFunction(s *FunctionStmt) error {
	return cg.genRoutine(s.Name, s.Params, s.Body, s.Line, s.Col)
}

func (cg *codeGen) genRoutine(name string, params []string, body []Stmt, line, col int) error {
	key := strings.ToLower(name)
	if _, dup := cg.labelIndex[key]; dup {
		cg.semanticErr(line, col, "label %q collides with routine %q", name, name)
	}
	cg.labelIndex[key] = len(cg.code)

	prev := cg.curSub
	cg.curSub = cg.syms.Lookup(name)
	defer func() { cg.curSub = prev }()

	cg.curLine = line
	cg.emit(ic10.Push, ic10.RA())
	for _, st := range body {
		if err := cg.genStmt(st); err != nil {
			return err
		}
	}
	last := cg.code[len(cg.code)-1]
	if !ic10.IsTerminal(last.Op) {
		cg.curLine = line
		cg.emit(ic10.Pop, ic10.RA())
		cg.emit(ic10.J, ic10.RA())
	}
	return nil
}

func (cg *codeGen) genReturn(s *ReturnStmt) error {
	if cg.curSub == nil {
		// Plain GOSUB return.
		if s.Value != nil {
			cg.semanticErr(s.Line, s.Col, "RETURN with a value is only valid in a FUNCTION")
		}
		cg.emit(ic10.J, ic10.RA())
		return nil
	}
	if s.Value != nil {
		if cg.curSub.Kind != SymFunction {
			cg.semanticErr(s.Line, s.Col, "RETURN with a value is only valid in a FUNCTION")
		} else if err := cg.genExprInto(retReg, s.Value); err != nil {
			return err
		}
	}
	cg.emit(ic10.Pop, ic10.RA())
	cg.emit(ic10.J, ic10.RA())
	return nil
}

func (cg *codeGen) genCall(s *CallStmt) error {
	sym := cg.syms.Lookup(s.Name)
	if sym == nil || (sym.Kind != SymSub && sym.Kind != SymFunction) {
		cg.semanticErr(s.Line, s.Col, "call to undeclared routine %q", s.Name)
		return nil
	}
	return cg.emitCall(sym, s.Args, s.Line, s.Col)
}

// emitCall loads arguments into parameter registers and jumps with link.
func (cg *codeGen) emitCall(sym *Symbol, args []Expr, line, col int) error {
	if len(args) != len(sym.Params) {
		cg.semanticErr(line, col, "%s takes %d arguments, got %d", sym.Name, len(sym.Params), len(args))
	}
	for i, arg := range args {
		if i >= len(sym.Params) {
			break
		}
		psym := cg.syms.Lookup(sym.Params[i])
		if psym == nil {
			continue
		}
		if err := cg.genExprInto(psym.Register, arg); err != nil {
			return err
		}
	}
	cg.emit(ic10.Jal, ic10.Lbl(strings.ToLower(sym.Name)))
	return nil
}

//  Expression lowering

// genExpr yields an operand for e: a folded immediate, the register of a
// plain variable read, or a temporary holding a computed value. The caller
// owns releasing temporaries via the statement watermark.
func (cg *codeGen) genExpr(e Expr) (ic10.Operand, error) {
	if v, ok := cg.fold(e); ok {
		return ic10.Imm(v), nil
	}
	if id, ok := e.(*IdentExpr); ok {
		sym := cg.syms.Lookup(id.Name)
		if sym != nil && sym.Kind == SymVariable {
			return ic10.Reg(sym.Register), nil
		}
	}
	tmp, err := cg.allocTemp()
	if err != nil {
		return ic10.Operand{}, err
	}
	if err := cg.genExprInto(tmp, e); err != nil {
		return ic10.Operand{}, err
	}
	return ic10.Reg(tmp), nil
}

// genExprInto computes e directly into register dst.
func (cg *codeGen) genExprInto(dst int, e Expr) error {
	if v, ok := cg.fold(e); ok {
		cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(v))
		return nil
	}

	mark := cg.tempsUse
	defer func() { cg.tempsUse = mark }()

	switch x := e.(type) {
	case *IdentExpr:
		reg, err := cg.variableReg(x.Name, cg.curLine, 1)
		if err != nil {
			return err
		}
		cg.emit(ic10.Move, ic10.Reg(dst), ic10.Reg(reg))
		return nil

	case *StringExpr:
		cg.semanticErr(cg.curLine, 1, "string literal %q is not valid here", x.Value)
		cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(0))
		return nil

	case *DevicePropExpr:
		sym := cg.deviceSymbol(x.Device, cg.curLine, 1)
		if sym == nil {
			cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(0))
			return nil
		}
		return cg.readDeviceProp(dst, sym, x.Prop)

	case *UnaryExpr:
		return cg.genUnaryInto(dst, x)

	case *BinaryExpr:
		return cg.genBinaryInto(dst, x)

	case *CallExpr:
		return cg.genCallExprInto(dst, x)
	}
	return cg.codegenErr(cg.curLine, 1, "internal: unhandled expression %T", e)
}

func (cg *codeGen) genUnaryInto(dst int, x *UnaryExpr) error {
	operand, err := cg.genExpr(x.Operand)
	if err != nil {
		return err
	}
	switch x.Op {
	case MINUS:
		cg.emit(ic10.Sub, ic10.Reg(dst), ic10.Imm(0), operand)
	case KW_NOT:
		cg.emit(ic10.Seqz, ic10.Reg(dst), operand)
	case TILDE:
		// Bitwise complement: nor x x.
		cg.emit(ic10.Nor, ic10.Reg(dst), operand, operand)
	default:
		return cg.codegenErr(cg.curLine, 1, "internal: unhandled unary operator %s", x.Op)
	}
	return nil
}

func (cg *codeGen) genBinaryInto(dst int, x *BinaryExpr) error {
	if x.Op == CARET {
		return cg.genPowerInto(dst, x)
	}
	op, ok := binaryOp(x.Op)
	if !ok {
		return cg.codegenErr(cg.curLine, 1, "internal: unhandled binary operator %s", x.Op)
	}
	left, err := cg.genExpr(x.Left)
	if err != nil {
		return err
	}
	right, err := cg.genExpr(x.Right)
	if err != nil {
		return err
	}
	cg.emit(op, ic10.Reg(dst), left, right)
	return nil
}

// genPowerInto lowers a^b as exp(b*log(a)); the machine has no power
// instruction.
func (cg *codeGen) genPowerInto(dst int, x *BinaryExpr) error {
	base, err := cg.genExpr(x.Left)
	if err != nil {
		return err
	}
	exp, err := cg.genExpr(x.Right)
	if err != nil {
		return err
	}
	// The log below writes dst before the mul reads the exponent.
	if exp.Kind == ic10.KindRegister && exp.Reg == dst {
		tmp, err := cg.allocTemp()
		if err != nil {
			return err
		}
		cg.emit(ic10.Move, ic10.Reg(tmp), exp)
		exp = ic10.Reg(tmp)
	}
	cg.emit(ic10.Log, ic10.Reg(dst), base)
	cg.emit(ic10.Mul, ic10.Reg(dst), exp, ic10.Reg(dst))
	cg.emit(ic10.Exp, ic10.Reg(dst), ic10.Reg(dst))
	return nil
}

func binaryOp(k TokenKind) (ic10.Opcode, bool) {
	switch k {
	case PLUS:
		return ic10.Add, true
	case MINUS:
		return ic10.Sub, true
	case STAR:
		return ic10.Mul, true
	case SLASH:
		return ic10.Div, true
	case KW_MOD:
		return ic10.Mod, true
	case KW_AND, AMP:
		return ic10.And, true
	case KW_OR, PIPE:
		return ic10.Or, true
	case SHL:
		return ic10.Sll, true
	case SHR:
		return ic10.Srl, true
	case EQ:
		return ic10.Seq, true
	case NEQ:
		return ic10.Sne, true
	case LT:
		return ic10.Slt, true
	case GT:
		return ic10.Sgt, true
	case LE:
		return ic10.Sle, true
	case GE:
		return ic10.Sge, true
	}
	return "", false
}

// unaryBuiltins lower to a single two-operand instruction.
var unaryBuiltins = map[string]ic10.Opcode{
	"ABS":   ic10.Abs,
	"SQRT":  ic10.Sqrt,
	"ROUND": ic10.Round,
	"FLOOR": ic10.Floor,
	"CEIL":  ic10.Ceil,
	"TRUNC": ic10.Trunc,
	"SIN":   ic10.Sin,
	"COS":   ic10.Cos,
	"TAN":   ic10.Tan,
	"ASIN":  ic10.Asin,
	"ACOS":  ic10.Acos,
	"ATAN":  ic10.Atan,
	"EXP":   ic10.Exp,
	"LOG":   ic10.Log,
}

// binaryBuiltins lower to a single three-operand instruction.
var binaryBuiltins = map[string]ic10.Opcode{
	"MIN":   ic10.Min,
	"MAX":   ic10.Max,
	"ATAN2": ic10.Atan2,
	"BAND":  ic10.And,
	"BOR":   ic10.Or,
	"BXOR":  ic10.Xor,
}

func (cg *codeGen) genCallExprInto(dst int, x *CallExpr) error {
	upper := strings.ToUpper(x.Name)

	if op, ok := unaryBuiltins[upper]; ok {
		if len(x.Args) != 1 {
			cg.semanticErr(cg.curLine, 1, "%s takes 1 argument, got %d", upper, len(x.Args))
			cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(0))
			return nil
		}
		arg, err := cg.genExpr(x.Args[0])
		if err != nil {
			return err
		}
		cg.emit(op, ic10.Reg(dst), arg)
		return nil
	}

	if op, ok := binaryBuiltins[upper]; ok {
		if len(x.Args) != 2 {
			cg.semanticErr(cg.curLine, 1, "%s takes 2 arguments, got %d", upper, len(x.Args))
			cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(0))
			return nil
		}
		a, err := cg.genExpr(x.Args[0])
		if err != nil {
			return err
		}
		b, err := cg.genExpr(x.Args[1])
		if err != nil {
			return err
		}
		cg.emit(op, ic10.Reg(dst), a, b)
		return nil
	}

	switch upper {
	case "RAND":
		if len(x.Args) != 0 {
			cg.semanticErr(cg.curLine, 1, "RAND takes no arguments")
		}
		cg.emit(ic10.Rand, ic10.Reg(dst))
		return nil

	case "HASH":
		if len(x.Args) == 1 {
			if s, ok := x.Args[0].(*StringExpr); ok {
				// Reached only with inline hashes disabled; with them on,
				// folding already turned this into an immediate.
				at := cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(float64(devices.PrefabHash(s.Value))))
				cg.code[at].Comment = s.Value
				return nil
			}
		}
		cg.semanticErr(cg.curLine, 1, "HASH takes a single string literal")
		cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(0))
		return nil

	case "BATCHREAD":
		return cg.genBatchReadInto(dst, x)
	}

	// User function or array read.
	sym := cg.syms.Lookup(x.Name)
	if sym == nil {
		cg.semanticErr(cg.curLine, 1, "call to undeclared %q", x.Name)
		cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(0))
		return nil
	}
	switch sym.Kind {
	case SymArray:
		if len(x.Args) != 1 {
			cg.semanticErr(cg.curLine, 1, "array %s takes exactly one index", sym.Name)
			cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(0))
			return nil
		}
		addr, err := cg.arrayAddr(sym, x.Args[0], cg.curLine, 1)
		if err != nil {
			return err
		}
		cg.emit(ic10.Get, ic10.Reg(dst), ic10.DB(), addr)
		return nil
	case SymFunction:
		if err := cg.emitCall(sym, x.Args, cg.curLine, 1); err != nil {
			return err
		}
		cg.emit(ic10.Move, ic10.Reg(dst), ic10.Reg(retReg))
		return nil
	case SymSub:
		cg.semanticErr(cg.curLine, 1, "%s is a SUB and returns no value", sym.Name)
		cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(0))
		return nil
	}
	cg.semanticErr(cg.curLine, 1, "%q is a %s and cannot be called", x.Name, sym.Kind)
	cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(0))
	return nil
}

// genBatchReadInto lowers BATCHREAD(hash, Prop, mode) to lb.
func (cg *codeGen) genBatchReadInto(dst int, x *CallExpr) error {
	if len(x.Args) != 3 {
		cg.semanticErr(cg.curLine, 1, "BATCHREAD takes (hash, Property, mode), got %d arguments", len(x.Args))
		cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(0))
		return nil
	}
	prop, ok := x.Args[1].(*IdentExpr)
	if !ok {
		cg.semanticErr(cg.curLine, 1, "BATCHREAD property must be a bare name")
		cg.emit(ic10.Move, ic10.Reg(dst), ic10.Imm(0))
		return nil
	}
	hash, err := cg.genExpr(x.Args[0])
	if err != nil {
		return err
	}
	mode, err := cg.genExpr(x.Args[2])
	if err != nil {
		return err
	}
	cg.emit(ic10.Lb, ic10.Reg(dst), hash, ic10.Name(prop.Name), mode)
	return nil
}

//  Constant folding

// fold evaluates e at compile time when every leaf is a literal, a declared
// constant or a HASH of a string literal.
func (cg *codeGen) fold(e Expr) (float64, bool) {
	switch x := e.(type) {
	case *NumberExpr:
		return x.Value, true
	case *IdentExpr:
		if sym := cg.syms.Lookup(x.Name); sym != nil && sym.Kind == SymConstant {
			return sym.Value, true
		}
	case *UnaryExpr:
		v, ok := cg.fold(x.Operand)
		if !ok {
			return 0, false
		}
		switch x.Op {
		case MINUS:
			return -v, true
		case TILDE:
			return float64(^int64(v)), true
		case KW_NOT:
			if v == 0 {
				return 1, true
			}
			return 0, true
		}
	case *BinaryExpr:
		a, ok := cg.fold(x.Left)
		if !ok {
			return 0, false
		}
		b, ok := cg.fold(x.Right)
		if !ok {
			return 0, false
		}
		return foldBinary(x.Op, a, b)
	case *CallExpr:
		return cg.foldCall(x)
	}
	return 0, false
}

func (cg *codeGen) foldCall(x *CallExpr) (float64, bool) {
	if strings.EqualFold(x.Name, "HASH") && len(x.Args) == 1 {
		if s, ok := x.Args[0].(*StringExpr); ok && cg.opts.UseInlineHashes {
			return float64(devices.PrefabHash(s.Value)), true
		}
		return 0, false
	}
	if len(x.Args) == 1 {
		v, ok := cg.fold(x.Args[0])
		if !ok {
			return 0, false
		}
		switch strings.ToUpper(x.Name) {
		case "ABS":
			return math.Abs(v), true
		case "SQRT":
			return math.Sqrt(v), true
		case "ROUND":
			return math.Round(v), true
		case "FLOOR":
			return math.Floor(v), true
		case "CEIL":
			return math.Ceil(v), true
		case "TRUNC":
			return math.Trunc(v), true
		}
	}
	if len(x.Args) == 2 {
		a, ok := cg.fold(x.Args[0])
		if !ok {
			return 0, false
		}
		b, ok := cg.fold(x.Args[1])
		if !ok {
			return 0, false
		}
		switch strings.ToUpper(x.Name) {
		case "MIN":
			return math.Min(a, b), true
		case "MAX":
			return math.Max(a, b), true
		}
	}
	return 0, false
}

func foldBinary(op TokenKind, a, b float64) (float64, bool) {
	switch op {
	case PLUS:
		return a + b, true
	case MINUS:
		return a - b, true
	case STAR:
		return a * b, true
	case SLASH:
		return a / b, true
	case KW_MOD:
		r := math.Mod(a, b)
		if r < 0 {
			r += math.Abs(b)
		}
		return r, true
	case CARET:
		return math.Pow(a, b), true
	case AMP, KW_AND:
		return float64(int64(a) & int64(b)), true
	case PIPE, KW_OR:
		return float64(int64(a) | int64(b)), true
	case SHL:
		return float64(int64(a) << uint(int64(b)&63)), true
	case SHR:
		return float64(int64(uint64(int64(a)) >> uint(int64(b)&63))), true
	case EQ:
		return foldBool(a == b), true
	case NEQ:
		return foldBool(a != b), true
	case LT:
		return foldBool(a < b), true
	case GT:
		return foldBool(a > b), true
	case LE:
		return foldBool(a <= b), true
	case GE:
		return foldBool(a >= b), true
	}
	return 0, false
}

func foldBool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ResolveLabels rewrites symbolic label operands to absolute instruction
// indices. It runs after optimization, so indices are final. Unknown labels
// produce a semantic diagnostic and are left symbolic; the simulator treats
// them as a halt.
func ResolveLabels(prog []ic10.Instruction, labels map[string]int, diags *diagnostics) {
	for i := range prog {
		for j, o := range prog[i].Operands {
			if o.Kind != ic10.KindLabel {
				continue
			}
			target, ok := labels[strings.ToLower(o.Label)]
			if !ok {
				diags.add(DiagSemantic, SevError, prog[i].SourceLine, 1, "undefined label %q", o.Label)
				continue
			}
			prog[i].Operands[j] = ic10.Imm(float64(target))
		}
	}
}
