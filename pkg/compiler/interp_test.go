package compiler

import (
	"math"
	"testing"
)

// A tree-walking reference evaluator for device-free programs. It shares no
// code with the lowering path, so agreement between the two is evidence the
// compiled instructions mean what the AST says.

type refInterp struct {
	t    *testing.T
	vars map[string]float64
}

type refCtrl int

const (
	refNone refCtrl = iota
	refBreak
	refContinue
	refEnd
)

func evalReference(t *testing.T, src string) map[string]float64 {
	t.Helper()
	tokens, err := Tokenize(src)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	prog, err := Parse(tokens, src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	in := &refInterp{t: t, vars: map[string]float64{}}
	in.execBlock(prog.Statements)
	return in.vars
}

func (in *refInterp) execBlock(stmts []Stmt) refCtrl {
	for _, st := range stmts {
		if c := in.exec(st); c != refNone {
			return c
		}
	}
	return refNone
}

func (in *refInterp) exec(st Stmt) refCtrl {
	switch s := st.(type) {
	case *VarStmt:
		v := 0.0
		if s.Init != nil {
			v = in.eval(s.Init)
		}
		in.vars[s.Name] = v
	case *ConstStmt:
		in.vars[s.Name] = in.eval(s.Value)
	case *DefineStmt:
		in.vars[s.Name] = in.eval(s.Value)
	case *LetStmt:
		if s.Target.Kind != TargetVariable {
			in.t.Fatalf("reference interpreter only assigns variables, got %v", s.Target.Kind)
		}
		v := in.eval(s.Value)
		switch s.Op {
		case ASSIGN:
			in.vars[s.Target.Name] = v
		case PLUS_EQ:
			in.vars[s.Target.Name] += v
		case MIN_EQ:
			in.vars[s.Target.Name] -= v
		case MUL_EQ:
			in.vars[s.Target.Name] *= v
		case DIV_EQ:
			in.vars[s.Target.Name] /= v
		default:
			in.t.Fatalf("unsupported assignment operator %v", s.Op)
		}
	case *IfStmt:
		if in.eval(s.Cond) != 0 {
			return in.execBlock(s.Then)
		}
		return in.execBlock(s.Else)
	case *ForStmt:
		step := 1.0
		if s.Step != nil {
			step = in.eval(s.Step)
		}
		in.vars[s.Var] = in.eval(s.Start)
		end := in.eval(s.End)
		for {
			v := in.vars[s.Var]
			if (step > 0 && v > end) || (step < 0 && v < end) {
				break
			}
			c := in.execBlock(s.Body)
			if c == refBreak {
				break
			}
			if c == refEnd {
				return refEnd
			}
			in.vars[s.Var] += step
		}
	case *WhileStmt:
		for in.eval(s.Cond) != 0 {
			c := in.execBlock(s.Body)
			if c == refBreak {
				break
			}
			if c == refEnd {
				return refEnd
			}
		}
	case *DoLoopStmt:
		for {
			c := in.execBlock(s.Body)
			if c == refBreak {
				break
			}
			if c == refEnd {
				return refEnd
			}
			if in.eval(s.Until) != 0 {
				break
			}
		}
	case *BreakStmt:
		return refBreak
	case *ContinueStmt:
		return refContinue
	case *EndStmt:
		return refEnd
	case *YieldStmt:
	default:
		in.t.Fatalf("reference interpreter does not support %T", st)
	}
	return refNone
}

func (in *refInterp) eval(e Expr) float64 {
	switch x := e.(type) {
	case *NumberExpr:
		return x.Value
	case *IdentExpr:
		v, ok := in.vars[x.Name]
		if !ok {
			in.t.Fatalf("read of undeclared %q", x.Name)
		}
		return v
	case *UnaryExpr:
		v := in.eval(x.Operand)
		switch x.Op {
		case MINUS:
			return -v
		case KW_NOT:
			if v == 0 {
				return 1
			}
			return 0
		case TILDE:
			return float64(^int64(v))
		}
	case *BinaryExpr:
		a := in.eval(x.Left)
		b := in.eval(x.Right)
		if v, ok := foldBinary(x.Op, a, b); ok {
			return v
		}
	case *CallExpr:
		return in.evalCall(x)
	}
	in.t.Fatalf("reference interpreter does not support expression %T", e)
	return 0
}

func (in *refInterp) evalCall(x *CallExpr) float64 {
	args := make([]float64, len(x.Args))
	for i, a := range x.Args {
		args[i] = in.eval(a)
	}
	name := x.Name
	if len(args) == 1 {
		fns := map[string]func(float64) float64{
			"ABS": math.Abs, "SQRT": math.Sqrt, "ROUND": math.Round,
			"FLOOR": math.Floor, "CEIL": math.Ceil, "TRUNC": math.Trunc,
			"SIN": math.Sin, "COS": math.Cos, "TAN": math.Tan,
			"EXP": math.Exp, "LOG": math.Log,
		}
		if f, ok := fns[name]; ok {
			return f(args[0])
		}
	}
	if len(args) == 2 {
		switch name {
		case "MIN":
			return math.Min(args[0], args[1])
		case "MAX":
			return math.Max(args[0], args[1])
		case "BXOR":
			return float64(int64(args[0]) ^ int64(args[1]))
		case "BAND":
			return float64(int64(args[0]) & int64(args[1]))
		case "BOR":
			return float64(int64(args[0]) | int64(args[1]))
		}
	}
	in.t.Fatalf("reference interpreter does not support call %s/%d", name, len(args))
	return 0
}

// Device-free programs must compute the same final variable values whether
// the AST is evaluated directly or compiled and simulated.
func TestCompiledAgreesWithReferenceInterpreter(t *testing.T) {
	programs := map[string]string{
		"arithmetic": `VAR a = 7
VAR b = 3
VAR sum = a + b * 2 - 1
VAR quot = a / b
VAR rem = a MOD b
VAR neg = -a + b
`,
		"comparisons": `VAR a = 5
VAR lt = a < 10
VAR gt = a > 10
VAR le = a <= 5
VAR ge = a >= 6
VAR eq = a = 5
VAR ne = a <> 5
`,
		"if chain": `VAR a = 2
VAR x = 0
IF a = 1 THEN
x = 10
ELSEIF a = 2 THEN
x = 20
ELSE
x = 30
ENDIF
IF a > 0 THEN x = x + 1
`,
		"nested loops": `VAR total = 0
FOR i = 1 TO 4
FOR j = 1 TO 3
total += i * j
NEXT j
NEXT i
`,
		"while with break": `VAR n = 0
VAR s = 0
WHILE 1
n += 1
IF n > 20 THEN BREAK
IF n MOD 2 = 0 THEN CONTINUE
s += n
WEND
`,
		"do until": `VAR x = 17
VAR steps = 0
DO
x -= 4
steps += 1
LOOP UNTIL x < 0
`,
		"builtins": `VAR a = MIN(3, 8)
VAR b = MAX(-2, ABS(-9))
VAR c = FLOOR(3.7) + CEIL(3.2)
VAR d = TRUNC(-4.9)
`,
		"bitwise": `VAR a = 12 & 10
VAR b = 12 | 10
VAR c = BXOR(12, 10)
VAR d = ~5
VAR e = 3 << 2
VAR f = 48 >> 3
`,
		"power": `VAR a = 2 ^ 8
VAR b = 3
VAR c = b ^ 2
`,
		"end stops both": `VAR x = 1
VAR y = 0
IF x = 1 THEN END
y = 99
`,
	}

	for name, src := range programs {
		t.Run(name, func(t *testing.T) {
			want := evalReference(t, src)
			machine, result := runSource(t, src, nil)
			for varName, wantVal := range want {
				if _, ok := result.SourceMap.VariableRegisters[varName]; !ok {
					t.Errorf("%s has no register", varName)
					continue
				}
				got := machine.Registers[regOf(t, result, varName)]
				if math.Abs(got-wantVal) > 1e-9 {
					t.Errorf("%s: compiled %g, reference %g", varName, got, wantVal)
				}
			}
		})
	}
}
