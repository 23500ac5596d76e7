package compiler

import (
	"math"
	"strings"
	"testing"

	"basic10/pkg/devices"
	"basic10/pkg/ic10"
	"basic10/pkg/sim"
)

// runSource compiles src and executes it against pool, returning the
// machine and the compile result for register lookups.
func runSource(t *testing.T, src string, pool *devices.Pool) (*sim.Simulator, *Result) {
	t.Helper()
	result := compileOK(t, src)
	if pool == nil {
		pool = devices.NewPool()
	}
	machine := sim.New(pool)
	machine.Load(result.Instructions)
	machine.Run(100000)
	return machine, result
}

func checkVar(t *testing.T, machine *sim.Simulator, result *Result, name string, want float64) {
	t.Helper()
	got := machine.Registers[regOf(t, result, name)]
	if got != want {
		t.Errorf("%s = %g, want %g", name, got, want)
	}
}

func TestForLoopSum(t *testing.T) {
	machine, result := runSource(t, `VAR s = 0
FOR i = 1 TO 10
s += i
NEXT i
`, nil)
	checkVar(t, machine, result, "s", 55)
}

func TestForLoopNegativeStep(t *testing.T) {
	machine, result := runSource(t, `VAR s = 0
FOR i = 10 TO 1 STEP -2
s += i
NEXT
`, nil)
	checkVar(t, machine, result, "s", 30) // 10+8+6+4+2
}

func TestForLoopNonConstantBound(t *testing.T) {
	machine, result := runSource(t, `VAR n = 4
VAR s = 0
FOR i = 1 TO n * 2
s += 1
NEXT
`, nil)
	checkVar(t, machine, result, "s", 8)
}

func TestWhileCountdown(t *testing.T) {
	machine, result := runSource(t, `VAR x = 5
VAR steps = 0
WHILE x > 0
x -= 1
steps += 1
WEND
`, nil)
	checkVar(t, machine, result, "x", 0)
	checkVar(t, machine, result, "steps", 5)
}

func TestDoLoopRunsBodyAtLeastOnce(t *testing.T) {
	machine, result := runSource(t, `VAR x = 100
DO
x += 1
LOOP UNTIL x > 0
`, nil)
	checkVar(t, machine, result, "x", 101)
}

func TestBreakAndContinue(t *testing.T) {
	machine, result := runSource(t, `VAR s = 0
FOR i = 1 TO 10
IF i = 3 THEN CONTINUE
IF i = 6 THEN BREAK
s += i
NEXT
`, nil)
	checkVar(t, machine, result, "s", 12) // 1+2+4+5
}

func TestGosubReturn(t *testing.T) {
	machine, result := runSource(t, `VAR x = 0
GOSUB bump
GOSUB bump
END
bump:
x += 1
RETURN
`, nil)
	checkVar(t, machine, result, "x", 2)
}

func TestSubCall(t *testing.T) {
	machine, result := runSource(t, `VAR count = 0
CALL tick
CALL tick
CALL tick
SUB tick
count += 1
END SUB
`, nil)
	checkVar(t, machine, result, "count", 3)
}

func TestFunctionReturnsValue(t *testing.T) {
	machine, result := runSource(t, `VAR x = 0
x = clamp(250, 0, 100)
FUNCTION clamp(v, lo, hi)
RETURN MIN(MAX(v, lo), hi)
END FUNCTION
`, nil)
	checkVar(t, machine, result, "x", 100)
}

func TestNestedCalls(t *testing.T) {
	// double calls bump, so ra must be saved and restored across the
	// inner jal.
	machine, result := runSource(t, `VAR x = 0
x = double(21)
FUNCTION double(v)
CALL noop
RETURN v * 2
END FUNCTION
SUB noop
YIELD
END SUB
`, nil)
	checkVar(t, machine, result, "x", 42)
}

func TestArrays(t *testing.T) {
	machine, result := runSource(t, `DIM ring(4)
VAR s = 0
FOR i = 0 TO 3
ring(i) = i * 10
NEXT
FOR i = 0 TO 3
s += ring(i)
NEXT
ring(0) += 5
s = s + ring(0)
`, nil)
	checkVar(t, machine, result, "s", 65) // 0+10+20+30 plus 0+5
}

func TestPushPopPeek(t *testing.T) {
	machine, result := runSource(t, `VAR a = 0
VAR b = 0
PUSH 7
PUSH 9
PEEK a
POP b
`, nil)
	checkVar(t, machine, result, "a", 9)
	checkVar(t, machine, result, "b", 9)
}

func TestDeviceBatchReadWrite(t *testing.T) {
	pool := devices.NewPool()
	for _, v := range []float64{10, 20, 30} {
		d := devices.NewDevice("StructureGasSensor", "Temperature")
		d.Set("Temperature", v)
		pool.Add(d)
	}
	heater := devices.NewDevice("StructureWallHeater", "On")
	pool.Add(heater)

	machine, result := runSource(t, `DEVICE sensors = "StructureGasSensor"
VAR avg = sensors.Temperature
VAR hottest = BATCHREAD(HASH("StructureGasSensor"), Temperature, 3)
BATCHWRITE(HASH("StructureWallHeater"), On, 1)
sensors.Setting = avg
`, pool)

	checkVar(t, machine, result, "avg", 20)
	checkVar(t, machine, result, "hottest", 30)
	if heater.Get("On") != 1 {
		t.Errorf("heater On = %g, want 1", heater.Get("On"))
	}
}

func TestElseIfChainExecution(t *testing.T) {
	src := `VAR a = %d
VAR x = 0
IF a = 1 THEN
x = 10
ELSEIF a = 2 THEN
x = 20
ELSEIF a = 3 THEN
x = 30
ELSE
x = 99
ENDIF
`
	for input, want := range map[string]float64{
		"VAR a = 1": 10, "VAR a = 2": 20, "VAR a = 3": 30, "VAR a = 4": 99,
	} {
		program := strings.Replace(src, "VAR a = %d", input, 1)
		machine, result := runSource(t, program, nil)
		checkVar(t, machine, result, "x", want)
	}
}

func TestLogicalOperators(t *testing.T) {
	machine, result := runSource(t, `VAR a = 1
VAR b = 0
VAR x = 0
VAR y = 0
VAR z = 0
IF a = 1 AND b = 0 THEN x = 1
IF a = 0 OR b = 0 THEN y = 1
IF NOT b THEN z = 1
`, nil)
	checkVar(t, machine, result, "x", 1)
	checkVar(t, machine, result, "y", 1)
	checkVar(t, machine, result, "z", 1)
}

func TestPowerOperator(t *testing.T) {
	machine, result := runSource(t, "VAR x = 2 ^ 10", nil)
	checkVar(t, machine, result, "x", 1024) // folds exactly

	machine, result = runSource(t, "VAR a = 2\nVAR x = a ^ 10", nil)
	got := machine.Registers[regOf(t, result, "x")]
	if math.Abs(got-1024) > 1e-9 {
		t.Errorf("a^10 = %g, want 1024", got)
	}
}

func TestBitwiseBuiltins(t *testing.T) {
	machine, result := runSource(t, `VAR x = BXOR(6, 3)
VAR y = 6 & 3
VAR z = 6 | 3
VAR w = ~0
`, nil)
	checkVar(t, machine, result, "x", 5)
	checkVar(t, machine, result, "y", 2)
	checkVar(t, machine, result, "z", 7)
	checkVar(t, machine, result, "w", -1)
}

func TestEndHaltsExecution(t *testing.T) {
	machine, result := runSource(t, "VAR x = 1\nEND\nx = 2", nil)
	checkVar(t, machine, result, "x", 1)
	if !machine.Halted {
		t.Error("machine should be halted")
	}
}

func TestYieldAndSleep(t *testing.T) {
	machine, _ := runSource(t, "YIELD\nSLEEP 3", nil)
	if machine.SleepingFor != 3 {
		t.Errorf("SleepingFor = %g, want 3", machine.SleepingFor)
	}
}

func TestMetaDirectiveOverridesOptions(t *testing.T) {
	result := compileOK(t, "##Meta: OutputMode=Debug\nVAR x = 1")
	if !strings.Contains(result.Assembly, "# bas:") {
		t.Errorf("meta directive did not switch to debug output:\n%s", result.Assembly)
	}
}

func TestSourceMap(t *testing.T) {
	result := compileOK(t, `VAR x = 1
VAR y = 2
x = x + y
`)
	m := result.SourceMap
	if len(m.InstructionsFor(3)) == 0 {
		t.Error("line 3 maps to no instructions")
	}
	for _, idx := range m.InstructionsFor(3) {
		if m.LineFor(idx) != 3 {
			t.Errorf("instruction %d maps back to line %d, want 3", idx, m.LineFor(idx))
		}
	}
	if m.Symbols["x"].Kind != SymVariable {
		t.Errorf("symbol x = %+v", m.Symbols["x"])
	}
	if m.VariableRegisters["x"] != "r0" || m.VariableRegisters["y"] != "r1" {
		t.Errorf("VariableRegisters = %v, want mnemonic form r0/r1", m.VariableRegisters)
	}
}

// Debugger hosts read hardware addresses from the map, so entries carry the
// mnemonics the assembly itself uses.
func TestSourceMapDeviceMnemonics(t *testing.T) {
	result := compileOK(t, `ALIAS sensor = d3
ALIAS housing = THIS
sensor.On = 1
`)
	m := result.SourceMap
	if m.AliasDevices["sensor"] != "d3" {
		t.Errorf("sensor = %q, want d3", m.AliasDevices["sensor"])
	}
	if m.AliasDevices["housing"] != "db" {
		t.Errorf("housing = %q, want db", m.AliasDevices["housing"])
	}
}

func TestFailedIgnoresWarnings(t *testing.T) {
	warned := &Result{Diagnostics: []Diagnostic{
		{Kind: DiagParse, Severity: SevWarning, Message: "suspicious"},
	}}
	if warned.Failed() {
		t.Error("warnings alone should not fail a compile")
	}
	errored := &Result{Diagnostics: []Diagnostic{
		{Kind: DiagParse, Severity: SevWarning, Message: "suspicious"},
		{Kind: DiagSemantic, Severity: SevError, Message: "broken"},
	}}
	if !errored.Failed() {
		t.Error("an error diagnostic must fail the compile")
	}
}

func TestPreserveCommentsEmitsCommentLines(t *testing.T) {
	src := `' thermostat setpoint
VAR x = 1
x = 2 ' inline note
REM trailer
`
	opts := DefaultOptions()
	opts.EmitSourceLineComments = false

	plain := Compile(src, opts)
	if plain.Failed() {
		t.Fatalf("compile failed: %v", plain.Diagnostics)
	}
	if strings.Contains(plain.Assembly, "thermostat") {
		t.Errorf("comments leaked without PreserveComments:\n%s", plain.Assembly)
	}

	opts.PreserveComments = true
	kept := Compile(src, opts)
	if kept.Failed() {
		t.Fatalf("compile failed: %v", kept.Diagnostics)
	}
	for _, want := range []string{"# thermostat setpoint", "# inline note", "# trailer"} {
		if !strings.Contains(kept.Assembly, want) {
			t.Errorf("assembly lacks %q:\n%s", want, kept.Assembly)
		}
	}
	// Comment order follows source order.
	if strings.Index(kept.Assembly, "thermostat") > strings.Index(kept.Assembly, "move r0 1") {
		t.Errorf("leading comment emitted after its statement:\n%s", kept.Assembly)
	}

	opts.OutputMode = ic10.Compact
	compact := Compile(src, opts)
	if strings.Contains(compact.Assembly, "#") {
		t.Errorf("compact output kept comments:\n%s", compact.Assembly)
	}
}

func TestCompileNeverPanicsOnGarbage(t *testing.T) {
	for _, src := range []string{
		"",
		"\n\n\n",
		")(",
		"IF IF IF",
		"VAR = = =",
		"FOR NEXT WEND LOOP",
		strings.Repeat("((((", 100),
		"\"unterminated",
	} {
		result := Compile(src, DefaultOptions())
		if result == nil {
			t.Fatalf("Compile(%q) returned nil", src)
		}
	}
}

func TestFailedCompileStillReturnsDiagnostics(t *testing.T) {
	result := Compile("GOTO nowhere\nCONST A = 1\nA = 2", DefaultOptions())
	if !result.Failed() {
		t.Fatal("expected failure")
	}
	kinds := map[DiagKind]bool{}
	for _, d := range result.Diagnostics {
		kinds[d.Kind] = true
	}
	if !kinds[DiagSemantic] {
		t.Errorf("diagnostics = %v, want semantic findings", result.Diagnostics)
	}
}

func TestOptimizationLevelsProduceSameResult(t *testing.T) {
	src := `VAR s = 0
FOR i = 1 TO 5
s += i
NEXT
GOTO done
s = 999
done:
END
`
	var values []float64
	var sizes []int
	for level := 0; level <= 2; level++ {
		opts := DefaultOptions()
		opts.OptimizationLevel = level
		result := Compile(src, opts)
		if result.Failed() {
			t.Fatalf("O%d failed: %v", level, result.Diagnostics)
		}
		machine := sim.New(devices.NewPool())
		machine.Load(result.Instructions)
		machine.Run(10000)
		values = append(values, machine.Registers[regOf(t, result, "s")])
		sizes = append(sizes, len(result.Instructions))
	}
	for level, v := range values {
		if v != 15 {
			t.Errorf("O%d computed s = %g, want 15", level, v)
		}
	}
	if sizes[1] >= sizes[0] {
		t.Errorf("O1 did not shrink the program: O0=%d O1=%d", sizes[0], sizes[1])
	}
}

func TestCompactModeStripsComments(t *testing.T) {
	opts := DefaultOptions()
	opts.OutputMode = ic10.Compact
	opts.EmitSourceLineComments = false
	result := Compile("VAR x = 1", opts)
	if strings.Contains(result.Assembly, "#") {
		t.Errorf("compact output contains comments:\n%s", result.Assembly)
	}
}
