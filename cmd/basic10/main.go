package main

import (
	"flag"
	"fmt"
	"os"

	"basic10/pkg/compiler"
	"basic10/pkg/devices"
	"basic10/pkg/ic10"
	"basic10/pkg/sim"
)

func main() {
	out := flag.String("o", "", "write assembly to file instead of stdout")
	level := flag.Int("O", 1, "optimization level (0-2)")
	mode := flag.String("mode", "readable", "output mode: readable, compact or debug")
	run := flag.Int("run", 0, "after compiling, simulate up to N steps")
	printMap := flag.Bool("map", false, "print the source map")
	check := flag.Bool("check", false, "diagnostics only, no output")
	includeDir := flag.String("I", "", "base directory for INCLUDE")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: basic10 [flags] program.bas")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read error:", err)
		os.Exit(1)
	}

	opts := compiler.DefaultOptions()
	opts.OptimizationLevel = *level
	opts.SourceFilePath = path
	opts.IncludeDir = *includeDir
	switch *mode {
	case "readable":
		opts.OutputMode = ic10.Readable
	case "compact":
		opts.OutputMode = ic10.Compact
	case "debug":
		opts.OutputMode = ic10.Debug
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	if *check {
		diags := compiler.CheckSource(string(data), opts)
		for _, d := range diags {
			fmt.Println(d)
		}
		if len(diags) > 0 {
			os.Exit(1)
		}
		return
	}

	result := compiler.Compile(string(data), opts)
	for _, d := range result.Diagnostics {
		fmt.Fprintln(os.Stderr, d)
	}
	if result.Failed() {
		os.Exit(1)
	}

	if *out != "" {
		if err := os.WriteFile(*out, []byte(result.Assembly), 0o644); err != nil {
			fmt.Fprintln(os.Stderr, "write error:", err)
			os.Exit(1)
		}
	} else {
		fmt.Print(result.Assembly)
	}

	if *printMap {
		printSourceMap(result)
	}

	if *run > 0 {
		simulate(result, *run)
	}
}

func printSourceMap(result *compiler.Result) {
	fmt.Println("# source map")
	for i, line := range result.SourceMap.IC10ToBasic {
		if line == 0 {
			continue
		}
		ref := result.SourceMap.Origin(line)
		fmt.Printf("#   %3d <- %s:%d\n", i, ref.File, ref.Line)
	}
	for name, reg := range result.SourceMap.VariableRegisters {
		fmt.Printf("#   %s = %s\n", name, reg)
	}
}

// simulate runs the program against an empty device pool and dumps the
// machine state. Useful for spotting logic bugs before flashing a chip.
func simulate(result *compiler.Result, maxSteps int) {
	pool := devices.NewPool()
	machine := sim.New(pool)
	machine.Self = devices.NewDevice("StructureCircuitHousing", "Setting", "On")
	machine.Load(result.Instructions)

	steps := machine.Run(maxSteps)
	fmt.Printf("# simulated %d steps, halted=%v, pc=%d\n", steps, machine.Halted, machine.PC)
	for i := 0; i < 16; i++ {
		if machine.Registers[i] != 0 {
			fmt.Printf("#   r%-2d = %g\n", i, machine.Registers[i])
		}
	}
}
