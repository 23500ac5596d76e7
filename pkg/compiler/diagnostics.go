package compiler

import "fmt"

// DiagKind classifies a diagnostic per the compiler's error taxonomy.
type DiagKind int

const (
	DiagPreprocess DiagKind = iota
	DiagLex
	DiagParse
	DiagSemantic
	DiagCodeGen
)

func (k DiagKind) String() string {
	switch k {
	case DiagPreprocess:
		return "preprocess"
	case DiagLex:
		return "lex"
	case DiagParse:
		return "parse"
	case DiagSemantic:
		return "semantic"
	case DiagCodeGen:
		return "codegen"
	}
	return "unknown"
}

// Severity of a diagnostic.
type Severity int

const (
	SevError Severity = iota
	SevWarning
)

func (s Severity) String() string {
	if s == SevWarning {
		return "warning"
	}
	return "error"
}

// Diagnostic is one structured finding. Failures are returned as
// diagnostics rather than thrown across the compiler boundary so that a
// single pass can accumulate several of them for editor display.
type Diagnostic struct {
	Kind     DiagKind
	Severity Severity
	Message  string
	Line     int
	Column   int
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d: %s %s: %s", d.Line, d.Column, d.Kind, d.Severity, d.Message)
}

type diagnostics struct {
	list []Diagnostic
}

func (ds *diagnostics) add(kind DiagKind, sev Severity, line, col int, format string, args ...any) {
	ds.list = append(ds.list, Diagnostic{
		Kind:     kind,
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
		Line:     line,
		Column:   col,
	})
}

func (ds *diagnostics) hasErrors() bool {
	for _, d := range ds.list {
		if d.Severity == SevError {
			return true
		}
	}
	return false
}
