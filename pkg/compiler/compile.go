// Package compiler translates BASIC source to IC10 assembly: a fixed
// pipeline of include expansion, lexing, parsing, lowering with
// back-patched branch targets, optimization, and label resolution against
// the optimized instruction indices.
package compiler

import (
	"strings"

	"basic10/pkg/ic10"
)

// Result is one finished compilation. A failed compile still carries
// whatever was produced before the failure, so editors can show partial
// output next to the diagnostics.
type Result struct {
	Instructions []ic10.Instruction
	Assembly     string
	SourceMap    *SourceMap
	Diagnostics  []Diagnostic
}

// Failed reports whether any error-severity diagnostic was produced.
func (r *Result) Failed() bool {
	return (&diagnostics{list: r.Diagnostics}).hasErrors()
}

// Compile runs the whole pipeline over src. It never panics and never
// returns a Go error: every failure mode is a diagnostic on the Result.
func Compile(src string, opts Options) *Result {
	opts.applyMeta(src)
	var ds diagnostics

	flat, refs, err := Preprocess(src, opts)
	if err != nil {
		ds.add(DiagPreprocess, SevError, 1, 1, "%v", err)
		return &Result{Diagnostics: ds.list}
	}

	tokens, err := TokenizeOpts(flat, opts.PreserveComments)
	if err != nil {
		le, ok := err.(*LexError)
		if ok {
			ds.add(DiagLex, SevError, le.Line, le.Column, "%s", le.Message)
		} else {
			ds.add(DiagLex, SevError, 1, 1, "%v", err)
		}
		return &Result{Diagnostics: ds.list}
	}

	var comments []Token
	if opts.PreserveComments {
		tokens, comments = splitComments(tokens)
	}

	prog, err := Parse(tokens, flat)
	if err != nil {
		pe, ok := err.(*ParseError)
		if ok {
			ds.add(DiagParse, SevError, pe.Line, pe.Column, "%s", pe.Message)
		} else {
			ds.add(DiagParse, SevError, 1, 1, "%v", err)
		}
		return &Result{Diagnostics: ds.list}
	}

	code, labels, syms := Generate(prog, opts, &ds, flat)

	code, labels = Optimize(code, labels, opts.OptimizationLevel)
	ResolveLabels(code, labels, &ds)

	if len(code) > ic10.MaxProgramSize {
		ds.add(DiagCodeGen, SevError, 0, 0,
			"program needs %d instructions, the chip holds %d", len(code), ic10.MaxProgramSize)
		return &Result{Diagnostics: ds.list}
	}

	return &Result{
		Instructions: code,
		Assembly:     renderAssembly(code, comments, opts.effectiveMode()),
		SourceMap:    BuildSourceMap(code, syms, refs),
		Diagnostics:  ds.list,
	}
}

// splitComments removes COMMENT and META_COMMENT tokens from the stream so
// the parser never sees them. Plain comments are returned for the assembly
// renderer; meta directives were already consumed by applyMeta.
func splitComments(tokens []Token) ([]Token, []Token) {
	kept := tokens[:0]
	var comments []Token
	for _, tok := range tokens {
		switch tok.Kind {
		case COMMENT:
			comments = append(comments, tok)
		case META_COMMENT:
		default:
			kept = append(kept, tok)
		}
	}
	return kept, comments
}

// renderAssembly formats the program, interleaving preserved source
// comments as standalone "#" lines in source order. Compact output stays
// bare.
func renderAssembly(prog []ic10.Instruction, comments []Token, mode ic10.OutputMode) string {
	if len(comments) == 0 || mode == ic10.Compact {
		return ic10.FormatProgram(prog, mode)
	}
	var sb strings.Builder
	ci := 0
	for _, in := range prog {
		for ci < len(comments) && in.SourceLine > 0 && comments[ci].Line <= in.SourceLine {
			sb.WriteString("# ")
			sb.WriteString(commentBody(comments[ci].Text))
			sb.WriteByte('\n')
			ci++
		}
		sb.WriteString(in.Format(mode))
		sb.WriteByte('\n')
	}
	for ; ci < len(comments); ci++ {
		sb.WriteString("# ")
		sb.WriteString(commentBody(comments[ci].Text))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// commentBody strips the comment marker the lexer kept in the token text.
func commentBody(text string) string {
	t := strings.TrimSpace(strings.TrimLeft(text, "'#"))
	if len(t) >= 3 && strings.EqualFold(t[:3], "REM") && (len(t) == 3 || t[3] == ' ') {
		t = t[3:]
	}
	return strings.TrimSpace(t)
}
