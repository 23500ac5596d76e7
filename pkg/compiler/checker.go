package compiler

import (
	"strings"
)

// CheckSource compiles src for diagnostics only, discarding the program.
// When lexing or parsing fails outright, it falls back to cheap per-line heuristics
// so the editor still gets findings beyond the first syntax error:
// unterminated strings, unbalanced parentheses and unclosed blocks.
func CheckSource(src string, opts Options) []Diagnostic {
	result := Compile(src, opts)

	frontEndFailed := false
	for _, d := range result.Diagnostics {
		if (d.Kind == DiagLex || d.Kind == DiagParse) && d.Severity == SevError {
			frontEndFailed = true
			break
		}
	}
	if !frontEndFailed {
		return result.Diagnostics
	}
	return append(result.Diagnostics, heuristicScan(src)...)
}

// blockPairs maps each opening keyword to its closer.
var blockPairs = map[string]string{
	"IF":       "ENDIF",
	"FOR":      "NEXT",
	"WHILE":    "WEND",
	"DO":       "LOOP",
	"SUB":      "ENDSUB",
	"FUNCTION": "ENDFUNCTION",
}

type openBlock struct {
	keyword string
	line    int
}

// heuristicScan finds structural problems line by line without parsing.
func heuristicScan(src string) []Diagnostic {
	var ds diagnostics
	var stack []openBlock

	for i, raw := range strings.Split(src, "\n") {
		lineNo := i + 1
		line := stripComment(raw)

		if col, open := unbalancedQuote(line); open {
			ds.add(DiagLex, SevWarning, lineNo, col, "string literal does not close on this line")
		}
		if depth := parenBalance(line); depth != 0 {
			ds.add(DiagParse, SevWarning, lineNo, 1, "unbalanced parentheses on this line")
		}

		first, second := firstWords(line)
		if first == "IF" && !strings.Contains(strings.ToUpper(line), "THEN") {
			ds.add(DiagParse, SevWarning, lineNo, 1, "IF without THEN")
			continue
		}
		// Single-line IF opens no block.
		if first == "IF" && !endsWithThen(line) {
			continue
		}

		switch {
		case first == "END" && (second == "IF" || second == "SUB" || second == "FUNCTION"):
			stack = popBlock(stack, "END"+second, lineNo, &ds)
		case closerOf(first) != "":
			stack = popBlock(stack, first, lineNo, &ds)
		case blockPairs[first] != "":
			stack = append(stack, openBlock{keyword: first, line: lineNo})
		}
	}

	for _, b := range stack {
		ds.add(DiagParse, SevWarning, b.line, 1, "%s block is never closed (missing %s)", b.keyword, blockPairs[b.keyword])
	}
	return ds.list
}

func popBlock(stack []openBlock, closer string, line int, ds *diagnostics) []openBlock {
	if len(stack) == 0 {
		ds.add(DiagParse, SevWarning, line, 1, "%s without a matching open block", closer)
		return stack
	}
	top := stack[len(stack)-1]
	if blockPairs[top.keyword] != closer {
		ds.add(DiagParse, SevWarning, line, 1, "%s closes a %s block opened on line %d", closer, top.keyword, top.line)
	}
	return stack[:len(stack)-1]
}

func closerOf(word string) string {
	switch word {
	case "ENDIF", "NEXT", "WEND", "LOOP", "ENDSUB", "ENDFUNCTION":
		return word
	}
	return ""
}

// stripComment removes ' and # comments, respecting string literals.
func stripComment(line string) string {
	inString := false
	for i, r := range line {
		switch {
		case r == '"':
			inString = !inString
		case !inString && (r == '\'' || r == '#'):
			return line[:i]
		}
	}
	return line
}

// unbalancedQuote reports the column of an opening quote with no closer.
func unbalancedQuote(line string) (int, bool) {
	open := -1
	for i, r := range line {
		if r == '"' {
			if open < 0 {
				open = i
			} else {
				open = -1
			}
		}
	}
	if open >= 0 {
		return open + 1, true
	}
	return 0, false
}

func parenBalance(line string) int {
	depth := 0
	inString := false
	for _, r := range line {
		switch {
		case r == '"':
			inString = !inString
		case inString:
		case r == '(':
			depth++
		case r == ')':
			depth--
		}
	}
	return depth
}

// firstWords returns the first two words of a line, upper-cased.
func firstWords(line string) (string, string) {
	fields := strings.Fields(strings.ToUpper(line))
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	}
	return fields[0], fields[1]
}

// endsWithThen reports whether THEN is the last word, i.e. a block IF.
func endsWithThen(line string) bool {
	fields := strings.Fields(strings.ToUpper(stripComment(line)))
	return len(fields) > 0 && fields[len(fields)-1] == "THEN"
}
