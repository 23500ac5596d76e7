package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxIncludeDepth bounds nested INCLUDE expansion.
const maxIncludeDepth = 10

// SourceRef locates one flattened line in its original file.
type SourceRef struct {
	File string
	Line int // 1-based line within File
}

// Preprocess resolves INCLUDE "path" directives before lexing, producing a
// single flattened source plus a table mapping each flattened line back to
// its original file and line. Paths resolve relative to the including file
// first, then to opts.IncludeDir. A file already expanded once is skipped,
// which also makes cycles impossible; nesting deeper than maxIncludeDepth
// is an error.
func Preprocess(src string, opts Options) (string, []SourceRef, error) {
	p := &preprocessor{
		opts:     opts,
		included: make(map[string]bool),
	}
	mainFile := opts.SourceFilePath
	if mainFile == "" {
		mainFile = "<main>"
	}
	baseDir := opts.IncludeDir
	if opts.SourceFilePath != "" {
		baseDir = filepath.Dir(opts.SourceFilePath)
	}
	if err := p.expand(src, mainFile, baseDir, 0); err != nil {
		return "", nil, err
	}
	return p.out.String(), p.refs, nil
}

type preprocessor struct {
	opts     Options
	out      strings.Builder
	refs     []SourceRef
	included map[string]bool
}

func (p *preprocessor) expand(src, file, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("%s: include depth exceeds %d", file, maxIncludeDepth)
	}

	for i, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		if !strings.HasPrefix(upper, "INCLUDE") || !isIncludeDirective(trimmed) {
			p.out.WriteString(line)
			p.out.WriteByte('\n')
			p.refs = append(p.refs, SourceRef{File: file, Line: i + 1})
			continue
		}

		name, err := includePath(trimmed)
		if err != nil {
			return fmt.Errorf("%s:%d: %v", file, i+1, err)
		}

		full := p.resolve(name, baseDir)
		abs, err := filepath.Abs(full)
		if err != nil {
			return fmt.Errorf("%s:%d: %v", file, i+1, err)
		}
		if p.included[abs] {
			continue // expanded once already; skipping also breaks cycles
		}
		p.included[abs] = true

		content, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("%s:%d: cannot include %q: %v", file, i+1, name, err)
		}
		if err := p.expand(string(content), name, filepath.Dir(full), depth+1); err != nil {
			return err
		}
	}
	return nil
}

// resolve tries the including file's directory first, then the configured
// base directory.
func (p *preprocessor) resolve(name, baseDir string) string {
	local := filepath.Join(baseDir, name)
	if _, err := os.Stat(local); err == nil {
		return local
	}
	if p.opts.IncludeDir != "" {
		alt := filepath.Join(p.opts.IncludeDir, name)
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}
	return local
}

func isIncludeDirective(line string) bool {
	rest := strings.TrimSpace(line[len("INCLUDE"):])
	return strings.HasPrefix(rest, "\"")
}

func includePath(line string) (string, error) {
	rest := strings.TrimSpace(line[len("INCLUDE"):])
	parts := strings.SplitN(rest, "\"", 3)
	if len(parts) < 3 {
		return "", fmt.Errorf("malformed include directive: %s", line)
	}
	return parts[1], nil
}
