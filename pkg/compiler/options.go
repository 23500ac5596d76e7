package compiler

import (
	"strconv"
	"strings"

	"basic10/pkg/ic10"
)

// Options control one compilation. Callers set fields directly; ##Meta:
// directives in the source override them.
type Options struct {
	PreserveComments       bool
	EmitDebugComments      bool
	EmitSourceLineComments bool
	OptimizationLevel      int // 0, 1 or 2
	UseInlineHashes        bool
	OutputMode             ic10.OutputMode
	SourceFilePath         string // enables include resolution relative to the file
	IncludeDir             string // fallback base directory for INCLUDE
}

// DefaultOptions are what the editor host uses when the user sets nothing.
func DefaultOptions() Options {
	return Options{
		EmitSourceLineComments: true,
		OptimizationLevel:      1,
		UseInlineHashes:        true,
		OutputMode:             ic10.Readable,
	}
}

// applyMeta scans raw source for "##Meta: Key=Value" directives and applies
// them on top of the caller's options.
func (o *Options) applyMeta(src string) {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "##Meta:") {
			continue
		}
		body := strings.TrimSpace(trimmed[len("##Meta:"):])
		key, value, found := strings.Cut(body, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch strings.ToLower(key) {
		case "preservecomments":
			o.PreserveComments = metaBool(value)
		case "emitdebugcomments":
			o.EmitDebugComments = metaBool(value)
		case "emitsourcelinecomments":
			o.EmitSourceLineComments = metaBool(value)
		case "optimizationlevel":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 && n <= 2 {
				o.OptimizationLevel = n
			}
		case "useinlinehashes":
			o.UseInlineHashes = metaBool(value)
		case "outputmode":
			switch strings.ToLower(value) {
			case "readable":
				o.OutputMode = ic10.Readable
			case "compact":
				o.OutputMode = ic10.Compact
			case "debug":
				o.OutputMode = ic10.Debug
			}
		}
	}
}

func metaBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// effectiveMode folds the debug-comment switch into the output mode.
func (o Options) effectiveMode() ic10.OutputMode {
	if o.EmitDebugComments {
		return ic10.Debug
	}
	return o.OutputMode
}
