// shader.go implements the WGSL include pre-processor used by every kernel. It scans kernel
// source for //@oxy:include lines and replaces each with a registered snippet: shared struct
// declarations or the per-encoding transform decode functions.
package gpu

import (
	"fmt"
	"strings"
)

// includePrefix marks a line to be replaced by a registered snippet.
const includePrefix = "//@oxy:include"

// ShaderLibrary maps include names to WGSL snippets.
type ShaderLibrary struct {
	includes map[string]string
}

// NewShaderLibrary creates a library pre-populated with the given snippets.
//
// Parameters:
//   - includes: initial name to source mappings, may be nil
//
// Returns:
//   - *ShaderLibrary: the library
func NewShaderLibrary(includes map[string]string) *ShaderLibrary {
	l := &ShaderLibrary{includes: make(map[string]string, len(includes))}
	for k, v := range includes {
		l.includes[k] = v
	}
	return l
}

// Register adds or replaces a snippet.
func (l *ShaderLibrary) Register(name, source string) {
	l.includes[name] = source
}

// With returns a copy of the library with extra snippets layered on top.
func (l *ShaderLibrary) With(extra map[string]string) *ShaderLibrary {
	out := NewShaderLibrary(l.includes)
	for k, v := range extra {
		out.includes[k] = v
	}
	return out
}

// Process replaces include lines with their snippets. Snippets are processed recursively, and an
// include cycle is an error.
//
// Parameters:
//   - source: the raw WGSL source
//
// Returns:
//   - string: the processed source
//   - error: if an include is unknown, malformed or cyclic
func (l *ShaderLibrary) Process(source string) (string, error) {
	return l.process(source, map[string]bool{})
}

func (l *ShaderLibrary) process(source string, active map[string]bool) (string, error) {
	lines := strings.Split(source, "\n")
	out := make([]string, 0, len(lines))

	for i, line := range lines {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), includePrefix)
		if !ok {
			out = append(out, line)
			continue
		}

		name := strings.TrimSpace(rest)
		if name == "" {
			return "", fmt.Errorf("line %d: @oxy:include needs a name", i+1)
		}
		src, ok := l.includes[name]
		if !ok {
			return "", fmt.Errorf("line %d: unknown @oxy:include argument %q", i+1, name)
		}
		if active[name] {
			return "", fmt.Errorf("line %d: include cycle through %q", i+1, name)
		}

		active[name] = true
		expanded, err := l.process(src, active)
		delete(active, name)
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, expanded)
	}
	return strings.Join(out, "\n"), nil
}
