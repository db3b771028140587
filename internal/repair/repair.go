// File: internal/repair/repair.go
package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pinewright/pinewright/api/schemas"
)

// Service produces a repaired script from a broken one plus the compiler's
// formatted error output.
type Service interface {
	Repair(ctx context.Context, script string, formattedErrors string) (string, error)
}

// ErrOutputTooShort marks a repair response rejected by the minimum-length
// guard (empty or garbage model output).
var ErrOutputTooShort = errors.New("repair output below minimum length")

// FormatErrors renders structured compiler errors into the plain-text shape
// the repair model is prompted with.
func FormatErrors(errs []schemas.ScriptError) string {
	var b strings.Builder
	for _, e := range errs {
		fmt.Fprintf(&b, "line %d [%s]: %s\n", e.Line, e.Severity, e.Message)
	}
	return b.String()
}

const systemPrompt = `You are an expert Pine Script developer. You receive a Pine Script source file and the compiler errors it produced. Return ONLY the corrected, complete Pine Script source. Do not add markdown fences, commentary, or explanations. Preserve the script's intent and as much of its original structure as possible.`

// buildUserPrompt assembles the repair request body.
func buildUserPrompt(script, formattedErrors string) string {
	var b strings.Builder
	b.WriteString("The following script fails to compile.\n\nCompiler errors:\n")
	b.WriteString(formattedErrors)
	b.WriteString("\nScript:\n")
	b.WriteString(script)
	return b.String()
}

// stripFences removes a single leading/trailing markdown code fence that some
// models emit despite instructions.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	// Drop an optional language tag on the opening fence line.
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		first := trimmed[:idx]
		if len(first) <= 16 && !strings.ContainsAny(first, " \t") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
