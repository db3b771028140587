// internal/editor/parser.go
package editor

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/pinewright/pinewright/api/schemas"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// consoleEntry mirrors the shape the editor's console widget keeps in its
// message store when we can read it straight out of the page.
type consoleEntry struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Line int    `json:"line"`
}

// parseConsoleJSON decodes structured console messages extracted from the
// page's own message store.
func parseConsoleJSON(raw string) ([]schemas.ScriptError, bool) {
	var entries []consoleEntry
	if err := jsonFast.UnmarshalFromString(raw, &entries); err != nil {
		return nil, false
	}
	return entriesToErrors(entries), true
}

func entriesToErrors(entries []consoleEntry) []schemas.ScriptError {
	var out []schemas.ScriptError
	for _, e := range entries {
		sev := classifySeverity(e.Type + " " + e.Text)
		if sev == "" {
			continue
		}
		line := e.Line
		if line == 0 {
			line = extractLine(e.Text)
		}
		out = append(out, schemas.ScriptError{
			Line:     line,
			Severity: sev,
			Message:  cleanMessage(e.Text),
		})
	}
	return out
}

// parseConsoleText recovers errors from the flattened text of the console
// panel, the fallback path when the page cannot be scripted against.
func parseConsoleText(raw string) []schemas.ScriptError {
	var out []schemas.ScriptError
	for _, chunk := range splitConsoleLines(raw) {
		sev := classifySeverity(chunk)
		if sev == "" {
			continue
		}
		out = append(out, schemas.ScriptError{
			Line:     extractLine(chunk),
			Severity: sev,
			Message:  cleanMessage(chunk),
		})
	}
	return out
}

// splitConsoleLines breaks panel text at message boundaries. The panel's rows
// collapse into one string when read via markup, so each "Error at" or
// "Warning at" prefix starts a new message.
func splitConsoleLines(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var chunks []string
	rest := raw
	for {
		idx := nextMessageStart(rest[1:])
		if idx < 0 {
			chunks = append(chunks, strings.TrimSpace(rest))
			return chunks
		}
		idx++
		chunks = append(chunks, strings.TrimSpace(rest[:idx]))
		rest = rest[idx:]
	}
}

func nextMessageStart(s string) int {
	lower := strings.ToLower(s)
	best := -1
	for _, marker := range []string{"error at ", "error on line", "warning at ", "warning on line", "syntax error"} {
		if i := strings.Index(lower, marker); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

func classifySeverity(s string) schemas.Severity {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "error"):
		return schemas.SeverityError
	case strings.Contains(lower, "warning"):
		return schemas.SeverityWarning
	default:
		return ""
	}
}

// extractLine pulls the line number out of messages like
// "Error at 12:5 ..." or "line 12: ...". Zero means no line was found.
func extractLine(s string) int {
	lower := strings.ToLower(s)
	for _, marker := range []string{"line ", " at "} {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		rest := s[idx+len(marker):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		if n, err := strconv.Atoi(rest[:end]); err == nil {
			return n
		}
	}
	return 0
}

// cleanMessage strips the severity/position preamble so the message reads as
// the compiler wrote it.
func cleanMessage(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"error:", "warning:", "error", "warning"} {
		if strings.HasPrefix(lower, prefix) {
			trimmed := strings.TrimSpace(s[len(prefix):])
			if trimmed != "" {
				s = trimmed
				lower = strings.ToLower(s)
			}
			break
		}
	}
	// Drop a leading "at 12:5" position token.
	if strings.HasPrefix(lower, "at ") {
		rest := s[3:]
		if i := strings.IndexByte(rest, ' '); i > 0 && looksLikePosition(rest[:i]) {
			s = strings.TrimSpace(rest[i+1:])
		}
	}
	return strings.TrimPrefix(s, ": ")
}

func looksLikePosition(tok string) bool {
	tok = strings.TrimSuffix(tok, ":")
	for _, r := range tok {
		if (r < '0' || r > '9') && r != ':' {
			return false
		}
	}
	return tok != ""
}
