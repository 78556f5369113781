package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxPreviewLength bounds tool previews
	MaxPreviewLength = 400
	maxArgsPreview   = 200
)

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// ToolPreview derives a short human-readable summary of a tool payload. It
// prefers the result (result, output or content), then the arguments (args or
// input), then the whole object.
func ToolPreview(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}

	if result, ok := firstField(payload, "result", "output", "content"); ok {
		if p := ResultPreview(result); p != "" {
			return p
		}
	}

	if args, ok := firstField(payload, "args", "input"); ok {
		if j := CompactJSON(args); j != "" && j != "{}" && j != "null" {
			return "args: " + Truncate(j, maxArgsPreview)
		}
	}

	return Truncate(CompactJSON(payload), maxArgsPreview)
}

// ResultPreview renders a result value: the first paragraph of a string, or
// compact JSON for anything else.
func ResultPreview(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		if strings.TrimSpace(v) == "" {
			return ""
		}
		first := strings.TrimSpace(paragraphBreak.Split(v, 2)[0])
		return Truncate(first, MaxPreviewLength)
	case map[string]any, []any:
		return Truncate(CompactJSON(v), MaxPreviewLength)
	default:
		return Truncate(fmt.Sprint(v), MaxPreviewLength)
	}
}

// Truncate shortens s to at most limit runes, marking the cut with "..."
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	const marker = "..."
	if limit <= len(marker) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(marker)]) + marker
}

// PrettyJSON renders structured values indented by two spaces and returns
// strings unchanged.
func PrettyJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// CompactJSON renders v as single-line JSON
func CompactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func firstField(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(obj map[string]any, keys ...string) string {
	v, ok := firstField(obj, keys...)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
