package chat

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RecoveryStage names the strategy that produced a recovered payload
type RecoveryStage int

const (
	StageEmpty RecoveryStage = iota
	StageStrict
	StageBraceSubstring
	StageResultField
	StagePlainText
)

func (s RecoveryStage) String() string {
	switch s {
	case StageEmpty:
		return "empty"
	case StageStrict:
		return "strict"
	case StageBraceSubstring:
		return "brace-substring"
	case StageResultField:
		return "result-field"
	case StagePlainText:
		return "plain-text"
	default:
		return "unknown"
	}
}

// Recovered is the best-effort reading of a persisted tool payload
type Recovered struct {
	Stage  RecoveryStage
	Object map[string]any // StageStrict, StageBraceSubstring
	Result string         // StageResultField
	Text   string         // input after undoing doubled braces
}

// Structured reports whether a JSON object was recovered
func (r Recovered) Structured() bool {
	return r.Object != nil
}

var resultFieldPattern = regexp.MustCompile(
	`["'](?:result|output)["']\s*:\s*(?:"((?:[^"\\]|\\.)*)"|'((?:[^'\\]|\\.)*)')`,
)

// UnescapeDoubledBraces reverses the legacy persistence encoding that wrote
// every '{' as "{{" and every '}' as "}}".
func UnescapeDoubledBraces(s string) string {
	if !strings.Contains(s, "{{") && !strings.Contains(s, "}}") {
		return s
	}
	return strings.ReplaceAll(strings.ReplaceAll(s, "{{", "{"), "}}", "}")
}

// RecoverPayload runs the recovery strategies in order: undo doubled braces,
// strict parse, first-'{'-to-last-'}' parse, result field extraction, and
// finally plain text.
func RecoverPayload(raw string) Recovered {
	if strings.TrimSpace(raw) == "" {
		return Recovered{Stage: StageEmpty, Text: raw}
	}

	text := UnescapeDoubledBraces(raw)

	if obj, ok := parseObject(text); ok {
		return Recovered{Stage: StageStrict, Object: obj, Text: text}
	}
	// Genuine nested JSON is damaged by the unescape step, so try the input as sent
	if text != raw {
		if obj, ok := parseObject(raw); ok {
			return Recovered{Stage: StageStrict, Object: obj, Text: raw}
		}
	}

	if obj, ok := parseBraceSubstring(text); ok {
		return Recovered{Stage: StageBraceSubstring, Object: obj, Text: text}
	}

	if result, ok := extractResultField(text); ok {
		return Recovered{Stage: StageResultField, Result: result, Text: text}
	}

	return Recovered{Stage: StagePlainText, Text: text}
}

func parseObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func parseBraceSubstring(s string) (map[string]any, bool) {
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first < 0 || last <= first {
		return nil, false
	}
	return parseObject(s[first : last+1])
}

func extractResultField(s string) (string, bool) {
	m := resultFieldPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}

	if m[1] != "" || m[2] == "" {
		var decoded string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &decoded); err == nil {
			return decoded, true
		}
		return m[1], true
	}

	// Single-quoted values come from Python reprs
	return strings.NewReplacer(`\'`, `'`, `\\`, `\`, `\n`, "\n").Replace(m[2]), true
}
