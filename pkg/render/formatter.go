package render

import (
	"encoding/json"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/killallgit/chatline/pkg/chat"
	"github.com/killallgit/chatline/pkg/config"
	"github.com/killallgit/chatline/pkg/logger"
)

// Formatter renders transcript messages for a terminal
type Formatter struct {
	humanStyle     lipgloss.Style
	assistantStyle lipgloss.Style
	toolStyle      lipgloss.Style
	pendingStyle   lipgloss.Style
	errorStyle     lipgloss.Style

	chromaFormatter chroma.Formatter
	chromaStyle     *chroma.Style
	plain           bool
}

// NewFormatter creates a formatter using the configured chroma style and formatter
func NewFormatter(cfg config.RenderConfig) *Formatter {
	formatter := formatters.Get(cfg.Formatter)
	if formatter == nil {
		formatter = formatters.Fallback
	}
	style := styles.Get(cfg.Style)
	if style == nil {
		style = styles.Fallback
	}

	return &Formatter{
		humanStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#87CEEB")), // Sky blue

		assistantStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#98FB98")), // Pale green

		toolStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700")), // Gold

		pendingStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true),

		errorStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")),

		chromaFormatter: formatter,
		chromaStyle:     style,
	}
}

// NewPlainFormatter creates a formatter that emits no escape sequences
func NewPlainFormatter() *Formatter {
	return &Formatter{plain: true}
}

// Label returns the styled role label of m
func (f *Formatter) Label(m chat.Message) string {
	switch v := m.(type) {
	case *chat.HumanMessage:
		return f.style(f.humanStyle, "you")
	case *chat.AssistantMessage:
		return f.style(f.assistantStyle, "assistant")
	case *chat.ToolMessage:
		label := "tool"
		if v.Call.Name != "" {
			label = "tool " + v.Call.Name
		}
		if v.Call.Phase == chat.PhaseStarted {
			return f.style(f.pendingStyle, label+" (running)")
		}
		return f.style(f.toolStyle, label)
	default:
		return ""
	}
}

// Message renders one message as a label line followed by its body
func (f *Formatter) Message(m chat.Message) string {
	body := m.Body()
	if tool, ok := m.(*chat.ToolMessage); ok && tool.Call.Phase == chat.PhaseFinished {
		body = f.HighlightJSON(body)
	}
	if a, ok := m.(*chat.AssistantMessage); ok && !a.Final && body == "" {
		body = f.style(f.pendingStyle, "...")
	}
	return f.Label(m) + "\n" + body
}

// Transcript renders messages in display order separated by blank lines
func (f *Formatter) Transcript(messages []chat.Message) string {
	ordered := Order(messages)
	blocks := make([]string, 0, len(ordered))
	for _, m := range ordered {
		blocks = append(blocks, f.Message(m))
	}
	return strings.Join(blocks, "\n\n")
}

// Error renders an error line
func (f *Formatter) Error(msg string) string {
	return f.style(f.errorStyle, "error: "+msg)
}

// HighlightJSON syntax-highlights s when it is a JSON object or array and
// returns it unchanged otherwise
func (f *Formatter) HighlightJSON(s string) string {
	if f.plain {
		return s
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') || !json.Valid([]byte(trimmed)) {
		return s
	}

	log := logger.WithComponent("render")
	lexer := lexers.Get("json")
	if lexer == nil {
		return s
	}

	iterator, err := lexer.Tokenise(nil, s)
	if err != nil {
		log.Debug("failed to tokenize json", "error", err)
		return s
	}

	var buf strings.Builder
	if err := f.chromaFormatter.Format(&buf, f.chromaStyle, iterator); err != nil {
		log.Debug("failed to format json", "error", err)
		return s
	}
	return buf.String()
}

func (f *Formatter) style(s lipgloss.Style, text string) string {
	if f.plain {
		return text
	}
	return s.Render(text)
}
