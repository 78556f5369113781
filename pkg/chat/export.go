package chat

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// ToLangChain converts transcript messages to LangChain chat messages. Open
// assistant messages are included with whatever content has arrived so far.
func ToLangChain(messages []Message) []llms.ChatMessage {
	result := make([]llms.ChatMessage, 0, len(messages))

	for _, msg := range messages {
		switch m := msg.(type) {
		case *HumanMessage:
			result = append(result, llms.HumanChatMessage{Content: m.Content})
		case *AssistantMessage:
			result = append(result, llms.AIChatMessage{Content: m.Content})
		case *ToolMessage:
			result = append(result, llms.GenericChatMessage{
				Role:    "Tool",
				Name:    m.Call.Name,
				Content: toolExportContent(m),
			})
		}
	}

	return result
}

// FromLangChain converts LangChain chat messages into finalized transcript messages
func FromLangChain(messages []llms.ChatMessage) []Message {
	result := make([]Message, 0, len(messages))

	for _, msg := range messages {
		switch m := msg.(type) {
		case llms.HumanChatMessage:
			result = append(result, NewHumanMessage(m.Content))
		case llms.AIChatMessage:
			result = append(result, NewAssistantMessage(m.Content))
		case llms.GenericChatMessage:
			if m.Role == "Tool" || m.Role == "tool" {
				result = append(result, NewToolFinished(m.Content, ToolCall{Name: m.Name, Key: m.Name, Result: m.Content}))
				continue
			}
			result = append(result, NewAssistantMessage(m.Content))
		default:
			result = append(result, NewAssistantMessage(msg.GetContent()))
		}
	}

	return result
}

// BufferString renders messages as a "Human: ..." / "AI: ..." transcript
func BufferString(messages []Message) (string, error) {
	s, err := llms.GetBufferString(ToLangChain(messages), "Human", "AI")
	if err != nil {
		return "", fmt.Errorf("failed to render transcript: %w", err)
	}
	return s, nil
}

func toolExportContent(m *ToolMessage) string {
	if m.Call.Phase == PhaseFinished && m.Call.Result != nil {
		return fmt.Sprintf("%s -> %s", m.Call.Name, CompactJSON(m.Call.Result))
	}
	return m.Content
}
