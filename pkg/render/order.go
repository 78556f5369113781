package render

import "github.com/killallgit/chatline/pkg/chat"

// Order returns messages in display order. Stored order is kept except that a
// run of tool messages directly following the assistant message they were
// started under is shown before that assistant message. The input is not modified.
func Order(messages []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(messages))

	for i := 0; i < len(messages); i++ {
		assistant, ok := messages[i].(*chat.AssistantMessage)
		if !ok {
			out = append(out, messages[i])
			continue
		}

		j := i + 1
		for j < len(messages) {
			tool, ok := messages[j].(*chat.ToolMessage)
			if !ok || tool.AssistantID != assistant.ID {
				break
			}
			out = append(out, tool)
			j++
		}
		out = append(out, assistant)
		i = j - 1
	}
	return out
}
