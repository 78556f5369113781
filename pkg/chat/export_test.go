package chat_test

import (
	"github.com/killallgit/chatline/pkg/chat"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tmc/langchaingo/llms"
)

var _ = Describe("LangChain export", func() {
	transcript := func() []chat.Message {
		return []chat.Message{
			&chat.HumanMessage{ID: "h1", Content: "what is 6*7?"},
			&chat.ToolMessage{ID: "t1", Content: "42", Final: true, Call: chat.ToolCall{
				Name: "calculator", Result: "42", Phase: chat.PhaseFinished,
			}},
			&chat.AssistantMessage{ID: "a1", Content: "It is 42.", Final: true},
		}
	}

	It("should convert each role", func() {
		converted := chat.ToLangChain(transcript())

		Expect(converted).To(HaveLen(3))
		Expect(converted[0]).To(Equal(llms.HumanChatMessage{Content: "what is 6*7?"}))
		Expect(converted[1]).To(Equal(llms.GenericChatMessage{Role: "Tool", Name: "calculator", Content: `calculator -> "42"`}))
		Expect(converted[2]).To(Equal(llms.AIChatMessage{Content: "It is 42."}))
	})

	It("should keep the started content for pending tool calls", func() {
		pending := chat.NewToolStarted("▶️ search called with {}", chat.ToolCall{Name: "search"})
		converted := chat.ToLangChain([]chat.Message{pending})

		Expect(converted[0].GetContent()).To(Equal("▶️ search called with {}"))
	})

	It("should render a buffer string", func() {
		s, err := chat.BufferString(transcript())
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(ContainSubstring("Human: what is 6*7?"))
		Expect(s).To(ContainSubstring("AI: It is 42."))
	})

	It("should convert back into finalized messages", func() {
		back := chat.FromLangChain(chat.ToLangChain(transcript()))

		Expect(back).To(HaveLen(3))
		Expect(back[0].MessageRole()).To(Equal(chat.RoleHuman))
		Expect(back[1].MessageRole()).To(Equal(chat.RoleTool))
		Expect(back[1].(*chat.ToolMessage).Call.Name).To(Equal("calculator"))
		Expect(back[2].Body()).To(Equal("It is 42."))
		for _, m := range back {
			Expect(m.IsFinal()).To(BeTrue())
		}
	})
})
