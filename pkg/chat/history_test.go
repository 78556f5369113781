package chat_test

import (
	"encoding/json"
	"strings"

	"github.com/killallgit/chatline/pkg/chat"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("History normalization", func() {
	Describe("Normalize", func() {
		It("should map roles and keep server order", func() {
			messages := chat.Normalize([]chat.HistoryRecord{
				{Role: "human", Content: "hi"},
				{Role: "ai", Content: "hello"},
				{Role: "Tool", Content: `{"result": "ok"}`},
				{Role: "system", Content: "sys"},
			})

			Expect(messages).To(HaveLen(4))
			Expect(messages[0].MessageRole()).To(Equal(chat.RoleHuman))
			Expect(messages[1].MessageRole()).To(Equal(chat.RoleAssistant))
			Expect(messages[2].MessageRole()).To(Equal(chat.RoleTool))
			Expect(messages[3].MessageRole()).To(Equal(chat.RoleAssistant))
			for _, m := range messages {
				Expect(m.IsFinal()).To(BeTrue())
			}
		})

		It("should prefer server ids and derive stable ids otherwise", func() {
			records := []chat.HistoryRecord{
				{MongoID: "mongo-1", ID: "plain-1", Role: "human", Content: "a"},
				{ID: "plain-2", Role: "ai", Content: "b"},
				{Role: "ai", Content: "c"},
				{Role: "", Content: "d"},
			}

			messages := chat.Normalize(records)
			Expect(messages[0].MessageID()).To(Equal("mongo-1"))
			Expect(messages[1].MessageID()).To(Equal("plain-2"))
			Expect(messages[2].MessageID()).To(Equal("a-2"))
			Expect(messages[3].MessageID()).To(Equal("m-3"))

			Expect(chat.Normalize(records)).To(Equal(messages))
		})

		It("should recover doubled-brace tool payloads", func() {
			messages := chat.Normalize([]chat.HistoryRecord{
				{Role: "tool", Content: `{{"result": "42"}}`},
			})

			tool := messages[0].(*chat.ToolMessage)
			Expect(tool.Call.Result).To(Equal("42"))
			Expect(tool.Call.Phase).To(Equal(chat.PhaseFinished))
			Expect(tool.Call.FromServer).To(BeTrue())
			Expect(tool.Content).To(Equal("42"))
		})

		It("should restore args, call id and tool name", func() {
			messages := chat.Normalize([]chat.HistoryRecord{{
				Role:    "tool",
				Name:    "record_name",
				Content: `{{"args": {{"q": "go"}}, "result": "found it\n\nmore detail", "call_id": "c9", "tool_name": "search"}}`,
			}})

			tool := messages[0].(*chat.ToolMessage)
			Expect(tool.Call.Args).To(Equal(map[string]any{"q": "go"}))
			Expect(tool.Call.CallID).To(Equal("c9"))
			Expect(tool.Call.Key).To(Equal("c9"))
			Expect(tool.Call.Name).To(Equal("search"))
			Expect(tool.Content).To(Equal("found it"))
		})

		It("should use the record name when the payload has none", func() {
			messages := chat.Normalize([]chat.HistoryRecord{
				{Role: "tool", Name: "calculator", Content: `{"args": {"x": 1}}`},
			})

			tool := messages[0].(*chat.ToolMessage)
			Expect(tool.Call.Name).To(Equal("calculator"))
			Expect(tool.Call.Key).To(Equal("calculator"))
			Expect(tool.Content).To(Equal(`args: {"x":1}`))
		})

		It("should keep unparseable tool content as plain text", func() {
			messages := chat.Normalize([]chat.HistoryRecord{
				{Role: "tool", Content: "just words"},
				{Role: "tool", Content: ""},
			})

			first := messages[0].(*chat.ToolMessage)
			Expect(first.Content).To(Equal("just words"))
			Expect(first.Call.Raw).To(Equal("just words"))
			Expect(first.Call.Phase).To(Equal(chat.PhaseFinished))

			Expect(messages[1].Body()).To(Equal("tool"))
		})

		It("should bound plain text previews", func() {
			long := strings.Repeat("x", 1000)
			messages := chat.Normalize([]chat.HistoryRecord{{Role: "tool", Content: long}})

			Expect(len([]rune(messages[0].Body()))).To(BeNumerically("<=", chat.MaxPreviewLength))
			Expect(messages[0].Body()).To(HaveSuffix("..."))
		})
	})

	Describe("HistoryRecord decoding", func() {
		It("should accept loose shapes", func() {
			var records []chat.HistoryRecord
			payload := `[
				{"_id": {"$oid": "abc123"}, "role": "human", "content": "hi"},
				{"id": 7, "role": "ai", "content": ["part"]},
				{"role": "tool", "content": null, "name": "search"}
			]`
			Expect(json.Unmarshal([]byte(payload), &records)).To(Succeed())

			Expect(records[0].MongoID).To(Equal("abc123"))
			Expect(records[1].ID).To(Equal("7"))
			Expect(records[1].Content).To(Equal(`["part"]`))
			Expect(records[2].Content).To(BeEmpty())
			Expect(records[2].Name).To(Equal("search"))
		})
	})

	Describe("RecoverPayload", func() {
		DescribeTable("should pick the first strategy that works",
			func(raw string, stage chat.RecoveryStage) {
				Expect(chat.RecoverPayload(raw).Stage).To(Equal(stage))
			},
			Entry("blank", "   ", chat.StageEmpty),
			Entry("strict", `{"result": "ok"}`, chat.StageStrict),
			Entry("doubled braces", `{{"result": "ok"}}`, chat.StageStrict),
			Entry("nested JSON damaged by unescaping", `{"a": {"b": 1}}`, chat.StageStrict),
			Entry("wrapped in prose", `Tool output: {"result": "ok"} (cached)`, chat.StageBraceSubstring),
			Entry("truncated JSON", `{"result": "partial answer", "args": {"q"`, chat.StageResultField),
			Entry("python repr", `{'result': 'it\'s fine', 'args': {'q': 1}}`, chat.StageResultField),
			Entry("plain text", `no structure here`, chat.StagePlainText),
		)

		It("should decode escapes in extracted fields", func() {
			r := chat.RecoverPayload(`{"result": "line\nbreak \"quoted\"", "broken`)
			Expect(r.Stage).To(Equal(chat.StageResultField))
			Expect(r.Result).To(Equal("line\nbreak \"quoted\""))
		})

		It("should unescape python reprs", func() {
			r := chat.RecoverPayload(`{'result': 'it\'s fine', 'args': {'q': 1}}`)
			Expect(r.Result).To(Equal("it's fine"))
		})
	})

	Describe("ToolPreview", func() {
		It("should prefer result, then output, then content", func() {
			Expect(chat.ToolPreview(map[string]any{"output": "out", "content": "c"})).To(Equal("out"))
			Expect(chat.ToolPreview(map[string]any{"content": "c"})).To(Equal("c"))
		})

		It("should render object results as compact JSON", func() {
			preview := chat.ToolPreview(map[string]any{"result": map[string]any{"a": "<b>"}})
			Expect(preview).To(Equal(`{"a":"<b>"}`))
		})

		It("should fall back to args and then the whole object", func() {
			Expect(chat.ToolPreview(map[string]any{"args": map[string]any{}, "x": 1.0})).To(Equal(`{"args":{},"x":1}`))
			Expect(chat.ToolPreview(map[string]any{"input": "q"})).To(Equal(`args: "q"`))
		})

		It("should bound every preview", func() {
			long := strings.Repeat("y", 2000)
			Expect(len(chat.ToolPreview(map[string]any{"result": long}))).To(BeNumerically("<=", chat.MaxPreviewLength))
			Expect(len(chat.ToolPreview(map[string]any{"args": map[string]any{"q": long}}))).To(BeNumerically("<=", chat.MaxPreviewLength))
		})
	})
})
