package controllers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/killallgit/chatline/pkg/chat"
	"github.com/killallgit/chatline/pkg/config"
	"github.com/killallgit/chatline/pkg/controllers"
	"github.com/killallgit/chatline/pkg/stream"
	"github.com/killallgit/chatline/pkg/stream/core"
	"github.com/killallgit/chatline/pkg/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func toolMessages(messages []chat.Message) []*chat.ToolMessage {
	var out []*chat.ToolMessage
	for _, m := range messages {
		if t, ok := m.(*chat.ToolMessage); ok {
			out = append(out, t)
		}
	}
	return out
}

var _ = Describe("StreamController", func() {
	var (
		ctx        context.Context
		transport  *testutil.FakeTransport
		transcript *chat.Transcript
		opts       controllers.StreamOptions
		controller *controllers.StreamController
	)

	BeforeEach(func() {
		ctx = context.Background()
		transport = testutil.NewFakeTransport()
		transcript = chat.NewTranscript()
		opts = controllers.StreamOptions{
			Decoder: &stream.Decoder{NewKey: func() string { return "generated" }},
		}
	})

	JustBeforeEach(func() {
		controller = controllers.NewStreamController(transport, transcript, opts)
	})

	It("should start idle", func() {
		Expect(controller.State()).To(Equal(core.StateIdle))
		Expect(controller.Loading()).To(BeFalse())
		Expect(controller.Err()).NotTo(HaveOccurred())

		state, err := controller.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(core.StateIdle))
	})

	Describe("Send", func() {
		It("should append the human message and an open assistant placeholder", func() {
			Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())

			messages := transcript.Messages()
			Expect(messages).To(HaveLen(2))
			Expect(messages[0].MessageRole()).To(Equal(chat.RoleHuman))
			Expect(messages[0].Body()).To(Equal("hello"))
			Expect(messages[0].IsFinal()).To(BeTrue())
			Expect(messages[1].MessageRole()).To(Equal(chat.RoleAssistant))
			Expect(messages[1].Body()).To(BeEmpty())
			Expect(messages[1].IsFinal()).To(BeFalse())

			Expect(controller.State()).To(Equal(core.StateStreaming))
			Expect(controller.Loading()).To(BeTrue())
			Expect(controller.SessionID()).To(Equal("s1"))
			Expect(transport.Requests()).To(Equal([]stream.Request{{Message: "hello", ThreadID: "s1"}}))

			sub := transport.Last()
			Expect(sub.Started()).To(BeTrue())
			for _, name := range stream.Names {
				Expect(sub.Handlers(name)).To(Equal(1), name)
			}
		})

		It("should stream tokens into the assistant message until done", func() {
			Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())
			sub := transport.Last()

			sub.EmitJSON(stream.EventToken, map[string]string{"text": "Hi"})
			sub.EmitJSON(stream.EventToken, map[string]string{"text": " there"})
			Expect(transcript.Messages()[1].Body()).To(Equal("Hi there"))
			Expect(transcript.Messages()[1].IsFinal()).To(BeFalse())

			sub.Emit(stream.EventDone, "{}")

			messages := transcript.Messages()
			Expect(messages).To(HaveLen(2))
			Expect(messages[1].Body()).To(Equal("Hi there"))
			Expect(messages[1].IsFinal()).To(BeTrue())
			Expect(controller.State()).To(Equal(core.StateClosedOK))
			Expect(controller.Loading()).To(BeFalse())
			Expect(sub.Closed()).To(BeTrue())

			state, err := controller.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(core.StateClosedOK))
		})

		It("should treat raw token text as a literal token", func() {
			Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())
			transport.Last().Emit(stream.EventToken, "plain text")

			Expect(transcript.Messages()[1].Body()).To(Equal("plain text"))
			Expect(controller.State()).To(Equal(core.StateStreaming))
		})

		Context("without a session id", func() {
			It("should fail without touching the network", func() {
				err := controller.Send(ctx, "hello", "")

				Expect(err).To(MatchError(controllers.ErrNoSession))
				Expect(controller.Err()).To(MatchError(controllers.ErrNoSession))
				Expect(controller.State()).To(Equal(core.StateClosedError))
				Expect(controller.Loading()).To(BeFalse())
				Expect(transport.Requests()).To(BeEmpty())
				Expect(transcript.Len()).To(BeZero())
			})
		})

		Context("with a default session", func() {
			BeforeEach(func() {
				opts.DefaultSessionID = "default-thread"
			})

			It("should use it when no session id is given", func() {
				Expect(controller.Send(ctx, "hello", "")).To(Succeed())
				Expect(transport.Last().Request.ThreadID).To(Equal("default-thread"))
			})
		})

		Context("when the transport cannot be opened", func() {
			BeforeEach(func() {
				transport.FailOpen(errors.New("connection refused"))
			})

			It("should surface a send failure and keep the submitted turn", func() {
				err := controller.Send(ctx, "hello", "s1")

				Expect(err).To(MatchError(controllers.ErrSendFailed))
				Expect(err.Error()).To(ContainSubstring("connection refused"))
				Expect(controller.Err()).To(Equal(controllers.ErrSendFailed))
				Expect(controller.State()).To(Equal(core.StateClosedError))
				Expect(controller.Loading()).To(BeFalse())
				Expect(transcript.Len()).To(Equal(2))
			})
		})

		It("should close the previous stream and drop its late events", func() {
			Expect(controller.Send(ctx, "first", "s1")).To(Succeed())
			first := transport.Last()
			first.EmitJSON(stream.EventToken, map[string]string{"text": "one"})

			Expect(controller.Send(ctx, "second", "s1")).To(Succeed())
			second := transport.Last()
			Expect(first.Closed()).To(BeTrue())
			Expect(second).NotTo(BeIdenticalTo(first))

			first.EmitJSON(stream.EventToken, map[string]string{"text": "late"})
			first.Emit(stream.EventDone, "{}")
			second.EmitJSON(stream.EventToken, map[string]string{"text": "two"})

			messages := transcript.Messages()
			Expect(messages).To(HaveLen(4))
			Expect(messages[1].Body()).To(Equal("one"))
			Expect(messages[1].IsFinal()).To(BeTrue())
			Expect(messages[3].Body()).To(Equal("two"))
			Expect(messages[3].IsFinal()).To(BeFalse())
			Expect(controller.State()).To(Equal(core.StateStreaming))

			streams := controller.Streams()
			Expect(streams).To(HaveLen(2))
			Expect(streams[0].State).To(Equal(core.StateIdle))
			Expect(streams[1].State).To(Equal(core.StateStreaming))
		})

		Context("while the transport is still opening", func() {
			var sent chan error

			send := func(ctx context.Context, content string) chan error {
				result := make(chan error, 1)
				go func() { result <- controller.Send(ctx, content, "s1") }()
				return result
			}

			BeforeEach(func() {
				transport.HoldOpen()
			})

			AfterEach(func() {
				transport.ReleaseOpen()
			})

			JustBeforeEach(func() {
				sent = send(ctx, "hello")
				Eventually(transport.PendingOpens).Should(Equal(1))
			})

			It("should abort the open on Close", func() {
				controller.Close()

				Eventually(sent).Should(Receive(BeNil()))
				Expect(transport.PendingOpens()).To(BeZero())
				Expect(transport.Subscriptions()).To(BeEmpty())
				Expect(controller.State()).To(Equal(core.StateIdle))
				Expect(controller.Loading()).To(BeFalse())
				Expect(transcript.Len()).To(Equal(2))
			})

			It("should let a second send replace the pending open", func() {
				second := send(ctx, "again")

				Eventually(sent).Should(Receive(BeNil()))
				Eventually(transport.PendingOpens).Should(Equal(1))
				transport.ReleaseOpen()
				Eventually(second).Should(Receive(BeNil()))

				Expect(transport.Subscriptions()).To(HaveLen(1))
				Expect(transport.Last().Request.Message).To(Equal("again"))
				Expect(transport.Last().Started()).To(BeTrue())
				Expect(controller.State()).To(Equal(core.StateStreaming))

				transport.Last().EmitJSON(stream.EventToken, map[string]string{"text": "two"})
				messages := transcript.Messages()
				Expect(messages).To(HaveLen(4))
				Expect(messages[3].Body()).To(Equal("two"))
			})

			Context("when the caller gives up", func() {
				var cancel context.CancelFunc

				BeforeEach(func() {
					ctx, cancel = context.WithCancel(context.Background())
					DeferCleanup(func() { cancel() })
				})

				It("should fail the send with the context error", func() {
					cancel()

					var err error
					Eventually(sent).Should(Receive(&err))
					Expect(err).To(MatchError(controllers.ErrSendFailed))
					Expect(err).To(MatchError(context.Canceled))
					Expect(controller.State()).To(Equal(core.StateClosedError))
					Expect(controller.Err()).To(Equal(controllers.ErrSendFailed))
					Expect(controller.Loading()).To(BeFalse())
					Expect(transport.Subscriptions()).To(BeEmpty())
				})
			})
		})

		Context("when the backend never answers", func() {
			var server *httptest.Server

			BeforeEach(func() {
				server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					<-r.Context().Done()
				}))
				DeferCleanup(server.Close)
			})

			JustBeforeEach(func() {
				sse := stream.NewSSETransport(config.ServerConfig{BaseURL: server.URL, StreamPath: "/stream-chat"}, nil)
				controller = controllers.NewStreamController(sse, transcript, opts)
			})

			It("should give up when the send deadline passes", func() {
				deadline, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
				defer cancel()

				err := controller.Send(deadline, "hello", "s1")
				Expect(err).To(MatchError(controllers.ErrSendFailed))
				Expect(err).To(MatchError(context.DeadlineExceeded))
				Expect(controller.State()).To(Equal(core.StateClosedError))
			})

			It("should give up when closed", func() {
				sent := make(chan error, 1)
				go func() { sent <- controller.Send(ctx, "hello", "s1") }()

				Consistently(sent, 100*time.Millisecond).ShouldNot(Receive())
				controller.Close()
				Eventually(sent, 2*time.Second).Should(Receive(BeNil()))
				Expect(controller.State()).To(Equal(core.StateIdle))
			})
		})
	})

	Describe("tool events", func() {
		JustBeforeEach(func() {
			Expect(controller.Send(ctx, "find x", "s1")).To(Succeed())
		})

		It("should finish the started tool message on a matching result", func() {
			sub := transport.Last()
			sub.EmitJSON(stream.EventToolCall, map[string]any{"call_id": "c1", "tool_name": "search", "args": map[string]any{"q": "x"}})

			tools := toolMessages(transcript.Messages())
			Expect(tools).To(HaveLen(1))
			Expect(tools[0].Content).To(Equal(`▶️ search called with {"q":"x"}`))
			Expect(tools[0].Call.Phase).To(Equal(chat.PhaseStarted))
			Expect(tools[0].Final).To(BeFalse())
			Expect(controller.PendingCalls()).To(Equal(1))

			assistant, ok := transcript.OpenAssistant()
			Expect(ok).To(BeTrue())
			Expect(tools[0].AssistantID).To(Equal(assistant.ID))

			sub.EmitJSON(stream.EventToolResult, map[string]any{"call_id": "c1", "result": "42"})

			tools = toolMessages(transcript.Messages())
			Expect(tools).To(HaveLen(1))
			Expect(tools[0].Call.Phase).To(Equal(chat.PhaseFinished))
			Expect(tools[0].Call.Result).To(Equal("42"))
			Expect(tools[0].Call.Name).To(Equal("search"))
			Expect(tools[0].Content).To(Equal("42"))
			Expect(tools[0].Final).To(BeTrue())
			Expect(controller.PendingCalls()).To(BeZero())
		})

		It("should fall back to the tool name when no call id is sent", func() {
			sub := transport.Last()
			sub.EmitJSON(stream.EventToolCall, map[string]any{"tool_name": "calc", "args": map[string]any{"expr": "6*7"}})
			sub.EmitJSON(stream.EventToolResult, map[string]any{"tool_name": "calc", "output": map[string]any{"value": 42}})

			tools := toolMessages(transcript.Messages())
			Expect(tools).To(HaveLen(1))
			Expect(tools[0].Call.Phase).To(Equal(chat.PhaseFinished))
			Expect(tools[0].Call.Result).To(Equal(map[string]any{"value": 42.0}))
			Expect(tools[0].Content).To(Equal("{\n  \"value\": 42\n}"))
		})

		It("should append a standalone message for an unknown result", func() {
			sub := transport.Last()
			sub.EmitJSON(stream.EventToolCall, map[string]any{"call_id": "c1", "tool_name": "search", "args": map[string]any{"q": "x"}})
			before := toolMessages(transcript.Messages())[0]

			sub.EmitJSON(stream.EventToolResult, map[string]any{"call_id": "zzz", "tool_name": "calc", "result": "7"})

			tools := toolMessages(transcript.Messages())
			Expect(tools).To(HaveLen(2))
			Expect(tools[0]).To(Equal(before))
			Expect(tools[1].Content).To(Equal("◀️ calc result: 7"))
			Expect(tools[1].Call.Phase).To(Equal(chat.PhaseFinished))
			Expect(tools[1].Final).To(BeTrue())
			Expect(controller.PendingCalls()).To(Equal(1))
		})

		It("should not finish a tool call twice", func() {
			sub := transport.Last()
			sub.EmitJSON(stream.EventToolCall, map[string]any{"call_id": "c1", "tool_name": "search"})
			sub.EmitJSON(stream.EventToolResult, map[string]any{"call_id": "c1", "result": "first"})
			sub.EmitJSON(stream.EventToolResult, map[string]any{"call_id": "c1", "result": "second"})

			tools := toolMessages(transcript.Messages())
			Expect(tools).To(HaveLen(2))
			Expect(tools[0].Call.Result).To(Equal("first"))
			Expect(tools[1].Call.Result).To(Equal("second"))
			Expect(tools[1].Content).To(Equal("◀️ unknown_tool result: second"))
		})

		It("should show undecodable tool frames as raw text", func() {
			sub := transport.Last()
			sub.Emit(stream.EventToolCall, "search(q=x)")
			sub.Emit(stream.EventToolResult, "<<binary>>")

			tools := toolMessages(transcript.Messages())
			Expect(tools).To(HaveLen(2))
			Expect(tools[0].Content).To(Equal("▶️ tool called: search(q=x)"))
			Expect(tools[0].Call.Raw).To(Equal("search(q=x)"))
			Expect(tools[1].Content).To(Equal("◀️ tool result: <<binary>>"))
			Expect(controller.State()).To(Equal(core.StateStreaming))
		})

		It("should keep streaming tokens into the assistant around tool messages", func() {
			sub := transport.Last()
			sub.EmitJSON(stream.EventToken, map[string]string{"text": "Let me "})
			sub.EmitJSON(stream.EventToolCall, map[string]any{"call_id": "c1", "tool_name": "search"})
			sub.EmitJSON(stream.EventToken, map[string]string{"text": "check."})
			sub.Emit(stream.EventDone, "")

			messages := transcript.Messages()
			Expect(messages).To(HaveLen(3))
			Expect(messages[1].Body()).To(Equal("Let me check."))
			Expect(messages[1].IsFinal()).To(BeTrue())
			Expect(messages[2].MessageRole()).To(Equal(chat.RoleTool))
		})
	})

	Describe("message event", func() {
		It("should finalize and close, ignoring the final text by default", func() {
			Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())
			sub := transport.Last()
			sub.EmitJSON(stream.EventToken, map[string]string{"text": "streamed"})
			sub.EmitJSON(stream.EventMessage, map[string]string{"text": "final"})

			Expect(transcript.Messages()[1].Body()).To(Equal("streamed"))
			Expect(transcript.Messages()[1].IsFinal()).To(BeTrue())
			Expect(controller.State()).To(Equal(core.StateClosedOK))

			sub.Emit(stream.EventDone, "{}")
			Expect(controller.State()).To(Equal(core.StateClosedOK))
			Expect(transcript.Len()).To(Equal(2))
		})

		It("should use the final text when no tokens were streamed", func() {
			Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())
			sub := transport.Last()
			sub.EmitJSON(stream.EventMessage, map[string]string{"text": "final"})

			Expect(transcript.Messages()[1].Body()).To(Equal("final"))
			Expect(transcript.Messages()[1].IsFinal()).To(BeTrue())
			Expect(controller.State()).To(Equal(core.StateClosedOK))
			Expect(controller.Loading()).To(BeFalse())
		})

		Context("when final text is applied", func() {
			BeforeEach(func() {
				opts.ApplyFinalText = true
			})

			It("should replace the streamed text", func() {
				Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())
				sub := transport.Last()
				sub.EmitJSON(stream.EventToken, map[string]string{"text": "streamed"})
				sub.EmitJSON(stream.EventMessage, map[string]string{"text": "final"})

				Expect(transcript.Messages()[1].Body()).To(Equal("final"))
				Expect(transcript.Messages()[1].IsFinal()).To(BeTrue())
			})

			It("should keep the streamed text when the final text is empty", func() {
				Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())
				sub := transport.Last()
				sub.EmitJSON(stream.EventToken, map[string]string{"text": "streamed"})
				sub.EmitJSON(stream.EventMessage, map[string]string{})

				Expect(transcript.Messages()[1].Body()).To(Equal("streamed"))
			})
		})
	})

	Describe("failures", func() {
		JustBeforeEach(func() {
			Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())
			transport.Last().EmitJSON(stream.EventToken, map[string]string{"text": "partial"})
		})

		It("should keep partial content when the transport breaks", func() {
			sub := transport.Last()
			sub.Fail(stream.ErrStreamEnded)

			Expect(controller.State()).To(Equal(core.StateClosedError))
			Expect(controller.Err()).To(MatchError(controllers.ErrStreamFailed))
			Expect(controller.Err().Error()).To(Equal("Streaming connection failed"))
			Expect(controller.Loading()).To(BeFalse())
			Expect(sub.Closed()).To(BeTrue())

			assistant := transcript.Messages()[1]
			Expect(assistant.Body()).To(Equal("partial"))
			Expect(assistant.IsFinal()).To(BeFalse())

			sub.EmitJSON(stream.EventToken, map[string]string{"text": " more"})
			Expect(transcript.Messages()[1].Body()).To(Equal("partial"))
		})

		It("should fail on an error event from the backend", func() {
			transport.Last().EmitJSON(stream.EventError, map[string]string{"message": "model unavailable"})

			Expect(controller.State()).To(Equal(core.StateClosedError))
			Expect(controller.Err()).To(MatchError(controllers.ErrStreamFailed))
			Expect(controller.Err().Error()).To(ContainSubstring("model unavailable"))
			Expect(transcript.Messages()[1].Body()).To(Equal("partial"))
		})

		It("should allow a retry after a failure", func() {
			transport.Last().Fail(errors.New("reset by peer"))
			Expect(controller.Send(ctx, "hello again", "s1")).To(Succeed())

			Expect(controller.Err()).NotTo(HaveOccurred())
			Expect(controller.State()).To(Equal(core.StateStreaming))

			messages := transcript.Messages()
			Expect(messages).To(HaveLen(4))
			Expect(messages[1].IsFinal()).To(BeTrue())
			Expect(messages[3].IsFinal()).To(BeFalse())
		})
	})

	Describe("Close", func() {
		It("should tear down the stream and ignore later events", func() {
			Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())
			sub := transport.Last()

			controller.Close()
			controller.Close()

			Expect(sub.CloseCount()).To(Equal(1))
			Expect(controller.State()).To(Equal(core.StateIdle))
			Expect(controller.Loading()).To(BeFalse())

			sub.EmitJSON(stream.EventToken, map[string]string{"text": "late"})
			sub.Emit(stream.EventDone, "{}")
			Expect(transcript.Messages()[1].Body()).To(BeEmpty())
			Expect(controller.State()).To(Equal(core.StateIdle))
		})

		It("should release waiters", func() {
			Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())

			done := make(chan core.State, 1)
			go func() {
				defer GinkgoRecover()
				state, err := controller.Wait(ctx)
				Expect(err).NotTo(HaveOccurred())
				done <- state
			}()

			controller.Close()
			Eventually(done).Should(Receive(Equal(core.StateIdle)))
		})
	})

	Describe("Wait", func() {
		It("should return the context error while still streaming", func() {
			Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())

			waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()

			state, err := controller.Wait(waitCtx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(state).To(Equal(core.StateStreaming))
		})
	})

	Describe("Clear", func() {
		It("should close the stream and empty the transcript", func() {
			Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())
			transport.Last().EmitJSON(stream.EventToolCall, map[string]any{"call_id": "c1", "tool_name": "search"})

			controller.Clear()

			Expect(transcript.Len()).To(BeZero())
			Expect(controller.PendingCalls()).To(BeZero())
			Expect(controller.State()).To(Equal(core.StateIdle))
			Expect(transport.Last().Closed()).To(BeTrue())
		})
	})

	Describe("observers", func() {
		It("should see a snapshot after every mutation", func() {
			var snapshots [][]chat.Message
			unsubscribe := transcript.Subscribe(func(messages []chat.Message) {
				snapshots = append(snapshots, messages)
			})
			defer unsubscribe()

			Expect(controller.Send(ctx, "hello", "s1")).To(Succeed())
			transport.Last().EmitJSON(stream.EventToken, map[string]string{"text": "Hi"})
			transport.Last().Emit(stream.EventDone, "{}")

			Expect(snapshots).To(HaveLen(4))
			Expect(snapshots[2][1].Body()).To(Equal("Hi"))
			Expect(snapshots[3][1].IsFinal()).To(BeTrue())
		})
	})
})
