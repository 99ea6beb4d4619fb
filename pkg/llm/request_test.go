package llm_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/counselhq/counsel/pkg/llm"
)

var _ = Describe("AssistRequest", func() {
	Describe("Validate", func() {
		It("accepts a chat request", func() {
			req := &llm.AssistRequest{
				Type:     llm.TypeChat,
				Messages: []llm.Message{llm.NewUserMessage("hello")},
			}
			Expect(req.Validate()).To(Succeed())
		})

		It("accepts an analyze request", func() {
			req := &llm.AssistRequest{
				Type: llm.TypeAnalyze,
				Messages: []llm.Message{
					{Role: llm.RoleSystem, Content: "You are a legal analyst."},
					llm.NewUserMessage("review this clause"),
				},
			}
			Expect(req.Validate()).To(Succeed())
		})

		It("rejects a missing type", func() {
			req := &llm.AssistRequest{
				Messages: []llm.Message{llm.NewUserMessage("hello")},
			}
			err := req.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("type is required"))
		})

		It("rejects an unknown type", func() {
			req := &llm.AssistRequest{
				Type:     "summarize",
				Messages: []llm.Message{llm.NewUserMessage("hello")},
			}
			err := req.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("unknown request type"))
		})

		It("rejects empty messages", func() {
			req := &llm.AssistRequest{Type: llm.TypeChat}
			err := req.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("at least one message"))
		})

		It("rejects a message with no role", func() {
			req := &llm.AssistRequest{
				Type:     llm.TypeChat,
				Messages: []llm.Message{{Content: "hello"}},
			}
			err := req.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("role is required"))
		})

		It("rejects a message with an unknown role", func() {
			req := &llm.AssistRequest{
				Type:     llm.TypeChat,
				Messages: []llm.Message{{Role: "tool", Content: "hello"}},
			}
			err := req.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("unknown role"))
		})
	})

	It("unmarshals the client wire format", func() {
		payload := `{"type":"chat","messages":[{"role":"user","content":"hello"}]}`

		var req llm.AssistRequest
		Expect(json.Unmarshal([]byte(payload), &req)).To(Succeed())
		Expect(req.Type).To(Equal(llm.TypeChat))
		Expect(req.Messages).To(HaveLen(1))
		Expect(req.Messages[0].Role).To(Equal("user"))
		Expect(req.Messages[0].Content).To(Equal("hello"))
	})
})

var _ = Describe("StreamChunk", func() {
	Describe("Content", func() {
		It("returns the first choice's delta content", func() {
			chunk := &llm.StreamChunk{
				Choices: []llm.StreamChoice{
					{Delta: llm.Delta{Content: "Hello"}},
				},
			}
			Expect(chunk.Content()).To(Equal("Hello"))
		})

		It("returns empty string when there are no choices", func() {
			chunk := &llm.StreamChunk{}
			Expect(chunk.Content()).To(BeEmpty())
		})

		It("returns empty string for an empty delta", func() {
			chunk := &llm.StreamChunk{
				Choices: []llm.StreamChoice{{}},
			}
			Expect(chunk.Content()).To(BeEmpty())
		})
	})

	It("unmarshals an OpenAI streaming chunk", func() {
		payload := `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}`

		var chunk llm.StreamChunk
		Expect(json.Unmarshal([]byte(payload), &chunk)).To(Succeed())
		Expect(chunk.ID).To(Equal("chatcmpl-1"))
		Expect(chunk.Content()).To(Equal("Hi"))
		Expect(chunk.Choices[0].FinishReason).To(BeNil())
	})
})

var _ = Describe("CompletionResponse", func() {
	Describe("Content", func() {
		It("returns the first choice's message content", func() {
			resp := &llm.CompletionResponse{
				Choices: []llm.Choice{
					{Message: llm.NewAssistantMessage("analysis complete")},
				},
			}
			Expect(resp.Content()).To(Equal("analysis complete"))
		})

		It("returns empty string when there are no choices", func() {
			resp := &llm.CompletionResponse{}
			Expect(resp.Content()).To(BeEmpty())
		})
	})
})
