package llm_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/counselhq/counsel/pkg/llm"
)

var _ = Describe("Client", func() {
	Describe("Complete", func() {
		It("sends an authenticated completion request and parses the response", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/v1/chat/completions"))
				Expect(r.Header.Get("Authorization")).To(Equal("Bearer test-key"))
				Expect(r.Header.Get("Content-Type")).To(Equal("application/json"))

				var req llm.CompletionRequest
				Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
				Expect(req.Model).To(Equal("gpt-4o-mini"))
				Expect(req.Messages).To(HaveLen(1))

				resp := llm.CompletionResponse{
					ID:    "chatcmpl-1",
					Model: "gpt-4o-mini",
					Choices: []llm.Choice{
						{Message: llm.NewAssistantMessage("Hello there"), FinishReason: "stop"},
					},
				}
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(resp)
			}))
			defer server.Close()

			client := llm.NewClient(server.URL, "test-key")
			resp, err := client.Complete(context.Background(), &llm.CompletionRequest{
				Model:    "gpt-4o-mini",
				Messages: []llm.Message{llm.NewUserMessage("hello")},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Content()).To(Equal("Hello there"))
		})

		It("omits the Authorization header when no key is set", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.Header.Get("Authorization")).To(BeEmpty())
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(llm.CompletionResponse{})
			}))
			defer server.Close()

			client := llm.NewClient(server.URL, "")
			_, err := client.Complete(context.Background(), &llm.CompletionRequest{
				Model:    "gpt-4o-mini",
				Messages: []llm.Message{llm.NewUserMessage("hello")},
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns an error on a non-200 status", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				io.WriteString(w, `{"error":"rate limited"}`)
			}))
			defer server.Close()

			client := llm.NewClient(server.URL, "test-key")
			_, err := client.Complete(context.Background(), &llm.CompletionRequest{
				Model:    "gpt-4o-mini",
				Messages: []llm.Message{llm.NewUserMessage("hello")},
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("status 429"))
		})

		It("returns an error for a malformed response body", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, "not json")
			}))
			defer server.Close()

			client := llm.NewClient(server.URL, "test-key")
			_, err := client.Complete(context.Background(), &llm.CompletionRequest{
				Model:    "gpt-4o-mini",
				Messages: []llm.Message{llm.NewUserMessage("hello")},
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Stream", func() {
		It("forces streaming on and sets the event-stream accept header", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.Header.Get("Accept")).To(Equal("text/event-stream"))

				var req llm.CompletionRequest
				Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
				Expect(req.Stream).NotTo(BeNil())
				Expect(*req.Stream).To(BeTrue())

				w.Header().Set("Content-Type", "text/event-stream")
				io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\ndata: [DONE]\n\n")
			}))
			defer server.Close()

			client := llm.NewClient(server.URL, "test-key")
			resp, err := client.Stream(context.Background(), &llm.CompletionRequest{
				Model:    "gpt-4o-mini",
				Messages: []llm.Message{llm.NewUserMessage("hello")},
			})
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("data: [DONE]"))
		})

		It("does not mutate the caller's request", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
			}))
			defer server.Close()

			req := &llm.CompletionRequest{
				Model:    "gpt-4o-mini",
				Messages: []llm.Message{llm.NewUserMessage("hello")},
			}

			client := llm.NewClient(server.URL, "test-key")
			resp, err := client.Stream(context.Background(), req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Expect(req.Stream).To(BeNil())
		})

		It("returns the response even on a non-200 status", func() {
			// Status handling is the decoder's concern; Stream only fails on
			// transport errors.
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			}))
			defer server.Close()

			client := llm.NewClient(server.URL, "test-key")
			resp, err := client.Stream(context.Background(), &llm.CompletionRequest{
				Model:    "gpt-4o-mini",
				Messages: []llm.Message{llm.NewUserMessage("hello")},
			})
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		})
	})
})
