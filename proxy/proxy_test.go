package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/counselhq/counsel/pkg/auth"
	"github.com/counselhq/counsel/pkg/llm"
	"github.com/counselhq/counsel/pkg/storage"
	"github.com/counselhq/counsel/pkg/storage/inmemory"
)

// testFixture is the state shared by proxy specs: a proxy over an
// in-memory driver, one signed-in user, and one case owned by that user.
type testFixture struct {
	proxy   *Proxy
	driver  *inmemory.Driver
	manager *auth.Manager
	user    *storage.User
	token   string
	kase    *storage.Case
}

// newTestFixture builds a fixture pointed at the given upstream. The
// config leaves rate limiting effectively off; specs that exercise the
// limiter construct their own proxy.
func newTestFixture(upstreamURL string) *testFixture {
	ctx := GinkgoT().Context()

	driver := inmemory.NewDriver()
	manager, err := auth.NewManager(&auth.Options{
		Driver: driver,
		Secret: "proxy-test-secret",
	})
	Expect(err).NotTo(HaveOccurred())

	user, err := manager.SignUp(ctx, "lawyer@firm.example", "password123", "Lawyer")
	Expect(err).NotTo(HaveOccurred())

	sess, err := manager.Issue(ctx, user.ID)
	Expect(err).NotTo(HaveOccurred())

	kase, err := driver.CreateCase(ctx, &storage.Case{
		UID:    "case-dispute",
		UserID: user.ID,
		Title:  "Contract dispute",
	})
	Expect(err).NotTo(HaveOccurred())

	p, err := New(Config{
		ListenAddr:  ":0",
		UpstreamURL: upstreamURL,
		Model:       "counsel-std",
		RateRPS:     100,
		RateBurst:   100,
		NumWorkers:  2,
	}, driver, manager, zap.NewNop())
	Expect(err).NotTo(HaveOccurred())

	return &testFixture{
		proxy:   p,
		driver:  driver,
		manager: manager,
		user:    user,
		token:   sess.Token,
		kase:    kase,
	}
}

// assistBody marshals an assist request body.
func assistBody(reqType, content, caseUID string) string {
	body, err := json.Marshal(llm.AssistRequest{
		Type:     reqType,
		Messages: []llm.Message{llm.NewUserMessage(content)},
		CaseUID:  caseUID,
	})
	Expect(err).NotTo(HaveOccurred())
	return string(body)
}

// assistRequest builds an authenticated request against the proxy.
func assistRequest(path, token, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

var _ = Describe("Proxy", func() {
	var (
		fx       *testFixture
		upstream *httptest.Server

		// upstreamCalls counts requests that actually reached upstream.
		upstreamCalls atomic.Int32
	)

	BeforeEach(func() {
		upstreamCalls.Store(0)
	})

	AfterEach(func() {
		if fx != nil && fx.proxy != nil {
			fx.proxy.Close()
		}
		if upstream != nil {
			upstream.Close()
		}
		fx = nil
		upstream = nil
	})

	Describe("New", func() {
		It("requires an upstream URL", func() {
			driver := inmemory.NewDriver()
			manager, err := auth.NewManager(&auth.Options{Driver: driver, Secret: "s"})
			Expect(err).NotTo(HaveOccurred())

			_, err = New(Config{ListenAddr: ":0"}, driver, manager, zap.NewNop())
			Expect(err).To(HaveOccurred())
		})

		It("requires a session manager", func() {
			_, err := New(Config{ListenAddr: ":0", UpstreamURL: "http://localhost"}, inmemory.NewDriver(), nil, zap.NewNop())
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("GET /health", func() {
		It("responds without authentication", func() {
			fx = newTestFixture("http://unused.invalid")

			resp, err := fx.proxy.server.Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				upstreamCalls.Add(1)
			}))
			fx = newTestFixture(upstream.URL)
		})

		It("rejects requests without a token before contacting upstream", func() {
			resp, err := fx.proxy.server.Test(assistRequest("/v1/chat", "", assistBody("chat", "hello", "")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(upstreamCalls.Load()).To(BeZero())
		})

		It("rejects a tampered token", func() {
			resp, err := fx.proxy.server.Test(assistRequest("/v1/chat", fx.token+"x", assistBody("chat", "hello", "")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(upstreamCalls.Load()).To(BeZero())
		})

		It("rejects a revoked session", func() {
			Expect(fx.manager.Revoke(GinkgoT().Context(), fx.token)).To(Succeed())

			resp, err := fx.proxy.server.Test(assistRequest("/v1/chat", fx.token, assistBody("chat", "hello", "")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(upstreamCalls.Load()).To(BeZero())
		})
	})

	Describe("request validation", func() {
		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				upstreamCalls.Add(1)
			}))
			fx = newTestFixture(upstream.URL)
		})

		It("rejects a body without messages", func() {
			resp, err := fx.proxy.server.Test(assistRequest("/v1/chat", fx.token, `{"type":"chat","messages":[]}`), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(upstreamCalls.Load()).To(BeZero())
		})

		It("rejects an analyze body on the chat route", func() {
			resp, err := fx.proxy.server.Test(assistRequest("/v1/chat", fx.token, assistBody("analyze", "review this", "")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects a chat body on the analyze route", func() {
			resp, err := fx.proxy.server.Test(assistRequest("/v1/analyze", fx.token, assistBody("chat", "hello", "")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects an unknown message role", func() {
			body := `{"type":"chat","messages":[{"role":"wizard","content":"hi"}]}`
			resp, err := fx.proxy.server.Test(assistRequest("/v1/chat", fx.token, body), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("case association", func() {
		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				upstreamCalls.Add(1)
			}))
			fx = newTestFixture(upstream.URL)
		})

		It("rejects an unknown case before contacting upstream", func() {
			resp, err := fx.proxy.server.Test(assistRequest("/v1/chat", fx.token, assistBody("chat", "hello", "no-such-case")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(upstreamCalls.Load()).To(BeZero())
		})

		It("presents another account's case as not found", func() {
			ctx := GinkgoT().Context()

			other, err := fx.manager.SignUp(ctx, "other@firm.example", "password123", "Other")
			Expect(err).NotTo(HaveOccurred())
			_, err = fx.driver.CreateCase(ctx, &storage.Case{UID: "case-other", UserID: other.ID, Title: "Other matter"})
			Expect(err).NotTo(HaveOccurred())

			resp, err := fx.proxy.server.Test(assistRequest("/v1/chat", fx.token, assistBody("chat", "hello", "case-other")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(upstreamCalls.Load()).To(BeZero())
		})
	})

	Describe("rate limiting", func() {
		It("returns 429 once the per-user burst is exhausted", func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				upstreamCalls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(llm.CompletionResponse{
					Choices: []llm.Choice{{Message: llm.NewAssistantMessage("ok")}},
				})
			}))

			fx = newTestFixture(upstream.URL)
			// Rebuild with a burst of one and a negligible refill rate.
			fx.proxy.Close()

			p, err := New(Config{
				ListenAddr:  ":0",
				UpstreamURL: upstream.URL,
				Model:       "counsel-std",
				RateRPS:     0.001,
				RateBurst:   1,
			}, fx.driver, fx.manager, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
			fx.proxy = p

			resp, err := p.server.Test(assistRequest("/v1/analyze", fx.token, assistBody("analyze", "review", "")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp, err = p.server.Test(assistRequest("/v1/analyze", fx.token, assistBody("analyze", "review", "")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
			Expect(upstreamCalls.Load()).To(Equal(int32(1)))
		})
	})

	Describe("upstream failures", func() {
		It("maps an upstream error status to 502 and persists nothing", func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			}))
			fx = newTestFixture(upstream.URL)

			resp, err := fx.proxy.server.Test(assistRequest("/v1/chat", fx.token, assistBody("chat", "hello", fx.kase.UID)), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))

			var errResp llm.ErrorResponse
			Expect(json.NewDecoder(resp.Body).Decode(&errResp)).To(Succeed())
			resp.Body.Close()
			Expect(errResp.Error).NotTo(BeEmpty())

			fx.proxy.Close()
			fx.proxy = nil

			messages, err := fx.driver.ListMessages(GinkgoT().Context(), fx.kase.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(BeEmpty())
		})

		It("maps a refused connection to 502", func() {
			fx = newTestFixture("http://127.0.0.1:1")

			resp, err := fx.proxy.server.Test(assistRequest("/v1/analyze", fx.token, assistBody("analyze", "review", "")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		})
	})

	Describe("POST /v1/analyze", func() {
		var lastUpstreamReq llm.CompletionRequest

		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				upstreamCalls.Add(1)
				Expect(json.NewDecoder(r.Body).Decode(&lastUpstreamReq)).To(Succeed())

				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(llm.CompletionResponse{
					ID:    "cmpl-1",
					Model: "counsel-std",
					Choices: []llm.Choice{{
						Message:      llm.NewAssistantMessage("The clause is enforceable."),
						FinishReason: "stop",
					}},
					Usage: &llm.Usage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28},
				})
			}))
			fx = newTestFixture(upstream.URL)
		})

		It("returns the full analysis with usage", func() {
			resp, err := fx.proxy.server.Test(assistRequest("/v1/analyze", fx.token, assistBody("analyze", "review this clause", "")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var analysis llm.AnalyzeResponse
			Expect(json.NewDecoder(resp.Body).Decode(&analysis)).To(Succeed())
			resp.Body.Close()

			Expect(analysis.Content).To(Equal("The clause is enforceable."))
			Expect(analysis.Usage.TotalTokens).To(Equal(28))
		})

		It("prepends the analysis system prompt and sets the model", func() {
			resp, err := fx.proxy.server.Test(assistRequest("/v1/analyze", fx.token, assistBody("analyze", "review this clause", "")), -1)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Expect(lastUpstreamReq.Model).To(Equal("counsel-std"))
			Expect(lastUpstreamReq.Messages[0].Role).To(Equal(llm.RoleSystem))
			Expect(lastUpstreamReq.Messages[1].Content).To(Equal("review this clause"))
			Expect(lastUpstreamReq.Stream).To(BeNil())
		})

		It("keeps a caller-supplied system message in front", func() {
			body, err := json.Marshal(llm.AssistRequest{
				Type: "analyze",
				Messages: []llm.Message{
					llm.NewSystemMessage("focus on indemnification"),
					llm.NewUserMessage("review this clause"),
				},
			})
			Expect(err).NotTo(HaveOccurred())

			resp, err := fx.proxy.server.Test(assistRequest("/v1/analyze", fx.token, string(body)), -1)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Expect(lastUpstreamReq.Messages).To(HaveLen(2))
			Expect(lastUpstreamReq.Messages[0].Content).To(Equal("focus on indemnification"))
		})

		It("persists the analysis to the case transcript after draining", func() {
			resp, err := fx.proxy.server.Test(assistRequest("/v1/analyze", fx.token, assistBody("analyze", "review this clause", fx.kase.UID)), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()

			fx.proxy.Close()
			fx.proxy = nil

			messages, err := fx.driver.ListMessages(GinkgoT().Context(), fx.kase.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(1))
			Expect(messages[0].Role).To(Equal(llm.RoleAssistant))
			Expect(messages[0].Content).To(Equal("The clause is enforceable."))
		})

		It("accepts the case through the query parameter", func() {
			resp, err := fx.proxy.server.Test(assistRequest("/v1/analyze?case_uid="+fx.kase.UID, fx.token, assistBody("analyze", "review this clause", "")), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()

			fx.proxy.Close()
			fx.proxy = nil

			messages, err := fx.driver.ListMessages(GinkgoT().Context(), fx.kase.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(1))
		})
	})
})
