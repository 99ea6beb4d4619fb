// Package proxy provides the counsel AI proxy: it authenticates assist
// requests, forwards them to the upstream completion API, relays the
// streamed reply, and persists transcript turns through its worker pool.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/counselhq/counsel/pkg/auth"
	"github.com/counselhq/counsel/pkg/llm"
	"github.com/counselhq/counsel/pkg/storage"
	"github.com/counselhq/counsel/pkg/stream"
	"github.com/counselhq/counsel/proxy/header"
	"github.com/counselhq/counsel/proxy/worker"
)

const (
	// completionsPath is the OpenAI-compatible endpoint on the upstream.
	completionsPath = "/v1/chat/completions"

	// chatSystemPrompt frames the streaming consultation mode.
	chatSystemPrompt = "You are counsel, an AI legal assistant. Answer questions about " +
		"legal matters clearly and cite the relevant concepts. You provide legal " +
		"information, not legal advice; recommend consulting a licensed attorney " +
		"for decisions with legal consequences."

	// analyzeSystemPrompt frames the blocking document-analysis mode.
	analyzeSystemPrompt = "You are counsel, an AI legal assistant. Analyze the provided " +
		"material and produce a structured assessment: a summary, the key terms or " +
		"obligations, and any risks or unusual clauses worth attention. You provide " +
		"legal information, not legal advice."
)

// Locals key for the authenticated user resolved by requireAuth.
const localUser = "counsel_user"

// Typed failures produced while preparing an assist request, mapped onto
// HTTP statuses by assistError.
var (
	errRateLimited  = errors.New("rate limit exceeded")
	errCaseNotFound = errors.New("case not found")
)

// badRequestError marks malformed assist requests.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string {
	return e.msg
}

// Proxy is the counsel AI proxy service. It is deliberately thin: requests
// are verified, rated, and forwarded; the reply streams back to the client
// while the proxy reassembles it for async persistence via its worker pool.
type Proxy struct {
	config        Config
	driver        storage.Driver
	sessions      *auth.Manager
	workerPool    *worker.Pool
	logger        *zap.Logger
	httpClient    *http.Client
	server        *fiber.App
	headerHandler *header.Handler

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// New creates a new Proxy.
// The driver and session manager are injected to allow sharing with the
// API service when both run in one process.
func New(config Config, driver storage.Driver, sessions *auth.Manager, logger *zap.Logger) (*Proxy, error) {
	if config.UpstreamURL == "" {
		return nil, errors.New("upstream URL is required")
	}
	if driver == nil {
		return nil, errors.New("storage driver is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}

	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
		// Enable streaming
		StreamRequestBody: true,
	})

	wp, err := worker.NewPool(&worker.Config{
		Driver:     driver,
		Publisher:  config.Publisher,
		NumWorkers: config.NumWorkers,
		QueueSize:  config.QueueSize,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create worker pool: %w", err)
	}

	p := &Proxy{
		config:        config,
		driver:        driver,
		sessions:      sessions,
		workerPool:    wp,
		logger:        logger,
		server:        app,
		headerHandler: header.NewHandler(),
		limiters:      make(map[int64]*rate.Limiter),
		httpClient: &http.Client{
			// Completion requests can be slow, especially long analyses
			Timeout: 5 * time.Minute,
		},
	}

	app.Get("/health", p.handleHealth)

	authed := app.Group("/v1", p.requireAuth)
	authed.Post("/chat", p.handleChat)
	authed.Post("/analyze", p.handleAnalyze)

	return p, nil
}

// Run starts the proxy server on the configured listening address.
func (p *Proxy) Run() error {
	p.logger.Info("starting proxy server",
		zap.String("listen", p.config.ListenAddr),
		zap.String("upstream", p.config.UpstreamURL),
	)

	return p.server.Listen(p.config.ListenAddr)
}

// RunWithListener starts the proxy server using the provided listener.
func (p *Proxy) RunWithListener(listener net.Listener) error {
	p.logger.Info("starting proxy server",
		zap.String("listen", listener.Addr().String()),
		zap.String("upstream", p.config.UpstreamURL),
	)

	return p.server.Listener(listener)
}

// Close gracefully shuts down the proxy and waits for the worker pool to drain.
func (p *Proxy) Close() error {
	p.workerPool.Close()
	return p.server.Shutdown()
}

// handleHealth reports service and storage liveness.
func (p *Proxy) handleHealth(c *fiber.Ctx) error {
	if err := p.driver.Ping(c.Context()); err != nil {
		p.logger.Warn("storage unreachable", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(llm.ErrorResponse{Error: "storage unreachable"})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

// requireAuth resolves the bearer token to a live session's user before
// anything is forwarded upstream.
func (p *Proxy) requireAuth(c *fiber.Ctx) error {
	authHeader := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(llm.ErrorResponse{Error: "authorization required"})
	}

	_, user, err := p.sessions.Verify(c.Context(), strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, auth.ErrAccountDisabled) {
			return c.Status(fiber.StatusForbidden).JSON(llm.ErrorResponse{Error: err.Error()})
		}
		return c.Status(fiber.StatusUnauthorized).JSON(llm.ErrorResponse{Error: "invalid session"})
	}

	c.Locals(localUser, user)

	return c.Next()
}

// currentUser returns the authenticated user set by requireAuth.
func currentUser(c *fiber.Ctx) *storage.User {
	user, _ := c.Locals(localUser).(*storage.User)
	return user
}

// assistContext carries a prepared assist request to the upstream call.
type assistContext struct {
	req  *llm.AssistRequest
	user *storage.User

	// kase is nil when the exchange is not tied to a stored case; nothing
	// is persisted for such requests.
	kase *storage.Case
}

// prepareAssist parses and validates the request body, applies the
// per-user rate limit, and resolves the optional case association.
func (p *Proxy) prepareAssist(c *fiber.Ctx, wantType string) (*assistContext, error) {
	user := currentUser(c)

	var req llm.AssistRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, &badRequestError{msg: "invalid request body"}
	}
	if req.Type == "" {
		req.Type = wantType
	}
	if err := req.Validate(); err != nil {
		return nil, &badRequestError{msg: err.Error()}
	}
	if req.Type != wantType {
		return nil, &badRequestError{msg: fmt.Sprintf("type %q is not valid for this route", req.Type)}
	}

	if !p.limiter(user.ID).Allow() {
		return nil, errRateLimited
	}

	caseUID := req.CaseUID
	if caseUID == "" {
		caseUID = c.Query("case_uid")
	}

	ac := &assistContext{req: &req, user: user}
	if caseUID != "" {
		kase, err := p.driver.GetCaseByUID(c.Context(), caseUID)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, errCaseNotFound
			}
			return nil, fmt.Errorf("loading case: %w", err)
		}
		if kase.UserID != user.ID {
			// Existence is not revealed across accounts.
			return nil, errCaseNotFound
		}
		ac.kase = kase
	}

	return ac, nil
}

// assistError translates prepare failures into HTTP responses.
func (p *Proxy) assistError(c *fiber.Ctx, err error) error {
	var badReq *badRequestError
	switch {
	case errors.As(err, &badReq):
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: badReq.msg})

	case errors.Is(err, errRateLimited):
		return c.Status(fiber.StatusTooManyRequests).JSON(llm.ErrorResponse{Error: errRateLimited.Error()})

	case errors.Is(err, errCaseNotFound):
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: errCaseNotFound.Error()})

	default:
		p.logger.Error("preparing assist request", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "internal error"})
	}
}

// limiter returns the caller's token bucket, creating it on first use.
func (p *Proxy) limiter(userID int64) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[userID]
	if !ok {
		rps := p.config.RateRPS
		if rps <= 0 {
			rps = 1
		}
		burst := int(p.config.RateBurst)
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(rps), burst)
		p.limiters[userID] = l
	}

	return l
}

// completionRequest builds the upstream request for an assist exchange.
// The route's system prompt is prepended unless the caller already leads
// with its own system message.
func (p *Proxy) completionRequest(req *llm.AssistRequest, streaming bool) *llm.CompletionRequest {
	messages := req.Messages
	if len(messages) == 0 || messages[0].Role != llm.RoleSystem {
		prompt := chatSystemPrompt
		if req.Type == llm.TypeAnalyze {
			prompt = analyzeSystemPrompt
		}
		messages = append([]llm.Message{llm.NewSystemMessage(prompt)}, messages...)
	}

	cr := &llm.CompletionRequest{
		Model:    p.config.Model,
		Messages: messages,
	}
	if streaming {
		s := true
		cr.Stream = &s
	}

	return cr
}

// newUpstreamRequest creates the authenticated upstream HTTP request.
func (p *Proxy) newUpstreamRequest(ctx context.Context, cr *llm.CompletionRequest, streaming bool) (*http.Request, error) {
	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.UpstreamURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	return httpReq, nil
}

// handleChat relays a streaming consultation. The upstream SSE bytes pass
// through to the client unmodified; a tee feeds the stream decoder so the
// assistant's reply can be persisted once the stream ends.
func (p *Proxy) handleChat(c *fiber.Ctx) error {
	ac, err := p.prepareAssist(c, llm.TypeChat)
	if err != nil {
		return p.assistError(c, err)
	}

	// Use context.Background() instead of c.Context() because fasthttp
	// recycles its RequestCtx after the handler returns, but the relay
	// goroutine keeps reading upstream until the stream ends.
	httpReq, err := p.newUpstreamRequest(context.Background(), p.completionRequest(ac.req, true), true)
	if err != nil {
		p.logger.Error("building upstream request", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "internal error"})
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.logger.Error("upstream request failed", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(llm.ErrorResponse{Error: "upstream request failed"})
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		httpResp.Body.Close()
		p.logger.Error("upstream returned error",
			zap.Int("status", httpResp.StatusCode),
			zap.String("body", string(respBody)),
		)
		return c.Status(fiber.StatusBadGateway).JSON(llm.ErrorResponse{Error: "upstream request failed"})
	}

	p.headerHandler.SetClientResponseHeaders(c, httpResp)

	// Relay through io.Pipe: pw.Write blocks until fasthttp's chunked
	// writer consumes the data, so upstream chunks reach the client with
	// backpressure preserved instead of buffering in memory.
	pr, pw := io.Pipe()
	go p.relayStream(httpResp, pw, ac)

	// Unknown size (-1) triggers chunked transfer encoding in fasthttp.
	c.Context().Response.SetBodyStream(pr, -1)

	return nil
}

// relayStream copies the upstream SSE stream to the client while decoding
// it, then enqueues the reassembled assistant reply for persistence.
func (p *Proxy) relayStream(httpResp *http.Response, pw *io.PipeWriter, ac *assistContext) {
	defer httpResp.Body.Close()
	defer pw.Close()

	tee := io.TeeReader(httpResp.Body, pw)
	reply, err := stream.Decode(stream.NewReaderSource(tee), nil)
	if err != nil {
		// Covers both upstream read failures and the client hanging up;
		// a partial reply is not persisted.
		p.logger.Error("relaying stream", zap.Error(err))
		return
	}

	if ac.kase == nil || reply == "" {
		return
	}

	p.workerPool.Enqueue(worker.Job{
		CaseID:  ac.kase.ID,
		CaseUID: ac.kase.UID,
		UserID:  ac.user.ID,
		Role:    llm.RoleAssistant,
		Content: reply,
		Type:    llm.TypeChat,
	})
}

// handleAnalyze forwards a blocking analysis request and returns the full
// result as JSON.
func (p *Proxy) handleAnalyze(c *fiber.Ctx) error {
	ac, err := p.prepareAssist(c, llm.TypeAnalyze)
	if err != nil {
		return p.assistError(c, err)
	}

	httpReq, err := p.newUpstreamRequest(c.Context(), p.completionRequest(ac.req, false), false)
	if err != nil {
		p.logger.Error("building upstream request", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "internal error"})
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.logger.Error("upstream request failed", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(llm.ErrorResponse{Error: "upstream request failed"})
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		p.logger.Error("reading upstream response", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(llm.ErrorResponse{Error: "failed to read upstream response"})
	}
	if httpResp.StatusCode != http.StatusOK {
		p.logger.Error("upstream returned error",
			zap.Int("status", httpResp.StatusCode),
			zap.String("body", string(respBody)),
		)
		return c.Status(fiber.StatusBadGateway).JSON(llm.ErrorResponse{Error: "upstream request failed"})
	}

	var parsed llm.CompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		p.logger.Error("decoding upstream response", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(llm.ErrorResponse{Error: "invalid upstream response"})
	}

	content := parsed.Content()
	if ac.kase != nil && content != "" {
		p.workerPool.Enqueue(worker.Job{
			CaseID:  ac.kase.ID,
			CaseUID: ac.kase.UID,
			UserID:  ac.user.ID,
			Role:    llm.RoleAssistant,
			Content: content,
			Type:    llm.TypeAnalyze,
		})
	}

	return c.JSON(llm.AnalyzeResponse{Content: content, Usage: parsed.Usage})
}
