package llm

import (
	"errors"
	"fmt"
)

// Assist request types.
const (
	TypeChat    = "chat"
	TypeAnalyze = "analyze"
)

// AssistRequest is the payload clients send to the counsel proxy.
// Type selects the interaction mode: "chat" streams the reply over SSE,
// "analyze" blocks and returns a single JSON response.
type AssistRequest struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`

	// CaseUID optionally associates the exchange with a stored case so the
	// proxy can persist the transcript turn.
	CaseUID string `json:"case_uid,omitempty"`
}

// Validate checks the request for well-formedness.
func (r *AssistRequest) Validate() error {
	switch r.Type {
	case TypeChat, TypeAnalyze:
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown request type: %q", r.Type)
	}

	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}

	for i, msg := range r.Messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		case "":
			return fmt.Errorf("message %d: role is required", i)
		default:
			return fmt.Errorf("message %d: unknown role %q", i, msg.Role)
		}
	}

	return nil
}

// CompletionRequest is an OpenAI-format chat completion request,
// sent by the proxy to the upstream provider.
type CompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	// Whether to stream the response
	Stream *bool `json:"stream,omitempty"`

	// Generation parameters
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}
