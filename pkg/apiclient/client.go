// Package apiclient is the HTTP client for the counsel API service. The
// CLI uses it for everything that isn't an assist exchange: accounts,
// sessions, cases, and transcripts.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/counselhq/counsel/pkg/llm"
	"github.com/counselhq/counsel/pkg/storage"
)

// APIError is a non-success response from the API service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is a 401 response, meaning the
// session token is missing, expired, or revoked.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// AuthResult is the profile plus session returned by sign-up and sign-in.
type AuthResult struct {
	User    *storage.User    `json:"user"`
	Session *storage.Session `json:"session"`
}

// OTPEnrollment is a pending one-time code enrollment.
type OTPEnrollment struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// CaseDetail is a case together with its transcript.
type CaseDetail struct {
	Case     *storage.Case      `json:"case"`
	Messages []*storage.Message `json:"messages"`
}

// Client calls the counsel API service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client for the given base URL. The token is the
// session access token; it may be empty for the unauthenticated routes.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetToken replaces the session token, typically after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// SignUp registers an account and returns the profile with its first
// session.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*AuthResult, error) {
	var result AuthResult
	err := c.do(ctx, http.MethodPost, "/v1/auth/signup", map[string]string{
		"email":        email,
		"password":     password,
		"display_name": displayName,
	}, &result)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// SignIn exchanges credentials for a session. otpCode is required once
// the account has one-time codes enabled.
func (c *Client) SignIn(ctx context.Context, email, password, otpCode string) (*AuthResult, error) {
	var result AuthResult
	err := c.do(ctx, http.MethodPost, "/v1/auth/signin", map[string]string{
		"email":    email,
		"password": password,
		"otp_code": otpCode,
	}, &result)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// Refresh rotates a session via its refresh token and returns the new
// token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*storage.Session, error) {
	var result struct {
		Session *storage.Session `json:"session"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	}, &result)
	if err != nil {
		return nil, err
	}

	return result.Session, nil
}

// SignOut revokes the client's session.
func (c *Client) SignOut(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/signout", nil, nil)
}

// EnrollOTP starts one-time code enrollment for the signed-in account.
func (c *Client) EnrollOTP(ctx context.Context) (*OTPEnrollment, error) {
	var result OTPEnrollment
	if err := c.do(ctx, http.MethodPost, "/v1/auth/otp/enroll", nil, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// VerifyOTP activates a pending enrollment with a current code.
func (c *Client) VerifyOTP(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/otp/verify", map[string]string{
		"code": code,
	}, nil)
}

// Profile returns the signed-in account.
func (c *Client) Profile(ctx context.Context) (*storage.User, error) {
	var user storage.User
	if err := c.do(ctx, http.MethodGet, "/v1/profile", nil, &user); err != nil {
		return nil, err
	}

	return &user, nil
}

// UpdateProfile changes the signed-in account's display name.
func (c *Client) UpdateProfile(ctx context.Context, displayName string) (*storage.User, error) {
	var user storage.User
	err := c.do(ctx, http.MethodPatch, "/v1/profile", map[string]string{
		"display_name": displayName,
	}, &user)
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// CreateCase opens a new case.
func (c *Client) CreateCase(ctx context.Context, title string) (*storage.Case, error) {
	var kase storage.Case
	err := c.do(ctx, http.MethodPost, "/v1/cases", map[string]string{
		"title": title,
	}, &kase)
	if err != nil {
		return nil, err
	}

	return &kase, nil
}

// ListCases returns the account's cases, newest first.
func (c *Client) ListCases(ctx context.Context) ([]*storage.Case, error) {
	var result struct {
		Cases []*storage.Case `json:"cases"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/cases", nil, &result); err != nil {
		return nil, err
	}

	return result.Cases, nil
}

// GetCase returns a case with its transcript.
func (c *Client) GetCase(ctx context.Context, uid string) (*CaseDetail, error) {
	var detail CaseDetail
	if err := c.do(ctx, http.MethodGet, "/v1/cases/"+uid, nil, &detail); err != nil {
		return nil, err
	}

	return &detail, nil
}

// RenameCase retitles a case.
func (c *Client) RenameCase(ctx context.Context, uid, title string) (*storage.Case, error) {
	var kase storage.Case
	err := c.do(ctx, http.MethodPatch, "/v1/cases/"+uid, map[string]string{
		"title": title,
	}, &kase)
	if err != nil {
		return nil, err
	}

	return &kase, nil
}

// DeleteCase removes a case and its transcript.
func (c *Client) DeleteCase(ctx context.Context, uid string) error {
	return c.do(ctx, http.MethodDelete, "/v1/cases/"+uid, nil, nil)
}

// AppendMessage appends one transcript turn to a case.
func (c *Client) AppendMessage(ctx context.Context, caseUID, role, content string) (*storage.Message, error) {
	var msg storage.Message
	err := c.do(ctx, http.MethodPost, "/v1/cases/"+caseUID+"/messages", map[string]string{
		"role":    role,
		"content": content,
	}, &msg)
	if err != nil {
		return nil, err
	}

	return &msg, nil
}

// ListMessages returns a case's transcript in insertion order.
func (c *Client) ListMessages(ctx context.Context, caseUID string) ([]*storage.Message, error) {
	var result struct {
		Messages []*storage.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/cases/"+caseUID+"/messages", nil, &result); err != nil {
		return nil, err
	}

	return result.Messages, nil
}

// do sends one request and decodes the response into out when provided.
// Non-2xx statuses come back as *APIError with the server's message.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var parsed llm.ErrorResponse
		if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}
