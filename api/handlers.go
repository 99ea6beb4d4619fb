package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/counselhq/counsel/pkg/auth"
	"github.com/counselhq/counsel/pkg/llm"
	"github.com/counselhq/counsel/pkg/storage"
)

// signUpRequest is the body for POST /v1/auth/signup.
type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// signInRequest is the body for POST /v1/auth/signin. OTPCode is only
// required once the account has one-time codes enabled.
type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	OTPCode  string `json:"otp_code"`
}

// refreshRequest is the body for POST /v1/auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// otpVerifyRequest is the body for POST /v1/auth/otp/verify.
type otpVerifyRequest struct {
	Code string `json:"code"`
}

// profileUpdateRequest is the body for PATCH /v1/profile.
type profileUpdateRequest struct {
	DisplayName string `json:"display_name"`
}

// AuthResponse is returned by sign-up and sign-in: the account profile
// plus the freshly issued session token pair.
type AuthResponse struct {
	User    *storage.User    `json:"user"`
	Session *storage.Session `json:"session"`
}

// SessionResponse is returned by refresh: the rotated session alone.
type SessionResponse struct {
	Session *storage.Session `json:"session"`
}

// OTPEnrollResponse is returned by OTP enrollment. The URL is the
// otpauth:// provisioning URI an authenticator app scans; the secret is
// included for manual entry.
type OTPEnrollResponse struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// handleHealth reports service and storage liveness.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	if err := s.storer.Ping(c.Context()); err != nil {
		s.logger.Warn("storage unreachable", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(llm.ErrorResponse{Error: "storage unreachable"})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

// handleSignUp registers a new account and signs it in.
func (s *Server) handleSignUp(c *fiber.Ctx) error {
	var req signUpRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}

	user, err := s.sessions.SignUp(c.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		return s.authError(c, err)
	}

	sess, err := s.sessions.Issue(c.Context(), user.ID)
	if err != nil {
		s.logger.Error("issuing session after sign-up", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to create session"})
	}

	return c.Status(fiber.StatusCreated).JSON(AuthResponse{User: user, Session: sess})
}

// handleSignIn checks credentials and issues a session.
func (s *Server) handleSignIn(c *fiber.Ctx) error {
	var req signInRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}

	user, sess, err := s.sessions.SignIn(c.Context(), req.Email, req.Password, req.OTPCode)
	if err != nil {
		return s.authError(c, err)
	}

	return c.JSON(AuthResponse{User: user, Session: sess})
}

// handleRefresh rotates a session's token pair.
func (s *Server) handleRefresh(c *fiber.Ctx) error {
	var req refreshRequest
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "refresh_token required"})
	}

	sess, err := s.sessions.Refresh(c.Context(), req.RefreshToken)
	if err != nil {
		return s.authError(c, err)
	}

	return c.JSON(SessionResponse{Session: sess})
}

// handleSignOut revokes the presented session. Revoking a token that no
// longer resolves is fine; sign-out is idempotent.
func (s *Server) handleSignOut(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(llm.ErrorResponse{Error: "authorization required"})
	}

	if err := s.sessions.Revoke(c.Context(), token); err != nil {
		s.logger.Error("revoking session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to sign out"})
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// handleEnrollOTP starts one-time code enrollment for the caller.
func (s *Server) handleEnrollOTP(c *fiber.Ctx) error {
	user := currentUser(c)

	key, err := s.sessions.EnrollOTP(c.Context(), user.ID)
	if err != nil {
		return s.authError(c, err)
	}

	return c.JSON(OTPEnrollResponse{URL: key.URL(), Secret: key.Secret()})
}

// handleVerifyOTP activates a pending enrollment with a first valid code.
func (s *Server) handleVerifyOTP(c *fiber.Ctx) error {
	var req otpVerifyRequest
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "code required"})
	}

	user := currentUser(c)
	if err := s.sessions.ActivateOTP(c.Context(), user.ID, req.Code); err != nil {
		return s.authError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// handleGetProfile returns the caller's account.
func (s *Server) handleGetProfile(c *fiber.Ctx) error {
	return c.JSON(currentUser(c))
}

// handleUpdateProfile changes the caller's display name.
func (s *Server) handleUpdateProfile(c *fiber.Ctx) error {
	var req profileUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}

	user := currentUser(c)
	updated, err := s.storer.UpdateUser(c.Context(), &storage.UserUpdate{
		ID:          user.ID,
		DisplayName: &req.DisplayName,
	})
	if err != nil {
		s.logger.Error("updating profile", zap.Int64("user_id", user.ID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to update profile"})
	}

	return c.JSON(updated)
}

// authError translates session-manager errors into HTTP responses.
func (s *Server) authError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrOTPNotEnrolled):
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: err.Error()})

	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrOTPRequired),
		errors.Is(err, auth.ErrOTPInvalid),
		errors.Is(err, auth.ErrInvalidSession),
		errors.Is(err, auth.ErrSessionExpired):
		return c.Status(fiber.StatusUnauthorized).JSON(llm.ErrorResponse{Error: err.Error()})

	case errors.Is(err, auth.ErrAccountDisabled):
		return c.Status(fiber.StatusForbidden).JSON(llm.ErrorResponse{Error: err.Error()})

	case errors.Is(err, auth.ErrEmailTaken),
		errors.Is(err, auth.ErrOTPEnrolled):
		return c.Status(fiber.StatusConflict).JSON(llm.ErrorResponse{Error: err.Error()})

	default:
		s.logger.Error("auth operation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "internal error"})
	}
}
