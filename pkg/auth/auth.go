// Package auth implements the session lifecycle for counsel accounts:
// bcrypt credentials, signed access tokens, opaque refresh tokens, and
// optional TOTP. Sessions are persisted through storage so that
// revocation takes effect immediately, not at token expiry. There is no
// ambient state; every operation takes its inputs explicitly.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/counselhq/counsel/pkg/storage"
)

const (
	// DefaultAccessTTL is how long an access token stays valid.
	DefaultAccessTTL = 15 * time.Minute

	// DefaultRefreshTTL is how long a session can be refreshed before
	// the user must sign in again.
	DefaultRefreshTTL = 720 * time.Hour

	// minPasswordLength is the shortest accepted password.
	minPasswordLength = 8

	// otpIssuer names this service in authenticator apps.
	otpIssuer = "counsel"
)

// Manager owns account credentials and the session lifecycle.
type Manager struct {
	driver     storage.Driver
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// Options configures a Manager.
type Options struct {
	// Driver persists users and sessions.
	Driver storage.Driver

	// Secret signs access tokens (HS256).
	Secret string

	// AccessTTL overrides DefaultAccessTTL when positive.
	AccessTTL time.Duration

	// RefreshTTL overrides DefaultRefreshTTL when positive.
	RefreshTTL time.Duration
}

// NewManager creates a session manager.
func NewManager(o *Options) (*Manager, error) {
	if o == nil || o.Driver == nil {
		return nil, errors.New("storage driver is required")
	}
	if o.Secret == "" {
		return nil, errors.New("signing secret is required")
	}

	m := &Manager{
		driver:     o.Driver,
		secret:     []byte(o.Secret),
		accessTTL:  o.AccessTTL,
		refreshTTL: o.RefreshTTL,
	}
	if m.accessTTL <= 0 {
		m.accessTTL = DefaultAccessTTL
	}
	if m.refreshTTL <= 0 {
		m.refreshTTL = DefaultRefreshTTL
	}

	return m, nil
}

// sessionClaims is the access-token payload: the standard sub/iat/exp
// plus the session ID, so a token always names the row that can revoke it.
type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// SignUp registers a new account. The first account ever created becomes
// the admin. The email is normalized to lower case.
func (m *Manager) SignUp(ctx context.Context, email, password, displayName string) (*storage.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	if _, err := m.driver.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !storage.IsNotFound(err) {
		return nil, fmt.Errorf("checking email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	count, err := m.driver.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting users: %w", err)
	}
	role := storage.RoleMember
	if count == 0 {
		role = storage.RoleAdmin
	}

	user, err := m.driver.CreateUser(ctx, &storage.User{
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		Role:         role,
		Active:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	return user, nil
}

// SignIn checks credentials and creates a session. When the account has
// TOTP enabled, otpCode must carry a current code.
func (m *Manager) SignIn(ctx context.Context, email, password, otpCode string) (*storage.User, *storage.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := m.driver.GetUserByEmail(ctx, email)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("loading user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil, ErrInvalidCredentials
	}

	if !user.Active {
		return nil, nil, ErrAccountDisabled
	}

	if user.OTPEnabled {
		if otpCode == "" {
			return nil, nil, ErrOTPRequired
		}
		if !totp.Validate(otpCode, user.OTPSecret) {
			return nil, nil, ErrOTPInvalid
		}
	}

	sess, err := m.Issue(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}

	return user, sess, nil
}

// Issue creates and persists a fresh session for a user: a signed access
// token plus an opaque refresh token.
func (m *Manager) Issue(ctx context.Context, userID int64) (*storage.Session, error) {
	sessionID := uuid.New().String()
	now := time.Now().UTC()

	claims := sessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	sess, err := m.driver.CreateSession(ctx, &storage.Session{
		ID:           sessionID,
		UserID:       userID,
		Token:        token,
		RefreshToken: uuid.New().String(),
		ExpiresAt:    now.Add(m.refreshTTL).Truncate(time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return sess, nil
}

// Verify resolves an access token to its live session and user. It
// rejects tampered and expired tokens, revoked sessions, and inactive
// accounts.
func (m *Manager) Verify(ctx context.Context, token string) (*storage.Session, *storage.User, error) {
	if _, err := m.parseToken(token); err != nil {
		return nil, nil, err
	}

	sess, err := m.driver.GetSessionByToken(ctx, token)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil, ErrInvalidSession
		}
		return nil, nil, fmt.Errorf("loading session: %w", err)
	}

	if time.Now().After(sess.ExpiresAt) {
		return nil, nil, ErrSessionExpired
	}

	user, err := m.driver.GetUser(ctx, sess.UserID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil, ErrInvalidSession
		}
		return nil, nil, fmt.Errorf("loading user: %w", err)
	}

	if !user.Active {
		return nil, nil, ErrAccountDisabled
	}

	return sess, user, nil
}

// Refresh rotates a session's token pair. The old access token dies with
// the rotation.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*storage.Session, error) {
	sess, err := m.driver.GetSessionByRefresh(ctx, refreshToken)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}

	now := time.Now().UTC()
	if now.After(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	user, err := m.driver.GetUser(ctx, sess.UserID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if !user.Active {
		return nil, ErrAccountDisabled
	}

	claims := sessionClaims{
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(sess.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	rotated, err := m.driver.RotateSession(ctx, &storage.Session{
		ID:           sess.ID,
		Token:        token,
		RefreshToken: uuid.New().String(),
		ExpiresAt:    now.Add(m.refreshTTL).Truncate(time.Second),
		RefreshedAt:  now.Truncate(time.Second),
	})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("rotating session: %w", err)
	}

	return rotated, nil
}

// Revoke destroys the session behind an access token. Revoking an
// unknown token is a no-op.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	sess, err := m.driver.GetSessionByToken(ctx, token)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("loading session: %w", err)
	}

	return m.driver.DeleteSession(ctx, sess.ID)
}

// RevokeUser destroys all of a user's sessions.
func (m *Manager) RevokeUser(ctx context.Context, userID int64) error {
	return m.driver.DeleteUserSessions(ctx, userID)
}

// EnrollOTP generates a TOTP secret for a user and stores it pending
// activation. Sign-in doesn't require codes until ActivateOTP confirms
// the user's authenticator produces them.
func (m *Manager) EnrollOTP(ctx context.Context, userID int64) (*otp.Key, error) {
	user, err := m.driver.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if user.OTPEnabled {
		return nil, ErrOTPEnrolled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      otpIssuer,
		AccountName: user.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}

	secret := key.Secret()
	if _, err := m.driver.UpdateUser(ctx, &storage.UserUpdate{ID: userID, OTPSecret: &secret}); err != nil {
		return nil, fmt.Errorf("storing secret: %w", err)
	}

	return key, nil
}

// ActivateOTP turns on TOTP for a user after verifying a code from the
// pending enrollment.
func (m *Manager) ActivateOTP(ctx context.Context, userID int64, code string) error {
	user, err := m.driver.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	if user.OTPEnabled {
		return ErrOTPEnrolled
	}
	if user.OTPSecret == "" {
		return ErrOTPNotEnrolled
	}

	if !totp.Validate(code, user.OTPSecret) {
		return ErrOTPInvalid
	}

	enabled := true
	if _, err := m.driver.UpdateUser(ctx, &storage.UserUpdate{ID: userID, OTPEnabled: &enabled}); err != nil {
		return fmt.Errorf("enabling one-time codes: %w", err)
	}

	return nil
}

// parseToken validates a token's signature and expiry.
func (m *Manager) parseToken(token string) (*sessionClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, ErrInvalidSession
	}

	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidSession
	}

	return claims, nil
}
