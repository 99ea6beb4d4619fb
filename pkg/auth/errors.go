package auth

import "errors"

var (
	// ErrInvalidEmail is returned when a sign-up email is malformed.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrWeakPassword is returned when a sign-up password is too short.
	ErrWeakPassword = errors.New("password must be at least 8 characters")

	// ErrEmailTaken is returned when the sign-up email is already registered.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidCredentials is returned for a wrong email/password pair.
	// It deliberately doesn't distinguish the two.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrAccountDisabled is returned when the account has been deactivated.
	ErrAccountDisabled = errors.New("account is disabled")

	// ErrOTPRequired is returned when sign-in needs a one-time code.
	ErrOTPRequired = errors.New("one-time code required")

	// ErrOTPInvalid is returned for a wrong one-time code.
	ErrOTPInvalid = errors.New("invalid one-time code")

	// ErrOTPEnrolled is returned when one-time codes are already active.
	ErrOTPEnrolled = errors.New("one-time codes already enabled")

	// ErrOTPNotEnrolled is returned when activation has no pending enrollment.
	ErrOTPNotEnrolled = errors.New("no pending one-time code enrollment")

	// ErrInvalidSession is returned for tokens that don't resolve to a
	// live session: malformed, tampered, or revoked.
	ErrInvalidSession = errors.New("invalid session")

	// ErrSessionExpired is returned for tokens whose session has lapsed.
	ErrSessionExpired = errors.New("session expired")
)
