// Package storage defines the persistence entities and driver interface
// for counsel. Concrete drivers live in the sqlite, postgres, and
// inmemory subpackages.
package storage

import (
	"context"
	"time"
)

// Roles assigned to users. The first account ever created becomes the
// admin; every account after that is a member.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// User is an account on the counsel backend. PasswordHash and OTPSecret
// never serialize into API responses.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	Subscribed   bool      `json:"subscribed"`
	OTPSecret    string    `json:"-"`
	OTPEnabled   bool      `json:"otp_enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserUpdate describes a partial update to a user. Nil fields are left
// unchanged.
type UserUpdate struct {
	ID          int64
	DisplayName *string
	Active      *bool
	Subscribed  *bool
	OTPSecret   *string
	OTPEnabled  *bool
}

// Case is a legal matter owned by a single user. The UID is the public
// identifier used in API routes; the numeric ID stays internal.
type Case struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn of a case transcript.
type Message struct {
	ID        int64     `json:"id"`
	CaseID    int64     `json:"case_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is an issued token pair. Sessions are persisted so that
// revocation takes effect immediately, not at token expiry.
type Session struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshedAt  time.Time `json:"refreshed_at,omitzero"`
}

// Driver is the persistence interface counsel services run against.
//
// Drivers assign IDs and set CreatedAt/UpdatedAt on create (truncated to
// second precision). Domain times on sessions (ExpiresAt, RefreshedAt)
// belong to the caller and are persisted as given.
type Driver interface {
	// CreateUser stores a new user and returns it with ID and
	// timestamps assigned. The email must be unique.
	CreateUser(ctx context.Context, user *User) (*User, error)

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id int64) (*User, error)

	// GetUserByEmail retrieves a user by email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// ListUsers returns all users ordered by ID.
	ListUsers(ctx context.Context) ([]*User, error)

	// CountUsers returns the number of users.
	CountUsers(ctx context.Context) (int, error)

	// UpdateUser applies a partial update and returns the updated user.
	UpdateUser(ctx context.Context, update *UserUpdate) (*User, error)

	// DeleteUser removes a user along with their cases, messages,
	// and sessions.
	DeleteUser(ctx context.Context, id int64) error

	// CreateCase stores a new case and returns it with ID and
	// timestamps assigned. The caller supplies the UID.
	CreateCase(ctx context.Context, c *Case) (*Case, error)

	// GetCase retrieves a case by ID.
	GetCase(ctx context.Context, id int64) (*Case, error)

	// GetCaseByUID retrieves a case by its public UID.
	GetCaseByUID(ctx context.Context, uid string) (*Case, error)

	// ListCases returns a user's cases, newest first.
	ListCases(ctx context.Context, userID int64) ([]*Case, error)

	// RenameCase sets a case's title and returns the updated case.
	RenameCase(ctx context.Context, id int64, title string) (*Case, error)

	// DeleteCase removes a case along with its messages.
	DeleteCase(ctx context.Context, id int64) error

	// AppendMessage stores a message and returns it with ID and
	// timestamp assigned.
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)

	// ListMessages returns a case's messages in insertion order.
	ListMessages(ctx context.Context, caseID int64) ([]*Message, error)

	// CountMessages returns the number of messages in a case.
	CountMessages(ctx context.Context, caseID int64) (int, error)

	// CreateSession stores a session. The caller supplies the ID,
	// token pair, and expiry; the driver sets CreatedAt.
	CreateSession(ctx context.Context, sess *Session) (*Session, error)

	// GetSessionByToken retrieves a session by its access token.
	GetSessionByToken(ctx context.Context, token string) (*Session, error)

	// GetSessionByRefresh retrieves a session by its refresh token.
	GetSessionByRefresh(ctx context.Context, refreshToken string) (*Session, error)

	// RotateSession persists a new token pair, expiry, and refresh
	// time for an existing session.
	RotateSession(ctx context.Context, sess *Session) (*Session, error)

	// DeleteSession removes a session by ID.
	DeleteSession(ctx context.Context, id string) error

	// DeleteUserSessions removes all of a user's sessions.
	DeleteUserSessions(ctx context.Context, userID int64) error

	// Migrate creates or updates the backing schema. Drivers also
	// migrate on construction; calling this again is a no-op.
	Migrate(ctx context.Context) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close closes the store and releases any resources.
	Close() error
}
