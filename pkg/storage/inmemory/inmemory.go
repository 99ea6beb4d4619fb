// Package inmemory provides a map-backed storage driver. It is the
// default for tests and zero-config development; nothing survives a
// restart.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/counselhq/counsel/pkg/storage"
)

// Driver implements storage.Driver using in-memory maps.
type Driver struct {
	// mu guards all maps and counters below.
	mu sync.RWMutex

	users    map[int64]*storage.User
	cases    map[int64]*storage.Case
	messages map[int64]*storage.Message
	sessions map[string]*storage.Session

	nextUserID    int64
	nextCaseID    int64
	nextMessageID int64
}

var _ storage.Driver = (*Driver)(nil)

// NewDriver creates a new in-memory driver.
func NewDriver() *Driver {
	return &Driver{
		users:    make(map[int64]*storage.User),
		cases:    make(map[int64]*storage.Case),
		messages: make(map[int64]*storage.Message),
		sessions: make(map[string]*storage.Session),
	}
}

// now returns the current time at the second precision the SQL drivers
// store, so entities round-trip identically across drivers.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// CreateUser stores a new user. The email must be unique.
func (d *Driver) CreateUser(_ context.Context, user *storage.User) (*storage.User, error) {
	if user == nil {
		return nil, errors.New("cannot store nil user")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.users {
		if existing.Email == user.Email {
			return nil, fmt.Errorf("email already registered: %s", user.Email)
		}
	}

	d.nextUserID++
	stored := *user
	stored.ID = d.nextUserID
	stored.CreatedAt = now()
	stored.UpdatedAt = stored.CreatedAt
	d.users[stored.ID] = &stored

	out := stored
	return &out, nil
}

// GetUser retrieves a user by ID.
func (d *Driver) GetUser(_ context.Context, id int64) (*storage.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, ok := d.users[id]
	if !ok {
		return nil, storage.NotFoundError{Kind: "user", Key: strconv.FormatInt(id, 10)}
	}

	out := *user
	return &out, nil
}

// GetUserByEmail retrieves a user by email.
func (d *Driver) GetUserByEmail(_ context.Context, email string) (*storage.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, user := range d.users {
		if user.Email == email {
			out := *user
			return &out, nil
		}
	}

	return nil, storage.NotFoundError{Kind: "user", Key: email}
}

// ListUsers returns all users ordered by ID.
func (d *Driver) ListUsers(_ context.Context) ([]*storage.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	users := make([]*storage.User, 0, len(d.users))
	for _, user := range d.users {
		out := *user
		users = append(users, &out)
	}

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// CountUsers returns the number of users.
func (d *Driver) CountUsers(_ context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users), nil
}

// UpdateUser applies a partial update. Nil fields are left unchanged.
func (d *Driver) UpdateUser(_ context.Context, update *storage.UserUpdate) (*storage.User, error) {
	if update == nil {
		return nil, errors.New("cannot apply nil update")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	user, ok := d.users[update.ID]
	if !ok {
		return nil, storage.NotFoundError{Kind: "user", Key: strconv.FormatInt(update.ID, 10)}
	}

	if v := update.DisplayName; v != nil {
		user.DisplayName = *v
	}
	if v := update.Active; v != nil {
		user.Active = *v
	}
	if v := update.Subscribed; v != nil {
		user.Subscribed = *v
	}
	if v := update.OTPSecret; v != nil {
		user.OTPSecret = *v
	}
	if v := update.OTPEnabled; v != nil {
		user.OTPEnabled = *v
	}
	user.UpdatedAt = now()

	out := *user
	return &out, nil
}

// DeleteUser removes a user along with their cases, messages, and sessions.
func (d *Driver) DeleteUser(_ context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.users, id)

	for caseID, c := range d.cases {
		if c.UserID != id {
			continue
		}
		delete(d.cases, caseID)
		for msgID, msg := range d.messages {
			if msg.CaseID == caseID {
				delete(d.messages, msgID)
			}
		}
	}

	for sessID, sess := range d.sessions {
		if sess.UserID == id {
			delete(d.sessions, sessID)
		}
	}

	return nil
}

// CreateCase stores a new case. The caller supplies the UID.
func (d *Driver) CreateCase(_ context.Context, c *storage.Case) (*storage.Case, error) {
	if c == nil {
		return nil, errors.New("cannot store nil case")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextCaseID++
	stored := *c
	stored.ID = d.nextCaseID
	stored.CreatedAt = now()
	stored.UpdatedAt = stored.CreatedAt
	d.cases[stored.ID] = &stored

	out := stored
	return &out, nil
}

// GetCase retrieves a case by ID.
func (d *Driver) GetCase(_ context.Context, id int64) (*storage.Case, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.cases[id]
	if !ok {
		return nil, storage.NotFoundError{Kind: "case", Key: strconv.FormatInt(id, 10)}
	}

	out := *c
	return &out, nil
}

// GetCaseByUID retrieves a case by its public UID.
func (d *Driver) GetCaseByUID(_ context.Context, uid string) (*storage.Case, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, c := range d.cases {
		if c.UID == uid {
			out := *c
			return &out, nil
		}
	}

	return nil, storage.NotFoundError{Kind: "case", Key: uid}
}

// ListCases returns a user's cases, newest first.
func (d *Driver) ListCases(_ context.Context, userID int64) ([]*storage.Case, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var cases []*storage.Case
	for _, c := range d.cases {
		if c.UserID == userID {
			out := *c
			cases = append(cases, &out)
		}
	}

	sort.Slice(cases, func(i, j int) bool { return cases[i].ID > cases[j].ID })
	return cases, nil
}

// RenameCase sets a case's title.
func (d *Driver) RenameCase(_ context.Context, id int64, title string) (*storage.Case, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.cases[id]
	if !ok {
		return nil, storage.NotFoundError{Kind: "case", Key: strconv.FormatInt(id, 10)}
	}

	c.Title = title
	c.UpdatedAt = now()

	out := *c
	return &out, nil
}

// DeleteCase removes a case along with its messages.
func (d *Driver) DeleteCase(_ context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.cases, id)
	for msgID, msg := range d.messages {
		if msg.CaseID == id {
			delete(d.messages, msgID)
		}
	}

	return nil
}

// AppendMessage stores a message.
func (d *Driver) AppendMessage(_ context.Context, msg *storage.Message) (*storage.Message, error) {
	if msg == nil {
		return nil, errors.New("cannot store nil message")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextMessageID++
	stored := *msg
	stored.ID = d.nextMessageID
	stored.CreatedAt = now()
	d.messages[stored.ID] = &stored

	out := stored
	return &out, nil
}

// ListMessages returns a case's messages in insertion order.
func (d *Driver) ListMessages(_ context.Context, caseID int64) ([]*storage.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var messages []*storage.Message
	for _, msg := range d.messages {
		if msg.CaseID == caseID {
			out := *msg
			messages = append(messages, &out)
		}
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	return messages, nil
}

// CountMessages returns the number of messages in a case.
func (d *Driver) CountMessages(_ context.Context, caseID int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	count := 0
	for _, msg := range d.messages {
		if msg.CaseID == caseID {
			count++
		}
	}

	return count, nil
}

// CreateSession stores a session.
func (d *Driver) CreateSession(_ context.Context, sess *storage.Session) (*storage.Session, error) {
	if sess == nil {
		return nil, errors.New("cannot store nil session")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	stored := *sess
	stored.CreatedAt = now()
	d.sessions[stored.ID] = &stored

	out := stored
	return &out, nil
}

// GetSessionByToken retrieves a session by its access token.
func (d *Driver) GetSessionByToken(_ context.Context, token string) (*storage.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, sess := range d.sessions {
		if sess.Token == token {
			out := *sess
			return &out, nil
		}
	}

	return nil, storage.NotFoundError{Kind: "session"}
}

// GetSessionByRefresh retrieves a session by its refresh token.
func (d *Driver) GetSessionByRefresh(_ context.Context, refreshToken string) (*storage.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, sess := range d.sessions {
		if sess.RefreshToken == refreshToken {
			out := *sess
			return &out, nil
		}
	}

	return nil, storage.NotFoundError{Kind: "session"}
}

// RotateSession persists a new token pair, expiry, and refresh time.
func (d *Driver) RotateSession(_ context.Context, sess *storage.Session) (*storage.Session, error) {
	if sess == nil {
		return nil, errors.New("cannot rotate nil session")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	stored, ok := d.sessions[sess.ID]
	if !ok {
		return nil, storage.NotFoundError{Kind: "session", Key: sess.ID}
	}

	stored.Token = sess.Token
	stored.RefreshToken = sess.RefreshToken
	stored.ExpiresAt = sess.ExpiresAt
	stored.RefreshedAt = sess.RefreshedAt

	out := *stored
	return &out, nil
}

// DeleteSession removes a session by ID.
func (d *Driver) DeleteSession(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.sessions, id)
	return nil
}

// DeleteUserSessions removes all of a user's sessions.
func (d *Driver) DeleteUserSessions(_ context.Context, userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, sess := range d.sessions {
		if sess.UserID == userID {
			delete(d.sessions, id)
		}
	}

	return nil
}

// Migrate is a no-op for the in-memory driver.
func (d *Driver) Migrate(_ context.Context) error {
	return nil
}

// Ping is a no-op for the in-memory driver.
func (d *Driver) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory driver.
func (d *Driver) Close() error {
	return nil
}
