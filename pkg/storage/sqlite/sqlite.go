// Package sqlite provides a SQLite-backed storage driver using
// modernc.org/sqlite, which is CGO-free.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/counselhq/counsel/pkg/storage"
)

// SQLiteDriver implements storage.Driver using SQLite.
type SQLiteDriver struct {
	db *sql.DB
}

var _ storage.Driver = (*SQLiteDriver)(nil)

// NewSQLiteDriver creates a new SQLite-backed driver.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDriver(dbPath string) (*SQLiteDriver, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer at a time. A single connection also
	// keeps ":memory:" databases coherent, since every new connection
	// would otherwise open a fresh empty database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	d := &SQLiteDriver{db: db}

	if err := d.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return d, nil
}

// Migrate creates the necessary tables if they don't exist.
func (d *SQLiteDriver) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		email         TEXT    NOT NULL UNIQUE,
		password_hash TEXT    NOT NULL,
		display_name  TEXT    NOT NULL DEFAULT '',
		role          TEXT    NOT NULL DEFAULT 'member',
		active        INTEGER NOT NULL DEFAULT 1,
		subscribed    INTEGER NOT NULL DEFAULT 0,
		otp_secret    TEXT    NOT NULL DEFAULT '',
		otp_enabled   INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cases (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		uid        TEXT    NOT NULL UNIQUE,
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title      TEXT    NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cases_user_id ON cases(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id    INTEGER NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
		role       TEXT    NOT NULL,
		content    TEXT    NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_case_id ON messages(case_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT    PRIMARY KEY,
		user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token         TEXT    NOT NULL UNIQUE,
		refresh_token TEXT    NOT NULL UNIQUE,
		created_at    INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL,
		refreshed_at  INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	`

	_, err := d.db.ExecContext(ctx, schema)
	return err
}

// now returns the current time truncated to the second precision the
// schema stores.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// CreateUser stores a new user. The email must be unique.
func (d *SQLiteDriver) CreateUser(ctx context.Context, user *storage.User) (*storage.User, error) {
	if user == nil {
		return nil, fmt.Errorf("cannot store nil user")
	}

	stored := *user
	stored.CreatedAt = now()
	stored.UpdatedAt = stored.CreatedAt

	query := `INSERT INTO users (email, password_hash, display_name, role, active, subscribed, otp_secret, otp_enabled, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := d.db.ExecContext(ctx, query,
		stored.Email, stored.PasswordHash, stored.DisplayName, stored.Role,
		stored.Active, stored.Subscribed, stored.OTPSecret, stored.OTPEnabled,
		stored.CreatedAt.Unix(), stored.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	stored.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}

	return &stored, nil
}

// GetUser retrieves a user by ID.
func (d *SQLiteDriver) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	query := `SELECT id, email, password_hash, display_name, role, active, subscribed, otp_secret, otp_enabled, created_at, updated_at
	          FROM users WHERE id = ?`

	user, err := scanUser(d.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundError{Kind: "user", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	return user, nil
}

// GetUserByEmail retrieves a user by email.
func (d *SQLiteDriver) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	query := `SELECT id, email, password_hash, display_name, role, active, subscribed, otp_secret, otp_enabled, created_at, updated_at
	          FROM users WHERE email = ?`

	user, err := scanUser(d.db.QueryRowContext(ctx, query, email))
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundError{Kind: "user", Key: email}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	return user, nil
}

// ListUsers returns all users ordered by ID.
func (d *SQLiteDriver) ListUsers(ctx context.Context) ([]*storage.User, error) {
	query := `SELECT id, email, password_hash, display_name, role, active, subscribed, otp_secret, otp_enabled, created_at, updated_at
	          FROM users ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*storage.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

// CountUsers returns the number of users.
func (d *SQLiteDriver) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}

	return count, nil
}

// UpdateUser applies a partial update. Nil fields are left unchanged.
func (d *SQLiteDriver) UpdateUser(ctx context.Context, update *storage.UserUpdate) (*storage.User, error) {
	if update == nil {
		return nil, fmt.Errorf("cannot apply nil update")
	}

	set, args := []string{}, []any{}
	if v := update.DisplayName; v != nil {
		set, args = append(set, "display_name = ?"), append(args, *v)
	}
	if v := update.Active; v != nil {
		set, args = append(set, "active = ?"), append(args, *v)
	}
	if v := update.Subscribed; v != nil {
		set, args = append(set, "subscribed = ?"), append(args, *v)
	}
	if v := update.OTPSecret; v != nil {
		set, args = append(set, "otp_secret = ?"), append(args, *v)
	}
	if v := update.OTPEnabled; v != nil {
		set, args = append(set, "otp_enabled = ?"), append(args, *v)
	}
	if len(set) == 0 {
		return d.GetUser(ctx, update.ID)
	}

	set = append(set, "updated_at = ?")
	args = append(args, now().Unix(), update.ID)

	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = ?`, strings.Join(set, ", "))
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	return d.GetUser(ctx, update.ID)
}

// DeleteUser removes a user. Cases, messages, and sessions cascade.
func (d *SQLiteDriver) DeleteUser(ctx context.Context, id int64) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	return nil
}

// CreateCase stores a new case. The caller supplies the UID.
func (d *SQLiteDriver) CreateCase(ctx context.Context, c *storage.Case) (*storage.Case, error) {
	if c == nil {
		return nil, fmt.Errorf("cannot store nil case")
	}

	stored := *c
	stored.CreatedAt = now()
	stored.UpdatedAt = stored.CreatedAt

	query := `INSERT INTO cases (uid, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`

	res, err := d.db.ExecContext(ctx, query,
		stored.UID, stored.UserID, stored.Title, stored.CreatedAt.Unix(), stored.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert case: %w", err)
	}

	stored.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read case id: %w", err)
	}

	return &stored, nil
}

// GetCase retrieves a case by ID.
func (d *SQLiteDriver) GetCase(ctx context.Context, id int64) (*storage.Case, error) {
	query := `SELECT id, uid, user_id, title, created_at, updated_at FROM cases WHERE id = ?`

	c, err := scanCase(d.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundError{Kind: "case", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan case: %w", err)
	}

	return c, nil
}

// GetCaseByUID retrieves a case by its public UID.
func (d *SQLiteDriver) GetCaseByUID(ctx context.Context, uid string) (*storage.Case, error) {
	query := `SELECT id, uid, user_id, title, created_at, updated_at FROM cases WHERE uid = ?`

	c, err := scanCase(d.db.QueryRowContext(ctx, query, uid))
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundError{Kind: "case", Key: uid}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan case: %w", err)
	}

	return c, nil
}

// ListCases returns a user's cases, newest first.
func (d *SQLiteDriver) ListCases(ctx context.Context, userID int64) ([]*storage.Case, error) {
	query := `SELECT id, uid, user_id, title, created_at, updated_at
	          FROM cases WHERE user_id = ? ORDER BY id DESC`

	rows, err := d.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	defer rows.Close()

	var cases []*storage.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		cases = append(cases, c)
	}

	return cases, rows.Err()
}

// RenameCase sets a case's title.
func (d *SQLiteDriver) RenameCase(ctx context.Context, id int64, title string) (*storage.Case, error) {
	query := `UPDATE cases SET title = ?, updated_at = ? WHERE id = ?`

	res, err := d.db.ExecContext(ctx, query, title, now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to rename case: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return nil, storage.NotFoundError{Kind: "case", Key: strconv.FormatInt(id, 10)}
	}

	return d.GetCase(ctx, id)
}

// DeleteCase removes a case. Messages cascade.
func (d *SQLiteDriver) DeleteCase(ctx context.Context, id int64) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM cases WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete case: %w", err)
	}

	return nil
}

// AppendMessage stores a message.
func (d *SQLiteDriver) AppendMessage(ctx context.Context, msg *storage.Message) (*storage.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot store nil message")
	}

	stored := *msg
	stored.CreatedAt = now()

	query := `INSERT INTO messages (case_id, role, content, created_at) VALUES (?, ?, ?, ?)`

	res, err := d.db.ExecContext(ctx, query, stored.CaseID, stored.Role, stored.Content, stored.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	stored.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}

	return &stored, nil
}

// ListMessages returns a case's messages in insertion order.
func (d *SQLiteDriver) ListMessages(ctx context.Context, caseID int64) ([]*storage.Message, error) {
	query := `SELECT id, case_id, role, content, created_at FROM messages WHERE case_id = ? ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*storage.Message
	for rows.Next() {
		var msg storage.Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.CaseID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = time.Unix(createdAt, 0).UTC()
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// CountMessages returns the number of messages in a case.
func (d *SQLiteDriver) CountMessages(ctx context.Context, caseID int64) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE case_id = ?`, caseID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}

	return count, nil
}

// CreateSession stores a session.
func (d *SQLiteDriver) CreateSession(ctx context.Context, sess *storage.Session) (*storage.Session, error) {
	if sess == nil {
		return nil, fmt.Errorf("cannot store nil session")
	}

	stored := *sess
	stored.CreatedAt = now()

	query := `INSERT INTO sessions (id, user_id, token, refresh_token, created_at, expires_at)
	          VALUES (?, ?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, query,
		stored.ID, stored.UserID, stored.Token, stored.RefreshToken,
		stored.CreatedAt.Unix(), stored.ExpiresAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return &stored, nil
}

// GetSessionByToken retrieves a session by its access token.
func (d *SQLiteDriver) GetSessionByToken(ctx context.Context, token string) (*storage.Session, error) {
	query := `SELECT id, user_id, token, refresh_token, created_at, expires_at, refreshed_at
	          FROM sessions WHERE token = ?`

	sess, err := scanSession(d.db.QueryRowContext(ctx, query, token))
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundError{Kind: "session"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	return sess, nil
}

// GetSessionByRefresh retrieves a session by its refresh token.
func (d *SQLiteDriver) GetSessionByRefresh(ctx context.Context, refreshToken string) (*storage.Session, error) {
	query := `SELECT id, user_id, token, refresh_token, created_at, expires_at, refreshed_at
	          FROM sessions WHERE refresh_token = ?`

	sess, err := scanSession(d.db.QueryRowContext(ctx, query, refreshToken))
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundError{Kind: "session"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	return sess, nil
}

// RotateSession persists a new token pair, expiry, and refresh time.
func (d *SQLiteDriver) RotateSession(ctx context.Context, sess *storage.Session) (*storage.Session, error) {
	if sess == nil {
		return nil, fmt.Errorf("cannot rotate nil session")
	}

	query := `UPDATE sessions SET token = ?, refresh_token = ?, expires_at = ?, refreshed_at = ? WHERE id = ?`

	res, err := d.db.ExecContext(ctx, query,
		sess.Token, sess.RefreshToken, sess.ExpiresAt.Unix(), sess.RefreshedAt.Unix(), sess.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return nil, storage.NotFoundError{Kind: "session", Key: sess.ID}
	}

	return d.GetSessionByToken(ctx, sess.Token)
}

// DeleteSession removes a session by ID.
func (d *SQLiteDriver) DeleteSession(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

// DeleteUserSessions removes all of a user's sessions.
func (d *SQLiteDriver) DeleteUserSessions(ctx context.Context, userID int64) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}

	return nil
}

// Ping verifies the database is reachable.
func (d *SQLiteDriver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the underlying database.
func (d *SQLiteDriver) Close() error {
	return d.db.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*storage.User, error) {
	var user storage.User
	var createdAt, updatedAt int64

	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName, &user.Role,
		&user.Active, &user.Subscribed, &user.OTPSecret, &user.OTPEnabled,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	user.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &user, nil
}

func scanCase(row rowScanner) (*storage.Case, error) {
	var c storage.Case
	var createdAt, updatedAt int64

	if err := row.Scan(&c.ID, &c.UID, &c.UserID, &c.Title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

func scanSession(row rowScanner) (*storage.Session, error) {
	var sess storage.Session
	var createdAt, expiresAt int64
	var refreshedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Token, &sess.RefreshToken,
		&createdAt, &expiresAt, &refreshedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if refreshedAt.Valid {
		sess.RefreshedAt = time.Unix(refreshedAt.Int64, 0).UTC()
	}

	return &sess, nil
}
