package api

import (
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/counselhq/counsel/pkg/auth"
	"github.com/counselhq/counsel/pkg/eventstream"
	"github.com/counselhq/counsel/pkg/llm"
	"github.com/counselhq/counsel/pkg/storage"
)

// Locals keys for the authenticated user and session resolved by
// requireAuth.
const (
	localUser    = "counsel_user"
	localSession = "counsel_session"
)

// Server is the counsel account and case service.
type Server struct {
	config    Config
	storer    storage.Driver
	sessions  *auth.Manager
	publisher eventstream.Publisher
	logger    *zap.Logger
	app       *fiber.App
}

// NewServer creates a new API server.
// The storer and publisher are injected to allow sharing with other
// components (e.g., the proxy when not run as a singleton).
func NewServer(config Config, storer storage.Driver, publisher eventstream.Publisher, logger *zap.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	sessions, err := auth.NewManager(&auth.Options{
		Driver:     storer,
		Secret:     config.AuthSecret,
		AccessTTL:  config.AccessTTL,
		RefreshTTL: config.RefreshTTL,
	})
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config:    config,
		storer:    storer,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger,
		app:       app,
	}

	app.Get("/health", s.handleHealth)

	app.Post("/v1/auth/signup", s.handleSignUp)
	app.Post("/v1/auth/signin", s.handleSignIn)
	app.Post("/v1/auth/refresh", s.handleRefresh)
	app.Post("/v1/auth/signout", s.handleSignOut)

	authed := app.Group("/v1", s.requireAuth)
	authed.Post("/auth/otp/enroll", s.handleEnrollOTP)
	authed.Post("/auth/otp/verify", s.handleVerifyOTP)
	authed.Get("/profile", s.handleGetProfile)
	authed.Patch("/profile", s.handleUpdateProfile)
	authed.Post("/cases", s.handleCreateCase)
	authed.Get("/cases", s.handleListCases)
	authed.Get("/cases/:uid", s.handleGetCase)
	authed.Patch("/cases/:uid", s.handleRenameCase)
	authed.Delete("/cases/:uid", s.handleDeleteCase)
	authed.Post("/cases/:uid/messages", s.handleAppendMessage)
	authed.Get("/cases/:uid/messages", s.handleListMessages)

	admin := authed.Group("/admin", s.requireAdmin)
	admin.Get("/users", s.handleListUsers)
	admin.Patch("/users/:id", s.handleUpdateUser)
	admin.Delete("/users/:id", s.handleDeleteUser)

	return s, nil
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// RunWithListener starts the API server using the provided listener.
func (s *Server) RunWithListener(listener net.Listener) error {
	s.logger.Info("starting API server",
		zap.String("listen", listener.Addr().String()),
	)
	return s.app.Listener(listener)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// Sessions exposes the session manager so sibling services (the proxy)
// can verify the tokens this server issues.
func (s *Server) Sessions() *auth.Manager {
	return s.sessions
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}

	return strings.TrimSpace(token)
}

// requireAuth resolves the bearer token to a live session and user and
// stores both in the request locals. Requests without a valid session
// are rejected.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(llm.ErrorResponse{Error: "authorization required"})
	}

	sess, user, err := s.sessions.Verify(c.Context(), token)
	if err != nil {
		return s.authError(c, err)
	}

	c.Locals(localUser, user)
	c.Locals(localSession, sess)

	return c.Next()
}

// requireAdmin gates a route group to admin accounts. Runs after
// requireAuth.
func (s *Server) requireAdmin(c *fiber.Ctx) error {
	user := currentUser(c)
	if user == nil || user.Role != storage.RoleAdmin {
		return c.Status(fiber.StatusForbidden).JSON(llm.ErrorResponse{Error: "admin access required"})
	}

	return c.Next()
}

// currentUser returns the authenticated user set by requireAuth.
func currentUser(c *fiber.Ctx) *storage.User {
	user, _ := c.Locals(localUser).(*storage.User)
	return user
}

// currentSession returns the authenticated session set by requireAuth.
func currentSession(c *fiber.Ctx) *storage.Session {
	sess, _ := c.Locals(localSession).(*storage.Session)
	return sess
}
