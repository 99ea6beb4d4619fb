package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/counselhq/counsel/pkg/eventstream"
	"github.com/counselhq/counsel/pkg/llm"
	"github.com/counselhq/counsel/pkg/storage"
)

// adminUserUpdateRequest is the body for PATCH /v1/admin/users/:id.
// Absent fields are left unchanged.
type adminUserUpdateRequest struct {
	Active     *bool `json:"active"`
	Subscribed *bool `json:"subscribed"`
}

// handleListUsers returns every account, ordered by ID.
func (s *Server) handleListUsers(c *fiber.Ctx) error {
	users, err := s.storer.ListUsers(c.Context())
	if err != nil {
		s.logger.Error("listing users", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to list users"})
	}

	return c.JSON(fiber.Map{
		"count": len(users),
		"users": users,
	})
}

// handleUpdateUser toggles an account's access and subscription flags.
// Deactivation revokes the account's sessions immediately.
func (s *Server) handleUpdateUser(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid user id"})
	}

	var req adminUserUpdateRequest
	if err := c.BodyParser(&req); err != nil || (req.Active == nil && req.Subscribed == nil) {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "active or subscribed required"})
	}

	admin := currentUser(c)
	if id == admin.ID && req.Active != nil && !*req.Active {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "cannot deactivate your own account"})
	}

	if _, err := s.storer.GetUser(c.Context(), id); err != nil {
		if storage.IsNotFound(err) {
			return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "user not found"})
		}
		s.logger.Error("loading user", zap.Int64("user_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to load user"})
	}

	updated, err := s.storer.UpdateUser(c.Context(), &storage.UserUpdate{
		ID:         id,
		Active:     req.Active,
		Subscribed: req.Subscribed,
	})
	if err != nil {
		s.logger.Error("updating user flags", zap.Int64("user_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to update user"})
	}

	if req.Active != nil && !*req.Active {
		if err := s.sessions.RevokeUser(c.Context(), id); err != nil {
			s.logger.Error("revoking sessions", zap.Int64("user_id", id), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to revoke sessions"})
		}
	}

	s.publish(c.Context(), eventstream.NewUserFlagsChanged(updated.ID, eventstream.UserFlags{
		Active:     updated.Active,
		Subscribed: updated.Subscribed,
	}))

	return c.JSON(updated)
}

// handleDeleteUser removes an account along with its cases, transcripts,
// and sessions.
func (s *Server) handleDeleteUser(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid user id"})
	}

	admin := currentUser(c)
	if id == admin.ID {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "cannot delete your own account"})
	}

	if _, err := s.storer.GetUser(c.Context(), id); err != nil {
		if storage.IsNotFound(err) {
			return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "user not found"})
		}
		s.logger.Error("loading user", zap.Int64("user_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to load user"})
	}

	if err := s.storer.DeleteUser(c.Context(), id); err != nil {
		s.logger.Error("deleting user", zap.Int64("user_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to delete user"})
	}

	return c.SendStatus(fiber.StatusNoContent)
}
