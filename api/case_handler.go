package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"

	"github.com/counselhq/counsel/pkg/eventstream"
	"github.com/counselhq/counsel/pkg/llm"
	"github.com/counselhq/counsel/pkg/storage"
)

// errCaseNotFound covers both cases that don't exist and cases owned by
// another account; existence is not revealed across accounts.
var errCaseNotFound = errors.New("case not found")

// caseRequest is the body for creating or retitling a case.
type caseRequest struct {
	Title string `json:"title"`
}

// appendMessageRequest is the body for appending a transcript turn.
type appendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CaseDetailResponse is a case together with its transcript.
type CaseDetailResponse struct {
	Case     *storage.Case      `json:"case"`
	Messages []*storage.Message `json:"messages"`
}

// findOwnedCase resolves a case UID for the given owner.
func (s *Server) findOwnedCase(ctx context.Context, uid string, userID int64) (*storage.Case, error) {
	kase, err := s.storer.GetCaseByUID(ctx, uid)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errCaseNotFound
		}
		return nil, fmt.Errorf("loading case: %w", err)
	}

	if kase.UserID != userID {
		return nil, errCaseNotFound
	}

	return kase, nil
}

// caseError translates case-lookup errors into HTTP responses.
func (s *Server) caseError(c *fiber.Ctx, err error) error {
	if errors.Is(err, errCaseNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "case not found"})
	}

	s.logger.Error("case lookup failed", zap.String("uid", c.Params("uid")), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to load case"})
}

// handleCreateCase opens a new case for the caller.
func (s *Server) handleCreateCase(c *fiber.Ctx) error {
	var req caseRequest
	if err := c.BodyParser(&req); err != nil || req.Title == "" {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "title required"})
	}

	user := currentUser(c)
	kase, err := s.storer.CreateCase(c.Context(), &storage.Case{
		UID:    shortuuid.New(),
		UserID: user.ID,
		Title:  req.Title,
	})
	if err != nil {
		s.logger.Error("creating case", zap.Int64("user_id", user.ID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to create case"})
	}

	s.publish(c.Context(), eventstream.NewCaseCreated(kase.UID, user.ID))

	return c.Status(fiber.StatusCreated).JSON(kase)
}

// handleListCases returns the caller's cases, newest first.
func (s *Server) handleListCases(c *fiber.Ctx) error {
	user := currentUser(c)

	cases, err := s.storer.ListCases(c.Context(), user.ID)
	if err != nil {
		s.logger.Error("listing cases", zap.Int64("user_id", user.ID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to list cases"})
	}

	return c.JSON(fiber.Map{
		"count": len(cases),
		"cases": cases,
	})
}

// handleGetCase returns a case with its transcript.
func (s *Server) handleGetCase(c *fiber.Ctx) error {
	kase, err := s.findOwnedCase(c.Context(), c.Params("uid"), currentUser(c).ID)
	if err != nil {
		return s.caseError(c, err)
	}

	messages, err := s.storer.ListMessages(c.Context(), kase.ID)
	if err != nil {
		s.logger.Error("listing messages", zap.String("case_uid", kase.UID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to load transcript"})
	}

	return c.JSON(CaseDetailResponse{Case: kase, Messages: messages})
}

// handleRenameCase retitles a case.
func (s *Server) handleRenameCase(c *fiber.Ctx) error {
	kase, err := s.findOwnedCase(c.Context(), c.Params("uid"), currentUser(c).ID)
	if err != nil {
		return s.caseError(c, err)
	}

	var req caseRequest
	if err := c.BodyParser(&req); err != nil || req.Title == "" {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "title required"})
	}

	renamed, err := s.storer.RenameCase(c.Context(), kase.ID, req.Title)
	if err != nil {
		s.logger.Error("renaming case", zap.String("case_uid", kase.UID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to rename case"})
	}

	return c.JSON(renamed)
}

// handleDeleteCase removes a case and its transcript.
func (s *Server) handleDeleteCase(c *fiber.Ctx) error {
	kase, err := s.findOwnedCase(c.Context(), c.Params("uid"), currentUser(c).ID)
	if err != nil {
		return s.caseError(c, err)
	}

	if err := s.storer.DeleteCase(c.Context(), kase.ID); err != nil {
		s.logger.Error("deleting case", zap.String("case_uid", kase.UID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to delete case"})
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// handleAppendMessage appends one transcript turn to a case. The UI
// writes the user side here; the proxy's persistence worker writes the
// assistant side.
func (s *Server) handleAppendMessage(c *fiber.Ctx) error {
	kase, err := s.findOwnedCase(c.Context(), c.Params("uid"), currentUser(c).ID)
	if err != nil {
		return s.caseError(c, err)
	}

	var req appendMessageRequest
	if err := c.BodyParser(&req); err != nil || req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "content required"})
	}
	if req.Role != llm.RoleUser && req.Role != llm.RoleAssistant {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "role must be user or assistant"})
	}

	msg, err := s.storer.AppendMessage(c.Context(), &storage.Message{
		CaseID:  kase.ID,
		Role:    req.Role,
		Content: req.Content,
	})
	if err != nil {
		s.logger.Error("appending message", zap.String("case_uid", kase.UID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to append message"})
	}

	s.publish(c.Context(), eventstream.NewTurnPersisted(kase.UID, kase.UserID, eventstream.TurnMeta{
		Role:       msg.Role,
		Chars:      len(msg.Content),
		Type:       llm.TypeChat,
		OccurredAt: msg.CreatedAt,
	}))

	return c.Status(fiber.StatusCreated).JSON(msg)
}

// handleListMessages returns a case's transcript in insertion order.
func (s *Server) handleListMessages(c *fiber.Ctx) error {
	kase, err := s.findOwnedCase(c.Context(), c.Params("uid"), currentUser(c).ID)
	if err != nil {
		return s.caseError(c, err)
	}

	messages, err := s.storer.ListMessages(c.Context(), kase.ID)
	if err != nil {
		s.logger.Error("listing messages", zap.String("case_uid", kase.UID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to load transcript"})
	}

	return c.JSON(fiber.Map{
		"count":    len(messages),
		"messages": messages,
	})
}

// publish emits an event, logging failures. The stream is advisory;
// request handling never fails on a publish error.
func (s *Server) publish(ctx context.Context, event *eventstream.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publishing event",
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}
