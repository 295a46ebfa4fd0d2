package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	kerrors "github.com/keeperhq/keeper/internal/errors"
	"github.com/keeperhq/keeper/internal/event"
)

// commandRequest is the JSON shape accepted by POST /v1/commands.
type commandRequest struct {
	Type        string          `json:"type"`
	SubjectID   string          `json:"subjectId,omitempty"`
	SubjectType string          `json:"subjectType,omitempty"`
	Data        json.RawMessage `json:"data"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	UserID      string          `json:"userId"`
	Source      string          `json:"source,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
}

func (s *Server) submitCommand(c *fiber.Ctx) error {
	var req commandRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if req.RequestID == "" {
		req.RequestID, _ = c.Locals("request_id").(string)
	}

	// Optimistic concurrency: callers doing read-then-write pass the stream
	// version they observed; a mismatch rejects before anything is appended.
	if err := s.checkExpectedVersion(c, req); err != nil {
		return err
	}

	ev, err := s.pipe.Submit(c.Context(), event.Input{
		Type:        req.Type,
		SubjectID:   req.SubjectID,
		SubjectType: req.SubjectType,
		Data:        req.Data,
		Metadata:    req.Metadata,
		UserID:      req.UserID,
		Source:      req.Source,
		RequestID:   req.RequestID,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "requested",
		"id":     ev.ID,
	})
}

func (s *Server) checkExpectedVersion(c *fiber.Ctx, req commandRequest) error {
	if req.SubjectID == "" || len(req.Data) == 0 {
		return nil
	}
	var probe struct {
		ExpectedVersion *int64 `json:"expectedVersion"`
	}
	if json.Unmarshal(req.Data, &probe) != nil || probe.ExpectedVersion == nil {
		return nil
	}
	current, _, err := s.pipe.Log().Version(c.Context(), req.SubjectID)
	if err != nil {
		return err
	}
	if current != *probe.ExpectedVersion {
		return fmt.Errorf("expected version %d, stream is at %d: %w",
			*probe.ExpectedVersion, current, kerrors.ErrVersionConflict)
	}
	return nil
}

func (s *Server) getStream(c *fiber.Ctx) error {
	events, err := s.pipe.Log().Stream(c.Context(), c.Params("subjectId"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"events": events})
}

func (s *Server) getVersion(c *fiber.Ctx) error {
	version, exists, err := s.pipe.Log().Version(c.Context(), c.Params("subjectId"))
	if err != nil {
		return err
	}
	if !exists {
		return c.JSON(fiber.Map{"version": nil})
	}
	return c.JSON(fiber.Map{"version": version})
}

func (s *Server) getCorrelation(c *fiber.Ctx) error {
	events, err := s.pipe.Log().ByCorrelation(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"events": events})
}

type approvalRequest struct {
	ApproverID string `json:"approverId"`
}

func (s *Server) approve(c *fiber.Ctx) error {
	var req approvalRequest
	if err := c.BodyParser(&req); err != nil || req.ApproverID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "approverId required")
	}
	ev, err := s.gov.Approve(c.Context(), c.Params("eventId"), req.ApproverID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "approved", "id": ev.ID, "type": ev.Type})
}

func (s *Server) deny(c *fiber.Ctx) error {
	var req approvalRequest
	if err := c.BodyParser(&req); err != nil || req.ApproverID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "approverId required")
	}
	ev, err := s.gov.Deny(c.Context(), c.Params("eventId"), req.ApproverID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "denied", "id": ev.ID, "type": ev.Type})
}

func (s *Server) listDeadLetters(c *fiber.Ctx) error {
	letters, err := s.dlq.ListUnresolved(c.Context(), c.QueryInt("limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deadLetters": letters})
}

func (s *Server) resolveDeadLetter(c *fiber.Ctx) error {
	if err := s.dlq.Resolve(c.Context(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "resolved"})
}

func (s *Server) rebuildProjections(c *fiber.Ctx) error {
	var req struct {
		From *time.Time `json:"from,omitempty"`
	}
	_ = c.BodyParser(&req)
	from := time.Time{}
	if req.From != nil {
		from = *req.From
	}
	applied, err := s.proj.Rebuild(c.Context(), from)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"applied": applied})
}

// --- thread handlers ---

func (s *Server) createThread(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"userId"`
		Title  string `json:"title,omitempty"`
	}
	if err := c.BodyParser(&req); err != nil || req.UserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "userId required")
	}
	t, err := s.threads.Create(c.Context(), req.UserID, req.Title)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(t)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	msgs, err := s.threads.Messages(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (s *Server) appendMessage(c *fiber.Ctx) error {
	var req struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil || req.Content == "" {
		return fiber.NewError(fiber.StatusBadRequest, "content required")
	}
	if req.Role == "" {
		req.Role = "user"
	}
	m, err := s.threads.AppendMessage(c.Context(), c.Params("id"), req.Role, req.Content)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

func (s *Server) branchThread(c *fiber.Ctx) error {
	var req struct {
		FromMessageID string `json:"fromMessageId"`
		UserID        string `json:"userId"`
	}
	if err := c.BodyParser(&req); err != nil || req.FromMessageID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "fromMessageId required")
	}
	t, err := s.threads.Branch(c.Context(), c.Params("id"), req.FromMessageID, req.UserID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(t)
}

func (s *Server) mergeThread(c *fiber.Ctx) error {
	var req struct {
		Summary string `json:"summary"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	m, err := s.threads.Merge(c.Context(), c.Params("id"), req.Summary)
	if err != nil {
		return err
	}
	return c.JSON(m)
}

func (s *Server) archiveThread(c *fiber.Ctx) error {
	if err := s.threads.Archive(c.Context(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "archived"})
}

func (s *Server) verifyThread(c *fiber.Ctx) error {
	if err := s.threads.Verify(c.Context(), c.Params("id")); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"valid": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"valid": true})
}

func (s *Server) threadTree(c *fiber.Ctx) error {
	tree, err := s.threads.Tree(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(tree)
}
