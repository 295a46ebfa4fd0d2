package api

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/keeperhq/keeper/internal/event"
)

// insightPayload is what the external insight service posts back after
// analysing a request. Every proposed action becomes its own requested
// event correlated to the originating request.
type insightPayload struct {
	CorrelationID string          `json:"correlationId"`
	Confidence    float64         `json:"confidence"`
	Reasoning     string          `json:"reasoning,omitempty"`
	Actions       []insightAction `json:"actions"`
}

type insightAction struct {
	Type        string          `json:"type"`
	SubjectID   string          `json:"subjectId,omitempty"`
	SubjectType string          `json:"subjectType,omitempty"`
	Data        json.RawMessage `json:"data"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

type tokenRequest struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
}

// issueInsightToken mints a short-lived JWT bound to a single request ID.
// The calling service must present it when submitting insights for that
// request.
func (s *Server) issueInsightToken(c *fiber.Ctx) error {
	if s.issuer == nil {
		return fiber.NewError(fiber.StatusForbidden, "insight tokens not configured")
	}
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil || req.RequestID == "" || req.UserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "requestId and userId required")
	}
	signed, err := s.issuer.Issue(c.Context(), req.RequestID, req.UserID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"token": signed})
}

// submitInsight accepts proposals from the insight service. The bearer
// token's request ID must match the payload's correlation ID, so a token
// leaked from one request cannot write into another.
func (s *Server) submitInsight(c *fiber.Ctx) error {
	if s.issuer == nil {
		return fiber.NewError(fiber.StatusForbidden, "insight submission not configured")
	}
	raw := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
	if raw == "" || raw == c.Get("Authorization") {
		return fiber.NewError(fiber.StatusUnauthorized, "bearer token required")
	}
	claims, err := s.issuer.Verify(c.Context(), raw)
	if err != nil {
		return err
	}

	var payload insightPayload
	if err := c.BodyParser(&payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if payload.CorrelationID != claims.RequestID {
		s.logger.Warn().Str("token_request", claims.RequestID).
			Str("payload_correlation", payload.CorrelationID).
			Msg("insight rejected: correlation mismatch")
		return fiber.NewError(fiber.StatusForbidden, "correlation id does not match token")
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		return fiber.NewError(fiber.StatusBadRequest, "confidence must be in [0,1]")
	}
	if len(payload.Actions) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "no actions proposed")
	}

	results := make([]webhookResult, 0, len(payload.Actions))
	for i, action := range payload.Actions {
		meta := map[string]any{
			"insightConfidence": payload.Confidence,
		}
		if payload.Reasoning != "" {
			meta["insightReasoning"] = payload.Reasoning
		}
		for k, v := range action.Metadata {
			meta[k] = v
		}
		ev, err := s.pipe.Submit(c.Context(), event.Input{
			Type:          action.Type,
			SubjectID:     action.SubjectID,
			SubjectType:   action.SubjectType,
			Data:          action.Data,
			Metadata:      meta,
			UserID:        claims.UserID,
			Source:        event.SourceIntelligence,
			CorrelationID: claims.RequestID,
			RequestID:     claims.RequestID,
		})
		if err != nil {
			results = append(results, webhookResult{Index: i, Status: "rejected", Error: err.Error()})
			continue
		}
		results = append(results, webhookResult{Index: i, Status: "requested", ID: ev.ID})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"results": results})
}
