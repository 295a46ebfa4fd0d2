package api

import (
	"crypto/subtle"
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/keeperhq/keeper/internal/event"
)

// webhookItem is one inbound command from an external integration.
type webhookItem struct {
	Type        string          `json:"type"`
	SubjectID   string          `json:"subjectId,omitempty"`
	SubjectType string          `json:"subjectType,omitempty"`
	Data        json.RawMessage `json:"data"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	UserID      string          `json:"userId"`
}

type webhookResult struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ingestWebhook accepts a batch of commands from an external integration.
// Items are submitted independently: one bad item never blocks the rest.
func (s *Server) ingestWebhook(c *fiber.Ctx) error {
	if !s.cfg.WebhooksEnabled() {
		return fiber.NewError(fiber.StatusForbidden, "webhook ingestion not configured")
	}
	secret := c.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.WebhookSecret)) != 1 {
		s.logger.Warn().Str("remote", c.IP()).Msg("webhook rejected: bad secret")
		return fiber.NewError(fiber.StatusUnauthorized, "invalid webhook secret")
	}

	var items []webhookItem
	if err := c.BodyParser(&items); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "expected a JSON array of commands")
	}
	if len(items) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "empty batch")
	}

	requestID, _ := c.Locals("request_id").(string)
	results := make([]webhookResult, 0, len(items))
	accepted := 0
	for i, item := range items {
		ev, err := s.pipe.Submit(c.Context(), event.Input{
			Type:        item.Type,
			SubjectID:   item.SubjectID,
			SubjectType: item.SubjectType,
			Data:        item.Data,
			Metadata:    item.Metadata,
			UserID:      item.UserID,
			Source:      event.SourceSync,
			RequestID:   requestID,
		})
		if err != nil {
			results = append(results, webhookResult{Index: i, Status: "rejected", Error: err.Error()})
			continue
		}
		accepted++
		results = append(results, webhookResult{Index: i, Status: "requested", ID: ev.ID})
	}

	s.logger.Info().Int("accepted", accepted).Int("rejected", len(items)-accepted).
		Msg("webhook batch processed")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"results": results})
}
