package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/finsight/backend/internal/embedding"
	"github.com/finsight/backend/internal/research"
	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/internal/synthesizer"
	"github.com/finsight/backend/pkg/logger"
)

type QueryHandler struct {
	service *research.Service
}

func NewQueryHandler(service *research.Service) *QueryHandler {
	return &QueryHandler{service: service}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query      string `json:"query"`
		Ticker     string `json:"ticker"`
		SourceType string `json:"source_type"`
		FilingType string `json:"filing_type"`
		After      string `json:"after"`
		Before     string `json:"before"`
		K          int    `json:"k"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	queryReq := research.QueryRequest{
		Text:       req.Query,
		Ticker:     req.Ticker,
		SourceType: models.SourceType(req.SourceType),
		FilingType: req.FilingType,
		K:          req.K,
	}
	if t, err := time.Parse(time.RFC3339, req.After); err == nil {
		queryReq.After = t
	}
	if t, err := time.Parse(time.RFC3339, req.Before); err == nil {
		queryReq.Before = t
	}

	answer, err := h.service.Query(c.Context(), queryReq)
	if err != nil {
		logger.Error("Failed to process query", zap.Error(err))
		status := fiber.StatusInternalServerError
		if errors.Is(err, embedding.ErrEmbeddingUnavailable) || errors.Is(err, synthesizer.ErrGenerationUnavailable) {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	return c.JSON(fiber.Map{
		"answer":     answer.Text,
		"citations":  answer.Citations,
		"confidence": answer.Confidence,
		"status":     answer.Status,
	})
}
