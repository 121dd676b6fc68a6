package handlers

import (
	"encoding/base64"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/finsight/backend/internal/ingestion"
	"github.com/finsight/backend/internal/normalizer"
	"github.com/finsight/backend/internal/research"
	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/pkg/logger"
)

type DocumentHandler struct {
	service *research.Service
}

func NewDocumentHandler(service *research.Service) *DocumentHandler {
	return &DocumentHandler{service: service}
}

type documentRequest struct {
	Source     string `json:"source"`
	Ticker     string `json:"ticker"`
	SourceType string `json:"source_type"`
	FilingType string `json:"filing_type"`
	Format     string `json:"format"`
	// Content carries plain text; Data carries base64 for binary formats.
	Content string `json:"content"`
	Data    string `json:"data"`
}

func (r documentRequest) toInput() (ingestion.RawInput, error) {
	input := ingestion.RawInput{
		Source:     r.Source,
		Ticker:     r.Ticker,
		SourceType: models.SourceType(r.SourceType),
		FilingType: r.FilingType,
		Format:     normalizer.Format(r.Format),
	}
	if input.SourceType == "" {
		input.SourceType = models.SourceUpload
	}
	if r.Data != "" {
		decoded, err := base64.StdEncoding.DecodeString(r.Data)
		if err != nil {
			return input, err
		}
		input.Data = decoded
	} else {
		input.Data = []byte(r.Content)
	}
	return input, nil
}

func (h *DocumentHandler) HandleIngest(c *fiber.Ctx) error {
	var req documentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Source == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Source is required",
		})
	}

	input, err := req.toInput()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid base64 data",
		})
	}

	result, err := h.service.Ingest(c.Context(), input)
	if err != nil {
		logger.Error("Ingestion failed", zap.String("source", req.Source), zap.Error(err))
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *DocumentHandler) HandleIngestBatch(c *fiber.Ctx) error {
	var req struct {
		Documents []documentRequest `json:"documents"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if len(req.Documents) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one document is required",
		})
	}

	inputs := make([]ingestion.RawInput, 0, len(req.Documents))
	for _, d := range req.Documents {
		input, err := d.toInput()
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid base64 data for " + d.Source,
			})
		}
		inputs = append(inputs, input)
	}

	results := h.service.IngestBatch(c.Context(), inputs)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}

	status := fiber.StatusCreated
	if failed > 0 {
		// partial success
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(fiber.Map{
		"results": results,
		"failed":  failed,
	})
}
