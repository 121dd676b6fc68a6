package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/finsight/backend/internal/research"
	"github.com/finsight/backend/pkg/logger"
)

type ReportHandler struct {
	service *research.Service
}

func NewReportHandler(service *research.Service) *ReportHandler {
	return &ReportHandler{service: service}
}

func (h *ReportHandler) HandleGenerateReport(c *fiber.Ctx) error {
	var req struct {
		Ticker   string   `json:"ticker"`
		Sections []string `json:"sections"`
		Period   string   `json:"period"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Ticker == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Ticker is required",
		})
	}

	report, err := h.service.GenerateReport(c.Context(), req.Ticker, req.Sections, req.Period)
	if err != nil {
		logger.Error("Report generation failed", zap.String("ticker", req.Ticker), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate report",
		})
	}

	return c.JSON(report)
}

func (h *ReportHandler) HandleSentiment(c *fiber.Ctx) error {
	ticker := c.Params("ticker")
	if ticker == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Ticker is required",
		})
	}

	window := 30 * 24 * time.Hour
	if days := c.QueryInt("window_days"); days > 0 {
		window = time.Duration(days) * 24 * time.Hour
	}

	summary, err := h.service.AnalyzeSentiment(c.Context(), ticker, window)
	if err != nil {
		logger.Error("Sentiment analysis failed", zap.String("ticker", ticker), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to analyze sentiment",
		})
	}

	return c.JSON(fiber.Map{
		"ticker":    ticker,
		"sentiment": summary.SentimentScore,
		"metrics":   summary.Metrics,
		"entities":  len(summary.Entities),
	})
}

func (h *ReportHandler) HandleMetrics(c *fiber.Ctx) error {
	ticker := c.Params("ticker")
	if ticker == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Ticker is required",
		})
	}
	period := c.Query("period")

	metrics, err := h.service.ExtractMetrics(c.Context(), ticker, period)
	if err != nil {
		logger.Error("Metric extraction failed", zap.String("ticker", ticker), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to extract metrics",
		})
	}

	return c.JSON(fiber.Map{
		"ticker":  ticker,
		"period":  period,
		"metrics": metrics,
	})
}
