package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"papertrade/internal/domain"
)

var errorStatus = []struct {
	err    error
	status int
}{
	{domain.ErrInvalidRequest, fiber.StatusBadRequest},
	{domain.ErrInvalidQuantity, fiber.StatusBadRequest},
	{domain.ErrInvalidTradeType, fiber.StatusBadRequest},
	{domain.ErrInvalidSymbol, fiber.StatusBadRequest},
	{domain.ErrInsufficientFunds, fiber.StatusBadRequest},
	{domain.ErrInsufficientShares, fiber.StatusBadRequest},
	{domain.ErrUserNotFound, fiber.StatusNotFound},
	{domain.ErrOrderNotFound, fiber.StatusNotFound},
	{domain.ErrStockNotFound, fiber.StatusNotFound},
	{domain.ErrHoldingNotFound, fiber.StatusNotFound},
	{domain.ErrAlreadyProcessing, fiber.StatusConflict},
	{domain.ErrPriceUnavailable, fiber.StatusServiceUnavailable},
	{domain.ErrStoreUnavailable, fiber.StatusServiceUnavailable},
}

// ErrorHandler renders every error as {"error": code, "message": text}.
// Domain sentinels carry their own code; fiber errors keep their status.
func ErrorHandler(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "internal_error"
	message := err.Error()

	var fe *fiber.Error
	matched := false
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			status, code = m.status, m.err.Error()
			matched = true
			break
		}
	}
	switch {
	case matched:
	case errors.As(err, &fe):
		status, code = fe.Code, codeForStatus(fe.Code)
	default:
		message = "internal error"
	}
	// Driver errors stay in the log.
	if errors.Is(err, domain.ErrStoreUnavailable) {
		message = "storage temporarily unavailable"
	}

	if status >= fiber.StatusInternalServerError {
		requestLogger(c).Error("request failed", zap.Error(err), zap.Int("status", status))
	}

	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": message,
	})
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return domain.ErrInvalidRequest.Error()
	case fiber.StatusRequestEntityTooLarge:
		return "body_too_large"
	case fiber.StatusNotImplemented:
		return "not_implemented"
	}
	if status >= fiber.StatusInternalServerError {
		return "internal_error"
	}
	return "request_failed"
}
