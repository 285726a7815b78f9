package handler

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

type errorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

var kindStatus = map[domain.ErrorKind]int{
	domain.KindValidation:         http.StatusBadRequest,
	domain.KindQuotaExceeded:      http.StatusConflict,
	domain.KindResourceExhausted:  http.StatusServiceUnavailable,
	domain.KindRuntimeUnavailable: http.StatusServiceUnavailable,
	domain.KindRuntimeRejected:    http.StatusBadGateway,
	domain.KindNotOwner:           http.StatusForbidden,
	domain.KindNotFound:           http.StatusNotFound,
	domain.KindCooldownActive:     http.StatusTooManyRequests,
	domain.KindExtendLimit:        http.StatusConflict,
	domain.KindTimeout:            http.StatusGatewayTimeout,
	domain.KindConflict:           http.StatusConflict,
}

// StatusOf maps an error onto its HTTP status code.
func StatusOf(err error) int {
	if code, ok := kindStatus[domain.KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func writeError(c echo.Context, err error) error {
	kind := domain.KindOf(err)
	code := StatusOf(err)

	resp := errorResponse{Error: string(kind), Message: err.Error()}
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request().Method, "uri", c.Request().RequestURI, "error", err)
		resp.Message = "internal error"
	}

	var cooldown *domain.CooldownError
	if errors.As(err, &cooldown) {
		resp.RetryAfterSeconds = int(math.Ceil(cooldown.Remaining.Seconds()))
		c.Response().Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}

	return c.JSON(code, resp)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: string(domain.KindValidation), Message: msg})
}
