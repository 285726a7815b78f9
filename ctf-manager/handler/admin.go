package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

const defaultArchiveWindow = 24 * time.Hour

type AdminHandler struct {
	svc      AdminService
	sweeper  Sweeper
	archiver Archiver
	now      func() time.Time
}

func NewAdminHandler(svc AdminService, sweeper Sweeper, archiver Archiver) *AdminHandler {
	return &AdminHandler{svc: svc, sweeper: sweeper, archiver: archiver, now: time.Now}
}

func (h *AdminHandler) Health(c echo.Context) error {
	if err := h.svc.Health(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AdminHandler) ListEvents(c echo.Context) error {
	filter, err := parseEventFilter(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	page, err := h.svc.ListEvents(c.Request().Context(), filter)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

type queryError string

func (e queryError) Error() string { return string(e) }

func parseEventFilter(c echo.Context) (domain.EventFilter, error) {
	var f domain.EventFilter
	var err error

	if f.UserID, err = queryInt(c, "user_id"); err != nil {
		return f, err
	}
	if f.ChallengeID, err = queryInt(c, "challenge_id"); err != nil {
		return f, err
	}
	if t := c.QueryParam("type"); t != "" {
		f.Type = domain.EventType(t)
		if !f.Type.Valid() {
			return f, queryError("unknown event type " + strconv.Quote(t))
		}
	}
	if f.Since, err = queryTime(c, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(c, "until"); err != nil {
		return f, err
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return f, err
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return f, err
	}
	f.Limit, f.Offset = int(limit), int(offset)

	return f.Normalize(), nil
}

func queryInt(c echo.Context, name string) (int64, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, queryError(name + " must be a non-negative integer")
	}
	return n, nil
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, queryError(name + " must be an RFC 3339 timestamp")
	}
	return t, nil
}

// ArchiveEvents uploads the events of [since, until) to the archive bucket.
// The window defaults to the last 24 hours.
func (h *AdminHandler) ArchiveEvents(c echo.Context) error {
	if h.archiver == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: string(domain.KindNotFound), Message: "event archive is not configured"})
	}

	since, err := queryTime(c, "since")
	if err != nil {
		return badRequest(c, err.Error())
	}
	until, err := queryTime(c, "until")
	if err != nil {
		return badRequest(c, err.Error())
	}
	if until.IsZero() {
		until = h.now()
	}
	if since.IsZero() {
		since = until.Add(-defaultArchiveWindow)
	}

	result, err := h.archiver.Archive(c.Request().Context(), since, until)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *AdminHandler) UpsertChallenge(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return badRequest(c, "challenge id must be a positive integer")
	}

	var challenge domain.Challenge
	if err := c.Bind(&challenge); err != nil {
		return badRequest(c, "invalid challenge body")
	}
	challenge.ChallengeID = id
	challenge.UpdatedAt = h.now()

	if err := h.svc.UpsertChallenge(c.Request().Context(), &challenge); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, challenge)
}

func (h *AdminHandler) ForceStop(c echo.Context) error {
	if err := h.svc.ForceStopInstance(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) Sweep(c echo.Context) error {
	if h.sweeper == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: string(domain.KindNotFound), Message: "sweeper is not configured"})
	}
	report := h.sweeper.RunOnce(context.WithoutCancel(c.Request().Context()))
	return c.JSON(http.StatusOK, report)
}
