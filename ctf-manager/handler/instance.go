package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

const (
	HeaderUserID = "X-User-ID"
	HeaderTeamID = "X-Team-ID"
)

type InstanceHandler struct {
	svc InstanceService
	now func() time.Time
}

func NewInstanceHandler(svc InstanceService) *InstanceHandler {
	return &InstanceHandler{svc: svc, now: time.Now}
}

type instanceResponse struct {
	InstanceID       string        `json:"instance_id"`
	ChallengeID      int64         `json:"challenge_id"`
	UserID           int64         `json:"user_id"`
	TeamID           int64         `json:"team_id,omitempty"`
	Status           domain.Status `json:"status"`
	Host             string        `json:"host"`
	Port             int           `json:"port"`
	SessionToken     string        `json:"session_token,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	ExpiresAt        time.Time     `json:"expires_at"`
	RemainingSeconds int64         `json:"remaining_seconds"`
}

func (h *InstanceHandler) toResponse(inst *domain.Instance) instanceResponse {
	resp := instanceResponse{
		InstanceID:   inst.InstanceID,
		ChallengeID:  inst.ChallengeID,
		UserID:       inst.UserID,
		TeamID:       inst.TeamID,
		Status:       inst.Status,
		Host:         inst.HostAddress,
		Port:         inst.HostPort,
		ErrorMessage: inst.ErrorMessage,
		CreatedAt:    inst.CreatedAt,
		ExpiresAt:    inst.ExpiresAt,
	}
	if inst.IsActive() {
		resp.SessionToken = inst.SessionToken
		resp.RemainingSeconds = int64(inst.Remaining(h.now()).Seconds())
	}
	if !inst.StartedAt.IsZero() {
		started := inst.StartedAt
		resp.StartedAt = &started
	}
	return resp
}

// requester reads the caller identity set by the fronting application.
func requester(c echo.Context) (domain.Requester, bool) {
	userID, err := strconv.ParseInt(c.Request().Header.Get(HeaderUserID), 10, 64)
	if err != nil || userID <= 0 {
		return domain.Requester{}, false
	}

	var teamID int64
	if v := c.Request().Header.Get(HeaderTeamID); v != "" {
		teamID, err = strconv.ParseInt(v, 10, 64)
		if err != nil || teamID < 0 {
			return domain.Requester{}, false
		}
	}

	return domain.Requester{UserID: userID, TeamID: teamID, IP: c.RealIP()}, true
}

func missingRequester(c echo.Context) error {
	return badRequest(c, "X-User-ID header must be a positive integer and X-Team-ID, if set, a non-negative integer")
}

type startRequest struct {
	ChallengeID int64 `json:"challenge_id"`
}

func (h *InstanceHandler) StartInstance(c echo.Context) error {
	req, ok := requester(c)
	if !ok {
		return missingRequester(c)
	}

	var body startRequest
	if err := c.Bind(&body); err != nil || body.ChallengeID <= 0 {
		return badRequest(c, "challenge_id must be a positive integer")
	}

	info, err := h.svc.StartInstance(c.Request().Context(), body.ChallengeID, req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (h *InstanceHandler) GetInstanceForChallenge(c echo.Context) error {
	req, ok := requester(c)
	if !ok {
		return missingRequester(c)
	}

	challengeID, err := strconv.ParseInt(c.QueryParam("challenge_id"), 10, 64)
	if err != nil || challengeID <= 0 {
		return badRequest(c, "challenge_id must be a positive integer")
	}

	inst, err := h.svc.GetInstanceForRequester(c.Request().Context(), challengeID, req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, h.toResponse(inst))
}

func (h *InstanceHandler) ListMine(c echo.Context) error {
	req, ok := requester(c)
	if !ok {
		return missingRequester(c)
	}

	instances, err := h.svc.ListInstancesForRequester(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}

	resp := make([]instanceResponse, 0, len(instances))
	for _, inst := range instances {
		resp = append(resp, h.toResponse(inst))
	}
	return c.JSON(http.StatusOK, map[string]any{"instances": resp})
}

func (h *InstanceHandler) GetInstance(c echo.Context) error {
	req, ok := requester(c)
	if !ok {
		return missingRequester(c)
	}

	inst, err := h.svc.GetInstanceStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if !inst.OwnedBy(req) {
		return writeError(c, domain.ErrNotOwner)
	}
	return c.JSON(http.StatusOK, h.toResponse(inst))
}

func (h *InstanceHandler) GetStats(c echo.Context) error {
	req, ok := requester(c)
	if !ok {
		return missingRequester(c)
	}

	stats, err := h.svc.GetInstanceStats(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *InstanceHandler) StopInstance(c echo.Context) error {
	req, ok := requester(c)
	if !ok {
		return missingRequester(c)
	}

	if err := h.svc.StopInstance(c.Request().Context(), c.Param("id"), req); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *InstanceHandler) RevertInstance(c echo.Context) error {
	req, ok := requester(c)
	if !ok {
		return missingRequester(c)
	}

	info, err := h.svc.RevertInstance(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, info)
}

type extendRequest struct {
	Minutes int `json:"minutes"`
}

func (h *InstanceHandler) ExtendInstance(c echo.Context) error {
	req, ok := requester(c)
	if !ok {
		return missingRequester(c)
	}

	var body extendRequest
	if err := c.Bind(&body); err != nil || body.Minutes <= 0 {
		return badRequest(c, "minutes must be a positive integer")
	}

	inst, err := h.svc.ExtendInstance(c.Request().Context(), c.Param("id"), req, time.Duration(body.Minutes)*time.Minute)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, h.toResponse(inst))
}

func (h *InstanceHandler) GetBySession(c echo.Context) error {
	inst, err := h.svc.GetInstanceBySession(c.Request().Context(), c.Param("token"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, h.toResponse(inst))
}
