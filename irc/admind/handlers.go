package admind

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/presbrey/ircd/irc/bans"
	"github.com/presbrey/ircd/irc/guard"
	"go.uber.org/zap"
)

var errNoBanStore = echo.NewHTTPError(http.StatusServiceUnavailable, "ban store not configured")

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type statsRequest struct {
	IP     string `query:"ip" json:"ip" validate:"omitempty,ip"`
	Detail bool   `query:"detail" json:"detail"`
}

type statsResponse struct {
	ServerName    string                   `json:"server_name"`
	StartedAt     time.Time                `json:"started_at"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Users         int                      `json:"users"`
	Channels      int                      `json:"channels"`
	Servers       int                      `json:"servers"`
	Sessions      int                      `json:"sessions"`
	GuardTracked  int                      `json:"guard_tracked"`
	IP            *guard.IPStats           `json:"ip,omitempty"`
	IPs           map[string]guard.IPStats `json:"ips,omitempty"`
}

func (s *Server) handleStats(c echo.Context) error {
	var req statsRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	resp := statsResponse{
		ServerName:    s.cfg.ServerName,
		StartedAt:     s.started,
		UptimeSeconds: int64(s.now().Sub(s.started).Seconds()),
		Users:         s.deps.Registry.UserCount(),
		Channels:      s.deps.Registry.ChannelCount(),
		Servers:       s.deps.Registry.ServerCount(),
		Sessions:      s.deps.Sessions.Count(),
		GuardTracked:  s.deps.Guard.Tracked(),
	}
	if req.IP != "" {
		st := s.deps.Guard.Stats(req.IP)
		resp.IP = &st
	}
	if req.Detail {
		resp.IPs = s.deps.Guard.Snapshot()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListBans(c echo.Context) error {
	if s.deps.Bans == nil {
		return errNoBanStore
	}
	list, err := s.deps.Bans.List(c.Request().Context())
	if err != nil {
		s.log.Error("failed to list bans", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list bans")
	}
	if list == nil {
		list = []bans.Ban{}
	}
	return c.JSON(http.StatusOK, list)
}

type banRequest struct {
	Kind     string `json:"kind" validate:"required"`
	Mask     string `json:"mask" validate:"required,ip|cidr"`
	Reason   string `json:"reason" validate:"max=255"`
	SetBy    string `json:"set_by" validate:"max=128"`
	Duration string `json:"duration"`
}

type banResponse struct {
	Ban          bans.Ban `json:"ban"`
	Disconnected int      `json:"disconnected"`
}

func (s *Server) handleAddBan(c echo.Context) error {
	if s.deps.Bans == nil {
		return errNoBanStore
	}

	var req banRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	kind, err := bans.ParseKind(req.Kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ban := &bans.Ban{
		Kind:   kind,
		Mask:   req.Mask,
		Reason: req.Reason,
		SetBy:  req.SetBy,
	}
	if req.Duration != "" {
		d, err := parseDuration(req.Duration)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid duration")
		}
		expires := s.now().Add(d)
		ban.ExpiresAt = &expires
	}

	if err := s.deps.Bans.Add(c.Request().Context(), ban); err != nil {
		if errors.Is(err, bans.ErrInvalidMask) || errors.Is(err, bans.ErrInvalidKind) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.log.Error("failed to add ban", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to add ban")
	}

	n := disconnectBanned(s.deps.Sessions, ban)
	s.log.Info("ban added",
		zap.Uint("id", ban.ID),
		zap.String("kind", string(ban.Kind)),
		zap.String("mask", ban.Mask),
		zap.Int("disconnected", n),
	)
	return c.JSON(http.StatusCreated, banResponse{Ban: *ban, Disconnected: n})
}

func (s *Server) handleRemoveBan(c echo.Context) error {
	if s.deps.Bans == nil {
		return errNoBanStore
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid ban id")
	}

	ok, err := s.deps.Bans.Remove(c.Request().Context(), uint(id))
	if err != nil {
		s.log.Error("failed to remove ban", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to remove ban")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "ban not found")
	}
	s.log.Info("ban removed", zap.Uint64("id", id))
	return c.NoContent(http.StatusNoContent)
}
