// Package http exposes the local command surface as a JSON API.
package http

import (
	"cmp"
	"context"
	"errors"
	stdhttp "net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Shortgap/internal/app"
	"github.com/dkeye/Shortgap/internal/app/coord"
	"github.com/dkeye/Shortgap/internal/config"
	"github.com/dkeye/Shortgap/internal/domain"
)

const sessionName = "ShortgapSession"

// ClientTokenMiddleware gives every API client a stable token kept in its
// cookie session. Handlers log it to tell local frontends apart.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get("client_token").(string)
		if token == "" {
			token = uuid.NewString()
			sess.Set("client_token", token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type handler struct {
	ctx      context.Context
	session  *app.Session
	protocol string
}

func SetupRouter(ctx context.Context, cfg *config.Config, s *app.Session) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	h := &handler{ctx: ctx, session: s, protocol: cfg.Protocol}
	api := r.Group("/api")

	api.GET("/profile", h.getProfile)
	api.PUT("/profile", h.setProfile)
	api.GET("/address", h.address)

	api.GET("/rooms", h.listRooms)
	api.POST("/rooms", h.createRoom)
	api.POST("/rooms/join", h.joinRoom)
	api.GET("/rooms/:id/messages", h.roomMessages)
	api.POST("/rooms/:id/sync", h.syncMessages)
	api.POST("/rooms/:id/users/:uid/offline", h.markOffline)
	api.GET("/rooms/:id/switch", h.switchStatus)
	api.DELETE("/rooms/:id/switch", h.cancelSwitch)

	api.GET("/room", h.currentRoom)
	api.DELETE("/room", h.leaveRoom)
	api.POST("/room/messages", h.sendMessage)
	api.PUT("/room/protocol", h.changeProtocol)
	api.POST("/room/invite", h.generateInvite)
	api.GET("/room/health", h.health)
	api.POST("/room/call", h.joinCall)
	api.DELETE("/room/call", h.leaveCall)

	api.POST("/invites/parse", h.parseInvite)
	api.POST("/invites/validate", h.validateInvite)

	api.GET("/switches", h.activeSwitches)
	api.GET("/pings", h.pings)
	api.GET("/peers", h.peers)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

// StatusOf maps a command error onto an HTTP status.
func StatusOf(err error) int {
	var se *coord.SwitchError
	switch {
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrUserNotFound):
		return stdhttp.StatusNotFound
	case errors.Is(err, domain.ErrRoomActive):
		return stdhttp.StatusConflict
	case errors.As(err, &se):
		return stdhttp.StatusBadGateway
	}
	switch domain.Classify(err) {
	case domain.KindUser:
		return stdhttp.StatusBadRequest
	case domain.KindConflict:
		return stdhttp.StatusConflict
	case domain.KindConnectivity, domain.KindProtocol:
		return stdhttp.StatusBadGateway
	}
	return stdhttp.StatusInternalServerError
}

func (h *handler) fail(c *gin.Context, err error) {
	status := StatusOf(err)
	ev := log.Warn()
	if status >= stdhttp.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("module", "adapters.http").Str("client", c.GetString("client_token")).
		Str("path", c.FullPath()).Int("status", status).Msg("command failed")
	c.JSON(status, gin.H{"error": err.Error(), "kind": domain.Classify(err).String()})
}

func (h *handler) badRequest(c *gin.Context, msg string) {
	c.JSON(stdhttp.StatusBadRequest, gin.H{"error": msg, "kind": domain.KindUser.String()})
}

func parseID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(stdhttp.StatusBadRequest, gin.H{"error": domain.ErrInvalidID.Error() + ": " + c.Param(name), "kind": domain.KindUser.String()})
		return uuid.Nil, false
	}
	return id, true
}

func (h *handler) getProfile(c *gin.Context) {
	u, err := h.session.Profile()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, u)
}

func (h *handler) setProfile(c *gin.Context) {
	var req app.UserSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid settings")
		return
	}
	u, err := h.session.SetProfile(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, u)
}

func (h *handler) address(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"address": h.session.AdvertisedAddress(), "ip": app.LocalIP()})
}

func (h *handler) listRooms(c *gin.Context) {
	rooms, err := h.session.ListRooms()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"rooms": rooms})
}

func (h *handler) createRoom(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Protocol string `json:"protocol"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid room request")
		return
	}
	name := cmp.Or(req.Protocol, h.protocol, string(domain.ProtocolTCP))
	p, err := domain.ParseProtocol(name)
	if err != nil {
		h.fail(c, err)
		return
	}
	room, err := h.session.CreateRoom(h.ctx, req.Name, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusCreated, room)
}

func (h *handler) joinRoom(c *gin.Context) {
	var req struct {
		Invite string `json:"invite"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Invite == "" {
		h.badRequest(c, "missing invite")
		return
	}
	room, err := h.session.JoinRoom(h.ctx, req.Invite)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, room)
}

func (h *handler) currentRoom(c *gin.Context) {
	room, err := h.session.CurrentRoom()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, room)
}

func (h *handler) leaveRoom(c *gin.Context) {
	if err := h.session.LeaveRoom(h.ctx); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

func (h *handler) sendMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid message")
		return
	}
	msg, err := h.session.SendMessage(h.ctx, req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusCreated, msg)
}

func (h *handler) roomMessages(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	msgs, err := h.session.RoomMessages(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"messages": msgs})
}

func (h *handler) syncMessages(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	msgs, err := h.session.SyncMessages(h.ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"messages": msgs})
}

func (h *handler) markOffline(c *gin.Context) {
	roomID, ok := parseID(c, "id")
	if !ok {
		return
	}
	userID, ok := parseID(c, "uid")
	if !ok {
		return
	}
	if err := h.session.MarkUserOffline(roomID, userID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

func (h *handler) changeProtocol(c *gin.Context) {
	var req struct {
		Protocol string `json:"protocol"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid protocol request")
		return
	}
	p, err := domain.ParseProtocol(req.Protocol)
	if err != nil {
		h.fail(c, err)
		return
	}
	ev, err := h.session.ChangeProtocol(h.ctx, p)
	if err != nil {
		status := StatusOf(err)
		c.JSON(status, gin.H{"error": err.Error(), "kind": domain.Classify(err).String(), "switch": ev})
		return
	}
	c.JSON(stdhttp.StatusOK, ev)
}

func (h *handler) switchStatus(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	c.JSON(stdhttp.StatusOK, h.session.SwitchStatus(id))
}

func (h *handler) cancelSwitch(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"cancelled": h.session.CancelSwitch(id)})
}

func (h *handler) activeSwitches(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"switches": h.session.ActiveSwitches()})
}

func (h *handler) generateInvite(c *gin.Context) {
	code, err := h.session.GenerateInvite()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"invite": code})
}

func (h *handler) parseInvite(c *gin.Context) {
	var req struct {
		Invite string `json:"invite"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "missing invite")
		return
	}
	d, err := h.session.ParseInvite(req.Invite)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, d)
}

func (h *handler) validateInvite(c *gin.Context) {
	var req struct {
		Invite string `json:"invite"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "missing invite")
		return
	}
	summary, err := h.session.ValidateInvite(req.Invite)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"summary": summary})
}

func (h *handler) health(c *gin.Context) {
	healthy, err := h.session.CheckRoomHealth(h.ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"healthy": healthy})
}

func (h *handler) joinCall(c *gin.Context) {
	if err := h.session.JoinCall(h.ctx); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

func (h *handler) leaveCall(c *gin.Context) {
	if err := h.session.LeaveCall(h.ctx); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

func (h *handler) pings(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"pings": h.session.PingStats()})
}

func (h *handler) peers(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"peers": h.session.ConnectedPeers()})
}
