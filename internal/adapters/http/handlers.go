package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Conference/internal/app/registry"
	"github.com/dkeye/Conference/internal/app/screen"
	"github.com/dkeye/Conference/internal/app/session"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	ctrl Controller
}

func (h *handlers) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Snapshot())
}

func (h *handlers) accept(c *gin.Context) {
	h.reply(c, h.ctrl.Accept(c.Request.Context(), domain.ParticipantID(c.Param("pid"))))
}

func (h *handlers) deny(c *gin.Context) {
	h.reply(c, h.ctrl.Deny(c.Request.Context(), domain.ParticipantID(c.Param("pid"))))
}

func (h *handlers) permissions(c *gin.Context) {
	var perms domain.Permissions
	if err := c.ShouldBindJSON(&perms); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.reply(c, h.ctrl.SetPermissions(c.Request.Context(), domain.ParticipantID(c.Param("pid")), perms))
}

func (h *handlers) focus(c *gin.Context) {
	h.reply(c, h.ctrl.Focus(domain.ParticipantID(c.Param("pid"))))
}

func (h *handlers) mute(c *gin.Context) {
	h.reply(c, h.ctrl.Mute(domain.MediaTag(c.Param("tag"))))
}

func (h *handlers) unmute(c *gin.Context) {
	h.reply(c, h.ctrl.Unmute(domain.MediaTag(c.Param("tag"))))
}

func (h *handlers) startScreen(c *gin.Context) {
	h.reply(c, h.ctrl.StartScreenShare(c.Request.Context()))
}

func (h *handlers) stopScreen(c *gin.Context) {
	h.reply(c, h.ctrl.StopScreenShare(c.Request.Context()))
}

func (h *handlers) leave(c *gin.Context) {
	h.ctrl.Leave(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// reply answers with the fresh snapshot on success.
func (h *handlers) reply(c *gin.Context, err error) {
	if err == nil {
		c.JSON(http.StatusOK, h.ctrl.Snapshot())
		return
	}
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	var remote *proto.RemoteError
	switch {
	case errors.Is(err, registry.ErrInvalidTag):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotOwner), errors.Is(err, session.ErrScreenShareDisabled):
		return http.StatusForbidden
	case errors.Is(err, session.ErrUnknownRequest), errors.Is(err, session.ErrUnknownParticipant):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotActive), errors.Is(err, screen.ErrShareActive):
		return http.StatusConflict
	case errors.As(err, &remote):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
