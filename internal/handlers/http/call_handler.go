package http

import (
	"net/http"
	"strings"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	"wanderlink/pkg/errors"
	"wanderlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

var _ ports.HTTPHandler = (*CallHandler)(nil)

// CallHandler exposes the agent's call controls to the UI shell.
type CallHandler struct {
	controller ports.CallController
}

func NewCallHandler(controller ports.CallController) *CallHandler {
	return &CallHandler{controller: controller}
}

// SetupRoutes mounts the call API on group, which carries the auth and rate
// limiting middleware chosen by the caller.
func (h *CallHandler) SetupRoutes(group *gin.RouterGroup) {
	calls := group.Group("/calls")
	{
		calls.POST("", h.StartCall)
		calls.GET("/current", h.GetCurrentCall)
		calls.POST("/current/hangup", h.Hangup)
		calls.POST("/current/mute", h.SetMuted)
	}

	incoming := group.Group("/incoming")
	{
		incoming.GET("", h.GetIncoming)
		incoming.POST("/:id/accept", h.AcceptIncoming)
		incoming.POST("/:id/decline", h.DeclineIncoming)
	}

	group.GET("/stats", h.GetStats)
}

type StartCallRequest struct {
	CalleeID string `json:"callee_id" binding:"required,max=128"`
	Type     string `json:"type"`
}

type MuteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

func (h *CallHandler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.CalleeID = strings.TrimSpace(req.CalleeID)
	if err := validation.ValidateUserID(req.CalleeID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Type == "" {
		req.Type = string(domain.CallTypeVideo)
	}
	if err := validation.ValidateCallType(req.Type); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	snap, err := h.controller.StartCall(c.Request.Context(), domain.UserID(req.CalleeID), domain.CallType(req.Type))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"call": snap})
}

func (h *CallHandler) GetCurrentCall(c *gin.Context) {
	snap, ok := h.controller.CurrentCall()
	if !ok {
		c.Error(errors.NewNotFoundError("call"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": snap})
}

func (h *CallHandler) Hangup(c *gin.Context) {
	if err := h.controller.Hangup(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) SetMuted(c *gin.Context) {
	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("muted is required"))
		return
	}

	if err := h.controller.SetMuted(*req.Muted); err != nil {
		c.Error(err)
		return
	}

	snap, _ := h.controller.CurrentCall()
	c.JSON(http.StatusOK, gin.H{"call": snap})
}

func (h *CallHandler) GetIncoming(c *gin.Context) {
	inc := h.controller.Incoming()
	if inc == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incoming": inc})
}

func (h *CallHandler) AcceptIncoming(c *gin.Context) {
	id, ok := callIDParam(c)
	if !ok {
		return
	}

	snap, err := h.controller.AcceptIncoming(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": snap})
}

func (h *CallHandler) DeclineIncoming(c *gin.Context) {
	id, ok := callIDParam(c)
	if !ok {
		return
	}

	if err := h.controller.DeclineIncoming(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.Stats())
}

func callIDParam(c *gin.Context) (domain.CallID, bool) {
	id := c.Param("id")
	if err := validation.ValidateCallID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.CallID(id), true
}
