package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"callsession/internal/core/ports"
	apperrors "callsession/pkg/errors"
	"callsession/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CallHandler exposes the orchestrator over HTTP. Failures are attached to
// the gin context and rendered by the error middleware.
type CallHandler struct {
	calls     ports.CallOrchestrator
	opTimeout time.Duration
	logger    *zap.SugaredLogger
}

func NewCallHandler(calls ports.CallOrchestrator, opTimeout time.Duration, logger *zap.SugaredLogger) *CallHandler {
	return &CallHandler{calls: calls, opTimeout: opTimeout, logger: logger}
}

func (h *CallHandler) SetupRoutes(api *gin.RouterGroup) {
	call := api.Group("/call")
	{
		call.GET("", h.State)
		call.POST("/join", h.Join)
		call.POST("/start", h.Start)
		call.POST("/end", h.End)
		call.POST("/mute", h.ToggleMute)
		call.POST("/camera", h.ToggleCamera)
	}
}

func (h *CallHandler) Join(c *gin.Context) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid request body"))
		return
	}
	if id := strings.TrimSpace(req.RoomID); id != "" {
		if err := validation.ValidateRoomID(id); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	h.establish(c, "join", func(ctx context.Context) error {
		return h.calls.JoinRoom(ctx, req.RoomID)
	})
}

func (h *CallHandler) Start(c *gin.Context) {
	var req struct {
		TargetID string `json:"targetId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid request body"))
		return
	}
	if id := strings.TrimSpace(req.TargetID); id != "" {
		if err := validation.ValidateParticipantID(id); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	h.establish(c, "start", func(ctx context.Context) error {
		return h.calls.StartCall(ctx, req.TargetID)
	})
}

// establish runs a join or dial under the operation timeout. An attempt
// that runs out of time is torn down so it cannot complete later.
func (h *CallHandler) establish(c *gin.Context, op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opTimeout)
	defer cancel()

	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		h.logger.Warnw("call setup timed out", "op", op, "timeout", h.opTimeout)
		h.calls.EndCall(context.WithoutCancel(ctx))
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "call setup timed out", http.StatusGatewayTimeout))
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.calls.Snapshot())
}

func (h *CallHandler) End(c *gin.Context) {
	h.calls.EndCall(c.Request.Context())
	c.JSON(http.StatusOK, h.calls.Snapshot())
}

func (h *CallHandler) ToggleMute(c *gin.Context) {
	muted, err := h.calls.ToggleMute(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (h *CallHandler) ToggleCamera(c *gin.Context) {
	on, err := h.calls.ToggleCamera(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cameraOn": on})
}

func (h *CallHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, h.calls.Snapshot())
}

var _ ports.CallHTTPHandler = (*CallHandler)(nil)
