package controller

import (
	"net/http"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"

	"github.com/keyarbiter/keyarbiter/allocator"
	"github.com/keyarbiter/keyarbiter/common/graceful"
	"github.com/keyarbiter/keyarbiter/common/helper"
	"github.com/keyarbiter/keyarbiter/dispatcher"
	"github.com/keyarbiter/keyarbiter/invoker"
	"github.com/keyarbiter/keyarbiter/keypool"
	"github.com/keyarbiter/keyarbiter/model"
	"github.com/keyarbiter/keyarbiter/monitor"
)

// Handler bundles the subsystem objects the HTTP surface needs. Everything is passed by handle;
// there is no ambient state, so tests can run handlers against throwaway instances.
type Handler struct {
	Pool       *keypool.Registry
	Engine     *allocator.Engine
	Gate       *allocator.Gate
	Dispatcher *dispatcher.Dispatcher
	Store      *model.Store
}

type generateRequest struct {
	UserId    string `json:"user_id" binding:"required"`
	Model     string `json:"model" binding:"required"`
	Prompt    string `json:"prompt" binding:"required"`
	MaxTokens int    `json:"max_tokens"`
}

// Generate runs one arbitrated generation request end to end.
func (h *Handler) Generate(c *gin.Context) {
	endRequest := graceful.BeginRequest()
	defer endRequest()

	lg := gmw.GetLogger(c)
	requestId := c.GetString(helper.RequestIdKey)

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": err.Error(), "type": "invalid_request_error"},
		})
		return
	}

	start := time.Now()
	result, err := h.Dispatcher.Dispatch(c.Request.Context(), &dispatcher.Request{
		RequestID: requestId,
		UserID:    req.UserId,
		ModelName: req.Model,
		Payload: &invoker.ChatPayload{
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
			},
			MaxTokens: req.MaxTokens,
		},
		OnProgress: func(message string) {
			lg.Debug("dispatch progress", zap.String("message", message))
		},
	})
	if err != nil {
		h.writeDispatchError(c, req.Model, start, err)
		return
	}

	monitor.RecordDispatch(req.Model, "success", start)
	c.JSON(http.StatusOK, gin.H{
		"request_id": requestId,
		"result":     result,
	})
}

// writeDispatchError maps the typed terminal failures onto HTTP statuses. Quota denial must be
// distinguishable from pool outage for the end user.
func (h *Handler) writeDispatchError(c *gin.Context, modelName string, start time.Time, err error) {
	lg := gmw.GetLogger(c)
	requestId := c.GetString(helper.RequestIdKey)

	failure, ok := dispatcher.AsFailure(err)
	if !ok {
		lg.Error("dispatch failed", zap.Error(err))
		monitor.RecordDispatch(modelName, "internal_error", start)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": helper.MessageWithRequestId("internal error", requestId),
				"type":    "keyarbiter_error",
			},
		})
		return
	}

	monitor.RecordDispatch(modelName, string(failure.Code), start)

	status := http.StatusInternalServerError
	switch failure.Code {
	case dispatcher.FailureQuotaExceeded:
		status = http.StatusTooManyRequests
	case dispatcher.FailureNoKeysAvailable:
		status = http.StatusServiceUnavailable
	case dispatcher.FailureAllRetriesExhausted:
		status = http.StatusBadGateway
	}

	lg.Warn("dispatch rejected",
		zap.String("code", string(failure.Code)),
		zap.String("reason", failure.Reason))
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": helper.MessageWithRequestId(failure.Reason, requestId),
			"type":    "keyarbiter_error",
			"code":    string(failure.Code),
		},
	})
}
