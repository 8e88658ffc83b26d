package controller

import (
	"net/http"
	"strconv"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/keyarbiter/keyarbiter/common/helper"
)

const defaultModelName = "default"

func modelNameFromQuery(c *gin.Context) string {
	if name := c.Query("model"); name != "" {
		return name
	}
	return defaultModelName
}

// Status reports the system-wide daily picture: the fair-share parameters currently in effect
// plus the persisted tracking row for the day.
func (h *Handler) Status(c *gin.Context) {
	modelName := modelNameFromQuery(c)

	share, err := h.Engine.ComputeFairShare(c.Request.Context(), modelName)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	day := helper.DayString(time.Now())
	tracking, err := h.Store.GetSystemTracking(c.Request.Context(), modelName, day)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	totalUsed := 0
	if tracking != nil {
		totalUsed = tracking.TotalUsed
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"model_name":        modelName,
			"day":               day,
			"active_users":      share.ActiveUsers,
			"requests_per_user": share.RequestsPerUser,
			"total_available":   share.TotalAvailable,
			"total_used":        totalUsed,
			"pool_available":    h.Pool.HasAvailable(),
		},
	})
}

// Keys returns the redacted per-slot view of the pool.
func (h *Handler) Keys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.Pool.Snapshot(),
	})
}

// UserAllocation returns one user's live allocation; reading never consumes quota.
func (h *Handler) UserAllocation(c *gin.Context) {
	userId := c.Param("user_id")
	if userId == "" {
		abortWithMessage(c, http.StatusBadRequest, "user_id is required")
		return
	}

	allocation, err := h.Engine.GetUserAllocation(c.Request.Context(), userId, modelNameFromQuery(c))
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    allocation,
	})
}

// ResetKey is the operator escape hatch: it returns one slot to available with cleared error
// counters. Usage counters are deliberately preserved so a reset cannot mint extra daily budget.
func (h *Handler) ResetKey(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		abortWithMessage(c, http.StatusBadRequest, "index must be an integer")
		return
	}

	if err := h.Pool.ResetSlot(index); err != nil {
		abortWithMessage(c, http.StatusNotFound, err.Error())
		return
	}

	gmw.GetLogger(c).Info("key slot reset by operator", zap.Int("index", index))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func abortWithError(c *gin.Context, status int, err error) {
	gmw.GetLogger(c).Error("request failed", zap.Error(err))
	abortWithMessage(c, status, err.Error())
}

func abortWithMessage(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"message": helper.MessageWithRequestId(message, c.GetString(helper.RequestIdKey)),
	})
	c.Abort()
}
