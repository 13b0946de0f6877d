// Package api implements C8, the HTTP surface of spec.md §6: four
// operations bound to URLs, plus registry management and liveness.
package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xiaopang/keybroker/internal/core"
	"github.com/xiaopang/keybroker/internal/model"
	"github.com/xiaopang/keybroker/internal/queue"
)

// blockingReserver is the subset of *queue.WaitQueue the handler needs;
// narrowed to an interface so handler tests can stub it without standing
// up Redis/asynq.
type blockingReserver interface {
	ReserveBlocking(ctx context.Context) (model.Reservation, bool, error)
}

// KeyHandler serves every route in spec.md §6's HTTP surface.
type KeyHandler struct {
	engine    *core.Engine
	registry  *core.Registry
	policy    *core.PlanPolicy
	waitQueue blockingReserver
}

// NewKeyHandler builds a KeyHandler. waitQueue may be nil, per spec.md §9's
// note that the queue is optional: /key/available/queued then falls back
// to a single non-blocking attempt.
func NewKeyHandler(engine *core.Engine, registry *core.Registry, policy *core.PlanPolicy, waitQueue *queue.WaitQueue) *KeyHandler {
	h := &KeyHandler{engine: engine, registry: registry, policy: policy}
	if waitQueue != nil {
		h.waitQueue = waitQueue
	}
	return h
}

func reservationJSON(r model.Reservation) gin.H {
	return gin.H{
		"subscriptionId":       r.SubscriptionID,
		"plan":                 r.Plan,
		"avgRequestIntervalMs": r.AvgIntervalMs,
		"lastUsed":             r.LastUsed,
		"nextRequestAllowedAt": r.NextRequestAllowedAt,
	}
}

func (h *KeyHandler) waitHintMs() int64 {
	return h.policy.DefaultWaitHintMs()
}

// GetAvailable serves GET /key/available: a single non-blocking reserve.
func (h *KeyHandler) GetAvailable(c *gin.Context) {
	res, ok, err := h.engine.Reserve(c.Request.Context())
	if err != nil {
		c.JSON(500, model.ErrorResponse{Error: model.ErrorDetail{Message: err.Error(), Type: "internal_error"}})
		return
	}
	if !ok {
		c.JSON(200, gin.H{"status": "wait", "waitMs": h.waitHintMs()})
		return
	}
	c.JSON(200, gin.H{"status": "ok", "key": reservationJSON(res)})
}

// GetAvailableQueued serves GET /key/available/queued: a blocking reserve
// via the Wait Queue, or a single non-blocking attempt if no queue is
// configured (spec.md §9's "implementers may omit it" allowance).
func (h *KeyHandler) GetAvailableQueued(c *gin.Context) {
	ctx := c.Request.Context()

	if h.waitQueue == nil {
		h.GetAvailable(c)
		return
	}

	res, ok, err := h.waitQueue.ReserveBlocking(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.JSON(429, gin.H{"status": "wait", "waitMs": h.waitHintMs()})
			return
		}
		c.JSON(500, model.ErrorResponse{Error: model.ErrorDetail{Message: err.Error(), Type: "internal_error"}})
		return
	}
	if !ok {
		c.JSON(429, gin.H{"status": "wait", "waitMs": h.waitHintMs()})
		return
	}
	c.JSON(200, gin.H{"status": "ok", "key": reservationJSON(res)})
}

// GetStatus serves GET /status: the full per-key projection.
func (h *KeyHandler) GetStatus(c *gin.Context) {
	views, err := h.registry.ListStatus(c.Request.Context())
	if err != nil {
		c.JSON(500, model.ErrorResponse{Error: model.ErrorDetail{Message: err.Error(), Type: "internal_error"}})
		return
	}
	c.JSON(200, views)
}

// GetLimits serves GET /limits: the limits-only projection.
func (h *KeyHandler) GetLimits(c *gin.Context) {
	views, err := h.registry.ListLimits(c.Request.Context())
	if err != nil {
		c.JSON(500, model.ErrorResponse{Error: model.ErrorDetail{Message: err.Error(), Type: "internal_error"}})
		return
	}
	c.JSON(200, views)
}

// GetHealth serves GET /health: liveness only, no store round-trip.
func (h *KeyHandler) GetHealth(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// postKeysRequest is the POST /keys body: either subscriptionId or id names
// the key, matching the teacher's tolerance for both field names.
type postKeysRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	ID             string `json:"id"`
	Plan           string `json:"plan"`
}

// PostKeys serves POST /keys: register or update a key.
func (h *KeyHandler) PostKeys(c *gin.Context) {
	var req postKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, model.ErrorResponse{Error: model.ErrorDetail{Message: "Invalid request: " + err.Error(), Type: "invalid_request_error"}})
		return
	}

	id := strings.TrimSpace(req.SubscriptionID)
	if id == "" {
		id = strings.TrimSpace(req.ID)
	}

	if err := h.registry.Register(c.Request.Context(), id, req.Plan); err != nil {
		if errors.Is(err, model.ErrInvalidArgument) {
			c.JSON(400, model.ErrorResponse{Error: model.ErrorDetail{Message: "subscriptionId is required", Type: "invalid_request_error"}})
			return
		}
		c.JSON(500, model.ErrorResponse{Error: model.ErrorDetail{Message: err.Error(), Type: "internal_error"}})
		return
	}

	c.JSON(201, gin.H{"message": "Key registered"})
}

// DeleteKey serves DELETE /keys/:id.
func (h *KeyHandler) DeleteKey(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, model.ErrInvalidArgument) {
			c.JSON(400, model.ErrorResponse{Error: model.ErrorDetail{Message: "id is required", Type: "invalid_request_error"}})
			return
		}
		c.JSON(500, model.ErrorResponse{Error: model.ErrorDetail{Message: err.Error(), Type: "internal_error"}})
		return
	}
	c.JSON(200, gin.H{"message": "Key deleted"})
}
