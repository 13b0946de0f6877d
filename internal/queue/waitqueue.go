// Package queue implements C5, the fair Wait Queue that sits in front of
// the Reservation Engine: a durable FIFO job per blocking caller, serviced
// by a bounded pool of workers that retry the Engine with backoff until a
// reservation succeeds or the worker's own deadline elapses.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/xiaopang/keybroker/internal/core"
	"github.com/xiaopang/keybroker/internal/logger"
	"github.com/xiaopang/keybroker/internal/model"
)

// taskTypeReservationAttempt is the asynq task type name for one queued
// reservation attempt.
const taskTypeReservationAttempt = "reservation:attempt"

func resultKey(requestID string) string {
	return "keybroker:result:" + requestID
}

// jobResult is the JSON payload a worker RPUSHes once its attempt loop
// concludes, and the requester BRPOPs to learn the outcome.
type jobResult struct {
	OK          bool              `json:"ok"`
	Reservation model.Reservation `json:"reservation,omitempty"`
	TimedOut    bool              `json:"timedOut"`
}

// taskPayload is the asynq task payload: just an opaque correlation id, so
// workers don't need to carry the engine through serialization.
type taskPayload struct {
	RequestID string `json:"requestId"`
}

// Config controls fairness and backoff, mirroring spec.md §6's
// KEY_QUEUE_* environment surface.
type Config struct {
	Concurrency      int
	BackoffMs        int64
	MaxWaitMs        int64
	RequestTimeoutMs int64
}

// WaitQueue wraps an asynq client/server pair plus a Redis connection used
// purely as a synchronous result mailbox between worker and requester —
// asynq itself has no notion of returning a value to the enqueuer.
type WaitQueue struct {
	cfg    Config
	engine *core.Engine
	redis  *redis.Client
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
}

// New builds a WaitQueue. redisOpt configures asynq's broker connection;
// rdb is the client used for the result mailbox.
func New(cfg Config, engine *core.Engine, redisOpt asynq.RedisClientOpt, rdb *redis.Client) *WaitQueue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.BackoffMs <= 0 {
		cfg.BackoffMs = 1000
	}

	wq := &WaitQueue{
		cfg:    cfg,
		engine: engine,
		redis:  rdb,
		client: asynq.NewClient(redisOpt),
		server: asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      map[string]int{"reservations": 1},
		}),
		mux: asynq.NewServeMux(),
	}
	wq.mux.HandleFunc(taskTypeReservationAttempt, wq.handleReservationAttempt)
	return wq
}

// Run starts the asynq worker pool and blocks inside asynq's Server.Run;
// it takes no context of its own.
func (wq *WaitQueue) Run() error {
	return wq.server.Run(wq.mux)
}

// Shutdown stops the worker pool and the underlying asynq client.
func (wq *WaitQueue) Shutdown() {
	wq.server.Shutdown()
	_ = wq.client.Close()
}

// ReserveBlocking enqueues a reservation-attempt job and waits for its
// result up to requestTimeoutMs (0 = the configured default, itself 0 =
// unbounded, bounded only by ctx). Returns (reservation, true, nil) on
// success, (zero, false, nil) on timeout, and a non-nil error for a
// queue/transport failure or when ctx is cancelled or its deadline passes.
func (wq *WaitQueue) ReserveBlocking(ctx context.Context) (model.Reservation, bool, error) {
	requestID := uuid.NewString()
	payload, err := json.Marshal(taskPayload{RequestID: requestID})
	if err != nil {
		return model.Reservation{}, false, err
	}

	task := asynq.NewTask(taskTypeReservationAttempt, payload)
	if _, err := wq.client.EnqueueContext(ctx, task, asynq.Queue("reservations")); err != nil {
		return model.Reservation{}, false, fmt.Errorf("enqueue reservation attempt: %w", err)
	}

	timeout := time.Duration(wq.cfg.RequestTimeoutMs) * time.Millisecond
	if wq.cfg.RequestTimeoutMs <= 0 {
		// No requester-side deadline: block until the worker's own maxWaitMs
		// resolves the job, bounded only by ctx cancellation.
		timeout = 0
	}
	return wq.awaitResult(ctx, requestID, timeout)
}

// awaitResult blocks on the Redis result mailbox for requestID. A zero
// timeout polls with a generous BRPOP window, re-checking ctx between
// polls, since go-redis' BRPOP has no way to block "until ctx done" alone.
func (wq *WaitQueue) awaitResult(ctx context.Context, requestID string, timeout time.Duration) (model.Reservation, bool, error) {
	key := resultKey(requestID)
	pollWindow := timeout
	if pollWindow <= 0 || pollWindow > 5*time.Second {
		pollWindow = 5 * time.Second
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return model.Reservation{}, false, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return model.Reservation{}, false, nil
		}

		res, err := wq.redis.BRPop(ctx, pollWindow, key).Result()
		if errors.Is(err, redis.Nil) {
			continue // no result yet; loop and re-check ctx/deadline
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return model.Reservation{}, false, err
			}
			return model.Reservation{}, false, fmt.Errorf("await reservation result: %w", err)
		}

		// res is [key, value]; BRPop returns the popped element.
		var jr jobResult
		if len(res) < 2 {
			continue
		}
		if err := json.Unmarshal([]byte(res[1]), &jr); err != nil {
			return model.Reservation{}, false, fmt.Errorf("decode reservation result: %w", err)
		}
		if jr.TimedOut || !jr.OK {
			return model.Reservation{}, false, nil
		}
		return jr.Reservation, true, nil
	}
}

// handleReservationAttempt is the asynq worker handler: it calls the
// Engine in a retry loop with backoffMs spacing until a reservation
// succeeds or maxWaitMs elapses, then publishes the outcome to the
// requester's result mailbox (spec.md §4.4 step 2).
func (wq *WaitQueue) handleReservationAttempt(ctx context.Context, t *asynq.Task) error {
	var p taskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}

	deadline := time.Time{}
	if wq.cfg.MaxWaitMs > 0 {
		deadline = time.Now().Add(time.Duration(wq.cfg.MaxWaitMs) * time.Millisecond)
	}
	backoff := time.Duration(wq.cfg.BackoffMs) * time.Millisecond

	for {
		res, ok, err := wq.engine.Reserve(ctx)
		if err != nil {
			logger.Warn("reservation attempt: engine error", "requestId", p.RequestID, "error", err)
		} else if ok {
			return wq.publish(ctx, p.RequestID, jobResult{OK: true, Reservation: res})
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return wq.publish(ctx, p.RequestID, jobResult{OK: false, TimedOut: true})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (wq *WaitQueue) publish(ctx context.Context, requestID string, result jobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	key := resultKey(requestID)
	if err := wq.redis.RPush(ctx, key, payload).Err(); err != nil {
		return err
	}
	// The mailbox is single-read and short-lived; expire it so a crashed
	// requester doesn't leak keys forever.
	wq.redis.Expire(ctx, key, time.Minute)
	return nil
}
