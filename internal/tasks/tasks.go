package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"papertrade/internal/config"
	"papertrade/internal/logger"
	"papertrade/internal/trading"
)

// Task types
const (
	TypeSweepPending = "orders:sweep_pending"
)

// Queues
const (
	QueueDefault  = "default"
	QueueCritical = "critical"
)

// Sources of a sweep request.
const (
	SourceScheduler = "scheduler"
	SourceStartup   = "startup"
	SourceAPI       = "api"
)

const (
	sweepTimeout   = 2 * time.Minute
	sweepUniqueFor = time.Minute
)

// Payload for orders:sweep_pending. asynq derives the uniqueness key from
// the payload bytes, so it carries nothing that varies between requests.
type SweepPayload struct {
	Source string `json:"source"`
}

// NewSweepTask builds a pending order sweep task. Sweeps are not retried;
// the next scheduled run picks up whatever is still PENDING.
func NewSweepTask(source string) (*asynq.Task, error) {
	data, err := json.Marshal(SweepPayload{Source: source})
	if err != nil {
		return nil, fmt.Errorf("marshal sweep payload: %w", err)
	}
	return asynq.NewTask(TypeSweepPending, data,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(0),
		asynq.Timeout(sweepTimeout),
	), nil
}

// RedisOpt converts the redis settings to an asynq connection option.
func RedisOpt(c config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	}
}

// Sweeper runs one pass over the pending order queue.
type Sweeper interface {
	RunPendingSweep(ctx context.Context) (trading.SweepResult, error)
}

// SweepHandler consumes orders:sweep_pending tasks.
type SweepHandler struct {
	sweeper Sweeper
}

func NewSweepHandler(s Sweeper) *SweepHandler {
	return &SweepHandler{sweeper: s}
}

// ProcessTask implements asynq.Handler.
func (h *SweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	taskID, _ := asynq.GetTaskID(ctx)
	queue, _ := asynq.GetQueueName(ctx)
	log := logger.WithJob(taskID, queue, payload.Source)

	start := time.Now()
	res, err := h.sweeper.RunPendingSweep(ctx)
	if err != nil {
		log.Error("pending sweep failed", zap.Error(err), zap.Int("processed", res.Processed))
		return err
	}

	log.Info("job processed",
		zap.String("sweep_id", res.RunID),
		zap.Int("processed", res.Processed),
		zap.Int("executed", res.Executed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// TaskEnqueuer is the part of *asynq.Client the Enqueuer uses.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer submits sweep tasks. Requests from the same source within a
// minute of each other collapse into one task.
type Enqueuer struct {
	client TaskEnqueuer
}

func NewEnqueuer(client TaskEnqueuer) *Enqueuer {
	return &Enqueuer{client: client}
}

// EnqueueSweep queues a sweep. It reports false when an identical task is
// already waiting.
func (e *Enqueuer) EnqueueSweep(ctx context.Context, source string) (bool, error) {
	task, err := NewSweepTask(source)
	if err != nil {
		return false, err
	}
	info, err := e.client.EnqueueContext(ctx, task, asynq.Unique(sweepUniqueFor))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		logger.L().Debug("sweep already queued", zap.String("source", source))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue sweep: %w", err)
	}
	logger.L().Info("sweep enqueued", zap.String("task_id", info.ID), zap.String("queue", info.Queue), zap.String("source", source))
	return true, nil
}

// RegisterSweepSchedule adds the periodic sweep to s.
func RegisterSweepSchedule(s *asynq.Scheduler, cronspec string) (string, error) {
	task, err := NewSweepTask(SourceScheduler)
	if err != nil {
		return "", err
	}
	id, err := s.Register(cronspec, task)
	if err != nil {
		return "", fmt.Errorf("register sweep schedule %q: %w", cronspec, err)
	}
	return id, nil
}
