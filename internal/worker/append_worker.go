package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"enlist/internal/database"
	"enlist/internal/domain"
	"enlist/internal/ledger"
	"enlist/internal/metrics"
	"enlist/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AppendWorker drains the ledger append backlog. Appends are best-effort:
// the orchestrator enqueues a confirmed success and moves on; this worker
// retries with backoff and dead-letters what it cannot deliver. A
// duplicate rejection counts as delivered, the ledger already has the
// (event, person) pair.
type AppendWorker struct {
	db            *database.DB
	ledger        domain.LedgerClient
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.AppendTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

// NewAppendWorker builds a worker with sane defaults.
func NewAppendWorker(db *database.DB, ledgerClient domain.LedgerClient, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *AppendWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 1 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &AppendWorker{
		db:            db,
		ledger:        ledgerClient,
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan models.AppendTask, models.AppendQueueSize),
		redisQueueKey: "ledger:append_queue",
		deadLetterKey: "ledger:deadletter",
		pollInterval:  2 * time.Second,
		batchSize:     20,
		logger:        logger,
	}
}

// EnqueueAppend persists the record to the DB backlog and schedules it via
// redis or the in-memory queue.
func (w *AppendWorker) EnqueueAppend(ctx context.Context, runID string, rec models.LedgerRecord) error {
	if rec.EventURL == "" {
		return errors.New("event url is required")
	}
	if rec.PersonEmail == "" {
		return errors.New("person email is required")
	}

	payloadBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	appendTask := models.AppendTask{
		RunID:     runID,
		EventURL:  rec.EventURL,
		Payload:   string(payloadBytes),
		Status:    "pending",
		CreatedAt: time.Now(),
	}

	if err := w.db.CreateAppendTask(ctx, &appendTask); err != nil {
		return fmt.Errorf("persist append task: %w", err)
	}

	// Try redis first for durability.
	if w.redis != nil {
		if err := w.pushRedis(ctx, appendTask); err != nil {
			w.logger.Warn().Err(err).Msg("append_worker: redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	// Fallback to in-memory queue if redis missing or failed.
	select {
	case w.queue <- appendTask:
	default:
		w.logger.Warn().Int64("task_id", appendTask.ID).Msg("append_worker: in-memory queue full, task left to polling")
	}

	return nil
}

// Start launches the main loop; stops when ctx is done.
func (w *AppendWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("append_worker: started")
	defer w.logger.Info().Msg("append_worker: stopped")

	if n, err := w.db.RequeueStaleAppendTasks(ctx); err != nil {
		w.logger.Error().Err(err).Msg("append_worker: requeue stale tasks")
	} else if n > 0 {
		w.logger.Warn().Int64("count", n).Msg("append_worker: requeued tasks left mid-delivery")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		tasks, err := w.db.GetPendingAppendTasks(ctx, w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("append_worker: fetch pending")
			time.Sleep(w.pollInterval)
			continue
		}
		if len(tasks) == 0 {
			time.Sleep(w.pollInterval)
			continue
		}

		for i := range tasks {
			w.processTask(ctx, &tasks[i])
		}
	}
}

func (w *AppendWorker) tryLocalQueue() (models.AppendTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.AppendTask{}, false
	}
}

func (w *AppendWorker) tryRedis(ctx context.Context) (models.AppendTask, bool) {
	if w.redis == nil {
		return models.AppendTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.Nil) {
			return models.AppendTask{}, false
		}
		w.logger.Error().Err(err).Msg("append_worker: redis BRPOP error")
		return models.AppendTask{}, false
	}
	if len(res) != 2 {
		return models.AppendTask{}, false
	}
	var task models.AppendTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("append_worker: decode redis task")
		return models.AppendTask{}, false
	}
	return task, true
}

func (w *AppendWorker) processTask(ctx context.Context, task *models.AppendTask) {
	// A task reaches here twice: once via the queue it was pushed onto and
	// once via the DB poll of its backing row. Claiming the row decides who
	// delivers.
	claimed, err := w.db.ClaimAppendTask(ctx, task.ID)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("append_worker: claim task")
		return
	}
	if !claimed {
		return
	}

	var rec models.LedgerRecord
	if err := json.Unmarshal([]byte(task.Payload), &rec); err != nil {
		w.failTask(ctx, task, fmt.Errorf("decode payload: %w", err))
		return
	}

	added, reason, err := w.ledger.AddRegistration(ctx, &rec)
	if err != nil {
		metrics.IncLedgerAppend("error")
		w.retryOrFail(ctx, task, err)
		return
	}

	switch {
	case added:
		metrics.IncLedgerAppend("added")
	case reason == ledger.ReasonDuplicate:
		// Someone (possibly us, on a previous attempt) already recorded it.
		metrics.IncLedgerAppend("duplicate")
		w.logger.Debug().Str("event_url", rec.EventURL).Msg("append_worker: duplicate suppressed by ledger")
	default:
		metrics.IncLedgerAppend("rejected")
		w.logger.Warn().Str("event_url", rec.EventURL).Str("reason", reason).Msg("append_worker: append rejected")
	}

	if err := w.db.UpdateAppendTaskStatus(ctx, task.ID, "completed", "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("append_worker: mark completed")
	}
}

func (w *AppendWorker) retryOrFail(ctx context.Context, task *models.AppendTask, cause error) {
	attempt := task.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		if err := w.db.UpdateAppendTaskStatus(ctx, task.ID, "failed", cause.Error(), nil); err != nil {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("append_worker: mark failed")
		}
		w.pushDeadLetter(ctx, task)
		return
	}

	nextDelay := w.retryPolicy.NextDelay(attempt)
	nextTime := time.Now().Add(nextDelay)
	if err := w.db.UpdateAppendTaskStatus(ctx, task.ID, "retry", cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("append_worker: mark retry")
	}
}

func (w *AppendWorker) failTask(ctx context.Context, task *models.AppendTask, err error) {
	if uerr := w.db.UpdateAppendTaskStatus(ctx, task.ID, "failed", err.Error(), nil); uerr != nil {
		w.logger.Error().Err(uerr).Int64("task_id", task.ID).Msg("append_worker: mark failed")
	}
	w.pushDeadLetter(ctx, task)
}

func (w *AppendWorker) pushRedis(ctx context.Context, task models.AppendTask) error {
	if w.redis == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *AppendWorker) pushDeadLetter(ctx context.Context, task *models.AppendTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("append_worker: encode deadletter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("append_worker: deadletter push")
	}
}
