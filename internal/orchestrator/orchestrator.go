// Package orchestrator is the coordinating core: it turns a list of
// discovered events into a bounded set of concurrent registration
// attempts, tracks each attempt through its lifecycle and reconciles
// outcomes against the shared dedup ledger.
//
// All run state is mutated by a single reaction loop consuming one
// message at a time; agents run concurrently but only report back through
// that loop. No mutation straddles two messages.
package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"enlist/internal/domain"
	"enlist/internal/events"
	"enlist/internal/metrics"
	"enlist/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrRunInProgress is returned when a start arrives while a run is live.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrNoRun is returned for controls without a current run.
	ErrNoRun = errors.New("no run in progress")
	// ErrUnknownTask is returned when a control names a URL outside the run.
	ErrUnknownTask = errors.New("unknown task url")
	// ErrNotRunning is returned when the reaction loop is not serving.
	ErrNotRunning = errors.New("orchestrator is not running")
	// ErrBadTransition is returned for control requests the state machine forbids.
	ErrBadTransition = errors.New("operation not valid for current state")
)

// Options wires the orchestrator's collaborators and run defaults.
type Options struct {
	Identity  models.Identity
	Defaults  models.RunSettings
	Agents    domain.AgentFactory
	Ledger    domain.LedgerClient
	Snapshots domain.SnapshotStore
	Bus       domain.EventPublisher
	Appends   domain.AppendQueue // optional; nil disables ledger appends
	Logger    *zerolog.Logger
}

// Orchestrator owns one run at a time. Public methods are safe for
// concurrent use; they post onto the reaction loop and wait.
type Orchestrator struct {
	identity models.Identity
	defaults models.RunSettings

	agents    domain.AgentFactory
	ledger    domain.LedgerClient
	snapshots domain.SnapshotStore
	bus       domain.EventPublisher
	appends   domain.AppendQueue
	logger    zerolog.Logger

	// inbox is the single event queue of the reaction loop: operator
	// commands, agent results and timer fires all arrive here.
	inbox chan func()

	run        *models.RunState
	openAgents map[string]domain.Agent
	inflight   map[string]struct{}

	rand *rand.Rand

	loopCtx  context.Context
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	opts.Defaults.Normalize()
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "orchestrator").Logger()
	}
	return &Orchestrator{
		identity:   opts.Identity,
		defaults:   opts.Defaults,
		agents:     opts.Agents,
		ledger:     opts.Ledger,
		snapshots:  opts.Snapshots,
		bus:        opts.Bus,
		appends:    opts.Appends,
		logger:     logger,
		inbox:      make(chan func(), 256),
		openAgents: make(map[string]domain.Agent),
		inflight:   make(map[string]struct{}),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stopped:    make(chan struct{}),
	}
}

// Run drives the reaction loop until ctx is done. It must be running for
// any public method to make progress.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.loopCtx = ctx
	defer o.shutdown()

	o.logger.Info().Msg("reaction loop started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("reaction loop stopping")
			return ctx.Err()
		case fn := <-o.inbox:
			fn()
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.stopOnce.Do(func() { close(o.stopped) })
	o.wg.Wait()
	// Process exit tears down every browsing context, including the
	// kept-alive failed/manual ones.
	for url, ag := range o.openAgents {
		if err := ag.Close(); err != nil {
			o.logger.Warn().Err(err).Str("url", url).Msg("close agent")
		}
		delete(o.openAgents, url)
	}
	metrics.SetActiveAgents(0)
}

// post schedules fn on the reaction loop and waits for it to run.
func (o *Orchestrator) post(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case o.inbox <- wrapped:
	case <-o.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-o.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync schedules fn without waiting; used by agent goroutines and
// timers reporting back into the loop.
func (o *Orchestrator) postAsync(fn func()) {
	select {
	case o.inbox <- fn:
	case <-o.stopped:
	}
}

// StartRun begins a new run over the selected seeds. It returns as soon
// as the run is created; ledger scanning and execution proceed inside the
// loop.
func (o *Orchestrator) StartRun(ctx context.Context, seeds []models.EventSeed, settings models.RunSettings) (string, error) {
	if settings.ConcurrencyLimit == 0 {
		settings.ConcurrencyLimit = o.defaults.ConcurrencyLimit
	}
	if settings.InterTaskDelay == 0 {
		settings.InterTaskDelay = o.defaults.InterTaskDelay
	}
	if settings.Calendar == "" {
		settings.Calendar = o.defaults.Calendar
	}
	settings.Normalize()

	var runID string
	var startErr error
	err := o.post(ctx, func() {
		runID, startErr = o.handleStart(seeds, settings)
	})
	if err != nil {
		return "", err
	}
	return runID, startErr
}

// Pause stops promoting pending tasks; active tasks run to completion.
func (o *Orchestrator) Pause(ctx context.Context) error {
	return o.control(ctx, func() error { return o.handlePause() })
}

// Resume restarts promotion under the same concurrency limit.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.control(ctx, func() error { return o.handleResume() })
}

// Stop cancels all pending promotions and marks the run stopped. In-flight
// agent actions finish and their results are still recorded.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.control(ctx, func() error { return o.handleStop() })
}

// Reset discards the current run entirely, closing its agents.
func (o *Orchestrator) Reset(ctx context.Context) error {
	return o.control(ctx, func() error { return o.handleReset() })
}

// RecheckAll schedules a re-inspection of every failed and manual task
// that still has an open agent. Returns how many were scheduled.
func (o *Orchestrator) RecheckAll(ctx context.Context) (int, error) {
	var n int
	var cerr error
	err := o.post(ctx, func() { n, cerr = o.handleRecheckAll() })
	if err != nil {
		return 0, err
	}
	return n, cerr
}

// RecheckOne schedules a re-inspection of a single task.
func (o *Orchestrator) RecheckOne(ctx context.Context, url, agentHandle string) error {
	return o.control(ctx, func() error { return o.handleRecheckOne(url, agentHandle) })
}

// MarkRegistered force-transitions a failed or manual task to success
// without re-inspecting the page. The override is recorded in the
// outcome message and the ledger.
func (o *Orchestrator) MarkRegistered(ctx context.Context, url, agentHandle string) error {
	return o.control(ctx, func() error { return o.handleMarkRegistered(url, agentHandle) })
}

// Status returns an immutable snapshot of the current run, or nil when idle.
func (o *Orchestrator) Status(ctx context.Context) (*models.RunSnapshot, error) {
	var snap *models.RunSnapshot
	err := o.post(ctx, func() {
		if o.run != nil {
			snap = o.run.Snapshot()
		}
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (o *Orchestrator) control(ctx context.Context, fn func() error) error {
	var cerr error
	if err := o.post(ctx, func() { cerr = fn() }); err != nil {
		return err
	}
	return cerr
}

// liveRun reports whether the current run still owns the pipeline.
func (o *Orchestrator) liveRun() bool {
	if o.run == nil {
		return false
	}
	switch o.run.Mode {
	case models.ModeScanning, models.ModeRunning, models.ModePaused:
		return true
	}
	// A stopped run with agents still in flight keeps ownership until
	// their results land.
	return o.run.ActiveCount() > 0
}

func (o *Orchestrator) publishEvent(eventType string, payload interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.PublishJSON(eventType, payload); err != nil {
		o.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}

// persistAndBroadcast snapshots the run, then emits a status update.
// Broadcast strictly follows the durable write so a sink reading the
// snapshot never sees a status without its side effects initiated.
func (o *Orchestrator) persistAndBroadcast() {
	if o.run == nil {
		return
	}
	snap := o.run.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.snapshots != nil {
		if err := o.snapshots.SaveSnapshot(ctx, snap); err != nil {
			o.logger.Error().Err(err).Str("run_id", snap.RunID).Msg("persist snapshot")
		}
	}
	o.publishEvent(events.EventStatusUpdate, events.NewStatusUpdate(snap.RunID, snap.Mode, snap.Counters))
}

func (o *Orchestrator) newRunID() string {
	return uuid.NewString()
}
