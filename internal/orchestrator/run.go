package orchestrator

import (
	"context"
	"fmt"
	"time"

	"enlist/internal/domain"
	"enlist/internal/events"
	"enlist/internal/metrics"
	"enlist/internal/models"
)

// Outcome messages surfaced to operators.
const (
	msgAlreadyRegistered = "already registered"
	msgLedgerRegistered  = "already registered (ledger)"
	msgEventFull         = "event full / waitlist"
	msgConfirmed         = "registration confirmed"
	msgUnconfirmed       = "submitted but unconfirmed, verify manually"
	msgNotEventPage      = "page does not look like an event"
	msgAmbiguous         = "page state not recognized"
	msgRecheckConfirmed  = "confirmed on re-check"
	msgManualOverride    = "manually marked as registered"
)

func (o *Orchestrator) handleStart(seeds []models.EventSeed, settings models.RunSettings) (string, error) {
	if o.liveRun() {
		return "", ErrRunInProgress
	}

	run := models.NewRunState(o.newRunID(), seeds, settings)
	if len(run.Tasks) == 0 {
		return "", fmt.Errorf("no selected events to register")
	}
	run.Mode = models.ModeScanning
	o.run = run

	o.logger.Info().
		Str("run_id", run.ID).
		Int("tasks", len(run.Tasks)).
		Int("concurrency", settings.ConcurrencyLimit).
		Msg("run started")

	o.persistAndBroadcast()

	// Ledger scan happens off-loop; the loop keeps serving controls.
	o.wg.Add(1)
	go o.scanLedger(run.ID, settings.Calendar)

	return run.ID, nil
}

// scanLedger fetches the dedup sets and reports back into the loop.
// Ledger unavailability degrades to "no prior data", never blocks the run.
func (o *Orchestrator) scanLedger(runID, calendar string) {
	defer o.wg.Done()

	status := models.EmptyScanStatus()
	if o.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		fetched, err := o.ledger.GetScanStatus(ctx, o.identity.Email, calendar)
		cancel()
		if err != nil {
			o.logger.Warn().Err(err).Msg("ledger scan failed, dedup disabled for this run")
		} else {
			status = fetched
		}
	}

	o.postAsync(func() { o.applyScan(runID, status) })
}

// applyScan folds the dedup classification into the run. The result lands
// even when the operator paused or stopped mid-scan: classification is
// durable state, only promotion respects the mode.
func (o *Orchestrator) applyScan(runID string, status *models.ScanStatus) {
	if o.run == nil || o.run.ID != runID {
		return
	}

	now := time.Now()
	var resolved []*models.EventTask
	for _, task := range o.run.Tasks {
		if task.Status != models.TaskPending {
			continue
		}
		status.Classify(task)

		switch {
		case task.IsRegistered:
			// Current identity already holds this registration; nothing to do.
			task.Status = models.TaskSuccess
			task.Message = msgLedgerRegistered
			task.CompletedAt = &now
			metrics.IncTaskOutcome(task.Status)
			resolved = append(resolved, task)
		case len(task.TeamRegistered) > 0 && o.run.Settings.SkipTeamRegistered:
			task.Status = models.TaskSuccess
			task.Message = fmt.Sprintf("already handled by team (%s)", task.TeamRegistered[0].Identity)
			task.CompletedAt = &now
			metrics.IncTaskOutcome(task.Status)
			resolved = append(resolved, task)
		}
	}

	if o.run.Mode == models.ModeScanning {
		o.run.Mode = models.ModeRunning
	}
	o.persistAndBroadcast()
	for _, task := range resolved {
		o.broadcastResult(task)
	}

	o.fillSlots()
	o.maybeComplete()
}

// fillSlots promotes pending tasks until the concurrency limit is reached.
// Initial fill and resume are immediate; completion-triggered promotions
// go through the cooldown timer instead.
func (o *Orchestrator) fillSlots() {
	if o.run == nil || o.run.Mode != models.ModeRunning {
		return
	}
	for o.run.ActiveCount() < o.run.Settings.ConcurrencyLimit {
		task := o.run.NextPending()
		if task == nil {
			return
		}
		o.promote(task)
	}
}

// promote moves one pending task to active and hands it to an agent.
func (o *Orchestrator) promote(task *models.EventTask) {
	task.Status = models.TaskActive
	o.inflight[task.URL] = struct{}{}
	o.persistAndBroadcast()

	runID := o.run.ID
	o.wg.Add(1)
	go o.executeTask(runID, task.URL)
}

// taskResult is what an agent goroutine reports back to the loop.
type taskResult struct {
	runID       string
	url         string
	status      string
	message     string
	agentHandle string
	agent       domain.Agent
}

// executeTask drives one registration attempt end to end. It runs off the
// loop; every outcome, including panic-free errors, lands back in the
// loop as a taskResult.
func (o *Orchestrator) executeTask(runID, url string) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res := taskResult{runID: runID, url: url}

	ag, err := o.agents.Open(ctx, url)
	if err != nil {
		res.status = models.TaskFailed
		res.message = fmt.Sprintf("agent lost: %v", err)
		o.postAsync(func() { o.applyResult(res) })
		return
	}
	res.agent = ag
	res.agentHandle = ag.Handle()

	state, err := ag.GetState(ctx)
	if err != nil {
		res.status = models.TaskFailed
		res.message = fmt.Sprintf("agent lost: %v", err)
		o.postAsync(func() { o.applyResult(res) })
		return
	}

	res.status, res.message = o.drive(ctx, ag, state)
	o.postAsync(func() { o.applyResult(res) })
}

// drive applies the classification policy table.
func (o *Orchestrator) drive(ctx context.Context, ag domain.Agent, state models.Classification) (string, string) {
	switch state.Type {
	case models.PageAlreadyRegistered:
		return models.TaskSuccess, msgAlreadyRegistered
	case models.PageEventFull:
		return models.TaskFailed, msgEventFull
	case models.PageNotEventPage:
		return models.TaskManual, msgNotEventPage
	case models.PageUnknown:
		// Ambiguity is expected, not exceptional: hand it to a human.
		return models.TaskManual, msgAmbiguous
	case models.PageReadyToRegister:
	default:
		return models.TaskManual, msgAmbiguous
	}

	activation, err := ag.Activate(ctx)
	if err != nil {
		return models.TaskFailed, fmt.Sprintf("agent lost: %v", err)
	}
	if !activation.Success {
		reason := activation.Reason
		if reason == "" {
			reason = models.PageUnknown
		}
		return models.TaskFailed, fmt.Sprintf("registration control rejected (%s)", reason)
	}

	// Re-inspect to confirm the submission actually landed.
	confirm, err := ag.GetState(ctx)
	if err != nil {
		return models.TaskManual, msgUnconfirmed
	}
	if confirm.Type == models.PageAlreadyRegistered {
		return models.TaskSuccess, msgConfirmed
	}
	return models.TaskManual, msgUnconfirmed
}

// applyResult folds an agent outcome into the run. Results for stopped
// runs are still recorded: aborting mid-action could leave a registration
// half-submitted with no observable record.
func (o *Orchestrator) applyResult(res taskResult) {
	delete(o.inflight, res.url)

	if o.run == nil || o.run.ID != res.runID {
		if res.agent != nil {
			_ = res.agent.Close()
		}
		return
	}

	task := o.run.Task(res.url)
	if task == nil || task.Status != models.TaskActive {
		if res.agent != nil {
			_ = res.agent.Close()
		}
		return
	}

	now := time.Now()
	task.Status = res.status
	task.Message = res.message
	task.AgentHandle = res.agentHandle
	task.CompletedAt = &now
	metrics.IncTaskOutcome(task.Status)

	if res.agent != nil {
		if task.Status == models.TaskSuccess {
			// Done with the page; the context has no further value.
			_ = res.agent.Close()
		} else {
			// Failed and manual agents stay open for operator follow-up.
			o.openAgents[res.url] = res.agent
		}
	}
	metrics.SetActiveAgents(len(o.openAgents) + o.run.ActiveCount())

	if task.Status == models.TaskSuccess {
		o.enqueueLedgerAppend(task)
	}

	o.logger.Info().
		Str("url", task.URL).
		Str("status", task.Status).
		Str("message", task.Message).
		Msg("task finished")

	o.persistAndBroadcast()
	o.broadcastResult(task)

	if o.run.Mode == models.ModeRunning && o.run.NextPending() != nil {
		o.schedulePromotion()
	}
	o.maybeComplete()
}

// schedulePromotion arms the inter-task cooldown; the actual promotion
// happens back on the loop and re-checks mode and limit first.
func (o *Orchestrator) schedulePromotion() {
	delay := o.run.Settings.InterTaskDelay
	if o.run.Settings.Jitter && delay > 0 {
		delay += time.Duration(o.rand.Int63n(int64(delay)/2 + 1))
	}
	runID := o.run.ID
	time.AfterFunc(delay, func() {
		o.postAsync(func() { o.promoteAfterCooldown(runID) })
	})
}

func (o *Orchestrator) promoteAfterCooldown(runID string) {
	if o.run == nil || o.run.ID != runID || o.run.Mode != models.ModeRunning {
		return
	}
	if o.run.ActiveCount() >= o.run.Settings.ConcurrencyLimit {
		return
	}
	task := o.run.NextPending()
	if task == nil {
		return
	}
	o.promote(task)
}

// maybeComplete finalizes the run once nothing can progress automatically.
func (o *Orchestrator) maybeComplete() {
	if o.run == nil || !o.run.Done() {
		return
	}
	switch o.run.Mode {
	case models.ModeComplete, models.ModeStopped, models.ModeIdle:
		return
	}

	now := time.Now()
	o.run.Mode = models.ModeComplete
	o.run.FinishedAt = &now
	o.logger.Info().Str("run_id", o.run.ID).Msg("run complete")

	o.persistAndBroadcast()
	o.publishEvent(events.EventRunComplete, events.RunCompletePayload{
		RunID:    o.run.ID,
		Mode:     o.run.Mode,
		Counters: o.run.Counters(),
	})
}

func (o *Orchestrator) broadcastResult(task *models.EventTask) {
	ts := time.Now()
	if task.CompletedAt != nil {
		ts = *task.CompletedAt
	}
	o.publishEvent(events.EventRegistrationResult, events.RegistrationResultPayload{
		RunID:       o.run.ID,
		Title:       task.Title,
		URL:         task.URL,
		Status:      task.Status,
		Message:     task.Message,
		Timestamp:   ts,
		AgentHandle: task.AgentHandle,
	})
}

// enqueueLedgerAppend records a confirmed success, best-effort. Successes
// that only mirror an existing ledger row are not re-appended.
func (o *Orchestrator) enqueueLedgerAppend(task *models.EventTask) {
	if o.appends == nil || task.IsRegistered {
		return
	}
	rec := models.LedgerRecord{
		EventURL:     task.URL,
		Title:        task.Title,
		EventDate:    task.Date,
		PersonEmail:  o.identity.Email,
		PersonName:   o.identity.Name,
		Calendar:     o.run.Settings.Calendar,
		RegisteredAt: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.appends.EnqueueAppend(ctx, o.run.ID, rec); err != nil {
		o.logger.Warn().Err(err).Str("url", task.URL).Msg("enqueue ledger append")
	}
}
