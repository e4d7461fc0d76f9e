package orchestrator

import (
	"context"
	"time"

	"enlist/internal/metrics"
	"enlist/internal/models"
)

func (o *Orchestrator) handlePause() error {
	if o.run == nil {
		return ErrNoRun
	}
	if o.run.Mode != models.ModeRunning && o.run.Mode != models.ModeScanning {
		return ErrBadTransition
	}
	o.run.Mode = models.ModePaused
	o.logger.Info().Str("run_id", o.run.ID).Msg("run paused")
	o.persistAndBroadcast()
	return nil
}

func (o *Orchestrator) handleResume() error {
	if o.run == nil {
		return ErrNoRun
	}
	if o.run.Mode != models.ModePaused {
		return ErrBadTransition
	}
	o.run.Mode = models.ModeRunning
	o.logger.Info().Str("run_id", o.run.ID).Msg("run resumed")
	o.persistAndBroadcast()
	o.fillSlots()
	o.maybeComplete()
	return nil
}

// handleStop is pause plus marking the run stopped for reporting. Open
// failed/manual agents stay available for manual follow-up.
func (o *Orchestrator) handleStop() error {
	if o.run == nil {
		return ErrNoRun
	}
	switch o.run.Mode {
	case models.ModeStopped, models.ModeComplete:
		return nil
	}

	now := time.Now()
	o.run.Mode = models.ModeStopped
	o.run.FinishedAt = &now
	o.logger.Info().
		Str("run_id", o.run.ID).
		Int("in_flight", o.run.ActiveCount()).
		Msg("run stopped; in-flight tasks will still be recorded")
	o.persistAndBroadcast()
	return nil
}

// handleReset discards the run and its kept-alive agents. Only valid once
// the run left the automatic pipeline.
func (o *Orchestrator) handleReset() error {
	if o.run == nil {
		return nil
	}
	if o.liveRun() {
		return ErrRunInProgress
	}

	runID := o.run.ID
	for url, ag := range o.openAgents {
		if err := ag.Close(); err != nil {
			o.logger.Warn().Err(err).Str("url", url).Msg("close agent on reset")
		}
		delete(o.openAgents, url)
	}
	o.run = nil

	if o.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.snapshots.ClearSnapshot(ctx, runID); err != nil {
			o.logger.Warn().Err(err).Str("run_id", runID).Msg("clear snapshot on reset")
		}
	}
	o.logger.Info().Str("run_id", runID).Msg("run reset")
	return nil
}

func (o *Orchestrator) handleRecheckAll() (int, error) {
	if o.run == nil {
		return 0, ErrNoRun
	}
	scheduled := 0
	for _, task := range o.run.Tasks {
		if task.Status != models.TaskFailed && task.Status != models.TaskManual {
			continue
		}
		if o.startRecheck(task) {
			scheduled++
		}
	}
	o.logger.Info().Int("scheduled", scheduled).Msg("re-check scheduled for unresolved tasks")
	return scheduled, nil
}

func (o *Orchestrator) handleRecheckOne(url, agentHandle string) error {
	if o.run == nil {
		return ErrNoRun
	}
	task := o.run.Task(url)
	if task == nil {
		return ErrUnknownTask
	}
	if agentHandle != "" && task.AgentHandle != agentHandle {
		return ErrUnknownTask
	}
	if task.Status == models.TaskSuccess {
		// Idempotent: re-checking a success is a no-op.
		return nil
	}
	if task.Status != models.TaskFailed && task.Status != models.TaskManual {
		return ErrBadTransition
	}
	if !o.startRecheck(task) {
		return ErrBadTransition
	}
	return nil
}

// startRecheck spawns a re-inspection against the task's kept-alive agent.
func (o *Orchestrator) startRecheck(task *models.EventTask) bool {
	ag, ok := o.openAgents[task.URL]
	if !ok {
		return false
	}
	if _, busy := o.inflight[task.URL]; busy {
		return false
	}
	o.inflight[task.URL] = struct{}{}

	runID := o.run.ID
	url := task.URL
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		state, err := ag.GetState(ctx)
		o.postAsync(func() { o.applyRecheck(runID, url, state, err) })
	}()
	return true
}

// applyRecheck is the only backward-looking transition: failed/manual to
// success, and only when the page now confirms the registration.
func (o *Orchestrator) applyRecheck(runID, url string, state models.Classification, err error) {
	delete(o.inflight, url)

	if o.run == nil || o.run.ID != runID {
		return
	}
	task := o.run.Task(url)
	if task == nil || task.Status == models.TaskSuccess {
		return
	}

	if err != nil {
		o.logger.Warn().Err(err).Str("url", url).Msg("re-check failed")
		return
	}

	if state.Type != models.PageAlreadyRegistered {
		o.logger.Info().Str("url", url).Str("state", state.Type).Msg("re-check: no confirmation")
		return
	}

	o.resolveToSuccess(task, msgRecheckConfirmed)
}

func (o *Orchestrator) handleMarkRegistered(url, agentHandle string) error {
	if o.run == nil {
		return ErrNoRun
	}
	task := o.run.Task(url)
	if task == nil {
		return ErrUnknownTask
	}
	if agentHandle != "" && task.AgentHandle != agentHandle {
		return ErrUnknownTask
	}
	if task.Status == models.TaskSuccess {
		return nil
	}
	if task.Status != models.TaskFailed && task.Status != models.TaskManual {
		return ErrBadTransition
	}

	o.resolveToSuccess(task, msgManualOverride)
	return nil
}

// resolveToSuccess finishes a previously failed/manual task: status,
// agent teardown, ledger append, persistence and broadcast.
func (o *Orchestrator) resolveToSuccess(task *models.EventTask, message string) {
	now := time.Now()
	task.Status = models.TaskSuccess
	task.Message = message
	task.CompletedAt = &now
	metrics.IncTaskOutcome(task.Status)

	if ag, ok := o.openAgents[task.URL]; ok {
		_ = ag.Close()
		delete(o.openAgents, task.URL)
	}
	metrics.SetActiveAgents(len(o.openAgents) + o.run.ActiveCount())

	o.enqueueLedgerAppend(task)
	o.persistAndBroadcast()
	o.broadcastResult(task)
}

// CloseIdleAgents tears down kept-alive agents whose tasks have since
// resolved. Failed/manual agents are never closed here.
func (o *Orchestrator) CloseIdleAgents(ctx context.Context) (int, error) {
	var closed int
	err := o.post(ctx, func() {
		if o.run == nil {
			return
		}
		for url, ag := range o.openAgents {
			task := o.run.Task(url)
			if task == nil || task.Status == models.TaskSuccess {
				_ = ag.Close()
				delete(o.openAgents, url)
				closed++
			}
		}
		metrics.SetActiveAgents(len(o.openAgents) + o.run.ActiveCount())
	})
	if err != nil {
		return 0, err
	}
	return closed, nil
}
