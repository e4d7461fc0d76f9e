package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enlist/internal/domain"
	"enlist/internal/events"
	"enlist/internal/models"
	"enlist/internal/repository"
)

// fakeAgent scripts the page states an agent observes: the first
// GetState returns states[0], each later call advances through the rest.
type fakeAgent struct {
	mu       sync.Mutex
	handle   string
	url      string
	gate     chan struct{} // optional; GetState blocks until closed
	states   []models.Classification
	stateIdx int
	stateErr error

	activation    models.ActivationResult
	activationErr error

	closed    bool
	getCalls  int
	actCalls  int
	closeOnce sync.Once
}

func (a *fakeAgent) Handle() string { return a.handle }
func (a *fakeAgent) URL() string    { return a.url }

func (a *fakeAgent) GetState(ctx context.Context) (models.Classification, error) {
	if a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getCalls++
	if a.stateErr != nil {
		return models.Classification{}, a.stateErr
	}
	state := a.states[a.stateIdx]
	if a.stateIdx < len(a.states)-1 {
		a.stateIdx++
	}
	return state, nil
}

func (a *fakeAgent) Activate(ctx context.Context) (models.ActivationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actCalls++
	return a.activation, a.activationErr
}

func (a *fakeAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAgent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// fakeFactory hands out pre-scripted agents per URL and tracks the peak
// number of concurrently open ones.
type fakeFactory struct {
	mu      sync.Mutex
	agents  map[string]*fakeAgent
	openErr map[string]error

	open     int
	peakOpen int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{agents: make(map[string]*fakeAgent), openErr: make(map[string]error)}
}

func (f *fakeFactory) script(url string, ag *fakeAgent) {
	ag.url = url
	if ag.handle == "" {
		ag.handle = "agent-" + url
	}
	f.agents[url] = ag
}

func (f *fakeFactory) Open(ctx context.Context, url string) (domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openErr[url]; err != nil {
		return nil, err
	}
	ag, ok := f.agents[url]
	if !ok {
		return nil, fmt.Errorf("no script for %s", url)
	}
	f.open++
	if f.open > f.peakOpen {
		f.peakOpen = f.open
	}
	return &countedAgent{fakeAgent: ag, factory: f}, nil
}

// countedAgent decrements the factory's open counter exactly once.
type countedAgent struct {
	*fakeAgent
	factory *fakeFactory
}

func (c *countedAgent) Close() error {
	c.closeOnce.Do(func() {
		c.factory.mu.Lock()
		c.factory.open--
		c.factory.mu.Unlock()
	})
	return c.fakeAgent.Close()
}

// fakeLedger is an in-memory ledger with a controllable scan result.
type fakeLedger struct {
	mu      sync.Mutex
	gate    chan struct{} // optional; GetScanStatus blocks until closed
	status  *models.ScanStatus
	scanErr error
	added   []models.LedgerRecord
}

func (l *fakeLedger) GetScanStatus(ctx context.Context, email, calendar string) (*models.ScanStatus, error) {
	if l.gate != nil {
		<-l.gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.scanErr != nil {
		return nil, l.scanErr
	}
	if l.status == nil {
		return models.EmptyScanStatus(), nil
	}
	return l.status, nil
}

func (l *fakeLedger) AddRegistration(ctx context.Context, rec *models.LedgerRecord) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, *rec)
	return true, "", nil
}

func (l *fakeLedger) GetAllData(ctx context.Context, calendar string) ([]models.LedgerRecord, error) {
	return nil, nil
}

func (l *fakeLedger) GetCalendars(ctx context.Context) ([]string, error) {
	return nil, nil
}

// recordingBus captures every published event in order.
type recordingBus struct {
	mu     sync.Mutex
	events []busEvent
}

type busEvent struct {
	Type    string
	Payload []byte
}

func (b *recordingBus) PublishJSON(eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.events = append(b.events, busEvent{Type: eventType, Payload: raw})
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) results() []events.RegistrationResultPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.RegistrationResultPayload
	for _, e := range b.events {
		if e.Type != events.EventRegistrationResult {
			continue
		}
		var p events.RegistrationResultPayload
		if json.Unmarshal(e.Payload, &p) == nil {
			out = append(out, p)
		}
	}
	return out
}

func (b *recordingBus) countType(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type recordingAppends struct {
	mu   sync.Mutex
	recs []models.LedgerRecord
}

func (a *recordingAppends) EnqueueAppend(ctx context.Context, runID string, rec models.LedgerRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *recordingAppends) records() []models.LedgerRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.LedgerRecord(nil), a.recs...)
}

type harness struct {
	orch    *Orchestrator
	factory *fakeFactory
	ledger  *fakeLedger
	bus     *recordingBus
	appends *recordingAppends
	cancel  context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	factory := newFakeFactory()
	lg := &fakeLedger{}
	bus := &recordingBus{}
	appends := &recordingAppends{}

	orch := New(Options{
		Identity:  models.Identity{Email: "Me@Example.com", Name: "Operator"},
		Defaults:  models.RunSettings{ConcurrencyLimit: 2, InterTaskDelay: time.Millisecond},
		Agents:    factory,
		Ledger:    lg,
		Snapshots: repository.NewMemorySnapshotStore(),
		Bus:       bus,
		Appends:   appends,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = orch.Run(ctx) }()
	t.Cleanup(cancel)

	return &harness{orch: orch, factory: factory, ledger: lg, bus: bus, appends: appends, cancel: cancel}
}

func seeds(urls ...string) []models.EventSeed {
	out := make([]models.EventSeed, 0, len(urls))
	for i, u := range urls {
		out = append(out, models.EventSeed{URL: u, Title: fmt.Sprintf("Event %d", i+1), Date: "2026-09-01", Selected: true})
	}
	return out
}

func readyThenRegistered() *fakeAgent {
	return &fakeAgent{
		states: []models.Classification{
			{Type: models.PageReadyToRegister, ActionHandle: "register"},
			{Type: models.PageAlreadyRegistered},
		},
		activation: models.ActivationResult{Success: true},
	}
}

func (h *harness) waitMode(t *testing.T, mode string) *models.RunSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := h.orch.Status(context.Background())
		require.NoError(t, err)
		if snap != nil && snap.Mode == mode {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run never reached mode %q", mode)
	return nil
}

func TestRun_AllSucceed(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"https://cal.test/a", "https://cal.test/b", "https://cal.test/c"} {
		h.factory.script(u, readyThenRegistered())
	}

	runID, err := h.orch.StartRun(context.Background(), seeds("https://cal.test/a", "https://cal.test/b", "https://cal.test/c"), models.RunSettings{ConcurrencyLimit: 2})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	snap := h.waitMode(t, models.ModeComplete)
	assert.Equal(t, 3, snap.Counters.Success)
	assert.Equal(t, 0, snap.Counters.Failed)
	assert.Equal(t, 0, snap.Counters.Manual)
	assert.Equal(t, 0, snap.Counters.Pending)
	assert.Equal(t, snap.Counters.Total,
		snap.Counters.Success+snap.Counters.Failed+snap.Counters.Manual+snap.Counters.Pending)

	// Concurrency never exceeded the limit.
	h.factory.mu.Lock()
	peak := h.factory.peakOpen
	h.factory.mu.Unlock()
	assert.LessOrEqual(t, peak, 2)

	// Every success was appended to the ledger under the operator identity.
	recs := h.appends.records()
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, "Me@Example.com", rec.PersonEmail)
	}

	assert.Equal(t, 1, h.bus.countType(events.EventRunComplete))
	assert.Len(t, h.bus.results(), 3)
}

func TestRun_PolicyOutcomes(t *testing.T) {
	h := newHarness(t)
	h.factory.script("https://cal.test/registered", &fakeAgent{
		states: []models.Classification{{Type: models.PageAlreadyRegistered}},
	})
	h.factory.script("https://cal.test/full", &fakeAgent{
		states: []models.Classification{{Type: models.PageEventFull}},
	})
	h.factory.script("https://cal.test/odd", &fakeAgent{
		states: []models.Classification{{Type: models.PageUnknown}},
	})
	h.factory.script("https://cal.test/unconfirmed", &fakeAgent{
		states: []models.Classification{
			{Type: models.PageReadyToRegister, ActionHandle: "register"},
			{Type: models.PageUnknown},
		},
		activation: models.ActivationResult{Success: true},
	})
	h.factory.openErr["https://cal.test/gone"] = errors.New("connection refused")
	h.factory.script("https://cal.test/gone", &fakeAgent{})

	_, err := h.orch.StartRun(context.Background(), seeds(
		"https://cal.test/registered",
		"https://cal.test/full",
		"https://cal.test/odd",
		"https://cal.test/unconfirmed",
		"https://cal.test/gone",
	), models.RunSettings{ConcurrencyLimit: 5})
	require.NoError(t, err)

	snap := h.waitMode(t, models.ModeComplete)
	byURL := make(map[string]models.EventTask)
	for _, task := range snap.Tasks {
		byURL[task.URL] = task
	}

	assert.Equal(t, models.TaskSuccess, byURL["https://cal.test/registered"].Status)
	assert.Equal(t, models.TaskFailed, byURL["https://cal.test/full"].Status)
	assert.Contains(t, byURL["https://cal.test/full"].Message, "full")
	assert.Equal(t, models.TaskManual, byURL["https://cal.test/odd"].Status)
	assert.Equal(t, models.TaskManual, byURL["https://cal.test/unconfirmed"].Status)
	assert.Equal(t, models.TaskFailed, byURL["https://cal.test/gone"].Status)
	assert.Contains(t, byURL["https://cal.test/gone"].Message, "agent lost")
}

func TestRun_LedgerScanSkips(t *testing.T) {
	h := newHarness(t)
	h.ledger.status = &models.ScanStatus{
		MyRegistrations: map[string]struct{}{"https://cal.test/mine": {}},
		SeenEvents: map[string][]models.TeamRegistration{
			"https://cal.test/team": {{Identity: "colleague@example.com"}},
		},
	}
	h.factory.script("https://cal.test/new", readyThenRegistered())

	_, err := h.orch.StartRun(context.Background(),
		seeds("https://cal.test/mine", "https://cal.test/team", "https://cal.test/new"),
		models.RunSettings{SkipTeamRegistered: true})
	require.NoError(t, err)

	snap := h.waitMode(t, models.ModeComplete)
	byURL := make(map[string]models.EventTask)
	for _, task := range snap.Tasks {
		byURL[task.URL] = task
	}

	assert.Equal(t, models.TaskSuccess, byURL["https://cal.test/mine"].Status)
	assert.Contains(t, byURL["https://cal.test/mine"].Message, "ledger")
	assert.Equal(t, models.TaskSuccess, byURL["https://cal.test/team"].Status)
	assert.Contains(t, byURL["https://cal.test/team"].Message, "colleague@example.com")
	assert.Equal(t, models.TaskSuccess, byURL["https://cal.test/new"].Status)

	// Only the registration this identity actually performed is appended.
	// Ledger-mirrored and team-skipped successes record nothing: a row under
	// the operator's email for a registration a colleague made would be a
	// lie in the shared ledger.
	recs := h.appends.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "https://cal.test/new", recs[0].EventURL)
}

func TestPauseDuringScanKeepsLedgerClassification(t *testing.T) {
	h := newHarness(t)
	scanDone := make(chan struct{})
	h.ledger.gate = scanDone
	h.ledger.status = &models.ScanStatus{
		MyRegistrations: map[string]struct{}{"https://cal.test/mine": {}},
	}
	h.factory.script("https://cal.test/new", readyThenRegistered())

	_, err := h.orch.StartRun(context.Background(),
		seeds("https://cal.test/mine", "https://cal.test/new"), models.RunSettings{})
	require.NoError(t, err)

	// Pause lands while the ledger scan is still in flight.
	require.NoError(t, h.orch.Pause(context.Background()))
	close(scanDone)

	// The dedup result still applies: the ledger-held task resolves even
	// though the run is paused, and nothing gets promoted.
	deadline := time.Now().Add(5 * time.Second)
	var snap *models.RunSnapshot
	for time.Now().Before(deadline) {
		snap, err = h.orch.Status(context.Background())
		require.NoError(t, err)
		if snap != nil && snap.Counters.Success == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, snap)
	require.Equal(t, 1, snap.Counters.Success)
	assert.Equal(t, models.ModePaused, snap.Mode)

	byURL := make(map[string]models.EventTask)
	for _, task := range snap.Tasks {
		byURL[task.URL] = task
	}
	assert.Equal(t, models.TaskSuccess, byURL["https://cal.test/mine"].Status)
	assert.Equal(t, "already registered (ledger)", byURL["https://cal.test/mine"].Message)
	assert.True(t, byURL["https://cal.test/mine"].IsRegistered)
	assert.Equal(t, models.TaskPending, byURL["https://cal.test/new"].Status)

	require.NoError(t, h.orch.Resume(context.Background()))
	snap = h.waitMode(t, models.ModeComplete)
	assert.Equal(t, 2, snap.Counters.Success)

	recs := h.appends.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "https://cal.test/new", recs[0].EventURL)
}

func TestRun_LedgerUnavailableDegrades(t *testing.T) {
	h := newHarness(t)
	h.ledger.scanErr = errors.New("ledger down")
	h.factory.script("https://cal.test/a", readyThenRegistered())

	_, err := h.orch.StartRun(context.Background(), seeds("https://cal.test/a"), models.RunSettings{})
	require.NoError(t, err)

	snap := h.waitMode(t, models.ModeComplete)
	assert.Equal(t, 1, snap.Counters.Success)
}

func TestRun_FailedAgentStaysOpen(t *testing.T) {
	h := newHarness(t)
	full := &fakeAgent{states: []models.Classification{{Type: models.PageEventFull}}}
	h.factory.script("https://cal.test/full", full)

	_, err := h.orch.StartRun(context.Background(), seeds("https://cal.test/full"), models.RunSettings{})
	require.NoError(t, err)
	h.waitMode(t, models.ModeComplete)

	assert.False(t, full.isClosed(), "failed task should keep its agent open")

	require.NoError(t, h.orch.Reset(context.Background()))
	assert.True(t, full.isClosed(), "reset should close kept-alive agents")
}

func TestCloseIdleAgents_KeepsUnresolvedAgents(t *testing.T) {
	h := newHarness(t)
	full := &fakeAgent{states: []models.Classification{{Type: models.PageEventFull}}}
	h.factory.script("https://cal.test/full", full)

	_, err := h.orch.StartRun(context.Background(), seeds("https://cal.test/full"), models.RunSettings{})
	require.NoError(t, err)
	h.waitMode(t, models.ModeComplete)

	closed, err := h.orch.CloseIdleAgents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, closed, "failed tasks keep their agents for manual follow-up")
	assert.False(t, full.isClosed())
}

func TestRecheck_TransitionsToSuccess(t *testing.T) {
	h := newHarness(t)
	ag := &fakeAgent{states: []models.Classification{
		{Type: models.PageUnknown},
		{Type: models.PageAlreadyRegistered},
	}}
	h.factory.script("https://cal.test/a", ag)

	_, err := h.orch.StartRun(context.Background(), seeds("https://cal.test/a"), models.RunSettings{})
	require.NoError(t, err)
	snap := h.waitMode(t, models.ModeComplete)
	require.Equal(t, models.TaskManual, snap.Tasks[0].Status)

	n, err := h.orch.RecheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err = h.orch.Status(context.Background())
		require.NoError(t, err)
		if snap.Tasks[0].Status == models.TaskSuccess {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, models.TaskSuccess, snap.Tasks[0].Status)
	assert.Equal(t, "confirmed on re-check", snap.Tasks[0].Message)
	assert.True(t, ag.isClosed(), "confirmed agent should be released")
	assert.Len(t, h.appends.records(), 1)

	// Re-checking again is a no-op: nothing unresolved remains.
	n, err = h.orch.RecheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, h.appends.records(), 1)
}

func TestRecheck_UnconfirmedStaysPut(t *testing.T) {
	h := newHarness(t)
	ag := &fakeAgent{states: []models.Classification{{Type: models.PageUnknown}}}
	h.factory.script("https://cal.test/a", ag)

	_, err := h.orch.StartRun(context.Background(), seeds("https://cal.test/a"), models.RunSettings{})
	require.NoError(t, err)
	h.waitMode(t, models.ModeComplete)

	n, err := h.orch.RecheckAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The page still reads unknown; the task must remain manual.
	time.Sleep(50 * time.Millisecond)
	snap, err := h.orch.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskManual, snap.Tasks[0].Status)
	assert.Empty(t, h.appends.records())
}

func TestMarkRegistered(t *testing.T) {
	h := newHarness(t)
	ag := &fakeAgent{states: []models.Classification{{Type: models.PageEventFull}}}
	h.factory.script("https://cal.test/full", ag)

	_, err := h.orch.StartRun(context.Background(), seeds("https://cal.test/full"), models.RunSettings{})
	require.NoError(t, err)
	snap := h.waitMode(t, models.ModeComplete)
	require.Equal(t, models.TaskFailed, snap.Tasks[0].Status)
	failedResults := len(h.bus.results())

	require.NoError(t, h.orch.MarkRegistered(context.Background(), "https://cal.test/full", ""))

	snap, err = h.orch.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskSuccess, snap.Tasks[0].Status)
	assert.Equal(t, "manually marked as registered", snap.Tasks[0].Message)
	assert.Equal(t, 1, snap.Counters.Success)
	assert.Equal(t, 0, snap.Counters.Failed)
	assert.True(t, ag.isClosed())
	assert.Len(t, h.appends.records(), 1)
	assert.Len(t, h.bus.results(), failedResults+1)

	// Idempotent on an already-successful task.
	require.NoError(t, h.orch.MarkRegistered(context.Background(), "https://cal.test/full", ""))
	assert.Len(t, h.appends.records(), 1)

	assert.ErrorIs(t, h.orch.MarkRegistered(context.Background(), "https://cal.test/nope", ""), ErrUnknownTask)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)

	// Gate the first agent so the run stays busy while we pause.
	release := make(chan struct{})
	slow := readyThenRegistered()
	slow.gate = release
	h.factory.script("https://cal.test/slow", slow)
	h.factory.script("https://cal.test/next", readyThenRegistered())

	_, err := h.orch.StartRun(context.Background(),
		seeds("https://cal.test/slow", "https://cal.test/next"),
		models.RunSettings{ConcurrencyLimit: 1})
	require.NoError(t, err)

	h.waitMode(t, models.ModeRunning)
	require.NoError(t, h.orch.Pause(context.Background()))

	close(release)

	// The active task finishes even though the run is paused, but the
	// second task is never promoted.
	deadline := time.Now().Add(5 * time.Second)
	var snap *models.RunSnapshot
	for time.Now().Before(deadline) {
		snap, err = h.orch.Status(context.Background())
		require.NoError(t, err)
		if snap.Counters.Success == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, snap)
	require.Equal(t, 1, snap.Counters.Success)
	assert.Equal(t, models.ModePaused, snap.Mode)

	byURL := make(map[string]models.EventTask)
	for _, task := range snap.Tasks {
		byURL[task.URL] = task
	}
	assert.Equal(t, models.TaskPending, byURL["https://cal.test/next"].Status)

	require.NoError(t, h.orch.Resume(context.Background()))
	snap = h.waitMode(t, models.ModeComplete)
	assert.Equal(t, 2, snap.Counters.Success)
}

func TestStartWhileRunning(t *testing.T) {
	h := newHarness(t)

	// Gate the agent so the first run demonstrably stays live.
	release := make(chan struct{})
	slow := readyThenRegistered()
	slow.gate = release
	h.factory.script("https://cal.test/a", slow)

	_, err := h.orch.StartRun(context.Background(), seeds("https://cal.test/a"), models.RunSettings{})
	require.NoError(t, err)
	h.waitMode(t, models.ModeRunning)

	_, err = h.orch.StartRun(context.Background(), seeds("https://cal.test/b"), models.RunSettings{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	h.waitMode(t, models.ModeComplete)
}

func TestControlsWithoutRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.ErrorIs(t, h.orch.Pause(ctx), ErrNoRun)
	assert.ErrorIs(t, h.orch.Resume(ctx), ErrNoRun)
	assert.ErrorIs(t, h.orch.Stop(ctx), ErrNoRun)
	assert.ErrorIs(t, h.orch.MarkRegistered(ctx, "https://x", ""), ErrNoRun)
	_, err := h.orch.RecheckAll(ctx)
	assert.ErrorIs(t, err, ErrNoRun)

	snap, err := h.orch.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestStartRejectsEmptySelection(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.StartRun(context.Background(),
		[]models.EventSeed{{URL: "https://cal.test/a", Selected: false}},
		models.RunSettings{})
	assert.Error(t, err)
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	h.factory.script("https://cal.test/a", readyThenRegistered())
	h.factory.script("https://cal.test/b", readyThenRegistered())

	_, err := h.orch.StartRun(context.Background(), seeds("https://cal.test/a", "https://cal.test/b"),
		models.RunSettings{ConcurrencyLimit: 1, InterTaskDelay: time.Hour})
	require.NoError(t, err)

	// With an hour-long cooldown the second task stays pending; stop
	// freezes the run there.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, serr := h.orch.Status(context.Background())
		require.NoError(t, serr)
		if snap != nil && snap.Counters.Success == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, h.orch.Stop(context.Background()))
	snap := h.waitMode(t, models.ModeStopped)
	assert.Equal(t, 1, snap.Counters.Success)
	assert.Equal(t, 1, snap.Counters.Pending)
	require.NotNil(t, snap.FinishedAt)
}
