// ABOUTME: Tests for session lifecycle, schedule triggers, mention delivery and config reload
// ABOUTME: Uses in-memory workers, a fake protocol dialer and the mock store

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/mcp"
	"github.com/2389/coven-fleet/internal/orgchat"
	"github.com/2389/coven-fleet/internal/schedule"
	"github.com/2389/coven-fleet/internal/store"
)

type received struct {
	content string
	src     agent.Source
}

type fakeWorker struct {
	mu         sync.Mutex
	cfg        config.SessionConfig
	protocols  *mcp.Manager
	messages   []received
	notes      []string
	restored   []byte
	updates    []config.SessionConfig
	processing bool
	cancel     context.CancelFunc
	block      chan struct{}
	closed     bool
}

func (w *fakeWorker) ProcessMessage(ctx context.Context, content string, src agent.Source) (string, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return "", agent.ErrClosed
	}
	if w.processing {
		w.mu.Unlock()
		return "", agent.ErrBusy
	}
	w.processing = true
	w.messages = append(w.messages, received{content: content, src: src})
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	block := w.block
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.processing = false
		w.cancel = nil
		w.mu.Unlock()
		cancel()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "ok", nil
}

func (w *fakeWorker) IsProcessing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processing
}

func (w *fakeWorker) InjectNotification(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notes = append(w.notes, text)
}

func (w *fakeWorker) AvailableTools() []mcp.Tool { return w.protocols.AllTools() }
func (w *fakeWorker) Workspace() string          { return w.cfg.Workspace }
func (w *fakeWorker) Protocols() *mcp.Manager    { return w.protocols }

func (w *fakeWorker) CancelProcessing() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *fakeWorker) UpdateConfig(cfg config.SessionConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg
	w.updates = append(w.updates, cfg)
}

func (w *fakeWorker) Snapshot() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return json.Marshal(map[string]int{"messages": len(w.messages)})
}

func (w *fakeWorker) Restore(state []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restored = append([]byte(nil), state...)
	return nil
}

func (w *fakeWorker) Close(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWorker) received() []received {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]received(nil), w.messages...)
}

func (w *fakeWorker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWorker) notifications() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.notes...)
}

// fleet is a worker factory that remembers every worker it built.
type fleet struct {
	mu      sync.Mutex
	workers map[string][]*fakeWorker
	failing map[string]bool
	block   map[string]chan struct{}
}

func newFleet() *fleet {
	return &fleet{
		workers: make(map[string][]*fakeWorker),
		failing: make(map[string]bool),
		block:   make(map[string]chan struct{}),
	}
}

func (f *fleet) factory(cfg config.SessionConfig, protocols *mcp.Manager) (agent.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[cfg.ID] {
		return nil, errors.New("provider unavailable")
	}
	w := &fakeWorker{cfg: cfg, protocols: protocols, block: f.block[cfg.ID]}
	f.workers[cfg.ID] = append(f.workers[cfg.ID], w)
	return w, nil
}

func (f *fleet) built(id string) []*fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeWorker(nil), f.workers[id]...)
}

func (f *fleet) setFailing(id string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[id] = failing
}

type fakeClient struct{ id string }

func (c *fakeClient) ListTools(context.Context) ([]mcp.ToolDefinition, error) {
	return []mcp.ToolDefinition{{Name: "ping", Description: "ping " + c.id}}, nil
}

func (c *fakeClient) CallTool(context.Context, string, json.RawMessage) (*mcp.ToolResult, error) {
	return &mcp.ToolResult{Content: "pong"}, nil
}

func (c *fakeClient) Close() error { return nil }

type fakeDialer struct {
	mu    sync.Mutex
	dials []string
}

func (d *fakeDialer) Dial(_ context.Context, sessionID string, spec config.MCPServerConfig) (mcp.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, sessionID+"/"+spec.ID)
	return &fakeClient{id: spec.ID}, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	session := func(id, name string) config.SessionConfig {
		return config.SessionConfig{
			ID:           id,
			Name:         name,
			Organization: "acme",
			Workspace:    filepath.Join(root, id),
			Provider:     config.ProviderConfig{Model: "test-model"},
		}
	}
	return &config.Config{
		DataDir: filepath.Join(root, "data"),
		Scheduler: config.SchedulerConfig{
			MinDelay:       10 * time.Millisecond,
			IdlePoll:       50 * time.Millisecond,
			TriggerTimeout: time.Second,
			Timezone:       "UTC",
		},
		Delivery: config.DeliveryConfig{
			ActiveRetry:   20 * time.Millisecond,
			InactiveRetry: 40 * time.Millisecond,
			MaxBackoff:    80 * time.Millisecond,
			DedupeTTL:     time.Minute,
		},
		Organizations: []config.OrganizationConfig{{ID: "acme", Name: "Acme"}},
		Sessions:      []config.SessionConfig{session("alpha", "Alpha"), session("beta", "Beta")},
	}
}

type harness struct {
	o      *Orchestrator
	fleet  *fleet
	store  *store.MockStore
	dialer *fakeDialer
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{fleet: newFleet(), store: store.NewMockStore(), dialer: &fakeDialer{}}
	o, err := New(Options{
		Config:  cfg,
		Factory: h.fleet.factory,
		Dialer:  h.dialer,
		Store:   h.store,
	})
	require.NoError(t, err)
	h.o = o
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return h
}

func (h *harness) hasEvent(typ store.EventType, sessionID string) bool {
	evs, _ := h.store.ListEvents(context.Background(), store.EventFilter{Type: typ, SessionID: sessionID})
	return len(evs) > 0
}

func (h *harness) hasLifecycleLock(id string) bool {
	h.o.mu.RLock()
	defer h.o.mu.RUnlock()
	_, ok := h.o.lifecycle[id]
	return ok
}

func TestStartSession_Idempotent(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	w1, err := h.o.StartSession(ctx, "alpha")
	require.NoError(t, err)
	w2, err := h.o.StartSession(ctx, "alpha")
	require.NoError(t, err)

	assert.Same(t, w1, w2)
	assert.Len(t, h.fleet.built("alpha"), 1)
	assert.True(t, h.o.IsLive("alpha"))
	assert.Equal(t, []string{"alpha"}, h.o.LiveSessions())
	assert.True(t, h.hasEvent(store.EventSessionStarted, "alpha"))
}

func TestStartSession_Errors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions[1].Provider = config.ProviderConfig{}
	h := newHarness(t, cfg)

	_, err := h.o.StartSession(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = h.o.StartSession(context.Background(), "beta")
	assert.ErrorIs(t, err, config.ErrMissingProvider)
	assert.False(t, h.o.IsLive("beta"))
}

func TestStartSession_ConnectsProtocolServers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions[0].MCPServers = []config.MCPServerConfig{
		{ID: "files", Command: "mcp-files"},
		{ID: "off", Command: "mcp-off", Disabled: true},
	}
	h := newHarness(t, cfg)

	_, err := h.o.StartSession(context.Background(), "alpha")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		states, err := h.o.ProtocolStates("alpha")
		return err == nil && len(states) == 1 && states[0].Status == mcp.StatusConnected
	}, time.Second, 10*time.Millisecond)

	states, _ := h.o.ProtocolStates("alpha")
	assert.Equal(t, "files", states[0].ID)

	_, err = h.o.ProtocolStates("beta")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStopSession_PersistsAndRestoresState(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	_, err := h.o.HandleInbound(ctx, "alpha", "hello", agent.Source{Platform: "discord", ChannelID: "c1"})
	require.NoError(t, err)

	require.NoError(t, h.o.StopSession(ctx, "alpha"))
	assert.False(t, h.o.IsLive("alpha"))
	assert.True(t, h.fleet.built("alpha")[0].isClosed())

	state, err := h.store.GetSessionState(ctx, "alpha")
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":1}`, string(state))

	_, err = h.o.StartSession(ctx, "alpha")
	require.NoError(t, err)
	workers := h.fleet.built("alpha")
	require.Len(t, workers, 2)
	assert.JSONEq(t, `{"messages":1}`, string(workers[1].restored))

	// Stopping a session that is not live is a no-op.
	require.NoError(t, h.o.StopSession(ctx, "beta"))
}

func TestHandleInbound_DefaultsSourceKind(t *testing.T) {
	h := newHarness(t, testConfig(t))

	reply, err := h.o.HandleInbound(context.Background(), "beta", "status?", agent.Source{Platform: "slack", SenderName: "Dana"})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)

	got := h.fleet.built("beta")[0].received()
	require.Len(t, got, 1)
	assert.Equal(t, agent.SourceInbound, got[0].src.Kind)
	assert.True(t, h.hasEvent(store.EventInbound, "beta"))
}

func TestScheduleFiresAfterStopAndRestartsSession(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	_, err := h.o.StartSession(ctx, "alpha")
	require.NoError(t, err)

	s, err := h.o.CreateSchedule("alpha", schedule.Spec{
		StartAt: time.Now().Add(150 * time.Millisecond),
		Memo:    "check the deploy",
	})
	require.NoError(t, err)

	require.NoError(t, h.o.StopSession(ctx, "alpha"))

	require.Eventually(t, func() bool {
		workers := h.fleet.built("alpha")
		if len(workers) < 2 {
			return false
		}
		got := workers[len(workers)-1].received()
		return len(got) == 1 && got[0].content == "check the deploy"
	}, 3*time.Second, 10*time.Millisecond)

	workers := h.fleet.built("alpha")
	got := workers[len(workers)-1].received()
	assert.Equal(t, agent.SourceSchedule, got[0].src.Kind)
	assert.Equal(t, s.ID, got[0].src.ReferenceID)
	assert.True(t, h.o.IsLive("alpha"))
	assert.True(t, h.hasEvent(store.EventScheduleFired, "alpha"))
}

func TestCreateSchedule_UnknownSession(t *testing.T) {
	h := newHarness(t, testConfig(t))
	_, err := h.o.CreateSchedule("ghost", schedule.Spec{Memo: "x"})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestCreateSchedule_ReloadsAfterFailedLoad(t *testing.T) {
	cfg := testConfig(t)
	dir := stateDir(cfg.Sessions[0])
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, schedule.FileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	h := newHarness(t, cfg)
	assert.False(t, h.o.engine.Loaded("alpha"))

	_, err := h.o.CreateSchedule("alpha", schedule.Spec{StartAt: time.Now().Add(time.Hour), Memo: "x"})
	assert.Error(t, err, "corrupt file still fails")

	require.NoError(t, os.Remove(path))
	s, err := h.o.CreateSchedule("alpha", schedule.Spec{StartAt: time.Now().Add(time.Hour), Memo: "later"})
	require.NoError(t, err)
	assert.True(t, h.o.engine.Loaded("alpha"))
	require.Len(t, h.o.Schedules("alpha"), 1)
	assert.Equal(t, s.ID, h.o.Schedules("alpha")[0].ID)
}

func TestHandleTrigger_BusyWorkerGetsNotification(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()
	release := make(chan struct{})
	h.fleet.block["alpha"] = release
	defer close(release)

	w, err := h.o.StartSession(ctx, "alpha")
	require.NoError(t, err)
	go func() { _, _ = w.ProcessMessage(ctx, "long task", agent.Source{Kind: agent.SourceInbound}) }()
	require.Eventually(t, w.IsProcessing, time.Second, 5*time.Millisecond)

	err = h.o.handleTrigger(ctx, schedule.Trigger{
		SessionID: "alpha",
		Schedule:  schedule.Schedule{ID: "sched-1", Memo: "stand-up in 5"},
	})
	require.NoError(t, err)

	fw := h.fleet.built("alpha")[0]
	assert.Equal(t, []string{"Scheduled reminder (sched-1): stand-up in 5"}, fw.notifications())
	assert.Len(t, fw.received(), 1)
}

func TestMentionDelivery(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	msg, err := h.o.PostMessage(ctx, "acme", "@beta can you review the migration?", orgchat.Sender{
		Type:      orgchat.SenderAI,
		SessionID: "alpha",
		Name:      "Alpha",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		workers := h.fleet.built("beta")
		return len(workers) == 1 && len(workers[0].received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := h.fleet.built("beta")[0].received()[0]
	assert.Equal(t, agent.SourceSystem, got.src.Kind)
	assert.Equal(t, "orgchat", got.src.Platform)
	assert.Equal(t, "acme", got.src.ChannelID)
	assert.Equal(t, "alpha", got.src.SenderID)
	assert.Equal(t, msg.ID, got.src.ReferenceID)
	assert.Contains(t, got.content, "can you review the migration?")

	require.Eventually(t, func() bool {
		return h.hasEvent(store.EventMentionDelivered, "beta")
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, h.o.delivery.Pending("beta"))
	assert.True(t, h.hasEvent(store.EventMessagePosted, "alpha"))

	// The author is never woken by its own post.
	assert.Empty(t, h.fleet.built("alpha"))

	// A delivered mention is not delivered twice.
	h.o.delivery.Enqueue(orgchat.PendingMention{TargetSessionID: "beta", OrgID: "acme", MessageID: msg.ID})
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.fleet.built("beta")[0].received(), 1)
}

func TestMentionDelivery_RetriesWhileBusy(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()
	release := make(chan struct{})
	h.fleet.block["beta"] = release

	w, err := h.o.StartSession(ctx, "beta")
	require.NoError(t, err)
	go func() { _, _ = w.ProcessMessage(ctx, "busy work", agent.Source{Kind: agent.SourceInbound}) }()
	require.Eventually(t, w.IsProcessing, time.Second, 5*time.Millisecond)

	_, err = h.o.PostMessage(ctx, "acme", "ping @Beta", orgchat.Sender{Type: orgchat.SenderHuman, Name: "Dana"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	fw := h.fleet.built("beta")[0]
	assert.Len(t, fw.received(), 1, "mention must wait for the running turn")
	assert.Len(t, h.o.delivery.Pending("beta"), 1)

	close(release)
	require.Eventually(t, func() bool {
		return len(fw.received()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, fw.received()[1].content, "ping @Beta")
}

func TestMentionDelivery_BacksOffAndPrunesRead(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()
	h.fleet.setFailing("beta", true)

	_, err := h.o.PostMessage(ctx, "acme", "@beta hello", orgchat.Sender{Type: orgchat.SenderHuman, Name: "Dana"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.hasEvent(store.EventMentionFailed, "beta")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.o.delivery.Pending("beta"), 1)

	require.NoError(t, h.o.MarkAsRead(ctx, "acme", "beta"))
	assert.Empty(t, h.o.delivery.Pending("beta"))

	h.fleet.setFailing("beta", false)
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, h.fleet.built("beta"), "read mentions are never delivered")
}

func TestDeliveryBackoff(t *testing.T) {
	b := newBackoff(config.DeliveryConfig{ActiveRetry: time.Second, MaxBackoff: 5 * time.Second})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "failure %d", i+1)
	}
	for i := 0; i < 20; i++ {
		require.Equal(t, 5*time.Second, b.NextBackOff(), "backoff never stops")
	}

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestDelivery_FailureBackoffResetsAfterSuccess(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()
	d := h.o.delivery
	m := orgchat.PendingMention{TargetSessionID: "beta", OrgID: "acme", MessageID: "m1"}
	boom := errors.New("provider down")

	assert.Equal(t, 20*time.Millisecond, d.fail(ctx, "beta", m, boom))
	assert.Equal(t, 40*time.Millisecond, d.fail(ctx, "beta", m, boom))
	assert.Equal(t, 80*time.Millisecond, d.fail(ctx, "beta", m, boom))
	assert.Equal(t, 80*time.Millisecond, d.fail(ctx, "beta", m, boom))

	d.resetFailures("beta")
	assert.Equal(t, 20*time.Millisecond, d.fail(ctx, "beta", m, boom))
}

func TestRestartSession_ReplaysResumeNote(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	_, err := h.o.StartSession(ctx, "alpha")
	require.NoError(t, err)
	require.NoError(t, h.o.RestartSession(ctx, "alpha", "continue the migration from step 3"))

	require.Eventually(t, func() bool {
		workers := h.fleet.built("alpha")
		return len(workers) == 2 && len(workers[1].received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := h.fleet.built("alpha")[1].received()[0]
	assert.Equal(t, "continue the migration from step 3", got.content)
	assert.Equal(t, agent.SourceSystem, got.src.Kind)
	assert.True(t, h.hasEvent(store.EventSessionRestarted, "alpha"))

	cfg, _ := h.o.sessionConfig("alpha")
	_, err = os.Stat(filepath.Join(stateDir(cfg), ResumeFileName))
	assert.True(t, os.IsNotExist(err), "marker is consumed on start")
}

func TestResumeMarker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), StateDirName)

	m, err := takeResumeMarker(dir)
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, writeResumeMarker(dir, "pick up where you left off"))
	m, err = takeResumeMarker(dir)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "pick up where you left off", m.Note)

	m, err = takeResumeMarker(dir)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestShutdown_LateTriggerCannotStartSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions[1].MCPServers = []config.MCPServerConfig{{ID: "files", Command: "mcp-files"}}
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.o.StartSession(ctx, "alpha")
	require.NoError(t, err)
	require.NoError(t, h.o.Shutdown(ctx))
	assert.Empty(t, h.o.LiveSessions())

	// A tick that was already firing when the engine stopped.
	err = h.o.handleTrigger(ctx, schedule.Trigger{
		SessionID: "beta",
		Schedule:  schedule.Schedule{ID: "late", Memo: "wake up"},
	})
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Empty(t, h.o.LiveSessions())
	assert.Empty(t, h.fleet.built("beta"))
	assert.Empty(t, h.dialer.dialed())

	assert.NoError(t, h.o.Shutdown(ctx), "second shutdown is a no-op")
}

func TestDeleteSession(t *testing.T) {
	h := newHarness(t, testConfig(t))
	ctx := context.Background()

	_, err := h.o.StartSession(ctx, "alpha")
	require.NoError(t, err)
	_, err = h.o.CreateSchedule("alpha", schedule.Spec{StartAt: time.Now().Add(time.Hour), Memo: "later"})
	require.NoError(t, err)

	require.NoError(t, h.o.DeleteSession(ctx, "alpha"))

	assert.False(t, h.o.IsLive("alpha"))
	assert.Empty(t, h.o.Schedules("alpha"))
	_, err = h.store.GetSessionState(ctx, "alpha")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.o.StartSession(ctx, "alpha")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.False(t, h.hasLifecycleLock("alpha"))
	assert.Len(t, h.o.Config().Sessions, 1)
	assert.True(t, h.hasEvent(store.EventSessionDeleted, "alpha"))

	assert.ErrorIs(t, h.o.DeleteSession(ctx, "alpha"), ErrUnknownSession)
}

func TestReloadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions[0].MCPServers = []config.MCPServerConfig{
		{ID: "files", Command: "mcp-files"},
		{ID: "search", Command: "mcp-search"},
	}
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.o.StartSession(ctx, "alpha")
	require.NoError(t, err)
	_, err = h.o.StartSession(ctx, "beta")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		states, _ := h.o.ProtocolStates("alpha")
		return len(states) == 2
	}, time.Second, 10*time.Millisecond)

	next := *cfg
	alpha := cfg.Sessions[0]
	alpha.Name = "Alpha Prime"
	alpha.MCPServers = []config.MCPServerConfig{
		{ID: "search", Command: "mcp-search"},
		{ID: "web", Command: "mcp-web"},
	}
	gamma := config.SessionConfig{
		ID:        "gamma",
		Workspace: filepath.Join(t.TempDir(), "gamma"),
		Provider:  config.ProviderConfig{Model: "test-model"},
	}
	next.Sessions = []config.SessionConfig{alpha, gamma}

	require.NoError(t, h.o.ReloadConfig(ctx, &next))

	// beta was removed.
	assert.False(t, h.o.IsLive("beta"))
	_, err = h.o.StartSession(ctx, "beta")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.False(t, h.hasLifecycleLock("beta"))
	assert.True(t, h.hasLifecycleLock("alpha"))

	// alpha keeps its worker and gets the new settings.
	workers := h.fleet.built("alpha")
	require.Len(t, workers, 1)
	require.Len(t, workers[0].updates, 1)
	assert.Equal(t, "Alpha Prime", workers[0].updates[0].Name)

	require.Eventually(t, func() bool {
		states, _ := h.o.ProtocolStates("alpha")
		if len(states) != 2 {
			return false
		}
		return states[0].ID == "search" && states[1].ID == "web" && states[1].Status == mcp.StatusConnected
	}, time.Second, 10*time.Millisecond)

	// The unchanged server was not redialed.
	h.dialer.mu.Lock()
	searchDials := 0
	for _, d := range h.dialer.dials {
		if d == "alpha/search" {
			searchDials++
		}
	}
	h.dialer.mu.Unlock()
	assert.Equal(t, 1, searchDials)

	// gamma's schedules are loaded without starting it.
	_, err = h.o.CreateSchedule("gamma", schedule.Spec{StartAt: time.Now().Add(time.Hour), Memo: "x"})
	require.NoError(t, err)
	assert.False(t, h.o.IsLive("gamma"))
	assert.True(t, h.hasEvent(store.EventConfigReloaded, ""))
}

func TestReloadConfig_RejectsInvalid(t *testing.T) {
	h := newHarness(t, testConfig(t))
	bad := testConfig(t)
	bad.DataDir = ""

	err := h.o.ReloadConfig(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "data_dir"))
	assert.Len(t, h.o.Config().Sessions, 2)
}

func TestSessionSummaries(t *testing.T) {
	h := newHarness(t, testConfig(t))
	_, err := h.o.StartSession(context.Background(), "beta")
	require.NoError(t, err)

	sums := h.o.SessionSummaries()
	require.Len(t, sums, 2)
	assert.Equal(t, "alpha", sums[0].ID)
	assert.False(t, sums[0].Running)
	assert.True(t, sums[1].Running)
	assert.Equal(t, "acme", sums[1].Organization)
}
