// ABOUTME: Session orchestrator owning live workers, the schedule engine and the org chat substrate
// ABOUTME: Starts, stops, restarts and reloads sessions without losing in-flight schedules or mentions

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/builtins"
	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/dedupe"
	"github.com/2389/coven-fleet/internal/events"
	"github.com/2389/coven-fleet/internal/mcp"
	"github.com/2389/coven-fleet/internal/orgchat"
	"github.com/2389/coven-fleet/internal/schedule"
	"github.com/2389/coven-fleet/internal/store"
)

var (
	// ErrUnknownSession is returned for session ids absent from the configuration.
	ErrUnknownSession = errors.New("unknown session")

	// ErrNotRunning is returned when an operation needs a live worker.
	ErrNotRunning = errors.New("session is not running")

	// ErrShuttingDown is returned by StartSession once Shutdown has begun.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// StateDirName is the per-workspace directory holding schedules and the resume marker.
const StateDirName = ".coven"

// Options configures an Orchestrator.
type Options struct {
	Config  *config.Config
	Factory agent.Factory
	Dialer  mcp.Dialer
	Store   store.Store
	Events  *events.Broadcaster
	Index   orgchat.Index
	Logger  *slog.Logger

	// Now overrides the clock for the schedule engine and org chat.
	Now func() time.Time
}

type liveSession struct {
	cfg       config.SessionConfig
	worker    agent.Worker
	protocols *mcp.Manager
	startedAt time.Time
}

// Orchestrator runs the fleet.
type Orchestrator struct {
	mu        sync.RWMutex
	cfg       *config.Config
	live      map[string]*liveSession
	lifecycle map[string]*sync.Mutex
	closing   bool

	factory  agent.Factory
	dialer   mcp.Dialer
	store    store.Store
	events   *events.Broadcaster
	engine   *schedule.Engine
	chat     *orgchat.Service
	delivery *delivery
	logger   *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires an orchestrator. Nothing runs until Start.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("worker factory is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := opts.Config.Scheduler.Location()
	if err != nil {
		return nil, err
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       opts.Config,
		live:      make(map[string]*liveSession),
		lifecycle: make(map[string]*sync.Mutex),
		factory:   opts.Factory,
		dialer:    opts.Dialer,
		store:     opts.Store,
		events:    opts.Events,
		logger:    logger.With("component", "orchestrator"),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
	if o.dialer == nil {
		o.dialer = &mcp.DefaultDialer{}
	}

	o.engine = schedule.NewEngine(o.handleTrigger, schedule.Options{
		MinDelay:       opts.Config.Scheduler.MinDelay,
		IdlePoll:       opts.Config.Scheduler.IdlePoll,
		TriggerTimeout: opts.Config.Scheduler.TriggerTimeout,
		Location:       loc,
		Logger:         logger,
		Now:            opts.Now,
	})

	o.chat = orgchat.NewService(orgchat.Options{
		Dir:            opts.Config.OrganizationsDir(),
		Directory:      o,
		Index:          opts.Index,
		FuzzyThreshold: opts.Config.Search.FuzzyThreshold,
		MaxResults:     opts.Config.Search.MaxResults,
		Logger:         logger,
		Now:            opts.Now,
	})

	o.delivery = newDelivery(o, opts.Config.Delivery, dedupe.New(dedupe.Options{TTL: opts.Config.Delivery.DedupeTTL}), logger)
	o.chat.SetQueue(o.delivery)

	return o, nil
}

// Builtins returns the dependencies builtin protocol servers are bound to.
func (o *Orchestrator) Builtins(completers builtins.CompleterFactory) builtins.Deps {
	return builtins.Deps{
		Chat:       chatFacade{o},
		Schedules:  o.engine,
		Workspaces: o.workspaceOf,
		Fleet:      o,
		Completers: completers,
	}
}

// Start loads every session's schedules, arms the engine and starts autostart sessions.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("=== ORCHESTRATOR STARTING ===")

	for _, s := range o.sessions() {
		if err := o.engine.LoadSession(s.ID, stateDir(s)); err != nil {
			o.logger.Warn("failed to load schedules", "session_id", s.ID, "error", err)
		}
	}
	o.engine.Start(o.baseCtx)

	for _, s := range o.sessions() {
		if !s.Autostart {
			continue
		}
		if _, err := o.StartSession(ctx, s.ID); err != nil {
			o.logger.Error("autostart failed", "session_id", s.ID, "error", err)
		}
	}

	next, ok := o.engine.NextWake()
	if ok {
		o.logger.Info("=== ORCHESTRATOR STARTED ===", "live_sessions", len(o.LiveSessions()), "next_wake", next.Format(time.RFC3339))
	} else {
		o.logger.Info("=== ORCHESTRATOR STARTED ===", "live_sessions", len(o.LiveSessions()))
	}
	return nil
}

// Shutdown stops the engine and delivery, then stops every live session.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil
	}
	o.closing = true
	o.mu.Unlock()

	o.logger.Info("shutting down orchestrator")

	o.engine.Stop()
	o.delivery.Close()

	var errs []error
	for _, id := range o.LiveSessions() {
		if err := o.StopSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", id, err))
		}
	}

	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("timed out waiting for background work", "error", ctx.Err())
	}

	o.chat.Close()
	return errors.Join(errs...)
}

// sessionLock serializes lifecycle operations for one session id.
func (o *Orchestrator) sessionLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.lifecycle[id]
	if !ok {
		l = &sync.Mutex{}
		o.lifecycle[id] = l
	}
	return l
}

// dropLock forgets the lifecycle mutex of a session that no longer exists.
func (o *Orchestrator) dropLock(id string) {
	o.mu.Lock()
	delete(o.lifecycle, id)
	o.mu.Unlock()
}

func (o *Orchestrator) isClosing() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closing
}

func (o *Orchestrator) sessions() []config.SessionConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]config.SessionConfig(nil), o.cfg.Sessions...)
}

func (o *Orchestrator) sessionConfig(id string) (config.SessionConfig, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg.Session(id)
}

func (o *Orchestrator) liveSession(id string) (*liveSession, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ls, ok := o.live[id]
	return ls, ok
}

func (o *Orchestrator) workspaceOf(id string) (string, bool) {
	s, ok := o.sessionConfig(id)
	if !ok {
		return "", false
	}
	return s.Workspace, true
}

func stateDir(s config.SessionConfig) string {
	return filepath.Join(s.Workspace, StateDirName)
}

// Worker returns the live worker for id.
func (o *Orchestrator) Worker(id string) (agent.Worker, bool) {
	ls, ok := o.liveSession(id)
	if !ok {
		return nil, false
	}
	return ls.worker, true
}

// IsLive reports whether id has a live worker.
func (o *Orchestrator) IsLive(id string) bool {
	_, ok := o.liveSession(id)
	return ok
}

// LiveSessions lists live session ids, sorted.
func (o *Orchestrator) LiveSessions() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.live))
	for id := range o.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartSession returns the session's worker, creating it if needed.
func (o *Orchestrator) StartSession(ctx context.Context, id string) (agent.Worker, error) {
	cfg, ok := o.sessionConfig(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if !cfg.Provider.Configured() {
		return nil, fmt.Errorf("session %s: %w", id, config.ErrMissingProvider)
	}

	lock := o.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	if ls, ok := o.liveSession(id); ok {
		return ls.worker, nil
	}
	if _, ok := o.sessionConfig(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if o.isClosing() {
		return nil, ErrShuttingDown
	}

	o.mu.RLock()
	mcpCfg := o.cfg.MCP
	o.mu.RUnlock()

	protocols := mcp.NewManager(mcp.ManagerConfig{
		SessionID:        id,
		Dialer:           o.dialer,
		HandshakeTimeout: mcpCfg.HandshakeTimeout,
		CallTimeout:      mcpCfg.CallTimeout,
		Logger:           o.logger,
	})
	worker, err := o.factory(cfg, protocols)
	if err != nil {
		return nil, fmt.Errorf("creating worker for %s: %w", id, err)
	}

	o.restoreState(ctx, id, worker)

	if err := o.engine.LoadSession(id, stateDir(cfg)); err != nil {
		o.logger.Warn("failed to load schedules", "session_id", id, "error", err)
	}

	ls := &liveSession{cfg: cfg, worker: worker, protocols: protocols, startedAt: time.Now()}
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		_ = worker.Close(context.WithoutCancel(ctx))
		return nil, ErrShuttingDown
	}
	o.live[id] = ls
	o.mu.Unlock()

	for _, srv := range cfg.MCPServers {
		if srv.Disabled {
			continue
		}
		o.startServerAsync(protocols, srv)
	}

	o.logger.Info("=== SESSION STARTED ===",
		"session_id", id,
		"workspace", cfg.Workspace,
		"protocol_servers", len(cfg.MCPServers),
	)
	o.record(ctx, &store.Event{Type: store.EventSessionStarted, SessionID: id, OrgID: cfg.Organization, Summary: "session started"})

	o.replayResume(id, cfg, worker)
	o.delivery.Kick(id)

	return worker, nil
}

func (o *Orchestrator) startServerAsync(protocols *mcp.Manager, srv config.MCPServerConfig) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		protocols.StartServer(o.baseCtx, srv.ID, srv)
	}()
}

func (o *Orchestrator) restoreState(ctx context.Context, id string, worker agent.Worker) {
	state, err := o.store.GetSessionState(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		o.logger.Warn("failed to read session state", "session_id", id, "error", err)
		return
	}
	if err := worker.Restore(state); err != nil {
		o.logger.Warn("failed to restore session state", "session_id", id, "error", err)
		return
	}
	o.logger.Debug("restored session state", "session_id", id, "bytes", len(state))
}

func (o *Orchestrator) replayResume(id string, cfg config.SessionConfig, worker agent.Worker) {
	marker, err := takeResumeMarker(stateDir(cfg))
	if err != nil {
		o.logger.Warn("failed to read resume marker", "session_id", id, "error", err)
		return
	}
	if marker == nil {
		return
	}
	o.logger.Info("resuming after restart", "session_id", id)
	o.dispatch(id, worker, marker.Note, agent.Source{Kind: agent.SourceSystem, SenderName: "restart"})
}

// dispatch hands content to worker in the background, or injects it as a
// notification if the worker is busy.
func (o *Orchestrator) dispatch(id string, worker agent.Worker, content string, src agent.Source) {
	if worker.IsProcessing() {
		worker.InjectNotification(content)
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, err := worker.ProcessMessage(o.baseCtx, content, src)
		switch {
		case errors.Is(err, agent.ErrBusy):
			worker.InjectNotification(content)
		case err != nil:
			o.logger.Warn("background message failed", "session_id", id, "source", src.Kind, "error", err)
		}
	}()
}

// StopSession persists and closes the session's worker. Its schedules keep
// firing and will start it again.
func (o *Orchestrator) StopSession(ctx context.Context, id string) error {
	lock := o.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()
	return o.stopLocked(ctx, id)
}

func (o *Orchestrator) stopLocked(ctx context.Context, id string) error {
	o.mu.Lock()
	ls, ok := o.live[id]
	if ok {
		delete(o.live, id)
	}
	o.mu.Unlock()
	if !ok {
		return nil
	}

	o.delivery.Cancel(id)
	ls.worker.CancelProcessing()
	ls.protocols.StopAll(ctx)

	var errs []error
	if state, err := ls.worker.Snapshot(); err != nil {
		errs = append(errs, fmt.Errorf("snapshot: %w", err))
	} else if err := o.store.SaveSessionState(ctx, id, state); err != nil {
		errs = append(errs, fmt.Errorf("saving state: %w", err))
	}
	if err := ls.worker.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing worker: %w", err))
	}

	o.logger.Info("=== SESSION STOPPED ===", "session_id", id, "uptime", time.Since(ls.startedAt).Round(time.Second))
	o.record(ctx, &store.Event{Type: store.EventSessionStopped, SessionID: id, OrgID: ls.cfg.Organization, Summary: "session stopped"})
	return errors.Join(errs...)
}

// DeleteSession stops the session and removes its schedules, pending
// mentions, persisted state and configuration entry.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	cfg, ok := o.sessionConfig(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	lock := o.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	var errs []error
	if err := o.stopLocked(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if err := o.engine.DeleteSession(id, stateDir(cfg)); err != nil {
		errs = append(errs, fmt.Errorf("removing schedules: %w", err))
	}
	o.delivery.Forget(id)
	if err := o.store.DeleteSessionState(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("forgetting state: %w", err))
	}

	o.mu.Lock()
	var kept []config.SessionConfig
	for _, s := range o.cfg.Sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	next := *o.cfg
	next.Sessions = kept
	o.cfg = &next
	delete(o.lifecycle, id)
	o.mu.Unlock()

	o.logger.Info("=== SESSION DELETED ===", "session_id", id)
	o.record(ctx, &store.Event{Type: store.EventSessionDeleted, SessionID: id, OrgID: cfg.Organization, Summary: "session deleted"})
	return errors.Join(errs...)
}

// RestartSession writes a resume marker carrying note, then stops and starts
// the session. The new worker receives note as its first message.
func (o *Orchestrator) RestartSession(ctx context.Context, id, note string) error {
	cfg, ok := o.sessionConfig(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if note != "" {
		if err := writeResumeMarker(stateDir(cfg), note); err != nil {
			return fmt.Errorf("writing resume marker: %w", err)
		}
	}
	if err := o.StopSession(ctx, id); err != nil {
		o.logger.Warn("stop during restart reported errors", "session_id", id, "error", err)
	}
	if _, err := o.StartSession(ctx, id); err != nil {
		return err
	}
	o.record(ctx, &store.Event{Type: store.EventSessionRestarted, SessionID: id, OrgID: cfg.Organization, Summary: "session restarted"})
	return nil
}

// ReloadConfig applies a new configuration. Removed sessions are stopped,
// live sessions get the new settings and a protocol server diff, and every
// configured session's schedules are loaded.
func (o *Orchestrator) ReloadConfig(ctx context.Context, next *config.Config) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	o.mu.Lock()
	prev := o.cfg
	o.cfg = next
	o.mu.Unlock()

	nextIDs := make(map[string]config.SessionConfig, len(next.Sessions))
	for _, s := range next.Sessions {
		nextIDs[s.ID] = s
	}

	removed := 0
	for _, s := range prev.Sessions {
		if _, ok := nextIDs[s.ID]; ok {
			continue
		}
		removed++
		if err := o.StopSession(ctx, s.ID); err != nil {
			o.logger.Warn("failed to stop removed session", "session_id", s.ID, "error", err)
		}
		o.engine.UnloadSession(s.ID)
		o.delivery.Forget(s.ID)
		o.dropLock(s.ID)
	}

	updated := 0
	for _, s := range next.Sessions {
		if ls, ok := o.liveSession(s.ID); ok && !reflect.DeepEqual(ls.cfg, s) {
			o.updateLive(s.ID, ls, s)
			updated++
		}
		if err := o.engine.LoadSession(s.ID, stateDir(s)); err != nil {
			o.logger.Warn("failed to load schedules", "session_id", s.ID, "error", err)
		}
	}

	o.logger.Info("=== CONFIG RELOADED ===", "sessions", len(next.Sessions), "removed", removed, "updated", updated)
	o.record(ctx, &store.Event{Type: store.EventConfigReloaded, Summary: fmt.Sprintf("%d sessions, %d removed, %d updated", len(next.Sessions), removed, updated)})
	return nil
}

func (o *Orchestrator) updateLive(id string, ls *liveSession, next config.SessionConfig) {
	lock := o.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	prevServers := serverSpecs(ls.cfg)
	nextServers := serverSpecs(next)

	ls.worker.UpdateConfig(next)

	for sid := range prevServers {
		if _, ok := nextServers[sid]; !ok {
			ls.protocols.StopServer(sid)
		}
	}
	for sid, spec := range nextServers {
		old, existed := prevServers[sid]
		if existed && reflect.DeepEqual(old, spec) {
			continue
		}
		if existed {
			ls.protocols.StopServer(sid)
		}
		o.startServerAsync(ls.protocols, spec)
	}

	o.mu.Lock()
	ls.cfg = next
	o.mu.Unlock()

	o.logger.Info("live session reconfigured", "session_id", id, "protocol_servers", len(nextServers))
}

func serverSpecs(s config.SessionConfig) map[string]config.MCPServerConfig {
	out := make(map[string]config.MCPServerConfig, len(s.MCPServers))
	for _, srv := range s.MCPServers {
		if !srv.Disabled {
			out[srv.ID] = srv
		}
	}
	return out
}

// HandleInbound routes a chat platform message to its session, starting it if needed.
func (o *Orchestrator) HandleInbound(ctx context.Context, sessionID, content string, src agent.Source) (string, error) {
	worker, err := o.StartSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if src.Kind == "" {
		src.Kind = agent.SourceInbound
	}
	o.record(ctx, &store.Event{Type: store.EventInbound, SessionID: sessionID, Summary: src.Platform + " " + src.ChannelID})
	return worker.ProcessMessage(ctx, content, src)
}

// handleTrigger delivers a fired schedule's memo to its session.
func (o *Orchestrator) handleTrigger(ctx context.Context, t schedule.Trigger) error {
	worker, err := o.StartSession(ctx, t.SessionID)
	if err != nil {
		return err
	}

	cfg, _ := o.sessionConfig(t.SessionID)
	o.record(ctx, &store.Event{
		Type:      store.EventScheduleFired,
		SessionID: t.SessionID,
		OrgID:     cfg.Organization,
		Summary:   t.Schedule.Memo,
	})

	src := agent.Source{Kind: agent.SourceSchedule, ReferenceID: t.Schedule.ID}
	if worker.IsProcessing() {
		worker.InjectNotification(fmt.Sprintf("Scheduled reminder (%s): %s", t.Schedule.ID, t.Schedule.Memo))
		return nil
	}
	o.dispatch(t.SessionID, worker, t.Schedule.Memo, src)
	return nil
}

// record writes a ledger event and publishes it. Failures are logged.
func (o *Orchestrator) record(ctx context.Context, ev *store.Event) {
	if err := o.store.SaveEvent(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.Warn("failed to record event", "type", ev.Type, "session_id", ev.SessionID, "error", err)
	}
	if o.events != nil {
		o.events.Publish(ev)
	}
}
