// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package manager owns the lifecycle of loaded agents.
//
// Agents are registered by scanning a directory and addressed by their
// relative path. StartAgent loads an agent and binds it to a session,
// SendMessage runs one turn, StopAgent releases it. Sessions live in the
// manager's session service and survive stops and reloads, except when the
// agent's declared initial state changes between loads: then the stored
// sessions of that agent and user are dropped and a fresh one is created.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/canonical"
	"github.com/kadirpekel/agentkit/pkg/jsrt"
	"github.com/kadirpekel/agentkit/pkg/loader"
	"github.com/kadirpekel/agentkit/pkg/logger"
	"github.com/kadirpekel/agentkit/pkg/observability"
	"github.com/kadirpekel/agentkit/pkg/runner"
	"github.com/kadirpekel/agentkit/pkg/scanner"
	"github.com/kadirpekel/agentkit/pkg/session"
)

// State is the lifecycle state of an agent path.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// Options configures a Manager.
type Options struct {
	// Loader loads agent modules. Defaults to loader.New with defaults.
	Loader *loader.Loader

	// Sessions stores conversations. Defaults to an in-memory service.
	Sessions session.Service

	// AppName overrides the app name sessions are stored under. Empty
	// uses the bundle's app name, then the agent name.
	AppName string

	// UserID owns the sessions. Defaults to "user".
	UserID string

	// Debug logs load failures with their script stack.
	Debug bool

	Logger *slog.Logger

	// TracerProvider receives message and run spans. Defaults to the
	// global provider.
	TracerProvider trace.TracerProvider
}

// Handle is a loaded agent bound to a session.
type Handle struct {
	Path      string
	Agent     agent.Agent
	Runner    *runner.Runner
	AppName   string
	UserID    string
	SessionID string

	// InitialState seeds new sessions.
	InitialState map[string]any

	loaded *loader.Loaded
}

// Attachment is a file sent along with a message.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

// StartOption configures StartAgent.
type StartOption func(*startConfig)

type startConfig struct {
	sessionID string
}

// WithSessionID asks for a specific session. It is created when missing
// and ignored when the agent's initial state changed.
func WithSessionID(id string) StartOption {
	return func(c *startConfig) { c.sessionID = id }
}

// Manager loads, runs and stops agents.
type Manager struct {
	loader   *loader.Loader
	sessions session.Service
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer

	mu      sync.RWMutex
	agents  map[string]scanner.AgentDescriptor
	handles map[string]*Handle
	states  map[string]State
	hashes  map[string]string
	group   singleflight.Group

	active metric.Int64UpDownCounter
	resets metric.Int64Counter
}

// New creates a Manager.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Loader == nil {
		opts.Loader = loader.New(loader.Options{Logger: opts.Logger, TracerProvider: opts.TracerProvider})
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewInMemoryService()
	}
	if opts.UserID == "" {
		opts.UserID = jsrt.DefaultUserID
	}

	m := &Manager{
		loader:   opts.Loader,
		sessions: opts.Sessions,
		opts:     opts,
		logger:   opts.Logger.With("component", "agent_manager"),
		agents:   make(map[string]scanner.AgentDescriptor),
		handles:  make(map[string]*Handle),
		states:   make(map[string]State),
		hashes:   make(map[string]string),
	}

	const scope = "github.com/kadirpekel/agentkit/pkg/manager"
	m.tracer = observability.Tracer(opts.TracerProvider, scope)
	meter := otel.Meter(scope)
	m.active, _ = meter.Int64UpDownCounter("agentkit_agents_loaded",
		metric.WithDescription("Agents currently loaded"))
	m.resets, _ = meter.Int64Counter("agentkit_session_resets_total",
		metric.WithDescription("Session resets caused by a changed initial state"))
	return m
}

// Sessions returns the session service.
func (m *Manager) Sessions() session.Service {
	return m.sessions
}

// ScanAgents registers the agents found under dir. Registered paths that
// are found again are updated; loaded agents keep running.
func (m *Manager) ScanAgents(dir string) ([]scanner.AgentDescriptor, error) {
	found, err := scanner.Scan(dir)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range found {
		if h, loaded := m.handles[d.RelativePath]; loaded {
			d.DisplayName = h.Agent.Name()
		}
		m.agents[d.RelativePath] = d
	}
	m.logger.Debug("Scanned agents", "dir", dir, "found", len(found))
	return found, nil
}

// Register adds a single descriptor.
func (m *Manager) Register(d scanner.AgentDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[d.RelativePath] = d
}

// Agents returns the registered agents sorted by path.
func (m *Manager) Agents() []scanner.AgentDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Collect(maps.Values(m.agents))
	slices.SortFunc(out, func(a, b scanner.AgentDescriptor) int { return strings.Compare(a.RelativePath, b.RelativePath) })
	return out
}

// Status returns the lifecycle state of path.
func (m *Manager) Status(path string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[path]
}

// Handle returns a copy of the handle of a loaded agent.
func (m *Manager) Handle(path string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[path]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// StartAgent loads the agent registered at path and binds its session. It
// does nothing when the agent is already loaded. Concurrent calls for the
// same path share one load.
func (m *Manager) StartAgent(ctx context.Context, path string, opts ...StartOption) (Handle, error) {
	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	m.mu.RLock()
	h, loaded := m.handles[path]
	desc, known := m.agents[path]
	m.mu.RUnlock()
	if loaded {
		return *h, nil
	}
	if !known {
		return Handle{}, &AgentNotFoundError{Path: path}
	}

	v, err, _ := m.group.Do(path, func() (any, error) {
		return m.start(ctx, desc, cfg)
	})
	if err != nil {
		return Handle{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *v.(*Handle), nil
}

func (m *Manager) start(ctx context.Context, desc scanner.AgentDescriptor, cfg startConfig) (*Handle, error) {
	path := desc.RelativePath

	m.mu.Lock()
	if h, ok := m.handles[path]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.states[path] = StateLoading
	m.mu.Unlock()

	h, err := m.load(ctx, desc, cfg)
	if err != nil {
		m.mu.Lock()
		m.states[path] = StateUnloaded
		m.mu.Unlock()
		m.logLoadFailure(desc, err)
		return nil, &AgentLoadError{Path: path, Name: desc.DisplayName, Err: err}
	}

	m.mu.Lock()
	m.handles[path] = h
	m.states[path] = StateLoaded
	if d, ok := m.agents[path]; ok {
		d.DisplayName = h.Agent.Name()
		m.agents[path] = d
	}
	m.mu.Unlock()

	m.active.Add(ctx, 1)
	m.logger.Info("Agent started", "path", path, "agent", h.Agent.Name(), "session", h.SessionID)
	return h, nil
}

func (m *Manager) load(ctx context.Context, desc scanner.AgentDescriptor, cfg startConfig) (*Handle, error) {
	loaded, err := m.loader.Load(ctx, desc.AbsolutePath, desc.ProjectRoot)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		Path:    desc.RelativePath,
		Agent:   loaded.Agent,
		AppName: m.appName(loaded),
		UserID:  m.userID(loaded),
		loaded:  loaded,
	}
	h.Runner, err = runner.New(runner.Config{
		AppName:        h.AppName,
		Agent:          loaded.Agent,
		SessionService: m.sessions,
		TracerProvider: m.opts.TracerProvider,
	})
	if err != nil {
		_ = loaded.Close()
		return nil, err
	}

	h.InitialState = InitialState(ctx, loaded)
	if err := m.bindSession(ctx, h, cfg.sessionID); err != nil {
		_ = loaded.Close()
		return nil, err
	}
	return h, nil
}

func (m *Manager) appName(loaded *loader.Loaded) string {
	if loaded.Bundle != nil && loaded.Bundle.AppName != "" {
		return loaded.Bundle.AppName
	}
	if m.opts.AppName != "" {
		return m.opts.AppName
	}
	return loaded.Agent.Name()
}

func (m *Manager) userID(loaded *loader.Loaded) string {
	if loaded.Bundle != nil && loaded.Bundle.UserID != "" {
		return loaded.Bundle.UserID
	}
	return m.opts.UserID
}

// bindSession selects the session of h. A changed initial state resets
// the stored sessions and wins over a requested id.
func (m *Manager) bindSession(ctx context.Context, h *Handle, requested string) error {
	hash, err := canonical.Hash(h.InitialState)
	if err != nil {
		return fmt.Errorf("failed to hash initial state: %w", err)
	}

	m.mu.Lock()
	prev, seen := m.hashes[h.Path]
	m.hashes[h.Path] = hash
	m.mu.Unlock()

	if seen && prev != hash {
		m.logger.Info("Initial state changed, resetting sessions", "path", h.Path, "app", h.AppName, "user", h.UserID)
		if err := m.resetSessions(ctx, h); err != nil {
			return err
		}
		return m.createSession(ctx, h, "")
	}

	if requested != "" {
		resp, err := m.sessions.Get(ctx, &session.GetRequest{AppName: h.AppName, UserID: h.UserID, SessionID: requested})
		switch {
		case err == nil:
			h.SessionID = resp.Session.ID()
			return nil
		case errors.Is(err, session.ErrSessionNotFound):
			return m.createSession(ctx, h, requested)
		default:
			return fmt.Errorf("failed to get session %s: %w", requested, err)
		}
	}

	list, err := m.sessions.List(ctx, &session.ListRequest{AppName: h.AppName, UserID: h.UserID})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(list.Sessions) == 0 {
		return m.createSession(ctx, h, "")
	}

	latest := list.Sessions[0]
	h.SessionID = latest.ID()
	if len(session.StateMap(latest)) == 0 && len(h.InitialState) > 0 {
		return m.backfill(ctx, latest, h.InitialState)
	}
	return nil
}

func (m *Manager) resetSessions(ctx context.Context, h *Handle) error {
	list, err := m.sessions.List(ctx, &session.ListRequest{AppName: h.AppName, UserID: h.UserID})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, s := range list.Sessions {
		if err := m.sessions.Delete(ctx, &session.DeleteRequest{AppName: h.AppName, UserID: h.UserID, SessionID: s.ID()}); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", s.ID(), err)
		}
	}
	m.resets.Add(ctx, 1)
	return nil
}

func (m *Manager) createSession(ctx context.Context, h *Handle, id string) error {
	resp, err := m.sessions.Create(ctx, &session.CreateRequest{
		AppName:   h.AppName,
		UserID:    h.UserID,
		SessionID: id,
		State:     maps.Clone(h.InitialState),
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	h.SessionID = resp.Session.ID()
	return nil
}

// backfill applies state to a stored session through a system event.
func (m *Manager) backfill(ctx context.Context, sess session.Session, state map[string]any) error {
	ev := agent.NewEvent("")
	ev.Author = agent.AuthorSystem
	maps.Copy(ev.Actions.StateDelta, state)
	if err := m.sessions.AppendEvent(ctx, sess, ev); err != nil {
		return fmt.Errorf("failed to seed session state: %w", err)
	}
	return nil
}

func (m *Manager) logLoadFailure(desc scanner.AgentDescriptor, err error) {
	attrs := []any{"path", desc.RelativePath, "error", err}
	if m.opts.Debug || logger.DebugEnabled() {
		var se *jsrt.ScriptError
		if errors.As(err, &se) && se.Stack != "" {
			attrs = append(attrs, "stack", se.Stack)
		}
	}
	m.logger.Error("Failed to load agent", attrs...)
}

// SendMessage runs one turn of the agent at path, starting it when
// needed, and returns the text of its complete events. A failed turn
// leaves the agent loaded.
func (m *Manager) SendMessage(ctx context.Context, path, text string, attachments ...Attachment) (_ string, err error) {
	ctx, span := m.tracer.Start(ctx, observability.SpanSendMessage,
		trace.WithAttributes(attribute.String(observability.AttrAgentPath, path)))
	defer func() { observability.EndSpan(span, err) }()

	h, err := m.StartAgent(ctx, path)
	if err != nil {
		return "", err
	}
	span.SetAttributes(
		attribute.String(observability.AttrAgentName, h.Agent.Name()),
		attribute.String(observability.AttrSessionID, h.SessionID))

	content := &genai.Content{Role: genai.RoleUser}
	if text != "" {
		content.Parts = append(content.Parts, genai.NewPartFromText(text))
	}
	for _, a := range attachments {
		content.Parts = append(content.Parts, genai.NewPartFromBytes(a.Data, a.MIMEType))
	}

	var sb strings.Builder
	for ev, err := range h.Runner.Run(ctx, h.UserID, h.SessionID, content) {
		if err != nil {
			return "", fmt.Errorf("agent %s: %w", path, err)
		}
		if ev == nil || ev.Partial {
			continue
		}
		if ev.ErrorMessage != "" && ev.Content == nil {
			return "", fmt.Errorf("agent %s: %s", path, ev.ErrorMessage)
		}
		sb.WriteString(ev.TextContent())
	}
	return strings.TrimSpace(sb.String()), nil
}

// StopAgent unloads the agent at path. Its sessions are kept.
func (m *Manager) StopAgent(path string) error {
	m.mu.Lock()
	h, ok := m.handles[path]
	delete(m.handles, path)
	m.states[path] = StateUnloaded
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.active.Add(context.Background(), -1)
	m.logger.Info("Agent stopped", "path", path)
	if err := h.loaded.Close(); err != nil {
		return fmt.Errorf("failed to stop agent %s: %w", path, err)
	}
	return nil
}

// StopAllAgents unloads every loaded agent.
func (m *Manager) StopAllAgents() error {
	m.mu.RLock()
	paths := slices.Collect(maps.Keys(m.handles))
	m.mu.RUnlock()

	var errs []error
	for _, p := range paths {
		errs = append(errs, m.StopAgent(p))
	}
	return errors.Join(errs...)
}

// ReloadAgent stops and starts the agent at path, keeping its current
// session unless its initial state changed.
func (m *Manager) ReloadAgent(ctx context.Context, path string) (Handle, error) {
	var opts []StartOption
	if h, ok := m.Handle(path); ok {
		opts = append(opts, WithSessionID(h.SessionID))
	}
	if err := m.StopAgent(path); err != nil {
		m.logger.Warn("Failed to stop agent for reload", "path", path, "error", err)
	}
	return m.StartAgent(ctx, path, opts...)
}
