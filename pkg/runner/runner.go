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

// Package runner executes agents inside sessions.
//
// The Runner handles:
//   - Session retrieval and creation
//   - Recording the user message as an event
//   - Event streaming and persistence
//   - Dropping temp: state once the invocation ends
package runner

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/observability"
	"github.com/kadirpekel/agentkit/pkg/session"
)

// Config contains the configuration for creating a Runner.
type Config struct {
	// AppName identifies the application.
	AppName string

	// Agent is the root agent for execution.
	Agent agent.Agent

	// SessionService stores sessions and their events.
	SessionService session.Service

	// TracerProvider receives run spans. Defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Runner orchestrates agent execution within sessions.
type Runner struct {
	appName        string
	rootAgent      agent.Agent
	sessionService session.Service
	parents        ParentMap
	tracer         trace.Tracer

	invocations metric.Int64Counter
	duration    metric.Float64Histogram
}

// New creates a new Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("root agent is required")
	}
	if cfg.SessionService == nil {
		return nil, fmt.Errorf("session service is required")
	}

	parents, err := BuildParentMap(cfg.Agent)
	if err != nil {
		return nil, fmt.Errorf("failed to build agent tree: %w", err)
	}

	const scope = "github.com/kadirpekel/agentkit/pkg/runner"
	meter := otel.Meter(scope)
	invocations, _ := meter.Int64Counter("agentkit_agent_invocations_total",
		metric.WithDescription("Agent invocations by outcome"))
	duration, _ := meter.Float64Histogram("agentkit_agent_invocation_duration_seconds",
		metric.WithDescription("Agent invocation duration"),
		metric.WithUnit("s"))

	return &Runner{
		appName:        cfg.AppName,
		rootAgent:      cfg.Agent,
		sessionService: cfg.SessionService,
		parents:        parents,
		tracer:         observability.Tracer(cfg.TracerProvider, scope),
		invocations:    invocations,
		duration:       duration,
	}, nil
}

// Run executes the agent for content, yielding its events. The session is
// created when it does not exist. Complete events are persisted before they
// are yielded.
func (r *Runner) Run(ctx context.Context, userID, sessionID string, content *genai.Content) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		ctx, span := r.tracer.Start(ctx, observability.SpanRunnerRun,
			trace.WithAttributes(
				attribute.String(observability.AttrAppName, r.appName),
				attribute.String(observability.AttrUserID, userID)))
		var runErr error
		defer func() { observability.EndSpan(span, runErr) }()

		sess, err := r.getOrCreateSession(ctx, userID, sessionID)
		if err != nil {
			runErr = err
			yield(nil, err)
			return
		}

		agentToRun := r.findAgentToRun(sess)
		span.SetAttributes(
			attribute.String(observability.AttrSessionID, sess.ID()),
			attribute.String(observability.AttrAgentName, agentToRun.Name()))
		defer clearTempState(sess)

		invCtx := agent.NewInvocationContext(ctx, agent.InvocationContextParams{
			Agent:       agentToRun,
			Session:     sess,
			UserContent: content,
		})

		if err := r.appendUserMessage(ctx, sess, content, invCtx.InvocationID()); err != nil {
			runErr = err
			yield(nil, err)
			return
		}

		start := time.Now()
		outcome := "ok"
		defer func() {
			attrs := metric.WithAttributes(
				attribute.String("agent", agentToRun.Name()),
				attribute.String("outcome", outcome))
			r.invocations.Add(ctx, 1, attrs)
			r.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}()

		for event, err := range agentToRun.Run(invCtx) {
			if err != nil {
				outcome = "error"
				if runErr == nil {
					runErr = err
				}
				if !yield(event, err) {
					return
				}
				continue
			}
			if event == nil {
				continue
			}

			if !event.Partial {
				if err := r.sessionService.AppendEvent(ctx, sess, event); err != nil {
					outcome = "error"
					runErr = fmt.Errorf("failed to persist event: %w", err)
					yield(nil, runErr)
					return
				}
			}

			if !yield(event, nil) {
				return
			}
		}
	}
}

// clearTempState removes temp: keys once an invocation completes.
func clearTempState(sess session.Session) {
	if clearable, ok := sess.State().(agent.TempClearable); ok {
		clearable.ClearTempKeys()
	}
}

// FindAgent searches for an agent by name in the runner's agent tree.
func (r *Runner) FindAgent(name string) agent.Agent {
	return agent.FindAgent(r.rootAgent, name)
}

// RootAgent returns the root agent.
func (r *Runner) RootAgent() agent.Agent {
	return r.rootAgent
}

// AppName returns the application name.
func (r *Runner) AppName() string {
	return r.appName
}

// SessionService returns the service the runner persists to.
func (r *Runner) SessionService() session.Service {
	return r.sessionService
}

func (r *Runner) getOrCreateSession(ctx context.Context, userID, sessionID string) (session.Session, error) {
	if sessionID != "" {
		resp, err := r.sessionService.Get(ctx, &session.GetRequest{
			AppName:   r.appName,
			UserID:    userID,
			SessionID: sessionID,
		})
		if err == nil && resp != nil {
			return resp.Session, nil
		}
	}

	createResp, err := r.sessionService.Create(ctx, &session.CreateRequest{
		AppName:   r.appName,
		UserID:    userID,
		SessionID: sessionID,
		State:     make(map[string]any),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return createResp.Session, nil
}

func (r *Runner) appendUserMessage(ctx context.Context, sess session.Session, content *genai.Content, invocationID string) error {
	if content == nil {
		return nil
	}
	if content.Role == "" {
		content.Role = string(genai.RoleUser)
	}

	event := agent.NewEvent(invocationID)
	event.Author = agent.AuthorUser
	event.Content = content

	return r.sessionService.AppendEvent(ctx, sess, event)
}

// findAgentToRun continues with the sub-agent that authored the latest
// reply, falling back to the root.
func (r *Runner) findAgentToRun(sess session.Session) agent.Agent {
	events := sess.Events()
	for i := events.Len() - 1; i >= 0; i-- {
		event := events.At(i)
		if event == nil || event.Author == agent.AuthorUser || event.Author == agent.AuthorSystem {
			continue
		}
		if found := agent.FindAgent(r.rootAgent, event.Author); found != nil {
			return found
		}
		slog.Debug("Event from unknown agent", "agent", event.Author, "event_id", event.ID)
	}
	return r.rootAgent
}

// ParentMap maps agent names to their parent agents.
type ParentMap map[string]agent.Agent

// BuildParentMap creates a parent map for the agent tree. Agent names must
// be unique within the tree.
func BuildParentMap(root agent.Agent) (ParentMap, error) {
	parents := make(ParentMap)
	if err := buildParentMapRecursive(root, nil, parents); err != nil {
		return nil, err
	}
	return parents, nil
}

func buildParentMapRecursive(ag agent.Agent, parent agent.Agent, parents ParentMap) error {
	if ag == nil {
		return nil
	}
	if _, exists := parents[ag.Name()]; exists {
		return fmt.Errorf("duplicate agent name in tree: %s", ag.Name())
	}
	parents[ag.Name()] = parent

	for _, sub := range ag.SubAgents() {
		if err := buildParentMapRecursive(sub, ag, parents); err != nil {
			return err
		}
	}
	return nil
}
