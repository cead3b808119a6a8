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

package agent

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// InvocationContext carries everything an agent needs for one invocation:
// the user message that started it, the bound session and the cancellation
// context of the caller.
type InvocationContext interface {
	ReadonlyContext

	// Agent returns the agent being executed.
	Agent() Agent

	// Session returns the session bound to this invocation.
	Session() Session

	// State returns mutable session state.
	State() State

	// EndInvocation signals that the invocation should stop.
	EndInvocation()

	// Ended returns whether the invocation has been ended.
	Ended() bool
}

// ReadonlyContext provides read-only access to invocation data.
type ReadonlyContext interface {
	context.Context

	InvocationID() string
	AgentName() string
	UserContent() *genai.Content
	ReadonlyState() ReadonlyState
	UserID() string
	AppName() string
	SessionID() string
}

// Session is the view of a conversation session agents operate on.
type Session interface {
	ID() string
	AppName() string
	UserID() string
	State() State
	Events() Events
	LastUpdateTime() time.Time
}

// State is a mutable key-value store for session state.
type State interface {
	Get(key string) (any, error)
	Set(key string, value any) error
	Delete(key string) error
	All() iter.Seq2[string, any]
}

// TempClearable is implemented by state stores that drop "temp:" keys
// after each invocation.
type TempClearable interface {
	ClearTempKeys()
}

// ReadonlyState provides read-only access to session state.
type ReadonlyState interface {
	Get(key string) (any, error)
	All() iter.Seq2[string, any]
}

// Events provides access to session event history.
type Events interface {
	All() iter.Seq[*Event]
	Len() int
	At(i int) *Event
}

// InvocationContextParams contains parameters for NewInvocationContext.
type InvocationContextParams struct {
	Agent       Agent
	Session     Session
	UserContent *genai.Content

	// InvocationID continues an existing invocation. Generated when empty.
	InvocationID string
}

type invocationContext struct {
	context.Context

	agent        Agent
	session      Session
	invocationID string
	userContent  *genai.Content
	ended        bool
}

// NewInvocationContext creates an InvocationContext with a fresh
// invocation ID.
func NewInvocationContext(ctx context.Context, params InvocationContextParams) InvocationContext {
	id := params.InvocationID
	if id == "" {
		id = uuid.NewString()
	}
	return &invocationContext{
		Context:      ctx,
		agent:        params.Agent,
		session:      params.Session,
		invocationID: id,
		userContent:  params.UserContent,
	}
}

// WithAgent returns a copy of ctx that runs a different agent in the same
// invocation. Used when delegating to sub-agents.
func WithAgent(ctx InvocationContext, ag Agent) InvocationContext {
	if ic, ok := ctx.(*invocationContext); ok {
		clone := *ic
		clone.agent = ag
		return &clone
	}
	return &invocationContext{
		Context:      ctx,
		agent:        ag,
		session:      ctx.Session(),
		invocationID: ctx.InvocationID(),
		userContent:  ctx.UserContent(),
	}
}

func (c *invocationContext) Agent() Agent                { return c.agent }
func (c *invocationContext) Session() Session            { return c.session }
func (c *invocationContext) InvocationID() string        { return c.invocationID }
func (c *invocationContext) UserContent() *genai.Content { return c.userContent }
func (c *invocationContext) EndInvocation()              { c.ended = true }
func (c *invocationContext) Ended() bool                 { return c.ended }

func (c *invocationContext) AgentName() string {
	if c.agent != nil {
		return c.agent.Name()
	}
	return ""
}

func (c *invocationContext) ReadonlyState() ReadonlyState {
	if c.session != nil {
		return c.session.State()
	}
	return nil
}

func (c *invocationContext) State() State {
	if c.session != nil {
		return c.session.State()
	}
	return nil
}

func (c *invocationContext) UserID() string {
	if c.session != nil {
		return c.session.UserID()
	}
	return ""
}

func (c *invocationContext) AppName() string {
	if c.session != nil {
		return c.session.AppName()
	}
	return ""
}

func (c *invocationContext) SessionID() string {
	if c.session != nil {
		return c.session.ID()
	}
	return ""
}
