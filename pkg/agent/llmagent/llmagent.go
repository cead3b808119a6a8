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

// Package llmagent provides an LLM-based agent implementation.
//
// An LLM agent renders its instruction from session state, builds the
// conversation from the session's events, calls its model and records the
// reply. The context cache metadata of each reply is stored on its event
// and handed back to the model on the next call in the same session.
//
// # Usage
//
//	agent, err := llmagent.New(llmagent.Config{
//	    Name:        "assistant",
//	    Model:       myModel,
//	    Instruction: "You are a helpful assistant. The topic is {topic?}.",
//	    OutputKey:   "last_answer",
//	})
package llmagent

import (
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/agent/history"
	"github.com/kadirpekel/agentkit/pkg/cache"
	"github.com/kadirpekel/agentkit/pkg/instruction"
	"github.com/kadirpekel/agentkit/pkg/model"
)

// InstructionProvider generates an instruction from the invocation context.
type InstructionProvider func(ctx agent.ReadonlyContext) (string, error)

// ModelResolver resolves a model name to an adapter.
type ModelResolver interface {
	Resolve(name string) (model.LLM, error)
}

// Config contains the configuration for an LLM agent.
type Config struct {
	// Name must be unique within the agent tree.
	Name string

	// Description helps callers decide when to use this agent.
	Description string

	// Model is the LLM to use for generation.
	Model model.LLM

	// ModelName is resolved through Resolver on first run when Model is nil.
	ModelName string
	Resolver  ModelResolver

	// Instruction guides the agent's behavior.
	// Supports {key} and {key?} placeholders resolved from state.
	Instruction string

	// InstructionProvider allows dynamic instruction generation.
	// Takes precedence over Instruction if set.
	InstructionProvider InstructionProvider

	// EnableStreaming yields partial events as the model streams.
	EnableStreaming bool

	// GenerateConfig contains LLM generation settings.
	GenerateConfig *model.GenerateConfig

	// SubAgents are part of the agent tree.
	SubAgents []agent.Agent

	// IncludeContents controls conversation history inclusion.
	IncludeContents IncludeContents

	// History filters the included events. Nil keeps all of them.
	History history.Strategy

	// OutputKey saves agent output to session state under this key.
	OutputKey string
}

// IncludeContents controls conversation history handling.
type IncludeContents string

const (
	// IncludeContentsDefault includes the whole session history.
	IncludeContentsDefault IncludeContents = "default"

	// IncludeContentsNone only uses the current turn.
	IncludeContentsNone IncludeContents = "none"
)

// Agent is an LLM-backed agent.
type Agent struct {
	name                string
	description         string
	instruction         string
	instructionProvider InstructionProvider
	enableStreaming     bool
	generateConfig      *model.GenerateConfig
	subAgents           []agent.Agent
	includeContents     IncludeContents
	history             history.Strategy
	outputKey           string

	modelName string
	resolver  ModelResolver

	mu    sync.Mutex
	model model.LLM
}

// New creates an LLM agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if cfg.Model == nil && cfg.ModelName == "" {
		return nil, fmt.Errorf("agent %q: model is required", cfg.Name)
	}
	if cfg.Model == nil && cfg.Resolver == nil {
		return nil, fmt.Errorf("agent %q: model %q needs a resolver", cfg.Name, cfg.ModelName)
	}
	if cfg.IncludeContents == "" {
		cfg.IncludeContents = IncludeContentsDefault
	}
	if cfg.History == nil {
		cfg.History = history.All{}
	}

	return &Agent{
		name:                cfg.Name,
		description:         cfg.Description,
		instruction:         cfg.Instruction,
		instructionProvider: cfg.InstructionProvider,
		enableStreaming:     cfg.EnableStreaming,
		generateConfig:      cfg.GenerateConfig.Clone(),
		subAgents:           cfg.SubAgents,
		includeContents:     cfg.IncludeContents,
		history:             cfg.History,
		outputKey:           cfg.OutputKey,
		modelName:           cfg.ModelName,
		resolver:            cfg.Resolver,
		model:               cfg.Model,
	}, nil
}

func (a *Agent) Name() string             { return a.name }
func (a *Agent) Description() string      { return a.description }
func (a *Agent) SubAgents() []agent.Agent { return a.subAgents }
func (a *Agent) Instruction() string      { return a.instruction }
func (a *Agent) OutputKey() string        { return a.outputKey }

// Model returns the agent's model, resolving it on first use.
func (a *Agent) Model() (model.LLM, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.model != nil {
		return a.model, nil
	}
	llm, err := a.resolver.Resolve(a.modelName)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", a.name, err)
	}
	a.model = llm
	return llm, nil
}

// Run executes one model call for the invocation.
func (a *Agent) Run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		llm, err := a.Model()
		if err != nil {
			yield(nil, err)
			return
		}

		req, err := a.buildRequest(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		slog.Debug("Calling model",
			"agent", a.name,
			"model", llm.Name(),
			"contents", len(req.Contents),
			"cached", req.CacheMetadata != nil && req.CacheMetadata.Active())

		for resp, err := range llm.GenerateContent(ctx, req, a.enableStreaming) {
			if err != nil {
				yield(nil, fmt.Errorf("agent %q: %w", a.name, err))
				return
			}
			if resp == nil {
				continue
			}
			if !yield(a.buildEvent(ctx, resp), nil) {
				return
			}
			if ctx.Ended() {
				return
			}
		}
	}
}

func (a *Agent) buildRequest(ctx agent.InvocationContext) (*model.Request, error) {
	system, err := a.renderInstruction(ctx)
	if err != nil {
		return nil, err
	}

	req := &model.Request{
		Contents:      a.buildContents(ctx),
		Config:        a.generateConfig.Clone(),
		CacheMetadata: a.lastCacheMetadata(ctx.Session()),
	}
	if system != "" {
		req.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return req, nil
}

func (a *Agent) renderInstruction(ctx agent.InvocationContext) (string, error) {
	if a.instructionProvider != nil {
		text, err := a.instructionProvider(ctx)
		if err != nil {
			return "", fmt.Errorf("agent %q: instruction provider: %w", a.name, err)
		}
		return text, nil
	}
	if a.instruction == "" {
		return "", nil
	}
	text, err := instruction.InjectState(ctx, a.instruction)
	if err != nil {
		return "", fmt.Errorf("agent %q: %w", a.name, err)
	}
	return text, nil
}

// buildContents converts session events into model contents. Replies of
// other agents are presented as user context.
func (a *Agent) buildContents(ctx agent.InvocationContext) []*genai.Content {
	sess := ctx.Session()
	if sess == nil {
		if uc := ctx.UserContent(); uc != nil {
			return []*genai.Content{uc}
		}
		return nil
	}

	var events []*agent.Event
	for event := range sess.Events().All() {
		if event == nil || event.Partial || event.Content == nil || event.ErrorCode != "" {
			continue
		}
		events = append(events, event)
	}

	if a.includeContents == IncludeContentsNone {
		start := 0
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Author == agent.AuthorUser {
				start = i
				break
			}
		}
		events = events[start:]
	} else {
		events = a.history.FilterEvents(events)
	}

	contents := make([]*genai.Content, 0, len(events))
	for _, event := range events {
		if c := a.eventContent(event); c != nil {
			contents = append(contents, c)
		}
	}
	return contents
}

func (a *Agent) eventContent(event *agent.Event) *genai.Content {
	switch event.Author {
	case agent.AuthorUser:
		c := *event.Content
		c.Role = string(genai.RoleUser)
		return &c
	case a.name:
		c := *event.Content
		c.Role = string(genai.RoleModel)
		return &c
	default:
		text := agent.ContentText(event.Content)
		if text == "" {
			return nil
		}
		return genai.NewContentFromText(fmt.Sprintf("[%s] said: %s", event.Author, text), genai.RoleUser)
	}
}

// lastCacheMetadata returns the cache metadata of this agent's latest reply
// in the session.
func (a *Agent) lastCacheMetadata(sess agent.Session) *cache.Metadata {
	if sess == nil {
		return nil
	}
	events := sess.Events()
	for i := events.Len() - 1; i >= 0; i-- {
		event := events.At(i)
		if event == nil || event.Author != a.name || event.CacheMetadata == nil {
			continue
		}
		if err := event.CacheMetadata.Validate(); err != nil {
			slog.Debug("Ignoring invalid cache metadata", "agent", a.name, "error", err)
			return nil
		}
		return event.CacheMetadata.Clone()
	}
	return nil
}

func (a *Agent) buildEvent(ctx agent.InvocationContext, resp *model.Response) *agent.Event {
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = a.name
	event.Content = resp.Content
	event.Partial = resp.Partial
	event.TurnComplete = resp.TurnComplete
	event.ErrorCode = resp.ErrorCode
	event.ErrorMessage = resp.ErrorMessage
	event.CacheMetadata = resp.CacheMetadata

	if u := resp.Usage; u != nil {
		event.Usage = &agent.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			CachedTokens:     u.CachedTokens,
			TotalTokens:      u.TotalTokens,
		}
	}

	if a.outputKey != "" && !resp.Partial {
		if text := resp.TextContent(); text != "" {
			event.Actions.StateDelta[a.outputKey] = text
		}
	}
	return event
}

var _ agent.Agent = (*Agent)(nil)
