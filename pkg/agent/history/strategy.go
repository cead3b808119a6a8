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

// Package history selects which session events an agent sends to its model.
package history

import (
	"fmt"

	"github.com/kadirpekel/agentkit/pkg/agent"
)

// Strategy filters conversation history before a model call.
type Strategy interface {
	// FilterEvents returns the events to include, oldest first.
	FilterEvents(events []*agent.Event) []*agent.Event

	// Name returns the strategy identifier.
	Name() string
}

// Strategy names.
const (
	StrategyAll          = "all"
	StrategyBufferWindow = "buffer_window"
)

// Config contains configuration for creating a history strategy.
type Config struct {
	Strategy   string `yaml:"strategy" json:"strategy,omitempty" jsonschema:"title=Strategy,enum=all,enum=buffer_window,default=all"`
	WindowSize int    `yaml:"window_size" json:"window_size,omitempty" jsonschema:"title=Window Size,description=Events kept by buffer_window,minimum=1,default=20"`
}

// New creates a history strategy from cfg.
func New(cfg Config) (Strategy, error) {
	switch cfg.Strategy {
	case "", StrategyAll:
		return All{}, nil
	case StrategyBufferWindow:
		return NewBufferWindow(cfg.WindowSize), nil
	default:
		return nil, fmt.Errorf("unknown history strategy: %s (valid options: all, buffer_window)", cfg.Strategy)
	}
}

// All keeps every event.
type All struct{}

func (All) Name() string                                      { return StrategyAll }
func (All) FilterEvents(events []*agent.Event) []*agent.Event { return events }
