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

package history

import "github.com/kadirpekel/agentkit/pkg/agent"

// DefaultWindowSize is used when the window size is not positive.
const DefaultWindowSize = 20

// BufferWindow keeps the most recent events. The window never starts in the
// middle of a turn: it is advanced to the first user event it contains.
type BufferWindow struct {
	size int
}

// NewBufferWindow creates a buffer window of size events.
func NewBufferWindow(size int) *BufferWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &BufferWindow{size: size}
}

// Name returns the strategy identifier.
func (w *BufferWindow) Name() string {
	return StrategyBufferWindow
}

// Size returns the window size.
func (w *BufferWindow) Size() int {
	return w.size
}

// FilterEvents returns at most Size events.
func (w *BufferWindow) FilterEvents(events []*agent.Event) []*agent.Event {
	if len(events) <= w.size {
		return events
	}
	window := events[len(events)-w.size:]
	for i, ev := range window {
		if ev.Author == agent.AuthorUser {
			return window[i:]
		}
	}
	return window
}
