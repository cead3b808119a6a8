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

package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/agentkit/pkg/session"
)

// ListSessions returns the stored sessions of the agent at path, most
// recently updated first. The agent is started to learn its app name.
func (m *Manager) ListSessions(ctx context.Context, path string) ([]session.Session, error) {
	h, err := m.StartAgent(ctx, path)
	if err != nil {
		return nil, err
	}
	resp, err := m.sessions.List(ctx, &session.ListRequest{AppName: h.AppName, UserID: h.UserID})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions of %s: %w", path, err)
	}
	return resp.Sessions, nil
}

// SwitchSession makes id the current session of the agent at path.
func (m *Manager) SwitchSession(ctx context.Context, path, id string) error {
	h, err := m.StartAgent(ctx, path)
	if err != nil {
		return err
	}
	_, err = m.sessions.Get(ctx, &session.GetRequest{AppName: h.AppName, UserID: h.UserID, SessionID: id, NumRecentEvents: 1})
	if errors.Is(err, session.ErrSessionNotFound) {
		return &SessionNotFoundError{Path: path, SessionID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return m.setSession(path, id)
}

// NewSession creates a session seeded with the agent's initial state and
// makes it current.
func (m *Manager) NewSession(ctx context.Context, path string) (session.Session, error) {
	h, err := m.StartAgent(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := m.createSession(ctx, &h, ""); err != nil {
		return nil, err
	}
	if err := m.setSession(path, h.SessionID); err != nil {
		return nil, err
	}
	resp, err := m.sessions.Get(ctx, &session.GetRequest{AppName: h.AppName, UserID: h.UserID, SessionID: h.SessionID})
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", h.SessionID, err)
	}
	return resp.Session, nil
}

// DeleteSession removes a stored session. Deleting the current session
// moves the agent to a fresh one.
func (m *Manager) DeleteSession(ctx context.Context, path, id string) error {
	h, err := m.StartAgent(ctx, path)
	if err != nil {
		return err
	}
	if err := m.sessions.Delete(ctx, &session.DeleteRequest{AppName: h.AppName, UserID: h.UserID, SessionID: id}); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if h.SessionID != id {
		return nil
	}
	if err := m.createSession(ctx, &h, ""); err != nil {
		return err
	}
	return m.setSession(path, h.SessionID)
}

// setSession records id as the current session of a loaded agent.
func (m *Manager) setSession(path, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[path]
	if !ok {
		return fmt.Errorf("agent %s is not loaded", path)
	}
	h.SessionID = id
	m.logger.Debug("Switched session", "path", path, "session", id)
	return nil
}
