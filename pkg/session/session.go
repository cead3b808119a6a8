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

// Package session provides conversation session storage.
//
// Sessions represent a series of interactions between a user and an agent.
// Each session has:
//   - A unique identifier
//   - Associated app and user
//   - State (key-value store)
//   - Event history
//
// Appending an event merges its state delta into the session state; keys
// prefixed with "temp:" never reach storage.
package session

import (
	"context"
	"errors"
	"iter"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agentkit/pkg/agent"
)

// Session is a stored conversation.
type Session = agent.Session

// Service manages session lifecycle and persistence.
type Service interface {
	// Get retrieves an existing session.
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)

	// Create creates a new session.
	Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error)

	// AppendEvent adds an event to the session history and applies its
	// state delta.
	AppendEvent(ctx context.Context, session Session, event *agent.Event) error

	// List returns the sessions of an app and user, most recently updated
	// first.
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)

	// Delete removes a session.
	Delete(ctx context.Context, req *DeleteRequest) error
}

// GetRequest contains parameters for retrieving a session.
type GetRequest struct {
	AppName   string
	UserID    string
	SessionID string

	// NumRecentEvents returns at most N most recent events. Zero returns
	// all events.
	NumRecentEvents int
}

// GetResponse contains the retrieved session.
type GetResponse struct {
	Session Session
}

// CreateRequest contains parameters for creating a session.
type CreateRequest struct {
	AppName   string
	UserID    string
	SessionID string // generated if empty
	State     map[string]any
}

// CreateResponse contains the created session.
type CreateResponse struct {
	Session Session
}

// ListRequest contains parameters for listing sessions.
type ListRequest struct {
	AppName string
	UserID  string
}

// ListResponse contains the list of sessions.
type ListResponse struct {
	Sessions []Session
}

// DeleteRequest contains parameters for deleting a session.
type DeleteRequest struct {
	AppName   string
	UserID    string
	SessionID string
}

// KeyPrefixTemp marks state keys discarded after each invocation.
const KeyPrefixTemp = "temp:"

var (
	// ErrStateKeyNotExist is returned when a state key doesn't exist.
	ErrStateKeyNotExist = errors.New("state key does not exist")

	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when creating a session whose ID is taken.
	ErrSessionExists = errors.New("session already exists")
)

// StateMap copies the state of s into a plain map.
func StateMap(s Session) map[string]any {
	out := make(map[string]any)
	if s == nil || s.State() == nil {
		return out
	}
	for k, v := range s.State().All() {
		out[k] = v
	}
	return out
}

// SortByRecency orders sessions most recently updated first.
func SortByRecency(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastUpdateTime().After(sessions[j].LastUpdateTime())
	})
}

func trimTempState(delta map[string]any) map[string]any {
	if len(delta) == 0 {
		return nil
	}
	out := make(map[string]any, len(delta))
	for k, v := range delta {
		if !strings.HasPrefix(k, KeyPrefixTemp) {
			out[k] = v
		}
	}
	return out
}

// memorySession is an in-memory Session implementation, also used as the
// loaded form of SQL-backed sessions.
type memorySession struct {
	id             string
	appName        string
	userID         string
	state          *memoryState
	events         *memoryEvents
	lastUpdateTime time.Time
	mu             sync.RWMutex
}

func (s *memorySession) ID() string           { return s.id }
func (s *memorySession) AppName() string      { return s.appName }
func (s *memorySession) UserID() string       { return s.userID }
func (s *memorySession) State() agent.State   { return s.state }
func (s *memorySession) Events() agent.Events { return s.events }

func (s *memorySession) LastUpdateTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdateTime
}

// recent returns a view sharing state with s that holds only the last n
// events.
func (s *memorySession) recent(n int) *memorySession {
	s.events.mu.RLock()
	events := append([]*agent.Event(nil), s.events.events[len(s.events.events)-n:]...)
	s.events.mu.RUnlock()
	return &memorySession{
		id:             s.id,
		appName:        s.appName,
		userID:         s.userID,
		state:          s.state,
		events:         &memoryEvents{events: events},
		lastUpdateTime: s.LastUpdateTime(),
	}
}

func (s *memorySession) apply(event *agent.Event, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range event.Actions.StateDelta {
		if strings.HasPrefix(k, KeyPrefixTemp) {
			continue
		}
		s.state.setLocked(k, v)
	}
	s.events.append(event)
	s.lastUpdateTime = at
}

// memoryState is an in-memory State implementation.
type memoryState struct {
	data map[string]any
	mu   sync.RWMutex
}

func newMemoryState(initial map[string]any) *memoryState {
	data := make(map[string]any, len(initial))
	maps.Copy(data, initial)
	return &memoryState{data: data}
}

func (s *memoryState) Get(key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return nil, ErrStateKeyNotExist
	}
	return val, nil
}

func (s *memoryState) Set(key string, val any) error {
	s.setLocked(key, val)
	return nil
}

func (s *memoryState) setLocked(key string, val any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = val
}

func (s *memoryState) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		s.mu.RLock()
		snapshot := maps.Clone(s.data)
		s.mu.RUnlock()
		for k, v := range snapshot {
			if !yield(k, v) {
				return
			}
		}
	}
}

func (s *memoryState) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// ClearTempKeys removes all keys with the temp: prefix.
func (s *memoryState) ClearTempKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.data {
		if strings.HasPrefix(key, KeyPrefixTemp) {
			delete(s.data, key)
		}
	}
}

// memoryEvents is an in-memory Events implementation.
type memoryEvents struct {
	events []*agent.Event
	mu     sync.RWMutex
}

func (e *memoryEvents) All() iter.Seq[*agent.Event] {
	return func(yield func(*agent.Event) bool) {
		e.mu.RLock()
		snapshot := append([]*agent.Event(nil), e.events...)
		e.mu.RUnlock()
		for _, ev := range snapshot {
			if !yield(ev) {
				return
			}
		}
	}
}

func (e *memoryEvents) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.events)
}

func (e *memoryEvents) At(i int) *agent.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if i < 0 || i >= len(e.events) {
		return nil
	}
	return e.events[i]
}

func (e *memoryEvents) append(event *agent.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

// InMemoryService is a Service keeping sessions in process memory.
type InMemoryService struct {
	sessions map[string]*memorySession
	mu       sync.RWMutex
	now      func() time.Time
}

// NewInMemoryService returns an empty in-memory session service.
func NewInMemoryService() *InMemoryService {
	return &InMemoryService{
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

func sessionKey(appName, userID, sessionID string) string {
	return appName + "\x00" + userID + "\x00" + sessionID
}

// Get implements Service.
func (s *InMemoryService) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionKey(req.AppName, req.UserID, req.SessionID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if req.NumRecentEvents > 0 && sess.events.Len() > req.NumRecentEvents {
		return &GetResponse{Session: sess.recent(req.NumRecentEvents)}, nil
	}
	return &GetResponse{Session: sess}, nil
}

// Create implements Service.
func (s *InMemoryService) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	key := sessionKey(req.AppName, req.UserID, sessionID)
	if _, exists := s.sessions[key]; exists {
		return nil, ErrSessionExists
	}

	sess := &memorySession{
		id:             sessionID,
		appName:        req.AppName,
		userID:         req.UserID,
		state:          newMemoryState(trimTempState(req.State)),
		events:         &memoryEvents{},
		lastUpdateTime: s.now(),
	}
	s.sessions[key] = sess

	return &CreateResponse{Session: sess}, nil
}

// AppendEvent implements Service. Partial events are ignored.
func (s *InMemoryService) AppendEvent(ctx context.Context, sess Session, event *agent.Event) error {
	if sess == nil || event == nil {
		return errors.New("session and event are required")
	}
	if event.Partial {
		return nil
	}

	s.mu.RLock()
	stored, ok := s.sessions[sessionKey(sess.AppName(), sess.UserID(), sess.ID())]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	stored.apply(event, s.now())
	return nil
}

// List implements Service.
func (s *InMemoryService) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	s.mu.RLock()
	var sessions []Session
	for _, sess := range s.sessions {
		if sess.appName == req.AppName && (req.UserID == "" || sess.userID == req.UserID) {
			sessions = append(sessions, sess)
		}
	}
	s.mu.RUnlock()

	SortByRecency(sessions)
	return &ListResponse{Sessions: sessions}, nil
}

// Delete implements Service.
func (s *InMemoryService) Delete(ctx context.Context, req *DeleteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(req.AppName, req.UserID, req.SessionID))
	return nil
}

// AllSessions yields every stored session regardless of app or user.
func (s *InMemoryService) AllSessions(ctx context.Context) iter.Seq[agent.Session] {
	return func(yield func(agent.Session) bool) {
		s.mu.RLock()
		snapshot := make([]*memorySession, 0, len(s.sessions))
		for _, sess := range s.sessions {
			snapshot = append(snapshot, sess)
		}
		s.mu.RUnlock()
		for _, sess := range snapshot {
			if !yield(sess) {
				return
			}
		}
	}
}

var (
	_ Session             = (*memorySession)(nil)
	_ agent.State         = (*memoryState)(nil)
	_ agent.TempClearable = (*memoryState)(nil)
	_ agent.Events        = (*memoryEvents)(nil)
	_ Service             = (*InMemoryService)(nil)
	_ agent.SessionSource = (*InMemoryService)(nil)
)
