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

package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/agent"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newSQLiteService(t *testing.T) *SQLService {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	svc, err := NewSQLService(db, "sqlite3")
	require.NoError(t, err)
	return svc
}

// services returns each implementation with a deterministic clock.
func services(t *testing.T) map[string]Store {
	clock := &testClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}

	mem := NewInMemoryService()
	mem.now = clock.now

	sqlSvc := newSQLiteService(t)
	sqlSvc.now = clock.now

	return map[string]Store{"memory": mem, "sqlite": sqlSvc}
}

func textEvent(author, text string, delta map[string]any) *agent.Event {
	ev := agent.NewEvent("inv-1")
	ev.Author = author
	ev.Content = genai.NewContentFromText(text, genai.RoleModel)
	for k, v := range delta {
		ev.Actions.StateDelta[k] = v
	}
	return ev
}

func TestCreateAndGet(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created, err := svc.Create(ctx, &CreateRequest{
				AppName: "app",
				UserID:  "u1",
				State:   map[string]any{"topic": "go", "temp:scratch": 1},
			})
			require.NoError(t, err)
			require.NotEmpty(t, created.Session.ID())

			got, err := svc.Get(ctx, &GetRequest{AppName: "app", UserID: "u1", SessionID: created.Session.ID()})
			require.NoError(t, err)

			state := StateMap(got.Session)
			assert.Equal(t, "go", state["topic"])
			assert.NotContains(t, state, "temp:scratch")
			assert.Equal(t, 0, got.Session.Events().Len())
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Get(context.Background(), &GetRequest{AppName: "app", UserID: "u1", SessionID: "nope"})
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestCreateDuplicateID(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := svc.Create(ctx, &CreateRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
			require.NoError(t, err)
			_, err = svc.Create(ctx, &CreateRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
			assert.ErrorIs(t, err, ErrSessionExists)
		})
	}
}

func TestAppendEventAppliesStateDelta(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created, err := svc.Create(ctx, &CreateRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
			require.NoError(t, err)
			sess := created.Session

			require.NoError(t, svc.AppendEvent(ctx, sess, textEvent("assistant", "hi", map[string]any{
				"answer":     "hi",
				"temp:trace": true,
			})))

			partial := textEvent("assistant", "chunk", map[string]any{"ignored": true})
			partial.Partial = true
			require.NoError(t, svc.AppendEvent(ctx, sess, partial))

			// The caller's handle is updated in place.
			v, err := sess.State().Get("answer")
			require.NoError(t, err)
			assert.Equal(t, "hi", v)

			got, err := svc.Get(ctx, &GetRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
			require.NoError(t, err)
			state := StateMap(got.Session)
			assert.Equal(t, "hi", state["answer"])
			assert.NotContains(t, state, "temp:trace")
			assert.NotContains(t, state, "ignored")

			require.Equal(t, 1, got.Session.Events().Len())
			assert.Equal(t, "hi", got.Session.Events().At(0).TextContent())
			assert.Equal(t, "assistant", got.Session.Events().At(0).Author)
		})
	}
}

func TestGetNumRecentEvents(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created, err := svc.Create(ctx, &CreateRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
			require.NoError(t, err)
			for _, text := range []string{"one", "two", "three"} {
				require.NoError(t, svc.AppendEvent(ctx, created.Session, textEvent("user", text, nil)))
			}

			got, err := svc.Get(ctx, &GetRequest{AppName: "app", UserID: "u1", SessionID: "s1", NumRecentEvents: 2})
			require.NoError(t, err)
			require.Equal(t, 2, got.Session.Events().Len())
			assert.Equal(t, "two", got.Session.Events().At(0).TextContent())
			assert.Equal(t, "three", got.Session.Events().At(1).TextContent())
		})
	}
}

func TestListOrdersByRecency(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := svc.Create(ctx, &CreateRequest{AppName: "app", UserID: "u1", SessionID: "first"})
			require.NoError(t, err)
			_, err = svc.Create(ctx, &CreateRequest{AppName: "app", UserID: "u1", SessionID: "second"})
			require.NoError(t, err)
			_, err = svc.Create(ctx, &CreateRequest{AppName: "other", UserID: "u1", SessionID: "elsewhere"})
			require.NoError(t, err)

			// Touching "first" makes it the most recent.
			require.NoError(t, svc.AppendEvent(ctx, first.Session, textEvent("user", "hello", nil)))

			list, err := svc.List(ctx, &ListRequest{AppName: "app", UserID: "u1"})
			require.NoError(t, err)
			require.Len(t, list.Sessions, 2)
			assert.Equal(t, "first", list.Sessions[0].ID())
			assert.Equal(t, "second", list.Sessions[1].ID())
		})
	}
}

func TestDelete(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created, err := svc.Create(ctx, &CreateRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
			require.NoError(t, err)
			require.NoError(t, svc.AppendEvent(ctx, created.Session, textEvent("user", "x", nil)))

			require.NoError(t, svc.Delete(ctx, &DeleteRequest{AppName: "app", UserID: "u1", SessionID: "s1"}))

			_, err = svc.Get(ctx, &GetRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestAllSessions(t *testing.T) {
	for name, svc := range services(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"a", "b"} {
				created, err := svc.Create(ctx, &CreateRequest{AppName: "app", UserID: "u1", SessionID: id, State: map[string]any{"id": id}})
				require.NoError(t, err)
				require.NoError(t, svc.AppendEvent(ctx, created.Session, textEvent("user", id, nil)))
			}

			seen := map[string]int{}
			for sess := range svc.AllSessions(ctx) {
				seen[sess.ID()] = sess.Events().Len()
				assert.Equal(t, sess.ID(), StateMap(sess)["id"])
			}
			assert.Equal(t, map[string]int{"a": 1, "b": 1}, seen)
		})
	}
}

func TestNewFactory(t *testing.T) {
	svc, err := New("", nil, "")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryService{}, svc)

	_, err = New(BackendSQL, nil, "sqlite")
	assert.Error(t, err)

	_, err = New("redis", nil, "")
	assert.Error(t, err)
}

func TestClearTempKeys(t *testing.T) {
	st := newMemoryState(map[string]any{"keep": 1, "temp:drop": 2})
	st.ClearTempKeys()

	_, err := st.Get("temp:drop")
	assert.ErrorIs(t, err, ErrStateKeyNotExist)
	v, err := st.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}
