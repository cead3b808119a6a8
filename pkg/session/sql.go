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
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agentkit/pkg/agent"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLService implements Service on a SQL database. Concurrency is left to
// database transactions.
type SQLService struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

type sessionRow struct {
	AppName   string
	UserID    string
	ID        string
	StateJSON string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS agentkit_sessions (
    app_name VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    id VARCHAR(255) NOT NULL,
    state_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (app_name, user_id, id)
)`

const createEventsSchemaSQL = `
CREATE TABLE IF NOT EXISTS agentkit_session_events (
    id VARCHAR(255) NOT NULL,
    app_name VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    author VARCHAR(255),
    invocation_id VARCHAR(255),
    event_json TEXT NOT NULL,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (app_name, user_id, session_id, id)
)`

const createEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_agentkit_events_session ON agentkit_session_events(app_name, user_id, session_id, sequence_num)`

// NewSQLService creates a SQL-backed session service and its schema.
func NewSQLService(db *sql.DB, dialect string) (*SQLService, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	case "sqlite3":
		dialect = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLService{db: db, dialect: dialect, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLService) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{createSessionsSchemaSQL, createEventsSchemaSQL}
	// MySQL has no CREATE INDEX IF NOT EXISTS.
	if s.dialect != "mysql" {
		statements = append(statements, createEventsIndexSQL)
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Get implements Service.
func (s *SQLService) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	sess, err := s.getSession(ctx, req.AppName, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	events, err := s.getEvents(ctx, req.AppName, req.UserID, req.SessionID, req.NumRecentEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	sess.events = &memoryEvents{events: events}

	return &GetResponse{Session: sess}, nil
}

// Create implements Service.
func (s *SQLService) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	state := trimTempState(req.State)
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	now := s.now().UTC()
	query := s.rebind(`INSERT INTO agentkit_sessions (app_name, user_id, id, state_json, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, req.AppName, req.UserID, sessionID, string(stateJSON), now, now); err != nil {
		if _, getErr := s.getSession(ctx, req.AppName, req.UserID, sessionID); getErr == nil {
			return nil, ErrSessionExists
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &CreateResponse{Session: &memorySession{
		id:             sessionID,
		appName:        req.AppName,
		userID:         req.UserID,
		state:          newMemoryState(state),
		events:         &memoryEvents{},
		lastUpdateTime: now,
	}}, nil
}

// AppendEvent implements Service. Partial events are ignored.
func (s *SQLService) AppendEvent(ctx context.Context, sess Session, event *agent.Event) error {
	if sess == nil || event == nil {
		return errors.New("session and event are required")
	}
	if event.Partial {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	delta := trimTempState(event.Actions.StateDelta)
	if len(delta) > 0 {
		if err := s.mergeSessionStateTx(ctx, tx, sess, delta); err != nil {
			return fmt.Errorf("failed to update session state: %w", err)
		}
	}

	var seq int
	seqQuery := s.rebind(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM agentkit_session_events
            WHERE app_name = ? AND user_id = ? AND session_id = ?`)
	if err := tx.QueryRowContext(ctx, seqQuery, sess.AppName(), sess.UserID(), sess.ID()).Scan(&seq); err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	now := s.now().UTC()
	insert := s.rebind(`INSERT INTO agentkit_session_events
            (id, app_name, user_id, session_id, author, invocation_id, event_json, sequence_num, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, event.ID, sess.AppName(), sess.UserID(), sess.ID(),
		event.Author, event.InvocationID, string(eventJSON), seq, now); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	touch := s.rebind(`UPDATE agentkit_sessions SET updated_at = ? WHERE app_name = ? AND user_id = ? AND id = ?`)
	res, err := tx.ExecContext(ctx, touch, now, sess.AppName(), sess.UserID(), sess.ID())
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if ms, ok := sess.(*memorySession); ok {
		ms.apply(event, now)
	}
	return nil
}

func (s *SQLService) mergeSessionStateTx(ctx context.Context, tx *sql.Tx, sess Session, delta map[string]any) error {
	var stateJSON sql.NullString
	query := s.rebind(`SELECT state_json FROM agentkit_sessions WHERE app_name = ? AND user_id = ? AND id = ?`)
	err := tx.QueryRowContext(ctx, query, sess.AppName(), sess.UserID(), sess.ID()).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}

	state, err := decodeState(stateJSON.String)
	if err != nil {
		return err
	}
	maps.Copy(state, delta)

	merged, err := json.Marshal(state)
	if err != nil {
		return err
	}
	update := s.rebind(`UPDATE agentkit_sessions SET state_json = ? WHERE app_name = ? AND user_id = ? AND id = ?`)
	_, err = tx.ExecContext(ctx, update, string(merged), sess.AppName(), sess.UserID(), sess.ID())
	return err
}

// List implements Service.
func (s *SQLService) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	query := `SELECT app_name, user_id, id, state_json, created_at, updated_at
              FROM agentkit_sessions WHERE app_name = ?`
	args := []any{req.AppName}
	if req.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, req.UserID)
	}
	query += " ORDER BY updated_at DESC"

	sessions, err := s.querySessions(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	SortByRecency(sessions)
	return &ListResponse{Sessions: sessions}, nil
}

// Delete implements Service.
func (s *SQLService) Delete(ctx context.Context, req *DeleteRequest) error {
	eventQuery := s.rebind(`DELETE FROM agentkit_session_events WHERE app_name = ? AND user_id = ? AND session_id = ?`)
	if _, err := s.db.ExecContext(ctx, eventQuery, req.AppName, req.UserID, req.SessionID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	query := s.rebind(`DELETE FROM agentkit_sessions WHERE app_name = ? AND user_id = ? AND id = ?`)
	if _, err := s.db.ExecContext(ctx, query, req.AppName, req.UserID, req.SessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// AllSessions yields every stored session with its events. Read errors end
// the sequence and are logged.
func (s *SQLService) AllSessions(ctx context.Context) iter.Seq[agent.Session] {
	return func(yield func(agent.Session) bool) {
		sessions, err := s.querySessions(ctx, `SELECT app_name, user_id, id, state_json, created_at, updated_at FROM agentkit_sessions`)
		if err != nil {
			slog.Warn("Failed to enumerate sessions", "error", err)
			return
		}
		for _, sess := range sessions {
			ms := sess.(*memorySession)
			events, err := s.getEvents(ctx, ms.appName, ms.userID, ms.id, 0)
			if err != nil {
				slog.Warn("Failed to load session events", "session_id", ms.id, "error", err)
				continue
			}
			ms.events = &memoryEvents{events: events}
			if !yield(ms) {
				return
			}
		}
	}
}

// Close closes the underlying database.
func (s *SQLService) Close() error {
	return s.db.Close()
}

func (s *SQLService) getSession(ctx context.Context, appName, userID, sessionID string) (*memorySession, error) {
	query := s.rebind(`SELECT app_name, user_id, id, state_json, created_at, updated_at
              FROM agentkit_sessions WHERE app_name = ? AND user_id = ? AND id = ?`)

	var row sessionRow
	var stateJSON sql.NullString
	err := s.db.QueryRowContext(ctx, query, appName, userID, sessionID).Scan(
		&row.AppName, &row.UserID, &row.ID, &stateJSON, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	row.StateJSON = stateJSON.String
	return rowToSession(&row)
}

func (s *SQLService) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var row sessionRow
		var stateJSON sql.NullString
		if err := rows.Scan(&row.AppName, &row.UserID, &row.ID, &stateJSON, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		row.StateJSON = stateJSON.String
		sess, err := rowToSession(&row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLService) getEvents(ctx context.Context, appName, userID, sessionID string, numRecent int) ([]*agent.Event, error) {
	query := `SELECT event_json, sequence_num FROM agentkit_session_events
              WHERE app_name = ? AND user_id = ? AND session_id = ?
              ORDER BY sequence_num DESC`
	args := []any{appName, userID, sessionID}
	if numRecent > 0 {
		query += " LIMIT ?"
		args = append(args, numRecent)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*agent.Event
	for rows.Next() {
		var raw string
		var seq int
		if err := rows.Scan(&raw, &seq); err != nil {
			return nil, err
		}
		var ev agent.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", seq, err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows come newest first so LIMIT keeps the most recent ones.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func rowToSession(row *sessionRow) (*memorySession, error) {
	state, err := decodeState(row.StateJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode state of session %s: %w", row.ID, err)
	}
	return &memorySession{
		id:             row.ID,
		appName:        row.AppName,
		userID:         row.UserID,
		state:          newMemoryState(state),
		events:         &memoryEvents{},
		lastUpdateTime: row.UpdatedAt,
	}, nil
}

func decodeState(raw string) (map[string]any, error) {
	state := make(map[string]any)
	if raw == "" || raw == "null" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return state, nil
}

// rebind converts ? placeholders to $N for postgres.
func (s *SQLService) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

var (
	_ Service             = (*SQLService)(nil)
	_ agent.SessionSource = (*SQLService)(nil)
)
