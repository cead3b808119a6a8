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
	"database/sql"
	"fmt"

	"github.com/kadirpekel/agentkit/pkg/agent"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
)

// Store is a Service that can also enumerate every session it holds.
type Store interface {
	Service
	agent.SessionSource
}

// New returns the session store for backend. The sql backend requires db
// and its dialect.
func New(backend string, db *sql.DB, dialect string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewInMemoryService(), nil
	case BackendSQL:
		if db == nil {
			return nil, fmt.Errorf("sql session backend requires a database")
		}
		svc, err := NewSQLService(db, dialect)
		if err != nil {
			return nil, err
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q (valid: memory, sql)", backend)
	}
}
