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

// Package config loads the agentkit.yaml configuration.
//
// The file is optional. Values may reference environment variables as
// ${VAR}, ${VAR:-default} or $VAR; they are expanded before decoding.
// Command line flags override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/agentkit/pkg/agent/history"
	"github.com/kadirpekel/agentkit/pkg/cache"
	"github.com/kadirpekel/agentkit/pkg/observability"
)

// DefaultFileName is looked up in the working directory when no path is
// given.
const DefaultFileName = "agentkit.yaml"

// Defaults.
const (
	DefaultUserID    = "user"
	DefaultAgentsDir = "."
	DefaultCacheDir  = ".agentkit/cache"
)

// Session backends.
const (
	SessionBackendMemory = "memory"
	SessionBackendSQL    = "sql"
)

// DefaultExternals are never bundled; they resolve to host modules.
var DefaultExternals = []string{"@agentkit/*"}

// Config is the root configuration.
type Config struct {
	// AppName groups sessions. Empty uses each agent's own name.
	AppName string `yaml:"app_name" json:"app_name,omitempty" jsonschema:"title=App Name,description=Application name sessions are stored under (default: agent name)"`

	// UserID owns the sessions created by the CLI.
	UserID string `yaml:"user_id" json:"user_id,omitempty" jsonschema:"title=User ID,default=user"`

	// AgentsDir is the directory scanned for agents.
	AgentsDir string `yaml:"agents_dir" json:"agents_dir,omitempty" jsonschema:"title=Agents Directory,default=."`

	Cache     cache.Config                `yaml:"cache" json:"cache,omitempty" jsonschema:"title=Context Cache"`
	Sessions  SessionsConfig              `yaml:"sessions" json:"sessions,omitempty" jsonschema:"title=Sessions"`
	Databases map[string]*DatabaseConfig  `yaml:"databases" json:"databases,omitempty" jsonschema:"title=Databases"`
	Compiler  CompilerConfig              `yaml:"compiler" json:"compiler,omitempty" jsonschema:"title=Compiler"`
	History   history.Config              `yaml:"history" json:"history,omitempty" jsonschema:"title=History"`
	Log       LogConfig                   `yaml:"log" json:"log,omitempty" jsonschema:"title=Logging"`
	Metrics   observability.MetricsConfig `yaml:"metrics" json:"metrics,omitempty" jsonschema:"title=Metrics"`
	Tracing   observability.TracingConfig `yaml:"tracing" json:"tracing,omitempty" jsonschema:"title=Tracing"`
}

// SessionsConfig selects the session store.
type SessionsConfig struct {
	// Backend is "memory" or "sql".
	Backend string `yaml:"backend" json:"backend,omitempty" jsonschema:"title=Backend,enum=memory,enum=sql,default=memory"`

	// Database names an entry of the databases section (sql backend).
	Database string `yaml:"database" json:"database,omitempty" jsonschema:"title=Database,description=Name of a databases entry"`
}

// CompilerConfig configures agent bundling.
type CompilerConfig struct {
	// Externals are module patterns left out of bundles. A trailing "/*"
	// matches a whole package scope.
	Externals []string `yaml:"externals" json:"externals,omitempty" jsonschema:"title=Externals,default=@agentkit/*"`

	// CacheDir is the bundle output directory relative to each project root.
	CacheDir string `yaml:"cache_dir" json:"cache_dir,omitempty" jsonschema:"title=Cache Directory,default=.agentkit/cache"`
}

// Load reads path. An empty path tries DefaultFileName and falls back to
// defaults when it does not exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg := &Config{}
			cfg.SetDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data, expands environment references, applies
// defaults and validates.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	cfg := &Config{}
	if raw != nil {
		if err := decode(ExpandEnvVarsInData(raw), cfg); err != nil {
			return nil, err
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(input any, out *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.UserID == "" {
		c.UserID = DefaultUserID
	}
	if c.AgentsDir == "" {
		c.AgentsDir = DefaultAgentsDir
	}
	c.Cache.SetDefaults()
	if c.Sessions.Backend == "" {
		c.Sessions.Backend = SessionBackendMemory
	}
	for _, db := range c.Databases {
		if db != nil {
			db.SetDefaults()
		}
	}
	if len(c.Compiler.Externals) == 0 {
		c.Compiler.Externals = append([]string(nil), DefaultExternals...)
	}
	if c.Compiler.CacheDir == "" {
		c.Compiler.CacheDir = DefaultCacheDir
	}
	c.Log.SetDefaults()
	c.Tracing.SetDefaults()
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	switch c.Sessions.Backend {
	case SessionBackendMemory:
	case SessionBackendSQL:
		if c.Sessions.Database == "" {
			return fmt.Errorf("sessions.database is required for the sql backend")
		}
		if _, ok := c.Databases[c.Sessions.Database]; !ok {
			return fmt.Errorf("sessions.database %q is not defined in databases", c.Sessions.Database)
		}
	default:
		return fmt.Errorf("invalid sessions.backend %q (valid: memory, sql)", c.Sessions.Backend)
	}

	for name, db := range c.Databases {
		if db == nil {
			return fmt.Errorf("databases.%s: empty definition", name)
		}
		if err := db.Validate(); err != nil {
			return fmt.Errorf("databases.%s: %w", name, err)
		}
	}

	if c.Cache.TTL < time.Minute {
		return fmt.Errorf("cache.ttl must be at least 1m, got %s", c.Cache.TTL)
	}
	if c.Compiler.CacheDir == "" {
		return fmt.Errorf("compiler.cache_dir is required")
	}
	if _, err := history.New(c.History); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	return c.Log.Validate()
}

// SessionDatabase returns the database of the sql session backend, or nil.
func (c *Config) SessionDatabase() *DatabaseConfig {
	if c.Sessions.Backend != SessionBackendSQL {
		return nil
	}
	return c.Databases[c.Sessions.Database]
}
