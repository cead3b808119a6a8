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

package main

import (
	"fmt"
	"os"

	"github.com/kadirpekel/agentkit/pkg/config"
	"github.com/kadirpekel/agentkit/pkg/logger"
)

// logSettings resolves the effective log settings. Flags and their
// AGENTKIT_* variables win over the config file, which wins over defaults.
func logSettings(cli *CLI, cfg *config.LogConfig) config.LogConfig {
	out := config.LogConfig{Level: cli.LogLevel, File: cli.LogFile, Format: cli.LogFormat}
	if cfg != nil {
		if out.Level == "" {
			out.Level = cfg.Level
		}
		if out.File == "" {
			out.File = cfg.File
		}
		if out.Format == "" {
			out.Format = cfg.Format
		}
	}
	if cli.Debug && out.Level == "" {
		out.Level = "debug"
	}
	out.SetDefaults()
	return out
}

// initLogger installs the global logger. The returned cleanup closes the
// log file, if any.
func initLogger(cli *CLI, cfg *config.LogConfig) (func(), error) {
	settings := logSettings(cli, cfg)

	level, err := logger.ParseLevel(settings.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if settings.File != "" {
		file, closeFn, err := logger.OpenLogFile(settings.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFn
	}

	logger.Init(level, output, settings.Format)
	return cleanup, nil
}
