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

// Command agentkit discovers, loads and runs TypeScript/JavaScript agents.
//
// Usage:
//
//	agentkit list ./my-project
//	agentkit run weather --dir ./my-project --message "Weather in Paris?"
//	agentkit run weather --watch
//	agentkit sessions weather
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/agentkit"
	"github.com/kadirpekel/agentkit/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	List     ListCmd     `cmd:"" help:"List the agents found in a directory."`
	Run      RunCmd      `cmd:"" help:"Load an agent and send it messages."`
	Sessions SessionsCmd `cmd:"" help:"List the sessions of an agent."`
	Clean    CleanCmd    `cmd:"" help:"Remove compiled bundles."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the config file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config      string `short:"c" help:"Path to config file (default: agentkit.yaml when present)." type:"path" env:"AGENTKIT_CONFIG"`
	LogLevel    string `help:"Log level (debug, info, warn, error)." env:"AGENTKIT_LOG_LEVEL"`
	LogFile     string `help:"Log file path (empty = stderr)." env:"AGENTKIT_LOG_FILE"`
	LogFormat   string `help:"Log format (simple or verbose)." env:"AGENTKIT_LOG_FORMAT"`
	Debug       bool   `help:"Log script stack traces of load failures." env:"AGENTKIT_DEBUG"`
	Model       string `help:"Model used by agents that do not name one." env:"AGENTKIT_MODEL"`
	MetricsAddr string `name:"metrics-addr" help:"Serve Prometheus metrics on this address (e.g. :9464)." env:"AGENTKIT_METRICS_ADDR"`
	Tracing     string `help:"Export traces with this exporter (otlp or stdout)." env:"AGENTKIT_TRACING"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(agentkit.GetVersion())
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			slog.Info("Shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("agentkit"),
		kong.Description("agentkit - run TypeScript agents from the command line"),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	cleanup, err := initLogger(&cli, &cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = kctx.Run(&cli, cfg)
	kctx.FatalIfErrorf(err)
}
