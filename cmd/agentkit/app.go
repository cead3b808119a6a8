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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/agentkit"
	"github.com/kadirpekel/agentkit/pkg/agent/history"
	"github.com/kadirpekel/agentkit/pkg/compiler"
	"github.com/kadirpekel/agentkit/pkg/config"
	"github.com/kadirpekel/agentkit/pkg/loader"
	"github.com/kadirpekel/agentkit/pkg/manager"
	"github.com/kadirpekel/agentkit/pkg/model/providers"
	"github.com/kadirpekel/agentkit/pkg/observability"
	"github.com/kadirpekel/agentkit/pkg/scanner"
	"github.com/kadirpekel/agentkit/pkg/session"
)

// app wires the components a command needs from the config file and the
// global flags.
type app struct {
	cfg     *config.Config
	dir     string
	caches  *compiler.CacheRegistry
	models  *providers.Registry
	pool    *config.DBPool
	metrics *observability.Metrics
	tracing *observability.Tracing
	manager *manager.Manager
}

// newApp builds the manager and scans dir. An empty dir uses the config's
// agents_dir.
func newApp(ctx context.Context, cli *CLI, cfg *config.Config, dir string) (*app, error) {
	if dir == "" {
		dir = cfg.AgentsDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid directory %s: %w", dir, err)
	}

	a := &app{
		cfg:    cfg,
		dir:    abs,
		caches: compiler.NewCacheRegistry(),
		models: providers.NewRegistry(providers.WithCacheConfig(cfg.Cache)),
		pool:   config.NewDBPool(),
	}

	metricsCfg := cfg.Metrics
	if cli.MetricsAddr != "" {
		metricsCfg.Enabled = true
		metricsCfg.Addr = cli.MetricsAddr
	}
	a.metrics, err = observability.InitMetrics(ctx, metricsCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.metrics.Enabled() && metricsCfg.Addr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, metricsCfg.Addr); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	tracingCfg := cfg.Tracing
	if cli.Tracing != "" {
		tracingCfg.Enabled = true
		tracingCfg.Exporter = cli.Tracing
	}
	if tracingCfg.ServiceVersion == "" {
		tracingCfg.ServiceVersion = agentkit.GetVersion().Version
	}
	a.tracing, err = observability.InitTracing(ctx, tracingCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	sessions, err := a.sessionStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	strategy, err := history.New(cfg.History)
	if err != nil {
		a.Close()
		return nil, err
	}

	ld := loader.New(loader.Options{
		Compiler: compiler.New(compiler.Options{
			Externals: cfg.Compiler.Externals,
			CacheDir:  cfg.Compiler.CacheDir,
			Registry:  a.caches,
		}),
		Models:       a.models,
		DefaultModel: cli.Model,
		History:      strategy,
	})
	a.manager = manager.New(manager.Options{
		Loader:   ld,
		Sessions: sessions,
		AppName:  cfg.AppName,
		UserID:   cfg.UserID,
		Debug:    cli.Debug,
	})

	if _, err := a.manager.ScanAgents(abs); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) sessionStore(ctx context.Context) (session.Store, error) {
	dbCfg := a.cfg.SessionDatabase()
	if dbCfg == nil {
		return session.New(a.cfg.Sessions.Backend, nil, "")
	}
	db, err := a.pool.Get(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	return session.New(a.cfg.Sessions.Backend, db, dbCfg.Dialect())
}

// Close stops every agent and removes the bundles compiled by this
// process.
func (a *app) Close() {
	if a.manager != nil {
		if err := a.manager.StopAllAgents(); err != nil {
			slog.Warn("Failed to stop agents", "error", err)
		}
	}
	if err := a.caches.Cleanup(); err != nil {
		slog.Warn("Failed to clean compile cache", "error", err)
	}
	if err := a.models.Close(); err != nil {
		slog.Warn("Failed to close models", "error", err)
	}
	if err := a.pool.Close(); err != nil {
		slog.Warn("Failed to close databases", "error", err)
	}
	if err := a.metrics.Shutdown(context.Background()); err != nil {
		slog.Warn("Failed to stop metrics", "error", err)
	}
	if err := a.tracing.Shutdown(context.Background()); err != nil {
		slog.Warn("Failed to flush traces", "error", err)
	}
}

// findAgent matches name against the registered agents by path, then by
// display name, then by the last path segment.
func findAgent(agents []scanner.AgentDescriptor, name string) (scanner.AgentDescriptor, error) {
	name = strings.Trim(path.Clean(filepath.ToSlash(name)), "/")
	matchers := []func(scanner.AgentDescriptor) bool{
		func(d scanner.AgentDescriptor) bool { return d.RelativePath == name },
		func(d scanner.AgentDescriptor) bool { return strings.EqualFold(d.DisplayName, name) },
		func(d scanner.AgentDescriptor) bool { return strings.EqualFold(filepath.Base(d.RelativePath), name) },
	}
	for _, match := range matchers {
		for _, d := range agents {
			if match(d) {
				return d, nil
			}
		}
	}

	paths := make([]string, 0, len(agents))
	for _, d := range agents {
		paths = append(paths, d.RelativePath)
	}
	err := error(&manager.AgentNotFoundError{Path: name})
	if len(paths) == 0 {
		return scanner.AgentDescriptor{}, fmt.Errorf("%w (no agents found)", err)
	}
	return scanner.AgentDescriptor{}, fmt.Errorf("%w (available: %s)", err, strings.Join(paths, ", "))
}

// explain adds the environment diagnostic to a missing variable error.
func explain(err error) error {
	var missing *loader.MissingEnvironmentVariableError
	if errors.As(err, &missing) {
		return fmt.Errorf("%w\n\n%s", err, missing.Diagnostic())
	}
	return err
}
