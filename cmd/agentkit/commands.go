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
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kadirpekel/agentkit/pkg/compiler"
	"github.com/kadirpekel/agentkit/pkg/config"
	"github.com/kadirpekel/agentkit/pkg/project"
	"github.com/kadirpekel/agentkit/pkg/scanner"
)

// ListCmd prints the agents found under a directory.
type ListCmd struct {
	Dir  string `arg:"" optional:"" help:"Directory to scan (default: agents_dir)." type:"path"`
	JSON bool   `help:"Print descriptors as JSON."`
}

func (c *ListCmd) Run(cfg *config.Config) error {
	dir := c.Dir
	if dir == "" {
		dir = cfg.AgentsDir
	}
	agents, err := scanner.Scan(dir)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(agents)
	}
	if len(agents) == 0 {
		fmt.Println("No agents found.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tNAME\tFILE")
	for _, d := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.RelativePath, d.DisplayName, d.AbsolutePath)
	}
	return tw.Flush()
}

// SessionsCmd lists or deletes the stored sessions of an agent.
type SessionsCmd struct {
	Agent  string `arg:"" help:"Agent path or name."`
	Dir    string `short:"d" help:"Directory to scan (default: agents_dir)." type:"path"`
	Delete string `help:"Delete the session with this ID."`
}

func (c *SessionsCmd) Run(cli *CLI, cfg *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cli, cfg, c.Dir)
	if err != nil {
		return err
	}
	defer a.Close()

	desc, err := findAgent(a.manager.Agents(), c.Agent)
	if err != nil {
		return err
	}
	if c.Delete != "" {
		if err := a.manager.DeleteSession(ctx, desc.RelativePath, c.Delete); err != nil {
			return explain(err)
		}
		fmt.Printf("Deleted session %s\n", c.Delete)
		return nil
	}

	sessions, err := a.manager.ListSessions(ctx, desc.RelativePath)
	if err != nil {
		return explain(err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENTS\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", s.ID(), s.Events().Len(), s.LastUpdateTime().Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// CleanCmd removes the compile cache of a project.
type CleanCmd struct {
	Dir string `arg:"" optional:"" help:"Project directory (default: current directory)." type:"path"`
}

func (c *CleanCmd) Run(cfg *config.Config) error {
	dir := c.Dir
	if dir == "" {
		dir = "."
	}
	root := project.FindRoot(dir)
	if err := compiler.CleanRoot(root, cfg.Compiler.CacheDir); err != nil {
		return err
	}
	fmt.Printf("Cleaned compile cache of %s\n", root)
	return nil
}
