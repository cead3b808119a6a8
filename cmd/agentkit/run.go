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
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/agentkit/pkg/config"
	"github.com/kadirpekel/agentkit/pkg/manager"
	"github.com/kadirpekel/agentkit/pkg/watch"
)

// RunCmd loads an agent and sends it messages.
type RunCmd struct {
	Agent   string   `arg:"" help:"Agent path or name."`
	Dir     string   `short:"d" help:"Directory to scan (default: agents_dir)." type:"path"`
	Message []string `short:"m" sep:"none" help:"Message to send; repeatable. Reads stdin line by line when omitted."`
	Session string   `short:"s" help:"Session ID to resume or create."`
	Attach  []string `short:"a" sep:"none" help:"File sent with the first message; repeatable." type:"existingfile"`
	Watch   bool     `short:"w" help:"Reload the agent when its files change."`
}

func (c *RunCmd) Run(cli *CLI, cfg *config.Config) error {
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
	var opts []manager.StartOption
	if c.Session != "" {
		opts = append(opts, manager.WithSessionID(c.Session))
	}
	h, err := a.manager.StartAgent(ctx, desc.RelativePath, opts...)
	if err != nil {
		return explain(err)
	}
	slog.Info("Agent ready", "agent", h.Agent.Name(), "path", h.Path, "session", h.SessionID)

	if c.Watch {
		if err := startWatcher(ctx, a); err != nil {
			return err
		}
	}

	attachments, err := readAttachments(c.Attach)
	if err != nil {
		return err
	}

	s := &chat{manager: a.manager, path: desc.RelativePath, out: os.Stdout, attachments: attachments}
	if len(c.Message) > 0 {
		for _, msg := range c.Message {
			if err := s.send(ctx, msg); err != nil {
				return explain(err)
			}
		}
		return nil
	}
	return s.loop(ctx, os.Stdin, os.Stderr)
}

// startWatcher reloads loaded agents whose files change under the scan
// directory.
func startWatcher(ctx context.Context, a *app) error {
	w, err := watch.New(watch.Config{
		Dirs: []string{a.dir},
		Targets: func() []watch.Target {
			var targets []watch.Target
			for _, d := range a.manager.Agents() {
				if a.manager.Status(d.RelativePath) == manager.StateLoaded {
					targets = append(targets, watch.Target{Path: d.RelativePath, Dir: filepath.Dir(d.AbsolutePath)})
				}
			}
			return targets
		},
		Reload: func(ctx context.Context, path string) error {
			h, err := a.manager.ReloadAgent(ctx, path)
			if err != nil {
				return explain(err)
			}
			slog.Info("Agent reloaded", "agent", h.Agent.Name(), "session", h.SessionID)
			return nil
		},
	})
	if err != nil {
		return err
	}
	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("File watcher stopped", "error", err)
		}
	}()
	return nil
}

// chat sends messages to one agent. Attachments go with the first message
// only.
type chat struct {
	manager     *manager.Manager
	path        string
	out         io.Writer
	attachments []manager.Attachment
}

func (s *chat) send(ctx context.Context, text string) error {
	reply, err := s.manager.SendMessage(ctx, s.path, text, s.attachments...)
	s.attachments = nil
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.out, reply)
	return err
}

// loop reads one message per line until EOF or /quit. Lines starting with
// a slash are session commands. Failed turns are reported and the loop
// continues.
func (s *chat) loop(ctx context.Context, in io.Reader, errOut io.Writer) error {
	lines := bufio.NewScanner(in)
	lines.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for lines.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(lines.Text())
		if line == "" {
			continue
		}

		var err error
		if strings.HasPrefix(line, "/") {
			var quit bool
			quit, err = s.command(ctx, line)
			if quit {
				return nil
			}
		} else {
			err = s.send(ctx, line)
		}
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", explain(err))
		}
	}
	return lines.Err()
}

// command runs a session command and reports whether the loop should end.
func (s *chat) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		sess, err := s.manager.NewSession(ctx, s.path)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Started session %s\n", sess.ID())
	case "/sessions":
		sessions, err := s.manager.ListSessions(ctx, s.path)
		if err != nil {
			return false, err
		}
		current := ""
		if h, ok := s.manager.Handle(s.path); ok {
			current = h.SessionID
		}
		for _, sess := range sessions {
			marker := " "
			if sess.ID() == current {
				marker = "*"
			}
			fmt.Fprintf(s.out, "%s %s (%d events)\n", marker, sess.ID(), sess.Events().Len())
		}
	case "/switch":
		if arg == "" {
			return false, fmt.Errorf("usage: /switch SESSION_ID")
		}
		if err := s.manager.SwitchSession(ctx, s.path, arg); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Switched to session %s\n", arg)
	case "/delete":
		if arg == "" {
			return false, fmt.Errorf("usage: /delete SESSION_ID")
		}
		if err := s.manager.DeleteSession(ctx, s.path, arg); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Deleted session %s\n", arg)
	case "/reload":
		h, err := s.manager.ReloadAgent(ctx, s.path)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Reloaded %s (session %s)\n", h.Agent.Name(), h.SessionID)
	default:
		return false, fmt.Errorf("unknown command %s (commands: /new, /sessions, /switch, /delete, /reload, /quit)", fields[0])
	}
	return false, nil
}

// readAttachments reads files and guesses their MIME type from the
// extension, then from the content.
func readAttachments(paths []string) ([]manager.Attachment, error) {
	out := make([]manager.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(p))
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = strings.TrimSpace(mimeType[:i])
		}
		out = append(out, manager.Attachment{Name: filepath.Base(p), MIMEType: mimeType, Data: data})
	}
	return out, nil
}
