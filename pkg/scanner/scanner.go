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

// Package scanner discovers agent files under a directory.
package scanner

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/kadirpekel/agentkit/pkg/project"
)

// AgentFiles are the file names that mark an agent directory, in order of
// preference.
var AgentFiles = []string{"agent.ts", "agent.js"}

// SkipDirs are never descended into. Hidden directories are skipped too.
var SkipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".agentkit":    true,
	"coverage":     true,
}

// containers are leading path segments that only group agents.
var containers = []string{"src/agents/", "agents/"}

// maxNameScan bounds how much of a source file is searched for a name.
const maxNameScan = 64 << 10

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bname\s*:\s*["'` + "`" + `]([^"'` + "`" + `\n]+)["'` + "`" + `]`),
	regexp.MustCompile(`AgentBuilder\s*\.\s*create\(\s*["'` + "`" + `]([^"'` + "`" + `\n]+)["'` + "`" + `]`),
}

// AgentDescriptor identifies an agent found by a scan.
type AgentDescriptor struct {
	// RelativePath is the agent's identity within the scan root, with
	// forward slashes.
	RelativePath string `json:"relativePath"`

	// DisplayName is a best guess until the agent is loaded.
	DisplayName string `json:"displayName"`

	AbsolutePath string `json:"absolutePath"`
	ProjectRoot  string `json:"projectRoot"`
}

// Scan walks root and returns the agents found, sorted by RelativePath.
func Scan(root string) ([]AgentDescriptor, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid scan root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("failed to scan %s: not a directory", root)
	}

	byPath := make(map[string]AgentDescriptor)
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Debug("Skipping unreadable path", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != abs && (SkipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
			return fs.SkipDir
		}

		file := agentFile(p)
		if file == "" {
			return nil
		}
		desc := describe(abs, p, file)
		if prev, dup := byPath[desc.RelativePath]; dup {
			slog.Warn("Duplicate agent path, keeping the first", "path", desc.RelativePath, "kept", prev.AbsolutePath, "ignored", desc.AbsolutePath)
			return nil
		}
		byPath[desc.RelativePath] = desc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	out := make([]AgentDescriptor, 0, len(byPath))
	for _, d := range byPath {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

// agentFile returns the preferred agent file in dir, or "".
func agentFile(dir string) string {
	for _, name := range AgentFiles {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

func describe(root, dir, file string) AgentDescriptor {
	return AgentDescriptor{
		RelativePath: RelativePath(root, dir),
		DisplayName:  DisplayName(file),
		AbsolutePath: file,
		ProjectRoot:  project.FindRoot(file),
	}
}

// RelativePath names the agent in dir relative to root. A leading agents/
// or src/agents/ segment is dropped and an agent at the root itself is
// named after the root directory.
func RelativePath(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return filepath.Base(root)
	}
	rel = filepath.ToSlash(rel)
	for _, prefix := range containers {
		if trimmed, ok := strings.CutPrefix(rel, prefix); ok && trimmed != "" {
			return trimmed
		}
	}
	return rel
}

// DisplayName returns the first agent name literal in file, falling back
// to the name of its directory.
func DisplayName(file string) string {
	fallback := path.Base(filepath.ToSlash(filepath.Dir(file)))

	f, err := os.Open(file)
	if err != nil {
		return fallback
	}
	defer f.Close()
	src, err := io.ReadAll(io.LimitReader(f, maxNameScan))
	if err != nil {
		return fallback
	}

	best, name := -1, ""
	for _, re := range namePatterns {
		m := re.FindSubmatchIndex(src)
		if m == nil || (best >= 0 && m[0] >= best) {
			continue
		}
		best, name = m[0], strings.TrimSpace(string(src[m[2]:m[3]]))
	}
	if name == "" {
		return fallback
	}
	return name
}
