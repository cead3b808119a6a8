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

package compiler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// probeSuffixes are tried, in order, after an alias target.
var probeSuffixes = []string{
	".ts", ".js", ".tsx", ".jsx", "",
	"/index.ts", "/index.js", "/index.tsx", "/index.jsx",
}

// Alias is one compilerOptions.paths entry.
type Alias struct {
	Pattern string
	Targets []string
}

// Aliases are the path mappings of a tsconfig file, resolved against its
// base directory.
type Aliases struct {
	BaseDir string
	Entries []Alias
}

type tsconfig struct {
	CompilerOptions struct {
		BaseURL string              `json:"baseUrl"`
		Paths   map[string][]string `json:"paths"`
	} `json:"compilerOptions"`
}

// LoadAliases reads the path mappings of a tsconfig file. A missing file
// yields no aliases.
func LoadAliases(path string) (*Aliases, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Aliases{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var cfg tsconfig
	if err := json.Unmarshal(StripJSONC(data), &cfg); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	aliases := &Aliases{BaseDir: filepath.Join(dir, filepath.FromSlash(cfg.CompilerOptions.BaseURL))}
	for pattern, targets := range cfg.CompilerOptions.Paths {
		aliases.Entries = append(aliases.Entries, Alias{Pattern: pattern, Targets: targets})
	}
	// Longer patterns are more specific.
	sort.Slice(aliases.Entries, func(i, j int) bool {
		a, b := aliases.Entries[i].Pattern, aliases.Entries[j].Pattern
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return aliases, nil
}

// Resolve maps specifier to an existing file, or returns "" when no alias
// applies.
func (a *Aliases) Resolve(specifier string) string {
	if a == nil {
		return ""
	}
	for _, entry := range a.Entries {
		wildcard, ok := matchPattern(entry.Pattern, specifier)
		if !ok {
			continue
		}
		for _, target := range entry.Targets {
			candidate := filepath.Join(a.BaseDir, filepath.FromSlash(strings.Replace(target, "*", wildcard, 1)))
			if file := probe(candidate); file != "" {
				return file
			}
		}
	}
	return ""
}

// matchPattern matches a pattern with at most one "*" and returns the text
// the wildcard covered.
func matchPattern(pattern, specifier string) (string, bool) {
	prefix, suffix, hasWildcard := strings.Cut(pattern, "*")
	if !hasWildcard {
		return "", pattern == specifier
	}
	if len(specifier) < len(prefix)+len(suffix) {
		return "", false
	}
	if !strings.HasPrefix(specifier, prefix) || !strings.HasSuffix(specifier, suffix) {
		return "", false
	}
	return specifier[len(prefix) : len(specifier)-len(suffix)], true
}

func probe(base string) string {
	for _, suffix := range probeSuffixes {
		candidate := base + filepath.FromSlash(suffix)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// aliasPlugin rewrites bare specifiers matching a tsconfig alias.
func aliasPlugin(aliases *Aliases, externals []string) api.Plugin {
	return api.Plugin{
		Name: "tsconfig-paths",
		Setup: func(build api.PluginBuild) {
			if aliases == nil || len(aliases.Entries) == 0 {
				return
			}
			build.OnResolve(api.OnResolveOptions{Filter: `^[^./]`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				if filepath.IsAbs(args.Path) || IsExternal(args.Path, externals) {
					return api.OnResolveResult{}, nil
				}
				if file := aliases.Resolve(args.Path); file != "" {
					return api.OnResolveResult{Path: file}, nil
				}
				return api.OnResolveResult{}, nil
			})
		},
	}
}

// StripJSONC removes comments and trailing commas so JSON-with-comments
// parses with encoding/json.
func StripJSONC(data []byte) []byte {
	return stripTrailingCommas(stripComments(data))
}

func stripComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString := false
	for i := 0; i < len(data); i++ {
		ch := data[i]
		if inString {
			out = append(out, ch)
			if ch == '\\' && i+1 < len(data) {
				i++
				out = append(out, data[i])
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch {
		case ch == '"':
			inString = true
			out = append(out, ch)
		case ch == '/' && i+1 < len(data) && data[i+1] == '/':
			for i+1 < len(data) && data[i+1] != '\n' {
				i++
			}
		case ch == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
				i++
			}
			i++
		default:
			out = append(out, ch)
		}
	}
	return out
}

func stripTrailingCommas(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString := false
	for i := 0; i < len(data); i++ {
		ch := data[i]
		if inString {
			out = append(out, ch)
			if ch == '\\' && i+1 < len(data) {
				i++
				out = append(out, data[i])
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
		}
		if ch == ',' {
			j := i + 1
			for j < len(data) && strings.ContainsRune(" \t\r\n", rune(data[j])) {
				j++
			}
			if j < len(data) && (data[j] == '}' || data[j] == ']') {
				continue
			}
		}
		out = append(out, ch)
	}
	return out
}
