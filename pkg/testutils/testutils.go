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

// Package testutils provides fakes and fixtures shared by package tests.
package testutils

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/model"
)

// EchoLLM answers every request with "echo: " followed by the text of the
// last content. It records the system instructions it was sent.
type EchoLLM struct {
	mu      sync.Mutex
	systems []string
	calls   int
}

// NewEchoLLM returns an EchoLLM.
func NewEchoLLM() *EchoLLM {
	return &EchoLLM{}
}

func (e *EchoLLM) Name() string             { return "echo" }
func (e *EchoLLM) Provider() model.Provider { return model.ProviderUnknown }
func (e *EchoLLM) Close() error             { return nil }

// GenerateContent implements model.LLM.
func (e *EchoLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	e.mu.Lock()
	e.systems = append(e.systems, agent.ContentText(req.SystemInstruction))
	e.calls++
	e.mu.Unlock()

	last := ""
	if n := len(req.Contents); n > 0 {
		last = agent.ContentText(req.Contents[n-1])
	}
	return func(yield func(*model.Response, error) bool) {
		yield(&model.Response{
			Content:      genai.NewContentFromText("echo: "+last, genai.RoleModel),
			TurnComplete: true,
		}, nil)
	}
}

// Systems returns the system instructions received so far.
func (e *EchoLLM) Systems() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.systems...)
}

// Calls returns the number of model calls.
func (e *EchoLLM) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Resolver resolves every model name to the same LLM.
type Resolver struct {
	LLM model.LLM
}

// Resolve implements llmagent.ModelResolver.
func (r Resolver) Resolve(name string) (model.LLM, error) {
	return r.LLM, nil
}

// WriteFiles creates files under root, making parent directories as needed.
func WriteFiles(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

var _ model.LLM = (*EchoLLM)(nil)
