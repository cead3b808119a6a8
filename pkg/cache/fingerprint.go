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

package cache

import (
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/canonical"
)

type fingerprintInput struct {
	SystemInstruction    *genai.Content               `json:"system_instruction"`
	FunctionDeclarations []*genai.FunctionDeclaration `json:"function_declarations"`
	ToolConfig           *genai.ToolConfig            `json:"tool_config"`
	Contents             []*genai.Content             `json:"contents"`
}

// Fingerprint hashes the system instruction, the function declarations
// sorted by name, the tool config and the first count contents.
func Fingerprint(req *Request, count int) string {
	count = min(max(count, 0), len(req.Contents))

	input := fingerprintInput{
		SystemInstruction:    req.SystemInstruction,
		FunctionDeclarations: sortedDeclarations(req.Tools),
		ToolConfig:           req.ToolConfig,
		Contents:             req.Contents[:count],
	}

	fp, err := canonical.Hash(input)
	if err != nil {
		// Never equal to any other fingerprint.
		slog.Warn("Failed to fingerprint cache content", "error", err)
		return "unhashable-" + uuid.NewString()[:8]
	}
	return fp
}

func sortedDeclarations(tools []*genai.Tool) []*genai.FunctionDeclaration {
	var decls []*genai.FunctionDeclaration
	for _, t := range tools {
		if t == nil {
			continue
		}
		for _, d := range t.FunctionDeclarations {
			if d != nil {
				decls = append(decls, d)
			}
		}
	}
	sort.SliceStable(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}
