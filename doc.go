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

// Package agentkit runs TypeScript and JavaScript agents from Go.
//
// Agents are ordinary TypeScript modules built on the @agentkit/sdk host
// module. agentkit finds them in a project, bundles them with esbuild,
// executes the bundle in an embedded JavaScript runtime and drives the
// resulting agent tree against Gemini, Anthropic, OpenAI or Ollama models.
// Conversations live in sessions stored in memory or in a SQL database,
// and provider-side context caches are reused across turns.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/kadirpekel/agentkit/cmd/agentkit@latest
//
// Write an agent in agents/weather/agent.ts:
//
//	import { LlmAgent } from "@agentkit/sdk";
//
//	export default new LlmAgent({
//	  name: "weather",
//	  model: "gemini-2.5-flash",
//	  instruction: "Answer questions about the weather in {city?}.",
//	});
//
// Run it:
//
//	agentkit list
//	agentkit run weather --message "Will it rain tomorrow?"
//
// # Exports
//
// A module may export an agent instance, a builder exposing build() and
// withModel(), a bundle of agent, runner and session service, or a
// factory function returning any of these. Default exports are preferred
// over named ones.
//
// # Environment
//
// Variables are read from the .env files at the project root, .env.local
// first and .env last; the process environment always wins. Agents validating
// their environment with validateEnv fail with a diagnostic listing the
// missing required variables.
//
// # Packages
//
//   - pkg/manager: agent lifecycle and session binding
//   - pkg/loader: env files, compilation, execution and export resolution
//   - pkg/compiler: esbuild bundling and the compile cache
//   - pkg/jsrt: the JavaScript runtime and the host SDK
//   - pkg/cache: provider context cache reuse
//   - pkg/session, pkg/runner, pkg/agent: the agent model
//   - pkg/watch: hot reload
package agentkit
