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

// Package instruction resolves state placeholders in agent instructions.
//
// # Placeholder Syntax
//
//	{variable}        - session state value
//	{temp:variable}   - invocation-scoped state value
//	{profile.name}    - nested field of a map-valued state entry
//	{variable?}       - optional, empty when missing
//
// Scalars render with fmt; maps and slices render as JSON.
//
//	out, err := instruction.Render("Help {user_name?} with {task}.", sess.State())
//
// Required placeholders that cannot be resolved fail with a
// *MissingKeyError. Braces whose content is not a state name, such as
// JSON examples inside an instruction, are left untouched.
package instruction
