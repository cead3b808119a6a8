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

package jsrt

import (
	"errors"

	"github.com/dop251/goja"
	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/agentkit/pkg/envschema"
)

// ScriptError is a JavaScript exception or promise rejection.
type ScriptError struct {
	// Message is "Name: message" for Error objects, otherwise the thrown
	// value as a string.
	Message string

	// Stack is the JavaScript stack trace, when known.
	Stack string

	// Issues are schema issues carried by the thrown value (for example a
	// zod error) or by the wrapped Go error.
	Issues []envschema.Issue

	Err error
}

func (e *ScriptError) Error() string {
	return e.Message
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// SchemaIssues exposes the issues to error classification.
func (e *ScriptError) SchemaIssues() []envschema.Issue {
	return e.Issues
}

// toError converts errors returned by goja into ScriptErrors.
func (rt *Runtime) toError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return rt.valueError(exc.Value(), exc)
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
	}
	return err
}

// valueError describes a thrown or rejected value.
func (rt *Runtime) valueError(v goja.Value, exc *goja.Exception) error {
	se := &ScriptError{}
	if exc != nil {
		se.Err = exc
		se.Stack = exc.String()
	}

	obj, isObject := v.(*goja.Object)
	if !isObject {
		if isNullish(v) {
			se.Message = "undefined"
		} else {
			se.Message = v.String()
		}
		return se
	}

	se.Message = obj.String()
	if msg := obj.Get("message"); !isNullish(msg) {
		name := "Error"
		if n := obj.Get("name"); !isNullish(n) && n.String() != "" {
			name = n.String()
		}
		se.Message = name + ": " + msg.String()
	}
	if stack := obj.Get("stack"); se.Stack == "" && !isNullish(stack) {
		se.Stack = stack.String()
	}

	if issues := obj.Get("issues"); !isNullish(issues) {
		_ = mapstructure.WeakDecode(issues.Export(), &se.Issues)
	}
	// Errors raised by host functions carry the Go error as "value".
	if inner := obj.Get("value"); !isNullish(inner) {
		attachGoError(se, inner.Export())
	}
	return se
}

func attachGoError(se *ScriptError, v any) {
	if exported, ok := v.(error); ok {
		se.Err = exported
		var reporter envschema.IssueReporter
		if len(se.Issues) == 0 && errors.As(exported, &reporter) {
			se.Issues = reporter.SchemaIssues()
		}
	}
}

// isNullish reports whether v is nil, undefined or null.
func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}
