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
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// Metadata describes the context cache state carried between model calls.
// Values are never mutated once returned; the manager hands out copies.
//
// A Metadata without CacheName is fingerprint-only: no provider-side cache
// is active and ExpireTime is zero.
type Metadata struct {
	CacheName       string    `json:"cache_name,omitempty"`
	ExpireTime      time.Time `json:"expire_time,omitzero"`
	Fingerprint     string    `json:"fingerprint"`
	InvocationsUsed int       `json:"invocations_used"`
	ContentsCount   int       `json:"contents_count"`
	CreatedAt       time.Time `json:"created_at,omitzero"`
}

// Active reports whether the metadata references a provider-side cache.
func (m *Metadata) Active() bool {
	return m != nil && m.CacheName != ""
}

// Validate checks the metadata invariants.
func (m *Metadata) Validate() error {
	if m == nil {
		return errors.New("cache metadata is nil")
	}
	if m.Fingerprint == "" {
		return errors.New("cache metadata fingerprint is required")
	}
	if m.ContentsCount < 0 {
		return fmt.Errorf("cache metadata contents_count must be >= 0, got %d", m.ContentsCount)
	}
	if m.InvocationsUsed < 0 {
		return fmt.Errorf("cache metadata invocations_used must be >= 0, got %d", m.InvocationsUsed)
	}
	return nil
}

// Clone returns a copy of m.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

func (m *Metadata) String() string {
	if m == nil {
		return "<nil>"
	}
	if !m.Active() {
		return fmt.Sprintf("fingerprint-only(fp=%s, contents=%d)", m.Fingerprint, m.ContentsCount)
	}
	return fmt.Sprintf("cache(name=%s, fp=%s, contents=%d, used=%d, expires=%s)",
		m.CacheName, m.Fingerprint, m.ContentsCount, m.InvocationsUsed, m.ExpireTime.Format(time.RFC3339))
}

// Request is the cache-relevant view of an outgoing model request.
type Request struct {
	Model             string
	SystemInstruction *genai.Content
	Tools             []*genai.Tool
	ToolConfig        *genai.ToolConfig
	Contents          []*genai.Content

	// Metadata is the cache state returned for the previous call in the
	// same conversation, nil on the first call.
	Metadata *Metadata

	// CacheableTokens is a precomputed token count for the cacheable
	// prefix. Zero means unknown and triggers a provider count.
	CacheableTokens int
}

// Intent tells the caller how to rewrite its request to use a cache.
type Intent struct {
	// CachedContent is the provider cache reference.
	CachedContent string

	// DropLeading is the number of leading contents already held by the
	// cache.
	DropLeading int
}

// Apply rewrites a Gemini request: the system instruction, tools and tool
// config move into the cache, the cache reference is set and the cached
// leading contents are removed. It returns the remaining contents.
func (i *Intent) Apply(cfg *genai.GenerateContentConfig, contents []*genai.Content) []*genai.Content {
	if i == nil || cfg == nil {
		return contents
	}
	cfg.SystemInstruction = nil
	cfg.Tools = nil
	cfg.ToolConfig = nil
	cfg.CachedContent = i.CachedContent

	drop := min(max(i.DropLeading, 0), len(contents))
	return contents[drop:]
}

func intentFor(m *Metadata) *Intent {
	if !m.Active() {
		return nil
	}
	return &Intent{CachedContent: m.CacheName, DropLeading: m.ContentsCount}
}

// PrefixLength returns the number of leading contents eligible for caching:
// everything before the trailing run of user contents, so a request served
// from a cache always carries the new user turn.
func PrefixLength(contents []*genai.Content) int {
	n := len(contents)
	for n > 0 && contents[n-1] != nil && contents[n-1].Role == string(genai.RoleUser) {
		n--
	}
	return n
}
