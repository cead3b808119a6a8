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
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/genai"
)

// Content is what gets stored in a provider-side cache.
type Content struct {
	SystemInstruction *genai.Content
	Tools             []*genai.Tool
	ToolConfig        *genai.ToolConfig
	Contents          []*genai.Content
}

// Provider is the provider cache API the manager drives.
type Provider interface {
	// CountTokens returns the token count of content for model.
	CountTokens(ctx context.Context, model string, content *Content) (int, error)

	// CreateCache stores content and returns the cache reference and its
	// expiry.
	CreateCache(ctx context.Context, model string, content *Content, ttl time.Duration) (name string, expireTime time.Time, err error)

	// DeleteCache removes a cache.
	DeleteCache(ctx context.Context, name string) error

	// MinCacheableTokens is the provider's absolute minimum cache size for
	// model.
	MinCacheableTokens(model string) int
}

// ErrUnsupported is returned by providers without a cache API.
var ErrUnsupported = errors.New("context caching not supported by provider")

// Unsupported is a Provider for models without context caching. Managers
// backed by it always return fingerprint-only metadata.
type Unsupported struct{}

func (Unsupported) CountTokens(context.Context, string, *Content) (int, error) {
	return 0, ErrUnsupported
}

func (Unsupported) CreateCache(context.Context, string, *Content, time.Duration) (string, time.Time, error) {
	return "", time.Time{}, ErrUnsupported
}

func (Unsupported) DeleteCache(context.Context, string) error { return nil }

func (Unsupported) MinCacheableTokens(string) int { return math.MaxInt }

// CacheProviderError wraps a failed provider call. It is logged and never
// returned to model callers.
type CacheProviderError struct {
	Op        string
	CacheName string
	Err       error
}

func (e *CacheProviderError) Error() string {
	if e.CacheName != "" {
		return fmt.Sprintf("cache provider %s %s: %v", e.Op, e.CacheName, e.Err)
	}
	return fmt.Sprintf("cache provider %s: %v", e.Op, e.Err)
}

func (e *CacheProviderError) Unwrap() error { return e.Err }
