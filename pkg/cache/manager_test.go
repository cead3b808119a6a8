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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeProvider struct {
	tokens    int
	minTokens int
	countErr  error
	createErr error
	deleteErr error

	created []string
	deleted []string
	counted int
}

func (p *fakeProvider) CountTokens(_ context.Context, _ string, _ *Content) (int, error) {
	p.counted++
	return p.tokens, p.countErr
}

func (p *fakeProvider) CreateCache(_ context.Context, _ string, content *Content, ttl time.Duration) (string, time.Time, error) {
	if p.createErr != nil {
		return "", time.Time{}, p.createErr
	}
	name := fmt.Sprintf("cachedContents/%d", len(p.created)+1)
	p.created = append(p.created, name)
	return name, time.Time{}, nil
}

func (p *fakeProvider) DeleteCache(_ context.Context, name string) error {
	p.deleted = append(p.deleted, name)
	return p.deleteErr
}

func (p *fakeProvider) MinCacheableTokens(string) int { return p.minTokens }

func text(role, s string) *genai.Content {
	return &genai.Content{Role: role, Parts: []*genai.Part{{Text: s}}}
}

func baseRequest(contents ...*genai.Content) *Request {
	return &Request{
		Model:             "gemini-2.0-flash",
		SystemInstruction: text("", "You are helpful."),
		Tools: []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{
			{Name: "search", Description: "search the web"},
			{Name: "calc", Description: "do math"},
		}}},
		Contents: contents,
	}
}

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestFingerprintDeterminism(t *testing.T) {
	a := baseRequest(text("user", "hi"), text("model", "hello"))
	b := baseRequest(text("user", "hi"), text("model", "hello"))
	b.Tools = []*genai.Tool{
		{FunctionDeclarations: []*genai.FunctionDeclaration{{Name: "calc", Description: "do math"}}},
		{FunctionDeclarations: []*genai.FunctionDeclaration{{Name: "search", Description: "search the web"}}},
	}

	assert.Equal(t, Fingerprint(a, 2), Fingerprint(b, 2))
	assert.Equal(t, Fingerprint(a, 1), Fingerprint(b, 1))
	assert.NotEqual(t, Fingerprint(a, 1), Fingerprint(a, 2))

	b.SystemInstruction = text("", "You are terse.")
	assert.NotEqual(t, Fingerprint(a, 2), Fingerprint(b, 2))
}

func TestFingerprintStateMapOrder(t *testing.T) {
	a := baseRequest(text("user", "hi"))
	a.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
		AllowedFunctionNames: []string{"calc"},
	}}
	b := baseRequest(text("user", "hi"))
	b.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
		AllowedFunctionNames: []string{"calc"},
	}}
	assert.Equal(t, Fingerprint(a, 1), Fingerprint(b, 1))
}

func TestHandleCreatesCache(t *testing.T) {
	p := &fakeProvider{tokens: 5000, minTokens: 1024}
	m := NewManager(p, Config{}, fixedClock(epoch))
	req := baseRequest(text("user", "hi"), text("model", "hello"), text("user", "more"))

	md, intent := m.Handle(context.Background(), req)

	require.NoError(t, md.Validate())
	assert.Equal(t, "cachedContents/1", md.CacheName)
	assert.Equal(t, 1, md.InvocationsUsed)
	assert.Equal(t, 3, md.ContentsCount)
	assert.Equal(t, epoch.Add(DefaultTTL), md.ExpireTime)
	assert.Equal(t, Fingerprint(req, 3), md.Fingerprint)
	require.NotNil(t, intent)
	assert.Equal(t, &Intent{CachedContent: "cachedContents/1", DropLeading: 3}, intent)
}

func TestHandleInvalidMetadataIsIgnored(t *testing.T) {
	p := &fakeProvider{tokens: 5000, minTokens: 1024}
	m := NewManager(p, Config{}, fixedClock(epoch))
	req := baseRequest(text("user", "hi"), text("model", "hello"))
	req.Metadata = &Metadata{
		CacheName:     "cachedContents/stale",
		ContentsCount: -1,
		ExpireTime:    epoch.Add(time.Hour),
	}

	md, intent := m.Handle(context.Background(), req)

	require.NoError(t, md.Validate())
	assert.Equal(t, "cachedContents/1", md.CacheName)
	assert.Equal(t, 2, md.ContentsCount)
	assert.Equal(t, Fingerprint(req, 2), md.Fingerprint)
	assert.Empty(t, p.deleted)
	assert.Equal(t, &Intent{CachedContent: "cachedContents/1", DropLeading: 2}, intent)
}

func TestHandleBelowMinimumIsFingerprintOnly(t *testing.T) {
	p := &fakeProvider{tokens: 500, minTokens: 1024}
	m := NewManager(p, Config{}, fixedClock(epoch))
	req := baseRequest(text("user", "hi"))

	md, intent := m.Handle(context.Background(), req)

	assert.Nil(t, intent)
	assert.False(t, md.Active())
	assert.True(t, md.ExpireTime.IsZero())
	assert.Equal(t, 0, md.InvocationsUsed)
	assert.Equal(t, 1, md.ContentsCount)
	assert.Empty(t, p.created)
}

func TestHandleConfiguredMinimum(t *testing.T) {
	p := &fakeProvider{tokens: 2000, minTokens: 1024}
	m := NewManager(p, Config{MinTokens: 4096}, fixedClock(epoch))

	md, intent := m.Handle(context.Background(), baseRequest(text("user", "hi")))
	assert.Nil(t, intent)
	assert.False(t, md.Active())
}

func TestHandlePrecomputedTokens(t *testing.T) {
	p := &fakeProvider{tokens: 0, minTokens: 1024}
	m := NewManager(p, Config{}, fixedClock(epoch))
	req := baseRequest(text("user", "hi"))
	req.CacheableTokens = 2048

	md, _ := m.Handle(context.Background(), req)
	assert.True(t, md.Active())
	assert.Equal(t, 0, p.counted)
}

func TestHandleReuseMonotonicity(t *testing.T) {
	p := &fakeProvider{tokens: 5000, minTokens: 1024}
	m := NewManager(p, Config{CacheIntervals: 3}, fixedClock(epoch))

	contents := []*genai.Content{text("user", "hi"), text("model", "hello")}
	md, _ := m.Handle(context.Background(), baseRequest(contents...))
	require.Equal(t, "cachedContents/1", md.CacheName)

	for k := 1; k < 3; k++ {
		contents = append(contents, text("user", fmt.Sprintf("turn %d", k)))
		req := baseRequest(contents...)
		req.Metadata = md

		next, intent := m.Handle(context.Background(), req)
		assert.Equal(t, "cachedContents/1", next.CacheName)
		assert.Equal(t, k+1, next.InvocationsUsed)
		assert.Equal(t, 2, intent.DropLeading)
		assert.Equal(t, k, md.InvocationsUsed, "previous metadata must not be mutated")
		md = next
	}

	contents = append(contents, text("user", "last"))
	req := baseRequest(contents...)
	req.Metadata = md
	next, _ := m.Handle(context.Background(), req)

	assert.NotEqual(t, "cachedContents/1", next.CacheName)
	assert.Equal(t, []string{"cachedContents/1"}, p.deleted)
	assert.Equal(t, "cachedContents/2", next.CacheName)
	assert.Equal(t, 2, next.ContentsCount, "new cache covers the old prefix")
	assert.Equal(t, 1, next.InvocationsUsed)
}

func TestHandleExpired(t *testing.T) {
	p := &fakeProvider{tokens: 5000, minTokens: 1024}
	now := epoch
	m := NewManager(p, Config{TTL: time.Minute}, WithClock(func() time.Time { return now }))

	req := baseRequest(text("user", "hi"))
	md, _ := m.Handle(context.Background(), req)
	require.True(t, md.Active())

	now = epoch.Add(time.Minute)
	req = baseRequest(text("user", "hi"), text("model", "yo"))
	req.Metadata = md
	next, _ := m.Handle(context.Background(), req)

	assert.Equal(t, []string{md.CacheName}, p.deleted)
	assert.NotEqual(t, md.CacheName, next.CacheName)
	assert.True(t, next.Active())
}

func TestHandlePrefixChangedFallsBack(t *testing.T) {
	p := &fakeProvider{tokens: 5000, minTokens: 1024}
	m := NewManager(p, Config{}, fixedClock(epoch))

	md, _ := m.Handle(context.Background(), baseRequest(text("user", "hi")))
	require.True(t, md.Active())

	req := baseRequest(text("user", "rewritten history"), text("model", "ok"))
	req.Metadata = md
	next, intent := m.Handle(context.Background(), req)

	assert.Nil(t, intent)
	assert.False(t, next.Active())
	assert.Equal(t, 2, next.ContentsCount)
	assert.Equal(t, Fingerprint(req, 2), next.Fingerprint)
	assert.Equal(t, []string{md.CacheName}, p.deleted)
	assert.Len(t, p.created, 1)
}

func TestHandleFingerprintOnlyUpgrades(t *testing.T) {
	p := &fakeProvider{tokens: 100, minTokens: 1024}
	m := NewManager(p, Config{}, fixedClock(epoch))

	first := baseRequest(text("user", "hi"))
	md, _ := m.Handle(context.Background(), first)
	require.False(t, md.Active())

	p.tokens = 4000
	second := baseRequest(text("user", "hi"), text("model", "hello"), text("user", "again"))
	second.Metadata = md
	next, intent := m.Handle(context.Background(), second)

	require.True(t, next.Active())
	assert.Equal(t, 1, next.ContentsCount)
	assert.Equal(t, 1, intent.DropLeading)
	assert.Empty(t, p.deleted)
}

func TestHandleProviderFailuresDegrade(t *testing.T) {
	p := &fakeProvider{tokens: 5000, minTokens: 1024, createErr: errors.New("quota")}
	m := NewManager(p, Config{}, fixedClock(epoch))

	md, intent := m.Handle(context.Background(), baseRequest(text("user", "hi")))
	assert.Nil(t, intent)
	assert.False(t, md.Active())

	p.countErr = errors.New("network")
	md, intent = m.Handle(context.Background(), baseRequest(text("user", "hi")))
	assert.Nil(t, intent)
	assert.False(t, md.Active())
}

func TestHandleDeleteFailureIsLogged(t *testing.T) {
	p := &fakeProvider{tokens: 5000, minTokens: 1024}
	m := NewManager(p, Config{CacheIntervals: 1}, fixedClock(epoch))

	md, _ := m.Handle(context.Background(), baseRequest(text("user", "hi")))
	p.deleteErr = errors.New("gone")

	req := baseRequest(text("user", "hi"), text("model", "x"))
	req.Metadata = md
	next, intent := m.Handle(context.Background(), req)

	assert.True(t, next.Active())
	assert.NotNil(t, intent)
}

func TestUnsupportedProvider(t *testing.T) {
	m := NewManager(Unsupported{}, Config{})
	req := baseRequest(text("user", "hi"))
	req.CacheableTokens = 1 << 20

	md, intent := m.Handle(context.Background(), req)
	assert.Nil(t, intent)
	assert.False(t, md.Active())

	req.Metadata = md
	md, intent = m.Handle(context.Background(), req)
	assert.Nil(t, intent)
	assert.False(t, md.Active())
}

func TestIntentApply(t *testing.T) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: text("", "sys"),
		Tools:             []*genai.Tool{{}},
		ToolConfig:        &genai.ToolConfig{},
	}
	contents := []*genai.Content{text("user", "a"), text("model", "b"), text("user", "c")}

	rest := (&Intent{CachedContent: "cachedContents/9", DropLeading: 2}).Apply(cfg, contents)

	assert.Nil(t, cfg.SystemInstruction)
	assert.Nil(t, cfg.Tools)
	assert.Nil(t, cfg.ToolConfig)
	assert.Equal(t, "cachedContents/9", cfg.CachedContent)
	assert.Equal(t, contents[2:], rest)

	var none *Intent
	assert.Equal(t, contents, none.Apply(cfg, contents))
}

func TestMetadataValidate(t *testing.T) {
	assert.Error(t, (&Metadata{}).Validate())
	assert.Error(t, (&Metadata{Fingerprint: "x", ContentsCount: -1}).Validate())
	assert.NoError(t, (&Metadata{Fingerprint: "x"}).Validate())
	var nilMD *Metadata
	assert.False(t, nilMD.Active())
}

func TestPrefixLength(t *testing.T) {
	assert.Equal(t, 0, PrefixLength(nil))
	assert.Equal(t, 0, PrefixLength([]*genai.Content{text("user", "a")}))
	assert.Equal(t, 2, PrefixLength([]*genai.Content{
		text("user", "a"), text("model", "b"), text("user", "c"), text("user", "d"),
	}))
	assert.Equal(t, 2, PrefixLength([]*genai.Content{text("user", "a"), text("model", "b")}))
}
