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

package observability

import (
	"context"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/agentkit/pkg/model"
)

const meterName = "github.com/kadirpekel/agentkit/pkg/observability"

// RecorderOption configures InstrumentLLM.
type RecorderOption func(*recorderOptions)

type recorderOptions struct {
	provider metric.MeterProvider
	tracers  trace.TracerProvider
}

// WithMeterProvider records to mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) RecorderOption {
	return func(o *recorderOptions) { o.provider = mp }
}

// WithTracerProvider traces to tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) RecorderOption {
	return func(o *recorderOptions) { o.tracers = tp }
}

// instrumentedLLM records duration, token and error metrics and a client
// span for every model call.
type instrumentedLLM struct {
	model.LLM
	tracer trace.Tracer

	duration     metric.Float64Histogram
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	cachedTokens metric.Int64Counter
	errors       metric.Int64Counter
}

// InstrumentLLM wraps llm with call metrics and spans.
func InstrumentLLM(llm model.LLM, opts ...RecorderOption) model.LLM {
	o := recorderOptions{provider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}
	meter := o.provider.Meter(meterName)

	m := &instrumentedLLM{LLM: llm, tracer: Tracer(o.tracers, meterName)}
	m.duration, _ = meter.Float64Histogram("agentkit_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"))
	m.inputTokens, _ = meter.Int64Counter("agentkit_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLM"))
	m.outputTokens, _ = meter.Int64Counter("agentkit_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLM"))
	m.cachedTokens, _ = meter.Int64Counter("agentkit_llm_tokens_cached_total",
		metric.WithDescription("Total input tokens served from a context cache"))
	m.errors, _ = meter.Int64Counter("agentkit_llm_errors_total",
		metric.WithDescription("Total LLM errors"))
	return m
}

func (m *instrumentedLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		start := time.Now()
		ctx, span := m.tracer.Start(ctx, SpanLLMCall,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String(AttrGenAISystem, string(m.Provider())),
				attribute.String(AttrGenAIRequestModel, m.Name()),
				attribute.Bool(AttrGenAIStream, stream)))
		var (
			usage   *model.Usage
			callErr error
		)
		defer func() {
			m.record(ctx, time.Since(start), usage, callErr != nil)
			if usage != nil {
				span.SetAttributes(
					attribute.Int(AttrGenAIInputTokens, usage.PromptTokens),
					attribute.Int(AttrGenAIOutputTokens, usage.CompletionTokens),
					attribute.Int(AttrGenAICachedTokens, usage.CachedTokens))
			}
			EndSpan(span, callErr)
		}()

		for resp, err := range m.LLM.GenerateContent(ctx, req, stream) {
			if err != nil {
				if callErr == nil {
					callErr = err
				}
			} else if resp != nil && resp.Usage != nil && !resp.Partial {
				usage = resp.Usage
			}
			if !yield(resp, err) {
				return
			}
		}
	}
}

func (m *instrumentedLLM) record(ctx context.Context, d time.Duration, usage *model.Usage, failed bool) {
	attrs := metric.WithAttributes(
		attribute.String("model", m.Name()),
		attribute.String("provider", string(m.Provider())))

	m.duration.Record(ctx, d.Seconds(), attrs)
	if usage != nil {
		m.inputTokens.Add(ctx, int64(usage.PromptTokens), attrs)
		m.outputTokens.Add(ctx, int64(usage.CompletionTokens), attrs)
		m.cachedTokens.Add(ctx, int64(usage.CachedTokens), attrs)
	}
	if failed {
		m.errors.Add(ctx, 1, attrs)
	}
}
