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
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanCompile     = "agentkit.compile"
	SpanLoad        = "agentkit.load"
	SpanSendMessage = "agentkit.send_message"
	SpanRunnerRun   = "agentkit.runner.run"
	SpanLLMCall     = "gen_ai.generate_content"
)

// Span attributes.
const (
	AttrSourcePath   = "agentkit.source_path"
	AttrBundleCached = "agentkit.bundle_cached"
	AttrAgentPath    = "agentkit.agent_path"
	AttrAgentName    = "agentkit.agent_name"
	AttrExport       = "agentkit.export"
	AttrAppName      = "agentkit.app_name"
	AttrUserID       = "agentkit.user_id"
	AttrSessionID    = "agentkit.session_id"

	AttrGenAISystem       = "gen_ai.system"
	AttrGenAIRequestModel = "gen_ai.request.model"
	AttrGenAIStream       = "gen_ai.request.stream"
	AttrGenAIInputTokens  = "gen_ai.usage.input_tokens"
	AttrGenAIOutputTokens = "gen_ai.usage.output_tokens"
	AttrGenAICachedTokens = "gen_ai.usage.cached_tokens"
)

// Tracing defaults.
const (
	DefaultServiceName   = "agentkit"
	DefaultOTLPEndpoint  = "localhost:4317"
	DefaultSamplingRate  = 1.0
	DefaultExportTimeout = 10 * time.Second
)

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled installs an SDK tracer provider. Without it spans are no-ops.
	Enabled bool `yaml:"enabled" json:"enabled,omitempty" jsonschema:"title=Enabled,default=false"`

	// Exporter is "otlp" (gRPC) or "stdout".
	Exporter string `yaml:"exporter" json:"exporter,omitempty" jsonschema:"title=Exporter,enum=otlp,enum=stdout,default=otlp"`

	// Endpoint is the OTLP collector address.
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty" jsonschema:"title=Endpoint,default=localhost:4317"`

	// Insecure disables TLS towards the collector. Defaults to true.
	Insecure *bool `yaml:"insecure" json:"insecure,omitempty" jsonschema:"title=Insecure"`

	// Headers are sent with every export request.
	Headers map[string]string `yaml:"headers" json:"headers,omitempty" jsonschema:"title=Headers"`

	// SamplingRate is the sampled fraction of traces, 0 to 1.
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate,omitempty" jsonschema:"title=Sampling Rate,minimum=0,maximum=1,default=1"`

	ServiceName    string `yaml:"service_name" json:"service_name,omitempty" jsonschema:"title=Service Name,default=agentkit"`
	ServiceVersion string `yaml:"service_version" json:"service_version,omitempty" jsonschema:"title=Service Version"`

	// Timeout bounds each export.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty" jsonschema:"title=Timeout,type=string,default=10s"`
}

// SetDefaults fills zero values.
func (c *TracingConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultOTLPEndpoint
	}
	if c.Insecure == nil {
		insecure := true
		c.Insecure = &insecure
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = DefaultSamplingRate
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultExportTimeout
	}
}

// Validate checks the config after defaults are applied.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case "otlp":
		if c.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the otlp exporter")
		}
	case "stdout":
	default:
		return fmt.Errorf("invalid exporter %q (valid: otlp, stdout)", c.Exporter)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %g", c.SamplingRate)
	}
	return nil
}

// Tracing owns the tracer provider installed by InitTracing.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// InitTracing installs a global tracer provider exporting to the configured
// backend. A disabled config leaves the no-op provider in place.
func InitTracing(ctx context.Context, cfg TracingConfig) (*Tracing, error) {
	if !cfg.Enabled {
		return &Tracing{}, nil
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Tracing{provider: provider}, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Exporter == "stdout" {
		// Stdout carries the chat; spans go to stderr.
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
	}
	if cfg.Insecure == nil || *cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Enabled reports whether spans are being exported.
func (t *Tracing) Enabled() bool {
	return t != nil && t.provider != nil
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Tracer returns the named tracer of tp, or of the global provider when tp
// is nil.
func Tracer(tp trace.TracerProvider, name string) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(name)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

