// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package logger builds the process slog pipeline. Debug mode prints colored
// lines; release mode writes JSON and exports records over OTLP.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/ngnhng/eventcore/internal/server/types"
)

const (
	ExporterNone     = "none"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

var ErrUnknownExporter = errors.New("unknown otel log exporter")

type Logger struct {
	Slogger *slog.Logger
	*sdklog.LoggerProvider
}

// Options is satisfied by config.Config.
type Options interface {
	ModeField() types.Mode
	Writer() io.Writer
	LogLevel() slog.Level
	LogFormat() string
	SampleRate() float64
	OTELExporter() string
	OTELEndpoint() string
	ExtraFields() map[string]string
	LogServiceName() string
	LogServiceVersion() string
}

func NewLogger(ctx context.Context, opts Options) (*Logger, error) {
	out := opts.Writer()
	if out == nil {
		return nil, fmt.Errorf("no log writer")
	}

	handlers := make([]slog.Handler, 0, 2)
	var provider *sdklog.LoggerProvider

	if opts.ModeField() == types.ModeDebug && opts.LogFormat() != "json" {
		handlers = append(handlers, NewDebugHandler(out, opts.LogLevel()))
	} else {
		handlers = append(handlers, formatHandler(out, opts.LogFormat(), opts.LogLevel()))

		exporter, err := newExporter(ctx, opts.OTELExporter(), opts.OTELEndpoint())
		if err != nil {
			return nil, err
		}
		if exporter != nil {
			res, err := resource.Merge(
				resource.Default(),
				resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceName(opts.LogServiceName()),
					semconv.ServiceVersion(opts.LogServiceVersion()),
				),
			)
			if err != nil {
				return nil, fmt.Errorf("log resource: %w", err)
			}
			provider = sdklog.NewLoggerProvider(
				sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
				sdklog.WithResource(res),
			)
			handlers = append(handlers, otelslog.NewHandler(opts.LogServiceName(), otelslog.WithLoggerProvider(provider)))
		}
	}

	var handler slog.Handler = &MultiHandler{handlers: handlers}
	if rate := opts.SampleRate(); rate < 1 {
		handler = NewSamplingHandler(handler, rate)
	}

	l := slog.New(handler)
	if fields := opts.ExtraFields(); len(fields) > 0 {
		attrs := make([]any, 0, len(fields))
		for k, v := range fields {
			attrs = append(attrs, slog.String(k, v))
		}
		l = l.With(attrs...)
	}

	return &Logger{Slogger: l, LoggerProvider: provider}, nil
}

// Shutdown flushes the OTLP provider when one was built.
func (l *Logger) Shutdown(ctx context.Context) error {
	if l == nil || l.LoggerProvider == nil {
		return nil
	}
	return l.LoggerProvider.Shutdown(ctx)
}

func formatHandler(out io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

func newExporter(ctx context.Context, kind, endpoint string) (sdklog.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", ExporterNone:
		return nil, nil
	case ExporterOTLPHTTP:
		var opts []otlploghttp.Option
		if endpoint != "" {
			opts = append(opts, otlploghttp.WithEndpointURL(endpoint))
		}
		return otlploghttp.New(ctx, opts...)
	case ExporterOTLPGRPC:
		var opts []otlploggrpc.Option
		if endpoint != "" {
			opts = append(opts, otlploggrpc.WithEndpointURL(endpoint))
		}
		return otlploggrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, kind)
	}
}
