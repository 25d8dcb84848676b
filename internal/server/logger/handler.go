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
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	color "github.com/fatih/color"
)

type (
	DebugHandler struct {
		out    io.Writer
		level  slog.Leveler
		attrs  []slog.Attr
		prefix string
		mut    *sync.Mutex
	}

	MultiHandler struct {
		handlers []slog.Handler
	}

	// SamplingHandler drops a share of records below warn level.
	SamplingHandler struct {
		next slog.Handler
		rate float64
	}
)

var (
	_ slog.Handler = (*DebugHandler)(nil)
	_ slog.Handler = (*MultiHandler)(nil)
	_ slog.Handler = (*SamplingHandler)(nil)
)

func NewDebugHandler(out io.Writer, level slog.Leveler) *DebugHandler {
	if level == nil {
		level = slog.LevelDebug
	}
	return &DebugHandler{out: out, level: level, mut: &sync.Mutex{}}
}

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func NewSamplingHandler(next slog.Handler, rate float64) *SamplingHandler {
	return &SamplingHandler{next: next, rate: rate}
}

// Handle implements slog.Handler
func (h *DebugHandler) Handle(_ context.Context, r slog.Record) error {
	timeStr := color.New(color.FgHiBlack).Sprint(r.Time.Format("15:04:05"))
	level := levelColor(r.Level)
	attrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+r.NumAttrs())
	copy(attrs, h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		a.Key = h.prefix + a.Key
		attrs = append(attrs, a)
		return true
	})
	logEntry := fmt.Sprintf("%s %s %s%s\n",
		timeStr,
		level,
		r.Message,
		formatAttributes(attrs),
	)

	h.mut.Lock()
	defer h.mut.Unlock()
	_, err := io.WriteString(h.out, logEntry)
	return err
}

// WithAttrs implements slog.Handler
func (h *DebugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		merged = append(merged, a)
	}
	return &DebugHandler{out: h.out, level: h.level, attrs: merged, prefix: h.prefix, mut: h.mut}
}

// WithGroup implements slog.Handler
func (h *DebugHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &DebugHandler{out: h.out, level: h.level, attrs: h.attrs, prefix: h.prefix + name + ".", mut: h.mut}
}

// Enabled implements slog.Handler
func (h *DebugHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Enabled implements slog.Handler
func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler
func (m *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		// A failing handler does not stop the others.
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("slog handlers: %v", errs)
	}
	return nil
}

// WithAttrs implements slog.Handler
func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: newHandlers}
}

// WithGroup implements slog.Handler
func (m *MultiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: newHandlers}
}

func (s *SamplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return s.next.Enabled(ctx, level)
}

func (s *SamplingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < slog.LevelWarn && rand.Float64() >= s.rate {
		return nil
	}
	return s.next.Handle(ctx, r)
}

func (s *SamplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SamplingHandler{next: s.next.WithAttrs(attrs), rate: s.rate}
}

func (s *SamplingHandler) WithGroup(name string) slog.Handler {
	return &SamplingHandler{next: s.next.WithGroup(name), rate: s.rate}
}

// levelColor returns a colored string representation of the log level.
func levelColor(level slog.Level) string {
	var bg, fg color.Attribute
	switch {
	case level >= slog.LevelError:
		bg, fg = color.BgRed, color.FgWhite
	case level >= slog.LevelWarn:
		bg, fg = color.BgYellow, color.FgBlack
	case level >= slog.LevelInfo:
		bg, fg = color.BgBlue, color.FgWhite
	case level >= slog.LevelDebug:
		bg, fg = color.BgMagenta, color.FgWhite
	default:
		bg, fg = color.BgWhite, color.FgBlack
	}

	return color.New(bg, fg, color.Bold).Sprint(" " + strings.ToUpper(level.String()) + " ")
}

// formatAttributes formats a slice of attributes as a space-separated string.
func formatAttributes(attrs []slog.Attr) string {
	if len(attrs) == 0 {
		return ""
	}

	parts := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		parts = append(parts, fmt.Sprintf("%s=%s", attr.Key, formatAttrValue(attr.Value)))
	}

	return " " + strings.Join(parts, " ")
}

// formatAttrValue formats a slog.Value based on its kind.
func formatAttrValue(v slog.Value) string {
	v = v.Resolve()

	switch v.Kind() {
	case slog.KindString:
		return fmt.Sprintf("%q", v.String())
	case slog.KindInt64:
		return fmt.Sprintf("%d", v.Int64())
	case slog.KindUint64:
		return fmt.Sprintf("%d", v.Uint64())
	case slog.KindFloat64:
		return fmt.Sprintf("%g", v.Float64())
	case slog.KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindGroup:
		group := v.Group()
		parts := make([]string, 0, len(group))
		for _, a := range group {
			parts = append(parts, a.Key+":"+formatAttrValue(a.Value))
		}
		return "{" + strings.Join(parts, " ") + "}"
	default:
		if err, ok := v.Any().(error); ok {
			return fmt.Sprintf("%q", err.Error())
		}
		return fmt.Sprintf("%v", v.Any())
	}
}
