// Package obs holds the relay's structured logger and Prometheus metrics.
package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
)

var (
	mu    sync.RWMutex
	level = new(slog.LevelVar)
	base  = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// SetOutput redirects all log lines to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	base = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	mu.Unlock()
}

type Fields map[string]any

func logWith(lvl slog.Level, msg string, f Fields) {
	mu.RLock()
	l := base
	mu.RUnlock()
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, f[k]))
	}
	l.LogAttrs(context.Background(), lvl, msg, attrs...)
}

func Info(msg string, f Fields)  { logWith(slog.LevelInfo, msg, f) }
func Warn(msg string, f Fields)  { logWith(slog.LevelWarn, msg, f) }
func Error(msg string, f Fields) { logWith(slog.LevelError, msg, f) }
func Debug(msg string, f Fields) { logWith(slog.LevelDebug, msg, f) }
