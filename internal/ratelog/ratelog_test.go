package ratelog

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestLogger() *Logger {
	base := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(base)
}

func TestWarnSuppressesWithinCooldown(t *testing.T) {
	l := newTestLogger()
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	calls := 0
	l.base = slog.New(countingHandler(&calls))

	ctx := context.Background()
	l.Warn(ctx, "ingest-drop", "dropping frame")
	l.Warn(ctx, "ingest-drop", "dropping frame")
	if calls != 1 {
		t.Fatalf("expected second warn within cooldown to be suppressed, got %d calls", calls)
	}
}

func TestWarnFiresAgainAfterCooldown(t *testing.T) {
	l := newTestLogger()
	current := time.Now()
	l.now = func() time.Time { return current }

	calls := 0
	l.base = slog.New(countingHandler(&calls))

	ctx := context.Background()
	l.Warn(ctx, "ingest-drop", "dropping frame")
	current = current.Add(warnCooldown + time.Second)
	l.Warn(ctx, "ingest-drop", "dropping frame")
	if calls != 2 {
		t.Fatalf("expected warn to fire again after cooldown elapsed, got %d calls", calls)
	}
}

func TestDistinctKeysDoNotSuppressEachOther(t *testing.T) {
	l := newTestLogger()
	calls := 0
	l.base = slog.New(countingHandler(&calls))

	ctx := context.Background()
	l.Warn(ctx, "key-a", "a")
	l.Warn(ctx, "key-b", "b")
	if calls != 2 {
		t.Fatalf("expected distinct keys to both log, got %d calls", calls)
	}
}

func TestResetClearsCooldownState(t *testing.T) {
	l := newTestLogger()
	calls := 0
	l.base = slog.New(countingHandler(&calls))

	ctx := context.Background()
	l.Warn(ctx, "key", "msg")
	l.Reset()
	l.Warn(ctx, "key", "msg")
	if calls != 2 {
		t.Fatalf("expected reset to clear suppression, got %d calls", calls)
	}
}

type countFn struct {
	count *int
}

func countingHandler(count *int) slog.Handler {
	return &countFn{count: count}
}

func (h *countFn) Enabled(context.Context, slog.Level) bool { return true }
func (h *countFn) Handle(context.Context, slog.Record) error {
	*h.count++
	return nil
}
func (h *countFn) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *countFn) WithGroup(string) slog.Handler      { return h }
