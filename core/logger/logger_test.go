package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestComponentNameRoundTrip(t *testing.T) {
	if got := ComponentName(context.Background()); got != "unknown" {
		t.Fatalf("ComponentName() = %q, want unknown", got)
	}
	ctx := WithComponentName(context.Background(), "scheduler")
	if got := ComponentName(ctx); got != "scheduler" {
		t.Fatalf("ComponentName() = %q, want scheduler", got)
	}
}

func TestForAddsComponentField(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	For(WithComponentName(context.Background(), "bus"), base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if v, ok := entries[0].ContextMap()["component"]; !ok || v != "bus" {
		t.Errorf("component field = %v, want bus", v)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Options{Level: "chatty"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	l, err := New(Options{Level: "debug", Development: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !l.Core().Enabled(zap.DebugLevel) {
		t.Error("expected debug level to be enabled")
	}
}
