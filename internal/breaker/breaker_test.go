package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSet_InitialStateClosed(t *testing.T) {
	s := NewSet(Config{})
	if s.StateLabel("gemini") != "closed" {
		t.Errorf("expected closed, got %s", s.StateLabel("gemini"))
	}
	if !s.Allow("gemini") {
		t.Error("closed breaker should allow requests")
	}
}

func TestSet_AllowUnknownProviderIsOptimistic(t *testing.T) {
	s := NewSet(Config{})
	if !s.Allow("never-seen") {
		t.Error("unregistered provider should be allowed (lazily registered closed)")
	}
}

func TestSet_OpensAfterThreshold(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 3})

	s.RecordFailure("qwen")
	s.RecordFailure("qwen")
	if s.StateLabel("qwen") != "closed" {
		t.Fatal("should remain closed before threshold")
	}

	s.RecordFailure("qwen")
	if s.StateLabel("qwen") != "open" {
		t.Error("should open at threshold")
	}
	if s.Allow("qwen") {
		t.Error("open breaker should reject requests")
	}
}

func TestSet_SuccessResetsCounter(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 3})
	s.RecordFailure("kimi")
	s.RecordFailure("kimi")
	s.RecordSuccess("kimi")

	s.RecordFailure("kimi")
	s.RecordFailure("kimi")
	if s.StateLabel("kimi") != "closed" {
		t.Error("counter should have reset on success")
	}
}

func TestSet_WindowExpiryResetsCounter(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 3, TimeWindow: 10 * time.Millisecond})
	s.RecordFailure("deepseek")
	s.RecordFailure("deepseek")

	time.Sleep(15 * time.Millisecond)

	s.RecordFailure("deepseek")
	if s.StateLabel("deepseek") != "closed" {
		t.Error("window should have reset the error counter")
	}
}

func TestSet_HalfOpenAfterTimeoutAllowsOneProbe(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 1, HalfOpenTimeout: 10 * time.Millisecond})
	s.RecordFailure("gemini")
	if s.StateLabel("gemini") != "open" {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if !s.Allow("gemini") {
		t.Error("should allow one probe after half-open timeout")
	}
	if s.StateLabel("gemini") != "half_open" {
		t.Errorf("expected half_open, got %s", s.StateLabel("gemini"))
	}
	if s.Allow("gemini") {
		t.Error("second request during in-flight probe should be rejected")
	}
}

func TestSet_HalfOpenFailureReopens(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 1, HalfOpenTimeout: 10 * time.Millisecond})
	s.RecordFailure("gemini")
	time.Sleep(15 * time.Millisecond)
	s.Allow("gemini") // transition to half-open

	s.RecordFailure("gemini")
	if s.StateLabel("gemini") != "open" {
		t.Error("probe failure should reopen the breaker")
	}
}

func TestSet_HalfOpenSuccessCloses(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 1, HalfOpenTimeout: 10 * time.Millisecond})
	s.RecordFailure("gemini")
	time.Sleep(15 * time.Millisecond)
	s.Allow("gemini")

	s.RecordSuccess("gemini")
	if s.StateLabel("gemini") != "closed" {
		t.Error("probe success should close the breaker")
	}
}

func TestSet_IndependentProviders(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 1})
	s.RecordFailure("qwen")

	if s.StateLabel("qwen") != "open" {
		t.Error("qwen should be open")
	}
	if s.StateLabel("kimi") != "closed" {
		t.Error("kimi should be unaffected")
	}
}

func TestSet_Reset(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 1})
	s.RecordFailure("qwen")
	if s.StateLabel("qwen") != "open" {
		t.Fatal("expected open")
	}

	s.Reset("qwen")
	if s.StateLabel("qwen") != "closed" {
		t.Error("Reset should force the breaker closed")
	}
	if !s.Allow("qwen") {
		t.Error("breaker should allow requests after Reset")
	}
}

func TestSet_Execute_SuccessRecordsSuccess(t *testing.T) {
	s := NewSet(Config{})
	err := s.Execute(context.Background(), "gemini", time.Second, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSet_Execute_FailurePropagatesAndRecordsFailure(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 1})
	want := errors.New("boom")

	err := s.Execute(context.Background(), "gemini", time.Second, func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if s.StateLabel("gemini") != "open" {
		t.Error("failure should have opened the breaker")
	}
}

func TestSet_Execute_TimeoutOpensBreaker(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 1})

	err := s.Execute(context.Background(), "gemini", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if s.StateLabel("gemini") != "open" {
		t.Error("timeout should have opened the breaker")
	}
}

func TestSet_Execute_RejectsWhenOpen(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 1})
	s.RecordFailure("gemini")

	err := s.Execute(context.Background(), "gemini", time.Second, func(ctx context.Context) error {
		t.Fatal("fn should not be invoked while the breaker is open")
		return nil
	})
	if err == nil {
		t.Fatal("expected circuit-open error")
	}
}

func TestSet_NextAttemptAt(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 1, HalfOpenTimeout: 30 * time.Second})
	if _, ok := s.NextAttemptAt("gemini"); ok {
		t.Error("closed breaker should report no next-attempt time")
	}

	s.RecordFailure("gemini")
	at, ok := s.NextAttemptAt("gemini")
	if !ok {
		t.Fatal("open breaker should report a next-attempt time")
	}
	if at.Before(time.Now()) {
		t.Error("next attempt time should be in the future")
	}
}

func TestSet_FailureCountAndIsOpen(t *testing.T) {
	s := NewSet(Config{ErrorThreshold: 3})

	if s.FailureCount("gemini") != 0 {
		t.Error("fresh provider should have zero failure count")
	}
	if s.IsOpen("gemini") {
		t.Error("fresh provider should not be open")
	}

	s.RecordFailure("gemini")
	s.RecordFailure("gemini")
	if s.FailureCount("gemini") != 2 {
		t.Errorf("expected failure count 2, got %d", s.FailureCount("gemini"))
	}
	if s.IsOpen("gemini") {
		t.Error("breaker should not be open before threshold")
	}

	s.RecordFailure("gemini")
	if !s.IsOpen("gemini") {
		t.Error("breaker should be open at threshold")
	}
}
