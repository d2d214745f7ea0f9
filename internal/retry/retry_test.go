package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/suanli-labs/voice-core/internal/asr"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newController() *Controller {
	return NewController(Config{InitialInterval: time.Millisecond, MaxAttempts: 3}, newLogger())
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	c := newController()
	calls := 0
	got, err := Execute(context.Background(), c, func() (string, error) {
		calls++
		if calls < 3 {
			return "", asr.NewError(asr.KindServerError, "http 500")
		}
		return "午饭12元", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "午饭12元" {
		t.Fatalf("unexpected result: %q", got)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestExecuteStopsAtAttemptCap(t *testing.T) {
	c := newController()
	calls := 0
	_, err := Execute(context.Background(), c, func() (string, error) {
		calls++
		return "", asr.NewError(asr.KindReceiveTimeout, "no frame in 5s")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	var aerr *asr.Error
	if !errors.As(err, &aerr) || aerr.Kind != asr.KindReceiveTimeout {
		t.Fatalf("expected last classified error, got %v", err)
	}
}

func TestExecuteFatalPropagatesImmediately(t *testing.T) {
	c := newController()
	calls := 0
	_, err := Execute(context.Background(), c, func() (string, error) {
		calls++
		return "", asr.NewError(asr.KindUnauthorized, "http 401")
	})
	if calls != 1 {
		t.Fatalf("fatal error must not retry, got %d attempts", calls)
	}
	var aerr *asr.Error
	if !errors.As(err, &aerr) || aerr.Kind != asr.KindUnauthorized {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRateLimitGateFailsFast(t *testing.T) {
	c := newController()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	calls := 0
	_, err := Execute(context.Background(), c, func() (string, error) {
		calls++
		return "", &asr.Error{Kind: asr.KindRateLimited, Message: "http 429", RetryAfter: 5 * time.Second}
	})
	var aerr *asr.Error
	if !errors.As(err, &aerr) || aerr.Kind != asr.KindRateLimited {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("rate limit must not retry inline, got %d attempts", calls)
	}

	// Second call within the window: gate rejects without invoking op.
	base = base.Add(2 * time.Second)
	_, err = Execute(context.Background(), c, func() (string, error) {
		calls++
		return "", nil
	})
	if !errors.As(err, &aerr) || aerr.Kind != asr.KindRateLimited {
		t.Fatalf("expected gate rejection, got %v", err)
	}
	if calls != 1 {
		t.Fatal("gated call must not reach the operation")
	}
	if aerr.RetryAfter != 3*time.Second {
		t.Fatalf("expected 3s remaining, got %v", aerr.RetryAfter)
	}

	// After the window elapses the gate opens again.
	base = base.Add(4 * time.Second)
	got, err := Execute(context.Background(), c, func() (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("expected success after window, got %q, %v", got, err)
	}
}

func TestRateLimitDefaultWindow(t *testing.T) {
	c := newController()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	_, _ = Execute(context.Background(), c, func() (string, error) {
		return "", asr.NewError(asr.KindRateLimited, "http 429, no hint")
	})
	if got := c.RateLimitedFor(); got != DefaultRateLimitWindow {
		t.Fatalf("expected default window %v, got %v", DefaultRateLimitWindow, got)
	}
}

func TestClassifyPassThroughAndFallback(t *testing.T) {
	tagged := asr.NewError(asr.KindServerError, "boom")
	if got := Classify(tagged); got != tagged {
		t.Fatal("tagged errors must pass through unchanged")
	}
	if got := Classify(errors.New("mystery")); got.Kind != asr.KindUnknown {
		t.Fatalf("expected unknown kind, got %s", got.Kind)
	}
	if got := Classify(context.DeadlineExceeded); got.Kind != asr.KindReceiveTimeout {
		t.Fatalf("expected receive-timeout for deadline, got %s", got.Kind)
	}
}
