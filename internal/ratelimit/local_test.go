package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalLimiter_WindowSlides(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLocalLimiter(1)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "chat"); !ok {
		t.Fatal("first request should pass")
	}
	now = now.Add(30 * time.Second)
	if ok, _ := l.Allow(ctx, "chat"); ok {
		t.Fatal("second request inside the window should be blocked")
	}
	now = now.Add(31 * time.Second)
	if ok, _ := l.Allow(ctx, "chat"); !ok {
		t.Fatal("request after the window should pass")
	}
}
