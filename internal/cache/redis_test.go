package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedis_Miss(t *testing.T) {
	c, _ := newTestRedis(t)
	if data, ok := c.Get(context.Background(), "absent"); ok || data != nil {
		t.Fatalf("Get = %q, %v", data, ok)
	}
}

func TestRedis_SetGetUsesPrefix(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	if err := c.Set(ctx, "cred:abc", []byte(`{"cookie":"x"}`), time.Hour); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Get(ctx, "cred:abc")
	if !ok || string(got) != `{"cookie":"x"}` {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if !mr.Exists("freechat:cred:abc") {
		t.Errorf("keys = %v", mr.Keys())
	}
}

func TestRedis_TTL(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 10*time.Second)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("missing before expiry")
	}
	mr.FastForward(11 * time.Second)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("present after expiry")
	}
}

func TestRedis_Delete(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("present after delete")
	}
	if err := c.Delete(ctx, "never-set"); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}
}

func TestRedis_DegradesWhenDown(t *testing.T) {
	c, mr := newTestRedis(t)
	mr.Close()

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("hit with redis down")
	}
	if err := c.Set(context.Background(), "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set with redis down: %v", err)
	}
	if err := c.Delete(context.Background(), "k"); err == nil {
		t.Fatal("Delete with redis down should report the failure")
	}
}

func TestRedis_InvalidURL(t *testing.T) {
	if _, err := NewRedisCacheFromURL(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNew_Modes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr := miniredis.RunT(t)

	tests := []struct {
		mode    Mode
		wantNil bool
		wantErr bool
	}{
		{ModeOff, true, false},
		{"", true, false},
		{ModeMemory, false, false},
		{ModeRedis, false, false},
		{"disk", true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			c, closeFn, err := New(ctx, tt.mode, "redis://"+mr.Addr())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if (c == nil) != tt.wantNil {
				t.Fatalf("cache = %v", c)
			}
			if closeFn != nil {
				_ = closeFn()
			}
		})
	}
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
