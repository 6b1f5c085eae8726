package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestConnect_URL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := Connect(ctx, Config{URL: "redis://" + mr.Addr() + "/0", MaxRetries: -1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Set(ctx, "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("expected value written through, got %q", got)
	}
}

func TestConnect_Addrs(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), Config{Mode: ModeSingle, Addrs: []string{mr.Addr()}})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = client.Close()
}

func TestConnect_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := Connect(ctx, Config{}); err == nil {
		t.Fatal("expected error without addresses")
	}
	if _, err := Connect(ctx, Config{URL: "://bad"}); err == nil {
		t.Fatal("expected parse error")
	}
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := Connect(ctx, Config{URL: "redis://" + addr, MaxRetries: -1}); err == nil {
		t.Fatal("expected ping failure against closed server")
	}
}

func TestConfig_Enabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Fatal("empty config must be disabled")
	}
	if !(Config{URL: "redis://localhost:6379"}).Enabled() {
		t.Fatal("url config must be enabled")
	}
}
