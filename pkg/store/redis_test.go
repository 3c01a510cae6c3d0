package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisPingsServer(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client, err := NewRedis(context.Background(), mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
}

func TestNewRedisFailsWhenUnreachable(t *testing.T) {
	if _, err := NewRedis(context.Background(), "127.0.0.1:1", "", 0); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestLoadTLSConfigDisabledByDefault(t *testing.T) {
	cfg, err := loadTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil TLS config when REDIS_TLS is unset")
	}
}

func TestLoadTLSConfigRequiresKeyPair(t *testing.T) {
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_CERT_FILE", "/tmp/cert.pem")
	t.Setenv("REDIS_TLS_KEY_FILE", "")
	if _, err := loadTLSConfigFromEnv(); err == nil {
		t.Fatal("expected error when only the cert file is set")
	}
}
