package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/buerokratt/DMR/pkg/config"
)

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func testConfig(directoryURL string) *config.Config {
	return &config.Config{
		Addr:                  "127.0.0.1:0",
		Env:                   "test",
		DirectoryURL:          directoryURL,
		DirectoryPollInterval: time.Minute,
		QueueTTL:              30 * time.Second,
		ValidationFailuresTTL: time.Hour,
		RateLimitWindow:       time.Minute,
	}
}

func testDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": []interface{}{}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOpenRedis(t *testing.T) openRedisFunc {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	return func(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	}
}

func TestRunServerStartsAndStops(t *testing.T) {
	dirSrv := testDirectoryServer(t)

	err := runServer(
		func() (*config.Config, error) { return testConfig(dirSrv.URL), nil },
		noopTelemetry,
		testOpenRedis(t),
		func(server *http.Server) error { return errors.New("test-stop") },
	)
	if err == nil || err.Error() != "test-stop" {
		t.Fatalf("expected test-stop, got %v", err)
	}
}

func TestRunServerServerClosedIsClean(t *testing.T) {
	dirSrv := testDirectoryServer(t)

	err := runServer(
		func() (*config.Config, error) { return testConfig(dirSrv.URL), nil },
		noopTelemetry,
		testOpenRedis(t),
		func(server *http.Server) error { return http.ErrServerClosed },
	)
	if err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestRunServerConfigError(t *testing.T) {
	err := runServer(
		func() (*config.Config, error) { return nil, errors.New("boom") },
		noopTelemetry,
		nil,
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRunServerRedisError(t *testing.T) {
	dirSrv := testDirectoryServer(t)

	err := runServer(
		func() (*config.Config, error) { return testConfig(dirSrv.URL), nil },
		noopTelemetry,
		func(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
			return nil, errors.New("connection refused")
		},
		func(server *http.Server) error { return nil },
	)
	if err == nil || !strings.Contains(err.Error(), "redis") {
		t.Fatalf("expected redis error, got %v", err)
	}
}

func TestRunServerSurvivesDirectoryOutage(t *testing.T) {
	// Directory unreachable at boot: the relay still starts and keeps polling.
	err := runServer(
		func() (*config.Config, error) { return testConfig("http://127.0.0.1:1/centops/clients"), nil },
		noopTelemetry,
		testOpenRedis(t),
		func(server *http.Server) error { return errors.New("test-stop") },
	)
	if err == nil || err.Error() != "test-stop" {
		t.Fatalf("expected test-stop, got %v", err)
	}
}

func TestMainReportsFatal(t *testing.T) {
	origFatalf := logFatalf
	origLoad := loadConfigFn
	defer func() {
		logFatalf = origFatalf
		loadConfigFn = origLoad
	}()

	var fatalMsg string
	logFatalf = func(format string, v ...interface{}) { fatalMsg = format }
	loadConfigFn = func() (*config.Config, error) { return nil, errors.New("boom") }

	main()

	if fatalMsg == "" {
		t.Fatal("expected fatal log on config failure")
	}
}

func TestSplitOrigins(t *testing.T) {
	t.Parallel()

	got := splitOrigins(" https://a.example , ,https://b.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", got)
	}
	if splitOrigins("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
