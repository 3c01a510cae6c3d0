//go:build integration

package queue

import (
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/buerokratt/DMR/pkg/models"
)

// TestQueueLifecycleWithRealRedis exercises provisioning, offline accrual and
// consumer-group delivery against real Redis.
// Run with: go test -tags=integration -timeout 120s -run TestQueueLifecycleWithRealRedis ./pkg/queue/...
func TestQueueLifecycleWithRealRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	redisContainer, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	defer func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate redis container: %v", err)
		}
	}()

	connStr, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	opts, err := goredis.ParseURL(connStr)
	if err != nil {
		t.Fatalf("failed to parse connection string: %v", err)
	}
	client := goredis.NewClient(opts)
	defer client.Close()

	m := NewManager(client, zerolog.Nop(), time.Hour, time.Hour)
	if err := m.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}

	participant := "a1e45678-12bc-4ef0-9876-def123456789"
	msg := models.AgentMessage{
		ID:          "0b7ad9de-46d1-4f5a-9d17-5fa255b48432",
		Type:        models.MessageTypeEncrypted,
		Payload:     json.RawMessage(`["ZW5jcnlwdGVk"]`),
		SenderID:    "d3b07384-d9a0-4c3f-a4e2-123456789abc",
		RecipientID: participant,
		Timestamp:   models.Now(),
	}

	// Queue accrues while the participant is offline.
	if !m.Enqueue(ctx, participant, msg) {
		t.Fatal("enqueue refused")
	}

	bodies := make(chan []byte, 1)
	sub, err := m.Subscribe(ctx, participant, func(body []byte) bool {
		bodies <- body
		return true
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	select {
	case body := <-bodies:
		var got models.AgentMessage
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("decode delivered message: %v", err)
		}
		if got.ID != msg.ID {
			t.Fatalf("expected message %s, got %s", msg.ID, got.ID)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}

	if err := m.DeleteQueue(ctx, participant); err != nil {
		t.Fatalf("delete queue: %v", err)
	}
	exists, err := m.QueueExists(ctx, participant)
	if err != nil {
		t.Fatalf("queue exists: %v", err)
	}
	if exists {
		t.Fatal("expected queue removed")
	}
}
