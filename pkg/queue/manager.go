package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/buerokratt/DMR/pkg/metrics"
	"github.com/buerokratt/DMR/pkg/models"
)

// ValidationFailuresQueue is the shared terminal queue for rejected
// messages. It has no dead-letter queue: failures are final.
const ValidationFailuresQueue = "validation-failures"

const (
	keyPrefix     = "dmr:queue:"
	consumerGroup = "relay"
	dlqSuffix     = "_dlq"
	bodyField     = "body"
	readBatch     = 16
	readBlock     = 500 * time.Millisecond
)

// Manager provisions and serves durable per-participant queues on Redis
// Streams. Queue naming is deterministic (`<participantId>`,
// `<participantId>_dlq` and the fixed failures queue) so any relay replica
// can address a queue from the participant id alone.
type Manager struct {
	client      *redis.Client
	logger      zerolog.Logger
	defaultTTL  time.Duration
	failuresTTL time.Duration
	consumerID  string

	mu        sync.Mutex
	consumers map[string]*Subscription
}

func NewManager(client *redis.Client, logger zerolog.Logger, defaultTTL, failuresTTL time.Duration) *Manager {
	return &Manager{
		client:      client,
		logger:      logger.With().Str("component", "queue").Logger(),
		defaultTTL:  defaultTTL,
		failuresTTL: failuresTTL,
		consumerID:  "relay-" + uuid.NewString(),
		consumers:   map[string]*Subscription{},
	}
}

func streamKey(name string) string { return keyPrefix + name }
func metaKey(name string) string   { return keyPrefix + name + ":meta" }

// Ping reports whether the backing store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Setup provisions the validation-failures queue. A failure here is fatal to
// the process: without it there is no path to report rejected messages.
func (m *Manager) Setup(ctx context.Context) error {
	created, err := m.ensure(ctx, ValidationFailuresQueue, m.failuresTTL, false)
	if err != nil {
		return fmt.Errorf("provision %s queue: %w", ValidationFailuresQueue, err)
	}
	if created {
		m.logger.Info().Str("queue", ValidationFailuresQueue).Msg("validation failures queue provisioned")
	}
	return nil
}

// EnsureQueue idempotently provisions a participant queue and its paired
// DLQ. Returns whether the queue was created by this call.
func (m *Manager) EnsureQueue(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	return m.ensure(ctx, name, ttl, true)
}

func (m *Manager) ensure(ctx context.Context, name string, ttl time.Duration, withDLQ bool) (bool, error) {
	exists, err := m.client.Exists(ctx, metaKey(name)).Result()
	if err != nil {
		metrics.QueueOperationsTotal.WithLabelValues("ensure", "error").Inc()
		return false, fmt.Errorf("check queue %s: %w", name, err)
	}
	if exists > 0 {
		metrics.QueueOperationsTotal.WithLabelValues("ensure", "ok").Inc()
		return false, nil
	}

	meta := map[string]interface{}{"ttl_ms": ttl.Milliseconds()}
	if withDLQ {
		meta["dlq"] = name + dlqSuffix
	}
	if err := m.client.HSet(ctx, metaKey(name), meta).Err(); err != nil {
		metrics.QueueOperationsTotal.WithLabelValues("ensure", "error").Inc()
		return false, fmt.Errorf("write queue meta %s: %w", name, err)
	}
	if err := m.createGroup(ctx, streamKey(name)); err != nil {
		metrics.QueueOperationsTotal.WithLabelValues("ensure", "error").Inc()
		return false, err
	}
	if withDLQ {
		if err := m.createGroup(ctx, streamKey(name+dlqSuffix)); err != nil {
			metrics.QueueOperationsTotal.WithLabelValues("ensure", "error").Inc()
			return false, err
		}
	}
	metrics.QueueOperationsTotal.WithLabelValues("ensure", "ok").Inc()
	m.logger.Info().Str("queue", name).Dur("ttl", ttl).Bool("dlq", withDLQ).Msg("queue provisioned")
	return true, nil
}

// createGroup makes the stream exist and binds the relay consumer group at
// offset 0 so messages accrued while a participant was offline are
// delivered. BUSYGROUP means another replica won the race, which is fine.
func (m *Manager) createGroup(ctx context.Context, stream string) error {
	err := m.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	return nil
}

// QueueExists reports whether name has been provisioned.
func (m *Manager) QueueExists(ctx context.Context, name string) (bool, error) {
	n, err := m.client.Exists(ctx, metaKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("check queue %s: %w", name, err)
	}
	return n > 0, nil
}

// DeleteQueue removes the queue, its metadata and its DLQ. Idempotent:
// deleting an absent queue is not an error.
func (m *Manager) DeleteQueue(ctx context.Context, name string) error {
	keys := []string{
		streamKey(name),
		metaKey(name),
		streamKey(name + dlqSuffix),
		metaKey(name + dlqSuffix),
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		metrics.QueueOperationsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("delete queue %s: %w", name, err)
	}
	metrics.QueueOperationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Enqueue appends a validated message to the recipient's queue,
// provisioning it on demand: the relay may receive traffic for a recipient
// whose queue never existed, and must not drop it. Returns whether the
// message was accepted; broker failures are logged, not thrown, so the
// caller decides retry-vs-drop.
func (m *Manager) Enqueue(ctx context.Context, name string, msg models.AgentMessage) bool {
	body, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error().Err(err).Str("queue", name).Msg("marshal message")
		return false
	}
	return m.append(ctx, name, m.defaultTTL, true, body)
}

// EnqueueFailure routes a rejected raw message with its errors to the
// validation-failures queue, preserving the original payload verbatim.
func (m *Manager) EnqueueFailure(ctx context.Context, raw json.RawMessage, errs []models.ValidationError, receivedAt string) bool {
	failure := models.ValidationFailure{
		ID:         extractMessageID(raw),
		Errors:     errs,
		ReceivedAt: receivedAt,
		Message:    raw,
	}
	body, err := json.Marshal(failure)
	if err != nil {
		m.logger.Error().Err(err).Msg("marshal validation failure")
		return false
	}
	for _, e := range errs {
		metrics.ValidationFailuresTotal.WithLabelValues(string(e.Type)).Inc()
	}
	// No consumer ever binds the failures queue, so its TTL is enforced
	// here: each new failure reaps the expired ones first.
	m.reapExpired(ctx, ValidationFailuresQueue)
	return m.append(ctx, ValidationFailuresQueue, m.failuresTTL, false, body)
}

func (m *Manager) append(ctx context.Context, name string, ttl time.Duration, withDLQ bool, body []byte) bool {
	exists, err := m.QueueExists(ctx, name)
	if err != nil {
		metrics.QueueOperationsTotal.WithLabelValues("publish", "error").Inc()
		m.logger.Error().Err(err).Str("queue", name).Msg("queue existence check failed")
		return false
	}
	if !exists {
		if _, err := m.ensure(ctx, name, ttl, withDLQ); err != nil {
			metrics.QueueOperationsTotal.WithLabelValues("publish", "error").Inc()
			m.logger.Error().Err(err).Str("queue", name).Msg("auto-provision failed")
			return false
		}
	}
	err = m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(name),
		Values: map[string]interface{}{bodyField: body},
	}).Err()
	if err != nil {
		metrics.QueueOperationsTotal.WithLabelValues("publish", "error").Inc()
		m.logger.Error().Err(err).Str("queue", name).Msg("enqueue failed")
		return false
	}
	metrics.QueueOperationsTotal.WithLabelValues("publish", "ok").Inc()
	return true
}

// extractMessageID pulls the id out of an arbitrary raw message for failure
// correlation, falling back to a generated UUID.
func extractMessageID(raw json.RawMessage) string {
	var probe struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil {
		switch v := probe.ID.(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return uuid.NewString()
}
