package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buerokratt/DMR/pkg/metrics"
)

// Handler receives one queued message body and reports whether it was
// delivered. An undelivered message stays pending in the consumer group and
// is retried before any newer message in the same queue.
type Handler func(body []byte) bool

// Subscription is one live consumer bound to a participant queue.
// Cancelling stops the read loop and removes the group consumer; the queue
// itself keeps accruing messages.
type Subscription struct {
	participantID string
	cancel        context.CancelFunc
	done          chan struct{}
}

// Cancel stops the consumer and blocks until its loop has exited.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

// Subscribe provisions the participant's queue and starts a consumer
// invoking handler for every delivered message. Returns an error when the
// queue cannot be set up; the caller should refuse the session.
func (m *Manager) Subscribe(ctx context.Context, participantID string, handler Handler) (*Subscription, error) {
	if _, err := m.EnsureQueue(ctx, participantID, m.defaultTTL); err != nil {
		metrics.QueueOperationsTotal.WithLabelValues("subscribe", "error").Inc()
		return nil, err
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		participantID: participantID,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	m.mu.Lock()
	if prev, ok := m.consumers[participantID]; ok {
		m.mu.Unlock()
		prev.Cancel()
		m.mu.Lock()
	}
	m.consumers[participantID] = sub
	m.mu.Unlock()

	go m.consumeLoop(consumeCtx, sub, handler)
	metrics.QueueOperationsTotal.WithLabelValues("subscribe", "ok").Inc()
	return sub, nil
}

// Unsubscribe cancels the consumer for participantID if one is active. The
// queue is not deleted: messages keep accruing durably while the
// participant is offline.
func (m *Manager) Unsubscribe(participantID string) {
	m.mu.Lock()
	sub, ok := m.consumers[participantID]
	if ok {
		delete(m.consumers, participantID)
	}
	m.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

// Release cancels sub and forgets it, unless a newer consumer has already
// replaced it for the same participant. Stale session teardown must never
// kill its successor's consumer.
func (m *Manager) Release(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	if cur, ok := m.consumers[sub.participantID]; ok && cur == sub {
		delete(m.consumers, sub.participantID)
	}
	m.mu.Unlock()
	sub.Cancel()
}

func (m *Manager) consumeLoop(ctx context.Context, sub *Subscription, handler Handler) {
	defer close(sub.done)
	stream := streamKey(sub.participantID)

	// Take over messages a previous consumer read but never delivered,
	// then drain them (readID "0") before switching to new arrivals (">").
	m.reclaimPending(ctx, stream)
	readID := "0"

	for {
		if ctx.Err() != nil {
			m.removeConsumer(stream)
			return
		}
		m.reapExpired(ctx, sub.participantID)

		res, err := m.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: m.consumerID,
			Streams:  []string{stream, readID},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				m.removeConsumer(stream)
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			m.logger.Warn().Err(err).Str("queue", sub.participantID).Msg("consume read failed")
			select {
			case <-ctx.Done():
				m.removeConsumer(stream)
				return
			case <-time.After(readBlock):
			}
			continue
		}
		acked := 0
		refused := false
	batch:
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				body, ok := entry.Values[bodyField].(string)
				if !ok {
					// Unreadable entry: ack it away so it cannot wedge the loop.
					m.ack(ctx, stream, entry.ID)
					continue
				}
				if !handler([]byte(body)) {
					metrics.QueueOperationsTotal.WithLabelValues("consume", "undelivered").Inc()
					refused = true
					break batch
				}
				m.ack(ctx, stream, entry.ID)
				acked++
				metrics.QueueOperationsTotal.WithLabelValues("consume", "ok").Inc()
			}
		}
		if refused {
			// The refused entry stays pending, and so does everything read
			// after it. Back off, then retry from the pending list so no
			// later message overtakes an earlier one.
			readID = "0"
			select {
			case <-ctx.Done():
			case <-time.After(readBlock):
			}
			continue
		}
		// The pending pass ends once a read acks nothing, meaning the
		// pending list is drained; switch to following new arrivals.
		if readID == "0" && acked == 0 {
			readID = ">"
		}
	}
}

func (m *Manager) ack(ctx context.Context, stream, id string) {
	if err := m.client.XAck(ctx, stream, consumerGroup, id).Err(); err != nil {
		m.logger.Warn().Err(err).Str("stream", stream).Str("id", id).Msg("ack failed")
		return
	}
	_ = m.client.XDel(ctx, stream, id).Err()
}

func (m *Manager) reclaimPending(ctx context.Context, stream string) {
	_, _, err := m.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    consumerGroup,
		Consumer: m.consumerID,
		MinIdle:  0,
		Start:    "0-0",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) && ctx.Err() == nil {
		m.logger.Warn().Err(err).Str("stream", stream).Msg("reclaim pending failed")
	}
}

func (m *Manager) removeConsumer(stream string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.client.XGroupDelConsumer(ctx, stream, consumerGroup, m.consumerID).Err()
}

// reapExpired moves entries older than the queue TTL to the DLQ, or deletes
// them outright for queues without one. Stream entry IDs encode the append
// timestamp in milliseconds, so the cutoff is a plain ID range scan.
func (m *Manager) reapExpired(ctx context.Context, name string) {
	meta, err := m.client.HGetAll(ctx, metaKey(name)).Result()
	if err != nil || len(meta) == 0 {
		return
	}
	ttlMs, err := strconv.ParseInt(meta["ttl_ms"], 10, 64)
	if err != nil || ttlMs <= 0 {
		return
	}
	cutoff := time.Now().UnixMilli() - ttlMs
	if cutoff <= 0 {
		return
	}
	stream := streamKey(name)
	expired, err := m.client.XRange(ctx, stream, "-", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil || len(expired) == 0 {
		return
	}
	dlq := meta["dlq"]
	for _, entry := range expired {
		if dlq != "" {
			if err := m.client.XAdd(ctx, &redis.XAddArgs{
				Stream: streamKey(dlq),
				Values: entry.Values,
			}).Err(); err != nil {
				m.logger.Warn().Err(err).Str("queue", name).Msg("dead-letter move failed")
				continue
			}
		}
		_ = m.client.XAck(ctx, stream, consumerGroup, entry.ID).Err()
		_ = m.client.XDel(ctx, stream, entry.ID).Err()
	}
	m.logger.Debug().Str("queue", name).Int("expired", len(expired)).Msg("expired messages reaped")
}
