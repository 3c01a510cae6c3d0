package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaPublisher(KafkaConfig{Topic: "dmr-events"})
	if err == nil {
		t.Fatal("expected error when brokers are missing")
	}

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}})
	if err == nil {
		t.Fatal("expected error when topic is missing")
	}
}

func TestNewKafkaPublisherTrimsBrokerList(t *testing.T) {
	t.Parallel()

	pub, err := NewKafkaPublisher(KafkaConfig{
		Brokers: []string{" ", "127.0.0.1:9092", "\t"},
		Topic:   "dmr-events",
	})
	if err != nil {
		t.Fatalf("expected valid publisher config, got error: %v", err)
	}
	if pub == nil {
		t.Fatal("expected publisher")
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaPublisherNilGuards(t *testing.T) {
	t.Parallel()

	var nilPub *KafkaPublisher
	if err := nilPub.Publish(context.Background(), NewEvent(EventSessionConnected, "p1")); err != nil {
		t.Fatalf("expected nil publish to be no-op, got: %v", err)
	}
	if err := nilPub.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}

	pub := &KafkaPublisher{}
	if err := pub.Publish(context.Background(), NewEvent(EventSessionConnected, "p1")); err != nil {
		t.Fatalf("expected uninitialized publish to be no-op, got: %v", err)
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	return nil
}

func TestKafkaPublisherPublishBranches(t *testing.T) {
	t.Run("writer_error", func(t *testing.T) {
		pub := &KafkaPublisher{writer: &fakeKafkaWriter{err: errors.New("write failed")}}
		if err := pub.Publish(context.Background(), NewEvent(EventMessageForwarded, "p1")); err == nil {
			t.Fatal("expected writer error")
		}
	})

	t.Run("writer_success", func(t *testing.T) {
		fake := &fakeKafkaWriter{}
		pub := &KafkaPublisher{writer: fake}

		ev := NewEvent(EventSessionDisconnected, "p1")
		ev.Detail = "client closed"
		if err := pub.Publish(context.Background(), ev); err != nil {
			t.Fatalf("unexpected publish error: %v", err)
		}
		if len(fake.msgs) != 1 {
			t.Fatalf("expected one message, got %d", len(fake.msgs))
		}
		if string(fake.msgs[0].Key) != "p1" {
			t.Fatalf("expected participant key, got %q", fake.msgs[0].Key)
		}
		var got Event
		if err := json.Unmarshal(fake.msgs[0].Value, &got); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if got.Kind != EventSessionDisconnected || got.Detail != "client closed" {
			t.Fatalf("unexpected event: %+v", got)
		}
		if got.Timestamp == "" {
			t.Fatal("expected timestamp set")
		}
	})
}
