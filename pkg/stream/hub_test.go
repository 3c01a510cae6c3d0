package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/buerokratt/DMR/pkg/models"
)

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(models.NewEnvelope(models.EventPartialAgentList, models.DirectoryDiff{}))

	select {
	case evt := <-ch:
		if evt.Event != models.EventPartialAgentList {
			t.Fatalf("expected partialAgentList event, got %q", evt.Event)
		}
		var diff models.DirectoryDiff
		if err := json.Unmarshal(evt.Data, &diff); err != nil {
			t.Fatalf("decode diff: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(models.NewEnvelope("first", nil))
	h.Publish(models.NewEnvelope("second", nil))

	select {
	case evt := <-ch:
		if evt.Event != "first" {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Event)
	default:
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
	if h.Len() != 1 {
		t.Fatalf("expected one subscriber, got %d", h.Len())
	}
}
