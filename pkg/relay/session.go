package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/buerokratt/DMR/pkg/metrics"
	"github.com/buerokratt/DMR/pkg/models"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// session is one live websocket bound to a participant. All outbound traffic
// funnels through the send channel so the write pump is the only goroutine
// touching the socket for writes.
type session struct {
	socketID      string
	participantID string
	conn          *websocket.Conn

	send chan models.Envelope
	done chan struct{}

	closeOnce sync.Once
	closeText string
}

func newSession(socketID, participantID string, conn *websocket.Conn) *session {
	return &session{
		socketID:      socketID,
		participantID: participantID,
		conn:          conn,
		send:          make(chan models.Envelope, sendBuffer),
		done:          make(chan struct{}),
	}
}

func (s *session) SocketID() string { return s.socketID }

// enqueue hands an event to the write pump. It reports false when the
// session is closing or its buffer is full; queued message delivery relies
// on that signal to leave the message pending for redelivery.
func (s *session) enqueue(ev models.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- ev:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// shutdown closes the socket once with the given status. Racing callers
// (eviction, read-loop exit, directory removal) collapse to the first one.
func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closeText = reason
		close(s.done)
		_ = s.conn.Close(code, reason)
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// writePump serializes every outbound event onto the socket. It also drains
// the shared broadcast channel so directory updates reach the agent without
// a per-session directory subscription fan-in elsewhere.
func (s *session) writePump(ctx context.Context, broadcasts chan models.Envelope) {
	for {
		var ev models.Envelope
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case ev = <-s.send:
		case ev = <-broadcasts:
		}
		if err := s.write(ctx, ev); err != nil {
			s.shutdown(websocket.StatusInternalError, "write failed")
			return
		}
	}
}

func (s *session) write(ctx context.Context, ev models.Envelope) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, body); err != nil {
		metrics.SocketErrorsTotal.WithLabelValues("write").Inc()
		return err
	}
	metrics.SocketEventsSentTotal.WithLabelValues(ev.Event).Inc()
	metrics.SocketTransmittedBytes.Add(float64(len(body)))
	return nil
}
