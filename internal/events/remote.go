package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// RemoteMirror publishes every event that crosses a Bus onto a NATS subject as
// well, so a second orchestrator instance (or an external watcher process) can
// observe control-flow events without sharing memory with this one. It never
// makes Bus.Publish fail: a missing or unreachable NATS server degrades this
// to a pure in-process bus, matching Bus's own "a slow or absent consumer must
// never stall the caller" rule.
type RemoteMirror struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	subjectPrefix string
	reconnecting  atomic.Bool
	log           *slog.Logger
}

// ConnectRemote dials url and returns a RemoteMirror that publishes to subjects
// named "<subjectPrefix>.<EventTypeName>". A dial failure is logged and a
// mirror with no live connection is still returned: callers attach it to a Bus
// unconditionally and it starts forwarding once Reconnect succeeds.
func ConnectRemote(url, subjectPrefix string, log *slog.Logger) *RemoteMirror {
	if log == nil {
		log = slog.Default()
	}
	m := &RemoteMirror{subjectPrefix: subjectPrefix, log: log}
	if url == "" {
		return m
	}
	if err := m.dial(url); err != nil {
		log.Warn("remote event mirror: initial NATS connection failed, will retry on reconnect handler", "url", url, "error", err)
	}
	return m
}

func (m *RemoteMirror) dial(url string) error {
	opts := []nats.Option{
		nats.Name("fetcher-events"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				m.log.Warn("remote event mirror: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			m.reconnecting.Store(false)
			m.log.Info("remote event mirror: reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			m.log.Info("remote event mirror: connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return nil
}

// Mirror forwards evt to its subject. Called from Bus.Publish after local
// subscribers have accepted the event; errors are logged, never returned,
// since a remote watcher is strictly best-effort.
func (m *RemoteMirror) Mirror(evt any) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		m.log.Debug("remote event mirror: marshal failed", "error", err)
		return
	}

	subject := m.subjectPrefix + "." + reflect.TypeOf(evt).Name()
	if err := conn.Publish(subject, payload); err != nil {
		m.log.Debug("remote event mirror: publish dropped", "subject", subject, "error", err)
	}
}

// Close drains and closes the underlying NATS connection, if any.
func (m *RemoteMirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
