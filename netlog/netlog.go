// Package netlog is the structured diagnostics sink for pool and job
// events. Every long-running operation logs a begin/end pair tagged with a
// stable source id, so a stream of events can be reassembled per socket,
// per job, or per pool after the fact.
package netlog

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType names one loggable operation.
type EventType string

const (
	EventSocketPool             EventType = "socket_pool"
	EventSocketPoolStalledGroup EventType = "socket_pool_stalled_max_sockets"
	EventSocketPoolReusedSocket EventType = "socket_pool_reused_an_existing_socket"
	EventSocketPoolBoundToJob   EventType = "socket_pool_bound_to_connect_job"
	EventConnectJob             EventType = "connect_job"
	EventConnectJobConnect      EventType = "connect_job_connect"
	EventConnectJobTimedOut     EventType = "connect_job_timed_out"
	EventBackupJobCreated       EventType = "backup_connect_job_created"
	EventHostResolution         EventType = "host_resolution"
	EventTCPConnect             EventType = "tcp_connect"
	EventSOCKSHandshake         EventType = "socks_handshake"
	EventTLSHandshake           EventType = "tls_handshake"
	EventTLSVersionProbe        EventType = "tls_version_interference_probe"
	EventProxyTunnel            EventType = "proxy_tunnel"
	EventProxyTunnelRestart     EventType = "proxy_tunnel_restart_with_auth"
	EventAuthChallenge          EventType = "auth_challenge"
	EventPoolFlush              EventType = "pool_flush_with_error"
	EventRequestCancelled       EventType = "request_cancelled"
)

// Fields carries event parameters. Alias of logrus.Fields so call sites
// stay terse.
type Fields = logrus.Fields

// Source identifies the emitter of a related series of events.
type Source struct {
	Type string
	ID   string
}

// NewSource allocates a source id for a pool, job or socket.
func NewSource(sourceType string) Source {
	return Source{Type: sourceType, ID: uuid.NewString()}
}

// Log is an event sink bound to one source.
type Log struct {
	source Source
	sink   *Sink
}

// Sink fans events out to a logrus logger. The zero value discards
// everything; a library embedder installs a logger once at startup.
type Sink struct {
	mu     sync.RWMutex
	logger *logrus.Logger
}

var defaultSink Sink

// SetLogger installs the process-wide logger for pool diagnostics. Pass nil
// to disable.
func SetLogger(l *logrus.Logger) {
	defaultSink.mu.Lock()
	defaultSink.logger = l
	defaultSink.mu.Unlock()
}

// New returns a Log bound to the default sink with a fresh source id.
func New(sourceType string) *Log {
	return &Log{source: NewSource(sourceType), sink: &defaultSink}
}

// Source returns the log's source id.
func (l *Log) Source() Source {
	if l == nil {
		return Source{}
	}
	return l.source
}

func (l *Log) emit(phase string, ev EventType, fields Fields) {
	if l == nil {
		return
	}
	l.sink.mu.RLock()
	logger := l.sink.logger
	l.sink.mu.RUnlock()
	if logger == nil {
		return
	}
	entry := logger.WithFields(logrus.Fields{
		"source_type": l.source.Type,
		"source_id":   l.source.ID,
		"event":       string(ev),
		"phase":       phase,
		"ts":          time.Now().UnixNano(),
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Debug(string(ev))
}

// Begin logs the start of a paired operation.
func (l *Log) Begin(ev EventType, fields Fields) { l.emit("begin", ev, fields) }

// End logs the end of a paired operation. err may be nil.
func (l *Log) End(ev EventType, err error) {
	var fields Fields
	if err != nil {
		fields = Fields{"error": err.Error()}
	}
	l.emit("end", ev, fields)
}

// Event logs an instantaneous event.
func (l *Log) Event(ev EventType, fields Fields) { l.emit("event", ev, fields) }
