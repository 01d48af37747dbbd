package progress

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lareview/broker/internal/common/config"
	"github.com/lareview/broker/internal/common/logger"
)

// NATSSink publishes progress Events to subject broker.<run_id>.progress,
// letting a UI process subscribe remotely instead of sharing an in-process
// Go channel. Publishes are fire-and-forget: a publish error is logged, never
// returned, matching Sink's best-effort contract.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	log     *logger.Logger
}

// NewNATSSink connects to cfg.URL and returns a Sink publishing to
// broker.<runID>.progress. If cfg.URL is empty, it returns a Noop sink and no
// error, so callers can unconditionally wire the result into a session
// without a conditional at every call site.
func NewNATSSink(cfg config.NATSConfig, runID string, log *logger.Logger) (Sink, error) {
	if cfg.URL == "" {
		return Noop{}, nil
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSSink{
		conn:    conn,
		subject: fmt.Sprintf("broker.%s.progress", runID),
		log:     log.WithFields(zap.String("component", "progress-nats-sink"), zap.String("run_id", runID)),
	}, nil
}

// Publish JSON-encodes ev and publishes it to the run's progress subject.
func (s *NATSSink) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to marshal progress event", zap.Error(err))
		return
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		s.log.Warn("failed to publish progress event", zap.String("subject", s.subject), zap.Error(err))
	}
}

// Close drains and closes the underlying NATS connection.
func (s *NATSSink) Close() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}
