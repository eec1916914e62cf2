// Package events publishes best-effort session lifecycle notifications to
// NATS so external dashboards can subscribe to status changes instead of
// polling the API. Grounded in the teacher's own internal/events package,
// which published session events over NATS for its platform controllers;
// here there is exactly one event (a status transition) and exactly one
// subject family. When no NATS URL is configured, Publisher degrades to a
// no-op, mirroring the teacher's own half-migrated publisher that kept its
// public surface but stopped requiring a broker.
package events

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/driftline-dev/driftline/internal/logger"
	"github.com/driftline-dev/driftline/internal/store"
)

// SubjectSessionStatus is the NATS subject every status transition is
// published under, suffixed with the session id for fine-grained
// subscription filtering (e.g. "driftline.session.status.<id>").
const SubjectSessionStatus = "driftline.session.status"

// StatusEvent is the payload published on every session status transition.
type StatusEvent struct {
	SessionID string      `json:"session_id"`
	Status    store.Status `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher publishes session status transitions to NATS. It satisfies
// session.EventPublisher.
type Publisher struct {
	conn *nats.Conn
}

// New connects to url if non-empty; an empty url yields a disabled, no-op
// Publisher so the orchestrator runs the same whether or not NATS is
// configured.
func New(url string) (*Publisher, error) {
	if url == "" {
		return &Publisher{}, nil
	}
	conn, err := nats.Connect(url,
		nats.Name("driftlined"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn}, nil
}

// Close closes the NATS connection, if any, without draining it first.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// PublishStatus publishes a best-effort status event. Marshal or publish
// failures are logged, not returned: a dropped notification never fails
// the session lifecycle operation that triggered it.
func (p *Publisher) PublishStatus(sessionID string, status store.Status) {
	if p.conn == nil {
		return
	}
	event := StatusEvent{SessionID: sessionID, Status: status, Timestamp: time.Now()}
	data, err := marshalEvent(event)
	if err != nil {
		logger.Events().Warn().Err(err).Str("session_id", sessionID).Msg("marshal status event failed")
		return
	}
	subject := SubjectSessionStatus + "." + sessionID
	if err := p.conn.Publish(subject, data); err != nil {
		logger.Events().Warn().Err(err).Str("session_id", sessionID).Msg("publish status event failed")
	}
}
