// NATS mirror for the change feed.
//
// This file bridges the in-process Hub to a NATS broker so that other
// processes (workers, additional API replicas) can follow the same
// per-conversation change feed. Subjects are hierarchical:
//
//	conv.<org_id>.<conversation_id>.<event_type>
//
// so a consumer can subscribe to one conversation ("conv.org1.abc.>"), a
// whole org ("conv.org1.>"), or everything ("conv.>").
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// subjectPrefix is the root of all conversation subjects.
const subjectPrefix = "conv"

// NATSMirror republishes hub events to NATS. Publish failures are logged
// and dropped; the in-process feed stays authoritative.
type NATSMirror struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// ConnectNATS dials the broker and returns a mirror ready to attach to a
// Hub. The connection retries forever with backoff so a broker restart does
// not take the feed down with it.
func ConnectNATS(url string, log zerolog.Logger) (*NATSMirror, error) {
	conn, err := nats.Connect(url,
		nats.Name("kb-chat-backend"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSMirror{conn: conn, log: log}, nil
}

// EventSubject returns the subject an event is published on.
func EventSubject(orgID, conversationID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s.%s", subjectPrefix, orgID, conversationID, eventType)
}

// Publish implements Mirror.
func (m *NATSMirror) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Error().Err(err).Str("conversation_id", ev.ConversationID).Msg("marshal realtime event")
		return
	}
	subject := EventSubject(ev.OrgID, ev.ConversationID, ev.Type)
	if err := m.conn.Publish(subject, data); err != nil {
		m.log.Warn().Err(err).Str("subject", subject).Msg("mirror publish failed")
	}
}

// Close drains the connection.
func (m *NATSMirror) Close() {
	if m.conn != nil {
		_ = m.conn.Drain()
	}
}
