package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject prefix records are published under.
const DefaultSubjectPrefix = "phasectl.audit"

// NATSSink publishes each record as JSON to <prefix>.<runID>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink creates a sink over an established connection.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: nc, prefix: prefix}
}

// Subject returns the subject records of runID are published on.
func (s *NATSSink) Subject(runID string) string {
	return s.prefix + "." + runID
}

// Write publishes r.
func (s *NATSSink) Write(_ context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if err := s.conn.Publish(s.Subject(r.RunID), data); err != nil {
		return fmt.Errorf("publishing record: %w", err)
	}
	return nil
}
