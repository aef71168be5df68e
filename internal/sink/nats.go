package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSSender publishes each occurrence as JSON on a subject.
type NATSSender struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSender connects to url, retrying in the background if the server is
// not up yet.
func NewNATSSender(url, subject string) (*NATSSender, error) {
	if subject == "" {
		return nil, errors.New("nats subject required")
	}
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name("event-watcher"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSender{conn: conn, subject: subject}, nil
}

func (s *NATSSender) Send(ctx context.Context, p EventPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodePayload(p)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (s *NATSSender) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

func encodePayload(p EventPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
