package persistence

import (
	"context"
	"time"
)

// PubSubMessage is one row of the pub/sub outbox that internal/bus
// polls to fan out to local subscribers.
type PubSubMessage struct {
	ID        int64
	Channel   string
	Payload   string
	CreatedAt time.Time
}

// InsertPubSubMessage appends a message to the outbox. The bus layer
// is responsible for channel-name canonicalization before calling this.
func (s *Store) InsertPubSubMessage(ctx context.Context, channel, payload string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, defaultBusyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO pubsub_messages (channel, payload, created_at) VALUES (?, ?, ?)
		`, channel, payload, time.Now().UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// PollPubSubMessages returns messages on channel with id > afterID, in
// ascending id order, newest included.
func (s *Store) PollPubSubMessages(ctx context.Context, channel string, afterID int64, limit int) ([]PubSubMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, payload, created_at FROM pubsub_messages
		WHERE channel = ? AND id > ? ORDER BY id ASC LIMIT ?
	`, channel, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PubSubMessage
	for rows.Next() {
		var m PubSubMessage
		if err := rows.Scan(&m.ID, &m.Channel, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MaxPubSubMessageID returns the current max id on channel, used by a
// new subscriber to start tailing from "now" rather than replaying history.
func (s *Store) MaxPubSubMessageID(ctx context.Context, channel string) (int64, error) {
	var id int64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM pubsub_messages WHERE channel = ?`, channel)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
