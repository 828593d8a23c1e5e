package dealer

import (
	"fmt"
	"time"

	"github.com/raskyld/dealer/pkg/storage"
)

// record is how a persistent message is committed to storage.
type record struct {
	Service    string  `codec:"service"`
	Handle     string  `codec:"handle"`
	UUID       string  `codec:"uuid"`
	Urgent     bool    `codec:"urgent"`
	Timeout    float64 `codec:"timeout"`
	Deadline   float64 `codec:"deadline"`
	MaxRetries int     `codec:"max_retries"`
	EnqueuedAt int64   `codec:"enqueued_at"`
	Payload    []byte  `codec:"payload"`
}

func encodeRecord(m *Message, payload []byte) ([]byte, error) {
	return pack(&record{
		Service:    m.path.Service,
		Handle:     m.path.Handle,
		UUID:       m.uuid,
		Urgent:     m.policy.Urgent,
		Timeout:    m.policy.Timeout,
		Deadline:   m.policy.Deadline,
		MaxRetries: m.policy.MaxRetries,
		EnqueuedAt: m.enqueuedAt.UnixNano(),
		Payload:    payload,
	})
}

func decodeRecord(b []byte) (*record, error) {
	var rec record
	if err := unpack(b, &rec); err != nil {
		return nil, fmt.Errorf("dealer: corrupted record: %w", err)
	}
	return &rec, nil
}

// restoreMessage rebuilds a persisted message. Its UUID and enqueue time
// are preserved, the payload stays in store.
func restoreMessage(store storage.Store, b []byte) (*Message, error) {
	rec, err := decodeRecord(b)
	if err != nil {
		return nil, err
	}
	return &Message{
		uuid: rec.UUID,
		path: Path{Service: rec.Service, Handle: rec.Handle},
		policy: Policy{
			Urgent:     rec.Urgent,
			Persistent: true,
			Timeout:    rec.Timeout,
			Deadline:   rec.Deadline,
			MaxRetries: rec.MaxRetries,
		},
		size:       len(rec.Payload),
		store:      store,
		enqueuedAt: time.Unix(0, rec.EnqueuedAt),
	}, nil
}

// StoredMessages lists the persistent messages of service left in store,
// typically by a previous process.
func StoredMessages(store storage.Store, service string) ([]*Message, error) {
	var out []*Message
	err := store.Iterate(func(key string, value []byte) error {
		msg, err := restoreMessage(store, value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if service == "" || msg.path.Service == service {
			out = append(out, msg)
		}
		return nil
	})
	return out, err
}
