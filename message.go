package dealer

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/dealer/pkg/router"
	"github.com/raskyld/dealer/pkg/storage"
)

// Endpoint is a backend of a handle.
type Endpoint = router.Endpoint

// SmallDataSize is the size under which Data is compared byte per byte
// instead of by digest.
const SmallDataSize = 1024

// Data is an immutable byte buffer. Large buffers are digested once at
// construction and compared by digest.
type Data struct {
	b      []byte
	digest [sha256.Size]byte
}

// NewData copies b.
func NewData(b []byte) Data {
	d := Data{b: bytes.Clone(b)}
	if len(d.b) > SmallDataSize {
		d.digest = sha256.Sum256(d.b)
	}
	return d
}

// Bytes returns the buffer, it must not be modified.
func (d Data) Bytes() []byte {
	return d.b
}

func (d Data) Len() int {
	return len(d.b)
}

// Digest of the buffer.
func (d Data) Digest() [sha256.Size]byte {
	if len(d.b) > SmallDataSize {
		return d.digest
	}
	return sha256.Sum256(d.b)
}

func (d Data) Equal(other Data) bool {
	if len(d.b) != len(other.b) {
		return false
	}
	if len(d.b) > SmallDataSize {
		return d.digest == other.digest
	}
	return bytes.Equal(d.b, other.b)
}

// Path addresses a handle of a service.
type Path struct {
	Service string
	Handle  string
}

// ParsePath parses "<service>/<handle>".
func ParsePath(s string) (Path, error) {
	service, handle, ok := strings.Cut(s, "/")
	if !ok || service == "" || handle == "" || strings.Contains(handle, "/") {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	return Path{Service: service, Handle: handle}, nil
}

func (p Path) String() string {
	return p.Service + "/" + p.Handle
}

// Policy controls how a message is delivered. Durations are in seconds,
// zero meaning unbounded.
type Policy struct {
	// Urgent is a hint for the backend, it is not used locally.
	Urgent bool `yaml:"urgent"`

	// Persistent messages are committed to storage until they reach a
	// terminal state.
	Persistent bool `yaml:"persistent"`

	// Timeout is the budget to receive an ACK after each send.
	Timeout float64 `yaml:"timeout"`

	// Deadline is the budget to complete the whole request, counted from
	// the enqueue time.
	Deadline float64 `yaml:"deadline"`

	// MaxRetries bounds how many times a message is sent again, a
	// negative value means no bound.
	MaxRetries int `yaml:"max_retries"`
}

// CanRetry reports whether a message already retried retries times can be
// retried again.
func (p Policy) CanRetry(retries int) bool {
	return p.MaxRetries < 0 || retries < p.MaxRetries
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ackDeadline is when a message sent at sentAt without ACK expires.
func (p Policy) ackDeadline(sentAt time.Time) (time.Time, bool) {
	switch {
	case p.Timeout > 0:
		return sentAt.Add(seconds(p.Timeout)), true
	case p.Deadline > 0:
		return sentAt.Add(seconds(p.Deadline)), true
	default:
		return time.Time{}, false
	}
}

// overallDeadline is when a message enqueued at enqueuedAt expires,
// whatever its ACK state.
func (p Policy) overallDeadline(enqueuedAt time.Time) (time.Time, bool) {
	if p.Deadline > 0 {
		return enqueuedAt.Add(seconds(p.Deadline)), true
	}
	return time.Time{}, false
}

// Message is a request and its delivery state. Once enqueued, a Message
// belongs to the dispatch loop of its handle and its state must only be
// read through a Response or after the handle stopped.
type Message struct {
	uuid   string
	path   Path
	policy Policy

	// data is empty when the payload lives in store.
	data  Data
	size  int
	store storage.Store

	enqueuedAt  time.Time
	sentAt      time.Time
	retryCount  int
	ackReceived bool
	route       string
}

// NewMessage builds a message with a fresh UUID, payload is copied.
func NewMessage(path Path, payload []byte, policy Policy) *Message {
	return &Message{
		uuid:       uuid.NewString(),
		path:       path,
		policy:     policy,
		data:       NewData(payload),
		size:       len(payload),
		enqueuedAt: time.Now(),
	}
}

func (m *Message) UUID() string          { return m.uuid }
func (m *Message) Path() Path            { return m.path }
func (m *Message) Policy() Policy        { return m.policy }
func (m *Message) EnqueuedAt() time.Time { return m.enqueuedAt }
func (m *Message) SentAt() time.Time     { return m.sentAt }
func (m *Message) RetryCount() int       { return m.retryCount }
func (m *Message) AckReceived() bool     { return m.ackReceived }
func (m *Message) Route() string         { return m.route }
func (m *Message) Size() int             { return m.size }

// Persisted reports whether the payload lives in a store.
func (m *Message) Persisted() bool {
	return m.store != nil
}

// Payload returns the payload, loading it from storage if needed.
func (m *Message) Payload() (Data, error) {
	if m.store == nil {
		return m.data, nil
	}
	b, err := m.store.Read(m.uuid)
	if err != nil {
		return Data{}, fmt.Errorf("%w: %w", ErrPayloadUnavailable, err)
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return Data{}, fmt.Errorf("%w: %w", ErrPayloadUnavailable, err)
	}
	return NewData(rec.Payload), nil
}

// persist commits the message to store and releases the in-memory
// payload.
func (m *Message) persist(store storage.Store) error {
	b, err := encodeRecord(m, m.data.Bytes())
	if err != nil {
		return err
	}
	if err := store.Commit(m.uuid, b); err != nil {
		return err
	}
	m.store = store
	m.data = Data{}
	return nil
}

// purge removes the message from its store, if any.
func (m *Message) purge() error {
	if m.store == nil {
		return nil
	}
	err := m.store.Remove(m.uuid)
	m.store = nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}
