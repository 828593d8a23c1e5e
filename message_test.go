package dealer

import (
	"bytes"
	"testing"

	"github.com/raskyld/dealer/pkg/storage"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	p, err := ParsePath("echo/ping")
	require.NoError(t, err)
	require.Equal(t, Path{Service: "echo", Handle: "ping"}, p)
	require.Equal(t, "echo/ping", p.String())

	for _, bad := range []string{"", "echo", "echo/", "/ping", "echo/ping/extra"} {
		_, err := ParsePath(bad)
		require.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestData(t *testing.T) {
	small := []byte("small")
	d := NewData(small)
	small[0] = 'S'
	require.Equal(t, []byte("small"), d.Bytes(), "data is copied")
	require.True(t, d.Equal(NewData([]byte("small"))))
	require.False(t, d.Equal(NewData([]byte("smalL"))))

	large := bytes.Repeat([]byte("x"), SmallDataSize+1)
	a, b := NewData(large), NewData(large)
	require.True(t, a.Equal(b))
	require.Equal(t, a.Digest(), b.Digest())
	large[0] = 'y'
	require.False(t, a.Equal(NewData(large)))
	require.Equal(t, SmallDataSize+1, a.Len())
}

func TestPolicyRetries(t *testing.T) {
	require.False(t, Policy{}.CanRetry(0))
	require.True(t, Policy{MaxRetries: 2}.CanRetry(1))
	require.False(t, Policy{MaxRetries: 2}.CanRetry(2))
	require.True(t, Policy{MaxRetries: -1}.CanRetry(1000))
}

func TestMessagePersistence(t *testing.T) {
	store := storage.NewMemory()
	msg := NewMessage(Path{Service: "echo", Handle: "ping"}, []byte("hello"), Policy{Persistent: true, Timeout: 2, MaxRetries: 3})
	require.False(t, msg.Persisted())

	require.NoError(t, msg.persist(store))
	require.True(t, msg.Persisted())
	require.Equal(t, 1, store.Len())

	payload, err := msg.Payload()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload.Bytes())

	restored, err := StoredMessages(store, "echo")
	require.NoError(t, err)
	require.Len(t, restored, 1)
	got := restored[0]
	require.Equal(t, msg.UUID(), got.UUID())
	require.Equal(t, msg.Path(), got.Path())
	require.Equal(t, msg.Policy(), got.Policy())
	require.True(t, msg.EnqueuedAt().Equal(got.EnqueuedAt()))
	require.Equal(t, 5, got.Size())

	others, err := StoredMessages(store, "other")
	require.NoError(t, err)
	require.Empty(t, others)

	require.NoError(t, got.purge())
	require.Zero(t, store.Len())
	require.NoError(t, msg.purge(), "purging twice is harmless")

	_, err = msg.Payload()
	require.NoError(t, err, "a purged message has no store to read from")

	t.Run("lost payload", func(t *testing.T) {
		msg := testMessage(Policy{Persistent: true})
		require.NoError(t, msg.persist(store))
		require.NoError(t, store.Remove(msg.UUID()))
		_, err := msg.Payload()
		require.ErrorIs(t, err, ErrPayloadUnavailable)
	})
}
