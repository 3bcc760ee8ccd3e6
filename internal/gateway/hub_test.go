package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/blog-garden-go/internal/json"
	"github.com/lk2023060901/blog-garden-go/pkg/util/merr"
)

// fakeConn 为内存中的 Conn 实现，记录写出的帧。
type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closed   bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("not implemented")
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) lastWritten() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return nil
	}
	return c.written[len(c.written)-1]
}

func TestHubAddAndRemove(t *testing.T) {
	hub := NewHub()
	conn := &fakeConn{}

	assert.True(t, hub.Add("ch-1", conn))
	assert.False(t, hub.Add("ch-1", &fakeConn{}))
	assert.Equal(t, 1, hub.Count())

	hub.Remove("ch-1")
	assert.Zero(t, hub.Count())
	assert.True(t, conn.closed)

	// 幂等：重复移除不会 panic。
	hub.Remove("ch-1")
}

func TestHubSendWritesEnvelope(t *testing.T) {
	hub := NewHub()
	conn := &fakeConn{}
	hub.Add("ch-1", conn)

	err := hub.Send(context.Background(), "ch-1", "status_update", map[string]any{"draft_id": 7})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(conn.lastWritten(), &env))
	assert.Equal(t, "status_update", env.Event)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, data["draft_id"])
}

func TestHubSendUnknownChannel(t *testing.T) {
	hub := NewHub()

	err := hub.Send(context.Background(), "ch-missing", "status_update", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, merr.ErrChannelNotFound)
}

func TestHubSendWriteFailure(t *testing.T) {
	hub := NewHub()
	hub.Add("ch-1", &fakeConn{writeErr: errors.New("write: broken pipe")})

	err := hub.Send(context.Background(), "ch-1", "status_update", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, merr.ErrChannelSendFailed)
}

func TestHubShutdownClosesAll(t *testing.T) {
	hub := NewHub()
	connA := &fakeConn{}
	connB := &fakeConn{}
	hub.Add("ch-a", connA)
	hub.Add("ch-b", connB)

	hub.Shutdown()

	assert.Zero(t, hub.Count())
	assert.True(t, connA.closed)
	assert.True(t, connB.closed)
}
