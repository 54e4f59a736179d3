package gateway

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwire/streamgate/internal/config"
	"github.com/marketwire/streamgate/internal/types"
)

func testServerConfig(sendBufferSize int) *config.Config {
	return &config.Config{
		Addr:           ":0",
		MaxConnections: 16,
		SendBufferSize: sendBufferSize,
		ClientMsgRate:  10,
		ClientMsgBurst: 20,
		PingInterval:   30 * time.Second,
		ReadTimeout:    time.Minute,
		WriteTimeout:   10 * time.Second,
		ShutdownGrace:  100 * time.Millisecond,
	}
}

// newTestServer builds a server without listening; these tests exercise the
// in-process send paths only.
func newTestServer(t *testing.T, sendBufferSize int) *Server {
	t.Helper()
	return NewServer(testServerConfig(sendBufferSize), nil, nil, nil, zerolog.Nop())
}

// attachClient registers a pooled client with no underlying socket.
func attachClient(s *Server, id string) *Client {
	c := s.pool.get()
	c.id = id
	c.server = s

	s.clientsMu.Lock()
	s.clients[id] = c
	s.clientsMu.Unlock()
	return c
}

func TestSendToClient(t *testing.T) {
	s := newTestServer(t, 4)
	c := attachClient(s, "c1")

	assert.True(t, s.SendToClient("c1", []byte("frame")))
	assert.False(t, s.SendToClient("ghost", []byte("frame")))

	select {
	case got := <-c.send:
		assert.Equal(t, []byte("frame"), got)
	default:
		t.Fatal("frame not queued")
	}
}

func TestRegisterAlias(t *testing.T) {
	s := newTestServer(t, 4)
	c := attachClient(s, "session-1")

	s.RegisterAlias("old-client-id", c)
	assert.True(t, s.SendToClient("old-client-id", []byte("recovery")))

	select {
	case <-c.send:
	default:
		t.Fatal("aliased send did not reach the session")
	}

	// Empty alias and self alias are ignored.
	s.RegisterAlias("", c)
	s.RegisterAlias("session-1", c)
}

func TestSlowClientThreeStrikes(t *testing.T) {
	s := newTestServer(t, 1)
	c := attachClient(s, "c1")

	// Fill the one-slot buffer; every send after this is a strike.
	require.True(t, s.sendToClientStruct(c, "symbol:AAPL", []byte("f0")))

	assert.False(t, s.sendToClientStruct(c, "symbol:AAPL", []byte("f1")))
	assert.False(t, s.sendToClientStruct(c, "symbol:AAPL", []byte("f2")))
	assert.Equal(t, int64(0), s.stats.SlowClientsDisconnected)

	assert.False(t, s.sendToClientStruct(c, "symbol:AAPL", []byte("f3")))
	assert.Equal(t, int64(1), s.stats.SlowClientsDisconnected, "third strike disconnects")

	s.stats.DropsMu.RLock()
	assert.Equal(t, int64(3), s.stats.DroppedByRoom["symbol:AAPL"])
	s.stats.DropsMu.RUnlock()
}

func TestSuccessfulSendResetsStrikes(t *testing.T) {
	s := newTestServer(t, 1)
	c := attachClient(s, "c1")

	require.True(t, s.sendToClientStruct(c, "", []byte("f0")))
	assert.False(t, s.sendToClientStruct(c, "", []byte("f1")))
	assert.False(t, s.sendToClientStruct(c, "", []byte("f2")))

	// Drain one slot; the next send lands and resets the counter.
	<-c.send
	require.True(t, s.sendToClientStruct(c, "", []byte("f3")))

	assert.False(t, s.sendToClientStruct(c, "", []byte("f4")))
	assert.False(t, s.sendToClientStruct(c, "", []byte("f5")))
	assert.Equal(t, int64(0), s.stats.SlowClientsDisconnected, "strikes restarted after a success")
}

func TestBroadcastToRoom(t *testing.T) {
	s := newTestServer(t, 4)
	c1 := attachClient(s, "c1")
	c2 := attachClient(s, "c2")
	c1.joinRoom("symbol:AAPL")
	c2.joinRoom("symbol:AAPL")

	assert.True(t, s.BroadcastToRoom("symbol:EMPTY", "data", []byte("x")), "empty room is a trivial success")

	require.True(t, s.BroadcastToRoom("symbol:AAPL", "data", []byte("tick")))
	assert.Len(t, c1.send, 1)
	assert.Len(t, c2.send, 1)
}

func TestBroadcastToRoomAllMembersFull(t *testing.T) {
	s := newTestServer(t, 1)
	c := attachClient(s, "c1")
	c.joinRoom("symbol:AAPL")

	require.True(t, s.BroadcastToRoom("symbol:AAPL", "data", []byte("t1")))
	assert.False(t, s.BroadcastToRoom("symbol:AAPL", "data", []byte("t2")),
		"members exist and none accepted")
}

type captureHandler struct {
	intent ReconnectIntent
}

func (h *captureHandler) HandleSubscribe(_ string, symbols []string, _, _ string) ([]string, []string, error) {
	return symbols, nil, nil
}

func (h *captureHandler) HandleUnsubscribe(_ string, symbols []string) ([]string, error) {
	return symbols, nil
}

func (h *captureHandler) HandleHeartbeat(string) {}

func (h *captureHandler) HandleReconnect(intent ReconnectIntent) ([]string, error) {
	h.intent = intent
	return intent.Symbols, nil
}

func (h *captureHandler) HandleDisconnect(string) {}

func TestReconnectPropagatesClientRecoveryWindow(t *testing.T) {
	s := newTestServer(t, 4)
	h := &captureHandler{}
	s.SetHandler(h)
	c := attachClient(s, "session-1")

	since := int64(123456)
	frame, err := json.Marshal(types.ClientRequest{
		Type:                 types.MsgTypeReconnect,
		Symbols:              []string{"AAPL"},
		LastReceiveTimestamp: &since,
		MaxRecoveryWindow:    5000,
	})
	require.NoError(t, err)

	assert.False(t, s.handleClientMessage(c, frame))
	assert.Equal(t, since, h.intent.LastReceiveTimestamp)
	assert.Equal(t, int64(5000), h.intent.MaxRecoveryWindow,
		"client-requested recovery cap reaches the intent")
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, 4)

	status, detail := s.HealthCheck()
	assert.Equal(t, "ok", status)
	assert.Equal(t, int64(0), detail["connections"])
	assert.True(t, s.IsServerAvailable())
}
