package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStandardSymbol(t *testing.T) {
	assert.Equal(t, "AAPL", StandardSymbol("aapl"))
	assert.Equal(t, "700.HK", StandardSymbol("  700.hk "))
	assert.Equal(t, "", StandardSymbol("   "))

	// Idempotent: applying twice changes nothing.
	once := StandardSymbol("Brk.b")
	assert.Equal(t, once, StandardSymbol(once))
}

func TestRoomForSymbol(t *testing.T) {
	assert.Equal(t, "symbol:AAPL", RoomForSymbol("AAPL"))
}

func TestGatewayStatsCounters(t *testing.T) {
	s := NewGatewayStats()

	s.RecordDisconnect("client_closed")
	s.RecordDisconnect("client_closed")
	s.RecordDisconnect("slow_client")
	s.RecordDrop("symbol:AAPL")

	s.DisconnectsMu.RLock()
	assert.Equal(t, int64(2), s.DisconnectsByReason["client_closed"])
	assert.Equal(t, int64(1), s.DisconnectsByReason["slow_client"])
	s.DisconnectsMu.RUnlock()

	s.DropsMu.RLock()
	assert.Equal(t, int64(1), s.DroppedByRoom["symbol:AAPL"])
	s.DropsMu.RUnlock()
}
