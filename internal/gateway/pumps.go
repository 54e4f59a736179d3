package gateway

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/marketwire/streamgate/internal/monitoring"
)

// readPump consumes inbound frames until the connection dies. Panic
// recovery is the first defer so it also covers cleanup.
func (s *Server) readPump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"client_id": c.id,
	})

	var disconnectReason string
	var initiatedBy string

	defer func() {
		if disconnectReason == "" {
			disconnectReason = monitoring.DisconnectReasonReadError
			initiatedBy = monitoring.DisconnectInitiatedByClient
		}
		s.disconnectClient(c, disconnectReason, initiatedBy)
	}()

	c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			disconnectReason = monitoring.DisconnectReasonReadError
			initiatedBy = monitoring.DisconnectInitiatedByClient
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		atomic.AddInt64(&s.stats.MessagesReceived, 1)
		atomic.AddInt64(&s.stats.BytesReceived, int64(len(msg)))
		monitoring.UpdateMessageMetrics(0, 1)
		monitoring.UpdateBytesMetrics(0, int64(len(msg)))

		switch op {
		case ws.OpText:
			if !c.msgLimiter.Allow() {
				atomic.AddInt64(&s.stats.RateLimitedMessages, 1)
				monitoring.IncrementRateLimitedMessages()
				s.sendError(c, "RATE_LIMIT_EXCEEDED", "too many messages, slow down")
				continue
			}
			if closed := s.handleClientMessage(c, msg); closed {
				disconnectReason = monitoring.DisconnectReasonClientInitiated
				initiatedBy = monitoring.DisconnectInitiatedByServer
				return
			}
		case ws.OpClose:
			disconnectReason = monitoring.DisconnectReasonClientInitiated
			initiatedBy = monitoring.DisconnectInitiatedByClient
			return
		default:
			// gobwas answers pings during ReadClientData
		}
	}
}

// writePump drains the send channel in batches through one buffered writer,
// flushing per wakeup, and keeps the connection alive with pings.
func (s *Server) writePump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"client_id": c.id,
	})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() {
			if c.conn != nil {
				c.conn.Close()
			}
		})
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))

			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				return
			}
			atomic.AddInt64(&s.stats.MessagesSent, 1)
			atomic.AddInt64(&s.stats.BytesSent, int64(len(message)))
			monitoring.UpdateMessageMetrics(1, 0)
			monitoring.UpdateBytesMetrics(int64(len(message)), 0)

			// Drain whatever queued up while we were writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					return
				}
				atomic.AddInt64(&s.stats.MessagesSent, 1)
				atomic.AddInt64(&s.stats.BytesSent, int64(len(message)))
				monitoring.UpdateMessageMetrics(1, 0)
				monitoring.UpdateBytesMetrics(int64(len(message)), 0)
			}

			if err := writer.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
