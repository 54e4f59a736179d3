package gateway

import (
	"github.com/goccy/go-json"

	"github.com/marketwire/streamgate/internal/types"
)

// handleClientMessage parses and dispatches one inbound frame. A true
// return tells readPump the connection was closed here.
func (s *Server) handleClientMessage(c *Client, msg []byte) (closed bool) {
	var req types.ClientRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		s.sendError(c, "BAD_REQUEST", "malformed request frame")
		return false
	}

	switch req.Type {
	case types.MsgTypeSubscribe:
		s.handleSubscribe(c, req)
	case types.MsgTypeUnsubscribe:
		s.handleUnsubscribe(c, req)
	case types.MsgTypeReconnect:
		return s.handleReconnect(c, req)
	case types.MsgTypeHeartbeat:
		s.handleHeartbeat(c)
	default:
		s.sendError(c, "UNKNOWN_TYPE", "unsupported request type: "+req.Type)
	}
	return false
}

func (s *Server) handleSubscribe(c *Client, req types.ClientRequest) {
	if len(req.Symbols) == 0 {
		s.sendError(c, "NO_SYMBOLS", "subscribe requires at least one symbol")
		return
	}
	if s.handler == nil {
		s.sendError(c, "UNAVAILABLE", "server not ready")
		return
	}

	subscribed, failed, err := s.handler.HandleSubscribe(c.id, req.Symbols, req.Capability, req.PreferredProvider)
	if err != nil && len(subscribed) == 0 {
		s.sendError(c, "SUBSCRIBE_FAILED", err.Error())
		return
	}

	for _, symbol := range subscribed {
		c.joinRoom(types.RoomForSymbol(symbol))
	}

	s.sendAck(c, types.MsgTypeSubscribe, subscribed, failed)
}

func (s *Server) handleUnsubscribe(c *Client, req types.ClientRequest) {
	if s.handler == nil {
		s.sendError(c, "UNAVAILABLE", "server not ready")
		return
	}

	removed, err := s.handler.HandleUnsubscribe(c.id, req.Symbols)
	if err != nil {
		s.sendError(c, "UNSUBSCRIBE_FAILED", err.Error())
		return
	}

	for _, symbol := range removed {
		c.leaveRoom(types.RoomForSymbol(symbol))
	}

	s.sendAck(c, types.MsgTypeUnsubscribe, removed, nil)
}

// handleReconnect validates the resume request. A reconnect without
// lastReceiveTimestamp is a protocol violation closed with 4400; the
// client must resubscribe from scratch instead of guessing a window.
func (s *Server) handleReconnect(c *Client, req types.ClientRequest) (closed bool) {
	if req.LastReceiveTimestamp == nil {
		s.sendError(c, "MISSING_TIMESTAMP", "reconnect requires lastReceiveTimestamp")
		s.closeClient(c, closeCodeReconnectNoTimestamp, "reconnect without lastReceiveTimestamp")
		return true
	}
	if s.handler == nil {
		s.sendError(c, "UNAVAILABLE", "server not ready")
		return false
	}

	// Recovery frames scheduled under the client's previous identity must
	// reach this connection.
	recoveryID := c.id
	if req.ClientID != "" {
		recoveryID = req.ClientID
		s.RegisterAlias(req.ClientID, c)
	}

	intent := ReconnectIntent{
		ClientID:             recoveryID,
		Symbols:              req.Symbols,
		LastReceiveTimestamp: *req.LastReceiveTimestamp,
		MaxRecoveryWindow:    req.MaxRecoveryWindow,
		Capability:           req.Capability,
		PreferredProvider:    req.PreferredProvider,
	}
	if req.ClientCapabilities != nil {
		intent.Capabilities = *req.ClientCapabilities
	}

	resubscribed, err := s.handler.HandleReconnect(intent)
	if err != nil {
		s.sendError(c, "RECONNECT_FAILED", err.Error())
		return false
	}

	for _, symbol := range resubscribed {
		c.joinRoom(types.RoomForSymbol(symbol))
	}

	s.sendAck(c, types.MsgTypeReconnect, resubscribed, nil)
	return false
}

func (s *Server) handleHeartbeat(c *Client) {
	if s.handler != nil {
		s.handler.HandleHeartbeat(c.id)
	}
	s.sendAck(c, types.MsgTypeHeartbeat, nil, nil)
}

func (s *Server) sendAck(c *Client, op string, symbols, failed []string) {
	payload, err := json.Marshal(types.AckFrame{
		Type:      types.MsgTypeAck,
		Op:        op,
		Symbols:   symbols,
		Failed:    failed,
		Timestamp: types.NowMillis(),
	})
	if err != nil {
		return
	}
	s.sendToClientStruct(c, "", payload)
}

func (s *Server) sendError(c *Client, code, message string) {
	payload, err := json.Marshal(types.ErrorFrame{
		Type:      types.MsgTypeError,
		Code:      code,
		Message:   message,
		Timestamp: types.NowMillis(),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		// Client buffer full; they would not see the error anyway.
	}
}
