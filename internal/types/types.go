package types

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log aggregation
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// StreamStatus is the lifecycle state of an upstream stream connection.
// Transitions: connecting → connected → {error | closed}. closed is terminal;
// error moves to closed after cleanup.
type StreamStatus string

const (
	StreamStatusConnecting StreamStatus = "connecting"
	StreamStatusConnected  StreamStatus = "connected"
	StreamStatusError      StreamStatus = "error"
	StreamStatusClosed     StreamStatus = "closed"
)

// ClientType classifies subscribers for recovery prioritization.
type ClientType string

const (
	ClientTypeVIP      ClientType = "vip"
	ClientTypeStandard ClientType = "standard"
)

// HealthStatus is the discrete health classification derived from
// broadcast statistics and exposed by health endpoints.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthWarning   HealthStatus = "warning"
	HealthCritical  HealthStatus = "critical"
)

// Wire message types. Inbound: subscribe, unsubscribe, reconnect, heartbeat.
// Outbound: data, recovery_batch, recovery_failed plus acks and errors.
const (
	MsgTypeSubscribe      = "subscribe"
	MsgTypeUnsubscribe    = "unsubscribe"
	MsgTypeReconnect      = "reconnect"
	MsgTypeHeartbeat      = "heartbeat"
	MsgTypeData           = "data"
	MsgTypeRecoveryBatch  = "recovery_batch"
	MsgTypeRecoveryFailed = "recovery_failed"
	MsgTypeAck            = "ack"
	MsgTypeError          = "error"
)

// StandardSymbol converts any symbol form to the canonical standard form:
// trimmed and uppercased. Idempotent; cache keys and room names always use
// this form.
func StandardSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// RoomForSymbol returns the broadcast room name for a standard symbol.
func RoomForSymbol(standard string) string {
	return "symbol:" + standard
}

// RawTick is one market-data sample as delivered by an upstream provider,
// before normalization. Symbol is in provider form. ReceivedAt is the
// millisecond timestamp attached at the earliest receive point and anchors
// the end-to-end latency measurement.
type RawTick struct {
	Provider   string
	Capability string
	Symbol     string
	ReceivedAt int64
	Payload    map[string]any
}

// TickPoint is a normalized price sample for one symbol. Symbol is always
// the standard form; OriginalSymbol preserves the provider form for
// diagnostics.
type TickPoint struct {
	Symbol         string         `json:"symbol"`
	OriginalSymbol string         `json:"originalSymbol,omitempty"`
	Timestamp      int64          `json:"timestamp"`
	Fields         map[string]any `json:"fields"`
}

// CompressedPoint is the minimal replay representation of a tick,
// roughly 10x smaller than the full normalized record.
type CompressedPoint struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	T int64   `json:"t"`
}

// ClientCapabilities is negotiated on reconnect and bounds recovery egress
// for one client.
type ClientCapabilities struct {
	SupportsCompression bool   `json:"supportsCompression"`
	MaxBatchSize        int    `json:"maxBatchSize"`
	PreferredFormat     string `json:"preferredFormat"` // "json" | "binary"
}

// ClientRequest is the single inbound frame shape. Type selects which
// fields are meaningful. LastReceiveTimestamp is a pointer so a reconnect
// without it can be rejected rather than defaulted.
type ClientRequest struct {
	Type                 string              `json:"type"`
	Symbols              []string            `json:"symbols,omitempty"`
	Capability           string              `json:"capability,omitempty"`
	PreferredProvider    string              `json:"preferredProvider,omitempty"`
	ClientID             string              `json:"clientId,omitempty"`
	LastReceiveTimestamp *int64              `json:"lastReceiveTimestamp,omitempty"`
	MaxRecoveryWindow    int64               `json:"maxRecoveryWindow,omitempty"`
	ClientCapabilities   *ClientCapabilities `json:"clientCapabilities,omitempty"`
}

// DataFrame is the per-tick outbound frame, one per subscriber room.
// Data is pre-serialized so a room broadcast marshals the frame once.
type DataFrame struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// BatchInfo describes the position of one recovery_batch frame within a
// recovery session.
type BatchInfo struct {
	TotalBatches int  `json:"totalBatches"`
	CurrentBatch int  `json:"currentBatch"`
	IsComplete   bool `json:"isComplete"`
}

// RecoveryMetadata summarizes an entire recovery session and rides on
// every batch frame.
type RecoveryMetadata struct {
	RecoveryStartTime int64 `json:"recoveryStartTime"`
	TotalRecovered    int   `json:"totalRecovered"`
	MissingDataCount  int   `json:"missingDataCount"`
}

// RecoveryBatchFrame carries one chunk of replayed ticks to a reconnecting
// client.
type RecoveryBatchFrame struct {
	Type             string            `json:"type"`
	ClientID         string            `json:"clientId"`
	BatchInfo        BatchInfo         `json:"batchInfo"`
	RecoveredData    []CompressedPoint `json:"recoveredData"`
	CompressionRatio float64           `json:"compressionRatio,omitempty"`
	Metadata         RecoveryMetadata  `json:"metadata"`
}

// MissingDataRange tells a failed-recovery client what it lost.
type MissingDataRange struct {
	From            int64    `json:"from"`
	To              int64    `json:"to"`
	AffectedSymbols []string `json:"affectedSymbols"`
}

// FallbackOptions are the client's choices after a failed recovery.
type FallbackOptions struct {
	EnablePartialRecovery bool  `json:"enablePartialRecovery"`
	EnableRealTimeOnly    bool  `json:"enableRealTimeOnly"`
	RetryAfterMs          int64 `json:"retryAfterMs"`
}

// RecoveryFailedFrame is the single terminal frame emitted when a recovery
// task fails. RecommendedAction is always "resubscribe".
type RecoveryFailedFrame struct {
	Type              string           `json:"type"`
	ClientID          string           `json:"clientId"`
	Error             string           `json:"error"`
	RecommendedAction string           `json:"recommendedAction"`
	MissingDataRange  MissingDataRange `json:"missingDataRange"`
	FallbackOptions   FallbackOptions  `json:"fallbackOptions"`
}

// AckFrame acknowledges a subscribe/unsubscribe/heartbeat request.
type AckFrame struct {
	Type      string   `json:"type"`
	Op        string   `json:"op"`
	Symbols   []string `json:"symbols,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// ErrorFrame reports a request-level failure to the client without leaking
// internals.
type ErrorFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// GatewayStats tracks transport-level counters for the WebSocket gateway.
// Int64 fields are updated atomically; maps are guarded by their own mutexes.
type GatewayStats struct {
	TotalConnections   int64
	CurrentConnections int64
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	StartTime          time.Time

	SlowClientsDisconnected int64
	RateLimitedMessages     int64

	DisconnectsByReason map[string]int64
	DisconnectsMu       sync.RWMutex

	DroppedByRoom map[string]int64
	DropsMu       sync.RWMutex
}

// NewGatewayStats returns a stats block with maps initialized.
func NewGatewayStats() *GatewayStats {
	return &GatewayStats{
		StartTime:           time.Now(),
		DisconnectsByReason: make(map[string]int64),
		DroppedByRoom:       make(map[string]int64),
	}
}

// RecordDisconnect bumps the per-reason disconnect counter.
func (s *GatewayStats) RecordDisconnect(reason string) {
	s.DisconnectsMu.Lock()
	s.DisconnectsByReason[reason]++
	s.DisconnectsMu.Unlock()
}

// RecordDrop bumps the per-room dropped-frame counter.
func (s *GatewayStats) RecordDrop(room string) {
	s.DropsMu.Lock()
	s.DroppedByRoom[room]++
	s.DropsMu.Unlock()
}

// NowMillis is the single clock helper used for wire timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
