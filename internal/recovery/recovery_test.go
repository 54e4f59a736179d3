package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/types"
)

type fakeSource struct {
	points []types.CompressedPoint
	err    error
}

func (s *fakeSource) GetDataSince(_ context.Context, _ []string, _ int64) ([]types.CompressedPoint, error) {
	return s.points, s.err
}

type fakeSender struct {
	mu       sync.Mutex
	frames   [][]byte
	rejected bool // when true, pretend the client is gone
}

func (s *fakeSender) SendToClient(_ string, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejected {
		return false
	}
	s.frames = append(s.frames, append([]byte(nil), payload...))
	return true
}

func (s *fakeSender) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func newTestManager(t *testing.T, opts Options, source Source, sender FrameSender, start bool) *Manager {
	t.Helper()
	m := NewManager(opts, source, sender, zerolog.Nop(), nil)
	if start {
		m.Start()
	}
	t.Cleanup(m.Shutdown)
	return m
}

func testPoints(symbol string, n int) []types.CompressedPoint {
	base := types.NowMillis()
	out := make([]types.CompressedPoint, n)
	for i := range out {
		out[i] = types.CompressedPoint{S: symbol, P: float64(i), V: 1, T: base + int64(i)}
	}
	return out
}

func TestScheduleRejectsMissingTimestamp(t *testing.T) {
	m := newTestManager(t, Options{}, &fakeSource{}, &fakeSender{}, false)

	_, err := m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}})
	var admission *AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.Equal(t, monitoring.RecoveryRejectMissingTimestamp, admission.Reason)
}

func TestScheduleRejectsWindowExceeded(t *testing.T) {
	m := newTestManager(t, Options{MaxWindow: time.Second}, &fakeSource{}, &fakeSender{}, false)

	since := types.NowMillis() - 5000
	_, err := m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}, SinceTime: since})
	var admission *AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.Equal(t, monitoring.RecoveryRejectWindowExceeded, admission.Reason)
}

func TestScheduleHonorsClientNarrowedWindow(t *testing.T) {
	since := types.NowMillis() - 5000
	var admission *AdmissionError

	// A 5s gap fits the server's minute-wide window, but the client asked
	// for a 1s cap of its own.
	m := newTestManager(t, Options{MaxWindow: time.Minute}, &fakeSource{}, &fakeSender{}, false)
	_, err := m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}, SinceTime: since, MaxWindow: 1000})
	require.ErrorAs(t, err, &admission)
	assert.Equal(t, monitoring.RecoveryRejectWindowExceeded, admission.Reason)

	// The client cap can only narrow the server window, never widen it.
	m2 := newTestManager(t, Options{MaxWindow: time.Second}, &fakeSource{}, &fakeSender{}, false)
	_, err = m2.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}, SinceTime: since, MaxWindow: 60000})
	require.ErrorAs(t, err, &admission)
	assert.Equal(t, monitoring.RecoveryRejectWindowExceeded, admission.Reason)

	// Inside both windows the request admits.
	m3 := newTestManager(t, Options{MaxWindow: time.Minute}, &fakeSource{}, &fakeSender{}, false)
	_, err = m3.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}, SinceTime: since, MaxWindow: 10000})
	require.NoError(t, err)
}

func TestScheduleDuplicateReturnsExistingTask(t *testing.T) {
	m := newTestManager(t, Options{}, &fakeSource{}, &fakeSender{}, false)

	since := types.NowMillis() - 1000
	first, err := m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"MSFT", "AAPL"}, SinceTime: since})
	require.NoError(t, err)

	// Same client, window, and symbol set (order independent) is a duplicate.
	second, err := m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"aapl", "msft"}, SinceTime: since})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, m.QueueDepth())
}

func TestScheduleRejectsWhenQueueFull(t *testing.T) {
	m := newTestManager(t, Options{QueueSize: 1}, &fakeSource{}, &fakeSender{}, false)

	since := types.NowMillis() - 1000
	_, err := m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}, SinceTime: since})
	require.NoError(t, err)

	_, err = m.ScheduleRecovery(Request{ClientID: "c2", Symbols: []string{"AAPL"}, SinceTime: since})
	var admission *AdmissionError
	require.ErrorAs(t, err, &admission)
	assert.Equal(t, monitoring.RecoveryRejectQueueFull, admission.Reason)

	// A shed request is fully forgotten; the same client can retry.
	m2 := newTestManager(t, Options{QueueSize: 1}, &fakeSource{}, &fakeSender{}, false)
	_, err = m2.ScheduleRecovery(Request{ClientID: "c2", Symbols: []string{"AAPL"}, SinceTime: since})
	require.NoError(t, err)
}

func TestRecoveryDeliversBatches(t *testing.T) {
	sender := &fakeSender{}
	source := &fakeSource{points: testPoints("AAPL", 5)}
	m := newTestManager(t, Options{BatchSize: 2}, source, sender, true)

	since := types.NowMillis() - 1000
	_, err := m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}, SinceTime: since})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sender.all()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	frames := sender.all()
	for i, raw := range frames {
		var frame types.RecoveryBatchFrame
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.Equal(t, types.MsgTypeRecoveryBatch, frame.Type)
		assert.Equal(t, "c1", frame.ClientID)
		assert.Equal(t, 3, frame.BatchInfo.TotalBatches)
		assert.Equal(t, i+1, frame.BatchInfo.CurrentBatch)
		assert.Equal(t, i == 2, frame.BatchInfo.IsComplete)
		assert.Equal(t, 5, frame.Metadata.TotalRecovered)
	}
}

func TestRecoveryHonorsClientBatchCap(t *testing.T) {
	sender := &fakeSender{}
	source := &fakeSource{points: testPoints("AAPL", 4)}
	m := newTestManager(t, Options{BatchSize: 100}, source, sender, true)

	_, err := m.ScheduleRecovery(Request{
		ClientID:     "c1",
		Symbols:      []string{"AAPL"},
		SinceTime:    types.NowMillis() - 1000,
		Capabilities: types.ClientCapabilities{MaxBatchSize: 2},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sender.all()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	var frame types.RecoveryBatchFrame
	require.NoError(t, json.Unmarshal(sender.all()[0], &frame))
	assert.Len(t, frame.RecoveredData, 2)
}

func TestEmptyRecoverySendsTerminalBatch(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(t, Options{}, &fakeSource{}, sender, true)

	_, err := m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}, SinceTime: types.NowMillis() - 1000})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sender.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var frame types.RecoveryBatchFrame
	require.NoError(t, json.Unmarshal(sender.all()[0], &frame))
	assert.True(t, frame.BatchInfo.IsComplete)
	assert.Empty(t, frame.RecoveredData)
	assert.Equal(t, 0, frame.Metadata.TotalRecovered)
}

func TestSourceFailureEmitsFailedFrame(t *testing.T) {
	sender := &fakeSender{}
	source := &fakeSource{err: errors.New("redis unreachable")}
	m := newTestManager(t, Options{}, source, sender, true)

	since := types.NowMillis() - 1000
	_, err := m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}, SinceTime: since})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sender.all()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var frame types.RecoveryFailedFrame
	require.NoError(t, json.Unmarshal(sender.all()[0], &frame))
	assert.Equal(t, types.MsgTypeRecoveryFailed, frame.Type)
	assert.Equal(t, "resubscribe", frame.RecommendedAction)
	assert.Equal(t, since, frame.MissingDataRange.From)
	assert.Equal(t, []string{"AAPL"}, frame.MissingDataRange.AffectedSymbols)
	assert.True(t, frame.FallbackOptions.EnableRealTimeOnly)
	assert.Equal(t, int64(retryAfterMs), frame.FallbackOptions.RetryAfterMs)
}

func TestSendFailedFrameForAdmissionRejection(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(t, Options{}, &fakeSource{}, sender, false)

	since := types.NowMillis() - 120000
	m.SendFailedFrame("c1", since, []string{"AAPL"}, "requested window exceeds maximum")

	frames := sender.all()
	require.Len(t, frames, 1)

	var frame types.RecoveryFailedFrame
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, "requested window exceeds maximum", frame.Error)
	assert.Equal(t, "resubscribe", frame.RecommendedAction)
}

func TestCancelClientRemovesQueuedTask(t *testing.T) {
	m := newTestManager(t, Options{}, &fakeSource{}, &fakeSender{}, false)

	since := types.NowMillis() - 1000
	_, err := m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}, SinceTime: since})
	require.NoError(t, err)
	require.Equal(t, 1, m.QueueDepth())

	m.CancelClient("c1")
	assert.Equal(t, 0, m.QueueDepth())

	// Forgotten: the identical request admits again instead of deduping.
	_, err = m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}, SinceTime: since})
	require.NoError(t, err)
	assert.Equal(t, 1, m.QueueDepth())
}

func TestDisconnectedClientCancelsDelivery(t *testing.T) {
	sender := &fakeSender{rejected: true}
	source := &fakeSource{points: testPoints("AAPL", 3)}
	m := newTestManager(t, Options{}, source, sender, true)

	id, err := m.ScheduleRecovery(Request{ClientID: "c1", Symbols: []string{"AAPL"}, SinceTime: types.NowMillis() - 1000})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		return m.QueueDepth() == 0 && m.ActiveCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sender.all(), "no frames buffered for a gone client")
}

func TestTaskPriority(t *testing.T) {
	now := time.Now()

	vipFresh := taskPriority(types.ClientTypeVIP, now.UnixMilli()-1000, now)
	stdFresh := taskPriority(types.ClientTypeStandard, now.UnixMilli()-1000, now)
	assert.Greater(t, vipFresh, stdFresh, "vip outranks standard at equal gap")

	// Both fresh gaps carry the urgent boost.
	assert.Greater(t, stdFresh, 1000.0)

	stdStale := taskPriority(types.ClientTypeStandard, now.UnixMilli()-20000, now)
	assert.Less(t, stdStale, stdFresh, "staler gaps decay")
	assert.Less(t, stdStale, 1000.0, "no urgent boost past the window")
}

func TestIdempotencyKey(t *testing.T) {
	a := idempotencyKey("c1", 1000, []string{"AAPL", "MSFT"})
	b := idempotencyKey("c1", 1000, []string{"AAPL", "MSFT"})
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, idempotencyKey("c2", 1000, []string{"AAPL", "MSFT"}))
	assert.NotEqual(t, a, idempotencyKey("c1", 1001, []string{"AAPL", "MSFT"}))
	assert.NotEqual(t, a, idempotencyKey("c1", 1000, []string{"AAPL"}))
}

func TestQueueOrdering(t *testing.T) {
	q := newBoundedQueue(10)
	now := time.Now()

	low := &Task{ID: "low", priority: 10, RequestedAt: now}
	high := &Task{ID: "high", priority: 100, RequestedAt: now.Add(time.Millisecond)}
	mid := &Task{ID: "mid", priority: 50, RequestedAt: now.Add(2 * time.Millisecond)}

	require.True(t, q.push(low))
	require.True(t, q.push(high))
	require.True(t, q.push(mid))

	ctx := context.Background()
	for _, want := range []string{"high", "mid", "low"} {
		task, ok := q.pop(ctx)
		require.True(t, ok)
		assert.Equal(t, want, task.ID)
	}
}
