// Package recovery replays cached ticks to reconnecting clients. Requests
// pass strict admission (timestamp present, window bounded, duplicate
// suppression) into a bounded priority queue; a fixed worker pool drains it
// under a global concurrency cap and a shared egress rate limit, so a
// reconnect storm degrades recovery latency instead of starving live push.
package recovery

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/types"
)

// Task states.
const (
	stateQueued    = "queued"
	stateRunning   = "running"
	stateCompleted = "completed"
	stateFailed    = "failed"
	stateCancelled = "cancelled"
)

const (
	urgentWindow  = 5 * time.Second
	urgentBoost   = 1000.0
	retryAfterMs  = 30000
	defaultWindow = 30 * time.Second
)

// FrameSender delivers a recovery frame to one connected client. A false
// return means the client is gone.
type FrameSender interface {
	SendToClient(clientID string, payload []byte) bool
}

// Source is the replay cache read surface.
type Source interface {
	GetDataSince(ctx context.Context, symbols []string, since int64) ([]types.CompressedPoint, error)
}

// AdmissionError explains a rejected recovery request. Reason matches the
// rejection metric label.
type AdmissionError struct {
	Reason  string
	Message string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("recovery rejected (%s): %s", e.Reason, e.Message)
}

// Request is one reconnecting client's recovery ask. Symbols are
// standardized and sorted during admission. MaxWindow is the client's
// requested cap in milliseconds; it can only narrow the server window,
// never widen it, and zero means the server default.
type Request struct {
	ClientID     string
	Symbols      []string
	SinceTime    int64
	MaxWindow    int64
	ClientType   types.ClientType
	Capabilities types.ClientCapabilities
}

// Task is the queued unit of recovery work.
type Task struct {
	ID           string
	ClientID     string
	Symbols      []string
	SinceTime    int64
	ClientType   types.ClientType
	Capabilities types.ClientCapabilities
	RequestedAt  time.Time

	priority float64
	idemKey  uint64
	index    int

	mu     sync.Mutex
	state  string
	cancel context.CancelFunc
}

func (t *Task) setState(s string) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Options tunes the manager; zero values take production defaults.
type Options struct {
	Workers        int
	MaxConcurrent  int
	QueueSize      int
	BatchSize      int
	MaxWindow      time.Duration
	MaxQPS         int
	TaskTimeout    time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxWindow <= 0 {
		o.MaxWindow = defaultWindow
	}
	if o.MaxQPS <= 0 {
		o.MaxQPS = 1000
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 60 * time.Second
	}
}

// Manager owns admission, the queue, and the worker pool.
type Manager struct {
	opts    Options
	source  Source
	sender  FrameSender
	limiter *rate.Limiter

	queue *boundedQueue
	sem   chan struct{}

	mu       sync.Mutex
	inflight map[uint64]*Task            // idempotency key -> task, queued or running
	byClient map[string]map[string]*Task // client id -> task id -> task

	active int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger zerolog.Logger
	audit  *monitoring.AuditLogger
}

// NewManager builds the pool but does not start it.
func NewManager(opts Options, source Source, sender FrameSender, logger zerolog.Logger, audit *monitoring.AuditLogger) *Manager {
	opts.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		source:   source,
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Limit(opts.MaxQPS), opts.MaxQPS),
		queue:    newBoundedQueue(opts.QueueSize),
		sem:      make(chan struct{}, opts.MaxConcurrent),
		inflight: make(map[uint64]*Task),
		byClient: make(map[string]map[string]*Task),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With().Str("component", "recovery").Logger(),
		audit:    audit,
	}
}

// Start launches the worker pool.
func (m *Manager) Start() {
	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
}

// Shutdown stops workers. Running tasks are cut off by context cancellation.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// ScheduleRecovery admits one request. Returns the task id, or an
// *AdmissionError naming the rejection. A duplicate of an in-flight request
// returns the existing task's id with a nil error.
func (m *Manager) ScheduleRecovery(req Request) (string, error) {
	now := time.Now()

	if req.SinceTime <= 0 {
		monitoring.IncrementRecoveryRejected(monitoring.RecoveryRejectMissingTimestamp)
		return "", &AdmissionError{
			Reason:  monitoring.RecoveryRejectMissingTimestamp,
			Message: "lastReceiveTimestamp is required",
		}
	}

	window := m.opts.MaxWindow.Milliseconds()
	if req.MaxWindow > 0 && req.MaxWindow < window {
		window = req.MaxWindow
	}
	gap := now.UnixMilli() - req.SinceTime
	if gap > window {
		monitoring.IncrementRecoveryRejected(monitoring.RecoveryRejectWindowExceeded)
		return "", &AdmissionError{
			Reason:  monitoring.RecoveryRejectWindowExceeded,
			Message: fmt.Sprintf("requested window %dms exceeds maximum %dms", gap, window),
		}
	}

	symbols := make([]string, 0, len(req.Symbols))
	for _, s := range req.Symbols {
		if std := types.StandardSymbol(s); std != "" {
			symbols = append(symbols, std)
		}
	}
	sort.Strings(symbols)

	key := idempotencyKey(req.ClientID, req.SinceTime, symbols)

	m.mu.Lock()
	if existing, dup := m.inflight[key]; dup {
		m.mu.Unlock()
		monitoring.IncrementRecoveryRejected(monitoring.RecoveryRejectDuplicate)
		return existing.ID, nil
	}

	task := &Task{
		ID:           uuid.NewString(),
		ClientID:     req.ClientID,
		Symbols:      symbols,
		SinceTime:    req.SinceTime,
		ClientType:   req.ClientType,
		Capabilities: req.Capabilities,
		RequestedAt:  now,
		priority:     taskPriority(req.ClientType, req.SinceTime, now),
		idemKey:      key,
		state:        stateQueued,
	}
	m.inflight[key] = task
	if m.byClient[req.ClientID] == nil {
		m.byClient[req.ClientID] = make(map[string]*Task)
	}
	m.byClient[req.ClientID][task.ID] = task
	m.mu.Unlock()

	if !m.queue.push(task) {
		m.forget(task)
		monitoring.IncrementRecoveryRejected(monitoring.RecoveryRejectQueueFull)
		if m.audit != nil {
			m.audit.Warning(monitoring.EventRecoveryQueueSaturated, "Recovery queue at capacity, request shed", map[string]any{
				"client_id": req.ClientID,
				"capacity":  m.opts.QueueSize,
			})
		}
		return "", &AdmissionError{
			Reason:  monitoring.RecoveryRejectQueueFull,
			Message: "recovery queue at capacity",
		}
	}

	monitoring.IncrementRecoveryScheduled()
	monitoring.SetRecoveryQueueDepth(m.queue.depth())
	return task.ID, nil
}

// CancelClient cancels every queued and running task for a client that
// disconnected. No terminal frame is emitted; there is nobody to send it to.
func (m *Manager) CancelClient(clientID string) {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.byClient[clientID]))
	for _, t := range m.byClient[clientID] {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		if m.queue.remove(t) {
			t.setState(stateCancelled)
			m.forget(t)
			monitoring.IncrementRecoveryCancelled()
			continue
		}
		t.mu.Lock()
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Unlock()
	}
	monitoring.SetRecoveryQueueDepth(m.queue.depth())
}

// QueueDepth reports how many tasks are waiting.
func (m *Manager) QueueDepth() int { return m.queue.depth() }

// ActiveCount reports how many tasks are running right now.
func (m *Manager) ActiveCount() int { return int(atomic.LoadInt64(&m.active)) }

func (m *Manager) forget(t *Task) {
	m.mu.Lock()
	delete(m.inflight, t.idemKey)
	if tasks := m.byClient[t.ClientID]; tasks != nil {
		delete(tasks, t.ID)
		if len(tasks) == 0 {
			delete(m.byClient, t.ClientID)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()

	log := m.logger.With().Int("worker", id).Logger()
	defer monitoring.RecoverPanic(log, "recovery-worker", map[string]any{"worker": id})

	for {
		task, ok := m.queue.pop(m.ctx)
		if !ok {
			return
		}
		monitoring.SetRecoveryQueueDepth(m.queue.depth())

		if task.State() == stateCancelled {
			continue
		}

		select {
		case m.sem <- struct{}{}:
		case <-m.ctx.Done():
			return
		}
		m.runTask(task, log)
		<-m.sem
	}
}

// runTask executes one recovery session under the per-task deadline.
func (m *Manager) runTask(task *Task, log zerolog.Logger) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.TaskTimeout)
	defer cancel()

	task.mu.Lock()
	task.state = stateRunning
	task.cancel = cancel
	task.mu.Unlock()
	defer m.forget(task)

	monitoring.SetRecoveryActive(int(atomic.AddInt64(&m.active, 1)))
	defer func() {
		monitoring.SetRecoveryActive(int(atomic.AddInt64(&m.active, -1)))
	}()

	// Fresh scope per task so every log line carries the session identity.
	tlog := log.With().
		Str("task_id", task.ID).
		Str("client_id", task.ClientID).
		Int64("since", task.SinceTime).
		Int("symbols", len(task.Symbols)).
		Logger()

	points, err := m.source.GetDataSince(ctx, task.Symbols, task.SinceTime)
	if err != nil {
		m.fail(task, tlog, fmt.Errorf("replay read: %w", err))
		return
	}

	chunk := m.opts.BatchSize
	if task.Capabilities.MaxBatchSize > 0 && task.Capabilities.MaxBatchSize < chunk {
		chunk = task.Capabilities.MaxBatchSize
	}

	totalBatches := (len(points) + chunk - 1) / chunk
	if totalBatches == 0 {
		totalBatches = 1 // empty recovery still sends one terminal batch
	}

	meta := types.RecoveryMetadata{
		RecoveryStartTime: start.UnixMilli(),
		TotalRecovered:    len(points),
	}

	for batch := 0; batch < totalBatches; batch++ {
		if err := m.limiter.Wait(ctx); err != nil {
			m.fail(task, tlog, fmt.Errorf("recovery deadline during rate wait: %w", err))
			return
		}

		lo := batch * chunk
		hi := lo + chunk
		if hi > len(points) {
			hi = len(points)
		}

		frame := types.RecoveryBatchFrame{
			Type:     types.MsgTypeRecoveryBatch,
			ClientID: task.ClientID,
			BatchInfo: types.BatchInfo{
				TotalBatches: totalBatches,
				CurrentBatch: batch + 1,
				IsComplete:   batch == totalBatches-1,
			},
			RecoveredData: points[lo:hi],
			Metadata:      meta,
		}

		payload, err := json.Marshal(frame)
		if err != nil {
			m.fail(task, tlog, fmt.Errorf("frame encode: %w", err))
			return
		}
		if !m.sender.SendToClient(task.ClientID, payload) {
			// Client left mid-recovery; nothing to deliver a failure to.
			task.setState(stateCancelled)
			monitoring.IncrementRecoveryCancelled()
			tlog.Info().Int("batch", batch+1).Msg("Recovery cancelled, client disconnected")
			return
		}
	}

	task.setState(stateCompleted)
	monitoring.IncrementRecoveryCompleted()
	monitoring.AddRecoveryPointsReplayed(len(points))
	monitoring.ObserveRecoveryDuration(time.Since(start))
	tlog.Info().
		Int("points", len(points)).
		Int("batches", totalBatches).
		Dur("took", time.Since(start)).
		Msg("Recovery completed")
}

// fail marks the task failed and emits the single terminal frame.
func (m *Manager) fail(task *Task, log zerolog.Logger, cause error) {
	task.setState(stateFailed)
	monitoring.IncrementRecoveryFailed()
	log.Warn().Err(cause).Msg("Recovery failed")

	m.sendFailedFrame(task.ClientID, task.SinceTime, task.Symbols, cause.Error())
}

// SendFailedFrame emits a recovery_failed frame for a request that never
// became a task (admission rejections that the client must hear about).
func (m *Manager) SendFailedFrame(clientID string, sinceTime int64, symbols []string, reason string) {
	m.sendFailedFrame(clientID, sinceTime, symbols, reason)
}

func (m *Manager) sendFailedFrame(clientID string, sinceTime int64, symbols []string, reason string) {
	frame := types.RecoveryFailedFrame{
		Type:              types.MsgTypeRecoveryFailed,
		ClientID:          clientID,
		Error:             reason,
		RecommendedAction: "resubscribe",
		MissingDataRange: types.MissingDataRange{
			From:            sinceTime,
			To:              types.NowMillis(),
			AffectedSymbols: symbols,
		},
		FallbackOptions: types.FallbackOptions{
			EnableRealTimeOnly: true,
			RetryAfterMs:       retryAfterMs,
		},
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		m.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to encode recovery_failed frame")
		return
	}
	m.sender.SendToClient(clientID, payload)
}

// taskPriority blends client tier with recency: fresher gaps replay first
// within a tier, and very fresh gaps jump the line entirely.
func taskPriority(clientType types.ClientType, sinceTime int64, now time.Time) float64 {
	base := 10.0
	if clientType == types.ClientTypeVIP {
		base = 100.0
	}

	gap := now.UnixMilli() - sinceTime
	decay := float64(gap) / 1000.0
	p := base - decay
	if time.Duration(gap)*time.Millisecond < urgentWindow {
		p += urgentBoost
	}
	return p
}

// idempotencyKey hashes clientId|sinceTime|sorted symbols with FNV-1a.
func idempotencyKey(clientID string, sinceTime int64, sortedSymbols []string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(clientID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(sinceTime, 10)))
	for _, s := range sortedSymbols {
		h.Write([]byte{'|'})
		h.Write([]byte(s))
	}
	return h.Sum64()
}
