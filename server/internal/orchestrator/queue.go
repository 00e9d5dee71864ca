package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrQueueClosed = errors.New("event queue closed")
	ErrQueueFull   = errors.New("event queue full")
	ErrTimeout     = errors.New("timeout waiting for event processing")
)

const (
	defaultQueueCapacity = 64
	defaultEventTimeout  = 5 * time.Second
	slowEventThreshold   = time.Second
)

// Handler 处理一条事件。只会在队列自己的 goroutine 里被调用。
type Handler func(ctx context.Context, evt Event) error

// Queue 为单个会话提供串行事件处理（actor）：
// SessionState 只在处理 goroutine 内被修改，事件按入队顺序逐个处理。
type Queue struct {
	sessionID string
	handler   Handler
	events    chan *queuedEvent
	timeout   time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    zerolog.Logger

	mu        sync.Mutex
	total     int64
	processed int64
	dropped   int64
}

type queuedEvent struct {
	evt      Event
	enqueued time.Time
	resultCh chan error // 同步调用时非空
}

// QueueStats 是队列统计信息。
type QueueStats struct {
	SessionID string `json:"session_id"`
	Total     int64  `json:"total_events"`
	Processed int64  `json:"processed_events"`
	Dropped   int64  `json:"dropped_events"`
	Pending   int    `json:"pending_events"`
	Capacity  int    `json:"queue_capacity"`
}

// NewQueue 创建队列并启动处理 goroutine。
func NewQueue(sessionID string, capacity int, timeout time.Duration, handler Handler, logger zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sessionID: sessionID,
		handler:   handler,
		events:    make(chan *queuedEvent, capacity),
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

// Enqueue 异步入队，队列满时直接丢弃并返回 ErrQueueFull（背压）。
func (q *Queue) Enqueue(evt Event) error {
	if q.ctx.Err() != nil {
		return ErrQueueClosed
	}
	select {
	case q.events <- &queuedEvent{evt: evt, enqueued: time.Now()}:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		q.logger.Warn().Str("type", string(evt.Type)).Msg("queue full, dropping event")
		return ErrQueueFull
	}
}

// EnqueueSync 入队并等待处理完成，返回 handler 的结果。
// 不能在 handler 内调用，否则会自锁。
func (q *Queue) EnqueueSync(evt Event) error {
	if q.ctx.Err() != nil {
		return ErrQueueClosed
	}
	item := &queuedEvent{evt: evt, enqueued: time.Now(), resultCh: make(chan error, 1)}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.events <- item:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
	case <-timer.C:
		return ErrTimeout
	case <-q.ctx.Done():
		return ErrQueueClosed
	}

	select {
	case err := <-item.resultCh:
		return err
	case <-timer.C:
		return ErrTimeout
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case item := <-q.events:
			q.process(item)
		}
	}
}

func (q *Queue) process(item *queuedEvent) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	err := q.handler(ctx, item.evt)
	cancel()
	elapsed := time.Since(start)

	q.mu.Lock()
	q.processed++
	q.mu.Unlock()

	if err != nil {
		q.logger.Debug().Err(err).Str("type", string(item.evt.Type)).Msg("event handled with error")
	}
	if elapsed > slowEventThreshold {
		q.logger.Warn().Str("type", string(item.evt.Type)).
			Dur("queue_latency", start.Sub(item.enqueued)).
			Dur("processing_time", elapsed).
			Msg("slow event processing")
	}
	if item.resultCh != nil {
		item.resultCh <- err
	}
}

// Close 停止处理 goroutine 并等待其退出。可重复调用；未处理的事件被丢弃。
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
		stats := q.Stats()
		q.logger.Debug().
			Int64("total", stats.Total).
			Int64("processed", stats.Processed).
			Int64("dropped", stats.Dropped).
			Int("pending", stats.Pending).
			Msg("event queue closed")
	})
}

// Stats 返回统计信息。
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		SessionID: q.sessionID,
		Total:     q.total,
		Processed: q.processed,
		Dropped:   q.dropped,
		Pending:   len(q.events),
		Capacity:  cap(q.events),
	}
}
