package infra

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// GlobalLane caps concurrent agent turns across all sessions.
const GlobalLane = "global"

// DefaultGlobalConcurrency is the global lane cap when not configured.
const DefaultGlobalConcurrency = 10

// LaneQueue provides multi-lane FIFO task serialization. Each session
// gets its own lane with concurrency 1; the global lane bounds overall
// parallelism. A turn enqueues on its session lane first and claims a
// global slot from inside it, so it runs only when both are free.
type LaneQueue struct {
	mu                sync.Mutex
	lanes             map[string]*laneState
	globalConcurrency int
}

type laneState struct {
	name          string
	queue         []*laneEntry
	active        int
	maxConcurrent int
	draining      bool
	cond          *sync.Cond
}

type laneEntry struct {
	task       func(context.Context) (any, error)
	ctx        context.Context
	result     chan laneResult
	enqueuedAt time.Time
	warnAfter  time.Duration
	onWait     func(waited time.Duration, queueLen int)
}

type laneResult struct {
	value any
	err   error
}

// LaneOptions configures enqueueing behavior.
type LaneOptions struct {
	// WarnAfter triggers OnWait if the task waits longer than this.
	WarnAfter time.Duration

	// OnWait is called when a task has waited longer than WarnAfter.
	OnWait func(waited time.Duration, queueLen int)
}

// NewLaneQueue creates a lane queue. globalConcurrency <= 0 uses the
// default cap of 10.
func NewLaneQueue(globalConcurrency int) *LaneQueue {
	if globalConcurrency <= 0 {
		globalConcurrency = DefaultGlobalConcurrency
	}
	return &LaneQueue{
		lanes:             make(map[string]*laneState),
		globalConcurrency: globalConcurrency,
	}
}

func (q *LaneQueue) getLane(name string) *laneState {
	lane, ok := q.lanes[name]
	if !ok {
		lane = &laneState{
			name:          name,
			maxConcurrent: 1,
		}
		if name == GlobalLane {
			lane.maxConcurrent = q.globalConcurrency
		}
		lane.cond = sync.NewCond(&q.mu)
		q.lanes[name] = lane
	}
	return lane
}

// SetLaneConcurrency overrides the cap for one lane.
func (q *LaneQueue) SetLaneConcurrency(lane string, maxConcurrent int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	l := q.getLane(lane)
	l.maxConcurrent = maxConcurrent
	l.cond.Broadcast()
}

// EnqueueTurn serializes a turn on its session lane and the global lane.
func (q *LaneQueue) EnqueueTurn(ctx context.Context, sessionKey string, task func(context.Context) (any, error)) (any, error) {
	return q.EnqueueInLane(ctx, "session:"+sessionKey, func(ctx context.Context) (any, error) {
		return q.EnqueueInLane(ctx, GlobalLane, task, nil)
	}, nil)
}

// EnqueueInLane adds a task to a lane and waits for its result.
func (q *LaneQueue) EnqueueInLane(ctx context.Context, lane string, task func(context.Context) (any, error), opts *LaneOptions) (any, error) {
	if opts == nil {
		opts = &LaneOptions{WarnAfter: 2 * time.Second}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if task == nil {
		return nil, fmt.Errorf("task is nil")
	}

	resultCh := make(chan laneResult, 1)
	entry := &laneEntry{
		task:       task,
		ctx:        ctx,
		result:     resultCh,
		enqueuedAt: time.Now(),
		warnAfter:  opts.WarnAfter,
		onWait:     opts.OnWait,
	}

	q.mu.Lock()
	l := q.getLane(lane)
	l.queue = append(l.queue, entry)
	if !l.draining {
		l.draining = true
		go q.drainLane(l)
	}
	q.mu.Unlock()

	select {
	case result := <-resultCh:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *LaneQueue) drainLane(l *laneState) {
	for {
		q.mu.Lock()

		for l.active >= l.maxConcurrent && len(l.queue) > 0 {
			l.cond.Wait()
		}

		if len(l.queue) == 0 {
			l.draining = false
			q.mu.Unlock()
			return
		}

		entry := l.queue[0]
		l.queue = l.queue[1:]

		waited := time.Since(entry.enqueuedAt)
		if waited >= entry.warnAfter && entry.onWait != nil {
			entry.onWait(waited, len(l.queue))
		}

		l.active++
		q.mu.Unlock()

		go func(e *laneEntry) {
			var (
				value any
				err   error
			)
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("task panicked: %v\n%s", rec, debug.Stack())
				}

				q.mu.Lock()
				l.active--
				l.cond.Broadcast()
				q.mu.Unlock()

				e.result <- laneResult{value: value, err: err}
			}()

			if e.ctx.Err() != nil {
				err = e.ctx.Err()
				return
			}

			value, err = e.task(e.ctx)
		}(entry)
	}
}

// QueueSize returns pending plus active tasks in a lane.
func (q *LaneQueue) QueueSize(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[lane]
	if !ok {
		return 0
	}
	return len(l.queue) + l.active
}

// LaneStats contains statistics for one lane.
type LaneStats struct {
	Name          string
	Pending       int
	Active        int
	MaxConcurrent int
}

// Stats returns statistics for all lanes.
func (q *LaneQueue) Stats() []LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := make([]LaneStats, 0, len(q.lanes))
	for _, l := range q.lanes {
		stats = append(stats, LaneStats{
			Name:          l.name,
			Pending:       len(l.queue),
			Active:        l.active,
			MaxConcurrent: l.maxConcurrent,
		})
	}
	return stats
}
