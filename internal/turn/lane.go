// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package turn

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const laneQueueSize = 64

type laneItem struct {
	fn     func(context.Context) error
	ctx    context.Context
	result chan<- error
}

// Lane runs the turns of one thread one at a time, in submission order.
type Lane struct {
	threadID string
	queue    chan laneItem
	done     chan struct{}
	closing  chan struct{}
	logger   *slog.Logger

	once sync.Once
}

// NewLane starts the worker goroutine for threadID. Call Close when the
// lane is no longer needed.
func NewLane(threadID string, logger *slog.Logger) *Lane {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lane{
		threadID: threadID,
		queue:    make(chan laneItem, laneQueueSize),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
		logger:   logger,
	}
	go l.run()
	return l
}

func (l *Lane) run() {
	defer close(l.done)
	for {
		select {
		case w := <-l.queue:
			l.execute(w)
		case <-l.closing:
			for {
				select {
				case w := <-l.queue:
					l.execute(w)
				default:
					return
				}
			}
		}
	}
}

func (l *Lane) execute(w laneItem) {
	if err := w.ctx.Err(); err != nil {
		w.result <- err
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("turn panic recovered",
					"thread_id", l.threadID,
					"panic", r,
					"stack", string(debug.Stack()))
				err = skyerr.Errorf(skyerr.CodeTurnPanic, "turn panic: %v", r)
			}
		}()
		err = w.fn(w.ctx)
	}()

	w.result <- err
}

// Submit queues fn and waits for it. Work that has started is always
// waited for, even when ctx is cancelled, so callers may release
// resources fn uses once Submit returns. Work still queued when ctx is
// cancelled is skipped and ctx.Err() returned.
func (l *Lane) Submit(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-l.closing:
		return skyerr.New(skyerr.CodeTurnLaneClosed, "lane is closed", skyerr.FieldThreadID(l.threadID))
	default:
	}

	result := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closing:
		return skyerr.New(skyerr.CodeTurnLaneClosed, "lane is closed", skyerr.FieldThreadID(l.threadID))
	case l.queue <- laneItem{fn: fn, ctx: ctx, result: result}:
	}

	// The worker drains the queue on close, so a result always arrives.
	return <-result
}

// Close stops accepting work, finishes what is queued and waits for the
// worker to exit. It is idempotent.
func (l *Lane) Close() {
	l.once.Do(func() {
		close(l.closing)
		<-l.done
	})
}

type poolEntry struct {
	lane *Lane
	refs int
}

// LanePool hands out one Lane per thread. Lanes are reference counted and
// closed once the last holder releases them, so idle threads cost nothing.
type LanePool struct {
	mu     sync.Mutex
	lanes  map[string]*poolEntry
	logger *slog.Logger
}

func NewLanePool(logger *slog.Logger) *LanePool {
	return &LanePool{lanes: make(map[string]*poolEntry), logger: logger}
}

// Acquire returns the lane for threadID and a release func that must be
// called exactly once.
func (p *LanePool) Acquire(threadID string) (*Lane, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.lanes[threadID]
	if !ok {
		e = &poolEntry{lane: NewLane(threadID, p.logger)}
		p.lanes[threadID] = e
	}
	e.refs++

	var once sync.Once
	return e.lane, func() { once.Do(func() { p.release(threadID, e) }) }
}

func (p *LanePool) release(threadID string, e *poolEntry) {
	p.mu.Lock()
	e.refs--
	last := e.refs == 0 && p.lanes[threadID] == e
	if last {
		delete(p.lanes, threadID)
	}
	p.mu.Unlock()

	if last {
		e.lane.Close()
	}
}

// Len reports how many lanes are open.
func (p *LanePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// Close shuts down every lane. Holders that later release are no-ops.
func (p *LanePool) Close() {
	p.mu.Lock()
	entries := p.lanes
	p.lanes = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.lane.Close()
	}
}
