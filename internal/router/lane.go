package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/christopherjohns/consultsync/internal/event"
)

const (
	laneCapacity   = 100
	deliverTimeout = 5 * time.Second
)

// ErrLaneFull is returned when a session already has too much queued work.
var ErrLaneFull = errors.New("session queue full")

// lanes holds the pending session-ordered work. A session has an entry only
// while something of it is running; the entry's jobs run after that, in
// order, on one goroutine.
type lanes struct {
	mu sync.Mutex
	m  map[string]*lane
}

type lane struct {
	jobs []laneJob
}

type laneJob struct {
	kind event.Type
	fn   func(ctx context.Context) error
	done chan error
}

// claim marks sessionID busy if nothing of it is running or queued.
func (l *lanes) claim(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[string]*lane)
	}
	if _, busy := l.m[sessionID]; busy {
		return false
	}
	l.m[sessionID] = &lane{}
	return true
}

// push queues job. It reports whether the caller must start a drainer.
func (l *lanes) push(sessionID string, job laneJob) (start bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[string]*lane)
	}
	ln, busy := l.m[sessionID]
	if !busy {
		l.m[sessionID] = &lane{jobs: []laneJob{job}}
		return true, nil
	}
	if len(ln.jobs) >= laneCapacity {
		return false, fmt.Errorf("session %s: %w", sessionID, ErrLaneFull)
	}
	ln.jobs = append(ln.jobs, job)
	return false, nil
}

// release ends an inline run. It reports whether queued jobs need a drainer.
func (l *lanes) release(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok := l.m[sessionID]; ok && len(ln.jobs) > 0 {
		return true
	}
	delete(l.m, sessionID)
	return false
}

func (l *lanes) next(sessionID string) (laneJob, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.m[sessionID]
	if !ok || len(ln.jobs) == 0 {
		delete(l.m, sessionID)
		return laneJob{}, false
	}
	job := ln.jobs[0]
	ln.jobs = ln.jobs[1:]
	return job, true
}

// inOrder runs fn on the caller's goroutine when the session is idle, and
// otherwise queues it behind the session's pending work. The error is only
// returned for an inline run; queued failures are logged and counted.
func (r *Router) inOrder(ctx context.Context, sessionID string, kind event.Type, fn func(ctx context.Context) error) error {
	if !r.lanes.claim(sessionID) {
		return r.enqueue(sessionID, laneJob{kind: kind, fn: fn})
	}
	defer r.releaseLane(sessionID)
	return fn(ctx)
}

// later queues fn on the session's lane even when it is idle, keeping slow
// lookups off the caller's goroutine.
func (r *Router) later(sessionID string, kind event.Type, fn func(ctx context.Context) error) error {
	return r.enqueue(sessionID, laneJob{kind: kind, fn: fn})
}

// inOrderWait is inOrder for callers that need the result, such as HTTP
// handlers.
func (r *Router) inOrderWait(ctx context.Context, sessionID string, kind event.Type, fn func(ctx context.Context) error) error {
	if r.lanes.claim(sessionID) {
		defer r.releaseLane(sessionID)
		return fn(ctx)
	}
	done := make(chan error, 1)
	if err := r.enqueue(sessionID, laneJob{kind: kind, fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) enqueue(sessionID string, job laneJob) error {
	start, err := r.lanes.push(sessionID, job)
	if err != nil {
		slog.Error("router: event dropped", "type", job.kind, "session_id", sessionID, "error", err)
		return err
	}
	if start {
		r.wg.Add(1)
		go r.drain(sessionID)
	}
	return nil
}

func (r *Router) releaseLane(sessionID string) {
	if r.lanes.release(sessionID) {
		r.wg.Add(1)
		go r.drain(sessionID)
	}
}

func (r *Router) drain(sessionID string) {
	defer r.wg.Done()
	for {
		job, ok := r.lanes.next(sessionID)
		if !ok {
			return
		}
		err := r.runJob(sessionID, job)
		if err != nil && job.done == nil {
			r.record(job.kind, sessionID, err)
		}
		if job.done != nil {
			job.done <- err
		}
	}
}

// runJob holds a semaphore slot for the duration of one job.
func (r *Router) runJob(sessionID string, job laneJob) (err error) {
	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)
	defer func() {
		if p := recover(); p != nil {
			r.panics.Add(1)
			slog.Error("router: queued handler panic", "type", job.kind, "session_id", sessionID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler %s panicked: %v", job.kind, p)
		}
	}()

	ctx, cancel := context.WithTimeout(r.ctx, r.callTimeout)
	defer cancel()
	return job.fn(ctx)
}

// deliverContext bounds the fan-out of a result produced by background work.
// It is independent of the call that produced the result, which may already
// have timed out.
func deliverContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), deliverTimeout)
}
