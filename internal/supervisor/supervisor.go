// Package supervisor — supervisor.go
//
// Polling Supervisor: runs one named, independently-scheduled task per
// monitored connection per polling loop — anomaly detection, audit,
// client-analytics, or any future loop kind — with overrun protection
// and graceful teardown (spec component D).
//
// Grounded on internal/kernel's Processor.Run(ctx) goroutine-per-task
// lifecycle (ctx-driven loop, ticker, clean shutdown), generalized from
// a single ring-buffer reader goroutine to an arbitrary named set of
// per-connection tickers, and on internal/budget's refillLoop/Close()
// drain-timeout shutdown pattern for stopAll's bounded wait.

package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PollFn performs one tick's work. Returning an error logs and
// continues; it never stops the loop.
type PollFn func(ctx context.Context) error

// OnConnectionRemoved is invoked for every registered loop when the
// Connection Registry signals a connectionId has been removed, so loop
// owners can release per-connection state (buffers, detector state,
// subscription caches).
type OnConnectionRemoved func(connectionID string)

// Loop describes one named periodic task.
type Loop struct {
	Name                string
	ConnectionID        string
	IntervalFn          func() time.Duration // resolved fresh before every tick
	PollFn              PollFn
	InitialPoll         bool
	OnConnectionRemoved OnConnectionRemoved // may be nil
}

// DefaultDrainTimeout bounds how long stop/stopAll wait for in-flight
// ticks to finish before returning.
const DefaultDrainTimeout = 5 * time.Second

type runningLoop struct {
	loop   Loop
	cancel context.CancelFunc
	done   chan struct{}
	busy   *busyFlag
}

type busyFlag struct {
	mu sync.Mutex
	v  bool
}

func (b *busyFlag) tryEnter() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.v {
		return false
	}
	b.v = true
	return true
}

func (b *busyFlag) leave() {
	b.mu.Lock()
	b.v = false
	b.mu.Unlock()
}

func (b *busyFlag) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

// Supervisor runs and tears down named polling loops. Safe for
// concurrent use.
type Supervisor struct {
	mu           sync.Mutex
	loops        map[string]*runningLoop
	drainTimeout time.Duration
	log          *zap.Logger
}

// New creates a Supervisor. drainTimeout <= 0 uses DefaultDrainTimeout.
func New(drainTimeout time.Duration, log *zap.Logger) *Supervisor {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{loops: make(map[string]*runningLoop), drainTimeout: drainTimeout, log: log}
}

// Start registers and begins running loop. Re-registering an already
// live name is a no-op (the existing loop keeps running unchanged).
func (s *Supervisor) Start(loop Loop) {
	s.mu.Lock()
	if _, exists := s.loops[loop.Name]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rl := &runningLoop{loop: loop, cancel: cancel, done: make(chan struct{}), busy: &busyFlag{}}
	s.loops[loop.Name] = rl
	s.mu.Unlock()

	go s.run(ctx, rl)
}

// Busy reports whether the named loop's pollFn is currently running. A
// name not currently registered reports false.
func (s *Supervisor) Busy(name string) bool {
	s.mu.Lock()
	rl, ok := s.loops[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return rl.busy.Busy()
}

// Stop tears down the named loop, waiting up to the drain timeout for
// an in-flight tick to finish. Idempotent — stopping an unknown or
// already-stopped name is a no-op.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	rl, ok := s.loops[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.loops, name)
	s.mu.Unlock()

	rl.cancel()
	select {
	case <-rl.done:
	case <-time.After(s.drainTimeout):
		s.log.Warn("polling loop did not drain in time", zap.String("loop", name))
	}
}

// StopAll tears down every registered loop concurrently, each bounded
// by the same drain timeout.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.loops))
	for name := range s.loops {
		names = append(names, name)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			s.Stop(n)
		}(name)
	}
	wg.Wait()
}

// NotifyConnectionRemoved invokes onConnectionRemoved for every
// currently-registered loop owning that connectionId, wired to the
// Connection Registry's removed subscription.
func (s *Supervisor) NotifyConnectionRemoved(connectionID string) {
	s.mu.Lock()
	hooks := make([]OnConnectionRemoved, 0)
	for _, rl := range s.loops {
		if rl.loop.ConnectionID == connectionID && rl.loop.OnConnectionRemoved != nil {
			hooks = append(hooks, rl.loop.OnConnectionRemoved)
		}
	}
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(connectionID)
	}
}

// run drives one loop until ctx is cancelled. Ticks never overlap: if
// the previous tick's pollFn is still running when the next would
// fire, the tick is skipped, not queued.
func (s *Supervisor) run(ctx context.Context, rl *runningLoop) {
	defer close(rl.done)

	if rl.loop.InitialPoll {
		s.tick(ctx, rl)
	}

	for {
		interval := rl.loop.IntervalFn()
		if interval <= 0 {
			interval = time.Second
		}
		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx, rl)
		}
	}
}

// tick runs one invocation of pollFn if the loop is not already busy.
func (s *Supervisor) tick(ctx context.Context, rl *runningLoop) {
	if !rl.busy.tryEnter() {
		return // overrun: previous tick still in flight, skip this one
	}
	defer rl.busy.leave()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("polling loop panicked", zap.String("loop", rl.loop.Name), zap.Any("panic", r))
		}
	}()

	if err := rl.loop.PollFn(ctx); err != nil {
		s.log.Warn("polling loop tick failed",
			zap.String("loop", rl.loop.Name),
			zap.String("connection_id", rl.loop.ConnectionID),
			zap.Error(err))
	}
}

// LoopName is a small helper used by callers that compose loop names
// from a kind and connectionId, kept here so the naming convention
// lives next to the type that consumes it.
func LoopName(kind, connectionID string) string {
	return fmt.Sprintf("%s:%s", kind, connectionID)
}
