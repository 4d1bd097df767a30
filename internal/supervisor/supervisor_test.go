package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopName_CombinesKindAndConnection(t *testing.T) {
	if got := LoopName("anomaly", "conn1"); got != "anomaly:conn1" {
		t.Errorf("unexpected loop name: %q", got)
	}
}

func TestSupervisor_InitialPollRunsImmediately(t *testing.T) {
	s := New(time.Second, nil)
	done := make(chan struct{})

	s.Start(Loop{
		Name:        "initial",
		IntervalFn:  func() time.Duration { return time.Hour },
		InitialPoll: true,
		PollFn: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})
	defer s.StopAll()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected initial poll to run without waiting for the interval")
	}
}

func TestSupervisor_OverrunSkipsRatherThanQueues(t *testing.T) {
	s := New(time.Second, nil)
	var running int32
	var overlapped int32
	release := make(chan struct{})

	s.Start(Loop{
		Name:        "overrun",
		IntervalFn:  func() time.Duration { return 10 * time.Millisecond },
		InitialPoll: true,
		PollFn: func(ctx context.Context) error {
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				atomic.StoreInt32(&overlapped, 1)
				return nil
			}
			defer atomic.StoreInt32(&running, 0)
			<-release
			return nil
		},
	})

	time.Sleep(100 * time.Millisecond)
	close(release)
	s.StopAll()

	if atomic.LoadInt32(&overlapped) != 0 {
		t.Fatal("expected overrunning ticks to be skipped, never to overlap a running pollFn")
	}
}

func TestSupervisor_BusyReflectsInFlightTick(t *testing.T) {
	s := New(time.Second, nil)
	enter := make(chan struct{})
	release := make(chan struct{})

	s.Start(Loop{
		Name:        "busytest",
		IntervalFn:  func() time.Duration { return time.Hour },
		InitialPoll: true,
		PollFn: func(ctx context.Context) error {
			close(enter)
			<-release
			return nil
		},
	})

	<-enter
	if !s.Busy("busytest") {
		t.Error("expected loop reported busy while pollFn is in flight")
	}
	close(release)
	s.Stop("busytest")
	if s.Busy("busytest") {
		t.Error("expected loop reported idle after stop")
	}
}

func TestSupervisor_BusyUnknownNameIsFalse(t *testing.T) {
	s := New(time.Second, nil)
	if s.Busy("nonexistent") {
		t.Error("expected false for an unregistered loop name")
	}
}

func TestSupervisor_StartIsIdempotentForSameName(t *testing.T) {
	s := New(time.Second, nil)
	var calls int32

	poll := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	s.Start(Loop{Name: "dup", IntervalFn: func() time.Duration { return time.Hour }, InitialPoll: true, PollFn: poll})
	s.Start(Loop{Name: "dup", IntervalFn: func() time.Duration { return time.Hour }, InitialPoll: true, PollFn: poll})
	defer s.StopAll()

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected re-registering a live name to be a no-op, got %d calls", calls)
	}
}

func TestSupervisor_NotifyConnectionRemovedInvokesMatchingHooksOnly(t *testing.T) {
	s := New(time.Second, nil)
	var mu sync.Mutex
	var notified []string

	hook := func(id string) {
		mu.Lock()
		notified = append(notified, id)
		mu.Unlock()
	}

	s.Start(Loop{Name: "l1", ConnectionID: "c1", IntervalFn: func() time.Duration { return time.Hour }, OnConnectionRemoved: hook, PollFn: func(context.Context) error { return nil }})
	s.Start(Loop{Name: "l2", ConnectionID: "c2", IntervalFn: func() time.Duration { return time.Hour }, OnConnectionRemoved: hook, PollFn: func(context.Context) error { return nil }})
	defer s.StopAll()

	s.NotifyConnectionRemoved("c1")

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || notified[0] != "c1" {
		t.Errorf("expected only c1's hook invoked, got %+v", notified)
	}
}

func TestSupervisor_StopWaitsForDrainThenReturns(t *testing.T) {
	s := New(50*time.Millisecond, nil)
	release := make(chan struct{})
	enter := make(chan struct{})

	s.Start(Loop{
		Name:        "drain",
		IntervalFn:  func() time.Duration { return time.Hour },
		InitialPoll: true,
		PollFn: func(ctx context.Context) error {
			close(enter)
			<-release
			return nil
		},
	})
	<-enter
	close(release)

	start := time.Now()
	s.Stop("drain")
	if time.Since(start) > time.Second {
		t.Fatal("expected Stop to return promptly once the in-flight tick finishes")
	}
}

func TestSupervisor_StopUnknownNameIsNoOp(t *testing.T) {
	s := New(time.Second, nil)
	s.Stop("never-started")
}

func TestSupervisor_PanicInPollFnIsRecovered(t *testing.T) {
	s := New(time.Second, nil)
	done := make(chan struct{})

	s.Start(Loop{
		Name:        "panicky",
		IntervalFn:  func() time.Duration { return time.Hour },
		InitialPoll: true,
		PollFn: func(ctx context.Context) error {
			defer close(done)
			panic("boom")
		},
	})
	defer s.StopAll()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected pollFn to run despite panicking")
	}
	time.Sleep(20 * time.Millisecond) // let recover() unwind before StopAll
}
