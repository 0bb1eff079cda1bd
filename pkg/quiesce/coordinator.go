// Copyright 2026 The Warmstart Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package quiesce brings every registered application thread to a known,
// resumable point before a process image is captured, and releases them
// afterwards.
//
// Threads are goroutines that register with a Coordinator and wait through
// its interruptible primitives (Wait, Sleep, Receive, Safepoint). Begin sends
// each thread an interrupt message; the thread handles it by parking on a
// shared wake word with a raw futex wait, touching only atomics. Begin
// returns once every registered thread has parked. End advances the wake
// word and wakes them all.
//
// Lock ordering:
//
//	Coordinator.mu
//	  Thread.interrupt send (non-blocking)
package quiesce

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"warmstart.dev/warmstart/pkg/log"
)

// State is the coordinator state.
type State int32

// Coordinator states.
const (
	// Idle means no quiesce is in progress and threads may register.
	Idle State = iota

	// Preparing means Begin is counting, inspecting and signalling threads.
	Preparing

	// Quiesced means every registered thread is parked.
	Quiesced

	// Resuming means End is waking threads.
	Resuming
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Quiesced:
		return "quiesced"
	case Resuming:
		return "resuming"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// DefaultTimeout bounds the wait for all threads to park.
const DefaultTimeout = 10 * time.Second

// ErrTimeout is returned by Begin when the Fatalf hook returns after a park
// timeout.
var ErrTimeout = errors.New("timed out waiting for threads to park")

// ErrBusy is returned by Begin when a quiesce is already in progress.
var ErrBusy = errors.New("quiesce already in progress")

// Options configures a Coordinator.
type Options struct {
	// Timeout bounds the wait for all threads to park in Begin, and for all
	// threads to leave the park in End. Zero means DefaultTimeout.
	Timeout time.Duration

	// Inspector, if set, captures the restartable sequence configuration of
	// every thread registered with LockOSThread before any thread is
	// signalled.
	Inspector Inspector

	// Fatalf is called when threads fail to park in time. A thread that
	// cannot be parked cannot be safely resumed either, so the default logs
	// and exits the process.
	Fatalf func(format string, args ...any)
}

func defaultFatalf(format string, args ...any) {
	log.Warningf("FATAL: "+format, args...)
	os.Exit(128)
}

// Coordinator parks and releases registered threads.
type Coordinator struct {
	opts Options

	// parked counts threads inside the park handler. It is only touched
	// atomically.
	parked atomic.Int32

	// wake is the futex word parked threads wait on. It is advanced by End;
	// a thread parked for generation g waits while wake == g.
	wake uint32

	state atomic.Int32

	// mu protects the fields below.
	mu sync.Mutex

	// idle is broadcast when the state returns to Idle and after threads
	// are signalled.
	idle *sync.Cond

	threads   map[*Thread]struct{}
	nextIndex int
}

// NewCoordinator returns an idle coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Fatalf == nil {
		opts.Fatalf = defaultFatalf
	}
	c := &Coordinator{
		opts:    opts,
		threads: make(map[*Thread]struct{}),
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// State returns the current coordinator state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Parked returns the number of threads currently parked.
func (c *Coordinator) Parked() int {
	return int(c.parked.Load())
}

// Threads returns the number of registered threads.
func (c *Coordinator) Threads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.threads)
}

// Register adds the calling goroutine as an application thread. It blocks
// while a quiesce is in progress.
//
// Register must be called on the goroutine that will use the returned
// Thread. With LockOSThread set, the goroutine is wired to its OS thread
// until Exit, and its kernel thread id is recorded for inspection.
func (c *Coordinator) Register(opts ThreadOptions) *Thread {
	t := &Thread{
		c:         c,
		name:      opts.Name,
		interrupt: make(chan uint32, 1),
	}
	if opts.LockOSThread {
		runtime.LockOSThread()
		t.locked = true
		t.tid = gettid()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.State() != Idle {
		c.idle.Wait()
	}
	t.index = c.nextIndex
	c.nextIndex++
	c.threads[t] = struct{}{}
	return t
}

func (c *Coordinator) unregister(t *Thread) {
	delete(c.threads, t)
}

// Begin parks every registered thread. On return without error all threads
// are parked and the coordinator is Quiesced.
//
// ctx bounds only the inspection step; once threads have been signalled
// Begin runs to completion. An inspection failure aborts before any thread
// is signalled. If threads do not all park within the timeout, the Fatalf
// hook is called; should it return, the threads are released and
// ErrTimeout is returned.
func (c *Coordinator) Begin(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Idle), int32(Preparing)) {
		return ErrBusy
	}

	// Registrations and exits are blocked until the threads below have
	// been signalled, so the set cannot change under the inspector.
	threads := c.snapshotThreads()
	log.Debugf("Quiescing %d threads", len(threads))

	if c.opts.Inspector != nil {
		if err := c.inspect(ctx, threads); err != nil {
			c.setIdle()
			return fmt.Errorf("inspecting threads: %w", err)
		}
	}

	gen := atomic.LoadUint32(&c.wake)
	c.mu.Lock()
	n := int32(len(threads))
	for _, t := range threads {
		t.signal(gen)
	}
	// Wake exiting threads so they take their message.
	c.idle.Broadcast()
	c.mu.Unlock()

	if err := c.waitParked(n); err != nil {
		c.release()
		c.setIdle()
		return err
	}
	c.state.Store(int32(Quiesced))
	log.Debugf("Quiesced %d threads", n)
	return nil
}

func (c *Coordinator) snapshotThreads() []*Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	threads := make([]*Thread, 0, len(c.threads))
	for t := range c.threads {
		threads = append(threads, t)
	}
	return threads
}

// inspect captures the restartable sequence configuration of every thread
// bound to an OS thread.
func (c *Coordinator) inspect(ctx context.Context, threads []*Thread) error {
	var (
		locked []*Thread
		tids   []int
	)
	for _, t := range threads {
		t.rseq = RSeqConfig{}
		if t.locked {
			locked = append(locked, t)
			tids = append(tids, t.tid)
		}
	}
	if len(tids) == 0 {
		return nil
	}
	configs := make([]RSeqConfig, len(tids))
	if err := c.opts.Inspector.Inspect(ctx, tids, configs); err != nil {
		return err
	}
	for i, t := range locked {
		t.rseq = configs[i]
	}
	return nil
}

// waitParked spins until n threads are parked or the timeout expires.
func (c *Coordinator) waitParked(n int32) error {
	progress := log.BasicRateLimitedLogger(time.Second)
	deadline := time.Now().Add(c.opts.Timeout)
	for {
		parked := c.parked.Load()
		if parked >= n {
			return nil
		}
		if time.Now().After(deadline) {
			c.opts.Fatalf("only %d of %d threads parked after %v; a thread is stuck outside an interruptible wait", parked, n, c.opts.Timeout)
			return ErrTimeout
		}
		progress.Infof("Waiting for threads to park: %d/%d", parked, n)
		runtime.Gosched()
	}
}

// End releases every parked thread and returns the coordinator to Idle.
func (c *Coordinator) End() error {
	if !c.state.CompareAndSwap(int32(Quiesced), int32(Resuming)) {
		return fmt.Errorf("End called in state %v", c.State())
	}
	err := c.release()
	c.setIdle()
	return err
}

// release advances the wake word, wakes all parked threads and waits for
// them to leave the park handler.
func (c *Coordinator) release() error {
	atomic.AddUint32(&c.wake, 1)
	futexWakeAll(&c.wake)

	deadline := time.Now().Add(c.opts.Timeout)
	for c.parked.Load() > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("%d threads still parked %v after release", c.parked.Load(), c.opts.Timeout)
		}
		runtime.Gosched()
	}
	return nil
}

func (c *Coordinator) setIdle() {
	c.mu.Lock()
	c.state.Store(int32(Idle))
	c.idle.Broadcast()
	c.mu.Unlock()
}
