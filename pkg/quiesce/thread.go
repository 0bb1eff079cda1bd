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

package quiesce

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// ThreadState is the quiesce state of a thread.
type ThreadState int32

// Thread states.
const (
	// Running is the state of a thread that has not been quiesced yet.
	Running ThreadState = iota

	// Signaled means an interrupt has been sent and not yet handled.
	Signaled

	// Parked means the thread is waiting on the wake word.
	Parked

	// Released means the thread left the park after the last End.
	Released
)

// String implements fmt.Stringer.
func (s ThreadState) String() string {
	switch s {
	case Running:
		return "running"
	case Signaled:
		return "signaled"
	case Parked:
		return "parked"
	case Released:
		return "released"
	}
	return fmt.Sprintf("ThreadState(%d)", int32(s))
}

// ThreadOptions configures Register.
type ThreadOptions struct {
	// Name is used in diagnostics.
	Name string

	// LockOSThread wires the goroutine to its OS thread, which makes its
	// restartable sequence registration inspectable and manageable.
	LockOSThread bool
}

// Thread is a registered application thread. A Thread must only be used by
// the goroutine that registered it.
type Thread struct {
	c      *Coordinator
	index  int
	name   string
	locked bool
	tid    int

	// interrupt carries the wake generation to park on. It has one slot
	// and is only sent to by Begin with Coordinator.mu held.
	interrupt chan uint32

	state atomic.Int32

	// rseq is written by Begin before the interrupt is sent and read by the
	// thread after receiving it.
	rseq RSeqConfig
}

// Index returns the thread's registration index.
func (t *Thread) Index() int { return t.index }

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

// TID returns the kernel thread id, or 0 if the thread is not bound to an
// OS thread.
func (t *Thread) TID() int { return t.tid }

// State returns the thread's quiesce state.
func (t *Thread) State() ThreadState {
	return ThreadState(t.state.Load())
}

// RSeq returns the restartable sequence configuration captured by the last
// inspection.
func (t *Thread) RSeq() RSeqConfig { return t.rseq }

// signal sends the interrupt for generation gen. Preconditions: c.mu is held.
func (t *Thread) signal(gen uint32) {
	t.state.Store(int32(Signaled))
	select {
	case <-t.interrupt:
	default:
	}
	t.interrupt <- gen
}

// park is the interrupt handler. It must not allocate or take locks: the
// memory behind anything else may be captured or replaced while the thread
// waits here.
func (t *Thread) park(gen uint32) {
	c := t.c
	rseqOff := t.disableRSeq()
	t.state.Store(int32(Parked))
	c.parked.Add(1)
	for atomic.LoadUint32(&c.wake) == gen {
		futexWait(&c.wake, gen)
	}
	t.state.Store(int32(Released))
	c.parked.Add(-1)
	if rseqOff {
		t.enableRSeq()
	}
}

func (t *Thread) disableRSeq() bool {
	if !t.locked || !t.rseq.Registered() || gettid() != t.tid {
		return false
	}
	return rseqUnregister(t.rseq) == nil
}

func (t *Thread) enableRSeq() {
	rseqRegister(t.rseq)
}

// Safepoint parks the thread if an interrupt is pending. Threads that run
// for long stretches without waiting must call it regularly.
func (t *Thread) Safepoint() {
	select {
	case gen := <-t.interrupt:
		t.park(gen)
	default:
	}
}

// Wait blocks until done is closed or receives a value. Interrupts are
// handled while waiting.
func (t *Thread) Wait(done <-chan struct{}) {
	Receive(t, done)
}

// WaitContext blocks until ctx is done and returns its error.
func (t *Thread) WaitContext(ctx context.Context) error {
	t.Wait(ctx.Done())
	return ctx.Err()
}

// Receive receives from ch on behalf of t, handling interrupts while
// blocked.
func Receive[T any](t *Thread, ch <-chan T) (T, bool) {
	for {
		select {
		case v, ok := <-ch:
			return v, ok
		case gen := <-t.interrupt:
			t.park(gen)
		}
	}
}

// Sleep pauses for d, handling interrupts. Time spent parked counts towards
// d.
func (t *Thread) Sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case gen := <-t.interrupt:
			t.park(gen)
		}
	}
}

// Exit deregisters the thread. It waits while a Begin is preparing, and a
// pending interrupt is handled first, so a thread counted by a concurrent
// Begin still parks.
func (t *Thread) Exit() {
	c := t.c
	c.mu.Lock()
	for {
		select {
		case gen := <-t.interrupt:
			c.mu.Unlock()
			t.park(gen)
			c.mu.Lock()
			continue
		default:
		}
		if c.State() != Preparing {
			break
		}
		c.idle.Wait()
	}
	c.unregister(t)
	c.mu.Unlock()
	if t.locked {
		runtime.UnlockOSThread()
	}
}
