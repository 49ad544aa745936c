package mcp

import (
	"encoding/json"
	"sync"
	"time"
)

// settlement is the single outcome delivered for a pending call.
// Exactly one of result or err is meaningful.
type settlement struct {
	result json.RawMessage
	err    error
}

// pendingCall is one in-flight request awaiting a correlated response.
type pendingCall struct {
	// done is buffered with capacity 1 so the settling goroutine never
	// blocks, even when the caller has already given up waiting.
	done  chan settlement
	timer *time.Timer
}

// pendingTable maps request ids to pending completions. It is the one
// structure shared between the send path and the inbound reader, so
// id allocation and settlement are individually atomic: a given id is
// settled exactly once regardless of how a response, an error, and the
// timeout timer interleave.
type pendingTable struct {
	mu     sync.Mutex
	nextID int64
	calls  map[int64]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		calls: make(map[int64]*pendingCall),
	}
}

// register allocates the next id (strictly increasing from 1, never
// reused), stores a pending entry, and arms its eviction timer. The
// returned channel receives the call's single settlement.
func (t *pendingTable) register(method string, timeout time.Duration) (int64, <-chan settlement) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID

	call := &pendingCall{
		done: make(chan settlement, 1),
	}
	t.calls[id] = call

	// Armed under the lock so the timer field is visible to any
	// settler before the callback can fire.
	call.timer = time.AfterFunc(timeout, func() {
		t.reject(id, &TimeoutError{Method: method, After: timeout})
	})

	return id, call.done
}

// resolve settles the call for id with a result. Returns false when no
// such call is pending — a late or duplicate delivery, which is a no-op.
func (t *pendingTable) resolve(id int64, result json.RawMessage) bool {
	return t.settle(id, settlement{result: result})
}

// reject settles the call for id with an error. Like resolve, unknown
// or already-settled ids are a no-op.
func (t *pendingTable) reject(id int64, err error) bool {
	return t.settle(id, settlement{err: err})
}

// settle atomically removes the entry and delivers the outcome. The
// check-and-remove under the lock is what makes double settlement
// impossible: only the goroutine that removed the entry sends.
func (t *pendingTable) settle(id int64, s settlement) bool {
	t.mu.Lock()
	call, ok := t.calls[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.calls, id)
	t.mu.Unlock()

	call.timer.Stop()
	call.done <- s
	return true
}

// size returns the number of in-flight calls.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
