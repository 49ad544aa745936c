package mcp

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPendingTable_IDsStrictlyIncreasing(t *testing.T) {
	table := newPendingTable()

	var last int64
	for i := 0; i < 100; i++ {
		id, _ := table.register("test", time.Minute)
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}

	if first, _ := table.register("test", time.Minute); first != 101 {
		t.Errorf("next id = %d, want 101", first)
	}
}

func TestPendingTable_IDsNotReusedAfterSettlement(t *testing.T) {
	table := newPendingTable()

	id1, _ := table.register("test", time.Minute)
	table.resolve(id1, nil)

	id2, _ := table.register("test", time.Minute)
	if id2 <= id1 {
		t.Errorf("id after settlement = %d, want > %d", id2, id1)
	}
}

func TestPendingTable_ResolveDelivers(t *testing.T) {
	table := newPendingTable()

	id, done := table.register("tools/call", time.Minute)

	payload := json.RawMessage(`{"ok":true}`)
	if !table.resolve(id, payload) {
		t.Fatal("resolve returned false for a pending id")
	}

	s := <-done
	if s.err != nil {
		t.Fatalf("settlement err = %v, want nil", s.err)
	}
	if string(s.result) != `{"ok":true}` {
		t.Errorf("settlement result = %s, want {\"ok\":true}", s.result)
	}

	if table.size() != 0 {
		t.Errorf("table size = %d after settlement, want 0", table.size())
	}
}

func TestPendingTable_RejectDelivers(t *testing.T) {
	table := newPendingTable()

	id, done := table.register("tools/call", time.Minute)

	rpcErr := &RPCError{Code: -32602, Message: "invalid params"}
	if !table.reject(id, rpcErr) {
		t.Fatal("reject returned false for a pending id")
	}

	s := <-done
	if s.err == nil {
		t.Fatal("settlement err is nil, want RPCError")
	}
	var got *RPCError
	if !errors.As(s.err, &got) || got.Code != -32602 {
		t.Errorf("settlement err = %v, want RPCError code -32602", s.err)
	}
}

func TestPendingTable_TimeoutFires(t *testing.T) {
	table := newPendingTable()

	_, done := table.register("tools/call", 20*time.Millisecond)

	select {
	case s := <-done:
		var te *TimeoutError
		if !errors.As(s.err, &te) {
			t.Fatalf("settlement err = %v, want *TimeoutError", s.err)
		}
		if te.Method != "tools/call" {
			t.Errorf("TimeoutError.Method = %q, want %q", te.Method, "tools/call")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}

	if table.size() != 0 {
		t.Errorf("table size = %d after timeout, want 0", table.size())
	}
}

func TestPendingTable_UnknownIDIsNoOp(t *testing.T) {
	table := newPendingTable()

	if table.resolve(42, nil) {
		t.Error("resolve(42) = true for unknown id, want false")
	}
	if table.reject(42, errors.New("nope")) {
		t.Error("reject(42) = true for unknown id, want false")
	}
}

func TestPendingTable_DoubleSettleIsNoOp(t *testing.T) {
	table := newPendingTable()

	id, done := table.register("test", time.Minute)

	if !table.resolve(id, json.RawMessage(`1`)) {
		t.Fatal("first resolve returned false")
	}
	if table.resolve(id, json.RawMessage(`2`)) {
		t.Error("second resolve returned true, want no-op")
	}
	if table.reject(id, errors.New("late")) {
		t.Error("reject after resolve returned true, want no-op")
	}

	s := <-done
	if string(s.result) != `1` {
		t.Errorf("settlement result = %s, want the first resolve's payload", s.result)
	}

	select {
	case s := <-done:
		t.Fatalf("second settlement delivered: %+v", s)
	default:
	}
}

// TestPendingTable_SettledExactlyOnceUnderRace races resolve against a
// timeout armed to fire at the same moment. Whatever the interleaving,
// exactly one settlement must be delivered.
func TestPendingTable_SettledExactlyOnceUnderRace(t *testing.T) {
	table := newPendingTable()

	for i := 0; i < 200; i++ {
		id, done := table.register("race", time.Microsecond)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			table.resolve(id, json.RawMessage(`"resolved"`))
		}()
		wg.Wait()

		var settlements int
		var resolved, timedOut bool
	drain:
		for {
			select {
			case s := <-done:
				settlements++
				var te *TimeoutError
				switch {
				case errors.As(s.err, &te):
					timedOut = true
				case s.err == nil:
					resolved = true
				default:
					t.Fatalf("unexpected settlement error: %v", s.err)
				}
			case <-time.After(10 * time.Millisecond):
				break drain
			}
		}

		if settlements != 1 {
			t.Fatalf("iteration %d: %d settlements, want exactly 1", i, settlements)
		}
		if resolved == timedOut {
			t.Fatalf("iteration %d: resolved=%v timedOut=%v, want exactly one", i, resolved, timedOut)
		}
	}
}

func TestPendingTable_ConcurrentRegistrations(t *testing.T) {
	table := newPendingTable()

	const n = 50
	ids := make(chan int64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _ := table.register("concurrent", time.Minute)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d allocated twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("allocated %d distinct ids, want %d", len(seen), n)
	}
}
