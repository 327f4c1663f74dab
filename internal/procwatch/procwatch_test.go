package procwatch

import (
	"testing"
	"time"
)

func TestLookupResponsePathNeverBlocks(t *testing.T) {
	calls := make(chan struct{}, 1)
	w := New(func(port uint16) (string, int, bool) {
		time.Sleep(50 * time.Millisecond)
		calls <- struct{}{}
		return "nginx", 4242, true
	}, 0)

	start := time.Now()
	name, pid, ok := w.Lookup(8080, true)
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("response-side lookup should return immediately, took %v", elapsed)
	}
	if ok || name != "" || pid != 0 {
		t.Fatalf("expected a miss on first call, got name=%q pid=%d ok=%v", name, pid, ok)
	}

	<-calls
	name, pid, ok = w.Lookup(8080, true)
	if !ok || name != "nginx" || pid != 4242 {
		t.Fatalf("expected cached hit, got name=%q pid=%d ok=%v", name, pid, ok)
	}
}

func TestLookupRequestPathWaitsBoundedTime(t *testing.T) {
	w := New(func(port uint16) (string, int, bool) {
		time.Sleep(20 * time.Millisecond)
		return "curl", 99, true
	}, 200)

	name, pid, ok := w.Lookup(9090, false)
	if !ok || name != "curl" || pid != 99 {
		t.Fatalf("expected resolved value within wait bound, got name=%q pid=%d ok=%v", name, pid, ok)
	}
}

func TestLookupCoalescesInFlightResolution(t *testing.T) {
	var calls int
	done := make(chan struct{})
	w := New(func(port uint16) (string, int, bool) {
		calls++
		<-done
		return "svc", 1, true
	}, 100)

	go w.Lookup(7000, false)
	go w.Lookup(7000, false)
	time.Sleep(10 * time.Millisecond)
	close(done)
	time.Sleep(20 * time.Millisecond)

	if calls != 1 {
		t.Fatalf("expected exactly one resolver in flight, got %d", calls)
	}
}
