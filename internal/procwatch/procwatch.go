// Package procwatch maps a local TCP port to an owning process name/pid,
// per spec section 4.3. Grounded on
// _examples/original_source/src-tauri/src/process_lookup.rs: a 10-second
// TTL cache, at most one in-flight resolver per port (here backed by
// golang.org/x/sync/singleflight rather than the original's DashMap-based
// in-flight set), and a bounded wait only on the request path.
package procwatch

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const cacheTTL = 10 * time.Second

type cacheEntry struct {
	name    string
	pid     int
	ok      bool
	fetched time.Time
}

// LookupFunc resolves a local port to an owning process. The default
// implementation shells out to lsof on darwin; on every other GOOS it is
// a no-op stub, matching process_lookup.rs's #[cfg(not(target_os =
// "macos"))] fallback. Tests inject a fake.
type LookupFunc func(port uint16) (name string, pid int, ok bool)

// Watcher is the caching, coalescing wrapper spec section 4.3 describes
// as the in-scope component (the actual OS-level resolver is an
// injectable collaborator).
type Watcher struct {
	mu      sync.Mutex
	cache   map[uint16]cacheEntry
	group   singleflight.Group
	lookup  LookupFunc
	waitMS  int
}

// New builds a Watcher using resolver as the underlying OS lookup and
// waitMS as the default bounded wait on the request path (spec section
// 4.3: "configurable; default 0").
func New(resolver LookupFunc, waitMS int) *Watcher {
	if resolver == nil {
		resolver = platformLookup
	}
	return &Watcher{cache: make(map[uint16]cacheEntry), lookup: resolver, waitMS: waitMS}
}

// Lookup resolves port to an owning process. isServerSide selects the
// non-blocking response/streaming path (always returns immediately,
// scheduling a background resolution on a miss); the request path
// (isServerSide == false) may wait up to the configured bound for a
// fresh result.
func (w *Watcher) Lookup(port uint16, isServerSide bool) (name string, pid int, ok bool) {
	if w == nil {
		return "", 0, false
	}
	if name, pid, ok, fresh := w.cached(port); fresh {
		return name, pid, ok
	}

	done := make(chan struct{})
	go func() {
		w.group.Do(strconv.Itoa(int(port)), func() (any, error) {
			n, p, found := w.lookup(port)
			w.mu.Lock()
			w.cache[port] = cacheEntry{name: n, pid: p, ok: found, fetched: time.Now()}
			w.mu.Unlock()
			return nil, nil
		})
		close(done)
	}()

	waitMS := w.waitMS
	if isServerSide {
		waitMS = 0
	}
	if waitMS <= 0 {
		return "", 0, false
	}

	select {
	case <-done:
		name, pid, ok, _ := w.cached(port)
		return name, pid, ok
	case <-time.After(time.Duration(waitMS) * time.Millisecond):
		return "", 0, false
	}
}

func (w *Watcher) cached(port uint16) (name string, pid int, ok bool, fresh bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, found := w.cache[port]
	if !found || time.Since(entry.fetched) >= cacheTTL {
		return "", 0, false, false
	}
	return entry.name, entry.pid, entry.ok, true
}

// Clear empties the cache.
func (w *Watcher) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[uint16]cacheEntry)
}

func platformLookup(port uint16) (string, int, bool) {
	if runtime.GOOS != "darwin" {
		return "", 0, false
	}
	return lsofLookup(port)
}

// lsofLookup scores candidate lines the way process_lookup.rs does:
// an established connection ("...:{port}->...") beats a bare listen
// match ("...:{port}..."), and the highest-scoring candidate wins.
func lsofLookup(port uint16) (string, int, bool) {
	for _, bin := range []string{"/usr/sbin/lsof", "lsof"} {
		out, err := exec.Command(bin, "-n", "-P", "-iTCP:"+strconv.Itoa(int(port))).Output()
		if err != nil {
			continue
		}
		name, pid, found := bestCandidate(string(out), port)
		if found {
			return name, pid, true
		}
	}
	return "", 0, false
}

func bestCandidate(output string, port uint16) (string, int, bool) {
	portSuffix := ":" + strconv.Itoa(int(port))
	establishedSuffix := portSuffix + "->"

	var bestName string
	var bestPID int
	bestScore := -1
	lines := strings.Split(output, "\n")
	for i, line := range lines {
		if i == 0 {
			continue // header row
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		score := 0
		if strings.Contains(line, establishedSuffix) {
			score = 3
		} else if strings.Contains(line, portSuffix) {
			score = 1
		}
		if score > bestScore {
			bestScore = score
			bestName = fields[0]
			bestPID = pid
		}
	}
	return bestName, bestPID, bestScore >= 0 && bestName != ""
}
