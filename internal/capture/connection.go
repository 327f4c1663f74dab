package capture

import "sync"

// connKey identifies one TCP connection by its unordered endpoint pair, so
// the request and response halves of the same flow (seen from either
// direction) map to the same buffered state. Grounded on
// _examples/original_source/src-tauri/src/capture.rs's ConnectionKey.
type connKey struct {
	a, b string
}

func newConnKey(srcIP string, srcPort uint16, dstIP string, dstPort uint16) connKey {
	left := endpointString(srcIP, srcPort)
	right := endpointString(dstIP, dstPort)
	if left <= right {
		return connKey{a: left, b: right}
	}
	return connKey{a: right, b: left}
}

type connEndpoint struct {
	ip   string
	port uint16
}

// connState accumulates the in-flight request/response byte streams for one
// TCP connection between pcap callbacks, plus enough bookkeeping to pair
// responses with requests FIFO and to track an active streaming response.
type connState struct {
	reqBuf  []byte
	respBuf []byte

	client *connEndpoint
	server *connEndpoint

	pendingRequestIDs []string
	pendingProviders  []string
	pendingHasProv    []bool

	streamingActive   bool
	streamingRespID   string
	streamingProvider string
	streamingHasProv  bool
	streamingHeaders  []headerPair
}

func (s *connState) pushPending(id, provider string, hasProvider bool) {
	s.pendingRequestIDs = append(s.pendingRequestIDs, id)
	s.pendingProviders = append(s.pendingProviders, provider)
	s.pendingHasProv = append(s.pendingHasProv, hasProvider)
}

func (s *connState) popPending() (id, provider string, hasProvider, ok bool) {
	if len(s.pendingRequestIDs) == 0 {
		return "", "", false, false
	}
	id = s.pendingRequestIDs[0]
	provider = s.pendingProviders[0]
	hasProvider = s.pendingHasProv[0]
	s.pendingRequestIDs = s.pendingRequestIDs[1:]
	s.pendingProviders = s.pendingProviders[1:]
	s.pendingHasProv = s.pendingHasProv[1:]
	return id, provider, hasProvider, true
}

func (s *connState) resetStreaming() {
	s.streamingActive = false
	s.streamingRespID = ""
	s.streamingProvider = ""
	s.streamingHasProv = false
	s.streamingHeaders = nil
}

// connTable is the shared, mutex-guarded map of in-flight connections. The
// original used a lock-free DashMap; a single mutex is the idiomatic Go
// substitute here since the capture loop is single-goroutine per interface
// and the only other user is Stop's call to clear.
type connTable struct {
	mu    sync.Mutex
	table map[connKey]*connState
}

func newConnTable() *connTable {
	return &connTable{table: make(map[connKey]*connState)}
}

func (t *connTable) get(key connKey) *connState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.table[key]
	if !ok {
		st = &connState{}
		t.table[key] = st
	}
	return st
}

func (t *connTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table = make(map[connKey]*connState)
}

// direction reports whether a packet's payload should be treated as a
// request (client->server) or a response (server->client). Known endpoints
// win; otherwise it falls back to sniffing the payload prefix, matching
// capture.rs's guess_is_request_from_prefix.
func (s *connState) direction(srcIP string, srcPort uint16, dstIP string, dstPort uint16, payload []byte) bool {
	if s.client != nil && s.server != nil {
		switch {
		case srcIP == s.server.ip && srcPort == s.server.port && dstIP == s.client.ip && dstPort == s.client.port:
			return false
		case srcIP == s.client.ip && srcPort == s.client.port && dstIP == s.server.ip && dstPort == s.server.port:
			return true
		}
	}
	if guess, known := guessIsRequestFromPrefix(payload); known {
		return guess
	}
	return true
}

var httpMethods = []string{"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ", "PATCH ", "CONNECT ", "TRACE "}

func guessIsRequestFromPrefix(payload []byte) (isRequest bool, known bool) {
	max := len(payload)
	if max > 64 {
		max = 64
	}
	head := payload[:max]
	lineEnd := max
	for i, b := range head {
		if b == '\n' {
			lineEnd = i
			break
		}
	}
	line := trimLeadingCRLFAndSpace(string(head[:lineEnd]))
	if hasPrefix(line, "HTTP/") {
		return false, true
	}
	for _, m := range httpMethods {
		if hasPrefix(line, m) {
			return true, true
		}
	}
	return false, false
}

func trimLeadingCRLFAndSpace(s string) string {
	i := 0
	for i < len(s) && (s[i] == '\r' || s[i] == '\n' || s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return s[i:]
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func endpointString(ip string, port uint16) string {
	return ip + ":" + portString(port)
}

func portString(port uint16) string {
	if port == 0 {
		return "0"
	}
	digits := [5]byte{}
	i := len(digits)
	for port > 0 {
		i--
		digits[i] = byte('0' + port%10)
		port /= 10
	}
	return string(digits[i:])
}

type headerPair struct {
	name  string
	value string
}
