// Package events defines the wire shape emitted by every capture path —
// MitmSession, PlainHttpFlow, and PacketCapture all produce the same two
// event types so a single sink and a single classifier can serve all three.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Header is a single (name, value) pair; multiplicity is preserved by
// keeping these in a slice rather than a map. The producers in this module
// build header slices from net/http and net/textproto header maps, so names
// arrive in canonical MIME form and in map iteration order, not in the
// casing or order seen on the wire.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderValues returns every header value whose name matches name
// case-insensitively, in slice order.
func HeaderValues(headers []Header, name string) []string {
	var out []string
	for _, h := range headers {
		if eqFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// HeaderGet returns the first header value matching name case-insensitively.
func HeaderGet(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if eqFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// HttpRequestEvent is emitted once per intercepted HTTP request.
type HttpRequestEvent struct {
	ID          string   `json:"id"`
	Timestamp   string   `json:"timestamp"`
	SrcIP       string   `json:"src_ip"`
	SrcPort     uint16   `json:"src_port"`
	DstIP       string   `json:"dst_ip"`
	DstPort     uint16   `json:"dst_port"`
	Method      string   `json:"method"`
	Path        string   `json:"path"`
	Version     string   `json:"version"`
	Headers     []Header `json:"headers"`
	BodyBase64  *string  `json:"body_base64,omitempty"`
	BodyLen     int      `json:"body_len"`
	ProcessName *string  `json:"process_name,omitempty"`
	PID         *int     `json:"pid,omitempty"`
	IsLLM       bool     `json:"is_llm"`
	LLMProvider *string  `json:"llm_provider,omitempty"`
}

// HttpResponseEvent is emitted for a response head and for every subsequent
// streamed chunk; chunk events reuse the ID of the originating request.
type HttpResponseEvent struct {
	ID          string   `json:"id"`
	Timestamp   string   `json:"timestamp"`
	SrcIP       string   `json:"src_ip"`
	SrcPort     uint16   `json:"src_port"`
	DstIP       string   `json:"dst_ip"`
	DstPort     uint16   `json:"dst_port"`
	StatusCode  int      `json:"status_code"`
	Reason      *string  `json:"reason,omitempty"`
	Version     string   `json:"version"`
	Headers     []Header `json:"headers"`
	BodyBase64  *string  `json:"body_base64,omitempty"`
	BodyLen     int      `json:"body_len"`
	ProcessName *string  `json:"process_name,omitempty"`
	PID         *int     `json:"pid,omitempty"`
	IsLLM       bool     `json:"is_llm"`
	LLMProvider *string  `json:"llm_provider,omitempty"`
}

// NewID produces an opaque correlation token unique within the process
// lifetime, used as HttpRequestEvent.ID and echoed by every response/chunk
// event that belongs to it.
func NewID() string {
	return uuid.NewString()
}

// Now formats the current instant as RFC 3339 in UTC.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// StrPtr is a small helper for building optional string fields.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IntPtr is a small helper for building optional int fields.
func IntPtr(v int) *int {
	return &v
}
