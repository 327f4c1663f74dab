package proxy

import (
	"encoding/base64"
	"net"
	"net/http"
	"strconv"

	"github.com/kdhira/llmproxy/internal/bodycapture"
	"github.com/kdhira/llmproxy/internal/classifier"
	"github.com/kdhira/llmproxy/internal/events"
	"github.com/kdhira/llmproxy/internal/procwatch"
)

func encodeBody(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// endpoint carries the parsed (ip, port) pair for one side of a connection,
// used to fill in the SrcIP/SrcPort/DstIP/DstPort envelope fields shared by
// every event emitted by MitmSession, PlainHttpFlow, and PacketCapture.
type endpoint struct {
	ip   string
	port uint16
}

func splitEndpoint(addr string) endpoint {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return endpoint{ip: addr}
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return endpoint{ip: host, port: uint16(port)}
}

func headersToEvents(h http.Header) []events.Header {
	out := make([]events.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, events.Header{Name: name, Value: v})
		}
	}
	return out
}

// buildRequestEvent assembles an HttpRequestEvent from an inbound request,
// the resolved src/dst endpoints, the captured body bytes (if any), and the
// process lookup + classifier results.
func buildRequestEvent(id string, r *http.Request, src, dst endpoint, body *bodycapture.LimitedBuffer, watcher *procwatch.Watcher, rules classifier.RuleSet) events.HttpRequestEvent {
	evt := events.HttpRequestEvent{
		ID:        id,
		Timestamp: events.Now(),
		SrcIP:     src.ip,
		SrcPort:   src.port,
		DstIP:     dst.ip,
		DstPort:   dst.port,
		Method:    r.Method,
		Path:      requestPath(r),
		Version:   r.Proto,
		Headers:   headersToEvents(r.Header),
	}
	if body != nil && body.Len() > 0 {
		encoded := encodeBody(body.Bytes())
		evt.BodyBase64 = &encoded
		evt.BodyLen = body.Len()
	}
	if watcher != nil {
		if name, pid, ok := watcher.Lookup(src.port, false); ok {
			evt.ProcessName = events.StrPtr(name)
			evt.PID = events.IntPtr(pid)
		}
	}
	if provider, ok := rules.MatchRequest(&evt); ok {
		evt.IsLLM = true
		evt.LLMProvider = events.StrPtr(provider)
	}
	return evt
}

// buildResponseHeadEvent assembles the first HttpResponseEvent emitted for
// a response: status/version/reason/headers plus whatever body bytes were
// already available when the head was parsed (spec section 4.6 step 5:
// "the first body slice received with the head"). When the originating
// request was already classified, isLLM/provider are inherited rather
// than re-matched; otherwise the classifier gets one shot at the head.
func buildResponseHeadEvent(id string, statusCode int, reason, version string, headers []events.Header, src, dst endpoint, firstChunk []byte, watcher *procwatch.Watcher, rules classifier.RuleSet, inheritLLM bool, inheritProvider *string) events.HttpResponseEvent {
	evt := events.HttpResponseEvent{
		ID:         id,
		Timestamp:  events.Now(),
		SrcIP:      src.ip,
		SrcPort:    src.port,
		DstIP:      dst.ip,
		DstPort:    dst.port,
		StatusCode: statusCode,
		Reason:     events.StrPtr(reason),
		Version:    version,
		Headers:    headers,
	}
	if len(firstChunk) > 0 {
		encoded := encodeBody(firstChunk)
		evt.BodyBase64 = &encoded
		evt.BodyLen = len(firstChunk)
	}
	if watcher != nil {
		if name, pid, ok := watcher.Lookup(src.port, true); ok {
			evt.ProcessName = events.StrPtr(name)
			evt.PID = events.IntPtr(pid)
		}
	}
	if inheritLLM {
		evt.IsLLM = true
		evt.LLMProvider = inheritProvider
		return evt
	}
	if provider, ok := rules.MatchResponse(&evt); ok {
		evt.IsLLM = true
		evt.LLMProvider = events.StrPtr(provider)
	}
	return evt
}

func requestPath(r *http.Request) string {
	if r.URL == nil {
		return ""
	}
	if rawPath := r.URL.RequestURI(); rawPath != "" {
		return rawPath
	}
	return r.URL.Path
}
