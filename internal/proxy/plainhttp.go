package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/kdhira/llmproxy/internal/bodycapture"
	"github.com/kdhira/llmproxy/internal/events"
)

// plainDialTimeout bounds the direct TCP connect to the target.
const plainDialTimeout = 10 * time.Second

// handlePlainHTTP implements spec section 4.8: parse the request, connect
// directly to the target (default port 80), write a re-serialised
// HTTP/1.1 origin-form request with Connection: close, then read the
// response head and stream its body as a head event plus chunk events.
// Silent/timed-out upstreams with no bytes written downstream synthesise
// a 502, matching the MITM path's failure semantics (spec section 7).
func (h *handler) handlePlainHTTP(w http.ResponseWriter, r *http.Request) {
	outbound, targetHost, err := cloneForForwarding(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	targetHost = hostWithDefaultPort(targetHost, "80")

	if !h.allowed(targetHost) {
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}

	src := splitEndpoint(r.RemoteAddr)
	dst := splitEndpoint(targetHost)
	reqID := events.NewID()

	var reqBuf *bodycapture.LimitedBuffer
	if h.excerptLimit > 0 && outbound.Body != nil && outbound.Body != http.NoBody {
		reqBuf = bodycapture.NewLimitedBuffer(h.excerptLimit)
		// Read the excerpt before the event is built so the event carries it,
		// then replay those bytes ahead of the unread rest of the body.
		excerpt, _ := io.ReadAll(io.LimitReader(outbound.Body, int64(h.excerptLimit)))
		_, _ = reqBuf.Write(excerpt)
		outbound.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(excerpt), outbound.Body), outbound.Body}
	}

	reqEvt := buildRequestEvent(reqID, outbound, src, dst, reqBuf, h.procwatch, h.rules)
	h.sink.OnHttpRequest(reqEvt)

	outbound.Header.Set("Connection", "close")

	result, err := h.forwardPlainHTTP(r.Context(), outbound, targetHost)
	if err != nil {
		result = syntheticForwardResult(err)
	}
	defer result.body.Close()

	headEvt := buildResponseHeadEvent(reqID, result.statusCode, result.reason, result.version,
		result.headers, dst, src, result.firstChunk, h.procwatch, h.rules, reqEvt.IsLLM, reqEvt.LLMProvider)
	h.sink.OnHttpResponse(headEvt)

	copyResponseHeaders(w.Header(), eventHeadersToHTTP(result.headers))
	w.WriteHeader(result.statusCode)
	flush := func() {
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
	if len(result.firstChunk) > 0 {
		if _, err := w.Write(result.firstChunk); err != nil {
			return
		}
		flush()
	}

	relay := &responseRelay{
		id: reqID, src: dst, dst: src,
		rules: h.rules, sink: h.sink,
		isLLM: headEvt.IsLLM, llmProvider: headEvt.LLMProvider,
	}
	relay.run(w, flush, result.body)
}

// forwardPlainHTTP dials targetHost directly, writes the re-serialised
// request, and parses the response head via the resilient head reader
// (spec sections 4.7/4.8).
func (h *handler) forwardPlainHTTP(ctx context.Context, outbound *http.Request, targetHost string) (*forwardResult, error) {
	dialer := &net.Dialer{Timeout: plainDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", targetHost)
	if err != nil {
		return nil, fmt.Errorf("dial target: %w", err)
	}
	if err := outbound.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write request: %w", err)
	}
	// On upstream silence with no bytes written downstream, time out and
	// synthesise a 502 rather than hanging the client (spec section 4.8).
	if err := conn.SetReadDeadline(time.Now().Add(streamChunkTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	statusCode, version, reason, headers, leftover, err := readHttpResponseHead(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clear read deadline: %w", err)
	}
	return &forwardResult{
		statusCode: statusCode,
		reason:     reason,
		version:    "HTTP/" + version,
		headers:    headers,
		firstChunk: leftover,
		body:       conn,
	}, nil
}

// hostWithDefaultPort appends defaultPort to host if host has no port of
// its own (spec section 4.8: "defaulting port 80").
func hostWithDefaultPort(host, defaultPort string) string {
	if host == "" {
		return host
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, defaultPort)
}

// cloneForForwarding strips hop-by-hop proxy headers and fills in an
// absolute URL, matching the teacher's cloneRequest but under the new
// package's naming. Header stripping here is not the excluded
// "filtering" feature — it is the mechanical hop-by-hop cleanup every
// forward proxy must do before a round trip.
func cloneForForwarding(r *http.Request) (*http.Request, string, error) {
	outbound := r.Clone(r.Context())
	if outbound.URL == nil {
		return nil, "", errRequestMissingURL
	}
	if outbound.URL.Scheme == "" {
		u := *outbound.URL
		u.Scheme = "http"
		outbound.URL = &u
	}
	if outbound.URL.Host == "" {
		outbound.URL.Host = r.Host
	}
	outbound.RequestURI = ""
	outbound.Header = cloneHeaders(r.Header)
	stripHopByHopHeaders(outbound.Header)
	outbound.Header.Del("Proxy-Authenticate")
	return outbound, outbound.URL.Host, nil
}

func cloneHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		dup := make([]string, len(vv))
		copy(dup, vv)
		out[k] = dup
	}
	return out
}

var errRequestMissingURL = errors.New("proxy: request missing url")
