package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/http2"

	"github.com/kdhira/llmproxy/internal/bodycapture"
	"github.com/kdhira/llmproxy/internal/events"
)

// handleMitmTLS terminates TLS on clientConn using a freshly minted leaf
// certificate for targetHost, negotiates HTTP/1.1 vs HTTP/2 via ALPN (spec
// section 3), and processes every request that arrives on the session.
func (h *handler) handleMitmTLS(clientConn net.Conn, targetHost string) error {
	hostOnly := splitHostOnly(targetHost)
	leaf, err := h.mitm.LeafForHost(hostOnly)
	if err != nil {
		return fmt.Errorf("issue leaf cert: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		NextProtos:   h.alpnProtocols(),
	}
	serverTLS := tls.Server(clientConn, tlsConfig)
	defer serverTLS.Close()

	if err := serverTLS.Handshake(); err != nil {
		return fmt.Errorf("client tls handshake: %w", err)
	}

	if serverTLS.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		h2srv := &http2.Server{
			IdleTimeout: h.h2IdleDuration(),
		}
		h2srv.ServeConn(serverTLS, &http2.ServeConnOpts{
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				h.serveMitmH2(w, r, targetHost)
			}),
		})
		return nil
	}

	reader := bufio.NewReader(serverTLS)
	for {
		inbound, err := http.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read mitm request: %w", err)
		}
		if err := h.serveMitmH1(serverTLS, inbound, targetHost); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// alpnProtocols returns the ALPN protocol list offered by the MITM TLS
// server: HTTP/2 first unless DISABLE_H2 is set (spec section 6).
func (h *handler) alpnProtocols() []string {
	if h.disableH2 {
		return []string{"http/1.1"}
	}
	return []string{http2.NextProtoTLS, "http/1.1"}
}

// forwardResult carries a forwarded response's head (already parsed) plus
// whatever body bytes follow, regardless of whether it came back via the
// shared transport or a manually bridged parent-proxy connection.
type forwardResult struct {
	statusCode int
	reason     string
	version    string
	headers    []events.Header
	firstChunk []byte
	body       io.ReadCloser
}

// mitmForward bundles everything serveMitmH1/serveMitmH2 need once
// forwardMitmRequest has emitted the request event and performed the
// round trip: the correlation id, the endpoints (for building the
// response event), whether the request was already classified, and the
// forwarded result itself.
type mitmForward struct {
	reqID       string
	src, dst    endpoint
	reqIsLLM    bool
	reqProvider *string
	result      *forwardResult
}

// forwardMitmRequest builds and emits the request event, strips
// hop-by-hop/length-affecting headers (spec section 4.6 step 3), then
// forwards the request either through the shared transport or, when a
// parent proxy is configured, by bridging a CONNECT tunnel to it and
// TLS-handshaking to the origin through that tunnel (spec section 4.6
// step 4).
func (h *handler) forwardMitmRequest(inbound *http.Request, targetHost, remoteAddr string) mitmForward {
	if inbound.Body == nil {
		inbound.Body = http.NoBody
	}
	inbound.URL.Scheme = "https"
	inbound.URL.Host = targetHost
	inbound.Host = targetHost
	inbound.RequestURI = ""

	src := splitEndpoint(remoteAddr)
	dst := splitEndpoint(targetHost)
	reqID := events.NewID()

	var reqBuf *bodycapture.LimitedBuffer
	if h.excerptLimit > 0 && inbound.Body != nil && inbound.Body != http.NoBody {
		reqBuf = bodycapture.NewLimitedBuffer(h.excerptLimit)
		// Read the excerpt before the event is built so the event carries it,
		// then replay those bytes ahead of the unread rest of the body.
		excerpt, _ := io.ReadAll(io.LimitReader(inbound.Body, int64(h.excerptLimit)))
		_, _ = reqBuf.Write(excerpt)
		inbound.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(excerpt), inbound.Body), inbound.Body}
	}

	reqEvt := buildRequestEvent(reqID, inbound, src, dst, reqBuf, h.procwatch, h.rules)
	h.sink.OnHttpRequest(reqEvt)

	stripHopByHopHeaders(inbound.Header)
	inbound.Header.Del("Host")

	var result *forwardResult
	var err error
	if proxyURL := h.upstreamProxyURL(); proxyURL != "" {
		result, err = h.forwardMitmViaParentProxy(inbound, targetHost, proxyURL)
	} else {
		result, err = h.forwardMitmViaTransport(inbound)
	}
	if err != nil {
		result = syntheticForwardResult(err)
	}

	return mitmForward{
		reqID:       reqID,
		src:         src,
		dst:         dst,
		reqIsLLM:    reqEvt.IsLLM,
		reqProvider: reqEvt.LLMProvider,
		result:      result,
	}
}

// forwardMitmViaTransport issues the request through h.transport, the
// shared HTTPS client that auto-negotiates HTTP/1.1 or HTTP/2 to the
// origin (spec section 4.6 step 4, direct case).
func (h *handler) forwardMitmViaTransport(inbound *http.Request) (*forwardResult, error) {
	resp, err := h.transport.RoundTrip(inbound)
	if err != nil {
		return nil, err
	}
	first := make([]byte, streamChunkReadSize)
	n, rerr := resp.Body.Read(first)
	body := resp.Body
	if rerr != nil && rerr != io.EOF {
		body.Close()
		return nil, rerr
	}
	if rerr == io.EOF {
		body.Close()
		body = http.NoBody
	}
	return &forwardResult{
		statusCode: resp.StatusCode,
		reason:     strings.TrimPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode)),
		version:    resp.Proto,
		headers:    headersToEvents(resp.Header),
		firstChunk: first[:n],
		body:       body,
	}, nil
}

// forwardMitmViaParentProxy bridges the request through a parent proxy:
// open a CONNECT tunnel to it, TLS-handshake to the origin through that
// tunnel, write the request in origin form, then read the response head
// with the resilient head parser (spec section 4.6 step 4 / 4.7).
func (h *handler) forwardMitmViaParentProxy(inbound *http.Request, targetHost, proxyURL string) (*forwardResult, error) {
	conn, err := connectViaUpstream(inbound.Context(), targetHost, proxyURL)
	if err != nil {
		return nil, fmt.Errorf("bridge to parent proxy: %w", err)
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: splitHostOnly(targetHost)})
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("tls handshake to origin via parent proxy: %w", err)
	}
	if err := inbound.Write(tlsConn); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("write request via parent proxy: %w", err)
	}
	statusCode, version, reason, headers, leftover, err := readHttpResponseHead(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	return &forwardResult{
		statusCode: statusCode,
		reason:     reason,
		version:    "HTTP/" + version,
		headers:    headers,
		firstChunk: leftover,
		body:       tlsConn,
	}, nil
}

// syntheticForwardResult turns a forwarding error into the 502 result
// used on both the MITM and plain-HTTP paths (spec section 4.10).
func syntheticForwardResult(cause error) *forwardResult {
	msg := fmt.Sprintf("upstream error: %v\n", cause)
	return &forwardResult{
		statusCode: http.StatusBadGateway,
		reason:     http.StatusText(http.StatusBadGateway),
		version:    "HTTP/1.1",
		headers:    []events.Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}},
		firstChunk: []byte(msg),
		body:       http.NoBody,
	}
}

// serveMitmH1 handles one HTTP/1.1 request read off the MITM TLS
// connection: forward it, write the response head, then relay the body
// chunk by chunk, re-chunking the downstream transfer-encoding since the
// total length isn't known up front.
func (h *handler) serveMitmH1(conn net.Conn, inbound *http.Request, targetHost string) error {
	fwd := h.forwardMitmRequest(inbound, targetHost, conn.RemoteAddr().String())
	defer fwd.result.body.Close()

	if err := writeMitmResponseHead(conn, fwd.result); err != nil {
		return fmt.Errorf("write mitm response head: %w", err)
	}

	headEvt := buildResponseHeadEvent(fwd.reqID, fwd.result.statusCode, fwd.result.reason, fwd.result.version,
		fwd.result.headers, fwd.dst, fwd.src, fwd.result.firstChunk, h.procwatch, h.rules, fwd.reqIsLLM, fwd.reqProvider)
	h.sink.OnHttpResponse(headEvt)

	cw := &chunkedWriter{w: conn}
	relay := &responseRelay{
		id: fwd.reqID, src: fwd.dst, dst: fwd.src,
		rules: h.rules, sink: h.sink,
		isLLM: headEvt.IsLLM, llmProvider: headEvt.LLMProvider,
	}
	if len(fwd.result.firstChunk) > 0 {
		if _, err := cw.Write(fwd.result.firstChunk); err != nil {
			return fmt.Errorf("write mitm response head chunk: %w", err)
		}
	}
	relay.run(cw, nil, fwd.result.body)
	return cw.Close()
}

// writeMitmResponseHead writes the status line and headers (minus
// hop-by-hop and length-affecting fields) for the H1 downstream
// connection, always advertising chunked transfer-encoding since the
// relay streams chunks of unknown total length.
func writeMitmResponseHead(w io.Writer, result *forwardResult) error {
	status := result.reason
	if status == "" {
		status = http.StatusText(result.statusCode)
	}
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", result.statusCode, status); err != nil {
		return err
	}
	for _, hdr := range result.headers {
		if isFramingOrHopByHop(hdr.Name) {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", hdr.Name, hdr.Value); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "Transfer-Encoding: chunked\r\n\r\n")
	return err
}

func isFramingOrHopByHop(name string) bool {
	switch {
	case strings.EqualFold(name, "Content-Length"),
		strings.EqualFold(name, "Transfer-Encoding"),
		strings.EqualFold(name, "Connection"):
		return true
	}
	for _, hop := range hopByHopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	return false
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// serveMitmH2 is the HTTP/2 stream handler registered with http2.Server.
// Framing is handled by net/http2 itself, so no manual chunking is
// needed here.
func (h *handler) serveMitmH2(w http.ResponseWriter, r *http.Request, targetHost string) {
	fwd := h.forwardMitmRequest(r, targetHost, r.RemoteAddr)
	defer fwd.result.body.Close()

	headEvt := buildResponseHeadEvent(fwd.reqID, fwd.result.statusCode, fwd.result.reason, fwd.result.version,
		fwd.result.headers, fwd.dst, fwd.src, fwd.result.firstChunk, h.procwatch, h.rules, fwd.reqIsLLM, fwd.reqProvider)
	h.sink.OnHttpResponse(headEvt)

	copyResponseHeaders(w.Header(), eventHeadersToHTTP(fwd.result.headers))
	w.WriteHeader(fwd.result.statusCode)
	flush := func() {
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
	if len(fwd.result.firstChunk) > 0 {
		if _, err := w.Write(fwd.result.firstChunk); err != nil {
			return
		}
		flush()
	}

	relay := &responseRelay{
		id: fwd.reqID, src: fwd.dst, dst: fwd.src,
		rules: h.rules, sink: h.sink,
		isLLM: headEvt.IsLLM, llmProvider: headEvt.LLMProvider,
	}
	relay.run(w, flush, fwd.result.body)
}

func eventHeadersToHTTP(headers []events.Header) http.Header {
	out := make(http.Header, len(headers))
	for _, h := range headers {
		out.Add(h.Name, h.Value)
	}
	return out
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isFramingOrHopByHop(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
