package proxy

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// handleConnect implements spec section 3's CONNECT flow: reply 200, then
// decide whether to terminate TLS (MITM) or open a blind tunnel, per
// FORCE_MITM / OS-trust / mitm-disable-hosts.
func (h *handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	targetHost := r.Host

	if !h.allowed(targetHost) {
		http.Error(w, "host not allowed", http.StatusForbidden)
		h.logger.Debugw("connect host blocked", "host", targetHost)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		h.logger.Warnw("hijack failed", "host", targetHost, "error", err)
		return
	}
	defer clientConn.Close()

	if _, err := clientBuf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	if err := clientBuf.Flush(); err != nil {
		return
	}

	if h.mitmInterceptsHost(targetHost) {
		if err := h.handleMitmTLS(clientConn, targetHost); err != nil {
			h.logger.Debugw("mitm session ended", "host", targetHost, "error", err, "latency_ms", time.Since(start).Milliseconds())
		}
		return
	}

	upstreamConn, err := connectViaUpstream(r.Context(), targetHost, h.upstreamProxyURL())
	if err != nil {
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		h.logger.Warnw("connect dial failed", "host", targetHost, "error", err)
		return
	}
	defer upstreamConn.Close()

	if err := tunnelWithEagerClose(clientBuf, clientConn, upstreamConn); err != nil {
		h.logger.Debugw("tunnel ended with error", "host", targetHost, "error", err)
	}
}

// mitmInterceptsHost decides whether host should be TLS-terminated:
// disabled per-host always wins; otherwise ForceMITM or a trusted root CA
// enables interception (spec section 4.1).
func (h *handler) mitmInterceptsHost(target string) bool {
	if h.mitm == nil {
		return false
	}
	host := target
	if strings.Contains(host, ":") {
		var err error
		host, _, err = net.SplitHostPort(target)
		if err != nil {
			host = target
		}
	}
	for _, dis := range h.mitmDisabled {
		if strings.EqualFold(dis, host) {
			return false
		}
	}
	if h.forceMITM {
		return true
	}
	return h.mitm.IsCaTrusted()
}

func (h *handler) upstreamProxyURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.upstreamURL
}

func (h *handler) allowed(target string) bool {
	if target == "" {
		return false
	}
	if len(h.allowHosts) == 0 {
		return true
	}
	host := target
	if strings.Contains(host, ":") {
		host, _, _ = net.SplitHostPort(target)
	}
	for _, allow := range h.allowHosts {
		if allow == "*" {
			return true
		}
		if strings.EqualFold(allow, host) {
			return true
		}
	}
	return false
}

func splitHostOnly(hostport string) string {
	if !strings.Contains(hostport, ":") {
		return hostport
	}
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
