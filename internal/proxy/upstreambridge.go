package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kdhira/llmproxy/internal/events"
)

// tunnelWithEagerClose pipes bytes bi-directionally between the client and
// the upstream connection. When one direction finishes, the write half of
// the side it was copying into is shut down (where the connection supports
// CloseWrite) and the tunnel returns; the caller's deferred Close calls then
// end the other direction.
func tunnelWithEagerClose(clientBuf *bufio.ReadWriter, clientConn net.Conn, upstream net.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(upstream, clientBuf)
		if cw, ok := upstream.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		_, err := io.Copy(clientConn, upstream)
		if bw := clientBuf.Writer; bw != nil {
			bw.Flush()
		}
		if cw, ok := clientConn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		errCh <- err
	}()

	if err := <-errCh; err != nil && !errorIsBenign(err) {
		return err
	}
	return nil
}

func errorIsBenign(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}

// connectViaUpstream dials targetHost either directly or, when
// upstreamProxyURL is set, through a parent HTTP proxy via CONNECT
// (spec section 6's "process-wide upstream proxy URL").
func connectViaUpstream(ctx context.Context, targetHost, upstreamProxyURL string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if upstreamProxyURL == "" {
		return dialer.DialContext(ctx, "tcp", targetHost)
	}

	parsed, err := url.Parse(upstreamProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy url: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", parsed.Host)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetHost},
		Host:   targetHost,
		Header: make(http.Header),
	}
	if parsed.User != nil {
		req.Header.Set("Proxy-Authorization", basicAuthHeader(parsed.User))
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write connect to upstream proxy: %w", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connect response from upstream proxy: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("upstream proxy refused connect: %s", resp.Status)
	}
	// http.ReadResponse's bufio.Reader may have buffered bytes belonging to
	// the tunnel payload that immediately follows the CONNECT response;
	// wrap the connection so those bytes aren't lost.
	return &bufferedConn{Conn: conn, reader: reader}, nil
}

// bufferedConn lets a bufio.Reader's look-ahead buffer feed Read calls
// before falling back to the raw connection, so bytes already pulled off
// the wire while parsing the CONNECT response head aren't dropped.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func basicAuthHeader(u *url.Userinfo) string {
	password, _ := u.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(u.Username()+":"+password))
}

// maxResponseHeadBytes caps readHttpResponseHead's accumulation buffer,
// per spec section 4.7/8: "Response head parser succeeds iff input
// contains \r\n\r\n within 256 KiB."
const maxResponseHeadBytes = 256 * 1024

// readHttpResponseHead accumulates bytes from r until the head terminator
// "\r\n\r\n" is seen, tolerant to the status line and headers arriving
// split across arbitrarily many reads, and parses the status line plus
// headers once found. leftover carries any body bytes already read past
// the terminator, which the caller must prepend to further reads from r.
func readHttpResponseHead(r io.Reader) (statusCode int, version, reason string, headers []events.Header, leftover []byte, err error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if idx := bytes.Index(buf.Bytes(), []byte("\r\n\r\n")); idx >= 0 {
				if idx > maxResponseHeadBytes {
					return 0, "", "", nil, nil, fmt.Errorf("response head exceeds %d bytes", maxResponseHeadBytes)
				}
				head := append([]byte(nil), buf.Bytes()[:idx]...)
				leftover = append([]byte(nil), buf.Bytes()[idx+4:]...)
				statusCode, version, reason, headers, err = parseResponseHead(head)
				return
			}
			if buf.Len() > maxResponseHeadBytes+3 {
				return 0, "", "", nil, nil, fmt.Errorf("response head exceeds %d bytes", maxResponseHeadBytes)
			}
		}
		if rerr != nil {
			return 0, "", "", nil, nil, fmt.Errorf("read response head: %w", rerr)
		}
	}
}

// parseResponseHead parses a status line and MIME headers out of head (the
// bytes preceding the "\r\n\r\n" terminator).
func parseResponseHead(head []byte) (statusCode int, version, reason string, headers []events.Header, err error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	statusLine, err := tp.ReadLine()
	if err != nil {
		return 0, "", "", nil, fmt.Errorf("read status line: %w", err)
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return 0, "", "", nil, fmt.Errorf("malformed status line: %q", statusLine)
	}
	version = strings.TrimPrefix(parts[0], "HTTP/")
	statusCode, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", "", nil, fmt.Errorf("malformed status code: %q", parts[1])
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return 0, "", "", nil, fmt.Errorf("read headers: %w", err)
	}
	for name, values := range mimeHeader {
		for _, v := range values {
			headers = append(headers, events.Header{Name: name, Value: v})
		}
	}
	return statusCode, version, reason, headers, nil
}
