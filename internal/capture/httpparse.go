package capture

import (
	"bufio"
	"bytes"
	"net/textproto"
	"strconv"
	"strings"
)

// parsedRequest is the head of an HTTP/1.x request plus the byte range of
// its body within the buffer it was parsed from.
type parsedRequest struct {
	method  string
	path    string
	version string
	headers []headerPair
	body    []byte
}

// parsedResponse mirrors parsedRequest for the response side.
type parsedResponse struct {
	statusCode int
	reason     string
	version    string
	headers    []headerPair
	body       []byte
}

// findHeaderEnd locates the blank line terminating the header block,
// returning the index just past it, or -1 if the buffer is still
// incomplete. Mirrors capture.rs's use of httparse's incremental parser:
// nothing is consumed until a full head is available.
func findHeaderEnd(buf []byte) int {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return -1
	}
	return idx + 4
}

// parseHeaderBlock reads header lines between the request/status line and
// the blank line terminator, returning content-length if present. There is
// no fixed 256-entry cap here (capture.rs bounds its httparse header array
// at 256 to avoid a stack blowup in Rust) — textproto.Reader.ReadMIMEHeader
// grows a Go map instead, so the cap is dropped as unnecessary rather than
// ported; see DESIGN.md.
func parseHeaderBlock(raw []byte) ([]headerPair, int) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && len(mimeHeader) == 0 {
		return nil, 0
	}
	var headers []headerPair
	contentLength := 0
	for name, values := range mimeHeader {
		for _, v := range values {
			headers = append(headers, headerPair{name: name, value: v})
			if strings.EqualFold(name, "Content-Length") {
				if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
					contentLength = n
				}
			}
		}
	}
	return headers, contentLength
}

// tryParseRequest attempts to parse one complete HTTP/1.x request off the
// front of buf. ok is false when more bytes are needed (either the head or
// a declared Content-Length body hasn't fully arrived yet), matching
// capture.rs's parse_http_request.
func tryParseRequest(buf []byte) (consumed int, parsed parsedRequest, ok bool) {
	headerEnd := findHeaderEnd(buf)
	if headerEnd < 0 {
		return 0, parsedRequest{}, false
	}
	lineEnd := bytes.IndexByte(buf, '\n')
	if lineEnd < 0 || lineEnd+1 > headerEnd {
		return 0, parsedRequest{}, false
	}
	requestLine := strings.TrimRight(string(buf[:lineEnd]), "\r\n")
	parts := strings.SplitN(requestLine, " ", 3)
	if len(parts) < 2 {
		return 0, parsedRequest{}, false
	}
	method := parts[0]
	path := parts[1]
	version := "1.1"
	if len(parts) == 3 {
		version = httpVersionFromProto(parts[2])
	}

	headers, contentLength := parseHeaderBlock(buf[lineEnd+1 : headerEnd])
	bodyEnd := headerEnd + contentLength
	if contentLength > 0 && len(buf) < bodyEnd {
		return 0, parsedRequest{}, false
	}
	if bodyEnd > len(buf) {
		bodyEnd = len(buf)
	}
	return bodyEnd, parsedRequest{
		method:  method,
		path:    path,
		version: version,
		headers: headers,
		body:    buf[headerEnd:bodyEnd],
	}, true
}

// tryParseResponse mirrors tryParseRequest for a status line + headers.
func tryParseResponse(buf []byte) (consumed int, parsed parsedResponse, ok bool) {
	headerEnd := findHeaderEnd(buf)
	if headerEnd < 0 {
		return 0, parsedResponse{}, false
	}
	lineEnd := bytes.IndexByte(buf, '\n')
	if lineEnd < 0 || lineEnd+1 > headerEnd {
		return 0, parsedResponse{}, false
	}
	statusLine := strings.TrimRight(string(buf[:lineEnd]), "\r\n")
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return 0, parsedResponse{}, false
	}
	version := httpVersionFromProto(parts[0])
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, parsedResponse{}, false
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	headers, contentLength := parseHeaderBlock(buf[lineEnd+1 : headerEnd])
	bodyEnd := headerEnd + contentLength
	if contentLength > 0 && len(buf) < bodyEnd {
		return 0, parsedResponse{}, false
	}
	if bodyEnd > len(buf) {
		bodyEnd = len(buf)
	}
	return bodyEnd, parsedResponse{
		statusCode: code,
		reason:     reason,
		version:    version,
		headers:    headers,
		body:       buf[headerEnd:bodyEnd],
	}, true
}

func httpVersionFromProto(proto string) string {
	if strings.HasPrefix(proto, "HTTP/") {
		return strings.TrimPrefix(proto, "HTTP/")
	}
	return "1.1"
}

func headerValue(headers []headerPair, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.name, name) {
			return h.value, true
		}
	}
	return "", false
}
