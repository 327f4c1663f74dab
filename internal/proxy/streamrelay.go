package proxy

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kdhira/llmproxy/internal/classifier"
	"github.com/kdhira/llmproxy/internal/events"
	"github.com/kdhira/llmproxy/internal/sink"
)

// hopByHopHeaders enumerates the connection-scoped headers stripped before
// a request or response crosses the proxy. Length-affecting headers are not
// listed here: forwardMitmRequest deletes Host itself, and
// isFramingOrHopByHop adds Content-Length and Transfer-Encoding when
// response headers are copied downstream.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Proxy-Authorization",
	"Keep-Alive", "Upgrade", "TE", "Trailers",
}

func stripHopByHopHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

const (
	// streamChunkBufSize is the bounded queue depth between the upstream
	// reader and the downstream writer (spec section 5: "a 16-slot queue
	// between the upstream reader and the downstream writer").
	streamChunkBufSize = 16
	// streamChunkReadSize bounds a single upstream read.
	streamChunkReadSize = 32 * 1024
	// streamChunkTimeout is the per-chunk upstream read timeout (spec
	// section 4.10/5: "Upstream relay uses a 30-second read timeout per
	// chunk").
	streamChunkTimeout = 30 * time.Second
)

// responseRelay streams a response body downstream chunk by chunk,
// emitting one chunk HttpResponseEvent per read after the caller has
// already emitted the head event, reusing the request id (spec sections
// 4.6, 5, and 8's "one head plus N chunk events all share r.id").
type responseRelay struct {
	id          string
	src, dst    endpoint
	rules       classifier.RuleSet
	sink        sink.Sink
	isLLM       bool
	llmProvider *string
}

// chunkReadResult carries one upstream read off the background goroutine
// feeding the bounded channel.
type chunkReadResult struct {
	data []byte
	err  error
}

// run pumps body to w through the bounded channel, applying the per-chunk
// read timeout; the caller writes the head's first chunk (if any) before
// calling run. It returns once body reaches EOF, a read error occurs, a
// write to w fails, or the upstream falls silent past the timeout — each
// of which ends the stream gracefully rather than
// propagating to sibling sessions (spec section 4.10).
func (r *responseRelay) run(w io.Writer, flush func(), body io.Reader) {
	if body == nil {
		return
	}
	results := make(chan chunkReadResult, streamChunkBufSize)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(results)
		buf := make([]byte, streamChunkReadSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case results <- chunkReadResult{data: chunk}:
				case <-done:
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case results <- chunkReadResult{err: err}:
					case <-done:
					}
				}
				return
			}
		}
	}()

	timer := time.NewTimer(streamChunkTimeout)
	defer timer.Stop()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return
			}
			if res.err != nil {
				return
			}
			if _, err := w.Write(res.data); err != nil {
				return
			}
			if flush != nil {
				flush()
			}
			r.emitChunk(res.data)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(streamChunkTimeout)
		case <-timer.C:
			return
		}
	}
}

func (r *responseRelay) emitChunk(chunk []byte) {
	evt := events.HttpResponseEvent{
		ID:          r.id,
		Timestamp:   events.Now(),
		SrcIP:       r.src.ip,
		SrcPort:     r.src.port,
		DstIP:       r.dst.ip,
		DstPort:     r.dst.port,
		IsLLM:       r.isLLM,
		LLMProvider: r.llmProvider,
	}
	encoded := encodeBody(chunk)
	evt.BodyBase64 = &encoded
	evt.BodyLen = len(chunk)
	if !evt.IsLLM {
		if provider, ok := r.rules.MatchText(string(chunk)); ok {
			evt.IsLLM = true
			evt.LLMProvider = events.StrPtr(provider)
			r.isLLM = true
			r.llmProvider = evt.LLMProvider
		}
	}
	r.sink.OnHttpResponse(evt)
}

// chunkedWriter re-chunks bytes written to it as HTTP/1.1 chunked
// transfer-coding frames. The MITM HTTP/1.1 downstream connection always
// re-chunks rather than conditionally trusting the upstream's declared
// Content-Length, since the relay forwards chunks as they arrive without
// knowing the total body length in advance.
type chunkedWriter struct {
	w io.Writer
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close writes the terminating zero-length chunk.
func (c *chunkedWriter) Close() error {
	_, err := io.WriteString(c.w, "0\r\n\r\n")
	return err
}
