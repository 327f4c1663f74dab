// Package capture implements the passive packet-capture sibling from spec
// section 5: an optional, interface-bound libpcap listener that infers HTTP
// request/response boundaries from raw TCP payload without a CONNECT
// tunnel or MITM certificate, for processes whose traffic cannot be routed
// through the proxy. Grounded on
// _examples/original_source/src-tauri/src/capture.rs (pcap + etherparse +
// httparse in the original Rust), reimplemented over
// github.com/google/gopacket/pcap — the idiomatic Go libpcap binding also
// pulled in by the example pack's network-tooling repos — instead of
// shelling out or hand-rolling a raw-socket reader.
package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"go.uber.org/zap"

	"github.com/kdhira/llmproxy/internal/classifier"
	"github.com/kdhira/llmproxy/internal/events"
	"github.com/kdhira/llmproxy/internal/procwatch"
	"github.com/kdhira/llmproxy/internal/sink"
)

const (
	snapLen       = 65535
	readTimeout   = 50 * time.Millisecond
	bpfFilter     = "tcp"
	doneMarkerStr = "[DONE]"
)

// Interface describes one capturable network device, mirroring
// NetworkInterfaceInfo from capture.rs.
type Interface struct {
	Name string
	Desc string
	IP   string
}

// ListInterfaces enumerates capturable devices, preferring each one's first
// IPv4 address and hiding interfaces with no usable address at all —
// matching list_network_interfaces's filter_map.
func ListInterfaces() ([]Interface, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(devices))
	for _, d := range devices {
		ip, ok := preferredAddress(d)
		if !ok {
			continue
		}
		out = append(out, Interface{Name: d.Name, Desc: d.Description, IP: ip})
	}
	return out, nil
}

func preferredAddress(d pcap.Interface) (string, bool) {
	var any string
	for _, a := range d.Addresses {
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String(), true
		}
		if any == "" && a.IP != nil {
			any = a.IP.String()
		}
	}
	if any == "" {
		return "", false
	}
	return any, true
}

// PacketCapture is the packet-capture sibling of the forwarding proxy: at
// most one active interface at a time, started/stopped independently of
// the MITM/plain-HTTP listener (spec section 5).
type PacketCapture struct {
	logger *zap.SugaredLogger
	sink   sink.Sink
	rules  classifier.RuleSet
	watch  *procwatch.Watcher

	running atomic.Bool
	mu      sync.Mutex
	handle  *pcap.Handle
	wg      sync.WaitGroup

	conns *connTable
}

// New builds a PacketCapture from the rules and watcher the caller passes
// in. cmd/audit-proxy builds them from the same rule file and lookup-wait
// setting that proxy.NewServer uses, but as separate instances:
// proxy.NewServer constructs its own RuleSet and Watcher, so the capture
// path and the proxy do not share a process-lookup cache.
func New(logger *zap.SugaredLogger, evtSink sink.Sink, rules classifier.RuleSet, watcher *procwatch.Watcher) *PacketCapture {
	if evtSink == nil {
		evtSink = sink.NullSink{}
	}
	return &PacketCapture{logger: logger, sink: evtSink, rules: rules, watch: watcher, conns: newConnTable()}
}

var errAlreadyRunning = errors.New("capture: already running")

// Start opens iface in promiscuous, immediate mode with a TCP-only BPF
// filter and begins decoding packets on a background goroutine, matching
// start_capture's promisc/snaplen/immediate_mode/filter configuration.
func (c *PacketCapture) Start(iface string) error {
	if !c.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}

	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		c.running.Store(false)
		return err
	}
	defer inactive.CleanUp()
	_ = inactive.SetSnapLen(snapLen)
	_ = inactive.SetPromisc(true)
	_ = inactive.SetImmediateMode(true)
	_ = inactive.SetTimeout(readTimeout)

	handle, err := inactive.Activate()
	if err != nil {
		c.running.Store(false)
		return err
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		c.running.Store(false)
		return err
	}

	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(handle)
	return nil
}

// Stop halts the capture goroutine and clears all connection state. The
// process-lookup watcher's cache is not cleared.
func (c *PacketCapture) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()
	if handle != nil {
		handle.Close()
	}
	c.wg.Wait()
	c.conns.clear()
}

func (c *PacketCapture) loop(handle *pcap.Handle) {
	defer c.wg.Done()
	linkType := handle.LinkType()
	for c.running.Load() {
		data, _, err := handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) || errors.Is(err, pcap.NextErrorNoMorePackets) {
				continue
			}
			if c.running.Load() && c.logger != nil {
				c.logger.Debugw("capture read error", "error", err)
			}
			time.Sleep(time.Millisecond)
			continue
		}
		c.handlePacket(linkType, data)
	}
}

func (c *PacketCapture) handlePacket(linkType layers.LinkType, data []byte) {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	srcIP, dstIP, ok := ipEndpoints(packet)
	if !ok {
		return
	}
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok || len(tcp.Payload) == 0 {
		return
	}
	srcPort := uint16(tcp.SrcPort)
	dstPort := uint16(tcp.DstPort)

	key := newConnKey(srcIP, srcPort, dstIP, dstPort)
	state := c.conns.get(key)

	if state.direction(srcIP, srcPort, dstIP, dstPort, tcp.Payload) {
		c.handleRequestSide(state, srcIP, srcPort, dstIP, dstPort, tcp.Payload)
	} else {
		c.handleResponseSide(state, srcIP, srcPort, dstIP, dstPort, tcp.Payload)
	}
}

func ipEndpoints(packet gopacket.Packet) (src, dst string, ok bool) {
	if v4 := packet.Layer(layers.LayerTypeIPv4); v4 != nil {
		ip := v4.(*layers.IPv4)
		return ip.SrcIP.String(), ip.DstIP.String(), true
	}
	if v6 := packet.Layer(layers.LayerTypeIPv6); v6 != nil {
		ip := v6.(*layers.IPv6)
		return ip.SrcIP.String(), ip.DstIP.String(), true
	}
	return "", "", false
}

func (c *PacketCapture) handleRequestSide(state *connState, srcIP string, srcPort uint16, dstIP string, dstPort uint16, payload []byte) {
	if state.client == nil {
		state.client = &connEndpoint{ip: srcIP, port: srcPort}
	}
	if state.server == nil {
		state.server = &connEndpoint{ip: dstIP, port: dstPort}
	}
	state.reqBuf = append(state.reqBuf, payload...)

	for {
		consumed, parsed, ok := tryParseRequest(state.reqBuf)
		if !ok {
			break
		}
		evt := c.buildRequestEvent(parsed, srcIP, srcPort, dstIP, dstPort)
		provider, hasProvider := c.rules.MatchRequest(&evt)
		if hasProvider {
			evt.IsLLM = true
			evt.LLMProvider = events.StrPtr(provider)
		}
		state.pushPending(evt.ID, provider, hasProvider)
		state.reqBuf = drain(state.reqBuf, consumed)
		c.sink.OnHttpRequest(evt)
	}
}

func (c *PacketCapture) handleResponseSide(state *connState, srcIP string, srcPort uint16, dstIP string, dstPort uint16, payload []byte) {
	if state.client == nil {
		state.client = &connEndpoint{ip: dstIP, port: dstPort}
	}
	if state.server == nil {
		state.server = &connEndpoint{ip: srcIP, port: srcPort}
	}
	state.respBuf = append(state.respBuf, payload...)

	for {
		consumed, parsed, ok := tryParseResponse(state.respBuf)
		if !ok {
			break
		}
		id, provider, hasProvider, havePending := state.popPending()
		if !havePending {
			state.respBuf = drain(state.respBuf, consumed)
			continue
		}
		evt := c.buildResponseEvent(id, parsed, srcIP, srcPort, dstIP, dstPort)
		if hasProvider {
			evt.IsLLM = true
			evt.LLMProvider = events.StrPtr(provider)
		} else if p, ok := c.rules.MatchResponse(&evt); ok {
			evt.IsLLM = true
			evt.LLMProvider = events.StrPtr(p)
		}
		state.respBuf = drain(state.respBuf, consumed)

		if isStreamingResponse(parsed.headers) {
			state.streamingActive = true
			state.streamingRespID = evt.ID
			state.streamingHeaders = parsed.headers
			if evt.IsLLM {
				state.streamingProvider = *evt.LLMProvider
				state.streamingHasProv = true
			}
		}
		c.sink.OnHttpResponse(evt)
	}

	if state.streamingActive && len(state.respBuf) > 0 {
		chunk := state.respBuf
		state.respBuf = nil
		c.emitStreamingChunk(state, chunk, srcIP, srcPort, dstIP, dstPort)
	}
	if state.streamingActive && bytes.Contains(payload, []byte(doneMarkerStr)) {
		c.emitStreamingDone(state, srcIP, srcPort, dstIP, dstPort)
	}
}

func isStreamingResponse(headers []headerPair) bool {
	if v, ok := headerValue(headers, "Transfer-Encoding"); ok && containsFold(v, "chunked") {
		return true
	}
	if v, ok := headerValue(headers, "Content-Type"); ok && containsFold(v, "text/event-stream") {
		return true
	}
	return false
}

func containsFold(haystack, needle string) bool {
	return bytes.Contains([]byte(toLower(haystack)), []byte(toLower(needle)))
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (c *PacketCapture) emitStreamingChunk(state *connState, chunk []byte, srcIP string, srcPort uint16, dstIP string, dstPort uint16) {
	evt := events.HttpResponseEvent{
		ID:         state.streamingRespID,
		Timestamp:  events.Now(),
		SrcIP:      srcIP,
		SrcPort:    srcPort,
		DstIP:      dstIP,
		DstPort:    dstPort,
		StatusCode: 200,
		Version:    "1.1",
		Headers:    toEventHeaders(state.streamingHeaders),
		IsLLM:      state.streamingHasProv,
	}
	encoded := encodeBodyBytes(chunk)
	evt.BodyBase64 = &encoded
	evt.BodyLen = len(chunk)
	if state.streamingHasProv {
		evt.LLMProvider = events.StrPtr(state.streamingProvider)
	} else if provider, ok := c.rules.MatchText(string(chunk)); ok {
		evt.IsLLM = true
		evt.LLMProvider = events.StrPtr(provider)
		state.streamingProvider = provider
		state.streamingHasProv = true
	}
	c.attachResponseProcess(&evt, dstPort)
	c.sink.OnHttpResponse(evt)
}

func (c *PacketCapture) emitStreamingDone(state *connState, srcIP string, srcPort uint16, dstIP string, dstPort uint16) {
	evt := events.HttpResponseEvent{
		ID:         state.streamingRespID,
		Timestamp:  events.Now(),
		SrcIP:      srcIP,
		SrcPort:    srcPort,
		DstIP:      dstIP,
		DstPort:    dstPort,
		StatusCode: 200,
		Version:    "1.1",
		Headers:    toEventHeaders(state.streamingHeaders),
		IsLLM:      state.streamingHasProv,
	}
	encoded := encodeBodyBytes([]byte(doneMarkerStr))
	evt.BodyBase64 = &encoded
	evt.BodyLen = len(doneMarkerStr)
	if state.streamingHasProv {
		evt.LLMProvider = events.StrPtr(state.streamingProvider)
	}
	c.attachResponseProcess(&evt, dstPort)
	c.sink.OnHttpResponse(evt)
	state.resetStreaming()
	state.respBuf = nil
}

func (c *PacketCapture) buildRequestEvent(p parsedRequest, srcIP string, srcPort uint16, dstIP string, dstPort uint16) events.HttpRequestEvent {
	evt := events.HttpRequestEvent{
		ID:        events.NewID(),
		Timestamp: events.Now(),
		SrcIP:     srcIP,
		SrcPort:   srcPort,
		DstIP:     dstIP,
		DstPort:   dstPort,
		Method:    p.method,
		Path:      p.path,
		Version:   p.version,
		Headers:   toEventHeaders(p.headers),
	}
	if len(p.body) > 0 {
		encoded := encodeBodyBytes(p.body)
		evt.BodyBase64 = &encoded
		evt.BodyLen = len(p.body)
	}
	c.attachProcess(&evt, srcPort, false)
	return evt
}

func (c *PacketCapture) buildResponseEvent(id string, p parsedResponse, srcIP string, srcPort uint16, dstIP string, dstPort uint16) events.HttpResponseEvent {
	evt := events.HttpResponseEvent{
		ID:         id,
		Timestamp:  events.Now(),
		SrcIP:      srcIP,
		SrcPort:    srcPort,
		DstIP:      dstIP,
		DstPort:    dstPort,
		StatusCode: p.statusCode,
		Reason:     events.StrPtr(p.reason),
		Version:    p.version,
		Headers:    toEventHeaders(p.headers),
	}
	if len(p.body) > 0 {
		encoded := encodeBodyBytes(p.body)
		evt.BodyBase64 = &encoded
		evt.BodyLen = len(p.body)
	}
	c.attachResponseProcess(&evt, dstPort)
	return evt
}

func (c *PacketCapture) attachProcess(evt *events.HttpRequestEvent, port uint16, isServerSide bool) {
	if c.watch == nil {
		return
	}
	if name, pid, ok := c.watch.Lookup(port, isServerSide); ok {
		evt.ProcessName = events.StrPtr(name)
		evt.PID = events.IntPtr(pid)
	}
}

func (c *PacketCapture) attachResponseProcess(evt *events.HttpResponseEvent, port uint16) {
	if c.watch == nil {
		return
	}
	if name, pid, ok := c.watch.Lookup(port, true); ok {
		evt.ProcessName = events.StrPtr(name)
		evt.PID = events.IntPtr(pid)
	}
}

func toEventHeaders(headers []headerPair) []events.Header {
	out := make([]events.Header, 0, len(headers))
	for _, h := range headers {
		out = append(out, events.Header{Name: h.name, Value: h.value})
	}
	return out
}

func encodeBodyBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func drain(buf []byte, n int) []byte {
	if n <= 0 {
		return buf
	}
	if n >= len(buf) {
		return buf[:0]
	}
	copy(buf, buf[n:])
	return buf[:len(buf)-n]
}
