package capture

import "testing"

func TestConnKeyIsOrderIndependent(t *testing.T) {
	forward := newConnKey("10.0.0.1", 50000, "10.0.0.2", 443)
	backward := newConnKey("10.0.0.2", 443, "10.0.0.1", 50000)
	if forward != backward {
		t.Fatalf("expected symmetric key, got %+v vs %+v", forward, backward)
	}
}

func TestConnStateDirectionPrefersKnownEndpoints(t *testing.T) {
	s := &connState{
		client: &connEndpoint{ip: "10.0.0.1", port: 50000},
		server: &connEndpoint{ip: "10.0.0.2", port: 443},
	}
	if !s.direction("10.0.0.1", 50000, "10.0.0.2", 443, []byte("irrelevant")) {
		t.Fatalf("expected client->server traffic to be a request")
	}
	if s.direction("10.0.0.2", 443, "10.0.0.1", 50000, []byte("irrelevant")) {
		t.Fatalf("expected server->client traffic to be a response")
	}
}

func TestConnStatePendingFIFO(t *testing.T) {
	s := &connState{}
	s.pushPending("req-1", "openai_compatible", true)
	s.pushPending("req-2", "", false)

	id, provider, hasProvider, ok := s.popPending()
	if !ok || id != "req-1" || provider != "openai_compatible" || !hasProvider {
		t.Fatalf("unexpected first pop: %q %q %v %v", id, provider, hasProvider, ok)
	}
	id, _, hasProvider, ok = s.popPending()
	if !ok || id != "req-2" || hasProvider {
		t.Fatalf("unexpected second pop: %q %v %v", id, hasProvider, ok)
	}
	if _, _, _, ok := s.popPending(); ok {
		t.Fatalf("expected empty queue after draining")
	}
}
