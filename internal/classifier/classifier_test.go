package classifier

import (
	"encoding/base64"
	"testing"

	"github.com/kdhira/llmproxy/internal/events"
)

func b64(s string) *string {
	v := base64.StdEncoding.EncodeToString([]byte(s))
	return &v
}

func TestMatchRequestPortOverride(t *testing.T) {
	rs, ok := LoadFromJSON(DefaultRulesJSON)
	if !ok {
		t.Fatal("default rules failed to load")
	}
	body := `{"model":"x","messages":[]}`

	evt := &events.HttpRequestEvent{Method: "POST", Path: "/v1/chat/completions", DstPort: 1234, BodyBase64: b64(body)}
	if provider, ok := rs.MatchRequest(evt); !ok || provider != "lmstudio" {
		t.Fatalf("expected lmstudio, got %q ok=%v", provider, ok)
	}

	evt.DstPort = 11434
	if provider, ok := rs.MatchRequest(evt); !ok || provider != "ollama" {
		t.Fatalf("expected ollama, got %q ok=%v", provider, ok)
	}

	evt.DstPort = 9999
	if provider, ok := rs.MatchRequest(evt); !ok || provider != "openai_compatible" {
		t.Fatalf("expected openai_compatible, got %q ok=%v", provider, ok)
	}
}

func TestMatchRequestNoMatch(t *testing.T) {
	rs, _ := LoadFromJSON(DefaultRulesJSON)
	evt := &events.HttpRequestEvent{Method: "GET", Path: "/health"}
	if _, ok := rs.MatchRequest(evt); ok {
		t.Fatal("expected no match for unrelated request")
	}
}

func TestInvalidRegexDropsPredicateNotRule(t *testing.T) {
	doc := `{"rules":[{"provider":"broken","request":{"path_regex":"(unterminated","methods":["POST"]}}]}`
	rs, ok := LoadFromJSON(doc)
	if !ok {
		t.Fatal("document should still parse")
	}
	evt := &events.HttpRequestEvent{Method: "POST", Path: "/anything"}
	provider, matched := rs.MatchRequest(evt)
	if !matched || provider != "broken" {
		t.Fatalf("rule with dropped invalid regex should still match on remaining predicates, got %q matched=%v", provider, matched)
	}
}

func TestMatchTextStreaming(t *testing.T) {
	rs, _ := LoadFromJSON(DefaultRulesJSON)
	if provider, ok := rs.MatchText(`data: {"choices":[{"delta":{}}]}`); !ok || provider != "openai_compatible" {
		t.Fatalf("expected openai_compatible from streaming text, got %q ok=%v", provider, ok)
	}
}
