// Package classifier implements the LLM traffic classifier from spec
// section 4.2: a declarative JSON rule set, compiled once, that tags
// intercepted HTTP exchanges with a provider label. Grounded on
// _examples/original_source/src-tauri/src/llm_rules.rs, translated from
// Rust's serde/regex idiom into Go's encoding/json + regexp, and unified
// so both the MITM path and the packet-capture path share one RuleSet
// instead of the original's duplicated copies.
package classifier

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/kdhira/llmproxy/internal/events"
)

// DefaultRulesJSON is the embedded default rule document, reproduced
// verbatim (field-for-field) from llm_rules.rs's DEFAULT_LLM_RULES_JSON.
const DefaultRulesJSON = `{
  "rules": [
    {
      "provider": "openai_compatible",
      "provider_by_port": { "1234": "lmstudio", "11434": "ollama" },
      "request": {
        "methods": ["POST"],
        "path_regex": "^/v1/(chat/completions|completions)",
        "body_contains_any": ["\"model\"", "\"messages\"", "\"prompt\""]
      },
      "response": {
        "body_contains_any": ["\"choices\""]
      }
    },
    {
      "provider": "ollama",
      "request": {
        "methods": ["POST"],
        "path_regex": "^/api/(generate|chat)"
      },
      "response": {
        "body_contains_any": ["\"response\"", "\"message\"", "\"model\"", "\"choices\""]
      }
    }
  ]
}`

// rawHeaderRule/rawRuleSide/rawRule/rawRuleSet mirror the JSON document
// shape (methods/path_regex/headers/body_contains_any per side, plus a
// provider and an optional provider_by_port override map per rule).
type rawHeaderRule struct {
	NameRegex  string `json:"name_regex"`
	ValueRegex string `json:"value_regex"`
}

type rawRuleSide struct {
	Methods         []string        `json:"methods"`
	PathRegex       string          `json:"path_regex"`
	Headers         []rawHeaderRule `json:"headers"`
	BodyContainsAny []string        `json:"body_contains_any"`
}

type rawRule struct {
	Provider       string          `json:"provider"`
	ProviderByPort map[string]string `json:"provider_by_port"`
	Request        *rawRuleSide    `json:"request"`
	Response       *rawRuleSide    `json:"response"`
}

type rawRuleSet struct {
	Rules []rawRule `json:"rules"`
}

type headerRule struct {
	name  *regexp.Regexp
	value *regexp.Regexp
}

type ruleSide struct {
	methods         []string // uppercased
	path            *regexp.Regexp
	headers         []headerRule
	bodyContainsAny []string
}

// Rule is one compiled entry of a RuleSet.
type Rule struct {
	Provider       string
	ProviderByPort map[uint16]string
	Request        *ruleSide
	Response       *ruleSide
}

// RuleSet is an immutable, compiled collection of rules, matched in
// declared order (first match wins), per spec section 4.2.
type RuleSet struct {
	rules []Rule
}

// Load reads a rule document from path, falling back to the embedded
// default on any I/O or parse error — spec section 7: "rule file I/O
// errors fall back to the embedded default."
func Load(path string) RuleSet {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if rs, ok := LoadFromJSON(string(data)); ok {
				return rs
			}
		}
	}
	if rs, ok := LoadFromJSON(DefaultRulesJSON); ok {
		return rs
	}
	return RuleSet{}
}

// LoadFromJSON compiles a rule document from a JSON string. ok is false
// only when the document itself is not valid JSON matching the rule
// schema; individual invalid regexes never fail the whole document (spec
// section 3 invariant: "rule compilation is total over valid input").
func LoadFromJSON(doc string) (RuleSet, bool) {
	var raw rawRuleSet
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return RuleSet{}, false
	}
	rs := RuleSet{rules: make([]Rule, 0, len(raw.Rules))}
	for _, rr := range raw.Rules {
		rs.rules = append(rs.rules, compileRule(rr))
	}
	return rs, true
}

func compileRule(rr rawRule) Rule {
	byPort := make(map[uint16]string, len(rr.ProviderByPort))
	for portStr, provider := range rr.ProviderByPort {
		if port, err := strconv.ParseUint(portStr, 10, 16); err == nil {
			byPort[uint16(port)] = provider
		}
	}
	return Rule{
		Provider:       rr.Provider,
		ProviderByPort: byPort,
		Request:        compileSide(rr.Request),
		Response:       compileSide(rr.Response),
	}
}

func compileSide(r *rawRuleSide) *ruleSide {
	if r == nil {
		return nil
	}
	side := &ruleSide{bodyContainsAny: r.BodyContainsAny}
	for _, m := range r.Methods {
		side.methods = append(side.methods, strings.ToUpper(m))
	}
	if r.PathRegex != "" {
		if rx, err := regexp.Compile(r.PathRegex); err == nil {
			side.path = rx
		}
	}
	for _, hr := range r.Headers {
		compiled := headerRule{}
		if hr.NameRegex != "" {
			if rx, err := regexp.Compile(hr.NameRegex); err == nil {
				compiled.name = rx
			}
		}
		if hr.ValueRegex != "" {
			if rx, err := regexp.Compile(hr.ValueRegex); err == nil {
				compiled.value = rx
			}
		}
		side.headers = append(side.headers, compiled)
	}
	return side
}

func headersMatch(side *ruleSide, headers []events.Header) bool {
	if len(side.headers) == 0 {
		return true
	}
ruleLoop:
	for _, hr := range side.headers {
		for _, h := range headers {
			nameOK := hr.name == nil || hr.name.MatchString(h.Name)
			valueOK := hr.value == nil || hr.value.MatchString(h.Value)
			if nameOK && valueOK {
				continue ruleLoop
			}
		}
		return false
	}
	return true
}

func bodyContainsAny(side *ruleSide, bodyB64 *string) bool {
	if len(side.bodyContainsAny) == 0 {
		return true
	}
	var body string
	if bodyB64 != nil {
		if raw, err := base64.StdEncoding.DecodeString(*bodyB64); err == nil {
			body = string(raw)
		}
	}
	for _, needle := range side.bodyContainsAny {
		if strings.Contains(body, needle) {
			return true
		}
	}
	return false
}

// MatchRequest returns the provider for the first matching rule, consulting
// the per-port override against the request's destination port.
func (rs RuleSet) MatchRequest(evt *events.HttpRequestEvent) (string, bool) {
	for _, r := range rs.rules {
		side := r.Request
		if side == nil {
			continue
		}
		if len(side.methods) > 0 && !contains(side.methods, strings.ToUpper(evt.Method)) {
			continue
		}
		if side.path != nil && !side.path.MatchString(evt.Path) {
			continue
		}
		if !headersMatch(side, evt.Headers) {
			continue
		}
		if !bodyContainsAny(side, evt.BodyBase64) {
			continue
		}
		if provider, ok := r.ProviderByPort[evt.DstPort]; ok {
			return provider, true
		}
		return r.Provider, true
	}
	return "", false
}

// MatchResponse returns the provider for the first matching rule, consulting
// the per-port override against the response's source port.
func (rs RuleSet) MatchResponse(evt *events.HttpResponseEvent) (string, bool) {
	for _, r := range rs.rules {
		side := r.Response
		if side == nil {
			continue
		}
		if !headersMatch(side, evt.Headers) {
			continue
		}
		if !bodyContainsAny(side, evt.BodyBase64) {
			continue
		}
		if provider, ok := r.ProviderByPort[evt.SrcPort]; ok {
			return provider, true
		}
		return r.Provider, true
	}
	return "", false
}

// MatchText searches a raw streaming-response text chunk against every
// rule's response body needles — used for streaming bodies where no
// body_base64 envelope exists yet.
func (rs RuleSet) MatchText(text string) (string, bool) {
	for _, r := range rs.rules {
		side := r.Response
		if side == nil {
			continue
		}
		for _, needle := range side.bodyContainsAny {
			if strings.Contains(text, needle) {
				return r.Provider, true
			}
		}
	}
	return "", false
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
