package logging

import "strings"

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"api-key":             {},
	"apikey":              {},
	"x-auth-token":        {},
	"x-openai-api-key":    {},
	"openai-organization": {},
}

// RedactHeaderValue masks a header value before it reaches a debug log,
// adapted from the teacher's internal/audit.SanitiseHeaders: keeps a
// leading scheme token ("Bearer ") unmasked and shows only the first/last
// two characters of the remainder.
func RedactHeaderValue(name, value string) string {
	if _, sensitive := sensitiveHeaders[strings.ToLower(name)]; !sensitive {
		return value
	}
	return maskToken(value)
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) == 2 {
		return parts[0] + " " + maskCore(parts[1])
	}
	return maskCore(v)
}

func maskCore(v string) string {
	if len(v) <= 4 {
		return "***"
	}
	return v[:2] + "***" + v[len(v)-2:]
}
