package logging

import "testing"

func TestRedactHeaderValue(t *testing.T) {
	cases := []struct {
		name, header, value, want string
	}{
		{"bearer token", "Authorization", "Bearer sk-abcdefgh", "Bearer sk***gh"},
		{"short value fully masked", "X-Api-Key", "ab", "***"},
		{"non-sensitive passes through", "Content-Type", "application/json", "application/json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RedactHeaderValue(tc.header, tc.value); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}
