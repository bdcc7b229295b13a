package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseSubject(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		expected string
	}{
		{"empty", "", ""},
		{"plain is case folded", "Hello World", "hello world"},
		{"single reply prefix", "Re: Hello", "hello"},
		{"stacked reply prefixes", "Re: Re: [list-tag] Hello", "hello"},
		{"forward prefix", "Fwd: Hello", "hello"},
		{"fw prefix", "FW: Hello", "hello"},
		{"counted reply prefix", "Re[2]: Hello", "hello"},
		{"parenthesized reply count", "Re(3): Hello", "hello"},
		{"list tag only", "[ietf-announce] Agenda", "agenda"},
		{"tag then reply", "[tls] Re: draft comments", "draft comments"},
		{"whitespace collapsed", "Re:   Hello   World", "hello world"},
		{"unclosed bracket kept", "[broken subject", "[broken subject"},
		{"re not a prefix", "Recent changes", "recent changes"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, BaseSubject(tc.subject))
		})
	}
}

func TestBaseSubjectStability(t *testing.T) {
	// Normalizing an already-normalized subject is a no-op.
	subjects := []string{"Re: Re: [list] Agenda", "Fwd: [tls] Minutes", "plain"}
	for _, s := range subjects {
		base := BaseSubject(s)
		assert.Equal(t, base, BaseSubject(base))
	}
}
