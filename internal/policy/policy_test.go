package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldIntercept_Substring(t *testing.T) {
	rules := New([]string{"github.com", "api.test"}, []int{443}, MatchSubstring)

	tests := []struct {
		name string
		host string
		port int
		want bool
	}{
		{"exact domain", "github.com", 443, true},
		{"subdomain", "api.github.com", 443, true},
		{"substring anywhere", "github.com.evil.test", 443, true},
		{"case insensitive", "API.TEST", 443, true},
		{"other domain", "example.com", 443, false},
		{"wrong port", "github.com", 8443, false},
		{"port 80 not configured", "github.com", 80, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rules.ShouldIntercept(tt.host, tt.port))
		})
	}
}

func TestShouldIntercept_Suffix(t *testing.T) {
	rules := New([]string{"github.com"}, []int{443}, MatchSuffix)

	tests := []struct {
		name string
		host string
		want bool
	}{
		{"exact", "github.com", true},
		{"subdomain", "api.github.com", true},
		{"not a label boundary", "evilgithub.com", false},
		{"substring only", "github.com.evil.test", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rules.ShouldIntercept(tt.host, 443))
		})
	}
}

func TestShouldIntercept_Exact(t *testing.T) {
	rules := New([]string{"github.com"}, []int{443}, MatchExact)

	assert.True(t, rules.ShouldIntercept("github.com", 443))
	assert.True(t, rules.ShouldIntercept("GitHub.com", 443))
	assert.False(t, rules.ShouldIntercept("api.github.com", 443))
}

func TestShouldIntercept_EmptyRules(t *testing.T) {
	assert.False(t, New(nil, []int{443}, MatchSubstring).ShouldIntercept("github.com", 443))

	var nilRules *Rules
	assert.False(t, nilRules.ShouldIntercept("github.com", 443))
	assert.Equal(t, 0, nilRules.Domains())
}

func TestShouldIntercept_MultiplePorts(t *testing.T) {
	rules := New([]string{"api.test"}, []int{443, 8443}, MatchSubstring)

	assert.True(t, rules.ShouldIntercept("api.test", 443))
	assert.True(t, rules.ShouldIntercept("api.test", 8443))
	assert.False(t, rules.ShouldIntercept("api.test", 80))
}

func TestDefaultModeIsSubstring(t *testing.T) {
	rules := New([]string{"github.com"}, []int{443}, "")
	assert.True(t, rules.ShouldIntercept("api.github.com", 443))
	assert.Equal(t, 1, rules.Domains())
}
