package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"alice@example.com", true},
		{"bob.smith+tag@mail-host.example.org", true},
		{"a_b@x.y", true},
		{"alice", false},
		{"alice@", false},
		{"@example.com", false},
		{"alice@example", false},
		{"alice bob@example.com", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidEmail(tc.addr), "addr=%q", tc.addr)
	}
}

func TestIsValidIPv4(t *testing.T) {
	assert.True(t, IsValidIPv4("192.168.1.1"))
	assert.True(t, IsValidIPv4("10.0.0.1"))
	assert.False(t, IsValidIPv4("10.0.0"))
	assert.False(t, IsValidIPv4("fe80::1"))
	assert.False(t, IsValidIPv4("spam.example.com"))
	assert.False(t, IsValidIPv4(""))
}

func TestExtractUsername(t *testing.T) {
	assert.Equal(t, "alice", ExtractUsername("alice@example.com"))
	assert.Equal(t, "alice", ExtractUsername("alice"))
	assert.Equal(t, "a.b", ExtractUsername("a.b@x.y"))
}

func TestExtractBracketedAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<alice@example.com>", "alice@example.com"},
		{" <alice@example.com> ", "alice@example.com"},
		{"alice@example.com", "alice@example.com"},
		{"<alice@example.com", ""},
		{"FROM:<a@b.c>", "a@b.c"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ExtractBracketedAddress(tc.in), "in=%q", tc.in)
	}
}
