package helpers

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)
	ipv4Pattern  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// IsValidEmail reports whether addr looks like a deliverable email address.
func IsValidEmail(addr string) bool {
	return emailPattern.MatchString(addr)
}

// IsValidIPv4 reports whether s is a dotted-quad IPv4 address.
func IsValidIPv4(s string) bool {
	return ipv4Pattern.MatchString(s)
}

// ExtractUsername returns the local part of an email address. A bare
// username without a domain is returned unchanged.
func ExtractUsername(addr string) string {
	if i := strings.Index(addr, "@"); i >= 0 {
		return addr[:i]
	}
	return addr
}

// ExtractBracketedAddress pulls the address out of an SMTP parameter such
// as "FROM:<user@example.com>". It tolerates a bare address without angle
// brackets. Returns "" when no address can be extracted.
func ExtractBracketedAddress(s string) string {
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "<"); start >= 0 {
		end := strings.Index(s[start:], ">")
		if end < 0 {
			return ""
		}
		return s[start+1 : start+end]
	}
	return s
}
