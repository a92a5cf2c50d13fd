// Package server holds the pieces shared by both protocol servers:
// the per-connection session identity and its logging helpers.
package server

import (
	"fmt"

	"github.com/FFasir/MailSystem/logger"
)

// ConnectionStatsProvider exposes a server's connection counters for
// inclusion in session log lines.
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the connection-scoped identity attached to every
// protocol session. Protocol packages embed it.
type Session struct {
	Id         string
	RemoteIP   string
	User       string // authenticated (or pending) username, empty before auth
	ServerName string
	Protocol   string
	Stats      ConnectionStatsProvider
}

// Log writes an info-level session log line with connection context.
func (s *Session) Log(format string, args ...any) {
	s.log(logger.Info, format, args...)
}

// DebugLog writes a debug-level session log line with connection context.
func (s *Session) DebugLog(format string, args ...any) {
	s.log(logger.Debug, format, args...)
}

func (s *Session) log(fn func(string, ...any), format string, args ...any) {
	user := s.User
	if user == "" {
		user = "none"
	}

	protocol := s.Protocol
	if s.ServerName != "" {
		protocol = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	if s.Stats != nil {
		fn("Session",
			"protocol", protocol,
			"remote", s.RemoteIP,
			"user", user,
			"session", s.Id,
			"conn_total", s.Stats.GetTotalConnections(),
			"conn_auth", s.Stats.GetAuthenticatedConnections(),
			"msg", fmt.Sprintf(format, args...))
		return
	}
	fn("Session",
		"protocol", protocol,
		"remote", s.RemoteIP,
		"user", user,
		"session", s.Id,
		"msg", fmt.Sprintf(format, args...))
}
