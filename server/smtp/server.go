// Package smtp implements the mail-acceptance server: a TCP listener
// speaking the SMTP command/response protocol, guarded by the filter
// gate and persisting accepted mail through the storage package.
package smtp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FFasir/MailSystem/filter"
	"github.com/FFasir/MailSystem/logger"
	"github.com/FFasir/MailSystem/pkg/metrics"
	"github.com/FFasir/MailSystem/server/idgen"
	"github.com/FFasir/MailSystem/storage"
)

// UserDirectory answers whether a local user exists. The registration
// system that maintains the directory lives outside this server.
type UserDirectory interface {
	Exists(username string) bool
}

// SMTPServer accepts inbound mail submissions.
type SMTPServer struct {
	addr   string
	name   string
	domain string

	store *storage.Store
	gate  *filter.Gate
	users UserDirectory

	appCtx context.Context
	cancel context.CancelFunc

	idleTimeout time.Duration
	maxErrors   int

	totalConnections atomic.Int64
	boundAddr        atomic.Value

	sessionsWg sync.WaitGroup
}

// SMTPServerOptions configures an SMTPServer.
type SMTPServerOptions struct {
	Domain      string        // Domain announced in the greeting banner
	IdleTimeout time.Duration // Maximum idle time before disconnect (0 = disabled)
	MaxErrors   int           // Client errors tolerated before disconnect
}

// New creates an SMTP server. The filter gate may be nil, in which case
// no blacklist checks are performed.
func New(appCtx context.Context, name, addr string, store *storage.Store, gate *filter.Gate, users UserDirectory, options SMTPServerOptions) *SMTPServer {
	serverCtx, serverCancel := context.WithCancel(appCtx)

	domain := options.Domain
	if domain == "" {
		domain = "localhost"
	}
	maxErrors := options.MaxErrors
	if maxErrors <= 0 {
		maxErrors = 3
	}

	return &SMTPServer{
		addr:        addr,
		name:        name,
		domain:      domain,
		store:       store,
		gate:        gate,
		users:       users,
		appCtx:      serverCtx,
		cancel:      serverCancel,
		idleTimeout: options.IdleTimeout,
		maxErrors:   maxErrors,
	}
}

// Start accepts connections until the server context is cancelled. Fatal
// listener errors are sent to errChan.
func (s *SMTPServer) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create SMTP listener: %w", err)
		return
	}
	defer listener.Close()
	s.boundAddr.Store(listener.Addr().String())

	logger.Info("SMTP server listening", "name", s.name, "addr", listener.Addr().String(), "domain", s.domain)

	go func() {
		<-s.appCtx.Done()
		logger.Debug("SMTP: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("SMTP server stopped gracefully", "name", s.name)
				return
			default:
				errChan <- err
				return
			}
		}

		remoteIP := remoteIPOf(conn)

		// Blocked source addresses never see a greeting; the rejection
		// is the only line written before close.
		if s.gate != nil && s.gate.IsIPBlocked(remoteIP) {
			logger.Info("SMTP: rejected blacklisted source", "name", s.name, "remote", remoteIP)
			metrics.ConnectionsRejectedTotal.WithLabelValues("smtp").Inc()
			fmt.Fprintf(conn, "554 IP address blocked\r\n")
			conn.Close()
			continue
		}

		totalCount := s.totalConnections.Add(1)
		metrics.ConnectionsTotal.WithLabelValues("smtp").Inc()
		metrics.ConnectionsCurrent.WithLabelValues("smtp").Inc()

		session := newSession(s, conn)
		session.RemoteIP = remoteIP
		session.Protocol = "SMTP"
		session.ServerName = s.name
		session.Id = idgen.New()
		session.Stats = s

		logger.Debug("SMTP: new connection", "name", s.name, "remote", remoteIP, "total_connections", totalCount)

		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

// Close stops accepting connections and waits for active sessions to
// drain, with a timeout.
func (s *SMTPServer) Close() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Debug("SMTP: all sessions drained", "name", s.name)
	case <-time.After(30 * time.Second):
		logger.Debug("SMTP: session drain timeout", "name", s.name)
	}
}

// Addr reports the listener's bound address. It is empty until Start has
// bound the listener, which matters when the configured address uses an
// ephemeral port.
func (s *SMTPServer) Addr() string {
	if v := s.boundAddr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// GetTotalConnections returns the current total connection count.
func (s *SMTPServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections always reports zero; the acceptance
// protocol has no authenticated sessions.
func (s *SMTPServer) GetAuthenticatedConnections() int64 {
	return 0
}

func remoteIPOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
