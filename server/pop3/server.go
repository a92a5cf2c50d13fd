// Package pop3 implements the mailbox-retrieval server: a TCP listener
// speaking the POP3 command/response protocol against the flat-file
// mailbox store, with deferred deletion applied on session close.
package pop3

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

// CredentialVerifier checks a username/password pair. The registration
// system that maintains the credentials lives outside this server.
type CredentialVerifier interface {
	Verify(username, password string) bool
}

// POP3Server serves mailbox retrieval sessions.
type POP3Server struct {
	addr string
	name string

	store *storage.Store
	gate  *filter.Gate
	auth  CredentialVerifier

	appCtx context.Context
	cancel context.CancelFunc

	idleTimeout time.Duration
	maxErrors   int

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64
	boundAddr                atomic.Value

	sessionsWg sync.WaitGroup
}

// POP3ServerOptions configures a POP3Server.
type POP3ServerOptions struct {
	IdleTimeout time.Duration // Maximum idle time before disconnect (0 = disabled)
	MaxErrors   int           // Client errors tolerated before disconnect
}

// New creates a POP3 server. The filter gate may be nil, in which case
// no source-address checks are performed.
func New(appCtx context.Context, name, addr string, store *storage.Store, gate *filter.Gate, auth CredentialVerifier, options POP3ServerOptions) *POP3Server {
	serverCtx, serverCancel := context.WithCancel(appCtx)

	maxErrors := options.MaxErrors
	if maxErrors <= 0 {
		maxErrors = 3
	}

	return &POP3Server{
		addr:        addr,
		name:        name,
		store:       store,
		gate:        gate,
		auth:        auth,
		appCtx:      serverCtx,
		cancel:      serverCancel,
		idleTimeout: options.IdleTimeout,
		maxErrors:   maxErrors,
	}
}

// Start accepts connections until the server context is cancelled. Fatal
// listener errors are sent to errChan.
func (s *POP3Server) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create POP3 listener: %w", err)
		return
	}
	defer listener.Close()
	s.boundAddr.Store(listener.Addr().String())

	logger.Info("POP3 server listening", "name", s.name, "addr", listener.Addr().String())

	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully", "name", s.name)
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
			logger.Info("POP3: rejected blacklisted source", "name", s.name, "remote", remoteIP)
			metrics.ConnectionsRejectedTotal.WithLabelValues("pop3").Inc()
			fmt.Fprintf(conn, "-ERR IP address blocked\r\n")
			conn.Close()
			continue
		}

		totalCount := s.totalConnections.Add(1)
		metrics.ConnectionsTotal.WithLabelValues("pop3").Inc()
		metrics.ConnectionsCurrent.WithLabelValues("pop3").Inc()

		session := newSession(s, conn)
		session.RemoteIP = remoteIP
		session.Protocol = "POP3"
		session.ServerName = s.name
		session.Id = idgen.New()
		session.Stats = s

		logger.Debug("POP3: new connection", "name", s.name, "remote", remoteIP, "total_connections", totalCount)

		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

// Close stops accepting connections and waits for active sessions to
// drain, with a timeout.
func (s *POP3Server) Close() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Debug("POP3: all sessions drained", "name", s.name)
	case <-time.After(30 * time.Second):
		logger.Debug("POP3: session drain timeout", "name", s.name)
	}
}

// Addr reports the listener's bound address. It is empty until Start has
// bound the listener, which matters when the configured address uses an
// ephemeral port.
func (s *POP3Server) Addr() string {
	if v := s.boundAddr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// GetTotalConnections returns the current total connection count.
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated
// connection count.
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}

func remoteIPOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
