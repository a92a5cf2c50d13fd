package pop3

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/FFasir/MailSystem/consts"
	"github.com/FFasir/MailSystem/pkg/metrics"
	serverPkg "github.com/FFasir/MailSystem/server"
	"github.com/FFasir/MailSystem/storage"
)

// POP3Session is the per-connection protocol state. The mailbox snapshot
// taken at authentication fixes the 1-based message numbering for the
// whole session; deletions are marks against that snapshot and are only
// applied to the store on QUIT.
type POP3Session struct {
	serverPkg.Session
	server *POP3Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	pendingUser   string
	authenticated bool
	mails         []storage.MailInfo
	deleted       map[int]struct{}
	errorsCount   int
}

func newSession(s *POP3Server, conn net.Conn) *POP3Session {
	return &POP3Session{
		server:  s,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		deleted: make(map[int]struct{}),
	}
}

func (s *POP3Session) handleConnection() {
	defer s.Close()

	s.writeLine("+OK POP3 server ready")
	s.Log("connected")

	for {
		if s.server.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.writeLine("-ERR Connection timed out due to inactivity")
				s.Log("timed out")
			} else if err == io.EOF {
				s.Log("client dropped connection")
			} else {
				s.Log("read error: %v", err)
			}
			return
		}

		parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
		cmd := strings.ToUpper(parts[0])
		arg := ""
		if len(parts) > 1 {
			arg = strings.TrimSpace(parts[1])
		}
		metrics.CommandsTotal.WithLabelValues("pop3", commandLabel(cmd)).Inc()

		switch cmd {
		case "USER":
			s.handleUSER(arg)

		case "PASS":
			s.handlePASS(arg)

		case "NOOP":
			s.writeLine("+OK")

		case "QUIT":
			s.handleQUIT()
			return

		case "STAT", "LIST", "RETR", "DELE", "RSET":
			if !s.authenticated {
				s.writeLine("-ERR Not authenticated")
				continue
			}
			switch cmd {
			case "STAT":
				count, size := s.remaining()
				s.writeLine("+OK %d %d", count, size)
			case "LIST":
				s.handleLIST(arg)
			case "RETR":
				s.handleRETR(arg)
			case "DELE":
				s.handleDELE(arg)
			case "RSET":
				cleared := len(s.deleted)
				s.deleted = make(map[int]struct{})
				s.Log("reset, %d deletion marks cleared", cleared)
				s.writeLine("+OK %d messages undeleted", cleared)
			}

		default:
			s.Log("unknown command: %s", cmd)
			if s.handleClientError("-ERR Command not recognized") {
				return
			}
		}
	}
}

func (s *POP3Session) handleUSER(arg string) {
	if arg == "" {
		s.writeLine("-ERR Missing username")
		return
	}
	if s.authenticated {
		s.server.authenticatedConnections.Add(-1)
	}
	s.pendingUser = arg
	s.authenticated = false
	s.Log("username: %s", arg)
	s.writeLine("+OK User name accepted")
}

func (s *POP3Session) handlePASS(arg string) {
	if s.pendingUser == "" {
		s.writeLine("-ERR No username given")
		return
	}
	if arg == "" {
		s.writeLine("-ERR Missing password")
		return
	}

	if !s.server.auth.Verify(s.pendingUser, arg) {
		s.Log("authentication failed for %s", s.pendingUser)
		metrics.AuthenticationAttempts.WithLabelValues("pop3", "failure").Inc()
		s.writeLine("-ERR Authentication failed")
		return
	}

	mails, err := s.server.store.List(consts.AreaInbox, s.pendingUser)
	if err != nil {
		s.Log("failed to load mailbox for %s: %v", s.pendingUser, err)
		s.writeLine("-ERR Internal error")
		return
	}

	s.authenticated = true
	s.User = s.pendingUser
	s.mails = mails
	s.deleted = make(map[int]struct{})
	s.server.authenticatedConnections.Add(1)
	metrics.AuthenticationAttempts.WithLabelValues("pop3", "success").Inc()

	s.Log("authenticated, %d messages", len(mails))
	s.writeLine("+OK Mailbox locked and ready, %d messages", len(mails))
}

func (s *POP3Session) handleLIST(arg string) {
	if arg != "" {
		idx, errResp := s.resolveMessage(arg, false)
		if errResp != "" {
			s.writeLine("%s", errResp)
			return
		}
		s.writeLine("+OK %d %d", idx+1, s.mails[idx].Size)
		return
	}

	count, size := s.remaining()
	s.writeLine("+OK %d messages (%d octets)", count, size)
	for i, mail := range s.mails {
		if _, gone := s.deleted[i]; gone {
			continue
		}
		s.writeLine("%d %d", i+1, mail.Size)
	}
	s.writeLine(".")
}

func (s *POP3Session) handleRETR(arg string) {
	idx, errResp := s.resolveMessage(arg, false)
	if errResp != "" {
		s.writeLine("%s", errResp)
		return
	}

	mail := s.mails[idx]
	content, err := s.server.store.Read(consts.AreaInbox, s.User, mail.ID)
	if err != nil {
		s.Log("failed to read %s: %v", mail.ID, err)
		s.writeLine("-ERR Cannot read message")
		return
	}

	s.Log("retrieved %s", mail.ID)
	s.writeLine("+OK %d octets", mail.Size)
	// The storage id travels with the content so clients can reference
	// the message independently of session numbering.
	s.writeLine("X-Mail-Filename: %s", mail.ID)
	fmt.Fprintf(s.writer, "%s\r\n", content)
	s.writeLine(".")
}

func (s *POP3Session) handleDELE(arg string) {
	idx, errResp := s.resolveMessage(arg, true)
	if errResp != "" {
		s.writeLine("%s", errResp)
		return
	}

	s.deleted[idx] = struct{}{}
	s.Log("marked message %d for deletion", idx+1)
	s.writeLine("+OK Message %d deleted", idx+1)
}

// handleQUIT applies the deletion marks to the store. This is the only
// place mail files are physically removed.
func (s *POP3Session) handleQUIT() {
	deletedCount := 0
	for idx := range s.deleted {
		mail := s.mails[idx]
		if err := s.server.store.Delete(consts.AreaInbox, s.User, mail.ID); err != nil {
			s.Log("failed to delete %s: %v", mail.ID, err)
			continue
		}
		s.Log("deleted %s", mail.ID)
		deletedCount++
	}
	if deletedCount > 0 {
		metrics.MessagesExpungedTotal.Add(float64(deletedCount))
	}
	s.writeLine("+OK POP3 server signing off (%d messages deleted)", deletedCount)
}

// commandLabel maps a client token to its metric label. Unrecognized
// tokens collapse into one label value so the counter stays bounded no
// matter what the peer sends.
func commandLabel(cmd string) string {
	switch cmd {
	case "USER", "PASS", "STAT", "LIST", "RETR", "DELE", "RSET", "NOOP", "QUIT":
		return cmd
	}
	return "unknown"
}

// resolveMessage maps a client message-number argument to a snapshot
// index, or returns the error response to send. forDelete selects the
// already-deleted wording DELE uses.
func (s *POP3Session) resolveMessage(arg string, forDelete bool) (int, string) {
	if arg == "" {
		return 0, "-ERR Missing message number"
	}
	num, err := strconv.Atoi(arg)
	if err != nil {
		return 0, "-ERR Invalid message number"
	}
	idx := num - 1
	if idx < 0 || idx >= len(s.mails) {
		return 0, "-ERR No such message"
	}
	if _, gone := s.deleted[idx]; gone {
		if forDelete {
			return 0, "-ERR Message already deleted"
		}
		return 0, "-ERR Message deleted"
	}
	return idx, ""
}

// remaining reports the count and total size of messages not marked
// deleted.
func (s *POP3Session) remaining() (int, int64) {
	count := 0
	var size int64
	for i, mail := range s.mails {
		if _, gone := s.deleted[i]; gone {
			continue
		}
		count++
		size += mail.Size
	}
	return count, size
}

func (s *POP3Session) handleClientError(response string) bool {
	s.errorsCount++
	if s.errorsCount > s.server.maxErrors {
		s.writeLine("-ERR Too many errors, closing connection")
		return true
	}
	s.writeLine("%s", response)
	return false
}

func (s *POP3Session) writeLine(format string, args ...any) {
	fmt.Fprintf(s.writer, format+"\r\n", args...)
	if err := s.writer.Flush(); err != nil {
		s.DebugLog("write error: %v", err)
	}
}

// Close releases the connection and its counters.
func (s *POP3Session) Close() {
	s.conn.Close()
	if s.authenticated {
		s.server.authenticatedConnections.Add(-1)
	}
	totalCount := s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Dec()
	s.Log("closed (connections: total=%d)", totalCount)
}
