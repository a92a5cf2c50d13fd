package smtp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/FFasir/MailSystem/consts"
	"github.com/FFasir/MailSystem/helpers"
	"github.com/FFasir/MailSystem/pkg/metrics"
	serverPkg "github.com/FFasir/MailSystem/server"
	"github.com/FFasir/MailSystem/storage"
)

// SMTPSession is the per-connection protocol state: the in-progress
// transaction (sender, recipients) and the body-collection mode flag.
// A session is owned by exactly one connection goroutine.
type SMTPSession struct {
	serverPkg.Session
	server *SMTPServer
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	mailFrom    string
	rcptTo      []string
	inBody      bool
	bodyLines   []string
	errorsCount int
}

func newSession(s *SMTPServer, conn net.Conn) *SMTPSession {
	return &SMTPSession{
		server: s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

func (s *SMTPSession) handleConnection() {
	defer s.Close()

	s.writeLine("220 %s MailSystem SMTP Service Ready", s.server.domain)
	s.Log("connected")

	for {
		if s.server.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.writeLine("421 Connection timed out due to inactivity")
				s.Log("timed out")
			} else if err == io.EOF {
				s.Log("client dropped connection")
			} else {
				s.Log("read error: %v", err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if s.inBody {
			s.handleDataLine(line)
			continue
		}

		cmd, arg := parseCommand(line)
		metrics.CommandsTotal.WithLabelValues("smtp", commandLabel(cmd)).Inc()

		switch cmd {
		case "HELO", "EHLO":
			s.writeLine("250 %s Hello", s.server.domain)

		case "MAIL":
			s.handleMAIL(arg)

		case "RCPT":
			s.handleRCPT(arg)

		case "DATA":
			s.handleDATA()

		case "RSET":
			s.resetTransaction()
			s.writeLine("250 OK")

		case "NOOP":
			s.writeLine("250 OK")

		case "QUIT":
			s.writeLine("221 Bye")
			return

		default:
			s.Log("unknown command: %s", cmd)
			if s.handleClientError("500 Command not recognized") {
				return
			}
		}
	}
}

func (s *SMTPSession) handleMAIL(arg string) {
	addr, ok := parsePath(arg, "FROM:")
	if !ok {
		s.writeLine("501 Syntax error in MAIL FROM")
		return
	}

	if s.server.gate != nil && s.server.gate.IsEmailBlocked(addr) {
		s.Log("sender rejected by blacklist: %s", addr)
		s.writeLine("550 Sender address rejected")
		return
	}

	s.mailFrom = addr
	s.Log("sender: %s", addr)
	s.writeLine("250 OK")
}

func (s *SMTPSession) handleRCPT(arg string) {
	if s.mailFrom == "" {
		s.writeLine("503 Bad sequence: MAIL FROM required")
		return
	}

	addr, ok := parsePath(arg, "TO:")
	if !ok {
		s.writeLine("501 Syntax error in RCPT TO")
		return
	}

	if !helpers.IsValidEmail(addr) {
		s.Log("recipient format invalid: %s", addr)
		metrics.RecipientsRejectedTotal.WithLabelValues("format").Inc()
		s.writeLine("550 Invalid recipient address format")
		return
	}

	if !s.server.users.Exists(helpers.ExtractUsername(addr)) {
		s.Log("recipient does not exist: %s", addr)
		metrics.RecipientsRejectedTotal.WithLabelValues("unknown").Inc()
		s.writeLine("550 Recipient does not exist")
		return
	}

	if s.server.gate != nil && s.server.gate.IsEmailBlocked(addr) {
		s.Log("recipient rejected by blacklist: %s", addr)
		metrics.RecipientsRejectedTotal.WithLabelValues("blacklist").Inc()
		s.writeLine("550 Recipient address rejected")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.Log("recipient: %s", addr)
	s.writeLine("250 OK")
}

func (s *SMTPSession) handleDATA() {
	if s.mailFrom == "" {
		s.writeLine("503 Bad sequence: MAIL FROM required")
		return
	}
	if len(s.rcptTo) == 0 {
		s.writeLine("503 Bad sequence: RCPT TO required")
		return
	}

	s.inBody = true
	s.Log("collecting message data")
	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")
}

// handleDataLine consumes one line while in body-collection mode. No
// response is written until the terminator.
func (s *SMTPSession) handleDataLine(line string) {
	if line != "." {
		s.bodyLines = append(s.bodyLines, line)
		return
	}

	content := strings.Join(s.bodyLines, "\n")
	subject := extractSubject(content)
	body := extractBody(content)

	outcomes := s.deliver(s.mailFrom, s.rcptTo, subject, body)
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			s.Log("failed to deliver to %s: %v", outcome.Recipient, outcome.Err)
			metrics.DeliveriesTotal.WithLabelValues("error").Inc()
		} else {
			s.Log("delivered %s to %s", outcome.ID, outcome.Recipient)
			metrics.DeliveriesTotal.WithLabelValues("ok").Inc()
		}
	}
	metrics.MessagesAcceptedTotal.Inc()

	s.resetTransaction()

	// Best-effort delivery: individual storage failures are not
	// surfaced to the submitting client.
	s.writeLine("250 OK: Message accepted for delivery")
}

// DeliveryResult records the outcome of one recipient's inbox copy.
type DeliveryResult struct {
	Recipient string
	ID        string
	Err       error
}

// deliver persists one inbox copy per recipient plus a single sent-folder
// copy for the sender naming all recipients. Failures never abort the
// remaining recipients.
func (s *SMTPSession) deliver(from string, recipients []string, subject, body string) []DeliveryResult {
	outcomes := make([]DeliveryResult, 0, len(recipients))
	for _, rcpt := range recipients {
		id, err := s.server.store.Save(consts.AreaInbox, helpers.ExtractUsername(rcpt), storage.Mail{
			From:    from,
			To:      []string{rcpt},
			Subject: subject,
			Body:    body,
		})
		outcomes = append(outcomes, DeliveryResult{Recipient: rcpt, ID: id, Err: err})
	}

	if _, err := s.server.store.Save(consts.AreaSent, helpers.ExtractUsername(from), storage.Mail{
		From:    from,
		To:      recipients,
		Subject: subject,
		Body:    body,
	}); err != nil {
		s.Log("failed to save sent copy for %s: %v", from, err)
	}
	return outcomes
}

func (s *SMTPSession) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	s.inBody = false
	s.bodyLines = nil
}

// handleClientError writes an error response and reports whether the
// session accumulated too many client errors to continue.
func (s *SMTPSession) handleClientError(response string) bool {
	s.errorsCount++
	if s.errorsCount > s.server.maxErrors {
		s.writeLine("421 Too many errors, closing connection")
		return true
	}
	s.writeLine("%s", response)
	return false
}

func (s *SMTPSession) writeLine(format string, args ...any) {
	fmt.Fprintf(s.writer, format+"\r\n", args...)
	if err := s.writer.Flush(); err != nil {
		s.DebugLog("write error: %v", err)
	}
}

// Close releases the connection and its counters.
func (s *SMTPSession) Close() {
	s.conn.Close()
	totalCount := s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("smtp").Dec()
	s.Log("closed (connections: total=%d)", totalCount)
}

// commandLabel maps a client token to its metric label. Unrecognized
// tokens collapse into one label value so the counter stays bounded no
// matter what the peer sends.
func commandLabel(cmd string) string {
	switch cmd {
	case "HELO", "EHLO", "MAIL", "RCPT", "DATA", "RSET", "NOOP", "QUIT":
		return cmd
	}
	return "unknown"
}

// parseCommand splits a command line into the uppercased verb and its
// argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// parsePath extracts the angle-bracketed address from an SMTP parameter
// such as "FROM:<user@example.com>". The brackets are mandatory.
func parsePath(arg, keyword string) (string, bool) {
	if len(arg) < len(keyword) || !strings.EqualFold(arg[:len(keyword)], keyword) {
		return "", false
	}
	rest := strings.TrimSpace(arg[len(keyword):])
	if !strings.HasPrefix(rest, "<") {
		return "", false
	}
	addr := helpers.ExtractBracketedAddress(rest)
	if addr == "" {
		return "", false
	}
	return addr, true
}

// extractSubject pulls the Subject header value out of the buffered
// message content. Headers are free text from the client; the first
// matching line wins.
func extractSubject(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.ToLower(line), "subject:") {
			if subject := strings.TrimSpace(line[len("subject:"):]); subject != "" {
				return subject
			}
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	return consts.DefaultSubject
}

// extractBody returns everything after the first blank line, or the
// whole content when no header block is present.
func extractBody(content string) string {
	if _, body, found := strings.Cut(content, "\n\n"); found {
		return body
	}
	return content
}
