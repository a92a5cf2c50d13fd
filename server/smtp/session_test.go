package smtp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FFasir/MailSystem/consts"
	"github.com/FFasir/MailSystem/filter"
	"github.com/FFasir/MailSystem/pkg/metrics"
	"github.com/FFasir/MailSystem/storage"
)

type stubUsers map[string]bool

func (u stubUsers) Exists(name string) bool { return u[name] }

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *testClient) expect(prefix string) string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	line = strings.TrimRight(line, "\r\n")
	require.True(c.t, strings.HasPrefix(line, prefix),
		"expected response starting with %q, got %q", prefix, line)
	return line
}

func newTestSession(t *testing.T, store *storage.Store, gate *filter.Gate, users stubUsers) (*testClient, chan struct{}) {
	t.Helper()

	server := New(context.Background(), "test", ":0", store, gate, users, SMTPServerOptions{
		Domain: "example.com",
	})

	serverConn, clientConn := net.Pipe()
	session := newSession(server, serverConn)
	session.RemoteIP = "127.0.0.1"
	session.Protocol = "SMTP"
	session.ServerName = "test"

	done := make(chan struct{})
	go func() {
		defer close(done)
		session.handleConnection()
	}()
	t.Cleanup(func() {
		clientConn.Close()
		<-done
	})

	return &testClient{t: t, conn: clientConn, reader: bufio.NewReader(clientConn)}, done
}

func TestSessionGreetingAndQuit(t *testing.T) {
	store := storage.New(t.TempDir())
	client, done := newTestSession(t, store, nil, stubUsers{})

	client.expect("220 example.com")
	client.send("QUIT")
	client.expect("221 Bye")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate after QUIT")
	}
}

func TestSessionDelivery(t *testing.T) {
	root := t.TempDir()
	store := storage.New(root)
	users := stubUsers{"alice": true, "bob": true}
	client, _ := newTestSession(t, store, nil, users)

	client.expect("220")
	client.send("HELO client.example.com")
	client.expect("250 example.com Hello")
	client.send("MAIL FROM:<sender@remote.example>")
	client.expect("250 OK")
	client.send("RCPT TO:<alice@example.com>")
	client.expect("250 OK")
	client.send("RCPT TO:<bob@example.com>")
	client.expect("250 OK")
	client.send("DATA")
	client.expect("354")
	client.send("Subject: Greetings")
	client.send("")
	client.send("Hello from the test suite.")
	client.send("Second line.")
	client.send(".")
	client.expect("250 OK: Message accepted for delivery")
	client.send("QUIT")
	client.expect("221 Bye")

	// One inbox copy per recipient.
	for _, user := range []string{"alice", "bob"} {
		mails, err := store.List(consts.AreaInbox, user)
		require.NoError(t, err)
		require.Len(t, mails, 1, "inbox of %s", user)

		content, err := store.Read(consts.AreaInbox, user, mails[0].ID)
		require.NoError(t, err)
		assert.Contains(t, content, "From: sender@remote.example")
		assert.Contains(t, content, "Subject: Greetings")
		assert.Contains(t, content, "Hello from the test suite.\nSecond line.")
	}

	// One sent copy for the sender naming all recipients.
	sent, err := store.List(consts.AreaSent, "sender")
	require.NoError(t, err)
	require.Len(t, sent, 1)
	content, err := store.Read(consts.AreaSent, "sender", sent[0].ID)
	require.NoError(t, err)
	assert.Contains(t, content, "To: alice@example.com, bob@example.com")
}

func TestSessionMixedRecipientOutcomes(t *testing.T) {
	store := storage.New(t.TempDir())
	client, _ := newTestSession(t, store, nil, stubUsers{"bob": true})

	client.expect("220")
	client.send("MAIL FROM:<a@x.example>")
	client.expect("250 OK")
	client.send("RCPT TO:<unknown@x.example>")
	client.expect("550 Recipient does not exist")
	client.send("RCPT TO:<bob@x.example>")
	client.expect("250 OK")
	client.send("DATA")
	client.expect("354")
	client.send("Subject: hi")
	client.send("")
	client.send("hello")
	client.send(".")
	client.expect("250 OK: Message accepted")

	mails, err := store.List(consts.AreaInbox, "bob")
	require.NoError(t, err)
	require.Len(t, mails, 1)
	content, err := store.Read(consts.AreaInbox, "bob", mails[0].ID)
	require.NoError(t, err)
	assert.Contains(t, content, "Subject: hi")
	assert.True(t, strings.HasSuffix(content, "\n\nhello"), "body should be exactly the text below the headers: %q", content)

	// The rejected recipient got nothing.
	rejected, err := store.List(consts.AreaInbox, "unknown")
	require.NoError(t, err)
	assert.Empty(t, rejected)
}

func TestSessionSubjectDefaultsWhenMissing(t *testing.T) {
	store := storage.New(t.TempDir())
	client, _ := newTestSession(t, store, nil, stubUsers{"alice": true})

	client.expect("220")
	client.send("MAIL FROM:<sender@remote.example>")
	client.expect("250 OK")
	client.send("RCPT TO:<alice@example.com>")
	client.expect("250 OK")
	client.send("DATA")
	client.expect("354")
	client.send("Just a body, no headers.")
	client.send(".")
	client.expect("250 OK: Message accepted")

	mails, err := store.List(consts.AreaInbox, "alice")
	require.NoError(t, err)
	require.Len(t, mails, 1)
	content, err := store.Read(consts.AreaInbox, "alice", mails[0].ID)
	require.NoError(t, err)
	assert.Contains(t, content, "Subject: "+consts.DefaultSubject)
	assert.Contains(t, content, "Just a body, no headers.")
}

func TestSessionRcptBeforeMail(t *testing.T) {
	store := storage.New(t.TempDir())
	client, _ := newTestSession(t, store, nil, stubUsers{"alice": true})

	client.expect("220")
	client.send("RCPT TO:<alice@example.com>")
	client.expect("503 Bad sequence: MAIL FROM required")
}

func TestSessionDataWithoutRecipients(t *testing.T) {
	store := storage.New(t.TempDir())
	client, _ := newTestSession(t, store, nil, stubUsers{})

	client.expect("220")
	client.send("DATA")
	client.expect("503 Bad sequence: MAIL FROM required")
	client.send("MAIL FROM:<sender@remote.example>")
	client.expect("250 OK")
	client.send("DATA")
	client.expect("503 Bad sequence: RCPT TO required")
}

func TestSessionRecipientValidation(t *testing.T) {
	store := storage.New(t.TempDir())
	client, _ := newTestSession(t, store, nil, stubUsers{"alice": true})

	client.expect("220")
	client.send("MAIL FROM:<sender@remote.example>")
	client.expect("250 OK")

	client.send("RCPT TO:<not-an-address>")
	client.expect("550 Invalid recipient address format")

	client.send("RCPT TO:<nobody@example.com>")
	client.expect("550 Recipient does not exist")

	client.send("RCPT TO:alice@example.com")
	client.expect("501 Syntax error in RCPT TO")
}

func TestSessionMailFromSyntax(t *testing.T) {
	store := storage.New(t.TempDir())
	client, _ := newTestSession(t, store, nil, stubUsers{})

	client.expect("220")
	client.send("MAIL FROM:sender@remote.example")
	client.expect("501 Syntax error in MAIL FROM")
	client.send("MAIL")
	client.expect("501 Syntax error in MAIL FROM")
}

func TestSessionBlacklistedAddresses(t *testing.T) {
	filtersDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(filtersDir, "email_blacklist.txt"),
		[]byte("spammer@bad.example\n@blocked.example\n"), 0o644))
	gate := filter.New(filtersDir)

	store := storage.New(t.TempDir())
	client, _ := newTestSession(t, store, gate, stubUsers{"alice": true})

	client.expect("220")
	client.send("MAIL FROM:<spammer@bad.example>")
	client.expect("550 Sender address rejected")
	client.send("MAIL FROM:<anyone@blocked.example>")
	client.expect("550 Sender address rejected")

	client.send("MAIL FROM:<sender@remote.example>")
	client.expect("250 OK")
	client.send("RCPT TO:<alice@blocked.example>")
	client.expect("550 Recipient address rejected")
}

func TestSessionRsetClearsTransaction(t *testing.T) {
	store := storage.New(t.TempDir())
	client, _ := newTestSession(t, store, nil, stubUsers{"alice": true})

	client.expect("220")
	client.send("MAIL FROM:<sender@remote.example>")
	client.expect("250 OK")
	client.send("RCPT TO:<alice@example.com>")
	client.expect("250 OK")
	client.send("RSET")
	client.expect("250 OK")
	client.send("RCPT TO:<alice@example.com>")
	client.expect("503 Bad sequence: MAIL FROM required")
}

func TestSessionUnknownCommandLimit(t *testing.T) {
	store := storage.New(t.TempDir())
	client, done := newTestSession(t, store, nil, stubUsers{})

	client.expect("220")
	client.send("FOO")
	client.expect("500 Command not recognized")
	client.send("BAR")
	client.expect("500 Command not recognized")
	client.send("BAZ")
	client.expect("500 Command not recognized")
	client.send("QUX")
	client.expect("421 Too many errors")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate after error limit")
	}
}

func TestBlockedIPRejectedBeforeGreeting(t *testing.T) {
	filtersDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(filtersDir, "ip_blacklist.txt"),
		[]byte("127.0.0.1\n"), 0o644))
	gate := filter.New(filtersDir)

	store := storage.New(t.TempDir())
	server := New(context.Background(), "test", "127.0.0.1:0", store, gate, stubUsers{}, SMTPServerOptions{
		Domain: "example.com",
	})

	errChan := make(chan error, 1)
	go server.Start(errChan)
	t.Cleanup(server.Close)

	require.Eventually(t, func() bool {
		return server.Addr() != ""
	}, 5*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "554 IP address blocked\r\n", line)

	// The connection is closed without a greeting.
	_, err = bufio.NewReader(conn).ReadString('\n')
	assert.Error(t, err)
}

func TestUnknownCommandsShareOneMetricChild(t *testing.T) {
	store := storage.New(t.TempDir())
	server := New(context.Background(), "test", ":0", store, nil, stubUsers{}, SMTPServerOptions{
		Domain:    "example.com",
		MaxErrors: 100,
	})

	serverConn, clientConn := net.Pipe()
	session := newSession(server, serverConn)
	session.RemoteIP = "127.0.0.1"
	session.Protocol = "SMTP"
	session.ServerName = "test"

	done := make(chan struct{})
	go func() {
		defer close(done)
		session.handleConnection()
	}()
	t.Cleanup(func() {
		clientConn.Close()
		<-done
	})

	client := &testClient{t: t, conn: clientConn, reader: bufio.NewReader(clientConn)}
	client.expect("220")

	// Distinct garbage verbs must not mint distinct counter children.
	before := testutil.CollectAndCount(metrics.CommandsTotal)
	for i := 0; i < 25; i++ {
		client.send(fmt.Sprintf("GARBAGE%04d", i))
		client.expect("500 Command not recognized")
	}
	after := testutil.CollectAndCount(metrics.CommandsTotal)
	assert.LessOrEqual(t, after-before, 1)
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		arg     string
		keyword string
		want    string
		ok      bool
	}{
		{"FROM:<user@example.com>", "FROM:", "user@example.com", true},
		{"from:<user@example.com>", "FROM:", "user@example.com", true},
		{"FROM: <user@example.com>", "FROM:", "user@example.com", true},
		{"TO:<a@b.example>", "TO:", "a@b.example", true},
		{"FROM:user@example.com", "FROM:", "", false},
		{"FROM:<unclosed@example.com", "FROM:", "", false},
		{"TO:<a@b.example>", "FROM:", "", false},
		{"", "FROM:", "", false},
	}
	for _, tc := range tests {
		got, ok := parsePath(tc.arg, tc.keyword)
		assert.Equal(t, tc.ok, ok, "arg=%q", tc.arg)
		assert.Equal(t, tc.want, got, "arg=%q", tc.arg)
	}
}

func TestExtractSubjectAndBody(t *testing.T) {
	content := "Subject: Hello\nX-Extra: ignored\n\nbody line one\nbody line two"
	assert.Equal(t, "Hello", extractSubject(content))
	assert.Equal(t, "body line one\nbody line two", extractBody(content))

	bare := "no headers here"
	assert.Equal(t, consts.DefaultSubject, extractSubject(bare))
	assert.Equal(t, bare, extractBody(bare))

	// Subject below the blank line belongs to the body.
	late := "X-First: v\n\nSubject: not a header"
	assert.Equal(t, consts.DefaultSubject, extractSubject(late))
}
