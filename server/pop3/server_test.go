package pop3

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FFasir/MailSystem/consts"
	"github.com/FFasir/MailSystem/filter"
	"github.com/FFasir/MailSystem/storage"
	"github.com/FFasir/MailSystem/userstore"
)

// startTestServer runs a server on an ephemeral loopback port and
// returns it together with the bound port.
func startTestServer(t *testing.T, store *storage.Store, gate *filter.Gate, auth CredentialVerifier) (*POP3Server, int) {
	t.Helper()

	server := New(context.Background(), "e2e", "127.0.0.1:0", store, gate, auth, POP3ServerOptions{})
	errChan := make(chan error, 1)
	go server.Start(errChan)
	t.Cleanup(server.Close)

	require.Eventually(t, func() bool {
		return server.Addr() != ""
	}, 5*time.Second, 10*time.Millisecond)

	_, portStr, err := net.SplitHostPort(server.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return server, port
}

// TestServerEndToEnd runs a real client library against a loopback
// listener: authenticate, list, retrieve, delete, quit.
func TestServerEndToEnd(t *testing.T) {
	store := storage.New(t.TempDir())
	seedInbox(t, store, "alice", 2)

	users := userstore.New(filepath.Join(t.TempDir(), "users.txt"))
	require.NoError(t, users.Add("alice", "secret"))

	_, port := startTestServer(t, store, nil, users)

	client := pop3.New(pop3.Opt{
		Host:        "127.0.0.1",
		Port:        port,
		DialTimeout: 5 * time.Second,
	})

	conn, err := client.NewConn()
	require.NoError(t, err)

	require.NoError(t, conn.Auth("alice", "secret"))

	count, size, err := conn.Stat()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Greater(t, size, 0)

	msgs, err := conn.List(0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	raw, err := conn.RetrRaw(1)
	require.NoError(t, err)
	assert.Contains(t, raw.String(), "X-Mail-Filename: ")
	assert.Contains(t, raw.String(), "From: sender@remote.example")

	require.NoError(t, conn.Dele(1))
	require.NoError(t, conn.Quit())

	require.Eventually(t, func() bool {
		mails, err := store.List(consts.AreaInbox, "alice")
		return err == nil && len(mails) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBlockedIPRejectedBeforeGreeting(t *testing.T) {
	filtersDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(filtersDir, "ip_blacklist.txt"),
		[]byte("127.0.0.1\n"), 0o644))
	gate := filter.New(filtersDir)

	store := storage.New(t.TempDir())
	server, _ := startTestServer(t, store, gate, stubAuth{})

	conn, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "-ERR IP address blocked\r\n", line)

	// The connection is closed without a greeting.
	_, err = reader.ReadString('\n')
	assert.Error(t, err)
}

func TestServerRejectsBadCredentials(t *testing.T) {
	store := storage.New(t.TempDir())
	users := userstore.New(filepath.Join(t.TempDir(), "users.txt"))
	require.NoError(t, users.Add("alice", "secret"))

	_, port := startTestServer(t, store, nil, users)

	client := pop3.New(pop3.Opt{
		Host:        "127.0.0.1",
		Port:        port,
		DialTimeout: 5 * time.Second,
	})

	conn, err := client.NewConn()
	require.NoError(t, err)

	assert.Error(t, conn.Auth("alice", "wrong"))
}
