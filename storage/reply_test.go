package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FFasir/MailSystem/consts"
)

func TestOriginalSubject(t *testing.T) {
	s := newTestStore(t)

	orig, err := s.Save(consts.AreaInbox, "bob", Mail{Subject: "original question", Body: "?"})
	require.NoError(t, err)

	subject, ok := s.OriginalSubject("bob", orig)
	require.True(t, ok)
	assert.Equal(t, "original question", subject)
}

func TestOriginalSubjectFallsBackToSent(t *testing.T) {
	s := newTestStore(t)

	orig, err := s.Save(consts.AreaSent, "bob", Mail{Subject: "my outgoing", Body: "x"})
	require.NoError(t, err)

	subject, ok := s.OriginalSubject("bob", orig)
	require.True(t, ok)
	assert.Equal(t, "my outgoing", subject)
}

func TestOriginalSubjectExternalReference(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.OriginalSubject("bob", "POP3_MAIL_17")
	assert.False(t, ok, "synthetic external references never resolve")

	_, ok = s.OriginalSubject("bob", "20250101_000000_000001.txt")
	assert.False(t, ok, "unresolvable references return none")
}

func TestInReplyTo(t *testing.T) {
	s := newTestStore(t)

	orig, err := s.Save(consts.AreaInbox, "bob", Mail{Subject: "root", Body: "r"})
	require.NoError(t, err)
	reply, err := s.Save(consts.AreaInbox, "bob", Mail{Subject: "Re: root", Body: "a", ReplyRef: orig})
	require.NoError(t, err)

	ref, isReply := s.InReplyTo("bob", reply)
	require.True(t, isReply)
	assert.Equal(t, orig, ref)

	_, isReply = s.InReplyTo("bob", orig)
	assert.False(t, isReply)
}

func TestReplyChainRootFirst(t *testing.T) {
	s := newTestStore(t)

	root, err := s.Save(consts.AreaInbox, "bob", Mail{Subject: "root", Body: "0"})
	require.NoError(t, err)
	mid, err := s.Save(consts.AreaSent, "bob", Mail{Subject: "Re: root", Body: "1", ReplyRef: root})
	require.NoError(t, err)
	leaf, err := s.Save(consts.AreaInbox, "bob", Mail{Subject: "Re: Re: root", Body: "2", ReplyRef: mid})
	require.NoError(t, err)

	chain := s.ReplyChain("bob", leaf)
	assert.Equal(t, []string{root, mid}, chain, "ancestors root-first, crossing inbox and sent areas")

	assert.Empty(t, s.ReplyChain("bob", root))
}

func TestReplyChainCycleGuard(t *testing.T) {
	s := newTestStore(t)

	// Two mails that reference each other. Headers are free text, nothing
	// stops a client from fabricating this.
	a, err := s.Save(consts.AreaInbox, "bob", Mail{ID: "20250101_000000_000001", Body: "a", ReplyRef: "20250101_000000_000002.txt"})
	require.NoError(t, err)
	b, err := s.Save(consts.AreaInbox, "bob", Mail{ID: "20250101_000000_000002", Body: "b", ReplyRef: a})
	require.NoError(t, err)

	chain := s.ReplyChain("bob", a)
	assert.Equal(t, []string{b}, chain, "walk must stop at the first repeated id")
}

func TestReplyChainStopsAtMissingAncestor(t *testing.T) {
	s := newTestStore(t)

	leaf, err := s.Save(consts.AreaInbox, "bob", Mail{Body: "x", ReplyRef: "20240101_000000_000009.txt"})
	require.NoError(t, err)

	assert.Empty(t, s.ReplyChain("bob", leaf))
}

func TestListDraftsParsesPreview(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save(consts.AreaDrafts, "alice", Mail{
		To:      []string{"bob@example.com"},
		Subject: "draft subject",
		Body:    "wip",
	})
	require.NoError(t, err)

	drafts, err := s.ListDrafts("alice")
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "draft subject", drafts[0].Subject)
	assert.Equal(t, "bob@example.com", drafts[0].To)
	assert.Greater(t, drafts[0].Size, int64(0))
}
