package storage

import (
	"bufio"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/FFasir/MailSystem/consts"
)

// externalRefPrefix marks reply references synthesized for mail fetched
// from external accounts; such references never resolve to a stored file.
const externalRefPrefix = "POP3_MAIL_"

// maxReplyDepth bounds reply-chain traversal. In-Reply-To headers are
// unvalidated free text, so a cycle guard is mandatory.
const maxReplyDepth = 32

// parseHeader reads the header block of a stored mail object.
func parseHeader(content string) textproto.Header {
	hdr, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(content)))
	if err != nil {
		// Free-text headers; on a malformed block return what was parsed.
		return hdr
	}
	return hdr
}

// readEither reads a mail object by id from the user's inbox, falling
// back to the sent area. Reply references do not record which area the
// ancestor lives in.
func (s *Store) readEither(username, id string) (string, bool) {
	for _, area := range []string{consts.AreaInbox, consts.AreaSent} {
		if content, err := s.Read(area, username, id); err == nil {
			return content, true
		}
	}
	return "", false
}

// OriginalSubject resolves the subject of the mail a reply references.
// It returns false for synthetic external references and for references
// that do not resolve to a stored mail.
func (s *Store) OriginalSubject(username, replyRef string) (string, bool) {
	if replyRef == "" || strings.HasPrefix(replyRef, externalRefPrefix) {
		return "", false
	}
	content, ok := s.readEither(username, replyRef)
	if !ok {
		return "", false
	}
	hdr := parseHeader(content)
	subject := hdr.Get("Subject")
	if subject == "" {
		subject = consts.DefaultSubject
	}
	return subject, true
}

// InReplyTo returns the reply reference of a stored mail, looking in the
// inbox first and then the sent area. The second result reports whether
// the mail is a reply at all.
func (s *Store) InReplyTo(username, id string) (string, bool) {
	content, ok := s.readEither(username, id)
	if !ok {
		return "", false
	}
	hdr := parseHeader(content)
	ref := strings.TrimSpace(hdr.Get("In-Reply-To"))
	return ref, ref != ""
}

// ReplyChain walks In-Reply-To pointers from the given mail up to the
// root of the conversation and returns the ancestor ids root-first. The
// walk stops at unresolvable or external references, at a repeated id,
// or at the depth bound.
func (s *Store) ReplyChain(username, id string) []string {
	var chain []string
	visited := map[string]bool{id: true}

	current := id
	for depth := 0; depth < maxReplyDepth; depth++ {
		ref, isReply := s.InReplyTo(username, current)
		if !isReply || strings.HasPrefix(ref, externalRefPrefix) {
			break
		}
		if visited[ref] {
			break
		}
		if _, ok := s.readEither(username, ref); !ok {
			break
		}
		visited[ref] = true
		chain = append(chain, ref)
		current = ref
	}

	// Reverse into root-first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
