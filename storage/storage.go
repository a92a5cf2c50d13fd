// Package storage implements the flat-file mailbox store shared by the
// protocol servers and the higher-level mail APIs.
//
// Layout under the configured root, one directory per user:
//
//	<root>/<user>/                 inbox (mail files live at the root)
//	<root>/<user>/sent/            sent copies
//	<root>/<user>/drafts/          drafts
//	<root>/<user>/attachments/<mail-id>/   attachment files per mail
//
// A mail object is a text file: a block of "Key: value" header lines
// (From, To, Subject, Date, optionally In-Reply-To and References), one
// blank line, then the body verbatim. Mail ids are the file names; an id
// is unique within its (user, area) pair only.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/FFasir/MailSystem/consts"
	"github.com/FFasir/MailSystem/server/idgen"
)

// dateLayout is the format of the Date header.
const dateLayout = "2006-01-02 15:04:05"

// Store is a filesystem-backed mailbox store rooted at a base directory.
type Store struct {
	root string
}

// New creates a Store rooted at dir. User directories are created lazily
// on first save.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the base directory of the store.
func (s *Store) Root() string {
	return s.root
}

// Mail describes a mail object to be persisted.
type Mail struct {
	From     string
	To       []string // one recipient for inbox copies, the full set for sent copies
	Subject  string
	Body     string
	ReplyRef string // id of the mail this one replies to, if any
	ID       string // explicit id; generated when empty
}

// MailInfo describes a stored mail object.
type MailInfo struct {
	ID        string
	Size      int64
	CreatedAt time.Time
}

// Save persists a mail object in the given area of the user's mailbox and
// returns its id. When the mail carries an explicit id the file is
// overwritten in place (draft resave semantics); otherwise a fresh
// sortable id is generated.
func (s *Store) Save(area, username string, m Mail) (string, error) {
	dir, err := s.areaDir(area, username)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create mailbox area: %w", err)
	}

	id := m.ID
	if id == "" {
		id = idgen.New() + consts.MailFileExt
	} else if !strings.HasSuffix(id, consts.MailFileExt) {
		id += consts.MailFileExt
	}
	if err := validateID(id); err != nil {
		return "", err
	}

	subject := m.Subject
	if subject == "" {
		subject = consts.DefaultSubject
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", m.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", subject)
	fmt.Fprintf(&b, "Date: %s\n", time.Now().Format(dateLayout))
	if m.ReplyRef != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\n", m.ReplyRef)
		fmt.Fprintf(&b, "References: %s\n", m.ReplyRef)
	}
	b.WriteString("\n")
	b.WriteString(m.Body)

	if err := os.WriteFile(filepath.Join(dir, id), []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write mail file: %w", err)
	}
	return id, nil
}

// List returns the mail objects in an area, newest first. Sub-areas
// (sent, drafts, attachments) are never part of an inbox listing.
func (s *Store) List(area, username string) ([]MailInfo, error) {
	dir, err := s.areaDir(area, username)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var mails []MailInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), consts.MailFileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mails = append(mails, MailInfo{
			ID:        entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(mails, func(i, j int) bool {
		if !mails[i].CreatedAt.Equal(mails[j].CreatedAt) {
			return mails[i].CreatedAt.After(mails[j].CreatedAt)
		}
		return mails[i].ID > mails[j].ID
	})
	return mails, nil
}

// Read returns the full stored content of a mail object.
func (s *Store) Read(area, username, id string) (string, error) {
	path, err := s.mailPath(area, username, id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", consts.ErrMailNotFound
		}
		return "", err
	}
	return string(data), nil
}

// Delete removes a mail object. Deleting an absent id returns
// consts.ErrMailNotFound.
func (s *Store) Delete(area, username, id string) error {
	path, err := s.mailPath(area, username, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return consts.ErrMailNotFound
		}
		return err
	}
	return nil
}

func (s *Store) userDir(username string) string {
	return filepath.Join(s.root, username)
}

func (s *Store) areaDir(area, username string) (string, error) {
	if err := validateComponent(username); err != nil {
		return "", err
	}
	switch area {
	case consts.AreaInbox:
		return s.userDir(username), nil
	case consts.AreaSent, consts.AreaDrafts:
		return filepath.Join(s.userDir(username), area), nil
	default:
		return "", fmt.Errorf("unknown mailbox area: %q", area)
	}
}

func (s *Store) mailPath(area, username, id string) (string, error) {
	dir, err := s.areaDir(area, username)
	if err != nil {
		return "", err
	}
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(dir, id), nil
}

// validateComponent rejects path components that could escape the store
// root. Usernames and ids come from the network.
func validateComponent(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid path component: %q", name)
	}
	return nil
}

func validateID(id string) error {
	if err := validateComponent(id); err != nil {
		return err
	}
	if !strings.HasSuffix(id, consts.MailFileExt) {
		return fmt.Errorf("invalid mail id: %q", id)
	}
	return nil
}
