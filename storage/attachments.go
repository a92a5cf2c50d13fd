package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/FFasir/MailSystem/consts"
)

// AttachmentInfo describes a stored attachment file.
type AttachmentInfo struct {
	Filename string
	Size     int64
}

// attachmentDir maps a mail id to its attachment directory. The directory
// name is the id without the mail file extension.
func (s *Store) attachmentDir(username, mailID string) (string, error) {
	if err := validateComponent(username); err != nil {
		return "", err
	}
	if err := validateID(mailID); err != nil {
		return "", err
	}
	name := strings.TrimSuffix(mailID, consts.MailFileExt)
	return filepath.Join(s.userDir(username), consts.AttachmentsDir, name), nil
}

// SaveAttachment stores an attachment file under the mail's attachment
// directory. A same-name re-upload overwrites silently; size limits are
// the caller's responsibility.
func (s *Store) SaveAttachment(username, mailID, filename string, data []byte) error {
	dir, err := s.attachmentDir(username, mailID)
	if err != nil {
		return err
	}
	if err := validateComponent(filename); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create attachment dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, filename), data, 0644)
}

// ListAttachments returns the attachments of a mail id. A mail with no
// attachment directory has no attachments.
func (s *Store) ListAttachments(username, mailID string) ([]AttachmentInfo, error) {
	dir, err := s.attachmentDir(username, mailID)
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

	var attachments []AttachmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		attachments = append(attachments, AttachmentInfo{
			Filename: entry.Name(),
			Size:     info.Size(),
		})
	}
	return attachments, nil
}

// ReadAttachment returns the raw bytes of an attachment.
func (s *Store) ReadAttachment(username, mailID, filename string) ([]byte, error) {
	dir, err := s.attachmentDir(username, mailID)
	if err != nil {
		return nil, err
	}
	if err := validateComponent(filename); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, consts.ErrAttachmentNotFound
		}
		return nil, err
	}
	return data, nil
}

// DeleteAttachment removes an attachment file.
func (s *Store) DeleteAttachment(username, mailID, filename string) error {
	dir, err := s.attachmentDir(username, mailID)
	if err != nil {
		return err
	}
	if err := validateComponent(filename); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, filename)); err != nil {
		if os.IsNotExist(err) {
			return consts.ErrAttachmentNotFound
		}
		return err
	}
	return nil
}

// CopyAttachments copies every attachment of one mail to another mail's
// attachment directory, typically when fanning out a message whose
// attachments were uploaded against the sender's copy.
func (s *Store) CopyAttachments(srcUser, srcMailID, dstUser, dstMailID string) error {
	srcDir, err := s.attachmentDir(srcUser, srcMailID)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(srcDir, entry.Name()))
		if err != nil {
			return err
		}
		if err := s.SaveAttachment(dstUser, dstMailID, entry.Name(), data); err != nil {
			return err
		}
	}
	return nil
}
