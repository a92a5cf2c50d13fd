package storage

import "github.com/FFasir/MailSystem/consts"

// DraftInfo describes a stored draft, including a parsed preview of its
// recipient and subject for listing without shipping full bodies.
type DraftInfo struct {
	MailInfo
	To      string
	Subject string
}

// ListDrafts lists a user's drafts newest first with header previews.
// Drafts whose header block cannot be read still appear in the listing
// with the default subject.
func (s *Store) ListDrafts(username string) ([]DraftInfo, error) {
	infos, err := s.List(consts.AreaDrafts, username)
	if err != nil {
		return nil, err
	}

	drafts := make([]DraftInfo, 0, len(infos))
	for _, info := range infos {
		draft := DraftInfo{MailInfo: info, Subject: consts.DefaultSubject}
		if content, err := s.Read(consts.AreaDrafts, username, info.ID); err == nil {
			hdr := parseHeader(content)
			if subject := hdr.Get("Subject"); subject != "" {
				draft.Subject = subject
			}
			draft.To = hdr.Get("To")
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}
