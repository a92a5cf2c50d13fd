package consts

// Area names a mail object can live in. Each area maps to a directory
// under the owning user's mailbox root; the inbox is the root itself.
const (
	AreaInbox  = "inbox"
	AreaSent   = "sent"
	AreaDrafts = "drafts"
)

// AttachmentsDir is the per-user directory holding one subdirectory of
// attachment files per mail id.
const AttachmentsDir = "attachments"

// DefaultSubject is used when a stored message carries no Subject header.
const DefaultSubject = "(no subject)"

// MailFileExt is the extension of every persisted mail object.
const MailFileExt = ".txt"
