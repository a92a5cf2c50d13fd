package consts

import "errors"

var (
	ErrMailNotFound       = errors.New("mail not found")
	ErrAttachmentNotFound = errors.New("attachment not found")

	ErrInvalidIPv4 = errors.New("invalid IPv4 address")
)
