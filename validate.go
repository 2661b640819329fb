package chatcore

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidthChars strips Unicode zero-width/invisible characters that are
// never meaningful in a user turn but can otherwise hide inside an
// otherwise-empty message and defeat the blank-content check.
var zeroWidthChars = strings.NewReplacer(
	"​", "", // zero-width space
	"‌", "", // zero-width non-joiner
	"‍", "", // zero-width joiner
	"﻿", "", // zero-width no-break space (BOM)
	"⁠", "", // word joiner
	"᠎", "", // Mongolian vowel separator
	"­", "", // soft hyphen
)

// NormalizeContent applies the same Unicode cleanup to every turn's content
// before it reaches validation, storage, or the model: strip invisible
// formatting characters, then fold compatibility variants (fullwidth Latin,
// mathematical alphanumerics, ligatures) to their canonical form via NFKC.
func NormalizeContent(content string) string {
	return norm.NFKC.String(zeroWidthChars.Replace(content))
}

// ValidateTurnInput checks the Start state's preconditions: a non-empty
// session id and, once normalized, non-empty content. Returns
// ErrInputInvalid wrapped with the specific reason when a precondition
// fails, and the normalized content as the caller should persist it.
func ValidateTurnInput(sessionID, content string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", wrapInputInvalid("session id is required")
	}
	normalized := NormalizeContent(content)
	if strings.TrimSpace(normalized) == "" {
		return "", wrapInputInvalid("content is required")
	}
	return normalized, nil
}

// ValidateAttachment checks one inbound Attachment descriptor's structural
// preconditions before it reaches the Attachment Adapter.
func ValidateAttachment(a Attachment) error {
	if strings.TrimSpace(a.MimeType) == "" {
		return wrapInputInvalid("attachment mime_type is required")
	}
	if a.DataURL == "" && a.Text == "" {
		return wrapInputInvalid("attachment must carry data_url or text")
	}
	return nil
}

func wrapInputInvalid(reason string) error {
	return &inputInvalidError{reason: reason}
}

// inputInvalidError wraps ErrInputInvalid with a caller-facing reason,
// matching it via errors.Is while keeping the reason in Error().
type inputInvalidError struct {
	reason string
}

func (e *inputInvalidError) Error() string { return "input invalid: " + e.reason }

func (e *inputInvalidError) Unwrap() error { return ErrInputInvalid }

var _ error = (*inputInvalidError)(nil)
