package consts

import "errors"

var (
	// ErrMalformedMessage indicates the raw message could not be parsed.
	// Batch loaders log it and continue with the next message.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrMessageConflict indicates a message with the same msgid but
	// different content already exists. Never auto-resolved.
	ErrMessageConflict = errors.New("message-id conflict")

	ErrMessageNotFound = errors.New("message not found")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrListNotFound    = errors.New("list not found")

	// ErrStoreUnavailable is fatal to the current ingestion attempt; the
	// caller must retry the whole message later.
	ErrStoreUnavailable = errors.New("archive store unavailable")

	// ErrIndexUnavailable is non-fatal to ingestion; the index write is
	// queued for retry.
	ErrIndexUnavailable = errors.New("search index unavailable")
)
