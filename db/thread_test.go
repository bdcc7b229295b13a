package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIngestLockKeyStable(t *testing.T) {
	k1 := ingestLockKey("tls", "abc@example.com")
	k2 := ingestLockKey("tls", "abc@example.com")
	assert.Equal(t, k1, k2)
}

func TestIngestLockKeyDistinguishesListAndMsgid(t *testing.T) {
	base := ingestLockKey("tls", "abc@example.com")
	assert.NotEqual(t, base, ingestLockKey("ipp", "abc@example.com"))
	assert.NotEqual(t, base, ingestLockKey("tls", "other@example.com"))

	// The separator prevents boundary ambiguity between list and msgid.
	assert.NotEqual(t, ingestLockKey("ab", "c@x"), ingestLockKey("a", "bc@x"))
}

func TestIngestStatusString(t *testing.T) {
	assert.Equal(t, "new", StatusNew.String())
	assert.Equal(t, "duplicate", StatusDuplicate.String())
	assert.Equal(t, "conflict", StatusConflict.String())
}
