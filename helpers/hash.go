package helpers

import (
	"encoding/base64"

	"lukechampine.com/blake3"
)

// HashSize is the digest length in bytes used for message content hashes.
const HashSize = 32

// ContentHash computes the stable content hash of an archived message:
// a BLAKE3 digest over the msgid followed by the canonical raw bytes,
// encoded with URL-safe base64. Identical re-delivery of the same bytes
// always produces the same hash; any content change produces a new one.
func ContentHash(msgid string, raw []byte) string {
	h := blake3.New(HashSize, nil)
	h.Write([]byte(msgid))
	h.Write(raw)
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// RawDigest computes the BLAKE3 digest of raw bytes alone, used to derive
// synthetic message identifiers for messages without a Message-ID header.
func RawDigest(raw []byte) string {
	sum := blake3.Sum256(raw)
	return base64.URLEncoding.EncodeToString(sum[:])
}
