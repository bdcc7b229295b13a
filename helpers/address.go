package helpers

import (
	"net/mail"
	"strings"
)

// ParseFrom splits a From header into a display name and an address.
// Input that net/mail cannot parse is handled leniently: the raw value is
// returned as the address with an empty name, since archived mail spans
// decades of noncompliant senders.
func ParseFrom(frm string) (name, address string) {
	frm = strings.TrimSpace(SanitizeUTF8(frm))
	if frm == "" {
		return "", ""
	}

	addr, err := mail.ParseAddress(frm)
	if err != nil {
		return fallbackFrom(frm)
	}
	return strings.TrimSpace(addr.Name), strings.ToLower(addr.Address)
}

func fallbackFrom(frm string) (string, string) {
	// "Some Name <user@host>" with unquoted specials in the name part
	if open := strings.LastIndexByte(frm, '<'); open >= 0 {
		if close := strings.IndexByte(frm[open:], '>'); close > 0 {
			name := strings.Trim(strings.TrimSpace(frm[:open]), `"`)
			address := strings.ToLower(frm[open+1 : open+close])
			return name, address
		}
	}
	return "", strings.ToLower(frm)
}

// SplitEmailAddress returns the local part and domain of an address.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	localPart, domain, _ := strings.Cut(email, "@")
	return localPart, domain
}
