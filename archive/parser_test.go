package archive

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/helpers"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const simpleMessage = `From: Jane Doe <jane@example.org>
To: tools@example.org
Subject: Re: [tools] Draft agenda
Message-ID: <abc123@example.org>
In-Reply-To: <root@example.org>
References: <root@example.org> <mid@example.org>
Date: Mon, 02 Jan 2006 15:04:05 -0700
Content-Type: text/plain; charset=utf-8

Please review the draft agenda before Friday.
`

func TestParseSimpleMessage(t *testing.T) {
	raw := crlf(simpleMessage)
	parsed, err := Parse("tools", raw)
	require.NoError(t, err)

	assert.Equal(t, "abc123@example.org", parsed.MsgID)
	assert.False(t, parsed.Synthetic)
	assert.Equal(t, helpers.ContentHash("abc123@example.org", raw), parsed.Hash)
	assert.Equal(t, "Re: [tools] Draft agenda", parsed.Subject)
	assert.Equal(t, "draft agenda", parsed.BaseSubject)
	assert.Equal(t, "Jane Doe", parsed.FrmName)
	assert.Equal(t, "jane@example.org", parsed.FrmEmail)
	assert.Equal(t, "root@example.org", parsed.InReplyTo)
	assert.Equal(t, []string{"root@example.org", "mid@example.org"}, parsed.References)
	assert.Equal(t, 0, parsed.SpamScore)
	assert.Contains(t, parsed.BodyText, "draft agenda before Friday")

	want := time.Date(2006, 1, 2, 22, 4, 5, 0, time.UTC)
	assert.True(t, parsed.Date.Equal(want), "got %v", parsed.Date)
}

func TestParseMissingMessageID(t *testing.T) {
	raw := crlf(`From: jane@example.org
Subject: no identity
Date: Mon, 02 Jan 2006 15:04:05 -0700

body
`)
	parsed, err := Parse("tools", raw)
	require.NoError(t, err)

	assert.True(t, parsed.Synthetic)
	assert.True(t, consts.HasMark(parsed.SpamScore, consts.MarkNoMessageID))
	assert.Contains(t, parsed.MsgID, ".synthetic@tools")

	// Same bytes, same synthetic identity.
	again, err := Parse("tools", raw)
	require.NoError(t, err)
	assert.Equal(t, parsed.MsgID, again.MsgID)
	assert.Equal(t, parsed.Hash, again.Hash)

	// Different bytes, different identity.
	other, err := Parse("tools", crlf(`From: jane@example.org
Subject: no identity
Date: Mon, 02 Jan 2006 15:04:05 -0700

different body
`))
	require.NoError(t, err)
	assert.NotEqual(t, parsed.MsgID, other.MsgID)
}

func TestParseDateFallbacks(t *testing.T) {
	raw := crlf(`From: jane@example.org
Received: from a.example (a.example [10.0.0.1]) by b.example; Tue, 03 Jan 2006 10:00:00 +0000
Subject: undated
Message-ID: <undated@example.org>

body
`)
	parsed, err := Parse("tools", raw)
	require.NoError(t, err)
	assert.False(t, consts.HasMark(parsed.SpamScore, consts.MarkNoReceivedDate))
	assert.Equal(t, time.Date(2006, 1, 3, 10, 0, 0, 0, time.UTC), parsed.Date)

	before := time.Now().Add(-time.Minute)
	parsed, err = Parse("tools", crlf(`From: jane@example.org
Subject: completely undated
Message-ID: <nodate@example.org>

body
`))
	require.NoError(t, err)
	assert.True(t, consts.HasMark(parsed.SpamScore, consts.MarkNoReceivedDate))
	assert.True(t, parsed.Date.After(before))
}

func TestParseNonASCIIHeaderMark(t *testing.T) {
	raw := []byte("From: J\xc3\xa9r\xc3\xb4me <j@example.org>\r\n" +
		"Subject: hello\r\nMessage-ID: <na@example.org>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n\r\nbody\r\n")
	parsed, err := Parse("tools", raw)
	require.NoError(t, err)
	assert.True(t, consts.HasMark(parsed.SpamScore, consts.MarkNonASCIIHeader))

	// Encoded-word headers stay pure ASCII on the wire.
	raw = crlf(`From: =?utf-8?q?J=C3=A9r=C3=B4me?= <j@example.org>
Subject: hello
Message-ID: <ew@example.org>
Date: Mon, 02 Jan 2006 15:04:05 -0700

body
`)
	parsed, err = Parse("tools", raw)
	require.NoError(t, err)
	assert.False(t, consts.HasMark(parsed.SpamScore, consts.MarkNonASCIIHeader))
	assert.Equal(t, "Jérôme", parsed.FrmName)
}

func TestParseMultipartHTMLAndAttachment(t *testing.T) {
	raw := crlf(`From: jane@example.org
Subject: multipart
Message-ID: <mp@example.org>
Date: Mon, 02 Jan 2006 15:04:05 -0700
Content-Type: multipart/mixed; boundary=OUTER

--OUTER
Content-Type: text/plain; charset=utf-8

plain body here
--OUTER
Content-Type: text/html; charset=utf-8

<html><body><b>html body</b></body></html>
--OUTER
Content-Type: application/pdf; name=agenda.pdf
Content-Disposition: attachment; filename=agenda.pdf

%PDF-fake
--OUTER--
`)
	parsed, err := Parse("tools", raw)
	require.NoError(t, err)

	assert.True(t, consts.HasMark(parsed.SpamScore, consts.MarkHasHTMLPart))
	assert.Contains(t, parsed.BodyText, "plain body here")
	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "agenda.pdf", parsed.Attachments[0].Name)
	assert.Equal(t, "application/pdf", parsed.Attachments[0].ContentType)
	assert.Equal(t, "attachment", parsed.Attachments[0].ContentDisposition)
}

func TestParseHTMLOnlyBody(t *testing.T) {
	raw := crlf(`From: jane@example.org
Subject: html only
Message-ID: <h@example.org>
Date: Mon, 02 Jan 2006 15:04:05 -0700
Content-Type: text/html; charset=utf-8

<html><body><p>rendered text</p></body></html>
`)
	parsed, err := Parse("tools", raw)
	require.NoError(t, err)
	assert.True(t, consts.HasMark(parsed.SpamScore, consts.MarkHasHTMLPart))
	assert.Contains(t, parsed.BodyText, "rendered text")
	assert.NotContains(t, parsed.BodyText, "<p>")
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse("tools", []byte("this is not a header line\r\n\r\nbody\r\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrMalformedMessage)
}
