// Package archive implements message ingestion: parsing raw RFC 5322
// messages, deriving archive identity and thread hints, writing raw
// bytes to storage and persisting the record through the store layer.
package archive

import (
	"bytes"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/helpers"
	"github.com/ietf-svn-conversion/mailarch/logger"
)

// syntheticIDBytes is how much of the raw digest goes into a synthetic
// message identifier. Enough to make collisions between distinct raw
// bodies on the same list implausible.
const syntheticIDBytes = 16

// ParsedMessage is the archive's view of one raw message after header
// decoding, identity derivation and body extraction. Raw always holds
// the original bytes untouched.
type ParsedMessage struct {
	MsgID       string
	Synthetic   bool
	Hash        string
	Subject     string
	BaseSubject string
	Frm         string
	FrmName     string
	FrmEmail    string
	Date        time.Time
	InReplyTo   string
	References  []string
	SpamScore   int
	BodyText    string
	Attachments []db.AttachmentInsert
	Raw         []byte
}

// Insert maps the parsed message onto a store insert for listName.
// RawPath is filled in by the caller once the raw bytes are stored.
func (p *ParsedMessage) Insert(listName string) *db.MessageInsert {
	return &db.MessageInsert{
		ListName:    listName,
		MsgID:       p.MsgID,
		Hash:        p.Hash,
		Subject:     p.Subject,
		BaseSubject: p.BaseSubject,
		Frm:         p.Frm,
		FrmName:     p.FrmName,
		FrmEmail:    p.FrmEmail,
		Date:        p.Date,
		SpamScore:   p.SpamScore,
		InReplyTo:   p.InReplyTo,
		References:  p.References,
		Attachments: p.Attachments,
	}
}

// Parse decodes one raw message destined for listName. Messages that
// cannot be parsed at all return consts.ErrMalformedMessage; messages
// with recoverable defects (missing Message-ID, undatable, non-ASCII
// raw headers, HTML-only bodies) are archived with the corresponding
// mark recorded in SpamScore.
func Parse(listName string, raw []byte) (*ParsedMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if message.IsUnknownCharset(err) {
		logger.Debug("PARSE: unknown charset, continuing", "list", listName, "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	if entity == nil {
		return nil, fmt.Errorf("%w: empty message", consts.ErrMalformedMessage)
	}

	parsed := &ParsedMessage{Raw: raw}
	mailHeader := mail.Header{Header: entity.Header}

	if hasNonASCIIHeaders(raw) {
		parsed.SpamScore |= consts.MarkNonASCIIHeader
	}

	msgid, err := mailHeader.MessageID()
	if err != nil || msgid == "" {
		msgid = syntheticMsgID(listName, raw)
		parsed.Synthetic = true
		parsed.SpamScore |= consts.MarkNoMessageID
	}
	parsed.MsgID = msgid
	parsed.Hash = helpers.ContentHash(msgid, raw)

	date, err := mailHeader.Date()
	if err != nil || date.IsZero() {
		date = receivedDate(entity.Header)
		if date.IsZero() {
			date = time.Now().UTC()
			parsed.SpamScore |= consts.MarkNoReceivedDate
		}
	}
	parsed.Date = date.UTC()

	subject, err := mailHeader.Subject()
	if err != nil {
		subject = entity.Header.Get("Subject")
	}
	parsed.Subject = helpers.SanitizeUTF8(subject)
	parsed.BaseSubject = helpers.BaseSubject(parsed.Subject)

	parsed.Frm = helpers.SanitizeUTF8(strings.TrimSpace(entity.Header.Get("From")))
	parsed.FrmName, parsed.FrmEmail = helpers.ParseFrom(parsed.Frm)

	if ids, err := mailHeader.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		parsed.InReplyTo = ids[0]
	}
	if ids, err := mailHeader.MsgIDList("References"); err == nil && len(ids) > 0 {
		parsed.References = ids
	}

	body, err := extractBody(entity)
	if err != nil {
		logger.Debug("PARSE: body extraction incomplete", "list", listName, "msgid", msgid, "error", err)
	}
	if body != nil {
		parsed.BodyText = helpers.SanitizeUTF8(body.text)
		parsed.Attachments = body.attachments
		if body.hasHTML {
			parsed.SpamScore |= consts.MarkHasHTMLPart
		}
	}

	return parsed, nil
}

// syntheticMsgID derives a stable identifier for messages delivered
// without a Message-ID header. Identical raw bytes always map to the
// same identifier, so redelivery stays a duplicate, not a new record.
func syntheticMsgID(listName string, raw []byte) string {
	digest := helpers.RawDigest(raw)
	if len(digest) > syntheticIDBytes {
		digest = digest[:syntheticIDBytes]
	}
	return fmt.Sprintf("%s.synthetic@%s", digest, listName)
}

// receivedDate extracts the delivery timestamp from the topmost
// parseable Received header.
func receivedDate(header message.Header) time.Time {
	fields := header.FieldsByKey("Received")
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		idx := strings.LastIndex(value, ";")
		if idx < 0 {
			continue
		}
		if t, err := netmail.ParseDate(strings.TrimSpace(value[idx+1:])); err == nil {
			return t
		}
	}
	return time.Time{}
}

// hasNonASCIIHeaders reports whether the raw header block contains bytes
// outside the ASCII range.
func hasNonASCIIHeaders(raw []byte) bool {
	headers := raw
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		headers = raw[:idx]
	} else if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		headers = raw[:idx]
	}
	for _, b := range headers {
		if b > 0x7f {
			return true
		}
	}
	return false
}

type extractedBody struct {
	text        string
	hasHTML     bool
	attachments []db.AttachmentInsert
}

// extractBody walks the MIME structure collecting the first text/plain
// part, noting HTML parts and recording attachment metadata. When no
// plain part exists the first HTML part is converted to text so the
// search index still gets body content.
func extractBody(entity *message.Entity) (*extractedBody, error) {
	body := &extractedBody{}
	var plaintext, htmlText *string
	sequence := 0

	var walk func(*message.Entity) error
	walk = func(e *message.Entity) error {
		mediaType, _, err := e.Header.ContentType()
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			mr := e.MultipartReader()
			if mr == nil {
				return fmt.Errorf("nil multipart reader for %s", mediaType)
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					return fmt.Errorf("read multipart: %v", err)
				}
				if err := walk(part); err != nil {
					return err
				}
			}
			return nil
		}

		sequence++
		disposition, dispParams, _ := e.Header.ContentDisposition()
		filename := dispParams["filename"]
		if filename == "" {
			_, typeParams, _ := e.Header.ContentType()
			filename = typeParams["name"]
		}

		if disposition == "attachment" || filename != "" {
			body.attachments = append(body.attachments, db.AttachmentInsert{
				Sequence:           sequence,
				ContentType:        mediaType,
				ContentDisposition: disposition,
				Name:               filename,
			})
			return nil
		}

		switch mediaType {
		case "text/plain":
			if plaintext == nil {
				content, err := io.ReadAll(e.Body)
				if err != nil {
					return fmt.Errorf("read text part: %v", err)
				}
				s := string(content)
				plaintext = &s
			}
		case "text/html":
			body.hasHTML = true
			if htmlText == nil {
				content, err := io.ReadAll(e.Body)
				if err != nil {
					return fmt.Errorf("read html part: %v", err)
				}
				s := string(content)
				htmlText = &s
			}
		}
		return nil
	}

	err := walk(entity)

	if plaintext != nil {
		body.text = *plaintext
	} else if htmlText != nil {
		body.text = html2text.HTML2Text(*htmlText)
	}
	return body, err
}
