// Package index keeps the search-engine projection of the archive store
// and the synchronizer that propagates store changes into it. The store
// is authoritative; index lag is acceptable, index loss is not.
package index

import (
	"context"
	"time"

	"github.com/ietf-svn-conversion/mailarch/db"
)

// Document is the search-index projection of a message. Field names
// follow the index mapping consumed by the presentation layer.
type Document struct {
	MsgID       string    `json:"msgid"`
	EmailList   string    `json:"email_list"`
	Hash        string    `json:"hashcode"`
	Frm         string    `json:"frm"`
	FrmName     string    `json:"frm_name"`
	Date        time.Time `json:"date"`
	TDate       time.Time `json:"tdate"` // date truncated to day
	Subject     string    `json:"subject"`
	SubjectBase string    `json:"subject_base"` // keyword sort field, aliased base_subject
	Text        string    `json:"text"`
	ThreadID    int64     `json:"thread_id"`
	ThreadOrder int       `json:"thread_order"`
	ThreadDate  time.Time `json:"thread_date"`
	ThreadDepth int       `json:"thread_depth"`
	TOrder      int64     `json:"torder"`
	SpamScore   int       `json:"spam_score"`
}

// maxThreadOrder bounds the minor component of the combined sort key.
const maxThreadOrder = 1<<16 - 1

// TOrderKey combines thread date and thread order into one sortable
// integer: thread date in the high bits, ordinal in the low 16. Within a
// thread the ordinal is unique, so the key is strictly increasing in
// display order.
func TOrderKey(threadDate time.Time, threadOrder int) int64 {
	if threadOrder > maxThreadOrder {
		threadOrder = maxThreadOrder
	}
	return threadDate.Unix()<<16 | int64(threadOrder)
}

// NewDocument builds the index projection of a stored message. bodyText
// is the extracted plain text of the message body; the caller obtains it
// from the parser during ingestion or by re-reading the raw store during
// repair.
func NewDocument(msg *db.Message, bodyText string) *Document {
	date := msg.Date.UTC()
	return &Document{
		MsgID:       msg.MsgID,
		EmailList:   msg.ListName,
		Hash:        msg.Hash,
		Frm:         msg.Frm,
		FrmName:     msg.FrmName,
		Date:        date,
		TDate:       date.Truncate(24 * time.Hour),
		Subject:     msg.Subject,
		SubjectBase: msg.BaseSubject,
		Text:        bodyText,
		ThreadID:    msg.ThreadID,
		ThreadOrder: msg.ThreadOrder,
		ThreadDate:  msg.ThreadDate.UTC(),
		ThreadDepth: msg.ThreadDepth,
		TOrder:      TOrderKey(msg.ThreadDate, msg.ThreadOrder),
		SpamScore:   msg.SpamScore,
	}
}

// VerifyStatus is the outcome of comparing one store record against the
// index.
type VerifyStatus int

const (
	VerifyAbsent VerifyStatus = iota
	VerifyPresent
	VerifyMismatched
)

func (s VerifyStatus) String() string {
	switch s {
	case VerifyPresent:
		return "present"
	case VerifyAbsent:
		return "absent"
	case VerifyMismatched:
		return "mismatched"
	default:
		return "unknown"
	}
}

// Index is the search-index write/verify surface the synchronizer and
// the reconciliation jobs operate against.
type Index interface {
	Upsert(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, emailList, msgid string) error
	Verify(ctx context.Context, emailList, msgid, hash string) (VerifyStatus, error)
}
