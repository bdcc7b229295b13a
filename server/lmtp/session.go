package lmtp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/helpers"
	"github.com/ietf-svn-conversion/mailarch/logger"
)

// Session handles one LMTP delivery transaction.
type Session struct {
	backend    *Backend
	remoteAddr string

	sender string
	// recipients holds the RCPT addresses accepted so far together
	// with the archive list each one resolved to. The original
	// address is what the status collector keys per-recipient
	// replies on.
	recipients []recipient
}

type recipient struct {
	addr string
	list string
}

func (s *Session) Log(format string, args ...any) {
	logger.Debug("LMTP: "+fmt.Sprintf(format, args...), "remote", s.remoteAddr)
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.sender = from
	s.Log("mail from=%s accepted", from)
	return nil
}

// Rcpt resolves the recipient localpart to an archive list. Deliveries
// to unknown or inactive lists are rejected before DATA so the MTA can
// bounce early.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	localpart, _ := helpers.SplitEmailAddress(to)
	listName := strings.ToLower(strings.TrimSpace(localpart))
	if listName == "" {
		return &smtp.SMTPError{
			Code:         513,
			EnhancedCode: smtp.EnhancedCode{5, 0, 1},
			Message:      "Invalid recipient",
		}
	}

	list, err := s.backend.lists.GetList(s.backend.appCtx, listName)
	if errors.Is(err, consts.ErrListNotFound) {
		s.Log("rcpt rejected, unknown list: %s", listName)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such list",
		}
	}
	if err != nil {
		s.Log("rcpt list lookup failed: %v", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary lookup failure, try again later",
		}
	}
	if !list.Active {
		s.Log("rcpt rejected, inactive list: %s", listName)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 2, 1},
			Message:      "List is not accepting mail",
		}
	}

	s.recipients = append(s.recipients, recipient{addr: to, list: listName})
	s.Log("rcpt to=%s accepted", listName)
	return nil
}

// Data archives the message once per accepted list and reports one
// status for the whole transaction. The LMTP path goes through
// LMTPData instead.
func (s *Session) Data(r io.Reader) error {
	raw, err := s.readDelivery(r)
	if err != nil {
		return err
	}

	start := time.Now()
	for _, rcpt := range s.recipients {
		_, err := s.backend.archiver.Ingest(s.backend.appCtx, rcpt.list, "lmtp", raw)
		if status := s.deliveryStatus(rcpt.list, err); status != nil {
			return status
		}
	}

	s.Log("delivery archived for %d list(s) in %s", len(s.recipients), time.Since(start))
	return nil
}

// LMTPData archives the message once per accepted list, reporting each
// recipient's outcome independently. One list rejecting a conflict does
// not fail delivery to the others.
func (s *Session) LMTPData(r io.Reader, sc smtp.StatusCollector) error {
	raw, err := s.readDelivery(r)
	if err != nil {
		// The server applies the returned error to every recipient
		// that has no explicit status.
		return err
	}

	start := time.Now()
	for _, rcpt := range s.recipients {
		_, err := s.backend.archiver.Ingest(s.backend.appCtx, rcpt.list, "lmtp", raw)
		sc.SetStatus(rcpt.addr, s.deliveryStatus(rcpt.list, err))
	}

	s.Log("delivery dispatched to %d list(s) in %s", len(s.recipients), time.Since(start))
	return nil
}

// readDelivery buffers the message body, enforcing the transaction
// preconditions and the size limit shared by Data and LMTPData.
func (s *Session) readDelivery(r io.Reader) ([]byte, error) {
	if len(s.recipients) == 0 {
		return nil, &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing RCPT TO)",
		}
	}

	var buf bytes.Buffer
	limit := s.backend.maxMessageSize
	if _, err := io.Copy(&buf, io.LimitReader(r, limit+1)); err != nil {
		return nil, s.internalError("failed to read message: %v", err)
	}
	if int64(buf.Len()) > limit {
		return nil, &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message exceeds maximum size of %d bytes", limit),
		}
	}
	return buf.Bytes(), nil
}

// deliveryStatus maps an ingestion outcome to the SMTP reply for one
// recipient. Exact duplicates acknowledge success; identity conflicts
// and unparseable messages are permanent failures; store unavailability
// is temporary so the MTA retries.
func (s *Session) deliveryStatus(listName string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, consts.ErrMessageConflict):
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message identity already archived with different content",
		}
	case errors.Is(err, consts.ErrMalformedMessage):
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	case errors.Is(err, consts.ErrStoreUnavailable):
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Archive store unavailable, try again later",
		}
	default:
		return s.internalError("ingest failed for %s: %v", listName, err)
	}
}

func (s *Session) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *Session) Logout() error {
	return nil
}

func (s *Session) internalError(format string, args ...any) error {
	logger.Error("LMTP: "+fmt.Sprintf(format, args...), "remote", s.remoteAddr)
	return &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 4, 0},
		Message:      "Internal error, try again later",
	}
}
