// Package lmtp accepts live mail deliveries for archiving. Each RCPT
// localpart names a mailing list; DATA runs the normal ingestion path
// once per accepted list. Duplicate deliveries succeed silently, so an
// MTA that retries after a lost acknowledgement never creates a second
// record.
package lmtp

import (
	"context"
	"fmt"
	"os"

	"github.com/emersion/go-smtp"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/logger"
)

// Archiver is the ingestion surface the delivery endpoint calls.
type Archiver interface {
	Ingest(ctx context.Context, listName, source string, raw []byte) (*db.IngestResult, error)
}

// ListDirectory resolves recipient localparts to archive lists.
type ListDirectory interface {
	GetList(ctx context.Context, name string) (*db.EmailList, error)
}

// Backend is the LMTP server backend: one per process, shared by all
// sessions.
type Backend struct {
	archiver Archiver
	lists    ListDirectory
	appCtx   context.Context

	server         *smtp.Server
	maxMessageSize int64
}

// New builds the LMTP endpoint around the shared archiver.
func New(appCtx context.Context, archiver Archiver, lists ListDirectory, cfg *config.LMTPConfig, debug bool) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("lmtp addr is required")
	}
	sessionTimeout, err := cfg.GetSessionTimeout()
	if err != nil {
		return nil, err
	}

	backend := &Backend{
		archiver:       archiver,
		lists:          lists,
		appCtx:         appCtx,
		maxMessageSize: cfg.GetMaxMessageSize(),
	}

	s := smtp.NewServer(backend)
	s.Addr = cfg.Addr
	s.Domain = cfg.Hostname
	s.LMTP = true
	s.Network = "tcp"
	s.MaxMessageBytes = backend.maxMessageSize
	s.ReadTimeout = sessionTimeout
	s.WriteTimeout = sessionTimeout
	if debug {
		s.Debug = os.Stdout
	}
	backend.server = s

	return backend, nil
}

// Start serves LMTP until the listener closes.
func (b *Backend) Start() error {
	logger.Info("LMTP: listening", "addr", b.server.Addr)
	return b.server.ListenAndServe()
}

// Close shuts the listener down and drains open sessions.
func (b *Backend) Close() error {
	return b.server.Close()
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	session := &Session{backend: b}
	if c != nil && c.Conn() != nil {
		session.remoteAddr = c.Conn().RemoteAddr().String()
	}
	return session, nil
}

var _ smtp.Backend = (*Backend)(nil)
