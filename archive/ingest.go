package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/logger"
	"github.com/ietf-svn-conversion/mailarch/pkg/metrics"
	"github.com/ietf-svn-conversion/mailarch/storage"
)

// Store is the archive-store surface ingestion needs.
type Store interface {
	InsertMessage(ctx context.Context, m *db.MessageInsert, policy db.ThreadPolicy) (*db.IngestResult, error)
}

// Indexer receives store changes for search-index propagation. Index
// trouble never fails ingestion, so the methods do not return errors.
type Indexer interface {
	Upsert(ctx context.Context, msg *db.Message, bodyText string)
}

// Archiver runs the full ingestion path: parse, raw write, store insert,
// index propagation.
type Archiver struct {
	store  Store
	raw    storage.RawStore
	index  Indexer
	policy db.ThreadPolicy
}

// NewArchiver wires the ingestion path. The thread policy comes from the
// archive configuration.
func NewArchiver(store Store, raw storage.RawStore, index Indexer, cfg *config.ArchiveConfig) (*Archiver, error) {
	lookback, err := cfg.GetThreadLookback()
	if err != nil {
		return nil, err
	}
	return &Archiver{
		store: store,
		raw:   raw,
		index: index,
		policy: db.ThreadPolicy{
			Lookback: lookback,
			MaxDepth: cfg.GetMaxThreadDepth(),
		},
	}, nil
}

// Ingest archives one raw message for listName. The outcome is reported
// through the result status: new messages and exact duplicates both
// succeed, a msgid collision with different content returns the stored
// record alongside consts.ErrMessageConflict, and unparseable input
// returns consts.ErrMalformedMessage. source labels the metrics
// ("lmtp", "mbox", "stdin", "reconcile").
func (a *Archiver) Ingest(ctx context.Context, listName, source string, raw []byte) (*db.IngestResult, error) {
	start := time.Now()

	parsed, err := Parse(listName, raw)
	if err != nil {
		metrics.MessagesMalformed.WithLabelValues(source).Inc()
		return nil, err
	}

	result, err := a.ingestParsed(ctx, listName, parsed)
	if err != nil && !errors.Is(err, consts.ErrMessageConflict) {
		return nil, err
	}

	metrics.IngestDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	switch result.Status {
	case db.StatusNew:
		metrics.MessagesIngested.WithLabelValues(source).Inc()
		metrics.MessageSizeBytes.Observe(float64(len(raw)))
		logger.Info("ARCHIVE: message ingested",
			"list", listName, "msgid", parsed.MsgID, "thread", result.Message.ThreadID,
			"new_thread", result.NewThread, "size", len(raw), "source", source)
	case db.StatusDuplicate:
		metrics.MessagesDuplicate.WithLabelValues(source).Inc()
		logger.Debug("ARCHIVE: duplicate delivery ignored",
			"list", listName, "msgid", parsed.MsgID, "source", source)
	case db.StatusConflict:
		metrics.MessagesConflict.Inc()
		logger.Warn("ARCHIVE: msgid conflict, keeping first archived content",
			"list", listName, "msgid", parsed.MsgID, "source", source)
	}

	return result, err
}

func (a *Archiver) ingestParsed(ctx context.Context, listName string, parsed *ParsedMessage) (*db.IngestResult, error) {
	// Raw bytes land in storage before the store insert so a committed
	// record never points at a missing object. The key is content
	// addressed and the write create-only, so concurrent identical
	// deliveries collide harmlessly on the same object.
	rawKey := storage.RawKey(listName, parsed.Date, parsed.Hash)
	created, err := a.raw.Write(ctx, rawKey, parsed.Raw)
	if err != nil {
		return nil, fmt.Errorf("write raw message: %w", err)
	}

	insert := parsed.Insert(listName)
	insert.RawPath = rawKey

	result, err := a.store.InsertMessage(ctx, insert, a.policy)
	if err != nil && result == nil {
		// Store insert failed outright. A just-created raw object is
		// unreferenced; remove it so storage cannot accumulate orphans.
		if created {
			a.cleanupRaw(rawKey)
		}
		return nil, err
	}

	if result.Status == db.StatusConflict && created {
		// The identity is taken by different content. Our raw object has
		// a different hash and therefore a different key, so it is
		// referenced by nothing.
		a.cleanupRaw(rawKey)
	}

	if result.Status == db.StatusNew {
		a.index.Upsert(ctx, result.Message, parsed.BodyText)
	}

	return result, err
}

// cleanupRaw removes an unreferenced raw object on a background context;
// the ingestion context may already be cancelled by the time cleanup
// runs.
func (a *Archiver) cleanupRaw(rawKey string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.raw.Delete(cleanupCtx, rawKey); err != nil {
		logger.Warn("ARCHIVE: failed to remove unreferenced raw object", "key", rawKey, "error", err)
	}
}
