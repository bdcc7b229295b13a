package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/logger"
	"github.com/ietf-svn-conversion/mailarch/pkg/metrics"
)

// Syncer propagates archive store changes to the search index.
//
// In sync mode every upsert/delete is written inline with a bounded
// timeout; a failed write falls back to the durable retry queue. In
// async mode writes always go through the queue and a background worker
// applies them, so slow indexing never throttles ingestion. Either way a
// store write eventually produces a matching index write or, after the
// bounded retry budget, a logged failure and a metric. Never a silent
// drop.
type Syncer struct {
	index Index
	queue *queue

	mode          string
	writeTimeout  time.Duration
	retryInterval time.Duration
	maxAttempts   int
	batchSize     int

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewSyncer builds a synchronizer over idx with queue and mode taken
// from configuration. The retry queue is durable in both modes.
func NewSyncer(ctx context.Context, cfg *config.IndexConfig, idx Index) (*Syncer, error) {
	queuePath := cfg.QueuePath
	if queuePath == "" {
		queuePath = cfg.Path + ".queue"
	}
	q, err := openQueue(ctx, queuePath)
	if err != nil {
		return nil, err
	}

	writeTimeout, err := cfg.GetWriteTimeout()
	if err != nil {
		q.close()
		return nil, err
	}
	retryInterval, err := cfg.GetRetryInterval()
	if err != nil {
		q.close()
		return nil, err
	}

	return &Syncer{
		index:         idx,
		queue:         q,
		mode:          cfg.GetMode(),
		writeTimeout:  writeTimeout,
		retryInterval: retryInterval,
		maxAttempts:   cfg.GetMaxAttempts(),
		batchSize:     cfg.GetBatchSize(),
		notifyCh:      make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}, nil
}

// Upsert projects a stored message into the index. Errors are absorbed
// into the retry queue: ingestion of the message itself has already
// succeeded and must not fail on index trouble.
func (s *Syncer) Upsert(ctx context.Context, msg *db.Message, bodyText string) {
	doc := NewDocument(msg, bodyText)

	if s.mode == "sync" {
		if err := s.writeDoc(ctx, doc); err == nil {
			metrics.IndexWrites.WithLabelValues("upsert", "success").Inc()
			return
		} else {
			metrics.IndexWrites.WithLabelValues("upsert", "failure").Inc()
			logger.Warn("INDEX: inline upsert failed, queueing for retry",
				"list", doc.EmailList, "msgid", doc.MsgID, "error", err)
		}
	}

	if err := s.queue.enqueue(ctx, opUpsert, doc.EmailList, doc.MsgID, doc); err != nil {
		// Losing a queued write is the one unrecoverable case; shout.
		metrics.IndexRetriesExhausted.Inc()
		logger.Error("INDEX: failed to queue upsert",
			"list", doc.EmailList, "msgid", doc.MsgID, "error", err)
		return
	}
	s.Notify()
}

// Delete removes the index document for (list, msgid), queueing on
// failure like Upsert.
func (s *Syncer) Delete(ctx context.Context, emailList, msgid string) {
	if s.mode == "sync" {
		wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		err := s.index.Delete(wctx, emailList, msgid)
		cancel()
		if err == nil {
			metrics.IndexWrites.WithLabelValues("delete", "success").Inc()
			return
		}
		metrics.IndexWrites.WithLabelValues("delete", "failure").Inc()
		logger.Warn("INDEX: inline delete failed, queueing for retry",
			"list", emailList, "msgid", msgid, "error", err)
	}

	if err := s.queue.enqueue(ctx, opDelete, emailList, msgid, nil); err != nil {
		metrics.IndexRetriesExhausted.Inc()
		logger.Error("INDEX: failed to queue delete",
			"list", emailList, "msgid", msgid, "error", err)
		return
	}
	s.Notify()
}

// Verify exposes the underlying index comparison for reconciliation.
func (s *Syncer) Verify(ctx context.Context, emailList, msgid, hash string) (VerifyStatus, error) {
	return s.index.Verify(ctx, emailList, msgid, hash)
}

func (s *Syncer) writeDoc(ctx context.Context, doc *Document) error {
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.index.Upsert(wctx, doc)
}

// Notify wakes the queue worker without blocking.
func (s *Syncer) Notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Start launches the queue worker. Idempotent.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	logger.Info("INDEX: syncer worker started", "mode", s.mode, "retry_interval", s.retryInterval)
}

func (s *Syncer) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	// Drain anything left over from before a crash.
	s.ProcessQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("INDEX: syncer worker stopped")
			return
		case <-s.stopCh:
			return
		case <-s.notifyCh:
			s.ProcessQueue(ctx)
		case <-ticker.C:
			s.ProcessQueue(ctx)
		}
	}
}

// Stop halts the worker and waits for the in-flight sweep.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Close releases the queue database.
func (s *Syncer) Close() error {
	return s.queue.close()
}

// ProcessQueue applies queued writes until the queue is empty or every
// remaining entry has failed this sweep.
func (s *Syncer) ProcessQueue(ctx context.Context) {
	for {
		entries, err := s.queue.lease(ctx, s.batchSize)
		if err != nil {
			logger.Error("INDEX: failed to lease queue entries", "error", err)
			return
		}
		if len(entries) == 0 {
			s.updateDepthGauge(ctx)
			return
		}

		var progressed bool
		for _, entry := range entries {
			if err := s.applyEntry(ctx, entry); err != nil {
				metrics.IndexWrites.WithLabelValues(entry.Op, "failure").Inc()
				dead, ferr := s.queue.fail(ctx, entry.ID, err.Error(), s.maxAttempts)
				if ferr != nil {
					logger.Error("INDEX: failed to record attempt", "id", entry.ID, "error", ferr)
				}
				if dead {
					metrics.IndexRetriesExhausted.Inc()
					logger.Error("INDEX: retries exhausted, document abandoned",
						"op", entry.Op, "list", entry.EmailList, "msgid", entry.MsgID,
						"attempts", entry.Attempts+1, "error", err)
				}
				continue
			}
			metrics.IndexWrites.WithLabelValues(entry.Op, "success").Inc()
			if err := s.queue.complete(ctx, entry.ID); err != nil {
				logger.Error("INDEX: failed to complete queue entry", "id", entry.ID, "error", err)
				continue
			}
			progressed = true
		}

		s.updateDepthGauge(ctx)
		if !progressed {
			return
		}
	}
}

func (s *Syncer) applyEntry(ctx context.Context, entry queueEntry) error {
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	switch entry.Op {
	case opUpsert:
		if entry.Doc == nil {
			return fmt.Errorf("queued upsert without document")
		}
		return s.index.Upsert(wctx, entry.Doc)
	case opDelete:
		return s.index.Delete(wctx, entry.EmailList, entry.MsgID)
	default:
		return fmt.Errorf("unknown queue op %q", entry.Op)
	}
}

func (s *Syncer) updateDepthGauge(ctx context.Context) {
	if depth, err := s.queue.depth(ctx); err == nil {
		metrics.IndexRetryQueueDepth.Set(float64(depth))
	}
}

// QueueDepth reports the number of pending index writes.
func (s *Syncer) QueueDepth(ctx context.Context) (int64, error) {
	return s.queue.depth(ctx)
}
