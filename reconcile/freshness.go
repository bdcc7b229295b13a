// Package reconcile implements the batch comparison jobs that detect
// and repair drift between the archive store, the search index and
// external mbox files. Jobs page through the store in bounded batches
// so they interleave with live ingestion, and every repair goes through
// the same idempotent paths ingestion uses, so overlapping runs are
// harmless.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ietf-svn-conversion/mailarch/archive"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/index"
	"github.com/ietf-svn-conversion/mailarch/logger"
	"github.com/ietf-svn-conversion/mailarch/pkg/metrics"
	"github.com/ietf-svn-conversion/mailarch/storage"
)

// ChangeSource pages through store records for the freshness scan.
type ChangeSource interface {
	ChangedSince(ctx context.Context, since time.Time, afterUpdated time.Time, afterID int64, limit int) ([]db.Message, error)
}

// IndexAccess is the index surface the freshness job needs: comparison
// plus the repair write.
type IndexAccess interface {
	Verify(ctx context.Context, emailList, msgid, hash string) (index.VerifyStatus, error)
	Upsert(ctx context.Context, msg *db.Message, bodyText string)
}

// FreshnessReport accumulates one freshness run.
type FreshnessReport struct {
	Checked    int
	Missing    int
	Mismatched int
	Repaired   int
	// MissingByList counts missing and mismatched documents per list.
	MissingByList map[string]int
}

// String renders the operator summary: the overall counts followed by
// the per-list breakdown.
func (r *FreshnessReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Checked %d / Missing %d\n", r.Checked, r.Missing+r.Mismatched)

	lists := make([]string, 0, len(r.MissingByList))
	for name := range r.MissingByList {
		lists = append(lists, name)
	}
	sort.Strings(lists)
	for _, name := range lists {
		fmt.Fprintf(&b, "%s: %d\n", name, r.MissingByList[name])
	}
	return b.String()
}

// FreshnessChecker verifies that every recently modified store record
// has exactly one matching index document.
type FreshnessChecker struct {
	store    ChangeSource
	index    IndexAccess
	raw      storage.RawStore
	pageSize int
}

func NewFreshnessChecker(store ChangeSource, idx IndexAccess, raw storage.RawStore, pageSize int) *FreshnessChecker {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &FreshnessChecker{store: store, index: idx, raw: raw, pageSize: pageSize}
}

// Run scans every message updated within the trailing window and checks
// it against the index. With repair enabled, missing and mismatched
// documents are re-upserted; the store is never modified. Running the
// same window twice is a no-op the second time.
func (c *FreshnessChecker) Run(ctx context.Context, window time.Duration, repair bool) (*FreshnessReport, error) {
	report := &FreshnessReport{MissingByList: make(map[string]int)}
	since := time.Now().Add(-window)

	var afterUpdated time.Time
	var afterID int64
	for {
		page, err := c.store.ChangedSince(ctx, since, afterUpdated, afterID, c.pageSize)
		if err != nil {
			return report, fmt.Errorf("scan changed messages: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			msg := &page[i]
			report.Checked++
			metrics.ReconcileChecked.WithLabelValues("freshness").Inc()

			status, err := c.index.Verify(ctx, msg.ListName, msg.MsgID, msg.Hash)
			if err != nil {
				return report, fmt.Errorf("verify %s/%s: %w", msg.ListName, msg.MsgID, err)
			}
			if status == index.VerifyPresent {
				continue
			}

			if status == index.VerifyAbsent {
				report.Missing++
			} else {
				report.Mismatched++
			}
			report.MissingByList[msg.ListName]++
			metrics.ReconcileDiscrepancies.WithLabelValues("freshness").Inc()
			logger.Warn("RECONCILE: index document out of sync",
				"list", msg.ListName, "msgid", msg.MsgID, "status", status.String())

			if repair {
				c.index.Upsert(ctx, msg, c.bodyText(ctx, msg))
				report.Repaired++
				metrics.ReconcileRepaired.WithLabelValues("freshness").Inc()
			}
		}

		last := page[len(page)-1]
		afterUpdated, afterID = last.Updated, last.ID
	}

	logger.Info("RECONCILE: freshness check finished",
		"checked", report.Checked, "missing", report.Missing,
		"mismatched", report.Mismatched, "repaired", report.Repaired)
	return report, nil
}

// bodyText recovers the indexable body from raw storage. A record whose
// raw bytes are gone is still repairable, just without body search.
func (c *FreshnessChecker) bodyText(ctx context.Context, msg *db.Message) string {
	raw, err := c.raw.Read(ctx, msg.RawPath)
	if err != nil {
		logger.Warn("RECONCILE: raw message unavailable for reindex",
			"list", msg.ListName, "msgid", msg.MsgID, "key", msg.RawPath, "error", err)
		return ""
	}
	parsed, err := archive.Parse(msg.ListName, raw)
	if err != nil {
		return ""
	}
	return parsed.BodyText
}
