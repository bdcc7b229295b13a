package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/ietf-svn-conversion/mailarch/archive"
	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/logger"
	"github.com/ietf-svn-conversion/mailarch/pkg/metrics"
)

// subjectWidth truncates subjects in discrepancy lines.
const subjectWidth = 20

// Presence answers whether a message identity is already archived.
type Presence interface {
	MessageExists(ctx context.Context, listName, msgid string) (bool, error)
}

// Ingestor re-runs the normal ingestion path for repair imports.
type Ingestor interface {
	Ingest(ctx context.Context, listName, source string, raw []byte) (*db.IngestResult, error)
}

// Discrepancy is one message found in an external mbox but not in the
// store, with the outcome of the optional repair.
type Discrepancy struct {
	List    string
	Subject string
	Date    time.Time
	// Status is "imported", "import failed" or empty when running
	// report-only.
	Status string
}

// Line renders the discrepancy in the report format:
// list, truncated subject, date, status.
func (d Discrepancy) Line() string {
	subject := d.Subject
	if len(subject) > subjectWidth {
		subject = subject[:subjectWidth]
	}
	return fmt.Sprintf("%s, %s, %s, %s", d.List, subject, d.Date.Format("2006-01-02 15:04:05"), d.Status)
}

// CompletenessReport accumulates one completeness run over an mbox.
type CompletenessReport struct {
	Total         int
	Missing       int
	Imported      int
	Discrepancies []Discrepancy
}

func (r *CompletenessReport) String() string {
	var b strings.Builder
	for _, d := range r.Discrepancies {
		b.WriteString(d.Line())
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Total: %d / Missing: %d / Imported: %d\n", r.Total, r.Missing, r.Imported)
	return b.String()
}

// CompletenessChecker compares authoritative external mbox files against
// the store and optionally imports what the store is missing.
type CompletenessChecker struct {
	store  Presence
	ingest Ingestor
}

func NewCompletenessChecker(store Presence, ingest Ingestor) *CompletenessChecker {
	return &CompletenessChecker{store: store, ingest: ingest}
}

// CheckFile runs CheckMbox over a local mbox file.
func (c *CompletenessChecker) CheckFile(ctx context.Context, listName, path string, repair bool) (*CompletenessReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()
	return c.CheckMbox(ctx, listName, f, repair)
}

// CheckMbox enumerates messages in an mbox stream and reports those the
// store does not have. With repair enabled each missing message goes
// through the normal ingestion path, so thread assignment and index
// propagation happen exactly as for live delivery. Re-running over the
// same mbox afterwards finds nothing missing.
func (c *CompletenessChecker) CheckMbox(ctx context.Context, listName string, r io.Reader, repair bool) (*CompletenessReport, error) {
	report := &CompletenessReport{}
	reader := mbox.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		msgReader, err := reader.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return report, fmt.Errorf("read mbox message %d: %w", report.Total+1, err)
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return report, fmt.Errorf("read mbox message %d: %w", report.Total+1, err)
		}

		report.Total++
		metrics.ReconcileChecked.WithLabelValues("completeness").Inc()

		parsed, err := archive.Parse(listName, raw)
		if err != nil {
			logger.Warn("RECONCILE: skipping unparseable mbox message",
				"list", listName, "ordinal", report.Total, "error", err)
			continue
		}

		exists, err := c.store.MessageExists(ctx, listName, parsed.MsgID)
		if err != nil {
			return report, fmt.Errorf("check %s/%s: %w", listName, parsed.MsgID, err)
		}
		if exists {
			continue
		}

		report.Missing++
		metrics.ReconcileDiscrepancies.WithLabelValues("completeness").Inc()
		discrepancy := Discrepancy{List: listName, Subject: parsed.Subject, Date: parsed.Date}

		if repair {
			_, err := c.ingest.Ingest(ctx, listName, "reconcile", raw)
			switch {
			case err == nil:
				discrepancy.Status = "imported"
				report.Imported++
				metrics.ReconcileRepaired.WithLabelValues("completeness").Inc()
			case errors.Is(err, consts.ErrMessageConflict),
				errors.Is(err, consts.ErrMalformedMessage):
				discrepancy.Status = "import failed"
				logger.Warn("RECONCILE: repair import failed",
					"list", listName, "msgid", parsed.MsgID, "error", err)
			default:
				report.Discrepancies = append(report.Discrepancies, discrepancy)
				return report, fmt.Errorf("import %s/%s: %w", listName, parsed.MsgID, err)
			}
		}

		report.Discrepancies = append(report.Discrepancies, discrepancy)
	}

	logger.Info("RECONCILE: completeness check finished",
		"list", listName, "total", report.Total,
		"missing", report.Missing, "imported", report.Imported)
	return report, nil
}
