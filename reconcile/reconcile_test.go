package reconcile

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/index"
	"github.com/ietf-svn-conversion/mailarch/storage"
)

type fakeChanges struct {
	messages []db.Message
	pages    int
}

func (f *fakeChanges) ChangedSince(ctx context.Context, since, afterUpdated time.Time, afterID int64, limit int) ([]db.Message, error) {
	f.pages++
	var out []db.Message
	for _, m := range f.messages {
		if m.Updated.After(afterUpdated) || (m.Updated.Equal(afterUpdated) && m.ID > afterID) {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type fakeIndex struct {
	docs    map[string]string // list/msgid -> hash
	upserts []string
}

func (f *fakeIndex) key(list, msgid string) string { return list + "/" + msgid }

func (f *fakeIndex) Verify(ctx context.Context, emailList, msgid, hash string) (index.VerifyStatus, error) {
	stored, ok := f.docs[f.key(emailList, msgid)]
	switch {
	case !ok:
		return index.VerifyAbsent, nil
	case stored != hash:
		return index.VerifyMismatched, nil
	default:
		return index.VerifyPresent, nil
	}
}

func (f *fakeIndex) Upsert(ctx context.Context, msg *db.Message, bodyText string) {
	f.docs[f.key(msg.ListName, msg.MsgID)] = msg.Hash
	f.upserts = append(f.upserts, f.key(msg.ListName, msg.MsgID))
}

func changedMessage(id int64, list, msgid, hash string, updated time.Time) db.Message {
	return db.Message{
		ID: id, ListName: list, MsgID: msgid, Hash: hash,
		RawPath: "absent/raw", Updated: updated,
	}
}

func TestFreshnessDetectsAndRepairs(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	store := &fakeChanges{messages: []db.Message{
		changedMessage(1, "tools", "<ok@example.org>", "h1", now.Add(-3*time.Hour)),
		changedMessage(2, "tools", "<missing@example.org>", "h2", now.Add(-2*time.Hour)),
		changedMessage(3, "ops", "<stale@example.org>", "h3", now.Add(-time.Hour)),
	}}
	idx := &fakeIndex{docs: map[string]string{
		"tools/<ok@example.org>":  "h1",
		"ops/<stale@example.org>": "old-hash",
	}}
	raw, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	checker := NewFreshnessChecker(store, idx, raw, 2)
	report, err := checker.Run(ctx, 24*time.Hour, true)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 1, report.Mismatched)
	assert.Equal(t, 2, report.Repaired)
	assert.Equal(t, map[string]int{"tools": 1, "ops": 1}, report.MissingByList)

	// Repairs converged the index; a second run finds nothing.
	report, err = checker.Run(ctx, 24*time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Missing+report.Mismatched)
}

func TestFreshnessReportOnly(t *testing.T) {
	ctx := context.Background()
	store := &fakeChanges{messages: []db.Message{
		changedMessage(1, "tools", "<missing@example.org>", "h1", time.Now().Add(-time.Hour)),
	}}
	idx := &fakeIndex{docs: map[string]string{}}
	raw, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	report, err := NewFreshnessChecker(store, idx, raw, 100).Run(ctx, 24*time.Hour, false)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 0, report.Repaired)
	assert.Empty(t, idx.upserts)
	assert.Contains(t, report.String(), "Checked 1 / Missing 1")
	assert.Contains(t, report.String(), "tools: 1")
}

type fakePresence struct {
	existing map[string]bool
}

func (f *fakePresence) MessageExists(ctx context.Context, listName, msgid string) (bool, error) {
	return f.existing[listName+"/"+msgid], nil
}

type fakeIngestor struct {
	fail     bool
	ingested []string
}

func (f *fakeIngestor) Ingest(ctx context.Context, listName, source string, raw []byte) (*db.IngestResult, error) {
	if f.fail {
		return nil, fmt.Errorf("%w: rejected", consts.ErrMessageConflict)
	}
	f.ingested = append(f.ingested, source)
	return &db.IngestResult{Status: db.StatusNew, Message: &db.Message{}}, nil
}

func testMbox(msgids ...string) string {
	var b strings.Builder
	for i, msgid := range msgids {
		b.WriteString("From jane@example.org Mon Jan  2 15:04:05 2006\n")
		fmt.Fprintf(&b, "From: jane@example.org\nMessage-ID: <%s>\n", msgid)
		fmt.Fprintf(&b, "Subject: a very long subject line number %d\n", i)
		b.WriteString("Date: Mon, 02 Jan 2006 15:04:05 -0700\n\nbody\n\n")
	}
	return b.String()
}

func TestCompletenessRepairsMissing(t *testing.T) {
	ctx := context.Background()
	store := &fakePresence{existing: map[string]bool{
		"tools/one@example.org": true,
	}}
	ingest := &fakeIngestor{}
	checker := NewCompletenessChecker(store, ingest)

	report, err := checker.CheckMbox(ctx, "tools",
		strings.NewReader(testMbox("one@example.org", "two@example.org", "three@example.org")), true)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Missing)
	assert.Equal(t, 2, report.Imported)
	assert.Equal(t, []string{"reconcile", "reconcile"}, ingest.ingested)

	require.Len(t, report.Discrepancies, 2)
	for _, d := range report.Discrepancies {
		assert.Equal(t, "imported", d.Status)
		assert.LessOrEqual(t, len(d.Subject[:subjectWidth]), subjectWidth)
	}
	assert.Contains(t, report.String(), "Total: 3 / Missing: 2 / Imported: 2")
}

func TestCompletenessReportOnly(t *testing.T) {
	ctx := context.Background()
	store := &fakePresence{existing: map[string]bool{}}
	checker := NewCompletenessChecker(store, &fakeIngestor{})

	report, err := checker.CheckMbox(ctx, "tools",
		strings.NewReader(testMbox("one@example.org")), false)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 0, report.Imported)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "", report.Discrepancies[0].Status)

	line := report.Discrepancies[0].Line()
	assert.True(t, strings.HasPrefix(line, "tools, a very long subject , "), line)
}

func TestCompletenessImportFailure(t *testing.T) {
	ctx := context.Background()
	store := &fakePresence{existing: map[string]bool{}}
	ingest := &fakeIngestor{fail: true}
	checker := NewCompletenessChecker(store, ingest)

	report, err := checker.CheckMbox(ctx, "tools",
		strings.NewReader(testMbox("one@example.org")), true)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 0, report.Imported)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "import failed", report.Discrepancies[0].Status)
}
