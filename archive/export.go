package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/logger"
	"github.com/ietf-svn-conversion/mailarch/storage"
)

// MboxExporter regenerates the downloadable monthly mbox files from the
// store and raw storage. The archive store stays authoritative; export
// output is derived and safe to rebuild at any time.
type MboxExporter struct {
	store MessageSource
	raw   storage.RawStore
	dir   string
}

// MessageSource is the store read surface the exporter needs.
type MessageSource interface {
	MessagesForMonth(ctx context.Context, listName string, year int, month time.Month) ([]db.Message, error)
}

func NewMboxExporter(store MessageSource, raw storage.RawStore, dir string) *MboxExporter {
	return &MboxExporter{store: store, raw: raw, dir: dir}
}

// ExportMonth writes <dir>/<list>/YYYY-MM.mail containing every message
// the list archived for that month, in archive date order. The file is
// written to a temporary name and renamed so readers never observe a
// partial export. Returns the number of messages written.
func (e *MboxExporter) ExportMonth(ctx context.Context, listName string, year int, month time.Month) (int, error) {
	messages, err := e.store.MessagesForMonth(ctx, listName, year, month)
	if err != nil {
		return 0, err
	}

	listDir := filepath.Join(e.dir, listName)
	if err := os.MkdirAll(listDir, 0755); err != nil {
		return 0, fmt.Errorf("create export directory: %w", err)
	}

	finalPath := filepath.Join(listDir, fmt.Sprintf("%04d-%02d.mail", year, int(month)))
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	defer os.Remove(tmpPath)

	w := mbox.NewWriter(f)
	written := 0
	for i := range messages {
		msg := &messages[i]
		raw, err := e.raw.Read(ctx, msg.RawPath)
		if err != nil {
			// A store record without raw bytes is a reconciliation
			// problem; the export carries on with what exists.
			logger.Warn("EXPORT: raw message missing, skipping",
				"list", listName, "msgid", msg.MsgID, "key", msg.RawPath, "error", err)
			continue
		}

		mw, err := w.CreateMessage(msg.FrmEmail, msg.Date)
		if err != nil {
			f.Close()
			return written, fmt.Errorf("write mbox separator: %w", err)
		}
		if _, err := mw.Write(raw); err != nil {
			f.Close()
			return written, fmt.Errorf("write mbox message: %w", err)
		}
		written++
	}

	if err := w.Close(); err != nil {
		f.Close()
		return written, fmt.Errorf("finish mbox: %w", err)
	}
	if err := f.Close(); err != nil {
		return written, fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return written, fmt.Errorf("publish export file: %w", err)
	}

	logger.Info("EXPORT: monthly mbox written",
		"list", listName, "month", fmt.Sprintf("%04d-%02d", year, int(month)),
		"messages", written, "path", finalPath)
	return written, nil
}

// ExportList regenerates every month between the oldest and newest
// archived message of the list that actually has messages.
func (e *MboxExporter) ExportList(ctx context.Context, listName string, from, to time.Time) (int, error) {
	total := 0
	from = time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	for cursor := from; !cursor.After(to); cursor = cursor.AddDate(0, 1, 0) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := e.ExportMonth(ctx, listName, cursor.Year(), cursor.Month())
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
