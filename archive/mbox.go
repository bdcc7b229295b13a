package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-mbox"

	"github.com/ietf-svn-conversion/mailarch/consts"
	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/logger"
)

// LoadResult summarizes one mbox bulk load.
type LoadResult struct {
	Scanned    int
	Ingested   int
	Duplicates int
	Conflicts  int
	Failed     int
}

func (r LoadResult) String() string {
	return fmt.Sprintf("scanned %d, ingested %d, duplicates %d, conflicts %d, failed %d",
		r.Scanned, r.Ingested, r.Duplicates, r.Conflicts, r.Failed)
}

// LoadMboxFile bulk-loads a local mbox file into listName.
func (a *Archiver) LoadMboxFile(ctx context.Context, listName, path string) (LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()
	return a.LoadMbox(ctx, listName, f)
}

// LoadMbox ingests every message from an mbox stream into listName. One
// bad message never aborts the load: parse and conflict failures are
// counted, logged and skipped while the remaining messages proceed.
// Store or storage failures abort, since every subsequent message would
// fail the same way.
func (a *Archiver) LoadMbox(ctx context.Context, listName string, r io.Reader) (LoadResult, error) {
	var result LoadResult
	reader := mbox.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		msgReader, err := reader.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, fmt.Errorf("read mbox message %d: %w", result.Scanned+1, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return result, fmt.Errorf("read mbox message %d: %w", result.Scanned+1, err)
		}
		result.Scanned++

		ingest, err := a.Ingest(ctx, listName, "mbox", raw)
		switch {
		case err == nil:
			if ingest.Status == db.StatusDuplicate {
				result.Duplicates++
			} else {
				result.Ingested++
			}
		case errors.Is(err, consts.ErrMessageConflict):
			result.Conflicts++
		case errors.Is(err, consts.ErrMalformedMessage):
			result.Failed++
			logger.Warn("LOAD: skipping unparseable message",
				"list", listName, "ordinal", result.Scanned, "error", err)
		default:
			return result, fmt.Errorf("ingest mbox message %d: %w", result.Scanned, err)
		}
	}

	logger.Info("LOAD: mbox load finished", "list", listName, "result", result.String())
	return result, nil
}
