package mailman

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ietf-svn-conversion/mailarch/db"
	"github.com/ietf-svn-conversion/mailarch/logger"
)

// inactiveAfter is how long a list absent from the directory may go
// without traffic before it is marked inactive.
const inactiveAfter = 90 * 24 * time.Hour

// ListStore is the archive-store surface membership sync needs.
type ListStore interface {
	Lists(ctx context.Context, activeOnly bool) ([]db.EmailList, error)
	Members(ctx context.Context, name string) ([]string, error)
	ReplaceMembership(ctx context.Context, name string, members []string, digest string) error
	RecordSubscriberCount(ctx context.Context, name string, count int) error
	SetListActive(ctx context.Context, name string, active bool) error
	LatestMessageDate(ctx context.Context, name string) (time.Time, error)
}

// MembershipDigest computes the change-detection digest of a membership
// set: SHA-1 over the member list serialized in the exporter's
// historical format, URL-safe base64. The format is what downstream
// consumers of the digest already expect, so it stays.
func MembershipDigest(members []string) string {
	var b strings.Builder
	b.WriteString("[")
	for i, m := range members {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("'")
		b.WriteString(m)
		b.WriteString("'")
	}
	b.WriteString("]")
	sum := sha1.Sum([]byte(b.String()))
	return base64.URLEncoding.EncodeToString(sum[:])
}

// SyncReport summarizes one membership sync run.
type SyncReport struct {
	ListsProcessed int
	ListsChanged   int
	Exported       bool
}

// Syncer reconciles private-list membership with the external directory
// and publishes the access-control export when anything changed.
type Syncer struct {
	store     ListStore
	directory Directory
	exporter  *XMLExporter
}

func NewSyncer(store ListStore, directory Directory, exporter *XMLExporter) *Syncer {
	return &Syncer{store: store, directory: directory, exporter: exporter}
}

// SyncMembership fetches membership for every private list, compares
// digests and updates the store where the set changed. Unchanged lists
// cost one directory fetch and one digest comparison. When at least one
// list changed the XML export runs once at the end.
func (s *Syncer) SyncMembership(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{}

	lists, err := s.store.Lists(ctx, true)
	if err != nil {
		return report, err
	}

	for _, elist := range lists {
		if !elist.Private {
			continue
		}
		report.ListsProcessed++

		members, err := s.directory.FetchMembers(ctx, elist.Name)
		if err != nil {
			logger.Warn("MAILMAN: failed to fetch members, skipping list",
				"list", elist.Name, "error", err)
			continue
		}

		digest := MembershipDigest(members)
		if digest == elist.MembersDigest {
			continue
		}

		if err := s.store.ReplaceMembership(ctx, elist.Name, members, digest); err != nil {
			return report, fmt.Errorf("replace membership of %s: %w", elist.Name, err)
		}
		report.ListsChanged++
		logger.Info("MAILMAN: membership updated", "list", elist.Name, "members", len(members))
	}

	if report.ListsChanged > 0 && s.exporter != nil {
		if err := s.exporter.Export(ctx); err != nil {
			logger.Error("MAILMAN: membership export failed", "error", err)
		} else {
			report.Exported = true
		}
	}

	return report, nil
}

// RefreshSubscriberCounts snapshots the directory's member counts for
// every known list.
func (s *Syncer) RefreshSubscriberCounts(ctx context.Context) (int, error) {
	counts, err := s.directory.SubscriberCounts(ctx)
	if err != nil {
		return 0, err
	}

	lists, err := s.store.Lists(ctx, false)
	if err != nil {
		return 0, err
	}

	recorded := 0
	for _, elist := range lists {
		count, ok := counts[elist.Name]
		if !ok {
			continue
		}
		if err := s.store.RecordSubscriberCount(ctx, elist.Name, count); err != nil {
			return recorded, fmt.Errorf("record subscriber count for %s: %w", elist.Name, err)
		}
		recorded++
	}
	return recorded, nil
}

// MarkInactive deactivates active lists that are gone from the directory
// and have had no message for the trailing window. Lists with recent
// traffic stay active even when the directory no longer knows them;
// archiving continues for externally fed lists.
func (s *Syncer) MarkInactive(ctx context.Context, confirm func(name string) bool) ([]string, error) {
	names, err := s.directory.FetchListNames(ctx)
	if err != nil {
		return nil, err
	}
	hosted := make(map[string]bool, len(names))
	for _, name := range names {
		hosted[name] = true
	}

	lists, err := s.store.Lists(ctx, true)
	if err != nil {
		return nil, err
	}

	var deactivated []string
	cutoff := time.Now().Add(-inactiveAfter)
	for _, elist := range lists {
		if hosted[elist.Name] {
			continue
		}
		latest, err := s.store.LatestMessageDate(ctx, elist.Name)
		if err != nil {
			return deactivated, err
		}
		if !latest.IsZero() && latest.After(cutoff) {
			continue
		}
		if confirm != nil && !confirm(elist.Name) {
			continue
		}
		if err := s.store.SetListActive(ctx, elist.Name, false); err != nil {
			return deactivated, err
		}
		deactivated = append(deactivated, elist.Name)
		logger.Info("MAILMAN: list marked inactive", "list", elist.Name)
	}
	return deactivated, nil
}

// runNotifyCommand invokes the configured external command with the
// export path, matching the historical post-export hook.
func runNotifyCommand(ctx context.Context, command, path string) error {
	if command == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, command, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify command %s: %w (%s)", command, err, strings.TrimSpace(string(out)))
	}
	return nil
}
