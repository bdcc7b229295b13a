package mailman

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/logger"
)

// exportFileName is the published access-control document consumed by
// the downstream message store.
const exportFileName = "email_lists.xml"

// XMLExporter writes the list/membership access-control XML and fires
// the configured notify command afterwards.
type XMLExporter struct {
	store         ListStore
	dir           string
	notifyCommand string
}

func NewXMLExporter(store ListStore, cfg *config.MailmanConfig) *XMLExporter {
	return &XMLExporter{store: store, dir: cfg.ExportDir, notifyCommand: cfg.NotifyCommand}
}

// Export renders the current lists and memberships and publishes the
// document atomically. Private lists enumerate their members with
// read/write access and shut out anonymous readers; public lists open
// read access to anyone.
func (e *XMLExporter) Export(ctx context.Context) error {
	if e.dir == "" {
		return fmt.Errorf("export directory not configured")
	}

	lists, err := e.store.Lists(ctx, false)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("<ms_config>\n")
	for _, elist := range lists {
		fmt.Fprintf(&b, "  <shared_root name='%s' path='/var/isode/ms/shared/%s'>\n", elist.Name, elist.Name)
		if elist.Private {
			b.WriteString("    <user name='anonymous' access='none'/>\n")
			members, err := e.store.Members(ctx, elist.Name)
			if err != nil {
				return fmt.Errorf("members of %s: %w", elist.Name, err)
			}
			for _, member := range members {
				fmt.Fprintf(&b, "    <user name='%s' access='read,write'/>\n", member)
			}
		} else {
			b.WriteString("    <user name='anonymous' access='read'/>\n")
			b.WriteString("    <group name='anyone' access='read,write'/>\n")
		}
		b.WriteString("  </shared_root>\n")
	}
	b.WriteString("</ms_config>")

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(e.dir, exportFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0666); err != nil {
		return fmt.Errorf("write export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish export file: %w", err)
	}
	logger.Info("MAILMAN: membership export written", "path", path, "lists", len(lists))

	if err := runNotifyCommand(ctx, e.notifyCommand, path); err != nil {
		// The export itself succeeded; the hook failure is the
		// operator's to investigate.
		logger.Error("MAILMAN: notify command failed", "error", err)
	}
	return nil
}

// ExportPath returns where the published document lands.
func (e *XMLExporter) ExportPath() string {
	return filepath.Join(e.dir, exportFileName)
}
