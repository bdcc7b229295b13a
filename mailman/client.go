// Package mailman talks to the external list-management service: list
// inventory, private-list membership and subscriber counts. The archive
// only ever sees the narrow Directory surface, so tests and deployments
// without a list manager swap it out easily.
package mailman

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/pkg/retry"
)

// Directory is the list-management read surface the archive consumes.
type Directory interface {
	// FetchListNames returns the names of all lists the manager hosts.
	FetchListNames(ctx context.Context) ([]string, error)
	// FetchMembers returns the membership addresses of one list.
	FetchMembers(ctx context.Context, listName string) ([]string, error)
	// SubscriberCounts returns the current member count per list name.
	SubscriberCounts(ctx context.Context) (map[string]int, error)
}

// Client implements Directory over the Mailman 3 REST API.
type Client struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
}

func NewClient(cfg *config.MailmanConfig) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("mailman api_url is required")
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.APIURL, "/"),
		user:     cfg.APIUser,
		password: cfg.APIPassword,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

type listEntry struct {
	ListName    string `json:"list_name"`
	MemberCount int    `json:"member_count"`
}

type memberEntry struct {
	Email string `json:"email"`
}

type pagedResponse struct {
	Entries []json.RawMessage `json:"entries"`
}

// get fetches one API resource, retrying transient failures with
// backoff. Client errors such as bad credentials stop immediately.
func (c *Client) get(ctx context.Context, path string, out any) error {
	cfg := retry.DefaultBackoffConfig()
	cfg.MaxRetries = 3
	return retry.WithRetry(ctx, func() error {
		return c.getOnce(ctx, path, out)
	}, cfg)
}

func (c *Client) getOnce(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return retry.Stop(err)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mailman request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("mailman request %s: unexpected status %d", path, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Stop(err)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Stop(fmt.Errorf("mailman response %s: %w", path, err))
	}
	return nil
}

func (c *Client) lists(ctx context.Context) ([]listEntry, error) {
	var page pagedResponse
	if err := c.get(ctx, "/lists", &page); err != nil {
		return nil, err
	}
	entries := make([]listEntry, 0, len(page.Entries))
	for _, raw := range page.Entries {
		var e listEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("mailman list entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (c *Client) FetchListNames(ctx context.Context) ([]string, error) {
	entries, err := c.lists(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.ToLower(e.ListName))
	}
	return names, nil
}

func (c *Client) FetchMembers(ctx context.Context, listName string) ([]string, error) {
	var page pagedResponse
	path := fmt.Sprintf("/lists/%s/roster/member", url.PathEscape(listName))
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	members := make([]string, 0, len(page.Entries))
	for _, raw := range page.Entries {
		var e memberEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("mailman member entry: %w", err)
		}
		members = append(members, e.Email)
	}
	return members, nil
}

func (c *Client) SubscriberCounts(ctx context.Context) (map[string]int, error) {
	entries, err := c.lists(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(entries))
	for _, e := range entries {
		counts[strings.ToLower(e.ListName)] = e.MemberCount
	}
	return counts, nil
}

var _ Directory = (*Client)(nil)
