package mailman

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ietf-svn-conversion/mailarch/config"
	"github.com/ietf-svn-conversion/mailarch/db"
)

type fakeListStore struct {
	lists       []db.EmailList
	members     map[string][]string
	replaced    map[string][]string
	counts      map[string]int
	deactivated []string
	latest      map[string]time.Time
}

func newFakeListStore() *fakeListStore {
	return &fakeListStore{
		members:  make(map[string][]string),
		replaced: make(map[string][]string),
		counts:   make(map[string]int),
		latest:   make(map[string]time.Time),
	}
}

func (s *fakeListStore) Lists(ctx context.Context, activeOnly bool) ([]db.EmailList, error) {
	if !activeOnly {
		return s.lists, nil
	}
	var out []db.EmailList
	for _, l := range s.lists {
		if l.Active {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeListStore) Members(ctx context.Context, name string) ([]string, error) {
	return s.members[name], nil
}

func (s *fakeListStore) ReplaceMembership(ctx context.Context, name string, members []string, digest string) error {
	s.replaced[name] = members
	s.members[name] = members
	for i := range s.lists {
		if s.lists[i].Name == name {
			s.lists[i].MembersDigest = digest
		}
	}
	return nil
}

func (s *fakeListStore) RecordSubscriberCount(ctx context.Context, name string, count int) error {
	s.counts[name] = count
	return nil
}

func (s *fakeListStore) SetListActive(ctx context.Context, name string, active bool) error {
	if !active {
		s.deactivated = append(s.deactivated, name)
	}
	return nil
}

func (s *fakeListStore) LatestMessageDate(ctx context.Context, name string) (time.Time, error) {
	return s.latest[name], nil
}

func testDirectoryServer(t *testing.T) (*Client, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/lists", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "restadmin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"entries":[
			{"list_name":"tools","member_count":42},
			{"list_name":"secret-wg","member_count":3}
		]}`)
	})
	mux.HandleFunc("/lists/secret-wg/roster/member", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"entries":[{"email":"alice@example.org"},{"email":"bob@example.org"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewClient(&config.MailmanConfig{
		APIURL:      srv.URL,
		APIUser:     "restadmin",
		APIPassword: "secret",
	})
	require.NoError(t, err)
	return client, srv
}

func TestClientFetch(t *testing.T) {
	ctx := context.Background()
	client, _ := testDirectoryServer(t)

	names, err := client.FetchListNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tools", "secret-wg"}, names)

	members, err := client.FetchMembers(ctx, "secret-wg")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.org", "bob@example.org"}, members)

	counts, err := client.SubscriberCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"tools": 42, "secret-wg": 3}, counts)
}

func TestClientAuthFailure(t *testing.T) {
	ctx := context.Background()
	_, srv := testDirectoryServer(t)

	unauth, err := NewClient(&config.MailmanConfig{APIURL: srv.URL, APIUser: "nobody", APIPassword: "wrong"})
	require.NoError(t, err)
	_, err = unauth.FetchListNames(ctx)
	assert.ErrorContains(t, err, "status 401")
}

func TestMembershipDigestStable(t *testing.T) {
	a := MembershipDigest([]string{"alice@example.org", "bob@example.org"})
	b := MembershipDigest([]string{"alice@example.org", "bob@example.org"})
	c := MembershipDigest([]string{"bob@example.org", "alice@example.org"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}

func TestSyncMembership(t *testing.T) {
	ctx := context.Background()
	client, _ := testDirectoryServer(t)

	store := newFakeListStore()
	store.lists = []db.EmailList{
		{Name: "tools", Active: true, Private: false},
		{Name: "secret-wg", Active: true, Private: true},
	}

	exportDir := t.TempDir()
	exporter := NewXMLExporter(store, &config.MailmanConfig{ExportDir: exportDir})
	syncer := NewSyncer(store, client, exporter)

	report, err := syncer.SyncMembership(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ListsProcessed)
	assert.Equal(t, 1, report.ListsChanged)
	assert.True(t, report.Exported)
	assert.Equal(t, []string{"alice@example.org", "bob@example.org"}, store.replaced["secret-wg"])

	content, err := os.ReadFile(filepath.Join(exportDir, "email_lists.xml"))
	require.NoError(t, err)
	xml := string(content)
	assert.True(t, strings.HasPrefix(xml, "<ms_config>"))
	assert.Contains(t, xml, "<shared_root name='secret-wg'")
	assert.Contains(t, xml, "<user name='anonymous' access='none'/>")
	assert.Contains(t, xml, "<user name='alice@example.org' access='read,write'/>")
	assert.Contains(t, xml, "<shared_root name='tools'")
	assert.Contains(t, xml, "<group name='anyone' access='read,write'/>")

	// Second run sees matching digests and does nothing.
	report, err = syncer.SyncMembership(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ListsChanged)
	assert.False(t, report.Exported)
}

func TestRefreshSubscriberCounts(t *testing.T) {
	ctx := context.Background()
	client, _ := testDirectoryServer(t)

	store := newFakeListStore()
	store.lists = []db.EmailList{
		{Name: "tools", Active: true},
		{Name: "retired", Active: false},
	}

	recorded, err := NewSyncer(store, client, nil).RefreshSubscriberCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recorded)
	assert.Equal(t, 42, store.counts["tools"])
	_, ok := store.counts["retired"]
	assert.False(t, ok)
}

func TestMarkInactive(t *testing.T) {
	ctx := context.Background()
	client, _ := testDirectoryServer(t)

	store := newFakeListStore()
	store.lists = []db.EmailList{
		{Name: "tools", Active: true},
		{Name: "dormant", Active: true},
		{Name: "external-feed", Active: true},
	}
	store.latest["dormant"] = time.Now().Add(-365 * 24 * time.Hour)
	store.latest["external-feed"] = time.Now().Add(-time.Hour)

	var prompted []string
	deactivated, err := NewSyncer(store, client, nil).MarkInactive(ctx, func(name string) bool {
		prompted = append(prompted, name)
		return true
	})
	require.NoError(t, err)

	// tools is still hosted, external-feed has fresh traffic.
	assert.Equal(t, []string{"dormant"}, deactivated)
	assert.Equal(t, []string{"dormant"}, prompted)
	assert.Equal(t, []string{"dormant"}, store.deactivated)
}
