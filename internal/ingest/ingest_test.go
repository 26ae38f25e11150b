package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/store"
	"github.com/iksnae/session-vault/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "vault.db"), store.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, Options{Logger: zaptest.NewLogger(t)}), st
}

func sources(as ...adapters.Adapter) []Source {
	out := make([]Source, len(as))
	for i, a := range as {
		out[i] = Source{Adapter: a}
	}
	return out
}

// staticAdapter serves fixed native sessions; refs may repeat
type staticAdapter struct {
	name     string
	refs     []string
	sessions map[string]*adapters.NativeSession
	listErr  error
	fetches  int
}

func (a *staticAdapter) Name() string { return a.name }

func (a *staticAdapter) List(ctx context.Context, opts adapters.FetchOptions) (adapters.Page, error) {
	if a.listErr != nil {
		return adapters.Page{}, a.listErr
	}
	var p adapters.Page
	for _, id := range a.refs {
		p.Refs = append(p.Refs, adapters.NativeSessionRef{Source: a.name, NativeID: id})
	}
	return p, nil
}

func (a *staticAdapter) Fetch(ctx context.Context, ref adapters.NativeSessionRef) (*adapters.NativeSession, error) {
	a.fetches++
	ns, ok := a.sessions[ref.NativeID]
	if !ok {
		return nil, internal.ErrNotFound
	}
	c := *ns
	c.Session = ns.Session.Clone()
	return &c, nil
}

func TestHarvest_WritesThenSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	eng, st := newEngine(t)
	alpha := testutil.NewMemorySource("alpha",
		testutil.SampleSession("alpha", "s1", 1000, 2),
		testutil.SampleSession("alpha", "s2", 5000, 3))
	beta := testutil.NewMemorySource("beta", testutil.SampleSession("beta", "b1", 9000, 1))

	report, err := eng.Harvest(ctx, sources(alpha, beta))
	require.NoError(t, err)
	assert.Equal(t, 3, report.SessionsWritten)
	assert.Zero(t, report.SessionsSkipped)
	assert.Empty(t, report.Errors)
	assert.ElementsMatch(t, []string{"alpha:s1", "alpha:s2", "beta:b1"}, report.Written)
	assert.Equal(t, SourceReport{Source: "alpha", Listed: 2, Written: 2}, report.Sources[0])

	got, err := st.LoadSession(ctx, "alpha:s2")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3)

	report, err = eng.Harvest(ctx, sources(alpha, beta))
	require.NoError(t, err)
	assert.Zero(t, report.SessionsWritten)
	assert.Equal(t, 3, report.SessionsSkipped)

	changed := testutil.SampleSession("alpha", "s1", 1000, 4)
	alpha.Put(changed)
	report, err = eng.Harvest(ctx, sources(alpha))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha:s1"}, report.Written)
	assert.Equal(t, 1, report.SessionsSkipped)
	hash, err := st.ContentHash(ctx, "alpha:s1")
	require.NoError(t, err)
	assert.Equal(t, internal.ContentHash(changed), hash)
}

func TestHarvest_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	eng, st := newEngine(t)
	corrupt := adapters.ParseError("alpha", "bad", errors.New("unexpected end of JSON input"))
	alpha := testutil.NewMemorySource("alpha",
		testutil.SampleSession("alpha", "good1", 1000, 2),
		testutil.SampleSession("alpha", "bad", 2000, 2),
		testutil.SampleSession("alpha", "good2", 3000, 2))
	alpha.FailFetch = map[string]error{"bad": corrupt}

	report, err := eng.Harvest(ctx, sources(alpha))
	require.NoError(t, err)
	assert.Equal(t, 2, report.SessionsWritten)
	assert.NotContains(t, report.Written, "alpha:bad")
	require.Len(t, report.Errors, 1)

	var serr *SessionError
	require.ErrorAs(t, report.Errors[0], &serr)
	assert.Equal(t, "bad", serr.NativeID)
	var perr *internal.FormatParseError
	assert.ErrorAs(t, report.Errors[0], &perr)

	_, err = st.GetSession(ctx, "alpha:bad")
	assert.ErrorIs(t, err, internal.ErrNotFound)
	_, err = st.GetSession(ctx, "alpha:good2")
	assert.NoError(t, err)
}

func TestHarvest_InvalidSessionIsAParseError(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t)
	bad := testutil.SampleSession("x", "dup", 1000, 2)
	bad.Messages[1].ID = bad.Messages[0].ID
	a := &staticAdapter{name: "x", refs: []string{"dup"}, sessions: map[string]*adapters.NativeSession{
		"dup": {Session: bad},
	}}

	report, err := eng.Harvest(ctx, sources(a))
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	var perr *internal.FormatParseError
	assert.ErrorAs(t, report.Errors[0], &perr)
}

func TestHarvest_ListingFailureDoesNotStopOtherSources(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t)
	broken := &staticAdapter{name: "broken", listErr: errors.New("connection refused")}
	alpha := testutil.NewMemorySource("alpha", testutil.SampleSession("alpha", "s1", 1000, 2))

	report, err := eng.Harvest(ctx, sources(broken, alpha))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha:s1"}, report.Written)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Error(), "connection refused")
}

func TestHarvest_RepeatedRefsFetchedOnce(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t)
	s := testutil.SampleSession("x", "one", 1000, 2)
	a := &staticAdapter{name: "x", refs: []string{"one", "one", "one"}, sessions: map[string]*adapters.NativeSession{
		"one": {Session: s},
	}}

	report, err := eng.Harvest(ctx, sources(a))
	require.NoError(t, err)
	assert.Equal(t, 1, a.fetches)
	assert.Equal(t, 1, report.Sources[0].Listed)
	assert.Equal(t, 1, report.SessionsWritten)
}

func TestHarvest_PersistsWorkspaceAndShareLinks(t *testing.T) {
	ctx := context.Background()
	eng, st := newEngine(t)
	s := testutil.SampleSession("x", "one", 1000, 2)
	a := &staticAdapter{name: "x", refs: []string{"one"}, sessions: map[string]*adapters.NativeSession{
		"one": {
			Session:    s,
			Workspace:  &internal.Workspace{ID: "ws1", ProjectPath: "/src/app", Provider: "x", LastModified: 2000},
			ShareLinks: []internal.ShareLink{{URL: "https://x.example/s/abc", Visibility: "link", CreatedAt: 1500}},
			Dropped:    []error{errors.New("message 7: unknown role")},
		},
	}}

	report, err := eng.Harvest(ctx, sources(a))
	require.NoError(t, err)
	assert.Len(t, report.Dropped, 1)
	assert.Equal(t, 1, report.Sources[0].Dropped)

	got, err := st.GetSession(ctx, "x:one")
	require.NoError(t, err)
	assert.Equal(t, "ws1", got.WorkspaceID)
	w, err := st.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "/src/app", w.ProjectPath)
	links, err := st.ListShareLinks(ctx, "x:one", false)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "https://x.example/s/abc", links[0].URL)
}

func TestHarvest_CanceledRunIsPartialNotFailed(t *testing.T) {
	eng, _ := newEngine(t)
	stuck := testutil.NewMemorySource("stuck", testutil.SampleSession("stuck", "s1", 1000, 2))
	stuck.Block = true
	alpha := testutil.NewMemorySource("alpha", testutil.SampleSession("alpha", "s1", 1000, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	report, err := eng.Harvest(ctx, sources(stuck, alpha))
	require.NoError(t, err)
	assert.True(t, report.Canceled)
	assert.Empty(t, report.Errors)
	assert.LessOrEqual(t, report.SessionsWritten, 1)
}

func TestHarvest_BoundedParallelism(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "vault.db"), store.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer st.Close()
	eng := New(st, Options{Logger: zaptest.NewLogger(t), Parallel: 1})

	var srcs []adapters.Adapter
	for _, name := range []string{"a", "b", "c"} {
		srcs = append(srcs, testutil.NewMemorySource(name, testutil.SampleSession(name, "s", 1000, 2)))
	}
	report, err := eng.Harvest(ctx, sources(srcs...))
	require.NoError(t, err)
	assert.Equal(t, 3, report.SessionsWritten)
}

func TestHarvest_StoreFailureStopsRun(t *testing.T) {
	eng, st := newEngine(t)
	require.NoError(t, st.Close())
	alpha := testutil.NewMemorySource("alpha", testutil.SampleSession("alpha", "s1", 1000, 2))

	_, err := eng.Harvest(context.Background(), sources(alpha))
	assert.Error(t, err)
}

func twoSourceScenario() (*internal.Session, *internal.Session) {
	a := &internal.Session{ID: "a:1", Provider: "a", Title: "Session 1", Messages: []internal.Message{
		{ID: "a1", Role: internal.RoleUser, Content: "first", CreatedAt: 1000},
		{ID: "a2", Role: internal.RoleAssistant, Content: "third", CreatedAt: 3000, ParentID: "a1"},
	}}
	b := &internal.Session{ID: "b:2", Provider: "b", Title: "Session 2", Messages: []internal.Message{
		{ID: "b1", Role: internal.RoleUser, Content: "second", CreatedAt: 2000},
		{ID: "b2", Role: internal.RoleAssistant, Content: "fourth", CreatedAt: 4000, ParentID: "b1"},
	}}
	a.Normalize()
	b.Normalize()
	return a, b
}

func TestMerge_TwoSources(t *testing.T) {
	a, b := twoSourceScenario()
	merged, err := Merge("", a, b)
	require.NoError(t, err)

	require.Len(t, merged.Messages, 4)
	var times []int64
	for _, m := range merged.Messages {
		times = append(times, m.CreatedAt)
		assert.Equal(t, merged.ID, m.SessionID)
	}
	assert.Equal(t, []int64{1000, 2000, 3000, 4000}, times)
	assert.Contains(t, merged.Title, "2")
	assert.Equal(t, int64(1000), merged.CreatedAt)
	assert.Equal(t, int64(4000), merged.UpdatedAt)
	assert.Equal(t, MergedProvider, merged.Provider)
	assert.Equal(t, []string{"a:1", "b:2"}, MergeSources(merged))
	assert.NotEmpty(t, merged.ID)

	// inputs are untouched
	assert.Equal(t, "a:1", a.Messages[0].SessionID)
}

func TestMerge_Idempotent(t *testing.T) {
	a, b := twoSourceScenario()
	once, err := Merge("m1", a, b)
	require.NoError(t, err)
	twice, err := Merge("m2", once)
	require.NoError(t, err)

	ignoreIDs := cmp.Options{
		cmpopts.IgnoreFields(internal.Session{}, "ID"),
		cmpopts.IgnoreFields(internal.Message{}, "SessionID"),
	}
	if diff := cmp.Diff(once, twice, ignoreIDs); diff != "" {
		t.Errorf("re-merge changed the session (-once +twice):\n%s", diff)
	}
	assert.Equal(t, internal.ContentHash(once), internal.ContentHash(twice))

	again, err := Merge("m3", a, b)
	require.NoError(t, err)
	if diff := cmp.Diff(once, again, ignoreIDs); diff != "" {
		t.Errorf("merging the same inputs differs (-first +second):\n%s", diff)
	}

	withOverlap, err := Merge("m4", once, a)
	require.NoError(t, err)
	assert.Len(t, withOverlap.Messages, 4, "messages already merged collapse")
	assert.Equal(t, "Merged 2 sessions", withOverlap.Title)
}

func TestMerge_ChronologicalWithStableTies(t *testing.T) {
	a := &internal.Session{ID: "a", Provider: "a", Messages: []internal.Message{
		{ID: "x", Role: internal.RoleUser, Content: "a at 5", CreatedAt: 5},
		{ID: "y", Role: internal.RoleUser, Content: "a at 1", CreatedAt: 1},
	}}
	b := &internal.Session{ID: "b", Provider: "b", Messages: []internal.Message{
		{ID: "z", Role: internal.RoleUser, Content: "b at 5", CreatedAt: 5},
	}}

	merged, err := Merge("m", a, b)
	require.NoError(t, err)
	var got []string
	for i, m := range merged.Messages {
		got = append(got, m.Content)
		if i > 0 {
			assert.LessOrEqual(t, merged.Messages[i-1].CreatedAt, m.CreatedAt)
		}
	}
	assert.Equal(t, []string{"a at 1", "a at 5", "b at 5"}, got)
}

func TestMerge_IDCollisionIsRekeyed(t *testing.T) {
	a := &internal.Session{ID: "a", Provider: "a", Messages: []internal.Message{
		{ID: "1", Role: internal.RoleUser, Content: "hello", CreatedAt: 1},
	}}
	b := &internal.Session{ID: "b", Provider: "b", Messages: []internal.Message{
		{ID: "1", Role: internal.RoleUser, Content: "different", CreatedAt: 2},
		{ID: "2", Role: internal.RoleAssistant, Content: "reply", CreatedAt: 3, ParentID: "1"},
	}}

	merged, err := Merge("m", a, b)
	require.NoError(t, err)
	require.NoError(t, merged.Validate())
	require.Len(t, merged.Messages, 3)
	assert.Equal(t, "b/1", merged.Messages[1].ID)
	assert.Equal(t, "b/1", merged.Messages[2].ParentID)
}

func TestMerge_KeepsAgreedWorkspaceAndModel(t *testing.T) {
	a, b := twoSourceScenario()
	a.WorkspaceID, b.WorkspaceID = "ws", "ws"
	a.Model, b.Model = "gpt-4o", "claude"

	merged, err := Merge("m", a, b)
	require.NoError(t, err)
	assert.Equal(t, "ws", merged.WorkspaceID)
	assert.Empty(t, merged.Model)
}

func TestMerge_NothingToMerge(t *testing.T) {
	_, err := Merge("m")
	assert.ErrorIs(t, err, internal.ErrNothingToMerge)
}

func TestSessionError(t *testing.T) {
	err := &SessionError{Source: "cursor", NativeID: "abc", Err: internal.ErrNotFound}
	assert.True(t, strings.HasPrefix(err.Error(), "cursor session abc"))
	assert.ErrorIs(t, err, internal.ErrNotFound)
}
