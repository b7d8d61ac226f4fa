package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmesh/internal/jobs"
	logx "jobmesh/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	tasks []Task
	got   chan Task
}

func newRecorder() *recorder { return &recorder{got: make(chan Task, 16)} }

func (r *recorder) HandleTask(ctx context.Context, t Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	r.got <- t
	return nil
}

func waitTask(t *testing.T, ch <-chan Task) Task {
	t.Helper()
	select {
	case task := <-ch:
		return task
	case <-time.After(2 * time.Second):
		t.Fatal("task not delivered")
		return Task{}
	}
}

func TestSubmitDeliversOverHTTP(t *testing.T) {
	remote := newRecorder()
	srv := httptest.NewServer(Handler(remote, nil, logx.Nop()))
	defer srv.Close()

	m := NewHTTPMembership(HTTPConfig{
		Local:      "a",
		Peers:      []Peer{{ID: "b", Addr: srv.URL + "/"}},
		SubmitRate: 100,
	}, logx.Nop())

	desc := jobs.Descriptor{Tenant: 1, Principal: 2, Module: "mail", Kind: "index"}
	err := m.Submit(context.Background(), "b", Task{Op: OpScheduleProgressive, Descriptor: desc, StartAt: 1234, Params: json.RawMessage(`{"url":"x"}`)})
	require.NoError(t, err)

	got := waitTask(t, remote.got)
	assert.Equal(t, OpScheduleProgressive, got.Op)
	assert.Equal(t, MemberID("a"), got.From)
	assert.Equal(t, desc, got.Descriptor)
	assert.Equal(t, int64(1234), got.StartAt)
	assert.NotEmpty(t, got.ID)
	assert.JSONEq(t, `{"url":"x"}`, string(got.Params))

	require.NoError(t, m.Close(context.Background()))
	sent, failed := m.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Zero(t, failed)
	assert.ErrorIs(t, m.Submit(context.Background(), "b", Task{Op: OpScheduleFixed}), ErrClosed)
}

func TestSubmitLocalShortCircuits(t *testing.T) {
	local := newRecorder()
	m := NewHTTPMembership(HTTPConfig{Local: "a"}, logx.Nop())
	assert.ErrorIs(t, m.Submit(context.Background(), "a", Task{Op: OpScheduleFixed}), ErrUnknownMember)

	m.SetHandler(local)
	require.NoError(t, m.Submit(context.Background(), "a", Task{Op: OpScheduleFixed}))
	assert.Equal(t, OpScheduleFixed, waitTask(t, local.got).Op)
}

func TestSubmitUnknownMember(t *testing.T) {
	m := NewHTTPMembership(HTTPConfig{Local: "a"}, logx.Nop())
	assert.ErrorIs(t, m.Submit(context.Background(), "zz", Task{Op: OpScheduleFixed}), ErrUnknownMember)
}

func TestSubmitFailureIsCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewHTTPMembership(HTTPConfig{Local: "a", Peers: []Peer{{ID: "b", Addr: srv.URL}}}, logx.Nop())
	err := m.Submit(context.Background(), "b", Task{Op: OpUnscheduleGroup, Group: "1/2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	require.NoError(t, m.Close(context.Background()))
	sent, failed := m.Stats()
	assert.Zero(t, sent)
	assert.Equal(t, uint64(1), failed)
}

func TestSubmitUnreachablePeerReturnsError(t *testing.T) {
	m := NewHTTPMembership(HTTPConfig{
		Local:       "a",
		Peers:       []Peer{{ID: "b", Addr: "http://127.0.0.1:1"}},
		CallTimeout: time.Second,
	}, logx.Nop())
	defer m.Close(context.Background())

	assert.Error(t, m.Submit(context.Background(), "b", Task{Op: OpScheduleFixed}))
	_, failed := m.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestSubmitRateLimitWaitHonorsTimeout(t *testing.T) {
	remote := newRecorder()
	srv := httptest.NewServer(Handler(remote, nil, logx.Nop()))
	defer srv.Close()

	m := NewHTTPMembership(HTTPConfig{
		Local:       "a",
		Peers:       []Peer{{ID: "b", Addr: srv.URL}},
		CallTimeout: 50 * time.Millisecond,
		SubmitRate:  0.01,
		SubmitBurst: 1,
	}, logx.Nop())
	defer m.Close(context.Background())

	require.NoError(t, m.Submit(context.Background(), "b", Task{Op: OpScheduleFixed}))
	err := m.Submit(context.Background(), "b", Task{Op: OpScheduleFixed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	sent, failed := m.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(1), failed)
}

func TestSubmitLocalReturnsHandlerError(t *testing.T) {
	m := NewHTTPMembership(HTTPConfig{Local: "a"}, logx.Nop())
	m.SetHandler(failingHandler{})
	assert.ErrorContains(t, m.Submit(context.Background(), "a", Task{Op: OpScheduleFixed}), "no room")
}

type failingHandler struct{}

func (failingHandler) HandleTask(ctx context.Context, t Task) error { return errors.New("no room") }

func TestClusterSecret(t *testing.T) {
	remote := newRecorder()
	m := NewHTTPMembership(HTTPConfig{Local: "b", Secret: "s3cret"}, logx.Nop())
	srv := httptest.NewServer(Handler(remote, m.Secret, logx.Nop()))
	defer srv.Close()

	rec := httptest.NewRecorder()
	Handler(remote, m.Secret, logx.Nop()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, TaskPath, strings.NewReader(`{"op":"schedule_fixed"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong := NewHTTPMembership(HTTPConfig{Local: "a", Peers: []Peer{{ID: "b", Addr: srv.URL}}, Secret: "other"}, logx.Nop())
	defer wrong.Close(context.Background())
	assert.ErrorContains(t, wrong.Submit(context.Background(), "b", Task{Op: OpScheduleFixed}), "401")

	right := NewHTTPMembership(HTTPConfig{Local: "a", Peers: []Peer{{ID: "b", Addr: srv.URL}}, Secret: "s3cret"}, logx.Nop())
	defer right.Close(context.Background())
	require.NoError(t, right.Submit(context.Background(), "b", Task{Op: OpScheduleFixed}))
	assert.Equal(t, OpScheduleFixed, waitTask(t, remote.got).Op)

	// Clearing the secret on reload opens the endpoint again.
	m.Apply(HTTPConfig{})
	require.NoError(t, wrong.Submit(context.Background(), "b", Task{Op: OpScheduleFixed}))
}

func TestMembersSortedAndApply(t *testing.T) {
	m := NewHTTPMembership(HTTPConfig{Local: "b", Peers: []Peer{{ID: "c", Addr: "http://c"}, {ID: "a", Addr: "http://a"}, {ID: "b", Addr: "http://self"}}}, logx.Nop())
	members, err := m.Members(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []MemberID{"a", "b", "c"}, members)

	m.Apply(HTTPConfig{Peers: []Peer{{ID: "d", Addr: "http://d"}}})
	members, _ = m.Members(context.Background())
	assert.Equal(t, []MemberID{"b", "d"}, members)

	auto := NewHTTPMembership(HTTPConfig{}, logx.Nop())
	assert.NotEmpty(t, auto.Local())
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	h := Handler(newRecorder(), nil, logx.Nop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, TaskPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, TaskPath, strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, TaskPath, strings.NewReader(`{"id":"x"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type staticMembers []MemberID

func (s staticMembers) Members(ctx context.Context) ([]MemberID, error) { return s, nil }
func (s staticMembers) Local() MemberID                                 { return s[0] }
func (s staticMembers) Submit(ctx context.Context, m MemberID, t Task) error {
	return nil
}

func TestHashOwnership(t *testing.T) {
	ctx := context.Background()
	o := NewHashOwnership(staticMembers{"a", "b", "c"})

	first, ok, err := o.OwnerOf(ctx, "1/mail")
	require.NoError(t, err)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		again, _, _ := o.OwnerOf(ctx, "1/mail")
		assert.Equal(t, first, again, "ownership is deterministic")
	}

	o.Pin("1/mail", "z")
	pinned, _, _ := o.OwnerOf(ctx, "1/mail")
	assert.Equal(t, MemberID("z"), pinned)
	o.Pin("1/mail", "")
	back, _, _ := o.OwnerOf(ctx, "1/mail")
	assert.Equal(t, first, back)

	_, ok, _ = NewHashOwnership(staticMembers{}).OwnerOf(ctx, "1/mail")
	assert.False(t, ok)
}

func TestHashOwnershipStartUp(t *testing.T) {
	ctx := context.Background()
	o := NewHashOwnership(staticMembers{"a"})
	o.RequireStartUp = true

	_, ok, _ := o.OwnerOf(ctx, "3/calendar")
	assert.False(t, ok)
	require.NoError(t, o.StartUp(ctx, jobs.Descriptor{Tenant: 3, Module: "calendar", Kind: "k"}))
	owner, ok, _ := o.OwnerOf(ctx, "3/calendar")
	assert.True(t, ok)
	assert.Equal(t, MemberID("a"), owner)
}

func TestStaticEligibility(t *testing.T) {
	ctx := context.Background()
	e := NewStaticEligibility([]string{"contacts", "7/mail"}, []string{"1/2/mail", "5/*/drive"})

	en, _ := e.IsModuleEnabled(ctx, 1, 2, "contacts")
	assert.False(t, en)
	en, _ = e.IsModuleEnabled(ctx, 7, 2, "mail")
	assert.False(t, en)
	en, _ = e.IsModuleEnabled(ctx, 1, 2, "mail")
	assert.True(t, en)

	locked, _ := e.IsLocked(ctx, 1, 2, "mail")
	assert.True(t, locked)
	locked, _ = e.IsLocked(ctx, 1, 3, "mail")
	assert.False(t, locked)
	locked, _ = e.IsLocked(ctx, 5, 99, "drive")
	assert.True(t, locked)

	e.Set(nil, nil)
	locked, _ = e.IsLocked(ctx, 1, 2, "mail")
	assert.False(t, locked)
}
