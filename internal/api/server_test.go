package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringlb/internal/health"
	"ringlb/internal/journal"
	"ringlb/internal/membership"
	"ringlb/internal/provision"
	"ringlb/internal/ring"
	"ringlb/internal/router"
	"ringlb/internal/transport"
)

type stack struct {
	lb       *httptest.Server
	ring     *ring.Ring
	members  *membership.Manager
	replicas map[string]*httptest.Server
}

func fakeReplica(hostname string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/home":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"message":"Hello from Server: %s","status":"successful"}`, hostname)
		case "/heartbeat":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
}

// newStack wires a balancer over fake replicas named server_1..server_n plus extra.
func newStack(t *testing.T, n int, extra ...string) *stack {
	t.Helper()
	r, err := ring.NewRing(ring.DefaultSlots, ring.DefaultVNodes)
	require.NoError(t, err)

	prov := provision.NewStaticProvisioner(nil)
	replicas := make(map[string]*httptest.Server)
	names := extra
	for i := 1; i <= n; i++ {
		names = append(names, fmt.Sprintf("server_%d", i))
	}
	for _, name := range names {
		srv := fakeReplica(name)
		t.Cleanup(srv.Close)
		replicas[name] = srv
		prov.Register(name, strings.TrimPrefix(srv.URL, "http://"), "")
	}

	m, err := membership.NewManager(r, prov)
	require.NoError(t, err)

	rt := router.New(r, m, transport.NewHTTPGateway(time.Second))
	lb := httptest.NewServer(NewServer(r, m, rt, nil))
	t.Cleanup(lb.Close)

	return &stack{lb: lb, ring: r, members: m, replicas: replicas}
}

type replyBody struct {
	Message json.RawMessage `json:"message"`
	Status  string          `json:"status"`
}

func do(t *testing.T, method, url, body string, header map[string]string) (*http.Response, replyBody, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var rb replyBody
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &rb)
	}
	return resp, rb, raw
}

func decodeList(t *testing.T, rb replyBody) replicaList {
	t.Helper()
	var l replicaList
	require.NoError(t, json.Unmarshal(rb.Message, &l))
	return l
}

func decodeMessage(t *testing.T, rb replyBody) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(rb.Message, &s))
	return s
}

func TestReplicas(t *testing.T) {
	s := newStack(t, 3)
	_, err := s.members.BulkJoin(context.Background(), 3, nil)
	require.NoError(t, err)

	resp, rb, _ := do(t, http.MethodGet, s.lb.URL+"/rep", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "successful", rb.Status)
	l := decodeList(t, rb)
	assert.Equal(t, 3, l.N)
	assert.Equal(t, []string{"server_1", "server_2", "server_3"}, l.Replicas)
}

func TestAdd(t *testing.T) {
	s := newStack(t, 3, "alpha")

	resp, rb, _ := do(t, http.MethodPost, s.lb.URL+"/add", `{"n": 1, "hostnames": ["alpha", "beta"]}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "failure", rb.Status)
	assert.Equal(t, "<Error> Length of hostname list is more than newly added instances", decodeMessage(t, rb))
	assert.Equal(t, 0, s.ring.Len(), "rejected request must not change the ring")

	resp, rb, _ = do(t, http.MethodPost, s.lb.URL+"/add", `{"n": 3, "hostnames": ["alpha"]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	l := decodeList(t, rb)
	assert.Equal(t, 3, l.N)
	assert.Equal(t, []string{"alpha", "server_2", "server_3"}, l.Replicas)
	assert.Equal(t, []int{1, 2, 3}, s.ring.Replicas())
}

func TestAdd_ProvisionFailure(t *testing.T) {
	s := newStack(t, 1)

	resp, rb, _ := do(t, http.MethodPost, s.lb.URL+"/add", `{"n": 2}`, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "failure", rb.Status)
	assert.Contains(t, decodeMessage(t, rb), "server_2")
	assert.Equal(t, []int{1}, s.ring.Replicas(), "first replica stays joined")
}

func TestAdd_DuplicateHostname(t *testing.T) {
	s := newStack(t, 0, "alpha")

	resp, _, _ := do(t, http.MethodPost, s.lb.URL+"/add", `{"n": 1, "hostnames": ["alpha"]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, rb, _ := do(t, http.MethodPost, s.lb.URL+"/add", `{"n": 1, "hostnames": ["alpha"]}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "failure", rb.Status)
}

func TestAdd_UnsafeHostname(t *testing.T) {
	s := newStack(t, 1)

	for _, body := range []string{
		`{"n": 1, "hostnames": ["../escaped"]}`,
		`{"n": 1, "hostnames": ["a/b"]}`,
	} {
		resp, rb, _ := do(t, http.MethodPost, s.lb.URL+"/add", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "failure", rb.Status)
		assert.Contains(t, decodeMessage(t, rb), "invalid hostname")
	}
	assert.Equal(t, 0, s.ring.Len())
}

func TestAdd_BadPayload(t *testing.T) {
	s := newStack(t, 1)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "n=1"},
		{"empty", ""},
		{"negative", `{"n": -1}`},
		{"wrong type", `{"n": "two"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, rb, _ := do(t, http.MethodPost, s.lb.URL+"/add", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "failure", rb.Status)
		})
	}
	assert.Equal(t, 0, s.ring.Len())
}

func TestRemove(t *testing.T) {
	s := newStack(t, 4)
	_, err := s.members.BulkJoin(context.Background(), 4, nil)
	require.NoError(t, err)

	resp, rb, _ := do(t, http.MethodDelete, s.lb.URL+"/rm", `{"n": 1, "hostnames": ["server_2", "server_3"]}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "<Error> Length of hostname list is more than removable instances", decodeMessage(t, rb))
	assert.Equal(t, 4, s.ring.Len())

	// Named first, then the oldest.
	resp, rb, _ = do(t, http.MethodDelete, s.lb.URL+"/rm", `{"n": 2, "hostnames": ["server_3"]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	l := decodeList(t, rb)
	assert.Equal(t, []string{"server_2", "server_4"}, l.Replicas)
	assert.Equal(t, []int{2, 4}, s.ring.Replicas())

	// More than available drains the ring without error.
	resp, rb, _ = do(t, http.MethodDelete, s.lb.URL+"/rm", `{"n": 5}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decodeList(t, rb).N)
	assert.Equal(t, 0, s.ring.Len())
}

func TestRemove_UnknownHostname(t *testing.T) {
	s := newStack(t, 1)
	_, err := s.members.BulkJoin(context.Background(), 1, nil)
	require.NoError(t, err)

	resp, rb, _ := do(t, http.MethodDelete, s.lb.URL+"/rm", `{"n": 1, "hostnames": ["ghost"]}`, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "failure", rb.Status)
	assert.Equal(t, 1, s.ring.Len())
}

func TestRoute(t *testing.T) {
	s := newStack(t, 3)
	_, err := s.members.BulkJoin(context.Background(), 3, nil)
	require.NoError(t, err)

	for _, reqID := range []string{"abc", "request-42", "7"} {
		id, ok := s.ring.Lookup(KeyFromRequestID(reqID))
		require.True(t, ok)

		resp, rb, _ := do(t, http.MethodGet, s.lb.URL+"/home", "", map[string]string{transport.RequestIDHeader: reqID})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, reqID, resp.Header.Get(transport.RequestIDHeader))
		assert.Equal(t, fmt.Sprintf("Hello from Server: server_%d", id), decodeMessage(t, rb))
	}
}

func TestRoute_GeneratesRequestID(t *testing.T) {
	s := newStack(t, 1)
	_, err := s.members.BulkJoin(context.Background(), 1, nil)
	require.NoError(t, err)

	resp, rb, _ := do(t, http.MethodGet, s.lb.URL+"/home", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(transport.RequestIDHeader))
	assert.Equal(t, "Hello from Server: server_1", decodeMessage(t, rb))
}

func TestRoute_Errors(t *testing.T) {
	t.Run("empty ring", func(t *testing.T) {
		s := newStack(t, 0)
		resp, rb, _ := do(t, http.MethodGet, s.lb.URL+"/home", "", nil)
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "No servers available", decodeMessage(t, rb))
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		s := newStack(t, 2)
		_, err := s.members.BulkJoin(context.Background(), 2, nil)
		require.NoError(t, err)

		resp, rb, _ := do(t, http.MethodGet, s.lb.URL+"/other", "", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "<Error> 'other' endpoint does not exist in server replicas", decodeMessage(t, rb))
		assert.Equal(t, 2, s.ring.Len(), "unknown endpoint is not a liveness failure")
	})

	t.Run("unreachable replica", func(t *testing.T) {
		s := newStack(t, 1)
		_, err := s.members.BulkJoin(context.Background(), 1, nil)
		require.NoError(t, err)
		s.replicas["server_1"].Close()

		resp, rb, _ := do(t, http.MethodGet, s.lb.URL+"/home", "", nil)
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "<Error> server_1 is unreachable", decodeMessage(t, rb))
		assert.Equal(t, 1, s.ring.Len(), "router does not evict")
	})
}

func TestRing(t *testing.T) {
	s := newStack(t, 2)
	_, err := s.members.BulkJoin(context.Background(), 2, nil)
	require.NoError(t, err)

	resp, rb, _ := do(t, http.MethodGet, s.lb.URL+"/ring", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sum ringSummary
	require.NoError(t, json.Unmarshal(rb.Message, &sum))
	assert.Equal(t, 512, sum.Slots)
	assert.Equal(t, 9, sum.VNodes)
	assert.Equal(t, []int{1, 2}, sum.Replicas)
	assert.Equal(t, fmt.Sprintf("%016x", s.ring.Fingerprint()), sum.Fingerprint)
	assert.Equal(t, s.ring.Occupied(), sum.Occupied)
}

type staticHealth []health.MemberState

func (h staticHealth) Statuses() []health.MemberState { return h }

func TestHealthAndHeartbeat(t *testing.T) {
	r, err := ring.NewRing(ring.DefaultSlots, ring.DefaultVNodes)
	require.NoError(t, err)
	m, err := membership.NewManager(r, provision.NewStaticProvisioner(nil))
	require.NoError(t, err)
	hr := staticHealth{
		{ID: 1, Hostname: "server_1", Status: health.Active},
		{ID: 2, Hostname: "server_2", Status: health.Suspect, Missed: 1},
	}
	lb := httptest.NewServer(NewServer(r, m, router.New(r, m, transport.NewHTTPGateway(time.Second)), hr))
	defer lb.Close()

	resp, _, raw := do(t, http.MethodGet, lb.URL+"/heartbeat", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, raw)

	resp, rb, _ := do(t, http.MethodGet, lb.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []memberHealth
	require.NoError(t, json.Unmarshal(rb.Message, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "SUSPECT", got[1].Status)
	assert.Equal(t, 1, got[1].Missed)
}

func TestJournal(t *testing.T) {
	r, err := ring.NewRing(ring.DefaultSlots, ring.DefaultVNodes)
	require.NoError(t, err)
	j, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	prov := provision.NewStaticProvisioner(nil)
	for _, name := range []string{"alpha", "beta"} {
		srv := fakeReplica(name)
		t.Cleanup(srv.Close)
		prov.Register(name, strings.TrimPrefix(srv.URL, "http://"), "")
	}
	m, err := membership.NewManager(r, prov, membership.WithJournal(j))
	require.NoError(t, err)
	rt := router.New(r, m, transport.NewHTTPGateway(time.Second))
	lb := httptest.NewServer(NewServer(r, m, rt, nil, WithJournal(j)))
	t.Cleanup(lb.Close)

	resp, _, _ := do(t, http.MethodPost, lb.URL+"/add", `{"n": 2, "hostnames": ["alpha", "beta"]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _, _ = do(t, http.MethodDelete, lb.URL+"/rm", `{"n": 1, "hostnames": ["alpha"]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, rb, _ := do(t, http.MethodGet, lb.URL+"/journal", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []journal.Event
	require.NoError(t, json.Unmarshal(rb.Message, &events))
	require.Len(t, events, 3)
	assert.Equal(t, journal.KindJoin, events[0].Kind)
	assert.Equal(t, "alpha", events[0].Hostname)
	assert.Equal(t, journal.KindLeave, events[2].Kind)
	assert.Equal(t, membership.ReasonAdmin, events[2].Reason)

	resp, rb, _ = do(t, http.MethodGet, lb.URL+"/journal?limit=1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(rb.Message, &events))
	assert.Len(t, events, 1)

	resp, rb, _ = do(t, http.MethodGet, lb.URL+"/journal?limit=-2", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "failure", rb.Status)
}

func TestJournal_Disabled(t *testing.T) {
	s := newStack(t, 1)

	resp, rb, _ := do(t, http.MethodGet, s.lb.URL+"/journal", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "failure", rb.Status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", membership.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: 1", ring.ErrDuplicateReplica), http.StatusBadRequest},
		{fmt.Errorf("%w: 1", ring.ErrUnknownReplica), http.StatusNotFound},
		{router.ErrNoReplicasAvailable, http.StatusInternalServerError},
		{fmt.Errorf("%w: /x", transport.ErrEndpointNotFound), http.StatusBadRequest},
		{fmt.Errorf("%w: server_1", transport.ErrReplicaUnreachable), http.StatusBadGateway},
		{fmt.Errorf("%w: server_1", transport.ErrResponseTooLarge), http.StatusBadGateway},
		{membership.ErrProvisionFailed, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestKeyFromRequestID(t *testing.T) {
	assert.Equal(t, KeyFromRequestID("abc"), KeyFromRequestID("abc"))
	assert.NotEqual(t, KeyFromRequestID("abc"), KeyFromRequestID("abd"))
	assert.Less(t, KeyFromRequestID(NewRequestID()), uint64(1<<16))
	assert.NotEqual(t, NewRequestID(), NewRequestID())
}
