package reporter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hyperion/pkg/api"
	"hyperion/pkg/types"
)

type captured struct {
	path   string
	query  string
	header http.Header
	body   []byte
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []captured
	status   int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, captured{path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone(), body: body})
	status := f.status
	f.mu.Unlock()
	if status == 0 {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"message":"nope"}`))
}

func newReporter(t *testing.T, srv *httptest.Server) *HTTPReporter {
	t.Helper()
	r, err := NewHTTPReporter(HTTPOptions{
		Endpoint: srv.URL + "/rest/v1/",
		APIKey:   "secret",
		Timeout:  time.Second,
		Locator:  StaticLocator{City: "Frankfurt", Lat: 50.11, Lng: 8.68},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func snapshot(state types.NodeState) types.StatusSnapshot {
	return types.StatusSnapshot{
		NodeID:    "12D3KooWnode",
		State:     state,
		Hardware:  types.HardwareCapability{GPUModel: "NVIDIA GeForce RTX 4090", VRAMGB: 24},
		Timestamp: time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC),
	}
}

func TestReportUpsertsNodeRow(t *testing.T) {
	fake := &fakeAPI{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	r := newReporter(t, srv)
	require.NoError(t, r.Report(context.Background(), snapshot(types.StateComputing("task_000123"))))

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "/rest/v1/nodes", req.path)
	assert.Equal(t, "on_conflict=id", req.query)
	assert.Contains(t, req.header.Get("Prefer"), "resolution=merge-duplicates")
	assert.Equal(t, "secret", req.header.Get("apikey"))
	assert.Equal(t, "Bearer secret", req.header.Get("Authorization"))
	assert.NotEmpty(t, req.header.Get("X-Request-ID"))

	assert.JSONEq(t, `{
		"id": "12D3KooWnode",
		"gpu_model": "NVIDIA GeForce RTX 4090",
		"status": "computing",
		"vram_gb": 24,
		"last_seen": "2026-10-19T08:30:00Z",
		"ip_location": {"city": "Frankfurt", "lat": 50.11, "lng": 8.68}
	}`, string(req.body))
}

func TestReportProjectsStatus(t *testing.T) {
	for state, want := range map[types.NodeState]string{
		types.StateInit():    "offline",
		types.StateSyncing(): "syncing",
		types.StateIdle():    "online",
	} {
		rec := NodeRecordFrom(snapshot(state), api.Location{})
		assert.Equal(t, want, rec.Status)
	}

	final := snapshot(types.StateIdle())
	final.Offline = true
	assert.Equal(t, "offline", NodeRecordFrom(final, api.Location{}).Status)
}

func TestReportNon2xxIsError(t *testing.T) {
	fake := &fakeAPI{status: http.StatusUnauthorized}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	err := newReporter(t, srv).Report(context.Background(), snapshot(types.StateIdle()))
	assert.ErrorIs(t, err, ErrReport)
	assert.Contains(t, err.Error(), "401")
}

func TestReportTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	r, err := NewHTTPReporter(HTTPOptions{Endpoint: srv.URL, Timeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)

	start := time.Now()
	assert.ErrorIs(t, r.Report(context.Background(), snapshot(types.StateIdle())), ErrReport)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSettlePostsProof(t *testing.T) {
	fake := &fakeAPI{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	err := newReporter(t, srv).Settle(context.Background(), types.Settlement{
		TaskID:       "task_000123",
		NodeID:       "12D3KooWnode",
		Outcome:      types.OutcomeSettled,
		Proof:        types.SimpleHash{Digest: "sha256:abcd"},
		ResultDigest: []byte{0xab, 0xcd},
		FinishedAt:   time.Date(2026, 10, 19, 8, 31, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	require.Len(t, fake.requests, 1)
	assert.Equal(t, "/rest/v1/settlements", fake.requests[0].path)

	var rec api.SettlementRecord
	require.NoError(t, json.Unmarshal(fake.requests[0].body, &rec))
	assert.Equal(t, "settled", rec.Outcome)
	assert.Equal(t, "abcd", rec.ResultDigest)

	p, err := types.UnmarshalProof(rec.Proof)
	require.NoError(t, err)
	assert.Equal(t, types.SimpleHash{Digest: "sha256:abcd"}, p)
}

func TestNewHTTPReporterRejectsBadEndpoint(t *testing.T) {
	for _, ep := range []string{"", "ftp://example.com", "not a url", "http://"} {
		_, err := NewHTTPReporter(HTTPOptions{Endpoint: ep}, zaptest.NewLogger(t))
		assert.Error(t, err, ep)
	}
}

func TestResolveLocatorFallsBack(t *testing.T) {
	fallback := api.Location{City: "Lisbon", Lat: 38.72, Lng: -9.14}
	logger := zaptest.NewLogger(t)

	assert.Equal(t, fallback, ResolveLocator("", "203.0.113.7", fallback, logger).Locate())

	missing := filepath.Join(t.TempDir(), "missing.mmdb")
	assert.Equal(t, fallback, ResolveLocator(missing, "203.0.113.7", fallback, logger).Locate())

	garbage := filepath.Join(t.TempDir(), "garbage.mmdb")
	require.NoError(t, os.WriteFile(garbage, []byte("not a database"), 0o600))
	_, err := LookupCity(garbage, "203.0.113.7")
	assert.Error(t, err)

	_, err = LookupCity(garbage, "not-an-ip")
	assert.Error(t, err)
}

func TestLogReporter(t *testing.T) {
	r := NewLogReporter(zaptest.NewLogger(t))
	assert.NoError(t, r.Report(context.Background(), snapshot(types.StateIdle())))
	assert.NoError(t, r.Settle(context.Background(), types.Settlement{TaskID: "task_1", Outcome: types.OutcomeFailed, Error: "boom"}))
}
