package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/unifyd/internal/config"
	"github.com/fyrsmithlabs/unifyd/internal/engine"
	"github.com/fyrsmithlabs/unifyd/internal/events"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
	"github.com/fyrsmithlabs/unifyd/internal/plan"
	"github.com/fyrsmithlabs/unifyd/internal/run"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Ledger.Dir = t.TempDir()
	// Approval of queued deletions re-checks the destructive policy.
	cfg.Pipeline.Planner.DestructiveAllowed = true

	eng, err := engine.NewEngine(cfg, run.NewStore(), events.NopPublisher{}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	s, err := NewServer(eng, nil, "", cfg.Server, logging.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, eng
}

func mustFragments(t *testing.T, origin, content string) []fragment.Fragment {
	t.Helper()
	f, err := fragment.New(origin, content, fragment.KindForPath(origin), time.Now())
	require.NoError(t, err)
	return []fragment.Fragment{f}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeRun(t *testing.T, resp *http.Response) run.Run {
	t.Helper()
	defer resp.Body.Close()
	var r run.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return r
}

func waitForState(t *testing.T, ts *httptest.Server, id string, want run.State) run.Run {
	t.Helper()
	var r run.Run
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/v1/runs/" + id)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		r = decodeRun(t, resp)
		return r.State == want
	}, 10*time.Second, 25*time.Millisecond)
	return r
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndGetRun(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/runs", CreateRunRequest{
		Actor: "op",
		Fragments: []FragmentInput{
			{Origin: "notes.md", Content: "alpha  \nbeta"},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decodeRun(t, resp)
	require.NotEmpty(t, created.ID)

	r := waitForState(t, ts, created.ID, run.StateCompleted)
	assert.NotEmpty(t, r.Issues)
	assert.NotEmpty(t, r.Fixes)
}

func TestCreateRunValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name string
		req  CreateRunRequest
	}{
		{"no fragments", CreateRunRequest{}},
		{"bad policy", CreateRunRequest{
			Policy:    "coin-flip",
			Fragments: []FragmentInput{{Origin: "a", Content: "x\n"}},
		}},
		{"empty content", CreateRunRequest{
			Fragments: []FragmentInput{{Origin: "a", Content: ""}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/runs", tt.req)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestListRuns(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/runs", CreateRunRequest{
		Fragments: []FragmentInput{{Origin: "a.md", Content: "alpha\n"}},
	})
	created := decodeRun(t, resp)
	waitForState(t, ts, created.ID, run.StateCompleted)

	listResp, err := http.Get(ts.URL + "/v1/runs")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var runs []run.Run
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, created.ID, runs[0].ID)
}

func TestResolveConflictFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/runs", CreateRunRequest{
		Policy: "interactive",
		Fragments: []FragmentInput{
			{Origin: "base.md", Content: "value one\n"},
			{Origin: "copy-a.md", Content: "value two\n"},
			{Origin: "copy-b.md", Content: "value three\n"},
		},
	})
	created := decodeRun(t, resp)

	r := waitForState(t, ts, created.ID, run.StateAwaiting)
	require.NotNil(t, r.Merge)
	pending := r.Merge.Pending()
	require.Len(t, pending, 1)

	var candidateID string
	for _, cand := range pending[0].Candidates {
		if cand.Origin == "copy-b.md" {
			candidateID = cand.ID
		}
	}
	require.NotEmpty(t, candidateID)

	url := fmt.Sprintf("%s/v1/runs/%s/conflicts/%s/resolution", ts.URL, created.ID, pending[0].ID)
	res := postJSON(t, url, ResolutionRequest{CandidateID: candidateID, Actor: "op"})
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	final := waitForState(t, ts, created.ID, run.StateCompleted)
	assert.Contains(t, final.Content, "value three")

	// Resolving again conflicts with the already-resolved region.
	res2 := postJSON(t, url, ResolutionRequest{CandidateID: candidateID})
	defer res2.Body.Close()
	assert.Equal(t, http.StatusConflict, res2.StatusCode)
}

func TestFixApprovalFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/runs", CreateRunRequest{
		Fragments: []FragmentInput{{Origin: "a.md", Content: "alpha  \nbeta\n"}},
	})
	created := decodeRun(t, resp)
	r := waitForState(t, ts, created.ID, run.StateCompleted)

	queued := r.QueuedFixes()
	require.NotEmpty(t, queued)

	fixesResp, err := http.Get(ts.URL + "/v1/runs/" + created.ID + "/fixes?status=queued")
	require.NoError(t, err)
	defer fixesResp.Body.Close()
	var fixes []plan.Fix
	require.NoError(t, json.NewDecoder(fixesResp.Body).Decode(&fixes))
	require.Len(t, fixes, len(queued))

	url := fmt.Sprintf("%s/v1/runs/%s/fixes/%s/approval", ts.URL, created.ID, queued[0].ID)
	approveResp := postJSON(t, url, ApprovalRequest{Decision: "approve", Actor: "op"})
	require.Equal(t, http.StatusOK, approveResp.StatusCode)
	got := decodeRun(t, approveResp)

	f, err := got.Fix(queued[0].ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusApplied, f.Status)

	// Approving twice is a conflict.
	again := postJSON(t, url, ApprovalRequest{Decision: "approve"})
	defer again.Body.Close()
	assert.Equal(t, http.StatusConflict, again.StatusCode)

	bad := postJSON(t, url, ApprovalRequest{Decision: "maybe"})
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestReportEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/runs", CreateRunRequest{
		Fragments: []FragmentInput{{Origin: "a.md", Content: "alpha\n"}},
	})
	created := decodeRun(t, resp)
	waitForState(t, ts, created.ID, run.StateCompleted)

	jsonResp, err := http.Get(ts.URL + "/v1/runs/" + created.ID + "/report?format=json")
	require.NoError(t, err)
	defer jsonResp.Body.Close()
	require.Equal(t, http.StatusOK, jsonResp.StatusCode)
	assert.Contains(t, jsonResp.Header.Get("Content-Type"), "application/json")

	mdResp, err := http.Get(ts.URL + "/v1/runs/" + created.ID + "/report")
	require.NoError(t, err)
	defer mdResp.Body.Close()
	require.Equal(t, http.StatusOK, mdResp.StatusCode)
	body, err := io.ReadAll(mdResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), created.ID)
}

func TestCancelAndArchive(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/runs", CreateRunRequest{
		Policy: "interactive",
		Fragments: []FragmentInput{
			{Origin: "base.md", Content: "one\n"},
			{Origin: "copy-a.md", Content: "two\n"},
			{Origin: "copy-b.md", Content: "three\n"},
		},
	})
	created := decodeRun(t, resp)
	waitForState(t, ts, created.ID, run.StateAwaiting)

	cancelResp := postJSON(t, ts.URL+"/v1/runs/"+created.ID+"/cancel", nil)
	defer cancelResp.Body.Close()
	require.Equal(t, http.StatusAccepted, cancelResp.StatusCode)
	waitForState(t, ts, created.ID, run.StateCancelled)

	archiveResp := postJSON(t, ts.URL+"/v1/runs/"+created.ID+"/archive", nil)
	defer archiveResp.Body.Close()
	require.Equal(t, http.StatusNoContent, archiveResp.StatusCode)

	// Archived runs drop out of the default listing.
	listResp, err := http.Get(ts.URL + "/v1/runs")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var runs []run.Run
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&runs))
	assert.Empty(t, runs)
}

func TestRunNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/runs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsUnavailableWithoutNATS(t *testing.T) {
	ts, eng := newTestServer(t)

	r, err := eng.Execute(context.Background(), engine.Request{
		Mode:      run.ModeMergeOnly,
		Fragments: mustFragments(t, "a.md", "alpha\n"),
	})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/v1/runs/" + r.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventsStreamTerminalRun(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger.Dir = t.TempDir()

	bus, err := events.Connect(context.Background(), config.EventsConfig{Embedded: true}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	eng, err := engine.NewEngine(cfg, run.NewStore(), bus.Publisher, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	s, err := NewServer(eng, bus.Conn(), cfg.Events.SubjectPrefix, cfg.Server, logging.NewNop())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	r, err := eng.Execute(context.Background(), engine.Request{
		Mode:      run.ModeMergeOnly,
		Fragments: mustFragments(t, "a.md", "alpha\n"),
	})
	require.NoError(t, err)
	require.Equal(t, run.StateCompleted, r.State)

	resp, err := http.Get(ts.URL + "/v1/runs/" + r.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: state")
	assert.Contains(t, string(body), string(run.StateCompleted))
}
