package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowpbx/iaxd/internal/iax/engine"
	"github.com/flowpbx/iaxd/internal/metrics"
)

type fakeEngineStatus struct {
	state                  engine.State
	activeTransactionCount int
	callNumbersInUse       int
}

func (f fakeEngineStatus) State() engine.State           { return f.state }
func (f fakeEngineStatus) ActiveTransactionCount() int   { return f.activeTransactionCount }
func (f fakeEngineStatus) CallNumbersInUse() int         { return f.callNumbersInUse }

type fakeLinesStatus struct{ entries []metrics.LineStatusEntry }

func (f fakeLinesStatus) Lines() []metrics.LineStatusEntry { return f.entries }

type fakeTrunksStatus struct{ entries []metrics.TrunkStatusEntry }

func (f fakeTrunksStatus) ActiveTrunks() []metrics.TrunkStatusEntry { return f.entries }

func TestHealthzReportsOk(t *testing.T) {
	s := NewServer(nil, nil, nil, time.Now())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Data.Status)
}

func TestStatusReportsEngineLinesAndTrunks(t *testing.T) {
	s := NewServer(
		fakeEngineStatus{state: engine.StateListening, activeTransactionCount: 2, callNumbersInUse: 3},
		fakeLinesStatus{entries: []metrics.LineStatusEntry{{Username: "alice", State: "Registered"}}},
		fakeTrunksStatus{entries: []metrics.TrunkStatusEntry{{RemoteAddr: "203.0.113.1:4569", CallCount: 1}}},
		time.Now(),
	)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data statusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Listening", body.Data.EngineState)
	require.Equal(t, 2, body.Data.ActiveTransactionCount)
	require.Equal(t, 3, body.Data.CallNumbersInUse)
	require.Len(t, body.Data.Lines, 1)
	require.Equal(t, "alice", body.Data.Lines[0].Username)
	require.Len(t, body.Data.Trunks, 1)
}

func TestStatusToleratesNilProviders(t *testing.T) {
	s := NewServer(nil, nil, nil, time.Now())
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := NewServer(nil, nil, nil, time.Now())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestRecovererReturns500OnPanic(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	recoverer(panicky).ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
