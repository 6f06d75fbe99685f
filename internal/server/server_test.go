package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exasweep/internal/config"
	"exasweep/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, withLedger bool) *Server {
	t.Helper()
	b, err := config.Load("")
	require.NoError(t, err)
	s := &Server{Config: b, Root: t.TempDir()}
	if withLedger {
		l, err := ledger.Open(filepath.Join(t.TempDir(), ledger.DefaultFile))
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })
		s.Ledger = l
	}
	return s
}

func get(t *testing.T, s *Server, path string, into any) int {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Router().ServeHTTP(w, req)
	if into != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), into), w.Body.String())
	}
	return w.Code
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, false)
	var body map[string]string
	assert.Equal(t, http.StatusOK, get(t, s, "/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStudies(t *testing.T) {
	s := newTestServer(t, false)
	var body struct {
		Studies []studyView `json:"studies"`
	}
	require.Equal(t, http.StatusOK, get(t, s, "/studies", &body))
	var recovery *studyView
	for i := range body.Studies {
		if body.Studies[i].Key == "recovery" {
			recovery = &body.Studies[i]
		}
	}
	require.NotNil(t, recovery)
	assert.Equal(t, []string{"med_workers_proportion", "num_patients_per_doctor"}, recovery.Parameters)
	assert.Equal(t, 17, recovery.Runs)
}

func writeLog(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.linux.log"), []byte(content), 0o644))
}

func TestStudyStatus(t *testing.T) {
	s := newTestServer(t, false)
	study := filepath.Join(s.Root, "recovery")
	writeLog(t, filepath.Join(study, ".run_CA.linux.baseline"), "step 1\nAMReX (24.01) finalized\n")
	writeLog(t, filepath.Join(study, ".run_CA.linux.mwprop0.00.nppd005"), "step 1\nSegfault\n")

	var body struct {
		Study   string     `json:"study"`
		Machine string     `json:"machine"`
		Cases   []caseView `json:"cases"`
	}
	require.Equal(t, http.StatusOK, get(t, s, "/status/recovery?case=CA&machine=linux", &body))
	assert.Equal(t, "linux", body.Machine)
	require.Len(t, body.Cases, 1)
	cv := body.Cases[0]
	assert.Equal(t, "CA", cv.Case)
	require.Len(t, cv.Runs, 17)
	assert.Equal(t, ".run_CA.linux.baseline", cv.Runs[0].Name)
	assert.Equal(t, 1, cv.Counts["COMPLETE"])
	assert.Equal(t, 1, cv.Counts["FAILED"])
	assert.Equal(t, 15, cv.Counts["NOT_STARTED"])
	assert.Equal(t, "Segfault", cv.Runs[1].LastLine)

	// all cases of the study, machine from the server default
	s.Machine = "linux"
	body.Cases = nil
	require.Equal(t, http.StatusOK, get(t, s, "/status/recovery", &body))
	assert.Len(t, body.Cases, 2)
}

func TestStudyStatusErrors(t *testing.T) {
	s := newTestServer(t, false)
	var body map[string]string
	assert.Equal(t, http.StatusNotFound, get(t, s, "/status/nope?machine=linux", &body))
	assert.Contains(t, body["error"], "unknown study")
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/status/recovery", &body))
	assert.Equal(t, http.StatusNotFound, get(t, s, "/status/recovery?machine=linux&case=Mars", &body))
}

func TestStudyEnsembles(t *testing.T) {
	s := newTestServer(t, false)
	var body struct {
		Ensembles []ensembleView `json:"ensembles"`
	}
	require.Equal(t, http.StatusOK, get(t, s, "/ensembles/recovery", &body))
	assert.Empty(t, body.Ensembles)

	study := filepath.Join(s.Root, "recovery")
	for _, m := range []string{"run_001", "run_002", "run_003"} {
		require.NoError(t, os.MkdirAll(filepath.Join(study, ".ensemble_CA_linux", m), 0o755))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(study, ".ensemble_ca_coimm_perlmutter", "run_001"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(study, ".ensemble_CA_linux", "output_summary_mean.dat"),
		[]byte("Day TotalInfected\n0 1\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(study, ".run_CA.linux.baseline"), 0o755))

	require.Equal(t, http.StatusOK, get(t, s, "/ensembles/recovery", &body))
	assert.Equal(t, []ensembleView{
		{Case: "CA", Machine: "linux", Members: 3, Aggregated: true},
		{Case: "ca_coimm", Machine: "perlmutter", Members: 1},
	}, body.Ensembles)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, get(t, s, "/ensembles/nope", &errBody))
}

func TestSweeps(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sw, err := s.Ledger.StartSweep(ctx, ledger.Sweep{Study: "recovery", Case: "CA", Machine: "linux",
		Action: "run", StartedAt: start})
	require.NoError(t, err)
	require.NoError(t, s.Ledger.Recorder(sw.ID).Started(ctx, ".run_CA.linux.baseline", "/r/b", 42, "", start))

	var list struct {
		Sweeps []sweepView `json:"sweeps"`
	}
	require.Equal(t, http.StatusOK, get(t, s, "/sweeps?limit=5", &list))
	require.Len(t, list.Sweeps, 1)
	assert.Equal(t, sw.ID, list.Sweeps[0].ID)

	var one struct {
		Sweep sweepView       `json:"sweep"`
		Runs  []ledgerRunView `json:"runs"`
	}
	require.Equal(t, http.StatusOK, get(t, s, "/sweeps/"+sw.ID[:8], &one))
	assert.Equal(t, "run", one.Sweep.Action)
	require.Len(t, one.Runs, 1)
	assert.Equal(t, 42, one.Runs[0].PID)
	assert.Equal(t, "RUNNING", one.Runs[0].State)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/sweeps/ffffffff", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/sweeps?limit=-1", nil))
}

func TestSweepsWithoutLedger(t *testing.T) {
	s := newTestServer(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/sweeps", nil))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/sweeps/abc", nil))
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
