package status

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/lopper/internal/metrics"
	"github.com/samcharles93/lopper/internal/prune"
)

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	e := s.Echo()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestTrackerFollowsLayerStages(t *testing.T) {
	t.Parallel()
	tr := NewTracker("wanda")
	snap := tr.Snapshot()
	assert.Equal(t, PhaseStarting, snap.Phase)
	assert.Equal(t, -1, snap.Layer)

	tr.LayerStage(2, 4, prune.ForwardCaptured)
	snap = tr.Snapshot()
	assert.Equal(t, PhasePruning, snap.Phase)
	assert.Equal(t, 2, snap.Layer)
	assert.Equal(t, 4, snap.Layers)
	assert.Equal(t, prune.ForwardCaptured.String(), snap.Stage)
	assert.False(t, snap.Finished)

	tr.SetPhase(PhaseDone)
	assert.True(t, tr.Snapshot().Finished)
}

func TestTrackerFail(t *testing.T) {
	t.Parallel()
	tr := NewTracker("sparsegpt")
	tr.Fail(errors.New("cholesky failed"))
	snap := tr.Snapshot()
	assert.Equal(t, PhaseFailed, snap.Phase)
	assert.Equal(t, "cholesky failed", snap.Error)
	assert.True(t, snap.Finished)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	tr := NewTracker("magnitude")
	s := NewServer(tr, metrics.New())

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Version)

	tr.Fail(nil)
	rec = get(t, s, "/healthz")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "failed", body.Status)
}

func TestProgress(t *testing.T) {
	t.Parallel()
	tr := NewTracker("gradients")
	tr.SetPhase(PhaseGradients)
	tr.SampleDone(3, 10)
	s := NewServer(tr, nil)

	rec := get(t, s, "/v1/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "gradients", snap.Job)
	assert.Equal(t, PhaseGradients, snap.Phase)
	assert.Equal(t, 3, snap.Sample)
	assert.Equal(t, 10, snap.Samples)
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	m.GradientSample()
	s := NewServer(NewTracker("gradients"), m)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "lopper_gradient_samples_total 1"))
}
