package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestLayerDone(t *testing.T) {
	t.Parallel()
	m := New()
	m.LayerDone("wanda", 3, 0.25, 0.5, 8)
	m.LayerDone("wanda", 4, 0.5, 0.4, 2)

	text := scrape(t, m)
	for _, want := range []string{
		`lopper_layers_pruned_total{strategy="wanda"} 2`,
		`lopper_weights_pruned_total{strategy="wanda"} 10`,
		`lopper_layer_sparsity_ratio{layer="3"} 0.5`,
		`lopper_layer_sparsity_ratio{layer="4"} 0.4`,
		`lopper_layer_duration_seconds_count{strategy="wanda"} 2`,
	} {
		assert.True(t, strings.Contains(text, want), want)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.LayerDone("magnitude", 0, 1, 1, 1)
	m.AdaptiveSearch(3)
	m.NumericalFailure()
	m.GradientSample()
	m.Calibration(4)
	assert.NotNil(t, m.Handler())
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()
	m := New()
	m.GradientSample()
	m.Calibration(16)

	text := scrape(t, m)
	assert.True(t, strings.Contains(text, "lopper_gradient_samples_total 1"), text)
	assert.True(t, strings.Contains(text, "lopper_calibration_samples 16"), text)
	assert.True(t, strings.Contains(text, "go_goroutines"), text)
}
