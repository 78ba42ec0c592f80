package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readiness(t *testing.T, h *HealthChecker) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := NewHealthChecker()

	code, body := readiness(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "recovering", body["status"])

	h.SetReady(true)
	code, body = readiness(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	h.AddCheck("database", func(context.Context) error { return errors.New("connection refused") })
	code, body = readiness(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, map[string]any{"database": "connection refused"}, body["checks"])
	assert.False(t, h.IsReady(context.Background()))

	// Same name replaces the failing check.
	h.AddCheck("database", func(context.Context) error { return nil })
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_Liveness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive"`)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLogLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLogLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel("verbose"))
}

func TestNewLogger_WritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tranche.log")
	t.Setenv("TRANCHE_LOG_FILE", path)

	NewLogger("epoch-scheduler").Info().Uint64("epoch", 3).Msg("epoch closed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, `"component":"epoch-scheduler"`)
	assert.Contains(t, line, `"epoch":3`)
}

func TestSetChannelMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SetChannelMetrics("persist", 256, 1024)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if g := metric.GetGauge(); g != nil && len(metric.GetLabel()) == 1 && metric.GetLabel()[0].GetValue() == "persist" {
				values[mf.GetName()] = g.GetValue()
			}
		}
	}
	assert.Contains(t, values, "tranche_channel_utilization")
	assert.InDelta(t, 0.25, values["tranche_channel_utilization"], 1e-9)
}
