package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"DEBUG", zapcore.DebugLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger("warn", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PartitionDone("runs", 1, 40, 2*time.Second, nil)
	m.PartitionDone("runs", 2, 0, time.Second, errors.New("boom"))
	m.PartitionDone("runs", 3, 2, time.Second, nil)
	m.RunsSkipped("runs", 3)

	families := gather(t, reg)
	assert.Equal(t, 2.0, counterValue(families["rapidflat_partitions_total"], "ok"))
	assert.Equal(t, 1.0, counterValue(families["rapidflat_partitions_total"], "failed"))
	assert.Equal(t, 42.0, counterValue(families["rapidflat_rows_written_total"], ""))
	assert.Equal(t, 3.0, counterValue(families["rapidflat_runs_skipped_total"], ""))

	hist := families["rapidflat_partition_duration_seconds"]
	require.NotNil(t, hist)
	assert.Equal(t, uint64(3), hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

// counterValue sums the family's counters, keeping only those whose status
// label equals status when status is set.
func counterValue(mf *dto.MetricFamily, status string) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		if status != "" {
			match := false
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" && l.GetValue() == status {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		total += m.GetCounter().GetValue()
	}
	return total
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg).RunsSkipped("flows", 1)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `rapidflat_runs_skipped_total{dataset="flows"} 1`)
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop, err := Serve(ctx, "127.0.0.1:0", prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	stop()

	_, err = Serve(ctx, "not an address", prometheus.NewRegistry(), nil)
	assert.Error(t, err)
}
