package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCapture("dom", "chatgpt")
	m.RecordCapture("dom", "chatgpt")
	m.RecordUpload(true, 3, 0.2)
	m.RecordUpload(false, 2, 0.1)
	m.RecordDelete(false)
	m.SetPending(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Captures.WithLabelValues("dom", "chatgpt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.UploadedBatches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deletes.WithLabelValues("error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Pending))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordCapture("network", "claude")
	m.RecordUpload(true, 1, 0)
	m.RecordDelete(true)
	m.SetPending(1)
}
