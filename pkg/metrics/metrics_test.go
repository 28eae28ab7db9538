package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservations(t *testing.T) {
	m := New()
	m.ObserveRequest(http.MethodGet, "GET /file/{id}", http.StatusOK, 20*time.Millisecond)
	m.ObserveRequest(http.MethodGet, "GET /file/{id}", http.StatusOK, 40*time.Millisecond)
	m.ObserveUpload("webp", 1200)
	m.ObserveUpload("webm", 800)
	m.ObserveRejection("rejected format")
	m.ObserveSweep(3)
	m.ObserveSweep(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues(http.MethodGet, "GET /file/{id}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues("webp")))
	assert.Equal(t, 2000.0, testutil.ToFloat64(m.UploadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejections.WithLabelValues("rejected format")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SweptFiles))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestSeconds))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest(http.MethodGet, "/", http.StatusOK, time.Millisecond)
		m.ObserveUpload("png", 1)
		m.ObserveRejection("invalid")
		m.ObserveSweep(1)
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveUpload("png", 10)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.Contains(body, `mediacaddy_store_uploads_total{format="png"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
