package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreIndependent(t *testing.T) {
	a := New()
	b := New()

	a.FramesSent.WithLabelValues("SEND").Inc()
	a.FramesSent.WithLabelValues("SEND").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.FramesSent.WithLabelValues("SEND")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.FramesSent.WithLabelValues("SEND")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.ConnectionState.Set(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chat_connection_state 2")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}
