package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCounter(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	for code, want := range map[int]string{
		101: "1xx", 200: "2xx", 204: "2xx", 302: "3xx",
		401: "4xx", 409: "4xx", 500: "5xx", 503: "5xx",
	} {
		assert.Equal(t, want, statusBucket(code), "code %d", code)
	}
}

func TestHandler_ExposesEscrowSeries(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	EscrowTransitionsTotal.WithLabelValues("delivered", "received").Inc()
	ActiveWebSocketClients.Set(2)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `escrowd_escrow_transitions_total{from="delivered",to="received"}`)
	assert.Contains(t, body, "escrowd_active_websocket_clients 2")
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrow/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/escrow/:id", "4xx")
	before := readCounter(t, counter)

	for _, id := range []string{"esc_1", "esc_2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrow/"+id, nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	assert.Equal(t, before+2, readCounter(t, counter))
}
