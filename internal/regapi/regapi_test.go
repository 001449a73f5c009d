package regapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturehost/hostpipeline/internal/locks"
	"github.com/capturehost/hostpipeline/internal/registry"
)

func newTestServer() *Server {
	return New(registry.New(locks.New()))
}

func TestRegisterThenGetAllHostsRoundTrips(t *testing.T) {
	s := newTestServer()

	body := `{"host_name":"host-1","host_url":"http://10.0.0.1:8080","devices":[{"device_id":"d1","device_name":"living-room"}]}`
	req := httptest.NewRequest(http.MethodPost, "/server/system/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"registered"`)

	req2 := httptest.NewRequest(http.MethodGet, "/server/system/getAllHosts", http.NoBody)
	rec2 := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "host-1")
}

func TestRegisterMissingFieldsReturns400(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/server/system/register", strings.NewReader(`{"host_name":"host-1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPingUnknownHostReturns404WithAction(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/server/system/ping", strings.NewReader(`{"host_name":"ghost"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"not_registered"`)
	assert.Contains(t, rec.Body.String(), `"register"`)
}

func TestUnregisterUnknownHostReturns404(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/server/system/unregister", strings.NewReader(`{"host_name":"ghost"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthReportsRegisteredHostCount(t *testing.T) {
	s := newTestServer()
	body := `{"host_name":"host-1","host_url":"http://10.0.0.1:8080","devices":[{"device_id":"d1"}]}`
	registerReq := httptest.NewRequest(http.MethodPost, "/server/system/register", strings.NewReader(body))
	registerReq.Header.Set("Content-Type", "application/json")
	s.Echo.ServeHTTP(httptest.NewRecorder(), registerReq)

	req := httptest.NewRequest(http.MethodGet, "/server/system/health", http.NoBody)
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
