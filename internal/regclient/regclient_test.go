package regclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturehost/hostpipeline/internal/registry"
)

func TestRegisterPostsDeviceListAndSystemStats(t *testing.T) {
	var gotPath string
	var gotBody registerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	devices := []Device{{
		Device:      registry.Device{DeviceID: "device1", DeviceName: "Living Room"},
		CaptureRoot: t.TempDir(),
	}}
	client := New(srv.URL, "test-host", "http://host.local", devices)

	ok := client.register(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "/server/system/register", gotPath)
	assert.Equal(t, "test-host", gotBody.HostName)
	require.Len(t, gotBody.Devices, 1)
	assert.Equal(t, "device1", gotBody.Devices[0].DeviceID)
	assert.Contains(t, gotBody.SystemStats, "disk")
}

func TestPingReturnsFalseOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(srv.URL, "test-host", "http://host.local", nil)
	assert.False(t, client.ping(context.Background()))
}
