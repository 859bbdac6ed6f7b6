package main

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/braviap/js-sdk"
)

func TestServeMetrics(t *testing.T) {
	m, err := serveMetrics("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(m.Close)

	r := api.NewRequest(api.RequestConfig{Endpoint: "search", Transport: "jsonp"})
	require.True(t, r.Usable())

	resp, err := http.Get("http://" + m.addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `echo_api_transports_selected_total{transport="JSONP"}`)
	assert.Contains(t, string(body), "echo_api_websocket_sockets")
}

func TestServeMetricsBadAddress(t *testing.T) {
	_, err := serveMetrics("not an address")
	assert.Error(t, err)
}
