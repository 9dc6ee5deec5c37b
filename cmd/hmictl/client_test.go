package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soildesigngroup/cm5-maker-desk/internal/device"
	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
)

func TestClientCommand(t *testing.T) {
	var got dispatch.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/command", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(dispatch.Response{Success: true, RequestID: got.RequestID, Data: device.Data{"rpm": 1200}})
	}))
	defer ts.Close()

	c := newClient(ts.URL, time.Second)
	resp, err := c.command(dispatch.Request{Action: "read_rpm", Device: "fan", RequestID: "cli-1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "cli-1", resp.RequestID)
	assert.Equal(t, float64(1200), resp.Data["rpm"])
	assert.Equal(t, "fan", got.Device)
}

func TestClientRejectsServerErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer ts.Close()

	var out map[string]any
	assert.Error(t, newClient(ts.URL, time.Second).get("/api/status", &out))
}

func TestNewClientAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8081", newClient("127.0.0.1:8081/", time.Second).base)
	assert.Equal(t, "https://hmi.local", newClient("https://hmi.local", time.Second).base)
}

func TestParseParams(t *testing.T) {
	p, err := parseParams(`{"channel": 3}`)
	require.NoError(t, err)
	assert.Equal(t, float64(3), p["channel"])

	p, err = parseParams("  ")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = parseParams(`[1,2]`)
	assert.Error(t, err)
}
