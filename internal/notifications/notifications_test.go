package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
)

func TestClientSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "desk")
	require.NotNil(t, c)
	require.NoError(t, c.Send(context.Background(), "fan offline", "no tach", "warning"))

	assert.Equal(t, "desk", got["topic"])
	assert.Equal(t, "fan offline", got["title"])
	assert.Equal(t, []any{"warning"}, got["tags"])
}

func TestClientSendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := New(srv.URL, "desk").Send(context.Background(), "t", "m")
	assert.ErrorContains(t, err, "429")

	var disabled *Client = New(srv.URL, "")
	assert.Nil(t, disabled)
	assert.Error(t, disabled.Send(context.Background(), "t", "m"))
}

type sent struct{ title, msg string }

func TestHealthAlertsThresholdAndRecovery(t *testing.T) {
	var alerts []sent
	h := NewHealthAlerts(func(_ context.Context, title, msg string, _ ...string) error {
		alerts = append(alerts, sent{title, msg})
		return nil
	}, 3)
	ctx := context.Background()
	fail := dispatch.Response{Device: "fan", Error: "fan: bus timeout"}
	ok := dispatch.Response{Device: "fan", Success: true}

	h.Observe(ctx, fail)
	h.Observe(ctx, fail)
	h.Observe(ctx, ok)
	h.Observe(ctx, fail)
	h.Observe(ctx, fail)
	assert.Empty(t, alerts, "streak was reset by a success")

	h.Observe(ctx, fail)
	h.Observe(ctx, fail)
	h.Observe(ctx, fail)
	require.Len(t, alerts, 1)
	assert.Equal(t, "fan offline", alerts[0].title)
	assert.Contains(t, alerts[0].msg, "bus timeout")
	assert.Equal(t, []string{"fan"}, h.Offline())

	h.Observe(ctx, dispatch.Response{Device: "adc", Success: true})
	h.Observe(ctx, ok)
	h.Observe(ctx, ok)
	require.Len(t, alerts, 2)
	assert.Equal(t, "fan recovered", alerts[1].title)
	assert.Empty(t, h.Offline())
}

func TestHealthAlertsRun(t *testing.T) {
	var titles []string
	h := NewHealthAlerts(func(_ context.Context, title, _ string, _ ...string) error {
		titles = append(titles, title)
		return nil
	}, 1)

	frames := make(chan dispatch.Response, 2)
	frames <- dispatch.Response{Device: "rtc", Error: "nack"}
	frames <- dispatch.Response{Device: "rtc", Success: true}
	close(frames)
	h.Run(context.Background(), frames)

	assert.Equal(t, []string{"rtc offline", "rtc recovered"}, titles)
}
