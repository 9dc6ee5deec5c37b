package datadog

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soildesigngroup/cm5-maker-desk/internal/config"
)

func TestMetricsAreNoopsWhenDisabled(t *testing.T) {
	InitMetrics(config.Datadog{Enabled: false})
	assert.NotPanics(t, func() {
		Gauge("poll.duration", 1)
		Incr("dispatch.count")
		Timing("dispatch.latency", time.Millisecond)
	})
	assert.NoError(t, Close())
}

func TestMetricsReachAgent(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	InitMetrics(config.Datadog{Enabled: true, AgentAddr: conn.LocalAddr().String(), Namespace: "hmi."})
	Incr("dispatch.count", "action:read_status")
	require.NoError(t, Close())

	buf := make([]byte, 1024)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "hmi.dispatch.count:1|c"), string(buf[:n]))
}
