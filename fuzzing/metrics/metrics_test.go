package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCollectorsAreIndependent checks that two campaigns do not share counters.
func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollectors()
	b := NewCollectors()

	a.Failures.WithLabelValues("D_drop").Inc()
	a.Failures.WithLabelValues("D_drop").Inc()
	b.Failures.WithLabelValues("exchange").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.Failures.WithLabelValues("D_drop")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Failures.WithLabelValues("D_drop")))
}

// TestServe checks that metrics are served until the context ends.
func TestServe(t *testing.T) {
	collectors := NewCollectors()
	collectors.Steps.WithLabelValues("exchange").Add(3)

	ctx, cancel := context.WithCancel(context.Background())
	addr, done, err := collectors.Serve(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `ammfuzz_steps_total{operation="exchange"} 3`))

	cancel()
	assert.NoError(t, <-done)
}

// TestServeConnectionLimit checks that connections beyond the cap wait until an earlier one closes.
func TestServeConnectionLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	addr, done, err := NewCollectors().Serve(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	idle := make([]net.Conn, maxScrapeConnections)
	for i := range idle {
		idle[i], err = net.Dial("tcp", addr.String())
		require.NoError(t, err)
	}

	client := &http.Client{Timeout: 200 * time.Millisecond}
	_, err = client.Get("http://" + addr.String() + "/metrics")
	assert.Error(t, err)

	require.NoError(t, idle[0].Close())
	client.Timeout = 5 * time.Second
	resp, err := client.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, conn := range idle[1:] {
		_ = conn.Close()
	}
	cancel()
	assert.NoError(t, <-done)
}
