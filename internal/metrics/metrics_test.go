package metrics

import (
	"context"
	"fmt"
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

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(Outcomes.WithLabelValues("rolled_back", "regression"))
	Outcomes.WithLabelValues("rolled_back", "regression").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Outcomes.WithLabelValues("rolled_back", "regression")))
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr) }()

	CyclesTotal.WithLabelValues("ok").Inc()
	client := &http.Client{Timeout: time.Second}
	var body string
	require.Eventually(t, func() bool {
		resp, err := client.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, strings.Contains(body, "autotune_cycles_total"))

	cancel()
	assert.NoError(t, <-done)
}
