// Copyright 2024 The pubsub-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistered(t *testing.T) {
	assert.NotNil(t, ConnectionsTotal)
	assert.NotNil(t, SessionsActive)
	assert.NotNil(t, MessagesPublishedTotal)
	assert.NotNil(t, MessagesDeliveredTotal)
	assert.NotNil(t, MessagesDroppedTotal)
	assert.NotNil(t, ReplicationSentTotal)
	assert.NotNil(t, ReplicationSendFailuresTotal)
	assert.NotNil(t, PeerLinksActive)
	assert.NotNil(t, SupervisorRestartsTotal)
}

func TestMetricsEndpoint(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Handler: mux}
		_ = server.Serve(listener)
	}()

	ConnectionsTotal.Inc()
	MessagesPublishedTotal.WithLabelValues("local").Inc()

	url := fmt.Sprintf("http://%s/metrics", listener.Addr())
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(data)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 50*time.Millisecond)

	assert.True(t, strings.Contains(body, "pubsub_go_connections_total"))
	assert.True(t, strings.Contains(body, `pubsub_go_messages_published_total{origin="local"}`))
}

func TestServeFailureDoesNotExitWhenHooked(t *testing.T) {
	originalLogFatalf := logFatalf
	defer func() { logFatalf = originalLogFatalf }()

	errChan := make(chan error, 1)
	logFatalf = func(format string, v ...interface{}) {
		errChan <- fmt.Errorf(format, v...)
	}

	// An address that cannot be bound makes Serve fail fast.
	go Serve("256.256.256.256:0")

	select {
	case err := <-errChan:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Serve to report a bind failure")
	}
}
