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

// package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts every accepted client connection.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_go_connections_total",
		Help: "The total number of connections accepted by the broker.",
	})

	// SessionsActive tracks the number of currently open client sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_go_sessions_active",
		Help: "The number of currently connected client sessions.",
	})

	// MessagesPublishedTotal counts messages accepted for publication,
	// partitioned by origin (local or peer).
	MessagesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_go_messages_published_total",
		Help: "The total number of messages published to topics.",
	},
		[]string{"origin"},
	)

	// MessagesDeliveredTotal counts messages handed to local subscriber
	// mailboxes.
	MessagesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_go_messages_delivered_total",
		Help: "The total number of messages delivered to local subscribers.",
	})

	// MessagesDroppedTotal counts deliveries skipped because a subscriber
	// mailbox was full.
	MessagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_go_messages_dropped_total",
		Help: "The total number of deliveries dropped due to a full subscriber mailbox.",
	})

	// ReplicationSentTotal counts lines relayed to peer brokers.
	ReplicationSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_go_replication_sent_total",
		Help: "The total number of replication lines sent to peer brokers.",
	})

	// ReplicationSendFailuresTotal counts failed relay attempts; each failure
	// also tears down the affected peer link.
	ReplicationSendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_go_replication_send_failures_total",
		Help: "The total number of failed replication sends to peer brokers.",
	})

	// PeerLinksActive tracks the number of currently established outbound
	// peer links.
	PeerLinksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_go_peer_links_active",
		Help: "The number of currently established outbound peer links.",
	})

	// SupervisorRestartsTotal counts supervisor-driven actor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_go_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
