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

// Package cluster provides the broker-to-broker replication layer. Each
// broker keeps one outbound line-protocol link per configured peer, relays
// every locally originated state change to all linked peers, and applies
// replicated lines read from any link to the local registry without
// re-relaying them. Replication is one-way and unacknowledged: the mesh is
// full, so a single hop reaches every broker, and a line sent while a link
// is down is lost rather than queued.
package cluster

import (
	"context"
	"errors"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/pubsub-go/pkg/metrics"
	"github.com/turtacn/pubsub-go/pkg/protocol"
)

// Manager owns the peer links of a single broker. Cluster membership is the
// static peer address table handed to NewManager; there is no discovery.
type Manager struct {
	brokerID    int
	addresses   map[int]string
	dialTimeout time.Duration

	mu    sync.RWMutex
	peers map[int]*peerLink

	// HandleFunc receives every replicated command read from a peer link.
	// Set by the broker before Run is called.
	HandleFunc func(cmd protocol.Command)

	// SnapshotFunc supplies the advisory counter snapshot sent as an AMOUNT
	// line whenever a peer link comes up.
	SnapshotFunc func() (publishers, subscribers int)
}

// dialFunc can be replaced in tests to control peer connections.
var dialFunc = func(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// NewManager creates a replication manager for brokerID. peers maps peer
// broker ids to their host:port addresses and must not contain the local
// broker.
func NewManager(brokerID int, peers map[int]string, dialTimeout time.Duration) *Manager {
	addresses := make(map[int]string, len(peers))
	for id, addr := range peers {
		if id == brokerID {
			continue
		}
		addresses[id] = addr
	}
	return &Manager{
		brokerID:    brokerID,
		addresses:   addresses,
		dialTimeout: dialTimeout,
		peers:       make(map[int]*peerLink),
	}
}

// Run drives the periodic reconnection sweep until the context is canceled.
// The first sweep happens immediately. Blocks; run it in its own goroutine.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sweep()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep dials every configured peer that has no active link. Failures are
// logged and retried on the next tick, never fatal.
func (m *Manager) sweep() {
	for id, addr := range m.addresses {
		m.mu.RLock()
		_, linked := m.peers[id]
		m.mu.RUnlock()
		if linked {
			continue
		}
		m.connect(id, addr)
	}
}

func (m *Manager) connect(id int, addr string) {
	conn, err := dialFunc(addr, m.dialTimeout)
	if err != nil {
		log.Printf("Failed to connect to Broker %d at %s. Will retry later.", id, addr)
		return
	}

	link := &peerLink{id: id, conn: conn}
	m.mu.Lock()
	if _, exists := m.peers[id]; exists {
		// A concurrent sweep already linked this peer.
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.peers[id] = link
	m.mu.Unlock()

	metrics.PeerLinksActive.Inc()
	log.Printf("Connected to Broker %d", id)
	go m.readLoop(link)

	if m.SnapshotFunc != nil {
		pubs, subs := m.SnapshotFunc()
		if err := link.send(protocol.MarshalBroadcast(protocol.Amount{Publishers: pubs, Subscribers: subs})); err != nil {
			log.Printf("Failed to send counter snapshot to Broker %d: %v", id, err)
			m.drop(link)
		}
	}
}

// Broadcast relays a local-origin command to every linked peer. Sends are
// independent: a failure tears down that one link and does not block or
// fail delivery to the others, nor the originating local operation.
func (m *Manager) Broadcast(cmd protocol.Command) {
	line := protocol.MarshalBroadcast(cmd)

	m.mu.RLock()
	links := make([]*peerLink, 0, len(m.peers))
	for _, link := range m.peers {
		links = append(links, link)
	}
	m.mu.RUnlock()

	for _, link := range links {
		go func(link *peerLink) {
			if err := link.send(line); err != nil {
				log.Printf("Failed to send to Broker %d: %v", link.id, err)
				metrics.ReplicationSendFailuresTotal.Inc()
				m.drop(link)
				return
			}
			metrics.ReplicationSentTotal.Inc()
		}(link)
	}
}

// readLoop drains a peer link. Replicated lines are handed to the broker's
// dispatch; anything else arriving on the link (a peer's command replies,
// for instance) is ignored. Malformed lines are logged and dropped, never
// surfaced back to the peer.
func (m *Manager) readLoop(link *peerLink) {
	defer m.drop(link)

	reader := protocol.NewLineReader(link.conn)
	for {
		line, err := reader.ReadLine()
		if errors.Is(err, protocol.ErrLineTooLong) {
			log.Printf("Overlong line from Broker %d", link.id)
			continue
		}
		if err != nil {
			break
		}
		cmd, origin, err := protocol.Parse(line)
		if err != nil {
			log.Printf("Invalid message from Broker %d: %v", link.id, err)
			continue
		}
		if origin != protocol.OriginPeer {
			continue
		}
		if m.HandleFunc != nil {
			m.HandleFunc(cmd)
		}
	}
	log.Printf("Connection lost with Broker %d", link.id)
}

// drop removes a link from the peer table and closes it. The next sweep
// will attempt to re-establish it.
func (m *Manager) drop(link *peerLink) {
	m.mu.Lock()
	current, ok := m.peers[link.id]
	if ok && current == link {
		delete(m.peers, link.id)
		metrics.PeerLinksActive.Dec()
	}
	m.mu.Unlock()
	link.close()
}

// Linked returns the ids of currently linked peers, sorted.
func (m *Manager) Linked() []int {
	m.mu.RLock()
	ids := make([]int, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Close tears down every peer link.
func (m *Manager) Close() {
	m.mu.Lock()
	links := make([]*peerLink, 0, len(m.peers))
	for _, link := range m.peers {
		links = append(links, link)
	}
	m.peers = make(map[int]*peerLink)
	m.mu.Unlock()

	for _, link := range links {
		metrics.PeerLinksActive.Dec()
		link.close()
	}
}
