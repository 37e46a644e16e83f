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

package broker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/pubsub-go/pkg/protocol"
	"github.com/turtacn/pubsub-go/pkg/storage"
	"github.com/turtacn/pubsub-go/pkg/topic"
)

// startTestBroker starts a standalone broker on a random available port and
// returns the broker instance and its address.
func startTestBroker(ctx context.Context, t *testing.T, limits topic.Limits) (*Broker, string) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()

	b := New(0, limits, nil)

	go func() {
		// Mimics the core of StartServer but lets the test own the listener.
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go b.handleConnection(ctx, conn)
		}
	}()

	t.Cleanup(func() { _ = listener.Close() })
	return b, addr
}

func defaultLimits() topic.Limits {
	return topic.Limits{MaxPublishers: 5, MaxSubscribers: 10, MaxMessageLength: 100}
}

// testClient is a raw line-protocol client against a test broker.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialBroker(t *testing.T, addr string) *testClient {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, scanner: bufio.NewScanner(conn)}
}

func (c *testClient) send(line string) {
	_, err := fmt.Fprintln(c.conn, line)
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.True(c.t, c.scanner.Scan(), "expected a line from the broker")
	return c.scanner.Text()
}

func (c *testClient) roundTrip(line string) string {
	c.send(line)
	return c.readLine()
}

func TestBindRoles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, addr := startTestBroker(ctx, t, defaultLimits())

	pub := dialBroker(t, addr)
	assert.Equal(t, "SUCCESS:Connected as publisher", pub.roundTrip("PUBLISHER:alice"))

	// The broker indexes the bound session.
	_, err := b.sessions.Get("PUBLISHER:alice")
	assert.NoError(t, err)

	// The same name is rejected in the same role but free in the other.
	pub2 := dialBroker(t, addr)
	assert.Equal(t, "ERROR:Publisher name already in use", pub2.roundTrip("PUBLISHER:alice"))

	sub := dialBroker(t, addr)
	assert.Equal(t, "SUCCESS:Connected as subscriber", sub.roundTrip("SUBSCRIBER:alice"))

	// A second role bind on a bound session is refused.
	assert.Equal(t, "ERROR:Invalid command", pub.roundTrip("SUBSCRIBER:alice2"))
}

func TestPublisherCapacity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, addr := startTestBroker(ctx, t, topic.Limits{MaxPublishers: 1, MaxSubscribers: 10, MaxMessageLength: 100})

	first := dialBroker(t, addr)
	assert.Equal(t, "SUCCESS:Connected as publisher", first.roundTrip("PUBLISHER:alice"))

	second := dialBroker(t, addr)
	assert.Equal(t, "ERROR:Max publishers reached", second.roundTrip("PUBLISHER:bob"))
}

func TestCreatePublishDeliver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, addr := startTestBroker(ctx, t, defaultLimits())

	pub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as publisher", pub.roundTrip("PUBLISHER:alice"))

	id := uuid.New()
	require.Equal(t, "SUCCESS:Topic created", pub.roundTrip("CREATETOPIC:"+id.String()+":news"))

	sub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as subscriber", sub.roundTrip("SUBSCRIBER:bob"))
	assert.Equal(t, "SUCCESS:SUBSCRIBED:"+id.String()+":news:alice",
		sub.roundTrip("SUBSCRIBE:"+id.String()+":bob:50123"))

	require.Equal(t, "SUCCESS:Message published", pub.roundTrip("PUBLISH:"+id.String()+":hello:alice"))
	assert.Equal(t, "MESSAGE:"+id.String()+":news:hello", sub.readLine())

	// After unsubscribing nothing more is delivered.
	assert.Equal(t, "SUCCESS:UNSUBSCRIBED:"+id.String()+":news:alice",
		sub.roundTrip("UNSUBSCRIBE:"+id.String()+":bob:50123"))
	require.Equal(t, "SUCCESS:Message published", pub.roundTrip("PUBLISH:"+id.String()+":again:alice"))

	assert.Equal(t, "SUBSCRIBERCOUNT:0", sub.roundTrip("GETSUBSCRIBERCOUNT:"+id.String()))
}

func TestPublishErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, addr := startTestBroker(ctx, t, defaultLimits())

	pub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as publisher", pub.roundTrip("PUBLISHER:alice"))

	id := uuid.New()
	require.Equal(t, "SUCCESS:Topic created", pub.roundTrip("CREATETOPIC:"+id.String()+":news"))

	assert.Equal(t, "ERROR:Topic not found", pub.roundTrip("PUBLISH:"+uuid.NewString()+":hello:alice"))
	assert.Equal(t, "ERROR:Not authorized to publish to this topic",
		pub.roundTrip("PUBLISH:"+id.String()+":hello:mallory"))
	assert.Equal(t, "ERROR:Message too long (max 100 characters)",
		pub.roundTrip("PUBLISH:"+id.String()+":"+strings.Repeat("x", 101)+":alice"))

	// The connection stays usable after errors.
	assert.Equal(t, "SUCCESS:Message published", pub.roundTrip("PUBLISH:"+id.String()+":hello:alice"))
}

func TestDuplicateTopicID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, addr := startTestBroker(ctx, t, defaultLimits())

	pub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as publisher", pub.roundTrip("PUBLISHER:alice"))

	id := uuid.New()
	require.Equal(t, "SUCCESS:Topic created", pub.roundTrip("CREATETOPIC:"+id.String()+":news"))
	assert.Equal(t, "ERROR:Topic ID already exists", pub.roundTrip("CREATETOPIC:"+id.String()+":other"))
}

func TestDeleteTopicNotifiesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, addr := startTestBroker(ctx, t, defaultLimits())

	pub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as publisher", pub.roundTrip("PUBLISHER:alice"))
	id := uuid.New()
	require.Equal(t, "SUCCESS:Topic created", pub.roundTrip("CREATETOPIC:"+id.String()+":news"))

	sub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as subscriber", sub.roundTrip("SUBSCRIBER:bob"))
	require.Equal(t, "SUCCESS:SUBSCRIBED:"+id.String()+":news:alice",
		sub.roundTrip("SUBSCRIBE:"+id.String()+":bob:50123"))

	assert.Equal(t, "ERROR:Not authorized to delete this topic",
		pub.roundTrip("DELETETOPIC:"+id.String()+":mallory"))
	assert.Equal(t, "SUCCESS:Topic deleted", pub.roundTrip("DELETETOPIC:"+id.String()+":alice"))

	assert.Equal(t, "TOPICDELETED:"+id.String()+":news", sub.readLine())
}

func TestListTopics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, addr := startTestBroker(ctx, t, defaultLimits())

	client := dialBroker(t, addr)
	assert.Equal(t, "TOPICLIST:EMPTY", client.roundTrip("LISTTOPICS"))

	pub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as publisher", pub.roundTrip("PUBLISHER:alice"))
	id := uuid.New()
	require.Equal(t, "SUCCESS:Topic created", pub.roundTrip("CREATETOPIC:"+id.String()+":news"))

	assert.Equal(t, "TOPICLIST:"+id.String()+"|news|alice", client.roundTrip("LISTTOPICS"))
}

func TestDisconnectCascadeDeletesOwnedTopics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, addr := startTestBroker(ctx, t, defaultLimits())

	pub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as publisher", pub.roundTrip("PUBLISHER:alice"))
	id := uuid.New()
	require.Equal(t, "SUCCESS:Topic created", pub.roundTrip("CREATETOPIC:"+id.String()+":news"))

	sub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as subscriber", sub.roundTrip("SUBSCRIBER:bob"))
	require.Equal(t, "SUCCESS:SUBSCRIBED:"+id.String()+":news:alice",
		sub.roundTrip("SUBSCRIBE:"+id.String()+":bob:50123"))

	// An abrupt close, no EXIT line.
	pub.conn.Close()

	assert.Equal(t, "TOPICDELETED:"+id.String()+":news", sub.readLine())
	assert.Eventually(t, func() bool {
		return len(b.Topics().ListTopics()) == 0
	}, 2*time.Second, 20*time.Millisecond)

	// The publisher's session left the index and the name is free again.
	assert.Eventually(t, func() bool {
		_, err := b.sessions.Get("PUBLISHER:alice")
		return err == storage.ErrNotFound
	}, 2*time.Second, 20*time.Millisecond)

	pub2 := dialBroker(t, addr)
	assert.Equal(t, "SUCCESS:Connected as publisher", pub2.roundTrip("PUBLISHER:alice"))
}

func TestExplicitExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, addr := startTestBroker(ctx, t, defaultLimits())

	sub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as subscriber", sub.roundTrip("SUBSCRIBER:bob"))
	sub.send("EXIT:SUBSCRIBER")

	assert.Eventually(t, func() bool {
		_, err := b.sessions.Get("SUBSCRIBER:bob")
		return err == storage.ErrNotFound
	}, 2*time.Second, 20*time.Millisecond)

	_, subs := b.Topics().Counts()
	assert.Equal(t, 0, subs)
}

func TestReplicatedLinesAppliedWithoutReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, addr := startTestBroker(ctx, t, defaultLimits())

	peer := dialBroker(t, addr)
	id := uuid.New()
	peer.send("Broadcast:NEWTOPIC:" + id.String() + ":news:alice")
	peer.send("Broadcast:SUBSCRIBE:" + id.String() + ":bob:50123")
	peer.send("Broadcast:AMOUNT:2:5")

	assert.Eventually(t, func() bool {
		n, err := b.Topics().SubscriberCount(id)
		return err == nil && n == 1
	}, 2*time.Second, 20*time.Millisecond)

	topics := b.Topics().ListTopics()
	require.Len(t, topics, 1)
	assert.Equal(t, protocol.TopicInfo{ID: id, Name: "news", Owner: "alice"}, topics[0])

	pubs, subs := b.Topics().Counts()
	assert.Equal(t, 2, pubs)
	assert.Equal(t, 5, subs)

	// Replication is one-way: nothing is written back on the peer link.
	require.NoError(t, peer.conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	assert.False(t, peer.scanner.Scan(), "peer link must not receive replies")
}

func TestReplicatedPublishReachesLocalSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, addr := startTestBroker(ctx, t, defaultLimits())

	peer := dialBroker(t, addr)
	id := uuid.New()
	peer.send("Broadcast:NEWTOPIC:" + id.String() + ":news:alice")

	sub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as subscriber", sub.roundTrip("SUBSCRIBER:bob"))
	require.Eventually(t, func() bool {
		sub.send("SUBSCRIBE:" + id.String() + ":bob:50123")
		return strings.HasPrefix(sub.readLine(), "SUCCESS:SUBSCRIBED:")
	}, 2*time.Second, 50*time.Millisecond)

	peer.send("Broadcast:PUBLISH:" + id.String() + ":hello:alice")
	assert.Equal(t, "MESSAGE:"+id.String()+":news:hello", sub.readLine())
}

func TestInvalidCommandKeepsConnectionOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, addr := startTestBroker(ctx, t, defaultLimits())

	client := dialBroker(t, addr)
	assert.Equal(t, "ERROR:Invalid command", client.roundTrip("FLY:ME:TO:THE:MOON"))
	assert.Equal(t, "ERROR:Invalid command", client.roundTrip("CREATETOPIC:not-a-uuid:news"))
	assert.Equal(t, "SUCCESS:Connected as publisher", client.roundTrip("PUBLISHER:alice"))
}

func TestOverlongLineKeepsConnectionOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, addr := startTestBroker(ctx, t, defaultLimits())

	client := dialBroker(t, addr)
	overlong := "PUBLISH:" + strings.Repeat("x", protocol.MaxLineBytes+1)
	assert.Equal(t, "ERROR:Invalid command", client.roundTrip(overlong))

	// The connection must survive the rejected line.
	assert.Equal(t, "SUCCESS:Connected as publisher", client.roundTrip("PUBLISHER:alice"))
}

func TestTopicCommandsBeforeRoleBinding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, addr := startTestBroker(ctx, t, defaultLimits())

	pub := dialBroker(t, addr)
	require.Equal(t, "SUCCESS:Connected as publisher", pub.roundTrip("PUBLISHER:alice"))
	id := uuid.New()
	require.Equal(t, "SUCCESS:Topic created", pub.roundTrip("CREATETOPIC:"+id.String()+":news"))

	// An unbound connection may list and subscribe.
	anon := dialBroker(t, addr)
	assert.Equal(t, "TOPICLIST:"+id.String()+"|news|alice", anon.roundTrip("LISTTOPICS"))
	assert.Equal(t, "SUCCESS:SUBSCRIBED:"+id.String()+":news:alice",
		anon.roundTrip("SUBSCRIBE:"+id.String()+":anon:50999"))

	require.Equal(t, "SUCCESS:Message published", pub.roundTrip("PUBLISH:"+id.String()+":hello:alice"))
	assert.Equal(t, "MESSAGE:"+id.String()+":news:hello", anon.readLine())
}
