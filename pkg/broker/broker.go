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

// package broker contains the broker node: the accept loop, the
// per-connection command dispatch, and the glue between the topic registry
// and the replication layer. Peer brokers connect to the same listener as
// clients; the Broadcast marker on a line is what routes it through the
// replicated-apply path instead of the client dispatch.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/turtacn/pubsub-go/pkg/actor"
	"github.com/turtacn/pubsub-go/pkg/cluster"
	"github.com/turtacn/pubsub-go/pkg/directory"
	"github.com/turtacn/pubsub-go/pkg/metrics"
	"github.com/turtacn/pubsub-go/pkg/protocol"
	"github.com/turtacn/pubsub-go/pkg/session"
	"github.com/turtacn/pubsub-go/pkg/storage"
	"github.com/turtacn/pubsub-go/pkg/supervisor"
	"github.com/turtacn/pubsub-go/pkg/topic"
)

// Broker is the top-level node object owning the registry, the replication
// manager, and the set of live sessions.
type Broker struct {
	brokerID int
	sup      supervisor.Supervisor
	sessions storage.Store
	topics   *topic.Store
	cluster  *cluster.Manager
	limits   topic.Limits
	dir      *directory.Client
}

// New creates a broker node. clusterMgr may be nil for a standalone broker
// (used heavily in tests); with a manager present, the registry's relay
// hook and the manager's apply hook are wired both ways.
func New(brokerID int, limits topic.Limits, clusterMgr *cluster.Manager) *Broker {
	b := &Broker{
		brokerID: brokerID,
		sup:      supervisor.NewOneForOneSupervisor(),
		sessions: storage.NewMemStore(),
		topics:   topic.NewStore(limits),
		cluster:  clusterMgr,
		limits:   limits,
	}
	b.topics.RelayFunc = b.relay
	if clusterMgr != nil {
		clusterMgr.HandleFunc = b.ApplyReplicated
		clusterMgr.SnapshotFunc = b.topics.Counts
	}
	return b
}

func (b *Broker) relay(cmd protocol.Command) {
	if b.cluster != nil {
		b.cluster.Broadcast(cmd)
	}
}

// RegisterWithDirectory announces this broker to the directory service.
// Best-effort: a failure is logged and the broker starts anyway.
func (b *Broker) RegisterWithDirectory(client *directory.Client, host string, port int) {
	b.dir = client
	log.Printf("Registering with directory service: REGISTER:%d:%s:%d", b.brokerID, host, port)
	if err := client.Register(b.brokerID, host, port); err != nil {
		log.Printf("Error connecting to directory service: %v", err)
		return
	}
	log.Println("Successfully registered with directory service.")
}

// StartServer begins listening for incoming TCP connections on the
// specified address and blocks until the context is canceled.
func (b *Broker) StartServer(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer listener.Close()
	log.Printf("Broker %d is running on %s", b.brokerID, listener.Addr())

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					log.Printf("Error accepting client connection: %v", err)
				}
				continue
			}
			go b.handleConnection(ctx, conn)
		}
	}()

	<-ctx.Done()
	log.Printf("Broker %d is shutting down.", b.brokerID)
	if b.cluster != nil {
		b.cluster.Close()
	}
	return nil
}

// connState is the per-connection protocol state: role and name are bound
// at most once, by the first successful PUBLISHER or SUBSCRIBER command.
type connState struct {
	name string
	role session.Role
	sess *session.Session
	mb   *actor.Mailbox
	// explicitExit marks an EXIT command as opposed to a read failure; only
	// an explicit EXIT relays the counter-carrying EXIT line to peers.
	explicitExit bool
}

// handleConnection runs the blocking read/dispatch loop for one accepted
// connection, client or peer alike.
func (b *Broker) handleConnection(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	defer conn.Close()
	log.Printf("Accepted connection from %s", conn.RemoteAddr())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &connState{
		sess: session.New(conn.RemoteAddr().String(), conn),
		mb:   actor.NewMailbox(100),
	}
	// The session actor starts before any role binding: unbound connections
	// may subscribe, and their mailbox must already be drained.
	b.sup.StartChild(connCtx, supervisor.Spec{
		ID:      fmt.Sprintf("session-%s", conn.RemoteAddr()),
		Actor:   st.sess,
		Restart: supervisor.RestartTransient,
		Mailbox: st.mb,
	})

	reader := protocol.NewLineReader(conn)
	for {
		line, err := reader.ReadLine()
		if errors.Is(err, protocol.ErrLineTooLong) {
			// The oversized line was drained; reject it and keep the
			// connection usable, like any other unparseable command.
			log.Printf("Overlong line from %s", conn.RemoteAddr())
			st.sess.WriteLine(protocol.Error("Invalid command"))
			continue
		}
		if err != nil {
			break
		}
		if line == "" {
			continue
		}
		cmd, origin, err := protocol.Parse(line)
		if err != nil {
			log.Printf("Invalid command from %s: %v", conn.RemoteAddr(), err)
			if origin == protocol.OriginLocal {
				st.sess.WriteLine(protocol.Error("Invalid command"))
			}
			continue
		}

		if origin == protocol.OriginPeer {
			// Replication traffic: apply, never reply, never re-relay.
			b.ApplyReplicated(cmd)
			continue
		}

		if exit := b.dispatch(st, cmd); exit {
			break
		}
	}

	b.cleanupSession(st)
	log.Printf("Connection from %s closed.", conn.RemoteAddr())
}

// dispatch handles one local-origin command. It returns true when the
// session asked to exit.
func (b *Broker) dispatch(st *connState, cmd protocol.Command) bool {
	switch c := cmd.(type) {
	case protocol.ConnectPublisher:
		b.bindRole(st, session.RolePublisher, c.Name)

	case protocol.ConnectSubscriber:
		b.bindRole(st, session.RoleSubscriber, c.Name)

	case protocol.CreateTopic:
		owner := c.Owner
		if owner == "" {
			owner = st.name
		}
		err := b.topics.CreateTopic(c.ID, c.Name, owner, protocol.OriginLocal)
		switch {
		case errors.Is(err, topic.ErrDuplicateTopic):
			st.sess.WriteLine(protocol.Error("Topic ID already exists"))
		case err == nil:
			st.sess.WriteLine(protocol.Success("Topic created"))
		}

	case protocol.Publish:
		err := b.topics.Publish(c.ID, c.Content, c.Publisher, protocol.OriginLocal)
		switch {
		case errors.Is(err, topic.ErrTopicNotFound):
			st.sess.WriteLine(protocol.Error("Topic not found"))
		case errors.Is(err, topic.ErrNotAuthorized):
			st.sess.WriteLine(protocol.Error("Not authorized to publish to this topic"))
		case errors.Is(err, topic.ErrMessageTooLong):
			st.sess.WriteLine(protocol.Error(fmt.Sprintf("Message too long (max %d characters)", b.limits.MaxMessageLength)))
		case err == nil:
			st.sess.WriteLine(protocol.Success("Message published"))
		}

	case protocol.Subscribe:
		info, err := b.topics.Subscribe(c.ID, c.Name, c.Port, st.mb, protocol.OriginLocal)
		if err != nil {
			st.sess.WriteLine(protocol.Error("Topic not found"))
			break
		}
		st.sess.WriteLine(protocol.Success(fmt.Sprintf("SUBSCRIBED:%s:%s:%s", info.ID, info.Name, info.Owner)))

	case protocol.Unsubscribe:
		info, err := b.topics.Unsubscribe(c.ID, c.Name, c.Port, st.mb, protocol.OriginLocal)
		if err != nil {
			st.sess.WriteLine(protocol.Error("Topic not found"))
			break
		}
		st.sess.WriteLine(protocol.Success(fmt.Sprintf("UNSUBSCRIBED:%s:%s:%s", info.ID, info.Name, info.Owner)))

	case protocol.SubscriberCount:
		n, err := b.topics.SubscriberCount(c.ID)
		if err != nil {
			st.sess.WriteLine(protocol.Error("Topic not found"))
			break
		}
		st.sess.WriteLine(protocol.EncodeSubscriberCount(n))

	case protocol.DeleteTopic:
		err := b.topics.DeleteTopic(c.ID, c.Requester, protocol.OriginLocal)
		switch {
		case errors.Is(err, topic.ErrTopicNotFound):
			st.sess.WriteLine(protocol.Error("Topic not found"))
		case errors.Is(err, topic.ErrNotAuthorized):
			st.sess.WriteLine(protocol.Error("Not authorized to delete this topic"))
		case err == nil:
			st.sess.WriteLine(protocol.Success("Topic deleted"))
		}

	case protocol.ListTopics:
		st.sess.WriteLine(protocol.EncodeTopicList(b.topics.ListTopics()))

	case protocol.Exit:
		log.Printf("Client requested exit: %s (%s)", st.name, c.Role)
		st.explicitExit = true
		return true

	case protocol.Amount:
		b.topics.SetCounts(c.Publishers, c.Subscribers)

	case protocol.Remove:
		b.topics.ApplyRemove(c.Role, c.Name)

	default:
		st.sess.WriteLine(protocol.Error("Invalid command"))
	}
	return false
}

// bindRole performs the one-time Connected -> RoleBound transition.
func (b *Broker) bindRole(st *connState, role session.Role, name string) {
	if st.role != session.RoleNone {
		st.sess.WriteLine(protocol.Error("Invalid command"))
		return
	}

	var err error
	if role == session.RolePublisher {
		err = b.topics.BindPublisher(name, protocol.OriginLocal)
	} else {
		err = b.topics.BindSubscriber(name, protocol.OriginLocal)
	}

	switch {
	case errors.Is(err, topic.ErrCapacityReached):
		if role == session.RolePublisher {
			st.sess.WriteLine(protocol.Error("Max publishers reached"))
		} else {
			st.sess.WriteLine(protocol.Error("Max subscribers reached"))
		}
	case errors.Is(err, topic.ErrNameInUse):
		if role == session.RolePublisher {
			st.sess.WriteLine(protocol.Error("Publisher name already in use"))
		} else {
			st.sess.WriteLine(protocol.Error("Subscriber name already in use"))
		}
	case err == nil:
		st.role = role
		st.name = name
		b.sessions.Set(sessionKey(role, name), st.mb)
		if role == session.RolePublisher {
			st.sess.WriteLine(protocol.Success("Connected as publisher"))
		} else {
			st.sess.WriteLine(protocol.Success("Connected as subscriber"))
		}
	}
}

// cleanupSession runs the close cascade of the session state machine: the
// bound name is released and announced to peers, a publisher's topics are
// cascade-deleted, and the mailbox is detached from every topic.
func (b *Broker) cleanupSession(st *connState) {
	switch st.role {
	case session.RolePublisher:
		count := b.topics.UnbindPublisher(st.name)
		if st.explicitExit {
			b.relay(protocol.Exit{Role: protocol.RolePublisher, Count: count})
		}
		b.topics.DeleteAllOwnedBy(st.name)
		b.sessions.Delete(sessionKey(st.role, st.name))
	case session.RoleSubscriber:
		count := b.topics.UnbindSubscriber(st.name)
		if st.explicitExit {
			b.relay(protocol.Exit{Role: protocol.RoleSubscriber, Count: count})
		}
		b.sessions.Delete(sessionKey(st.role, st.name))
	}
	b.topics.Detach(st.mb)

	// The directory's load counter tracks assigned clients, so only a
	// role-bound session's departure is reported; peer links never bind.
	if st.role != session.RoleNone && b.dir != nil {
		go func() {
			if err := b.dir.ClientDisconnected(b.brokerID); err != nil {
				log.Printf("Failed to notify directory service of disconnect: %v", err)
			}
		}()
	}
}

// ApplyReplicated dispatches a peer-origin command into the registry.
// Failures are logged and the command dropped; replication is one-way and
// nothing is reported back to the sending peer.
func (b *Broker) ApplyReplicated(cmd protocol.Command) {
	var err error
	switch c := cmd.(type) {
	case protocol.ConnectPublisher:
		err = b.topics.BindPublisher(c.Name, protocol.OriginPeer)
	case protocol.ConnectSubscriber:
		err = b.topics.BindSubscriber(c.Name, protocol.OriginPeer)
	case protocol.CreateTopic:
		err = b.topics.CreateTopic(c.ID, c.Name, c.Owner, protocol.OriginPeer)
	case protocol.Publish:
		err = b.topics.Publish(c.ID, c.Content, c.Publisher, protocol.OriginPeer)
	case protocol.Subscribe:
		_, err = b.topics.Subscribe(c.ID, c.Name, c.Port, nil, protocol.OriginPeer)
	case protocol.Unsubscribe:
		_, err = b.topics.Unsubscribe(c.ID, c.Name, c.Port, nil, protocol.OriginPeer)
	case protocol.DeleteTopic:
		err = b.topics.DeleteTopic(c.ID, c.Requester, protocol.OriginPeer)
	case protocol.Exit:
		b.topics.ApplyExit(c.Role)
	case protocol.Amount:
		b.topics.SetCounts(c.Publishers, c.Subscribers)
	case protocol.Remove:
		b.topics.ApplyRemove(c.Role, c.Name)
	default:
		log.Printf("Unknown command received from broker: %T", cmd)
	}
	if err != nil {
		log.Printf("Failed to apply replicated %T: %v", cmd, err)
	}
}

// Topics exposes the registry, mainly for inspection in tests and tooling.
func (b *Broker) Topics() *topic.Store {
	return b.topics
}

func sessionKey(role session.Role, name string) string {
	return role.String() + ":" + name
}
