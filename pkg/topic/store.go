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

// Package topic provides the broker's topic registry: the mapping from
// topic id to topic metadata, the per-role connected-name sets, and the
// cluster-wide advisory counters. It is the single owner of all broadly
// shared broker state and the only place that mutates it.
//
// Every operation takes a protocol.Origin tag. Local-origin mutations are
// relayed to peer brokers through the RelayFunc hook; peer-origin mutations
// are applied without relaying, which is what prevents replication loops in
// the full-mesh topology.
//
// Name uniqueness is enforced per broker and per role only. Two clients
// using the same name on different brokers are each treated as that name's
// owner by their local broker; authorization decisions can therefore differ
// across the cluster. This matches the deployed behavior and is kept as is.
package topic

import (
	"errors"
	"log"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/turtacn/pubsub-go/pkg/actor"
	"github.com/turtacn/pubsub-go/pkg/metrics"
	"github.com/turtacn/pubsub-go/pkg/protocol"
	"github.com/turtacn/pubsub-go/pkg/session"
)

var (
	// ErrTopicNotFound is returned when a topic id is unknown.
	ErrTopicNotFound = errors.New("topic not found")
	// ErrDuplicateTopic is returned when a locally created topic id already
	// exists. Peer-origin duplicates are absorbed silently.
	ErrDuplicateTopic = errors.New("topic id already exists")
	// ErrNotAuthorized is returned when a caller other than the topic owner
	// tries to publish to or delete a topic.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrMessageTooLong is returned when published content exceeds the
	// configured maximum length, counted in characters, not bytes.
	ErrMessageTooLong = errors.New("message too long")
	// ErrCapacityReached is returned when a role's connection ceiling is hit.
	ErrCapacityReached = errors.New("capacity reached")
	// ErrNameInUse is returned when a client name is already bound in the
	// requested role on this broker.
	ErrNameInUse = errors.New("name already in use")
)

// Topic is one publish channel. Owner is immutable for the topic's
// lifetime. The store keeps two distinct subscriber records: mailboxes of
// locally connected sessions (deliverable) and the cluster-wide online
// identity set (count-only, maintained via replication).
type Topic struct {
	Name        string
	Owner       string
	subscribers map[*actor.Mailbox]struct{}
	online      map[string]struct{}
}

// Limits carries the registry's capacity configuration.
type Limits struct {
	MaxPublishers    int
	MaxSubscribers   int
	MaxMessageLength int
}

// Store is the broker-wide registry. All fields are guarded by mu; message
// delivery and relaying always happen after the lock is released so a
// stalled subscriber or peer cannot hold up other sessions.
type Store struct {
	mu          sync.RWMutex
	topics      map[uuid.UUID]*Topic
	publishers  map[string]struct{}
	subscribers map[string]struct{}

	// Advisory cluster-wide totals, synchronized via AMOUNT/EXIT lines.
	// They are diagnostics, not authoritative membership.
	publisherCount  int
	subscriberCount int

	limits Limits

	// RelayFunc, when set, receives every local-origin state change for
	// replication to peers. It is invoked outside the store's locks.
	RelayFunc func(cmd protocol.Command)
}

// NewStore creates an empty registry with the given limits.
func NewStore(limits Limits) *Store {
	return &Store{
		topics:      make(map[uuid.UUID]*Topic),
		publishers:  make(map[string]struct{}),
		subscribers: make(map[string]struct{}),
		limits:      limits,
	}
}

func (s *Store) relay(origin protocol.Origin, cmd protocol.Command) {
	if origin == protocol.OriginLocal && s.RelayFunc != nil {
		s.RelayFunc(cmd)
	}
}

func originLabel(origin protocol.Origin) string {
	if origin == protocol.OriginPeer {
		return "peer"
	}
	return "local"
}

// CreateTopic registers a new topic under id. A duplicate id fails with
// ErrDuplicateTopic for local callers; a duplicate replicated NEWTOPIC is a
// no-op so that replays converge instead of erroring.
func (s *Store) CreateTopic(id uuid.UUID, name, owner string, origin protocol.Origin) error {
	s.mu.Lock()
	if _, exists := s.topics[id]; exists {
		s.mu.Unlock()
		if origin == protocol.OriginPeer {
			log.Printf("Topic already exists, ignoring replicated NEWTOPIC: %s (ID: %s)", name, id)
			return nil
		}
		return ErrDuplicateTopic
	}
	s.topics[id] = &Topic{
		Name:        name,
		Owner:       owner,
		subscribers: make(map[*actor.Mailbox]struct{}),
		online:      make(map[string]struct{}),
	}
	s.mu.Unlock()

	log.Printf("New topic created: %s (ID: %s, Owner: %s)", name, id, owner)
	s.relay(origin, protocol.CreateTopic{ID: id, Name: name, Owner: owner})
	return nil
}

// Publish delivers content to every locally connected subscriber of the
// topic. Only the topic owner may publish. The subscriber set is
// snapshotted under the read lock and delivery happens after release, via
// non-blocking mailbox sends.
func (s *Store) Publish(id uuid.UUID, content, publisher string, origin protocol.Origin) error {
	s.mu.RLock()
	t, ok := s.topics[id]
	if !ok {
		s.mu.RUnlock()
		return ErrTopicNotFound
	}
	if t.Owner != publisher {
		s.mu.RUnlock()
		return ErrNotAuthorized
	}
	if utf8.RuneCountInString(content) > s.limits.MaxMessageLength {
		s.mu.RUnlock()
		return ErrMessageTooLong
	}
	name := t.Name
	targets := make([]*actor.Mailbox, 0, len(t.subscribers))
	for mb := range t.subscribers {
		targets = append(targets, mb)
	}
	s.mu.RUnlock()

	metrics.MessagesPublishedTotal.WithLabelValues(originLabel(origin)).Inc()
	msg := session.Message{TopicID: id, TopicName: name, Content: content}
	for _, mb := range targets {
		if mb.TrySend(msg) {
			metrics.MessagesDeliveredTotal.Inc()
		} else {
			metrics.MessagesDroppedTotal.Inc()
		}
	}

	log.Printf("Message published to topic: %s (ID: %s, %d local subscribers)", name, id, len(targets))
	s.relay(origin, protocol.Publish{ID: id, Content: content, Publisher: publisher})
	return nil
}

// Subscribe records the (name, port) identity in the topic's online set.
// For local callers it additionally attaches the session mailbox so the
// subscriber receives deliveries, and the returned info lets the broker
// reply with the topic's name and owner.
func (s *Store) Subscribe(id uuid.UUID, name, port string, mb *actor.Mailbox, origin protocol.Origin) (protocol.TopicInfo, error) {
	s.mu.Lock()
	t, ok := s.topics[id]
	if !ok {
		s.mu.Unlock()
		return protocol.TopicInfo{}, ErrTopicNotFound
	}
	t.online[name+" "+port] = struct{}{}
	if origin == protocol.OriginLocal && mb != nil {
		t.subscribers[mb] = struct{}{}
	}
	info := protocol.TopicInfo{ID: id, Name: t.Name, Owner: t.Owner}
	s.mu.Unlock()

	log.Printf("Client %s subscribed to topic: %s (ID: %s)", name, info.Name, id)
	s.relay(origin, protocol.Subscribe{ID: id, Name: name, Port: port})
	return info, nil
}

// Unsubscribe mirrors Subscribe: the identity leaves the online set, and a
// local caller's mailbox is detached from the deliverable set.
func (s *Store) Unsubscribe(id uuid.UUID, name, port string, mb *actor.Mailbox, origin protocol.Origin) (protocol.TopicInfo, error) {
	s.mu.Lock()
	t, ok := s.topics[id]
	if !ok {
		s.mu.Unlock()
		return protocol.TopicInfo{}, ErrTopicNotFound
	}
	delete(t.online, name+" "+port)
	if origin == protocol.OriginLocal && mb != nil {
		delete(t.subscribers, mb)
	}
	info := protocol.TopicInfo{ID: id, Name: t.Name, Owner: t.Owner}
	s.mu.Unlock()

	log.Printf("Client %s unsubscribed from topic: %s (ID: %s)", name, info.Name, id)
	s.relay(origin, protocol.Unsubscribe{ID: id, Name: name, Port: port})
	return info, nil
}

// SubscriberCount returns the size of the topic's cluster-wide online set.
func (s *Store) SubscriberCount(id uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[id]
	if !ok {
		return 0, ErrTopicNotFound
	}
	return len(t.online), nil
}

// DeleteTopic removes the topic, pushing a TOPICDELETED notification to
// every locally attached subscriber first. Ownership is checked only for
// local callers; a replicated DELETETOPIC was authorized on its origin
// broker.
func (s *Store) DeleteTopic(id uuid.UUID, requester string, origin protocol.Origin) error {
	s.mu.Lock()
	t, ok := s.topics[id]
	if !ok {
		s.mu.Unlock()
		return ErrTopicNotFound
	}
	if origin == protocol.OriginLocal && t.Owner != requester {
		s.mu.Unlock()
		return ErrNotAuthorized
	}
	name := t.Name
	targets := make([]*actor.Mailbox, 0, len(t.subscribers))
	for mb := range t.subscribers {
		targets = append(targets, mb)
	}
	delete(s.topics, id)
	s.mu.Unlock()

	note := session.TopicDeleted{TopicID: id, TopicName: name}
	for _, mb := range targets {
		mb.TrySend(note)
	}

	log.Printf("Topic deleted: %s (ID: %s)", name, id)
	s.relay(origin, protocol.DeleteTopic{ID: id, Requester: requester})
	return nil
}

// DeleteAllOwnedBy removes every topic owned by the given publisher,
// notifying and relaying per topic. Used by the disconnect cascade.
func (s *Store) DeleteAllOwnedBy(owner string) []protocol.TopicInfo {
	s.mu.RLock()
	var owned []protocol.TopicInfo
	for id, t := range s.topics {
		if t.Owner == owner {
			owned = append(owned, protocol.TopicInfo{ID: id, Name: t.Name, Owner: t.Owner})
		}
	}
	s.mu.RUnlock()

	for _, info := range owned {
		if err := s.DeleteTopic(info.ID, owner, protocol.OriginLocal); err != nil {
			log.Printf("Cascade delete of topic %s failed: %v", info.ID, err)
		}
	}
	return owned
}

// Detach removes a dying session's mailbox from every topic's deliverable
// set. The online identity set is untouched; that is pruned by explicit
// UNSUBSCRIBE only.
func (s *Store) Detach(mb *actor.Mailbox) {
	if mb == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics {
		delete(t.subscribers, mb)
	}
}

// ListTopics returns a snapshot of all topics ordered by id.
func (s *Store) ListTopics() []protocol.TopicInfo {
	s.mu.RLock()
	infos := make([]protocol.TopicInfo, 0, len(s.topics))
	for id, t := range s.topics {
		infos = append(infos, protocol.TopicInfo{ID: id, Name: t.Name, Owner: t.Owner})
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID.String() < infos[j].ID.String()
	})
	return infos
}

// BindPublisher reserves a publisher name. The capacity and uniqueness
// checks are check-then-act and therefore serialized under the store lock.
// Peer-origin announcements bypass the checks: the origin broker already
// enforced them for its own client.
func (s *Store) BindPublisher(name string, origin protocol.Origin) error {
	s.mu.Lock()
	if origin == protocol.OriginLocal {
		if len(s.publishers) >= s.limits.MaxPublishers {
			s.mu.Unlock()
			return ErrCapacityReached
		}
		if _, taken := s.publishers[name]; taken {
			s.mu.Unlock()
			return ErrNameInUse
		}
	}
	s.publishers[name] = struct{}{}
	s.publisherCount++
	s.mu.Unlock()

	log.Printf("Publisher connected: %s", name)
	s.relay(origin, protocol.ConnectPublisher{Name: name})
	return nil
}

// BindSubscriber reserves a subscriber name; see BindPublisher.
func (s *Store) BindSubscriber(name string, origin protocol.Origin) error {
	s.mu.Lock()
	if origin == protocol.OriginLocal {
		if len(s.subscribers) >= s.limits.MaxSubscribers {
			s.mu.Unlock()
			return ErrCapacityReached
		}
		if _, taken := s.subscribers[name]; taken {
			s.mu.Unlock()
			return ErrNameInUse
		}
	}
	s.subscribers[name] = struct{}{}
	s.subscriberCount++
	s.mu.Unlock()

	log.Printf("Subscriber connected: %s", name)
	s.relay(origin, protocol.ConnectSubscriber{Name: name})
	return nil
}

// UnbindPublisher releases a publisher name on session close. It returns
// the post-decrement counter for the EXIT relay and tells peers to drop the
// name.
func (s *Store) UnbindPublisher(name string) int {
	s.mu.Lock()
	delete(s.publishers, name)
	s.publisherCount--
	count := s.publisherCount
	s.mu.Unlock()

	log.Printf("Publisher disconnected: %s", name)
	s.relay(protocol.OriginLocal, protocol.Remove{Role: protocol.RolePublisher, Name: name})
	return count
}

// UnbindSubscriber releases a subscriber name on session close; see
// UnbindPublisher.
func (s *Store) UnbindSubscriber(name string) int {
	s.mu.Lock()
	delete(s.subscribers, name)
	s.subscriberCount--
	count := s.subscriberCount
	s.mu.Unlock()

	log.Printf("Subscriber disconnected: %s", name)
	s.relay(protocol.OriginLocal, protocol.Remove{Role: protocol.RoleSubscriber, Name: name})
	return count
}

// ApplyRemove prunes a name announced as gone by a peer broker. Counters
// are left alone; the peer's EXIT line carries the counter change.
func (s *Store) ApplyRemove(role, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case protocol.RolePublisher:
		delete(s.publishers, name)
	case protocol.RoleSubscriber:
		delete(s.subscribers, name)
	}
}

// ApplyExit decrements the advisory counter for a role in response to a
// replicated EXIT line.
func (s *Store) ApplyExit(role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case protocol.RolePublisher:
		s.publisherCount--
	case protocol.RoleSubscriber:
		s.subscriberCount--
	}
}

// SetCounts overwrites the advisory counters from a peer's AMOUNT snapshot.
func (s *Store) SetCounts(publishers, subscribers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisherCount = publishers
	s.subscriberCount = subscribers
}

// Counts returns the advisory publisher and subscriber totals.
func (s *Store) Counts() (publishers, subscribers int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publisherCount, s.subscriberCount
}
