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

// package main is the subscriber console client. Broker replies and pushes
// arrive on the same connection, so a background reader handles both while
// the menu loop only ever sends.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/pubsub-go/pkg/directory"
	"github.com/turtacn/pubsub-go/pkg/protocol"
)

const (
	maxRetryAttempts = 5
	retryDelay       = 5 * time.Second
	connectTimeout   = 5 * time.Second
)

type topicInfo struct {
	name      string
	publisher string
}

type subscriber struct {
	name string
	port string
	conn net.Conn
	in   *bufio.Reader

	mu            sync.Mutex
	subscriptions map[uuid.UUID]topicInfo
}

func main() {
	name := flag.String("name", "", "subscriber name (required)")
	directoryAddr := flag.String("directory", "localhost:6000", "directory service address")
	brokerAddr := flag.String("broker", "", "broker address, bypassing the directory lookup")
	flag.Parse()
	if *name == "" {
		fmt.Println("Usage: pubsub-subscriber -name <name> [-directory <addr>] [-broker <addr>]")
		os.Exit(1)
	}

	addr := *brokerAddr
	if addr == "" {
		var err error
		addr, err = directory.NewClient(*directoryAddr, connectTimeout).QueryBrokers()
		if err != nil {
			log.Fatalf("Failed to query brokers: %v", err)
		}
	}
	fmt.Printf("Connecting to broker at %s\n", addr)

	s := &subscriber{name: *name, subscriptions: make(map[uuid.UUID]topicInfo)}
	if err := s.connect(addr); err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer s.conn.Close()

	go s.receiveMessages()
	s.runConsoleMenu()
}

func (s *subscriber) connect(addr string) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err == nil {
			s.conn = conn
			s.in = bufio.NewReader(conn)
			if _, s.port, err = net.SplitHostPort(conn.LocalAddr().String()); err != nil {
				conn.Close()
				return err
			}

			fmt.Fprintln(conn, protocol.Marshal(protocol.ConnectSubscriber{Name: s.name}))
			conn.SetReadDeadline(time.Now().Add(connectTimeout))
			reply, err := s.in.ReadString('\n')
			conn.SetReadDeadline(time.Time{})
			if err == nil {
				reply = strings.TrimRight(reply, "\r\n")
				if strings.HasPrefix(reply, "SUCCESS:") {
					fmt.Printf("Connected to broker at %s\n", addr)
					return nil
				}
				conn.Close()
				return fmt.Errorf("failed to connect: %s", reply)
			}
			conn.Close()
			lastErr = err
		} else {
			lastErr = err
		}
		if attempt < maxRetryAttempts {
			fmt.Printf("Connection attempt failed. Retrying in %d seconds...\n", int(retryDelay.Seconds()))
			time.Sleep(retryDelay)
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", maxRetryAttempts, lastErr)
}

// receiveMessages drains the broker connection: asynchronous pushes and the
// replies to menu commands both land here.
func (s *subscriber) receiveMessages() {
	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		s.handleLine(scanner.Text())
	}
	fmt.Println("Connection to broker lost.")
}

func (s *subscriber) handleLine(line string) {
	kind, rest, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	switch kind {
	case "MESSAGE":
		s.handleIncomingMessage(rest)
	case "TOPICDELETED":
		s.handleTopicDeleted(rest)
	case "TOPICLIST":
		s.handleTopicList(rest)
	case "SUBSCRIBERCOUNT":
		fmt.Printf("Subscriber count: %s\n", rest)
	case "SUCCESS":
		s.handleSuccess(rest)
	case "ERROR":
		fmt.Printf("Error: %s\n", rest)
	}
}

func (s *subscriber) handleIncomingMessage(rest string) {
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return
	}
	s.mu.Lock()
	info, subscribed := s.subscriptions[id]
	s.mu.Unlock()
	if !subscribed {
		return
	}
	fmt.Println("\nReceived message:")
	fmt.Println(protocol.FormatPublished(time.Now(), id, parts[1], parts[2]))
	fmt.Printf("Publisher: %s\n", info.publisher)
}

func (s *subscriber) handleTopicDeleted(rest string) {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return
	}
	s.mu.Lock()
	_, subscribed := s.subscriptions[id]
	delete(s.subscriptions, id)
	s.mu.Unlock()
	if subscribed {
		fmt.Printf("\nNotification: Topic '%s' (ID: %s) has been deleted by the publisher.\n", parts[1], id)
	}
}

func (s *subscriber) handleTopicList(rest string) {
	if rest == "EMPTY" {
		fmt.Println("No topics available.")
		return
	}
	fmt.Println("\nAvailable Topics:")
	for _, entry := range strings.Split(rest, ",") {
		fields := strings.Split(entry, "|")
		if len(fields) == 3 {
			fmt.Printf("ID: %s, Name: %s, Publisher: %s\n", fields[0], fields[1], fields[2])
		}
	}
}

// handleSuccess tracks SUBSCRIBED/UNSUBSCRIBED confirmations so the local
// subscription table mirrors what the broker has recorded.
func (s *subscriber) handleSuccess(rest string) {
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		fmt.Printf("Operation successful: %s\n", rest)
		return
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return
	}
	switch parts[0] {
	case "SUBSCRIBED":
		s.mu.Lock()
		s.subscriptions[id] = topicInfo{name: parts[2], publisher: parts[3]}
		s.mu.Unlock()
		fmt.Printf("Successfully subscribed to topic: %s (ID: %s)\n", parts[2], id)
	case "UNSUBSCRIBED":
		s.mu.Lock()
		delete(s.subscriptions, id)
		s.mu.Unlock()
		fmt.Printf("Successfully unsubscribed from topic: %s (ID: %s)\n", parts[2], id)
	}
}

func (s *subscriber) runConsoleMenu() {
	console := bufio.NewScanner(os.Stdin)
	for {
		fmt.Println("Please select command: list, sub, current, unsub, exit.")
		if !console.Scan() {
			s.disconnect()
			return
		}
		parts := strings.SplitN(strings.TrimSpace(console.Text()), " ", 2)

		switch parts[0] {
		case "list":
			fmt.Fprintln(s.conn, protocol.Marshal(protocol.ListTopics{}))
		case "sub":
			if len(parts) < 2 {
				fmt.Println("Please provide a topic ID to subscribe.")
				break
			}
			id, err := uuid.Parse(parts[1])
			if err != nil {
				fmt.Println("Invalid topic ID format. Please enter a valid UUID.")
				break
			}
			fmt.Fprintln(s.conn, protocol.Marshal(protocol.Subscribe{ID: id, Name: s.name, Port: s.port}))
			fmt.Printf("Subscription request sent for topic ID: %s\n", id)
		case "current":
			s.showCurrentSubscriptions()
		case "unsub":
			if len(parts) < 2 {
				fmt.Println("Please provide a topic ID to unsubscribe.")
				break
			}
			id, err := uuid.Parse(parts[1])
			if err != nil {
				fmt.Println("Invalid topic ID format. Please enter a valid UUID.")
				break
			}
			fmt.Fprintln(s.conn, protocol.Marshal(protocol.Unsubscribe{ID: id, Name: s.name, Port: s.port}))
		case "exit":
			s.disconnect()
			return
		default:
			fmt.Println("Invalid choice. Please try again.")
		}
	}
}

func (s *subscriber) showCurrentSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subscriptions) == 0 {
		fmt.Println("You are not subscribed to any topics.")
		return
	}
	fmt.Println("\nCurrent Subscriptions:")
	for id, info := range s.subscriptions {
		fmt.Printf("ID: %s, Name: %s, Publisher: %s\n", id, info.name, info.publisher)
	}
}

// disconnect unsubscribes from everything before announcing the exit, so
// the cluster-wide online sets are pruned rather than left to rot.
func (s *subscriber) disconnect() {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		fmt.Fprintln(s.conn, protocol.Marshal(protocol.Unsubscribe{ID: id, Name: s.name, Port: s.port}))
	}
	fmt.Fprintln(s.conn, protocol.Marshal(protocol.Exit{Role: protocol.RoleSubscriber, Count: -1}))
	fmt.Println("Disconnected from broker.")
}
