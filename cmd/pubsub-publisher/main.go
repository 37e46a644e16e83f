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

// package main is the publisher console client: it asks the directory
// service for a broker, binds the publisher role, and drives the broker
// through a stdin menu.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/pubsub-go/pkg/directory"
	"github.com/turtacn/pubsub-go/pkg/protocol"
)

const (
	maxRetryAttempts = 5
	retryDelay       = 5 * time.Second
	connectTimeout   = 5 * time.Second
	maxMessageLength = 100
)

type publisher struct {
	name   string
	conn   net.Conn
	in     *bufio.Reader
	topics map[uuid.UUID]string
}

func main() {
	name := flag.String("name", "", "publisher name (required)")
	directoryAddr := flag.String("directory", "localhost:6000", "directory service address")
	brokerAddr := flag.String("broker", "", "broker address, bypassing the directory lookup")
	flag.Parse()
	if *name == "" {
		fmt.Println("Usage: pubsub-publisher -name <name> [-directory <addr>] [-broker <addr>]")
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

	p := &publisher{name: *name, topics: make(map[uuid.UUID]string)}
	if err := p.connect(addr); err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer p.conn.Close()

	p.runConsoleMenu()
}

// connect dials the broker and binds the publisher role, retrying a few
// times since the assigned broker may still be starting up.
func (p *publisher) connect(addr string) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err == nil {
			p.conn = conn
			p.in = bufio.NewReader(conn)
			reply, err := p.request(protocol.Marshal(protocol.ConnectPublisher{Name: p.name}))
			if err == nil && strings.HasPrefix(reply, "SUCCESS:") {
				fmt.Printf("Connected to broker at %s\n", addr)
				return nil
			}
			conn.Close()
			if err == nil {
				return fmt.Errorf("failed to connect: %s", reply)
			}
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

// request sends one command line and reads the single reply line.
func (p *publisher) request(line string) (string, error) {
	if _, err := fmt.Fprintln(p.conn, line); err != nil {
		return "", err
	}
	p.conn.SetReadDeadline(time.Now().Add(connectTimeout))
	defer p.conn.SetReadDeadline(time.Time{})
	reply, err := p.in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("no response from broker: %w", err)
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

func (p *publisher) runConsoleMenu() {
	console := bufio.NewScanner(os.Stdin)
	for {
		fmt.Println("Please select command: create, publish, list, show, delete, exit.")
		if !console.Scan() {
			p.disconnect()
			return
		}
		parts := strings.SplitN(strings.TrimSpace(console.Text()), " ", 3)

		switch parts[0] {
		case "create":
			if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
				fmt.Println("Usage: create <topic-name>")
				break
			}
			p.createTopic(parts[1])
		case "publish":
			if len(parts) != 3 {
				fmt.Println("Usage: publish <topic-id> <message>")
				break
			}
			p.publish(parts[1], parts[2])
		case "list":
			p.listTopics()
		case "show":
			p.showSubscriberCounts()
		case "delete":
			if len(parts) != 2 {
				fmt.Println("Usage: delete <topic-id>")
				break
			}
			p.deleteTopic(parts[1])
		case "exit":
			p.disconnect()
			return
		default:
			fmt.Println("Invalid choice. Please try again.")
		}
	}
}

func (p *publisher) createTopic(name string) {
	id := uuid.New()
	reply, err := p.request(protocol.Marshal(protocol.CreateTopic{ID: id, Name: name}))
	if err != nil {
		fmt.Printf("Error creating topic: %v\n", err)
		return
	}
	if strings.HasPrefix(reply, "SUCCESS:") {
		p.topics[id] = name
		fmt.Println("Topic created successfully.")
		fmt.Printf("Topic Name: %s\n", name)
		fmt.Printf("Topic ID: %s\n", id)
		return
	}
	fmt.Printf("Failed to create topic: %s\n", strings.TrimPrefix(reply, "ERROR:"))
}

func (p *publisher) publish(idStr, content string) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		fmt.Println("Invalid topic ID.")
		return
	}
	topicName, ok := p.topics[id]
	if !ok {
		fmt.Println("Topic not found.")
		return
	}
	if strings.TrimSpace(content) == "" {
		fmt.Println("Content cannot be empty. Please enter a valid message.")
		return
	}
	if len(content) > maxMessageLength {
		fmt.Printf("Message too long. Truncating to %d characters.\n", maxMessageLength)
		content = content[:maxMessageLength]
	}

	reply, err := p.request(protocol.Marshal(protocol.Publish{ID: id, Content: content, Publisher: p.name}))
	if err != nil {
		fmt.Printf("Error publishing message: %v\n", err)
		return
	}
	if strings.HasPrefix(reply, "SUCCESS:") {
		fmt.Printf("Message published to topic: %s\n", topicName)
		return
	}
	fmt.Printf("Failed to publish message: %s\n", reply)
}

func (p *publisher) listTopics() {
	reply, err := p.request(protocol.Marshal(protocol.ListTopics{}))
	if err != nil {
		fmt.Printf("Error listing topics: %v\n", err)
		return
	}
	printTopicList(reply)
}

func printTopicList(reply string) {
	content, ok := strings.CutPrefix(reply, "TOPICLIST:")
	if !ok {
		fmt.Printf("Unexpected response from broker: %s\n", reply)
		return
	}
	if content == "EMPTY" {
		fmt.Println("No topics available.")
		return
	}
	fmt.Println("Available Topics:")
	for _, entry := range strings.Split(content, ",") {
		fields := strings.Split(entry, "|")
		if len(fields) == 3 {
			fmt.Printf("ID: %s, Name: %s, Publisher: %s\n", fields[0], fields[1], fields[2])
		}
	}
}

func (p *publisher) showSubscriberCounts() {
	if len(p.topics) == 0 {
		fmt.Println("No topics available.")
		return
	}
	for id, name := range p.topics {
		reply, err := p.request(protocol.Marshal(protocol.SubscriberCount{ID: id}))
		if err != nil {
			fmt.Printf("Error getting subscriber count for topic: %s\n", name)
			continue
		}
		count, ok := strings.CutPrefix(reply, "SUBSCRIBERCOUNT:")
		if !ok {
			fmt.Printf("Error getting subscriber count for topic: %s\n", name)
			continue
		}
		fmt.Printf("Topic: %s (ID: %s) - Subscribers: %s\n", name, id, count)
	}
}

func (p *publisher) deleteTopic(idStr string) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		fmt.Println("Invalid topic ID.")
		return
	}
	if _, ok := p.topics[id]; !ok {
		fmt.Println("Topic not found.")
		return
	}
	reply, err := p.request(protocol.Marshal(protocol.DeleteTopic{ID: id, Requester: p.name}))
	if err != nil {
		fmt.Printf("Error deleting topic: %v\n", err)
		return
	}
	if strings.HasPrefix(reply, "SUCCESS:") {
		delete(p.topics, id)
		fmt.Printf("Topic deleted: %s\n", id)
		return
	}
	fmt.Printf("Failed to delete topic: %s\n", reply)
}

func (p *publisher) disconnect() {
	fmt.Fprintln(p.conn, protocol.Marshal(protocol.Exit{Role: protocol.RolePublisher, Count: -1}))
	fmt.Println("Disconnected from broker.")
}
