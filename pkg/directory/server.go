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

// Package directory implements the directory service: brokers register
// themselves here, and clients ask for the address of the least-loaded
// broker. Load is a per-broker connection counter, incremented on
// assignment and decremented when a broker reports a client disconnect.
package directory

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
)

// brokerInfo is one registered broker and its advisory load counter.
type brokerInfo struct {
	host string
	port int
	load int
}

func (b *brokerInfo) String() string {
	return net.JoinHostPort(b.host, strconv.Itoa(b.port))
}

// Server accepts one-shot directory requests: each connection carries a
// single request line and, when the protocol calls for one, a single reply
// line.
type Server struct {
	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	brokers map[int]*brokerInfo
}

// NewServer creates an empty directory server.
func NewServer() *Server {
	return &Server{
		quit:    make(chan struct{}),
		brokers: make(map[int]*brokerInfo),
	}
}

// Start begins listening for requests on addr. The accept loop runs in its
// own goroutine.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	log.Printf("Directory Service is running on %s", ln.Addr())
	return nil
}

// Stop closes the listener and waits for in-flight handlers to finish.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	log.Println("Directory Service stopped")
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				log.Printf("Error accepting client connection: %v", err)
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	line = strings.TrimRight(line, "\r\n")
	log.Printf("Received message: %s", line)

	switch {
	case strings.HasPrefix(line, "REGISTER:"):
		s.handleRegistration(line, conn)
	case line == "QUERY_BROKERS":
		s.handleQuery(conn)
	case strings.HasPrefix(line, "CLIENT_DISCONNECTED:"):
		s.handleDisconnect(line)
	default:
		fmt.Fprintln(conn, "ERROR:Invalid command")
	}
}

func (s *Server) handleRegistration(line string, w io.Writer) {
	parts := strings.Split(line, ":")
	if len(parts) != 4 {
		fmt.Fprintln(w, "ERROR:Invalid registration format")
		return
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		fmt.Fprintln(w, "ERROR:Invalid registration format")
		return
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil {
		fmt.Fprintln(w, "ERROR:Invalid registration format")
		return
	}

	s.mu.Lock()
	s.brokers[id] = &brokerInfo{host: parts[2], port: port}
	s.mu.Unlock()

	fmt.Fprintln(w, "SUCCESS:Broker registered")
	log.Printf("Broker registered: %d at %s:%d", id, parts[2], port)
}

// handleQuery assigns the client to the least-loaded broker and bumps that
// broker's counter; the selection plus increment happens under one lock so
// concurrent queries observe a monotonic least-loaded order.
func (s *Server) handleQuery(w io.Writer) {
	s.mu.Lock()
	var chosen *brokerInfo
	for _, b := range s.brokers {
		if chosen == nil || b.load < chosen.load {
			chosen = b
		}
	}
	if chosen != nil {
		chosen.load++
	}
	s.mu.Unlock()

	if chosen == nil {
		fmt.Fprintln(w, "ERROR:No brokers available")
		log.Println("No brokers available for client query")
		return
	}
	fmt.Fprintln(w, chosen.String())
	log.Printf("Assigned client to broker: %s", chosen)
}

func (s *Server) handleDisconnect(line string) {
	parts := strings.Split(line, ":")
	if len(parts) != 2 {
		log.Printf("Invalid disconnection message format: %s", line)
		return
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		log.Printf("Invalid disconnection message format: %s", line)
		return
	}

	s.mu.Lock()
	if b, ok := s.brokers[id]; ok {
		b.load--
	}
	s.mu.Unlock()
	log.Printf("Client disconnected from broker: %d", id)
}
