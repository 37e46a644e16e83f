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

// package main is the entrypoint for a pubsub-go broker node.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/turtacn/pubsub-go/pkg/broker"
	"github.com/turtacn/pubsub-go/pkg/cluster"
	"github.com/turtacn/pubsub-go/pkg/config"
	"github.com/turtacn/pubsub-go/pkg/directory"
	"github.com/turtacn/pubsub-go/pkg/metrics"
	"github.com/turtacn/pubsub-go/pkg/topic"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON configuration file")
	brokerID := flag.Int("id", -1, "broker id, overriding the configuration")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	bc := &cfg.Broker
	if *brokerID >= 0 {
		bc.BrokerID = *brokerID
	}
	if _, ok := bc.Brokers[bc.BrokerID]; !ok {
		log.Fatalf("Broker id %d has no entry in the brokers table", bc.BrokerID)
	}

	log.Printf("Starting pubsub-go broker %d...", bc.BrokerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clusterMgr := cluster.NewManager(bc.BrokerID, bc.PeerAddrs(), bc.ConnectTimeout())
	b := broker.New(bc.BrokerID, topic.Limits{
		MaxPublishers:    bc.MaxPublishers,
		MaxSubscribers:   bc.MaxSubscribers,
		MaxMessageLength: bc.MaxMessageLength,
	}, clusterMgr)

	go metrics.Serve(bc.MetricsPort)
	go clusterMgr.Run(ctx, bc.ReconnectInterval())

	if host, port, err := bc.HostPort(); err == nil {
		b.RegisterWithDirectory(directory.NewClient(bc.DirectoryAddress, bc.ConnectTimeout()), host, port)
	} else {
		log.Printf("Cannot determine own host and port for registration: %v", err)
	}

	go func() {
		if err := b.StartServer(ctx, bc.ListenAddr()); err != nil {
			log.Fatalf("Broker server failed: %v", err)
		}
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
}
