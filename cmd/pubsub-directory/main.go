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

// package main is the entrypoint for the pubsub-go directory service.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/turtacn/pubsub-go/pkg/directory"
)

func main() {
	addr := flag.String("addr", "localhost:6000", "address to listen on")
	flag.Parse()

	log.Println("Starting pubsub-go directory service...")

	srv := directory.NewServer()
	if err := srv.Start(*addr); err != nil {
		log.Fatalf("Directory service failed to start: %v", err)
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
	srv.Stop()
}
