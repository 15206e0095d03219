// Package main starts the lobby real-time service and handles termination.
//
// The process is a transport adapter around connection registration and
// battle matchmaking so gameplay state remains owned by the game domain.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	lobbycmd "github.com/jamlabs/aircraft/internal/cmd/lobby"
)

func main() {
	cfg, err := lobbycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[LOBBY] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := lobbycmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
