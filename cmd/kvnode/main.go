package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"semisynckv/internal/config"
	"semisynckv/internal/node"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	n := node.NewNode(cfg)
	if err := n.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	<-sigch

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := n.Stop(ctx); err != nil {
		log.Printf("[%s] shutdown error: %v", cfg.NodeID, err)
	}
}
