package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	visitorcount "github.com/yerzham/thingsboard-visitor-count-client"
)

func main() {
	client, err := visitorcount.Conf("../../config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil {
		log.Fatalf("client exited: %v", err)
	}
}
