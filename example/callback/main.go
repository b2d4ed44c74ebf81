package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	visitorcount "github.com/yerzham/thingsboard-visitor-count-client/pkg/visitorcount"
)

func main() {
	callback := func(s visitorcount.Sample) error {
		fmt.Printf("%s people=%d\n", time.UnixMilli(s.Timestamp).Format(time.RFC3339Nano), s.Count)
		return nil
	}

	client, err := visitorcount.Conf("../../config.yaml", visitorcount.WithTelemetryTap(callback))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil {
		log.Fatalf("client error: %v", err)
	}
}
