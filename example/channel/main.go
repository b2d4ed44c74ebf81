package main

import (
	"context"
	"fmt"
	"log"
	"time"

	visitorcount "github.com/yerzham/thingsboard-visitor-count-client/pkg/visitorcount"
)

// Runs the counter against an in-memory platform and a simulated camera,
// then flips detection off and on the way an operator would.
func main() {
	cfg := visitorcount.DefaultConfig()
	cfg.Sensing.Backend = visitorcount.BackendSimulated

	platform := visitorcount.NewLoopbackConnection(map[string]any{
		"detectionEnabled": true,
		"detectionBounds": []any{
			map[string]any{"x": 0.1, "y": 0.1},
			map[string]any{"x": 0.9, "y": 0.1},
			map[string]any{"x": 0.9, "y": 0.9},
			map[string]any{"x": 0.1, "y": 0.9},
		},
	})
	tap, samples, closeTap := visitorcount.NewChannelTap(16)
	defer closeTap()

	client, err := visitorcount.NewClient(cfg,
		visitorcount.WithConnection(platform),
		visitorcount.WithSensor(visitorcount.NewSimulatedSensor(visitorcount.SimulatedConfig{
			MaxPeople:     6,
			FrameInterval: 200 * time.Millisecond,
		})),
		visitorcount.WithTelemetryTap(tap),
		visitorcount.WithoutMetricsServer(),
	)
	if err != nil {
		log.Fatalf("build client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	go func() {
		time.Sleep(2 * time.Second)
		platform.SetShared("detectionEnabled", false)
		time.Sleep(2 * time.Second)
		platform.SetShared("detectionEnabled", true)
	}()

	go func() {
		for s := range samples {
			fmt.Printf("ts=%d people=%d\n", s.Timestamp, s.Count)
		}
	}()

	if err := client.Run(ctx); err != nil {
		log.Fatalf("client error: %v", err)
	}
	fmt.Printf("attribute reports: %v\n", platform.Attributes())
}
