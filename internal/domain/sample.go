package domain

import "time"

// Sample is one people-count reading produced by the sensing worker.
type Sample struct {
	Timestamp int64 `json:"ts"`
	Count     int   `json:"count"`
}

// NewSample stamps count with t in milliseconds since the epoch.
func NewSample(t time.Time, count int) Sample {
	if count < 0 {
		count = 0
	}
	return Sample{Timestamp: t.UnixMilli(), Count: count}
}
