package ports

import (
	"context"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
)

// SampleChannel is the bounded hand-off between the sensing worker and the
// coordinator. Push never blocks; when full the oldest sample is discarded.
type SampleChannel interface {
	Push(s domain.Sample)
	Pop(ctx context.Context) (domain.Sample, bool)
	TryPop() (domain.Sample, bool)
	Ready() <-chan struct{}
	Len() int
	Cap() int
	Dropped() uint64
}
