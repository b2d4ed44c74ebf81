package domain

// WorkerStatus is the lifecycle state of one sensing worker instance.
type WorkerStatus int32

const (
	WorkerNotStarted WorkerStatus = iota
	WorkerStarting
	WorkerRunning
	WorkerStopping
	WorkerFailed
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerNotStarted:
		return "not_started"
	case WorkerStarting:
		return "starting"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerFailed:
		return "failed"
	default:
		return "unknown"
	}
}
