package visitorcount

import (
	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/loopback"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/simsensor"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

// Sample is one people-count reading: milliseconds since the epoch and a count.
type Sample = domain.Sample

// Region is the normalized region-of-interest polygon; Point is one vertex.
type (
	Region = domain.Region
	Point  = domain.Point
)

// WorkerStatus is the lifecycle state of a sensing worker instance.
type WorkerStatus = domain.WorkerStatus

const (
	WorkerNotStarted = domain.WorkerNotStarted
	WorkerStarting   = domain.WorkerStarting
	WorkerRunning    = domain.WorkerRunning
	WorkerStopping   = domain.WorkerStopping
	WorkerFailed     = domain.WorkerFailed
)

// Sensor is the camera plus inference collaborator. Implement it to plug in
// hardware other than the bundled helper process.
type Sensor = ports.Sensor

type (
	DeviceHandle = ports.DeviceHandle
	Frame        = ports.Frame
	Detection    = ports.Detection
	InitError    = ports.InitError
	ErrorKind    = ports.ErrorKind
)

const (
	KindFatal               = ports.KindFatal
	KindTransient           = ports.KindTransient
	KindAcceleratorNotReady = ports.KindAcceleratorNotReady
)

// Connection is the platform session the coordinator talks to.
type Connection = ports.Connection

type (
	ConnectHandler    = ports.ConnectHandler
	AttributesHandler = ports.AttributesHandler
	AttributeHandler  = ports.AttributeHandler
	ConnectivityError = ports.ConnectivityError
)

// SampleChannel is the bounded drop-oldest hand-off between worker and coordinator.
type SampleChannel = ports.SampleChannel

// Observability emits logs and metrics.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// LoopbackConnection is an in-memory platform session for demos and tests.
type LoopbackConnection = loopback.Connection

// NewLoopbackConnection returns an in-memory platform serving the given
// shared attributes.
func NewLoopbackConnection(shared map[string]any) *LoopbackConnection {
	return loopback.New(shared)
}

// NewSimulatedSensor returns a sensor that fabricates people at random
// positions instead of driving real hardware.
func NewSimulatedSensor(cfg SimulatedConfig) Sensor {
	return simsensor.New(cfg)
}
