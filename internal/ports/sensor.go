package ports

import (
	"context"
	"errors"
	"fmt"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
)

// DeviceHandle is an opaque reference to acquired camera + inference devices.
type DeviceHandle interface{}

// Frame is one captured image buffer. Release returns it to the sensor.
type Frame interface {
	Release()
}

// Detection is one entity reported by inference.
type Detection struct {
	InsideRegion bool `msgpack:"inside_region" json:"inside_region"`
}

// Sensor is the camera + on-device inference collaborator.
type Sensor interface {
	AcquireDevices(ctx context.Context) (DeviceHandle, error)
	CaptureFrame(ctx context.Context, h DeviceHandle) (Frame, error)
	RunInference(ctx context.Context, f Frame, region domain.Region) ([]Detection, error)
	ReleaseDevices(h DeviceHandle) error
}

// ErrorKind classifies device initialization failures.
type ErrorKind int

const (
	// KindFatal aborts initialization immediately.
	KindFatal ErrorKind = iota
	// KindTransient covers busy hardware and driver hiccups; retried after backoff.
	KindTransient
	// KindAcceleratorNotReady means the camera was acquired but the inference
	// accelerator was not; the camera is released before retrying.
	KindAcceleratorNotReady
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAcceleratorNotReady:
		return "accelerator_not_ready"
	default:
		return "fatal"
	}
}

// Retryable reports whether the worker may try again after this kind of failure.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindAcceleratorNotReady
}

// InitError is returned by Sensor.AcquireDevices. Partial, when set, holds
// whatever was acquired before the failure and must be released by the caller.
type InitError struct {
	Kind    ErrorKind
	Partial DeviceHandle
	Err     error
}

func (e *InitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device init failed (%s)", e.Kind)
	}
	return fmt.Sprintf("device init failed (%s): %v", e.Kind, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Classify returns the kind carried by err. Untyped errors are fatal.
func Classify(err error) ErrorKind {
	var ie *InitError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindFatal
}
