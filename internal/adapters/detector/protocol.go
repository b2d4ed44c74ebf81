package detector

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

// Helper operations. Every request gets exactly one response.
const (
	opInit    = "init"
	opCapture = "capture"
	opInfer   = "infer"
	opRelease = "release"
	opClose   = "close"
)

// Error kinds reported by the helper on a failed init.
const (
	errKindCameraBusy          = "camera_busy"
	errKindDriver              = "driver"
	errKindAcceleratorNotReady = "accelerator_not_ready"
)

const maxMessageSize = 16 << 20

type CameraSettings struct {
	Width     int `msgpack:"width" yaml:"width"`
	Height    int `msgpack:"height" yaml:"height"`
	Framerate int `msgpack:"framerate" yaml:"framerate"`
	Rotation  int `msgpack:"rotation" yaml:"rotation"`
}

type ModelSettings struct {
	Path      string  `msgpack:"path" yaml:"path"`
	Threshold float64 `msgpack:"threshold" yaml:"threshold"`
	Device    string  `msgpack:"device" yaml:"device"`
}

type request struct {
	Op      string          `msgpack:"op"`
	Camera  *CameraSettings `msgpack:"camera,omitempty"`
	Model   *ModelSettings  `msgpack:"model,omitempty"`
	FrameID uint64          `msgpack:"frame_id,omitempty"`
	Region  [][2]float64    `msgpack:"region,omitempty"`
}

type response struct {
	OK         bool              `msgpack:"ok"`
	ErrorKind  string            `msgpack:"error_kind"`
	Message    string            `msgpack:"message"`
	FrameID    uint64            `msgpack:"frame_id"`
	Detections []ports.Detection `msgpack:"detections"`
}

// writeMessage frames v as a 4-byte big-endian length followed by msgpack.
func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write message body: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read message body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// initErrorKind maps a helper error kind onto the worker's retry classes.
func initErrorKind(kind string) ports.ErrorKind {
	switch kind {
	case errKindCameraBusy, errKindDriver:
		return ports.KindTransient
	case errKindAcceleratorNotReady:
		return ports.KindAcceleratorNotReady
	default:
		return ports.KindFatal
	}
}
