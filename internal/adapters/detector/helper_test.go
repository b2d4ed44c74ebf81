package detector

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

// MockCloser lets a bytes.Buffer stand in for a pipe end.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

type fakeHelper struct {
	mu       sync.Mutex
	requests []request
}

func (f *fakeHelper) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Op
	}
	return out
}

func (f *fakeHelper) last(op string) (request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Op == op {
			return f.requests[i], true
		}
	}
	return request{}, false
}

// startFake wires a process to an in-memory helper that answers with respond.
// When respond returns false the request goes unanswered.
func startFake(respond func(request) (response, bool)) (*process, *fakeHelper) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	p := &process{stdin: reqW, stdout: respR, exited: make(chan struct{})}
	f := &fakeHelper{}

	go func() {
		defer close(p.exited)
		defer respW.Close()
		for {
			var req request
			if err := readMessage(reqR, &req); err != nil {
				return
			}
			f.mu.Lock()
			f.requests = append(f.requests, req)
			f.mu.Unlock()

			if resp, ok := respond(req); ok {
				if err := writeMessage(respW, resp); err != nil {
					return
				}
			}
			if req.Op == opClose {
				return
			}
		}
	}()
	return p, f
}

func newTestSensor(t *testing.T, p *process) *HelperSensor {
	t.Helper()
	s, err := NewHelperSensor(Config{
		Command:     "detector-helper",
		Camera:      CameraSettings{Width: 544, Height: 320, Framerate: 1},
		Model:       ModelSettings{Path: "models/pd", Threshold: 0.6, Device: "MYRIAD"},
		CallTimeout: time.Second,
		StopTimeout: time.Second,
	}, nopObs{})
	if err != nil {
		t.Fatalf("new sensor: %v", err)
	}
	s.spawn = func() (*process, error) { return p, nil }
	return s
}

func TestHelperSessionRoundTrip(t *testing.T) {
	p, fake := startFake(func(req request) (response, bool) {
		switch req.Op {
		case opCapture:
			return response{OK: true, FrameID: 7}, true
		case opInfer:
			return response{OK: true, Detections: []ports.Detection{{InsideRegion: true}, {InsideRegion: false}}}, true
		default:
			return response{OK: true}, true
		}
	})
	s := newTestSensor(t, p)

	h, err := s.AcquireDevices(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	initReq, _ := fake.last(opInit)
	if initReq.Camera == nil || initReq.Camera.Width != 544 || initReq.Model == nil || initReq.Model.Device != "MYRIAD" {
		t.Fatalf("unexpected init request %+v", initReq)
	}

	f, err := s.CaptureFrame(context.Background(), h)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	region := domain.Region{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0.5, Y: 1}}
	dets, err := s.RunInference(context.Background(), f, region)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(dets) != 2 || !dets[0].InsideRegion || dets[1].InsideRegion {
		t.Fatalf("unexpected detections %+v", dets)
	}
	infer, _ := fake.last(opInfer)
	if infer.FrameID != 7 || len(infer.Region) != 3 || infer.Region[2] != [2]float64{0.5, 1} {
		t.Fatalf("unexpected infer request %+v", infer)
	}

	f.Release()
	f.Release()
	if err := s.ReleaseDevices(h); err != nil {
		t.Fatalf("release: %v", err)
	}

	want := []string{opInit, opCapture, opInfer, opRelease, opClose}
	got := fake.ops()
	if len(got) != len(want) {
		t.Fatalf("expected ops %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ops %v, got %v", want, got)
		}
	}
}

func TestHelperInitErrorKinds(t *testing.T) {
	cases := []struct {
		kind    string
		want    ports.ErrorKind
		partial bool
	}{
		{errKindCameraBusy, ports.KindTransient, false},
		{errKindAcceleratorNotReady, ports.KindAcceleratorNotReady, true},
		{"model_missing", ports.KindFatal, false},
	}

	for _, tc := range cases {
		p, fake := startFake(func(req request) (response, bool) {
			if req.Op == opInit {
				return response{OK: false, ErrorKind: tc.kind, Message: "init failed"}, true
			}
			return response{OK: true}, true
		})
		s := newTestSensor(t, p)

		_, err := s.AcquireDevices(context.Background())
		var ie *ports.InitError
		if !errors.As(err, &ie) {
			t.Fatalf("%s: expected InitError, got %v", tc.kind, err)
		}
		if ie.Kind != tc.want {
			t.Fatalf("%s: expected kind %s, got %s", tc.kind, tc.want, ie.Kind)
		}
		if (ie.Partial != nil) != tc.partial {
			t.Fatalf("%s: unexpected partial handle %v", tc.kind, ie.Partial)
		}
		if tc.partial {
			if err := s.ReleaseDevices(ie.Partial); err != nil {
				t.Fatalf("release partial: %v", err)
			}
		}
		if _, ok := fake.last(opClose); !ok {
			t.Fatalf("%s: helper was not closed", tc.kind)
		}
	}
}

func TestHelperCallTimeoutMarksBroken(t *testing.T) {
	p, _ := startFake(func(req request) (response, bool) {
		if req.Op == opCapture {
			return response{}, false
		}
		return response{OK: true}, true
	})
	s := newTestSensor(t, p)
	s.cfg.CallTimeout = 20 * time.Millisecond

	h, err := s.AcquireDevices(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.CaptureFrame(context.Background(), h); err == nil {
		t.Fatalf("expected capture timeout")
	}
	if _, err := s.CaptureFrame(context.Background(), h); !errors.Is(err, errHelperGone) {
		t.Fatalf("expected errHelperGone after timeout, got %v", err)
	}
	if err := s.ReleaseDevices(h); err != nil {
		t.Fatalf("release after timeout: %v", err)
	}
}

func TestMessageFraming(t *testing.T) {
	buf := &MockCloser{Buffer: new(bytes.Buffer)}
	if err := writeMessage(buf, request{Op: opInfer, FrameID: 3, Region: [][2]float64{{0.1, 0.2}}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	n := binary.BigEndian.Uint32(buf.Bytes()[:4])
	if int(n) != buf.Len()-4 {
		t.Fatalf("length prefix %d does not match body %d", n, buf.Len()-4)
	}

	var req request
	if err := readMessage(buf, &req); err != nil {
		t.Fatalf("read: %v", err)
	}
	if req.Op != opInfer || req.FrameID != 3 || req.Region[0] != [2]float64{0.1, 0.2} {
		t.Fatalf("unexpected request %+v", req)
	}

	huge := &MockCloser{Buffer: new(bytes.Buffer)}
	_ = binary.Write(huge, binary.BigEndian, uint32(maxMessageSize+1))
	if err := readMessage(huge, &req); err == nil {
		t.Fatalf("expected oversized message to be rejected")
	}
}

type nopObs struct{}

func (nopObs) LogDebug(string, ...ports.Field)           {}
func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogWarn(string, error, ...ports.Field)     {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64)                {}
func (nopObs) ObserveLatency(string, float64)            {}
func (nopObs) SetGauge(string, float64)                  {}
