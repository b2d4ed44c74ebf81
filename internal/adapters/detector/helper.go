package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

var errHelperGone = errors.New("detector helper is no longer usable")

type Config struct {
	Command     string
	Args        []string
	Camera      CameraSettings
	Model       ModelSettings
	CallTimeout time.Duration
	StopTimeout time.Duration
}

// HelperSensor runs camera capture and inference in a helper process so a
// hardware fault takes down the helper rather than the client. One helper
// process backs one acquired device handle.
type HelperSensor struct {
	cfg   Config
	obs   ports.Observability
	spawn func() (*process, error)
}

func NewHelperSensor(cfg Config, obs ports.Observability) (*HelperSensor, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("detector helper command is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	s := &HelperSensor{cfg: cfg, obs: obs}
	s.spawn = s.spawnProcess
	return s, nil
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	exited chan struct{}

	mu     sync.Mutex
	broken bool
}

type handle struct {
	proc *process
}

type frame struct {
	sensor *HelperSensor
	proc   *process
	id     uint64
	once   sync.Once
}

func (f *frame) Release() {
	f.once.Do(func() {
		_, err := f.sensor.call(f.proc, request{Op: opRelease, FrameID: f.id})
		if err != nil {
			f.sensor.obs.LogDebug("detector_frame_release_failed", ports.Field{Key: "error", Value: err.Error()})
		}
	})
}

// AcquireDevices starts a helper and asks it to open the camera and load the
// model onto the accelerator.
func (s *HelperSensor) AcquireDevices(ctx context.Context) (ports.DeviceHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proc, err := s.spawn()
	if err != nil {
		return nil, &ports.InitError{Kind: ports.KindFatal, Err: err}
	}

	camera, model := s.cfg.Camera, s.cfg.Model
	resp, err := s.call(proc, request{Op: opInit, Camera: &camera, Model: &model})
	if err != nil {
		s.shutdown(proc)
		return nil, &ports.InitError{Kind: ports.KindTransient, Err: err}
	}
	if !resp.OK {
		kind := initErrorKind(resp.ErrorKind)
		ierr := &ports.InitError{Kind: kind, Err: fmt.Errorf("%s: %s", resp.ErrorKind, resp.Message)}
		if kind == ports.KindAcceleratorNotReady {
			ierr.Partial = &handle{proc: proc}
		} else {
			s.shutdown(proc)
		}
		return nil, ierr
	}
	return &handle{proc: proc}, nil
}

func (s *HelperSensor) CaptureFrame(ctx context.Context, h ports.DeviceHandle) (ports.Frame, error) {
	hd, ok := h.(*handle)
	if !ok {
		return nil, fmt.Errorf("unexpected device handle %T", h)
	}
	resp, err := s.call(hd.proc, request{Op: opCapture})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("capture: %s", resp.Message)
	}
	return &frame{sensor: s, proc: hd.proc, id: resp.FrameID}, nil
}

func (s *HelperSensor) RunInference(ctx context.Context, f ports.Frame, region domain.Region) ([]ports.Detection, error) {
	fr, ok := f.(*frame)
	if !ok {
		return nil, fmt.Errorf("unexpected frame %T", f)
	}
	resp, err := s.call(fr.proc, request{Op: opInfer, FrameID: fr.id, Region: region.Pairs()})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("inference: %s", resp.Message)
	}
	return resp.Detections, nil
}

// ReleaseDevices asks the helper to close the camera and accelerator, then
// waits for it to exit, killing it after StopTimeout.
func (s *HelperSensor) ReleaseDevices(h ports.DeviceHandle) error {
	hd, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("unexpected device handle %T", h)
	}
	return s.shutdown(hd.proc)
}

// call sends one request and waits for its response. Calls are bounded by
// CallTimeout, not by the caller's context, so a stop request lets the
// current cycle finish. A failed call marks the helper unusable.
func (s *HelperSensor) call(p *process, req request) (response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken {
		return response{}, errHelperGone
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := writeMessage(p.stdin, req); err != nil {
			done <- result{err: err}
			return
		}
		var resp response
		err := readMessage(p.stdout, &resp)
		done <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(s.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			p.broken = true
			return response{}, fmt.Errorf("detector %s: %w", req.Op, r.err)
		}
		return r.resp, nil
	case <-timer.C:
		p.broken = true
		p.kill()
		return response{}, fmt.Errorf("detector %s: no response within %s", req.Op, s.cfg.CallTimeout)
	}
}

func (s *HelperSensor) shutdown(p *process) error {
	var errs []error
	if _, err := s.call(p, request{Op: opClose}); err != nil && !errors.Is(err, errHelperGone) {
		errs = append(errs, err)
	}

	p.mu.Lock()
	p.broken = true
	p.mu.Unlock()
	if err := p.stdin.Close(); err != nil {
		errs = append(errs, err)
	}

	select {
	case <-p.exited:
	case <-time.After(s.cfg.StopTimeout):
		s.obs.LogWarn("detector_stop_timeout", fmt.Errorf("helper still running after %s", s.cfg.StopTimeout))
		p.kill()
		<-p.exited
	}
	return errors.Join(errs...)
}

func (p *process) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.stdin.Close()
	_ = p.stdout.Close()
}

func (s *HelperSensor) spawnProcess() (*process, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	p := &process{cmd: cmd, stdin: stdin, stdout: stdout, exited: make(chan struct{})}
	pid := cmd.Process.Pid
	s.obs.LogInfo("detector_helper_started", ports.Field{Key: "pid", Value: pid})

	logged := make(chan struct{})
	go func() {
		defer close(logged)
		s.logStderr(stderr, pid)
	}()
	go func() {
		// stderr must be drained before Wait closes the pipe
		<-logged
		err := cmd.Wait()
		if err != nil {
			s.obs.LogWarn("detector_helper_exited", err, ports.Field{Key: "pid", Value: pid})
		} else {
			s.obs.LogDebug("detector_helper_exited", ports.Field{Key: "pid", Value: pid})
		}
		close(p.exited)
	}()
	return p, nil
}

// logStderr maps helper log lines onto log levels by their level tag.
func (s *HelperSensor) logStderr(r io.Reader, pid int) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		field := []ports.Field{{Key: "pid", Value: pid}, {Key: "log", Value: line}}
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			s.obs.LogError("detector_helper_log", nil, field...)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			s.obs.LogWarn("detector_helper_log", nil, field...)
		default:
			s.obs.LogDebug("detector_helper_log", field...)
		}
	}
}

var _ ports.Sensor = (*HelperSensor)(nil)
