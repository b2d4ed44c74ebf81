package simsensor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/domain"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

type Config struct {
	MaxPeople     int           `yaml:"max_people"`
	FrameInterval time.Duration `yaml:"frame_interval"`
	InitFailures  int           `yaml:"init_failures"`
	Seed          int64         `yaml:"seed"`
}

// Sensor fabricates frames holding people at random normalized positions.
// The first InitFailures acquisitions fail as busy hardware would.
type Sensor struct {
	cfg Config

	mu           sync.Mutex
	rng          *rand.Rand
	failuresLeft int
	open         int
}

type handle struct{ id int }

type frame struct {
	people []domain.Point
}

func (frame) Release() {}

func New(cfg Config) *Sensor {
	if cfg.MaxPeople <= 0 {
		cfg.MaxPeople = 5
	}
	if cfg.FrameInterval < 0 {
		cfg.FrameInterval = 0
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sensor{
		cfg:          cfg,
		rng:          rand.New(rand.NewSource(seed)),
		failuresLeft: cfg.InitFailures,
	}
}

func (s *Sensor) AcquireDevices(ctx context.Context) (ports.DeviceHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return nil, &ports.InitError{Kind: ports.KindTransient, Err: errors.New("simulated camera busy")}
	}
	s.open++
	return &handle{id: s.open}, nil
}

func (s *Sensor) CaptureFrame(ctx context.Context, h ports.DeviceHandle) (ports.Frame, error) {
	if _, ok := h.(*handle); !ok {
		return nil, fmt.Errorf("unexpected device handle %T", h)
	}
	if s.cfg.FrameInterval > 0 {
		timer := time.NewTimer(s.cfg.FrameInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.rng.Intn(s.cfg.MaxPeople + 1)
	people := make([]domain.Point, n)
	for i := range people {
		people[i] = domain.Point{X: s.rng.Float64(), Y: s.rng.Float64()}
	}
	return frame{people: people}, nil
}

// RunInference flags each simulated person by point-in-polygon against the
// region. An empty region counts everyone.
func (s *Sensor) RunInference(ctx context.Context, f ports.Frame, region domain.Region) ([]ports.Detection, error) {
	fr, ok := f.(frame)
	if !ok {
		return nil, fmt.Errorf("unexpected frame %T", f)
	}
	out := make([]ports.Detection, len(fr.people))
	for i, p := range fr.people {
		out[i] = ports.Detection{InsideRegion: region.Contains(p)}
	}
	return out, nil
}

func (s *Sensor) ReleaseDevices(h ports.DeviceHandle) error {
	if _, ok := h.(*handle); !ok {
		return fmt.Errorf("unexpected device handle %T", h)
	}
	s.mu.Lock()
	s.open--
	s.mu.Unlock()
	return nil
}

// Open reports how many device handles are currently acquired.
func (s *Sensor) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

var _ ports.Sensor = (*Sensor)(nil)
